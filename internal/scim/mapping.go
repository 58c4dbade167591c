// Package scim encodes cached users and groups as SCIM resources and
// talks to the cloud's SCIM endpoint. The payload shape follows what the
// qliq webserver actually consumes, which deviates from the RFC in a few
// documented places.
package scim

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/scimbridge/adsync/internal/adtypes"
)

const (
	SchemaUser  = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup = "urn:ietf:params:scim:schemas:core:2.0:Group"
	// SchemaEnterprise is the 1.0 style URN the webserver expects.
	SchemaEnterprise = "urn:scim:schemas:extension:enterprise:1.0"
)

// ValidateUser rejects users that cannot become a SCIM resource. The
// pusher records the reason and skips the row.
func ValidateUser(u *adtypes.DbUser) error {
	switch {
	case u.ObjectGUID == "":
		return errors.New("'objectGuid' attribute is empty")
	case u.UserPrincipalName == "":
		// This becomes SCIM 'userName', required by the server.
		return errors.New("'userPrincipalName' attribute is empty")
	case u.GivenName == "":
		return errors.New("'givenName' attribute is empty")
	case u.Surname == "":
		return errors.New("'sn' attribute is empty")
	}
	return nil
}

// ValidateGroup rejects groups that cannot become a SCIM resource.
func ValidateGroup(g *adtypes.DbGroup) error {
	switch {
	case g.ObjectGUID == "":
		return errors.New("'objectGuid' attribute is empty")
	case g.CN == "":
		return errors.New("'cn' attribute is empty")
	}
	return nil
}

// UserToMap renders the SCIM representation of a user. Groups are included
// only when subgroup support is on, and only those already known to the
// cloud (non-empty qliq id).
func UserToMap(u *adtypes.DbUser, subgroupsEnabled bool) map[string]interface{} {
	schemas := []interface{}{SchemaUser}
	ret := map[string]interface{}{
		"externalId": u.ObjectGUID,
	}
	if u.UserPrincipalName != "" {
		ret["userName"] = u.UserPrincipalName
	}

	name := map[string]interface{}{
		"formatted":  u.FormattedName(),
		"givenName":  u.FirstNameOrCN(),
		"familyName": u.LastNameOrCN(),
	}
	if u.MiddleName != "" {
		name["middleName"] = u.MiddleName
	}
	ret["name"] = name

	if u.Title != "" {
		ret["title"] = u.Title
	}

	if u.TelephoneNumber != "" || u.Mobile != "" {
		numbers := []interface{}{}
		if u.TelephoneNumber != "" {
			numbers = append(numbers, map[string]interface{}{"value": u.TelephoneNumber, "type": "work"})
		}
		if u.Mobile != "" {
			numbers = append(numbers, map[string]interface{}{"value": u.Mobile, "type": "mobile"})
		}
		ret["phoneNumbers"] = numbers
	}

	if u.Mail != "" {
		ret["emails"] = []interface{}{
			map[string]interface{}{"value": u.Mail, "type": "work", "primary": true},
		}
	}

	if flags := userAccountControlFlags(u); len(flags) > 0 {
		ret["userAccountControl"] = strings.Join(flags, ";")
	}

	ret["pwdLastSet"] = u.PwdLastSet
	ret["distinguishedName"] = u.DistinguishedName

	if subgroupsEnabled && len(u.Groups) > 0 {
		groups := []interface{}{}
		for i := range u.Groups {
			g := &u.Groups[i]
			if g.QliqID == "" {
				continue
			}
			groups = append(groups, map[string]interface{}{
				"value":   g.QliqID,
				"display": g.DisplayName(),
				"$ref":    "/Groups/" + g.QliqID,
			})
		}
		if len(groups) > 0 {
			ret["groups"] = groups
		}
	}

	enterprise := map[string]interface{}{}
	if u.EmployeeNumber != "" {
		enterprise["employeeNumber"] = u.EmployeeNumber
	}
	if u.Organization != "" {
		enterprise["organization"] = u.Organization
	}
	if u.Division != "" {
		enterprise["division"] = u.Division
	}
	if u.Department != "" {
		enterprise["department"] = u.Department
	}
	if len(enterprise) > 0 {
		schemas = append(schemas, SchemaEnterprise)
		ret[SchemaEnterprise] = enterprise
		// The webserver does not follow the standard here and wants the
		// enterprise fields duplicated at the top level.
		for k, v := range enterprise {
			ret[k] = v
		}
	}
	ret["schemas"] = schemas
	return ret
}

func userAccountControlFlags(u *adtypes.DbUser) []string {
	flags := []string{}
	if u.IsDisabled() {
		flags = append(flags, "account-disabled")
	}
	if u.IsLocked() {
		flags = append(flags, "account-locked")
	}
	if u.IsPasswordExpired() {
		flags = append(flags, "password-expired")
	}
	if u.IsPasswordCantChange() {
		flags = append(flags, "password-cant-change")
	}
	if u.IsPasswordChanged() {
		flags = append(flags, "password-changed")
	}
	return flags
}

// GroupToMap renders the SCIM representation of a group.
func GroupToMap(g *adtypes.DbGroup) map[string]interface{} {
	ret := map[string]interface{}{
		"schemas":    []interface{}{SchemaGroup},
		"externalId": g.ObjectGUID,
	}
	if g.CN != "" {
		ret["displayName"] = g.DisplayName()
	}
	return ret
}

var userFields = []string{
	"externalId", "userName", "name", "title", "phoneNumbers", "emails",
	"groups", "employeeNumber", "organization", "division", "department",
}

var groupFields = []string{"externalId", "displayName"}

// MergeUserForUpdate resolves a 409 conflict: the server's copy of the
// resource is stripped of every user field and the local rendition is
// layered on top, so server-owned fields (id, meta, qliq extensions)
// survive while directory data wins.
func MergeUserForUpdate(server, local map[string]interface{}) map[string]interface{} {
	return merge(server, local, userFields)
}

// MergeGroupForUpdate is the group variant of MergeUserForUpdate.
func MergeGroupForUpdate(server, local map[string]interface{}) map[string]interface{} {
	return merge(server, local, groupFields)
}

func merge(server, local map[string]interface{}, fields []string) map[string]interface{} {
	ret := map[string]interface{}{}
	for k, v := range server {
		ret[k] = v
	}
	for _, f := range fields {
		delete(ret, f)
	}
	for k, v := range local {
		ret[k] = v
	}
	return ret
}
