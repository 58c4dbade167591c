package directory

import (
	"strings"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// AttrUSNChanged is reserved for the delta sync watermark and must not
// appear in operator supplied filters.
const AttrUSNChanged = "uSNChanged"

// ValidateExtraFilter checks an operator supplied filter fragment before it
// is ANDed into the user search. The fragment must be a parenthesized
// expression and must leave the USN watermark alone.
func ValidateExtraFilter(filter string) error {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil
	}
	if !strings.HasPrefix(filter, "(") {
		return errors.Errorf("filter %q must start with '('", filter)
	}
	if strings.Contains(strings.ToLower(filter), strings.ToLower(AttrUSNChanged)) {
		return errors.Errorf("filter %q must not reference %s", filter, AttrUSNChanged)
	}
	if _, err := ldap.CompileFilter(filter); err != nil {
		return errors.Wrapf(err, "filter %q does not compile", filter)
	}
	return nil
}

// joinFilters ANDs the non-empty clauses into one expression.
func joinFilters(clauses ...string) string {
	kept := clauses[:0]
	for _, c := range clauses {
		if strings.TrimSpace(c) != "" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return "(&" + strings.Join(kept, "") + ")"
}

// usnFloorClause limits a search to entries changed at or after the given
// USN. An empty floor means no limit, which is what a full sync wants.
func usnFloorClause(usnFloor string) string {
	if usnFloor == "" {
		return ""
	}
	return "(" + AttrUSNChanged + ">=" + ldap.EscapeFilter(usnFloor) + ")"
}

// GroupByNameFilter matches the main sync group by its common name.
func GroupByNameFilter(name string) string {
	return "(&(objectClass=group)(cn=" + ldap.EscapeFilter(name) + "))"
}

// MemberGroupsFilter matches the groups that are direct members of the
// given group, optionally limited by a USN floor.
func MemberGroupsFilter(groupDN, usnFloor string) string {
	return joinFilters(
		"(objectClass=group)",
		"(memberOf="+ldap.EscapeFilter(groupDN)+")",
		usnFloorClause(usnFloor),
	)
}

// MemberUsersFilter matches the user members of the given group. extra is
// the validated operator filter fragment, empty when not configured.
func MemberUsersFilter(groupDN, extra, usnFloor string) string {
	return joinFilters(
		"(objectCategory=person)",
		"(objectClass=user)",
		"(memberOf="+ldap.EscapeFilter(groupDN)+")",
		strings.TrimSpace(extra),
		usnFloorClause(usnFloor),
	)
}

// DeletedUsersFilter matches user tombstones.
const DeletedUsersFilter = "(&(isDeleted=TRUE)(objectClass=user))"
