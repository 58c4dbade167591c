package scim

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/scimbridge/adsync/internal/adtypes"
)

func validUser() adtypes.DbUser {
	u := adtypes.AdUser{
		UserPrincipalName: "jdoe@example.com",
		GivenName:         "Jane",
		Surname:           "Doe",
		Mail:              "jane.doe@example.com",
		TelephoneNumber:   "555-0100",
		Title:             "Nurse",
		EmployeeNumber:    "E-17",
		Department:        "Radiology",
		PwdLastSet:        "133700000000000000",
	}
	u.ObjectGUID = "11111111-2222-3333-4444-555555555555"
	u.DistinguishedName = "CN=Jane Doe,OU=Users,DC=example,DC=com"
	u.CN = "Jane Doe"
	return adtypes.NewDbUser(u, "f1")
}

func TestValidateUser(t *testing.T) {
	g := NewWithT(t)

	u := validUser()
	g.Expect(ValidateUser(&u)).To(Succeed())

	missingUPN := validUser()
	missingUPN.UserPrincipalName = ""
	g.Expect(ValidateUser(&missingUPN)).To(MatchError(ContainSubstring("userPrincipalName")))

	missingGUID := validUser()
	missingGUID.ObjectGUID = ""
	g.Expect(ValidateUser(&missingGUID)).To(MatchError(ContainSubstring("objectGuid")))

	missingSN := validUser()
	missingSN.Surname = ""
	g.Expect(ValidateUser(&missingSN)).To(MatchError(ContainSubstring("'sn'")))
}

func TestUserToMap(t *testing.T) {
	g := NewWithT(t)
	u := validUser()
	m := UserToMap(&u, false)

	g.Expect(m["externalId"]).To(Equal(u.ObjectGUID))
	g.Expect(m["userName"]).To(Equal("jdoe@example.com"))
	g.Expect(m["name"]).To(Equal(map[string]interface{}{
		"formatted":  "Jane Doe",
		"givenName":  "Jane",
		"familyName": "Doe",
	}))
	g.Expect(m["emails"]).To(Equal([]interface{}{
		map[string]interface{}{"value": "jane.doe@example.com", "type": "work", "primary": true},
	}))
	g.Expect(m["phoneNumbers"]).To(Equal([]interface{}{
		map[string]interface{}{"value": "555-0100", "type": "work"},
	}))
	g.Expect(m["distinguishedName"]).To(Equal(u.DistinguishedName))
	g.Expect(m["pwdLastSet"]).To(Equal("133700000000000000"))

	// Enterprise fields appear under the extension URN and at top level.
	g.Expect(m["schemas"]).To(Equal([]interface{}{SchemaUser, SchemaEnterprise}))
	g.Expect(m[SchemaEnterprise]).To(Equal(map[string]interface{}{
		"employeeNumber": "E-17",
		"department":     "Radiology",
	}))
	g.Expect(m["employeeNumber"]).To(Equal("E-17"))
	g.Expect(m["department"]).To(Equal("Radiology"))

	// No flags set, so the attribute is absent.
	g.Expect(m).NotTo(HaveKey("userAccountControl"))
	g.Expect(m).NotTo(HaveKey("groups"))
}

func TestUserToMapAccountControlFlags(t *testing.T) {
	g := NewWithT(t)
	u := validUser()
	u.UserAccountControl = adtypes.UacAccountDisable | adtypes.UacLockout
	u.SetPasswordChangedFlag(true)

	m := UserToMap(&u, false)
	g.Expect(m["userAccountControl"]).To(Equal("account-disabled;account-locked;password-changed"))
}

func TestUserToMapGroups(t *testing.T) {
	g := NewWithT(t)
	u := validUser()
	synced := adtypes.AdGroup{}
	synced.CN = "Radiology Nurses"
	unsynced := adtypes.AdGroup{}
	unsynced.CN = "Pending"
	u.Groups = []adtypes.DbGroup{
		{AdGroup: synced, QliqID: "grp-1"},
		{AdGroup: unsynced},
	}

	// Off: no groups attribute at all.
	g.Expect(UserToMap(&u, false)).NotTo(HaveKey("groups"))

	// On: only the group known to the cloud shows up.
	m := UserToMap(&u, true)
	g.Expect(m["groups"]).To(Equal([]interface{}{
		map[string]interface{}{"value": "grp-1", "display": "Radiology Nurses", "$ref": "/Groups/grp-1"},
	}))
}

func TestGroupToMap(t *testing.T) {
	g := NewWithT(t)
	grp := adtypes.AdGroup{}
	grp.ObjectGUID = "g-guid"
	grp.CN = "Main Group"
	dbg := adtypes.NewDbGroup(grp, "f1")

	m := GroupToMap(&dbg)
	g.Expect(m).To(Equal(map[string]interface{}{
		"schemas":     []interface{}{SchemaGroup},
		"externalId":  "g-guid",
		"displayName": "Main Group",
	}))
}

func TestMergeUserForUpdate(t *testing.T) {
	g := NewWithT(t)
	server := map[string]interface{}{
		"id":         "qliq-1",
		"meta":       map[string]interface{}{"created": "2026-01-01"},
		"userName":   "stale@example.com",
		"department": "Old Dept",
	}
	local := map[string]interface{}{
		"userName":   "jdoe@example.com",
		"externalId": "guid-1",
	}

	merged := MergeUserForUpdate(server, local)
	g.Expect(merged["id"]).To(Equal("qliq-1"))
	g.Expect(merged["meta"]).NotTo(BeNil())
	g.Expect(merged["userName"]).To(Equal("jdoe@example.com"))
	g.Expect(merged["externalId"]).To(Equal("guid-1"))
	// Stale user fields absent from the local copy are dropped, not kept.
	g.Expect(merged).NotTo(HaveKey("department"))

	// Inputs are not mutated.
	g.Expect(server["userName"]).To(Equal("stale@example.com"))
}
