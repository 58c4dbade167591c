package adtypes

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestForestMapRoundTrip(t *testing.T) {
	g := NewWithT(t)
	f := Forest{
		ObjectGUID: "F1",
		UserName:   "svc@x",
		Password:   "secret",
		SyncGroup:  "qliqConnect",
		DomainControllers: []DomainController{
			{Host: "dc1", DNSName: "dc1.x.local", IsPrimary: true},
			{Host: "dc2"},
		},
	}
	got := ForestFromMap(f.ToMap())
	g.Expect(got).Should(Equal(f))
}

func TestAdUserMapRoundTrip(t *testing.T) {
	g := NewWithT(t)
	u := AdUser{
		UserPrincipalName:  "alice@x",
		GivenName:          "Alice",
		Surname:            "Adams",
		Mail:               "alice@x",
		Title:              "RN",
		EmployeeNumber:     "42",
		Organization:       "X",
		Division:           "East",
		Department:         "ICU",
		UserAccountControl: UacLockout,
		PwdLastSet:         "1310605",
	}
	u.ObjectGUID = "U1"
	u.DistinguishedName = "CN=Alice Adams,OU=Staff,DC=x"
	u.CN = "Alice Adams"
	u.AccountName = "aadams"
	u.USNChanged = "1200"

	got := AdUserFromMap(u.ToMap())
	g.Expect(got).Should(Equal(u))
}

func TestForestValidate(t *testing.T) {
	dc := func(host string, primary bool) DomainController {
		return DomainController{Host: host, IsPrimary: primary}
	}
	tests := []struct {
		name string
		f    Forest
		fail bool
	}{
		{name: "valid", f: Forest{ObjectGUID: "F1", DomainControllers: []DomainController{dc("dc1", true)}}},
		{name: "empty guid", f: Forest{DomainControllers: []DomainController{dc("dc1", true)}}, fail: true},
		{name: "no controllers", f: Forest{ObjectGUID: "F1"}, fail: true},
		{name: "no primary", f: Forest{ObjectGUID: "F1", DomainControllers: []DomainController{dc("dc1", false)}}, fail: true},
		{name: "two primaries", f: Forest{ObjectGUID: "F1", DomainControllers: []DomainController{dc("dc1", true), dc("dc2", true)}}, fail: true},
		{name: "duplicate host", f: Forest{ObjectGUID: "F1", DomainControllers: []DomainController{dc("dc1", true), dc("dc1", false)}}, fail: true},
		{name: "empty host", f: Forest{ObjectGUID: "F1", DomainControllers: []DomainController{dc("", true)}}, fail: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewWithT(t)
			err := tc.f.Validate()
			if tc.fail {
				g.Expect(err).Should(HaveOccurred())
			} else {
				g.Expect(err).ShouldNot(HaveOccurred())
			}
		})
	}
}

func TestSortControllersByPrimary(t *testing.T) {
	g := NewWithT(t)
	f := Forest{
		ObjectGUID: "F1",
		DomainControllers: []DomainController{
			{Host: "dc1"}, {Host: "dc2", IsPrimary: true}, {Host: "dc3"},
		},
	}
	f.SortControllersByPrimary()
	g.Expect(f.DomainControllers[0].Host).Should(Equal("dc2"))
	// Stored order among the additional controllers is preserved.
	g.Expect(f.DomainControllers[1].Host).Should(Equal("dc1"))
	g.Expect(f.DomainControllers[2].Host).Should(Equal("dc3"))
}

func TestExtractTopLevelCN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"CN=Nurses,OU=Staff,DC=x", "Nurses"},
		{"CN=Nurses", "Nurses"},
		{"Nurses", "Nurses"},
		{"OU=Staff,CN=Nurses", "OU=Staff,CN=Nurses"},
		{"", ""},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			g := NewWithT(t)
			g.Expect(ExtractTopLevelCN(tc.in)).Should(Equal(tc.want))
		})
	}
}

func TestNeedsFullSync(t *testing.T) {
	g := NewWithT(t)
	now := time.Date(2021, 3, 15, 10, 0, 0, 0, time.UTC)

	c := SyncContext{}
	g.Expect(c.NeedsFullSync(now)).Should(BeTrue(), "never synced")

	c.LastFullSync = now.Add(-2 * time.Hour)
	g.Expect(c.NeedsFullSync(now)).Should(BeFalse(), "same day")

	c.LastFullSync = now.Add(-24 * time.Hour)
	g.Expect(c.NeedsFullSync(now)).Should(BeTrue(), "previous day")
}

func TestPasswordChangedFlag(t *testing.T) {
	g := NewWithT(t)
	u := AdUser{UserAccountControl: UacAccountDisable}
	u.SetPasswordChangedFlag(true)
	g.Expect(u.IsPasswordChanged()).Should(BeTrue())
	g.Expect(u.IsDisabled()).Should(BeTrue())

	o := u
	o.SetPasswordChangedFlag(false)
	// The reserved bit must not make otherwise equal users differ.
	g.Expect(u.EqualAttributes(&o)).Should(BeTrue())
}
