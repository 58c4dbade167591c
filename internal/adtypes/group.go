package adtypes

// AdGroup is a group as enumerated from the directory.
type AdGroup struct {
	AdEntity

	Members []string
}

// DisplayName is the top-level CN; the cloud only sees this part.
func (g *AdGroup) DisplayName() string {
	return ExtractTopLevelCN(g.CN)
}

// EqualAttributes compares the attributes the cloud cares about. Members
// are tracked through the membership table, not here.
func (g *AdGroup) EqualAttributes(o *AdGroup) bool {
	return g.ObjectGUID == o.ObjectGUID &&
		g.DistinguishedName == o.DistinguishedName &&
		g.CN == o.CN &&
		g.AccountName == o.AccountName &&
		g.IsDeleted == o.IsDeleted
}

func (g *AdGroup) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"objectGuid":        g.ObjectGUID,
		"distinguishedName": g.DistinguishedName,
		"cn":                g.CN,
		"userPrincipalName": g.CN,
		"uSNChanged":        g.USNChanged,
		"class":             "group",
	}
}

// DbGroup is the persisted overlay of an AdGroup.
type DbGroup struct {
	AdGroup

	ForestGUID        string
	QliqID            string
	IsSentToWebserver bool
	WebserverError    int
	Status            Status
	IsMainGroup       bool
}

func NewDbGroup(g AdGroup, forestGUID string) DbGroup {
	return DbGroup{AdGroup: g, ForestGUID: forestGUID, Status: StatusPresent}
}

// GroupContext carries the per-subgroup state the monitor needs while
// enumerating users: the prior uSNChanged decides whether the member scan
// can be skipped entirely.
type GroupContext struct {
	ObjectGUID        string
	CN                string
	DistinguishedName string
	USNChanged        string
	IsUSNChanged      bool
}
