package adtypes

// AdUser is a user as enumerated from the directory.
type AdUser struct {
	AdEntity

	UserPrincipalName string
	GivenName         string
	MiddleName        string
	Surname           string
	DisplayName       string
	Mail              string
	TelephoneNumber   string
	Mobile            string
	Title             string
	EmployeeNumber    string
	Organization      string
	Division          string
	Department        string

	// UserAccountControl merges the stored attribute with the bits read
	// from msDS-User-Account-Control-Computed (lockout, password expired).
	// Bit 0x4 is reserved as the local "password changed" marker and never
	// comes from the directory.
	UserAccountControl uint32
	PwdLastSet         string

	// Avatar is only populated when avatar support is enabled.
	Avatar    []byte
	AvatarMD5 string
}

func (u *AdUser) IsDisabled() bool         { return u.UserAccountControl&UacAccountDisable != 0 }
func (u *AdUser) IsLocked() bool           { return u.UserAccountControl&UacLockout != 0 }
func (u *AdUser) IsPasswordExpired() bool  { return u.UserAccountControl&UacPasswordExpired != 0 }
func (u *AdUser) IsPasswordCantChange() bool {
	return u.UserAccountControl&UacPasswordCantChange != 0
}
func (u *AdUser) IsPasswordChanged() bool { return u.UserAccountControl&UacPasswordChangedFlag != 0 }

// SetPasswordChangedFlag flips the reserved local bit. The bit must survive
// updates from directory data and is cleared after a successful POST/PUT.
func (u *AdUser) SetPasswordChangedFlag(changed bool) {
	if changed {
		u.UserAccountControl |= UacPasswordChangedFlag
	} else {
		u.UserAccountControl &^= UacPasswordChangedFlag
	}
}

// Login is the best human-readable identifier for log lines.
func (u *AdUser) Login() string {
	if u.UserPrincipalName != "" {
		return u.UserPrincipalName
	}
	return u.AccountName
}

// FirstNameOrCN falls back to the CN when givenName is absent so the SCIM
// payload always carries a name.
func (u *AdUser) FirstNameOrCN() string {
	if u.GivenName != "" {
		return u.GivenName
	}
	return ExtractTopLevelCN(u.CN)
}

func (u *AdUser) LastNameOrCN() string {
	if u.Surname != "" {
		return u.Surname
	}
	return ExtractTopLevelCN(u.CN)
}

// FormattedName builds the display name the way the cloud expects it:
// displayName if set, otherwise first/middle/last joined.
func (u *AdUser) FormattedName() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	ret := ""
	for _, part := range []string{u.FirstNameOrCN(), u.MiddleName, u.LastNameOrCN()} {
		if part == "" {
			continue
		}
		if ret != "" {
			ret += " "
		}
		ret += part
	}
	return ret
}

// ToMap is the wire shape used by the streaming test-group RPC.
func (u *AdUser) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"objectGuid":         u.ObjectGUID,
		"distinguishedName":  u.DistinguishedName,
		"cn":                 u.CN,
		"accountName":        u.AccountName,
		"userPrincipalName":  u.UserPrincipalName,
		"givenName":          u.GivenName,
		"middleName":         u.MiddleName,
		"sn":                 u.Surname,
		"displayName":        u.DisplayName,
		"mail":               u.Mail,
		"telephoneNumber":    u.TelephoneNumber,
		"mobile":             u.Mobile,
		"title":              u.Title,
		"employeeNumber":     u.EmployeeNumber,
		"o":                  u.Organization,
		"division":           u.Division,
		"department":         u.Department,
		"uSNChanged":         u.USNChanged,
		"userAccountControl": float64(u.UserAccountControl),
		"pwdLastSet":         u.PwdLastSet,
		"isDeleted":          u.IsDeleted,
		"class":              "user",
	}
}

// AdUserFromMap is the inverse of ToMap on the mutually supported fields.
func AdUserFromMap(m map[string]interface{}) AdUser {
	u := AdUser{
		UserPrincipalName: mapString(m, "userPrincipalName"),
		GivenName:         mapString(m, "givenName"),
		MiddleName:        mapString(m, "middleName"),
		Surname:           mapString(m, "sn"),
		DisplayName:       mapString(m, "displayName"),
		Mail:              mapString(m, "mail"),
		TelephoneNumber:   mapString(m, "telephoneNumber"),
		Mobile:            mapString(m, "mobile"),
		Title:             mapString(m, "title"),
		EmployeeNumber:    mapString(m, "employeeNumber"),
		Organization:      mapString(m, "o"),
		Division:          mapString(m, "division"),
		Department:        mapString(m, "department"),
		PwdLastSet:        mapString(m, "pwdLastSet"),
	}
	u.ObjectGUID = mapString(m, "objectGuid")
	u.DistinguishedName = mapString(m, "distinguishedName")
	u.CN = mapString(m, "cn")
	u.AccountName = mapString(m, "accountName")
	u.USNChanged = mapString(m, "uSNChanged")
	if v, ok := m["userAccountControl"].(float64); ok {
		u.UserAccountControl = uint32(v)
	}
	if v, ok := m["isDeleted"].(bool); ok {
		u.IsDeleted = v
	}
	return u
}

// EqualAttributes compares the directory attributes the cloud cares about.
// Avatar changes are tracked through the MD5, USN and status bookkeeping
// fields are deliberately excluded.
func (u *AdUser) EqualAttributes(o *AdUser) bool {
	return u.ObjectGUID == o.ObjectGUID &&
		u.DistinguishedName == o.DistinguishedName &&
		u.CN == o.CN &&
		u.AccountName == o.AccountName &&
		u.UserPrincipalName == o.UserPrincipalName &&
		u.GivenName == o.GivenName &&
		u.MiddleName == o.MiddleName &&
		u.Surname == o.Surname &&
		u.DisplayName == o.DisplayName &&
		u.Mail == o.Mail &&
		u.TelephoneNumber == o.TelephoneNumber &&
		u.Mobile == o.Mobile &&
		u.Title == o.Title &&
		u.EmployeeNumber == o.EmployeeNumber &&
		u.Organization == o.Organization &&
		u.Division == o.Division &&
		u.Department == o.Department &&
		u.PwdLastSet == o.PwdLastSet &&
		u.IsDeleted == o.IsDeleted &&
		u.AvatarMD5 == o.AvatarMD5 &&
		// The reserved local bit must not make two otherwise equal users differ.
		(u.UserAccountControl&^UacPasswordChangedFlag) == (o.UserAccountControl&^UacPasswordChangedFlag)
}

// DbUser is the persisted overlay of an AdUser.
type DbUser struct {
	AdUser

	ForestGUID        string
	QliqID            string
	IsSentToWebserver bool
	WebserverError    int
	Status            Status

	// Groups is populated by the pusher just before encoding the SCIM
	// payload; it is not persisted on the user row itself.
	Groups []DbGroup
}

func NewDbUser(u AdUser, forestGUID string) DbUser {
	return DbUser{AdUser: u, ForestGUID: forestGUID, Status: StatusPresent}
}
