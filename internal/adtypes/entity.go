// Package adtypes defines the data model shared by the directory client,
// the local store, the sync monitor and the cloud pusher: forests and their
// domain controllers, directory users and groups, the persisted overlays of
// those, and the per-controller sync context that anchors delta syncs.
package adtypes

import "strings"

// Status of a persisted row relative to the last completed enumeration.
// At the start of a forest cycle every Present row is flipped to Unknown;
// enumeration reclassifies rows and whatever is still Unknown afterwards is
// by definition not present in the directory anymore.
type Status int

const (
	StatusUnknown Status = iota
	StatusPresent
	StatusNotPresent
	// StatusPresentInOtherGroups marks a row that was already reclassified
	// Present by an earlier subgroup of the same cycle, so the residual
	// Unknown rule does not delete users shared between subgroups.
	StatusPresentInOtherGroups
)

// Valid states of an entity. Values >= 300 are HTTP status codes assigned by
// the pusher when the cloud rejects the row.
const (
	ValidStateInvalid = 1
	ValidStateValid   = 2
)

// userAccountControl bits. Lockout and PasswordExpired come from the
// computed attribute msDS-User-Account-Control-Computed.
const (
	UacAccountDisable      = 0x2
	UacPasswordChangedFlag = 0x4 // reserved bit, used locally only
	UacLockout             = 0x10
	UacPasswordCantChange  = 0x40
	UacPasswordExpired     = 0x800000
)

// AdEntity is the common part of users and groups as read from the
// directory. ObjectGUID is the primary identity everywhere.
type AdEntity struct {
	ObjectGUID        string
	DistinguishedName string
	CN                string
	AccountName       string
	ObjectClasses     []string
	MemberOf          []string
	USNChanged        string
	IsDeleted         bool
	ValidState        int
}

func (e *AdEntity) IsEmpty() bool {
	return e.ObjectGUID == ""
}

// ExtractTopLevelCN returns the leading CN component of a distinguished
// name or CN attribute, e.g. "CN=Nurses,OU=Staff,DC=x" -> "Nurses".
// Input without a CN= prefix is returned unchanged.
func ExtractTopLevelCN(cn string) string {
	s := cn
	if idx := strings.Index(s, "CN="); idx == 0 {
		s = s[len("CN="):]
	} else if idx > 0 {
		return cn
	}
	if idx := strings.Index(s, ","); idx >= 0 {
		s = s[:idx]
	}
	return s
}
