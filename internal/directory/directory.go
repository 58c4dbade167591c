// Package directory talks LDAP to Active Directory domain controllers. It
// hides connection handling, paging and result decoding behind a small
// session interface so the sync monitor can be tested against fakes.
package directory

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/scimbridge/adsync/internal/adtypes"
)

// RootDSE is the subset of the root DSE the sync engine cares about. The
// invocation id and highest committed USN anchor delta syncs; the DNS host
// name keys the sync context row.
type RootDSE struct {
	DNSHostName          string
	InvocationID         string
	HighestCommittedUSN  string
	DefaultNamingContext string
}

// DeletedObjectsContainer returns the DN of the tombstone container.
func (r RootDSE) DeletedObjectsContainer() string {
	return "CN=Deleted Objects," + r.DefaultNamingContext
}

// Query narrows a paged search.
type Query struct {
	// Filter is a complete LDAP filter expression.
	Filter string
	// SortByUSN requests server side sorting on uSNChanged so the
	// watermark only moves forward over entries already processed.
	SortByUSN bool
	// WithAvatars adds the thumbnailPhoto attribute to user searches.
	WithAvatars bool
}

// Dialer opens sessions against domain controllers. It doubles as the
// reachability prober of the forest manager.
type Dialer interface {
	Dial(ctx context.Context, creds adtypes.Credentials) (Session, error)
	Probe(ctx context.Context, creds adtypes.Credentials) (dnsName string, err error)
	Authenticate(ctx context.Context, server adtypes.Credentials, login, password string) AuthResult
}

// Session is one bound LDAP connection. Retrieval callbacks return false to
// abort the enumeration early; an aborted enumeration is not an error.
type Session interface {
	RootDSE() RootDSE
	RetrieveGroupByName(ctx context.Context, name string) (adtypes.AdGroup, bool, error)
	RetrieveGroups(ctx context.Context, q Query, fn func(adtypes.AdGroup) bool) error
	RetrieveUsers(ctx context.Context, q Query, fn func(adtypes.AdUser) bool) error
	RetrieveDeletedObjectGUIDs(ctx context.Context, fn func(objectGUID string) bool) error
	Close() error
}

// GUIDFromBytes renders the raw objectGUID attribute the way AD tooling
// prints it. The first three fields are little endian.
func GUIDFromBytes(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%x",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		binary.BigEndian.Uint16(b[8:10]),
		b[10:16])
}
