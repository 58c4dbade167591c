package directory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net"
	"strconv"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/scimbridge/adsync/internal/adtypes"
)

const (
	defaultPort     = 389
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 1000
)

var groupAttributes = []string{
	"objectGUID", "distinguishedName", "cn", "objectClass", "member", "uSNChanged",
}

// avatarAttributes are tried in order; the first non-empty one wins.
var avatarAttributes = []string{"thumbnailPhoto", "jpegPhoto"}

var userAttributes = []string{
	"objectGUID", "distinguishedName", "cn", "sAMAccountName", "objectClass",
	"memberOf", "uSNChanged", "userPrincipalName", "givenName", "middleName",
	"sn", "displayName", "mail", "telephoneNumber", "mobile", "title",
	"employeeNumber", "o", "division", "department", "userAccountControl",
	"msDS-User-Account-Control-Computed", "pwdLastSet",
}

// LDAP implements Dialer on top of go-ldap.
type LDAP struct {
	Log logr.Logger

	// Port overrides the standard LDAP port, mainly for tests.
	Port int
	// Timeout bounds dialing and every search round trip.
	Timeout time.Duration
	// PageSize is the page size of paged searches.
	PageSize uint32
}

var _ Dialer = &LDAP{}

func (l *LDAP) timeout() time.Duration {
	if l.Timeout > 0 {
		return l.Timeout
	}
	return defaultTimeout
}

func (l *LDAP) pageSize() uint32 {
	if l.PageSize > 0 {
		return l.PageSize
	}
	return defaultPageSize
}

func (l *LDAP) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := l.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (l *LDAP) connect(creds adtypes.Credentials) (*ldap.Conn, error) {
	conn, err := ldap.DialURL("ldap://"+l.address(creds.Host),
		ldap.DialWithDialer(&net.Dialer{Timeout: l.timeout()}))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %s", creds.Host)
	}
	conn.SetTimeout(l.timeout())
	if err := conn.Bind(creds.UserName, creds.Password); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "cannot bind to %s as %s", creds.Host, creds.UserName)
	}
	return conn, nil
}

// Dial opens a bound session and reads the root DSE.
func (l *LDAP) Dial(_ context.Context, creds adtypes.Credentials) (Session, error) {
	conn, err := l.connect(creds)
	if err != nil {
		return nil, err
	}
	dse, err := readRootDSE(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "cannot read root DSE of %s", creds.Host)
	}
	return &ldapSession{
		log:      l.Log.WithValues("host", creds.Host),
		conn:     conn,
		rootDSE:  dse,
		pageSize: l.pageSize(),
	}, nil
}

// Probe checks reachability and returns the controller's DNS host name.
func (l *LDAP) Probe(ctx context.Context, creds adtypes.Credentials) (string, error) {
	sess, err := l.Dial(ctx, creds)
	if err != nil {
		return "", err
	}
	defer sess.Close()
	return sess.RootDSE().DNSHostName, nil
}

// Authenticate binds as the given end user against the server and
// classifies the outcome. The server credentials only contribute the host.
func (l *LDAP) Authenticate(_ context.Context, server adtypes.Credentials, login, password string) AuthResult {
	conn, err := ldap.DialURL("ldap://"+l.address(server.Host),
		ldap.DialWithDialer(&net.Dialer{Timeout: l.timeout()}))
	if err != nil {
		return AuthResult{Status: AuthServerUnreachable, Err: err}
	}
	defer conn.Close()
	conn.SetTimeout(l.timeout())

	return ClassifyBindError(conn.Bind(login, password))
}

func readRootDSE(conn *ldap.Conn) (RootDSE, error) {
	req := ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)",
		[]string{"dnsHostName", "invocationId", "highestCommittedUSN", "defaultNamingContext"},
		nil)
	sr, err := conn.Search(req)
	if err != nil {
		return RootDSE{}, err
	}
	if len(sr.Entries) == 0 {
		return RootDSE{}, errors.New("root DSE search returned no entry")
	}
	e := sr.Entries[0]
	return RootDSE{
		DNSHostName:          e.GetAttributeValue("dnsHostName"),
		InvocationID:         GUIDFromBytes(e.GetRawAttributeValue("invocationId")),
		HighestCommittedUSN:  e.GetAttributeValue("highestCommittedUSN"),
		DefaultNamingContext: e.GetAttributeValue("defaultNamingContext"),
	}, nil
}

type ldapSession struct {
	log      logr.Logger
	conn     *ldap.Conn
	rootDSE  RootDSE
	pageSize uint32
}

var _ Session = &ldapSession{}

func (s *ldapSession) RootDSE() RootDSE { return s.rootDSE }

func (s *ldapSession) Close() error {
	return s.conn.Close()
}

func (s *ldapSession) RetrieveGroupByName(ctx context.Context, name string) (adtypes.AdGroup, bool, error) {
	var found adtypes.AdGroup
	ok := false
	err := s.searchPaged(ctx, ldap.ScopeWholeSubtree, s.rootDSE.DefaultNamingContext, GroupByNameFilter(name),
		groupAttributes, false, nil, func(e *ldap.Entry) bool {
			found = entryToGroup(e)
			ok = true
			return false
		})
	if err != nil {
		return adtypes.AdGroup{}, false, err
	}
	return found, ok, nil
}

func (s *ldapSession) RetrieveGroups(ctx context.Context, q Query, fn func(adtypes.AdGroup) bool) error {
	return s.searchPaged(ctx, ldap.ScopeWholeSubtree, s.rootDSE.DefaultNamingContext, q.Filter,
		groupAttributes, q.SortByUSN, nil, func(e *ldap.Entry) bool {
			return fn(entryToGroup(e))
		})
}

func (s *ldapSession) RetrieveUsers(ctx context.Context, q Query, fn func(adtypes.AdUser) bool) error {
	attrs := userAttributes
	if q.WithAvatars {
		attrs = append(append([]string{}, userAttributes...), avatarAttributes...)
	}
	return s.searchPaged(ctx, ldap.ScopeWholeSubtree, s.rootDSE.DefaultNamingContext, q.Filter,
		attrs, q.SortByUSN, nil, func(e *ldap.Entry) bool {
			return fn(entryToUser(e, q.WithAvatars))
		})
}

// RetrieveDeletedObjectGUIDs enumerates user tombstones. Only the GUID is
// readable on a tombstone without special permissions, and the GUID is all
// the deletion scan needs. The Deleted Objects container is flat, so the
// search scope is a single level.
func (s *ldapSession) RetrieveDeletedObjectGUIDs(ctx context.Context, fn func(string) bool) error {
	controls := []ldap.Control{ldap.NewControlMicrosoftShowDeleted()}
	return s.searchPaged(ctx, ldap.ScopeSingleLevel, s.rootDSE.DeletedObjectsContainer(), DeletedUsersFilter,
		[]string{"objectGUID"}, false, controls, func(e *ldap.Entry) bool {
			guid := GUIDFromBytes(e.GetRawAttributeValue("objectGUID"))
			if guid == "" {
				return true
			}
			return fn(guid)
		})
}

// searchPaged runs a paged search and feeds entries to each until it
// returns false or the pages run out. Aborting stops requesting pages,
// which matters with forests of six figure user counts.
func (s *ldapSession) searchPaged(ctx context.Context, scope int, base, filter string, attrs []string, sortByUSN bool, extra []ldap.Control, each func(*ldap.Entry) bool) error {
	paging := ldap.NewControlPaging(s.pageSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		controls := []ldap.Control{paging}
		if sortByUSN {
			controls = append(controls, ldap.NewControlServerSideSortingWithSortKeys(
				[]*ldap.SortKey{{AttributeType: AttrUSNChanged}}))
		}
		controls = append(controls, extra...)

		req := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			0, 0, false, filter, attrs, controls)
		sr, err := s.conn.Search(req)
		if err != nil {
			return errors.Wrapf(err, "search %q failed", filter)
		}
		for _, e := range sr.Entries {
			if !each(e) {
				return nil
			}
		}

		ctrl := ldap.FindControl(sr.Controls, ldap.ControlTypePaging)
		if ctrl == nil {
			return nil
		}
		cookie := ctrl.(*ldap.ControlPaging).Cookie
		if len(cookie) == 0 {
			return nil
		}
		paging.SetCookie(cookie)
	}
}

func entryToEntity(e *ldap.Entry) adtypes.AdEntity {
	return adtypes.AdEntity{
		ObjectGUID:        GUIDFromBytes(e.GetRawAttributeValue("objectGUID")),
		DistinguishedName: e.DN,
		CN:                e.GetAttributeValue("cn"),
		ObjectClasses:     e.GetAttributeValues("objectClass"),
		USNChanged:        e.GetAttributeValue("uSNChanged"),
		ValidState:        adtypes.ValidStateValid,
	}
}

func entryToGroup(e *ldap.Entry) adtypes.AdGroup {
	return adtypes.AdGroup{
		AdEntity: entryToEntity(e),
		Members:  e.GetAttributeValues("member"),
	}
}

func entryToUser(e *ldap.Entry, withAvatar bool) adtypes.AdUser {
	u := adtypes.AdUser{
		AdEntity:          entryToEntity(e),
		UserPrincipalName: e.GetAttributeValue("userPrincipalName"),
		GivenName:         e.GetAttributeValue("givenName"),
		MiddleName:        e.GetAttributeValue("middleName"),
		Surname:           e.GetAttributeValue("sn"),
		DisplayName:       e.GetAttributeValue("displayName"),
		Mail:              e.GetAttributeValue("mail"),
		TelephoneNumber:   e.GetAttributeValue("telephoneNumber"),
		Mobile:            e.GetAttributeValue("mobile"),
		Title:             e.GetAttributeValue("title"),
		EmployeeNumber:    e.GetAttributeValue("employeeNumber"),
		Organization:      e.GetAttributeValue("o"),
		Division:          e.GetAttributeValue("division"),
		Department:        e.GetAttributeValue("department"),
		PwdLastSet:        e.GetAttributeValue("pwdLastSet"),
	}
	u.AccountName = e.GetAttributeValue("sAMAccountName")
	u.MemberOf = e.GetAttributeValues("memberOf")
	u.UserAccountControl = parseUAC(e.GetAttributeValue("userAccountControl")) |
		parseUAC(e.GetAttributeValue("msDS-User-Account-Control-Computed"))
	// The computed attribute must never leak the reserved local bit.
	u.SetPasswordChangedFlag(false)
	if withAvatar {
		for _, attr := range avatarAttributes {
			if photo := e.GetRawAttributeValue(attr); len(photo) > 0 {
				u.Avatar = photo
				sum := md5.Sum(photo)
				u.AvatarMD5 = hex.EncodeToString(sum[:])
				break
			}
		}
	}
	return u
}

func parseUAC(v string) uint32 {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
