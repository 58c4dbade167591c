package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scimbridge/adsync/internal/adtypes"
	"github.com/scimbridge/adsync/internal/directory"
	"github.com/scimbridge/adsync/internal/events"
	"github.com/scimbridge/adsync/internal/forest"
	"github.com/scimbridge/adsync/internal/status"
	"github.com/scimbridge/adsync/internal/store"
)

// fakeSession serves scripted directory content. Users are keyed by the DN
// of the group whose member filter is being evaluated.
type fakeSession struct {
	dse        directory.RootDSE
	mainGroup  *adtypes.AdGroup
	subgroups  []adtypes.AdGroup
	users      map[string][]adtypes.AdUser
	tombstones []string

	userQueries []directory.Query
}

func (s *fakeSession) RootDSE() directory.RootDSE { return s.dse }

func (s *fakeSession) RetrieveGroupByName(ctx context.Context, name string) (adtypes.AdGroup, bool, error) {
	if s.mainGroup == nil || s.mainGroup.CN != name {
		return adtypes.AdGroup{}, false, nil
	}
	return *s.mainGroup, true, nil
}

func (s *fakeSession) RetrieveGroups(ctx context.Context, q directory.Query, fn func(adtypes.AdGroup) bool) error {
	for _, g := range s.subgroups {
		if !fn(g) {
			break
		}
	}
	return nil
}

func (s *fakeSession) RetrieveUsers(ctx context.Context, q directory.Query, fn func(adtypes.AdUser) bool) error {
	s.userQueries = append(s.userQueries, q)
	for dn, users := range s.users {
		if !strings.Contains(q.Filter, "(memberOf="+dn+")") {
			continue
		}
		for _, u := range users {
			if !fn(u) {
				return nil
			}
		}
	}
	return nil
}

func (s *fakeSession) RetrieveDeletedObjectGUIDs(ctx context.Context, fn func(string) bool) error {
	for _, guid := range s.tombstones {
		if !fn(guid) {
			break
		}
	}
	return nil
}

func (s *fakeSession) Close() error { return nil }

type fakeDialer struct {
	session *fakeSession
	// sessions keys per-host content for multi-forest tests; session is the
	// fallback.
	sessions   map[string]*fakeSession
	dialErr    error
	authResult directory.AuthResult
	authLogins []string
}

func (d *fakeDialer) sessionFor(host string) *fakeSession {
	if s, ok := d.sessions[host]; ok {
		return s
	}
	return d.session
}

func (d *fakeDialer) Dial(ctx context.Context, creds adtypes.Credentials) (directory.Session, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.sessionFor(creds.Host), nil
}

func (d *fakeDialer) Probe(ctx context.Context, creds adtypes.Credentials) (string, error) {
	return d.sessionFor(creds.Host).dse.DNSHostName, nil
}

func (d *fakeDialer) Authenticate(ctx context.Context, server adtypes.Credentials, login, password string) directory.AuthResult {
	d.authLogins = append(d.authLogins, login)
	return d.authResult
}

type fakePusher struct {
	runs       int
	configured []string
}

func (p *fakePusher) Run(ctx context.Context) error { p.runs++; return nil }

func (p *fakePusher) Configure(addr, key string, subgroups, avatars bool) {
	p.configured = append(p.configured, addr)
}

type testEnv struct {
	m      *Monitor
	st     *store.Store
	dialer *fakeDialer
	pusher *fakePusher
	ad     *status.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(logr.Discard(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess := &fakeSession{
		dse: directory.RootDSE{
			DNSHostName:          "dc1.example.com",
			InvocationID:         "inv-1",
			HighestCommittedUSN:  "1000",
			DefaultNamingContext: "DC=example,DC=com",
		},
		users: map[string][]adtypes.AdUser{},
	}
	d := &fakeDialer{session: sess}
	push := &fakePusher{}
	ad := status.NewTracker()
	rec := &events.Recorder{Log: logr.Discard(), Sink: st}
	mgr := forest.NewManager(logr.Discard(), st, d)
	m := New(logr.Discard(), st, d, mgr, push, rec, ad, status.NewTracker())
	return &testEnv{m: m, st: st, dialer: d, pusher: push, ad: ad}
}

func testConfig() Config {
	return Config{
		IsEnabled:        true,
		SyncIntervalMins: 30,
		WebServerAddress: "https://cloud.example.com",
		APIKey:           "key",
		EnableSubgroups:  true,
		Forests: []adtypes.Forest{{
			ObjectGUID: "forest-1",
			UserName:   "EXAMPLE\\svc",
			Password:   "secret",
			SyncGroup:  "qliq-users",
			DomainControllers: []adtypes.DomainController{
				{Host: "dc1.example.com", IsPrimary: true},
			},
		}},
	}
}

func dirGroup(guid, cn, usn string) adtypes.AdGroup {
	g := adtypes.AdGroup{}
	g.ObjectGUID = guid
	g.CN = cn
	g.AccountName = cn
	g.DistinguishedName = "CN=" + cn + ",DC=example,DC=com"
	g.USNChanged = usn
	return g
}

func dirUser(guid, upn, usn string, memberOf ...string) adtypes.AdUser {
	u := adtypes.AdUser{}
	u.ObjectGUID = guid
	u.CN = guid
	u.AccountName = guid
	u.DistinguishedName = "CN=" + guid + ",DC=example,DC=com"
	u.USNChanged = usn
	u.MemberOf = memberOf
	u.UserPrincipalName = upn
	u.GivenName = "Ada"
	u.Surname = "Diaz"
	u.Mail = upn
	u.PwdLastSet = "133000"
	return u
}

func requireEvent(t *testing.T, st *store.Store, substr string) {
	t.Helper()
	evts, err := st.SelectEvents(context.Background(), 500)
	require.NoError(t, err)
	for i := range evts {
		if strings.Contains(evts[i].Message, substr) {
			return
		}
	}
	t.Fatalf("no recorded event contains %q", substr)
}

func requireNoEvent(t *testing.T, st *store.Store, substr string) {
	t.Helper()
	evts, err := st.SelectEvents(context.Background(), 500)
	require.NoError(t, err)
	for i := range evts {
		if strings.Contains(evts[i].Message, substr) {
			t.Fatalf("unexpected event %q", evts[i].Message)
		}
	}
}

func TestFullThenDeltaSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sub := dirGroup("g-sub", "nurses", "510")
	sess.mainGroup = &main
	sess.subgroups = []adtypes.AdGroup{sub}
	sess.users[main.DistinguishedName] = []adtypes.AdUser{
		dirUser("u1", "u1@example.com", "600", main.DistinguishedName),
	}
	sess.users[sub.DistinguishedName] = []adtypes.AdUser{
		dirUser("u2", "u2@example.com", "610", sub.DistinguishedName),
	}

	require.NoError(t, env.m.SetConfig(ctx, testConfig()))
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Full sync started for main group: qliq-users, DC: dc1.example.com (reason: config changed)")
	assert.Equal(t, "Just finished, 4 changes detected", env.ad.Get().Text)
	assert.Equal(t, 1, env.pusher.runs)

	u1, found, err := env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, adtypes.StatusPresent, u1.Status)
	assert.False(t, u1.IsSentToWebserver)

	guids, err := env.st.SelectGroupGUIDsOfUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"g-sub"}, guids)

	mg, found, err := env.st.SelectGroup(ctx, "g-main")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, mg.IsMainGroup)
	assert.True(t, mg.IsSentToWebserver)

	sc, ok, err := env.st.SelectSyncContext(ctx, "forest-1", "dc1.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1000", sc.HighestCommittedUSN)
	assert.Equal(t, "inv-1", sc.InvocationID)
	assert.False(t, sc.LastFullSync.IsZero())

	// Second cycle on the same day with an unchanged controller is a delta.
	sess.dse.HighestCommittedUSN = "1200"
	changed := dirUser("u1", "u1@example.com", "1100", main.DistinguishedName)
	changed.Mail = "u1.renamed@example.com"
	sess.users[main.DistinguishedName] = []adtypes.AdUser{changed}
	sess.userQueries = nil

	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Delta sync started for main group: qliq-users, DC: dc1.example.com")
	assert.Equal(t, "Just finished, 1 changes detected", env.ad.Get().Text)

	floorSeen := false
	for _, q := range sess.userQueries {
		if strings.Contains(q.Filter, "(uSNChanged>=1000)") {
			floorSeen = true
		}
	}
	assert.True(t, floorSeen, "delta user queries must carry the USN floor")

	u1, _, err = env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1.renamed@example.com", u1.Mail)
	assert.Equal(t, adtypes.StatusPresent, u1.Status)

	u2, _, err := env.st.SelectUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, adtypes.StatusPresent, u2.Status)
	assert.False(t, u2.IsDeleted)

	sc, _, err = env.st.SelectSyncContext(ctx, "forest-1", "dc1.example.com")
	require.NoError(t, err)
	assert.Equal(t, "1200", sc.HighestCommittedUSN)
}

func TestSharedUserSurvivesSubgroupRescan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	a := dirGroup("g-a", "ward-a", "510")
	b := dirGroup("g-b", "ward-b", "520")
	sess.mainGroup = &main
	sess.subgroups = []adtypes.AdGroup{a, b}

	// u1 claims membership in both wards but only ward A's enumeration
	// returns it; ward B's scan must not get it deleted.
	u1 := dirUser("u1", "u1@example.com", "600", a.DistinguishedName, b.DistinguishedName)
	sess.users[a.DistinguishedName] = []adtypes.AdUser{u1}

	require.NoError(t, env.m.SetConfig(ctx, testConfig()))
	env.m.singleRun(ctx)

	got, found, err := env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, got.IsDeleted)
	assert.NotEqual(t, adtypes.StatusNotPresent, got.Status)

	// Ward B's empty full scan dropped the claimed (u1, g-b) membership row.
	guids, err := env.st.SelectGroupGUIDsOfUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"g-a"}, guids)
}

func TestMissingMainGroupDeletesCachedData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sess.mainGroup = &main
	sess.users[main.DistinguishedName] = []adtypes.AdUser{
		dirUser("u1", "u1@example.com", "600", main.DistinguishedName),
	}
	require.NoError(t, env.m.SetConfig(ctx, testConfig()))
	env.m.singleRun(ctx)

	sess.mainGroup = nil
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "There is no main group present, deleting all existing groups and users from db")

	mg, _, err := env.st.SelectGroup(ctx, "g-main")
	require.NoError(t, err)
	assert.True(t, mg.IsDeleted)
	assert.False(t, mg.IsSentToWebserver)
	assert.Equal(t, adtypes.StatusNotPresent, mg.Status)

	u1, _, err := env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u1.IsDeleted)
	assert.Equal(t, adtypes.StatusNotPresent, u1.Status)
}

func TestAnomalyInterlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sess.mainGroup = &main
	population := []adtypes.AdUser{
		dirUser("u1", "u1@example.com", "601", main.DistinguishedName),
		dirUser("u2", "u2@example.com", "602", main.DistinguishedName),
		dirUser("u3", "u3@example.com", "603", main.DistinguishedName),
		dirUser("u4", "u4@example.com", "604", main.DistinguishedName),
	}
	sess.users[main.DistinguishedName] = population

	cfg := testConfig()
	cfg.EnableAnomalyDetection = true
	cfg.AnomalyUserCountThreshold = 3
	cfg.AnomalyPercentThreshold = 50
	require.NoError(t, env.m.SetConfig(ctx, cfg))
	env.m.singleRun(ctx)
	require.Equal(t, 1, env.pusher.runs)

	// Every user vanishes: the first full pass only flags.
	sess.users[main.DistinguishedName] = nil
	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Anomaly detected (initial), not present users: 4, previously present: 4, threshold: 3")
	assert.Equal(t, 1, env.pusher.runs, "a flagged cycle must not push")
	assert.Equal(t, "Possible anomaly detected, it will be verified during next run", env.ad.Get().Text)
	assert.False(t, env.m.Status().IsAnomalyDetected)

	// Still gone on the confirming pass: the interlock latches.
	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Anomaly detected (second), not present users: 4")
	snap := env.m.Status()
	assert.True(t, snap.IsAnomalyDetected)
	assert.Contains(t, snap.AnomalyMessage, "missing 4 users")
	assert.Equal(t, 4, snap.AnomalyNotPresentUserCount)
	assert.Equal(t, 1, env.pusher.runs)

	// While latched, plain runs are refused outright.
	env.m.singleRun(ctx)
	assert.Equal(t, "Anomaly detected, paused", env.ad.Get().Text)
	assert.Equal(t, 1, env.pusher.runs)

	// Operator resume with the users back clears the flag and pushes again.
	sess.users[main.DistinguishedName] = population
	env.m.RequestSync(true, false)
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Anomaly flag cleared (resumed with no missing users)")
	assert.False(t, env.m.Status().IsAnomalyDetected)
	assert.Equal(t, 2, env.pusher.runs)

	u1, _, err := env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u1.IsDeleted)
	assert.Equal(t, adtypes.StatusPresent, u1.Status)
}

func TestAnomalyUnaffectedByHealthyForest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessA := env.dialer.session
	mainA := dirGroup("g-main-a", "qliq-users", "500")
	sessA.mainGroup = &mainA
	sessA.users[mainA.DistinguishedName] = []adtypes.AdUser{
		dirUser("a1", "a1@example.com", "601", mainA.DistinguishedName),
		dirUser("a2", "a2@example.com", "602", mainA.DistinguishedName),
		dirUser("a3", "a3@example.com", "603", mainA.DistinguishedName),
		dirUser("a4", "a4@example.com", "604", mainA.DistinguishedName),
	}

	mainB := dirGroup("g-main-b", "qliq-users-b", "500")
	sessB := &fakeSession{
		dse: directory.RootDSE{
			DNSHostName:          "dc2.example.com",
			InvocationID:         "inv-2",
			HighestCommittedUSN:  "1000",
			DefaultNamingContext: "DC=other,DC=com",
		},
		mainGroup: &mainB,
		users: map[string][]adtypes.AdUser{
			mainB.DistinguishedName: {
				dirUser("b1", "b1@example.com", "601", mainB.DistinguishedName),
				dirUser("b2", "b2@example.com", "602", mainB.DistinguishedName),
			},
		},
	}
	env.dialer.sessions = map[string]*fakeSession{
		"dc1.example.com": sessA,
		"dc2.example.com": sessB,
	}

	cfg := testConfig()
	cfg.EnableAnomalyDetection = true
	cfg.AnomalyUserCountThreshold = 3
	cfg.AnomalyPercentThreshold = 50
	cfg.Forests = append(cfg.Forests, adtypes.Forest{
		ObjectGUID: "forest-2",
		UserName:   "OTHER\\svc",
		Password:   "secret",
		SyncGroup:  "qliq-users-b",
		DomainControllers: []adtypes.DomainController{
			{Host: "dc2.example.com", IsPrimary: true},
		},
	})
	require.NoError(t, env.m.SetConfig(ctx, cfg))
	env.m.singleRun(ctx)
	require.Equal(t, 1, env.pusher.runs)

	// Forest A loses everyone; forest B stays healthy and is processed
	// after A in the same cycle.
	sessA.users[mainA.DistinguishedName] = nil
	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Anomaly detected (initial), not present users: 4")
	requireNoEvent(t, env.st, "Initial anomaly cancelled")
	assert.Equal(t, 1, env.pusher.runs, "a flagged cycle must not push")

	// Nor can it unlatch the confirming pass.
	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Anomaly detected (second), not present users: 4")
	assert.True(t, env.m.Status().IsAnomalyDetected)
	assert.Equal(t, 1, env.pusher.runs)
}

func TestAnomalySparesSmallPopulations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sess.mainGroup = &main
	sess.users[main.DistinguishedName] = []adtypes.AdUser{
		dirUser("u1", "u1@example.com", "601", main.DistinguishedName),
		dirUser("u2", "u2@example.com", "602", main.DistinguishedName),
	}

	cfg := testConfig()
	cfg.EnableAnomalyDetection = true
	cfg.AnomalyUserCountThreshold = 5
	cfg.AnomalyPercentThreshold = 50
	require.NoError(t, env.m.SetConfig(ctx, cfg))
	env.m.singleRun(ctx)

	sess.users[main.DistinguishedName] = nil
	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	requireNoEvent(t, env.st, "Anomaly detected")
	snap := env.m.Status()
	assert.False(t, snap.IsAnomalyDetected)
	assert.Equal(t, 2, snap.AnomalyNotPresentUserCount)
	assert.Equal(t, 2, env.pusher.runs, "deletions below the bar still push")
}

func TestProcessUserTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sess.mainGroup = &main

	// An unknown disabled account is skipped, an account without a UPN is
	// recorded as invalid.
	disabled := dirUser("u-dis", "dis@example.com", "601", main.DistinguishedName)
	disabled.UserAccountControl = adtypes.UacAccountDisable
	noUPN := dirUser("u-noupn", "", "602", main.DistinguishedName)
	active := dirUser("u1", "u1@example.com", "603", main.DistinguishedName)
	sess.users[main.DistinguishedName] = []adtypes.AdUser{disabled, noUPN, active}

	require.NoError(t, env.m.SetConfig(ctx, testConfig()))
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "User account is disabled: dis@example.com")
	requireEvent(t, env.st, "User has no userPrincipalName, cannot sync: u-noupn")
	_, found, err := env.st.SelectUser(ctx, "u-dis")
	require.NoError(t, err)
	assert.False(t, found)

	// A password change on a known user sets the local marker.
	rotated := active
	rotated.USNChanged = "700"
	rotated.PwdLastSet = "134000"
	sess.users[main.DistinguishedName] = []adtypes.AdUser{rotated}
	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Password change detected for user: u1@example.com")
	u1, _, err := env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u1.IsPasswordChanged())
	assert.False(t, u1.IsSentToWebserver)

	// The same user disabled later stays cached but queues as a deletion.
	gone := rotated
	gone.UserAccountControl = adtypes.UacAccountDisable
	gone.USNChanged = "800"
	sess.users[main.DistinguishedName] = []adtypes.AdUser{gone}
	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	u1, found, err = env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, u1.IsDeleted)
}

func TestTombstoneScanMarksCachedUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sess.mainGroup = &main
	sess.users[main.DistinguishedName] = []adtypes.AdUser{
		dirUser("u1", "u1@example.com", "601", main.DistinguishedName),
		dirUser("u2", "u2@example.com", "602", main.DistinguishedName),
	}
	require.NoError(t, env.m.SetConfig(ctx, testConfig()))
	env.m.singleRun(ctx)

	// u2 leaves the group and its object is tombstoned; u1 stays. The
	// tombstone of an unknown object is ignored.
	sess.users[main.DistinguishedName] = sess.users[main.DistinguishedName][:1]
	sess.tombstones = []string{"u2", "u-unknown"}
	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	u2, _, err := env.st.SelectUser(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, u2.IsDeleted)
	u1, _, err := env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u1.IsDeleted)
	_, found, err := env.st.SelectUser(ctx, "u-unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQuarantinedGroupIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sub := dirGroup("g-sub", "nurses", "510")
	sess.mainGroup = &main
	sess.subgroups = []adtypes.AdGroup{sub}
	require.NoError(t, env.m.SetConfig(ctx, testConfig()))
	env.m.singleRun(ctx)

	g, _, err := env.st.SelectGroup(ctx, "g-sub")
	require.NoError(t, err)
	g.WebserverError = 404
	require.NoError(t, env.st.UpsertGroup(ctx, g))

	env.m.RequestSync(false, true)
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Ignoring cloud-deleted group: nurses")
	g, _, err = env.st.SelectGroup(ctx, "g-sub")
	require.NoError(t, err)
	assert.Equal(t, 404, g.WebserverError)
}

func TestSetConfigToggles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sub := dirGroup("g-sub", "nurses", "510")
	sess.mainGroup = &main
	sess.subgroups = []adtypes.AdGroup{sub}
	sess.users[main.DistinguishedName] = []adtypes.AdUser{
		dirUser("u1", "u1@example.com", "601", main.DistinguishedName),
	}
	cfg := testConfig()
	require.NoError(t, env.m.SetConfig(ctx, cfg))
	env.m.singleRun(ctx)

	// Avatars turning on after a completed sync invalidates the watermark.
	cfg.EnableAvatars = true
	require.NoError(t, env.m.SetConfig(ctx, cfg))
	sc, ok, err := env.st.SelectSyncContext(ctx, "forest-1", "dc1.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, sc.LastFullSync.IsZero())

	// Avatars turning off wipes the stored photos.
	require.NoError(t, env.st.UpsertUserAvatar(ctx, "u1", []byte{0xff, 0xd8}, "md5-1"))
	cfg.EnableAvatars = false
	require.NoError(t, env.m.SetConfig(ctx, cfg))
	requireEvent(t, env.st, "Avatar support disabled, deleted all stored avatars")
	avatar, _, err := env.st.SelectUserAvatar(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, avatar)

	// Subgroups turning off queues every subgroup for cloud deletion.
	cfg.EnableSubgroups = false
	require.NoError(t, env.m.SetConfig(ctx, cfg))
	requireEvent(t, env.st, "Subgroup support disabled, marked 1 groups for deletion")
	g, _, err := env.st.SelectGroup(ctx, "g-sub")
	require.NoError(t, err)
	assert.True(t, g.IsDeleted)
	assert.False(t, g.IsSentToWebserver)

	// A filter touching the USN watermark is rejected and dropped.
	cfg.UserSearchFilter = "(uSNChanged>=5)"
	require.NoError(t, env.m.SetConfig(ctx, cfg))
	requireEvent(t, env.st, "Rejecting user search filter")
	assert.Equal(t, "", env.m.Config().UserSearchFilter)

	assert.NotEmpty(t, env.pusher.configured)
}

func TestRequestSyncRefusals(t *testing.T) {
	env := newTestEnv(t)

	env.m.RequestSync(false, true)
	env.m.RequestSync(false, false)
	requireEvent(t, env.st, "Full Sync is already scheduled, ignoring the new request")

	env.m.forceFullSyncRequested.Store(false)
	env.m.shouldStop.Store(true)
	env.m.RequestSync(false, false)
	requireEvent(t, env.st, "Sync is stopping, ignoring the new request")
}

func TestOnTimerScheduling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sess.mainGroup = &main
	require.NoError(t, env.m.SetConfig(ctx, testConfig()))

	// Not due yet: the tick only refreshes the countdown text.
	env.m.mu.Lock()
	env.m.lastSyncStart = time.Now().Add(-5 * time.Minute)
	env.m.lastChangeCount = 7
	env.m.mu.Unlock()
	env.m.onTimer(ctx)
	assert.Equal(t, "Last sync: 7 changes detected, next run in 25 mins", env.ad.Get().Text)
	assert.Equal(t, 0, env.pusher.runs)

	env.m.mu.Lock()
	env.m.lastSyncStart = time.Now().Add(-29*time.Minute - 40*time.Second)
	env.m.mu.Unlock()
	env.m.onTimer(ctx)
	assert.Equal(t, "Last sync: 7 changes detected, next run in about a minute", env.ad.Get().Text)

	// Past the interval the tick runs a cycle.
	env.m.mu.Lock()
	env.m.lastSyncStart = time.Now().Add(-31 * time.Minute)
	env.m.mu.Unlock()
	env.m.onTimer(ctx)
	assert.Equal(t, 1, env.pusher.runs)
}

func TestResetSyncDatabase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.dialer.session

	main := dirGroup("g-main", "qliq-users", "500")
	sess.mainGroup = &main
	sess.users[main.DistinguishedName] = []adtypes.AdUser{
		dirUser("u1", "u1@example.com", "601", main.DistinguishedName),
	}
	require.NoError(t, env.m.SetConfig(ctx, testConfig()))
	env.m.singleRun(ctx)

	require.NoError(t, env.m.ResetSyncDatabase(ctx))

	_, found, err := env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)
	_, ok, err := env.st.SelectSyncContext(ctx, "forest-1", "dc1.example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// The configuration survives the reset and the forests are re-saved.
	requireEvent(t, env.st, "Sync database was reset")
	forests, err := env.st.SelectForests(ctx)
	require.NoError(t, err)
	require.Len(t, forests, 1)
	assert.Equal(t, "forest-1", forests[0].ObjectGUID)

	// The next cycle starts from scratch with a full sync.
	env.m.singleRun(ctx)
	u1, _, err := env.st.SelectUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, adtypes.StatusPresent, u1.Status)
}

func ldapNetworkError() error {
	return ldap.NewError(ldap.ErrorNetwork, errors.New("connection refused"))
}

func TestDialFailureRecordsConnectionError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	main := dirGroup("g-main", "qliq-users", "500")
	env.dialer.session.mainGroup = &main
	require.NoError(t, env.m.SetConfig(ctx, testConfig()))

	env.dialer.dialErr = ldapNetworkError()
	env.m.singleRun(ctx)

	requireEvent(t, env.st, "Domain controller dc1.example.com is not reachable")
	requireEvent(t, env.st, "Active Directory sync incomplete")
	assert.Equal(t, 0, env.m.Status().AdSyncProgress.Value)
}
