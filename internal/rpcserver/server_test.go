package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scimbridge/adsync/internal/adtypes"
	"github.com/scimbridge/adsync/internal/directory"
	"github.com/scimbridge/adsync/internal/events"
	"github.com/scimbridge/adsync/internal/monitor"
	"github.com/scimbridge/adsync/internal/status"
)

type fakeEngine struct {
	cfg        monitor.Config
	setErr     error
	snapshot   status.Snapshot
	syncCalls  [][2]bool
	resets     int
	clears     int
	authResult directory.AuthResult
	authLogins []string
	samples    []map[string]interface{}
	probeErr   error
	probed     []adtypes.Forest
}

func (e *fakeEngine) SetConfig(ctx context.Context, cfg monitor.Config) error {
	e.cfg = cfg
	return e.setErr
}

func (e *fakeEngine) Status() status.Snapshot { return e.snapshot }

func (e *fakeEngine) RequestSync(isResume, full bool) {
	e.syncCalls = append(e.syncCalls, [2]bool{isResume, full})
}

func (e *fakeEngine) ResetSyncDatabase(ctx context.Context) error { e.resets++; return nil }

func (e *fakeEngine) ClearAnomalyFlag() { e.clears++ }

func (e *fakeEngine) TestAdminCredentials(ctx context.Context, f adtypes.Forest) directory.AuthResult {
	e.probed = append(e.probed, f)
	return e.authResult
}

func (e *fakeEngine) TestMainGroup(ctx context.Context, f adtypes.Forest, emit func(map[string]interface{})) error {
	e.probed = append(e.probed, f)
	for _, s := range e.samples {
		emit(s)
	}
	return e.probeErr
}

func (e *fakeEngine) AuthenticateUser(ctx context.Context, login, password string) directory.AuthResult {
	e.authLogins = append(e.authLogins, login)
	return e.authResult
}

type fakeEventLog struct {
	events  []events.Event
	offset  int
	limit   int
	deleted int
}

func (l *fakeEventLog) SelectEventsPage(ctx context.Context, offset, limit int) ([]events.Event, error) {
	l.offset, l.limit = offset, limit
	return l.events, nil
}

func (l *fakeEventLog) DeleteAllEvents(ctx context.Context) error { l.deleted++; return nil }

func newTestServer(t *testing.T) (*Server, *fakeEngine, *fakeEventLog) {
	t.Helper()
	eng := &fakeEngine{}
	elog := &fakeEventLog{}
	return New(logr.Discard(), eng, elog), eng, elog
}

func post(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func forestBody() map[string]interface{} {
	return map[string]interface{}{
		"forest": map[string]interface{}{
			"objectGuid": "forest-1",
			"userName":   "EXAMPLE\\svc",
			"password":   "secret",
			"syncGroup":  "qliq-users",
			"domainControllers": []interface{}{
				map[string]interface{}{"host": "dc1.example.com", "isPrimary": true},
			},
		},
	}
}

func TestGetSyncStatus(t *testing.T) {
	s, eng, _ := newTestServer(t)
	eng.snapshot = status.Snapshot{
		IsAdSyncInProgress:         true,
		IsAnomalyDetected:          true,
		AnomalyMessage:             "missing users",
		AnomalyNotPresentUserCount: 12,
	}

	w := post(t, s, "/rpc/getSyncStatus", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	out := decode(t, w)
	assert.Equal(t, true, out["isAdSyncInProgress"])
	assert.Equal(t, true, out["isAnomalyDetected"])
	assert.Equal(t, "missing users", out["anomalyMessage"])
	assert.Equal(t, float64(12), out["anomalyNotPresentUserCount"])
}

func TestReloadConfig(t *testing.T) {
	s, eng, _ := newTestServer(t)

	cfg := monitor.Config{
		IsEnabled:        true,
		SyncIntervalMins: 15,
		WebServerAddress: "https://cloud.example.com",
		APIKey:           "key",
		EnableSubgroups:  true,
		Forests: []adtypes.Forest{{
			ObjectGUID: "forest-1",
			SyncGroup:  "qliq-users",
			DomainControllers: []adtypes.DomainController{
				{Host: "dc1.example.com", IsPrimary: true},
			},
		}},
	}
	w := post(t, s, "/rpc/reloadConfig", cfg.ToMap())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	assert.True(t, eng.cfg.IsEnabled)
	assert.Equal(t, 15, eng.cfg.SyncIntervalMins)
	require.Len(t, eng.cfg.Forests, 1)
	assert.Equal(t, "qliq-users", eng.cfg.Forests[0].SyncGroup)
}

func TestReloadConfigError(t *testing.T) {
	s, eng, _ := newTestServer(t)
	eng.setErr = errors.New("cannot save forest configurations")

	w := post(t, s, "/rpc/reloadConfig", map[string]interface{}{"isEnabled": true})
	out := decode(t, w)
	assert.Equal(t, "error", out["status"])
	assert.Contains(t, out["errorMessage"], "cannot save forest configurations")
}

func TestForceSyncAndClearAnomaly(t *testing.T) {
	s, eng, _ := newTestServer(t)

	post(t, s, "/rpc/forceSync", map[string]interface{}{"isResume": true, "isFull": false})
	post(t, s, "/rpc/forceSync", map[string]interface{}{"isFull": true})
	require.Equal(t, [][2]bool{{true, false}, {false, true}}, eng.syncCalls)

	post(t, s, "/rpc/clearAnomalyFlag", nil)
	assert.Equal(t, 1, eng.clears)

	post(t, s, "/rpc/resetSyncDatabase", nil)
	assert.Equal(t, 1, eng.resets)
}

func TestLoadEventLog(t *testing.T) {
	s, _, elog := newTestServer(t)
	elog.events = []events.Event{{
		ID:        7,
		Timestamp: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Type:      events.TypeSync,
		Category:  events.CategoryWarning,
		Message:   "Sync database was reset",
	}}

	w := post(t, s, "/rpc/loadEventLog", map[string]interface{}{"offset": 20, "count": 10})
	out := decode(t, w)
	require.Equal(t, "ok", out["status"])
	assert.Equal(t, 20, elog.offset)
	assert.Equal(t, 10, elog.limit)

	list, ok := out["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	assert.Equal(t, float64(7), entry["id"])
	assert.Equal(t, "sync", entry["type"])
	assert.Equal(t, "warning", entry["category"])
	assert.Equal(t, "Sync database was reset", entry["message"])

	// Out-of-range counts fall back to the default page size.
	post(t, s, "/rpc/loadEventLog", map[string]interface{}{"count": 100000})
	assert.Equal(t, defaultEventPage, elog.limit)

	post(t, s, "/rpc/deleteEventLog", nil)
	assert.Equal(t, 1, elog.deleted)
}

func TestTestAdminCredentials(t *testing.T) {
	s, eng, _ := newTestServer(t)
	eng.authResult = directory.AuthResult{
		Status:  directory.AuthInvalidCredentials,
		SubCode: "account-disabled",
		Err:     errors.New("bind failed"),
	}

	w := post(t, s, "/rpc/testAdminCredentials", forestBody())
	out := decode(t, w)
	assert.Equal(t, "invalid-credentials", out["status"])
	assert.Equal(t, "account-disabled", out["subCode"])
	assert.Equal(t, "bind failed", out["errorMessage"])
	require.Len(t, eng.probed, 1)
	assert.Equal(t, "forest-1", eng.probed[0].ObjectGUID)

	// A forest that fails validation never reaches the engine.
	w = post(t, s, "/rpc/testAdminCredentials", map[string]interface{}{
		"forest": map[string]interface{}{"objectGuid": "forest-2"},
	})
	out = decode(t, w)
	assert.Equal(t, "error", out["status"])
	assert.Len(t, eng.probed, 1)
}

func TestTestMainGroupStreams(t *testing.T) {
	s, eng, _ := newTestServer(t)
	eng.samples = []map[string]interface{}{
		{"objectGuid": "g-main", "class": "group"},
		{"objectGuid": "u1", "class": "user"},
	}

	w := post(t, s, "/rpc/testMainGroup", forestBody())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	sample := lines[0]["sampleResult"].(map[string]interface{})
	assert.Equal(t, "g-main", sample["objectGuid"])
	assert.Equal(t, "ok", lines[2]["status"])
}

func TestTestMainGroupErrorEndsStream(t *testing.T) {
	s, eng, _ := newTestServer(t)
	eng.samples = []map[string]interface{}{{"objectGuid": "g-main", "class": "group"}}
	eng.probeErr = errors.New("Main group is empty")

	w := post(t, s, "/rpc/testMainGroup", forestBody())
	body := w.Body.String()
	assert.Contains(t, body, `"sampleResult"`)
	assert.True(t, strings.Contains(body, `"status":"error"`))
	assert.Contains(t, body, "Main group is empty")
}

func TestAuthenticateUser(t *testing.T) {
	s, eng, _ := newTestServer(t)

	w := post(t, s, "/rpc/authenticateUser", map[string]interface{}{
		"login": "u1@example.com", "password": "pw",
	})
	out := decode(t, w)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, []string{"u1@example.com"}, eng.authLogins)

	w = post(t, s, "/rpc/authenticateUser", map[string]interface{}{"password": "pw"})
	out = decode(t, w)
	assert.Equal(t, "error", out["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/rpc/getSyncStatus", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
