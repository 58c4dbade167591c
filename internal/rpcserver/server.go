// Package rpcserver is the localhost control surface of the sync engine:
// an HTTP JSON API with one POST endpoint per operation. It is meant to be
// bound to the loopback interface only; there is no authentication layer.
package rpcserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scimbridge/adsync/internal/adtypes"
	"github.com/scimbridge/adsync/internal/directory"
	"github.com/scimbridge/adsync/internal/events"
	"github.com/scimbridge/adsync/internal/monitor"
	"github.com/scimbridge/adsync/internal/status"
)

// Engine is the slice of the sync monitor the RPC surface drives.
// *monitor.Monitor satisfies it.
type Engine interface {
	SetConfig(ctx context.Context, cfg monitor.Config) error
	Status() status.Snapshot
	RequestSync(isResume, full bool)
	ResetSyncDatabase(ctx context.Context) error
	ClearAnomalyFlag()
	TestAdminCredentials(ctx context.Context, f adtypes.Forest) directory.AuthResult
	TestMainGroup(ctx context.Context, f adtypes.Forest, emit func(map[string]interface{})) error
	AuthenticateUser(ctx context.Context, login, password string) directory.AuthResult
}

// EventLog is the slice of the store behind loadEventLog/deleteEventLog.
type EventLog interface {
	SelectEventsPage(ctx context.Context, offset, limit int) ([]events.Event, error)
	DeleteAllEvents(ctx context.Context) error
}

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

type Server struct {
	Log logr.Logger

	engine   Engine
	eventLog EventLog
	mux      *http.ServeMux
}

func New(log logr.Logger, engine Engine, eventLog EventLog) *Server {
	s := &Server{Log: log, engine: engine, eventLog: eventLog}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/reloadConfig", s.wrap(s.reloadConfig))
	mux.HandleFunc("/rpc/resetSyncDatabase", s.wrap(s.resetSyncDatabase))
	mux.HandleFunc("/rpc/forceSync", s.wrap(s.forceSync))
	mux.HandleFunc("/rpc/clearAnomalyFlag", s.wrap(s.clearAnomalyFlag))
	mux.HandleFunc("/rpc/getSyncStatus", s.wrap(s.getSyncStatus))
	mux.HandleFunc("/rpc/loadEventLog", s.wrap(s.loadEventLog))
	mux.HandleFunc("/rpc/deleteEventLog", s.wrap(s.deleteEventLog))
	mux.HandleFunc("/rpc/testAdminCredentials", s.wrap(s.testAdminCredentials))
	mux.HandleFunc("/rpc/testMainGroup", s.wrap(s.testMainGroup))
	mux.HandleFunc("/rpc/authenticateUser", s.wrap(s.authenticateUser))
	s.mux = mux
	return s
}

// ServeHTTP lets tests mount the server on httptest without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until the context is cancelled. addr should be a
// loopback address such as "127.0.0.1:9443".
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", addr)
	}
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.Log.Info("RPC server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type rpcHandler func(log logr.Logger, w http.ResponseWriter, r *http.Request) error

// wrap enforces POST, tags the call with a correlation id and turns a
// returned error into the standard error envelope. Handlers that stream
// report their errors in-band and return nil.
func (s *Server) wrap(h rpcHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		log := s.Log.WithValues("rpc", r.URL.Path, "requestId", requestID)
		if err := h(log, w, r); err != nil {
			log.Error(err, "RPC call failed")
			writeJSON(w, map[string]interface{}{
				"status":       "error",
				"errorMessage": err.Error(),
			})
		}
	}
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeOk(w http.ResponseWriter) {
	writeJSON(w, map[string]interface{}{"status": "ok"})
}

func decodeBody(r *http.Request) (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if r.Body == nil || r.ContentLength == 0 {
		return body, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "cannot decode request body")
	}
	return body, nil
}

func (s *Server) reloadConfig(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	body, err := decodeBody(r)
	if err != nil {
		return err
	}
	cfg := monitor.ConfigFromMap(body)
	if err := s.engine.SetConfig(r.Context(), cfg); err != nil {
		return err
	}
	log.Info("Configuration reloaded", "forests", len(cfg.Forests), "isEnabled", cfg.IsEnabled)
	writeOk(w)
	return nil
}

func (s *Server) resetSyncDatabase(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	if err := s.engine.ResetSyncDatabase(r.Context()); err != nil {
		return err
	}
	writeOk(w)
	return nil
}

func (s *Server) forceSync(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	body, err := decodeBody(r)
	if err != nil {
		return err
	}
	isResume, _ := body["isResume"].(bool)
	isFull, _ := body["isFull"].(bool)
	s.engine.RequestSync(isResume, isFull)
	writeOk(w)
	return nil
}

func (s *Server) clearAnomalyFlag(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	s.engine.ClearAnomalyFlag()
	writeOk(w)
	return nil
}

func (s *Server) getSyncStatus(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, s.engine.Status().ToMap())
	return nil
}

func (s *Server) loadEventLog(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	body, err := decodeBody(r)
	if err != nil {
		return err
	}
	offset := intField(body, "offset", 0)
	count := intField(body, "count", defaultEventPage)
	if count < 1 || count > maxEventPage {
		count = defaultEventPage
	}
	if offset < 0 {
		offset = 0
	}
	evts, err := s.eventLog.SelectEventsPage(r.Context(), offset, count)
	if err != nil {
		return errors.Wrap(err, "cannot load events")
	}
	out := make([]interface{}, 0, len(evts))
	for i := range evts {
		out = append(out, evts[i].ToMap())
	}
	writeJSON(w, map[string]interface{}{"status": "ok", "events": out})
	return nil
}

func (s *Server) deleteEventLog(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	if err := s.eventLog.DeleteAllEvents(r.Context()); err != nil {
		return errors.Wrap(err, "cannot delete events")
	}
	log.Info("Event log deleted")
	writeOk(w)
	return nil
}

func (s *Server) testAdminCredentials(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	f, err := forestFromBody(r)
	if err != nil {
		return err
	}
	res := s.engine.TestAdminCredentials(r.Context(), f)
	writeJSON(w, authResultMap(res))
	return nil
}

// testMainGroup streams one JSON line per sampled entry so the operator
// sees partial results while the probe walks the directory, then a final
// status line.
func (s *Server) testMainGroup(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	f, err := forestFromBody(r)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	emit := func(m map[string]interface{}) {
		_ = enc.Encode(map[string]interface{}{"sampleResult": m})
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := s.engine.TestMainGroup(r.Context(), f, emit); err != nil {
		log.Error(err, "Main group probe failed")
		_ = enc.Encode(map[string]interface{}{"status": "error", "errorMessage": err.Error()})
		return nil
	}
	_ = enc.Encode(map[string]interface{}{"status": "ok"})
	return nil
}

func (s *Server) authenticateUser(log logr.Logger, w http.ResponseWriter, r *http.Request) error {
	body, err := decodeBody(r)
	if err != nil {
		return err
	}
	login, _ := body["login"].(string)
	password, _ := body["password"].(string)
	if login == "" {
		return errors.New("login is required")
	}
	res := s.engine.AuthenticateUser(r.Context(), login, password)
	writeJSON(w, authResultMap(res))
	return nil
}

func forestFromBody(r *http.Request) (adtypes.Forest, error) {
	body, err := decodeBody(r)
	if err != nil {
		return adtypes.Forest{}, err
	}
	fm, ok := body["forest"].(map[string]interface{})
	if !ok {
		return adtypes.Forest{}, errors.New("'forest' object is required")
	}
	f := adtypes.ForestFromMap(fm)
	if err := f.Validate(); err != nil {
		return adtypes.Forest{}, err
	}
	return f, nil
}

func authResultMap(res directory.AuthResult) map[string]interface{} {
	out := map[string]interface{}{"status": res.Status.String()}
	if res.SubCode != "" {
		out["subCode"] = res.SubCode
	}
	if res.Err != nil {
		out["errorMessage"] = res.Err.Error()
	}
	return out
}

func intField(m map[string]interface{}, key string, def int) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return def
}
