// Package monitor owns the sync state machine: it iterates the configured
// forests on a timer, mirrors directory changes into the local store, runs
// the mass-deletion anomaly check and hands the backlog to the cloud
// pusher. All store writes happen on the single worker goroutine; the
// control surface talks to it through flags and queued run requests.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/scimbridge/adsync/internal/directory"
	"github.com/scimbridge/adsync/internal/events"
	"github.com/scimbridge/adsync/internal/forest"
	"github.com/scimbridge/adsync/internal/stats"
	"github.com/scimbridge/adsync/internal/status"
	"github.com/scimbridge/adsync/internal/store"
)

// eventRetentionDays bounds the event log; older entries are pruned at the
// start of every sync cycle.
const eventRetentionDays = 30

// CloudPusher is the push phase of a cycle. *pusher.Pusher satisfies it.
type CloudPusher interface {
	Run(ctx context.Context) error
	Configure(webServerAddress, apiKey string, subgroupsEnabled, avatarsEnabled bool)
}

// Monitor drives the sync. Construct with New, then run the worker loop
// with Run; every other method may be called from any goroutine.
type Monitor struct {
	Log logr.Logger

	store    *store.Store
	dialer   directory.Dialer
	manager  *forest.Manager
	pusher   CloudPusher
	recorder *events.Recorder

	adProgress  *status.Tracker
	webProgress *status.Tracker

	// kick holds at most one pending run request.
	kick chan struct{}

	shouldStop             atomic.Bool
	forceFullSyncRequested atomic.Bool
	anomalyResumeRequested atomic.Bool

	mu                sync.Mutex
	cond              *sync.Cond
	cfg               Config
	syncInProgress    bool
	webPushInProgress bool
	syncCount         int
	lastSyncStart     time.Time
	lastChangeCount   int
	anomaly           anomalyState

	// Worker-only fields, no locking needed.
	wasAuthErrorReported       bool
	wasConnectionErrorReported bool
}

func New(log logr.Logger, st *store.Store, dialer directory.Dialer, manager *forest.Manager,
	push CloudPusher, recorder *events.Recorder, adProgress, webProgress *status.Tracker) *Monitor {
	m := &Monitor{
		Log:         log,
		store:       st,
		dialer:      dialer,
		manager:     manager,
		pusher:      push,
		recorder:    recorder,
		adProgress:  adProgress,
		webProgress: webProgress,
		kick:        make(chan struct{}, 1),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Run is the worker loop. It blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.kick:
			m.singleRun(ctx)
		case <-ticker.C:
			m.onTimer(ctx)
		}
	}
}

// QueueSingleRun schedules one sync cycle. Requests arriving while one is
// already queued or running collapse into it.
func (m *Monitor) QueueSingleRun() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// RequestStop asks the running cycle to exit at the next checkpoint. It is
// idempotent and a no-op when nothing runs; the flag is cleared when the
// cycle ends.
func (m *Monitor) RequestStop() {
	m.shouldStop.Store(true)
}

// WaitForStopped blocks until no sync cycle is in progress.
func (m *Monitor) WaitForStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.syncInProgress {
		m.cond.Wait()
	}
}

// Config returns a copy of the active configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Status snapshots the observable state for the RPC surface.
func (m *Monitor) Status() status.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return status.Snapshot{
		IsAdSyncInProgress:          m.syncInProgress,
		IsWebPushInProgress:         m.webPushInProgress,
		AdSyncProgress:              m.adProgress.Get(),
		WebPushProgress:             m.webProgress.Get(),
		IsAnomalyDetected:           m.anomaly.status == anomalyPersistent,
		AnomalyMessage:              m.anomaly.message,
		AnomalyNotPresentUserCount:  m.anomaly.notPresentUsers,
		AnomalyNotPresentGroupCount: m.anomaly.notPresentGroups,
	}
}

// SetConfig stops a running cycle, applies the configuration diff and
// restarts the sync. Feature toggles have side effects: avatars off wipes
// the stored photos, avatars or DN auth turning on after a completed sync
// forces the next pass to be full, subgroups off queues every subgroup for
// cloud deletion.
func (m *Monitor) SetConfig(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	old := m.cfg
	syncing := m.syncInProgress
	syncCount := m.syncCount
	m.mu.Unlock()

	if syncing {
		m.RequestStop()
		m.adProgress.SetText("Stopped due to config change")
		m.WaitForStopped()
	}

	if err := directory.ValidateExtraFilter(cfg.UserSearchFilter); err != nil {
		m.recorder.Record(events.TypeSync, events.CategoryError,
			fmt.Sprintf("Rejecting user search filter: %v", err))
		cfg.UserSearchFilter = ""
	}

	fullSyncRequired := false
	if old.EnableAvatars && !cfg.EnableAvatars {
		if err := m.store.DeleteAllAvatars(ctx); err != nil {
			return errors.Wrap(err, "cannot delete avatars")
		}
		m.recorder.Record(events.TypeSync, events.CategoryWarning,
			"Avatar support disabled, deleted all stored avatars")
	}
	if !old.EnableAvatars && cfg.EnableAvatars && syncCount > 0 {
		fullSyncRequired = true
	}
	if !old.EnableDistinguishedNameBaseAuth && cfg.EnableDistinguishedNameBaseAuth && syncCount > 0 {
		fullSyncRequired = true
	}
	if old.EnableSubgroups && !cfg.EnableSubgroups {
		n, err := m.store.MarkSubgroupsDeleted(ctx)
		if err != nil {
			return errors.Wrap(err, "cannot mark subgroups deleted")
		}
		m.recorder.Record(events.TypeSync, events.CategoryWarning,
			fmt.Sprintf("Subgroup support disabled, marked %d groups for deletion", n))
	}
	if !old.EnableSubgroups && cfg.EnableSubgroups {
		if err := m.store.RestoreSubgroups(ctx); err != nil {
			return errors.Wrap(err, "cannot restore subgroups")
		}
	}
	if fullSyncRequired {
		if err := m.store.ClearLastFullSyncTimes(ctx); err != nil {
			return errors.Wrap(err, "cannot clear full sync times")
		}
	}

	if _, err := m.manager.SaveForests(ctx, cfg.Forests); err != nil {
		m.recorder.Record(events.TypeSync, events.CategoryError,
			fmt.Sprintf("Cannot save forest configurations: %v", err))
		return err
	}

	m.pusher.Configure(cfg.WebServerAddress, cfg.APIKey, cfg.EnableSubgroups, cfg.EnableAvatars)

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	m.shouldStop.Store(false)
	if cfg.IsEnabled {
		m.recorder.Record(events.TypeSync, events.CategoryInfo,
			"Forest configurations saved in db, sync will be started")
		m.QueueSingleRun()
	}
	return nil
}

// RequestSync triggers a cycle outside the timer. isResume lifts the
// persistent-anomaly gate for one run and implies a full pass; full forces
// a full pass on every forest.
func (m *Monitor) RequestSync(isResume, full bool) {
	if isResume {
		full = true
		m.anomalyResumeRequested.Store(true)
	}
	if m.forceFullSyncRequested.Load() {
		m.recorder.Record(events.TypeSync, events.CategoryWarning,
			"Full Sync is already scheduled, ignoring the new request")
		return
	}
	if m.shouldStop.Load() {
		m.recorder.Record(events.TypeSync, events.CategoryWarning,
			"Sync is stopping, ignoring the new request")
		return
	}
	if full {
		m.forceFullSyncRequested.Store(true)
	}

	m.mu.Lock()
	syncing := m.syncInProgress
	m.mu.Unlock()
	if syncing {
		// The current cycle aborts; the next timer tick picks up the
		// scheduled full sync.
		m.shouldStop.Store(true)
		m.adProgress.SetText("Stopped due to a new full sync request")
		return
	}
	m.QueueSingleRun()
}

// ResetSyncDatabase stops the worker, wipes every sync table in one
// transaction, re-applies the current configuration and restarts.
func (m *Monitor) ResetSyncDatabase(ctx context.Context) error {
	m.mu.Lock()
	cfg := m.cfg
	syncing := m.syncInProgress
	m.mu.Unlock()

	if syncing {
		m.RequestStop()
		m.adProgress.SetText("Stopped due to database reset")
		m.WaitForStopped()
	}

	if err := m.store.ResetSyncData(ctx); err != nil {
		return errors.Wrap(err, "cannot reset sync database")
	}
	m.manager.Reset()

	m.mu.Lock()
	m.anomaly = anomalyState{}
	m.syncCount = 0
	m.lastChangeCount = 0
	m.mu.Unlock()
	stats.SetAnomalyState(0)

	m.recorder.Record(events.TypeSync, events.CategoryWarning, "Sync database was reset")
	m.shouldStop.Store(false)
	return m.SetConfig(ctx, cfg)
}

// ClearAnomalyFlag is the operator override: it drops the anomaly state
// and schedules a run.
func (m *Monitor) ClearAnomalyFlag() {
	m.clearAnomaly("cleared manually")
	m.QueueSingleRun()
}

// onTimer decides whether a cycle is due.
func (m *Monitor) onTimer(ctx context.Context) {
	m.mu.Lock()
	cfg := m.cfg
	syncing := m.syncInProgress
	lastStart := m.lastSyncStart
	changes := m.lastChangeCount
	m.mu.Unlock()

	if syncing || m.shouldStop.Load() || !cfg.IsEnabled {
		return
	}
	if cfg.SyncIntervalMins < 1 {
		m.Log.Info("Sync interval is below 1, invalid", "syncIntervalMins", cfg.SyncIntervalMins)
		return
	}

	interval := time.Duration(cfg.SyncIntervalMins) * time.Minute
	if m.forceFullSyncRequested.Load() || lastStart.IsZero() || time.Since(lastStart) >= interval {
		m.singleRun(ctx)
		return
	}

	left := interval - time.Since(lastStart)
	mins := int(left.Round(time.Minute) / time.Minute)
	if mins <= 1 {
		m.adProgress.SetText(fmt.Sprintf("Last sync: %d changes detected, next run in about a minute", changes))
	} else {
		m.adProgress.SetText(fmt.Sprintf("Last sync: %d changes detected, next run in %d mins", changes, mins))
	}
}

// singleRun is one complete cycle: directory phase per forest, then the
// cloud push. Everything here runs on the worker goroutine.
func (m *Monitor) singleRun(ctx context.Context) {
	m.mu.Lock()
	if m.syncInProgress {
		m.mu.Unlock()
		return
	}
	if m.anomaly.status == anomalyPersistent && !m.anomalyResumeRequested.Load() {
		m.mu.Unlock()
		m.adProgress.SetText("Anomaly detected, paused")
		return
	}
	m.syncInProgress = true
	m.syncCount++
	m.lastSyncStart = time.Now()
	cfg := m.cfg
	m.mu.Unlock()

	stats.StartSyncCycle()
	defer stats.StopSyncCycle()
	defer func() {
		m.shouldStop.Store(false)
		m.anomalyResumeRequested.Store(false)
		m.mu.Lock()
		m.syncInProgress = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	m.wasAuthErrorReported = false
	m.wasConnectionErrorReported = false
	m.adProgress.Set("Running", 0, -1)

	cutoff := time.Now().AddDate(0, 0, -eventRetentionDays)
	if n, err := m.store.PruneEventsBefore(ctx, cutoff); err != nil {
		m.Log.Error(err, "Cannot prune old events")
	} else if n > 0 {
		m.Log.Info("Pruned old events", "count", n)
	}

	if m.manager.Count() == 0 {
		if err := m.manager.Load(ctx); err != nil {
			m.Log.Error(err, "Cannot load forests")
			return
		}
	}

	doFullSync := m.forceFullSyncRequested.Swap(false)

	changes := 0
	m.manager.ResetIteration()
	for !m.shouldStop.Load() {
		f, dc, ok := m.manager.NextForest(ctx)
		if !ok {
			break
		}
		changes += m.retrieveForestChanges(ctx, cfg, f, dc, doFullSync)
	}

	m.mu.Lock()
	m.lastChangeCount = changes
	anomalyStatus := m.anomaly.status
	m.mu.Unlock()

	// A flagged cycle pushes nothing: the pending deletions stay local
	// until the anomaly clears or an operator overrides it.
	if !m.shouldStop.Load() && anomalyStatus == anomalyNone {
		m.mu.Lock()
		m.webPushInProgress = true
		m.mu.Unlock()
		err := m.pusher.Run(ctx)
		m.mu.Lock()
		m.webPushInProgress = false
		m.mu.Unlock()
		if err != nil {
			m.Log.Error(err, "Push to the cloud was interrupted")
		}
	}

	switch anomalyStatus {
	case anomalyFirstSeen:
		m.adProgress.SetText("Possible anomaly detected, it will be verified during next run")
	case anomalyPersistent:
		m.adProgress.SetText("Anomaly detected, paused")
	default:
		m.adProgress.SetText(fmt.Sprintf("Just finished, %d changes detected", changes))
	}
}
