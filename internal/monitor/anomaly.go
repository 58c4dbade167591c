package monitor

import (
	"context"
	"fmt"

	"github.com/scimbridge/adsync/internal/adtypes"
	"github.com/scimbridge/adsync/internal/events"
	"github.com/scimbridge/adsync/internal/stats"
)

// anomalyStatus is the mass-deletion interlock. A first sighting only
// flags; the same finding on the next cycle pauses the sync until an
// operator resumes it.
type anomalyStatus int

const (
	anomalyNone anomalyStatus = iota
	anomalyFirstSeen
	anomalyPersistent
)

type anomalyState struct {
	status  anomalyStatus
	message string

	notPresentUsers  int
	notPresentGroups int

	// initialPresentUsers pins the population size observed when the
	// anomaly was first seen, so a shrunken cache cannot lower the bar on
	// the confirming cycle.
	initialPresentUsers int
}

// evaluateAnomaly runs after the residual marking of a forest. It owns
// every transition of the anomaly state.
func (m *Monitor) evaluateAnomaly(ctx context.Context, cfg Config, f adtypes.Forest, us, gs syncStats) {
	// Only the forest's own pending deletions open the detector. The
	// confirming cycle marks nothing new, but the unsent rows from the
	// first sighting are still pending; a forest with no pending deletions
	// must not touch a state another forest raised.
	pending := us.deleted
	if cfg.EnableAnomalyDetection && pending == 0 {
		n, err := m.store.CountUnsentNotPresentUsersOfForest(ctx, f.ObjectGUID)
		if err != nil {
			m.Log.Error(err, "Cannot count pending deletions", "forest", f.ObjectGUID)
		} else {
			pending = n
		}
	}

	if cfg.EnableAnomalyDetection && pending > 0 {
		m.detectPotentialAnomaly(ctx, cfg, us, gs)
	} else {
		m.mu.Lock()
		m.anomaly.notPresentUsers = 0
		m.anomaly.notPresentGroups = gs.deleted
		if !cfg.EnableAnomalyDetection && m.anomaly.status != anomalyPersistent {
			m.anomaly = anomalyState{}
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	st := m.anomaly
	m.mu.Unlock()
	if m.anomalyResumeRequested.Load() && st.notPresentUsers == 0 && st.status != anomalyNone {
		m.clearAnomaly("resumed with no missing users")
		return
	}
	stats.SetAnomalyState(int(st.status))
}

func (m *Monitor) detectPotentialAnomaly(ctx context.Context, cfg Config, us, gs syncStats) {
	m.mu.Lock()
	st := m.anomaly
	m.mu.Unlock()

	nowDeleted := us.deleted
	requiredBefore := us.inDbBefore
	if st.status == anomalyFirstSeen {
		if st.initialPresentUsers > requiredBefore {
			requiredBefore = st.initialPresentUsers
		}
		// Recount across all forests so users already pushed as deletions
		// do not confirm the anomaly a second time.
		n, err := m.store.CountUnsentNotPresentUsers(ctx)
		if err != nil {
			m.Log.Error(err, "Cannot recount missing users")
		} else {
			nowDeleted = n
		}
	}

	threshold := cfg.AnomalyUserCountThreshold
	if pct := (requiredBefore*cfg.AnomalyPercentThreshold + 99) / 100; pct > threshold {
		threshold = pct
	}

	// Small populations never trip the interlock.
	if requiredBefore >= cfg.AnomalyUserCountThreshold && threshold > 0 {
		switch {
		case nowDeleted >= threshold && st.status == anomalyNone:
			st.status = anomalyFirstSeen
			st.initialPresentUsers = requiredBefore
			m.recorder.Record(events.TypeSync, events.CategoryError,
				fmt.Sprintf("Anomaly detected (initial), not present users: %d, previously present: %d, threshold: %d",
					nowDeleted, requiredBefore, threshold))
		case nowDeleted >= threshold && st.status == anomalyFirstSeen:
			st.status = anomalyPersistent
			st.message = fmt.Sprintf("Active Directory is missing %d users that were present before. "+
				"Sync is paused until an operator resumes it.", nowDeleted)
			m.recorder.Record(events.TypeSync, events.CategoryError,
				fmt.Sprintf("Anomaly detected (second), not present users: %d, previously present: %d, threshold: %d",
					nowDeleted, requiredBefore, threshold))
			m.recorder.Record(events.TypeSync, events.CategoryError, st.message)
		case nowDeleted < threshold && st.status == anomalyFirstSeen:
			st = anomalyState{}
			m.recorder.Record(events.TypeSync, events.CategoryWarning,
				fmt.Sprintf("Initial anomaly cancelled, not present users: %d, threshold: %d", nowDeleted, threshold))
		}
	}

	st.notPresentUsers = nowDeleted
	st.notPresentGroups = gs.deleted

	m.mu.Lock()
	m.anomaly = st
	m.mu.Unlock()
	stats.SetAnomalyState(int(st.status))
}

func (m *Monitor) clearAnomaly(reason string) {
	m.mu.Lock()
	m.anomaly = anomalyState{}
	m.mu.Unlock()
	stats.SetAnomalyState(int(anomalyNone))
	m.recorder.Record(events.TypeSync, events.CategoryInfo, "Anomaly flag cleared ("+reason+")")
}
