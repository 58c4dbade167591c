package forest

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/scimbridge/adsync/internal/adtypes"
)

// Store is the slice of the database layer the manager needs: loading the
// configured forest set and replaying a configuration diff atomically.
type Store interface {
	SelectForests(ctx context.Context) ([]adtypes.Forest, error)
	SaveDomainControllerDNSName(ctx context.Context, forestGUID, host, dnsName string) error
	InForestTransaction(ctx context.Context, label string, fn func(tx ForestTx) error) error
}

// ForestTx is the transactional surface the configuration apply runs on.
type ForestTx interface {
	InsertForest(f adtypes.Forest) error
	UpdateForest(f adtypes.Forest) error
	DeleteForest(forestGUID string) error
	DeleteSyncContextsOfForest(forestGUID string) error
	InsertDomainController(forestGUID string, dc adtypes.DomainController) error
	UpdateDomainController(forestGUID string, dc adtypes.DomainController) error
	DeleteDomainController(forestGUID, host string) error
}

// Prober checks whether a domain controller accepts a bind with the given
// credentials and resolves its DNS name from the root DSE.
type Prober interface {
	Probe(ctx context.Context, creds adtypes.Credentials) (dnsName string, err error)
}

// Manager keeps the in-memory forest list in step with the store and hands
// out (forest, reachable controller) pairs to the sync monitor. All methods
// are safe for concurrent use.
type Manager struct {
	Log    logr.Logger
	store  Store
	prober Prober

	mu        sync.Mutex
	forests   []adtypes.Forest
	nextIndex int
}

func NewManager(log logr.Logger, store Store, prober Prober) *Manager {
	return &Manager{Log: log, store: store, prober: prober}
}

// Load replaces the in-memory list with the persisted one. Invalid forests
// are dropped with an error log rather than aborting the load.
func (m *Manager) Load(ctx context.Context) error {
	forests, err := m.store.SelectForests(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot load forests")
	}
	kept := forests[:0]
	for i := range forests {
		if err := forests[i].Validate(); err != nil {
			m.Log.Error(err, "Dropping invalid forest", "forest", forests[i].ObjectGUID)
			continue
		}
		forests[i].SortControllersByPrimary()
		kept = append(kept, forests[i])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.forests = kept
	m.nextIndex = 0
	return nil
}

// Count returns the number of loaded forests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forests)
}

// Forests returns a copy of the loaded forest list.
func (m *Manager) Forests() []adtypes.Forest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adtypes.Forest, len(m.forests))
	copy(out, m.forests)
	return out
}

// ResetIteration rewinds NextForest to the first forest. The monitor calls
// it at the top of every sync cycle.
func (m *Manager) ResetIteration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIndex = 0
}

// NextForest returns the next forest together with its first reachable
// domain controller, probing primary-first. Forests with no reachable
// controller are skipped with a warning. ok is false once the iteration is
// exhausted.
func (m *Manager) NextForest(ctx context.Context) (f adtypes.Forest, dc adtypes.DomainController, ok bool) {
	for {
		m.mu.Lock()
		if m.nextIndex >= len(m.forests) {
			m.mu.Unlock()
			return adtypes.Forest{}, adtypes.DomainController{}, false
		}
		f = m.forests[m.nextIndex]
		m.nextIndex++
		m.mu.Unlock()

		dc, ok = m.probeControllers(ctx, f)
		if ok {
			return f, dc, true
		}
		m.Log.Info("No reachable domain controller, skipping forest", "forest", f.ObjectGUID)
	}
}

// probeControllers tries every controller of the forest in stored order,
// which is primary-first. The DNS name returned by the first successful
// probe is persisted when it differs from the stored one because the sync
// context table keys on it.
func (m *Manager) probeControllers(ctx context.Context, f adtypes.Forest) (adtypes.DomainController, bool) {
	for _, dc := range f.DomainControllers {
		dnsName, err := m.prober.Probe(ctx, f.Credentials(dc))
		if err != nil {
			m.Log.Info("Domain controller is not accessible", "forest", f.ObjectGUID, "host", dc.Host, "reason", err.Error())
			continue
		}
		if dnsName != "" && dnsName != dc.DNSName {
			if err := m.store.SaveDomainControllerDNSName(ctx, f.ObjectGUID, dc.Host, dnsName); err != nil {
				m.Log.Error(err, "Cannot persist domain controller DNS name", "host", dc.Host)
			} else {
				m.rememberDNSName(f.ObjectGUID, dc.Host, dnsName)
			}
			dc.DNSName = dnsName
		}
		return dc, true
	}
	return adtypes.DomainController{}, false
}

func (m *Manager) rememberDNSName(forestGUID, host, dnsName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.forests {
		if m.forests[i].ObjectGUID != forestGUID {
			continue
		}
		for j := range m.forests[i].DomainControllers {
			if m.forests[i].DomainControllers[j].Host == host {
				m.forests[i].DomainControllers[j].DNSName = dnsName
			}
		}
	}
}

// SaveForests diffs the incoming configuration against the loaded one and
// replays the diff on the store in a single transaction. The in-memory list
// is replaced only after the transaction commits, so a failed apply leaves
// both the database and the iteration state untouched.
func (m *Manager) SaveForests(ctx context.Context, current []adtypes.Forest) ([]ForestWithChange, error) {
	kept := []adtypes.Forest{}
	for i := range current {
		if err := current[i].Validate(); err != nil {
			m.Log.Error(err, "Rejecting invalid forest", "forest", current[i].ObjectGUID)
			continue
		}
		kept = append(kept, current[i])
	}

	m.mu.Lock()
	previous := make([]adtypes.Forest, len(m.forests))
	copy(previous, m.forests)
	m.mu.Unlock()

	changes := Compare(previous, kept)
	if len(changes) == 0 {
		return nil, nil
	}

	err := m.store.InForestTransaction(ctx, "update AD forests", func(tx ForestTx) error {
		for _, fc := range changes {
			if err := applyForestChange(tx, fc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot update AD forests")
	}

	m.mu.Lock()
	for i := range kept {
		kept[i].SortControllersByPrimary()
	}
	m.forests = kept
	m.nextIndex = 0
	m.mu.Unlock()
	return changes, nil
}

func applyForestChange(tx ForestTx, fc ForestWithChange) error {
	switch {
	case fc.Changes.Has(Added):
		if err := tx.InsertForest(fc.Forest); err != nil {
			return err
		}
		for _, dc := range fc.Forest.DomainControllers {
			if err := tx.InsertDomainController(fc.Forest.ObjectGUID, dc); err != nil {
				return err
			}
		}
		return nil
	case fc.Changes.Has(Deleted):
		// Controller rows go first to keep the membership table consistent.
		for _, dcc := range fc.DCChanges {
			if err := tx.DeleteDomainController(fc.Forest.ObjectGUID, dcc.DomainController.Host); err != nil {
				return err
			}
		}
		return tx.DeleteForest(fc.Forest.ObjectGUID)
	}

	if fc.Changes.Has(CredentialsChanged) || fc.Changes.Has(SyncGroupChanged) {
		if err := tx.UpdateForest(fc.Forest); err != nil {
			return err
		}
	}
	if fc.Changes.Has(SyncGroupChanged) {
		// The stored watermark refers to a scan rooted at the old group;
		// dropping it forces a full re-scan rooted at the new one.
		if err := tx.DeleteSyncContextsOfForest(fc.Forest.ObjectGUID); err != nil {
			return err
		}
	}
	for _, dcc := range fc.DCChanges {
		var err error
		switch dcc.Kind {
		case DCAdded:
			err = tx.InsertDomainController(fc.Forest.ObjectGUID, dcc.DomainController)
		case DCDeleted:
			err = tx.DeleteDomainController(fc.Forest.ObjectGUID, dcc.DomainController.Host)
		case DCPrimaryChanged:
			err = tx.UpdateDomainController(fc.Forest.ObjectGUID, dcc.DomainController)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Reset drops the in-memory list. Load must run again before the next
// sync cycle.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forests = nil
	m.nextIndex = 0
}
