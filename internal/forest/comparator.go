// Package forest owns the configured forest set: diffing a new
// configuration against the previous one, applying the diff to the store
// in a single transaction, and iterating forests with a reachable domain
// controller for the sync monitor.
package forest

import (
	"strings"

	"github.com/scimbridge/adsync/internal/adtypes"
)

// Change is a bit mask describing how a forest differs between the
// previous and the current configuration.
type Change int

const (
	NotChanged Change = 0
	Added      Change = 1 << iota
	Deleted
	CredentialsChanged
	SyncGroupChanged
	DomainControllerAdded
	DomainControllerChanged
	DomainControllerDeleted
)

func (c Change) Has(mask Change) bool { return c&mask == mask }

func (c Change) String() string {
	if c == NotChanged {
		return "NotChanged"
	}
	names := []struct {
		bit  Change
		name string
	}{
		{Added, "Added"},
		{Deleted, "Deleted"},
		{CredentialsChanged, "CredentialsChanged"},
		{SyncGroupChanged, "SyncGroupChanged"},
		{DomainControllerAdded, "DomainControllerAdded"},
		{DomainControllerChanged, "DomainControllerChanged"},
		{DomainControllerDeleted, "DomainControllerDeleted"},
	}
	parts := []string{}
	for _, n := range names {
		if c.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, " ")
}

// DCChangeKind describes what happened to a single domain controller.
type DCChangeKind int

const (
	DCAdded DCChangeKind = iota
	DCDeleted
	DCPrimaryChanged
)

type DCChange struct {
	DomainController adtypes.DomainController
	Kind             DCChangeKind
}

// ForestWithChange pairs a forest with its change mask and per-controller
// changes. For Deleted the forest is the previous one, otherwise the
// current one.
type ForestWithChange struct {
	Forest    adtypes.Forest
	Changes   Change
	DCChanges []DCChange
}

// Compare diffs the previous forest set against the current one and
// returns the change list the store apply replays. Forests match by
// objectGuid, controllers by host. Current forests are visited in input
// order, then the survivors of the previous set are enumerated as
// deletions.
func Compare(previous, current []adtypes.Forest) []ForestWithChange {
	changes := []ForestWithChange{}
	prevMap := toForestMap(previous)

	for _, cur := range current {
		prev := prevMap[cur.ObjectGUID]
		fc := ForestWithChange{Forest: cur}
		fc.Changes = compareOne(prev, cur, &fc.DCChanges)
		if fc.Changes != NotChanged {
			changes = append(changes, fc)
		}
		delete(prevMap, cur.ObjectGUID)
	}

	// Whatever is left in prevMap only existed in the previous set. Iterate
	// the original slice to keep the output deterministic.
	for _, prev := range previous {
		if _, ok := prevMap[prev.ObjectGUID]; !ok {
			continue
		}
		fc := ForestWithChange{Forest: prev, Changes: Deleted}
		for _, dc := range prev.DomainControllers {
			fc.DCChanges = append(fc.DCChanges, DCChange{DomainController: dc, Kind: DCDeleted})
		}
		if len(fc.DCChanges) > 0 {
			fc.Changes |= DomainControllerDeleted
		}
		changes = append(changes, fc)
	}
	return changes
}

func compareOne(prev, cur adtypes.Forest, dcChanges *[]DCChange) Change {
	ret := NotChanged
	if prev.IsEmpty() {
		ret = Added
	} else {
		if prev.UserName != cur.UserName || prev.Password != cur.Password {
			ret |= CredentialsChanged
		}
		if prev.SyncGroup != cur.SyncGroup {
			ret |= SyncGroupChanged
		}
	}

	prevDCs := toDCMap(prev.DomainControllers)
	for _, dc := range cur.DomainControllers {
		if dc.Host == "" {
			continue
		}
		if prevDC, ok := prevDCs[dc.Host]; ok {
			if prevDC.IsPrimary != dc.IsPrimary {
				*dcChanges = append(*dcChanges, DCChange{DomainController: dc, Kind: DCPrimaryChanged})
				ret |= DomainControllerChanged
			}
			delete(prevDCs, dc.Host)
		} else {
			*dcChanges = append(*dcChanges, DCChange{DomainController: dc, Kind: DCAdded})
			ret |= DomainControllerAdded
		}
	}

	for _, dc := range prev.DomainControllers {
		if _, ok := prevDCs[dc.Host]; !ok || dc.Host == "" {
			continue
		}
		*dcChanges = append(*dcChanges, DCChange{DomainController: dc, Kind: DCDeleted})
		ret |= DomainControllerDeleted
	}
	return ret
}

func toForestMap(forests []adtypes.Forest) map[string]adtypes.Forest {
	m := map[string]adtypes.Forest{}
	for _, f := range forests {
		m[f.ObjectGUID] = f
	}
	return m
}

func toDCMap(dcs []adtypes.DomainController) map[string]adtypes.DomainController {
	m := map[string]adtypes.DomainController{}
	for _, dc := range dcs {
		m[dc.Host] = dc
	}
	return m
}
