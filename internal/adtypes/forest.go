package adtypes

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Credentials authenticate a bind against a single directory host.
type Credentials struct {
	UserName string
	Password string
	Host     string
}

// DomainController is one reachable endpoint of a forest. DNSName is
// resolved lazily on the first successful reachability probe and persisted,
// because the sync context table keys on it.
type DomainController struct {
	Host      string
	DNSName   string
	IsPrimary bool
}

// Forest is the configuration unit: service account credentials, the name
// of the main sync group, and an ordered list of domain controllers of
// which exactly one is primary.
type Forest struct {
	ObjectGUID        string
	UserName          string
	Password          string
	SyncGroup         string
	DomainControllers []DomainController
}

// Validate enforces the invariants the configuration UI should already have
// enforced; invalid forests are dropped with a fatal event at load time.
func (f *Forest) Validate() error {
	if f.ObjectGUID == "" {
		return errors.New("forest has empty objectGuid")
	}
	if len(f.DomainControllers) == 0 {
		return errors.Errorf("forest %s has no domain controllers", f.ObjectGUID)
	}
	primaries := 0
	seen := map[string]bool{}
	for _, dc := range f.DomainControllers {
		if dc.Host == "" {
			return errors.Errorf("forest %s has a domain controller with empty host", f.ObjectGUID)
		}
		if seen[dc.Host] {
			return errors.Errorf("forest %s has duplicate domain controller host %q", f.ObjectGUID, dc.Host)
		}
		seen[dc.Host] = true
		if dc.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return errors.Errorf("forest %s must have exactly one primary domain controller, got %d", f.ObjectGUID, primaries)
	}
	return nil
}

func (f *Forest) IsEmpty() bool {
	return f.ObjectGUID == ""
}

// PrimaryController returns the primary DC; ties are broken by input order
// so the first primary wins.
func (f *Forest) PrimaryController() DomainController {
	for _, dc := range f.DomainControllers {
		if dc.IsPrimary {
			return dc
		}
	}
	if len(f.DomainControllers) > 0 {
		return f.DomainControllers[0]
	}
	return DomainController{}
}

// SortControllersByPrimary orders controllers primary-first, preserving the
// stored order among the additional ones. This is the iteration order the
// DC manager probes in.
func (f *Forest) SortControllersByPrimary() {
	sort.SliceStable(f.DomainControllers, func(i, j int) bool {
		return f.DomainControllers[i].IsPrimary && !f.DomainControllers[j].IsPrimary
	})
}

// Credentials returns bind credentials against the given controller.
func (f *Forest) Credentials(dc DomainController) Credentials {
	return Credentials{UserName: f.UserName, Password: f.Password, Host: dc.Host}
}

// ToMap and FromMap preserve the wire shape of the original variant-map
// configuration payloads.

func (dc DomainController) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"host":      dc.Host,
		"dnsName":   dc.DNSName,
		"isPrimary": dc.IsPrimary,
	}
}

func DomainControllerFromMap(m map[string]interface{}) DomainController {
	return DomainController{
		Host:      mapString(m, "host"),
		DNSName:   mapString(m, "dnsName"),
		IsPrimary: mapBool(m, "isPrimary"),
	}
}

func (f *Forest) ToMap() map[string]interface{} {
	dcs := make([]interface{}, 0, len(f.DomainControllers))
	for _, dc := range f.DomainControllers {
		dcs = append(dcs, dc.ToMap())
	}
	return map[string]interface{}{
		"objectGuid":        f.ObjectGUID,
		"userName":          f.UserName,
		"password":          f.Password,
		"syncGroup":         f.SyncGroup,
		"domainControllers": dcs,
	}
}

func ForestFromMap(m map[string]interface{}) Forest {
	f := Forest{
		ObjectGUID: mapString(m, "objectGuid"),
		UserName:   mapString(m, "userName"),
		Password:   mapString(m, "password"),
		SyncGroup:  mapString(m, "syncGroup"),
	}
	if list, ok := m["domainControllers"].([]interface{}); ok {
		for _, item := range list {
			if dm, ok := item.(map[string]interface{}); ok {
				f.DomainControllers = append(f.DomainControllers, DomainControllerFromMap(dm))
			}
		}
	}
	return f
}

// SyncContext anchors delta syncs for one (forest, controller) pair. An
// empty HighestCommittedUSN means the pair never completed a sync; a
// changed InvocationID invalidates the watermark entirely.
type SyncContext struct {
	ForestGUID          string
	DCHost              string
	InvocationID        string
	HighestCommittedUSN string
	LastFullSync        time.Time
	DCDNSName           string
}

// NeedsFullSync reports whether the calendar-day rule forces a full pass:
// never synced, or the last full sync happened on a different day.
func (c *SyncContext) NeedsFullSync(now time.Time) bool {
	if c.LastFullSync.IsZero() {
		return true
	}
	return c.LastFullSync.Day() != now.Day()
}

func mapString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
