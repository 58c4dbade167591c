package store

import (
	"context"
	"database/sql"

	"github.com/scimbridge/adsync/internal/adtypes"
)

type syncContextRow struct {
	ForestGUID          string       `db:"forest_guid"`
	DCHost              string       `db:"dc_host"`
	InvocationID        string       `db:"invocation_id"`
	HighestCommittedUSN string       `db:"highest_committed_usn"`
	LastFullSync        sql.NullTime `db:"last_full_sync"`
	DCDNSName           string       `db:"dc_dns_name"`
}

func (r syncContextRow) toSyncContext() adtypes.SyncContext {
	sc := adtypes.SyncContext{
		ForestGUID:          r.ForestGUID,
		DCHost:              r.DCHost,
		InvocationID:        r.InvocationID,
		HighestCommittedUSN: r.HighestCommittedUSN,
		DCDNSName:           r.DCDNSName,
	}
	if r.LastFullSync.Valid {
		sc.LastFullSync = r.LastFullSync.Time
	}
	return sc
}

// SelectSyncContext loads the watermark of one (forest, controller) pair.
func (s *Store) SelectSyncContext(ctx context.Context, forestGUID, dcHost string) (adtypes.SyncContext, bool, error) {
	var row syncContextRow
	err := s.db.GetContext(ctx, &row,
		`SELECT forest_guid, dc_host, invocation_id, highest_committed_usn, last_full_sync, dc_dns_name
		 FROM active_directory_sync_context WHERE forest_guid = ? AND dc_host = ?`,
		forestGUID, dcHost)
	if err == sql.ErrNoRows {
		return adtypes.SyncContext{}, false, nil
	}
	if err != nil {
		return adtypes.SyncContext{}, false, err
	}
	return row.toSyncContext(), true, nil
}

// SaveSyncContext upserts the watermark. Callers only do this after a sync
// cycle processed everything up to the new USN, otherwise deltas would skip
// entries.
func (s *Store) SaveSyncContext(ctx context.Context, sc adtypes.SyncContext) error {
	lastFull := sql.NullTime{Time: sc.LastFullSync, Valid: !sc.LastFullSync.IsZero()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_directory_sync_context
			(forest_guid, dc_host, invocation_id, highest_committed_usn, last_full_sync, dc_dns_name)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (forest_guid, dc_host) DO UPDATE SET
			invocation_id = excluded.invocation_id,
			highest_committed_usn = excluded.highest_committed_usn,
			last_full_sync = excluded.last_full_sync,
			dc_dns_name = excluded.dc_dns_name`,
		sc.ForestGUID, sc.DCHost, sc.InvocationID, sc.HighestCommittedUSN, lastFull, sc.DCDNSName)
	return err
}

// ClearLastFullSyncTimes forces a full pass on every pair at the next
// cycle. Toggling avatar support on uses this to backfill photos.
func (s *Store) ClearLastFullSyncTimes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_sync_context SET last_full_sync = NULL, highest_committed_usn = ''`)
	return err
}
