package store

import (
	"context"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/scimbridge/adsync/internal/adtypes"
	"github.com/scimbridge/adsync/internal/forest"
)

// notPresentLit inlines the NotPresent status into statements that take a
// single positional argument each.
var notPresentLit = strconv.Itoa(int(adtypes.StatusNotPresent))

type forestRow struct {
	ObjectGUID string `db:"object_guid"`
	UserName   string `db:"user_name"`
	Password   string `db:"password"`
	SyncGroup  string `db:"sync_group"`
}

type dcRow struct {
	ForestGUID string `db:"forest_guid"`
	Host       string `db:"host"`
	DNSName    string `db:"dns_name"`
	IsPrimary  bool   `db:"is_primary"`
}

// SelectForests loads the configured forests with their controllers.
func (s *Store) SelectForests(ctx context.Context) ([]adtypes.Forest, error) {
	var frows []forestRow
	if err := s.db.SelectContext(ctx, &frows,
		`SELECT object_guid, user_name, password, sync_group
		 FROM active_directory_forest ORDER BY object_guid`); err != nil {
		return nil, err
	}
	var dcrows []dcRow
	if err := s.db.SelectContext(ctx, &dcrows,
		`SELECT forest_guid, host, dns_name, is_primary
		 FROM active_directory_forest_dc_membership ORDER BY forest_guid, host`); err != nil {
		return nil, err
	}

	byForest := map[string][]adtypes.DomainController{}
	for _, r := range dcrows {
		byForest[r.ForestGUID] = append(byForest[r.ForestGUID], adtypes.DomainController{
			Host:      r.Host,
			DNSName:   r.DNSName,
			IsPrimary: r.IsPrimary,
		})
	}
	forests := make([]adtypes.Forest, 0, len(frows))
	for _, r := range frows {
		forests = append(forests, adtypes.Forest{
			ObjectGUID:        r.ObjectGUID,
			UserName:          r.UserName,
			Password:          r.Password,
			SyncGroup:         r.SyncGroup,
			DomainControllers: byForest[r.ObjectGUID],
		})
	}
	return forests, nil
}

// SaveDomainControllerDNSName persists the DNS name resolved on the first
// successful reachability probe.
func (s *Store) SaveDomainControllerDNSName(ctx context.Context, forestGUID, host, dnsName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_forest_dc_membership SET dns_name = ?
		 WHERE forest_guid = ? AND host = ?`, dnsName, forestGUID, host)
	return err
}

// forestTx adapts a transaction to the apply surface of the forest manager.
type forestTx struct {
	ctx context.Context
	tx  *sqlx.Tx
}

var _ forest.ForestTx = forestTx{}

// InForestTransaction runs a forest configuration apply transactionally.
func (s *Store) InForestTransaction(ctx context.Context, label string, fn func(tx forest.ForestTx) error) error {
	return s.InTransaction(ctx, label, func(tx *sqlx.Tx) error {
		return fn(forestTx{ctx: ctx, tx: tx})
	})
}

func (t forestTx) InsertForest(f adtypes.Forest) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO active_directory_forest (object_guid, user_name, password, sync_group)
		 VALUES (?, ?, ?, ?)`, f.ObjectGUID, f.UserName, f.Password, f.SyncGroup)
	return err
}

func (t forestTx) UpdateForest(f adtypes.Forest) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE active_directory_forest SET user_name = ?, password = ?, sync_group = ?
		 WHERE object_guid = ?`, f.UserName, f.Password, f.SyncGroup, f.ObjectGUID)
	return err
}

// DeleteForest removes the forest row together with its sync watermarks.
// Cached users and subgroups of the forest become pending deletions for
// the pusher; main group rows are removed outright because no cycle will
// ever confirm or push them again.
func (t forestTx) DeleteForest(forestGUID string) error {
	stmts := []string{
		`UPDATE active_directory_user
		 SET is_deleted = 1, is_sent_to_webserver = 0, status = ` + notPresentLit + `
		 WHERE forest_guid = ? AND is_deleted = 0`,
		`UPDATE active_directory_group
		 SET is_deleted = 1, is_sent_to_webserver = 0, status = ` + notPresentLit + `
		 WHERE forest_guid = ? AND is_main_group = 0 AND is_deleted = 0`,
		`DELETE FROM active_directory_group WHERE forest_guid = ? AND is_main_group = 1`,
		`DELETE FROM active_directory_sync_context WHERE forest_guid = ?`,
		`DELETE FROM active_directory_forest WHERE object_guid = ?`,
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(t.ctx, stmt, forestGUID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSyncContextsOfForest drops the forest's sync watermarks. The next
// cycle sees no context and runs a full scan.
func (t forestTx) DeleteSyncContextsOfForest(forestGUID string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM active_directory_sync_context WHERE forest_guid = ?`, forestGUID)
	return err
}

func (t forestTx) InsertDomainController(forestGUID string, dc adtypes.DomainController) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO active_directory_forest_dc_membership (forest_guid, host, dns_name, is_primary)
		 VALUES (?, ?, ?, ?)`, forestGUID, dc.Host, dc.DNSName, dc.IsPrimary)
	return err
}

func (t forestTx) UpdateDomainController(forestGUID string, dc adtypes.DomainController) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE active_directory_forest_dc_membership SET dns_name = ?, is_primary = ?
		 WHERE forest_guid = ? AND host = ?`, dc.DNSName, dc.IsPrimary, forestGUID, dc.Host)
	return err
}

func (t forestTx) DeleteDomainController(forestGUID, host string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM active_directory_sync_context WHERE forest_guid = ? AND dc_host = ?`,
		forestGUID, host); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM active_directory_forest_dc_membership WHERE forest_guid = ? AND host = ?`,
		forestGUID, host)
	return err
}
