package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/scimbridge/adsync/internal/adtypes"
)

type groupRow struct {
	ObjectGUID        string `db:"object_guid"`
	ForestGUID        string `db:"forest_guid"`
	DistinguishedName string `db:"distinguished_name"`
	CN                string `db:"cn"`
	AccountName       string `db:"account_name"`
	USNChanged        string `db:"usn_changed"`
	IsDeleted         bool   `db:"is_deleted"`
	ValidState        int    `db:"valid_state"`
	QliqID            string `db:"qliq_id"`
	IsSentToWebserver bool   `db:"is_sent_to_webserver"`
	WebserverError    int    `db:"webserver_error"`
	Status            int    `db:"status"`
	IsMainGroup       bool   `db:"is_main_group"`
}

const groupColumns = `object_guid, forest_guid, distinguished_name, cn, account_name,
	usn_changed, is_deleted, valid_state, qliq_id, is_sent_to_webserver, webserver_error,
	status, is_main_group`

// groupColumnsQualified prefixes every group column with a table alias for
// joined selects.
func groupColumnsQualified(alias string) string {
	parts := strings.Split(groupColumns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func groupToRow(g adtypes.DbGroup) groupRow {
	return groupRow{
		ObjectGUID:        g.ObjectGUID,
		ForestGUID:        g.ForestGUID,
		DistinguishedName: g.DistinguishedName,
		CN:                g.CN,
		AccountName:       g.AccountName,
		USNChanged:        g.USNChanged,
		IsDeleted:         g.IsDeleted,
		ValidState:        validStateOrDefault(g.ValidState),
		QliqID:            g.QliqID,
		IsSentToWebserver: g.IsSentToWebserver,
		WebserverError:    g.WebserverError,
		Status:            int(g.Status),
		IsMainGroup:       g.IsMainGroup,
	}
}

func rowToGroup(r groupRow) adtypes.DbGroup {
	g := adtypes.DbGroup{
		ForestGUID:        r.ForestGUID,
		QliqID:            r.QliqID,
		IsSentToWebserver: r.IsSentToWebserver,
		WebserverError:    r.WebserverError,
		Status:            adtypes.Status(r.Status),
		IsMainGroup:       r.IsMainGroup,
	}
	g.ObjectGUID = r.ObjectGUID
	g.DistinguishedName = r.DistinguishedName
	g.CN = r.CN
	g.AccountName = r.AccountName
	g.USNChanged = r.USNChanged
	g.IsDeleted = r.IsDeleted
	g.ValidState = r.ValidState
	return g
}

// UpsertGroup inserts or fully replaces the cached group row.
func (s *Store) UpsertGroup(ctx context.Context, g adtypes.DbGroup) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO active_directory_group (`+groupColumns+`) VALUES
			(:object_guid, :forest_guid, :distinguished_name, :cn, :account_name,
			 :usn_changed, :is_deleted, :valid_state, :qliq_id, :is_sent_to_webserver,
			 :webserver_error, :status, :is_main_group)`,
		groupToRow(g))
	return err
}

// SelectGroup loads one group by GUID.
func (s *Store) SelectGroup(ctx context.Context, objectGUID string) (adtypes.DbGroup, bool, error) {
	var row groupRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+groupColumns+` FROM active_directory_group WHERE object_guid = ?`, objectGUID)
	if err == sql.ErrNoRows {
		return adtypes.DbGroup{}, false, nil
	}
	if err != nil {
		return adtypes.DbGroup{}, false, err
	}
	return rowToGroup(row), true, nil
}

// SelectGroupByDN resolves a memberOf distinguished name against the cache.
func (s *Store) SelectGroupByDN(ctx context.Context, distinguishedName string) (adtypes.DbGroup, bool, error) {
	var row groupRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+groupColumns+` FROM active_directory_group WHERE distinguished_name = ?`,
		distinguishedName)
	if err == sql.ErrNoRows {
		return adtypes.DbGroup{}, false, nil
	}
	if err != nil {
		return adtypes.DbGroup{}, false, err
	}
	return rowToGroup(row), true, nil
}

// SelectGroupsOfForest lists the cached groups of a forest. The monitor
// uses the stored uSNChanged values to short-circuit unchanged subgroups.
func (s *Store) SelectGroupsOfForest(ctx context.Context, forestGUID string) ([]adtypes.DbGroup, error) {
	var rows []groupRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+groupColumns+` FROM active_directory_group
		 WHERE forest_guid = ? ORDER BY object_guid`, forestGUID)
	if err != nil {
		return nil, err
	}
	groups := make([]adtypes.DbGroup, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, rowToGroup(r))
	}
	return groups, nil
}

// SetStatusForPresentGroupsOfForest mirrors the user variant.
func (s *Store) SetStatusForPresentGroupsOfForest(ctx context.Context, forestGUID string, status adtypes.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group SET status = ?
		 WHERE forest_guid = ? AND status IN (?, ?)`,
		int(status), forestGUID, int(adtypes.StatusPresent), int(adtypes.StatusPresentInOtherGroups))
	return err
}

// SetGroupStatus updates the status of a single group.
func (s *Store) SetGroupStatus(ctx context.Context, objectGUID string, status adtypes.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group SET status = ? WHERE object_guid = ?`,
		int(status), objectGUID)
	return err
}

// MarkResidualGroupsOfForest turns unconfirmed groups into pending
// deletions and returns the count. The main group is exempt; losing it
// aborts the forest sync instead.
func (s *Store) MarkResidualGroupsOfForest(ctx context.Context, forestGUID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group
		 SET status = ?, is_deleted = 1, is_sent_to_webserver = 0
		 WHERE forest_guid = ? AND status = ? AND is_main_group = 0`,
		int(adtypes.StatusNotPresent), forestGUID, int(adtypes.StatusUnknown))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUnsentNotPresentGroups mirrors the user variant for the anomaly
// detector.
func (s *Store) CountUnsentNotPresentGroups(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM active_directory_group
		 WHERE status = ? AND is_sent_to_webserver = 0`, int(adtypes.StatusNotPresent))
	return n, err
}

// CountPresentGroupsOfForest is the base of the group percentage threshold.
func (s *Store) CountPresentGroupsOfForest(ctx context.Context, forestGUID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM active_directory_group
		 WHERE forest_guid = ? AND status IN (?, ?, ?)`,
		forestGUID, int(adtypes.StatusPresent), int(adtypes.StatusPresentInOtherGroups),
		int(adtypes.StatusUnknown))
	return n, err
}

// SelectOneGroupNotSentToWebserver returns the oldest unsent group past the
// skip cursor. Groups are pushed before users so memberships resolve.
func (s *Store) SelectOneGroupNotSentToWebserver(ctx context.Context, skip int) (adtypes.DbGroup, bool, error) {
	var row groupRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+groupColumns+` FROM active_directory_group
		 WHERE is_sent_to_webserver = 0
		 ORDER BY rowid LIMIT 1 OFFSET ?`, skip)
	if err == sql.ErrNoRows {
		return adtypes.DbGroup{}, false, nil
	}
	if err != nil {
		return adtypes.DbGroup{}, false, err
	}
	return rowToGroup(row), true, nil
}

// SetGroupPushState records the outcome of a push attempt.
func (s *Store) SetGroupPushState(ctx context.Context, objectGUID, qliqID string, sent bool, webserverError int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group
		 SET qliq_id = ?, is_sent_to_webserver = ?, webserver_error = ?
		 WHERE object_guid = ?`, qliqID, sent, webserverError, objectGUID)
	return err
}

// SetGroupValidState mirrors SetUserValidState for groups.
func (s *Store) SetGroupValidState(ctx context.Context, objectGUID string, validState int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group SET valid_state = ? WHERE object_guid = ?`,
		validState, objectGUID)
	return err
}

// SetGroupUSNChanged commits the new watermark of a group. The monitor
// writes it only after the member enumeration of the group succeeded.
func (s *Store) SetGroupUSNChanged(ctx context.Context, objectGUID, usnChanged string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group SET usn_changed = ? WHERE object_guid = ?`,
		usnChanged, objectGUID)
	return err
}

// CountUnsentGroups sizes the group side of the push backlog.
func (s *Store) CountUnsentGroups(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM active_directory_group WHERE is_sent_to_webserver = 0`)
	return n, err
}

// MarkGroupCloudDeleted mirrors the user quarantine for groups.
func (s *Store) MarkGroupCloudDeleted(ctx context.Context, objectGUID string, webserverError int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group
		 SET is_deleted = 1, qliq_id = '', is_sent_to_webserver = 1, webserver_error = ?
		 WHERE object_guid = ?`, webserverError, objectGUID)
	return err
}

// ClearGroupWebserverErrorsNotIn resets transient push errors on groups.
func (s *Store) ClearGroupWebserverErrorsNotIn(ctx context.Context, permanent []int) error {
	if len(permanent) == 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE active_directory_group SET webserver_error = 0 WHERE webserver_error <> 0`)
		return err
	}
	query, args, err := sqlx.In(
		`UPDATE active_directory_group SET webserver_error = 0
		 WHERE webserver_error <> 0 AND webserver_error NOT IN (?)`, permanent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// MarkSubgroupsDeleted queues every subgroup for removal from the cloud
// and returns how many it hit. Turning the subgroup feature off uses this.
func (s *Store) MarkSubgroupsDeleted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group
		 SET is_deleted = 1, is_sent_to_webserver = 0
		 WHERE is_main_group = 0 AND is_deleted = 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RestoreSubgroups undeletes subgroups after the feature is turned back on.
// The next sync confirms which of them still exist in the directory.
func (s *Store) RestoreSubgroups(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_group
		 SET is_deleted = 0, is_sent_to_webserver = 0
		 WHERE is_main_group = 0 AND is_deleted = 1`)
	return err
}

// DeleteGroup removes a group together with its membership rows.
func (s *Store) DeleteGroup(ctx context.Context, objectGUID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM active_directory_user_group_membership WHERE group_guid = ?`, objectGUID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM active_directory_group WHERE object_guid = ?`, objectGUID)
	return err
}
