package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/scimbridge/adsync/internal/adtypes"
)

type userRow struct {
	ObjectGUID         string `db:"object_guid"`
	ForestGUID         string `db:"forest_guid"`
	DistinguishedName  string `db:"distinguished_name"`
	CN                 string `db:"cn"`
	AccountName        string `db:"account_name"`
	UserPrincipalName  string `db:"user_principal_name"`
	GivenName          string `db:"given_name"`
	MiddleName         string `db:"middle_name"`
	Surname            string `db:"surname"`
	DisplayName        string `db:"display_name"`
	Mail               string `db:"mail"`
	TelephoneNumber    string `db:"telephone_number"`
	Mobile             string `db:"mobile"`
	Title              string `db:"title"`
	EmployeeNumber     string `db:"employee_number"`
	Organization       string `db:"organization"`
	Division           string `db:"division"`
	Department         string `db:"department"`
	UserAccountControl uint32 `db:"user_account_control"`
	PwdLastSet         string `db:"pwd_last_set"`
	USNChanged         string `db:"usn_changed"`
	AvatarMD5          string `db:"avatar_md5"`
	IsDeleted          bool   `db:"is_deleted"`
	ValidState         int    `db:"valid_state"`
	QliqID             string `db:"qliq_id"`
	IsSentToWebserver  bool   `db:"is_sent_to_webserver"`
	WebserverError     int    `db:"webserver_error"`
	Status             int    `db:"status"`
}

const userColumns = `object_guid, forest_guid, distinguished_name, cn, account_name,
	user_principal_name, given_name, middle_name, surname, display_name, mail,
	telephone_number, mobile, title, employee_number, organization, division,
	department, user_account_control, pwd_last_set, usn_changed, avatar_md5,
	is_deleted, valid_state, qliq_id, is_sent_to_webserver, webserver_error, status`

func userToRow(u adtypes.DbUser) userRow {
	return userRow{
		ObjectGUID:         u.ObjectGUID,
		ForestGUID:         u.ForestGUID,
		DistinguishedName:  u.DistinguishedName,
		CN:                 u.CN,
		AccountName:        u.AccountName,
		UserPrincipalName:  u.UserPrincipalName,
		GivenName:          u.GivenName,
		MiddleName:         u.MiddleName,
		Surname:            u.Surname,
		DisplayName:        u.DisplayName,
		Mail:               u.Mail,
		TelephoneNumber:    u.TelephoneNumber,
		Mobile:             u.Mobile,
		Title:              u.Title,
		EmployeeNumber:     u.EmployeeNumber,
		Organization:       u.Organization,
		Division:           u.Division,
		Department:         u.Department,
		UserAccountControl: u.UserAccountControl,
		PwdLastSet:         u.PwdLastSet,
		USNChanged:         u.USNChanged,
		AvatarMD5:          u.AvatarMD5,
		IsDeleted:          u.IsDeleted,
		ValidState:         validStateOrDefault(u.ValidState),
		QliqID:             u.QliqID,
		IsSentToWebserver:  u.IsSentToWebserver,
		WebserverError:     u.WebserverError,
		Status:             int(u.Status),
	}
}

func rowToUser(r userRow) adtypes.DbUser {
	u := adtypes.DbUser{
		ForestGUID:        r.ForestGUID,
		QliqID:            r.QliqID,
		IsSentToWebserver: r.IsSentToWebserver,
		WebserverError:    r.WebserverError,
		Status:            adtypes.Status(r.Status),
	}
	u.ObjectGUID = r.ObjectGUID
	u.DistinguishedName = r.DistinguishedName
	u.CN = r.CN
	u.AccountName = r.AccountName
	u.UserPrincipalName = r.UserPrincipalName
	u.GivenName = r.GivenName
	u.MiddleName = r.MiddleName
	u.Surname = r.Surname
	u.DisplayName = r.DisplayName
	u.Mail = r.Mail
	u.TelephoneNumber = r.TelephoneNumber
	u.Mobile = r.Mobile
	u.Title = r.Title
	u.EmployeeNumber = r.EmployeeNumber
	u.Organization = r.Organization
	u.Division = r.Division
	u.Department = r.Department
	u.UserAccountControl = r.UserAccountControl
	u.PwdLastSet = r.PwdLastSet
	u.USNChanged = r.USNChanged
	u.AvatarMD5 = r.AvatarMD5
	u.IsDeleted = r.IsDeleted
	u.ValidState = r.ValidState
	return u
}

// validStateOrDefault keeps rows written before the entity was validated
// from being stored as invalid.
func validStateOrDefault(v int) int {
	if v == 0 {
		return adtypes.ValidStateValid
	}
	return v
}

// UpsertUser inserts or fully replaces the cached user row.
func (s *Store) UpsertUser(ctx context.Context, u adtypes.DbUser) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO active_directory_user (`+userColumns+`) VALUES
			(:object_guid, :forest_guid, :distinguished_name, :cn, :account_name,
			 :user_principal_name, :given_name, :middle_name, :surname, :display_name, :mail,
			 :telephone_number, :mobile, :title, :employee_number, :organization, :division,
			 :department, :user_account_control, :pwd_last_set, :usn_changed, :avatar_md5,
			 :is_deleted, :valid_state, :qliq_id, :is_sent_to_webserver, :webserver_error, :status)`,
		userToRow(u))
	return err
}

// SelectUser loads one user by GUID.
func (s *Store) SelectUser(ctx context.Context, objectGUID string) (adtypes.DbUser, bool, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+userColumns+` FROM active_directory_user WHERE object_guid = ?`, objectGUID)
	if err == sql.ErrNoRows {
		return adtypes.DbUser{}, false, nil
	}
	if err != nil {
		return adtypes.DbUser{}, false, err
	}
	return rowToUser(row), true, nil
}

// SelectUserByUPN resolves a login name to the cached user. DN based
// authentication uses it to bind with the distinguished name instead of
// the userPrincipalName.
func (s *Store) SelectUserByUPN(ctx context.Context, upn string) (adtypes.DbUser, bool, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+userColumns+` FROM active_directory_user WHERE user_principal_name = ? AND is_deleted = 0`, upn)
	if err == sql.ErrNoRows {
		return adtypes.DbUser{}, false, nil
	}
	if err != nil {
		return adtypes.DbUser{}, false, err
	}
	return rowToUser(row), true, nil
}

// SetStatusForPresentUsersOfForest moves every present user of the forest
// to the given status. The monitor runs this at the top of a full pass so
// that everyone unseen afterwards stands out.
func (s *Store) SetStatusForPresentUsersOfForest(ctx context.Context, forestGUID string, status adtypes.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_user SET status = ?
		 WHERE forest_guid = ? AND status IN (?, ?)`,
		int(status), forestGUID, int(adtypes.StatusPresent), int(adtypes.StatusPresentInOtherGroups))
	return err
}

// SetUserStatus updates the status of a single user.
func (s *Store) SetUserStatus(ctx context.Context, objectGUID string, status adtypes.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_user SET status = ? WHERE object_guid = ?`,
		int(status), objectGUID)
	return err
}

// SetStatusForMembersOfGroup moves every cached member of the group from
// one status to another. Members of a subgroup whose uSNChanged did not
// move are confirmed this way, without re-enumerating them from the
// directory.
func (s *Store) SetStatusForMembersOfGroup(ctx context.Context, groupGUID string, from, to adtypes.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_user SET status = ?
		 WHERE status = ? AND object_guid IN (
			SELECT user_guid FROM active_directory_user_group_membership WHERE group_guid = ?)`,
		int(to), int(from), groupGUID)
	return err
}

// MarkUsersDeleted flags the users as deleted and queues them for push.
// Rows already marked deleted are left alone so the tombstone scan does
// not inflate the deletion count.
func (s *Store) MarkUsersDeleted(ctx context.Context, objectGUIDs []string) (int64, error) {
	if len(objectGUIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`UPDATE active_directory_user
		 SET is_deleted = 1, is_sent_to_webserver = 0, status = ?
		 WHERE is_deleted = 0 AND object_guid IN (?)`, int(adtypes.StatusNotPresent), objectGUIDs)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkResidualUsersOfForest turns everyone still unconfirmed after a full
// pass into a pending deletion and returns how many users that hit.
func (s *Store) MarkResidualUsersOfForest(ctx context.Context, forestGUID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_user
		 SET status = ?, is_deleted = 1, is_sent_to_webserver = 0
		 WHERE forest_guid = ? AND status = ?`,
		int(adtypes.StatusNotPresent), forestGUID, int(adtypes.StatusUnknown))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUsersWithStatusOfForest counts users of the forest in the status.
func (s *Store) CountUsersWithStatusOfForest(ctx context.Context, forestGUID string, status adtypes.Status) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM active_directory_user WHERE forest_guid = ? AND status = ?`,
		forestGUID, int(status))
	return n, err
}

// CountPresentUsersOfForest counts the users the cloud currently believes
// in, which is the base of the percentage anomaly threshold.
func (s *Store) CountPresentUsersOfForest(ctx context.Context, forestGUID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM active_directory_user
		 WHERE forest_guid = ? AND status IN (?, ?, ?)`,
		forestGUID, int(adtypes.StatusPresent), int(adtypes.StatusPresentInOtherGroups),
		int(adtypes.StatusUnknown))
	return n, err
}

// CountUnsentNotPresentUsers counts pending deletions that have not reached
// the cloud yet, across all forests. The anomaly detector re-evaluates this
// on every cycle while an anomaly stands.
func (s *Store) CountUnsentNotPresentUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM active_directory_user
		 WHERE status = ? AND is_sent_to_webserver = 0`, int(adtypes.StatusNotPresent))
	return n, err
}

// CountUnsentNotPresentUsersOfForest counts the pending deletions of one
// forest. A forest with none never enters anomaly detection.
func (s *Store) CountUnsentNotPresentUsersOfForest(ctx context.Context, forestGUID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM active_directory_user
		 WHERE forest_guid = ? AND status = ? AND is_sent_to_webserver = 0`,
		forestGUID, int(adtypes.StatusNotPresent))
	return n, err
}

// SelectNotPresentUsersOfForest lists the pending deletions of a forest,
// for the anomaly report.
func (s *Store) SelectNotPresentUsersOfForest(ctx context.Context, forestGUID string, limit int) ([]adtypes.DbUser, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+userColumns+` FROM active_directory_user
		 WHERE forest_guid = ? AND status = ? AND is_sent_to_webserver = 0
		 ORDER BY cn LIMIT ?`,
		forestGUID, int(adtypes.StatusNotPresent), limit)
	if err != nil {
		return nil, err
	}
	users := make([]adtypes.DbUser, 0, len(rows))
	for _, r := range rows {
		users = append(users, rowToUser(r))
	}
	return users, nil
}

// SelectOneUserNotSentToWebserver returns the oldest unsent user, skipping
// the first skip rows. The pusher raises skip past rows that failed with a
// permanent error so one poisoned row cannot wedge the queue.
func (s *Store) SelectOneUserNotSentToWebserver(ctx context.Context, skip int) (adtypes.DbUser, bool, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+userColumns+` FROM active_directory_user
		 WHERE is_sent_to_webserver = 0
		 ORDER BY rowid LIMIT 1 OFFSET ?`, skip)
	if err == sql.ErrNoRows {
		return adtypes.DbUser{}, false, nil
	}
	if err != nil {
		return adtypes.DbUser{}, false, err
	}
	return rowToUser(row), true, nil
}

// CountUnsentUsers sizes the push progress bar.
func (s *Store) CountUnsentUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM active_directory_user WHERE is_sent_to_webserver = 0`)
	return n, err
}

// SetUserPushState records the outcome of a push attempt.
func (s *Store) SetUserPushState(ctx context.Context, objectGUID, qliqID string, sent bool, webserverError int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_user
		 SET qliq_id = ?, is_sent_to_webserver = ?, webserver_error = ?
		 WHERE object_guid = ?`, qliqID, sent, webserverError, objectGUID)
	return err
}

// SetUserValidState marks a user the cloud rejected as structurally
// invalid; the HTTP status code doubles as the state value.
func (s *Store) SetUserValidState(ctx context.Context, objectGUID string, validState int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_user SET valid_state = ? WHERE object_guid = ?`,
		validState, objectGUID)
	return err
}

// SelectGroupsOfUser loads the cached groups the user is a member of,
// which the pusher embeds in the SCIM payload.
func (s *Store) SelectGroupsOfUser(ctx context.Context, userGUID string) ([]adtypes.DbGroup, error) {
	var rows []groupRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+groupColumnsQualified("g")+`
		 FROM active_directory_group g
		 JOIN active_directory_user_group_membership m ON m.group_guid = g.object_guid
		 WHERE m.user_guid = ? AND g.is_deleted = 0
		 ORDER BY g.object_guid`, userGUID)
	if err != nil {
		return nil, err
	}
	groups := make([]adtypes.DbGroup, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, rowToGroup(r))
	}
	return groups, nil
}

// SetUserAccountControl persists flag changes such as clearing the local
// password-changed marker after a successful push.
func (s *Store) SetUserAccountControl(ctx context.Context, objectGUID string, uac uint32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_user SET user_account_control = ? WHERE object_guid = ?`,
		uac, objectGUID)
	return err
}

// MarkUserCloudDeleted quarantines a user whose cloud record disappeared:
// the pair of flags keeps the row out of the push queue until the directory
// shows the user again.
func (s *Store) MarkUserCloudDeleted(ctx context.Context, objectGUID string, webserverError int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_directory_user
		 SET is_deleted = 1, qliq_id = '', is_sent_to_webserver = 1, webserver_error = ?
		 WHERE object_guid = ?`, webserverError, objectGUID)
	return err
}

// ClearWebserverErrorsNotIn resets transient push errors so the next push
// cycle retries them. Permanent codes are left alone.
func (s *Store) ClearWebserverErrorsNotIn(ctx context.Context, permanent []int) error {
	if len(permanent) == 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE active_directory_user SET webserver_error = 0 WHERE webserver_error <> 0`)
		return err
	}
	query, args, err := sqlx.In(
		`UPDATE active_directory_user SET webserver_error = 0
		 WHERE webserver_error <> 0 AND webserver_error NOT IN (?)`, permanent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// DeleteUser removes the user with its avatar and memberships.
func (s *Store) DeleteUser(ctx context.Context, objectGUID string) error {
	return s.InTransaction(ctx, "delete user", func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM active_directory_user_group_membership WHERE user_guid = ?`,
			`DELETE FROM active_directory_user_avatar WHERE user_guid = ?`,
			`DELETE FROM active_directory_user WHERE object_guid = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, objectGUID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceUserGroupMemberships rewrites the membership rows of one user.
func (s *Store) ReplaceUserGroupMemberships(ctx context.Context, userGUID string, groupGUIDs []string) error {
	return s.InTransaction(ctx, "replace user memberships", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM active_directory_user_group_membership WHERE user_guid = ?`, userGUID); err != nil {
			return err
		}
		for _, g := range groupGUIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO active_directory_user_group_membership (user_guid, group_guid)
				 VALUES (?, ?)`, userGUID, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddUserGroupMembership records one membership without touching others.
func (s *Store) AddUserGroupMembership(ctx context.Context, userGUID, groupGUID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO active_directory_user_group_membership (user_guid, group_guid)
		 VALUES (?, ?)`, userGUID, groupGUID)
	return err
}

// SelectGroupGUIDsOfUser lists the group side of the membership rows.
func (s *Store) SelectGroupGUIDsOfUser(ctx context.Context, userGUID string) ([]string, error) {
	var guids []string
	err := s.db.SelectContext(ctx, &guids,
		`SELECT group_guid FROM active_directory_user_group_membership
		 WHERE user_guid = ? ORDER BY group_guid`, userGUID)
	return guids, err
}

// DeleteMembershipsOfGroupNotIn drops membership rows of the group whose
// user was not seen during the latest member enumeration.
func (s *Store) DeleteMembershipsOfGroupNotIn(ctx context.Context, groupGUID string, userGUIDs []string) (int64, error) {
	if len(userGUIDs) == 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM active_directory_user_group_membership WHERE group_guid = ?`, groupGUID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	query, args, err := sqlx.In(
		`DELETE FROM active_directory_user_group_membership
		 WHERE group_guid = ? AND user_guid NOT IN (?)`, groupGUID, userGUIDs)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteDanglingMemberships drops membership rows whose user or group is
// gone or deleted. The pusher runs this after a completed cycle.
func (s *Store) DeleteDanglingMemberships(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM active_directory_user_group_membership
		 WHERE user_guid NOT IN (SELECT object_guid FROM active_directory_user WHERE is_deleted = 0)
		    OR group_guid NOT IN (SELECT object_guid FROM active_directory_group WHERE is_deleted = 0)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertUserAvatar stores the photo blob keyed by user.
func (s *Store) UpsertUserAvatar(ctx context.Context, userGUID string, avatar []byte, md5 string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_directory_user_avatar (user_guid, avatar, avatar_md5)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_guid) DO UPDATE SET avatar = excluded.avatar, avatar_md5 = excluded.avatar_md5`,
		userGUID, avatar, md5)
	return err
}

// SelectUserAvatar loads the photo blob of one user.
func (s *Store) SelectUserAvatar(ctx context.Context, userGUID string) ([]byte, string, error) {
	var row struct {
		Avatar    []byte `db:"avatar"`
		AvatarMD5 string `db:"avatar_md5"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT avatar, avatar_md5 FROM active_directory_user_avatar WHERE user_guid = ?`, userGUID)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return row.Avatar, row.AvatarMD5, nil
}

// DeleteAllAvatars wipes the stored photos and the MD5 markers on the user
// rows. Toggling avatar support off uses this.
func (s *Store) DeleteAllAvatars(ctx context.Context) error {
	return s.InTransaction(ctx, "delete all avatars", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM active_directory_user_avatar`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE active_directory_user SET avatar_md5 = '' WHERE avatar_md5 <> ''`)
		return err
	})
}
