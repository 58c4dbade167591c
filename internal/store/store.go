// Package store is the local SQL cache between the directory and the
// cloud. Everything the sync engine knows about users, groups, sync
// watermarks and events lives here; the cloud push reads its work queue
// from the same tables.
package store

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS active_directory_forest (
		object_guid TEXT PRIMARY KEY,
		user_name   TEXT NOT NULL DEFAULT '',
		password    TEXT NOT NULL DEFAULT '',
		sync_group  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS active_directory_forest_dc_membership (
		forest_guid TEXT NOT NULL,
		host        TEXT NOT NULL,
		dns_name    TEXT NOT NULL DEFAULT '',
		is_primary  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (forest_guid, host)
	)`,
	`CREATE TABLE IF NOT EXISTS active_directory_sync_context (
		forest_guid           TEXT NOT NULL,
		dc_host               TEXT NOT NULL,
		invocation_id         TEXT NOT NULL DEFAULT '',
		highest_committed_usn TEXT NOT NULL DEFAULT '',
		last_full_sync        DATETIME,
		dc_dns_name           TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (forest_guid, dc_host)
	)`,
	`CREATE TABLE IF NOT EXISTS active_directory_user (
		object_guid          TEXT PRIMARY KEY,
		forest_guid          TEXT NOT NULL DEFAULT '',
		distinguished_name   TEXT NOT NULL DEFAULT '',
		cn                   TEXT NOT NULL DEFAULT '',
		account_name         TEXT NOT NULL DEFAULT '',
		user_principal_name  TEXT NOT NULL DEFAULT '',
		given_name           TEXT NOT NULL DEFAULT '',
		middle_name          TEXT NOT NULL DEFAULT '',
		surname              TEXT NOT NULL DEFAULT '',
		display_name         TEXT NOT NULL DEFAULT '',
		mail                 TEXT NOT NULL DEFAULT '',
		telephone_number     TEXT NOT NULL DEFAULT '',
		mobile               TEXT NOT NULL DEFAULT '',
		title                TEXT NOT NULL DEFAULT '',
		employee_number      TEXT NOT NULL DEFAULT '',
		organization         TEXT NOT NULL DEFAULT '',
		division             TEXT NOT NULL DEFAULT '',
		department           TEXT NOT NULL DEFAULT '',
		user_account_control INTEGER NOT NULL DEFAULT 0,
		pwd_last_set         TEXT NOT NULL DEFAULT '',
		usn_changed          TEXT NOT NULL DEFAULT '',
		avatar_md5           TEXT NOT NULL DEFAULT '',
		is_deleted           INTEGER NOT NULL DEFAULT 0,
		valid_state          INTEGER NOT NULL DEFAULT 2,
		qliq_id              TEXT NOT NULL DEFAULT '',
		is_sent_to_webserver INTEGER NOT NULL DEFAULT 0,
		webserver_error      INTEGER NOT NULL DEFAULT 0,
		status               INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ad_user_unsent
		ON active_directory_user (is_sent_to_webserver, forest_guid)`,
	`CREATE TABLE IF NOT EXISTS active_directory_user_avatar (
		user_guid  TEXT PRIMARY KEY,
		avatar     BLOB,
		avatar_md5 TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS active_directory_group (
		object_guid          TEXT PRIMARY KEY,
		forest_guid          TEXT NOT NULL DEFAULT '',
		distinguished_name   TEXT NOT NULL DEFAULT '',
		cn                   TEXT NOT NULL DEFAULT '',
		account_name         TEXT NOT NULL DEFAULT '',
		usn_changed          TEXT NOT NULL DEFAULT '',
		is_deleted           INTEGER NOT NULL DEFAULT 0,
		valid_state          INTEGER NOT NULL DEFAULT 2,
		qliq_id              TEXT NOT NULL DEFAULT '',
		is_sent_to_webserver INTEGER NOT NULL DEFAULT 0,
		webserver_error      INTEGER NOT NULL DEFAULT 0,
		status               INTEGER NOT NULL DEFAULT 0,
		is_main_group        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS active_directory_user_group_membership (
		user_guid  TEXT NOT NULL,
		group_guid TEXT NOT NULL,
		PRIMARY KEY (user_guid, group_guid)
	)`,
	`CREATE TABLE IF NOT EXISTS active_directory_event (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		type      INTEGER NOT NULL DEFAULT 0,
		category  INTEGER NOT NULL DEFAULT 0,
		message   TEXT NOT NULL DEFAULT '',
		source    TEXT NOT NULL DEFAULT ''
	)`,
}

// Store wraps the SQLite database. All methods are safe for concurrent use;
// SQLite serializes writers underneath.
type Store struct {
	Log logr.Logger
	db  *sqlx.DB
}

// Open opens or creates the database at path and applies the schema.
// ":memory:" gives tests a throwaway instance.
func Open(log logr.Logger, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_fk=1&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open database %s", path)
	}
	// A single connection sidesteps SQLITE_BUSY between the sync worker and
	// the RPC surface.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "cannot apply schema")
		}
	}
	return &Store{Log: log, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTransaction runs fn inside a transaction. The label only shows up in
// logs and errors.
func (s *Store) InTransaction(ctx context.Context, label string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "cannot begin transaction %q", label)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.Log.Error(rbErr, "Rollback failed", "transaction", label)
		}
		return errors.Wrapf(err, "transaction %q failed", label)
	}
	return errors.Wrapf(tx.Commit(), "cannot commit transaction %q", label)
}

// ResetSyncData wipes everything the sync built up: users, groups,
// memberships, avatars, watermarks, the event log and the persisted forest
// configuration. The caller re-applies the current configuration afterwards.
func (s *Store) ResetSyncData(ctx context.Context) error {
	return s.InTransaction(ctx, "reset sync database", func(tx *sqlx.Tx) error {
		for _, table := range []string{
			"active_directory_user_group_membership",
			"active_directory_user_avatar",
			"active_directory_user",
			"active_directory_group",
			"active_directory_sync_context",
			"active_directory_event",
			"active_directory_forest_dc_membership",
			"active_directory_forest",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}
