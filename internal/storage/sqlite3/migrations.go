/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package sqlite3

import (
	"database/sql"
	"fmt"

	"github.com/gologme/log"
)

const currentSchemaVersion = 2

type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "accounts, received mail and mailboxes",
		statements:  []string{accountsSchema, receivedSchema, mailboxesSchema},
	},
	{
		version:     2,
		description: "persisted UID high-water marks and lookup indexes",
		statements: []string{
			uidSchema,
			`CREATE INDEX IF NOT EXISTS idx_mail_received_box ON mail_received(email, mailbox, uid)`,
			`CREATE INDEX IF NOT EXISTS idx_mail_account_domain ON mail_account(domain)`,
		},
	},
}

// GetSchemaVersion returns the current schema version from the database.
// Returns 0 if the schema_version table doesn't exist yet.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT IFNULL(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(txn *sql.Tx, version int) error {
	_, err := txn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	_, err = txn.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, strftime('%s', 'now'))", version)
	if err != nil {
		return fmt.Errorf("failed to insert schema version: %w", err)
	}
	return nil
}

// Migrate applies every migration newer than the stored schema version,
// each inside its own transaction.
func Migrate(db *sql.DB, logger *log.Logger) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		logger.Infof("Migrating database schema to v%d (%s)", m.version, m.description)
		txn, err := db.Begin()
		if err != nil {
			return fmt.Errorf("db.Begin: %w", err)
		}
		for _, stmt := range m.statements {
			if _, err := txn.Exec(stmt); err != nil {
				_ = txn.Rollback()
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		if err := setSchemaVersion(txn, m.version); err != nil {
			_ = txn.Rollback()
			return err
		}
		if err := txn.Commit(); err != nil {
			return fmt.Errorf("migration v%d commit: %w", m.version, err)
		}
	}
	return nil
}
