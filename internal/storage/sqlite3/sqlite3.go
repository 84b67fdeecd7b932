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
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gologme/log"
	gosqlite3 "github.com/mattn/go-sqlite3"

	"github.com/JB-SelfCompany/hostmail/internal/storage"
)

var _ storage.Storage = (*SQLite3Storage)(nil)

type SQLite3Storage struct {
	*TableAccounts
	*TableMailboxes
	*TableReceived
	db     *sql.DB
	writer *Writer
}

type Options struct {
	// InsertAttempts bounds how many times a message insert is tried
	// before the error is returned. Values below 1 mean 1.
	InsertAttempts int
	Log            *log.Logger
}

func NewSQLite3Storage(filename string, opts Options) (*SQLite3Storage, error) {
	if opts.Log == nil {
		opts.Log = log.New(io.Discard, "", 0)
	}
	db, err := sql.Open("sqlite3", "file:"+filename+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	if err := Migrate(db, opts.Log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Migrate: %w", err)
	}
	s := &SQLite3Storage{
		db:     db,
		writer: NewWriter(),
	}
	if s.TableAccounts, err = NewTableAccounts(db, s.writer); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("NewTableAccounts: %w", err)
	}
	if s.TableMailboxes, err = NewTableMailboxes(db, s.writer); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("NewTableMailboxes: %w", err)
	}
	if s.TableReceived, err = NewTableReceived(db, s.writer, opts.InsertAttempts, opts.Log); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("NewTableReceived: %w", err)
	}
	return s, nil
}

func (s *SQLite3Storage) Close() error {
	s.writer.Close()
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr gosqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == gosqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == gosqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json.Marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(data sql.NullString, v interface{}) error {
	if !data.Valid || data.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data.String), v); err != nil {
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	return nil
}
