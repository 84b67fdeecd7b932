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
	"errors"
	"fmt"
	"time"

	"github.com/JB-SelfCompany/hostmail/internal/storage"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

type TableAccounts struct {
	db             *sql.DB
	writer         *Writer
	insertAccount  *sql.Stmt
	deleteAccount  *sql.Stmt
	deleteMail     *sql.Stmt
	deleteBoxes    *sql.Stmt
	deleteUIDs     *sql.Stmt
	updatePassword *sql.Stmt
	selectAccount  *sql.Stmt
	countAccount   *sql.Stmt
	listAccounts   *sql.Stmt
}

const accountsSchema = `
	CREATE TABLE IF NOT EXISTS mail_account (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		email    TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		domain   TEXT NOT NULL,
		created  INTEGER NOT NULL
	);
`

const insertAccountStmt = `
	INSERT INTO mail_account (email, password, domain, created) VALUES ($1, $2, $3, $4)
`

const deleteAccountStmt = `
	DELETE FROM mail_account WHERE email = $1
`

const deleteAccountMailStmt = `
	DELETE FROM mail_received WHERE email = $1
`

const deleteAccountBoxesStmt = `
	DELETE FROM mail_box WHERE email = $1
`

const deleteAccountUIDStmt = `
	DELETE FROM mail_uid WHERE email = $1
`

const updatePasswordStmt = `
	UPDATE mail_account SET password = $1 WHERE email = $2
`

const selectAccountStmt = `
	SELECT id, email, password, domain, created FROM mail_account WHERE email = $1
`

const countAccountStmt = `
	SELECT COUNT(*) FROM mail_account WHERE email = $1
`

const listAccountsStmt = `
	SELECT id, email, password, domain, created FROM mail_account WHERE domain = $1 ORDER BY email
`

func NewTableAccounts(db *sql.DB, writer *Writer) (*TableAccounts, error) {
	t := &TableAccounts{
		db:     db,
		writer: writer,
	}
	var err error
	if t.insertAccount, err = db.Prepare(insertAccountStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(insertAccountStmt): %w", err)
	}
	if t.deleteAccount, err = db.Prepare(deleteAccountStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(deleteAccountStmt): %w", err)
	}
	if t.deleteMail, err = db.Prepare(deleteAccountMailStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(deleteAccountMailStmt): %w", err)
	}
	if t.deleteBoxes, err = db.Prepare(deleteAccountBoxesStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(deleteAccountBoxesStmt): %w", err)
	}
	if t.deleteUIDs, err = db.Prepare(deleteAccountUIDStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(deleteAccountUIDStmt): %w", err)
	}
	if t.updatePassword, err = db.Prepare(updatePasswordStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(updatePasswordStmt): %w", err)
	}
	if t.selectAccount, err = db.Prepare(selectAccountStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(selectAccountStmt): %w", err)
	}
	if t.countAccount, err = db.Prepare(countAccountStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(countAccountStmt): %w", err)
	}
	if t.listAccounts, err = db.Prepare(listAccountsStmt); err != nil {
		return nil, fmt.Errorf("db.Prepare(listAccountsStmt): %w", err)
	}
	return t, nil
}

func (t *TableAccounts) AccountCreate(email, passwordHash, domain string) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		_, err := txn.Stmt(t.insertAccount).Exec(email, passwordHash, domain, time.Now().Unix())
		return err
	})
	if isUniqueViolation(err) {
		return storage.ErrExists
	}
	return err
}

// AccountDelete removes the account together with its mail and mailboxes.
func (t *TableAccounts) AccountDelete(email string) error {
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.deleteAccount).Exec(email)
		if err != nil {
			return fmt.Errorf("deleteAccount: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		for _, stmt := range []*sql.Stmt{t.deleteMail, t.deleteBoxes, t.deleteUIDs} {
			if _, err := txn.Stmt(stmt).Exec(email); err != nil {
				return fmt.Errorf("delete account data: %w", err)
			}
		}
		return nil
	})
}

func (t *TableAccounts) AccountSetPassword(email, passwordHash string) error {
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.updatePassword).Exec(passwordHash, email)
		if err != nil {
			return fmt.Errorf("updatePassword: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (t *TableAccounts) AccountGet(email string) (*types.Account, error) {
	account, err := scanAccount(t.selectAccount.QueryRow(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return account, err
}

func (t *TableAccounts) AccountExists(email string) (bool, error) {
	var count int
	if err := t.countAccount.QueryRow(email).Scan(&count); err != nil {
		return false, fmt.Errorf("t.countAccount.QueryRow: %w", err)
	}
	return count > 0, nil
}

func (t *TableAccounts) AccountList(domain string) ([]types.Account, error) {
	rows, err := t.listAccounts.Query(domain)
	if err != nil {
		return nil, fmt.Errorf("t.listAccounts.Query: %w", err)
	}
	defer rows.Close() // nolint:errcheck
	var accounts []types.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*types.Account, error) {
	var created int64
	account := &types.Account{}
	if err := row.Scan(&account.ID, &account.Email, &account.Password, &account.Domain, &created); err != nil {
		return nil, err
	}
	account.Created = time.Unix(created, 0)
	return account, nil
}
