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
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JB-SelfCompany/hostmail/internal/storage"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

// HierarchyDelimiter separates parent and child mailbox names.
const HierarchyDelimiter = "/"

type TableMailboxes struct {
	db              *sql.DB
	writer          *Writer
	selectBoxes     *sql.Stmt
	countBox        *sql.Stmt
	insertBox       *sql.Stmt
	softDeleteBox   *sql.Stmt
	purgeBox        *sql.Stmt
	renameBox       *sql.Stmt
	renameChildren  *sql.Stmt
	moveBoxMail     *sql.Stmt
	moveChildMail   *sql.Stmt
	deleteBoxMail   *sql.Stmt
	deleteChildMail *sql.Stmt
}

const mailboxesSchema = `
	CREATE TABLE IF NOT EXISTS mail_box (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		email   TEXT NOT NULL,
		title   TEXT NOT NULL,
		parent  TEXT NOT NULL DEFAULT '',
		deleted BOOLEAN NOT NULL DEFAULT 0,
		date    INTEGER NOT NULL,
		UNIQUE (email, title)
	);
`

const selectBoxesStmt = `
	SELECT id, email, title, parent, deleted, date FROM mail_box
	WHERE email = $1 AND deleted = 0
	ORDER BY title
`

const countBoxStmt = `
	SELECT COUNT(*) FROM mail_box WHERE email = $1 AND title = $2 AND deleted = 0
`

// A soft-deleted row is revived; a live row is left untouched so that the
// caller can see zero rows affected and report that the box exists.
const insertBoxStmt = `
	INSERT INTO mail_box (email, title, parent, deleted, date) VALUES ($1, $2, $3, 0, $4)
	ON CONFLICT (email, title) DO UPDATE SET deleted = 0, date = excluded.date, parent = excluded.parent
	WHERE mail_box.deleted = 1
`

const softDeleteBoxStmt = `
	UPDATE mail_box SET deleted = 1 WHERE email = $1 AND (title = $2 OR title LIKE $3 ESCAPE '\') AND deleted = 0
`

const purgeBoxStmt = `
	DELETE FROM mail_box WHERE email = $1 AND title = $2 AND deleted = 1
`

const renameBoxStmt = `
	UPDATE mail_box SET title = $1, parent = $2 WHERE email = $3 AND title = $4 AND deleted = 0
`

const renameChildrenStmt = `
	UPDATE mail_box SET title = $1 || substr(title, $2),
		parent = $1 || substr(parent, $2)
	WHERE email = $3 AND title LIKE $4 ESCAPE '\' AND deleted = 0
`

const moveBoxMailStmt = `
	UPDATE mail_received SET mailbox = $1 WHERE email = $2 AND mailbox = $3
`

const moveChildMailStmt = `
	UPDATE mail_received SET mailbox = $1 || substr(mailbox, $2) WHERE email = $3 AND mailbox LIKE $4 ESCAPE '\'
`

const deleteBoxMailStmt = `
	DELETE FROM mail_received WHERE email = $1 AND mailbox = $2
`

const deleteChildMailStmt = `
	DELETE FROM mail_received WHERE email = $1 AND mailbox LIKE $2 ESCAPE '\'
`

func NewTableMailboxes(db *sql.DB, writer *Writer) (*TableMailboxes, error) {
	t := &TableMailboxes{
		db:     db,
		writer: writer,
	}
	stmts := []struct {
		target **sql.Stmt
		query  string
		name   string
	}{
		{&t.selectBoxes, selectBoxesStmt, "selectBoxesStmt"},
		{&t.countBox, countBoxStmt, "countBoxStmt"},
		{&t.insertBox, insertBoxStmt, "insertBoxStmt"},
		{&t.softDeleteBox, softDeleteBoxStmt, "softDeleteBoxStmt"},
		{&t.purgeBox, purgeBoxStmt, "purgeBoxStmt"},
		{&t.renameBox, renameBoxStmt, "renameBoxStmt"},
		{&t.renameChildren, renameChildrenStmt, "renameChildrenStmt"},
		{&t.moveBoxMail, moveBoxMailStmt, "moveBoxMailStmt"},
		{&t.moveChildMail, moveChildMailStmt, "moveChildMailStmt"},
		{&t.deleteBoxMail, deleteBoxMailStmt, "deleteBoxMailStmt"},
		{&t.deleteChildMail, deleteChildMailStmt, "deleteChildMailStmt"},
	}
	for _, s := range stmts {
		stmt, err := db.Prepare(s.query)
		if err != nil {
			return nil, fmt.Errorf("db.Prepare(%s): %w", s.name, err)
		}
		*s.target = stmt
	}
	return t, nil
}

func parentOf(title string) string {
	if i := strings.LastIndex(title, HierarchyDelimiter); i > 0 {
		return title[:i]
	}
	return ""
}

// childPattern matches every descendant of title in a LIKE clause.
func childPattern(title string) string {
	r := strings.NewReplacer(`%`, `\%`, `_`, `\_`)
	return r.Replace(title) + HierarchyDelimiter + "%"
}

// MailboxList returns the fixed mailboxes followed by the custom ones,
// whether or not the fixed ones have a row of their own.
func (t *TableMailboxes) MailboxList(email string) ([]types.Mailbox, error) {
	rows, err := t.selectBoxes.Query(email)
	if err != nil {
		return nil, fmt.Errorf("t.selectBoxes.Query: %w", err)
	}
	defer rows.Close() // nolint:errcheck

	var custom []types.Mailbox
	for rows.Next() {
		var box types.Mailbox
		var date int64
		if err := rows.Scan(&box.ID, &box.Email, &box.Title, &box.Parent, &box.Deleted, &date); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		box.Date = time.Unix(date, 0)
		if types.IsFixedMailbox(box.Title) {
			continue
		}
		custom = append(custom, box)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	boxes := make([]types.Mailbox, 0, len(types.FixedMailboxes)+len(custom))
	for _, fixed := range types.FixedMailboxes {
		boxes = append(boxes, types.Mailbox{Email: email, Title: fixed})
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i].Title < custom[j].Title })
	return append(boxes, custom...), nil
}

func (t *TableMailboxes) MailboxExists(email, title string) (bool, error) {
	if types.IsFixedMailbox(title) {
		return true, nil
	}
	var count int
	if err := t.countBox.QueryRow(email, title).Scan(&count); err != nil {
		return false, fmt.Errorf("t.countBox.QueryRow: %w", err)
	}
	return count > 0, nil
}

// MailboxCreate creates title and any missing ancestors of it.
func (t *TableMailboxes) MailboxCreate(email, title string) error {
	title = strings.Trim(title, HierarchyDelimiter)
	if title == "" {
		return fmt.Errorf("empty mailbox name")
	}
	if types.IsFixedMailbox(title) {
		return storage.ErrExists
	}
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		now := time.Now().Unix()
		parts := strings.Split(title, HierarchyDelimiter)
		for i := 1; i < len(parts); i++ {
			ancestor := strings.Join(parts[:i], HierarchyDelimiter)
			if types.IsFixedMailbox(ancestor) {
				continue
			}
			if _, err := txn.Stmt(t.insertBox).Exec(email, ancestor, parentOf(ancestor), now); err != nil {
				return fmt.Errorf("insertBox(%s): %w", ancestor, err)
			}
		}
		res, err := txn.Stmt(t.insertBox).Exec(email, title, parentOf(title), now)
		if err != nil {
			return fmt.Errorf("insertBox: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrExists
		}
		return nil
	})
}

// MailboxDelete marks the box and its children deleted and removes the mail
// they held.
func (t *TableMailboxes) MailboxDelete(email, title string) error {
	if types.IsFixedMailbox(title) {
		return storage.ErrFixed
	}
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.softDeleteBox).Exec(email, title, childPattern(title))
		if err != nil {
			return fmt.Errorf("softDeleteBox: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		if _, err := txn.Stmt(t.deleteBoxMail).Exec(email, title); err != nil {
			return fmt.Errorf("deleteBoxMail: %w", err)
		}
		if _, err := txn.Stmt(t.deleteChildMail).Exec(email, childPattern(title)); err != nil {
			return fmt.Errorf("deleteChildMail: %w", err)
		}
		return nil
	})
}

// MailboxRename moves a box, its children and all of their mail.
func (t *TableMailboxes) MailboxRename(email, oldTitle, newTitle string) error {
	newTitle = strings.Trim(newTitle, HierarchyDelimiter)
	if types.IsFixedMailbox(oldTitle) || types.IsFixedMailbox(newTitle) {
		return storage.ErrFixed
	}
	if newTitle == "" {
		return fmt.Errorf("empty mailbox name")
	}
	if exists, err := t.MailboxExists(email, newTitle); err != nil {
		return err
	} else if exists {
		return storage.ErrExists
	}
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		if _, err := txn.Stmt(t.purgeBox).Exec(email, newTitle); err != nil {
			return fmt.Errorf("purgeBox: %w", err)
		}
		res, err := txn.Stmt(t.renameBox).Exec(newTitle, parentOf(newTitle), email, oldTitle)
		if err != nil {
			return fmt.Errorf("renameBox: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		offset := utf8.RuneCountInString(oldTitle) + 1
		if _, err := txn.Stmt(t.renameChildren).Exec(newTitle, offset, email, childPattern(oldTitle)); err != nil {
			return fmt.Errorf("renameChildren: %w", err)
		}
		if _, err := txn.Stmt(t.moveBoxMail).Exec(newTitle, email, oldTitle); err != nil {
			return fmt.Errorf("moveBoxMail: %w", err)
		}
		if _, err := txn.Stmt(t.moveChildMail).Exec(newTitle, offset, email, childPattern(oldTitle)); err != nil {
			return fmt.Errorf("moveChildMail: %w", err)
		}
		return nil
	})
}
