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

	"github.com/gologme/log"
	"github.com/google/uuid"

	"github.com/JB-SelfCompany/hostmail/internal/storage"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
	"github.com/JB-SelfCompany/hostmail/internal/utils"
)

type TableReceived struct {
	db             *sql.DB
	writer         *Writer
	log            *log.Logger
	counters       *uidCounters
	insertAttempts int
	insertMessage  *sql.Stmt
	bumpUID        *sql.Stmt
	selectSeed     *sql.Stmt
	selectMessage  *sql.Stmt
	selectMessages *sql.Stmt
	countMessages  *sql.Stmt
	updateFlags    *sql.Stmt
	selectDeleted  *sql.Stmt
	deleteMessage  *sql.Stmt
}

const receivedSchema = `
	CREATE TABLE IF NOT EXISTS mail_received (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		uid         INTEGER NOT NULL,
		email       TEXT NOT NULL,
		mailbox     TEXT NOT NULL DEFAULT 'INBOX',
		flags       TEXT NOT NULL DEFAULT '[]', -- JSON array of lower-case tokens
		attachments TEXT,
		headers     TEXT,
		headerLines TEXT,
		html        TEXT,
		text        TEXT,
		textAsHtml  TEXT,
		subject     TEXT,
		date        INTEGER NOT NULL,
		"to"        TEXT,
		"from"      TEXT,
		messageId   TEXT,
		UNIQUE (email, uid)
	);
`

const uidSchema = `
	CREATE TABLE IF NOT EXISTS mail_uid (
		email    TEXT PRIMARY KEY,
		last_uid INTEGER NOT NULL
	);
`

const receivedColumns = `id, uid, email, mailbox, flags, attachments, headers, headerLines,
	html, text, textAsHtml, subject, date, "to", "from", messageId`

const insertMessageStmt = `
	INSERT INTO mail_received (uid, email, mailbox, flags, attachments, headers, headerLines,
		html, text, textAsHtml, subject, date, "to", "from", messageId)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

const bumpUIDStmt = `
	INSERT INTO mail_uid (email, last_uid) VALUES ($1, $2)
	ON CONFLICT (email) DO UPDATE SET last_uid = MAX(last_uid, excluded.last_uid)
`

const selectSeedStmt = `
	SELECT
		IFNULL((SELECT MAX(uid) FROM mail_received WHERE email = $1), 0),
		(SELECT COUNT(*) FROM mail_received WHERE email = $1),
		IFNULL((SELECT last_uid FROM mail_uid WHERE email = $1), 0)
`

const selectMessageStmt = `
	SELECT ` + receivedColumns + ` FROM mail_received
	WHERE email = $1 AND mailbox = $2 AND uid = $3
`

const selectMessagesStmt = `
	SELECT ` + receivedColumns + ` FROM mail_received
	WHERE email = $1 AND mailbox = $2
	ORDER BY uid
`

const countMessagesStmt = `
	SELECT COUNT(*), IFNULL(SUM(CASE WHEN EXISTS (
		SELECT 1 FROM json_each(mail_received.flags) WHERE value = 'seen'
	) THEN 0 ELSE 1 END), 0)
	FROM mail_received WHERE email = $1 AND mailbox = $2
`

const updateFlagsStmt = `
	UPDATE mail_received SET flags = $1 WHERE email = $2 AND mailbox = $3 AND uid = $4
`

const selectDeletedStmt = `
	SELECT uid FROM mail_received
	WHERE email = $1 AND mailbox = $2 AND EXISTS (
		SELECT 1 FROM json_each(mail_received.flags) WHERE value = 'deleted'
	)
	ORDER BY uid
`

const deleteMessageStmt = `
	DELETE FROM mail_received WHERE email = $1 AND mailbox = $2 AND uid = $3
`

func NewTableReceived(db *sql.DB, writer *Writer, insertAttempts int, logger *log.Logger) (*TableReceived, error) {
	if insertAttempts < 1 {
		insertAttempts = 1
	}
	t := &TableReceived{
		db:             db,
		writer:         writer,
		log:            logger,
		counters:       newUIDCounters(),
		insertAttempts: insertAttempts,
	}
	stmts := []struct {
		target **sql.Stmt
		query  string
		name   string
	}{
		{&t.insertMessage, insertMessageStmt, "insertMessageStmt"},
		{&t.bumpUID, bumpUIDStmt, "bumpUIDStmt"},
		{&t.selectSeed, selectSeedStmt, "selectSeedStmt"},
		{&t.selectMessage, selectMessageStmt, "selectMessageStmt"},
		{&t.selectMessages, selectMessagesStmt, "selectMessagesStmt"},
		{&t.countMessages, countMessagesStmt, "countMessagesStmt"},
		{&t.updateFlags, updateFlagsStmt, "updateFlagsStmt"},
		{&t.selectDeleted, selectDeletedStmt, "selectDeletedStmt"},
		{&t.deleteMessage, deleteMessageStmt, "deleteMessageStmt"},
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

// seedUID finds the first UID above anything the account has ever used.
func (t *TableReceived) seedUID(email string) (uint32, error) {
	var maxUID, count, lastUID uint32
	if err := t.selectSeed.QueryRow(email).Scan(&maxUID, &count, &lastUID); err != nil {
		return 0, fmt.Errorf("t.selectSeed.QueryRow: %w", err)
	}
	seed := maxUID
	if count > seed {
		seed = count
	}
	if lastUID > seed {
		seed = lastUID
	}
	return seed + 1, nil
}

// MessageCreate stores msg under a freshly assigned UID. A missing date or
// Message-ID is filled in first so later renderings agree. A failed insert
// reseeds the account counter and is retried up to the configured number
// of attempts.
func (t *TableReceived) MessageCreate(msg *types.Message) (uint32, error) {
	if msg.Mailbox == "" {
		msg.Mailbox = types.MailboxInbox
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	if msg.MessageID == "" {
		domain := utils.DomainOf(msg.FromAddress())
		if domain == "" {
			domain = "localhost"
		}
		msg.MessageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
	}
	values, err := encodeMessage(msg)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= t.insertAttempts; attempt++ {
		uid, err := t.counters.take(msg.Email, t.seedUID)
		if err != nil {
			lastErr = err
			continue
		}
		err = t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
			args := append([]interface{}{uid, msg.Email, msg.Mailbox}, values...)
			if _, err := txn.Stmt(t.insertMessage).Exec(args...); err != nil {
				return fmt.Errorf("insertMessage: %w", err)
			}
			if _, err := txn.Stmt(t.bumpUID).Exec(msg.Email, uid); err != nil {
				return fmt.Errorf("bumpUID: %w", err)
			}
			return nil
		})
		if err == nil {
			msg.UID = uid
			return uid, nil
		}
		lastErr = err
		t.counters.forget(msg.Email)
		t.log.Warnf("Storing message for %s failed (attempt %d/%d): %v", msg.Email, attempt, t.insertAttempts, err)
	}
	return 0, fmt.Errorf("message insert failed after %d attempts: %w", t.insertAttempts, lastErr)
}

func (t *TableReceived) MessageSelect(email, mailbox string, uid uint32) (*types.Message, error) {
	msg, err := scanMessage(t.selectMessage.QueryRow(email, mailbox, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return msg, err
}

func (t *TableReceived) MessageList(email, mailbox string) ([]*types.Message, error) {
	rows, err := t.selectMessages.Query(email, mailbox)
	if err != nil {
		return nil, fmt.Errorf("t.selectMessages.Query: %w", err)
	}
	defer rows.Close() // nolint:errcheck
	var messages []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanMessage: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (t *TableReceived) MessageCount(email, mailbox string) (int, int, error) {
	var total, unseen int
	if err := t.countMessages.QueryRow(email, mailbox).Scan(&total, &unseen); err != nil {
		return 0, 0, fmt.Errorf("t.countMessages.QueryRow: %w", err)
	}
	return total, unseen, nil
}

func (t *TableReceived) MessageUIDNext(email string) (uint32, error) {
	return t.counters.peek(email, t.seedUID)
}

func (t *TableReceived) MessageSetFlags(email, mailbox string, uid uint32, flags types.Flags) error {
	if flags == nil {
		flags = types.Flags{}
	}
	encoded, err := marshalJSON(flags)
	if err != nil {
		return err
	}
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.updateFlags).Exec(encoded, email, mailbox, uid)
		if err != nil {
			return fmt.Errorf("updateFlags: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// MessageExpunge removes every message in the mailbox flagged deleted and
// returns their UIDs in ascending order.
func (t *TableReceived) MessageExpunge(email, mailbox string) ([]uint32, error) {
	var removed []uint32
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		rows, err := txn.Stmt(t.selectDeleted).Query(email, mailbox)
		if err != nil {
			return fmt.Errorf("selectDeleted: %w", err)
		}
		for rows.Next() {
			var uid uint32
			if err := rows.Scan(&uid); err != nil {
				rows.Close() // nolint:errcheck
				return fmt.Errorf("rows.Scan: %w", err)
			}
			removed = append(removed, uid)
		}
		rows.Close() // nolint:errcheck
		for _, uid := range removed {
			if _, err := txn.Stmt(t.deleteMessage).Exec(email, mailbox, uid); err != nil {
				return fmt.Errorf("deleteMessage: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func encodeMessage(msg *types.Message) ([]interface{}, error) {
	flags := msg.Flags
	if flags == nil {
		flags = types.Flags{}
	}
	encoded := make([]string, 0, 6)
	for _, v := range []interface{}{flags, msg.Attachments, msg.Headers, msg.HeaderLines, msg.To, msg.From} {
		s, err := marshalJSON(v)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, s)
	}
	return []interface{}{
		encoded[0], encoded[1], encoded[2], encoded[3],
		msg.HTML, msg.Text, msg.TextAsHTML, msg.Subject, msg.Date.Unix(),
		encoded[4], encoded[5], msg.MessageID,
	}, nil
}

func scanMessage(row scanner) (*types.Message, error) {
	var (
		msg                                        types.Message
		flags, attachments, headers, headerLines   sql.NullString
		html, text, textAsHTML, subject, messageID sql.NullString
		to, from                                   sql.NullString
		date                                       int64
	)
	err := row.Scan(
		&msg.ID, &msg.UID, &msg.Email, &msg.Mailbox, &flags, &attachments, &headers, &headerLines,
		&html, &text, &textAsHTML, &subject, &date, &to, &from, &messageID,
	)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		data sql.NullString
		dst  interface{}
	}{
		{flags, &msg.Flags},
		{attachments, &msg.Attachments},
		{headers, &msg.Headers},
		{headerLines, &msg.HeaderLines},
		{to, &msg.To},
		{from, &msg.From},
	} {
		if err := unmarshalJSON(f.data, f.dst); err != nil {
			return nil, err
		}
	}
	msg.HTML, msg.Text, msg.TextAsHTML = html.String, text.String, textAsHTML.String
	msg.Subject, msg.MessageID = subject.String, messageID.String
	msg.Date = time.Unix(date, 0)
	return &msg, nil
}
