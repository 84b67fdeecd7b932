/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package storage

import (
	"errors"

	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrFixed    = errors.New("mailbox cannot be changed")
)

// Storage is the Mail Store shared by the SMTP and IMAP front ends.
type Storage interface {
	AccountCreate(email, passwordHash, domain string) error
	AccountDelete(email string) error
	AccountSetPassword(email, passwordHash string) error
	AccountGet(email string) (*types.Account, error)
	AccountExists(email string) (bool, error)
	AccountList(domain string) ([]types.Account, error)

	MailboxList(email string) ([]types.Mailbox, error)
	MailboxExists(email, title string) (bool, error)
	MailboxCreate(email, title string) error
	MailboxDelete(email, title string) error
	MailboxRename(email, oldTitle, newTitle string) error

	MessageCreate(msg *types.Message) (uint32, error)
	MessageSelect(email, mailbox string, uid uint32) (*types.Message, error)
	MessageList(email, mailbox string) ([]*types.Message, error)
	MessageCount(email, mailbox string) (total int, unseen int, err error)
	MessageUIDNext(email string) (uint32, error)
	MessageSetFlags(email, mailbox string, uid uint32, flags types.Flags) error
	MessageExpunge(email, mailbox string) ([]uint32, error)

	Close() error
}
