/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	MailboxInbox  = "INBOX"
	MailboxDrafts = "Drafts"
	MailboxSent   = "Sent"
	MailboxSpam   = "Spam"
	MailboxTrash  = "Trash"
)

// FixedMailboxes always exist for every account.
var FixedMailboxes = []string{MailboxInbox, MailboxDrafts, MailboxSent, MailboxSpam, MailboxTrash}

func IsFixedMailbox(name string) bool {
	for _, fixed := range FixedMailboxes {
		if strings.EqualFold(name, fixed) {
			return true
		}
	}
	return false
}

// CanonicalMailbox maps any case of "inbox" to INBOX and leaves the rest
// untouched.
func CanonicalMailbox(name string) string {
	if strings.EqualFold(name, MailboxInbox) {
		return MailboxInbox
	}
	return name
}

const (
	FlagSeen     = "seen"
	FlagAnswered = "answered"
	FlagFlagged  = "flagged"
	FlagDeleted  = "deleted"
	FlagDraft    = "draft"
	FlagRecent   = "recent"
)

// Flags is a set of lower-case flag tokens without the leading backslash.
type Flags []string

func ParseFlags(tokens []string) Flags {
	var f Flags
	for _, token := range tokens {
		f = f.Add(token)
	}
	return f
}

func normaliseFlag(flag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(flag), `\`))
}

func (f Flags) Has(flag string) bool {
	flag = normaliseFlag(flag)
	for _, have := range f {
		if have == flag {
			return true
		}
	}
	return false
}

// Add returns a sorted copy of f with flag added.
func (f Flags) Add(flag ...string) Flags {
	out := append(Flags(nil), f...)
	for _, fl := range flag {
		fl = normaliseFlag(fl)
		if fl == "" || out.Has(fl) {
			continue
		}
		out = append(out, fl)
	}
	sort.Strings(out)
	return out
}

// Remove returns a copy of f without the given flags.
func (f Flags) Remove(flag ...string) Flags {
	out := Flags{}
	for _, have := range f {
		if !Flags(flag).hasRaw(have) {
			out = append(out, have)
		}
	}
	return out
}

func (f Flags) hasRaw(flag string) bool {
	for _, fl := range f {
		if normaliseFlag(fl) == flag {
			return true
		}
	}
	return false
}

// Wire renders the flags the way IMAP puts them on the wire, e.g. \Seen.
func (f Flags) Wire() []string {
	out := make([]string, 0, len(f))
	for _, fl := range f {
		if fl == "" {
			continue
		}
		out = append(out, `\`+strings.ToUpper(fl[:1])+fl[1:])
	}
	return out
}

type Account struct {
	ID       int64
	Email    string
	Password string
	Domain   string
	Created  time.Time
}

type Mailbox struct {
	ID      int64
	Email   string
	Title   string
	Parent  string
	Deleted bool
	Date    time.Time
}

type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%q <%s>", a.Name, a.Address)
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	ContentID   string `json:"cid,omitempty"`
	Content     []byte `json:"content"`
}

type HeaderLine struct {
	Key  string `json:"key"`
	Line string `json:"line"`
}

type Message struct {
	ID          int64
	UID         uint32
	Email       string
	Mailbox     string
	Flags       Flags
	Attachments []Attachment
	Headers     map[string]string
	HeaderLines []HeaderLine
	HTML        string
	Text        string
	TextAsHTML  string
	Subject     string
	Date        time.Time
	To          []Address
	From        []Address
	MessageID   string

	// Envelope holds the SMTP envelope recipients of a message in transit.
	// It is not stored. When set it replaces the header recipients for
	// delivery, so Bcc addresses never have to appear in a header.
	Envelope []string
}

func (m *Message) FromAddress() string {
	if len(m.From) == 0 {
		return ""
	}
	return m.From[0].Address
}

func (m *Message) Recipients() []string {
	if len(m.Envelope) > 0 {
		return append([]string(nil), m.Envelope...)
	}
	out := make([]string, 0, len(m.To))
	for _, to := range m.To {
		out = append(out, to.Address)
	}
	return out
}
