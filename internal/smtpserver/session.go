/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/JB-SelfCompany/hostmail/internal/mailmsg"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
	"github.com/JB-SelfCompany/hostmail/internal/utils"
)

const relayTimeout = 30 * time.Minute

func smtpError(code int, enhanced smtp.EnhancedCode, format string, args ...interface{}) *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         code,
		EnhancedCode: enhanced,
		Message:      fmt.Sprintf(format, args...),
	}
}

var errTemporary = smtpError(451, smtp.EnhancedCode{4, 3, 0}, "Temporary storage failure, try again later")

// Session is one SMTP transaction sequence. user is empty for anonymous
// inbound sessions.
type Session struct {
	backend *Backend
	state   *smtp.ConnectionState
	user    string
	from    string
	rcpts   []recipient
}

type recipient struct {
	address string
	local   bool
}

func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	s.from = ""
	if from == "" {
		if s.user != "" {
			return smtpError(553, smtp.EnhancedCode{5, 7, 1}, "Authenticated users must use their own address")
		}
		return nil // bounce
	}
	addr, err := utils.NormaliseAddress(from)
	if err != nil {
		return smtpError(501, smtp.EnhancedCode{5, 1, 7}, "Bad sender address syntax")
	}
	if s.user != "" {
		if addr != s.user {
			return smtpError(553, smtp.EnhancedCode{5, 7, 1}, "Sender address <%s> not owned by %s", addr, s.user)
		}
	} else {
		local, err := s.backend.Storage.AccountExists(addr)
		if err != nil {
			s.backend.Log.Errorf("Failed to check sender %s: %s", addr, err)
			return errTemporary
		}
		if local {
			return smtpError(530, smtp.EnhancedCode{5, 7, 0}, "Authentication required to send as <%s>", addr)
		}
	}
	s.from = addr
	return nil
}

func (s *Session) Rcpt(to string) error {
	addr, err := utils.NormaliseAddress(to)
	if err != nil {
		return smtpError(501, smtp.EnhancedCode{5, 1, 3}, "Bad recipient address syntax")
	}
	local, err := s.backend.isLocal(addr)
	if err != nil {
		s.backend.Log.Errorf("Failed to check recipient %s: %s", addr, err)
		return errTemporary
	}
	if !local && s.user == "" {
		return smtpError(550, smtp.EnhancedCode{5, 1, 1}, "No such user here")
	}
	s.rcpts = append(s.rcpts, recipient{address: addr, local: local})
	return nil
}

func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	msg, err := mailmsg.Parse(bytes.NewReader(raw))
	if err != nil {
		s.backend.count("rejected")
		return smtpError(554, smtp.EnhancedCode{5, 6, 0}, "Message could not be parsed")
	}
	msg.HeaderLines = append([]types.HeaderLine{s.received()}, msg.HeaderLines...)

	if s.user != "" {
		if msg.FromAddress() != s.user {
			s.backend.count("rejected")
			return smtpError(553, smtp.EnhancedCode{5, 7, 1}, "From header must match the authenticated user")
		}
		return s.deliverAuthenticated(msg)
	}
	return s.deliverInbound(msg)
}

// deliverAuthenticated keeps a seen copy in the author's Sent box, drops
// copies into local recipients' inboxes and relays the rest. Only the Sent
// copy keeps the Bcc header; remote recipients travel in the envelope.
func (s *Session) deliverAuthenticated(msg *types.Message) error {
	if _, err := s.store(msg, s.user, types.MailboxSent, types.Flags{}.Add(types.FlagSeen)); err != nil {
		return err
	}
	s.backend.count("sent")

	public := mailmsg.WithoutBcc(msg)
	var remote []string
	for _, rcpt := range s.rcpts {
		if !rcpt.local {
			remote = append(remote, rcpt.address)
			continue
		}
		if _, err := s.store(public, rcpt.address, types.MailboxInbox, types.Flags{}.Add(types.FlagRecent)); err != nil {
			return err
		}
		s.backend.count("inbox")
	}
	if len(remote) == 0 {
		return nil
	}
	if s.backend.Relay == nil {
		return smtpError(550, smtp.EnhancedCode{5, 7, 1}, "Relaying is not available")
	}

	public.Envelope = remote
	go s.backend.relay(public)
	return nil
}

// deliverInbound stores mail from the outside world. Every recipient was
// checked to be local in Rcpt.
func (s *Session) deliverInbound(msg *types.Message) error {
	for _, rcpt := range s.rcpts {
		if !rcpt.local {
			s.backend.count("rejected")
			return smtpError(550, smtp.EnhancedCode{5, 7, 1}, "Relaying denied")
		}
	}
	msg = mailmsg.WithoutBcc(msg)
	for _, rcpt := range s.rcpts {
		if _, err := s.store(msg, rcpt.address, types.MailboxInbox, types.Flags{}.Add(types.FlagRecent)); err != nil {
			return err
		}
		s.backend.count("inbox")
	}
	s.backend.Log.Printf("Stored mail from %q for %d recipient(s)", s.from, len(s.rcpts))
	return nil
}

func (s *Session) store(msg *types.Message, owner, mailbox string, flags types.Flags) (uint32, error) {
	stored := *msg
	stored.ID, stored.UID = 0, 0
	stored.Email = owner
	stored.Mailbox = mailbox
	stored.Flags = flags
	uid, err := s.backend.Storage.MessageCreate(&stored)
	if err != nil {
		s.backend.Log.Errorf("Failed to store message for %s: %s", owner, err)
		s.backend.count("error")
		return 0, errTemporary
	}
	if s.backend.Notify != nil {
		s.backend.Notify.NotifyNew(owner, mailbox, uid)
	}
	return uid, nil
}

func (s *Session) received() types.HeaderLine {
	helo, ip := "unknown", remoteIP(s.state)
	if s.state != nil && s.state.Hostname != "" {
		helo = s.state.Hostname
	}
	with := "ESMTP"
	if s.state != nil && s.state.TLS.HandshakeComplete {
		with += "S"
	}
	if s.user != "" {
		with += "A"
	}
	return types.HeaderLine{
		Key: "received",
		Line: fmt.Sprintf("Received: from %s ([%s]) by %s with %s; %s",
			helo, ip, s.backend.Hostname, with, time.Now().Format(time.RFC1123Z)),
	}
}

func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *Session) Logout() error {
	return nil
}

func (b *Backend) relay(msg *types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	result, err := b.Relay.Send(ctx, msg)
	if err != nil {
		b.Log.Errorf("Relay from %s failed: %s", msg.FromAddress(), err)
		return
	}
	b.Log.Printf("Relayed mail from %s: %d/%d delivered", msg.FromAddress(), result.Successful, result.Total)
}
