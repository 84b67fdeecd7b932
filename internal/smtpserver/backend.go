/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/gologme/log"

	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/metrics"
	"github.com/JB-SelfCompany/hostmail/internal/ratelimit"
	"github.com/JB-SelfCompany/hostmail/internal/smtpsender"
	"github.com/JB-SelfCompany/hostmail/internal/storage"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
	"github.com/JB-SelfCompany/hostmail/internal/utils"
)

// Relay hands authenticated mail to the outbound delivery engine.
type Relay interface {
	Send(ctx context.Context, msg *types.Message) (*smtpsender.Result, error)
}

// Notifier is told about every message stored into an INBOX.
type Notifier interface {
	NotifyNew(email, mailbox string, uid uint32)
}

var errAuthFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

var errTooManyFailures = &smtp.SMTPError{
	Code:         454,
	EnhancedCode: smtp.EnhancedCode{4, 7, 0},
	Message:      "Too many failed authentication attempts, try again later",
}

type Backend struct {
	Log          *log.Logger
	Hostname     string
	Storage      storage.Storage
	Domains      hosting.Domains
	Relay        Relay
	Notify       Notifier
	Metrics      *metrics.Metrics
	AuthFailures *ratelimit.Window
}

func (b *Backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	ip := remoteIP(state)
	if b.AuthFailures != nil && b.AuthFailures.Exceeded(ip) {
		return nil, errTooManyFailures
	}
	email, err := utils.NormaliseAddress(username)
	if err != nil {
		b.authFailed(ip)
		return nil, errAuthFailed
	}
	account, err := b.Storage.AccountGet(email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		b.authFailed(ip)
		return nil, errAuthFailed
	case err != nil:
		b.Log.Errorf("Failed to look up account %s: %s", email, err)
		return nil, &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary authentication failure",
		}
	}
	if !utils.CheckPassword(account.Password, password) {
		b.authFailed(ip)
		return nil, errAuthFailed
	}
	b.Log.Debugf("Authenticated %s from %s", email, ip)
	return &Session{backend: b, state: state, user: email}, nil
}

func (b *Backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	return &Session{backend: b, state: state}, nil
}

func (b *Backend) authFailed(ip string) {
	b.Log.Warnf("Failed SMTP authentication from %s", ip)
	if b.AuthFailures != nil {
		b.AuthFailures.Record(ip)
	}
}

// isLocal reports whether email is a hosted account, or a reserved alias on
// a hosted domain.
func (b *Backend) isLocal(email string) (bool, error) {
	exists, err := b.Storage.AccountExists(email)
	if err != nil || exists {
		return exists, err
	}
	if utils.IsReservedAlias(email) && b.Domains != nil {
		_, ok := b.Domains.Get(utils.DomainOf(email))
		return ok, nil
	}
	return false, nil
}

func (b *Backend) count(result string) {
	if b.Metrics != nil {
		b.Metrics.SMTPDeliveries.WithLabelValues(result).Inc()
	}
}

func remoteIP(state *smtp.ConnectionState) string {
	if state == nil || state.RemoteAddr == nil {
		return ""
	}
	addr := state.RemoteAddr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
