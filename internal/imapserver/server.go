/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gologme/log"
	"go.uber.org/atomic"

	"github.com/JB-SelfCompany/hostmail/internal/metrics"
	"github.com/JB-SelfCompany/hostmail/internal/ratelimit"
	"github.com/JB-SelfCompany/hostmail/internal/storage"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
	"github.com/JB-SelfCompany/hostmail/internal/utils"
)

// UIDValidity never changes: UIDs are never reused within an account.
const UIDValidity uint32 = 1

type Options struct {
	InactivityTimeout time.Duration
	IdleInterval      time.Duration
	MaxConnsPerIP     int
	MaxAppendBytes    int64
}

func (o *Options) setDefaults() {
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 30 * time.Second
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = 5 * time.Second
	}
	if o.MaxConnsPerIP <= 0 {
		o.MaxConnsPerIP = 10
	}
	if o.MaxAppendBytes <= 0 {
		o.MaxAppendBytes = 25 * 1024 * 1024
	}
}

type Config struct {
	Log          *log.Logger
	Storage      storage.Storage
	Metrics      *metrics.Metrics
	AuthFailures *ratelimit.Window
	Options      Options
}

type IMAPServer struct {
	log          *log.Logger
	storage      storage.Storage
	metrics      *metrics.Metrics
	authFailures *ratelimit.Window
	connsPerIP   *ratelimit.Counter
	opts         Options
	commands     map[string]command

	mu        sync.Mutex
	conns     map[*conn]struct{}
	listeners []net.Listener
	closed    atomic.Bool
	wg        sync.WaitGroup
}

func NewIMAPServer(cfg Config) *IMAPServer {
	cfg.Options.setDefaults()
	return &IMAPServer{
		log:          cfg.Log,
		storage:      cfg.Storage,
		metrics:      cfg.Metrics,
		authFailures: cfg.AuthFailures,
		connsPerIP:   ratelimit.NewCounter(cfg.Options.MaxConnsPerIP),
		opts:         cfg.Options,
		commands:     newCommandTable(),
		conns:        map[*conn]struct{}{},
	}
}

// Serve accepts plaintext connections until the listener is closed.
func (s *IMAPServer) Serve(l net.Listener) error {
	return s.serve(l, "imap")
}

// ServeTLS accepts implicit-TLS connections.
func (s *IMAPServer) ServeTLS(l net.Listener, config *tls.Config) error {
	return s.serve(tls.NewListener(l, config), "imaps")
}

func (s *IMAPServer) serve(l net.Listener, service string) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		l.Close() // nolint:errcheck
		return nil
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.log.Printf("Listening for %s on %s", strings.ToUpper(service), l.Addr())
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("l.Accept: %w", err)
		}
		s.accept(nc, service)
	}
}

func (s *IMAPServer) accept(nc net.Conn, service string) {
	ip := remoteIP(nc.RemoteAddr())
	if s.metrics != nil {
		s.metrics.IMAPConnections.WithLabelValues(service).Inc()
	}
	if !s.connsPerIP.Acquire(ip) {
		s.log.Warnf("Closing IMAP connection from %s: too many connections", ip)
		if s.metrics != nil {
			s.metrics.IMAPRejected.Inc()
		}
		nc.Close() // nolint:errcheck
		return
	}

	c := newConn(s, nc, ip, service)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IMAPOpen.Inc()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.serve()
	}()
}

// forget runs once per connection from its cleanup.
func (s *IMAPServer) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.connsPerIP.Release(c.ip)
	if s.metrics != nil {
		s.metrics.IMAPOpen.Dec()
	}
}

// NotifyNew tells connections that have mailbox of email selected that a
// message arrived, so they can send EXISTS.
func (s *IMAPServer) NotifyNew(email, mailbox string, uid uint32) {
	key := watchKey(email, mailbox)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.watch.Load() == key {
			c.wake()
		}
	}
}

func (s *IMAPServer) Close() error {
	s.mu.Lock()
	s.closed.Store(true)
	var err error
	for _, l := range s.listeners {
		if lerr := l.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.log.Println("Warning: IMAP connections did not exit within timeout")
	}
	return err
}

// authenticate checks a LOGIN or AUTHENTICATE attempt against the store. It
// returns the normalised account address.
func (s *IMAPServer) authenticate(ip, username, password string) string {
	if s.authFailures != nil && s.authFailures.Exceeded(ip) {
		xusercodeErrorf("UNAVAILABLE", "too many failed attempts, try again later")
	}
	email, err := utils.NormaliseAddress(username)
	if err == nil {
		var account *types.Account
		account, err = s.storage.AccountGet(email)
		switch {
		case err == nil && utils.CheckPassword(account.Password, password):
			return email
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			xcheckf(err, "looking up account")
		}
	}
	s.log.Warnf("Failed IMAP authentication from %s", ip)
	if s.authFailures != nil {
		s.authFailures.Record(ip)
	}
	xusercodeErrorf("AUTHENTICATIONFAILED", "authentication failed")
	return ""
}

func (s *IMAPServer) count(cmd, result string, start time.Time) {
	if s.metrics != nil {
		s.metrics.IMAPCommands.WithLabelValues(cmd, result).Observe(time.Since(start).Seconds())
	}
}

func watchKey(email, mailbox string) string {
	return email + "\x00" + mailbox
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
