/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package mailserver wires the mail store, the SMTP and IMAP front ends, the
// outbound sender and the DKIM lifecycle into one service.
package mailserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/gologme/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/JB-SelfCompany/hostmail/internal/config"
	"github.com/JB-SelfCompany/hostmail/internal/dkim"
	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/imapserver"
	"github.com/JB-SelfCompany/hostmail/internal/logging"
	"github.com/JB-SelfCompany/hostmail/internal/metrics"
	"github.com/JB-SelfCompany/hostmail/internal/ratelimit"
	"github.com/JB-SelfCompany/hostmail/internal/smtpsender"
	"github.com/JB-SelfCompany/hostmail/internal/smtpserver"
	"github.com/JB-SelfCompany/hostmail/internal/storage/filestore"
	"github.com/JB-SelfCompany/hostmail/internal/storage/sqlite3"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
	"github.com/JB-SelfCompany/hostmail/internal/tlsconfig"
)

// Options carries collaborators that callers may replace. Zero values get
// working defaults.
type Options struct {
	Logs      *logging.Factory
	Metrics   *metrics.Metrics
	Domains   hosting.Domains   // Defaults to the configured domain file.
	Publisher hosting.Publisher // Defaults to the domain file.
	Resolver  smtpsender.Resolver
	Dial      smtpsender.DialFunc
}

// Service owns the database handle and every listener.
type Service struct {
	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Metrics

	storage *sqlite3.SQLite3Storage
	domains hosting.Domains
	dkim    *dkim.Manager
	sender  *smtpsender.Sender
	certs   *tlsconfig.Selector
	smtp    *smtpserver.SMTPServer
	imap    *imapserver.IMAPServer

	mu        sync.Mutex
	running   atomic.Bool
	stopped   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	listeners []net.Listener
	addrs     map[string]net.Addr
}

func New(cfg *config.Config, opts Options) (*Service, error) {
	if opts.Logs == nil {
		opts.Logs = logging.NewFactory(cfg.Log)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewIsolated()
	}
	logger := opts.Logs.New("Mail", color.FgHiWhite)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}

	domains := opts.Domains
	publisher := opts.Publisher
	if domains == nil || publisher == nil {
		file, err := config.OpenDomainFile(cfg.DomainsPath())
		if err != nil {
			return nil, fmt.Errorf("config.OpenDomainFile: %w", err)
		}
		if domains == nil {
			domains = file
		}
		if publisher == nil {
			publisher = file
		}
	}

	files, err := filestore.NewFileStore(cfg.KeysDir())
	if err != nil {
		return nil, fmt.Errorf("filestore.NewFileStore: %w", err)
	}

	fallback, err := tlsconfig.LoadFallback(cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return nil, err
	}

	store, err := sqlite3.NewSQLite3Storage(cfg.DatabasePath(), sqlite3.Options{
		InsertAttempts: cfg.Store.InsertAttempts,
		Log:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite3.NewSQLite3Storage: %w", err)
	}
	logger.Printf("Using database file %q", cfg.DatabasePath())

	s := &Service{
		cfg:     cfg,
		log:     logger,
		metrics: opts.Metrics,
		storage: store,
		domains: domains,
		addrs:   map[string]net.Addr{},
	}

	s.dkim = dkim.NewManager(opts.Logs.New("DKIM", color.FgHiMagenta), domains, publisher, files, opts.Metrics, cfg.DKIM.Bits, cfg.DKIM.Selector)
	s.certs = tlsconfig.NewSelector(logger, domains, fallback)

	o := cfg.Outbound
	s.sender, err = smtpsender.NewSender(smtpsender.Config{
		Options: smtpsender.Options{
			Hostname:          cfg.Hostname,
			Ports:             o.Ports,
			ConnectAttempts:   o.ConnectAttempts,
			ConnectBackoff:    o.ConnectBackoff,
			CommandTimeout:    o.CommandTimeout,
			DeliveryAttempts:  o.DeliveryAttempts,
			DeliveryBackoff:   o.DeliveryBackoff,
			PoolSize:          o.PoolSize,
			PoolIdleTimeout:   o.PoolIdleTimeout,
			MXTTL:             o.MXTTL,
			DNSTimeout:        o.DNSTimeout,
			DomainHourlyLimit: o.DomainHourlyLimit,
			Proxy:             o.Proxy,
		},
		Log:      opts.Logs.New("Sender", color.FgHiCyan),
		Metrics:  opts.Metrics,
		Domains:  domains,
		Signers:  s.dkim,
		Resolver: opts.Resolver,
		Dial:     opts.Dial,
	})
	if err != nil {
		store.Close() // nolint:errcheck
		return nil, fmt.Errorf("smtpsender.NewSender: %w", err)
	}

	// One limiter for failed logins on both protocols.
	authFailures := ratelimit.NewWindow(cfg.SMTP.AuthFailures, time.Hour)

	s.imap = imapserver.NewIMAPServer(imapserver.Config{
		Log:          opts.Logs.New("IMAP", color.FgHiRed),
		Storage:      store,
		Metrics:      opts.Metrics,
		AuthFailures: authFailures,
		Options: imapserver.Options{
			InactivityTimeout: cfg.IMAP.InactivityTimeout,
			IdleInterval:      cfg.IMAP.IdleInterval,
			MaxConnsPerIP:     cfg.IMAP.MaxConnsPerIP,
			MaxAppendBytes:    cfg.SMTP.MaxMessageBytes,
		},
	})

	backend := &smtpserver.Backend{
		Log:          opts.Logs.New("SMTP", color.FgHiGreen),
		Hostname:     cfg.Hostname,
		Storage:      store,
		Domains:      domains,
		Relay:        s.sender,
		Notify:       s.imap,
		Metrics:      opts.Metrics,
		AuthFailures: authFailures,
	}
	s.smtp = smtpserver.NewSMTPServer(backend, s.certs.Config(), smtpserver.Options{
		MaxMessageBytes: int(cfg.SMTP.MaxMessageBytes),
		ReadTimeout:     cfg.SMTP.ReadTimeout,
	})

	return s, nil
}

type listener struct {
	name  string
	addr  string
	serve func(net.Listener) error
}

// Start binds the four listeners and starts the DKIM check loop. Listeners
// with an empty address are skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.running.Load():
		return errors.New("service already running")
	case s.stopped:
		return errors.New("service cannot be restarted")
	}

	tlsConfig := s.certs.Config()
	listeners := []listener{
		{"smtp", s.cfg.SMTP.Addr, s.smtp.Serve},
		{"smtps", s.cfg.SMTP.AddrTLS, s.smtp.ServeTLS},
		{"imap", s.cfg.IMAP.Addr, s.imap.Serve},
		{"imaps", s.cfg.IMAP.AddrTLS, func(l net.Listener) error { return s.imap.ServeTLS(l, tlsConfig) }},
	}

	bound := make([]net.Listener, 0, len(listeners))
	for _, l := range listeners {
		if l.addr == "" {
			continue
		}
		nl, err := net.Listen("tcp", l.addr)
		if err != nil {
			for _, b := range bound {
				b.Close() // nolint:errcheck
			}
			return fmt.Errorf("net.Listen(%s): %w", l.addr, err)
		}
		bound = append(bound, nl)
		s.addrs[l.name] = nl.Addr()
	}
	s.listeners = bound

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	i := 0
	for _, l := range listeners {
		if l.addr == "" {
			continue
		}
		l, nl := l, bound[i]
		i++
		s.group.Go(func() error {
			if err := l.serve(nl); err != nil {
				return fmt.Errorf("%s: %w", l.name, err)
			}
			return nil
		})
	}
	interval := s.cfg.DKIM.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.group.Go(func() error {
		s.dkim.Run(ctx, interval)
		return nil
	})
	s.group.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	s.running.Store(true)
	s.log.Println("Mail service started")
	return nil
}

// shutdown closes the front ends, which unblocks every Serve call.
func (s *Service) shutdown() {
	if err := s.imap.Close(); err != nil {
		s.log.Warnf("Closing IMAP server: %v", err)
	}
	if err := s.smtp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warnf("Closing SMTP server: %v", err)
	}
	// A Serve call that had not registered its listener yet would
	// otherwise block forever.
	for _, l := range s.listeners {
		l.Close() // nolint:errcheck
	}
}

// Wait blocks until the service stops and returns the first listener error.
func (s *Service) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return errors.New("service not running")
	}
	s.running.Store(false)
	s.stopped = true
	s.cancel()
	group := s.group
	s.mu.Unlock()

	s.log.Println("Stopping mail service...")
	err := group.Wait()
	s.log.Println("Mail service stopped")
	return err
}

// Close stops the service if needed and releases the pool and the database.
func (s *Service) Close() error {
	if s.running.Load() {
		if err := s.Stop(); err != nil {
			s.log.Warnf("Stopping mail service: %v", err)
		}
	}
	s.sender.Close()
	if err := s.storage.Close(); err != nil {
		return fmt.Errorf("s.storage.Close: %w", err)
	}
	return nil
}

func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound address of the smtp, smtps, imap or imaps
// listener, or nil.
func (s *Service) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[name]
}

// CheckDKIM runs one DKIM generation pass outside the periodic loop.
func (s *Service) CheckDKIM(ctx context.Context) error {
	return s.dkim.Check(ctx)
}

// Send hands a message to the outbound delivery engine.
func (s *Service) Send(ctx context.Context, msg *types.Message) (*smtpsender.Result, error) {
	return s.sender.Send(ctx, msg)
}

// TLSConfig is the SNI-aware configuration shared by the TLS listeners.
func (s *Service) TLSConfig() *tls.Config {
	return s.certs.Config()
}
