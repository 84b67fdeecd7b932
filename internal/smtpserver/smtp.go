/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

type Options struct {
	MaxMessageBytes int
	ReadTimeout     time.Duration
}

// SMTPServer serves the plaintext and implicit-TLS listeners from one
// go-smtp server, so both share the same backend and limits.
type SMTPServer struct {
	server  *smtp.Server
	backend *Backend
}

func NewSMTPServer(backend *Backend, tlsConfig *tls.Config, opts Options) *SMTPServer {
	srv := smtp.NewServer(backend)
	srv.Domain = backend.Hostname
	srv.MaxMessageBytes = opts.MaxMessageBytes
	srv.ReadTimeout = opts.ReadTimeout
	srv.TLSConfig = tlsConfig
	srv.ErrorLog = backend.Log
	srv.AllowInsecureAuth = tlsConfig == nil
	return &SMTPServer{
		server:  srv,
		backend: backend,
	}
}

// Serve blocks until the listener is closed.
func (s *SMTPServer) Serve(l net.Listener) error {
	s.backend.Log.Printf("Listening for SMTP on %s", l.Addr())
	if err := s.server.Serve(l); err != nil {
		return fmt.Errorf("s.server.Serve: %w", err)
	}
	return nil
}

// ServeTLS wraps l in implicit TLS before serving it.
func (s *SMTPServer) ServeTLS(l net.Listener) error {
	if s.server.TLSConfig == nil {
		l.Close() // nolint:errcheck
		return fmt.Errorf("no TLS configuration for %s", l.Addr())
	}
	return s.Serve(tls.NewListener(l, s.server.TLSConfig))
}

func (s *SMTPServer) Close() error {
	return s.server.Close()
}
