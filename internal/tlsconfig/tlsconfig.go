/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tlsconfig

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gologme/log"

	"github.com/JB-SelfCompany/hostmail/internal/hosting"
)

var ErrNoCertificate = errors.New("no certificate available")

// Selector picks a certificate for the name a client asked for. Loaded
// certificates are cached by their key/cert paths, so a renewed pair stored
// under new paths is picked up without a restart.
type Selector struct {
	log      *log.Logger
	domains  hosting.Domains
	fallback *tls.Certificate
	mu       sync.Mutex
	cache    map[hosting.KeyPair]*tls.Certificate
}

func NewSelector(log *log.Logger, domains hosting.Domains, fallback *tls.Certificate) *Selector {
	return &Selector{
		log:      log,
		domains:  domains,
		fallback: fallback,
		cache:    map[hosting.KeyPair]*tls.Certificate{},
	}
}

// LoadFallback reads the default certificate. Empty paths mean there is
// none.
func LoadFallback(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls.LoadX509KeyPair: %w", err)
	}
	return &cert, nil
}

// Config returns a server TLS configuration that selects certificates by
// SNI.
func (s *Selector) Config() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
	}
}

func (s *Selector) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cert := s.lookup(hello.ServerName); cert != nil {
		return cert, nil
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	return nil, fmt.Errorf("%w for %q", ErrNoCertificate, hello.ServerName)
}

// lookup walks up the labels of name, so mail.example.com falls back to
// example.com, and stops before the bare top-level label.
func (s *Selector) lookup(name string) *tls.Certificate {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	for name != "" && strings.Contains(name, ".") {
		if cfg, ok := s.domains.Get(name); ok && cfg.Cert.SSL != nil {
			cert, err := s.load(*cfg.Cert.SSL)
			if err == nil {
				return cert
			}
			s.log.Warnf("Failed to load certificate for %s: %s", name, err)
		}
		_, name, _ = strings.Cut(name, ".")
	}
	return nil
}

func (s *Selector) load(pair hosting.KeyPair) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cert, ok := s.cache[pair]; ok {
		return cert, nil
	}
	cert, err := tls.LoadX509KeyPair(pair.Cert, pair.Key)
	if err != nil {
		return nil, err
	}
	s.cache[pair] = &cert
	return &cert, nil
}
