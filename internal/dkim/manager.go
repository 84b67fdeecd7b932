/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package dkim

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gologme/log"

	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/metrics"
	"github.com/JB-SelfCompany/hostmail/internal/storage/filestore"
)

const (
	privateKeyFile = "dkim-private.pem"
	publicKeyFile  = "dkim-public.pem"
)

// Manager owns the DKIM key lifecycle of the hosted domains.
type Manager struct {
	log       *log.Logger
	domains   hosting.Domains
	publisher hosting.Publisher
	files     *filestore.FileStore
	metrics   *metrics.Metrics
	bits      int
	selector  string

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey // by private key path
}

func NewManager(log *log.Logger, domains hosting.Domains, publisher hosting.Publisher, files *filestore.FileStore, m *metrics.Metrics, bits int, selector string) *Manager {
	if selector == "" {
		selector = "default"
	}
	return &Manager{
		log:       log,
		domains:   domains,
		publisher: publisher,
		files:     files,
		metrics:   m,
		bits:      bits,
		selector:  selector,
		keys:      map[string]*rsa.PrivateKey{},
	}
}

// Check generates key material for every domain that has an MX record and
// no DKIM configuration yet. Domains that already have cert.dkim are left
// untouched. Errors for one domain do not stop the others.
func (m *Manager) Check(ctx context.Context) error {
	var failed []string
	for _, domain := range m.domains.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg, ok := m.domains.Get(domain)
		if !ok || !cfg.HasMX() || cfg.Cert.DKIM != nil {
			continue
		}
		if err := m.generate(ctx, domain); err != nil {
			m.log.Errorf("DKIM generation for %s failed: %s", domain, err)
			failed = append(failed, domain)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("DKIM generation failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func (m *Manager) generate(ctx context.Context, domain string) error {
	key, err := GenerateKey(m.bits)
	if err != nil {
		return err
	}
	pub, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	txt, err := TXTValue(&key.PublicKey)
	if err != nil {
		return err
	}

	privPath, err := m.files.Write(domain, privateKeyFile, EncodePrivateKey(key), 0600)
	if err != nil {
		return fmt.Errorf("m.files.Write: %w", err)
	}
	pubPath, err := m.files.Write(domain, publicKeyFile, pub, 0644)
	if err != nil {
		return fmt.Errorf("m.files.Write: %w", err)
	}
	if err := m.domains.SetDKIM(domain, hosting.DKIMPaths{Private: privPath, Public: pubPath}); err != nil {
		return fmt.Errorf("m.domains.SetDKIM: %w", err)
	}

	m.mu.Lock()
	m.keys[privPath] = key
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.DKIMGenerated.Inc()
	}
	m.log.Printf("Generated %d-bit DKIM key for %s", m.bits, domain)

	record := hosting.Record{Type: "TXT", Name: RecordName(m.selector, domain), Value: txt}
	if err := m.publisher.Record(ctx, record); err != nil {
		return fmt.Errorf("m.publisher.Record: %w", err)
	}
	return nil
}

// Run calls Check immediately and then on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.log.Warnln("DKIM check:", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SignerFor returns a signer for domain if it has usable key material: the
// private key file exists, is readable and holds a PEM encoded RSA key.
func (m *Manager) SignerFor(domain string) (*Signer, bool) {
	cfg, ok := m.domains.Get(domain)
	if !ok || cfg.Cert.DKIM == nil || cfg.Cert.DKIM.Private == "" {
		return nil, false
	}
	path := cfg.Cert.DKIM.Private
	if !m.files.Exists(path) {
		return nil, false
	}

	m.mu.Lock()
	key, cached := m.keys[path]
	m.mu.Unlock()
	if !cached {
		data, err := m.files.Read(path)
		if err != nil {
			m.log.Warnf("DKIM key for %s unreadable: %s", domain, err)
			return nil, false
		}
		if key, err = ParsePrivateKey(data); err != nil {
			m.log.Warnf("DKIM key for %s rejected: %s", domain, err)
			return nil, false
		}
		m.mu.Lock()
		m.keys[path] = key
		m.mu.Unlock()
	}
	return NewSigner(domain, m.selector, key), true
}
