/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/JB-SelfCompany/hostmail/internal/hosting"
)

// DomainFile is a JSON backed hosting.Domains. The whole file is rewritten
// on every change.
type DomainFile struct {
	path    string
	mu      sync.RWMutex
	domains map[string]hosting.DomainConfig
}

func OpenDomainFile(path string) (*DomainFile, error) {
	f := &DomainFile{
		path:    path,
		domains: map[string]hosting.DomainConfig{},
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	if err := json.Unmarshal(data, &f.domains); err != nil {
		return nil, fmt.Errorf("json.Unmarshal(%s): %w", path, err)
	}
	lowered := make(map[string]hosting.DomainConfig, len(f.domains))
	for domain, cfg := range f.domains {
		lowered[strings.ToLower(domain)] = cfg
	}
	f.domains = lowered
	return f, nil
}

func (f *DomainFile) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.domains))
	for domain := range f.domains {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

func (f *DomainFile) Get(domain string) (hosting.DomainConfig, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cfg, ok := f.domains[strings.ToLower(domain)]
	return cfg, ok
}

// Put adds or replaces a domain.
func (f *DomainFile) Put(domain string, cfg hosting.DomainConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[strings.ToLower(domain)] = cfg
	return f.save()
}

func (f *DomainFile) SetDKIM(domain string, paths hosting.DKIMPaths) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	domain = strings.ToLower(domain)
	cfg, ok := f.domains[domain]
	if !ok {
		return fmt.Errorf("%w: %s", hosting.ErrUnknownDomain, domain)
	}
	cfg.Cert.DKIM = &paths
	f.domains[domain] = cfg
	return f.save()
}

func (f *DomainFile) save() error {
	data, err := json.MarshalIndent(f.domains, "", "  ")
	if err != nil {
		return fmt.Errorf("json.MarshalIndent: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("os.MkdirAll: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("os.WriteFile: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

// Record stores a published zone record with the domain it belongs to,
// replacing any record of the same type and name. It makes the file usable
// as a hosting.Publisher when no external DNS service is wired in.
func (f *DomainFile) Record(_ context.Context, record hosting.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.ToLower(strings.TrimSuffix(record.Name, "."))
	domain := ""
	for d := range f.domains {
		if (name == d || strings.HasSuffix(name, "."+d)) && len(d) > len(domain) {
			domain = d
		}
	}
	if domain == "" {
		return fmt.Errorf("%w: %s", hosting.ErrUnknownDomain, name)
	}
	cfg := f.domains[domain]
	if cfg.DNS == nil {
		cfg.DNS = map[string][]hosting.Record{}
	}
	records := cfg.DNS[record.Type][:0:0]
	for _, r := range cfg.DNS[record.Type] {
		if !strings.EqualFold(r.Name, record.Name) {
			records = append(records, r)
		}
	}
	cfg.DNS[record.Type] = append(records, record)
	f.domains[domain] = cfg
	return f.save()
}
