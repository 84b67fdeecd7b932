/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpsender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/Arceliar/phony"
	"golang.org/x/sync/singleflight"

	"github.com/JB-SelfCompany/hostmail/internal/metrics"
)

var ErrNoMX = errors.New("no mail exchanger")

// Resolver is the part of net.Resolver the MX cache uses.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

type mxEntry struct {
	host    string
	fetched time.Time
}

// MXCache remembers the preferred exchanger of each destination domain for a
// fixed TTL. The map is owned by the actor inbox; concurrent misses for the
// same domain share one DNS query.
type MXCache struct {
	phony.Inbox
	resolver Resolver
	ttl      time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
	entries  map[string]mxEntry
	inflight singleflight.Group
}

func NewMXCache(resolver Resolver, ttl, timeout time.Duration, m *metrics.Metrics) *MXCache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &MXCache{
		resolver: resolver,
		ttl:      ttl,
		timeout:  timeout,
		metrics:  m,
		now:      time.Now,
		entries:  map[string]mxEntry{},
	}
}

func (c *MXCache) cached(domain string) (string, bool) {
	var host string
	var ok bool
	phony.Block(c, func() {
		entry, found := c.entries[domain]
		if !found {
			return
		}
		if c.now().Sub(entry.fetched) >= c.ttl {
			delete(c.entries, domain)
			return
		}
		host, ok = entry.host, true
	})
	return host, ok
}

// Lookup returns the lowest preference MX host for domain.
func (c *MXCache) Lookup(ctx context.Context, domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if host, ok := c.cached(domain); ok {
		c.count("cache")
		return host, nil
	}
	v, err, _ := c.inflight.Do(domain, func() (interface{}, error) {
		if host, ok := c.cached(domain); ok {
			return host, nil
		}
		c.count("dns")
		host, err := c.resolve(ctx, domain)
		if err != nil {
			return "", err
		}
		c.Act(nil, func() {
			c.entries[domain] = mxEntry{host: host, fetched: c.now()}
		})
		return host, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// resolve races the resolver against the DNS timeout, since not every
// resolver honours context cancellation.
func (c *MXCache) resolve(ctx context.Context, domain string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type answer struct {
		records []*net.MX
		err     error
	}
	ch := make(chan answer, 1)
	go func() {
		records, err := c.resolver.LookupMX(ctx, domain)
		ch <- answer{records, err}
	}()

	var records []*net.MX
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("MX lookup for %s: %w", domain, ctx.Err())
	case a := <-ch:
		if a.err != nil {
			var dnsErr *net.DNSError
			if errors.As(a.err, &dnsErr) && dnsErr.IsNotFound {
				return "", fmt.Errorf("%w for %s", ErrNoMX, domain)
			}
			return "", fmt.Errorf("c.resolver.LookupMX: %w", a.err)
		}
		records = a.records
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w for %s", ErrNoMX, domain)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	host := strings.TrimSuffix(records[0].Host, ".")
	if host == "" {
		// RFC 7505 null MX
		return "", fmt.Errorf("%w for %s", ErrNoMX, domain)
	}
	return host, nil
}

func (c *MXCache) count(source string) {
	if c.metrics != nil {
		c.metrics.MXLookups.WithLabelValues(source).Inc()
	}
}
