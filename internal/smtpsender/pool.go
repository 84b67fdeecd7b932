/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpsender

import (
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/atomic"
)

// Client is what the pool needs from an SMTP client connection.
type Client interface {
	Reset() error
	Close() error
}

type pooledClient struct {
	key      string
	client   Client
	lastUsed time.Time
}

// Pool keeps established outbound connections for reuse, keyed by
// host:port. When full, the least recently used connection is closed.
type Pool struct {
	mu      sync.Mutex
	size    int
	idle    time.Duration
	now     func() time.Time
	entries []*pooledClient // oldest first
	closed  bool
	reaper  *time.Timer

	hits   atomic.Uint64
	misses atomic.Uint64
	stale  atomic.Uint64
}

func NewPool(size int, idle time.Duration) *Pool {
	p := &Pool{
		size: size,
		idle: idle,
		now:  time.Now,
	}
	if idle > 0 {
		p.reaper = time.AfterFunc(idle, p.reap)
	}
	return p
}

// Get returns a live client for key, or nil. Pooled clients are probed with
// RSET first and discarded if the probe fails.
func (p *Pool) Get(key string) Client {
	for {
		entry := p.take(key)
		if entry == nil {
			p.misses.Inc()
			return nil
		}
		if p.idle > 0 && p.now().Sub(entry.lastUsed) >= p.idle {
			p.stale.Inc()
			entry.client.Close() // nolint:errcheck
			continue
		}
		if err := entry.client.Reset(); err != nil {
			p.stale.Inc()
			entry.client.Close() // nolint:errcheck
			continue
		}
		p.hits.Inc()
		return entry.client
	}
}

// take removes the most recently used entry for key.
func (p *Pool) take(key string) *pooledClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].key == key {
			entry := p.entries[i]
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return entry
		}
	}
	return nil
}

// Put returns a client to the pool after a successful transaction.
func (p *Pool) Put(key string, client Client) {
	p.mu.Lock()
	if p.closed || p.size <= 0 {
		p.mu.Unlock()
		client.Close() // nolint:errcheck
		return
	}
	p.entries = append(p.entries, &pooledClient{key: key, client: client, lastUsed: p.now()})
	var evicted []*pooledClient
	for len(p.entries) > p.size {
		evicted = append(evicted, p.entries[0])
		p.entries = p.entries[1:]
	}
	p.mu.Unlock()

	for _, entry := range evicted {
		closeClient(entry.client)
	}
}

func (p *Pool) reap() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var expired []*pooledClient
	kept := p.entries[:0]
	for _, entry := range p.entries {
		if p.now().Sub(entry.lastUsed) >= p.idle {
			expired = append(expired, entry)
		} else {
			kept = append(kept, entry)
		}
	}
	p.entries = kept
	p.reaper.Reset(p.idle)
	p.mu.Unlock()

	for _, entry := range expired {
		closeClient(entry.client)
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

type PoolStats struct {
	Hits, Misses, Stale uint64
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{Hits: p.hits.Load(), Misses: p.misses.Load(), Stale: p.stale.Load()}
}

// Close closes every pooled connection. Later Puts close their client.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = nil
	if p.reaper != nil {
		p.reaper.Stop()
	}
	p.mu.Unlock()

	for _, entry := range entries {
		closeClient(entry.client)
	}
}

// closeClient says QUIT when it can before dropping the socket.
func closeClient(c Client) {
	if sc, ok := c.(*smtp.Client); ok {
		if err := sc.Quit(); err == nil {
			return
		}
	}
	c.Close() // nolint:errcheck
}
