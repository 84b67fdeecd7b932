/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package sqlite3

import "sync"

// uidCounters hands out per-account UIDs. Each account's counter is seeded
// lazily on first use and then only ever moves forward.
type uidCounters struct {
	mu   sync.Mutex
	next map[string]uint32
}

func newUIDCounters() *uidCounters {
	return &uidCounters{next: make(map[string]uint32)}
}

func (c *uidCounters) load(email string, seed func(string) (uint32, error)) (uint32, error) {
	if next, ok := c.next[email]; ok {
		return next, nil
	}
	next, err := seed(email)
	if err != nil {
		return 0, err
	}
	c.next[email] = next
	return next, nil
}

// take returns the next UID for email and advances the counter.
func (c *uidCounters) take(email string, seed func(string) (uint32, error)) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.load(email, seed)
	if err != nil {
		return 0, err
	}
	c.next[email] = next + 1
	return next, nil
}

// peek returns the UID the next take would return.
func (c *uidCounters) peek(email string, seed func(string) (uint32, error)) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(email, seed)
}

// forget drops the cached counter so the next use reseeds from the database.
func (c *uidCounters) forget(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.next, email)
}
