/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package ratelimit keeps rolling windows of event timestamps per key, such
// as a client IP or a destination domain, and plain per-key counters for
// resources that are held and given back.
package ratelimit

import (
	"time"

	"github.com/Arceliar/phony"
)

// Window allows at most limit events per key within a rolling window. All
// state is owned by the actor inbox.
type Window struct {
	phony.Inbox
	limit  int
	window time.Duration
	now    func() time.Time
	events map[string][]time.Time
}

func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		limit:  limit,
		window: window,
		now:    time.Now,
		events: map[string][]time.Time{},
	}
}

// SetClock replaces the time source, for tests.
func (w *Window) SetClock(now func() time.Time) {
	phony.Block(w, func() {
		w.now = now
	})
}

// prune must run inside the actor.
func (w *Window) prune(key string) []time.Time {
	cutoff := w.now().Add(-w.window)
	events := w.events[key]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	events = events[i:]
	if len(events) == 0 {
		delete(w.events, key)
		return nil
	}
	w.events[key] = events
	return events
}

// Allow records an event for key and reports true, unless the key is already
// at its limit in which case nothing is recorded.
func (w *Window) Allow(key string) bool {
	var ok bool
	phony.Block(w, func() {
		events := w.prune(key)
		if len(events) >= w.limit {
			return
		}
		w.events[key] = append(events, w.now())
		ok = true
	})
	return ok
}

// Exceeded reports whether key has reached its limit without recording.
func (w *Window) Exceeded(key string) bool {
	var exceeded bool
	phony.Block(w, func() {
		exceeded = len(w.prune(key)) >= w.limit
	})
	return exceeded
}

// Record adds an event regardless of the limit.
func (w *Window) Record(key string) {
	w.Act(nil, func() {
		w.events[key] = append(w.prune(key), w.now())
	})
}

func (w *Window) Count(key string) int {
	var n int
	phony.Block(w, func() {
		n = len(w.prune(key))
	})
	return n
}

// Counter caps how many units of something, such as open connections, a key
// holds at once. Units never expire; each Acquire that succeeded must be
// paired with one Release.
type Counter struct {
	phony.Inbox
	limit int
	held  map[string]int
}

func NewCounter(limit int) *Counter {
	return &Counter{
		limit: limit,
		held:  map[string]int{},
	}
}

// Acquire takes a unit for key and reports true, unless key already holds
// limit units.
func (c *Counter) Acquire(key string) bool {
	var ok bool
	phony.Block(c, func() {
		if c.held[key] >= c.limit {
			return
		}
		c.held[key]++
		ok = true
	})
	return ok
}

func (c *Counter) Release(key string) {
	c.Act(nil, func() {
		switch n := c.held[key]; {
		case n <= 1:
			delete(c.held, key)
		default:
			c.held[key] = n - 1
		}
	})
}

func (c *Counter) Count(key string) int {
	var n int
	phony.Block(c, func() {
		n = c.held[key]
	})
	return n
}
