// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package conn

import (
	"sync"
	"time"
)

// reconnectPolicy tracks retry bookkeeping for one outage episode.
// Within an episode the backoff only grows, clamped to the ceiling; any
// successful session establishment resets it to the floor.
type reconnectPolicy struct {
	attemptCount int
	backoff      time.Duration

	floor       time.Duration
	ceiling     time.Duration
	maxAttempts int
}

func newReconnectPolicy(floor, ceiling time.Duration, maxAttempts int) *reconnectPolicy {
	return &reconnectPolicy{backoff: floor, floor: floor, ceiling: ceiling, maxAttempts: maxAttempts}
}

// next consumes one attempt and returns the delay to wait before it.
// The delay doubles for the following attempt, up to the ceiling.
func (p *reconnectPolicy) next() time.Duration {
	p.attemptCount++
	d := p.backoff
	p.backoff *= 2
	if p.backoff > p.ceiling {
		p.backoff = p.ceiling
	}
	return d
}

// exhausted reports whether the episode has used up its attempts.
func (p *reconnectPolicy) exhausted() bool {
	return p.attemptCount >= p.maxAttempts
}

// reset ends the outage episode after a successful establishment.
func (p *reconnectPolicy) reset() {
	p.attemptCount = 0
	p.backoff = p.floor
}

// dailyCounter caps how often a class of event may happen per calendar
// day. A flapping accessory must not cause unbounded background churn.
type dailyCounter struct {
	count int
	day   time.Time
	cap   int
}

func newDailyCounter(cap int) *dailyCounter {
	return &dailyCounter{cap: cap}
}

// bump records one occurrence and reports whether the cap is still
// respected.
func (d *dailyCounter) bump(now time.Time) bool {
	today := now.Truncate(24 * time.Hour)
	if !today.Equal(d.day) {
		d.day = today
		d.count = 0
	}
	d.count++
	return d.count <= d.cap
}

// ttlSet is a bounded time-indexed set used to de-duplicate per-device
// log lines, so repeated scan hits do not storm the log. Pruned on every
// insert; entries expire after the TTL.
type ttlSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	max     int
}

func newTTLSet(ttl time.Duration, max int) *ttlSet {
	return &ttlSet{entries: make(map[string]time.Time), ttl: ttl, max: max}
}

// seen marks the key and reports whether it was already present and
// fresh. The set never exceeds its size bound; when full, new keys are
// reported unseen but not tracked, which only costs a duplicate log
// line.
func (s *ttlSet) seen(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, at := range s.entries {
		if now.Sub(at) > s.ttl {
			delete(s.entries, k)
		}
	}

	if at, ok := s.entries[key]; ok && now.Sub(at) <= s.ttl {
		return true
	}
	if len(s.entries) < s.max {
		s.entries[key] = now
	}
	return false
}
