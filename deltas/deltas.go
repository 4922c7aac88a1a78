// Copyright 2016 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package deltas implements the bounded recent-changes cache of spec
// §4.H: a short FIFO of (oldRoot, newRoot, names) triples that lets the
// reconciliation controller answer a peer's root-advise with a name list
// directly, skipping a full differencing pass when the peer's last-seen
// hash is one we recently transitioned away from.
package deltas

import (
	"sync"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
)

// Delta is one recorded (oldRoot → newRoot) transition and the names
// that were added to produce it.
type Delta struct {
	OldRoot [merkle.MaxHashBytes]byte
	NewRoot [merkle.MaxHashBytes]byte
	Names   []ccnname.Name
}

// Cache holds the most recent deltas for a single slice, oldest evicted
// first once Limit is exceeded (default n_deltas_limit = 4, spec §4.H).
type Cache struct {
	mu     sync.Mutex
	limit  int
	deltas []Delta
}

// New creates a Cache retaining at most limit entries.
func New(limit int) *Cache {
	if limit <= 0 {
		limit = 4
	}
	return &Cache{limit: limit}
}

// Record appends a new delta, evicting the oldest entry if the cache is
// now over its limit.
func (c *Cache) Record(d Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, d)
	if over := len(c.deltas) - c.limit; over > 0 {
		c.deltas = c.deltas[over:]
	}
}

// Lookup returns the most recent delta whose OldRoot equals
// oldRoot, if one is cached, letting the controller answer a peer's
// advise without starting a new differencing session.
func (c *Cache) Lookup(oldRoot [merkle.MaxHashBytes]byte) (Delta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.deltas) - 1; i >= 0; i-- {
		if c.deltas[i].OldRoot == oldRoot {
			return c.deltas[i], true
		}
	}
	return Delta{}, false
}

// Len reports how many deltas are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deltas)
}
