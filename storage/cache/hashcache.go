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

// Package cache implements the hash-indexed node cache (spec §4.A): a
// canonical in-memory index of every known tree node keyed by its hash,
// tracking per-entry presence/fetch/coverage state and busy pinning so that
// nodes referenced by an in-flight walker are never evicted out from under
// it.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/metrics"
)

// State is a bitmask of per-entry flags.
type State uint8

const (
	// LocalPresent: the local store holds (or built) a node with this hash.
	LocalPresent State = 1 << iota
	// RemotePresent: a peer's node body has been fetched for this hash.
	RemotePresent
	// Fetching: a node-fetch for this hash is currently outstanding.
	Fetching
	// Covered: nothing under this hash is missing locally, either because
	// a local node with the same hash exists or the differencing engine
	// has already established equivalence.
	Covered
	// Storing: a locally authored node is queued for persistent storage.
	Storing
	// Stored: the repo-store hook has confirmed durable storage.
	Stored
)

// Has reports whether all bits in want are set in s.
func (s State) Has(want State) bool { return s&want == want }

// Entry is one cache slot, keyed by its node hash.
type Entry struct {
	Hash [merkle.MaxHashBytes]byte

	Local  *merkle.Node
	Remote *merkle.Node

	state State
	busy  int
	marked bool

	lastUsed time.Time
}

// State returns the entry's current flag bitmask.
func (e *Entry) State() State { return e.state }

// Busy reports whether any walker currently holds this entry (pinned).
func (e *Entry) Busy() bool { return e.busy > 0 }

// Node returns whichever node body is available, preferring the local one
// (an authored or previously-fetched-and-adopted node), matching the
// cache's role as the single source of truth queried by the walker.
func (e *Entry) Node() *merkle.Node {
	if e.Local != nil {
		return e.Local
	}
	return e.Remote
}

// ErrBusy is returned by Remove when the entry is still pinned by a walker.
var ErrBusy = errors.New("cache: entry is busy and cannot be removed")

// Cache is the hash table described in spec §4.A. The
// merkle.MaxHashBytes-byte hash array is the Go map key directly: the map
// hashes the full key to pick a bucket and resolves collisions by
// full-key equality.
type Cache struct {
	mu      sync.Mutex
	entries map[[merkle.MaxHashBytes]byte]*Entry

	purgeTrigger time.Duration
	metrics      *metrics.Metrics
}

// New creates an empty Cache. purgeTrigger is the cache_purge_trigger
// duration from spec §5: entries unreferenced for longer than this, and
// unreachable from the current root, are eligible for eviction. m may be
// nil to disable metrics recording.
func New(purgeTrigger time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		entries:      make(map[[merkle.MaxHashBytes]byte]*Entry),
		purgeTrigger: purgeTrigger,
		metrics:      m,
	}
}

// Lookup returns the existing entry for hash, if any.
func (c *Cache) Lookup(hash [merkle.MaxHashBytes]byte) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	return e, ok
}

// Enter returns the existing entry for hash, creating one with the given
// initial state bits if absent.
func (c *Cache) Enter(hash [merkle.MaxHashBytes]byte, initial State) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		e = &Entry{Hash: hash, state: initial, lastUsed: time.Now()}
		c.entries[hash] = e
		if c.metrics != nil {
			c.metrics.CacheEntries.Set(float64(len(c.entries)))
		}
		return e
	}
	e.state |= initial
	return e
}

// SetLocal attaches a locally-known node body to the entry and marks it
// LocalPresent. Setting local while remote is already present marks the
// entry Covered, per spec §4.A.
func (c *Cache) SetLocal(e *Entry, n *merkle.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Local = n
	e.state |= LocalPresent
	if e.state.Has(RemotePresent) {
		e.state |= Covered
	}
	e.lastUsed = time.Now()
}

// SetRemote attaches a remotely-fetched node body to the entry and marks
// it RemotePresent (and Fetching cleared). Symmetric with SetLocal.
func (c *Cache) SetRemote(e *Entry, n *merkle.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Remote = n
	e.state |= RemotePresent
	e.state &^= Fetching
	if e.state.Has(LocalPresent) {
		e.state |= Covered
	}
	e.lastUsed = time.Now()
}

// MarkStored marks e as durably persisted and clears Storing, called once
// the repo-store hook confirms a locally authored node has been written,
// per spec §3 "Lifetimes": until this fires, the node remains pinned by
// the Storing flag alone even if no walker currently busy-pins it.
func (c *Cache) MarkStored(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.state |= Stored
	e.state &^= Storing
}

// MarkCovered marks e Covered directly, used by the differencing engine
// once it has established that nothing under a remote subtree is missing
// locally without ever fetching a local-side equivalent.
func (c *Cache) MarkCovered(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.state |= Covered
}

// SetFetching marks e as having an outstanding fetch.
func (c *Cache) SetFetching(e *Entry, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		e.state |= Fetching
	} else {
		e.state &^= Fetching
	}
}

// Pin increments the entry's busy count (called when a walker descends
// into it) so Remove refuses to evict it.
func (c *Cache) Pin(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.busy++
	e.lastUsed = time.Now()
}

// Unpin decrements the busy count (called when a walker ascends past it).
func (c *Cache) Unpin(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.busy > 0 {
		e.busy--
	}
}

// Remove deletes e from the cache, refusing while e is busy.
func (c *Cache) Remove(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.busy > 0 {
		return ErrBusy
	}
	delete(c.entries, e.Hash)
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	return nil
}

// ClearMarks clears the reachability-GC `marked` flag on every entry,
// the first step of a mark-and-sweep purge pass.
func (c *Cache) ClearMarks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.marked = false
	}
}

// Mark sets the reachability flag on e, recording that it was visited
// while walking from a live root during a purge pass.
func (c *Cache) Mark(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.marked = true
}

// PurgeUnreachable evicts every entry that is unmarked, not busy, not
// awaiting repo-store confirmation, and has been unused for at least the
// configured purge trigger duration. It returns the number of entries
// evicted. Callers are expected to have walked and Mark()ed every entry
// reachable from a live root beforehand.
func (c *Cache) PurgeUnreachable(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for h, e := range c.entries {
		if e.marked || e.busy > 0 || e.state.Has(Storing) {
			continue
		}
		if now.Sub(e.lastUsed) < c.purgeTrigger {
			continue
		}
		delete(c.entries, h)
		n++
	}
	if n > 0 {
		glog.V(2).Infof("cache: purged %d unreachable entries", n)
		if c.metrics != nil {
			c.metrics.CacheEntries.Set(float64(len(c.entries)))
		}
	}
	return n
}

// Len reports the number of entries currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
