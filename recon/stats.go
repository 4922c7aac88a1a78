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

package recon

import (
	"fmt"
	"time"

	"github.com/google/ccnxsync/merkle"
)

// statCounters tracks the human-readable per-slice counters the original
// implementation's "roots" table answers a stats request with (csrc/sync/
// SyncBase.c), recovered in SPEC_FULL as a supplemented feature of spec
// §6's stats marker.
type statCounters struct {
	opened          time.Time
	namesBuffered   uint64
	buildsStarted   uint64
	buildsCompleted uint64
	sessionsStarted uint64
	sessionsAborted uint64
	namesDiscovered uint64
}

// Stats renders a human-readable status line for the slice named by hash,
// the spec §6 "stats marker" response. It returns ErrUnknownSlice if the
// slice is not currently open.
func (c *Controller) Stats(hash [merkle.MaxHashBytes]byte) (string, error) {
	c.mu.Lock()
	b, ok := c.bindings[hash]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %x", ErrUnknownSlice, hash)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.statsLocked(b), nil
}

// statsLocked builds the stats line with b.mu already held.
func (c *Controller) statsLocked(b *binding) string {
	state := "idle"
	switch {
	case b.builder != nil:
		state = "building"
	case b.diffing != nil:
		state = "comparing:" + b.diffing.d.State().String()
	}
	var rootHash [merkle.MaxHashBytes]byte
	if b.localRoot != nil {
		rootHash = b.localRoot.Hash
	}
	return fmt.Sprintf(
		"slice=%x state=%s root=%x cache_entries=%d names_buffered=%d "+
			"builds=%d/%d sessions=%d/%d names_discovered=%d oldest_fetch=%s uptime=%s",
		b.sliceHash, state, rootHash, b.cache.Len(), len(b.pending),
		b.stats.buildsCompleted, b.stats.buildsStarted,
		b.stats.sessionsAborted, b.stats.sessionsStarted,
		b.stats.namesDiscovered, c.OldestFetchAge(time.Now()).Truncate(time.Millisecond),
		time.Since(b.stats.opened).Truncate(time.Second),
	)
}
