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

// Package synctree implements the incremental tree builder (spec §4.D) and
// the two-tree differencing engine (spec §4.E) on top of the merkle node
// codec and the storage/cache hash cache and walker.
package synctree

import "time"

// Config bundles the knobs of §6 relevant to building and differencing.
// The reconciliation controller owns the authoritative recon.Config and
// projects the fields this package needs into one of these on each call,
// so synctree never has to import the recon package.
type Config struct {
	// NodeSplitTrigger is the byte-size threshold ("node_split_trigger",
	// default 4000) past which a leaf or internal accumulator splits.
	NodeSplitTrigger int

	// HashSplitTrigger is the last-component-penultimate-byte threshold
	// ("hash_split_trigger", default 17 of 256) that hashBreak tests
	// against. The builder's split decision does not depend on it: splits
	// fall only where NodeSplitTrigger is exceeded.
	HashSplitTrigger byte

	// NamesYieldInc is the approximate number of names processed between
	// cooperative yields ("names_yield_inc").
	NamesYieldInc int

	// NamesYieldBudget is the wall-clock budget per Step call
	// ("names_yield_micros").
	NamesYieldBudget time.Duration

	// MaxFetchBusy bounds concurrent outstanding node fetches per
	// differencing session ("max_fetch_busy", default 6).
	MaxFetchBusy int

	// CompareAssumeBad is the stall deadline: if no fetch succeeds within
	// this duration, a session aborts ("compare_assume_bad", default 20s).
	CompareAssumeBad time.Duration

	// MaxNodeBytes is the oversize ceiling passed to merkle.ParseNode.
	MaxNodeBytes int
}

// DefaultConfig returns the §6 option defaults.
func DefaultConfig() Config {
	return Config{
		NodeSplitTrigger: 4000,
		HashSplitTrigger: 17,
		NamesYieldInc:    1000,
		NamesYieldBudget: 10 * time.Millisecond,
		MaxFetchBusy:     6,
		CompareAssumeBad: 20 * time.Second,
		MaxNodeBytes:     1 << 20,
	}
}
