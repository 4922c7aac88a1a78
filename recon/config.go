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

// Package recon implements the reconciliation controller of spec §4.F:
// the heartbeat-driven scheduler that advances the tree builder, issues
// root-advise requests, starts differencing sessions against newly-seen
// remote hashes, and retries or aborts on stall, per slice.
package recon

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/google/ccnxsync/synctree"
)

// Config bundles the option table of spec §6. Each field documents the
// option name the spec gives it; FromEnv reads most fields from the
// matching CCNX_SYNC_<OPTION> environment variable.
type Config struct {
	// Enable is the master on/off switch ("enable", default true).
	Enable bool
	// Debug is the verbosity level passed through to glog ("debug").
	Debug int
	// RepoStore publishes authored nodes to the repo when true
	// ("repo_store", default true).
	RepoStore bool
	// StableEnabled computes durable checkpoints via RepoHooks.Fence
	// when true ("stable_enabled", default true).
	StableEnabled bool
	// FauxErrorPercent injects synthetic fetch failures for testing
	// ("faux_error", default 0).
	FauxErrorPercent int

	// Heartbeat is the tick interval ("heartbeat_micros", default
	// 200ms).
	Heartbeat time.Duration
	// RootAdviseFresh is how long a reply is considered fresh
	// ("root_advise_fresh", default 4s).
	RootAdviseFresh time.Duration
	// RootAdviseLifetime is how long an outgoing advise interest lives
	// ("root_advise_lifetime", default 20s).
	RootAdviseLifetime time.Duration
	// NodeFetchLifetime is how long a node-fetch interest lives
	// ("node_fetch_lifetime", default 4s).
	NodeFetchLifetime time.Duration

	// MaxCompareBusy bounds concurrent differencing sessions across all
	// slices ("max_compares_busy", default 4).
	MaxCompareBusy int
	// DeltasLimit ("deltas_limit", default 0) is passed to deltas.New as
	// the number of recent deltas each slice keeps; 0 applies the §4.H
	// entry-count default of 4. It is an entry count, not a byte budget:
	// delta replies are not limited by size.
	DeltasLimit int
	// SyncScope tags outgoing requests ("sync_scope", default 2).
	SyncScope int

	// UpdateStallDelta is how long without progress before a session
	// logs a stall warning ("update_stall_delta").
	UpdateStallDelta time.Duration

	// Tree bundles the builder/differencing knobs (node_split_trigger,
	// hash_split_trigger, max_fetch_busy, compare_assume_bad, and the
	// cooperative-yield budgets) that synctree itself consumes.
	Tree synctree.Config

	// QuotaCompareCapacity/QuotaCompareRefillPerSec and
	// QuotaFetchCapacity/QuotaFetchRefillPerSec size the cluster-wide
	// Redis-backed token buckets (recon/quota) a deployment may enable
	// on top of MaxCompareBusy/Tree.MaxFetchBusy's per-replica ceilings.
	// Zero capacity disables the corresponding distributed check.
	QuotaCompareCapacity     int
	QuotaCompareRefillPerSec float64
	QuotaFetchCapacity       int
	QuotaFetchRefillPerSec   float64
}

// DefaultConfig returns the §6 option defaults.
func DefaultConfig() Config {
	return Config{
		Enable:             true,
		RepoStore:          true,
		StableEnabled:      true,
		FauxErrorPercent:   0,
		Heartbeat:          200 * time.Millisecond,
		RootAdviseFresh:    4 * time.Second,
		RootAdviseLifetime: 20 * time.Second,
		NodeFetchLifetime:  4 * time.Second,
		MaxCompareBusy:     4,
		DeltasLimit:        0,
		SyncScope:          2,
		UpdateStallDelta:   10 * time.Second,
		Tree:               synctree.DefaultConfig(),
	}
}

// RegisterFlags binds c's fields onto fs using the spec §6 option names
// (with "ccnxsync_" prefixed, matching the corpus convention of
// namespacing flags per binary subsystem rather than relying on flag
// package global uniqueness alone).
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Enable, "ccnxsync_enable", c.Enable, "master on/off switch for the sync engine")
	fs.IntVar(&c.Debug, "ccnxsync_debug", c.Debug, "verbosity level")
	fs.BoolVar(&c.RepoStore, "ccnxsync_repo_store", c.RepoStore, "publish authored nodes to the repo")
	fs.BoolVar(&c.StableEnabled, "ccnxsync_stable_enabled", c.StableEnabled, "compute durable checkpoints")
	fs.IntVar(&c.FauxErrorPercent, "ccnxsync_faux_error", c.FauxErrorPercent, "percent of fetches to synthetically fail")
	fs.DurationVar(&c.Heartbeat, "ccnxsync_heartbeat", c.Heartbeat, "controller tick interval")
	fs.DurationVar(&c.RootAdviseFresh, "ccnxsync_root_advise_fresh", c.RootAdviseFresh, "seconds a root-advise reply is considered fresh")
	fs.DurationVar(&c.RootAdviseLifetime, "ccnxsync_root_advise_lifetime", c.RootAdviseLifetime, "seconds an outgoing advise interest lives")
	fs.DurationVar(&c.NodeFetchLifetime, "ccnxsync_node_fetch_lifetime", c.NodeFetchLifetime, "seconds a node-fetch interest lives")
	fs.IntVar(&c.MaxCompareBusy, "ccnxsync_max_compares_busy", c.MaxCompareBusy, "concurrent differencing sessions across all slices")
	fs.IntVar(&c.DeltasLimit, "ccnxsync_deltas_limit", c.DeltasLimit, "recent deltas kept per slice, 0 for the default of 4")
	fs.IntVar(&c.SyncScope, "ccnxsync_sync_scope", c.SyncScope, "scope tag for outgoing requests")
	fs.DurationVar(&c.UpdateStallDelta, "ccnxsync_update_stall_delta", c.UpdateStallDelta, "seconds without progress before a stall warning")
	fs.IntVar(&c.Tree.NodeSplitTrigger, "ccnxsync_node_split_trigger", c.Tree.NodeSplitTrigger, "node-split size threshold in bytes")
	fs.Var(byteFlag{&c.Tree.HashSplitTrigger}, "ccnxsync_hash_split_trigger", "hash-byte threshold for splits, 0-255")
	fs.IntVar(&c.Tree.MaxFetchBusy, "ccnxsync_max_fetch_busy", c.Tree.MaxFetchBusy, "concurrent fetches per differencing session")
	fs.DurationVar(&c.Tree.CompareAssumeBad, "ccnxsync_compare_assume_bad", c.Tree.CompareAssumeBad, "seconds without a successful fetch before a session aborts")
	fs.IntVar(&c.QuotaCompareCapacity, "ccnxsync_quota_compare_capacity", c.QuotaCompareCapacity, "cluster-wide compare token bucket capacity, 0 disables")
	fs.Float64Var(&c.QuotaCompareRefillPerSec, "ccnxsync_quota_compare_refill_per_sec", c.QuotaCompareRefillPerSec, "cluster-wide compare token bucket refill rate")
	fs.IntVar(&c.QuotaFetchCapacity, "ccnxsync_quota_fetch_capacity", c.QuotaFetchCapacity, "cluster-wide fetch token bucket capacity, 0 disables")
	fs.Float64Var(&c.QuotaFetchRefillPerSec, "ccnxsync_quota_fetch_refill_per_sec", c.QuotaFetchRefillPerSec, "cluster-wide fetch token bucket refill rate")
}

// byteFlag adapts a *byte to flag.Value so hash_split_trigger (an 8-bit
// threshold) can be registered without widening its storage type.
type byteFlag struct{ p *byte }

func (b byteFlag) String() string {
	if b.p == nil {
		return "0"
	}
	return strconv.Itoa(int(*b.p))
}

func (b byteFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v < 0 || v > 255 {
		return strconv.ErrRange
	}
	*b.p = byte(v)
	return nil
}

// FromEnv overlays environment variable overrides onto c, following the
// CCNX_SYNC_<OPTION> naming spec §6 implies ("via environment or
// equivalent"). Malformed values are logged and left at their prior
// setting rather than aborting startup.
func FromEnv(c Config) Config {
	envBool(&c.Enable, "CCNX_SYNC_ENABLE")
	envInt(&c.Debug, "CCNX_SYNC_DEBUG")
	envBool(&c.RepoStore, "CCNX_SYNC_REPO_STORE")
	envBool(&c.StableEnabled, "CCNX_SYNC_STABLE_ENABLED")
	envInt(&c.FauxErrorPercent, "CCNX_SYNC_FAUX_ERROR")
	envDuration(&c.Heartbeat, "CCNX_SYNC_HEARTBEAT_MICROS", time.Microsecond)
	envDuration(&c.RootAdviseFresh, "CCNX_SYNC_ROOT_ADVISE_FRESH", time.Second)
	envDuration(&c.RootAdviseLifetime, "CCNX_SYNC_ROOT_ADVISE_LIFETIME", time.Second)
	envDuration(&c.NodeFetchLifetime, "CCNX_SYNC_NODE_FETCH_LIFETIME", time.Second)
	envInt(&c.MaxCompareBusy, "CCNX_SYNC_MAX_COMPARES_BUSY")
	envInt(&c.DeltasLimit, "CCNX_SYNC_DELTAS_LIMIT")
	envInt(&c.SyncScope, "CCNX_SYNC_SYNC_SCOPE")
	envInt(&c.Tree.NodeSplitTrigger, "CCNX_SYNC_NODE_SPLIT_TRIGGER")
	envInt(&c.Tree.MaxFetchBusy, "CCNX_SYNC_MAX_FETCH_BUSY")
	envDuration(&c.Tree.CompareAssumeBad, "CCNX_SYNC_COMPARE_ASSUME_BAD", time.Second)
	envInt(&c.QuotaCompareCapacity, "CCNX_SYNC_QUOTA_COMPARE_CAPACITY")
	envFloat(&c.QuotaCompareRefillPerSec, "CCNX_SYNC_QUOTA_COMPARE_REFILL_PER_SEC")
	envInt(&c.QuotaFetchCapacity, "CCNX_SYNC_QUOTA_FETCH_CAPACITY")
	envFloat(&c.QuotaFetchRefillPerSec, "CCNX_SYNC_QUOTA_FETCH_REFILL_PER_SEC")
	if v, ok := os.LookupEnv("CCNX_SYNC_HASH_SPLIT_TRIGGER"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 255 {
			glog.Warningf("recon: ignoring invalid CCNX_SYNC_HASH_SPLIT_TRIGGER=%q", v)
		} else {
			c.Tree.HashSplitTrigger = byte(n)
		}
	}
	return c
}

func envBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		glog.Warningf("recon: ignoring invalid %s=%q", key, v)
		return
	}
	*dst = b
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		glog.Warningf("recon: ignoring invalid %s=%q", key, v)
		return
	}
	*dst = n
}

func envFloat(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		glog.Warningf("recon: ignoring invalid %s=%q", key, v)
		return
	}
	*dst = f
}

func envDuration(dst *time.Duration, key string, unit time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		glog.Warningf("recon: ignoring invalid %s=%q", key, v)
		return
	}
	*dst = time.Duration(n) * unit
}
