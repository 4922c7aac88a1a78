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
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/synctree"
	"github.com/google/ccnxsync/transport"
)

// diffSession binds one synctree.Differ run to its owning binding and to
// the transport fetches it has outstanding. Per spec §9 "back-pointer
// from an in-flight fetch to its session", the fetch closures captured
// below hold only a *bool weak handle: close flips it false, and a
// closure that fires afterward discards its result instead of touching a
// freed session.
type diffSession struct {
	d       *synctree.Differ
	yHash   [merkle.MaxHashBytes]byte
	live    *bool
	started time.Time

	lastProgress time.Time
	emitted      []ccnname.Name
}

// newDiffSession starts a differencing session comparing b's current
// local root against yEntry (the peer's most recently advised root),
// wiring node fetches through the transport and name discoveries back
// through b's NameCallback, per spec §4.E/§4.F.
func (c *Controller) newDiffSession(b *binding, yHash [merkle.MaxHashBytes]byte) *diffSession {
	yEntry := b.cache.Enter(yHash, 0)
	live := new(bool)
	*live = true
	now := time.Now()
	ds := &diffSession{yHash: yHash, live: live, started: now, lastProgress: now}

	fetch := func(hash [merkle.MaxHashBytes]byte) {
		c.dispatchNodeFetch(b, ds, hash)
	}
	sink := func(name ccnname.Name) bool {
		if name == nil {
			if b.cb != nil {
				c.cfg.invokeCallback(&SessionHandle{b: b}, b, yHash, nil)
			}
			return true
		}
		ds.lastProgress = time.Now()
		ds.emitted = append(ds.emitted, name.Clone())
		if b.cb == nil {
			return true
		}
		h := &SessionHandle{b: b}
		return c.cfg.invokeCallback(h, b, yHash, name)
	}
	ds.d = synctree.NewDiffer(b.cache, c.cfg.Tree, c.metrics, b.localRoot, yEntry, fetch, sink)
	return ds
}

// invokeCallback calls cb and translates its spec-mandated int return
// (0 continue, negative abort) into the bool synctree.SinkFunc expects.
func (cfg Config) invokeCallback(h *SessionHandle, b *binding, yHash [merkle.MaxHashBytes]byte, name ccnname.Name) bool {
	var localHash [merkle.MaxHashBytes]byte
	if b.localRoot != nil {
		localHash = b.localRoot.Hash
	}
	return b.cb(h, localHash, yHash, name) >= 0
}

// dispatchNodeFetch issues a node-fetch interest over the transport for
// hash, scoped to b's slice, and wires the reply back into ds via the
// weak-handle guard so a closure arriving after the session has closed is
// a safe no-op (spec §5 "Cancellation").
func (c *Controller) dispatchNodeFetch(b *binding, ds *diffSession, hash [merkle.MaxHashBytes]byte) {
	if c.transport == nil {
		ds.d.DeliverFetch(hash, nil, transport.ErrTransportRejected)
		return
	}
	if !c.fetchQuotaOK(b) {
		ds.d.DeliverFetch(hash, nil, transport.ErrTransportRejected)
		return
	}
	name := transport.RequestName(b.slice.TopoPrefix, transport.NodeFetchMarker, b.sliceHash, hash)
	rec := &fetchRecord{hash: hash, slice: b.sliceHash, started: time.Now()}
	c.fetchMu.Lock()
	if evicted := c.fetches.Add(rec); evicted != nil {
		glog.V(2).Infof("recon: fetch heap over capacity, dropping oldest tracked fetch %x", evicted.hash)
	}
	c.fetchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NodeFetchLifetime)
	closure := func(body []byte, err error) {
		defer cancel()
		c.fetchMu.Lock()
		c.fetches.Remove(rec)
		c.fetchMu.Unlock()
		if !*ds.live {
			return // session was closed while this fetch was outstanding
		}
		// Mutate the differencing session under the binding's lock: the
		// transport may invoke this closure from a goroutine other than
		// the one driving Tick, and Differ itself assumes the
		// single-threaded cooperative scheduling model of spec §5.
		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			if c.metrics != nil {
				c.metrics.FetchesFailed.Inc()
			}
			ds.d.DeliverFetch(hash, nil, err)
			return
		}
		ds.d.DeliverFetch(hash, body, nil)
	}
	if err := c.transport.ExpressRequest(ctx, name, nil, closure); err != nil {
		closure(nil, err)
	}
}

// fetchQuotaOK consults the cluster-wide fetch token bucket, if one is
// configured, returning true immediately when no limiter is attached.
func (c *Controller) fetchQuotaOK(b *binding) bool {
	c.mu.Lock()
	q := c.quota
	c.mu.Unlock()
	if q == nil || c.cfg.QuotaFetchCapacity <= 0 {
		return true
	}
	ok, err := q.Allow("fetch", c.cfg.QuotaFetchCapacity, c.cfg.QuotaFetchRefillPerSec)
	if err != nil {
		glog.Warningf("recon: fetch quota check for slice %x failed, allowing: %v", b.sliceHash, err)
		return true
	}
	return ok
}

// close tears down the differencing session without invoking the user
// callback, per spec §5: cancellation never synchronously invokes the
// client, and any fetch already in flight observes live==false and
// discards its result.
func (ds *diffSession) close() {
	*ds.live = false
	ds.d.Close()
}

// step advances the session by one bounded Step, logging a stall warning
// (distinct from the hard abort synctree.Differ itself enforces once
// cfg.CompareAssumeBad elapses) if no name has been emitted in
// updateStallDelta.
func (ds *diffSession) step(updateStallDelta time.Duration) (done bool, err error) {
	if updateStallDelta > 0 && time.Since(ds.lastProgress) > updateStallDelta {
		glog.Warningf("recon: session against Y=%x has made no progress in %s", ds.yHash, time.Since(ds.lastProgress))
		ds.lastProgress = time.Now() // avoid re-logging every tick
	}
	return ds.d.Step()
}
