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
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/metrics"
	"github.com/google/ccnxsync/slice"
	"github.com/google/ccnxsync/transport"
)

func name(parts ...string) ccnname.Name {
	n := make(ccnname.Name, len(parts))
	for i, p := range parts {
		n[i] = ccnname.Component(p)
	}
	return n
}

func testMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	return metrics.NewMetrics(prometheus.NewRegistry())
}

// filterReg is one entry registered via RegisterFilter.
type filterReg struct {
	prefix  ccnname.Name
	handler transport.Handler
}

// loopTransport is a synchronous, in-memory transport.Transport that
// routes ExpressRequest calls to a peer loopTransport's registered
// handlers, invoking the reply closure before ExpressRequest itself
// returns. This mirrors how a fast local transport (or a unit test fake)
// can legitimately behave, and is exactly the shape that exposed the
// binding.mu reentrancy hazard sendAdviseLocked/recordRemote guard
// against: the closure fires from deep inside the caller's own Tick,
// while that caller's binding lock is still held.
type loopTransport struct {
	mu      sync.Mutex
	filters []filterReg
	peer    *loopTransport
}

func newLoopPair() (a, b *loopTransport) {
	a = &loopTransport{}
	b = &loopTransport{}
	a.peer, b.peer = b, a
	return a, b
}

func (lt *loopTransport) RegisterFilter(prefix ccnname.Name, h transport.Handler) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.filters = append(lt.filters, filterReg{prefix, h})
	return nil
}

func (lt *loopTransport) Put(ctx context.Context, body []byte) error { return nil }

func (lt *loopTransport) ExpressRequest(ctx context.Context, reqName ccnname.Name, template interface{}, closure transport.ResponseClosure) error {
	lt.peer.mu.Lock()
	var handler transport.Handler
	for _, f := range lt.peer.filters {
		if reqName.HasPrefix(f.prefix) {
			handler = f.handler
			break
		}
	}
	lt.peer.mu.Unlock()
	if handler == nil {
		closure(nil, transport.ErrTransportRejected)
		return nil
	}
	body, ok := handler(ctx, reqName)
	if !ok {
		closure(nil, transport.ErrTransportRejected)
		return nil
	}
	closure(body, nil)
	return nil
}

// collector accumulates every name a NameCallback observes.
type collector struct {
	mu    sync.Mutex
	names []ccnname.Name
}

func (c *collector) callback() NameCallback {
	return func(h *SessionHandle, localHash, remoteHash [merkle.MaxHashBytes]byte, n ccnname.Name) int {
		if n == nil {
			return 0
		}
		c.mu.Lock()
		c.names = append(c.names, n.Clone())
		c.mu.Unlock()
		return 0
	}
}

func (c *collector) has(n ccnname.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.names {
		if got.Equal(n) {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Heartbeat = time.Millisecond
	cfg.RootAdviseLifetime = time.Millisecond
	cfg.NodeFetchLifetime = time.Second
	cfg.StableEnabled = false
	return cfg
}

// TestControllerReconcilesAcrossPeers drives two independent Controllers,
// wired together by a loopback transport, until the one that started
// ahead converges the one that started empty onto the same name set.
// This exercises Open, NotifyNewNames, Tick's full advise/diff/fetch
// cycle, and Close end to end.
func TestControllerReconcilesAcrossPeers(t *testing.T) {
	tA, tB := newLoopPair()

	ctrlA := NewController(testConfig(), tA, nil, nil, testMetrics(t))
	ctrlB := NewController(testConfig(), tB, nil, nil, testMetrics(t))

	topo := name("sync")
	sl := &slice.Slice{TopoPrefix: topo, NamingPrefix: name("content")}

	var collB collector
	hA, err := ctrlA.Open(sl, nil, nil, nil)
	if err != nil {
		t.Fatalf("ctrlA.Open: %v", err)
	}
	hB, err := ctrlB.Open(sl, collB.callback(), nil, nil)
	if err != nil {
		t.Fatalf("ctrlB.Open: %v", err)
	}

	want := []ccnname.Name{
		name("content", "a"),
		name("content", "b"),
		name("content", "c"),
	}
	if err := ctrlA.NotifyNewNames(hA.SliceHash(), want); err != nil {
		t.Fatalf("NotifyNewNames: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		ctrlA.Tick(now)
		ctrlB.Tick(now)

		allSeen := true
		for _, n := range want {
			if !collB.has(n) {
				allSeen = false
				break
			}
		}
		if allSeen {
			break
		}
		time.Sleep(time.Millisecond)
	}

	for _, n := range want {
		if !collB.has(n) {
			t.Errorf("peer B never observed name %s", n)
		}
	}

	ctrlA.Close(hA)
	ctrlB.Close(hB)
}

// TestNotifyNewNamesUnknownSlice confirms NotifyNewNames rejects a hash
// that was never opened rather than silently dropping the names.
func TestNotifyNewNamesUnknownSlice(t *testing.T) {
	ctrl := NewController(testConfig(), nil, nil, nil, testMetrics(t))
	var hash [merkle.MaxHashBytes]byte
	if err := ctrl.NotifyNewNames(hash, []ccnname.Name{name("x")}); err == nil {
		t.Fatal("expected ErrUnknownSlice, got nil")
	}
}

// TestOpenRejectsDuplicateSlice confirms Open enforces one binding per
// canonical slice hash.
func TestOpenRejectsDuplicateSlice(t *testing.T) {
	ctrl := NewController(testConfig(), nil, nil, nil, testMetrics(t))
	sl := &slice.Slice{TopoPrefix: name("sync"), NamingPrefix: name("content")}
	if _, err := ctrl.Open(sl, nil, nil, nil); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := ctrl.Open(sl, nil, nil, nil); err != ErrAlreadyOpen {
		t.Fatalf("second Open: got %v, want ErrAlreadyOpen", err)
	}
}

// TestCloseIsIdempotent confirms a second Close on the same handle is a
// safe no-op rather than a double-release panic (sessionSem, registry).
func TestCloseIsIdempotent(t *testing.T) {
	ctrl := NewController(testConfig(), nil, nil, nil, testMetrics(t))
	sl := &slice.Slice{TopoPrefix: name("sync"), NamingPrefix: name("content")}
	h, err := ctrl.Open(sl, nil, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctrl.Close(h)
	ctrl.Close(h) // must not panic or double-release the session semaphore
}

// TestStatsUnknownSlice confirms Stats surfaces ErrUnknownSlice for a
// hash that isn't open.
func TestStatsUnknownSlice(t *testing.T) {
	ctrl := NewController(testConfig(), nil, nil, nil, testMetrics(t))
	var hash [merkle.MaxHashBytes]byte
	if _, err := ctrl.Stats(hash); err == nil {
		t.Fatal("expected ErrUnknownSlice, got nil")
	}
}
