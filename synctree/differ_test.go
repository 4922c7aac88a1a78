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

package synctree

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/storage/cache"
)

// buildRoot merges names into a fresh tree and returns its root entry, or
// nil if names is empty.
func buildRoot(t *testing.T, c *cache.Cache, cfg Config, names []ccnname.Name) *cache.Entry {
	t.Helper()
	b := NewBuilder(c, cfg, testMetrics(t), nil, names)
	runToCompletion(t, b)
	return b.Root
}

// recordingSink collects every non-nil name delivered and remembers
// whether the sentinel nil arrived.
type recordingSink struct {
	names       []ccnname.Name
	gotSentinel bool
}

func (s *recordingSink) sink(name ccnname.Name) bool {
	if name == nil {
		s.gotSentinel = true
		return true
	}
	s.names = append(s.names, name)
	return true
}

// collectBodies walks every node reachable from root (already fully local)
// and records its canonical encoding, simulating what a peer's node store
// would hand back over the wire for each hash.
func collectBodies(t *testing.T, c *cache.Cache, root *cache.Entry, out map[[merkle.MaxHashBytes]byte][]byte) {
	t.Helper()
	if root == nil {
		return
	}
	w := cache.NewWalker(c)
	w.Init(root)
	for !w.Done() {
		top := w.Top()
		node := top.Entry.Node()
		if node == nil {
			t.Fatalf("collectBodies: missing body for %x", top.Entry.Hash)
		}
		out[top.Entry.Hash] = node.Encoding
		if top.Position >= len(node.Refs) {
			w.Pop()
			continue
		}
		ref := node.Refs[top.Position]
		if ref.IsLeaf {
			w.Advance()
			continue
		}
		if !w.Push() {
			t.Fatalf("expected to descend into a node reference")
		}
	}
}

func runDiffer(t *testing.T, d *Differ) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		done, err := d.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if done {
			return
		}
	}
	t.Fatalf("differ did not converge")
}

func TestDifferEmptyVsSingleName(t *testing.T) {
	c := cache.New(time.Hour, nil)
	cfg := DefaultConfig()
	yRoot := buildRoot(t, c, cfg, []ccnname.Name{name("a", "b")})

	var sink recordingSink
	d := NewDiffer(c, cfg, testMetrics(t), nil, yRoot, func([merkle.MaxHashBytes]byte) {}, sink.sink)
	runDiffer(t, d)

	if len(sink.names) != 1 || !sink.names[0].Equal(name("a", "b")) {
		t.Fatalf("emitted names = %v, want exactly [/a/b]", sink.names)
	}
	if !sink.gotSentinel {
		t.Fatalf("expected a final sentinel callback")
	}
	if !yRoot.State().Has(cache.Covered) {
		t.Fatalf("expected Y root marked covered after a successful session")
	}
}

func TestDifferEqualTreesEmitsNothing(t *testing.T) {
	c := cache.New(time.Hour, nil)
	cfg := DefaultConfig()
	names := []ccnname.Name{name("a"), name("b"), name("c")}
	xRoot := buildRoot(t, c, cfg, names)
	yRoot := xRoot // identical tree: same entry

	var sink recordingSink
	d := NewDiffer(c, cfg, testMetrics(t), xRoot, yRoot, func([merkle.MaxHashBytes]byte) {}, sink.sink)
	runDiffer(t, d)

	if len(sink.names) != 0 {
		t.Fatalf("emitted names = %v, want none for equal trees", sink.names)
	}
	if !sink.gotSentinel {
		t.Fatalf("expected a final sentinel callback")
	}
}

func TestDifferDisjointSubtreeFetchesOnDemand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeSplitTrigger = 120 // force splitting so Y has internal structure to fetch into

	cX := cache.New(time.Hour, nil)
	var xNames []ccnname.Name
	for i := 0; i < 100; i++ {
		xNames = append(xNames, name("a", fmt.Sprintf("%04d", i)))
	}
	xRoot := buildRoot(t, cX, cfg, xNames)

	// Build Y as a separate cache simulating a remote peer: same X names
	// plus one more, under a different top-level component.
	cY := cache.New(time.Hour, nil)
	yNames := append(append([]ccnname.Name{}, xNames...), name("b", "1"))
	yRootRemote := buildRoot(t, cY, cfg, yNames)
	bodies := make(map[[merkle.MaxHashBytes]byte][]byte)
	collectBodies(t, cY, yRootRemote, bodies)

	// The session runs against the local cache (cX); Y's root hash is
	// known but its body must be fetched from the simulated transport.
	yEntry := cX.Enter(yRootRemote.Hash, 0)

	var sink recordingSink
	var d *Differ
	fetchCount := 0
	direct := func(hash [merkle.MaxHashBytes]byte) {
		fetchCount++
		body, ok := bodies[hash]
		if !ok {
			d.DeliverFetch(hash, nil, fmt.Errorf("no such node: %x", hash))
			return
		}
		d.DeliverFetch(hash, body, nil)
	}
	d = NewDiffer(cX, cfg, testMetrics(t), xRoot, yEntry, direct, sink.sink)
	runDiffer(t, d)

	if len(sink.names) != 1 || !sink.names[0].Equal(name("b", "1")) {
		t.Fatalf("emitted names = %v, want exactly [/b/1]", sink.names)
	}
	// Shared subtrees (everything under /a/...) are already locally
	// present under the same hash and never need fetching; only the
	// handful of nodes on the path to the new /b/1 leaf do.
	if fetchCount > 20 {
		t.Fatalf("fetchCount = %d, want substantially fewer than the 100 shared names", fetchCount)
	}
}

func TestDifferFetchFailureThenRetryRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cX := cache.New(time.Hour, nil)
	xRoot := buildRoot(t, cX, cfg, []ccnname.Name{name("a")})

	cY := cache.New(time.Hour, nil)
	yRootRemote := buildRoot(t, cY, cfg, []ccnname.Name{name("a"), name("z")})
	bodies := make(map[[merkle.MaxHashBytes]byte][]byte)
	collectBodies(t, cY, yRootRemote, bodies)
	yEntry := cX.Enter(yRootRemote.Hash, 0)

	failedOnce := make(map[[merkle.MaxHashBytes]byte]bool)
	var sink recordingSink
	var d *Differ
	flaky := func(hash [merkle.MaxHashBytes]byte) {
		if !failedOnce[hash] {
			failedOnce[hash] = true
			d.DeliverFetch(hash, nil, fmt.Errorf("simulated transport failure"))
			return
		}
		d.DeliverFetch(hash, bodies[hash], nil)
	}
	d = NewDiffer(cX, cfg, testMetrics(t), xRoot, yEntry, flaky, sink.sink)
	runDiffer(t, d)

	if len(sink.names) != 1 || !sink.names[0].Equal(name("z")) {
		t.Fatalf("emitted names = %v, want exactly [/z]", sink.names)
	}
}

func TestDifferStallsWhenFetchNeverCompletes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompareAssumeBad = 10 * time.Millisecond

	cX := cache.New(time.Hour, nil)
	xRoot := buildRoot(t, cX, cfg, []ccnname.Name{name("a")})

	cY := cache.New(time.Hour, nil)
	yRootRemote := buildRoot(t, cY, cfg, []ccnname.Name{name("a"), name("z")})
	yEntry := cX.Enter(yRootRemote.Hash, 0)

	var sink recordingSink
	d := NewDiffer(cX, cfg, testMetrics(t), xRoot, yEntry, func([merkle.MaxHashBytes]byte) {
		// never calls DeliverFetch
	}, sink.sink)

	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		var done bool
		done, err = d.Step()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err == nil {
		t.Fatalf("expected the session to abort with a stall error")
	}
	if !sink.gotSentinel {
		t.Fatalf("expected a final sentinel callback on stall abort")
	}
}
