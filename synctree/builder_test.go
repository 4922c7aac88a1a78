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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/metrics"
	"github.com/google/ccnxsync/storage/cache"
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

// runToCompletion drives b.Step() until it reports done, failing the test if
// it never converges within a generous bound of iterations.
func runToCompletion(t *testing.T, b *Builder) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		done, err := b.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if done {
			return
		}
	}
	t.Fatalf("builder did not converge")
}

// leafNames walks root in-order via a fresh Walker and returns every leaf
// name found, used to assert the merged result without depending on any one
// particular node layout.
func leafNames(t *testing.T, c *cache.Cache, root *cache.Entry) []ccnname.Name {
	t.Helper()
	var out []ccnname.Name
	if root == nil {
		return out
	}
	w := cache.NewWalker(c)
	w.Init(root)
	for !w.Done() {
		top := w.Top()
		node := top.Entry.Node()
		if node == nil {
			t.Fatalf("walked into a node with no body")
		}
		if top.Position >= len(node.Refs) {
			w.Pop()
			continue
		}
		ref := node.Refs[top.Position]
		if ref.IsLeaf {
			out = append(out, ref.Name)
			w.Advance()
			continue
		}
		if !w.Push() {
			t.Fatalf("expected to descend into a node reference")
		}
	}
	return out
}

func TestBuilderEmptyBatchIntoEmptyRootYieldsEmptyRoot(t *testing.T) {
	c := cache.New(time.Hour, nil)
	b := NewBuilder(c, DefaultConfig(), testMetrics(t), nil, nil)
	runToCompletion(t, b)
	if b.Root != nil {
		t.Fatalf("Root = %v, want nil for an empty merge", b.Root)
	}
}

func TestBuilderSingleNameIntoEmptyRoot(t *testing.T) {
	c := cache.New(time.Hour, nil)
	n := name("a", "b")
	b := NewBuilder(c, DefaultConfig(), testMetrics(t), nil, []ccnname.Name{n})
	runToCompletion(t, b)

	if b.Root == nil {
		t.Fatalf("Root is nil, want a single-leaf node")
	}
	root := b.Root.Node()
	if root == nil {
		t.Fatalf("root entry has no node body")
	}
	if root.LeafCount != 1 {
		t.Fatalf("LeafCount = %d, want 1", root.LeafCount)
	}
	if root.TreeDepth != 1 {
		t.Fatalf("TreeDepth = %d, want 1", root.TreeDepth)
	}
	if !root.MinName.Equal(n) || !root.MaxName.Equal(n) {
		t.Fatalf("MinName/MaxName = %v/%v, want both %v", root.MinName, root.MaxName, n)
	}
}

func TestBuilderDedupsDuplicateNamesInBatch(t *testing.T) {
	c := cache.New(time.Hour, nil)
	n := name("x")
	b := NewBuilder(c, DefaultConfig(), testMetrics(t), nil, []ccnname.Name{n, n.Clone(), n.Clone()})
	runToCompletion(t, b)

	got := leafNames(t, c, b.Root)
	if len(got) != 1 {
		t.Fatalf("leafNames = %v, want exactly one leaf", got)
	}
}

func TestBuilderMergesOldRootWithNewBatch(t *testing.T) {
	c := cache.New(time.Hour, nil)
	old := NewBuilder(c, DefaultConfig(), testMetrics(t), nil, []ccnname.Name{name("a"), name("c")})
	runToCompletion(t, old)

	merged := NewBuilder(c, DefaultConfig(), testMetrics(t), old.Root, []ccnname.Name{name("b"), name("d")})
	runToCompletion(t, merged)

	got := leafNames(t, c, merged.Root)
	if len(got) != 4 {
		t.Fatalf("leafNames = %v, want 4 names", got)
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Less(got[i]) {
			t.Fatalf("leaves not in strictly increasing order at %d: %v then %v", i, got[i-1], got[i])
		}
	}
}

func TestBuilderMergeIsOrderIndependentInRootHash(t *testing.T) {
	c1 := cache.New(time.Hour, nil)
	names := make([]ccnname.Name, 0, 40)
	for i := 0; i < 40; i++ {
		names = append(names, name("p", fmt.Sprintf("%03d", i)))
	}
	b1 := NewBuilder(c1, DefaultConfig(), testMetrics(t), nil, names)
	runToCompletion(t, b1)

	reversed := make([]ccnname.Name, len(names))
	for i, n := range names {
		reversed[len(names)-1-i] = n
	}
	c2 := cache.New(time.Hour, nil)
	b2 := NewBuilder(c2, DefaultConfig(), testMetrics(t), nil, reversed)
	runToCompletion(t, b2)

	if b1.Root == nil || b2.Root == nil {
		t.Fatalf("expected non-nil roots from both builds")
	}
	if b1.Root.Hash != b2.Root.Hash {
		t.Fatalf("root hash depends on insertion order: %x vs %x", b1.Root.Hash, b2.Root.Hash)
	}
}

func TestBuilderSplitsLeavesPastSizeTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeSplitTrigger = 200 // force a split well before 4000 names
	c := cache.New(time.Hour, nil)

	var names []ccnname.Name
	for i := 0; i < 30; i++ {
		names = append(names, name("segment", fmt.Sprintf("name-%04d", i)))
	}
	b := NewBuilder(c, cfg, testMetrics(t), nil, names)
	runToCompletion(t, b)

	if b.Root == nil {
		t.Fatalf("expected a non-nil root")
	}
	root := b.Root.Node()
	if root.Kind != 1 {
		t.Fatalf("Kind = %v, want an internal node once leaves split across a tight size trigger", root.Kind)
	}
	if int(root.LeafCount) != len(names) {
		t.Fatalf("LeafCount = %d, want %d", root.LeafCount, len(names))
	}
}

func TestBuilderStepYieldsBeforeCompletionOnTightBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NamesYieldInc = 1
	c := cache.New(time.Hour, nil)
	var names []ccnname.Name
	for i := 0; i < 5; i++ {
		names = append(names, name("y", fmt.Sprintf("%d", i)))
	}
	b := NewBuilder(c, cfg, testMetrics(t), nil, names)

	done, err := b.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if done {
		t.Fatalf("Step with NamesYieldInc=1 and 5 pending names completed in one call")
	}
	runToCompletion(t, b)
	if b.Root == nil {
		t.Fatalf("expected a non-nil root after completion")
	}
}
