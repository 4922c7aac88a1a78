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

package cache

import (
	"testing"
	"time"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
)

// buildSmallTree constructs root -> internal(leafA, leafB) for test walking.
func buildSmallTree(t *testing.T) (*Cache, *Entry) {
	t.Helper()
	c := New(time.Hour, nil)

	lb := merkle.NewLeafNodeBuilder()
	must(t, lb.AppendLeaf(ccnname.Name{ccnname.Component("a")}))
	leafA, err := lb.End()
	must(t, err)

	lb2 := merkle.NewLeafNodeBuilder()
	must(t, lb2.AppendLeaf(ccnname.Name{ccnname.Component("b")}))
	leafB, err := lb2.End()
	must(t, err)

	ib := merkle.NewInternalNodeBuilder()
	must(t, ib.AppendChild(leafA))
	must(t, ib.AppendChild(leafB))
	root, err := ib.End()
	must(t, err)

	rootEntry := c.Enter(root.Hash, LocalPresent)
	c.SetLocal(rootEntry, root)
	leafAEntry := c.Enter(leafA.Hash, LocalPresent)
	c.SetLocal(leafAEntry, leafA)
	leafBEntry := c.Enter(leafB.Hash, LocalPresent)
	c.SetLocal(leafBEntry, leafB)

	return c, rootEntry
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestWalkerDescendsAndPopsPinsCorrectly(t *testing.T) {
	c, root := buildSmallTree(t)
	w := NewWalker(c)
	w.Init(root)

	if w.Top().Entry != root {
		t.Fatalf("Top() after Init should be the root")
	}
	if !root.Busy() {
		t.Fatalf("root should be pinned after Init")
	}

	if !w.Push() {
		t.Fatalf("Push into first child should succeed")
	}
	child := w.Top().Entry
	if !child.Busy() {
		t.Fatalf("descended child should be pinned")
	}

	// The child is a leaf node itself (single leaf ref); pushing again
	// should fail because its one reference is a leaf reference.
	if w.Push() {
		t.Fatalf("Push into a leaf reference should fail")
	}

	if !w.Pop() {
		t.Fatalf("Pop should succeed back to the root frame")
	}
	if child.Busy() {
		t.Fatalf("popped child should be unpinned")
	}
	if w.Top().Position != 1 {
		t.Fatalf("parent position should have advanced to 1 after pop, got %d", w.Top().Position)
	}

	w.Close()
	if root.Busy() {
		t.Fatalf("root should be unpinned after Close")
	}
}

func TestWalkerSuspendsOnMissingChild(t *testing.T) {
	c := New(time.Hour, nil)

	lb := merkle.NewLeafNodeBuilder()
	must(t, lb.AppendLeaf(ccnname.Name{ccnname.Component("a")}))
	leafA, err := lb.End()
	must(t, err)

	ib := merkle.NewInternalNodeBuilder()
	must(t, ib.AppendChild(leafA))
	root, err := ib.End()
	must(t, err)

	// Only the root is known locally; leafA's body has never been fetched.
	rootEntry := c.Enter(root.Hash, LocalPresent)
	c.SetLocal(rootEntry, root)

	w := NewWalker(c)
	w.Init(rootEntry)
	if !w.Push() {
		t.Fatalf("Push should still succeed, creating a frame for the missing node")
	}
	missing := w.Top().Entry
	if missing.Node() != nil {
		t.Fatalf("expected the descended entry to have no node body yet")
	}
}

func TestWalkerEmptyRoot(t *testing.T) {
	c := New(time.Hour, nil)
	w := NewWalker(c)
	w.Init(nil)
	if !w.Done() {
		t.Fatalf("walker initialized with a nil (empty) root should be immediately done")
	}
}
