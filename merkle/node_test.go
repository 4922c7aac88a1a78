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

package merkle

import (
	"testing"

	"github.com/google/ccnxsync/ccnname"
)

func nm(parts ...string) ccnname.Name {
	n := make(ccnname.Name, len(parts))
	for i, p := range parts {
		n[i] = ccnname.Component(p)
	}
	return n
}

func TestLeafNodeRoundTrip(t *testing.T) {
	b := NewLeafNodeBuilder()
	for _, n := range []ccnname.Name{nm("a"), nm("b"), nm("c")} {
		if err := b.AppendLeaf(n); err != nil {
			t.Fatalf("AppendLeaf(%v): %v", n, err)
		}
	}
	node, err := b.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if node.LeafCount != 3 || node.TreeDepth != 1 {
		t.Fatalf("got leafCount=%d treeDepth=%d, want 3, 1", node.LeafCount, node.TreeDepth)
	}
	if !node.MinName.Equal(nm("a")) || !node.MaxName.Equal(nm("c")) {
		t.Fatalf("got min=%v max=%v, want a, c", node.MinName, node.MaxName)
	}

	enc := node.Encode()
	parsed, err := ParseNode(enc, 0)
	if err != nil {
		t.Fatalf("ParseNode: %v", err)
	}
	if parsed.Hash != node.Hash {
		t.Fatalf("parsed hash %x != built hash %x", parsed.Hash, node.Hash)
	}
	if got := parsed.Encode(); string(got) != string(enc) {
		t.Fatalf("encode(decode(bytes)) != bytes")
	}
}

func TestAppendOutOfOrderRejected(t *testing.T) {
	b := NewLeafNodeBuilder()
	if err := b.AppendLeaf(nm("b")); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendLeaf(nm("a")); err == nil {
		t.Fatal("expected out-of-order append to fail")
	}
}

func TestMixedRefsRejectedByParse(t *testing.T) {
	b := NewLeafNodeBuilder()
	for _, n := range []ccnname.Name{nm("a"), nm("b")} {
		if err := b.AppendLeaf(n); err != nil {
			t.Fatal(err)
		}
	}
	node, err := b.End()
	if err != nil {
		t.Fatal(err)
	}
	enc := node.Encode()
	// Flip the second reference's tag byte from leaf (1) to node (0) to
	// simulate a malformed mixed-kind encoding and confirm the parser
	// rejects it rather than silently accepting it. That tag follows the
	// one-byte version and count varints and the first reference (its tag,
	// its one-byte name-length varint and the name bytes).
	corrupt := append([]byte(nil), enc...)
	secondTag := 2 + 1 + 1 + len(nm("a").Encode())
	corrupt[secondTag] = 0
	if _, err := ParseNode(corrupt, 0); err == nil {
		t.Fatal("expected mixed-kind encoding to fail to parse")
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	b := NewLeafNodeBuilder()
	if err := b.AppendLeaf(nm("a")); err != nil {
		t.Fatal(err)
	}
	node, err := b.End()
	if err != nil {
		t.Fatal(err)
	}
	enc := append([]byte(nil), node.Encode()...)
	enc[0] = 99
	if _, err := ParseNode(enc, 0); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestOversizeRejected(t *testing.T) {
	b := NewLeafNodeBuilder()
	if err := b.AppendLeaf(nm("a")); err != nil {
		t.Fatal(err)
	}
	node, err := b.End()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseNode(node.Encode(), 1); err == nil {
		t.Fatal("expected oversize error for a 1-byte ceiling")
	}
}

func TestInternalNodeHashIsOrderIndependentOverChildren(t *testing.T) {
	leafA, _ := leafOf(t, nm("a"))
	leafB, _ := leafOf(t, nm("b"))

	b1 := NewInternalNodeBuilder()
	must(t, b1.AppendChild(leafA))
	must(t, b1.AppendChild(leafB))
	n1, err := b1.End()
	if err != nil {
		t.Fatal(err)
	}

	// Children must still be appended in sorted order (structural
	// determinism), but the *hash* must not depend on which child was
	// folded first; verify by folding through a second accumulator in the
	// opposite order directly.
	var acc LongHashAccumulator
	acc.Add(leafB.Hash)
	acc.Add(leafA.Hash)
	if acc.Sum() != n1.Hash {
		t.Fatalf("node hash is not an order-independent fold of child hashes")
	}
}

func leafOf(t *testing.T, n ccnname.Name) (*Node, error) {
	t.Helper()
	b := NewLeafNodeBuilder()
	if err := b.AppendLeaf(n); err != nil {
		t.Fatal(err)
	}
	return b.End()
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
