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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/ccnxsync/ccnname"
)

// NodeCodecVersion is the only wire version this build understands; a node
// encoded with any other version is rejected with ErrCodecVersionMismatch.
const NodeCodecVersion = 1

// NodeKind distinguishes leaf-only nodes (Refs carry full names) from
// internal nodes (Refs carry child hashes). A node never mixes the two.
type NodeKind uint8

const (
	// KindLeaf nodes reference names directly.
	KindLeaf NodeKind = iota
	// KindInternal nodes reference child node hashes.
	KindInternal
)

// Codec errors, per spec §4.B.
var (
	ErrCodecVersionMismatch = errors.New("merkle: codec version mismatch")
	ErrCodecStructure       = errors.New("merkle: malformed node encoding")
	ErrCodecHashMismatch    = errors.New("merkle: trailing hash does not match recomputed hash")
	ErrCodecOversize        = errors.New("merkle: encoded node exceeds configured size ceiling")
)

// Ref is one reference inside a node: either a leaf name or a child hash,
// never both. References within a node are strictly increasing by
// contained name (leaves) or by the referenced child's MinName (internal).
type Ref struct {
	IsLeaf bool

	// Name is populated when IsLeaf is true.
	Name ccnname.Name

	// ChildHash, ChildMinName, ChildMaxName, ChildLeafCount are populated
	// when IsLeaf is false; they are the summary fields of the referenced
	// child node, duplicated here so an internal node can be interpreted
	// without dereferencing its children.
	ChildHash      [MaxHashBytes]byte
	ChildMinName   ccnname.Name
	ChildMaxName   ccnname.Name
	ChildLeafCount uint64
}

// sortKey returns the name used to order this reference within a node:
// the leaf's own name, or the referenced child's minimum name.
func (r Ref) sortKey() ccnname.Name {
	if r.IsLeaf {
		return r.Name
	}
	return r.ChildMinName
}

// Node is a fully built or fully parsed tree node, satisfying the
// invariants of spec §3: min/max name bounds, leaf count, depth and byte
// count consistent with its children, and a hash equal to the
// order-independent fold of child hashes.
type Node struct {
	Kind      NodeKind
	Refs      []Ref
	MinName   ccnname.Name
	MaxName   ccnname.Name
	LeafCount uint64
	TreeDepth uint32
	ByteCount uint64
	Hash      [MaxHashBytes]byte

	// Encoding is the canonical byte representation produced by the
	// builder or supplied to Parse; Encode() is idempotent against it.
	Encoding []byte
}

// NodeBuilder incrementally assembles a Node, folding each appended item's
// hash into a LongHashAccumulator and tracking the running summary fields.
// Appends must be in strictly increasing sort-key order; this is the
// caller's responsibility (the tree builder in builder.go guarantees it).
type NodeBuilder struct {
	kind      NodeKind
	refs      []Ref
	acc       LongHashAccumulator
	minName   ccnname.Name
	maxName   ccnname.Name
	leafCount uint64
	treeDepth uint32
	byteCount uint64
	started   bool
}

// NewLeafNodeBuilder starts building a leaf-only node.
func NewLeafNodeBuilder() *NodeBuilder {
	return &NodeBuilder{kind: KindLeaf, treeDepth: 1}
}

// NewInternalNodeBuilder starts building an internal node.
func NewInternalNodeBuilder() *NodeBuilder {
	return &NodeBuilder{kind: KindInternal}
}

// Len reports how many references have been appended so far.
func (b *NodeBuilder) Len() int { return len(b.refs) }

// EncodedSizeEstimate returns a cheap running estimate of the encoded size
// of the node built so far, used by the builder's split-trigger logic
// without requiring a full Encode() on every append.
func (b *NodeBuilder) EncodedSizeEstimate() int {
	total := headerOverheadEstimate
	for _, r := range b.refs {
		if r.IsLeaf {
			total += len(r.Name.Encode()) + 8
		} else {
			total += MaxHashBytes + len(r.ChildMinName.Encode()) + 16
		}
	}
	return total
}

// headerOverheadEstimate is a fixed per-node fudge factor (trailing hash +
// min/max + counters) added to EncodedSizeEstimate so split decisions made
// before End() roughly match the real encoded size.
const headerOverheadEstimate = 4 + 2*MaxHashBytes + 4 + 8 + 4 + 8

// AppendLeaf appends a leaf reference naming a single name.
func (b *NodeBuilder) AppendLeaf(name ccnname.Name) error {
	if b.kind != KindLeaf {
		return fmt.Errorf("%w: AppendLeaf on non-leaf builder", ErrCodecStructure)
	}
	if err := b.checkOrder(name); err != nil {
		return err
	}
	h := HashLeafName(name.Encode())
	b.acc.Add(h)
	b.refs = append(b.refs, Ref{IsLeaf: true, Name: name.Clone()})
	b.updateBounds(name, name)
	b.leafCount++
	b.byteCount += uint64(len(name.Encode()))
	b.started = true
	return nil
}

// AppendChild appends a reference to an already-built child node.
func (b *NodeBuilder) AppendChild(child *Node) error {
	if b.kind != KindInternal {
		return fmt.Errorf("%w: AppendChild on non-internal builder", ErrCodecStructure)
	}
	if err := b.checkOrder(child.MinName); err != nil {
		return err
	}
	b.acc.Add(child.Hash)
	b.refs = append(b.refs, Ref{
		ChildHash:      child.Hash,
		ChildMinName:   child.MinName.Clone(),
		ChildMaxName:   child.MaxName.Clone(),
		ChildLeafCount: child.LeafCount,
	})
	b.updateBounds(child.MinName, child.MaxName)
	b.leafCount += child.LeafCount
	if child.TreeDepth+1 > b.treeDepth {
		b.treeDepth = child.TreeDepth + 1
	}
	b.byteCount += uint64(len(child.Encoding))
	b.started = true
	return nil
}

func (b *NodeBuilder) checkOrder(key ccnname.Name) error {
	if len(b.refs) == 0 {
		return nil
	}
	if b.refs[len(b.refs)-1].sortKey().Compare(key) >= 0 {
		return fmt.Errorf("%w: references must be strictly increasing", ErrCodecStructure)
	}
	return nil
}

func (b *NodeBuilder) updateBounds(min, max ccnname.Name) {
	if b.minName == nil || min.Compare(b.minName) < 0 {
		b.minName = min.Clone()
	}
	if b.maxName == nil || max.Compare(b.maxName) > 0 {
		b.maxName = max.Clone()
	}
}

// End closes the builder, producing the final Node with its accumulated
// hash and canonical encoding. End may be called exactly once.
func (b *NodeBuilder) End() (*Node, error) {
	if !b.started {
		return nil, fmt.Errorf("%w: cannot end an empty node", ErrCodecStructure)
	}
	n := &Node{
		Kind:      b.kind,
		Refs:      b.refs,
		MinName:   b.minName,
		MaxName:   b.maxName,
		LeafCount: b.leafCount,
		TreeDepth: b.treeDepth,
		ByteCount: b.byteCount,
		Hash:      b.acc.Sum(),
	}
	n.Encoding = n.encodeTo(nil)
	return n, nil
}

// Encode returns the canonical byte encoding, computing it if Encoding is
// not already cached (e.g. after mutating a parsed Node, which callers
// should not do — Nodes are treated as immutable once built or parsed).
func (n *Node) Encode() []byte {
	if n.Encoding != nil {
		return n.Encoding
	}
	n.Encoding = n.encodeTo(nil)
	return n.Encoding
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	k := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:k])
}

func putName(buf *bytes.Buffer, n ccnname.Name) {
	enc := n.Encode()
	putUvarint(buf, uint64(len(enc)))
	buf.Write(enc)
}

func (n *Node) encodeTo(buf *bytes.Buffer) []byte {
	if buf == nil {
		buf = new(bytes.Buffer)
	}
	putUvarint(buf, uint64(NodeCodecVersion))
	putUvarint(buf, uint64(len(n.Refs)))
	for _, r := range n.Refs {
		if r.IsLeaf {
			buf.WriteByte(1)
			putName(buf, r.Name)
		} else {
			buf.WriteByte(0)
			buf.Write(r.ChildHash[:])
			putName(buf, r.ChildMinName)
			putName(buf, r.ChildMaxName)
			putUvarint(buf, r.ChildLeafCount)
		}
	}
	buf.Write(n.Hash[:])
	putName(buf, n.MinName)
	putName(buf, n.MaxName)
	buf.WriteByte(byte(n.Kind))
	putUvarint(buf, n.LeafCount)
	putUvarint(buf, uint64(n.TreeDepth))
	putUvarint(buf, n.ByteCount)
	return buf.Bytes()
}

// ParseNode decodes a canonical node encoding, recomputing the hash and
// verifying it against the trailing hash field. maxSize of 0 disables the
// ErrCodecOversize check.
func ParseNode(data []byte, maxSize int) (*Node, error) {
	if maxSize > 0 && len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrCodecOversize, len(data), maxSize)
	}
	r := bytes.NewReader(data)

	version, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrCodecStructure, err)
	}
	if version != NodeCodecVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCodecVersionMismatch, version, NodeCodecVersion)
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading ref count: %v", ErrCodecStructure, err)
	}

	var acc LongHashAccumulator
	refs := make([]Ref, 0, count)
	var kind NodeKind
	var kindSet bool
	var minName, maxName ccnname.Name
	var leafCount uint64

	for i := uint64(0); i < count; i++ {
		tagByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: reading ref tag: %v", ErrCodecStructure, err)
		}
		isLeaf := tagByte == 1
		if !kindSet {
			if isLeaf {
				kind = KindLeaf
			} else {
				kind = KindInternal
			}
			kindSet = true
		} else if (kind == KindLeaf) != isLeaf {
			return nil, fmt.Errorf("%w: node mixes leaf and node references", ErrCodecStructure)
		}

		var ref Ref
		ref.IsLeaf = isLeaf
		if isLeaf {
			name, err := readName(r)
			if err != nil {
				return nil, err
			}
			h := HashLeafName(name.Encode())
			acc.Add(h)
			ref.Name = name
			if minName == nil || name.Compare(minName) < 0 {
				minName = name
			}
			if maxName == nil || name.Compare(maxName) > 0 {
				maxName = name
			}
			leafCount++
		} else {
			var h [MaxHashBytes]byte
			if _, err := io.ReadFull(r, h[:]); err != nil {
				return nil, fmt.Errorf("%w: reading child hash: %v", ErrCodecStructure, err)
			}
			childMin, err := readName(r)
			if err != nil {
				return nil, err
			}
			childMax, err := readName(r)
			if err != nil {
				return nil, err
			}
			childLeafCount, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("%w: reading child leaf count: %v", ErrCodecStructure, err)
			}
			acc.Add(h)
			ref.ChildHash = h
			ref.ChildMinName = childMin
			ref.ChildMaxName = childMax
			ref.ChildLeafCount = childLeafCount
			if minName == nil || childMin.Compare(minName) < 0 {
				minName = childMin
			}
			if maxName == nil || childMax.Compare(maxName) > 0 {
				maxName = childMax
			}
			leafCount += childLeafCount
		}
		if len(refs) > 0 && refs[len(refs)-1].sortKey().Compare(ref.sortKey()) >= 0 {
			return nil, fmt.Errorf("%w: references not strictly increasing", ErrCodecStructure)
		}
		refs = append(refs, ref)
	}

	var trailingHash [MaxHashBytes]byte
	if _, err := io.ReadFull(r, trailingHash[:]); err != nil {
		return nil, fmt.Errorf("%w: reading trailing hash: %v", ErrCodecStructure, err)
	}
	encMinName, err := readName(r)
	if err != nil {
		return nil, err
	}
	encMaxName, err := readName(r)
	if err != nil {
		return nil, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading kind: %v", ErrCodecStructure, err)
	}
	encLeafCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading leaf count: %v", ErrCodecStructure, err)
	}
	encTreeDepth, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading tree depth: %v", ErrCodecStructure, err)
	}
	encByteCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading byte count: %v", ErrCodecStructure, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing garbage after node", ErrCodecStructure)
	}

	computed := acc.Sum()
	if computed != trailingHash {
		return nil, fmt.Errorf("%w: computed %x, encoded %x", ErrCodecHashMismatch, computed, trailingHash)
	}
	if NodeKind(kindByte) != kind && count > 0 {
		return nil, fmt.Errorf("%w: kind byte disagrees with reference tags", ErrCodecStructure)
	}
	if count == 0 {
		kind = NodeKind(kindByte)
	}

	n := &Node{
		Kind:      kind,
		Refs:      refs,
		MinName:   pick(minName, encMinName),
		MaxName:   pick(maxName, encMaxName),
		LeafCount: encLeafCount,
		TreeDepth: uint32(encTreeDepth),
		ByteCount: encByteCount,
		Hash:      trailingHash,
		Encoding:  append([]byte(nil), data...),
	}
	if n.LeafCount != leafCount && count > 0 {
		return nil, fmt.Errorf("%w: leaf count %d disagrees with references (%d)", ErrCodecStructure, n.LeafCount, leafCount)
	}
	return n, nil
}

// pick prefers the value derived from scanning the references (a, populated
// when the node has at least one ref) and falls back to the encoded field
// (b) for an empty node, whose bounds cannot be derived from zero refs.
func pick(a, b ccnname.Name) ccnname.Name {
	if a != nil {
		return a
	}
	return b
}

func readName(r *bytes.Reader) (ccnname.Name, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading name length: %v", ErrCodecStructure, err)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading name bytes: %v", ErrCodecStructure, err)
	}
	return decodeName(buf)
}

// decodeName parses a name encoded by ccnname.Name.Encode: a sequence of
// (uint32 length, bytes) components with no trailing data.
func decodeName(buf []byte) (ccnname.Name, error) {
	var out ccnname.Name
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated component length", ErrCodecStructure)
		}
		l := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < l {
			return nil, fmt.Errorf("%w: truncated component body", ErrCodecStructure)
		}
		c := make(ccnname.Component, l)
		copy(c, buf[:l])
		buf = buf[l:]
		out = append(out, c)
	}
	return out, nil
}
