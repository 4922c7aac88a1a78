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

// Package merkle implements the node layer of the hash-indexed sync tree:
// the canonical node codec and the long-hash accumulator. The cache-backed
// walker lives in storage/cache, and the incremental builder and the
// two-tree differencing engine live in synctree.
package merkle

import (
	"golang.org/x/crypto/blake2b"
)

// DefaultHashBytes is the width of a digest before any folding has
// occurred: the BLAKE2b-256 output size, matching the original's
// DEFAULT_HASH_BYTES (confirmed at
// _examples/original_source/csrc/sync/SyncMacros.h).
const DefaultHashBytes = 32

// hashHeadroom is the extra high-order byte capacity the long-hash
// accumulator reserves above DefaultHashBytes for carry to propagate
// into instead of being discarded, matching the original's
// MAX_HASH_BYTES = DEFAULT_HASH_BYTES + sizeof(uintmax_t).
const hashHeadroom = 8

// MaxHashBytes bounds the accumulator buffer and is also the digest size
// used throughout the tree (leaf hashes, node hashes, slice hashes): wide
// enough to hold a DefaultHashBytes digest plus whatever headroom repeated
// carry-propagating folds have pushed a value into, per §3.
const MaxHashBytes = DefaultHashBytes + hashHeadroom

// HashLeafName returns the leaf hash of a name: the digest of its canonical
// encoding, zero-extended into the accumulator's full width (a fresh
// digest never carries into the headroom bytes). This is the value folded
// into a leaf node's accumulator and is never persisted on the wire by
// itself (leaves are referenced by full name, not by hash); it exists so
// the codec and the accumulator share one hash function.
func HashLeafName(encodedName []byte) [MaxHashBytes]byte {
	digest := blake2b.Sum256(encodedName)
	var h [MaxHashBytes]byte
	copy(h[hashHeadroom:], digest[:])
	return h
}

// LongHashAccumulator combines child hashes into a parent hash using
// order-independent, carry-propagating addition, as required by §3: the
// node hash is determined solely by the multiset of child hashes, while
// children remain stored in sorted order so the tree structure itself is
// still deterministic.
//
// Addition happens byte-wise starting at the low (last) byte of the buffer,
// propagating carry toward the high (first) byte, mirroring the source's
// "add into the low end with carry propagation upward" arithmetic; this
// exact scheme is part of the observable cross-peer protocol and must not
// be replaced with e.g. XOR or a running digest. The buffer is
// hashHeadroom bytes wider than a single digest specifically so that a
// carry produced while folding several digests together has somewhere to
// go other than vanishing: only a carry that overflows past the full
// MaxHashBytes width (the accumulator's absolute ceiling, mirroring the
// source's fixed-capacity buffer) is discarded.
type LongHashAccumulator struct {
	buf [MaxHashBytes]byte
}

// Add folds h into the accumulator.
func (a *LongHashAccumulator) Add(h [MaxHashBytes]byte) {
	carry := uint16(0)
	for i := MaxHashBytes - 1; i >= 0; i-- {
		sum := uint16(a.buf[i]) + uint16(h[i]) + carry
		a.buf[i] = byte(sum)
		carry = sum >> 8
	}
	// A carry still outstanding here has overflowed past index 0, the
	// accumulator's absolute top byte, and is discarded; any carry that
	// stayed within [0, MaxHashBytes) — including into the headroom
	// region below DefaultHashBytes — was preserved by the loop above.
}

// Sum returns the accumulated hash. The accumulator may continue to be
// used after calling Sum (further Adds keep folding into the same buffer).
func (a *LongHashAccumulator) Sum() [MaxHashBytes]byte {
	return a.buf
}

// Reset clears the accumulator back to zero.
func (a *LongHashAccumulator) Reset() {
	a.buf = [MaxHashBytes]byte{}
}
