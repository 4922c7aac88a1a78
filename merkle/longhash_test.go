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
)

func TestLongHashAccumulatorOrderIndependent(t *testing.T) {
	h1 := HashLeafName([]byte("alpha"))
	h2 := HashLeafName([]byte("beta"))
	h3 := HashLeafName([]byte("gamma"))

	var a, b LongHashAccumulator
	a.Add(h1)
	a.Add(h2)
	a.Add(h3)

	b.Add(h3)
	b.Add(h1)
	b.Add(h2)

	if a.Sum() != b.Sum() {
		t.Fatalf("accumulator result depends on add order: %x != %x", a.Sum(), b.Sum())
	}
}

func TestLongHashAccumulatorCarryPropagatesIntoHeadroom(t *testing.T) {
	var a LongHashAccumulator
	// A value that fills the default 32-byte digest region with 0xff but
	// leaves the headroom clear, exactly as HashLeafName produces.
	var maxDigest [MaxHashBytes]byte
	for i := hashHeadroom; i < MaxHashBytes; i++ {
		maxDigest[i] = 0xff
	}
	a.Add(maxDigest)
	one := [MaxHashBytes]byte{}
	one[MaxHashBytes-1] = 1
	a.Add(one)

	sum := a.Sum()
	for i := hashHeadroom; i < MaxHashBytes; i++ {
		if sum[i] != 0 {
			t.Fatalf("expected the 32-byte digest region to wrap to zero, got %x", sum)
		}
	}
	if sum[hashHeadroom-1] != 1 {
		t.Fatalf("expected the carry out of the digest region to propagate into the headroom byte instead of being discarded, got %x", sum)
	}
}

func TestLongHashAccumulatorCarryDiscardedPastCeiling(t *testing.T) {
	var a LongHashAccumulator
	var allFF [MaxHashBytes]byte
	for i := range allFF {
		allFF[i] = 0xff
	}
	a.Add(allFF)
	one := [MaxHashBytes]byte{}
	one[MaxHashBytes-1] = 1
	a.Add(one)

	sum := a.Sum()
	for _, b := range sum {
		if b != 0 {
			t.Fatalf("expected carry overflowing past the accumulator's absolute ceiling to be discarded to all zero, got %x", sum)
		}
	}
}

func TestLongHashAccumulatorEmptyIsZero(t *testing.T) {
	var a LongHashAccumulator
	var zero [MaxHashBytes]byte
	if a.Sum() != zero {
		t.Fatalf("fresh accumulator should sum to zero")
	}
}
