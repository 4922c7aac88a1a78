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

// Package slice defines the namespace-subset descriptor reconciled by a
// sync session (spec §3 "Slice", §4.G): a topology prefix, a naming
// prefix, and an ordered set of filter patterns, together with the
// canonical encoding whose digest is the slice's identity.
package slice

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
)

// Version is the only slice encoding version this build writes or reads.
const Version = 1

// op tags the single supported clause kind in the canonical encoding.
// Only filter patterns exist today; the tag leaves room for a future
// clause kind without changing the encoding of existing slices.
const opFilterPattern = 0

// Slice is the namespace subset described by spec §3.
type Slice struct {
	TopoPrefix   ccnname.Name
	NamingPrefix ccnname.Name
	Filter       []ccnname.Pattern
}

// Matches reports whether name belongs to s: NamingPrefix must be a
// prefix of name, and either Filter is empty or some pattern matches the
// tail of name following the prefix.
func (s *Slice) Matches(name ccnname.Name) bool {
	if !name.HasPrefix(s.NamingPrefix) {
		return false
	}
	if len(s.Filter) == 0 {
		return true
	}
	tail := name.Tail(len(s.NamingPrefix))
	for _, p := range s.Filter {
		if p.Matches(tail) {
			return true
		}
	}
	return false
}

// Encode returns the canonical byte encoding of s: version, topology
// prefix, naming prefix, then each filter clause as (op, pattern),
// matching the wire layout of spec §4.G.
func (s *Slice) Encode() []byte {
	var buf bytes.Buffer
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], Version)
	buf.Write(u64[:])

	writeName(&buf, s.TopoPrefix)
	writeName(&buf, s.NamingPrefix)

	binary.BigEndian.PutUint64(u64[:], uint64(len(s.Filter)))
	buf.Write(u64[:])
	for _, p := range s.Filter {
		buf.WriteByte(opFilterPattern)
		enc := p.Encode()
		binary.BigEndian.PutUint64(u64[:], uint64(len(enc)))
		buf.Write(u64[:])
		buf.Write(enc)
	}
	return buf.Bytes()
}

func writeName(buf *bytes.Buffer, n ccnname.Name) {
	var u64 [8]byte
	enc := n.Encode()
	binary.BigEndian.PutUint64(u64[:], uint64(len(enc)))
	buf.Write(u64[:])
	buf.Write(enc)
}

// readName is the inverse of writeName: it reads an 8-byte length prefix
// followed by that many bytes of ccnname.Name encoding from b, returning
// the decoded Name and the unconsumed remainder.
func readName(b []byte) (n ccnname.Name, rest []byte, err error) {
	if len(b) < 8 {
		return nil, nil, fmt.Errorf("slice: truncated name length prefix")
	}
	l := binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	if l > uint64(len(b)) {
		return nil, nil, fmt.Errorf("slice: name length %d exceeds %d remaining bytes", l, len(b))
	}
	n, err = ccnname.Decode(b[:l])
	if err != nil {
		return nil, nil, fmt.Errorf("slice: decoding name: %w", err)
	}
	return n, b[l:], nil
}

// ErrUnsupportedVersion is returned by Decode when the encoded slice's
// version field does not match Version.
var ErrUnsupportedVersion = fmt.Errorf("slice: unsupported encoding version")

// Decode parses b, the canonical encoding Encode produces, back into a
// Slice. It is the inverse persistence layers (WriteSlice/ReadSlice) need
// to recover a structured Slice from its stored bytes.
func Decode(b []byte) (*Slice, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("slice: truncated version field")
	}
	version := binary.BigEndian.Uint64(b[:8])
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, Version)
	}
	b = b[8:]

	topo, b, err := readName(b)
	if err != nil {
		return nil, fmt.Errorf("slice: topo prefix: %w", err)
	}
	naming, b, err := readName(b)
	if err != nil {
		return nil, fmt.Errorf("slice: naming prefix: %w", err)
	}

	if len(b) < 8 {
		return nil, fmt.Errorf("slice: truncated filter count")
	}
	n := binary.BigEndian.Uint64(b[:8])
	b = b[8:]

	s := &Slice{TopoPrefix: topo, NamingPrefix: naming}
	for i := uint64(0); i < n; i++ {
		if len(b) < 1 {
			return nil, fmt.Errorf("slice: truncated filter clause %d op tag", i)
		}
		op := b[0]
		b = b[1:]
		if op != opFilterPattern {
			return nil, fmt.Errorf("slice: unknown filter clause op %d", op)
		}
		if len(b) < 8 {
			return nil, fmt.Errorf("slice: truncated filter clause %d length", i)
		}
		l := binary.BigEndian.Uint64(b[:8])
		b = b[8:]
		if l > uint64(len(b)) {
			return nil, fmt.Errorf("slice: filter clause %d length %d exceeds %d remaining bytes", i, l, len(b))
		}
		p, err := ccnname.DecodePattern(b[:l])
		if err != nil {
			return nil, fmt.Errorf("slice: filter clause %d: %w", i, err)
		}
		s.Filter = append(s.Filter, p)
		b = b[l:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("slice: %d trailing bytes after decoding", len(b))
	}
	return s, nil
}

// Hash returns the slice's canonical identity digest: the leaf hash of
// its encoding, reusing the same primitive the tree codec hashes leaf
// names with. A slice hash and a name hash are never compared to each
// other, so sharing one hash primitive avoids introducing a second one.
func (s *Slice) Hash() [merkle.MaxHashBytes]byte {
	return merkle.HashLeafName(s.Encode())
}

// Equal reports whether s and other encode identically, the definition
// of "the same slice" per spec §4.G.
func (s *Slice) Equal(other *Slice) bool {
	return bytes.Equal(s.Encode(), other.Encode())
}
