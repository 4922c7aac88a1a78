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

// Package ccnname defines the hierarchical name type shared by every layer
// of the sync engine: components, full names, and the wildcard patterns
// used by slice filters.
package ccnname

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Component is a single opaque path element of a Name.
type Component []byte

// Name is an ordered sequence of opaque components. Two names are equal iff
// their canonical encodings are equal; comparison is lexicographic on that
// encoding, not on the raw component bytes, so that a name is never
// accidentally treated as a prefix of another via a truncated component.
type Name []Component

// Encode returns the canonical byte encoding of n: each component prefixed
// by its length as a big-endian uint32, concatenated in order. This is the
// encoding whose lexicographic order defines name comparison and whose hash
// (see merkle.HashName) seeds leaf references in the sync tree.
func (n Name) Encode() []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, c := range n {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c)))
		buf.Write(lenBuf[:])
		buf.Write(c)
	}
	return buf.Bytes()
}

// Decode parses b, the canonical encoding Encode produces, back into a
// Name. It is the inverse used by persistence layers (storage/repo) that
// index stored content by a name's encoded bytes and must recover the
// structured Name on enumeration.
func Decode(b []byte) (Name, error) {
	var out Name
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("ccnname: truncated component length prefix")
		}
		l := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint64(l) > uint64(len(b)) {
			return nil, fmt.Errorf("ccnname: component length %d exceeds %d remaining bytes", l, len(b))
		}
		c := make(Component, l)
		copy(c, b[:l])
		out = append(out, c)
		b = b[l:]
	}
	return out, nil
}

// Compare returns -1, 0 or 1 as n is lexicographically less than, equal to,
// or greater than m, comparing canonical encodings.
func (n Name) Compare(m Name) int {
	return bytes.Compare(n.Encode(), m.Encode())
}

// Equal reports whether n and m have identical canonical encodings.
func (n Name) Equal(m Name) bool {
	return n.Compare(m) == 0
}

// Less reports whether n sorts strictly before m.
func (n Name) Less(m Name) bool {
	return n.Compare(m) < 0
}

// IsStrictPrefixOf reports whether n's components are a strict, ordered
// prefix of m's components (n shorter than m, and every component equal).
func (n Name) IsStrictPrefixOf(m Name) bool {
	if len(n) >= len(m) {
		return false
	}
	for i, c := range n {
		if !bytes.Equal(c, m[i]) {
			return false
		}
	}
	return true
}

// HasPrefix reports whether n's components equal m's first len(n)
// components (n may equal m).
func (n Name) HasPrefix(m Name) bool {
	if len(n) > len(m) {
		return false
	}
	for i, c := range n {
		if !bytes.Equal(c, m[i]) {
			return false
		}
	}
	return true
}

// Tail returns the components of n following the first k components.
// It panics if k > len(n); callers are expected to check HasPrefix first.
func (n Name) Tail(k int) Name {
	return n[k:]
}

// Append returns a new Name with extra components appended after n's.
func (n Name) Append(extra ...Component) Name {
	out := make(Name, 0, len(n)+len(extra))
	out = append(out, n...)
	out = append(out, extra...)
	return out
}

// Clone returns a deep copy of n.
func (n Name) Clone() Name {
	out := make(Name, len(n))
	for i, c := range n {
		cc := make(Component, len(c))
		copy(cc, c)
		out[i] = cc
	}
	return out
}

// String renders n for logging; components are not assumed to be printable
// so this is a best-effort diagnostic form, not a wire format.
func (n Name) String() string {
	var buf bytes.Buffer
	for _, c := range n {
		buf.WriteByte('/')
		buf.Write(c)
	}
	if len(n) == 0 {
		buf.WriteByte('/')
	}
	return buf.String()
}

// wildcard is the reserved pattern-component value matching exactly one
// arbitrary name component. Patterns never match against real name data
// using this byte sequence directly; PatternComponent.IsWildcard controls
// matching instead, this is only used when a Pattern needs to be compared
// or encoded as an opaque value (e.g. in the slice codec).
var wildcardMarker = []byte{0}

// PatternComponent is one element of a filter Pattern: either a literal
// component to match exactly, or a wildcard matching any single component.
type PatternComponent struct {
	Literal    Component
	IsWildcard bool
}

// Pattern is an ordered sequence of pattern components matched against the
// tail of a name (the portion following a slice's naming prefix).
type Pattern []PatternComponent

// Matches reports whether tail matches p component-for-component: the same
// length, and each component either wildcarded or byte-equal.
func (p Pattern) Matches(tail Name) bool {
	if len(p) != len(tail) {
		return false
	}
	for i, pc := range p {
		if pc.IsWildcard {
			continue
		}
		if !bytes.Equal(pc.Literal, tail[i]) {
			return false
		}
	}
	return true
}

// Encode returns a canonical byte encoding of p, used by the slice codec.
// A wildcard component encodes as the single reserved marker byte (0); a
// literal component encodes as a tag byte of 1 followed by its big-endian
// uint32 length and its bytes, so the two can never collide.
func (p Pattern) Encode() []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, pc := range p {
		if pc.IsWildcard {
			buf.Write(wildcardMarker)
			continue
		}
		buf.WriteByte(1)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(pc.Literal)))
		buf.Write(lenBuf[:])
		buf.Write(pc.Literal)
	}
	return buf.Bytes()
}

// DecodePattern parses b, the encoding Pattern.Encode produces, back into
// a Pattern. Used by the slice codec (slice.Decode) to recover a filter
// clause's wildcard structure from its persisted bytes.
func DecodePattern(b []byte) (Pattern, error) {
	var out Pattern
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case 0:
			out = append(out, PatternComponent{IsWildcard: true})
		case 1:
			if len(b) < 4 {
				return nil, fmt.Errorf("ccnname: truncated pattern component length prefix")
			}
			l := binary.BigEndian.Uint32(b[:4])
			b = b[4:]
			if uint64(l) > uint64(len(b)) {
				return nil, fmt.Errorf("ccnname: pattern component length %d exceeds %d remaining bytes", l, len(b))
			}
			lit := make(Component, l)
			copy(lit, b[:l])
			out = append(out, PatternComponent{Literal: lit})
			b = b[l:]
		default:
			return nil, fmt.Errorf("ccnname: unknown pattern component tag %d", tag)
		}
	}
	return out, nil
}
