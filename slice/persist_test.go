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

package slice

import (
	"context"
	"testing"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/transport"
)

// memRepo is a minimal in-memory transport.RepoHooks backing WriteSlice/
// ReadSlice/DeleteSlice in tests: only Lookup/Store are exercised by the
// slice descriptor persistence API, so Enumerate/Fence are unused stubs.
type memRepo struct {
	bodies map[string][]byte
}

func newMemRepo() *memRepo { return &memRepo{bodies: make(map[string][]byte)} }

func (r *memRepo) Lookup(ctx context.Context, interest ccnname.Name) ([]byte, bool, error) {
	body, ok := r.bodies[string(interest.Encode())]
	return body, ok, nil
}

func (r *memRepo) Store(ctx context.Context, name ccnname.Name, body []byte) error {
	r.bodies[string(name.Encode())] = body
	return nil
}

func (r *memRepo) Enumerate(ctx context.Context, interest ccnname.Name, notify transport.EnumerationNotify) (transport.EnumerationHandle, error) {
	return 0, nil
}

func (r *memRepo) Fence(ctx context.Context, seq uint64) error { return nil }

func TestWriteSliceThenReadSliceRoundTrips(t *testing.T) {
	repo := newMemRepo()
	s := &Slice{
		TopoPrefix:   nm("sync"),
		NamingPrefix: nm("content"),
		Filter: []ccnname.Pattern{
			{{Literal: ccnname.Component("x")}, {IsWildcard: true}},
		},
	}

	n, err := WriteSlice(context.Background(), repo, s)
	if err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}

	got, err := ReadSlice(context.Background(), repo, n)
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	if !got.Equal(s) {
		t.Fatalf("ReadSlice round-trip = %+v, want %+v", got, s)
	}
}

func TestReadSliceUnknownNameIsNotFound(t *testing.T) {
	repo := newMemRepo()
	if _, err := ReadSlice(context.Background(), repo, nm("sync", "meta", "nope")); err != ErrSliceNotFound {
		t.Fatalf("ReadSlice of unknown name = %v, want ErrSliceNotFound", err)
	}
}

func TestDeleteSliceTombstonesName(t *testing.T) {
	repo := newMemRepo()
	s := &Slice{TopoPrefix: nm("sync"), NamingPrefix: nm("content")}

	n, err := WriteSlice(context.Background(), repo, s)
	if err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}
	if _, err := ReadSlice(context.Background(), repo, n); err != nil {
		t.Fatalf("ReadSlice before delete: %v", err)
	}

	if err := DeleteSlice(context.Background(), repo, n); err != nil {
		t.Fatalf("DeleteSlice: %v", err)
	}
	if _, err := ReadSlice(context.Background(), repo, n); err != ErrSliceNotFound {
		t.Fatalf("ReadSlice after delete = %v, want ErrSliceNotFound", err)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	s := &Slice{TopoPrefix: nm("sync"), NamingPrefix: nm("content")}
	enc := s.Encode()
	// Corrupt the version field (first 8 bytes, big-endian) to a value
	// Decode must reject rather than silently misparse.
	enc[7] = 0xff
	if _, err := Decode(enc); err == nil {
		t.Fatal("Decode accepted an encoding with an unsupported version")
	}
}
