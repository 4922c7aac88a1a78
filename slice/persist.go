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
	"errors"
	"fmt"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/transport"
)

// metaMarker is the request-name component distinguishing a persisted
// slice descriptor from the root-advise/node-fetch/stats requests
// transport.CommandMarker enumerates: those name tree content, this
// names the slice's own configuration, matching
// original_source/csrc/sync/SyncBase.c's ".meta" persistence convention
// for a slice's namespace prefix.
const metaMarker ccnname.Component = ccnname.Component("meta")

// ErrSliceNotFound is returned by ReadSlice when name has no descriptor
// stored under it, including one previously removed by DeleteSlice.
var ErrSliceNotFound = errors.New("slice: no descriptor stored at that name")

// metaName builds the conventional name a slice descriptor is persisted
// under: <topoPrefix>/meta/<slice-hash>.
func metaName(topoPrefix ccnname.Name, hash [merkle.MaxHashBytes]byte) ccnname.Name {
	return topoPrefix.Append(metaMarker, ccnname.Component(hash[:]))
}

// WriteSlice persists s's canonical encoding via repo and returns the
// conventional name it was stored under, spec §6's
// "write_slice(transport, slice) → name".
func WriteSlice(ctx context.Context, repo transport.RepoHooks, s *Slice) (ccnname.Name, error) {
	n := metaName(s.TopoPrefix, s.Hash())
	if err := repo.Store(ctx, n, s.Encode()); err != nil {
		return nil, fmt.Errorf("slice: write_slice: %w", err)
	}
	return n, nil
}

// ReadSlice retrieves and decodes the slice descriptor stored at name,
// spec §6's "read_slice(transport, name) → slice". A missing or
// zero-length body (the tombstone DeleteSlice leaves behind) is reported
// as ErrSliceNotFound.
func ReadSlice(ctx context.Context, repo transport.RepoHooks, name ccnname.Name) (*Slice, error) {
	body, ok, err := repo.Lookup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("slice: read_slice: %w", err)
	}
	if !ok || len(body) == 0 {
		return nil, ErrSliceNotFound
	}
	return Decode(body)
}

// DeleteSlice removes the slice descriptor previously written at name,
// spec §6's "delete_slice(transport, name)". transport.RepoHooks exposes
// no delete primitive (spec §6 fixes its contract at
// lookup/store/enumerate/fence), so deletion is recorded as a
// zero-length tombstone body, which ReadSlice treats as absent rather
// than as a stored descriptor. A repo's Enumerate still lists the name
// (storage/repo.MySQLRepo does not filter empty bodies).
func DeleteSlice(ctx context.Context, repo transport.RepoHooks, name ccnname.Name) error {
	if err := repo.Store(ctx, name, nil); err != nil {
		return fmt.Errorf("slice: delete_slice: %w", err)
	}
	return nil
}
