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

// Package transport defines the external interface contracts the
// reconciliation controller consumes (spec §6): the content-addressable
// request/reply transport and the local repo hooks. Both are out of
// scope for this module's implementation; only the contracts and the
// request-naming convention that binds them to the sync engine live
// here.
package transport

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
)

// CommandMarker distinguishes the three request kinds named in spec §6.
type CommandMarker string

const (
	// RootAdviseMarker names a request announcing or querying a current
	// root hash.
	RootAdviseMarker CommandMarker = "ra"
	// NodeFetchMarker names a request for a node body by hash.
	NodeFetchMarker CommandMarker = "nf"
	// StatsMarker names a request for human-readable statistics.
	StatsMarker CommandMarker = "stats"
)

// RequestName builds the conventional request name of spec §6:
// <topo_prefix>/<command_marker>/<slice_hash>/<hash_of_target>.
func RequestName(topoPrefix ccnname.Name, marker CommandMarker, sliceHash, target [merkle.MaxHashBytes]byte) ccnname.Name {
	return topoPrefix.Append(
		ccnname.Component(marker),
		ccnname.Component(sliceHash[:]),
		ccnname.Component(target[:]),
	)
}

// ResponseClosure is invoked exactly once when an expressed request
// completes, times out, or fails verification. body is nil and err is
// non-nil in the latter two cases.
type ResponseClosure func(body []byte, err error)

// Requester is the outbound half of the transport contract:
// express_request, spec §6.
type Requester interface {
	// ExpressRequest sends a request naming a content object. template
	// carries transport-specific parameters (lifetime, scope); the
	// closure fires on reply, timeout, or verification failure. Callers
	// use context cancellation to abandon interest in the result early
	// without necessarily cancelling the wire request itself.
	ExpressRequest(ctx context.Context, name ccnname.Name, template interface{}, closure ResponseClosure) error
}

// Handler answers an inbound request whose name falls under a
// registered prefix, returning the content object bytes to reply with,
// or ok=false to decline (no reply sent).
type Handler func(ctx context.Context, name ccnname.Name) (body []byte, ok bool)

// Registrar is the inbound half of the transport contract:
// register_filter and put, spec §6.
type Registrar interface {
	// RegisterFilter publishes handler for inbound requests whose name
	// falls under prefix.
	RegisterFilter(prefix ccnname.Name, handler Handler) error
	// Put sends a signed content object reply outside the normal
	// request/handler round trip (e.g. an unsolicited republish).
	Put(ctx context.Context, body []byte) error
}

// Transport bundles both halves of the contract the engine consumes.
type Transport interface {
	Requester
	Registrar
}

// EnumerationHandle identifies an in-progress repo enumeration.
type EnumerationHandle uint64

// EnumerationNotify streams one result of an enumerate call; a final
// call with done=true (and a zero-value name) signals completion.
type EnumerationNotify func(name ccnname.Name, done bool)

// RepoHooks is the optional local-store contract of spec §6: lookup,
// store, enumerate, and durable-checkpoint fencing.
type RepoHooks interface {
	// Lookup answers a local repo lookup for interest, enabling bypass
	// of the network for already-stored nodes. ok is false on a miss.
	Lookup(ctx context.Context, interest ccnname.Name) (body []byte, ok bool, err error)
	// Store persists a produced node's encoding.
	Store(ctx context.Context, name ccnname.Name, body []byte) error
	// Enumerate begins a name enumeration streaming results via notify.
	Enumerate(ctx context.Context, interest ccnname.Name, notify EnumerationNotify) (EnumerationHandle, error)
	// Fence marks a durable checkpoint at seq.
	Fence(ctx context.Context, seq uint64) error
}

// Classify maps an error kind from spec §7 onto a grpc status code, the
// convention this codebase uses to surface failures across any
// grpc-fronted admin or debug surface without hand-rolling a second
// error taxonomy (see status.go for the reverse mapping).
func Classify(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	switch classifyKind(err) {
	case kindCodec, kindCacheCorruption:
		return codes.DataLoss
	case kindFetchFailed:
		return codes.Unavailable
	case kindStalled:
		return codes.DeadlineExceeded
	case kindClientAbort:
		return codes.Canceled
	case kindTransport:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// Status adapts err to a *status.Status using Classify, for any surface
// that reports errors over grpc (the stats/debug endpoint).
func Status(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(Classify(err), err.Error())
}
