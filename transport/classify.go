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

package transport

import (
	"errors"

	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/synctree"
)

// errKind names the error taxonomy of spec §7, independent of any
// particular package's sentinel error values.
type errKind int

const (
	kindUnknown errKind = iota
	kindCodec
	kindCacheCorruption
	kindFetchFailed
	kindStalled
	kindClientAbort
	kindTransport
)

// classifyKind maps a concrete error, possibly wrapped, back to its
// spec §7 error kind by walking the chain with errors.Is against every
// sentinel the engine defines.
func classifyKind(err error) errKind {
	switch {
	case errors.Is(err, merkle.ErrCodecVersionMismatch),
		errors.Is(err, merkle.ErrCodecStructure),
		errors.Is(err, merkle.ErrCodecHashMismatch),
		errors.Is(err, merkle.ErrCodecOversize):
		return kindCodec
	case errors.Is(err, synctree.ErrBuilderCacheCorruption),
		errors.Is(err, synctree.ErrDifferCacheCorruption):
		return kindCacheCorruption
	case errors.Is(err, synctree.ErrFetchFailed):
		return kindFetchFailed
	case errors.Is(err, synctree.ErrStalled):
		return kindStalled
	case errors.Is(err, synctree.ErrClientAbort):
		return kindClientAbort
	case errors.Is(err, ErrTransportRejected):
		return kindTransport
	default:
		return kindUnknown
	}
}

// ErrTransportRejected is the sentinel a Transport or RepoHooks
// implementation should wrap its own failures in so Classify can map
// them onto spec §7's TransportError kind without this package needing
// to know the concrete transport in use.
var ErrTransportRejected = errors.New("transport: request rejected")
