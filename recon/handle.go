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

package recon

import (
	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
)

// NameCallback is the inbound client API's name callback (spec §6):
// invoked once per discovered name with the session handle and both root
// hashes in play, plus once more with a nil name on termination. Return 0
// to continue the session, negative to request termination (ClientAbort).
// It is never invoked re-entrantly from Close.
type NameCallback func(h *SessionHandle, localHash, remoteHash [merkle.MaxHashBytes]byte, name ccnname.Name) int

// SessionHandle is the opaque per-(slice,session) handle returned by
// Open and passed to every NameCallback invocation and to Close.
type SessionHandle struct {
	b *binding
}

// SliceHash returns the canonical hash of the slice this handle reconciles.
func (h *SessionHandle) SliceHash() [merkle.MaxHashBytes]byte {
	return h.b.sliceHash
}
