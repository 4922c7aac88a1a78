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
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/synctree"
)

func TestRequestNameLayout(t *testing.T) {
	topo := ccnname.Name{ccnname.Component("sync")}
	var sliceHash, target [merkle.MaxHashBytes]byte
	sliceHash[0] = 1
	target[0] = 2

	n := RequestName(topo, NodeFetchMarker, sliceHash, target)
	if len(n) != 4 {
		t.Fatalf("RequestName produced %d components, want 4", len(n))
	}
	if string(n[1]) != string(NodeFetchMarker) {
		t.Fatalf("command marker component = %q, want %q", n[1], NodeFetchMarker)
	}
}

func TestClassifyMapsKnownSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{merkle.ErrCodecHashMismatch, codes.DataLoss},
		{synctree.ErrBuilderCacheCorruption, codes.DataLoss},
		{synctree.ErrFetchFailed, codes.Unavailable},
		{synctree.ErrStalled, codes.DeadlineExceeded},
		{synctree.ErrClientAbort, codes.Canceled},
		{ErrTransportRejected, codes.Unavailable},
		{fmt.Errorf("something else entirely"), codes.Unknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestClassifyWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("reading node: %w", merkle.ErrCodecStructure)
	if got := Classify(wrapped); got != codes.DataLoss {
		t.Errorf("Classify(wrapped codec error) = %v, want DataLoss", got)
	}
}
