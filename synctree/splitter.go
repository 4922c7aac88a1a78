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

package synctree

import "github.com/google/ccnxsync/ccnname"

// sharedComponentCount returns the number of leading components a and b
// have in common.
func sharedComponentCount(a, b ccnname.Name) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && bytesEqual(a[i], b[i]) {
		i++
	}
	return i
}

func bytesEqual(a, b ccnname.Component) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// levelBreak reports whether moving from prevShared (the shared-component
// count between the previous two names in the buffer) to the shared count
// between prev and cur indicates a namespace-level boundary: the shared
// count decreases, or jumps by more than one level. prevShared of -1 means
// "no previous pair yet", in which case there can be no level break.
func levelBreak(prevShared, curShared int) bool {
	if prevShared < 0 {
		return false
	}
	return curShared < prevShared || curShared > prevShared+1
}

// hashBreak reports whether name's last component's penultimate byte is
// below trigger, the deterministic "random" split condition. Per the
// source behavior this spec preserves exactly: if the last component is
// shorter than 9 bytes, the test never fires.
func hashBreak(name ccnname.Name, trigger byte) bool {
	if len(name) == 0 {
		return false
	}
	last := name[len(name)-1]
	if len(last) < 9 {
		return false
	}
	return last[len(last)-2] < trigger
}
