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

package fence

import "testing"

func TestEncodeDecodeUint64RoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 255, 256, 1 << 32, ^uint64(0)}
	for _, v := range cases {
		got := decodeUint64([]byte(encodeUint64(v)))
		if got != v {
			t.Errorf("decodeUint64(encodeUint64(%d)) = %d", v, got)
		}
	}
}

func TestDecodeUint64RejectsWrongLength(t *testing.T) {
	if got := decodeUint64(nil); got != 0 {
		t.Errorf("decodeUint64(nil) = %d, want 0", got)
	}
	if got := decodeUint64([]byte{1, 2, 3}); got != 0 {
		t.Errorf("decodeUint64(short) = %d, want 0", got)
	}
}
