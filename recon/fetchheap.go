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
	"container/heap"
	"time"

	"github.com/google/ccnxsync/merkle"
)

// fetchRecord tracks one in-flight node fetch, per spec §3 "Fetch
// record": the target hash, the slice it belongs to, and when it
// started. Spec §1 treats a secondary keyed-heap utility as out of scope
// ("treated as a standard min-heap"); fetchHeap is exactly that — a
// standard container/heap ordered by age, not a reimplementation of the
// original's IndexSorter bounded indexed heap.
type fetchRecord struct {
	hash    [merkle.MaxHashBytes]byte
	slice   [merkle.MaxHashBytes]byte
	started time.Time
	index   int // heap.Interface bookkeeping
}

// fetchHeap is a bounded min-heap of outstanding fetches ordered by age
// (oldest first), shared by every slice of a controller and used to report
// the longest-outstanding fetch (Controller.OldestFetchAge). A record
// evicted over capacity is only dropped from tracking; the fetch itself is
// neither cancelled nor retried. Capacity 0 means unbounded.
type fetchHeap struct {
	items []*fetchRecord
	cap   int
}

func newFetchHeap(capacity int) *fetchHeap {
	h := &fetchHeap{cap: capacity}
	heap.Init(h)
	return h
}

func (h *fetchHeap) Len() int { return len(h.items) }

func (h *fetchHeap) Less(i, j int) bool {
	return h.items[i].started.Before(h.items[j].started)
}

func (h *fetchHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *fetchHeap) Push(x interface{}) {
	r := x.(*fetchRecord)
	r.index = len(h.items)
	h.items = append(h.items, r)
}

func (h *fetchHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	h.items = old[:n-1]
	return r
}

// Add inserts a new fetch record and, if the heap is over capacity,
// evicts and returns the oldest record that no longer fits; the fetch
// behind it is left running.
func (h *fetchHeap) Add(r *fetchRecord) (evicted *fetchRecord) {
	heap.Push(h, r)
	if h.cap > 0 && h.Len() > h.cap {
		return heap.Pop(h).(*fetchRecord)
	}
	return nil
}

// Oldest returns (without removing) the longest-outstanding record, or
// nil if the heap is empty.
func (h *fetchHeap) Oldest() *fetchRecord {
	if h.Len() == 0 {
		return nil
	}
	return h.items[0]
}

// Remove deletes r from the heap if it is still present.
func (h *fetchHeap) Remove(r *fetchRecord) {
	if r.index < 0 || r.index >= len(h.items) || h.items[r.index] != r {
		return
	}
	heap.Remove(h, r.index)
}
