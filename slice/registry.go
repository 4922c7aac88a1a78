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
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/google/ccnxsync/merkle"
)

// registryItem is the btree.Item backing a Registry: slices are ordered
// by their canonical hash so two descriptors producing the same bytes
// collapse to a single entry, per spec §4.G.
type registryItem struct {
	hash [merkle.MaxHashBytes]byte
	s    *Slice
}

func (i registryItem) Less(than btree.Item) bool {
	o := than.(registryItem)
	return bytes.Compare(i.hash[:], o.hash[:]) < 0
}

// Registry deduplicates the set of slices a controller is reconciling,
// keyed by slice hash, so a slice hash resolves back to the live Slice
// without a linear scan. The controller adds slices in Open and removes
// them in Close.
type Registry struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewRegistry creates an empty slice registry. The btree degree is fixed
// at 32, the corpus's typical choice for small in-memory indexes.
func NewRegistry() *Registry {
	return &Registry{tree: btree.New(32)}
}

// Add inserts s if no slice with the same hash is already registered,
// and returns the canonical (possibly pre-existing) *Slice for that
// hash along with whether it was newly inserted.
func (r *Registry) Add(s *Slice) (canonical *Slice, inserted bool) {
	h := s.Hash()
	r.mu.Lock()
	defer r.mu.Unlock()
	item := registryItem{hash: h, s: s}
	if existing := r.tree.Get(item); existing != nil {
		return existing.(registryItem).s, false
	}
	r.tree.ReplaceOrInsert(item)
	return s, true
}

// Lookup returns the slice registered under hash, if any.
func (r *Registry) Lookup(hash [merkle.MaxHashBytes]byte) (*Slice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item := r.tree.Get(registryItem{hash: hash})
	if item == nil {
		return nil, false
	}
	return item.(registryItem).s, true
}

// Remove deletes the slice registered under hash, if present.
func (r *Registry) Remove(hash [merkle.MaxHashBytes]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Delete(registryItem{hash: hash})
}

// Len reports the number of registered slices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

// Each visits every registered slice in ascending hash order, stopping
// early if fn returns false.
func (r *Registry) Each(fn func(s *Slice) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(registryItem).s)
	})
}
