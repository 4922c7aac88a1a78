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

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/metrics"
	"github.com/google/ccnxsync/storage/cache"
)

// ErrBuilderCacheCorruption is returned when a cached child node referenced
// by the old tree cannot be decoded. Partial work is discarded and the old
// root is left unchanged, per spec §4.D.
var ErrBuilderCacheCorruption = errors.New("synctree: cached child could not be decoded")

type builderPhase int

const (
	phaseMerge builderPhase = iota
	phaseBundle
	phaseDone
)

// Builder merges a sorted, deduplicated batch of names into an existing
// root to produce a new root, splitting leaf and internal nodes once their
// encoded size would pass cfg.NodeSplitTrigger (see
// shouldSplitBeforeAppend). It is driven via repeated Step
// calls so the reconciliation controller can interleave it with other
// heartbeat work, yielding approximately every cfg.NamesYieldInc names or
// cfg.NamesYieldBudget of wall time, whichever comes first.
type Builder struct {
	c   *cache.Cache
	cfg Config
	m   *metrics.Metrics

	oldWalker *cache.Walker

	batch []ccnname.Name
	bi    int

	phase builderPhase

	curLeaf        *merkle.NodeBuilder
	prevLeafName   ccnname.Name
	prevLeafShared int
	leafNodes      []*merkle.Node

	bundleInput     []*merkle.Node
	bundleIdx       int
	curInternal     *merkle.NodeBuilder
	prevChildName   ccnname.Name
	prevChildShared int
	bundleOutput    []*merkle.Node

	// oldPeekName/oldPeekExhausted hold the merge's one-name lookahead
	// buffer across Step boundaries.
	oldPeekName      ccnname.Name
	oldPeekExhausted bool

	// Root is populated once Step reports done with a nil error. A nil
	// Root with done=true and err=nil means the resulting tree is empty.
	Root *cache.Entry

	namesSinceYield int
	stepDeadline    time.Time
}

// NewBuilder prepares a Builder that will merge batch into oldRoot (nil for
// an empty old tree). batch may contain duplicates; they are removed here.
func NewBuilder(c *cache.Cache, cfg Config, m *metrics.Metrics, oldRoot *cache.Entry, batch []ccnname.Name) *Builder {
	sorted := make([]ccnname.Name, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	dedup := sorted[:0]
	for i, n := range sorted {
		if i == 0 || !n.Equal(dedup[len(dedup)-1]) {
			dedup = append(dedup, n)
		}
	}

	b := &Builder{
		c:              c,
		cfg:            cfg,
		m:              m,
		batch:          dedup,
		prevLeafShared: -1,
	}
	if oldRoot != nil {
		w := cache.NewWalker(c)
		w.Init(oldRoot)
		b.oldWalker = w
	}
	return b
}

// Batch returns the sorted, deduplicated set of names this builder was
// asked to merge in (not the full resulting leaf set), letting a caller
// record exactly what transformed the old root into the new one.
func (b *Builder) Batch() []ccnname.Name {
	out := make([]ccnname.Name, len(b.batch))
	copy(out, b.batch)
	return out
}

// Step advances the builder by up to cfg.NamesYieldInc names or
// cfg.NamesYieldBudget of wall time, whichever is reached first, and
// returns done=true once Root has its final value (or the build failed).
// On ErrBuilderCacheCorruption the caller must treat the old root as
// unchanged; Builder does not mutate anything reachable from the old root.
func (b *Builder) Step() (done bool, err error) {
	if b.phase == phaseDone {
		return true, nil
	}
	b.stepDeadline = time.Now().Add(b.cfg.NamesYieldBudget)
	b.namesSinceYield = 0

	for {
		switch b.phase {
		case phaseMerge:
			stepDone, err := b.stepMerge()
			if err != nil {
				return true, err
			}
			if !stepDone {
				return false, nil
			}
			// Merge finished: finalize any partial leaf builder.
			if b.curLeaf != nil && b.curLeaf.Len() > 0 {
				n, err := b.curLeaf.End()
				if err != nil {
					return true, err
				}
				b.adoptLocal(n)
				b.leafNodes = append(b.leafNodes, n)
				b.curLeaf = nil
			}
			b.bundleInput = b.leafNodes
			b.phase = phaseBundle
			b.bundleIdx = 0
			b.prevChildShared = -1
			b.curInternal = nil

		case phaseBundle:
			stepDone, err := b.stepBundlePass()
			if err != nil {
				return true, err
			}
			if !stepDone {
				return false, nil
			}
			switch len(b.bundleOutput) {
			case 0:
				b.Root = nil
				b.phase = phaseDone
				return true, nil
			case 1:
				b.Root = b.c.Enter(b.bundleOutput[0].Hash, cache.LocalPresent)
				b.c.SetLocal(b.Root, b.bundleOutput[0])
				b.phase = phaseDone
				return true, nil
			default:
				// Another bundling pass is needed.
				b.bundleInput = b.bundleOutput
				b.bundleOutput = nil
				b.bundleIdx = 0
				b.prevChildShared = -1
				b.curInternal = nil
			}

		case phaseDone:
			return true, nil
		}
	}
}

// adoptLocal installs n in the cache as a locally-authored node, queued
// for persistent storage (Storing flag) until the repo-store hook
// confirms it; see spec §3 "Lifetimes".
func (b *Builder) adoptLocal(n *merkle.Node) {
	e := b.c.Enter(n.Hash, cache.LocalPresent|cache.Storing)
	b.c.SetLocal(e, n)
}

// nextOldLeaf returns the next leaf name from the old tree in ascending
// order, or ok=false once the old tree is exhausted. It performs an
// iterative in-order DFS using the shared cache walker machinery.
func (b *Builder) nextOldLeaf() (ccnname.Name, bool, error) {
	w := b.oldWalker
	if w == nil || w.Done() {
		return nil, false, nil
	}
	for {
		top := w.Top()
		if top == nil {
			return nil, false, nil
		}
		node := top.Entry.Node()
		if node == nil {
			return nil, false, fmt.Errorf("%w: hash %x", ErrBuilderCacheCorruption, top.Entry.Hash)
		}
		if top.Position >= len(node.Refs) {
			w.Pop()
			continue
		}
		ref := node.Refs[top.Position]
		if ref.IsLeaf {
			w.Advance()
			return ref.Name, true, nil
		}
		if !w.Push() {
			return nil, false, fmt.Errorf("%w: expected to descend into a node reference", ErrBuilderCacheCorruption)
		}
	}
}

func (b *Builder) stepMerge() (done bool, err error) {
	for {
		if b.overBudget() {
			return false, nil
		}
		if b.oldPeekName == nil && !b.oldPeekExhausted {
			n, ok, err := b.nextOldLeaf()
			if err != nil {
				return false, err
			}
			if !ok {
				b.oldPeekExhausted = true
			} else {
				b.oldPeekName = n
			}
		}

		haveOld := b.oldPeekName != nil
		haveNew := b.bi < len(b.batch)
		if !haveOld && !haveNew {
			return true, nil
		}

		switch {
		case haveOld && haveNew:
			cmp := b.oldPeekName.Compare(b.batch[b.bi])
			switch {
			case cmp < 0:
				b.emit(b.oldPeekName)
				b.oldPeekName = nil
			case cmp == 0:
				b.emit(b.oldPeekName)
				b.oldPeekName = nil
				b.bi++
			default:
				b.emit(b.batch[b.bi])
				b.bi++
			}
		case haveOld:
			b.emit(b.oldPeekName)
			b.oldPeekName = nil
		default:
			b.emit(b.batch[b.bi])
			b.bi++
		}
		b.namesSinceYield++
	}
}

func (b *Builder) overBudget() bool {
	if b.namesSinceYield >= b.cfg.NamesYieldInc {
		return true
	}
	if !b.stepDeadline.IsZero() && time.Now().After(b.stepDeadline) {
		return true
	}
	return false
}

// emit appends name to the current leaf-level node builder, splitting off
// a completed leaf node first if name would trigger a split.
func (b *Builder) emit(name ccnname.Name) {
	if b.curLeaf == nil {
		b.curLeaf = merkle.NewLeafNodeBuilder()
	}
	nextShared := -1
	if b.curLeaf.Len() > 0 {
		curShared := sharedComponentCount(b.prevLeafName, name)
		if b.shouldSplitBeforeAppend(b.curLeaf, b.prevLeafName, curShared, name) {
			n, err := b.curLeaf.End()
			if err == nil {
				b.adoptLocal(n)
				b.leafNodes = append(b.leafNodes, n)
				if b.m != nil {
					b.m.NodesSplit.Inc()
				}
			}
			b.curLeaf = merkle.NewLeafNodeBuilder()
		} else {
			nextShared = curShared
		}
	}
	_ = b.curLeaf.AppendLeaf(name)
	b.prevLeafName = name
	b.prevLeafShared = nextShared
}

// shouldSplitBeforeAppend decides whether to close off the accumulator
// before appending next. It returns true exactly when the prospective
// encoded size exceeds cfg.NodeSplitTrigger: the level-break and
// hash-break checks are reached only past that point and give the same
// answer as the size fallback, so every split falls at the size ceiling
// and a low hash byte never causes an earlier split. The internal-node
// variant below behaves the same way.
func (b *Builder) shouldSplitBeforeAppend(builder *merkle.NodeBuilder, prev ccnname.Name, curShared int, next ccnname.Name) bool {
	prospective := builder.EncodedSizeEstimate() + len(next.Encode()) + 8
	if prospective <= b.cfg.NodeSplitTrigger {
		return false
	}
	if levelBreak(b.prevLeafShared, curShared) {
		return true
	}
	if builder.EncodedSizeEstimate() >= b.cfg.NodeSplitTrigger/2 && hashBreak(prev, b.cfg.HashSplitTrigger) {
		return true
	}
	return true // fallback: size ceiling itself
}

// stepBundlePass folds b.bundleInput (leaf nodes, or a previous pass's
// internal nodes) into the next level of internal nodes, using the same
// split discipline keyed on each child's MinName.
func (b *Builder) stepBundlePass() (done bool, err error) {
	for {
		if b.overBudget() {
			return false, nil
		}
		if b.bundleIdx >= len(b.bundleInput) {
			if b.curInternal != nil && b.curInternal.Len() > 0 {
				n, err := b.curInternal.End()
				if err != nil {
					return false, err
				}
				b.adoptLocal(n)
				b.bundleOutput = append(b.bundleOutput, n)
				b.curInternal = nil
			}
			return true, nil
		}
		child := b.bundleInput[b.bundleIdx]
		if b.curInternal == nil {
			b.curInternal = merkle.NewInternalNodeBuilder()
		}
		nextShared := -1
		if b.curInternal.Len() > 0 {
			curShared := sharedComponentCount(b.prevChildName, child.MinName)
			if b.shouldSplitBeforeAppendChild(b.curInternal, curShared, child) {
				n, err := b.curInternal.End()
				if err != nil {
					return false, err
				}
				b.adoptLocal(n)
				b.bundleOutput = append(b.bundleOutput, n)
				if b.m != nil {
					b.m.NodesSplit.Inc()
				}
				b.curInternal = merkle.NewInternalNodeBuilder()
			} else {
				nextShared = curShared
			}
		}
		if err := b.curInternal.AppendChild(child); err != nil {
			return false, err
		}
		b.prevChildName = child.MinName
		b.prevChildShared = nextShared
		b.bundleIdx++
		b.namesSinceYield++
	}
}

func (b *Builder) shouldSplitBeforeAppendChild(builder *merkle.NodeBuilder, curShared int, child *merkle.Node) bool {
	prospective := builder.EncodedSizeEstimate() + merkle.MaxHashBytes + len(child.MinName.Encode()) + 16
	if prospective <= b.cfg.NodeSplitTrigger {
		return false
	}
	if levelBreak(b.prevChildShared, curShared) {
		return true
	}
	if builder.EncodedSizeEstimate() >= b.cfg.NodeSplitTrigger/2 && hashBreak(child.MinName, b.cfg.HashSplitTrigger) {
		return true
	}
	return true
}
