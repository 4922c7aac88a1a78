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
	"time"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/metrics"
	"github.com/google/ccnxsync/storage/cache"
)

// Differencing errors, per spec §4.E and §7.
var (
	ErrDifferCacheCorruption = errors.New("synctree: local tree references an undecodable cached node")
	ErrFetchFailed           = errors.New("synctree: node fetch failed after one retry")
	ErrStalled               = errors.New("synctree: no successful fetch within the stall deadline")
	ErrClientAbort           = errors.New("synctree: name sink requested termination")
)

// State is the differencing session's lifecycle stage.
type State int

const (
	StateInit State = iota
	StatePreload
	StateBusy
	StateWaiting
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePreload:
		return "preload"
	case StateBusy:
		return "busy"
	case StateWaiting:
		return "waiting"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// FetchFunc requests the encoded body for hash from the transport. The
// differencing engine does not block on it: the result is delivered later
// through DeliverFetch, possibly from a different goroutine's callback
// handed back onto the scheduler thread.
type FetchFunc func(hash [merkle.MaxHashBytes]byte)

// SinkFunc delivers one discovered name to the client. A nil name is the
// sentinel marking session termination (success, stall, or abort); the
// return value is only consulted for non-sentinel calls and, when false,
// requests early termination (spec's ClientAbort).
type SinkFunc func(name ccnname.Name) bool

type stepAction int

const (
	actionContinue stepAction = iota
	actionNeedFetch
	actionDone
	actionAbort
)

// Differ runs the two-tree differencing engine of spec §4.E: an
// order-preserving merge of a local walker (X) and a remote walker (Y),
// requesting Y-side node bodies on demand and emitting every name found
// under Y but not under X. Like Builder, it is driven by repeated Step
// calls rather than owning a goroutine of its own.
type Differ struct {
	c   *cache.Cache
	cfg Config
	m   *metrics.Metrics

	wx, wy *cache.Walker
	yRoot  *cache.Entry

	fetch FetchFunc
	sink  SinkFunc

	queuedOrPending map[[merkle.MaxHashBytes]byte]bool
	pendingFetches  map[[merkle.MaxHashBytes]byte]bool
	fetchQueue      [][merkle.MaxHashBytes]byte
	retriedOnce     map[[merkle.MaxHashBytes]byte]bool

	lastFetchSuccess time.Time

	state State
	err   error
}

// NewDiffer starts a differencing session comparing xRoot (may be nil for
// an empty local tree) against yRoot (may be nil for an empty remote
// tree). fetch is called at most cfg.MaxFetchBusy times concurrently;
// sink receives discovered names in ascending order, terminated by a nil
// sentinel.
func NewDiffer(c *cache.Cache, cfg Config, m *metrics.Metrics, xRoot, yRoot *cache.Entry, fetch FetchFunc, sink SinkFunc) *Differ {
	wx := cache.NewWalker(c)
	wx.Init(xRoot)
	wy := cache.NewWalker(c)
	wy.Init(yRoot)

	d := &Differ{
		c:                c,
		cfg:              cfg,
		m:                m,
		wx:               wx,
		wy:               wy,
		yRoot:            yRoot,
		fetch:            fetch,
		sink:             sink,
		queuedOrPending:  make(map[[merkle.MaxHashBytes]byte]bool),
		pendingFetches:   make(map[[merkle.MaxHashBytes]byte]bool),
		retriedOnce:      make(map[[merkle.MaxHashBytes]byte]bool),
		lastFetchSuccess: time.Now(),
		state:            StateInit,
	}
	if m != nil {
		m.SessionsActive.Inc()
	}
	return d
}

// State reports the session's current lifecycle stage.
func (d *Differ) State() State { return d.state }

// Step advances the session by up to cfg.NamesYieldInc names or
// cfg.NamesYieldBudget of wall time, whichever comes first, and returns
// done=true once the session has reached StateDone or StateError. Callers
// must keep calling Step (after delivering any outstanding fetches via
// DeliverFetch) until done is reported.
func (d *Differ) Step() (done bool, err error) {
	if d.state == StateDone || d.state == StateError {
		return true, d.err
	}
	deadline := time.Now().Add(d.cfg.NamesYieldBudget)
	processed := 0

	for {
		if d.checkStall() {
			return true, d.err
		}
		if processed >= d.cfg.NamesYieldInc || time.Now().After(deadline) {
			return false, nil
		}

		action, err := d.stepOnce()
		if err != nil {
			d.teardown(err, false)
			return true, err
		}
		switch action {
		case actionDone:
			d.state = StateWaiting
			d.teardown(nil, true)
			return true, nil
		case actionAbort:
			d.teardown(ErrClientAbort, false)
			return true, ErrClientAbort
		case actionNeedFetch:
			d.state = StatePreload
			return false, nil
		case actionContinue:
			d.state = StateBusy
			processed++
		}
	}
}

// DeliverFetch reports the outcome of a previously requested fetch. body
// is the node's raw encoding on success; fetchErr is non-nil on failure
// (timeout, transport rejection, etc). A hash not currently outstanding
// (already delivered, or the session has since torn down) is ignored.
func (d *Differ) DeliverFetch(hash [merkle.MaxHashBytes]byte, body []byte, fetchErr error) {
	if d.state == StateDone || d.state == StateError {
		return
	}
	if !d.pendingFetches[hash] {
		return
	}
	delete(d.pendingFetches, hash)

	if fetchErr != nil {
		if d.m != nil {
			d.m.FetchesFailed.Inc()
		}
		if d.retriedOnce[hash] {
			d.teardown(fmt.Errorf("%w: %v", ErrFetchFailed, fetchErr), false)
			return
		}
		d.retriedOnce[hash] = true
		if d.m != nil {
			d.m.FetchesRetried.Inc()
		}
		d.fetchQueue = append(d.fetchQueue, hash)
		d.dispatchQueuedFetches()
		return
	}

	node, err := merkle.ParseNode(body, d.cfg.MaxNodeBytes)
	if err != nil {
		d.teardown(err, false)
		return
	}
	if node.Hash != hash {
		d.teardown(fmt.Errorf("%w: fetched body does not hash to the requested key", merkle.ErrCodecHashMismatch), false)
		return
	}

	delete(d.queuedOrPending, hash)
	entry, ok := d.c.Lookup(hash)
	if !ok {
		entry = d.c.Enter(hash, 0)
	}
	d.c.SetRemote(entry, node)
	d.lastFetchSuccess = time.Now()
	dispatched := d.dispatchQueuedFetches()
	if len(d.pendingFetches) == 0 && !dispatched {
		d.state = StateBusy
	}
}

// Close abandons the session before natural completion (client shutdown
// or slice deletion). It releases walker pins without invoking sink, per
// spec §5's cancellation rule that a closed session's callback never
// fires again synchronously.
func (d *Differ) Close() {
	if d.state == StateDone || d.state == StateError {
		return
	}
	d.wx.Close()
	d.wy.Close()
	d.state = StateDone
	if d.m != nil {
		d.m.SessionsActive.Dec()
	}
}

func (d *Differ) teardown(finalErr error, covered bool) {
	if covered && d.yRoot != nil {
		d.c.MarkCovered(d.yRoot)
	}
	d.sink(nil)
	d.wx.Close()
	d.wy.Close()
	d.err = finalErr
	if finalErr == nil {
		d.state = StateDone
	} else {
		d.state = StateError
		if errors.Is(finalErr, ErrStalled) && d.m != nil {
			d.m.SessionsAborted.Inc()
		}
	}
	if d.m != nil {
		d.m.SessionsActive.Dec()
	}
}

func (d *Differ) checkStall() bool {
	if len(d.pendingFetches) == 0 && len(d.fetchQueue) == 0 {
		return false
	}
	if time.Since(d.lastFetchSuccess) <= d.cfg.CompareAssumeBad {
		return false
	}
	d.teardown(ErrStalled, false)
	return true
}

func (d *Differ) emit(name ccnname.Name) bool {
	if d.m != nil {
		d.m.NamesEmitted.Inc()
	}
	return d.sink(name)
}

// requestFetch enqueues hash for fetching if it is not already queued or
// outstanding, then dispatches as much of the queue as max_fetch_busy
// allows.
func (d *Differ) requestFetch(hash [merkle.MaxHashBytes]byte) {
	if !d.queuedOrPending[hash] {
		d.queuedOrPending[hash] = true
		d.fetchQueue = append(d.fetchQueue, hash)
	}
	d.dispatchQueuedFetches()
}

// dispatchQueuedFetches issues fetches for queued hashes up to the
// max_fetch_busy concurrency cap. It returns whether anything is now
// outstanding (dispatched previously or newly).
func (d *Differ) dispatchQueuedFetches() bool {
	for len(d.pendingFetches) < d.cfg.MaxFetchBusy && len(d.fetchQueue) > 0 {
		hash := d.fetchQueue[0]
		d.fetchQueue = d.fetchQueue[1:]
		if d.pendingFetches[hash] {
			continue
		}
		d.pendingFetches[hash] = true
		if d.m != nil {
			d.m.FetchesStarted.Inc()
		}
		d.fetch(hash)
	}
	return len(d.pendingFetches) > 0
}

// currentRef returns the reference at w's top frame's current position,
// or ok=false if the walker is exhausted, its top frame's body is
// missing, or the position has run past the end of the node's refs.
func currentRef(w *cache.Walker) (ref merkle.Ref, ok bool) {
	top := w.Top()
	if top == nil {
		return merkle.Ref{}, false
	}
	node := top.Entry.Node()
	if node == nil || top.Position >= len(node.Refs) {
		return merkle.Ref{}, false
	}
	return node.Refs[top.Position], true
}

// stepOnce performs one iteration of the order-merge algorithm of spec
// §4.E: normalize both walkers past exhausted or covered frames, request
// a fetch if the next Y element is unreadable, then advance, emit, or
// descend according to the compared leaf/node kinds at the top of each
// stack.
func (d *Differ) stepOnce() (stepAction, error) {
	// Normalize Wy: skip already-covered subtrees and pop exhausted
	// frames; request a fetch and suspend if the current frame's body
	// has not arrived yet.
	for {
		top := d.wy.Top()
		if top == nil {
			return actionDone, nil
		}
		if top.Position == 0 && top.Entry.State().Has(cache.Covered) {
			d.wy.Pop()
			continue
		}
		node := top.Entry.Node()
		if node == nil {
			d.requestFetch(top.Entry.Hash)
			return actionNeedFetch, nil
		}
		if top.Position >= len(node.Refs) {
			if !d.wy.Pop() {
				return actionDone, nil
			}
			continue
		}
		break
	}

	// Normalize Wx: X is assumed fully resolvable locally, so a missing
	// body here is corruption, not a fetch opportunity.
	for {
		top := d.wx.Top()
		if top == nil {
			break
		}
		node := top.Entry.Node()
		if node == nil {
			return actionContinue, fmt.Errorf("%w: hash %x", ErrDifferCacheCorruption, top.Entry.Hash)
		}
		if top.Position >= len(node.Refs) {
			if !d.wx.Pop() {
				break
			}
			continue
		}
		break
	}

	ey, ok := currentRef(d.wy)
	if !ok {
		// Unreachable in practice: the Wy normalization above leaves
		// the top frame positioned at a readable ref whenever it
		// didn't already return. Guard against it regardless.
		return actionDone, nil
	}

	if d.wx.Top() == nil {
		// Nothing remains on the local side: everything left under ey
		// is missing.
		if ey.IsLeaf {
			if !d.emit(ey.Name) {
				return actionAbort, nil
			}
			d.wy.Advance()
			return actionContinue, nil
		}
		if !d.wy.Push() {
			return actionContinue, fmt.Errorf("%w: expected to descend into a Y node reference", ErrDifferCacheCorruption)
		}
		return actionContinue, nil
	}

	ex, ok := currentRef(d.wx)
	if !ok {
		return actionContinue, fmt.Errorf("%w: X walker left in an unreadable state", ErrDifferCacheCorruption)
	}

	switch {
	case ex.IsLeaf && ey.IsLeaf:
		switch c := ex.Name.Compare(ey.Name); {
		case c == 0:
			d.wx.Advance()
			d.wy.Advance()
		case c < 0:
			d.wx.Advance()
		default:
			if !d.emit(ey.Name) {
				return actionAbort, nil
			}
			d.wy.Advance()
		}

	case ex.IsLeaf && !ey.IsLeaf:
		switch {
		case ex.Name.Compare(ey.ChildMinName) < 0:
			d.wx.Advance()
		case ex.Name.Equal(ey.ChildMaxName):
			d.wx.Advance()
			d.wy.Advance()
		default:
			if !d.wy.Push() {
				return actionContinue, fmt.Errorf("%w: expected to descend into a Y node reference", ErrDifferCacheCorruption)
			}
		}

	case !ex.IsLeaf && ey.IsLeaf:
		switch {
		case ey.Name.Compare(ex.ChildMinName) < 0:
			if !d.emit(ey.Name) {
				return actionAbort, nil
			}
			d.wy.Advance()
		case ey.Name.Compare(ex.ChildMaxName) > 0:
			d.wx.Advance()
		case ey.Name.Equal(ex.ChildMinName) || ey.Name.Equal(ex.ChildMaxName):
			d.wx.Advance()
			d.wy.Advance()
		default:
			if !d.wx.Push() {
				return actionContinue, fmt.Errorf("%w: expected to descend into an X node reference", ErrDifferCacheCorruption)
			}
		}

	default: // both node references
		if ex.ChildHash == ey.ChildHash {
			if yEntry, found := d.c.Lookup(ey.ChildHash); found {
				d.c.MarkCovered(yEntry)
			}
			d.wx.Advance()
			d.wy.Advance()
		} else if ey.ChildMinName.Compare(ex.ChildMaxName) > 0 {
			d.wx.Advance()
		} else {
			if !d.wx.Push() {
				return actionContinue, fmt.Errorf("%w: expected to descend into an X node reference", ErrDifferCacheCorruption)
			}
			if !d.wy.Push() {
				return actionContinue, fmt.Errorf("%w: expected to descend into a Y node reference", ErrDifferCacheCorruption)
			}
		}
	}
	return actionContinue, nil
}
