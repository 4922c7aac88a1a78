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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"

	"github.com/google/ccnxsync/ccnname"
	"github.com/google/ccnxsync/deltas"
	"github.com/google/ccnxsync/merkle"
	"github.com/google/ccnxsync/metrics"
	"github.com/google/ccnxsync/recon/election"
	"github.com/google/ccnxsync/recon/fence"
	"github.com/google/ccnxsync/recon/quota"
	"github.com/google/ccnxsync/slice"
	"github.com/google/ccnxsync/storage/cache"
	"github.com/google/ccnxsync/synctree"
	"github.com/google/ccnxsync/transport"
)

// ErrUnknownSlice is returned when an inbound request or API call names a
// slice hash the controller is not currently reconciling.
var ErrUnknownSlice = errors.New("recon: no such slice is open")

// ErrAlreadyOpen is returned by Open when the slice (by canonical hash) is
// already being reconciled.
var ErrAlreadyOpen = errors.New("recon: slice is already open")

// binding is the controller's per-slice state: spec §3's "reconciliation
// session state" generalized to own the builder, the active differencing
// session, and the advise/deltas bookkeeping the heartbeat drives.
type binding struct {
	mu sync.Mutex

	slice     *slice.Slice
	sliceHash [merkle.MaxHashBytes]byte
	cb        NameCallback

	cache      *cache.Cache
	deltaCache *deltas.Cache

	localRoot *cache.Entry
	pending   []ccnname.Name

	builder    *synctree.Builder
	builderOld *cache.Entry
	diffing    *diffSession

	// advMu guards the fields a transport reply can update from outside
	// the goroutine that's running Tick (recordRemote), kept separate
	// from mu so an advise reply delivered synchronously, reentrant with
	// the tick that issued it, cannot deadlock against it.
	advMu           sync.Mutex
	remoteHash      [merkle.MaxHashBytes]byte
	haveRemote      bool
	covered         bool
	lastAdviseSent  time.Time
	deltaReplyRoot  [merkle.MaxHashBytes]byte
	deltaReplyNames []ccnname.Name

	// Adaptive pacing state, spec §4.F.
	nextTickAt   time.Time
	interval     time.Duration
	lastBatchLen int

	stats statCounters
	closed bool
}

// remoteSnapshot returns the most recently recorded peer root hash, whether
// one has ever been recorded, and whether it is already known covered,
// guarded by advMu so it's safe to call from tickSlice while b.mu is held.
func (b *binding) remoteSnapshot() (hash [merkle.MaxHashBytes]byte, have bool, covered bool) {
	b.advMu.Lock()
	defer b.advMu.Unlock()
	return b.remoteHash, b.haveRemote, b.covered
}

// setCovered records that the most recently seen remote root is now known
// covered, e.g. once a differencing session against it completes cleanly.
func (b *binding) setCovered(v bool) {
	b.advMu.Lock()
	defer b.advMu.Unlock()
	b.covered = v
}

// stageDeltaReply records a peer's cached-delta advise reply (spec §4.F's
// short-circuit, skipping a full differencing pass) for tickSlice to fold
// into b.pending and the NameCallback on its next pass, guarded by advMu
// for the same reentrancy reason as recordRemote: a synchronous transport
// can invoke this from within the tick that's still holding b.mu.
func (b *binding) stageDeltaReply(newRoot [merkle.MaxHashBytes]byte, names []ccnname.Name) {
	b.advMu.Lock()
	defer b.advMu.Unlock()
	b.deltaReplyRoot = newRoot
	b.deltaReplyNames = append(b.deltaReplyNames, names...)
	b.remoteHash = newRoot
	b.haveRemote = true
	b.covered = true
}

// takeDeltaReply drains any delta-reply names staged since the last call,
// along with the root hash they were staged against.
func (b *binding) takeDeltaReply() (newRoot [merkle.MaxHashBytes]byte, names []ccnname.Name) {
	b.advMu.Lock()
	defer b.advMu.Unlock()
	newRoot, names = b.deltaReplyRoot, b.deltaReplyNames
	b.deltaReplyNames = nil
	return newRoot, names
}

// dueForAdvise reports whether at least lifetime has elapsed since the last
// advise was sent, and if so stamps lastAdviseSent as now and returns true.
// Guarded by advMu, independent of b.mu, so it can be checked from within a
// reply closure the transport invokes reentrantly with an in-progress tick.
func (b *binding) dueForAdvise(now time.Time, lifetime time.Duration) bool {
	b.advMu.Lock()
	defer b.advMu.Unlock()
	if now.Sub(b.lastAdviseSent) < lifetime {
		return false
	}
	b.lastAdviseSent = now
	return true
}

// Controller drives the heartbeat-scheduled reconciliation loop of spec
// §4.F across every open slice.
type Controller struct {
	cfg       Config
	transport transport.Transport
	repo      transport.RepoHooks
	registry  *slice.Registry
	metrics   *metrics.Metrics

	mu       sync.Mutex
	bindings map[[merkle.MaxHashBytes]byte]*binding

	fetchMu sync.Mutex
	fetches *fetchHeap

	// sessionSem bounds the number of differencing sessions running
	// concurrently across every slice to cfg.MaxCompareBusy, the
	// in-process guard SPEC_FULL places ahead of any distributed quota
	// check (see recon/quota). Acquired in tickSlice before a session
	// starts, released once it completes or the slice is closed.
	sessionSem *semaphore.Weighted

	// fenceSeq is the monotonic counter handed to RepoHooks.Fence after
	// every completed build, when cfg.StableEnabled is set and no
	// fenceStore has been attached. A single replica's in-process
	// counter is sufficient here; it is only a cluster-wide sequence
	// once fenceStore replaces it below.
	fenceSeq uint64

	// fenceStore, when set via SetFenceStore, replaces fenceSeq with an
	// etcd-backed token shared across every replica reconciling the same
	// slice, so a checkpoint recorded by one replica cannot be
	// undercut by a stale sequence number from another. Nil keeps the
	// single-replica fenceSeq counter.
	fenceStore *fence.Store

	// quota is an optional cluster-wide token-bucket check layered
	// outside sessionSem/Tree.MaxFetchBusy's per-replica ceilings. Nil
	// disables the distributed check entirely.
	quota *quota.Limiter

	// electors tracks, per slice, the etcd-backed mastership campaign a
	// clustered deployment has registered via AdoptElector. A slice with
	// no registered elector is always ticked (single-replica mode).
	electors map[[merkle.MaxHashBytes]byte]*election.Elector
}

// SetQuotaLimiter attaches a distributed token-bucket limiter checked in
// addition to this replica's own in-process concurrency ceilings before
// starting a differencing session or issuing a node fetch. Pass nil to
// disable the distributed check (the default).
func (c *Controller) SetQuotaLimiter(l *quota.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quota = l
}

// SetFenceStore attaches an etcd-backed fencing-token store shared by every
// replica reconciling the same slices, replacing the single-replica
// fenceSeq counter used when cfg.StableEnabled is set. Pass nil to revert
// to the local counter.
func (c *Controller) SetFenceStore(s *fence.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fenceStore = s
}

// NewController creates a Controller using cfg, t for outbound/inbound
// requests, and repo (may be nil) for local lookup/store/enumerate/fence.
// reg may be nil, in which case the controller creates its own registry.
func NewController(cfg Config, t transport.Transport, repo transport.RepoHooks, reg *slice.Registry, m *metrics.Metrics) *Controller {
	if reg == nil {
		reg = slice.NewRegistry()
	}
	maxCompareBusy := cfg.MaxCompareBusy
	if maxCompareBusy <= 0 {
		maxCompareBusy = 1
	}
	return &Controller{
		cfg:        cfg,
		fetches:    newFetchHeap(cfg.MaxCompareBusy * cfg.Tree.MaxFetchBusy),
		sessionSem: semaphore.NewWeighted(int64(maxCompareBusy)),
		transport:  t,
		repo:       repo,
		registry:   reg,
		metrics:    m,
		bindings:   make(map[[merkle.MaxHashBytes]byte]*binding),
		electors:   make(map[[merkle.MaxHashBytes]byte]*election.Elector),
	}
}

// AdoptElector registers e as this replica's mastership campaign result
// for sliceHash: once e's session expires (election.Elector.Done), Tick
// stops advancing that slice's state machine until a new Elector is
// adopted, letting a clustered deployment ensure only one replica
// advises/builds/fences a given slice at a time.
func (c *Controller) AdoptElector(sliceHash [merkle.MaxHashBytes]byte, e *election.Elector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.electors[sliceHash] = e
}

// ReleaseElector resigns and forgets sliceHash's registered elector, if
// any.
func (c *Controller) ReleaseElector(ctx context.Context, sliceHash [merkle.MaxHashBytes]byte) {
	c.mu.Lock()
	e, ok := c.electors[sliceHash]
	delete(c.electors, sliceHash)
	c.mu.Unlock()
	if ok {
		e.Resign(ctx)
	}
}

// isMaster reports whether this replica should currently tick sliceHash:
// true when no elector is registered (single-replica mode) or the
// registered one's session has not expired.
func (c *Controller) isMaster(sliceHash [merkle.MaxHashBytes]byte) bool {
	c.mu.Lock()
	e, ok := c.electors[sliceHash]
	c.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-e.Done():
		return false
	default:
		return true
	}
}

// Open begins reconciling s, per spec §6's `open` entry point. cb receives
// every discovered name plus a final sentinel; resumeHash/resumeName seed
// the local root from a previous Close (nil resumeHash means empty).
func (c *Controller) Open(s *slice.Slice, cb NameCallback, resumeHash *[merkle.MaxHashBytes]byte, resumeName ccnname.Name) (*SessionHandle, error) {
	canonical, _ := c.registry.Add(s)
	h := canonical.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.bindings[h]; exists {
		return nil, ErrAlreadyOpen
	}

	// cache_purge_trigger is a distinct knob from compare_assume_bad;
	// default it to a generous multiple of the heartbeat so entries
	// survive comfortably longer than a single reconciliation round.
	b := &binding{
		slice:      canonical,
		sliceHash:  h,
		cb:         cb,
		cache:      cache.New(c.cfg.Heartbeat*600, c.metrics),
		deltaCache: deltas.New(c.cfg.DeltasLimit),
		interval:   c.cfg.Heartbeat,
	}

	if resumeHash != nil {
		b.localRoot = b.cache.Enter(*resumeHash, cache.LocalPresent)
	}
	if len(resumeName) > 0 {
		b.pending = append(b.pending, resumeName)
	}

	if c.repo != nil {
		c.seedFromRepo(b)
	}
	if c.transport != nil {
		if err := c.transport.RegisterFilter(canonical.TopoPrefix, func(ctx context.Context, name ccnname.Name) ([]byte, bool) {
			return c.handleInbound(b, ctx, name)
		}); err != nil {
			glog.Warningf("recon: RegisterFilter for slice %x failed: %v", h, err)
		}
	}

	c.bindings[h] = b
	b.stats.opened = time.Now()
	return &SessionHandle{b: b}, nil
}

// seedFromRepo kicks off a local enumeration of the slice's namespace so
// the first builder pass reflects whatever the repo already holds,
// per spec §4.F step 1 ("if a slice-enumeration is required").
func (c *Controller) seedFromRepo(b *binding) {
	interest := b.slice.NamingPrefix
	_, err := c.repo.Enumerate(context.Background(), interest, func(name ccnname.Name, done bool) {
		if done {
			return
		}
		if !b.slice.Matches(name) {
			return
		}
		b.mu.Lock()
		b.pending = append(b.pending, name.Clone())
		b.mu.Unlock()
	})
	if err != nil {
		glog.Warningf("recon: repo enumerate for slice %x failed: %v", b.sliceHash, err)
	}
}

// Close ends reconciliation for h's slice: any active differencing
// session is cancelled (never invoking cb again), the slice is
// unregistered, and the current root hash plus any name not yet folded
// back into the local tree is returned, per spec §6's `close` contract.
func (c *Controller) Close(h *SessionHandle) (currentRootHash [merkle.MaxHashBytes]byte, pendingName ccnname.Name) {
	b := h.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return currentRootHash, nil
	}
	b.closed = true
	if b.diffing != nil {
		b.diffing.close()
		b.diffing = nil
		c.sessionSem.Release(1)
	}
	if b.localRoot != nil {
		currentRootHash = b.localRoot.Hash
	}
	if len(b.pending) > 0 {
		pendingName = b.pending[0]
	}

	c.mu.Lock()
	delete(c.bindings, b.sliceHash)
	c.mu.Unlock()
	c.registry.Remove(b.sliceHash)
	c.ReleaseElector(context.Background(), b.sliceHash)
	return currentRootHash, pendingName
}

// OldestFetchAge reports how long the longest-outstanding node fetch
// across every open slice has been pending, or zero if none are
// outstanding. Exposed for the stats marker and for operators diagnosing
// whether the transport is keeping up with max_fetch_busy.
func (c *Controller) OldestFetchAge(now time.Time) time.Duration {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	r := c.fetches.Oldest()
	if r == nil {
		return 0
	}
	return now.Sub(r.started)
}

// NotifyNewNames buffers names published locally since the last builder
// pass for the named slice (spec §4.F "buffered new names from local
// notifications").
func (c *Controller) NotifyNewNames(sliceHash [merkle.MaxHashBytes]byte, names []ccnname.Name) error {
	c.mu.Lock()
	b, ok := c.bindings[sliceHash]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownSlice, sliceHash)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		b.pending = append(b.pending, n.Clone())
	}
	b.stats.namesBuffered += uint64(len(names))
	return nil
}

// Tick runs one heartbeat round across every open slice whose adaptive
// pacing interval has elapsed, per spec §4.F/§5. Callers invoke this from
// their own scheduler (a time.Ticker firing at cfg.Heartbeat, typically).
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	bs := make([]*binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		bs = append(bs, b)
	}
	c.mu.Unlock()

	for _, b := range bs {
		b.mu.Lock()
		due := b.closed || now.Before(b.nextTickAt)
		b.mu.Unlock()
		if due {
			continue
		}
		if !c.isMaster(b.sliceHash) {
			continue
		}
		c.tickSlice(b, now)
	}
}

// tickSlice advances one slice's state machine by exactly the steps spec
// §4.F enumerates: service an in-progress builder first, otherwise start
// one if names are buffered, otherwise advise and (if a remote hash is
// known and not yet covered) start or continue a differencing session.
func (c *Controller) tickSlice(b *binding, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if root, names := b.takeDeltaReply(); len(names) > 0 {
		for _, n := range names {
			if b.cb != nil {
				c.cfg.invokeCallback(&SessionHandle{b: b}, b, root, n)
			}
		}
		b.pending = append(b.pending, names...)
		b.stats.namesDiscovered += uint64(len(names))
	}

	if b.builder != nil {
		c.stepBuilderLocked(b)
		return
	}

	if b.diffing == nil {
		if len(b.pending) > 0 {
			c.startBuilderLocked(b)
			return
		}
		c.sendAdviseLocked(b, now)
		remoteHash, haveRemote, covered := b.remoteSnapshot()
		if haveRemote && !covered && c.sessionSem.TryAcquire(1) {
			if c.compareQuotaOK(b) {
				b.diffing = c.newDiffSession(b, remoteHash)
				b.stats.sessionsStarted++
			} else {
				c.sessionSem.Release(1)
			}
		}
		c.adaptPacingLocked(b, now)
		return
	}

	done, err := b.diffing.step(c.cfg.UpdateStallDelta)
	if !done {
		return
	}
	ds := b.diffing
	b.diffing = nil
	c.sessionSem.Release(1)
	if err != nil {
		b.stats.sessionsAborted++
		glog.Warningf("recon: slice %x differencing session aborted: %v", b.sliceHash, err)
		return
	}
	b.setCovered(true)
	b.stats.namesDiscovered += uint64(len(ds.emitted))
	if len(ds.emitted) > 0 {
		b.pending = append(b.pending, ds.emitted...)
	}
}

// compareQuotaOK consults the cluster-wide compare token bucket, if one
// is configured, returning true immediately when no limiter is attached.
func (c *Controller) compareQuotaOK(b *binding) bool {
	c.mu.Lock()
	q := c.quota
	c.mu.Unlock()
	if q == nil || c.cfg.QuotaCompareCapacity <= 0 {
		return true
	}
	ok, err := q.Allow("compare", c.cfg.QuotaCompareCapacity, c.cfg.QuotaCompareRefillPerSec)
	if err != nil {
		glog.Warningf("recon: compare quota check for slice %x failed, allowing: %v", b.sliceHash, err)
		return true
	}
	return ok
}

func (c *Controller) startBuilderLocked(b *binding) {
	batch := b.pending
	b.pending = nil
	b.builderOld = b.localRoot
	b.builder = synctree.NewBuilder(b.cache, c.cfg.Tree, c.metrics, b.localRoot, batch)
	b.stats.buildsStarted++
}

// nextFenceSeq issues the next durable-checkpoint sequence number for
// sliceHash, from the shared etcd-backed fenceStore if one is attached,
// else from the local single-replica counter.
func (c *Controller) nextFenceSeq(sliceHash [merkle.MaxHashBytes]byte) (uint64, error) {
	c.mu.Lock()
	fs := c.fenceStore
	c.mu.Unlock()
	if fs == nil {
		return atomic.AddUint64(&c.fenceSeq, 1), nil
	}
	return fs.Next(context.Background(), fmt.Sprintf("%x", sliceHash))
}

func (c *Controller) stepBuilderLocked(b *binding) {
	done, err := b.builder.Step()
	if !done {
		return
	}
	bld := b.builder
	b.builder = nil
	if err != nil {
		glog.Errorf("recon: slice %x builder failed: %v", b.sliceHash, err)
		return
	}

	var oldHash, newHash [merkle.MaxHashBytes]byte
	if b.builderOld != nil {
		oldHash = b.builderOld.Hash
	}
	names := bld.Batch()
	b.localRoot = bld.Root
	if bld.Root != nil {
		newHash = bld.Root.Hash
		if c.repo != nil && c.cfg.RepoStore {
			c.storeNewNodesLocked(b)
		}
	}
	b.deltaCache.Record(deltas.Delta{OldRoot: oldHash, NewRoot: newHash, Names: names})
	b.stats.buildsCompleted++

	if c.repo != nil && c.cfg.StableEnabled {
		seq, err := c.nextFenceSeq(b.sliceHash)
		if err != nil {
			glog.Warningf("recon: issuing fence token for slice %x failed: %v", b.sliceHash, err)
		} else if err := c.repo.Fence(context.Background(), seq); err != nil {
			glog.Warningf("recon: fencing checkpoint %d after slice %x build failed: %v", seq, b.sliceHash, err)
		}
	}
}

// storeNewNodesLocked publishes every locally-authored node still marked
// Storing to the repo, per spec §3 "Lifetimes": nodes remain pinned in
// cache until the repo-store hook confirms durable storage. Errors are
// logged but never abort the build, per spec §7.
func (c *Controller) storeNewNodesLocked(b *binding) {
	w := cache.NewWalker(b.cache)
	w.Init(b.localRoot)
	defer w.Close()
	for !w.Done() {
		top := w.Top()
		node := top.Entry.Node()
		if node == nil {
			break
		}
		if top.Entry.State().Has(cache.Storing) && !top.Entry.State().Has(cache.Stored) {
			name := transport.RequestName(b.slice.TopoPrefix, transport.NodeFetchMarker, b.sliceHash, top.Entry.Hash)
			if err := c.repo.Store(context.Background(), name, node.Encoding); err != nil {
				glog.Errorf("recon: storing node %x for slice %x failed: %v", top.Entry.Hash, b.sliceHash, err)
			} else {
				b.cache.MarkStored(top.Entry)
			}
		}
		if top.Position >= len(node.Refs) {
			w.Pop()
			continue
		}
		ref := node.Refs[top.Position]
		if ref.IsLeaf {
			w.Advance()
			continue
		}
		if !w.Push() {
			w.Advance()
		}
	}
}

// sendAdviseLocked issues a root-advise interest naming b's current local
// root, throttled to at most once per cfg.RootAdviseLifetime so repeated
// ticks don't re-express an interest the transport is still servicing.
func (c *Controller) sendAdviseLocked(b *binding, now time.Time) {
	if c.transport == nil {
		return
	}
	if !b.dueForAdvise(now, c.cfg.RootAdviseLifetime) {
		return
	}

	var localHash [merkle.MaxHashBytes]byte
	if b.localRoot != nil {
		localHash = b.localRoot.Hash
	}
	name := transport.RequestName(b.slice.TopoPrefix, transport.RootAdviseMarker, b.sliceHash, localHash)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RootAdviseLifetime)
	err := c.transport.ExpressRequest(ctx, name, nil, func(body []byte, err error) {
		defer cancel()
		if err != nil {
			return
		}
		c.handleAdviseReply(b, body)
	})
	if err != nil {
		cancel()
		glog.V(1).Infof("recon: advise for slice %x failed: %v", b.sliceHash, err)
	}
}

// handleAdviseReply processes a root-advise response. Per answerAdvise, the
// reply is tagged: adviseReplyRoot carries the peer's current root hash (or
// an empty payload for the empty tree), while adviseReplyDelta carries a
// cached delta's name list directly, short-circuiting a differencing
// session entirely per spec §4.F.
func (c *Controller) handleAdviseReply(b *binding, body []byte) {
	if len(body) == 0 {
		c.recordRemote(b, nil)
		return
	}
	tag, payload := body[0], body[1:]
	switch tag {
	case adviseReplyDelta:
		newRoot, names, err := decodeDeltaReply(payload)
		if err != nil {
			glog.Warningf("recon: slice %x got malformed delta advise reply: %v", b.sliceHash, err)
			return
		}
		// Staged under advMu rather than merged into b.pending here: this
		// closure can fire reentrantly from within the tick that's still
		// holding b.mu, so tickSlice drains the stage itself on its next
		// pass, where invoking the NameCallback is already known safe.
		b.stageDeltaReply(newRoot, names)
	case adviseReplyRoot:
		c.recordRemote(b, payload)
	default:
		glog.Warningf("recon: slice %x got advise reply with unknown tag %d", b.sliceHash, tag)
	}
}

// recordRemote updates b's last-seen peer root hash from an advise reply
// or inbound advise interest body. An empty body means the peer's root is
// the empty tree (spec §9's open question: this must be distinguished
// from a missing/garbled body, which is rejected instead). Guarded by
// advMu rather than mu, since the transport may invoke this reentrantly
// from within a tick that already holds mu for this binding.
func (c *Controller) recordRemote(b *binding, body []byte) {
	var remote [merkle.MaxHashBytes]byte
	switch len(body) {
	case 0:
		// empty root: remote stays the zero hash.
	case merkle.MaxHashBytes:
		copy(remote[:], body)
	default:
		glog.Warningf("recon: slice %x got malformed advise body (%d bytes)", b.sliceHash, len(body))
		return
	}

	entry := b.cache.Enter(remote, 0)
	b.advMu.Lock()
	defer b.advMu.Unlock()
	b.remoteHash = remote
	b.haveRemote = true
	b.covered = entry.State().Has(cache.Covered)
}

// adaptPacingLocked doubles the per-slice tick interval, up to an 8x
// heartbeat ceiling, when the buffered batch hasn't grown since the last
// tick, and resets it to the base heartbeat otherwise, per spec §4.F
// "Adaptive pacing".
func (c *Controller) adaptPacingLocked(b *binding, now time.Time) {
	ceiling := c.cfg.Heartbeat * 8
	if len(b.pending) <= b.lastBatchLen {
		b.interval *= 2
		if b.interval > ceiling {
			b.interval = ceiling
		}
	} else {
		b.interval = c.cfg.Heartbeat
	}
	b.lastBatchLen = len(b.pending)
	b.nextTickAt = now.Add(b.interval)
}

// handleInbound answers a request whose name falls under a slice's
// topology prefix, dispatching on the spec §6 command marker embedded in
// the request name: root-advise, node-fetch, or stats.
func (c *Controller) handleInbound(b *binding, ctx context.Context, name ccnname.Name) ([]byte, bool) {
	prefixLen := len(b.slice.TopoPrefix)
	if len(name) < prefixLen+3 {
		return nil, false
	}
	marker := transport.CommandMarker(name[prefixLen])
	target := []byte(name[prefixLen+2])

	switch marker {
	case transport.RootAdviseMarker:
		return c.answerAdvise(b, target)
	case transport.NodeFetchMarker:
		return c.answerNodeFetch(b, ctx, target)
	case transport.StatsMarker:
		return []byte(c.statsLocked(b)), true
	default:
		return nil, false
	}
}

// answerAdvise handles an inbound root-advise: it records the peer's
// reported root as b's most recently seen remote hash, then answers
// either with a cached delta (spec §4.F "if this slice has cached deltas
// whose old hash matches the peer's most recently seen hash") or with our
// own current root hash so the peer can make the same check against us.
func (c *Controller) answerAdvise(b *binding, target []byte) ([]byte, bool) {
	c.recordRemote(b, target)

	b.mu.Lock()
	defer b.mu.Unlock()
	var peerOld [merkle.MaxHashBytes]byte
	if len(target) == merkle.MaxHashBytes {
		copy(peerOld[:], target)
	}
	if d, ok := b.deltaCache.Lookup(peerOld); ok {
		return append([]byte{adviseReplyDelta}, encodeDeltaReply(d)...), true
	}
	if b.localRoot != nil {
		h := b.localRoot.Hash
		return append([]byte{adviseReplyRoot}, h[:]...), true
	}
	return []byte{adviseReplyRoot}, true
}

// Reply tags distinguishing the two shapes an advise response can take;
// see handleAdviseReply.
const (
	adviseReplyRoot  byte = 0
	adviseReplyDelta byte = 1
)

// answerNodeFetch returns the encoded body for target, preferring a local
// repo lookup (spec §6 "enables bypass of the network for already-stored
// nodes") before falling back to the in-memory cache.
func (c *Controller) answerNodeFetch(b *binding, ctx context.Context, target []byte) ([]byte, bool) {
	if len(target) != merkle.MaxHashBytes {
		return nil, false
	}
	var hash [merkle.MaxHashBytes]byte
	copy(hash[:], target)

	if c.repo != nil {
		name := transport.RequestName(b.slice.TopoPrefix, transport.NodeFetchMarker, b.sliceHash, hash)
		if body, ok, err := c.repo.Lookup(ctx, name); err == nil && ok {
			return body, true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache.Lookup(hash)
	if !ok {
		return nil, false
	}
	node := entry.Node()
	if node == nil {
		return nil, false
	}
	return node.Encoding, true
}

// encodeDeltaReply serializes a cached delta as the reply body for a
// cheap advise answer: the delta's new root hash followed by a sequence
// of length-prefixed encoded names, skipping a full differencing pass
// entirely.
func encodeDeltaReply(d deltas.Delta) []byte {
	out := make([]byte, merkle.MaxHashBytes)
	copy(out, d.NewRoot[:])
	for _, n := range d.Names {
		enc := n.Encode()
		var lenBuf [4]byte
		l := uint32(len(enc))
		lenBuf[0] = byte(l >> 24)
		lenBuf[1] = byte(l >> 16)
		lenBuf[2] = byte(l >> 8)
		lenBuf[3] = byte(l)
		out = append(out, lenBuf[:]...)
		out = append(out, enc...)
	}
	return out
}

// decodeDeltaReply inverts encodeDeltaReply.
func decodeDeltaReply(b []byte) (newRoot [merkle.MaxHashBytes]byte, names []ccnname.Name, err error) {
	if len(b) < merkle.MaxHashBytes {
		return newRoot, nil, fmt.Errorf("truncated delta reply header")
	}
	copy(newRoot[:], b[:merkle.MaxHashBytes])
	b = b[merkle.MaxHashBytes:]
	for len(b) > 0 {
		if len(b) < 4 {
			return newRoot, nil, fmt.Errorf("truncated length prefix")
		}
		l := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		b = b[4:]
		if uint64(l) > uint64(len(b)) {
			return newRoot, nil, fmt.Errorf("length %d exceeds %d remaining bytes", l, len(b))
		}
		n, decErr := ccnname.Decode(b[:l])
		if decErr != nil {
			return newRoot, nil, decErr
		}
		names = append(names, n)
		b = b[l:]
	}
	return newRoot, names, nil
}
