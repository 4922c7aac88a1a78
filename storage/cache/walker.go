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

package cache

// Frame is one stack level of a Walker: the cache entry at this level and
// the position of the child currently (or about to be) visited within it.
type Frame struct {
	Entry    *Entry
	Position int
}

// ChildCount returns the number of references in the frame's node, or 0 if
// the node body hasn't been fetched yet (Entry.Node() == nil).
func (f Frame) ChildCount() int {
	if n := f.Entry.Node(); n != nil {
		return len(n.Refs)
	}
	return 0
}

// Walker is the stack-based, cache-backed tree iterator of spec §4.C. It
// descends into and ascends out of a tree whose nodes live in a Cache,
// suspending (via Push returning ok=false) whenever the node body needed
// to continue is not yet present, so the caller can arrange a fetch and
// resume later.
type Walker struct {
	cache  *Cache
	stack  []Frame
}

// NewWalker creates a Walker bound to c; call Init to seed it at a root.
func NewWalker(c *Cache) *Walker {
	return &Walker{cache: c}
}

// Init pushes a single frame at position 0 for root. If root is nil
// (representing an empty tree), Init leaves the walker with an empty
// stack so Top returns nil immediately, matching "an empty tree is
// represented by an absent root".
func (w *Walker) Init(root *Entry) {
	w.stack = w.stack[:0]
	if root == nil {
		return
	}
	w.cache.Pin(root)
	w.stack = append(w.stack, Frame{Entry: root, Position: 0})
}

// Top returns the current (innermost) frame, or nil if the walker is
// exhausted (empty stack).
func (w *Walker) Top() *Frame {
	if len(w.stack) == 0 {
		return nil
	}
	return &w.stack[len(w.stack)-1]
}

// Depth reports the current stack depth (number of frames).
func (w *Walker) Depth() int { return len(w.stack) }

// Push attempts to descend into the child referenced at the top frame's
// current position. It returns ok=false when the stack is already empty,
// when the top frame's node body is missing or its position is past the
// last ref, or when the ref there is a leaf (nothing to descend into —
// Top() still points at the leaf's parent, Position unchanged). When the
// child is a node reference, Push
// always succeeds and creates a frame for it — even if that child's node
// body has not been fetched yet (Entry.Node() == nil) — so the caller can
// observe from the new Top() that a fetch is required before the walk can
// continue past this point.
func (w *Walker) Push() (ok bool) {
	top := w.Top()
	if top == nil {
		return false
	}
	n := top.Entry.Node()
	if n == nil || top.Position >= len(n.Refs) {
		return false
	}
	ref := n.Refs[top.Position]
	if ref.IsLeaf {
		return false
	}
	child := w.cache.Enter(ref.ChildHash, 0)
	w.cache.Pin(child)
	w.stack = append(w.stack, Frame{Entry: child, Position: 0})
	return true
}

// Pop returns to the previous frame, unpinning the frame that is popped.
// It is a no-op (returns false) if the stack is empty.
func (w *Walker) Pop() bool {
	if len(w.stack) == 0 {
		return false
	}
	last := w.stack[len(w.stack)-1]
	w.cache.Unpin(last.Entry)
	w.stack = w.stack[:len(w.stack)-1]
	if len(w.stack) > 0 {
		w.stack[len(w.stack)-1].Position++
	}
	return true
}

// Advance moves the top frame's position forward by one without changing
// depth, used when the current element (leaf or already-descended child)
// has been consumed without pushing.
func (w *Walker) Advance() {
	if top := w.Top(); top != nil {
		top.Position++
	}
}

// Reset pops frames down to the given stack depth (level), unpinning each
// popped entry.
func (w *Walker) Reset(level int) {
	for len(w.stack) > level {
		w.Pop()
	}
}

// Close unpins every remaining frame and empties the stack; it must be
// called when a walker is discarded mid-walk (session cancellation) so no
// cache entry is left pinned forever.
func (w *Walker) Close() {
	w.Reset(0)
}

// Done reports whether the walker has been exhausted (empty stack).
func (w *Walker) Done() bool {
	return len(w.stack) == 0
}
