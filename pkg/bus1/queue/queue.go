// Package queue implements the per-destination message queue: an ordered
// structure, timestamped by a Lamport-style logical clock, that
// distinguishes staged from committed entries and exposes a lock-free front
// pointer to concurrent readers.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/rbarton65/bus1go/pkg/bus1/definition"
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// key orders nodes by (timestamp, sender) ascending, with seq as a pure
// tree-uniqueness tiebreaker for the rare case where a single commit
// links more than one node (e.g. a Message and a bundled HandleRelease) at
// the exact same (timestamp, sender); see peekLockedInner's continuation
// bit below.
type key struct {
	ts     uint64
	sender bus1types.UID
	seq    uint64
}

func compareKeys(a, b interface{}) int {
	ka, kb := a.(key), b.(key)
	switch {
	case ka.ts < kb.ts:
		return -1
	case ka.ts > kb.ts:
		return 1
	}
	if ka.sender != kb.sender {
		if ka.sender < kb.sender {
			return -1
		}
		return 1
	}
	switch {
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	}
	return 0
}

// PeerQueue is one destination's ordered message queue. All structural
// mutation takes mu; front is updated under mu with a release store and read
// without it.
type PeerQueue struct {
	mu    sync.Mutex
	clock uint64
	tree  *redblacktree.Tree

	front  atomic.Pointer[bus1types.Node]
	closed atomic.Bool

	wakeMu  sync.Mutex
	wake    chan struct{}
	wakeups atomic.Uint64

	log bus1types.Logger
}

// New creates an empty peer queue.
func New(log bus1types.Logger) *PeerQueue {
	if log == nil {
		log = definition.NewDefaultLogger()
	}
	return &PeerQueue{
		tree: redblacktree.NewWith(compareKeys),
		wake: make(chan struct{}),
		log:  log,
	}
}

func keyOf(n *bus1types.Node) key {
	return key{ts: n.Timestamp(), sender: n.Sender(), seq: n.Seq()}
}

// syncLocked implements the clock rule: clock = max(clock, roundUp(tsIn)),
// where roundUp bumps an odd input up to the next even value so the clock
// field itself always stays even.
func (q *PeerQueue) syncLocked(tsIn uint64) uint64 {
	rounded := tsIn
	if rounded&1 == 1 {
		rounded++
	}
	if rounded > q.clock {
		q.clock = rounded
	}
	return q.clock
}

// Sync raises the clock to at least tsIn, preserving parity, and returns
// the new value. The transaction's sync phase calls it on every destination
// before committing anywhere.
func (q *PeerQueue) Sync(tsIn uint64) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncLocked(tsIn)
}

func (q *PeerQueue) tickLocked() uint64 {
	q.clock += 2
	return q.clock
}

// Tick returns clock += 2 (always even).
func (q *PeerQueue) Tick() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tickLocked()
}

// linkLocked re-keys node to ts, taking the queue's own reference the first
// time node is linked. Callers must already hold mu.
func (q *PeerQueue) linkLocked(node *bus1types.Node, ts uint64) {
	old := node.Timestamp()
	if old != 0 {
		q.tree.Remove(keyOf(node))
	} else {
		node.GetRef()
	}
	node.SetTimestampForQueue(ts)
	q.tree.Put(keyOf(node), node)
	q.recomputeFrontLocked()
}

// recomputeFrontLocked implements the front-pointer maintenance rule:
// front = the leftmost node if it is committed, else nil. Recomputing from
// the current leftmost node on every mutation trades an O(1) incremental
// update for a flat, always-correct recomputation instead of hand-tracking
// every insertion/removal edge case around the leftmost position.
func (q *PeerQueue) recomputeFrontLocked() {
	wasReadable := q.front.Load() != nil

	var newFront *bus1types.Node
	if !q.tree.Empty() {
		if left := q.tree.Left(); left != nil {
			if node, ok := left.Value.(*bus1types.Node); ok && node.IsCommitted() {
				newFront = node
			}
		}
	}
	q.front.Store(newFront)

	if !wasReadable && newFront != nil {
		q.wakeLocked()
	}
}

func (q *PeerQueue) wakeLocked() {
	q.wakeups.Add(1)
	q.notify()
}

// notify unparks every current waiter without counting a readability edge;
// each waiter re-evaluates IsReadable (and the closed flag) on its own.
func (q *PeerQueue) notify() {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	close(q.wake)
	q.wake = make(chan struct{})
}

// Stage links node with a fresh odd timestamp derived from tsIn and returns
// the even staging timestamp, so a multi-destination sender can combine the
// returned values into one final commit timestamp.
func (q *PeerQueue) Stage(node *bus1types.Node, tsIn uint64) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	tsStaged := q.syncLocked(tsIn)
	q.linkLocked(node, tsStaged+1)
	return tsStaged
}

// CommitStaged re-keys a still-linked node to tsFinal (even). Returns false
// if the node was unlinked in the meantime (flushed or removed).
func (q *PeerQueue) CommitStaged(node *bus1types.Node, tsFinal uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !node.IsQueued() {
		return false
	}
	q.linkLocked(node, tsFinal)
	return true
}

// CommitUnstaged is the unicast fast path: tick the clock and insert node
// committed directly, skipping the stage/sync round trip.
func (q *PeerQueue) CommitUnstaged(node *bus1types.Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if node.IsQueued() {
		return
	}
	ts := q.tickLocked()
	q.linkLocked(node, ts)
}

// Remove unlinks node if still linked, returning whether this call removed
// it. May advance the front pointer.
func (q *PeerQueue) Remove(node *bus1types.Node) bool {
	if node == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !node.IsQueued() {
		return false
	}
	q.tree.Remove(keyOf(node))
	node.SetTimestampForQueue(0)
	node.PutRef()
	q.recomputeFrontLocked()
	return true
}

func (q *PeerQueue) peekLockedInner() (*bus1types.Node, bool) {
	front := q.front.Load()
	if front == nil {
		return nil, false
	}

	cont := false
	keys := q.tree.Keys()
	if len(keys) >= 2 {
		next := keys[1].(key)
		cont = next.ts == front.Timestamp() && next.sender == front.Sender()
	}
	front.GetRef()
	return front, cont
}

// PeekLocked returns a new reference to the front node (nil if none) and
// whether the following node in key order continues the same commit, i.e.
// carries the front node's exact (timestamp, sender) pair.
func (q *PeerQueue) PeekLocked() (node *bus1types.Node, continues bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLockedInner()
}

// PeekUnlocked is the lock-free read of front. It may observe a stale nil
// during a concurrent re-stage; callers must re-validate under the lock
// before acting on the node.
func (q *PeerQueue) PeekUnlocked() *bus1types.Node {
	return q.front.Load()
}

// Flush moves every committed node to the returned slice (ownership
// transfers to the caller) and marks every staging node removed in place;
// the staging transaction later finds its node unlinked and treats the
// commit as aborted.
func (q *PeerQueue) Flush() []*bus1types.Node {
	q.mu.Lock()
	defer q.mu.Unlock()

	var committed []*bus1types.Node
	for _, v := range q.tree.Values() {
		node := v.(*bus1types.Node)
		if node.IsStaging() {
			assertStagingRefHeld(node)
			node.SetTimestampForQueue(0)
			node.PutRef()
		} else {
			committed = append(committed, node)
		}
	}

	q.tree = redblacktree.NewWith(compareKeys)
	q.front.Store(nil)
	q.log.Debugf("queue: flushed %d committed nodes", len(committed))
	return committed
}

// IsReadable reports front != nil.
func (q *PeerQueue) IsReadable() bool {
	return q.front.Load() != nil
}

// Wait blocks until the queue becomes readable, the queue is closed by its
// peer's teardown, or ctx is done. It is the optional sleeping implementation
// of recv's readability wait; polling IsReadable works too.
func (q *PeerQueue) Wait(ctx context.Context) error {
	for {
		if q.IsReadable() {
			return nil
		}
		if q.closed.Load() {
			return bus1types.ErrShutdown
		}
		q.wakeMu.Lock()
		ch := q.wake
		q.wakeMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close marks the queue as torn down and unparks every blocked Wait so it can
// observe the shutdown. Called once, after the final Flush, by the owning
// peer's cleanup.
func (q *PeerQueue) Close() {
	q.closed.Store(true)
	q.notify()
}

// Wakeups reports the number of false→true readability transitions observed
// so far. Ten parked readers woken by one delivery still count as one.
func (q *PeerQueue) Wakeups() uint64 {
	return q.wakeups.Load()
}

// Len reports the number of linked nodes (staging + committed), for tests.
func (q *PeerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Size()
}
