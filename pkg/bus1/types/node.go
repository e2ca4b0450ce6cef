package bus1types

import "sync/atomic"

// Kind tags what a queue node carries. Only the queue ordering cares about
// timestamp and sender; Kind exists so a receiver can distinguish a real
// message from bookkeeping entries without unmarshaling the payload.
type Kind int

const (
	KindMessage Kind = iota
	KindHandleRelease
	KindCustom
)

// Node is a queue entry: a timestamped record with sender id, staging bit,
// reference count, and destination-carried bookkeeping. The timestamp field
// packs the staging/committed distinction into its own parity (odd =
// staging, even = committed, zero = unlinked), so no separate flag is
// needed.
//
// A Node is linked into at most one queue at a time; its sender creates one
// node per destination, and each node is staged into (or committed directly
// to) that one queue, then either committed (the queue takes ownership) or
// removed in place.
type Node struct {
	timestamp atomic.Uint64
	sender    UID
	seq       uint64
	ref       atomic.Int32
	kind      Kind
	nFiles    int

	// payload is an opaque attachment set by the node's creator; in
	// practice the pool.Slice (plus anything else a receiver needs) backing
	// this delivery. The queue package never looks at it; only the peer
	// package that created the node reads it back on the receive path.
	payload interface{}

	// destroy runs exactly once, on the ref count's last PutRef. It is the
	// kind-specific destructor (e.g. releasing the pool slice backing a
	// Message node).
	destroy func()
}

// nodeSeq is a process-wide counter used only to keep two nodes that land on
// the exact same (timestamp, sender) pair distinguishable inside the queue's
// ordered tree (see pkg/bus1/queue's key type). It carries no ordering
// meaning beyond "which of these was created first".
var nodeSeq atomic.Uint64

// NewNode returns an unlinked node with refcount 1, owned by the caller.
func NewNode(sender UID, kind Kind, nFiles int, payload interface{}, destroy func()) *Node {
	n := &Node{
		sender:  sender,
		kind:    kind,
		nFiles:  nFiles,
		payload: payload,
		destroy: destroy,
		seq:     nodeSeq.Add(1),
	}
	n.ref.Store(1)
	return n
}

// Payload returns the opaque attachment passed to NewNode.
func (n *Node) Payload() interface{} { return n.payload }

// Seq returns this node's creation-order tiebreaker (see nodeSeq).
func (n *Node) Seq() uint64 { return n.seq }

// Sender returns the node's owning peer id, used as the ordering tiebreaker.
func (n *Node) Sender() UID { return n.sender }

// Kind returns the node's tagged variant.
func (n *Node) Kind() Kind { return n.kind }

// NFiles returns the cached count of attached resource descriptors.
func (n *Node) NFiles() int { return n.nFiles }

// Timestamp returns the current logical timestamp, or 0 if unlinked.
func (n *Node) Timestamp() uint64 { return n.timestamp.Load() }

// IsStaging reports whether the node holds an odd (not-yet-final) timestamp.
func (n *Node) IsStaging() bool {
	ts := n.timestamp.Load()
	return ts != 0 && ts&1 == 1
}

// IsCommitted reports whether the node holds an even, non-zero timestamp.
func (n *Node) IsCommitted() bool {
	ts := n.timestamp.Load()
	return ts != 0 && ts&1 == 0
}

// IsQueued reports whether the node is currently linked into some queue.
// Linked iff timestamp != 0.
func (n *Node) IsQueued() bool { return n.timestamp.Load() != 0 }

// SetTimestampForQueue re-keys the node. Only the owning queue package calls
// this, always under its own lock; it is exported rather than made a
// same-package friend because the queue is the one legitimate caller outside
// this package.
func (n *Node) SetTimestampForQueue(ts uint64) { n.timestamp.Store(ts) }

// GetRef takes an additional reference. While staged, the refcount is held
// at least twice: once by the queue, once by the owning transaction/caller.
// Once committed, the owner drops its reference and the queue's can be the
// only one left.
func (n *Node) GetRef() *Node {
	n.ref.Add(1)
	return n
}

// PutRef drops a reference. On the last reference, the kind-specific
// destructor runs exactly once.
func (n *Node) PutRef() {
	if n.ref.Add(-1) == 0 {
		if n.destroy != nil {
			n.destroy()
		}
	}
}

// RefCount reports the current reference count; exposed for the flush
// path's staging-node assertion and for tests.
func (n *Node) RefCount() int32 { return n.ref.Load() }
