// Package transaction implements the multi-destination commit protocol:
// stage every destination one at a time, synchronize all of them to a
// single final timestamp, then commit each in turn. A single-destination
// send bypasses all three phases entirely and commits directly.
package transaction

import (
	"github.com/rbarton65/bus1go/pkg/bus1/definition"
	"github.com/rbarton65/bus1go/pkg/bus1/queue"
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// Destination pairs one recipient's queue with the node built for it. Every
// node in a Txn must share the same sender and logical payload; they are
// separate *bus1types.Node values because each destination queue manages its
// node's lifetime independently once committed.
type Destination struct {
	Queue *queue.PeerQueue
	Node  *bus1types.Node
}

// Txn is a not-yet-committed multi-destination send. The caller constructs
// one Node per destination (refcount 1, transaction-owned) and hands them to
// New; Commit or Abort always consumes that ownership exactly once.
type Txn struct {
	dests []Destination
	log   bus1types.Logger
}

// New builds a transaction over the given destinations. Passing a single
// destination is valid and is exactly the unicast fast path.
func New(log bus1types.Logger, dests ...Destination) *Txn {
	if log == nil {
		log = definition.NewDefaultLogger()
	}
	return &Txn{dests: dests, log: log}
}

// Commit runs the staged protocol (or the unicast fast path for a single
// destination) and releases the transaction's own reference to every node,
// leaving each destination queue as the sole remaining owner.
//
// Destinations are locked one at a time, in the same order, and never two
// at once: each call below (Stage/Sync/CommitStaged) takes and releases
// exactly one queue's lock before moving to the next, so no lock-order
// cycle between queues is possible.
func (t *Txn) Commit() error {
	switch len(t.dests) {
	case 0:
		return nil
	case 1:
		d := t.dests[0]
		d.Queue.CommitUnstaged(d.Node)
		d.Node.PutRef()
		return nil
	}

	// Phase 1: stage every destination, tracking the running max of the
	// even ts_staged values returned.
	var hint uint64
	for _, d := range t.dests {
		ts := d.Queue.Stage(d.Node, hint)
		if ts > hint {
			hint = ts
		}
	}

	// T must exceed every destination's currently linked (odd) timestamp,
	// which is at most hint+1; +2 keeps T even with room to spare. A bare
	// "T = hint" would ask the destination that produced the max to shrink
	// its own node's timestamp, and committed re-keys only ever grow.
	T := hint + 2

	// Phase 2: synchronize every destination's clock up to T before any
	// commit is visible anywhere.
	for _, d := range t.dests {
		d.Queue.Sync(T - 1)
	}

	// Phase 3: commit each destination at the same T.
	for _, d := range t.dests {
		if !d.Queue.CommitStaged(d.Node, T) {
			t.log.Warnf("transaction: destination node for sender %s was removed before commit", d.Node.Sender())
		}
		d.Node.PutRef()
	}
	return nil
}

// Abort unlinks every destination's node (a no-op at destinations never
// reached) and releases the transaction's own reference, running each
// node's destructor if the queue never took one.
func (t *Txn) Abort() {
	for _, d := range t.dests {
		d.Queue.Remove(d.Node)
		d.Node.PutRef()
	}
}
