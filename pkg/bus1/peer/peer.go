// Package peer implements a single bus endpoint: it owns a queue, a pool,
// quota counters, and the active barrier that guards its lifecycle, and
// dispatches the five control-plane operations (Connect, Disconnect, Send,
// Recv, SliceRelease).
package peer

import (
	"sync"
	"sync/atomic"

	"github.com/rbarton65/bus1go/pkg/bus1/active"
	"github.com/rbarton65/bus1go/pkg/bus1/definition"
	"github.com/rbarton65/bus1go/pkg/bus1/pool"
	"github.com/rbarton65/bus1go/pkg/bus1/queue"
	"github.com/rbarton65/bus1go/pkg/bus1/quota"
	"github.com/rbarton65/bus1go/pkg/bus1/transaction"
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// ConnectMode selects Connect's behavior. Exactly one must be set per call.
type ConnectMode int

const (
	ModeClient ConnectMode = 1 << iota
	ModeReset
	ModeQuery
)

// ConnectParams is Connect's fixed-size argument record.
type ConnectParams struct {
	Mode     ConnectMode
	PoolSize uint64
}

// ConnectResult is Connect's output record.
type ConnectResult struct {
	PoolSize uint64
}

// SendFlags are Send's flag bits. SendContinue is accepted but reserved for
// batched multi-transaction sends.
type SendFlags int

const (
	SendContinue SendFlags = 1 << iota
	SendSilent
	SendRelease
)

// SendParams is Send's fixed-size argument record. Vectors models the
// ptr_vecs scatter-list; Handles and Files model the capability-handle and
// file-descriptor lists attached to the message. ReleaseOffset names the
// sender's own previously published pool slice to release once the send
// succeeds, consulted only when SendRelease is set.
type SendParams struct {
	Destinations  []*Peer
	Vectors       [][]byte
	Handles       []bus1types.UID
	Files         []bus1types.FileDescriptor
	Flags         SendFlags
	ReleaseOffset uint64
}

// RecvFlags are Recv's flag bits.
type RecvFlags int

const (
	RecvPeek RecvFlags = 1 << iota
)

// RecvParams is Recv's fixed-size argument record.
type RecvParams struct {
	Flags RecvFlags
}

// RecvResult is Recv's output record.
type RecvResult struct {
	Offset   uint64
	Size     uint64
	NHandles int
	NFds     int
}

// Config carries per-peer limits and the logger every component below it is
// built to take. A plain struct with a DefaultConfig constructor; there is
// no flag surface to parse.
type Config struct {
	Limits quota.Limits
	Logger bus1types.Logger
}

// DefaultConfig returns a Config with conservative limits and the default
// logger.
func DefaultConfig() Config {
	return Config{Limits: quota.DefaultLimits}
}

// peerInfo is the lazily-published per-connection state: everything that
// only exists between a successful ModeClient Connect and Disconnect. It is
// read through Peer.info, an atomic pointer installed exactly once and
// cleared exactly once.
type peerInfo struct {
	pool  *pool.Pool
	quota *quota.Counters
}

// Peer is a single endpoint on the bus.
type Peer struct {
	id  bus1types.UID
	cfg Config
	log bus1types.Logger

	active *active.Barrier
	queue  *queue.PeerQueue

	// waitqMu serializes the info publish/unpublish compound operations:
	// Connect's check-then-install-then-activate and Disconnect's clear must
	// not interleave.
	waitqMu sync.Mutex

	info atomic.Pointer[peerInfo]

	// infoReaders tracks in-flight ModeQuery reads, which deliberately
	// bypass the active barrier so queries never serialize against a
	// concurrent disconnect. Cleanup waits for this to drain before freeing
	// peerInfo, so every reader that observed a non-nil info keeps valid
	// backing state for the rest of its read section.
	infoReaders sync.WaitGroup

	// installHook, when set, replaces the descriptor-install step Recv runs
	// after dequeuing a message. Tests use it to exercise the drop-on-
	// install-failure path.
	installHook func(files []bus1types.FileDescriptor) error
}

// New returns an inactive peer with no info installed.
func New(id bus1types.UID, cfg Config) *Peer {
	log := cfg.Logger
	if log == nil {
		log = definition.NewDefaultLogger()
	}
	return &Peer{
		id:     id,
		cfg:    cfg,
		log:    log,
		active: active.New(),
		queue:  queue.New(log),
	}
}

// ID returns the peer's identity, used as the sender tiebreaker in every
// destination queue it multicasts to.
func (p *Peer) ID() bus1types.UID { return p.id }

// Queue exposes the peer's own queue so a sender can build a transaction.Destination
// targeting it.
func (p *Peer) Queue() *queue.PeerQueue { return p.queue }

// SetInstallHook installs a test-only descriptor-install failpoint.
func (p *Peer) SetInstallHook(fn func(files []bus1types.FileDescriptor) error) {
	p.installHook = fn
}

// Connect dispatches to the mode-specific handler. Exactly one of
// ModeClient/ModeReset/ModeQuery must be set.
func (p *Peer) Connect(params ConnectParams) (ConnectResult, error) {
	modes := 0
	for _, m := range []ConnectMode{ModeClient, ModeReset, ModeQuery} {
		if params.Mode&m != 0 {
			modes++
		}
	}
	if modes != 1 {
		return ConnectResult{}, bus1types.ErrInvalidArgument
	}

	switch {
	case params.Mode&ModeClient != 0:
		return p.connectNew(params)
	case params.Mode&ModeReset != 0:
		return p.connectReset(params)
	default:
		return p.connectQuery(params)
	}
}

func (p *Peer) connectNew(params ConnectParams) (ConnectResult, error) {
	pl, err := pool.New(params.PoolSize)
	if err != nil {
		return ConnectResult{}, err
	}

	p.waitqMu.Lock()
	defer p.waitqMu.Unlock()

	if p.active.IsDeactivated() {
		pl.Close()
		return ConnectResult{}, bus1types.ErrShutdown
	}
	if p.info.Load() != nil {
		pl.Close()
		return ConnectResult{}, bus1types.ErrAlreadyConnected
	}

	info := &peerInfo{pool: pl, quota: quota.New(p.cfg.Limits)}
	p.info.Store(info)
	if !p.active.Activate() {
		// Lost a race with a concurrent deactivate between the check above
		// and here; unwind the publish.
		p.info.Store(nil)
		pl.Close()
		return ConnectResult{}, bus1types.ErrShutdown
	}
	return ConnectResult{PoolSize: params.PoolSize}, nil
}

func (p *Peer) connectReset(params ConnectParams) (ConnectResult, error) {
	if p.active.IsNew() {
		return ConnectResult{}, bus1types.ErrNotConnected
	}
	if params.PoolSize != 0 {
		return ConnectResult{}, bus1types.ErrInvalidArgument
	}
	if !p.active.Acquire() {
		return ConnectResult{}, bus1types.ErrShutdown
	}
	defer p.active.Release()

	info := p.info.Load()
	for _, n := range p.queue.Flush() {
		n.PutRef()
	}
	info.pool.Flush()
	info.quota.Reset()
	return ConnectResult{PoolSize: info.pool.Size()}, nil
}

func (p *Peer) connectQuery(params ConnectParams) (ConnectResult, error) {
	if p.active.IsNew() {
		return ConnectResult{}, bus1types.ErrNotConnected
	}
	if params.PoolSize != 0 {
		return ConnectResult{}, bus1types.ErrInvalidArgument
	}

	p.infoReaders.Add(1)
	defer p.infoReaders.Done()

	info := p.info.Load()
	if info == nil {
		return ConnectResult{}, bus1types.ErrShutdown
	}
	return ConnectResult{PoolSize: info.pool.Size()}, nil
}

// Disconnect deactivates, drains every outstanding operation, and tears down
// the peer exactly once. Concurrent callers all block until teardown
// completes; only the caller that actually performed it returns nil.
func (p *Peer) Disconnect() error {
	p.active.Deactivate()
	p.active.Drain()

	didCleanup := false
	p.active.Cleanup(func() {
		didCleanup = true

		p.waitqMu.Lock()
		info := p.info.Load()
		p.info.Store(nil)
		p.waitqMu.Unlock()

		if info == nil {
			return
		}

		// Wait for any in-flight query read (the one operation that bypasses
		// the active barrier) to finish before freeing peerInfo.
		p.infoReaders.Wait()

		for _, n := range p.queue.Flush() {
			n.PutRef()
		}
		p.queue.Close()
		if err := info.pool.Close(); err != nil {
			p.log.Warnf("peer: closing pool for %s: %v", p.id, err)
		}
	})
	if !didCleanup {
		return bus1types.ErrShutdown
	}
	return nil
}

// buildNode allocates a slice in dest's own pool, copies the flattened
// payload into it, and returns an unlinked, transaction-owned node carrying
// it. Per-destination failures (dest never connected, dest's pool is full)
// surface as a plain error; Send then releases every node already built and
// fails the whole send before anything is staged.
func (p *Peer) buildNode(dest *Peer, payload []byte, params SendParams) (*bus1types.Node, error) {
	destInfo := dest.info.Load()
	if destInfo == nil {
		return nil, bus1types.ErrShutdown
	}

	var slice pool.Slice
	if len(payload) > 0 {
		var err error
		slice, err = destInfo.pool.Alloc(uint64(len(payload)))
		if err != nil {
			return nil, err
		}
		if err := destInfo.pool.Write(slice, payload); err != nil {
			return nil, err
		}
	}

	destInfo.quota.AddMessage(int64(len(payload)), len(params.Files))
	msg := &bus1types.Message{
		Payload: payload,
		Handles: params.Handles,
		Files:   params.Files,
		Slice:   slice,
	}

	released := false
	node := bus1types.NewNode(p.id, bus1types.KindMessage, len(params.Files), msg, func() {
		if released {
			return
		}
		released = true
		destInfo.quota.RemoveMessage(int64(len(payload)), len(params.Files))
	})
	return node, nil
}

// Send constructs a transaction from params.Destinations and commits it.
// Unicast commits directly without a transaction object; a true multicast
// builds one node per destination, each backed by that destination's own
// pool, and runs the full stage/sync/commit protocol over them.
func (p *Peer) Send(params SendParams) error {
	if !p.active.Acquire() {
		if p.active.IsNew() {
			return bus1types.ErrNotConnected
		}
		return bus1types.ErrShutdown
	}
	defer p.active.Release()
	if p.info.Load() == nil {
		return bus1types.ErrShutdown
	}

	if len(params.Destinations) == 0 {
		return bus1types.ErrInvalidArgument
	}
	if err := p.info.Load().quota.CheckSend(len(params.Vectors), len(params.Files), len(params.Handles)); err != nil {
		return err
	}

	destinations := params.Destinations
	if params.Flags&SendSilent != 0 {
		destinations = make([]*Peer, 0, len(params.Destinations))
		for _, d := range params.Destinations {
			if d != p {
				destinations = append(destinations, d)
			}
		}
		if len(destinations) == 0 {
			return p.finishSend(params)
		}
	}

	payload := flatten(params.Vectors)

	if len(destinations) == 1 {
		node, err := p.buildNode(destinations[0], payload, params)
		if err != nil {
			return err
		}
		destinations[0].queue.CommitUnstaged(node)
		node.PutRef() // ownership transfers to the destination queue
		return p.finishSend(params)
	}

	var dests []transaction.Destination
	for _, d := range destinations {
		node, err := p.buildNode(d, payload, params)
		if err != nil {
			for _, built := range dests {
				built.Node.PutRef()
			}
			return err
		}
		dests = append(dests, transaction.Destination{Queue: d.queue, Node: node})
	}
	if err := transaction.New(p.log, dests...).Commit(); err != nil {
		return err
	}
	return p.finishSend(params)
}

// finishSend applies the post-commit flag effects: SendRelease drops the
// sender's own published slice at params.ReleaseOffset once the message is
// safely committed everywhere.
func (p *Peer) finishSend(params SendParams) error {
	if params.Flags&SendRelease != 0 {
		if info := p.info.Load(); info != nil {
			info.pool.Release(params.ReleaseOffset)
		}
	}
	return nil
}

func flatten(vecs [][]byte) []byte {
	if len(vecs) == 0 {
		return nil
	}
	var n int
	for _, v := range vecs {
		n += len(v)
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, 0, n)
	for _, v := range vecs {
		out = append(out, v...)
	}
	return out
}

// Recv dequeues (or, with RecvPeek, peeks) the front of the peer's own
// queue. The default path preallocates descriptor slots from a lock-free
// peek, then takes the queue lock and dequeues only if the node's real file
// count still fits what was hinted, otherwise grows and retries.
func (p *Peer) Recv(params RecvParams) (RecvResult, error) {
	if !p.active.Acquire() {
		if p.active.IsNew() {
			return RecvResult{}, bus1types.ErrNotConnected
		}
		return RecvResult{}, bus1types.ErrShutdown
	}
	defer p.active.Release()
	if p.info.Load() == nil {
		return RecvResult{}, bus1types.ErrShutdown
	}

	hint := p.queue.PeekUnlocked()
	if hint == nil {
		return RecvResult{}, bus1types.ErrEmpty
	}

	if params.Flags&RecvPeek != 0 {
		node, _ := p.queue.PeekLocked()
		if node == nil {
			return RecvResult{}, bus1types.ErrEmpty
		}
		defer node.PutRef()
		msg := node.Payload().(*bus1types.Message)
		return RecvResult{
			Offset:   msg.Slice.Offset(),
			Size:     msg.Slice.Size(),
			NHandles: len(msg.Handles),
			NFds:     node.NFiles(),
		}, nil
	}

	// Preallocate descriptor slots from the optimistic lock-free hint; the
	// loop below only dequeues a node whose real file count still fits, and
	// otherwise drops everything, grows the allocation, and retries, never
	// holding the queue lock across the slot allocation.
	slots := make([]bus1types.FileDescriptor, 0, hint.NFiles())

	for {
		node, _ := p.queue.PeekLocked()
		if node == nil {
			return RecvResult{}, bus1types.ErrEmpty
		}

		if wanted := node.NFiles(); wanted > cap(slots) {
			node.PutRef()
			slots = make([]bus1types.FileDescriptor, 0, wanted)
			continue
		}

		if !p.queue.Remove(node) {
			// Raced with someone else dequeuing/removing it; retry.
			node.PutRef()
			continue
		}

		msg := node.Payload().(*bus1types.Message)
		res := RecvResult{
			Offset:   msg.Slice.Offset(),
			Size:     msg.Slice.Size(),
			NHandles: len(msg.Handles),
			NFds:     node.NFiles(),
		}

		if p.installHook != nil && len(msg.Files) > 0 {
			slots = append(slots[:0], msg.Files...)
			if err := p.installHook(slots); err != nil {
				// The message is already dequeued; it cannot be re-queued
				// without breaking per-sender ordering, so it is simply
				// dropped. This is the one non-atomic failure path.
				node.PutRef()
				return RecvResult{}, bus1types.ErrMessageLost
			}
		}

		node.PutRef()
		return res, nil
	}
}

// ReadSlice reads the bytes previously published at offset/size back out of
// this peer's own pool. It stands in for the receiving process's own mmap
// read of its pool region, a step the out-of-scope character-device
// front-end normally mediates.
func (p *Peer) ReadSlice(offset, size uint64) ([]byte, error) {
	if !p.active.Acquire() {
		return nil, bus1types.ErrShutdown
	}
	defer p.active.Release()
	info := p.info.Load()
	if info == nil {
		return nil, bus1types.ErrShutdown
	}
	return info.pool.ReadAt(offset, size)
}

// SliceRelease releases user-facing ownership of a previously published
// pool slice.
func (p *Peer) SliceRelease(offset uint64) error {
	if !p.active.Acquire() {
		return bus1types.ErrShutdown
	}
	defer p.active.Release()
	info := p.info.Load()
	if info == nil {
		return bus1types.ErrShutdown
	}
	info.pool.Release(offset)
	return nil
}

// IsActive reports whether the peer currently accepts SEND/RECV/RESET.
func (p *Peer) IsActive() bool {
	return p.active.IsActive()
}
