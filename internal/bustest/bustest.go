// Package bustest holds shared test fixtures: cluster construction, send and
// receive helpers, and timeout guards for concurrent scenario tests.
package bustest

import (
	"runtime"
	"testing"
	"time"

	"github.com/rbarton65/bus1go"
	"github.com/rbarton65/bus1go/pkg/bus1/peer"
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// PoolSize is the default per-peer pool size new test peers connect with;
// large enough for every scenario in this module's test suite without
// tripping OutOfMemory.
const PoolSize = 64 * 4096

// NewBus returns an empty bus configured for tests.
func NewBus(t *testing.T) *bus1go.Bus {
	t.Helper()
	return bus1go.New(bus1go.DefaultConfig())
}

// ConnectedPeer creates and CONNECTs a fresh peer with the default test pool
// size, failing the test on any error.
func ConnectedPeer(t *testing.T, b *bus1go.Bus) (bus1types.UID, *peer.Peer) {
	t.Helper()
	id, p := b.NewPeer()
	if _, err := p.Connect(peer.ConnectParams{Mode: peer.ModeClient, PoolSize: PoolSize}); err != nil {
		t.Fatalf("connecting peer %s: %v", id, err)
	}
	return id, p
}

// Cluster is a small set of connected peers sharing one bus, addressed by
// index.
type Cluster struct {
	T     *testing.T
	Bus   *bus1go.Bus
	IDs   []bus1types.UID
	Peers []*peer.Peer
}

// NewCluster creates n connected peers on a fresh bus.
func NewCluster(t *testing.T, n int) *Cluster {
	t.Helper()
	b := NewBus(t)
	c := &Cluster{T: t, Bus: b}
	for i := 0; i < n; i++ {
		id, p := ConnectedPeer(t, b)
		c.IDs = append(c.IDs, id)
		c.Peers = append(c.Peers, p)
	}
	return c
}

// Shutdown disconnects every peer in the cluster.
func (c *Cluster) Shutdown() {
	c.Bus.Shutdown()
}

// Send is a small convenience wrapper building a SendParams with a single
// payload vector and no handles/files, the shape most property tests need.
func Send(t *testing.T, from *peer.Peer, payload []byte, to ...*peer.Peer) {
	t.Helper()
	err := from.Send(peer.SendParams{
		Destinations: to,
		Vectors:      [][]byte{payload},
	})
	if err != nil {
		t.Fatalf("send %q: %v", payload, err)
	}
}

// RecvPayload dequeues the front message at p and reads its bytes back out
// of p's own pool, failing the test on any error.
func RecvPayload(t *testing.T, p *peer.Peer) []byte {
	t.Helper()
	res, err := p.Recv(peer.RecvParams{})
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if res.Size == 0 {
		return nil
	}
	out, err := p.ReadSlice(res.Offset, res.Size)
	if err != nil {
		t.Fatalf("reading slice: %v", err)
	}
	return out
}

// WaitOrTimeout runs cb in a goroutine and reports whether it finished
// within duration.
func WaitOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// PrintStackTrace dumps every goroutine's stack to the test log, for
// diagnosing a hung scenario test.
func PrintStackTrace(t *testing.T) {
	t.Helper()
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Logf("%s", buf[:n])
}
