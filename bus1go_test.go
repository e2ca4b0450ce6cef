package bus1go_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbarton65/bus1go"
	"github.com/rbarton65/bus1go/pkg/bus1/peer"
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

func TestNewPeerIsResolvableByID(t *testing.T) {
	b := bus1go.New(bus1go.DefaultConfig())
	id, p := b.NewPeer()

	got, ok := b.Resolve(id)
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestResolveMissesUnregisteredID(t *testing.T) {
	b := bus1go.New(bus1go.DefaultConfig())
	_, ok := b.Resolve(bus1types.NewUID())
	require.False(t, ok)
}

func TestPeerMaterializesEachIDExactlyOnce(t *testing.T) {
	b := bus1go.New(bus1go.DefaultConfig())
	id := bus1types.NewUID()

	peers := make([]*peer.Peer, 8)
	var wg sync.WaitGroup
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peers[i] = b.Peer(id)
		}(i)
	}
	wg.Wait()

	for _, p := range peers[1:] {
		require.Same(t, peers[0], p)
	}
	got, ok := b.Resolve(id)
	require.True(t, ok)
	require.Same(t, peers[0], got)
}

func TestRemoveUnregisters(t *testing.T) {
	b := bus1go.New(bus1go.DefaultConfig())
	id, _ := b.NewPeer()
	b.Remove(id)

	_, ok := b.Resolve(id)
	require.False(t, ok)
}

func TestShutdownDisconnectsEveryPeer(t *testing.T) {
	b := bus1go.New(bus1go.DefaultConfig())
	var ids []bus1types.UID
	for i := 0; i < 3; i++ {
		id, p := b.NewPeer()
		_, err := p.Connect(peer.ConnectParams{Mode: peer.ModeClient, PoolSize: 4096})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	b.Shutdown()

	for _, id := range ids {
		p, ok := b.Resolve(id)
		require.True(t, ok)
		require.False(t, p.IsActive())
	}
}

func TestShutdownToleratesUnconnectedPeers(t *testing.T) {
	b := bus1go.New(bus1go.DefaultConfig())
	b.NewPeer() // never connected
	require.NotPanics(t, b.Shutdown)
}
