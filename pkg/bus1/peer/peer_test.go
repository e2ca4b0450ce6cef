package peer_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rbarton65/bus1go/pkg/bus1/peer"
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

const poolSize = 8 * 4096

func connected(t *testing.T) *peer.Peer {
	t.Helper()
	p := peer.New(bus1types.NewUID(), peer.DefaultConfig())
	_, err := p.Connect(peer.ConnectParams{Mode: peer.ModeClient, PoolSize: poolSize})
	require.NoError(t, err)
	return p
}

func TestConnectRejectsAmbiguousOrMissingMode(t *testing.T) {
	p := peer.New(bus1types.NewUID(), peer.DefaultConfig())
	_, err := p.Connect(peer.ConnectParams{Mode: 0, PoolSize: poolSize})
	require.ErrorIs(t, err, bus1types.ErrInvalidArgument)

	_, err = p.Connect(peer.ConnectParams{Mode: peer.ModeClient | peer.ModeQuery, PoolSize: poolSize})
	require.ErrorIs(t, err, bus1types.ErrInvalidArgument)
}

func TestConnectTwiceFailsAlreadyConnected(t *testing.T) {
	p := connected(t)
	defer p.Disconnect()

	_, err := p.Connect(peer.ConnectParams{Mode: peer.ModeClient, PoolSize: poolSize})
	require.ErrorIs(t, err, bus1types.ErrAlreadyConnected)
}

func TestResetAndQueryBeforeConnectFailNotConnected(t *testing.T) {
	p := peer.New(bus1types.NewUID(), peer.DefaultConfig())
	_, err := p.Connect(peer.ConnectParams{Mode: peer.ModeReset})
	require.ErrorIs(t, err, bus1types.ErrNotConnected)

	_, err = p.Connect(peer.ConnectParams{Mode: peer.ModeQuery})
	require.ErrorIs(t, err, bus1types.ErrNotConnected)

	// The not-connected check precedes pool-size validation, so a malformed
	// request on a never-connected peer still reports NotConnected.
	_, err = p.Connect(peer.ConnectParams{Mode: peer.ModeReset, PoolSize: 4096})
	require.ErrorIs(t, err, bus1types.ErrNotConnected)

	_, err = p.Connect(peer.ConnectParams{Mode: peer.ModeQuery, PoolSize: 4096})
	require.ErrorIs(t, err, bus1types.ErrNotConnected)
}

func TestQueryReturnsLivePoolSize(t *testing.T) {
	p := connected(t)
	defer p.Disconnect()

	res, err := p.Connect(peer.ConnectParams{Mode: peer.ModeQuery})
	require.NoError(t, err)
	require.EqualValues(t, poolSize, res.PoolSize)
}

func TestResetRejectsNonzeroPoolSize(t *testing.T) {
	p := connected(t)
	defer p.Disconnect()

	_, err := p.Connect(peer.ConnectParams{Mode: peer.ModeReset, PoolSize: 4096})
	require.ErrorIs(t, err, bus1types.ErrInvalidArgument)

	_, err = p.Connect(peer.ConnectParams{Mode: peer.ModeQuery, PoolSize: 4096})
	require.ErrorIs(t, err, bus1types.ErrInvalidArgument)
}

func TestResetClearsQueueButPreservesPeer(t *testing.T) {
	sender := connected(t)
	defer sender.Disconnect()
	receiver := connected(t)
	defer receiver.Disconnect()

	for i := 0; i < 100; i++ {
		require.NoError(t, sender.Send(peer.SendParams{
			Destinations: []*peer.Peer{receiver},
			Vectors:      [][]byte{[]byte("m")},
		}))
	}

	_, err := receiver.Recv(peer.RecvParams{Flags: peer.RecvPeek})
	require.NoError(t, err)

	res, err := receiver.Connect(peer.ConnectParams{Mode: peer.ModeReset})
	require.NoError(t, err)
	require.EqualValues(t, poolSize, res.PoolSize)

	_, err = receiver.Recv(peer.RecvParams{})
	require.ErrorIs(t, err, bus1types.ErrEmpty)

	require.NoError(t, sender.Send(peer.SendParams{
		Destinations: []*peer.Peer{receiver},
		Vectors:      [][]byte{[]byte("after-reset")},
	}))
	got, err := receiver.Recv(peer.RecvParams{})
	require.NoError(t, err)
	out, err := receiver.ReadSlice(got.Offset, got.Size)
	require.NoError(t, err)
	require.Equal(t, []byte("after-reset"), out)
}

func TestUnicastSendRecvRoundTrip(t *testing.T) {
	sender := connected(t)
	defer sender.Disconnect()
	receiver := connected(t)
	defer receiver.Disconnect()

	require.NoError(t, sender.Send(peer.SendParams{
		Destinations: []*peer.Peer{receiver},
		Vectors:      [][]byte{[]byte("hello ")[:], []byte("world")},
	}))

	res, err := receiver.Recv(peer.RecvParams{})
	require.NoError(t, err)
	out, err := receiver.ReadSlice(res.Offset, res.Size)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(out))
}

func TestRecvEmptyWhenNoMessageQueued(t *testing.T) {
	p := connected(t)
	defer p.Disconnect()
	_, err := p.Recv(peer.RecvParams{})
	require.ErrorIs(t, err, bus1types.ErrEmpty)
}

func TestPeekLeavesMessageOnQueue(t *testing.T) {
	sender := connected(t)
	defer sender.Disconnect()
	receiver := connected(t)
	defer receiver.Disconnect()

	require.NoError(t, sender.Send(peer.SendParams{
		Destinations: []*peer.Peer{receiver},
		Vectors:      [][]byte{[]byte("x")},
	}))

	_, err := receiver.Recv(peer.RecvParams{Flags: peer.RecvPeek})
	require.NoError(t, err)
	_, err = receiver.Recv(peer.RecvParams{Flags: peer.RecvPeek})
	require.NoError(t, err, "peek does not dequeue")

	_, err = receiver.Recv(peer.RecvParams{})
	require.NoError(t, err, "the message is still there to actually dequeue")
}

func TestMulticastDeliversSameTimestampToEveryDestination(t *testing.T) {
	sender := connected(t)
	defer sender.Disconnect()
	d1 := connected(t)
	defer d1.Disconnect()
	d2 := connected(t)
	defer d2.Disconnect()

	require.NoError(t, sender.Send(peer.SendParams{
		Destinations: []*peer.Peer{d1, d2},
		Vectors:      [][]byte{[]byte("m")},
	}))

	n1, _ := d1.Queue().PeekLocked()
	n2, _ := d2.Queue().PeekLocked()
	require.NotNil(t, n1)
	require.NotNil(t, n2)
	require.Equal(t, n1.Timestamp(), n2.Timestamp())
	n1.PutRef()
	n2.PutRef()
}

func TestSilentSendSkipsLoopbackDestination(t *testing.T) {
	sender := connected(t)
	defer sender.Disconnect()
	other := connected(t)
	defer other.Disconnect()

	require.NoError(t, sender.Send(peer.SendParams{
		Destinations: []*peer.Peer{sender, other},
		Vectors:      [][]byte{[]byte("m")},
		Flags:        peer.SendSilent,
	}))

	_, err := sender.Recv(peer.RecvParams{})
	require.ErrorIs(t, err, bus1types.ErrEmpty, "silent send never delivers to the sender itself")

	_, err = other.Recv(peer.RecvParams{})
	require.NoError(t, err)
}

func TestSendToShutdownDestinationFailsPerDestination(t *testing.T) {
	sender := connected(t)
	defer sender.Disconnect()
	dest := peer.New(bus1types.NewUID(), peer.DefaultConfig()) // never connected

	err := sender.Send(peer.SendParams{
		Destinations: []*peer.Peer{dest},
		Vectors:      [][]byte{[]byte("x")},
	})
	require.ErrorIs(t, err, bus1types.ErrShutdown)
}

func TestRecvInstallsDescriptorsOnSuccess(t *testing.T) {
	sender := connected(t)
	defer sender.Disconnect()
	receiver := connected(t)
	defer receiver.Disconnect()

	var installed []bus1types.FileDescriptor
	receiver.SetInstallHook(func(files []bus1types.FileDescriptor) error {
		installed = append(installed[:0], files...)
		return nil
	})

	require.NoError(t, sender.Send(peer.SendParams{
		Destinations: []*peer.Peer{receiver},
		Vectors:      [][]byte{[]byte("x")},
		Files:        []bus1types.FileDescriptor{3, 4, 5},
	}))

	res, err := receiver.Recv(peer.RecvParams{})
	require.NoError(t, err)
	require.Equal(t, 3, res.NFds)
	require.Equal(t, []bus1types.FileDescriptor{3, 4, 5}, installed)
}

func TestRecvReportsMessageLostOnInstallFailure(t *testing.T) {
	sender := connected(t)
	defer sender.Disconnect()
	receiver := connected(t)
	defer receiver.Disconnect()

	receiver.SetInstallHook(func(files []bus1types.FileDescriptor) error {
		return bus1types.ErrFault
	})

	require.NoError(t, sender.Send(peer.SendParams{
		Destinations: []*peer.Peer{receiver},
		Vectors:      [][]byte{[]byte("x")},
		Files:        []bus1types.FileDescriptor{1},
	}))

	_, err := receiver.Recv(peer.RecvParams{})
	require.ErrorIs(t, err, bus1types.ErrMessageLost)

	_, err = receiver.Recv(peer.RecvParams{})
	require.ErrorIs(t, err, bus1types.ErrEmpty, "a dropped message is never re-queued")
}

func TestDisconnectIsIdempotentAndOnlyOneCallerSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := connected(t)

	const callers = 10
	var wg sync.WaitGroup
	successes := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = p.Disconnect() == nil
		}(i)
	}
	wg.Wait()

	var successCount int
	for _, ok := range successes {
		if ok {
			successCount++
		}
	}
	require.Equal(t, 1, successCount)
}

func TestOperationsFailAfterDisconnect(t *testing.T) {
	p := connected(t)
	require.NoError(t, p.Disconnect())

	_, err := p.Recv(peer.RecvParams{})
	require.ErrorIs(t, err, bus1types.ErrShutdown)

	err = p.Send(peer.SendParams{Destinations: []*peer.Peer{p}, Vectors: [][]byte{[]byte("x")}})
	require.ErrorIs(t, err, bus1types.ErrShutdown)

	_, err = p.Connect(peer.ConnectParams{Mode: peer.ModeQuery})
	require.ErrorIs(t, err, bus1types.ErrShutdown)
}
