package active_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rbarton65/bus1go/pkg/bus1/active"
)

func TestActivateSucceedsExactlyOnce(t *testing.T) {
	b := active.New()
	require.True(t, b.Activate())
	require.False(t, b.Activate())
	require.True(t, b.IsActive())
}

func TestAcquireFailsBeforeActivate(t *testing.T) {
	b := active.New()
	require.False(t, b.Acquire())
}

func TestAcquireFailsAfterDeactivate(t *testing.T) {
	b := active.New()
	require.True(t, b.Activate())
	require.True(t, b.Deactivate())
	require.False(t, b.Acquire())
	require.False(t, b.Deactivate(), "deactivate is idempotent")
}

func TestDrainBlocksUntilEveryAcquireReleases(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := active.New()
	require.True(t, b.Activate())
	require.True(t, b.Acquire())

	drained := make(chan struct{})
	go func() {
		b.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before the outstanding acquire released")
	case <-time.After(30 * time.Millisecond):
	}

	b.Deactivate()
	b.Release()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain never returned after release")
	}
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := active.New()
	require.True(t, b.Activate())
	b.Deactivate()

	var runs int32
	var mu sync.Mutex
	fn := func() {
		mu.Lock()
		runs++
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Cleanup(fn)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.EqualValues(t, 1, runs)
	require.True(t, b.IsReleased())
}

func TestConcurrentDrainIsWellDefined(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := active.New()
	require.True(t, b.Activate())
	require.True(t, b.Acquire())
	b.Deactivate()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Drain()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	b.Release()
	wg.Wait()
}
