// Package quota tracks a peer's resource usage: allocated payload bytes,
// queued message count, and attached handle count, checked against fixed
// per-call bounds on entry.
package quota

import (
	"sync/atomic"

	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// Limits are the fixed bounds checked on send entry.
type Limits struct {
	VecMax    int
	FDMax     int
	HandleMax int
}

// DefaultLimits mirrors conservative values a single in-process bus can
// afford; callers may override per bus1go.Config.
var DefaultLimits = Limits{
	VecMax:    1024,
	FDMax:     256,
	HandleMax: 4096,
}

// Counters is a peer's live resource usage against Limits.
type Counters struct {
	limits Limits

	allocated atomic.Int64
	messages  atomic.Int64
	handles   atomic.Int64
}

func New(limits Limits) *Counters {
	return &Counters{limits: limits}
}

// CheckSend validates a send's shape before any side effect.
func (c *Counters) CheckSend(nVecs, nFiles, nHandles int) error {
	if nVecs > c.limits.VecMax || nFiles > c.limits.FDMax || nHandles > c.limits.HandleMax {
		return bus1types.ErrMessageTooLarge
	}
	return nil
}

// AddMessage records one queued message and its resource-descriptor count.
func (c *Counters) AddMessage(nBytes int64, nFiles int) {
	c.messages.Add(1)
	c.allocated.Add(nBytes)
	c.handles.Add(int64(nFiles))
}

// RemoveMessage undoes AddMessage, called when a node is dequeued, flushed,
// or removed.
func (c *Counters) RemoveMessage(nBytes int64, nFiles int) {
	c.messages.Add(-1)
	c.allocated.Add(-nBytes)
	c.handles.Add(-int64(nFiles))
}

// Reset zeroes every counter (CONNECT mode RESET).
func (c *Counters) Reset() {
	c.allocated.Store(0)
	c.messages.Store(0)
	c.handles.Store(0)
}

func (c *Counters) Allocated() int64 { return c.allocated.Load() }
func (c *Counters) Messages() int64  { return c.messages.Load() }
func (c *Counters) Handles() int64   { return c.handles.Load() }
