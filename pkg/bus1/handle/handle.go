// Package handle implements the destination-id to peer registry that maps
// opaque ids to endpoints. Peer.Send does not consult a Table: its
// destinations are already-resolved peers. It is generic over the resolved
// value so it has no import-cycle dependency on pkg/bus1/peer.
package handle

import (
	"sync"

	"golang.org/x/sync/singleflight"

	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// Table resolves a bus1types.UID to a T exactly once even when many
// concurrent multicast fan-outs race to look up the same destination;
// golang.org/x/sync/singleflight (an ethereum-go-ethereum dependency)
// coalesces those lookups instead of letting each caller redo the work.
type Table[T any] struct {
	entries sync.Map // bus1types.UID -> T
	group   singleflight.Group
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{}
}

// Register installs id -> value, replacing any prior entry.
func (t *Table[T]) Register(id bus1types.UID, value T) {
	t.entries.Store(id, value)
}

// Unregister removes id, if present.
func (t *Table[T]) Unregister(id bus1types.UID) {
	t.entries.Delete(id)
}

// Lookup returns the value registered for id, if any.
func (t *Table[T]) Lookup(id bus1types.UID) (T, bool) {
	v, ok := t.entries.Load(id)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Range calls fn once for every currently registered id/value pair, in no
// particular order. fn returning false stops iteration early, matching
// sync.Map.Range's own contract.
func (t *Table[T]) Range(fn func(id bus1types.UID, value T) bool) {
	t.entries.Range(func(k, v interface{}) bool {
		return fn(k.(bus1types.UID), v.(T))
	})
}

// Resolve looks id up, falling back to fn on a miss; concurrent Resolve
// calls for the same id that miss together share a single call to fn.
func (t *Table[T]) Resolve(id bus1types.UID, fn func() (T, error)) (T, error) {
	if v, ok := t.Lookup(id); ok {
		return v, nil
	}
	v, err, _ := t.group.Do(string(id), func() (interface{}, error) {
		if v, ok := t.Lookup(id); ok {
			return v, nil
		}
		resolved, err := fn()
		if err != nil {
			return nil, err
		}
		t.Register(id, resolved)
		return resolved, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
