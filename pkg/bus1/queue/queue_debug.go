//go:build bus1go_debug

package queue

import (
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// assertStagingRefHeld checks that a staging node being flushed cannot
// reach a zero refcount here: its owning transaction still holds its own
// reference independent of the queue's, so the PutRef in Flush only ever
// drops the queue's half of that pair.
func assertStagingRefHeld(node *bus1types.Node) {
	if node.RefCount() < 2 {
		panic("queue: flushed staging node has no owning transaction reference")
	}
}
