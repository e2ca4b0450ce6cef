//go:build !bus1go_debug

package queue

import (
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

func assertStagingRefHeld(node *bus1types.Node) {}
