// Package bus1go ties a set of peers and a shared handle table into an
// in-process capability-based message bus: a thin owner of configuration
// plus the collection of endpoints it drives. A caller embeds a Bus directly
// instead of going through a syscall front-end.
package bus1go

import (
	"github.com/rbarton65/bus1go/pkg/bus1/definition"
	"github.com/rbarton65/bus1go/pkg/bus1/handle"
	"github.com/rbarton65/bus1go/pkg/bus1/peer"
	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// Config configures a Bus and the peers it creates. The bus has no CLI
// surface, so this is a plain struct with a DefaultConfig constructor
// rather than anything flag-driven.
type Config struct {
	PeerConfig peer.Config
	Logger     bus1types.Logger
}

// DefaultConfig returns sane defaults: the default per-peer limits and
// logger.
func DefaultConfig() Config {
	return Config{PeerConfig: peer.DefaultConfig()}
}

// Bus owns a handle table resolving opaque peer ids to live *peer.Peer
// values. Peers are registered and looked up by id; a send itself takes the
// resolved *peer.Peer values as its destinations.
type Bus struct {
	cfg   Config
	log   bus1types.Logger
	table *handle.Table[*peer.Peer]
}

// New returns an empty bus with no peers registered.
func New(cfg Config) *Bus {
	log := cfg.Logger
	if log == nil {
		log = definition.NewDefaultLogger()
	}
	return &Bus{cfg: cfg, log: log, table: handle.New[*peer.Peer]()}
}

// NewPeer allocates a fresh, inactive peer, registers it under a freshly
// generated id, and returns both so the caller can connect it and hand the
// id out to other peers as a multicast destination.
func (b *Bus) NewPeer() (bus1types.UID, *peer.Peer) {
	id := bus1types.NewUID()
	return id, b.Peer(id)
}

// Peer returns the endpoint registered under id, materializing an inactive
// peer on first reference. Concurrent first references to the same id (a
// multicast fan-out addressing a destination that has not been touched yet)
// share a single construction, so id never maps to two distinct peers.
func (b *Bus) Peer(id bus1types.UID) *peer.Peer {
	p, _ := b.table.Resolve(id, func() (*peer.Peer, error) {
		return peer.New(id, b.cfg.PeerConfig), nil
	})
	return p
}

// Resolve looks up a previously registered peer by id. Peer.Send does not
// call it; its destination list already holds *peer.Peer values.
func (b *Bus) Resolve(id bus1types.UID) (*peer.Peer, bool) {
	return b.table.Lookup(id)
}

// Remove unregisters a peer, typically once it has been disconnected and
// will never be addressed again.
func (b *Bus) Remove(id bus1types.UID) {
	b.table.Unregister(id)
}

// Shutdown disconnects every still-registered peer. A never-connected peer is
// torn down like any other; peers already torn down by a prior call report
// ErrShutdown, which is logged and skipped without affecting the rest.
func (b *Bus) Shutdown() {
	b.table.Range(func(id bus1types.UID, p *peer.Peer) bool {
		if err := p.Disconnect(); err != nil {
			b.log.Debugf("bus1go: peer %s already shut down: %v", id, err)
		}
		return true
	})
}
