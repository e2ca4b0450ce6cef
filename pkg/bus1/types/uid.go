package bus1types

import "github.com/google/uuid"

// UID identifies a peer, a sender, or a queued message across the bus.
// Sender ids are unique for the lifetime of the peer that issues them and
// are used as the tiebreaker in queue ordering.
type UID string

// NewUID generates a fresh, collision-resistant identifier.
func NewUID() UID {
	return UID(uuid.New().String())
}

func (u UID) String() string {
	return string(u)
}
