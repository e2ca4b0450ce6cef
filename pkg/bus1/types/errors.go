package bus1types

import "errors"

// Error kinds surfaced at the public boundary. Propagation policy:
// queue-internal anomalies are programmer errors (asserted, not returned);
// these are returned to callers without partial state, except the one
// documented receive exception described alongside ErrMessageLost.
var (
	// ErrInvalidArgument signals malformed flags, a misaligned pool size, or
	// mutually exclusive connect modes.
	ErrInvalidArgument = errors.New("bus1go: invalid argument")

	// ErrAlreadyConnected is returned by CONNECT on an already-active peer.
	ErrAlreadyConnected = errors.New("bus1go: peer already connected")

	// ErrNotConnected is returned by RESET/QUERY/SEND/RECV before CONNECT.
	ErrNotConnected = errors.New("bus1go: peer not connected")

	// ErrShutdown is returned when an operation raced with DISCONNECT.
	ErrShutdown = errors.New("bus1go: peer shut down")

	// ErrEmpty is returned by RECV when there is no deliverable front node.
	ErrEmpty = errors.New("bus1go: queue empty")

	// ErrMessageTooLarge is returned when a vector, handle, or descriptor
	// count exceeds the configured limits.
	ErrMessageTooLarge = errors.New("bus1go: message too large")

	// ErrOutOfMemory signals an allocation failure. The operation that
	// returns it is atomic (no partial effect); the one documented
	// non-atomic receive failure returns ErrMessageLost instead.
	ErrOutOfMemory = errors.New("bus1go: out of memory")

	// ErrFault signals a user buffer access failure; always fatal to the
	// current operation.
	ErrFault = errors.New("bus1go: fault")

	// ErrMessageLost is returned instead of ErrOutOfMemory specifically when
	// a message was already dequeued from the front of the queue and then
	// failed to finish installing its attached descriptors. Re-enqueuing
	// would break per-sender ordering, so the message is simply gone; this
	// sentinel exists so callers can distinguish "nothing happened" from
	// "something was silently dropped".
	ErrMessageLost = errors.New("bus1go: message lost while installing descriptors")
)
