package core

// Frame is one serialized signaling message.
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues a frame without blocking. A full outbound queue
	// returns ErrSlowConsumer instead of growing memory.
	TrySend(Frame) error
	Close()
	// CloseWithReason sends a transport-level close with the given policy
	// reason before tearing the connection down.
	CloseWithReason(reason string)
}
