package client

// MediaEventKind tags state changes reported by a MediaPort.
type MediaEventKind int

const (
	// MediaIncoming fires when a remote peer opened a session toward us and
	// the port accepted it.
	MediaIncoming MediaEventKind = iota
	// MediaStream fires when remote media starts flowing for a peer.
	MediaStream
	// MediaClosed fires when a peer's media session ends for any reason.
	MediaClosed
)

// MediaEvent is one asynchronous media-session state change.
type MediaEvent struct {
	Kind MediaEventKind
	Peer string
}

// MediaPort is the boundary to the media engine. Call and Deliver must not
// block; setup runs in the background and completion surfaces on Events.
type MediaPort interface {
	// Call opens an outbound media session toward peer. An error means the
	// port rejected the request outright, not that setup failed later.
	Call(peer string) error
	// Deliver hands an inbound peer-addressed signaling payload to the port.
	Deliver(from string, payload []byte)
	// HangUp tears down the session with peer, if any.
	HangUp(peer string)
	Events() <-chan MediaEvent
	Close()
}
