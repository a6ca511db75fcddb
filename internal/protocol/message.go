// Package protocol defines the signaling wire contract: one JSON object per
// logical event over the persistent per-participant connection. Unrecognized
// types must be ignored by consumers, never treated as fatal.
package protocol

import "encoding/json"

const (
	// TypeNewUser doubles as the join announcement (client to server, first
	// frame on a connection) and the membership broadcast (server to every
	// other active member).
	TypeNewUser = "new-user"
	// TypeApprovalRequest is delivered to the host of a gated meeting; a
	// pending client may also send it explicitly (duplicates coalesce).
	TypeApprovalRequest = "approval-request"
	TypeApproved        = "approved"
	TypeRejected        = "rejected"
	TypeChatMessage     = "chat-message"
	// TypeMediaSignal carries opaque broker traffic between two peers; the
	// server routes on the address fields and never inspects the payload.
	TypeMediaSignal = "media-signal"

	TypeUserLeft    = "user-left"
	TypeHostChanged = "host-changed"
	TypeRoomState   = "room-state"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Envelope is the minimal decode used to route an inbound frame.
type Envelope struct {
	Type string `json:"type"`
}

type PeerFrame struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

type ChatFrame struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type MediaSignalFrame struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type Member struct {
	PeerID   string `json:"peerId"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type RoomStateFrame struct {
	Type     string   `json:"type"`
	Meeting  string   `json:"meetingId"`
	HostPeer string   `json:"hostPeerId,omitempty"`
	IsHost   bool     `json:"isHost"`
	Pending  bool     `json:"pending"`
	Members  []Member `json:"members"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewPeerFrame(typ, peerID string) PeerFrame {
	return PeerFrame{Type: typ, PeerID: peerID}
}

func NewChatFrame(sender, message string) ChatFrame {
	return ChatFrame{Type: TypeChatMessage, Sender: sender, Message: message}
}

func NewErrorFrame(reason string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: reason}
}
