package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	MeetingID string
	PeerID    string
)

// Meeting is the immutable meta of one named session. Membership and host
// bookkeeping live in the registry, not here.
type Meeting struct {
	ID        MeetingID `json:"id"`
	Gated     bool      `json:"gated"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMeetingID generates an identifier for callers that did not supply one.
func NewMeetingID() MeetingID {
	return MeetingID(uuid.NewString())
}
