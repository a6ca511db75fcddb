package domain

import "time"

// ParticipantStatus tracks the admission state of one member.
type ParticipantStatus int

const (
	// StatusPending means the join is waiting for a host decision.
	StatusPending ParticipantStatus = iota
	// StatusActive means the member takes part in broadcasts and chat.
	StatusActive
)

func (s ParticipantStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	}
	return "unknown"
}

// Participant is one user's single connection to one meeting. The Peer field
// is the client-chosen ephemeral identifier used only for media addressing;
// it is not an identity.
type Participant struct {
	Peer     PeerID
	User     *User
	Status   ParticipantStatus
	JoinedAt time.Time
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(peer PeerID, user *User, status ParticipantStatus) *Participant {
	return &Participant{
		Peer:     peer,
		User:     user,
		Status:   status,
		JoinedAt: time.Now(),
	}
}
