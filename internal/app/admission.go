package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confab-app/confab/internal/core"
	"github.com/confab-app/confab/internal/domain"
)

type admissionRequest struct {
	peer        domain.PeerID
	user        *domain.User
	conn        core.SignalConnection
	requestedAt time.Time
}

// Decision is the result of a host ruling on one pending join.
type Decision struct {
	Approved bool
	Peer     domain.PeerID
	Target   core.SignalConnection
	// Join carries the ordinary NewParticipant fan-out when approved.
	Join *Attachment
}

// Admission gates non-host joins behind host approval for gated meetings.
// Requests live in arrival order; duplicates from the same peer coalesce.
type Admission struct {
	reg *Registry

	mu      sync.Mutex
	pending map[domain.MeetingID]map[domain.PeerID]*admissionRequest
	order   map[domain.MeetingID][]domain.PeerID
}

func NewAdmission(reg *Registry) *Admission {
	return &Admission{
		reg:     reg,
		pending: make(map[domain.MeetingID]map[domain.PeerID]*admissionRequest),
		order:   make(map[domain.MeetingID][]domain.PeerID),
	}
}

// Request enqueues one pending join. The bool result is false when an
// outstanding request from the same peer already exists (coalesced).
func (a *Admission) Request(id domain.MeetingID, peer domain.PeerID, user *domain.User, conn core.SignalConnection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	reqs, ok := a.pending[id]
	if !ok {
		reqs = make(map[domain.PeerID]*admissionRequest)
		a.pending[id] = reqs
	}
	if _, dup := reqs[peer]; dup {
		return false
	}
	reqs[peer] = &admissionRequest{peer: peer, user: user, conn: conn, requestedAt: time.Now()}
	a.order[id] = append(a.order[id], peer)
	log.Info().Str("module", "app.admission").Str("meeting", string(id)).Str("peer", string(peer)).Str("user", user.Username).Msg("admission requested")
	return true
}

// Pending returns the queued requests for a meeting in arrival order. Used to
// replay approval-request frames when a host attaches late.
func (a *Admission) Pending(id domain.MeetingID) []domain.PeerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.PeerID, 0, len(a.order[id]))
	for _, p := range a.order[id] {
		if _, ok := a.pending[id][p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Decide rules on one pending join. Only the current host may decide. On
// approval the participant is promoted and the caller broadcasts the same
// NewParticipant event as a plain join; on rejection the caller closes the
// target connection with a reason.
func (a *Admission) Decide(id domain.MeetingID, deciderIdentity string, peer domain.PeerID, approve bool) (*Decision, error) {
	_, hostUser, ok := a.reg.HostOf(id)
	if !ok || hostUser.Username != deciderIdentity {
		return nil, core.ErrNotHost
	}

	a.mu.Lock()
	req, ok := a.pending[id][peer]
	if ok {
		a.removeLocked(id, peer)
	}
	a.mu.Unlock()
	if !ok {
		return nil, core.ErrNoSuchRequest
	}

	d := &Decision{Approved: approve, Peer: peer, Target: req.conn}
	if approve {
		att, err := a.reg.Promote(id, peer)
		if err != nil {
			return nil, err
		}
		d.Join = att
	}
	log.Info().Str("module", "app.admission").Str("meeting", string(id)).Str("peer", string(peer)).Bool("approved", approve).Msg("admission decided")
	return d, nil
}

// Abandon drops a pending request whose connection disconnected before a
// decision. The host is not notified.
func (a *Admission) Abandon(id domain.MeetingID, peer domain.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[id][peer]; !ok {
		return
	}
	a.removeLocked(id, peer)
	log.Info().Str("module", "app.admission").Str("meeting", string(id)).Str("peer", string(peer)).Msg("admission abandoned")
}

func (a *Admission) removeLocked(id domain.MeetingID, peer domain.PeerID) {
	delete(a.pending[id], peer)
	if len(a.pending[id]) == 0 {
		delete(a.pending, id)
		delete(a.order, id)
		return
	}
	queue := a.order[id]
	for i, p := range queue {
		if p == peer {
			a.order[id] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
}
