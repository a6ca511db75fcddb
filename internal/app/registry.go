package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confab-app/confab/internal/core"
	"github.com/confab-app/confab/internal/domain"
)

// Recipient is one delivery target captured in a snapshot. Broadcasts happen
// against snapshots so no lock is held while a slow consumer drains.
type Recipient struct {
	Peer domain.PeerID
	Conn core.SignalConnection
}

// MemberInfo is a read-only view for APIs (no transport fields).
type MemberInfo struct {
	Peer     domain.PeerID `json:"peerId"`
	Username string        `json:"username"`
	Status   string        `json:"status"`
}

type MeetingInfo struct {
	ID          domain.MeetingID `json:"id"`
	Gated       bool             `json:"gated"`
	CreatedAt   time.Time        `json:"createdAt"`
	MemberCount int              `json:"memberCount"`
}

// Attachment reports the outcome of one admitted (or pending) join, together
// with the snapshots the gateway needs for fan-out.
type Attachment struct {
	Participant *domain.Participant
	Meeting     domain.Meeting
	IsHost      bool
	HostPeer    domain.PeerID
	// Recipients are the other Active members; empty while pending.
	Recipients []Recipient
	// Host carries the host connection for approval notifications; nil when
	// the host has not attached yet.
	Host    *Recipient
	Members []MemberInfo
}

// Departure reports the outcome of one removal.
type Departure struct {
	Peer       domain.PeerID
	User       *domain.User
	WasPending bool
	WasHost    bool
	Recipients []Recipient
	// NewHost is set when host succession happened.
	NewHost domain.PeerID
	// Orphaned are pending connections that can never be decided anymore
	// because no active member remains; the gateway closes them.
	Orphaned []Recipient
	Retired  bool
}

type memberEntry struct {
	p    *domain.Participant
	conn core.SignalConnection
}

// meetingState is mutated under its own mutex; membership changes never
// interleave within one meeting.
type meetingState struct {
	mu      sync.Mutex
	meta    domain.Meeting
	creator string
	host    domain.PeerID
	members map[domain.PeerID]*memberEntry
}

type activeEntry struct {
	meeting domain.MeetingID
	conns   int
}

// Registry owns the mapping from meeting identifier to meeting state.
// Meetings are created on first Start and retired when their participant set
// becomes empty.
type Registry struct {
	mu       sync.RWMutex
	meetings map[domain.MeetingID]*meetingState
	active   map[string]*activeEntry
}

func NewRegistry() *Registry {
	return &Registry{
		meetings: make(map[domain.MeetingID]*meetingState),
		active:   make(map[string]*activeEntry),
	}
}

// Start creates the meeting if absent; the calling identity becomes host iff
// it is the creator. Re-invoking returns the existing meeting. Gating is
// opt-in at creation only.
func (r *Registry) Start(id domain.MeetingID, identity string, gated bool) (MeetingInfo, bool, error) {
	if id == "" {
		id = domain.NewMeetingID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.active[identity]; ok && a.meeting != id {
		return MeetingInfo{}, false, core.ErrAlreadyActiveElsewhere
	}

	st, ok := r.meetings[id]
	if !ok {
		st = &meetingState{
			meta:    domain.Meeting{ID: id, Gated: gated, CreatedAt: time.Now()},
			creator: identity,
			members: make(map[domain.PeerID]*memberEntry),
		}
		r.meetings[id] = st
		log.Info().Str("module", "app.registry").Str("meeting", string(id)).Str("creator", identity).Bool("gated", gated).Msg("meeting created")
	}

	st.mu.Lock()
	info := MeetingInfo{ID: st.meta.ID, Gated: st.meta.Gated, CreatedAt: st.meta.CreatedAt, MemberCount: len(st.members)}
	// Once someone is attached the host pointer is authoritative; before
	// that, the creator is the host-to-be.
	isHost := st.creator == identity
	if h, ok := st.members[st.host]; ok {
		isHost = h.p.User.Username == identity
	}
	st.mu.Unlock()
	return info, isHost, nil
}

// Attach associates a connection with a meeting once the first join
// announcement arrives. Non-host joins on a gated meeting come back Pending.
func (r *Registry) Attach(id domain.MeetingID, peer domain.PeerID, user *domain.User, conn core.SignalConnection) (*Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.meetings[id]
	if !ok {
		return nil, core.ErrNoSuchMeeting
	}
	if a, ok := r.active[user.Username]; ok && a.meeting != id {
		return nil, core.ErrAlreadyActiveElsewhere
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, taken := st.members[peer]; taken {
		return nil, core.ErrPeerIDTaken
	}

	status := domain.StatusActive
	if st.meta.Gated && st.creator != user.Username {
		status = domain.StatusPending
	}

	p := domain.NewParticipant(peer, user, status)
	st.members[peer] = &memberEntry{p: p, conn: conn}

	if status == domain.StatusActive && st.host == "" {
		st.host = peer
	}

	if a, ok := r.active[user.Username]; ok {
		a.conns++
	} else {
		r.active[user.Username] = &activeEntry{meeting: id, conns: 1}
	}

	att := &Attachment{
		Participant: p,
		Meeting:     st.meta,
		IsHost:      st.host == peer,
		HostPeer:    st.host,
		Members:     st.memberInfosLocked(),
	}
	if status == domain.StatusActive {
		att.Recipients = st.activeRecipientsLocked(peer)
	}
	if h, ok := st.members[st.host]; ok && st.host != peer {
		att.Host = &Recipient{Peer: st.host, Conn: h.conn}
	}

	log.Info().Str("module", "app.registry").
		Str("meeting", string(id)).Str("peer", string(peer)).
		Str("user", user.Username).Str("status", status.String()).
		Msg("participant attached")
	return att, nil
}

// Detach removes the participant, reassigns the host to the next-oldest
// remaining active member, and retires the meeting when nobody is left.
func (r *Registry) Detach(id domain.MeetingID, peer domain.PeerID) (*Departure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.meetings[id]
	if !ok {
		return nil, core.ErrNoSuchMeeting
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.members[peer]
	if !ok {
		return nil, core.ErrNotAMember
	}
	delete(st.members, peer)

	dep := &Departure{
		Peer:       peer,
		User:       e.p.User,
		WasPending: e.p.Status == domain.StatusPending,
		WasHost:    st.host == peer,
	}

	if a, ok := r.active[e.p.User.Username]; ok {
		a.conns--
		if a.conns <= 0 {
			delete(r.active, e.p.User.Username)
		}
	}

	if dep.WasHost {
		st.host = st.oldestActiveLocked()
		dep.NewHost = st.host
	}

	if st.host == "" {
		// No active member can ever decide the remaining pending joins.
		for p, m := range st.members {
			dep.Orphaned = append(dep.Orphaned, Recipient{Peer: p, Conn: m.conn})
			if a, ok := r.active[m.p.User.Username]; ok {
				a.conns--
				if a.conns <= 0 {
					delete(r.active, m.p.User.Username)
				}
			}
		}
		st.members = make(map[domain.PeerID]*memberEntry)
	}

	if len(st.members) == 0 {
		delete(r.meetings, id)
		dep.Retired = true
	} else {
		dep.Recipients = st.activeRecipientsLocked(peer)
	}

	log.Info().Str("module", "app.registry").
		Str("meeting", string(id)).Str("peer", string(peer)).
		Bool("was_host", dep.WasHost).Bool("retired", dep.Retired).
		Msg("participant detached")
	return dep, nil
}

// Promote transitions a pending participant to Active after host approval and
// returns the same fan-out snapshot as an ordinary join.
func (r *Registry) Promote(id domain.MeetingID, peer domain.PeerID) (*Attachment, error) {
	r.mu.RLock()
	st, ok := r.meetings[id]
	r.mu.RUnlock()
	if !ok {
		return nil, core.ErrNoSuchMeeting
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.members[peer]
	if !ok {
		return nil, core.ErrNotAMember
	}
	e.p.Status = domain.StatusActive

	att := &Attachment{
		Participant: e.p,
		Meeting:     st.meta,
		HostPeer:    st.host,
		Recipients:  st.activeRecipientsLocked(peer),
		Members:     st.memberInfosLocked(),
	}
	log.Info().Str("module", "app.registry").Str("meeting", string(id)).Str("peer", string(peer)).Msg("participant promoted")
	return att, nil
}

// ChatRecipients validates the sender and snapshots every other active member.
func (r *Registry) ChatRecipients(id domain.MeetingID, from domain.PeerID) (*domain.Participant, []Recipient, error) {
	r.mu.RLock()
	st, ok := r.meetings[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, core.ErrNoSuchMeeting
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.members[from]
	if !ok || e.p.Status != domain.StatusActive {
		return nil, nil, core.ErrNotAMember
	}
	return e.p, st.activeRecipientsLocked(from), nil
}

// MediaTarget resolves the connection of one active member for targeted
// media-signal routing. Pending participants are unreachable on purpose.
func (r *Registry) MediaTarget(id domain.MeetingID, from, to domain.PeerID) (core.SignalConnection, error) {
	r.mu.RLock()
	st, ok := r.meetings[id]
	r.mu.RUnlock()
	if !ok {
		return nil, core.ErrNoSuchMeeting
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	src, ok := st.members[from]
	if !ok || src.p.Status != domain.StatusActive {
		return nil, core.ErrNotAMember
	}
	dst, ok := st.members[to]
	if !ok || dst.p.Status != domain.StatusActive {
		return nil, core.ErrNotAMember
	}
	return dst.conn, nil
}

// StatusOf reports the admission state of one member.
func (r *Registry) StatusOf(id domain.MeetingID, peer domain.PeerID) (domain.ParticipantStatus, error) {
	r.mu.RLock()
	st, ok := r.meetings[id]
	r.mu.RUnlock()
	if !ok {
		return 0, core.ErrNoSuchMeeting
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.members[peer]
	if !ok {
		return 0, core.ErrNotAMember
	}
	return e.p.Status, nil
}

// HostRecipient returns the host delivery target when a host is attached.
func (r *Registry) HostRecipient(id domain.MeetingID) (Recipient, bool) {
	r.mu.RLock()
	st, ok := r.meetings[id]
	r.mu.RUnlock()
	if !ok {
		return Recipient{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	h, ok := st.members[st.host]
	if !ok {
		return Recipient{}, false
	}
	return Recipient{Peer: st.host, Conn: h.conn}, true
}

// HostOf reports the current host, if one is attached.
func (r *Registry) HostOf(id domain.MeetingID) (domain.PeerID, *domain.User, bool) {
	r.mu.RLock()
	st, ok := r.meetings[id]
	r.mu.RUnlock()
	if !ok {
		return "", nil, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	h, ok := st.members[st.host]
	if !ok {
		return "", nil, false
	}
	return st.host, h.p.User, true
}

// Snapshot returns the meeting meta and member views for the REST surface.
func (r *Registry) Snapshot(id domain.MeetingID) (domain.Meeting, []MemberInfo, error) {
	r.mu.RLock()
	st, ok := r.meetings[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Meeting{}, nil, core.ErrNoSuchMeeting
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.meta, st.memberInfosLocked(), nil
}

func (r *Registry) List() []MeetingInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MeetingInfo, 0, len(r.meetings))
	for _, st := range r.meetings {
		st.mu.Lock()
		out = append(out, MeetingInfo{ID: st.meta.ID, Gated: st.meta.Gated, CreatedAt: st.meta.CreatedAt, MemberCount: len(st.members)})
		st.mu.Unlock()
	}
	return out
}

func (st *meetingState) activeRecipientsLocked(except domain.PeerID) []Recipient {
	out := make([]Recipient, 0, len(st.members))
	for p, m := range st.members {
		if p == except || m.p.Status != domain.StatusActive {
			continue
		}
		out = append(out, Recipient{Peer: p, Conn: m.conn})
	}
	return out
}

func (st *meetingState) memberInfosLocked() []MemberInfo {
	out := make([]MemberInfo, 0, len(st.members))
	for p, m := range st.members {
		out = append(out, MemberInfo{Peer: p, Username: m.p.User.Username, Status: m.p.Status.String()})
	}
	return out
}

// oldestActiveLocked elects the successor host: the earliest remaining join.
func (st *meetingState) oldestActiveLocked() domain.PeerID {
	var (
		best   domain.PeerID
		bestAt time.Time
	)
	for p, m := range st.members {
		if m.p.Status != domain.StatusActive {
			continue
		}
		if best == "" || m.p.JoinedAt.Before(bestAt) || (m.p.JoinedAt.Equal(bestAt) && p < best) {
			best = p
			bestAt = m.p.JoinedAt
		}
	}
	return best
}
