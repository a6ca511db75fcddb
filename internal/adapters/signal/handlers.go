package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/confab-app/confab/internal/app"
	"github.com/confab-app/confab/internal/core"
	"github.com/confab-app/confab/internal/domain"
	"github.com/confab-app/confab/internal/protocol"
)

// handleFrame routes one well-formed inbound frame by its tag. Unknown tags
// are logged and ignored so newer clients stay compatible with older servers.
func (ctl *Controller) handleFrame(sess *session, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(sess.peer)).Msg("bad json frame")
		return
	}

	switch env.Type {
	case protocol.TypeNewUser:
		// Duplicate announcement on an established connection.
		log.Debug().Str("module", "signal").Str("peer", string(sess.peer)).Msg("ignoring repeated announcement")
	case protocol.TypeApprovalRequest:
		ctl.handleApprovalRequest(sess)
	case protocol.TypeApproved:
		ctl.handleDecision(sess, data, true)
	case protocol.TypeRejected:
		ctl.handleDecision(sess, data, false)
	case protocol.TypeChatMessage:
		ctl.handleChat(sess, data)
	case protocol.TypeMediaSignal:
		ctl.handleMediaSignal(sess, data)
	case protocol.TypePing:
		ctl.sendJSON(sess.conn, protocol.Envelope{Type: protocol.TypePong})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

// handleApprovalRequest lets a pending participant (re)announce its wish to
// join. Requests while one is outstanding coalesce to a single queue entry.
func (ctl *Controller) handleApprovalRequest(sess *session) {
	status, err := ctl.Registry.StatusOf(sess.meeting, sess.peer)
	if err != nil || status != domain.StatusPending {
		ctl.sendJSON(sess.conn, protocol.NewErrorFrame("no pending join"))
		return
	}
	first := ctl.Admission.Request(sess.meeting, sess.peer, sess.user, sess.conn)
	if !first {
		return
	}
	if host, ok := ctl.Registry.HostRecipient(sess.meeting); ok {
		ctl.notify(sess.meeting, host, protocol.NewPeerFrame(protocol.TypeApprovalRequest, string(sess.peer)))
	}
}

// handleDecision applies a host ruling over one pending join.
func (ctl *Controller) handleDecision(sess *session, data []byte, approve bool) {
	var p protocol.PeerFrame
	if err := json.Unmarshal(data, &p); err != nil || p.PeerID == "" {
		ctl.sendJSON(sess.conn, protocol.NewErrorFrame("bad decision payload"))
		return
	}

	d, err := ctl.Admission.Decide(sess.meeting, sess.user.Username, domain.PeerID(p.PeerID), approve)
	if err != nil {
		ctl.sendJSON(sess.conn, protocol.NewErrorFrame(err.Error()))
		return
	}

	if !d.Approved {
		// The close reason is the rejection notice; a queued frame would
		// race the teardown and get lost.
		d.Target.CloseWithReason("admission rejected")
		return
	}

	// Approval triggers the same NewParticipant fan-out as an ordinary join.
	b, _ := json.Marshal(protocol.RoomStateFrame{
		Type:     protocol.TypeRoomState,
		Meeting:  string(sess.meeting),
		HostPeer: string(d.Join.HostPeer),
		Members:  toProtocolMembers(d.Join.Members),
	})
	_ = d.Target.TrySend(core.Frame(b))
	b, _ = json.Marshal(protocol.NewPeerFrame(protocol.TypeApproved, p.PeerID))
	_ = d.Target.TrySend(core.Frame(b))
	ctl.broadcast(sess.meeting, d.Join.Recipients, protocol.NewPeerFrame(protocol.TypeNewUser, p.PeerID))
}

func (ctl *Controller) handleChat(sess *session, data []byte) {
	var p protocol.ChatFrame
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(sess.conn, protocol.NewErrorFrame("bad chat payload"))
		return
	}

	dropped, err := ctl.Chat.Send(sess.meeting, sess.peer, p.Message)
	if err != nil {
		ctl.sendJSON(sess.conn, protocol.NewErrorFrame(err.Error()))
		return
	}
	for _, rcpt := range dropped {
		ctl.onBackpressure(sess.meeting, rcpt)
	}
}

// handleMediaSignal routes opaque broker traffic to one active member. The
// payload is never inspected; the server only rewrites the from field.
func (ctl *Controller) handleMediaSignal(sess *session, data []byte) {
	var p protocol.MediaSignalFrame
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
		ctl.sendJSON(sess.conn, protocol.NewErrorFrame("bad media-signal payload"))
		return
	}

	target, err := ctl.Registry.MediaTarget(sess.meeting, sess.peer, domain.PeerID(p.To))
	if err != nil {
		if errors.Is(err, core.ErrNotAMember) {
			ctl.sendJSON(sess.conn, protocol.NewErrorFrame(core.ErrNotAMember.Error()))
		}
		return
	}

	p.From = string(sess.peer)
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := target.TrySend(core.Frame(b)); err != nil {
		ctl.onBackpressure(sess.meeting, app.Recipient{Peer: domain.PeerID(p.To), Conn: target})
	}
}
