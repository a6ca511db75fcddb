package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/confab-app/confab/internal/app"
	"github.com/confab-app/confab/internal/auth"
	"github.com/confab-app/confab/internal/config"
	"github.com/confab-app/confab/internal/core"
	"github.com/confab-app/confab/internal/domain"
	"github.com/confab-app/confab/internal/protocol"
)

// Controller terminates one logical connection per participant and
// multiplexes all signaling traffic over it.
type Controller struct {
	Registry  *app.Registry
	Admission *app.Admission
	Chat      *app.ChatRelay
	Policy    app.Policy
	Cfg       *config.Config
}

func NewController(reg *app.Registry, adm *app.Admission, chat *app.ChatRelay, policy app.Policy, cfg *config.Config) *Controller {
	return &Controller{Registry: reg, Admission: adm, Chat: chat, Policy: policy, Cfg: cfg}
}

// session is the per-connection state established by the join announcement.
type session struct {
	meeting domain.MeetingID
	peer    domain.PeerID
	user    *domain.User
	conn    core.SignalConnection
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleMeeting upgrades the connection and runs its read loop. The first
// frame must be a valid join announcement within the join grace period;
// connections that never announce are dropped.
func (ctl *Controller) HandleMeeting(ctx context.Context, c *gin.Context) {
	meetingID := domain.MeetingID(c.Param("id"))
	identity := auth.Identity(c)
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": core.ErrNotAuthenticated.Error()})
		return
	}
	user, err := domain.NewUser(identity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWSConn(ws, ctl.Cfg.SendQueue)
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)

	sess, att, ok := ctl.awaitAnnouncement(meetingID, user, conn)
	if !ok {
		cancel()
		conn.Close()
		return
	}

	ctl.afterAttach(sess, att)
	ctl.readLoop(ctx, cancel, conn, sess)
}

// awaitAnnouncement reads the first frame under the join grace deadline and
// admits the connection through the registry.
func (ctl *Controller) awaitAnnouncement(meetingID domain.MeetingID, user *domain.User, conn *wsConn) (*session, *app.Attachment, bool) {
	ws := conn.conn
	ws.SetReadLimit(ctl.Cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(ctl.Cfg.JoinGrace))

	_, data, err := ws.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", user.Username).Msg("no join announcement within grace period")
		return nil, nil, false
	}

	var announce protocol.PeerFrame
	if err := json.Unmarshal(data, &announce); err != nil || announce.Type != protocol.TypeNewUser || announce.PeerID == "" {
		ctl.sendJSON(conn, protocol.NewErrorFrame("expected join announcement"))
		return nil, nil, false
	}

	peer := domain.PeerID(announce.PeerID)
	att, err := ctl.Registry.Attach(meetingID, peer, user, conn)
	if err != nil {
		ctl.sendJSON(conn, protocol.NewErrorFrame(err.Error()))
		switch {
		case errors.Is(err, core.ErrPeerIDTaken):
			// The client regenerates its ephemeral id and reconnects.
			conn.CloseWithReason("peer id taken")
		default:
			conn.CloseWithReason(err.Error())
		}
		return nil, nil, false
	}

	return &session{meeting: meetingID, peer: peer, user: user, conn: conn}, att, true
}

// afterAttach delivers the room snapshot, fans out the membership event for
// active joins, or routes a pending join through the admission controller.
func (ctl *Controller) afterAttach(sess *session, att *app.Attachment) {
	pending := att.Participant.Status == domain.StatusPending

	ctl.sendJSON(sess.conn, protocol.RoomStateFrame{
		Type:     protocol.TypeRoomState,
		Meeting:  string(att.Meeting.ID),
		HostPeer: string(att.HostPeer),
		IsHost:   att.IsHost,
		Pending:  pending,
		Members:  toProtocolMembers(att.Members),
	})

	if pending {
		if ctl.Admission.Request(sess.meeting, sess.peer, sess.user, sess.conn) && att.Host != nil {
			ctl.notify(sess.meeting, *att.Host, protocol.NewPeerFrame(protocol.TypeApprovalRequest, string(sess.peer)))
		}
		return
	}

	ctl.broadcast(sess.meeting, att.Recipients, protocol.NewPeerFrame(protocol.TypeNewUser, string(sess.peer)))

	// A late-attaching host inherits the queued approval requests.
	if att.IsHost {
		for _, p := range ctl.Admission.Pending(sess.meeting) {
			ctl.sendJSON(sess.conn, protocol.NewPeerFrame(protocol.TypeApprovalRequest, string(p)))
		}
	}
}

// teardown runs the implicit leave on disconnect: registry removal, departure
// broadcast, host succession broadcast, admission abandonment.
func (ctl *Controller) teardown(sess *session) {
	dep, err := ctl.Registry.Detach(sess.meeting, sess.peer)
	if err != nil {
		// Already detached (orphaned pending member, retired meeting).
		ctl.Chat.Forget(sess.peer)
		sess.conn.Close()
		return
	}

	if dep.WasPending {
		ctl.Admission.Abandon(sess.meeting, sess.peer)
	} else {
		ctl.broadcast(sess.meeting, dep.Recipients, protocol.NewPeerFrame(protocol.TypeUserLeft, string(sess.peer)))
		if dep.NewHost != "" {
			ctl.broadcast(sess.meeting, dep.Recipients, protocol.NewPeerFrame(protocol.TypeHostChanged, string(dep.NewHost)))
			// The successor inherits the queued approval requests; their
			// original notifications went to the departed host.
			if host, ok := ctl.Registry.HostRecipient(sess.meeting); ok {
				for _, p := range ctl.Admission.Pending(sess.meeting) {
					ctl.notify(sess.meeting, host, protocol.NewPeerFrame(protocol.TypeApprovalRequest, string(p)))
				}
			}
		}
	}

	for _, orphan := range dep.Orphaned {
		ctl.Admission.Abandon(sess.meeting, orphan.Peer)
		orphan.Conn.CloseWithReason("meeting ended")
	}
	if dep.Retired {
		ctl.Chat.Release(sess.meeting)
	}

	ctl.Chat.Forget(sess.peer)
	sess.conn.Close()
}

func (ctl *Controller) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(core.Frame(b))
}

// notify sends to one recipient, applying the backpressure policy on failure.
func (ctl *Controller) notify(meeting domain.MeetingID, rcpt app.Recipient, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("notify marshal")
		return
	}
	if err := rcpt.Conn.TrySend(core.Frame(b)); err != nil {
		ctl.onBackpressure(meeting, rcpt)
	}
}

// broadcast fans a frame out to a snapshot of recipients. No registry lock is
// held here, so a slow consumer never blocks membership updates.
func (ctl *Controller) broadcast(meeting domain.MeetingID, recipients []app.Recipient, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	for _, rcpt := range recipients {
		if err := rcpt.Conn.TrySend(core.Frame(b)); err != nil {
			ctl.onBackpressure(meeting, rcpt)
		}
	}
}

func (ctl *Controller) onBackpressure(meeting domain.MeetingID, rcpt app.Recipient) {
	if ctl.Policy == nil {
		return
	}
	switch ctl.Policy.OnBackpressure(meeting, rcpt.Peer) {
	case app.KickMember:
		log.Warn().Str("module", "signal").Str("meeting", string(meeting)).Str("peer", string(rcpt.Peer)).Msg("kicking slow consumer")
		rcpt.Conn.CloseWithReason(core.ErrSlowConsumer.Error())
	case app.DropFrame, app.NoAction:
	}
}

func toProtocolMembers(in []app.MemberInfo) []protocol.Member {
	out := make([]protocol.Member, 0, len(in))
	for _, m := range in {
		out = append(out, protocol.Member{PeerID: string(m.Peer), Username: m.Username, Status: m.Status})
	}
	return out
}
