package signal

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/confab-app/confab/internal/app"
	"github.com/confab-app/confab/internal/config"
	"github.com/confab-app/confab/internal/core"
	"github.com/confab-app/confab/internal/domain"
	"github.com/confab-app/confab/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
	reason string
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return core.ErrSlowConsumer
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) CloseWithReason(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
}

func (f *fakeConn) sent() []core.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func frameTypes(t *testing.T, frames []core.Frame) []string {
	t.Helper()
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		out = append(out, env.Type)
	}
	return out
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	reg := app.NewRegistry()
	return NewController(reg, app.NewAdmission(reg), app.NewChatRelay(reg, nil), app.KickSlowPolicy{}, &config.Config{SendQueue: 8})
}

func mustAttach(t *testing.T, ctl *Controller, meeting domain.MeetingID, peer domain.PeerID, name string, conn core.SignalConnection) *session {
	t.Helper()
	user, err := domain.NewUser(name)
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if _, err := ctl.Registry.Attach(meeting, peer, user, conn); err != nil {
		t.Fatalf("Attach %s: %v", peer, err)
	}
	return &session{meeting: meeting, peer: peer, user: user, conn: conn}
}

func TestHandleFrameIgnoresUnknownType(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", false)
	conn := &fakeConn{}
	sess := mustAttach(t, ctl, "m1", "p1", "alice", conn)

	ctl.handleFrame(sess, []byte(`{"type":"telemetry","v":1}`))
	ctl.handleFrame(sess, []byte(`not json`))

	if len(conn.sent()) != 0 {
		t.Fatalf("unknown frames must be ignored silently, got %v", frameTypes(t, conn.sent()))
	}
}

func TestHandleChatRelaysToOthers(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", false)
	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	sess := mustAttach(t, ctl, "m1", "p1", "alice", aliceConn)
	mustAttach(t, ctl, "m1", "p2", "bob", bobConn)

	raw, _ := json.Marshal(protocol.NewChatFrame("alice", "hello"))
	ctl.handleFrame(sess, raw)

	frames := bobConn.sent()
	if len(frames) != 1 {
		t.Fatalf("bob should get one frame, got %d", len(frames))
	}
	var cf protocol.ChatFrame
	json.Unmarshal(frames[0], &cf)
	if cf.Sender != "alice" || cf.Message != "hello" {
		t.Fatalf("unexpected chat frame %+v", cf)
	}
	if len(aliceConn.sent()) != 0 {
		t.Fatal("sender must not be echoed")
	}
}

func TestHandleChatFromNonMemberReportsError(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", false)
	conn := &fakeConn{}
	// Session whose peer never attached.
	user, _ := domain.NewUser("mallory")
	sess := &session{meeting: "m1", peer: "p9", user: user, conn: conn}

	raw, _ := json.Marshal(protocol.NewChatFrame("mallory", "hi"))
	ctl.handleFrame(sess, raw)

	types := frameTypes(t, conn.sent())
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("expected an error frame, got %v", types)
	}
}

func TestHandleMediaSignalRewritesFrom(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", false)
	bobConn := &fakeConn{}
	sess := mustAttach(t, ctl, "m1", "p1", "alice", &fakeConn{})
	mustAttach(t, ctl, "m1", "p2", "bob", bobConn)

	raw, _ := json.Marshal(protocol.MediaSignalFrame{
		Type:    protocol.TypeMediaSignal,
		From:    "spoofed",
		To:      "p2",
		Payload: json.RawMessage(`{"kind":"offer"}`),
	})
	ctl.handleFrame(sess, raw)

	frames := bobConn.sent()
	if len(frames) != 1 {
		t.Fatalf("bob should get one frame, got %d", len(frames))
	}
	var ms protocol.MediaSignalFrame
	json.Unmarshal(frames[0], &ms)
	if ms.From != "p1" {
		t.Fatalf("from must be rewritten to the real sender, got %q", ms.From)
	}
	if string(ms.Payload) != `{"kind":"offer"}` {
		t.Fatalf("payload must pass through untouched, got %s", ms.Payload)
	}
}

func TestHandleMediaSignalToPendingRejected(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", true)
	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	sess := mustAttach(t, ctl, "m1", "p1", "alice", aliceConn)
	mustAttach(t, ctl, "m1", "p2", "bob", bobConn)

	raw, _ := json.Marshal(protocol.MediaSignalFrame{Type: protocol.TypeMediaSignal, To: "p2", Payload: json.RawMessage(`{}`)})
	ctl.handleFrame(sess, raw)

	if len(bobConn.sent()) != 0 {
		t.Fatal("pending member must not receive media signals")
	}
	types := frameTypes(t, aliceConn.sent())
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("sender should see an error frame, got %v", types)
	}
}

func TestHandleApprovalRequestNotifiesHostOnce(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", true)
	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	mustAttach(t, ctl, "m1", "p1", "alice", aliceConn)
	bobSess := mustAttach(t, ctl, "m1", "p2", "bob", bobConn)

	raw, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeApprovalRequest})
	ctl.handleFrame(bobSess, raw)
	ctl.handleFrame(bobSess, raw)

	types := frameTypes(t, aliceConn.sent())
	if len(types) != 1 || types[0] != protocol.TypeApprovalRequest {
		t.Fatalf("host should be notified exactly once, got %v", types)
	}
}

func TestHandleDecisionApprove(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", true)
	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	aliceSess := mustAttach(t, ctl, "m1", "p1", "alice", aliceConn)
	bobSess := mustAttach(t, ctl, "m1", "p2", "bob", bobConn)

	req, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeApprovalRequest})
	ctl.handleFrame(bobSess, req)
	aliceConn.frames = nil

	raw, _ := json.Marshal(protocol.NewPeerFrame(protocol.TypeApproved, "p2"))
	ctl.handleFrame(aliceSess, raw)

	bobTypes := frameTypes(t, bobConn.sent())
	if len(bobTypes) != 2 || bobTypes[0] != protocol.TypeRoomState || bobTypes[1] != protocol.TypeApproved {
		t.Fatalf("approved peer should get room state then approval, got %v", bobTypes)
	}
	aliceTypes := frameTypes(t, aliceConn.sent())
	if len(aliceTypes) != 1 || aliceTypes[0] != protocol.TypeNewUser {
		t.Fatalf("existing members should see the admission as a join, got %v", aliceTypes)
	}
}

func TestHandleDecisionReject(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", true)
	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	aliceSess := mustAttach(t, ctl, "m1", "p1", "alice", aliceConn)
	bobSess := mustAttach(t, ctl, "m1", "p2", "bob", bobConn)

	req, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeApprovalRequest})
	ctl.handleFrame(bobSess, req)

	raw, _ := json.Marshal(protocol.NewPeerFrame(protocol.TypeRejected, "p2"))
	ctl.handleFrame(aliceSess, raw)

	if len(bobConn.sent()) != 0 {
		t.Fatalf("rejection rides the close reason, not a frame, got %v", frameTypes(t, bobConn.sent()))
	}
	if !bobConn.closed || bobConn.reason != "admission rejected" {
		t.Fatalf("rejected connection should close with a reason, got closed=%v reason=%q", bobConn.closed, bobConn.reason)
	}
}

func TestHandleDecisionFromNonHostRejected(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", true)
	aliceConn, bobConn, carolConn := &fakeConn{}, &fakeConn{}, &fakeConn{}
	mustAttach(t, ctl, "m1", "p1", "alice", aliceConn)
	bobSess := mustAttach(t, ctl, "m1", "p2", "bob", bobConn)
	carolSess := mustAttach(t, ctl, "m1", "p3", "carol", carolConn)

	req, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeApprovalRequest})
	ctl.handleFrame(bobSess, req)

	raw, _ := json.Marshal(protocol.NewPeerFrame(protocol.TypeApproved, "p2"))
	ctl.handleFrame(carolSess, raw)

	types := frameTypes(t, carolConn.sent())
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("non-host decision should fail with an error frame, got %v", types)
	}
	if status, _ := ctl.Registry.StatusOf("m1", "p2"); status != domain.StatusPending {
		t.Fatal("bob must stay pending")
	}
}

func TestSlowChatConsumerIsKicked(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", false)
	bobConn := &fakeConn{full: true}
	sess := mustAttach(t, ctl, "m1", "p1", "alice", &fakeConn{})
	mustAttach(t, ctl, "m1", "p2", "bob", bobConn)

	raw, _ := json.Marshal(protocol.NewChatFrame("alice", "hello"))
	ctl.handleFrame(sess, raw)

	if !bobConn.closed || bobConn.reason != core.ErrSlowConsumer.Error() {
		t.Fatalf("slow consumer should be kicked, got closed=%v reason=%q", bobConn.closed, bobConn.reason)
	}
}

func TestHostSuccessionReplaysPendingRequests(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", true)
	aliceConn, bobConn, carolConn := &fakeConn{}, &fakeConn{}, &fakeConn{}
	aliceSess := mustAttach(t, ctl, "m1", "p1", "alice", aliceConn)
	bobSess := mustAttach(t, ctl, "m1", "p2", "bob", bobConn)
	carolSess := mustAttach(t, ctl, "m1", "p3", "carol", carolConn)

	// Bob gets admitted; carol stays queued behind the gate.
	req, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeApprovalRequest})
	ctl.handleFrame(bobSess, req)
	raw, _ := json.Marshal(protocol.NewPeerFrame(protocol.TypeApproved, "p2"))
	ctl.handleFrame(aliceSess, raw)
	ctl.handleFrame(carolSess, req)
	bobConn.frames = nil

	ctl.teardown(aliceSess)

	types := frameTypes(t, bobConn.sent())
	if len(types) != 3 || types[0] != protocol.TypeUserLeft || types[1] != protocol.TypeHostChanged || types[2] != protocol.TypeApprovalRequest {
		t.Fatalf("successor host should inherit the queue, got %v", types)
	}
	var pf protocol.PeerFrame
	json.Unmarshal(bobConn.sent()[2], &pf)
	if pf.PeerID != "p3" {
		t.Fatalf("replayed request should name carol, got %q", pf.PeerID)
	}
	if status, _ := ctl.Registry.StatusOf("m1", "p3"); status != domain.StatusPending {
		t.Fatal("carol must still be pending, awaiting the new host")
	}
}

func TestHandlePingAnswersPong(t *testing.T) {
	ctl := newTestController(t)
	ctl.Registry.Start("m1", "alice", false)
	conn := &fakeConn{}
	sess := mustAttach(t, ctl, "m1", "p1", "alice", conn)

	ctl.handleFrame(sess, []byte(`{"type":"ping"}`))

	types := frameTypes(t, conn.sent())
	if len(types) != 1 || types[0] != protocol.TypePong {
		t.Fatalf("expected a pong, got %v", types)
	}
}
