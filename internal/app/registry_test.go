package app

import (
	"errors"
	"testing"

	"github.com/confab-app/confab/internal/core"
	"github.com/confab-app/confab/internal/domain"
)

func mustUser(t *testing.T, name string) *domain.User {
	t.Helper()
	u, err := domain.NewUser(name)
	if err != nil {
		t.Fatalf("NewUser(%q): %v", name, err)
	}
	return u
}

func TestStartCreatesMeeting(t *testing.T) {
	reg := NewRegistry()

	info, isHost, err := reg.Start("", "alice", false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.ID == "" {
		t.Fatal("expected a generated meeting id")
	}
	if !isHost {
		t.Fatal("creator should be host")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	reg := NewRegistry()

	info, _, err := reg.Start("m1", "alice", true)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	again, isHost, err := reg.Start("m1", "bob", false)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again.ID != info.ID {
		t.Fatalf("expected same meeting, got %s and %s", info.ID, again.ID)
	}
	if isHost {
		t.Fatal("non-creator must not become host")
	}
	if !again.Gated {
		t.Fatal("gating is fixed at creation, second Start must not ungate")
	}
}

func TestStartReportsAttachedHost(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", false)

	// Bob attaches first, so the host role lands on him.
	if _, err := reg.Attach("m1", "p2", mustUser(t, "bob"), &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, isHost, _ := reg.Start("m1", "alice", false); isHost {
		t.Fatal("creator must not be reported host while someone else holds the role")
	}
	if _, isHost, _ := reg.Start("m1", "bob", false); !isHost {
		t.Fatal("the attached host should be reported as host")
	}
}

func TestStartRejectsSecondMeeting(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", false)
	if _, err := reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, _, err := reg.Start("m2", "alice", false); !errors.Is(err, core.ErrAlreadyActiveElsewhere) {
		t.Fatalf("expected ErrAlreadyActiveElsewhere, got %v", err)
	}
}

func TestAttachUngatedJoinIsActive(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", false)

	aliceConn := &fakeConn{}
	attA, err := reg.Attach("m1", "p1", mustUser(t, "alice"), aliceConn)
	if err != nil {
		t.Fatalf("Attach alice: %v", err)
	}
	if !attA.IsHost {
		t.Fatal("creator's attach should be host")
	}
	if len(attA.Recipients) != 0 {
		t.Fatalf("first member has no recipients, got %d", len(attA.Recipients))
	}

	attB, err := reg.Attach("m1", "p2", mustUser(t, "bob"), &fakeConn{})
	if err != nil {
		t.Fatalf("Attach bob: %v", err)
	}
	if attB.Participant.Status != domain.StatusActive {
		t.Fatalf("ungated join should be active, got %s", attB.Participant.Status)
	}
	if attB.HostPeer != "p1" {
		t.Fatalf("host should be p1, got %s", attB.HostPeer)
	}
	if len(attB.Recipients) != 1 || attB.Recipients[0].Peer != "p1" {
		t.Fatalf("bob's recipients should be exactly alice, got %v", attB.Recipients)
	}
}

func TestAttachGatedJoinIsPending(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", true)

	aliceConn := &fakeConn{}
	reg.Attach("m1", "p1", mustUser(t, "alice"), aliceConn)

	att, err := reg.Attach("m1", "p2", mustUser(t, "bob"), &fakeConn{})
	if err != nil {
		t.Fatalf("Attach bob: %v", err)
	}
	if att.Participant.Status != domain.StatusPending {
		t.Fatalf("gated join should be pending, got %s", att.Participant.Status)
	}
	if len(att.Recipients) != 0 {
		t.Fatal("pending member must not receive a fan-out snapshot")
	}
	if att.Host == nil || att.Host.Peer != "p1" {
		t.Fatal("pending attach should carry the host recipient")
	}
}

func TestAttachCreatorBypassesGate(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", true)

	att, err := reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if att.Participant.Status != domain.StatusActive {
		t.Fatal("creator must not wait for their own approval")
	}
}

func TestAttachErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", false)
	reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})

	if _, err := reg.Attach("missing", "p9", mustUser(t, "bob"), &fakeConn{}); !errors.Is(err, core.ErrNoSuchMeeting) {
		t.Fatalf("expected ErrNoSuchMeeting, got %v", err)
	}
	if _, err := reg.Attach("m1", "p1", mustUser(t, "bob"), &fakeConn{}); !errors.Is(err, core.ErrPeerIDTaken) {
		t.Fatalf("expected ErrPeerIDTaken, got %v", err)
	}

	reg.Start("m2", "carol", false)
	if _, err := reg.Attach("m2", "p5", mustUser(t, "alice"), &fakeConn{}); !errors.Is(err, core.ErrAlreadyActiveElsewhere) {
		t.Fatalf("expected ErrAlreadyActiveElsewhere, got %v", err)
	}
}

func TestDetachHostSuccession(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", false)
	reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})
	reg.Attach("m1", "p2", mustUser(t, "bob"), &fakeConn{})
	reg.Attach("m1", "p3", mustUser(t, "carol"), &fakeConn{})

	dep, err := reg.Detach("m1", "p1")
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if !dep.WasHost {
		t.Fatal("p1 was host")
	}
	if dep.NewHost != "p2" {
		t.Fatalf("host should pass to the earliest remaining member, got %s", dep.NewHost)
	}

	host, _, ok := reg.HostOf("m1")
	if !ok || host != "p2" {
		t.Fatalf("registry should report p2 as host, got %s", host)
	}
}

func TestDetachOrphansPendingAndRetires(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", true)
	reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})
	bobConn := &fakeConn{}
	reg.Attach("m1", "p2", mustUser(t, "bob"), bobConn)

	dep, err := reg.Detach("m1", "p1")
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if len(dep.Orphaned) != 1 || dep.Orphaned[0].Peer != "p2" {
		t.Fatalf("pending member should be orphaned, got %v", dep.Orphaned)
	}
	if !dep.Retired {
		t.Fatal("meeting with nobody left should retire")
	}
	if _, _, err := reg.Snapshot("m1"); !errors.Is(err, core.ErrNoSuchMeeting) {
		t.Fatal("retired meeting must be gone")
	}

	// A retired identifier is free for reuse as a fresh meeting.
	if _, isHost, err := reg.Start("m1", "dave", false); err != nil || !isHost {
		t.Fatalf("reused id should create a new meeting, err=%v isHost=%v", err, isHost)
	}
}

func TestDetachLastMemberRetires(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", false)
	reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})

	dep, err := reg.Detach("m1", "p1")
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if !dep.Retired {
		t.Fatal("empty meeting should retire")
	}
	if len(reg.List()) != 0 {
		t.Fatal("retired meeting should leave no trace")
	}
}

func TestDetachFreesIdentity(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", false)
	reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})
	reg.Detach("m1", "p1")

	reg.Start("m2", "alice", false)
	if _, err := reg.Attach("m2", "p2", mustUser(t, "alice"), &fakeConn{}); err != nil {
		t.Fatalf("identity should be free after leaving, got %v", err)
	}
}

func TestPromoteActivatesPending(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", true)
	reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})
	reg.Attach("m1", "p2", mustUser(t, "bob"), &fakeConn{})

	att, err := reg.Promote("m1", "p2")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if att.Participant.Status != domain.StatusActive {
		t.Fatal("promoted participant should be active")
	}
	if len(att.Recipients) != 1 || att.Recipients[0].Peer != "p1" {
		t.Fatalf("promotion fan-out should reach alice, got %v", att.Recipients)
	}
}

func TestChatRecipientsExcludeSenderAndPending(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", true)
	reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})
	reg.Attach("m1", "p2", mustUser(t, "bob"), &fakeConn{})
	reg.Attach("m1", "p3", mustUser(t, "carol"), &fakeConn{})
	reg.Promote("m1", "p3")

	sender, recipients, err := reg.ChatRecipients("m1", "p1")
	if err != nil {
		t.Fatalf("ChatRecipients: %v", err)
	}
	if sender.User.Username != "alice" {
		t.Fatalf("unexpected sender %s", sender.User.Username)
	}
	if len(recipients) != 1 || recipients[0].Peer != "p3" {
		t.Fatalf("only active carol should receive, got %v", recipients)
	}

	if _, _, err := reg.ChatRecipients("m1", "p2"); !errors.Is(err, core.ErrNotAMember) {
		t.Fatalf("pending sender should be rejected, got %v", err)
	}
}

func TestMediaTargetRequiresBothActive(t *testing.T) {
	reg := NewRegistry()
	reg.Start("m1", "alice", true)
	reg.Attach("m1", "p1", mustUser(t, "alice"), &fakeConn{})
	reg.Attach("m1", "p2", mustUser(t, "bob"), &fakeConn{})

	if _, err := reg.MediaTarget("m1", "p1", "p2"); !errors.Is(err, core.ErrNotAMember) {
		t.Fatalf("pending target should be unreachable, got %v", err)
	}
	if _, err := reg.MediaTarget("m1", "p2", "p1"); !errors.Is(err, core.ErrNotAMember) {
		t.Fatalf("pending sender should be rejected, got %v", err)
	}

	reg.Promote("m1", "p2")
	if _, err := reg.MediaTarget("m1", "p1", "p2"); err != nil {
		t.Fatalf("active pair should route, got %v", err)
	}
	if _, err := reg.MediaTarget("m1", "p1", "p9"); !errors.Is(err, core.ErrNotAMember) {
		t.Fatalf("unknown target should be rejected, got %v", err)
	}
}
