package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// ChatMessage is one rendered chat line.
type ChatMessage struct {
	Sender string
	Text   string
}

// Orchestrator reduces signaling and media events into actions. It runs a
// single goroutine so no reaction ever races another; callers observe results
// on the Approvals and Messages channels.
//
// A nil MediaPort puts the session in signaling-only mode: chat and admission
// still work, media reactions are skipped.
type Orchestrator struct {
	sig      Signaling
	media    MediaPort
	peerID   string
	username string

	mu       sync.Mutex
	isHost   bool
	pending  bool
	closed   bool
	sessions map[string]bool
	streams  map[string]bool

	approvals chan string
	messages  chan ChatMessage
}

func NewOrchestrator(sig Signaling, media MediaPort, peerID, username string) *Orchestrator {
	return &Orchestrator{
		sig:       sig,
		media:     media,
		peerID:    peerID,
		username:  username,
		sessions:  make(map[string]bool),
		streams:   make(map[string]bool),
		approvals: make(chan string, 16),
		messages:  make(chan ChatMessage, 64),
	}
}

// Approvals delivers peer ids awaiting admission. Only populated when this
// participant is the host.
func (o *Orchestrator) Approvals() <-chan string { return o.approvals }

// Messages delivers chat lines, including this participant's own.
func (o *Orchestrator) Messages() <-chan ChatMessage { return o.messages }

// IsHost reports whether this participant currently holds the host role.
func (o *Orchestrator) IsHost() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isHost
}

// Peers returns the peers with a live or in-flight media session.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	peers := make([]string, 0, len(o.sessions))
	for p := range o.sessions {
		peers = append(peers, p)
	}
	return peers
}

// Say relays text to the meeting and renders it locally. The coordinator
// never echoes a message back to its sender.
func (o *Orchestrator) Say(text string) error {
	if err := o.sig.SendChat(o.username, text); err != nil {
		return err
	}
	o.emit(ChatMessage{Sender: o.username, Text: text})
	return nil
}

// Decide resolves a pending admission request. Host only; the coordinator
// rejects decisions from anyone else.
func (o *Orchestrator) Decide(peer string, approve bool) error {
	return o.sig.SendDecision(peer, approve)
}

// Run consumes events until the signaling session ends or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.teardown()

	var mediaEvents <-chan MediaEvent
	if o.media != nil {
		mediaEvents = o.media.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-o.sig.Events():
			if !ok || ev.Kind == EventClosed {
				return nil
			}
			o.reduce(ev)
		case ev := <-mediaEvents:
			o.reduceMedia(ev)
		}
	}
}

func (o *Orchestrator) reduce(ev Event) {
	switch ev.Kind {
	case EventRoomState:
		o.mu.Lock()
		o.isHost = ev.IsHost
		o.pending = ev.Pending
		o.mu.Unlock()
		if ev.Pending {
			log.Info().Str("module", "client").Msg("waiting for host admission")
		}

	case EventNewUser:
		// The existing member always initiates; the newcomer only answers.
		// A peer never reacts to its own arrival.
		if ev.Peer == o.peerID {
			return
		}
		o.call(ev.Peer)

	case EventUserLeft:
		o.dropPeer(ev.Peer)

	case EventApprovalRequest:
		o.mu.Lock()
		host := o.isHost
		o.mu.Unlock()
		if !host {
			return
		}
		select {
		case o.approvals <- ev.Peer:
		default:
			log.Warn().Str("module", "client").Str("peer", ev.Peer).Msg("approval queue full, dropping request")
		}

	case EventApproved:
		o.mu.Lock()
		o.pending = false
		o.mu.Unlock()
		log.Info().Str("module", "client").Msg("admitted to meeting")

	case EventRejected:
		log.Info().Str("module", "client").Msg("admission rejected")

	case EventHostChanged:
		o.mu.Lock()
		o.isHost = ev.Peer == o.peerID
		o.mu.Unlock()

	case EventChat:
		o.emit(ChatMessage{Sender: ev.Sender, Text: ev.Message})

	case EventMediaSignal:
		if o.media == nil {
			return
		}
		o.media.Deliver(ev.From, ev.Payload)

	case EventError:
		log.Warn().Str("module", "client").Str("reason", ev.Reason).Msg("coordinator reported error")
	}
}

func (o *Orchestrator) reduceMedia(ev MediaEvent) {
	switch ev.Kind {
	case MediaIncoming:
		o.mu.Lock()
		o.sessions[ev.Peer] = true
		o.mu.Unlock()
	case MediaStream:
		o.mu.Lock()
		o.streams[ev.Peer] = true
		o.mu.Unlock()
		log.Info().Str("module", "client").Str("peer", ev.Peer).Msg("remote media flowing")
	case MediaClosed:
		o.mu.Lock()
		delete(o.sessions, ev.Peer)
		delete(o.streams, ev.Peer)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) call(peer string) {
	if o.media == nil {
		return
	}
	o.mu.Lock()
	if o.sessions[peer] {
		o.mu.Unlock()
		return
	}
	o.sessions[peer] = true
	o.mu.Unlock()

	if err := o.media.Call(peer); err != nil {
		// Media failure degrades the session, it never ends it. Chat and
		// signaling continue without this peer's media.
		log.Warn().Err(err).Str("module", "client").Str("peer", peer).Msg("media call failed, continuing without media")
		o.mu.Lock()
		delete(o.sessions, peer)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) dropPeer(peer string) {
	o.mu.Lock()
	had := o.sessions[peer]
	delete(o.sessions, peer)
	delete(o.streams, peer)
	o.mu.Unlock()
	if had && o.media != nil {
		o.media.HangUp(peer)
	}
}

// emit never closes the channel: Say runs on the caller's goroutine and can
// race teardown, so completion is signalled by Run returning instead.
func (o *Orchestrator) emit(msg ChatMessage) {
	o.mu.Lock()
	done := o.closed
	o.mu.Unlock()
	if done {
		return
	}
	select {
	case o.messages <- msg:
	default:
		log.Warn().Str("module", "client").Msg("message queue full, dropping chat line")
	}
}

func (o *Orchestrator) teardown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if o.media != nil {
		o.media.Close()
	}
	o.sig.Close()
}
