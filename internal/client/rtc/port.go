package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/confab-app/confab/internal/client"
	"github.com/confab-app/confab/internal/core"
)

// SendFunc forwards a peer-addressed payload through the signaling session.
type SendFunc func(to string, payload []byte) error

// envelope is the payload format exchanged between two media ports. The
// coordinator never looks inside it.
type envelope struct {
	Kind      string                      `json:"kind"`
	SDP       *webrtc.SessionDescription  `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit    `json:"candidate,omitempty"`
}

const (
	kindOffer     = "offer"
	kindAnswer    = "answer"
	kindCandidate = "candidate"
)

// Port implements client.MediaPort over pion peer connections.
type Port struct {
	cfg  webrtc.Configuration
	send SendFunc

	mu     sync.Mutex
	conns  map[string]*peerConnection
	closed bool

	events chan client.MediaEvent
}

func NewPort(cfg webrtc.Configuration, send SendFunc) *Port {
	return &Port{
		cfg:    cfg,
		send:   send,
		conns:  make(map[string]*peerConnection),
		events: make(chan client.MediaEvent, 32),
	}
}

func (p *Port) Events() <-chan client.MediaEvent { return p.events }

// Call opens an outbound session toward peer. The offer is created and sent
// in the background; progress surfaces on Events.
func (p *Port) Call(peer string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return core.ErrMediaUnavailable
	}
	if _, ok := p.conns[peer]; ok {
		p.mu.Unlock()
		return nil
	}
	conn, err := p.register(peer)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
	}

	go func() {
		offer, err := conn.createOffer()
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", peer).Msg("offer failed")
			p.drop(peer)
			return
		}
		p.sendEnvelope(peer, envelope{Kind: kindOffer, SDP: offer})
	}()
	return nil
}

// Deliver routes one inbound payload. Malformed or stale payloads are logged
// and dropped, never fatal.
func (p *Port) Deliver(from string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Str("peer", from).Msg("bad media payload")
		return
	}

	switch env.Kind {
	case kindOffer:
		if env.SDP == nil {
			return
		}
		p.answer(from, *env.SDP)
	case kindAnswer:
		if env.SDP == nil {
			return
		}
		p.mu.Lock()
		conn := p.conns[from]
		p.mu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.applyAnswer(*env.SDP); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("peer", from).Msg("answer rejected")
		}
	case kindCandidate:
		if env.Candidate == nil {
			return
		}
		p.mu.Lock()
		conn := p.conns[from]
		p.mu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.addICECandidate(*env.Candidate); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("peer", from).Msg("candidate rejected")
		}
	default:
		log.Debug().Str("module", "webrtc").Str("kind", env.Kind).Msg("ignoring unknown payload")
	}
}

func (p *Port) HangUp(peer string) {
	p.mu.Lock()
	conn := p.conns[peer]
	delete(p.conns, peer)
	p.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

func (p *Port) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*peerConnection)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// answer accepts an inbound offer, replacing any session already open with
// that peer. Both sides calling at once resolves in favor of the last offer.
func (p *Port) answer(peer string, offer webrtc.SessionDescription) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if old := p.conns[peer]; old != nil {
		delete(p.conns, peer)
		go old.close()
	}
	conn, err := p.register(peer)
	p.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", peer).Msg("peer connection failed")
		return
	}

	p.emit(client.MediaEvent{Kind: client.MediaIncoming, Peer: peer})

	go func() {
		answer, err := conn.applyOfferAndCreateAnswer(offer)
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", peer).Msg("answer failed")
			p.drop(peer)
			return
		}
		p.sendEnvelope(peer, envelope{Kind: kindAnswer, SDP: answer})
	}()
}

// register creates and wires a connection for peer. Caller holds p.mu.
func (p *Port) register(peer string) (*peerConnection, error) {
	conn, err := newPeerConnection(p.cfg, peer)
	if err != nil {
		return nil, err
	}
	conn.onICE = func(ci webrtc.ICECandidateInit) {
		p.sendEnvelope(peer, envelope{Kind: kindCandidate, Candidate: &ci})
	}
	conn.onTrack = func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.emit(client.MediaEvent{Kind: client.MediaStream, Peer: peer})
	}
	conn.onClosed = func() {
		p.drop(peer)
	}
	p.conns[peer] = conn
	return conn, nil
}

func (p *Port) drop(peer string) {
	p.mu.Lock()
	conn := p.conns[peer]
	delete(p.conns, peer)
	closed := p.closed
	p.mu.Unlock()
	if conn != nil {
		conn.close()
	}
	if !closed {
		p.emit(client.MediaEvent{Kind: client.MediaClosed, Peer: peer})
	}
}

func (p *Port) sendEnvelope(peer string, env envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("marshal failed")
		return
	}
	if err := p.send(peer, b); err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Str("peer", peer).Msg("signal send failed")
	}
}

func (p *Port) emit(ev client.MediaEvent) {
	select {
	case p.events <- ev:
	default:
		log.Warn().Str("module", "webrtc").Str("peer", ev.Peer).Msg("event queue full")
	}
}
