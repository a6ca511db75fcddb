// Package client implements the participant side of the coordinator: a
// signaling session over one persistent connection and the orchestrator that
// reduces its events into media-session actions.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/confab-app/confab/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// EventKind tags one decoded signaling event.
type EventKind int

const (
	EventRoomState EventKind = iota
	EventNewUser
	EventUserLeft
	EventApprovalRequest
	EventApproved
	EventRejected
	EventHostChanged
	EventChat
	EventMediaSignal
	EventError
	EventClosed
)

// Event is one inbound signaling event, flattened for the reducer.
type Event struct {
	Kind    EventKind
	Peer    string
	Sender  string
	Message string
	Host    string
	IsHost  bool
	Pending bool
	Members []protocol.Member
	From    string
	Payload []byte
	Reason  string
}

// Signaling is what the orchestrator needs from a session. Session implements
// it; tests substitute a fake.
type Signaling interface {
	Events() <-chan Event
	SendChat(sender, text string) error
	SendDecision(peer string, approve bool) error
	SendMediaSignal(to string, payload []byte) error
	Close()
}

// Session is the client end of the persistent signaling connection.
type Session struct {
	conn     *websocket.Conn
	events   chan Event
	outgoing chan []byte
	once     sync.Once
	done     chan struct{}

	mu          sync.Mutex
	closeReason string
}

// Dial connects, announces the ephemeral peer id, and starts the pumps. The
// bearer token rides a query parameter because browsers cannot set headers on
// a WebSocket upgrade; native clients do the same for symmetry.
func Dial(serverURL, meetingID, token, peerID string) (*Session, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/meetings/" + meetingID
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &Session{
		conn:     conn,
		events:   make(chan Event, 32),
		outgoing: make(chan []byte, 32),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := s.sendJSON(protocol.NewPeerFrame(protocol.TypeNewUser, peerID)); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readPump()
	go s.writePump()
	return s, nil
}

func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) SendChat(sender, text string) error {
	return s.sendJSON(protocol.NewChatFrame(sender, text))
}

func (s *Session) SendDecision(peer string, approve bool) error {
	typ := protocol.TypeApproved
	if !approve {
		typ = protocol.TypeRejected
	}
	return s.sendJSON(protocol.NewPeerFrame(typ, peer))
}

func (s *Session) SendMediaSignal(to string, payload []byte) error {
	return s.sendJSON(protocol.MediaSignalFrame{Type: protocol.TypeMediaSignal, To: to, Payload: payload})
}

// CloseReason reports the policy reason carried by the server's close frame,
// if any. Empty until the read side has ended.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outgoing <- b:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	}
}

func (s *Session) readPump() {
	defer func() {
		s.Close()
		close(s.events)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.mu.Lock()
				s.closeReason = ce.Text
				s.mu.Unlock()
			}
			return
		}
		ev, ok := decodeEvent(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case b := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// decodeEvent maps a wire frame to an Event. Unrecognized types are skipped,
// never fatal.
func decodeEvent(data []byte) (Event, bool) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad frame")
		return Event{}, false
	}

	switch env.Type {
	case protocol.TypeRoomState:
		var f protocol.RoomStateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventRoomState, Host: f.HostPeer, IsHost: f.IsHost, Pending: f.Pending, Members: f.Members}, true
	case protocol.TypeNewUser, protocol.TypeUserLeft, protocol.TypeApprovalRequest, protocol.TypeApproved, protocol.TypeRejected, protocol.TypeHostChanged:
		var f protocol.PeerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, false
		}
		kind := map[string]EventKind{
			protocol.TypeNewUser:         EventNewUser,
			protocol.TypeUserLeft:        EventUserLeft,
			protocol.TypeApprovalRequest: EventApprovalRequest,
			protocol.TypeApproved:        EventApproved,
			protocol.TypeRejected:        EventRejected,
			protocol.TypeHostChanged:     EventHostChanged,
		}[env.Type]
		return Event{Kind: kind, Peer: f.PeerID}, true
	case protocol.TypeChatMessage:
		var f protocol.ChatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventChat, Sender: f.Sender, Message: f.Message}, true
	case protocol.TypeMediaSignal:
		var f protocol.MediaSignalFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventMediaSignal, From: f.From, Payload: f.Payload}, true
	case protocol.TypeError:
		var f protocol.ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventError, Reason: f.Error}, true
	case protocol.TypePong:
		return Event{}, false
	default:
		log.Debug().Str("module", "client").Str("type", env.Type).Msg("ignoring unknown frame")
		return Event{}, false
	}
}
