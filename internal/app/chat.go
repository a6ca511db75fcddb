package app

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/confab-app/confab/internal/core"
	"github.com/confab-app/confab/internal/domain"
	"github.com/confab-app/confab/internal/protocol"
)

var ErrChatRateLimited = errors.New("chat rate limited")

// ChatRelay fans a message out to every other active member of the sender's
// meeting. A single sequencing mutex per meeting orders accepted sends, so two
// senders sharing a meeting never interleave at different recipients. The
// sender renders its own message locally; the relay never echoes it back.
type ChatRelay struct {
	reg     *Registry
	limiter *RateLimiter

	mu  sync.Mutex
	seq map[domain.MeetingID]*sync.Mutex
}

func NewChatRelay(reg *Registry, limiter *RateLimiter) *ChatRelay {
	return &ChatRelay{
		reg:     reg,
		limiter: limiter,
		seq:     make(map[domain.MeetingID]*sync.Mutex),
	}
}

// Send validates the sender, sequences the message, and delivers it. The
// returned recipients could not drain their queue and are subject to the
// backpressure policy.
func (cr *ChatRelay) Send(id domain.MeetingID, from domain.PeerID, text string) ([]Recipient, error) {
	if cr.limiter != nil && !cr.limiter.Allow(from) {
		return nil, ErrChatRateLimited
	}

	seq := cr.sequencer(id)
	seq.Lock()
	defer seq.Unlock()

	sender, recipients, err := cr.reg.ChatRecipients(id, from)
	if err != nil {
		return nil, err
	}

	frame, err := json.Marshal(protocol.NewChatFrame(sender.User.Username, text))
	if err != nil {
		return nil, err
	}

	var dropped []Recipient
	for _, rcpt := range recipients {
		if err := rcpt.Conn.TrySend(core.Frame(frame)); err != nil {
			dropped = append(dropped, rcpt)
		}
	}
	log.Debug().Str("module", "app.chat").
		Str("meeting", string(id)).Str("from", string(from)).
		Int("sent_to", len(recipients)-len(dropped)).Int("dropped", len(dropped)).
		Msg("chat relayed")
	return dropped, nil
}

// Forget releases per-sender rate state on disconnect.
func (cr *ChatRelay) Forget(from domain.PeerID) {
	if cr.limiter != nil {
		cr.limiter.Forget(from)
	}
}

// Release drops the sequencing state of a retired meeting.
func (cr *ChatRelay) Release(id domain.MeetingID) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	delete(cr.seq, id)
}

func (cr *ChatRelay) sequencer(id domain.MeetingID) *sync.Mutex {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	m, ok := cr.seq[id]
	if !ok {
		m = &sync.Mutex{}
		cr.seq[id] = m
	}
	return m
}
