package wosync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PresenceTopic is the presence channel of one conversation.
func PresenceTopic(conversationID string) string {
	return "presence:" + conversationID
}

// PresenceTracker advertises the current user on a conversation's presence
// channel and counts the other tracked slots. The same user open in two
// places counts twice: OthersOnline is a raw slot count.
type PresenceTracker struct {
	rt       ChannelSubscriber
	identity IdentityResolver
	log      zerolog.Logger
	now      func() time.Time

	idMu sync.Mutex
	self string

	mu             sync.Mutex
	conversationID string
	sub            *Subscription
	done           chan struct{}

	stateMu sync.Mutex
	state   PresenceState
	changes chan PresenceState
}

type PresenceOption func(*PresenceTracker)

func WithPresenceLogger(log zerolog.Logger) PresenceOption {
	return func(p *PresenceTracker) { p.log = log }
}

func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(p *PresenceTracker) { p.now = now }
}

func NewPresenceTracker(rt ChannelSubscriber, identity IdentityResolver, opts ...PresenceOption) *PresenceTracker {
	p := &PresenceTracker{
		rt:       rt,
		identity: identity,
		log:      zerolog.Nop(),
		now:      time.Now,
		changes:  make(chan PresenceState, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Identity resolves the current user once and caches it.
func (p *PresenceTracker) Identity(ctx context.Context) (string, error) {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	if p.self != "" {
		return p.self, nil
	}
	id, err := p.identity.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	p.self = id
	return id, nil
}

// Start begins tracking presence on conversationID, stopping any previous
// conversation first. It is a no-op when the conversation id or the current
// identity is empty.
func (p *PresenceTracker) Start(ctx context.Context, conversationID string) error {
	var self string
	if conversationID != "" {
		var err error
		self, err = p.Identity(ctx)
		if err != nil {
			p.log.Err(err).Msg("Failed to resolve current user for presence")
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub != nil && p.conversationID == conversationID {
		return nil
	}
	p.stopLocked()
	if conversationID == "" || self == "" {
		return nil
	}

	sub, err := p.rt.Subscribe(ctx, PresenceTopic(conversationID), ChannelConfig{PresenceKey: uuid.NewString()})
	if err != nil {
		p.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to join presence channel")
		return err
	}

	p.publish(PresenceState{Identity: self})
	done := make(chan struct{})
	go p.consume(sub, self, done)

	if err := sub.Track(ctx, PresencePayload{Identity: self, OnlineAt: formatCursor(p.now())}); err != nil {
		p.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to announce presence")
		sub.Close()
		<-done
		return err
	}

	p.conversationID = conversationID
	p.sub = sub
	p.done = done
	return nil
}

func (p *PresenceTracker) consume(sub *Subscription, self string, done chan struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		if ev.Type != EventPresenceSync {
			continue
		}
		var payload PresenceSyncPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			p.log.Warn().Err(err).Str("topic", ev.Topic).Msg("Malformed presence sync")
			continue
		}
		p.publish(PresenceState{Identity: self, OthersOnline: countOthers(payload.State, self)})
	}
}

// countOthers counts every tracked entry whose identity is not self.
func countOthers(state map[string][]PresencePayload, self string) int {
	n := 0
	for _, entries := range state {
		for _, e := range entries {
			if e.Identity != self {
				n++
			}
		}
	}
	return n
}

func (p *PresenceTracker) publish(s PresenceState) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = s
	select {
	case <-p.changes:
	default:
	}
	p.changes <- s
}

// State returns the latest presence state.
func (p *PresenceTracker) State() PresenceState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// Changes delivers the latest state after each change. Intermediate states
// may be skipped when the reader is slow.
func (p *PresenceTracker) Changes() <-chan PresenceState {
	return p.changes
}

// Stop leaves the presence channel.
func (p *PresenceTracker) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *PresenceTracker) stopLocked() error {
	if p.sub == nil {
		return nil
	}
	err := p.sub.Close()
	<-p.done
	p.sub = nil
	p.done = nil
	p.conversationID = ""

	p.stateMu.Lock()
	p.state.OthersOnline = 0
	p.stateMu.Unlock()
	return err
}
