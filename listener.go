package wosync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MessagesTopic is the realtime topic of one conversation's message inserts.
func MessagesTopic(conversationID string) string {
	return "messages:" + conversationID
}

func messagesChannelConfig(conversationID string) ChannelConfig {
	return ChannelConfig{
		PostgresChanges: []PostgresChange{{
			Event:  "INSERT",
			Schema: "public",
			Table:  "messages",
			Filter: "conversation_id=eq." + conversationID,
		}},
	}
}

// ChangeListener turns message inserts of one conversation into invalidations
// of that conversation's cached detail. It never reads the event payload.
type ChangeListener struct {
	rt    ChannelSubscriber
	cache *QueryCache
	log   zerolog.Logger

	mu             sync.Mutex
	conversationID string
	sub            *Subscription
	done           chan struct{}
}

func NewChangeListener(rt ChannelSubscriber, cache *QueryCache, log zerolog.Logger) *ChangeListener {
	return &ChangeListener{rt: rt, cache: cache, log: log}
}

// Listen switches the listener to conversationID. Any previous subscription
// is closed before the new one opens. An empty id only closes.
func (l *ChangeListener) Listen(ctx context.Context, conversationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub != nil && l.conversationID == conversationID {
		return nil
	}
	l.closeLocked()
	if conversationID == "" {
		return nil
	}

	sub, err := l.rt.Subscribe(ctx, MessagesTopic(conversationID), messagesChannelConfig(conversationID))
	if err != nil {
		l.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to subscribe to message inserts")
		return err
	}

	l.conversationID = conversationID
	l.sub = sub
	l.done = make(chan struct{})
	go l.consume(sub, conversationID, l.done)
	return nil
}

func (l *ChangeListener) consume(sub *Subscription, conversationID string, done chan struct{}) {
	defer close(done)
	key := ConversationKey(conversationID)
	for ev := range sub.Events() {
		if ev.Type != EventPostgresChanges {
			continue
		}
		l.log.Debug().Str("conversation_id", conversationID).Msg("Message inserted, invalidating conversation")
		l.cache.Invalidate(key)
	}
}

// ConversationID returns the conversation currently listened to.
func (l *ChangeListener) ConversationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// Close tears down the current subscription and waits for its consumer to exit.
func (l *ChangeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *ChangeListener) closeLocked() error {
	if l.sub == nil {
		return nil
	}
	err := l.sub.Close()
	<-l.done
	l.sub = nil
	l.done = nil
	l.conversationID = ""
	return err
}
