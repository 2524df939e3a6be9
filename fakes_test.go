package wosync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func msgAt(id string, minute int) ConversationMessage {
	return ConversationMessage{
		ID:        id,
		Body:      strPtr("body " + id),
		SenderID:  strPtr("user-a"),
		CreatedAt: baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func messageIDs(msgs []ConversationMessage) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// seedCache stores a value under key so invalidation has something to mark.
func seedCache(t *testing.T, c *QueryCache, key QueryKey) {
	t.Helper()
	_, err := Fetch(context.Background(), c, key, 0, func(context.Context) (int, error) { return 1, nil })
	if err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []Notification
}

func (n *recordingNotifier) Notify(item Notification) {
	n.mu.Lock()
	n.items = append(n.items, item)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.items...)
}

// ============================================================================
// Fake backend
// ============================================================================

type historyCall struct {
	ConversationID string
	Limit          int
	Before         string
}

type insertCall struct {
	ConversationID string
	Body           string
}

// fakeBackend serves a fixed message set per conversation the way the
// backend does: strictly older than the cursor, newest first, limited.
type fakeBackend struct {
	mu sync.Mutex

	overview      []ConversationSummary
	overviewErr   error
	overviewCalls int

	messages     map[string][]ConversationMessage
	historyErr   error
	historyCalls []historyCall

	inserts     []insertCall
	insertErr   error
	insertGate  chan struct{}
	insertStart chan struct{}

	reads   []string
	readErr error

	directRaw   string
	directErr   error
	directCalls []string

	userID  string
	userErr error
}

var _ Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: make(map[string][]ConversationMessage), userID: "user-self"}
}

func (f *fakeBackend) ConversationsOverview(ctx context.Context) ([]ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overviewCalls++
	if f.overviewErr != nil {
		return nil, f.overviewErr
	}
	return append([]ConversationSummary(nil), f.overview...), nil
}

func (f *fakeBackend) ConversationMessages(ctx context.Context, conversationID string, limit int, before string) ([]ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls = append(f.historyCalls, historyCall{conversationID, limit, before})
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	cutoff, err := time.Parse(time.RFC3339Nano, before)
	if err != nil {
		return nil, err
	}
	var older []ConversationMessage
	for _, m := range f.messages[conversationID] {
		if m.CreatedAt.Before(cutoff) {
			older = append(older, m)
		}
	}
	sort.Slice(older, func(i, j int) bool { return older[i].CreatedAt.After(older[j].CreatedAt) })
	if len(older) > limit {
		older = older[:limit]
	}
	return older, nil
}

func (f *fakeBackend) InsertMessage(ctx context.Context, conversationID, body string) (*ConversationMessage, error) {
	f.mu.Lock()
	gate, start := f.insertGate, f.insertStart
	f.mu.Unlock()
	if start != nil {
		start <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, insertCall{conversationID, body})
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	m := ConversationMessage{
		ID:        "new-" + body,
		Body:      strPtr(body),
		SenderID:  strPtr(f.userID),
		CreatedAt: baseTime.Add(time.Hour),
	}
	return &m, nil
}

func (f *fakeBackend) MarkConversationRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, conversationID)
	return f.readErr
}

func (f *fakeBackend) CreateDirectConversation(ctx context.Context, otherUserID string) (*DirectConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directCalls = append(f.directCalls, otherUserID)
	if f.directErr != nil {
		return nil, f.directErr
	}
	return normalizeDirectConversation([]byte(f.directRaw))
}

func (f *fakeBackend) CurrentUserID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID, f.userErr
}

func (f *fakeBackend) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func (f *fakeBackend) historyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.historyCalls)
}

// ============================================================================
// Fake channel subscriber
// ============================================================================

type fakeLink struct {
	mu       sync.Mutex
	tracked  []any
	trackErr error
	left     []string
}

func (l *fakeLink) track(ctx context.Context, topic string, payload interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trackErr != nil {
		return l.trackErr
	}
	l.tracked = append(l.tracked, payload)
	return nil
}

func (l *fakeLink) leave(sub *Subscription) {
	l.mu.Lock()
	l.left = append(l.left, sub.Topic())
	l.mu.Unlock()
}

func (l *fakeLink) trackCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tracked)
}

func (l *fakeLink) leftTopics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.left...)
}

// fakeSubscriber hands out in-memory subscriptions and lets tests push
// server events into them.
type fakeSubscriber struct {
	link *fakeLink

	mu      sync.Mutex
	subs    []*Subscription
	configs []ChannelConfig
	err     error
}

var _ ChannelSubscriber = (*fakeSubscriber)(nil)

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{link: &fakeLink{}}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, topic string, cfg ChannelConfig) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := newSubscription(topic, cfg, 16, f.link)
	f.subs = append(f.subs, sub)
	f.configs = append(f.configs, cfg)
	return sub, nil
}

// open returns the subscriptions on topic that are not closed.
func (f *fakeSubscriber) open(topic string) []*Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Subscription
	for _, s := range f.subs {
		if s.Topic() != topic {
			continue
		}
		select {
		case <-s.Done():
		default:
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSubscriber) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		select {
		case <-s.Done():
		default:
			n++
		}
	}
	return n
}

func (f *fakeSubscriber) emit(t *testing.T, topic, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	for _, s := range f.open(topic) {
		s.deliver(ChannelEvent{Type: eventType, Topic: topic, Payload: raw})
	}
}

func (f *fakeSubscriber) emitInsert(t *testing.T, conversationID string) {
	t.Helper()
	f.emit(t, MessagesTopic(conversationID), EventPostgresChanges, PostgresChangePayload{
		Type:   "INSERT",
		Schema: "public",
		Table:  "messages",
	})
}

func (f *fakeSubscriber) emitPresence(t *testing.T, conversationID string, state map[string][]PresencePayload) {
	t.Helper()
	f.emit(t, PresenceTopic(conversationID), EventPresenceSync, PresenceSyncPayload{State: state})
}
