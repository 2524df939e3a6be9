package wosync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Realtime event and command types.
const (
	EventAuthenticated   = "authenticated"
	EventChannelJoined   = "channel.joined"
	EventPostgresChanges = "postgres_changes"
	EventPresenceSync    = "presence.sync"
	EventPong            = "pong"
	EventError           = "error"

	CommandJoin          = "channel.join"
	CommandLeave         = "channel.leave"
	CommandPresenceTrack = "presence.track"
	CommandPing          = "ping"
)

// RealtimeEnvelope is the wire format for all server-to-client frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Ref     string      `json:"ref,omitempty"`
}

// AuthenticatedPayload is sent once the socket's token has been accepted.
type AuthenticatedPayload struct {
	UserID string `json:"user_id"`
}

// PostgresChangePayload carries one row change from the change feed.
type PostgresChangePayload struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// PresenceSyncPayload is the full presence state of a channel, keyed by presence key.
type PresenceSyncPayload struct {
	State map[string][]PresencePayload `json:"state"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// PostgresChange scopes a channel to row changes of one table.
type PostgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ChannelConfig is sent with channel.join.
type ChannelConfig struct {
	PostgresChanges []PostgresChange `json:"postgres_changes,omitempty"`
	PresenceKey     string           `json:"presence_key,omitempty"`
}

// ChannelEvent is one event delivered to a subscription.
type ChannelEvent struct {
	Type    string
	Topic   string
	Payload json.RawMessage
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	APIKey               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	JoinTimeout          time.Duration
	EventBuffer          int
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Meta-event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onError        []func(RealtimeErrorPayload)
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func (d *eventDispatcher) emitError(p RealtimeErrorPayload) {
	d.mu.RLock()
	handlers := append([]func(RealtimeErrorPayload){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(p)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that survived a minute earns a fresh backoff budget.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Channel subscriptions
// ============================================================================

// ChannelSubscriber opens realtime channel subscriptions.
type ChannelSubscriber interface {
	Subscribe(ctx context.Context, topic string, cfg ChannelConfig) (*Subscription, error)
}

// channelLink is the transport side a Subscription talks back to.
type channelLink interface {
	track(ctx context.Context, topic string, payload interface{}) error
	leave(sub *Subscription)
}

// Subscription is one joined channel. Events are delivered in arrival order
// on Events, which is closed by Close. Consumers must drain Events until it
// is closed; delivery blocks the connection's read loop.
type Subscription struct {
	id     uint64
	topic  string
	config ChannelConfig
	link   channelLink

	events    chan ChannelEvent
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	closed  bool
	tracked interface{}
}

var subscriptionIDs atomic.Uint64

func newSubscription(topic string, cfg ChannelConfig, buffer int, link channelLink) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscription{
		id:     subscriptionIDs.Add(1),
		topic:  topic,
		config: cfg,
		link:   link,
		events: make(chan ChannelEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Topic returns the channel topic.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the ordered event stream of the channel.
func (s *Subscription) Events() <-chan ChannelEvent { return s.events }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Track announces a presence payload on the channel. The last accepted
// payload is announced again whenever the channel is re-joined.
func (s *Subscription) Track(ctx context.Context, payload interface{}) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSubscriptionClosed
	}
	if err := s.link.track(ctx, s.topic, payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.tracked = payload
	s.mu.Unlock()
	return nil
}

func (s *Subscription) trackedPayload() interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return s.tracked
}

// Close leaves the channel and closes Events. It is safe to call more than once.
func (s *Subscription) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		return nil
	}

	s.mu.Lock()
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.link.leave(s)
	return nil
}

func (s *Subscription) deliver(ev ChannelEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket client for the change feed and presence
// service, with auto-reconnect, heartbeat and channel re-join.
type RealtimeClient struct {
	url        string
	config     *RealtimeConfig
	log        zerolog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	userID           string

	refCounter atomic.Uint64
	pendingMu  sync.Mutex
	pending    map[string]chan RealtimeEnvelope

	subsMu sync.Mutex
	subs   map[string][]*Subscription
}

var _ ChannelSubscriber = (*RealtimeClient)(nil)

func newRealtimeClient(wsURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		url:        wsURL,
		config:     &cfg,
		log:        cfg.Logger.With().Str("component", "realtime").Logger(),
		dispatcher: &eventDispatcher{},
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
		pending:    make(map[string]chan RealtimeEnvelope),
		subs:       make(map[string][]*Subscription),
	}
}

// OnError registers a handler for server errors.
func (rt *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onError = append(rt.dispatcher.onError, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// UserID returns the identity the server authenticated the socket as.
func (rt *RealtimeClient) UserID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.userID
}

func (rt *RealtimeClient) dialURL() string {
	q := url.Values{}
	if rt.config.APIKey != "" {
		q.Set("apikey", rt.config.APIKey)
	}
	if rt.config.Token != "" {
		q.Set("token", rt.config.Token)
	}
	if len(q) == 0 {
		return rt.url
	}
	return rt.url + "?" + q.Encode()
}

// Connect dials the realtime service and waits for the authenticated frame.
// ctx bounds the handshake only; the connection lives until Disconnect.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	conn, err := rt.handshake(ctx)
	if err != nil {
		rt.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.log.Info().Str("user_id", rt.UserID()).Msg("Realtime connected")
	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)

	rt.rejoin(connCtx)
	return nil
}

func (rt *RealtimeClient) handshake(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, rt.dialURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		if env.Type == EventError {
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return nil, fmt.Errorf("realtime auth rejected: %s", p.Message)
		}
		return nil, fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
	}

	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)
	rt.mu.Lock()
	rt.userID = auth.UserID
	rt.mu.Unlock()
	return conn, nil
}

// Disconnect closes the connection and every open subscription.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPending()

	rt.subsMu.Lock()
	var open []*Subscription
	for _, subs := range rt.subs {
		open = append(open, subs...)
	}
	rt.subsMu.Unlock()
	for _, sub := range open {
		sub.Close()
	}

	rt.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe joins topic and waits for the server's acknowledgement.
func (rt *RealtimeClient) Subscribe(ctx context.Context, topic string, cfg ChannelConfig) (*Subscription, error) {
	sub := newSubscription(topic, cfg, rt.config.EventBuffer, rt)
	rt.addSub(sub)

	if err := rt.join(ctx, topic, cfg); err != nil {
		rt.removeSub(sub)
		return nil, err
	}
	rt.log.Debug().Str("topic", topic).Msg("Channel joined")
	return sub, nil
}

func (rt *RealtimeClient) join(ctx context.Context, topic string, cfg ChannelConfig) error {
	ref := rt.nextRef()
	reply := rt.expect(ref)
	defer rt.forget(ref)

	if err := rt.Send(ctx, &RealtimeCommand{Type: CommandJoin, Topic: topic, Payload: cfg, Ref: ref}); err != nil {
		return err
	}

	timer := time.NewTimer(rt.config.JoinTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-reply:
		if !ok {
			return ErrNotConnected
		}
		if env.Type == EventError {
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("join %s: %s", topic, p.Message)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("join %s: timeout", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rejoin joins every open topic on a fresh connection and, once the join is
// acknowledged, re-announces the presence each subscription had tracked.
func (rt *RealtimeClient) rejoin(ctx context.Context) {
	rt.subsMu.Lock()
	open := make(map[string][]*Subscription, len(rt.subs))
	for topic, subs := range rt.subs {
		if len(subs) == 0 {
			continue
		}
		open[topic] = append([]*Subscription(nil), subs...)
	}
	rt.subsMu.Unlock()

	for topic, subs := range open {
		if err := rt.join(ctx, topic, subs[0].config); err != nil {
			rt.log.Warn().Err(err).Str("topic", topic).Msg("Failed to re-join channel")
			continue
		}
		for _, sub := range subs {
			payload := sub.trackedPayload()
			if payload == nil {
				continue
			}
			if err := rt.track(ctx, topic, payload); err != nil {
				rt.log.Warn().Err(err).Str("topic", topic).Msg("Failed to re-announce presence")
			}
		}
		rt.log.Debug().Str("topic", topic).Msg("Channel re-joined")
	}
}

func (rt *RealtimeClient) track(ctx context.Context, topic string, payload interface{}) error {
	return rt.Send(ctx, &RealtimeCommand{Type: CommandPresenceTrack, Topic: topic, Payload: payload})
}

func (rt *RealtimeClient) leave(sub *Subscription) {
	if rt.removeSub(sub) > 0 {
		return
	}
	if rt.State() != StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Send(ctx, &RealtimeCommand{Type: CommandLeave, Topic: sub.topic}); err != nil {
		rt.log.Debug().Err(err).Str("topic", sub.topic).Msg("Channel leave not sent")
	}
}

func (rt *RealtimeClient) addSub(sub *Subscription) {
	rt.subsMu.Lock()
	rt.subs[sub.topic] = append(rt.subs[sub.topic], sub)
	rt.subsMu.Unlock()
}

// removeSub drops sub and returns how many subscriptions remain on its topic.
func (rt *RealtimeClient) removeSub(sub *Subscription) int {
	rt.subsMu.Lock()
	defer rt.subsMu.Unlock()
	subs := rt.subs[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(rt.subs, sub.topic)
		return 0
	}
	rt.subs[sub.topic] = subs
	return len(subs)
}

// Send writes a raw command over the WebSocket.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) error {
	ref := rt.nextRef()
	reply := rt.expect(ref)
	defer rt.forget(ref)

	if err := rt.Send(ctx, &RealtimeCommand{Type: CommandPing, Ref: ref}); err != nil {
		return err
	}

	select {
	case _, ok := <-reply:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *RealtimeClient) nextRef() string {
	return strconv.FormatUint(rt.refCounter.Add(1), 10)
}

func (rt *RealtimeClient) expect(ref string) chan RealtimeEnvelope {
	ch := make(chan RealtimeEnvelope, 1)
	rt.pendingMu.Lock()
	rt.pending[ref] = ch
	rt.pendingMu.Unlock()
	return ch
}

func (rt *RealtimeClient) forget(ref string) {
	rt.pendingMu.Lock()
	delete(rt.pending, ref)
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) resolve(env RealtimeEnvelope) bool {
	if env.Ref == "" {
		return false
	}
	rt.pendingMu.Lock()
	ch, ok := rt.pending[env.Ref]
	if ok {
		delete(rt.pending, env.Ref)
	}
	rt.pendingMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (rt *RealtimeClient) clearPending() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pending {
		close(ch)
		delete(rt.pending, k)
	}
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) route(env RealtimeEnvelope) {
	rt.subsMu.Lock()
	subs := append([]*Subscription(nil), rt.subs[env.Topic]...)
	rt.subsMu.Unlock()

	ev := ChannelEvent{Type: env.Type, Topic: env.Topic, Payload: env.Payload}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			current := rt.conn == conn
			var cancel context.CancelFunc
			if current {
				rt.conn = nil
				rt.state = StateDisconnected
				cancel = rt.cancelFn
				rt.cancelFn = nil
			}
			rt.mu.Unlock()
			if intentional || !current {
				return
			}
			if cancel != nil {
				cancel()
			}

			rt.clearPending()
			rt.log.Warn().Err(err).Msg("Realtime connection lost")
			rt.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if rt.config.AutoReconnect {
				rt.reconnectLoop()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if rt.resolve(env) {
			continue
		}

		switch env.Type {
		case EventPostgresChanges, EventPresenceSync:
			rt.route(env)
		case EventError:
			var p RealtimeErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				rt.log.Warn().Str("topic", env.Topic).Str("error", p.Message).Msg("Realtime server error")
				rt.dispatcher.emitError(p)
			}
		}
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if err := rt.Ping(ctx); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) reconnectLoop() {
	for rt.recon.shouldReconnect() {
		delay := rt.recon.nextDelay()
		rt.setState(StateReconnecting)
		rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)
		rt.log.Info().Int("attempt", rt.recon.attempt).Dur("delay", delay).Msg("Realtime reconnecting")

		time.Sleep(delay)

		rt.mu.Lock()
		intentional := rt.intentionalClose
		if !intentional {
			rt.state = StateDisconnected
		}
		rt.mu.Unlock()
		if intentional {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), rt.config.JoinTimeout)
		err := rt.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		rt.log.Warn().Err(err).Msg("Realtime reconnect failed")
	}
	rt.setState(StateDisconnected)
	rt.recon.reset()
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}
