package wosync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ViewState is the lifecycle state of a mounted conversation view.
type ViewState string

const (
	ViewIdle       ViewState = "idle"
	ViewLoading    ViewState = "loading"
	ViewReady      ViewState = "ready"
	ViewSending    ViewState = "sending"
	ViewRefreshing ViewState = "refreshing"
	ViewUnmounted  ViewState = "unmounted"
)

// ConversationView ties together everything one open conversation needs:
// its message history, the insert listener, presence, the composer and the
// read marker. Invalidations of the conversation's cache family trigger a
// history refresh. There is no error state: failures notify and return the
// view to ready.
type ConversationView struct {
	backend  Backend
	rt       ChannelSubscriber
	cache    *QueryCache
	notifier Notifier
	log      zerolog.Logger
	pageSize int
	now      func() time.Time
	observe  func(ViewState)

	listener *ChangeListener
	presence *PresenceTracker
	composer *Composer
	marker   *ReadMarker

	mu             sync.Mutex
	state          ViewState
	conversationID string
	history        *MessageHistory
	unsubscribe    func()
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

type ViewOption func(*ConversationView)

func WithViewNotifier(n Notifier) ViewOption {
	return func(v *ConversationView) { v.notifier = n }
}

func WithViewLogger(log zerolog.Logger) ViewOption {
	return func(v *ConversationView) { v.log = log }
}

func WithViewPageSize(n int) ViewOption {
	return func(v *ConversationView) { v.pageSize = n }
}

func WithViewClock(now func() time.Time) ViewOption {
	return func(v *ConversationView) { v.now = now }
}

// WithStateObserver registers fn for every state transition. fn runs on the
// goroutine making the transition.
func WithStateObserver(fn func(ViewState)) ViewOption {
	return func(v *ConversationView) { v.observe = fn }
}

func NewConversationView(backend Backend, rt ChannelSubscriber, cache *QueryCache, opts ...ViewOption) *ConversationView {
	v := &ConversationView{
		backend:  backend,
		rt:       rt,
		cache:    cache,
		notifier: nopNotifier{},
		log:      zerolog.Nop(),
		pageSize: DefaultPageSize,
		now:      time.Now,
		state:    ViewIdle,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.listener = NewChangeListener(rt, cache, v.log)
	v.presence = NewPresenceTracker(rt, backend, WithPresenceLogger(v.log), WithPresenceClock(v.now))
	v.composer = NewComposer(backend, WithComposerNotifier(v.notifier), WithComposerLogger(v.log))
	v.marker = NewReadMarker(backend, cache, v.notifier, v.log)
	return v
}

// Mount binds the view to conversationID. Mounting another conversation
// tears down the previous one's channels first. The initial history load
// error is returned, but the view still ends up ready.
func (v *ConversationView) Mount(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("mount: conversation id is required")
	}

	v.mu.Lock()
	if v.state == ViewUnmounted {
		v.mu.Unlock()
		return ErrViewUnmounted
	}
	if v.conversationID == conversationID && v.history != nil {
		v.mu.Unlock()
		return nil
	}
	v.detachLocked()

	history := NewMessageHistory(v.backend, v.cache, conversationID,
		WithPageSize(v.pageSize), WithHistoryClock(v.now), WithHistoryLogger(v.log))
	refreshCtx, cancel := context.WithCancel(context.Background())
	requests := make(chan struct{}, 1)

	v.conversationID = conversationID
	v.history = history
	v.cancel = cancel
	v.unsubscribe = v.cache.Subscribe(ConversationKey(conversationID), func(QueryKey) {
		select {
		case requests <- struct{}{}:
		default:
		}
	})
	v.wg.Add(1)
	go v.refreshLoop(refreshCtx, history, requests)
	v.mu.Unlock()

	v.transition(ViewLoading)
	log := v.log.With().Str("conversation_id", conversationID).Logger()

	loadErr := history.Load(ctx)
	if loadErr != nil {
		notifyError(v.notifier, "Failed to load messages", loadErr)
	}

	if err := v.listener.Listen(ctx, conversationID); err != nil {
		log.Warn().Err(err).Msg("Live updates unavailable")
	}
	if err := v.presence.Start(ctx, conversationID); err != nil {
		log.Warn().Err(err).Msg("Presence unavailable")
	}

	v.transitionFrom(ViewLoading, ViewReady)
	return loadErr
}

func (v *ConversationView) refreshLoop(ctx context.Context, history *MessageHistory, requests <-chan struct{}) {
	defer v.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-requests:
		}

		if ctx.Err() != nil {
			return
		}

		v.transitionWhile(ctx, ViewReady, ViewRefreshing)
		if err := history.Refresh(ctx); err != nil && ctx.Err() == nil {
			notifyError(v.notifier, "Failed to refresh messages", err)
		}
		v.transitionWhile(ctx, ViewRefreshing, ViewReady)
	}
}

// Send sends the composer's buffer to the mounted conversation.
func (v *ConversationView) Send(ctx context.Context) (*ConversationMessage, error) {
	id, err := v.mounted()
	if err != nil {
		return nil, err
	}
	if !v.composer.CanSend() {
		if v.composer.Sending() {
			return nil, ErrSendInProgress
		}
		return nil, nil
	}

	v.transitionFrom(ViewReady, ViewSending)
	defer v.transitionFrom(ViewSending, ViewReady)
	return v.composer.Send(ctx, id)
}

// MarkRead marks the mounted conversation read.
func (v *ConversationView) MarkRead(ctx context.Context) error {
	id, err := v.mounted()
	if err != nil {
		return err
	}
	return v.marker.MarkRead(ctx, id)
}

// LoadOlder fetches the next older page of the mounted conversation.
func (v *ConversationView) LoadOlder(ctx context.Context) error {
	v.mu.Lock()
	history := v.history
	state := v.state
	v.mu.Unlock()
	if state == ViewUnmounted {
		return ErrViewUnmounted
	}
	if history == nil {
		return nil
	}
	if err := history.LoadOlder(ctx); err != nil {
		notifyError(v.notifier, "Failed to load older messages", err)
		return err
	}
	return nil
}

// Composer returns the view's text buffer.
func (v *ConversationView) Composer() *Composer { return v.composer }

// Messages returns the loaded history in ascending order.
func (v *ConversationView) Messages() []ConversationMessage {
	v.mu.Lock()
	history := v.history
	v.mu.Unlock()
	if history == nil {
		return nil
	}
	return history.Messages()
}

// HasMore reports whether older messages may be loaded.
func (v *ConversationView) HasMore() bool {
	v.mu.Lock()
	history := v.history
	v.mu.Unlock()
	return history != nil && history.HasMore()
}

// Presence returns the latest presence state.
func (v *ConversationView) Presence() PresenceState { return v.presence.State() }

// PresenceChanges delivers presence updates of the mounted conversation.
func (v *ConversationView) PresenceChanges() <-chan PresenceState { return v.presence.Changes() }

// ConversationID returns the mounted conversation, "" when idle.
func (v *ConversationView) ConversationID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conversationID
}

// State returns the current state.
func (v *ConversationView) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Unmount closes the realtime and presence channels and the cache
// subscription. The view cannot be mounted again.
func (v *ConversationView) Unmount() {
	v.mu.Lock()
	if v.state == ViewUnmounted {
		v.mu.Unlock()
		return
	}
	v.state = ViewUnmounted
	v.detachLocked()
	v.mu.Unlock()

	if err := v.listener.Close(); err != nil {
		v.log.Debug().Err(err).Msg("Closing insert listener")
	}
	if err := v.presence.Stop(); err != nil {
		v.log.Debug().Err(err).Msg("Closing presence channel")
	}
	v.notify(ViewUnmounted)
}

// detachLocked drops the per-conversation cache binding and stops the
// refresh loop. Channels are switched by Listen and Start themselves.
func (v *ConversationView) detachLocked() {
	if v.unsubscribe != nil {
		v.unsubscribe()
		v.unsubscribe = nil
	}
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	if v.history != nil {
		v.history.Close()
		v.history = nil
		v.composer.SetText("")
	}
	v.conversationID = ""
}

// Wait blocks until the view's background refreshes have stopped. Only
// meaningful after Unmount.
func (v *ConversationView) Wait() { v.wg.Wait() }

func (v *ConversationView) mounted() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == ViewUnmounted {
		return "", ErrViewUnmounted
	}
	if v.conversationID == "" {
		return "", errors.New("no conversation mounted")
	}
	return v.conversationID, nil
}

func (v *ConversationView) transition(to ViewState) {
	v.mu.Lock()
	if v.state == ViewUnmounted {
		v.mu.Unlock()
		return
	}
	v.state = to
	v.mu.Unlock()
	v.notify(to)
}

// transitionFrom moves to `to` only when the view is currently in `from`.
func (v *ConversationView) transitionFrom(from, to ViewState) {
	v.mu.Lock()
	if v.state != from {
		v.mu.Unlock()
		return
	}
	v.state = to
	v.mu.Unlock()
	v.notify(to)
}

// transitionWhile is transitionFrom for a refresh loop: it does nothing once
// ctx is cancelled. Cancellation happens under v.mu, so a loop that passes the
// check still belongs to the mounted conversation.
func (v *ConversationView) transitionWhile(ctx context.Context, from, to ViewState) {
	v.mu.Lock()
	if ctx.Err() != nil || v.state != from {
		v.mu.Unlock()
		return
	}
	v.state = to
	v.mu.Unlock()
	v.notify(to)
}

func (v *ConversationView) notify(s ViewState) {
	if v.observe != nil {
		v.observe(s)
	}
}
