package wosync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 50

// MessageHistory is a backward-paginated view of one conversation's messages.
// Pages arrive newest first and in descending time order; Messages flattens
// them into one ascending sequence. A history bound to an empty conversation
// id is inert.
type MessageHistory struct {
	source         HistorySource
	cache          *QueryCache
	conversationID string
	pageSize       int
	now            func() time.Time
	log            zerolog.Logger

	// fetchMu serializes page requests: each page depends on the previous cursor.
	fetchMu sync.Mutex

	mu      sync.RWMutex
	pages   [][]ConversationMessage
	cursor  string
	hasMore bool
	loaded  bool
	closed  bool
}

type HistoryOption func(*MessageHistory)

func WithPageSize(n int) HistoryOption {
	return func(h *MessageHistory) {
		if n > 0 {
			h.pageSize = n
		}
	}
}

func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(h *MessageHistory) { h.now = now }
}

func WithHistoryLogger(log zerolog.Logger) HistoryOption {
	return func(h *MessageHistory) { h.log = log }
}

func NewMessageHistory(source HistorySource, cache *QueryCache, conversationID string, opts ...HistoryOption) *MessageHistory {
	h := &MessageHistory{
		source:         source,
		cache:          cache,
		conversationID: conversationID,
		pageSize:       DefaultPageSize,
		now:            time.Now,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("conversation_id", conversationID).Logger()
	return h
}

// ConversationID returns the bound conversation, "" when inert.
func (h *MessageHistory) ConversationID() string { return h.conversationID }

// PageSize returns the configured page size.
func (h *MessageHistory) PageSize() int { return h.pageSize }

// Load fetches the newest page, discarding anything loaded before.
func (h *MessageHistory) Load(ctx context.Context) error {
	h.fetchMu.Lock()
	defer h.fetchMu.Unlock()
	return h.loadLocked(ctx)
}

func (h *MessageHistory) loadLocked(ctx context.Context) error {
	if h.conversationID == "" {
		return nil
	}
	page, err := h.fetchPage(ctx, 0, h.nowCursor())
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.pages = [][]ConversationMessage{page}
	h.cursor, h.hasMore = pageCursor(page, h.pageSize)
	h.loaded = true
	return nil
}

// LoadOlder fetches the next page strictly older than the oldest loaded
// message. It loads the first page if nothing is loaded yet and is a no-op
// once the last page has been reached.
func (h *MessageHistory) LoadOlder(ctx context.Context) error {
	h.fetchMu.Lock()
	defer h.fetchMu.Unlock()

	if h.conversationID == "" {
		return nil
	}

	h.mu.RLock()
	loaded, hasMore, cursor, index := h.loaded, h.hasMore, h.cursor, len(h.pages)
	h.mu.RUnlock()

	if !loaded {
		return h.loadLocked(ctx)
	}
	if !hasMore {
		return nil
	}

	page, err := h.fetchPage(ctx, index, cursor)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.pages = append(h.pages, page)
	h.cursor, h.hasMore = pageCursor(page, h.pageSize)
	return nil
}

// Refresh re-fetches as many pages as are currently loaded, starting again
// from now, and replaces the snapshot.
func (h *MessageHistory) Refresh(ctx context.Context) error {
	h.fetchMu.Lock()
	defer h.fetchMu.Unlock()

	if h.conversationID == "" {
		return nil
	}

	h.mu.RLock()
	want := len(h.pages)
	h.mu.RUnlock()
	if want == 0 {
		return h.loadLocked(ctx)
	}

	var (
		pages   [][]ConversationMessage
		cursor  = h.nowCursor()
		hasMore = true
	)
	for i := 0; i < want && hasMore; i++ {
		page, err := h.fetchPage(ctx, i, cursor)
		if err != nil {
			return err
		}
		pages = append(pages, page)
		cursor, hasMore = pageCursor(page, h.pageSize)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.pages = pages
	h.cursor, h.hasMore = cursor, hasMore
	h.loaded = true
	return nil
}

// Close detaches the history; in-flight results are discarded and the
// conversation's cached pages dropped.
func (h *MessageHistory) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	if h.conversationID != "" {
		h.cache.Remove(append(ConversationKey(h.conversationID), keyMessages))
	}
}

// Messages returns every loaded message in ascending creation order.
func (h *MessageHistory) Messages() []ConversationMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return flattenPages(h.pages)
}

// HasMore reports whether an older page may exist.
func (h *MessageHistory) HasMore() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasMore
}

// Loaded reports whether the first page has been fetched.
func (h *MessageHistory) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loaded
}

// PageCount returns the number of loaded pages.
func (h *MessageHistory) PageCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pages)
}

func (h *MessageHistory) fetchPage(ctx context.Context, index int, before string) ([]ConversationMessage, error) {
	page, err := Fetch(ctx, h.cache, MessagesPageKey(h.conversationID, index), 0, func(ctx context.Context) ([]ConversationMessage, error) {
		return h.source.ConversationMessages(ctx, h.conversationID, h.pageSize, before)
	})
	if err != nil {
		h.log.Err(err).Int("page", index).Str("before", before).Msg("Failed to fetch message page")
		return nil, err
	}
	h.log.Debug().Int("page", index).Int("count", len(page)).Msg("Fetched message page")
	return page, nil
}

func (h *MessageHistory) nowCursor() string {
	return formatCursor(h.now())
}

// ============================================================================
// Pagination math
// ============================================================================

func formatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// pageCursor returns the cursor for the page after page. A page shorter than
// pageSize is the last one.
func pageCursor(page []ConversationMessage, pageSize int) (string, bool) {
	if len(page) == 0 || len(page) < pageSize {
		return "", false
	}
	oldest := page[0].CreatedAt
	for _, m := range page[1:] {
		if m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	return formatCursor(oldest), true
}

// flattenPages turns newest-first pages of descending messages into a single
// ascending sequence. A message repeated across a page boundary is kept once.
func flattenPages(pages [][]ConversationMessage) []ConversationMessage {
	total := 0
	for _, p := range pages {
		total += len(p)
	}
	out := make([]ConversationMessage, 0, total)
	seen := make(map[string]struct{}, total)
	for i := len(pages) - 1; i >= 0; i-- {
		page := pages[i]
		for j := len(page) - 1; j >= 0; j-- {
			m := page[j]
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
