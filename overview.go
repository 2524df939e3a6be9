package wosync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// OverviewStaleTime is how long a fetched overview is served without a refetch.
const OverviewStaleTime = 15 * time.Second

// OverviewReader reads the current user's conversation overview through the cache.
type OverviewReader struct {
	source    OverviewSource
	cache     *QueryCache
	staleTime time.Duration
	log       zerolog.Logger
}

type OverviewOption func(*OverviewReader)

func WithOverviewStaleTime(d time.Duration) OverviewOption {
	return func(r *OverviewReader) { r.staleTime = d }
}

func WithOverviewLogger(log zerolog.Logger) OverviewOption {
	return func(r *OverviewReader) { r.log = log }
}

func NewOverviewReader(source OverviewSource, cache *QueryCache, opts ...OverviewOption) *OverviewReader {
	r := &OverviewReader{
		source:    source,
		cache:     cache,
		staleTime: OverviewStaleTime,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Conversations returns the overview, fetching when the cached snapshot is
// stale or invalidated.
func (r *OverviewReader) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := Fetch(ctx, r.cache, OverviewKey(), r.staleTime, func(ctx context.Context) ([]ConversationSummary, error) {
		rows, err := r.source.ConversationsOverview(ctx)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []ConversationSummary{}
		}
		return rows, nil
	})
	if err != nil {
		r.log.Err(err).Msg("Failed to fetch conversations overview")
		return nil, err
	}
	return rows, nil
}

// Inbox returns unread totals across all conversations. It shares the
// overview's freshness window and is invalidated with the unified-inbox key.
func (r *OverviewReader) Inbox(ctx context.Context) (*InboxSummary, error) {
	return Fetch(ctx, r.cache, UnifiedInboxKey(), r.staleTime, func(ctx context.Context) (*InboxSummary, error) {
		rows, err := r.Conversations(ctx)
		if err != nil {
			return nil, err
		}
		return summarizeInbox(rows), nil
	})
}

func summarizeInbox(rows []ConversationSummary) *InboxSummary {
	s := &InboxSummary{
		Conversations: len(rows),
		UnreadByType:  make(map[ConversationType]int),
	}
	for _, row := range rows {
		if row.UnreadCount <= 0 {
			continue
		}
		s.TotalUnread += row.UnreadCount
		s.UnreadByType[row.Type] += row.UnreadCount
	}
	return s
}
