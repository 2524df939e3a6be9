package wosync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ReadMarker marks conversations read and keeps every unread badge in step.
type ReadMarker struct {
	writer   ReadStateWriter
	cache    *QueryCache
	notifier Notifier
	log      zerolog.Logger
}

func NewReadMarker(writer ReadStateWriter, cache *QueryCache, notifier Notifier, log zerolog.Logger) *ReadMarker {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ReadMarker{writer: writer, cache: cache, notifier: notifier, log: log}
}

// MarkRead marks conversationID read. On success the overview, the
// conversation's detail and the unified inbox are invalidated together.
func (m *ReadMarker) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	if err := m.writer.MarkConversationRead(ctx, conversationID); err != nil {
		m.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to mark conversation read")
		notifyError(m.notifier, "Could not mark conversation as read", err)
		return fmt.Errorf("mark read: %w", err)
	}
	for _, key := range readStateKeys(conversationID) {
		m.cache.Invalidate(key)
	}
	return nil
}

func readStateKeys(conversationID string) []QueryKey {
	return []QueryKey{
		OverviewKey(),
		ConversationKey(conversationID),
		UnifiedInboxKey(),
	}
}
