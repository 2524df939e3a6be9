package wosync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// DirectStarter opens direct conversations.
type DirectStarter struct {
	creator  DirectConversationCreator
	cache    *QueryCache
	notifier Notifier
	log      zerolog.Logger
}

func NewDirectStarter(creator DirectConversationCreator, cache *QueryCache, notifier Notifier, log zerolog.Logger) *DirectStarter {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &DirectStarter{creator: creator, cache: cache, notifier: notifier, log: log}
}

// Start opens (or reuses) the direct conversation with otherUserID and
// invalidates the overview so the conversation shows up in it.
func (s *DirectStarter) Start(ctx context.Context, otherUserID string) (*DirectConversation, error) {
	if otherUserID == "" {
		return nil, errors.New("start conversation: other user id is required")
	}
	conv, err := s.creator.CreateDirectConversation(ctx, otherUserID)
	if err != nil {
		s.log.Err(err).Str("other_user_id", otherUserID).Msg("Failed to start conversation")
		notifyError(s.notifier, "Could not start conversation", err)
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	s.cache.Invalidate(OverviewKey())
	s.log.Debug().Str("conversation_id", conv.ConversationID).Msg("Direct conversation ready")
	return conv, nil
}
