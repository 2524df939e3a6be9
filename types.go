package wosync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

var (
	// ErrMalformedResponse is returned when a response has a shape the SDK cannot normalize.
	ErrMalformedResponse = errors.New("wosync: malformed response")
	// ErrNotConnected is returned when a realtime command is issued without a live connection.
	ErrNotConnected = errors.New("wosync: realtime not connected")
	// ErrSubscriptionClosed is returned by operations on a closed channel subscription.
	ErrSubscriptionClosed = errors.New("wosync: subscription closed")
	// ErrSendInProgress is returned when Send is called while a previous send is outstanding.
	ErrSendInProgress = errors.New("wosync: send already in progress")
	// ErrViewUnmounted is returned by a conversation view after Unmount.
	ErrViewUnmounted = errors.New("wosync: conversation view unmounted")
)

// ============================================================================
// Conversation Types
// ============================================================================

// ConversationType is the kind of a conversation.
type ConversationType string

const (
	ConversationDirect       ConversationType = "direct"
	ConversationOrganization ConversationType = "organization"
	ConversationAnnouncement ConversationType = "announcement"
)

// ConversationSummary is one row of the conversations overview.
type ConversationSummary struct {
	ID             string           `json:"id"`
	Title          *string          `json:"title,omitempty"`
	Type           ConversationType `json:"type"`
	LastMessage    *string          `json:"last_message,omitempty"`
	LastMessageAt  *time.Time       `json:"last_message_at,omitempty"`
	UnreadCount    int              `json:"unread_count"`
	UpdatedAt      time.Time        `json:"updated_at"`
	OtherUserID    *string          `json:"other_user_id,omitempty"`
	OrganizationID *string          `json:"organization_id,omitempty"`
}

// DisplayTitle returns the title, falling back to the conversation type.
func (s ConversationSummary) DisplayTitle() string {
	if s.Title != nil && *s.Title != "" {
		return *s.Title
	}
	return string(s.Type)
}

// ConversationMessage is a single message as returned by the backend.
type ConversationMessage struct {
	ID            string    `json:"id"`
	Body          *string   `json:"body"`
	SenderID      *string   `json:"sender_id"`
	CreatedAt     time.Time `json:"created_at"`
	AttachmentIDs []string  `json:"attachment_ids,omitempty"`
}

// Text returns the message body or "" when the body is null.
func (m ConversationMessage) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// InboxSummary is the unified-inbox read model: unread counts across surfaces.
type InboxSummary struct {
	Conversations int                      `json:"conversations"`
	TotalUnread   int                      `json:"total_unread"`
	UnreadByType  map[ConversationType]int `json:"unread_by_type"`
}

// ============================================================================
// Direct Conversations
// ============================================================================

// DirectConversation is the normalized result of creating a direct conversation.
type DirectConversation struct {
	ConversationID string `json:"conversation_id"`
}

// normalizeDirectConversation accepts either a bare JSON string or an object
// carrying conversation_id (or id).
func normalizeDirectConversation(data []byte) (*DirectConversation, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("%w: empty create_direct_conversation result", ErrMalformedResponse)
	}

	var id string
	if err := json.Unmarshal([]byte(trimmed), &id); err == nil {
		if id == "" {
			return nil, fmt.Errorf("%w: empty conversation id", ErrMalformedResponse)
		}
		return &DirectConversation{ConversationID: id}, nil
	}

	var obj struct {
		ConversationID string `json:"conversation_id"`
		ID             string `json:"id"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	switch {
	case obj.ConversationID != "":
		return &DirectConversation{ConversationID: obj.ConversationID}, nil
	case obj.ID != "":
		return &DirectConversation{ConversationID: obj.ID}, nil
	}
	return nil, fmt.Errorf("%w: no conversation id in %s", ErrMalformedResponse, trimmed)
}

// ============================================================================
// Presence Types
// ============================================================================

// PresencePayload is what each client tracks on a presence channel.
type PresencePayload struct {
	Identity string `json:"identity"`
	OnlineAt string `json:"online_at"`
}

// PresenceState is the derived presence view for one conversation.
type PresenceState struct {
	Identity     string
	OthersOnline int
}

// AnyOtherOnline reports whether at least one other presence slot is tracked.
func (s PresenceState) AnyOtherOnline() bool {
	return s.OthersOnline > 0
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationLevel classifies a user-visible notification.
type NotificationLevel string

const (
	NotifyInfo  NotificationLevel = "info"
	NotifyError NotificationLevel = "error"
)

// Notification is a transient, user-visible message.
type Notification struct {
	Level       NotificationLevel
	Title       string
	Description string
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

func notifyError(n Notifier, title string, err error) {
	desc := err.Error()
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		desc = apiErr.Message
	}
	n.Notify(Notification{Level: NotifyError, Title: title, Description: desc})
}
