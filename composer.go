package wosync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Composer holds the text being typed into one conversation and sends it.
//
// A successful send clears the buffer but does not touch the query cache:
// the sender sees its own message through the realtime insert event, or on
// the next refetch if the channel is down.
type Composer struct {
	writer   MessageWriter
	notifier Notifier
	log      zerolog.Logger

	mu      sync.Mutex
	text    string
	sending bool
}

type ComposerOption func(*Composer)

func WithComposerNotifier(n Notifier) ComposerOption {
	return func(c *Composer) { c.notifier = n }
}

func WithComposerLogger(log zerolog.Logger) ComposerOption {
	return func(c *Composer) { c.log = log }
}

func NewComposer(writer MessageWriter, opts ...ComposerOption) *Composer {
	c := &Composer{
		writer:   writer,
		notifier: nopNotifier{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetText replaces the buffer.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

// Text returns the buffer.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Sending reports whether a write is outstanding.
func (c *Composer) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// CanSend reports whether Send would issue a write.
func (c *Composer) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.sending && strings.TrimSpace(c.text) != ""
}

// Send writes the trimmed buffer to conversationID. It returns (nil, nil)
// without a write when the buffer is blank or no conversation is given.
// On failure the buffer is kept and the notifier is told.
func (c *Composer) Send(ctx context.Context, conversationID string) (*ConversationMessage, error) {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return nil, ErrSendInProgress
	}
	original := c.text
	body := strings.TrimSpace(original)
	if body == "" || conversationID == "" {
		c.mu.Unlock()
		return nil, nil
	}
	c.sending = true
	c.mu.Unlock()

	msg, err := c.writer.InsertMessage(ctx, conversationID, body)

	c.mu.Lock()
	c.sending = false
	if err == nil && c.text == original {
		c.text = ""
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to send message")
		notifyError(c.notifier, "Failed to send message", err)
		return nil, fmt.Errorf("send message: %w", err)
	}
	c.log.Debug().Str("conversation_id", conversationID).Str("message_id", msg.ID).Msg("Message sent")
	return msg, nil
}
