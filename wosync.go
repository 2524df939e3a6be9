// Package wosync provides the Go SDK for the work-order portal's messaging layer.
//
// It covers the conversation overview, paginated message history, message
// sending, read-state marking and the realtime change and presence feeds of
// the hosted backend, with a process-local query cache tying them together.
//
// Example:
//
//	client := wosync.NewClient("https://project.example.co",
//		wosync.WithAPIKey("anon-key"), wosync.WithAccessToken(token))
//	cache := wosync.NewQueryCache()
//
//	overview := wosync.NewOverviewReader(client, cache)
//	convs, _ := overview.Conversations(ctx)
//
//	rt := client.Realtime(&wosync.RealtimeConfig{AutoReconnect: true})
//	_ = rt.Connect(ctx)
//	view := wosync.NewConversationView(client, rt, cache)
//	_ = view.Mount(ctx, convs[0].ID)
//	defer view.Unmount()
package wosync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 30 * time.Second

	restPrefix = "/rest/v1"
	authPrefix = "/auth/v1"
)

// ============================================================================
// Backend contracts
// ============================================================================

// OverviewSource reads the conversation overview.
type OverviewSource interface {
	ConversationsOverview(ctx context.Context) ([]ConversationSummary, error)
}

// HistorySource reads one descending page of messages older than before.
type HistorySource interface {
	ConversationMessages(ctx context.Context, conversationID string, limit int, before string) ([]ConversationMessage, error)
}

// MessageWriter inserts a new message.
type MessageWriter interface {
	InsertMessage(ctx context.Context, conversationID, body string) (*ConversationMessage, error)
}

// ReadStateWriter marks a conversation read for the current user.
type ReadStateWriter interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// DirectConversationCreator opens (or reuses) a direct conversation.
type DirectConversationCreator interface {
	CreateDirectConversation(ctx context.Context, otherUserID string) (*DirectConversation, error)
}

// IdentityResolver resolves the identity of the authenticated user.
type IdentityResolver interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// Backend is the full set of remote calls the messaging layer makes.
type Backend interface {
	OverviewSource
	HistorySource
	MessageWriter
	ReadStateWriter
	DirectConversationCreator
	IdentityResolver
}

// ============================================================================
// Client
// ============================================================================

// Client calls the hosted backend over HTTP.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
	log         zerolog.Logger
}

var _ Backend = (*Client)(nil)

type ClientOption func(*Client)

func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

func WithAccessToken(token string) ClientOption {
	return func(c *Client) { c.accessToken = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAccessToken sets or replaces the user access token.
func (c *Client) SetAccessToken(token string) {
	c.accessToken = token
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger {
	return c.log
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, header map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	switch {
	case c.accessToken != "":
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	case c.apiKey != "":
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		// Auth endpoints answer with {"msg": ...} or {"error_description": ...}.
		var alt struct {
			Msg              string `json:"msg"`
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(data, &alt)
		switch {
		case alt.Msg != "":
			apiErr.Message = alt.Msg
		case alt.ErrorDescription != "":
			apiErr.Message = alt.ErrorDescription
		case alt.Error != "":
			apiErr.Message = alt.Error
		default:
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) rpc(ctx context.Context, fn string, params interface{}) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	return c.doRequest(ctx, http.MethodPost, restPrefix+"/rpc/"+fn, params, nil)
}

// ============================================================================
// Remote procedures and table writes
// ============================================================================

// ConversationsOverview calls get_conversations_overview. A null result is an empty list.
func (c *Client) ConversationsOverview(ctx context.Context) ([]ConversationSummary, error) {
	data, err := c.rpc(ctx, "get_conversations_overview", nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]ConversationSummary](data)
	if err != nil {
		return nil, err
	}
	if *rows == nil {
		return []ConversationSummary{}, nil
	}
	return *rows, nil
}

// ConversationMessages calls get_conversation_messages and returns a page in
// descending created_at order.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string, limit int, before string) ([]ConversationMessage, error) {
	data, err := c.rpc(ctx, "get_conversation_messages", map[string]any{
		"p_conversation_id": conversationID,
		"p_limit":           limit,
		"p_before":          before,
	})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]ConversationMessage](data)
	if err != nil {
		return nil, err
	}
	if *rows == nil {
		return []ConversationMessage{}, nil
	}
	return *rows, nil
}

// InsertMessage writes a row into the messages table and returns the created record.
func (c *Client) InsertMessage(ctx context.Context, conversationID, body string) (*ConversationMessage, error) {
	data, err := c.doRequest(ctx, http.MethodPost, restPrefix+"/messages", map[string]string{
		"conversation_id": conversationID,
		"body":            body,
	}, map[string]string{"Prefer": "return=representation"})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]ConversationMessage](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 {
		return nil, fmt.Errorf("%w: insert returned no rows", ErrMalformedResponse)
	}
	return &(*rows)[0], nil
}

// MarkConversationRead calls mark_conversation_read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := c.rpc(ctx, "mark_conversation_read", map[string]string{
		"p_conversation_id": conversationID,
	})
	return err
}

// CreateDirectConversation calls create_direct_conversation and normalizes
// its bare-string or object result.
func (c *Client) CreateDirectConversation(ctx context.Context, otherUserID string) (*DirectConversation, error) {
	data, err := c.rpc(ctx, "create_direct_conversation", map[string]string{
		"p_other_user_id": otherUserID,
	})
	if err != nil {
		return nil, err
	}
	return normalizeDirectConversation(data)
}

// CurrentUserID returns the id of the user the access token belongs to.
func (c *Client) CurrentUserID(ctx context.Context) (string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, authPrefix+"/user", nil, nil)
	if err != nil {
		return "", err
	}
	user, err := decodeJSON[struct {
		ID string `json:"id"`
	}](data)
	if err != nil {
		return "", err
	}
	if user.ID == "" {
		return "", fmt.Errorf("%w: user has no id", ErrMalformedResponse)
	}
	return user.ID, nil
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeURL returns the WebSocket endpoint for the realtime service.
func (c *Client) RealtimeURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/realtime/v1/websocket"
}

// Realtime creates a realtime client bound to this backend. Call Connect to dial.
// An empty config.Token falls back to the client's access token.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.accessToken
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.apiKey
	}
	if cfg.Logger == nil {
		l := c.log
		cfg.Logger = &l
	}
	return newRealtimeClient(c.RealtimeURL(), &cfg)
}
