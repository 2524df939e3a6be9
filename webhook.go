package wosync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// ============================================================================
// Webhook Types
// ============================================================================

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds the size of an accepted webhook body.
const maxWebhookBody = 1 << 20

// ChangePayload is a database webhook delivery: one row change.
type ChangePayload struct {
	Type      string          `json:"type"` // INSERT, UPDATE or DELETE
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// ChangeHandlerFunc is called for every verified change after the built-in
// invalidation has run.
type ChangeHandlerFunc func(payload *ChangePayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature checks an HMAC-SHA256 signature of body, with or
// without the "sha256=" prefix, in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseChangePayload parses a raw webhook body.
func ParseChangePayload(body string) (*ChangePayload, error) {
	var payload ChangePayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Type == "" || payload.Table == "" {
		return nil, errors.New("missing type or table in webhook payload")
	}
	return &payload, nil
}

// conversationOf extracts conversation_id from a message row.
func conversationOf(record json.RawMessage) string {
	if len(record) == 0 {
		return ""
	}
	var row struct {
		ConversationID string `json:"conversation_id"`
	}
	if json.Unmarshal(record, &row) != nil {
		return ""
	}
	return row.ConversationID
}

// ============================================================================
// ChangeWebhook
// ============================================================================

// ChangeWebhook receives database webhooks and applies the same invalidation
// rule as the realtime listener: a message insert invalidates its
// conversation's detail family.
type ChangeWebhook struct {
	secret   string
	cache    *QueryCache
	onChange ChangeHandlerFunc
	log      zerolog.Logger
}

// NewChangeWebhook creates a webhook receiver. onChange may be nil.
func NewChangeWebhook(secret string, cache *QueryCache, onChange ChangeHandlerFunc, log zerolog.Logger) (*ChangeWebhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if cache == nil {
		return nil, errors.New("webhook cache is required")
	}
	return &ChangeWebhook{secret: secret, cache: cache, onChange: onChange, log: log}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *ChangeWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies, parses and applies a delivery. It returns the status code
// and response body for the caller to write.
func (w *ChangeWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		w.log.Warn().Msg("Webhook signature rejected")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseChangePayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	invalidated := ""
	if payload.Type == "INSERT" && payload.Table == "messages" {
		if id := conversationOf(payload.Record); id != "" {
			w.cache.Invalidate(ConversationKey(id))
			invalidated = id
		}
	}
	w.log.Debug().
		Str("type", payload.Type).
		Str("table", payload.Table).
		Str("conversation_id", invalidated).
		Msg("Webhook change received")

	if w.onChange != nil {
		if err := w.onChange(payload); err != nil {
			w.log.Err(err).Str("table", payload.Table).Msg("Webhook change handler failed")
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := wosync.NewChangeWebhook(secret, cache, nil, log)
//	http.Handle("/hooks/changes", wh.HTTPHandler())
func (w *ChangeWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
