package wosync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// keyRecorder records every invalidated key.
func keyRecorder(c *QueryCache) func() []string {
	var mu sync.Mutex
	var keys []string
	c.Subscribe(QueryKey{}, func(k QueryKey) {
		mu.Lock()
		keys = append(keys, k.String())
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := append([]string(nil), keys...)
		sort.Strings(out)
		return out
	}
}

func TestReadMarker(t *testing.T) {
	t.Run("invalidates exactly three keys", func(t *testing.T) {
		backend := newFakeBackend()
		cache := NewQueryCache()
		invalidated := keyRecorder(cache)

		m := NewReadMarker(backend, cache, nil, zerolog.Nop())
		if err := m.MarkRead(context.Background(), "c7"); err != nil {
			t.Fatal(err)
		}

		want := []string{
			ConversationKey("c7").String(),
			OverviewKey().String(),
			UnifiedInboxKey().String(),
		}
		sort.Strings(want)
		if got := invalidated(); !equalStrings(got, want) {
			t.Fatalf("invalidated %v, want %v", got, want)
		}
		if !equalStrings(backend.reads, []string{"c7"}) {
			t.Fatalf("unexpected read calls %v", backend.reads)
		}
	})

	t.Run("failure notifies and invalidates nothing", func(t *testing.T) {
		backend := newFakeBackend()
		backend.readErr = errors.New("network down")
		cache := NewQueryCache()
		invalidated := keyRecorder(cache)
		notifier := &recordingNotifier{}

		m := NewReadMarker(backend, cache, notifier, zerolog.Nop())
		if err := m.MarkRead(context.Background(), "c7"); err == nil {
			t.Fatal("expected error")
		}
		if got := invalidated(); len(got) != 0 {
			t.Fatalf("expected no invalidation, got %v", got)
		}
		items := notifier.all()
		if len(items) != 1 || items[0].Title != "Could not mark conversation as read" || items[0].Description != "network down" {
			t.Fatalf("unexpected notifications %+v", items)
		}
	})
}

func TestDirectStarter(t *testing.T) {
	t.Run("bare id result", func(t *testing.T) {
		backend := newFakeBackend()
		backend.directRaw = `"conv-123"`
		cache := NewQueryCache()
		invalidated := keyRecorder(cache)

		s := NewDirectStarter(backend, cache, nil, zerolog.Nop())
		conv, err := s.Start(context.Background(), "user-b")
		if err != nil {
			t.Fatal(err)
		}
		if conv.ConversationID != "conv-123" {
			t.Fatalf("unexpected conversation %+v", conv)
		}
		if got := invalidated(); !equalStrings(got, []string{OverviewKey().String()}) {
			t.Fatalf("invalidated %v", got)
		}
	})

	t.Run("failure notifies", func(t *testing.T) {
		backend := newFakeBackend()
		backend.directErr = &APIError{Status: 400, Message: "cannot message yourself"}
		notifier := &recordingNotifier{}

		s := NewDirectStarter(backend, NewQueryCache(), notifier, zerolog.Nop())
		if _, err := s.Start(context.Background(), "user-self"); err == nil {
			t.Fatal("expected error")
		}
		items := notifier.all()
		if len(items) != 1 || items[0].Title != "Could not start conversation" || items[0].Description != "cannot message yourself" {
			t.Fatalf("unexpected notifications %+v", items)
		}
	})

	t.Run("missing user", func(t *testing.T) {
		backend := newFakeBackend()
		s := NewDirectStarter(backend, NewQueryCache(), nil, zerolog.Nop())
		if _, err := s.Start(context.Background(), ""); err == nil {
			t.Fatal("expected error")
		}
		if len(backend.directCalls) != 0 {
			t.Fatal("no call expected without a user")
		}
	})
}

func TestNormalizeDirectConversation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"bare string", `"conv-123"`, "conv-123", false},
		{"object", `{"conversation_id":"conv-123"}`, "conv-123", false},
		{"object with id", `{"id":"conv-123"}`, "conv-123", false},
		{"null", `null`, "", true},
		{"empty string", `""`, "", true},
		{"number", `42`, "", true},
		{"object without id", `{"name":"x"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeDirectConversation([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Fatalf("expected ErrMalformedResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.ConversationID != tt.want {
				t.Fatalf("got %q, want %q", got.ConversationID, tt.want)
			}
		})
	}
}
