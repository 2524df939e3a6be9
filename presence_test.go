package wosync

import (
	"context"
	"errors"
	"testing"
)

func TestCountOthers(t *testing.T) {
	state := map[string][]PresencePayload{
		"k1": {{Identity: "self"}},
		"k2": {{Identity: "other"}},
		"k3": {{Identity: "other"}, {Identity: "third"}},
	}
	if n := countOthers(state, "self"); n != 3 {
		t.Fatalf("expected raw slot count 3, got %d", n)
	}
	if n := countOthers(nil, "self"); n != 0 {
		t.Fatalf("expected 0 for empty state, got %d", n)
	}
}

func TestPresenceTracker(t *testing.T) {
	t.Run("offline until another identity syncs", func(t *testing.T) {
		rt := newFakeSubscriber()
		p := NewPresenceTracker(rt, newFakeBackend(), WithPresenceClock(fixedClock(baseTime)))
		if err := p.Start(context.Background(), "c1"); err != nil {
			t.Fatal(err)
		}
		defer p.Stop()

		if s := p.State(); s.AnyOtherOnline() || s.Identity != "user-self" {
			t.Fatalf("unexpected initial state %+v", s)
		}
		if n := rt.link.trackCount(); n != 1 {
			t.Fatalf("expected exactly one track, got %d", n)
		}
		tracked := rt.link.tracked[0].(PresencePayload)
		if tracked.Identity != "user-self" || tracked.OnlineAt != formatCursor(baseTime) {
			t.Fatalf("unexpected tracked payload %+v", tracked)
		}
		if rt.configs[0].PresenceKey == "" {
			t.Fatal("expected a presence key")
		}

		rt.emitPresence(t, "c1", map[string][]PresencePayload{
			"a": {{Identity: "user-self"}},
		})
		rt.emitPresence(t, "c1", map[string][]PresencePayload{
			"a": {{Identity: "user-self"}},
			"b": {{Identity: "user-b"}},
		})
		waitFor(t, "other participant online", func() bool { return p.State().AnyOtherOnline() })
		if n := p.State().OthersOnline; n != 1 {
			t.Fatalf("expected 1 other, got %d", n)
		}
	})

	t.Run("duplicate foreign slots count twice", func(t *testing.T) {
		rt := newFakeSubscriber()
		p := NewPresenceTracker(rt, newFakeBackend())
		p.Start(context.Background(), "c1")
		defer p.Stop()

		rt.emitPresence(t, "c1", map[string][]PresencePayload{
			"a": {{Identity: "user-b"}},
			"b": {{Identity: "user-b"}},
		})
		waitFor(t, "two slots", func() bool { return p.State().OthersOnline == 2 })
	})

	t.Run("changes stream", func(t *testing.T) {
		rt := newFakeSubscriber()
		p := NewPresenceTracker(rt, newFakeBackend())
		p.Start(context.Background(), "c1")
		defer p.Stop()

		rt.emitPresence(t, "c1", map[string][]PresencePayload{"b": {{Identity: "user-b"}}})
		waitFor(t, "latest change", func() bool {
			select {
			case s := <-p.Changes():
				return s.OthersOnline == 1
			default:
				return false
			}
		})
	})

	t.Run("no identity means no tracking", func(t *testing.T) {
		rt := newFakeSubscriber()
		backend := newFakeBackend()
		backend.userID = ""
		p := NewPresenceTracker(rt, backend)
		if err := p.Start(context.Background(), "c1"); err != nil {
			t.Fatal(err)
		}
		if len(rt.configs) != 0 || rt.link.trackCount() != 0 {
			t.Fatal("expected no subscription without an identity")
		}
	})

	t.Run("identity error", func(t *testing.T) {
		rt := newFakeSubscriber()
		backend := newFakeBackend()
		backend.userErr = errors.New("no session")
		p := NewPresenceTracker(rt, backend)
		if err := p.Start(context.Background(), "c1"); err == nil {
			t.Fatal("expected error")
		}
		if len(rt.configs) != 0 {
			t.Fatal("expected no subscription")
		}
	})

	t.Run("empty conversation is a no-op", func(t *testing.T) {
		rt := newFakeSubscriber()
		p := NewPresenceTracker(rt, newFakeBackend())
		if err := p.Start(context.Background(), ""); err != nil {
			t.Fatal(err)
		}
		if len(rt.configs) != 0 {
			t.Fatal("expected no subscription")
		}
	})

	t.Run("switching closes the previous channel", func(t *testing.T) {
		rt := newFakeSubscriber()
		p := NewPresenceTracker(rt, newFakeBackend())
		p.Start(context.Background(), "c1")
		rt.emitPresence(t, "c1", map[string][]PresencePayload{"b": {{Identity: "user-b"}}})
		waitFor(t, "c1 presence", func() bool { return p.State().OthersOnline == 1 })

		p.Start(context.Background(), "c2")
		defer p.Stop()
		if len(rt.open(PresenceTopic("c1"))) != 0 {
			t.Fatal("c1 presence channel leaked")
		}
		if p.State().OthersOnline != 0 {
			t.Fatal("count must reset on switch")
		}
		if n := rt.link.trackCount(); n != 2 {
			t.Fatalf("expected one track per conversation, got %d", n)
		}
	})

	t.Run("track failure closes the channel", func(t *testing.T) {
		rt := newFakeSubscriber()
		rt.link.trackErr = errors.New("socket closed")
		p := NewPresenceTracker(rt, newFakeBackend())
		if err := p.Start(context.Background(), "c1"); err == nil {
			t.Fatal("expected error")
		}
		if rt.openCount() != 0 {
			t.Fatal("expected the channel to be closed")
		}
	})
}
