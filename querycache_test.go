package wosync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestQueryKey(t *testing.T) {
	t.Run("prefix", func(t *testing.T) {
		page := MessagesPageKey("c1", 2)
		if !page.HasPrefix(ConversationKey("c1")) {
			t.Fatal("page key should sit under its conversation")
		}
		if page.HasPrefix(ConversationKey("c2")) {
			t.Fatal("page key must not sit under another conversation")
		}
		if ConversationKey("c1").HasPrefix(page) {
			t.Fatal("shorter key cannot have a longer prefix")
		}
	})

	t.Run("equal and string", func(t *testing.T) {
		if !OverviewKey().Equal(QueryKey{"conversations-overview"}) {
			t.Fatal("expected equal keys")
		}
		if OverviewKey().Equal(UnifiedInboxKey()) {
			t.Fatal("overview and inbox keys must differ")
		}
		if got := MessagesPageKey("c1", 0).String(); got != "[conversation, c1, messages, 0]" {
			t.Fatalf("unexpected string %q", got)
		}
	})
}

func TestFetch(t *testing.T) {
	t.Run("serves fresh value", func(t *testing.T) {
		clock := &fakeClock{now: baseTime}
		c := NewQueryCache(WithCacheClock(clock.Now))
		calls := 0
		fetch := func(context.Context) (string, error) {
			calls++
			return "v", nil
		}

		for i := 0; i < 3; i++ {
			v, err := Fetch(context.Background(), c, OverviewKey(), 15*time.Second, fetch)
			if err != nil || v != "v" {
				t.Fatalf("Fetch = %q, %v", v, err)
			}
		}
		if calls != 1 {
			t.Fatalf("expected 1 call inside the fresh window, got %d", calls)
		}

		clock.Advance(15 * time.Second)
		if _, err := Fetch(context.Background(), c, OverviewKey(), 15*time.Second, fetch); err != nil {
			t.Fatal(err)
		}
		if calls != 2 {
			t.Fatalf("expected refetch after the window, got %d calls", calls)
		}
	})

	t.Run("invalidation forces refetch", func(t *testing.T) {
		c := NewQueryCache()
		calls := 0
		fetch := func(context.Context) (int, error) {
			calls++
			return calls, nil
		}
		Fetch(context.Background(), c, OverviewKey(), time.Hour, fetch)
		c.Invalidate(OverviewKey())
		v, _ := Fetch(context.Background(), c, OverviewKey(), time.Hour, fetch)
		if v != 2 {
			t.Fatalf("expected refetched value 2, got %d", v)
		}
	})

	t.Run("errors are not cached", func(t *testing.T) {
		c := NewQueryCache()
		boom := errors.New("boom")
		if _, err := Fetch(context.Background(), c, OverviewKey(), time.Hour, func(context.Context) (int, error) {
			return 0, boom
		}); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, ok := Peek[int](c, OverviewKey()); ok {
			t.Fatal("error result must not be stored")
		}
		v, err := Fetch(context.Background(), c, OverviewKey(), time.Hour, func(context.Context) (int, error) {
			return 7, nil
		})
		if err != nil || v != 7 {
			t.Fatalf("Fetch = %d, %v", v, err)
		}
	})

	t.Run("concurrent fetches share one call", func(t *testing.T) {
		c := NewQueryCache()
		var calls atomic.Int32
		release := make(chan struct{})
		fetch := func(context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 1, nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				Fetch(context.Background(), c, OverviewKey(), time.Hour, fetch)
			}()
		}
		waitFor(t, "first fetch", func() bool { return calls.Load() == 1 })
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()
		if n := calls.Load(); n != 1 {
			t.Fatalf("expected 1 call, got %d", n)
		}
	})

	t.Run("cancelled caller does not fail the shared fetch", func(t *testing.T) {
		c := NewQueryCache()
		started := make(chan struct{})
		release := make(chan struct{})
		fetch := func(ctx context.Context) (int, error) {
			select {
			case <-started:
			default:
				close(started)
			}
			<-release
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return 42, nil
		}

		ctxA, cancelA := context.WithCancel(context.Background())
		errA := make(chan error, 1)
		go func() {
			_, err := Fetch(ctxA, c, OverviewKey(), time.Hour, fetch)
			errA <- err
		}()
		<-started

		type result struct {
			v   int
			err error
		}
		resB := make(chan result, 1)
		go func() {
			v, err := Fetch(context.Background(), c, OverviewKey(), time.Hour, fetch)
			resB <- result{v, err}
		}()
		time.Sleep(20 * time.Millisecond)

		cancelA()
		if err := <-errA; !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the cancelled caller to see context.Canceled, got %v", err)
		}
		close(release)

		select {
		case r := <-resB:
			if r.err != nil || r.v != 42 {
				t.Fatalf("second caller got %d, %v", r.v, r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("second caller never returned")
		}
		if v, ok := Peek[int](c, OverviewKey()); !ok || v != 42 {
			t.Fatalf("expected stored value 42, got %d %v", v, ok)
		}
	})

	t.Run("invalidated while in flight is stored stale", func(t *testing.T) {
		c := NewQueryCache()
		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			Fetch(context.Background(), c, ConversationKey("c1"), time.Hour, func(context.Context) (int, error) {
				close(started)
				<-release
				return 1, nil
			})
		}()
		<-started
		c.Invalidate(ConversationKey("c1"))
		close(release)
		<-done

		if v, ok := Peek[int](c, ConversationKey("c1")); !ok || v != 1 {
			t.Fatalf("expected stored value 1, got %d %v", v, ok)
		}
		if !c.IsStale(ConversationKey("c1"), time.Hour) {
			t.Fatal("value fetched across an invalidation must be stale")
		}
	})

	t.Run("removed while in flight is not stored", func(t *testing.T) {
		c := NewQueryCache()
		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			Fetch(context.Background(), c, MessagesPageKey("c1", 0), 0, func(context.Context) (int, error) {
				close(started)
				<-release
				return 1, nil
			})
		}()
		<-started
		c.Remove(ConversationKey("c1"))
		close(release)
		<-done
		if c.Len() != 0 {
			t.Fatalf("expected empty cache, got %d entries", c.Len())
		}
	})
}

func TestInvalidate(t *testing.T) {
	c := NewQueryCache()
	seedCache(t, c, OverviewKey())
	seedCache(t, c, UnifiedInboxKey())
	seedCache(t, c, MessagesPageKey("c1", 0))
	seedCache(t, c, MessagesPageKey("c1", 1))
	seedCache(t, c, MessagesPageKey("c2", 0))

	if n := c.Invalidate(ConversationKey("c1")); n != 2 {
		t.Fatalf("expected 2 entries marked, got %d", n)
	}
	for _, k := range []QueryKey{MessagesPageKey("c1", 0), MessagesPageKey("c1", 1)} {
		if !c.IsStale(k, time.Hour) {
			t.Fatalf("%s should be stale", k)
		}
	}
	for _, k := range []QueryKey{OverviewKey(), UnifiedInboxKey(), MessagesPageKey("c2", 0)} {
		if c.IsStale(k, time.Hour) {
			t.Fatalf("%s should stay fresh", k)
		}
	}
	if _, ok := Peek[int](c, MessagesPageKey("c1", 0)); !ok {
		t.Fatal("invalidation must keep the last value")
	}
}

func TestSubscribe(t *testing.T) {
	c := NewQueryCache()
	var mu sync.Mutex
	var got []string
	unsubscribe := c.Subscribe(ConversationKey("c1"), func(k QueryKey) {
		mu.Lock()
		got = append(got, k.String())
		mu.Unlock()
	})

	c.Invalidate(ConversationKey("c1"))
	c.Invalidate(MessagesPageKey("c1", 3))
	c.Invalidate(ConversationKey("c2"))
	c.Invalidate(OverviewKey())
	c.Invalidate(QueryKey{"conversation"})

	mu.Lock()
	want := []string{
		ConversationKey("c1").String(),
		MessagesPageKey("c1", 3).String(),
		QueryKey{"conversation"}.String(),
	}
	if !equalStrings(got, want) {
		t.Fatalf("notified %v, want %v", got, want)
	}
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	c.Invalidate(ConversationKey("c1"))
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected no notification after unsubscribe, got %v", got)
	}
}
