package wosync

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Query keys
// ============================================================================

// QueryKey identifies a cached query. Keys form families by prefix:
//
//	["conversations-overview"]
//	["unified-inbox"]
//	["conversation", <id>]                          conversation detail family
//	["conversation", <id>, "messages", <page>]      one history page
type QueryKey []string

const (
	keyOverview     = "conversations-overview"
	keyUnifiedInbox = "unified-inbox"
	keyConversation = "conversation"
	keyMessages     = "messages"
)

// OverviewKey is the key of the conversations overview.
func OverviewKey() QueryKey { return QueryKey{keyOverview} }

// UnifiedInboxKey is the key of the cross-surface unread summary.
func UnifiedInboxKey() QueryKey { return QueryKey{keyUnifiedInbox} }

// ConversationKey is the detail family of one conversation.
func ConversationKey(conversationID string) QueryKey {
	return QueryKey{keyConversation, conversationID}
}

// MessagesPageKey is the key of one loaded history page.
func MessagesPageKey(conversationID string, page int) QueryKey {
	return QueryKey{keyConversation, conversationID, keyMessages, strconv.Itoa(page)}
}

func (k QueryKey) String() string {
	return "[" + strings.Join(k, ", ") + "]"
}

// HasPrefix reports whether prefix is a leading sub-sequence of k.
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both keys have the same segments.
func (k QueryKey) Equal(other QueryKey) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}

func (k QueryKey) hash() string {
	return strings.Join(k, "\x1f")
}

func (k QueryKey) related(other QueryKey) bool {
	return k.HasPrefix(other) || other.HasPrefix(k)
}

// ============================================================================
// QueryCache
// ============================================================================

type cacheEntry struct {
	key       QueryKey
	value     any
	hasValue  bool
	fetchedAt time.Time
	invalid   bool
	version   uint64
}

type cacheObserver struct {
	id     uint64
	prefix QueryKey
	fn     func(QueryKey)
}

// QueryCache holds the latest known result per query key. Callers never write
// values directly: values enter through Fetch and leave through Invalidate or
// Remove. A QueryCache is safe for concurrent use.
type QueryCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	observers []*cacheObserver
	nextID    uint64
	group     singleflight.Group
	now       func() time.Time
	log       zerolog.Logger
}

type CacheOption func(*QueryCache)

func WithCacheLogger(log zerolog.Logger) CacheOption {
	return func(c *QueryCache) { c.log = log }
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *QueryCache) { c.now = now }
}

// NewQueryCache creates an empty cache.
func NewQueryCache(opts ...CacheOption) *QueryCache {
	c := &QueryCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the cached value for key while it is younger than staleTime
// and not invalidated; otherwise it runs fetch. Concurrent fetches of the same
// key share one call, which keeps running when the caller that started it
// gives up. Errors are returned, never cached. A result whose key was
// invalidated while in flight is stored already stale; a result whose key was
// removed while in flight is returned but not stored.
func Fetch[T any](ctx context.Context, c *QueryCache, key QueryKey, staleTime time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := c.fresh(key, staleTime); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}

	// The shared call outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.hash(), func() (any, error) {
		version := c.begin(key)
		v, err := fetch(shared)
		if err != nil {
			return nil, err
		}
		c.store(key, version, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		t, _ := r.Val.(T)
		return t, nil
	}
}

// Peek returns the last stored value for key, fresh or not.
func Peek[T any](c *QueryCache, key QueryKey) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.hash()]
	if !ok || !e.hasValue {
		return zero, false
	}
	t, ok := e.value.(T)
	return t, ok
}

func (c *QueryCache) fresh(key QueryKey, staleTime time.Duration) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.hash()]
	if !ok || !e.hasValue || e.invalid {
		return nil, false
	}
	if c.now().Sub(e.fetchedAt) >= staleTime {
		return nil, false
	}
	return e.value, true
}

func (c *QueryCache) begin(key QueryKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.hash()]
	if !ok {
		e = &cacheEntry{key: append(QueryKey(nil), key...)}
		c.entries[key.hash()] = e
	}
	return e.version
}

func (c *QueryCache) store(key QueryKey, version uint64, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.hash()]
	if !ok {
		return
	}
	e.value = v
	e.hasValue = true
	e.fetchedAt = c.now()
	e.invalid = e.version != version
}

// IsStale reports whether key has no value, was invalidated, or is older than staleTime.
func (c *QueryCache) IsStale(key QueryKey, staleTime time.Duration) bool {
	_, ok := c.fresh(key, staleTime)
	return !ok
}

// Invalidate marks key and every key under it stale and notifies observers
// whose prefix is related to key. It returns the number of entries marked.
func (c *QueryCache) Invalidate(key QueryKey) int {
	c.mu.Lock()
	marked := 0
	for _, e := range c.entries {
		if e.key.HasPrefix(key) {
			e.invalid = true
			e.version++
			marked++
		}
	}
	var notify []*cacheObserver
	for _, o := range c.observers {
		if o.prefix.related(key) {
			notify = append(notify, o)
		}
	}
	c.mu.Unlock()

	c.log.Debug().Str("key", key.String()).Int("entries", marked).Int("observers", len(notify)).Msg("query invalidated")

	for _, o := range notify {
		o.fn(key)
	}
	return marked
}

// Remove drops every entry under prefix. In-flight fetches for those keys
// finish without storing.
func (c *QueryCache) Remove(prefix QueryKey) {
	c.mu.Lock()
	var forget []string
	for h, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			delete(c.entries, h)
			forget = append(forget, h)
		}
	}
	c.mu.Unlock()
	for _, h := range forget {
		c.group.Forget(h)
	}
}

// Subscribe registers fn for invalidations related to prefix. fn runs on the
// invalidating goroutine and must not block. The returned func unsubscribes.
func (c *QueryCache) Subscribe(prefix QueryKey, fn func(QueryKey)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, &cacheObserver{id: id, prefix: append(QueryKey(nil), prefix...), fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, o := range c.observers {
				if o.id == id {
					c.observers = append(c.observers[:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of stored entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
