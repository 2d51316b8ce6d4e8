package cache

import (
	"container/list"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"vidgate/work/logger"
	"vidgate/work/metrics"

	"golang.org/x/sync/singleflight"
)

// Entry is a cached segment payload with its serving metadata. Entries are
// immutable once inserted; concurrent requests for the same key share the
// same entry.
type Entry struct {
	Data         []byte    // Segment payload bytes, stored verbatim as fetched
	ContentType  string    // Upstream content type, re-served to the player
	ContentRange string    // Upstream Content-Range, set only on range-tagged entries
	FetchedAt    time.Time // When the upstream fetch completed
	ExpiresAt    time.Time // Hard expiry; entries are never served past this
}

// Size returns the byte weight of the entry counted against the budget.
func (e *Entry) Size() int64 {
	return int64(len(e.Data))
}

// FetchFunc produces an entry on cache miss. Exactly one FetchFunc runs per
// key at a time; all concurrent callers for that key share its result.
type FetchFunc func(ctx context.Context) (*Entry, error)

// SegmentCache is a bounded-size cache keyed by resolved absolute URL
// (optionally tagged with a byte range). Eviction is strict
// least-recently-accessed under a total byte budget. Fetches are
// single-flight per key and run on a detached context: a caller that
// disconnects mid-fetch does not kill the fetch for the other waiters, the
// fetch is bounded by the upstream client's own timeout instead.
type SegmentCache struct {
	mu     sync.Mutex
	budget int64                    // Total byte budget
	used   int64                    // Current bytes held
	ll     *list.List               // Recency list, front = most recently accessed
	items  map[string]*list.Element // Key -> recency list element
	ttl    time.Duration            // Default expiry when upstream sends no cache headers
	flight singleflight.Group
}

// lruItem is the recency list payload.
type lruItem struct {
	key   string
	entry *Entry
}

// New creates a SegmentCache with the given byte budget and default entry
// TTL.
func New(budgetBytes int64, defaultTTL time.Duration) *SegmentCache {
	return &SegmentCache{
		budget: budgetBytes,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
		ttl:    defaultTTL,
	}
}

// Key builds the cache key for a URL and an optional range tag. Ranged
// responses are cached separately from full bodies.
func Key(absURL, rangeTag string) string {
	if rangeTag == "" {
		return absURL
	}
	return absURL + "\x00" + rangeTag
}

// GetOrFetch returns the cached entry for key, or runs fetch (single-flight)
// to produce, store, and return it. All waiters on an in-flight fetch
// receive the same entry or the same error. Expired entries are dropped and
// refetched, never served.
func (c *SegmentCache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (*Entry, error) {
	if entry, ok := c.get(key); ok {
		metrics.CacheHits.Inc()
		return entry, nil
	}
	metrics.CacheMisses.Inc()

	ch := c.flight.DoChan(key, func() (interface{}, error) {
		// Double-check: a prior flight may have landed between the miss
		// and this closure running.
		if entry, ok := c.get(key); ok {
			return entry, nil
		}

		// Detached from the triggering request so shared waiters are not
		// at the mercy of the first caller's disconnect.
		entry, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.insert(key, entry)
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the live cached entry for key without triggering a fetch.
// Recency is still refreshed, a peek is an access.
func (c *SegmentCache) Peek(key string) (*Entry, bool) {
	return c.get(key)
}

// Insert stores a payload fetched outside the single-flight path (range
// pass-throughs that turned into full-body reads). Expiry falls back to the
// cache default.
func (c *SegmentCache) Insert(key, contentType string, data []byte, fetchedAt time.Time) {
	c.insert(key, &Entry{
		Data:        data,
		ContentType: contentType,
		FetchedAt:   fetchedAt,
	})
}

// InsertRanged stores a 206 payload slice under its range-tagged key so a
// repeat of the identical range request is answered locally.
func (c *SegmentCache) InsertRanged(key, contentType, contentRange string, data []byte, fetchedAt time.Time) {
	c.insert(key, &Entry{
		Data:         data,
		ContentType:  contentType,
		ContentRange: contentRange,
		FetchedAt:    fetchedAt,
	})
}

// get returns a live entry and refreshes its recency. Expired entries are
// removed on sight.
func (c *SegmentCache) get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}

	item := el.Value.(*lruItem)
	if time.Now().After(item.entry.ExpiresAt) {
		c.removeLocked(el)
		metrics.CacheEvictions.Inc()
		return nil, false
	}

	c.ll.MoveToFront(el)
	return item.entry, true
}

// insert stores an entry and evicts from the least-recently-accessed end
// until the cache is back within budget. Entries larger than the whole
// budget are not cached at all; they are served once and forgotten.
func (c *SegmentCache) insert(key string, entry *Entry) {
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = entry.FetchedAt.Add(c.ttl)
	}
	if entry.Size() > c.budget {
		logger.Debug("{cache/cache - insert} entry of %d bytes exceeds budget, not cached", entry.Size())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}

	el := c.ll.PushFront(&lruItem{key: key, entry: entry})
	c.items[key] = el
	c.used += entry.Size()

	for c.used > c.budget {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		metrics.CacheEvictions.Inc()
	}

	metrics.CacheBytes.Set(float64(c.used))
}

// removeLocked unlinks an element and releases its byte weight. Caller
// holds c.mu.
func (c *SegmentCache) removeLocked(el *list.Element) {
	item := el.Value.(*lruItem)
	c.ll.Remove(el)
	delete(c.items, item.key)
	c.used -= item.entry.Size()
	metrics.CacheBytes.Set(float64(c.used))
}

// Bytes returns the current total payload size held by the cache.
func (c *SegmentCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the number of cached entries.
func (c *SegmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge drops every entry, used on proxy shutdown.
func (c *SegmentCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.used = 0
	metrics.CacheBytes.Set(0)
}

// ExpiryFromHeaders derives an entry expiry from upstream response headers.
// Cache-Control max-age wins over Expires; absent both, the zero time is
// returned and the cache default applies. A no-store/no-cache directive
// yields an already-expired timestamp so the entry is served to current
// waiters but never again.
func ExpiryFromHeaders(hdr http.Header, now time.Time) time.Time {
	cc := hdr.Get("Cache-Control")
	if cc != "" {
		lower := strings.ToLower(cc)
		if strings.Contains(lower, "no-store") || strings.Contains(lower, "no-cache") {
			return now.Add(-time.Second)
		}
		for _, part := range strings.Split(lower, ",") {
			part = strings.TrimSpace(part)
			if rest, ok := strings.CutPrefix(part, "max-age="); ok {
				if secs, err := strconv.Atoi(rest); err == nil {
					return now.Add(time.Duration(secs) * time.Second)
				}
			}
		}
	}
	if exp := hdr.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			return t
		}
	}
	return time.Time{}
}
