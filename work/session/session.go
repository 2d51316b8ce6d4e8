package session

import (
	"sync"
	"sync/atomic"
	"time"

	"vidgate/work/logger"
	"vidgate/work/metrics"
	"vidgate/work/types"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is the process-wide table of live playback sessions. Access is
// per-key on a concurrent map, so unrelated sessions never contend on a
// shared lock. A background sweep removes sessions idle past the configured
// TTL; no segment request for that long means playback ended.
type Registry struct {
	sessions *xsync.MapOf[string, *types.Session]
	ttl      time.Duration
	interval time.Duration
	stopMu   sync.Mutex
	stop     chan struct{}
	running  atomic.Bool
}

// NewRegistry creates a Registry with the given idle TTL and sweep interval.
func NewRegistry(ttl, interval time.Duration) *Registry {
	return &Registry{
		sessions: xsync.NewMapOf[string, *types.Session](),
		ttl:      ttl,
		interval: interval,
	}
}

// Create mints a new session owning the given resolved origin. The id is
// unique and opaque; the caller embeds it in rewritten URLs but never hands
// out the session itself.
func (r *Registry) Create(contentID string, quality types.Quality, origin types.ResolvedOrigin, variantURL string) *types.Session {
	now := time.Now()
	s := &types.Session{
		ID:               uuid.NewString(),
		ContentID:        contentID,
		Quality:          quality,
		Origin:           origin,
		ChosenVariantURL: variantURL,
		CreatedAt:        now,
		LastAccess:       now.UnixNano(),
	}
	r.sessions.Store(s.ID, s)
	metrics.ActiveSessions.Inc()

	logger.Debug("{session/session - Create} session %s created for content %s (adapter %s)", s.ID, contentID, origin.Adapter)
	return s
}

// Get returns the live session for an id, or nil when it is unknown,
// expired, or swept.
func (r *Registry) Get(id string) *types.Session {
	s, ok := r.sessions.Load(id)
	if !ok {
		return nil
	}
	return s
}

// Touch refreshes a session's idle clock. Called on every segment request
// carrying the session's id.
func (r *Registry) Touch(id string) {
	if s, ok := r.sessions.Load(id); ok {
		atomic.StoreInt64(&s.LastAccess, time.Now().UnixNano())
	}
}

// FindByContent returns a live session previously created for the same
// content id and quality, letting repeated manifest requests reuse one
// resolution instead of re-scraping.
func (r *Registry) FindByContent(contentID string, quality types.Quality) *types.Session {
	var found *types.Session
	r.sessions.Range(func(_ string, s *types.Session) bool {
		if s.ContentID == contentID && s.Quality == quality {
			found = s
			return false
		}
		return true
	})
	return found
}

// Close removes a specific session. Used by the lifecycle surface when the
// surrounding application tears playback down explicitly.
func (r *Registry) Close(id string) bool {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		metrics.ActiveSessions.Dec()
		logger.Debug("{session/session - Close} session %s closed", id)
		return true
	}
	return false
}

// CloseAll removes every session, used on proxy shutdown.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(id string, _ *types.Session) bool {
		if _, ok := r.sessions.LoadAndDelete(id); ok {
			metrics.ActiveSessions.Dec()
		}
		return true
	})
}

// All returns a snapshot of the live sessions, for the status surface.
func (r *Registry) All() []*types.Session {
	out := make([]*types.Session, 0, 8)
	r.sessions.Range(func(_ string, s *types.Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Start launches the background sweep loop. A fresh stop channel is minted
// per launch so a stopped registry can be started again.
func (r *Registry) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	stop := make(chan struct{})
	r.stopMu.Lock()
	r.stop = stop
	r.stopMu.Unlock()

	go r.sweepLoop(stop)
}

// Stop terminates the sweep loop.
func (r *Registry) Stop() {
	if r.running.CompareAndSwap(true, false) {
		r.stopMu.Lock()
		close(r.stop)
		r.stopMu.Unlock()
	}
}

// sweepLoop periodically removes sessions idle past the TTL, until the stop
// channel it was launched with closes.
func (r *Registry) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep removes every session idle past the TTL and returns how many were
// removed. Exposed so the sweep is drivable in tests and on demand.
func (r *Registry) Sweep(now time.Time) int {
	removed := 0
	r.sessions.Range(func(id string, s *types.Session) bool {
		last := time.Unix(0, atomic.LoadInt64(&s.LastAccess))
		if now.Sub(last) > r.ttl {
			if _, ok := r.sessions.LoadAndDelete(id); ok {
				metrics.ActiveSessions.Dec()
				removed++
				logger.Debug("{session/session - Sweep} session %s idle for %s, swept", id, now.Sub(last))
			}
		}
		return true
	})
	return removed
}
