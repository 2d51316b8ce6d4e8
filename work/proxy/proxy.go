package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vidgate/work/buffer"
	"vidgate/work/cache"
	"vidgate/work/client"
	"vidgate/work/config"
	"vidgate/work/logger"
	"vidgate/work/resolver"
	"vidgate/work/rewriter"
	"vidgate/work/session"
	"vidgate/work/types"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"
)

// Proxy is the core orchestrator: the only network-facing component, wiring
// the resolver, rewriter, segment cache, and session registry into the two
// player-facing flows (manifest and segment). It owns the lifecycle of the
// background pieces (session sweep, prefetch workers) so the surrounding
// application has a single start/stop surface.
type Proxy struct {
	Config     *config.Config
	Upstream   *client.Upstream
	Resolver   *resolver.Resolver
	Rewriter   *rewriter.Rewriter
	Segments   *cache.SegmentCache
	Sessions   *session.Registry
	WorkerPool *ants.Pool
	BufferPool *buffer.Pool

	resolveFlight singleflight.Group
	startedAt     time.Time
}

// New wires a Proxy from its dependencies. Nothing runs until Start.
func New(cfg *config.Config, upstream *client.Upstream, res *resolver.Resolver, segments *cache.SegmentCache, sessions *session.Registry, workerPool *ants.Pool, bufferPool *buffer.Pool) *Proxy {
	return &Proxy{
		Config:     cfg,
		Upstream:   upstream,
		Resolver:   res,
		Rewriter:   rewriter.New(cfg.BaseURL),
		Segments:   segments,
		Sessions:   sessions,
		WorkerPool: workerPool,
		BufferPool: bufferPool,
	}
}

// Start launches the background session sweep. Idempotent per registry.
func (p *Proxy) Start() {
	p.startedAt = time.Now()
	p.Sessions.Start()
	logger.Info("{proxy/proxy - Start} proxy started, session TTL %s, cache budget %d bytes",
		p.Config.SessionTTL, p.Config.CacheBudgetBytes())
}

// Stop tears down proxy state: the sweep loop, every live session, and the
// segment cache. The worker pool is owned by main and released there.
func (p *Proxy) Stop() {
	p.Sessions.Stop()
	p.Sessions.CloseAll()
	p.Segments.Purge()
	logger.Info("{proxy/proxy - Stop} proxy stopped")
}

// CloseSession invalidates one session, for the lifecycle surface consumed
// by the player orchestration layer when playback ends.
func (p *Proxy) CloseSession(id string) bool {
	return p.Sessions.Close(id)
}

// Uptime reports how long the proxy has been running.
func (p *Proxy) Uptime() time.Duration {
	if p.startedAt.IsZero() {
		return 0
	}
	return time.Since(p.startedAt)
}

// obtainSession returns a live session for the request, resolving the
// content id when no session exists yet. Concurrent calls for the same
// content id and quality coalesce onto one resolution; later callers wait
// for and share the first caller's session.
func (p *Proxy) obtainSession(ctx context.Context, req types.ContentRequest) (*types.Session, error) {
	if sess := p.Sessions.FindByContent(req.ContentID, req.Quality); sess != nil {
		return sess, nil
	}

	result, err, shared := p.resolveFlight.Do(req.Key(), func() (interface{}, error) {
		// Re-check inside the flight: a session may have landed while this
		// caller was queueing.
		if sess := p.Sessions.FindByContent(req.ContentID, req.Quality); sess != nil {
			return sess, nil
		}

		// Detached from the triggering request so waiters sharing the
		// flight are not at the mercy of the first caller's disconnect;
		// the resolver's own fetch timeouts still bound the work.
		origin, err := p.Resolver.Resolve(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}

		variantURL := origin.Pick(req.Quality)
		sess := p.Sessions.Create(req.ContentID, req.Quality, origin, variantURL)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("{proxy/proxy - obtainSession} resolution for %s shared across concurrent callers", req.ContentID)
	}

	return result.(*types.Session), nil
}

// fetchEntry builds the cache FetchFunc for an upstream URL with the given
// spoofing headers.
func (p *Proxy) fetchEntry(rawURL string, headers map[string]string) cache.FetchFunc {
	return func(ctx context.Context) (*cache.Entry, error) {
		body, contentType, hdr, err := p.Upstream.Fetch(ctx, rawURL, headers)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		return &cache.Entry{
			Data:        body,
			ContentType: contentType,
			FetchedAt:   now,
			ExpiresAt:   cache.ExpiryFromHeaders(hdr, now),
		}, nil
	}
}

// httpStatusFor maps the error taxonomy onto the proxy's own response
// codes. Classification failures are client errors; everything upstream-
// shaped is a server error the player's retry logic is expected to handle.
func httpStatusFor(err error) int {
	var fetchErr *types.FetchError
	switch {
	case errors.Is(err, types.ErrBadRef):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNoPlayableSource),
		errors.Is(err, types.ErrNoAdapters),
		errors.Is(err, types.ErrRedirectLoop),
		errors.Is(err, types.ErrUnparseableManifest),
		errors.Is(err, types.ErrUnknownManifestType):
		return http.StatusBadGateway
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
