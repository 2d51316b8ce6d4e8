package proxy

import (
	"bytes"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"vidgate/work/cache"
	"vidgate/work/logger"
	"vidgate/work/metrics"
	"vidgate/work/rewriter"
)

// ServeSegment handles GET /segment/{ref} (with an optional cleartext
// remainder appended for DASH template URLs). The reference is
// self-describing, so a session that has expired or was lost to a restart
// degrades to a direct fetch of the embedded original URL instead of
// failing the request; the anomaly is logged for the surrounding
// application.
//
// Fetched bytes are sniffed before serving: a body that turns out to be a
// nested manifest (media playlist behind a master playlist entry, say) is
// rewritten like any other manifest. Everything else streams through with
// its upstream content type, honoring player Range headers.
func (p *Proxy) ServeSegment(w http.ResponseWriter, r *http.Request, ref, rest string) {
	sessionID, originalURL, err := rewriter.DecodeRef(ref)
	if err != nil {
		logger.Warn("{proxy/segment - ServeSegment} undecodable reference: %v", err)
		http.Error(w, "bad segment reference", httpStatusFor(err))
		return
	}
	originalURL = rewriter.JoinRef(originalURL, rest)

	var headers map[string]string
	if sess := p.Sessions.Get(sessionID); sess != nil {
		p.Sessions.Touch(sess.ID)
		headers = sess.Origin.Headers
	} else {
		// Graceful degradation: the original URL rides in the reference,
		// so playback continues without session continuity.
		metrics.SessionFallbacks.Inc()
		logger.Warn("{proxy/segment - ServeSegment} session %s not live, direct-fetching %s", sessionID, logger.LogURL(originalURL))
	}

	// An uncached body under a Range request is passed through rather than
	// pulled whole; cached entries (full or matching range slice) answer
	// ranges locally.
	if rng := r.Header.Get("Range"); rng != "" {
		if entry, ok := p.Segments.Peek(originalURL); ok {
			metrics.CacheHits.Inc()
			p.serveEntry(w, r, entry.ContentType, entry.Data, sessionID, originalURL)
			return
		}
		if entry, ok := p.Segments.Peek(cache.Key(originalURL, rng)); ok {
			metrics.CacheHits.Inc()
			p.servePartial(w, entry)
			return
		}
		p.passThroughRange(w, r, originalURL, headers)
		return
	}

	entry, err := p.Segments.GetOrFetch(r.Context(), originalURL, p.fetchEntry(originalURL, headers))
	if err != nil {
		logger.Error("{proxy/segment - ServeSegment} fetch failed for %s: %v", logger.LogURL(originalURL), err)
		http.Error(w, "segment fetch failed", httpStatusFor(err))
		return
	}

	p.serveEntry(w, r, entry.ContentType, entry.Data, sessionID, originalURL)
}

// serveEntry writes payload bytes to the player, rewriting first when the
// payload sniffs as a manifest. ServeContent supplies the Range semantics
// (206, Content-Range) for media bytes.
func (p *Proxy) serveEntry(w http.ResponseWriter, r *http.Request, contentType string, data []byte, sessionID, originalURL string) {
	if manifestType := rewriter.Detect(data); manifestType != rewriter.ManifestUnknown {
		rewritten, manifestType, err := p.Rewriter.Rewrite(data, originalURL, sessionID)
		if err != nil {
			logger.Error("{proxy/segment - serveEntry} nested manifest rewrite failed for %s: %v", logger.LogURL(originalURL), err)
			http.Error(w, "unusable manifest", httpStatusFor(err))
			return
		}
		w.Header().Set("Content-Type", manifestType.ContentType())
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		n, _ := w.Write(rewritten)
		metrics.BytesServed.WithLabelValues("manifest").Add(float64(n))
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	metrics.BytesServed.WithLabelValues("segment").Add(float64(len(data)))
}

// passThroughRange forwards a player Range request straight to upstream and
// streams the response back. When the upstream ignores the range and
// answers 200, the full body is cached on the way through and the range is
// served from the cached entry instead.
func (p *Proxy) passThroughRange(w http.ResponseWriter, r *http.Request, originalURL string, headers map[string]string) {
	extra := http.Header{}
	extra.Set("Range", r.Header.Get("Range"))

	resp, err := p.Upstream.Get(r.Context(), originalURL, headers, extra)
	if err != nil {
		logger.Error("{proxy/segment - passThroughRange} ranged fetch failed for %s: %v", logger.LogURL(originalURL), err)
		http.Error(w, "segment fetch failed", httpStatusFor(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		// Upstream does not do ranges: buffer the whole body, let
		// ServeContent carve the requested slice, and keep the entry.
		data, err := p.BufferPool.ReadAll(resp.Body)
		if err != nil {
			logger.Error("{proxy/segment - passThroughRange} body read failed for %s: %v", logger.LogURL(originalURL), err)
			http.Error(w, "segment fetch failed", http.StatusBadGateway)
			return
		}
		now := time.Now()
		p.Segments.Insert(originalURL, resp.Header.Get("Content-Type"), data, now)
		p.serveEntry(w, r, resp.Header.Get("Content-Type"), data, "", originalURL)
		return
	}

	// 206 from upstream: keep the slice under its range-tagged key and
	// forward status and range headers verbatim.
	data, err := p.BufferPool.ReadAll(resp.Body)
	if err != nil {
		logger.Error("{proxy/segment - passThroughRange} partial body read failed for %s: %v", logger.LogURL(originalURL), err)
		http.Error(w, "segment fetch failed", http.StatusBadGateway)
		return
	}
	p.Segments.InsertRanged(cache.Key(originalURL, r.Header.Get("Range")),
		resp.Header.Get("Content-Type"), resp.Header.Get("Content-Range"), data, time.Now())

	for _, name := range []string{"Content-Type", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(data)
	metrics.BytesServed.WithLabelValues("segment").Add(float64(n))
}

// servePartial answers a range request from a cached 206 slice.
func (p *Proxy) servePartial(w http.ResponseWriter, entry *cache.Entry) {
	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if entry.ContentRange != "" {
		w.Header().Set("Content-Range", entry.ContentRange)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Data)))
	w.WriteHeader(http.StatusPartialContent)
	n, _ := w.Write(entry.Data)
	metrics.BytesServed.WithLabelValues("segment").Add(float64(n))
}

// resolveAgainst absolutizes a relative reference against a base URL,
// returning "" when either side fails to parse.
func resolveAgainst(baseURL, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}
