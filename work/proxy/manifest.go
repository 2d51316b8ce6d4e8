package proxy

import (
	"context"
	"net/http"
	"strings"

	"vidgate/work/logger"
	"vidgate/work/metrics"
	"vidgate/work/rewriter"
	"vidgate/work/types"
)

// ServeManifest handles GET /manifest/{contentId}. It looks up or creates
// the playback session (one resolution per content id and quality at a
// time), fetches the origin manifest fresh, rewrites every URL reference
// into a proxy reference, and returns the result with the content type the
// detected manifest format demands.
func (p *Proxy) ServeManifest(w http.ResponseWriter, r *http.Request, contentID string, quality string) {
	req := types.ContentRequest{
		ContentID: contentID,
		Quality:   types.Quality(quality),
	}
	if req.Quality == "" {
		req.Quality = types.QualityBest
	}

	sess, err := p.obtainSession(r.Context(), req)
	if err != nil {
		logger.Error("{proxy/manifest - ServeManifest} resolution failed for %s: %v", contentID, err)
		http.Error(w, "resolution failed", httpStatusFor(err))
		return
	}
	p.Sessions.Touch(sess.ID)

	manifestURL := sess.ChosenVariantURL
	body, _, _, err := p.Upstream.Fetch(r.Context(), manifestURL, sess.Origin.Headers)
	if err != nil {
		logger.Error("{proxy/manifest - ServeManifest} manifest fetch failed for %s: %v", logger.LogURL(manifestURL), err)
		http.Error(w, "manifest fetch failed", httpStatusFor(err))
		return
	}

	rewritten, manifestType, err := p.Rewriter.Rewrite(body, manifestURL, sess.ID)
	if err != nil {
		logger.Error("{proxy/manifest - ServeManifest} rewrite failed for %s: %v", logger.LogURL(manifestURL), err)
		http.Error(w, "unusable manifest", httpStatusFor(err))
		return
	}

	p.schedulePrefetch(body, manifestURL, manifestType, sess)

	w.Header().Set("Content-Type", manifestType.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(rewritten)
	metrics.BytesServed.WithLabelValues("manifest").Add(float64(n))
}

// schedulePrefetch warms the segment cache with the first few media
// segments of an HLS media playlist, so playback start does not pay the
// upstream round trip per segment. Master playlists and DASH manifests are
// skipped; their segment URLs only materialize after the player picks a
// variant. Prefetch runs on the bounded worker pool and failures are
// silent, the regular segment path will retry.
func (p *Proxy) schedulePrefetch(body []byte, manifestURL string, manifestType rewriter.ManifestType, sess *types.Session) {
	if p.Config.PrefetchSegments <= 0 || p.WorkerPool == nil || manifestType != rewriter.ManifestHLS {
		return
	}

	text := string(body)
	if strings.Contains(text, "#EXT-X-STREAM-INF") {
		return
	}

	scheduled := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if scheduled >= p.Config.PrefetchSegments {
			break
		}

		segURL := line
		if !strings.HasPrefix(segURL, "http://") && !strings.HasPrefix(segURL, "https://") {
			segURL = resolveAgainst(manifestURL, segURL)
			if segURL == "" {
				continue
			}
		}
		scheduled++

		headers := sess.Origin.Headers
		if err := p.WorkerPool.Submit(func() {
			_, err := p.Segments.GetOrFetch(context.Background(), segURL, p.fetchEntry(segURL, headers))
			if err != nil {
				logger.Debug("{proxy/manifest - schedulePrefetch} prefetch of %s failed: %v", logger.LogURL(segURL), err)
			}
		}); err != nil {
			logger.Debug("{proxy/manifest - schedulePrefetch} worker pool rejected prefetch: %v", err)
			return
		}
	}
}
