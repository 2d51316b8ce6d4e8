package types

import (
	"errors"
	"fmt"
	"time"
)

// Quality identifies a preferred variant selection for a playback attempt.
// The resolver orders variants by descending bandwidth, so "best" and "worst"
// always map to the first and last entries regardless of what labels the
// upstream master playlist advertises. A concrete label such as "720p" is
// matched against the variant labels extracted from the manifest; an unknown
// label silently degrades to "best" so playback never fails on a stale
// quality preference.
type Quality string

// Quality selection constants. QualityBest is the default when a manifest
// request carries no quality parameter.
const (
	QualityBest  Quality = "best"
	QualityWorst Quality = "worst"
)

// ContentRequest describes a single playback attempt as received on the
// manifest endpoint. It is immutable once constructed; a new request is
// created for every resolution attempt even when the same content id is
// requested repeatedly.
type ContentRequest struct {
	ContentID string  // Opaque content identifier understood by the configured adapters
	Quality   Quality // Preferred variant selection, QualityBest when unspecified
}

// Key returns the coalescing key for this request. Concurrent resolutions for
// the same content id and quality collapse onto a single upstream attempt
// keyed by this value.
func (cr ContentRequest) Key() string {
	return cr.ContentID + "|" + string(cr.Quality)
}

// Variant is a single quality option extracted from an upstream master
// playlist or DASH adaptation set. Variants are carried in descending
// bandwidth order inside a ResolvedOrigin.
type Variant struct {
	Label     string // Human-readable quality label (resolution or name), may be empty
	Bandwidth uint32 // Advertised peak bandwidth in bits per second, 0 when unknown
	URL       string // Absolute URL of the variant playlist or representation
}

// ResolvedOrigin is the product of a successful source resolution: the
// upstream manifest location, the variants it advertises, and the request
// headers the upstream requires (referer/user-agent spoofing). The origin is
// owned by the session created from it; rewritten URLs handed to the player
// only reference the session id, never the origin itself.
type ResolvedOrigin struct {
	ManifestURL string            // Absolute URL of the origin manifest that was validated by probe
	Variants    []Variant         // Quality variants ordered by descending bandwidth, may be empty for media playlists
	Headers     map[string]string // Header name -> value to inject on every upstream request for this origin
	Adapter     string            // Name of the adapter that produced this origin, for logging and metrics
}

// Pick selects the variant URL matching the requested quality. When the
// origin has no variants (a bare media playlist), the origin manifest URL
// itself is returned.
func (ro *ResolvedOrigin) Pick(q Quality) string {
	if len(ro.Variants) == 0 {
		return ro.ManifestURL
	}
	switch q {
	case QualityWorst:
		return ro.Variants[len(ro.Variants)-1].URL
	case QualityBest, "":
		return ro.Variants[0].URL
	}
	for _, v := range ro.Variants {
		if v.Label == string(q) {
			return v.URL
		}
	}
	return ro.Variants[0].URL
}

// Session binds a content request to its resolved upstream origin for the
// duration of a playback attempt. Sessions live exclusively in the registry;
// rewritten URLs embed the session id plus the original URL, so a lost
// session degrades to direct fetching instead of failing the player.
type Session struct {
	ID               string         // Opaque unique token generated at creation
	ContentID        string         // Content identifier this session was resolved for
	Quality          Quality        // Quality preference recorded at creation time
	Origin           ResolvedOrigin // Resolved upstream origin, owned by this session
	ChosenVariantURL string         // Variant URL selected for the recorded quality
	CreatedAt        time.Time      // Creation timestamp
	LastAccess       int64          // Unix nanos of most recent touch, updated by the registry
}

// Resolution error values. ErrNoPlayableSource is returned once every adapter
// and mirror has been exhausted without producing a probe-valid manifest.
var (
	ErrNoPlayableSource = errors.New("no playable source found")
	ErrRedirectLoop     = errors.New("embed redirect chain limit exceeded")
	ErrNoAdapters       = errors.New("no source adapters configured")
)

// Rewrite error values.
var (
	ErrUnparseableManifest = errors.New("manifest is malformed beyond recovery")
	ErrUnknownManifestType = errors.New("content is not a recognized manifest")
)

// Session error values. A stale session id on a segment reference is
// recoverable because the original URL rides inside the reference itself; a
// ref that fails decoding entirely is a client error.
var (
	ErrBadRef         = errors.New("segment reference cannot be decoded")
	ErrSessionExpired = errors.New("session is not live")
)

// FetchError carries the upstream failure detail for a fetch that exhausted
// the retry policy. Status is zero for transport-level failures.
type FetchError struct {
	URL    string // Upstream URL that failed, pre-obfuscation
	Status int    // Final HTTP status code, 0 when the request never completed
	Err    error  // Underlying transport error, nil for status failures
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream fetch failed: status %d from %s", e.Status, e.URL)
	}
	return fmt.Sprintf("upstream fetch failed: %v (%s)", e.Err, e.URL)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient under the retry policy:
// transport errors and 5xx responses (except 501) are retryable, as are 403
// and 429 which scrape hosts emit on anti-bot flaps. All other 4xx statuses
// are permanent.
func (e *FetchError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	switch {
	case e.Status == 403 || e.Status == 429:
		return true
	case e.Status >= 500 && e.Status != 501:
		return true
	}
	return false
}

// IdleFor reports how long the session has gone without a touch, used by the
// registry sweep to expire abandoned playback attempts.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.LastAccess))
}
