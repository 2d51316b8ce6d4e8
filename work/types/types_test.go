package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContentRequestKey(t *testing.T) {
	a := ContentRequest{ContentID: "movie-1", Quality: QualityBest}
	b := ContentRequest{ContentID: "movie-1", Quality: QualityWorst}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), ContentRequest{ContentID: "movie-1", Quality: QualityBest}.Key())
}

func TestPick(t *testing.T) {
	origin := ResolvedOrigin{
		ManifestURL: "https://cdn.example.com/media.m3u8",
		Variants: []Variant{
			{Label: "1080p", Bandwidth: 5000000, URL: "https://cdn.example.com/1080.m3u8"},
			{Label: "720p", Bandwidth: 2500000, URL: "https://cdn.example.com/720.m3u8"},
			{Label: "360p", Bandwidth: 800000, URL: "https://cdn.example.com/360.m3u8"},
		},
	}

	assert.Equal(t, "https://cdn.example.com/1080.m3u8", origin.Pick(QualityBest))
	assert.Equal(t, "https://cdn.example.com/1080.m3u8", origin.Pick(""))
	assert.Equal(t, "https://cdn.example.com/360.m3u8", origin.Pick(QualityWorst))
	assert.Equal(t, "https://cdn.example.com/720.m3u8", origin.Pick("720p"))

	// Unknown labels degrade to best rather than failing playback.
	assert.Equal(t, "https://cdn.example.com/1080.m3u8", origin.Pick("4k"))

	// A variant-less origin is its own manifest.
	bare := ResolvedOrigin{ManifestURL: "https://cdn.example.com/live.m3u8"}
	assert.Equal(t, "https://cdn.example.com/live.m3u8", bare.Pick(QualityBest))
	assert.Equal(t, "https://cdn.example.com/live.m3u8", bare.Pick(QualityWorst))
}

func TestFetchErrorRetryable(t *testing.T) {
	retryable := []int{403, 429, 500, 502, 503, 504}
	for _, status := range retryable {
		assert.True(t, (&FetchError{Status: status}).Retryable(), "status %d", status)
	}

	permanent := []int{400, 401, 404, 410, 451, 501}
	for _, status := range permanent {
		assert.False(t, (&FetchError{Status: status}).Retryable(), "status %d", status)
	}

	// Transport failures never produced a status; always worth a retry.
	assert.True(t, (&FetchError{Err: errors.New("connection reset")}).Retryable())
}

func TestFetchErrorUnwrap(t *testing.T) {
	inner := errors.New("tls handshake failed")
	err := &FetchError{URL: "https://x", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "tls handshake failed")

	statusErr := &FetchError{URL: "https://x", Status: 502}
	assert.Contains(t, statusErr.Error(), "502")
}

func TestSessionIdleFor(t *testing.T) {
	now := time.Now()
	s := &Session{LastAccess: now.Add(-3 * time.Minute).UnixNano()}
	idle := s.IdleFor(now)
	assert.InDelta(t, (3 * time.Minute).Seconds(), idle.Seconds(), 0.01)
}
