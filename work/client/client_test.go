package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"vidgate/work/config"
	"vidgate/work/types"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		ConnectTimeout:   5 * time.Second,
		FetchTimeout:     5 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Millisecond,
		RateLimitPerHost: 1000,
	}
}

func TestFetchRetriesForbiddenThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	u := New(testConfig())
	body, contentType, _, err := u.Fetch(context.Background(), srv.URL+"/seg.ts", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("segment-bytes"), body)
	assert.Equal(t, "video/mp2t", contentType)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts), "403 must be retried exactly once before the 200")
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	u := New(testConfig())
	_, _, _, err := u.Fetch(context.Background(), srv.URL+"/gone.ts", nil)
	require.Error(t, err)

	var fe *types.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "404 is permanent, no retries")
}

func TestFetchExhaustsRetriesOnServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	u := New(testConfig())
	_, _, _, err := u.Fetch(context.Background(), srv.URL+"/seg.ts", nil)
	require.Error(t, err)

	var fe *types.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusBadGateway, fe.Status)
	// Initial attempt plus MaxRetries.
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}

func TestHeaderSpoofing(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(testConfig())
	headers := map[string]string{
		"User-Agent": "CustomPlayer/1.0",
		"Referer":    "https://host.example.com/watch",
		"Origin":     "https://host.example.com",
	}
	extra := http.Header{}
	extra.Set("Sec-Ch-Ua", `"Chromium";v="120"`)

	resp, err := u.Get(context.Background(), srv.URL+"/page", headers, extra)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "CustomPlayer/1.0", got.Get("User-Agent"))
	assert.Equal(t, "https://host.example.com/watch", got.Get("Referer"))
	// Origin survives only because the spoof headers set it explicitly.
	assert.Equal(t, "https://host.example.com", got.Get("Origin"))
	// Client-hint headers never reach the upstream.
	assert.Empty(t, got.Get("Sec-Ch-Ua"))
}

func TestDefaultUserAgentApplied(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(testConfig())
	resp, err := u.Get(context.Background(), srv.URL+"/page", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, DefaultUserAgent, ua)
}

func TestFetchDecompressesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n"))
		gz.Close()
	}))
	defer srv.Close()

	u := New(testConfig())
	body, contentType, _, err := u.Fetch(context.Background(), srv.URL+"/index.m3u8", nil)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:3\n", string(body))
	assert.Equal(t, "application/vnd.apple.mpegurl", contentType)
}

func TestGetPassesRangeAndAcceptsPartialContent(t *testing.T) {
	payload := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=2-5", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 2-5/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[2:6])
	}))
	defer srv.Close()

	u := New(testConfig())
	extra := http.Header{}
	extra.Set("Range", "bytes=2-5")

	resp, err := u.Get(context.Background(), srv.URL+"/seg.ts", nil, extra)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), body)
}

func TestCheckRetryPolicy(t *testing.T) {
	ctx := context.Background()

	retry := func(status int) bool {
		ok, _ := checkRetry(ctx, &http.Response{StatusCode: status}, nil)
		return ok
	}

	assert.True(t, retry(http.StatusForbidden))
	assert.True(t, retry(http.StatusTooManyRequests))
	assert.True(t, retry(http.StatusInternalServerError))
	assert.True(t, retry(http.StatusBadGateway))
	assert.False(t, retry(http.StatusNotImplemented))
	assert.False(t, retry(http.StatusNotFound))
	assert.False(t, retry(http.StatusUnauthorized))
	assert.False(t, retry(http.StatusOK))

	// Transient transport errors are worth another attempt.
	ok, _ := checkRetry(ctx, nil, errors.New("connection reset"))
	assert.True(t, ok)
	ok, _ = checkRetry(ctx, nil, &url.Error{Op: "Get", URL: "http://x", Err: errors.New("EOF")})
	assert.True(t, ok)

	// Permanent transport failures are not: no amount of retrying fixes a
	// redirect storm, a bogus scheme, or an untrusted certificate.
	ok, _ = checkRetry(ctx, nil, &url.Error{Op: "Get", URL: "http://x", Err: errors.New("stopped after 10 redirects")})
	assert.False(t, ok)
	ok, _ = checkRetry(ctx, nil, &url.Error{Op: "Get", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)})
	assert.False(t, ok)
	ok, _ = checkRetry(ctx, nil, &url.Error{Op: "Get", URL: "https://x", Err: &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}})
	assert.False(t, ok)
	ok, _ = checkRetry(ctx, nil, &url.Error{Op: "Get", URL: "https://x", Err: x509.UnknownAuthorityError{}})
	assert.False(t, ok)

	// A dead caller context ends the attempt chain immediately.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	ok, err := checkRetry(canceled, nil, errors.New("any"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
