package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vidgate/work/config"
	"vidgate/work/logger"
	"vidgate/work/metrics"
	"vidgate/work/types"

	"github.com/grafana/regexp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// Upstream performs all outbound HTTP(S) fetches for the proxy: catalog
// pages, embed hops, manifests, and media segments. It layers three
// disciplines over a plain transport:
//
//   - retry with exponential backoff for transient failures (transport
//     errors, 5xx except 501, plus 403/429 which scrape hosts emit on
//     anti-bot flaps),
//   - per-host request pacing so a burst of segment fetches cannot hammer a
//     single source,
//   - header injection (User-Agent/Referer/Origin spoofing) required by most
//     scraped sources, with the identifying headers the original player
//     stack would leak filtered out.
type Upstream struct {
	cfg      *config.Config
	retry    *retryablehttp.Client
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// DefaultUserAgent is sent when neither the per-request header map nor the
// adapter config supplies one.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// blockedHeaders are never forwarded upstream. Host is managed by the
// transport; sec-ch-ua* identify the embedding runtime and get embeds
// blocked; a player-supplied Origin is a cross-origin tell.
var blockedHeaders = []string{"Host", "Origin", "Sec-Ch-Ua", "Sec-Ch-Ua-Mobile", "Sec-Ch-Ua-Platform"}

// New creates an Upstream client from the proxy configuration.
func New(cfg *config.Config) *Upstream {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.FetchTimeout,
		// Bodies may be gzip compressed; decompression is handled explicitly
		// in Fetch so cached segment bytes stay verbatim.
		DisableCompression: true,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport}
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryDelay
	rc.RetryWaitMax = 10 * cfg.RetryDelay
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			metrics.UpstreamRetries.WithLabelValues(req.URL.Host).Inc()
			logger.Debug("{client/client - RequestLogHook} retry %d for %s", attempt, logger.LogURL(req.URL.String()))
		}
	}

	return &Upstream{
		cfg:      cfg,
		retry:    rc,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Transport failures that can never succeed on a retry: redirect storms,
// malformed/unsupported URLs, and certificate verification errors.
var (
	redirectsErrorRe = regexp.MustCompile(`stopped after \d+ redirects\z`)
	schemeErrorRe    = regexp.MustCompile(`unsupported protocol scheme`)
)

// checkRetry is the retry policy: transient transport errors and retryable
// statuses are retried, everything else is final. Context cancellation
// always wins.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			if redirectsErrorRe.MatchString(urlErr.Error()) || schemeErrorRe.MatchString(urlErr.Error()) {
				return false, nil
			}
			var certErr *tls.CertificateVerificationError
			if errors.As(urlErr, &certErr) {
				return false, nil
			}
			var authErr x509.UnknownAuthorityError
			if errors.As(urlErr, &authErr) {
				return false, nil
			}
		}
		return true, nil
	}
	fe := &types.FetchError{Status: resp.StatusCode}
	if resp.StatusCode >= 400 && fe.Retryable() {
		return true, nil
	}
	return false, nil
}

// limiter returns the rate limiter for a host, creating it on first use.
func (u *Upstream) limiter(host string) ratelimit.Limiter {
	l, _ := u.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(u.cfg.RateLimitPerHost)
	})
	return l
}

// Get issues a GET with the configured retry policy and per-host pacing.
// headers carries the origin-specific spoofing headers (from the adapter or
// a live session); extra carries pass-through request headers such as Range.
// The response body is returned unread; callers own closing it. A non-2xx
// final status is returned as a *types.FetchError (the body is drained and
// closed first).
func (u *Upstream) Get(ctx context.Context, rawURL string, headers map[string]string, extra http.Header) (*http.Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Err: err}
	}

	u.limiter(parsed.Host).Take()

	ctx, cancel := context.WithTimeout(ctx, u.cfg.FetchTimeout)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, &types.FetchError{URL: rawURL, Err: err}
	}

	u.setHeaders(req.Request, headers, extra)

	resp, err := u.retry.Do(req)
	if err != nil {
		cancel()
		return nil, &types.FetchError{URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Range requests legitimately answer 206.
		if resp.StatusCode != http.StatusPartialContent {
			status := resp.StatusCode
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			cancel()
			return nil, &types.FetchError{URL: rawURL, Status: status}
		}
	}

	// Tie the timeout to the body: the context must stay live until the
	// caller finishes streaming.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Fetch issues a GET and reads the entire body, transparently decompressing
// gzip responses. It returns the payload, the upstream content type, and the
// response header for cache-expiry extraction.
func (u *Upstream) Fetch(ctx context.Context, rawURL string, headers map[string]string) ([]byte, string, http.Header, error) {
	resp, err := u.Get(ctx, rawURL, headers, nil)
	if err != nil {
		return nil, "", nil, err
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, "", nil, &types.FetchError{URL: rawURL, Err: err}
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", nil, &types.FetchError{URL: rawURL, Err: err}
	}

	return body, resp.Header.Get("Content-Type"), resp.Header, nil
}

// setHeaders applies the spoofing headers and pass-through headers to an
// outbound request, dropping anything on the blocklist.
func (u *Upstream) setHeaders(req *http.Request, headers map[string]string, extra http.Header) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Connection", "keep-alive")

	for name, value := range headers {
		if value == "" {
			continue
		}
		req.Header.Set(name, value)
	}

	for name, values := range extra {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	for _, name := range blockedHeaders {
		// Origin is allowed only when the adapter/session explicitly set it.
		if name == "Origin" && headers["Origin"] != "" {
			continue
		}
		if _, fromSpoof := headers[name]; fromSpoof {
			continue
		}
		req.Header.Del(name)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
}

// cancelReadCloser releases the request's timeout context when the body is
// closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
