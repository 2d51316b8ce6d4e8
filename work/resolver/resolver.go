package resolver

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"vidgate/work/client"
	"vidgate/work/config"
	"vidgate/work/logger"
	"vidgate/work/metrics"
	"vidgate/work/types"

	"github.com/PuerkitoBio/goquery"
	"github.com/grafana/regexp"
	"github.com/maypok86/otter/v2"
)

// Resolver turns a content identifier into a playable upstream origin by
// scraping the configured catalog sources. Every extraction rule (selector,
// attribute, script pattern) comes from adapter configuration, never from
// code, so markup churn on a source site never touches this package.
//
// Resolution walks adapters in priority order; within an adapter it walks
// the candidate stream URLs in document order, descending through bounded
// embed/iframe chains, and probes each candidate until one yields a
// syntactically valid manifest. Catalog pages and probe bodies are cached
// briefly so repeated resolutions of the same content do not re-scrape.
type Resolver struct {
	cfg      *config.Config
	upstream *client.Upstream
	pages    *otter.Cache[string, []byte]
	patterns map[string][]*regexp.Regexp // compiled script patterns keyed by adapter name
}

// New creates a Resolver, compiling every adapter's script patterns up
// front. Patterns that fail to compile are logged and skipped rather than
// failing startup; a broken pattern is a config bug on one source, not a
// reason to lose the others.
func New(cfg *config.Config, upstream *client.Upstream) *Resolver {
	r := &Resolver{
		cfg:      cfg,
		upstream: upstream,
		pages: otter.Must(&otter.Options[string, []byte]{
			MaximumSize:      512,
			ExpiryCalculator: otter.ExpiryWriting[string, []byte](cfg.PageCacheTTL),
		}),
		patterns: make(map[string][]*regexp.Regexp),
	}

	for i := range cfg.Adapters {
		a := &cfg.Adapters[i]
		for _, raw := range a.ScriptPatterns {
			re, err := regexp.Compile(raw)
			if err != nil {
				logger.Warn("{resolver/resolver - New} adapter %s: invalid script pattern %q: %v", a.Name, raw, err)
				continue
			}
			r.patterns[a.Name] = append(r.patterns[a.Name], re)
		}
	}

	return r
}

// Resolve fetches and parses catalog pages for the content id until one
// adapter yields a probe-valid manifest origin. Adapters are tried in their
// configured order; exhausting them all returns ErrNoPlayableSource wrapped
// with the per-adapter failures.
func (r *Resolver) Resolve(ctx context.Context, req types.ContentRequest) (types.ResolvedOrigin, error) {
	adapters := r.cfg.AdaptersByOrder()
	if len(adapters) == 0 {
		return types.ResolvedOrigin{}, types.ErrNoAdapters
	}

	var failures []string
	for i := range adapters {
		a := &adapters[i]
		pageURL := a.BaseURL + strings.ReplaceAll(a.PagePath, "{id}", url.PathEscape(req.ContentID))

		logger.Debug("{resolver/resolver - Resolve} content %s: trying adapter %s (%s)", req.ContentID, a.Name, logger.LogURL(pageURL))

		origin, err := r.resolveAdapter(ctx, a, pageURL)
		if err != nil {
			metrics.Resolutions.WithLabelValues(a.Name, "failure").Inc()
			failures = append(failures, fmt.Sprintf("%s: %v", a.Name, err))
			continue
		}

		metrics.Resolutions.WithLabelValues(a.Name, "success").Inc()
		origin.Adapter = a.Name
		origin.Headers = adapterHeaders(a)
		return origin, nil
	}

	return types.ResolvedOrigin{}, fmt.Errorf("%w (%s)", types.ErrNoPlayableSource, strings.Join(failures, "; "))
}

// adapterHeaders builds the upstream spoofing headers this origin requires
// on every subsequent manifest and segment fetch.
func adapterHeaders(a *config.AdapterConfig) map[string]string {
	headers := map[string]string{
		"User-Agent": a.UserAgent,
	}
	if a.Referer != "" {
		headers["Referer"] = a.Referer
	}
	if a.Origin != "" {
		headers["Origin"] = a.Origin
	}
	return headers
}

// resolveAdapter collects candidate stream URLs from the adapter's catalog
// page (descending embed chains as needed) and probes them in order. The
// first candidate that parses as a manifest wins.
func (r *Resolver) resolveAdapter(ctx context.Context, a *config.AdapterConfig, pageURL string) (types.ResolvedOrigin, error) {
	candidates, err := r.collectCandidates(ctx, a, pageURL, 0, map[string]bool{})
	if err != nil {
		return types.ResolvedOrigin{}, err
	}
	if len(candidates) == 0 {
		return types.ResolvedOrigin{}, fmt.Errorf("no stream candidates on %s", logger.LogURL(pageURL))
	}

	var lastErr error
	for _, candidate := range candidates {
		origin, err := r.probe(ctx, a, candidate)
		if err != nil {
			logger.Debug("{resolver/resolver - resolveAdapter} probe failed for %s: %v", logger.LogURL(candidate), err)
			lastErr = err
			continue
		}
		return origin, nil
	}

	return types.ResolvedOrigin{}, fmt.Errorf("all %d candidates failed, last: %w", len(candidates), lastErr)
}

// collectCandidates extracts candidate stream URLs from one page and
// recurses into embed/iframe and mirror pages. The hop counter caps the
// chain so hostile or misconfigured sources cannot loop the resolver;
// visited pages are skipped outright.
func (r *Resolver) collectCandidates(ctx context.Context, a *config.AdapterConfig, pageURL string, hops int, visited map[string]bool) ([]string, error) {
	if hops > a.MaxHops {
		return nil, types.ErrRedirectLoop
	}
	if visited[pageURL] {
		return nil, nil
	}
	visited[pageURL] = true

	body, err := r.fetchPage(ctx, a, pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", logger.LogURL(pageURL), err)
	}

	var candidates []string
	seen := map[string]bool{}
	add := func(raw string) {
		raw = strings.TrimSpace(unescapeJSON(raw))
		if raw == "" {
			return
		}
		abs := absolutize(pageURL, raw)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		candidates = append(candidates, abs)
	}

	// Direct stream URLs from structural matches.
	if a.ItemSelector != "" {
		doc.Find(a.ItemSelector).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr(a.ItemAttr); ok {
				add(v)
			}
		})
	}

	// Script-embedded JSON blobs: run each configured pattern over inline
	// scripts, taking the first capture group as the candidate URL.
	if patterns := r.patterns[a.Name]; len(patterns) > 0 {
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			text := s.Text()
			for _, re := range patterns {
				for _, groups := range re.FindAllStringSubmatch(text, -1) {
					if len(groups) > 1 {
						add(groups[1])
					}
				}
			}
		})
	}

	// Embed/iframe hops and mirrors: descend one level per page, in
	// document order so the source's own priority ordering is preserved.
	var subPages []string
	if a.IframeSelector != "" {
		doc.Find(a.IframeSelector).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr(a.IframeAttr); ok {
				if abs := absolutize(pageURL, strings.TrimSpace(v)); abs != "" {
					subPages = append(subPages, abs)
				}
			}
		})
	}
	if a.MirrorSelector != "" {
		doc.Find(a.MirrorSelector).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr(a.MirrorAttr); ok {
				if abs := absolutize(pageURL, strings.TrimSpace(v)); abs != "" {
					subPages = append(subPages, abs)
				}
			}
		})
	}

	for _, sub := range subPages {
		if ctx.Err() != nil {
			return candidates, ctx.Err()
		}
		more, err := r.collectCandidates(ctx, a, sub, hops+1, visited)
		if err != nil {
			// A dead embed hop only costs its own candidates; the chain
			// limit error is the one failure worth surfacing.
			if err == types.ErrRedirectLoop {
				return candidates, err
			}
			logger.Debug("{resolver/resolver - collectCandidates} embed hop %s failed: %v", logger.LogURL(sub), err)
			continue
		}
		for _, c := range more {
			if !seen[c] {
				seen[c] = true
				candidates = append(candidates, c)
			}
		}
	}

	return candidates, nil
}

// fetchPage fetches a catalog/embed page through the short-lived page cache.
func (r *Resolver) fetchPage(ctx context.Context, a *config.AdapterConfig, pageURL string) ([]byte, error) {
	if body, ok := r.pages.GetIfPresent(pageURL); ok {
		return body, nil
	}

	body, _, _, err := r.upstream.Fetch(ctx, pageURL, adapterHeaders(a))
	if err != nil {
		return nil, err
	}

	r.pages.Set(pageURL, body)
	return body, nil
}

// absolutize resolves a possibly relative or protocol-relative URL against
// the page it was found on, returning "" for anything that cannot become an
// absolute http(s) URL.
func absolutize(pageURL, raw string) string {
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// unescapeJSON undoes the escaping found in script-embedded JSON URL values.
func unescapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\/`, `/`)
	s = strings.ReplaceAll(s, `&amp;`, `&`)
	return s
}
