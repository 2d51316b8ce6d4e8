package rewriter

import (
	"strings"

	"vidgate/work/types"

	"github.com/grafana/regexp"
)

// uriAttrPattern matches the URI="..." attribute inside a directive line.
// Only the quoted value is replaced; every other byte of the line passes
// through untouched.
var uriAttrPattern = regexp.MustCompile(`URI="([^"]*)"`)

// uriBearingTags are the HLS directives whose URI attribute references
// fetchable content (keys, alternate renditions, init sections, sub-playlist
// variants). Any directive not listed here is opaque and passes through
// byte-for-byte, including future or nonstandard tags.
var uriBearingTags = []string{
	"#EXT-X-KEY:",
	"#EXT-X-SESSION-KEY:",
	"#EXT-X-MEDIA:",
	"#EXT-X-MAP:",
	"#EXT-X-I-FRAME-STREAM-INF:",
	"#EXT-X-PART:",
	"#EXT-X-PRELOAD-HINT:",
}

// RewriteHLS rewrites an HLS playlist line by line. Directive lines are
// preserved verbatim except for URI attributes on the known URI-bearing
// tags; bare URL lines (media segments in media playlists, variant
// playlists in master playlists) are absolutized against the playlist's own
// fetch URL and replaced with proxy references. Line order, blank lines,
// carriage returns, and the trailing-newline state all survive the rewrite.
func (rw *Rewriter) RewriteHLS(body []byte, baseURL, sessionID string) ([]byte, error) {
	text := string(body)
	if !strings.HasPrefix(strings.TrimLeft(text, " \t\r\n\uFEFF"), "#EXTM3U") {
		return nil, types.ErrUnparseableManifest
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		// Keep \r attached to the output, not to the URL.
		cr := ""
		if strings.HasSuffix(line, "\r") {
			cr = "\r"
			line = strings.TrimSuffix(line, "\r")
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			if rewritten, ok := rw.rewriteDirective(line, baseURL, sessionID); ok {
				lines[i] = rewritten + cr
			}
		default:
			abs := resolveRef(baseURL, trimmed)
			lines[i] = rw.segmentURL(sessionID, abs) + cr
		}
	}

	return []byte(strings.Join(lines, "\n")), nil
}

// rewriteDirective rewrites the URI attribute of a URI-bearing directive
// line. Returns the original line and false when the directive carries no
// rewritable URI.
func (rw *Rewriter) rewriteDirective(line, baseURL, sessionID string) (string, bool) {
	bearing := false
	for _, tag := range uriBearingTags {
		if strings.HasPrefix(line, tag) {
			bearing = true
			break
		}
	}
	if !bearing || !strings.Contains(line, `URI="`) {
		return line, false
	}

	out := uriAttrPattern.ReplaceAllStringFunc(line, func(match string) string {
		groups := uriAttrPattern.FindStringSubmatch(match)
		if len(groups) < 2 || groups[1] == "" {
			return match
		}
		abs := resolveRef(baseURL, groups[1])
		return `URI="` + rw.segmentURL(sessionID, abs) + `"`
	})
	return out, true
}
