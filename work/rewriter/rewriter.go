package rewriter

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"vidgate/work/types"
)

// ManifestType classifies the adaptive-streaming manifest formats the proxy
// can rewrite. Detection is by content sniffing, never by file extension,
// because upstreams frequently omit or lie about extensions.
type ManifestType int

const (
	ManifestUnknown ManifestType = iota
	ManifestHLS                  // HLS text playlist (#EXTM3U)
	ManifestDASH                 // DASH MPD XML document
)

// ContentType returns the response content type the player expects for this
// manifest format.
func (t ManifestType) ContentType() string {
	switch t {
	case ManifestHLS:
		return "application/vnd.apple.mpegurl"
	case ManifestDASH:
		return "application/dash+xml"
	}
	return "application/octet-stream"
}

// Detect sniffs the manifest type from the leading bytes of a body. HLS
// playlists must open with #EXTM3U; DASH manifests are XML documents whose
// root element is MPD (an XML declaration or comments may precede it).
func Detect(body []byte) ManifestType {
	head := bytes.TrimLeft(body, " \t\r\n\xef\xbb\xbf")
	if bytes.HasPrefix(head, []byte("#EXTM3U")) {
		return ManifestHLS
	}
	if bytes.HasPrefix(head, []byte("<")) && bytes.Contains(head[:min(len(head), 1024)], []byte("<MPD")) {
		return ManifestDASH
	}
	return ManifestUnknown
}

// Rewriter rewrites manifests so every media/segment/key URL points back at
// the local proxy, carrying a self-describing reference (session id plus the
// original absolute URL) that survives proxy restarts and session expiry.
type Rewriter struct {
	ProxyBase string // Base URL of the local proxy, e.g. "http://127.0.0.1:8089"
}

// New creates a Rewriter producing references under proxyBase.
func New(proxyBase string) *Rewriter {
	return &Rewriter{ProxyBase: strings.TrimRight(proxyBase, "/")}
}

// Rewrite detects the manifest type and dispatches to the format-specific
// rewriter. baseURL is the manifest's own fetch URL, used to absolutize
// relative references before encoding. Unknown content yields
// ErrUnknownManifestType.
func (rw *Rewriter) Rewrite(body []byte, baseURL, sessionID string) ([]byte, ManifestType, error) {
	switch Detect(body) {
	case ManifestHLS:
		out, err := rw.RewriteHLS(body, baseURL, sessionID)
		return out, ManifestHLS, err
	case ManifestDASH:
		out, err := rw.RewriteDASH(body, baseURL, sessionID)
		return out, ManifestDASH, err
	}
	return nil, ManifestUnknown, types.ErrUnknownManifestType
}

// proxiedRef is the JSON payload encoded into every rewritten URL. Short
// keys keep the base64 refs within URL length budgets for long upstream
// URLs.
type proxiedRef struct {
	S string `json:"s"` // session id
	U string `json:"u"` // original absolute URL
}

// EncodeRef builds the opaque reference embedding the session id and the
// original absolute URL. The encoding is reversible without any proxy-side
// state, which is what lets a restarted proxy keep serving URLs whose
// sessions are gone.
func EncodeRef(sessionID, absURL string) string {
	payload, _ := json.Marshal(proxiedRef{S: sessionID, U: absURL})
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeRef recovers the session id and original URL from a proxied
// reference. Failures return ErrBadRef; the caller maps that to a client
// error because nothing recoverable is embedded in the reference.
func DecodeRef(ref string) (sessionID, absURL string, err error) {
	payload, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", types.ErrBadRef, err)
	}
	var pr proxiedRef
	if err := json.Unmarshal(payload, &pr); err != nil {
		return "", "", fmt.Errorf("%w: %v", types.ErrBadRef, err)
	}
	if pr.U == "" {
		return "", "", types.ErrBadRef
	}
	if _, err := url.Parse(pr.U); err != nil {
		return "", "", fmt.Errorf("%w: %v", types.ErrBadRef, err)
	}
	return pr.S, pr.U, nil
}

// JoinRef resolves a decoded base URL with the cleartext remainder of a
// split reference (used by DASH template rewrites, where the placeholder
// part of the URL must stay visible to the player). An empty remainder
// returns the base unchanged.
func JoinRef(base, rest string) string {
	if rest == "" {
		return base
	}
	if strings.HasSuffix(base, "/") {
		return base + rest
	}
	return base + "/" + rest
}

// segmentURL builds the proxy URL replacing an original absolute URL.
func (rw *Rewriter) segmentURL(sessionID, absURL string) string {
	return rw.ProxyBase + "/segment/" + EncodeRef(sessionID, absURL)
}

// splitSegmentURL builds a proxy URL for an original URL whose last path
// element must remain cleartext (DASH $Template$ placeholders). The
// directory part is encoded into the reference; the file part rides after
// it. When the directory itself carries a placeholder the whole URL is
// returned unrewritten, since encoding would hide the placeholder from the
// player.
func (rw *Rewriter) splitSegmentURL(sessionID, absURL string) string {
	idx := strings.LastIndex(absURL, "/")
	if idx < len("https://") {
		return rw.segmentURL(sessionID, absURL)
	}
	dir, file := absURL[:idx], absURL[idx+1:]
	if strings.Contains(dir, "$") {
		return absURL
	}
	if !strings.Contains(file, "$") {
		return rw.segmentURL(sessionID, absURL)
	}
	return rw.ProxyBase + "/segment/" + EncodeRef(sessionID, dir) + "/" + file
}

// resolveRef absolutizes a possibly relative reference against the manifest
// fetch URL. Unparseable references are returned as-is so a bad line never
// corrupts its neighbors.
func resolveRef(baseURL, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
