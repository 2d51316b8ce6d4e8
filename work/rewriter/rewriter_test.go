package rewriter

import (
	"strings"
	"testing"

	"vidgate/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const proxyBase = "http://127.0.0.1:8089"

// decodeSegmentURL pulls the session id and original URL back out of a
// rewritten proxy URL.
func decodeSegmentURL(t *testing.T, proxied string) (string, string) {
	t.Helper()
	ref, ok := strings.CutPrefix(proxied, proxyBase+"/segment/")
	require.True(t, ok, "not a proxy segment URL: %s", proxied)
	sessionID, absURL, err := DecodeRef(ref)
	require.NoError(t, err)
	return sessionID, absURL
}

func TestDetect(t *testing.T) {
	assert.Equal(t, ManifestHLS, Detect([]byte("#EXTM3U\n#EXT-X-VERSION:3\n")))
	assert.Equal(t, ManifestHLS, Detect([]byte("\xef\xbb\xbf#EXTM3U\n")))
	assert.Equal(t, ManifestDASH, Detect([]byte(`<?xml version="1.0"?><MPD></MPD>`)))
	assert.Equal(t, ManifestDASH, Detect([]byte("\n  <MPD xmlns=\"urn:mpeg:dash:schema:mpd:2011\"/>")))
	assert.Equal(t, ManifestUnknown, Detect([]byte("GET / HTTP/1.1")))
	assert.Equal(t, ManifestUnknown, Detect([]byte{0x47, 0x40, 0x11, 0x10}))
	assert.Equal(t, ManifestUnknown, Detect(nil))
}

func TestManifestTypeContentType(t *testing.T) {
	assert.Equal(t, "application/vnd.apple.mpegurl", ManifestHLS.ContentType())
	assert.Equal(t, "application/dash+xml", ManifestDASH.ContentType())
	assert.Equal(t, "application/octet-stream", ManifestUnknown.ContentType())
}

func TestEncodeDecodeRefRoundTrip(t *testing.T) {
	urls := []string{
		"https://cdn.example.com/media/seg0001.ts",
		"https://cdn.example.com/media/seg.ts?token=a%2Fb&expires=123",
		"https://cdn.example.com/path with space/seg.ts",
		"http://10.0.0.5:8080/live/stream.m3u8#frag",
	}
	for _, u := range urls {
		ref := EncodeRef("sess-1", u)
		sessionID, absURL, err := DecodeRef(ref)
		require.NoError(t, err, "url %s", u)
		assert.Equal(t, "sess-1", sessionID)
		assert.Equal(t, u, absURL)
	}
}

func TestDecodeRefRejectsGarbage(t *testing.T) {
	for _, ref := range []string{"", "not base64!!!", "aGVsbG8", "e30"} {
		_, _, err := DecodeRef(ref)
		assert.ErrorIs(t, err, types.ErrBadRef, "ref %q", ref)
	}
}

func TestJoinRef(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/a", JoinRef("https://cdn.example.com/a", ""))
	assert.Equal(t, "https://cdn.example.com/a/chunk_5.m4s", JoinRef("https://cdn.example.com/a", "chunk_5.m4s"))
	assert.Equal(t, "https://cdn.example.com/a/chunk_5.m4s", JoinRef("https://cdn.example.com/a/", "chunk_5.m4s"))
}

func TestRewriteHLSMediaPlaylist(t *testing.T) {
	rw := New(proxyBase)
	playlist := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-MEDIA-SEQUENCE:100\n" +
		"\n" +
		"#EXTINF:5.980,\n" +
		"seg100.ts\n" +
		"#EXTINF:6.000,\n" +
		"https://other-cdn.example.net/seg101.ts\n"

	out, err := rw.RewriteHLS([]byte(playlist), "https://cdn.example.com/live/index.m3u8", "sess-1")
	require.NoError(t, err)

	lines := strings.Split(string(out), "\n")
	require.Len(t, lines, 10) // trailing newline survives as a final empty element

	// Non-URL lines pass through byte for byte, blank line included.
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-VERSION:3", lines[1])
	assert.Equal(t, "#EXT-X-TARGETDURATION:6", lines[2])
	assert.Equal(t, "#EXT-X-MEDIA-SEQUENCE:100", lines[3])
	assert.Equal(t, "", lines[4])
	assert.Equal(t, "#EXTINF:5.980,", lines[5])
	assert.Equal(t, "#EXTINF:6.000,", lines[7])
	assert.Equal(t, "", lines[9])

	// Relative segment absolutized against the playlist URL.
	sessionID, absURL := decodeSegmentURL(t, lines[6])
	assert.Equal(t, "sess-1", sessionID)
	assert.Equal(t, "https://cdn.example.com/live/seg100.ts", absURL)

	// Absolute segment on a different host kept as-is inside the ref.
	_, absURL = decodeSegmentURL(t, lines[8])
	assert.Equal(t, "https://other-cdn.example.net/seg101.ts", absURL)
}

func TestRewriteHLSPreservesCarriageReturns(t *testing.T) {
	rw := New(proxyBase)
	playlist := "#EXTM3U\r\n#EXTINF:4.0,\r\nseg1.ts\r\n"

	out, err := rw.RewriteHLS([]byte(playlist), "https://cdn.example.com/x/p.m3u8", "s")
	require.NoError(t, err)

	text := string(out)
	assert.True(t, strings.HasPrefix(text, "#EXTM3U\r\n"))
	assert.True(t, strings.HasSuffix(text, "\r\n"))

	segLine := strings.Split(text, "\r\n")[2]
	_, absURL := decodeSegmentURL(t, segLine)
	assert.Equal(t, "https://cdn.example.com/x/seg1.ts", absURL)
}

func TestRewriteHLSMasterPlaylist(t *testing.T) {
	rw := New(proxyBase)
	playlist := "#EXTM3U\n" +
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",URI="audio/en.m3u8"` + "\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,AUDIO=\"aud\"\n" +
		"720p/index.m3u8\n"

	out, err := rw.RewriteHLS([]byte(playlist), "https://cdn.example.com/vod/master.m3u8", "sess-2")
	require.NoError(t, err)

	lines := strings.Split(string(out), "\n")

	// The URI attribute value is the only rewritten part of the MEDIA line.
	assert.True(t, strings.HasPrefix(lines[1], `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",URI="`+proxyBase+"/segment/"))
	ref := strings.TrimSuffix(strings.Split(lines[1], `URI="`)[1], `"`)
	_, absURL, err := DecodeRef(strings.TrimPrefix(ref, proxyBase+"/segment/"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/vod/audio/en.m3u8", absURL)

	// STREAM-INF carries no URI attribute and is untouched.
	assert.Equal(t, "#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,AUDIO=\"aud\"", lines[2])

	// Variant playlist line becomes a proxy reference.
	_, absURL = decodeSegmentURL(t, lines[3])
	assert.Equal(t, "https://cdn.example.com/vod/720p/index.m3u8", absURL)
}

func TestRewriteHLSKeyURI(t *testing.T) {
	rw := New(proxyBase)
	playlist := "#EXTM3U\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x1234` + "\n" +
		"#EXTINF:4.0,\nseg1.ts\n"

	out, err := rw.RewriteHLS([]byte(playlist), "https://cdn.example.com/live/p.m3u8", "s")
	require.NoError(t, err)

	keyLine := strings.Split(string(out), "\n")[1]
	assert.True(t, strings.HasPrefix(keyLine, "#EXT-X-KEY:METHOD=AES-128,URI=\""))
	assert.True(t, strings.HasSuffix(keyLine, `",IV=0x1234`))

	ref := strings.TrimSuffix(strings.Split(keyLine, `URI="`)[1], `",IV=0x1234`)
	_, absURL, err := DecodeRef(strings.TrimPrefix(ref, proxyBase+"/segment/"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/live/key.bin", absURL)
}

func TestRewriteHLSAcceptsByteOrderMark(t *testing.T) {
	rw := New(proxyBase)
	playlist := "\uFEFF#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"

	out, err := rw.RewriteHLS([]byte(playlist), "https://cdn.example.com/x/p.m3u8", "s")
	require.NoError(t, err)

	segLine := strings.Split(string(out), "\n")[2]
	_, absURL := decodeSegmentURL(t, segLine)
	assert.Equal(t, "https://cdn.example.com/x/seg1.ts", absURL)
}

func TestRewriteHLSRejectsNonPlaylist(t *testing.T) {
	rw := New(proxyBase)
	_, err := rw.RewriteHLS([]byte("<html>not found</html>"), "https://cdn.example.com/p.m3u8", "s")
	assert.ErrorIs(t, err, types.ErrUnparseableManifest)
}

func TestRewriteDASHSegmentTemplate(t *testing.T) {
	rw := New(proxyBase)
	mpd := `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period>
    <AdaptationSet mimeType="video/mp4">
      <SegmentTemplate media="video/chunk_$Number$.m4s" initialization="video/init.mp4" startNumber="1"/>
      <Representation id="v1" bandwidth="2000000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	out, err := rw.RewriteDASH([]byte(mpd), "https://cdn.example.com/vod/manifest.mpd", "sess-3")
	require.NoError(t, err)
	text := string(out)

	// The template placeholder must stay cleartext so the player can still
	// substitute segment numbers into it.
	assert.Contains(t, text, "/chunk_$Number$.m4s")
	assert.NotContains(t, text, `media="video/chunk_`)

	// The media attribute is a split reference: encoded directory, cleartext
	// file. Joining the decoded directory with the remainder recovers the
	// original URL shape.
	start := strings.Index(text, `media="`) + len(`media="`)
	mediaVal := text[start : start+strings.Index(text[start:], `"`)]
	require.True(t, strings.HasPrefix(mediaVal, proxyBase+"/segment/"))

	parts := strings.SplitN(strings.TrimPrefix(mediaVal, proxyBase+"/segment/"), "/", 2)
	require.Len(t, parts, 2)
	_, dir, err := DecodeRef(parts[0])
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/vod/video", dir)
	assert.Equal(t, "chunk_$Number$.m4s", parts[1])
	assert.Equal(t, "https://cdn.example.com/vod/video/chunk_$Number$.m4s", JoinRef(dir, parts[1]))

	// Initialization has no placeholder, so it is a plain encoded reference.
	start = strings.Index(text, `initialization="`) + len(`initialization="`)
	initVal := text[start : start+strings.Index(text[start:], `"`)]
	_, absURL := decodeSegmentURL(t, initVal)
	assert.Equal(t, "https://cdn.example.com/vod/video/init.mp4", absURL)
}

func TestRewriteDASHBaseURL(t *testing.T) {
	rw := New(proxyBase)
	mpd := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011">
  <BaseURL>https://media.example.com/content/</BaseURL>
  <Period>
    <AdaptationSet>
      <SegmentList>
        <Initialization sourceURL="init.mp4"/>
        <SegmentURL media="seg-1.m4s"/>
        <SegmentURL media="seg-2.m4s"/>
      </SegmentList>
    </AdaptationSet>
  </Period>
</MPD>`

	out, err := rw.RewriteDASH([]byte(mpd), "https://cdn.example.com/vod/manifest.mpd", "sess-4")
	require.NoError(t, err)
	text := string(out)

	// Segment URLs resolve through the document BaseURL, not the fetch URL.
	start := strings.Index(text, `media="`) + len(`media="`)
	mediaVal := text[start : start+strings.Index(text[start:], `"`)]
	_, absURL := decodeSegmentURL(t, mediaVal)
	assert.Equal(t, "https://media.example.com/content/seg-1.m4s", absURL)

	start = strings.Index(text, `sourceURL="`) + len(`sourceURL="`)
	initVal := text[start : start+strings.Index(text[start:], `"`)]
	_, absURL = decodeSegmentURL(t, initVal)
	assert.Equal(t, "https://media.example.com/content/init.mp4", absURL)

	// The BaseURL element itself becomes a proxy directory reference.
	assert.NotContains(t, text, ">https://media.example.com/content/<")
}

func TestRewriteDASHRejectsNonMPD(t *testing.T) {
	rw := New(proxyBase)
	_, err := rw.RewriteDASH([]byte(`<html><body>nope</body></html>`), "https://cdn.example.com/m.mpd", "s")
	assert.ErrorIs(t, err, types.ErrUnparseableManifest)

	_, err = rw.RewriteDASH([]byte("not xml at all"), "https://cdn.example.com/m.mpd", "s")
	assert.ErrorIs(t, err, types.ErrUnparseableManifest)
}

func TestRewriteDispatch(t *testing.T) {
	rw := New(proxyBase)

	_, mt, err := rw.Rewrite([]byte("#EXTM3U\n#EXTINF:4.0,\nseg.ts\n"), "https://cdn.example.com/p.m3u8", "s")
	require.NoError(t, err)
	assert.Equal(t, ManifestHLS, mt)

	_, mt, err = rw.Rewrite([]byte(`<MPD xmlns="urn:mpeg:dash:schema:mpd:2011"></MPD>`), "https://cdn.example.com/m.mpd", "s")
	require.NoError(t, err)
	assert.Equal(t, ManifestDASH, mt)

	_, mt, err = rw.Rewrite([]byte{0x47, 0x40}, "https://cdn.example.com/seg.ts", "s")
	assert.ErrorIs(t, err, types.ErrUnknownManifestType)
	assert.Equal(t, ManifestUnknown, mt)
}

func TestSplitSegmentURLPlaceholderInDirectory(t *testing.T) {
	rw := New(proxyBase)

	// A placeholder in the directory cannot be hidden inside an encoded
	// reference, so the URL passes through unrewritten.
	raw := "https://cdn.example.com/rep_$RepresentationID$/chunk_$Number$.m4s"
	assert.Equal(t, raw, rw.splitSegmentURL("s", raw))

	// No placeholder at all collapses to a plain encoded reference.
	plain := rw.splitSegmentURL("s", "https://cdn.example.com/video/init.mp4")
	_, absURL := decodeSegmentURL(t, plain)
	assert.Equal(t, "https://cdn.example.com/video/init.mp4", absURL)
}
