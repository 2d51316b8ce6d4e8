package rewriter

import (
	"fmt"
	"strings"

	"vidgate/work/types"

	"github.com/beevik/etree"
)

// urlAttrs maps DASH element tags to the attributes on them that reference
// fetchable content. Attributes not listed here are never touched, so the
// rewrite is lossless for everything that is not a URL reference.
var urlAttrs = map[string][]string{
	"SegmentTemplate":     {"media", "initialization"},
	"SegmentURL":          {"media"},
	"Initialization":      {"sourceURL"},
	"RepresentationIndex": {"sourceURL"},
}

// RewriteDASH rewrites a DASH MPD document. BaseURL elements and the URL
// attributes on segment templates, segment lists, and initialization
// elements are absolutized against the manifest's own fetch URL (combined
// with the document's top-level BaseURL when present) and replaced with
// proxy references. Template placeholders ($Number$, $Time$, ...) stay in
// cleartext after the encoded reference so the player can still substitute
// them. The XML structure is preserved by editing the parsed tree in place.
func (rw *Rewriter) RewriteDASH(body []byte, baseURL, sessionID string) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnparseableManifest, err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "MPD" {
		return nil, types.ErrUnparseableManifest
	}

	// The document's own top-level BaseURL shifts the base for everything
	// beneath it.
	effectiveBase := baseURL
	if el := root.SelectElement("BaseURL"); el != nil {
		effectiveBase = resolveRef(baseURL, strings.TrimSpace(el.Text()))
	}

	// BaseURL elements become proxy directory references so that relative
	// segment URLs beneath them resolve straight back to the proxy.
	for _, el := range doc.FindElements("//BaseURL") {
		abs := resolveRef(effectiveBase, strings.TrimSpace(el.Text()))
		if !strings.HasSuffix(abs, "/") {
			// A BaseURL pointing at a single media file is itself the
			// segment reference.
			el.SetText(rw.segmentURL(sessionID, abs))
			continue
		}
		el.SetText(rw.ProxyBase + "/segment/" + EncodeRef(sessionID, abs) + "/")
	}

	for tag, attrs := range urlAttrs {
		for _, el := range doc.FindElements("//" + tag) {
			for _, name := range attrs {
				attr := el.SelectAttr(name)
				if attr == nil || attr.Value == "" {
					continue
				}
				abs := resolveRef(effectiveBase, attr.Value)
				attr.Value = rw.splitSegmentURL(sessionID, abs)
			}
		}
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnparseableManifest, err)
	}
	return out, nil
}
