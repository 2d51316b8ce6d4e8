package resolver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"vidgate/work/config"
	"vidgate/work/logger"
	"vidgate/work/rewriter"
	"vidgate/work/types"

	"github.com/beevik/etree"
	"github.com/grafov/m3u8"
)

// probe fetches a candidate URL and validates that it is a syntactically
// usable manifest via a shallow parse. This is deliberately not full
// playback validation: one fetch, one parse, no segment fetches. A
// candidate whose body turns out to be another HTML page is not an error
// here, just an invalid manifest; the chain descent in collectCandidates
// has already mined embed pages for their URLs.
func (r *Resolver) probe(ctx context.Context, a *config.AdapterConfig, candidate string) (types.ResolvedOrigin, error) {
	ctx, cancel := context.WithTimeout(ctx, a.ProbeTimeout)
	defer cancel()

	body, err := r.fetchPage(ctx, a, candidate)
	if err != nil {
		return types.ResolvedOrigin{}, err
	}

	switch rewriter.Detect(body) {
	case rewriter.ManifestHLS:
		return probeHLS(body, candidate)
	case rewriter.ManifestDASH:
		return probeDASH(body, candidate)
	}
	return types.ResolvedOrigin{}, fmt.Errorf("candidate %s is not a manifest", logger.LogURL(candidate))
}

// probeHLS shallow-parses an HLS playlist. Master playlists expand into
// their variant list (descending bandwidth); a media playlist is a single
// variant-less origin.
func probeHLS(body []byte, manifestURL string) (types.ResolvedOrigin, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
	if err != nil {
		return types.ResolvedOrigin{}, fmt.Errorf("invalid HLS playlist: %w", err)
	}

	origin := types.ResolvedOrigin{ManifestURL: manifestURL}

	switch listType {
	case m3u8.MEDIA:
		// A bare media playlist: the manifest itself is the only variant.

	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		for _, variant := range master.Variants {
			if variant == nil || variant.URI == "" {
				continue
			}

			label := variant.Name
			if label == "" && variant.Resolution != "" {
				if idx := strings.LastIndex(variant.Resolution, "x"); idx > 0 {
					label = variant.Resolution[idx+1:] + "p"
				} else {
					label = variant.Resolution
				}
			}

			origin.Variants = append(origin.Variants, types.Variant{
				Label:     label,
				Bandwidth: variant.Bandwidth,
				URL:       absolutize(manifestURL, variant.URI),
			})
		}
		if len(origin.Variants) == 0 {
			return types.ResolvedOrigin{}, fmt.Errorf("master playlist has no usable variants")
		}
		sort.SliceStable(origin.Variants, func(i, j int) bool {
			return origin.Variants[i].Bandwidth > origin.Variants[j].Bandwidth
		})

	default:
		return types.ResolvedOrigin{}, fmt.Errorf("unrecognized HLS playlist type")
	}

	return origin, nil
}

// probeDASH validates that the body is an MPD document with at least one
// Representation. Variant selection inside a DASH manifest is the player's
// job (adaptation sets stay intact through the rewrite), so the origin
// carries no variant list.
func probeDASH(body []byte, manifestURL string) (types.ResolvedOrigin, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return types.ResolvedOrigin{}, fmt.Errorf("invalid MPD document: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "MPD" {
		return types.ResolvedOrigin{}, fmt.Errorf("XML document is not an MPD")
	}
	if len(doc.FindElements("//Representation")) == 0 {
		return types.ResolvedOrigin{}, fmt.Errorf("MPD has no representations")
	}

	return types.ResolvedOrigin{ManifestURL: manifestURL}, nil
}
