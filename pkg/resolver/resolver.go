// Package resolver fetches an HLS manifest, classifies it as master or
// media, applies a quality-selection policy to pick one variant, and
// produces a ResolvedStream describing what was found.
package resolver

import (
	"context"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/aminofox/hlsingest/pkg/herrors"
	"github.com/aminofox/hlsingest/pkg/hlsurl"
	"github.com/aminofox/hlsingest/pkg/m3u8"
	"github.com/aminofox/hlsingest/pkg/playlist"
)

// FetchClient is the injectable HTTP collaborator. *http.Client satisfies
// it directly, letting tests substitute a deterministic stub.
type FetchClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryHook is consulted after a failed manifest fetch. It receives the
// zero-indexed attempt number, the previous error, and the URL, and
// returns a delay in milliseconds to wait before retrying, or ok=false to
// give up immediately.
type RetryHook func(attempt int, prevErr error, url string) (delayMS int, ok bool)

// QualitySelectionKind tags the active case of QualitySelection.
type QualitySelectionKind int

const (
	Highest QualitySelectionKind = iota
	Lowest
	Auto
	ByBandwidth
	ByResolution
)

// QualitySelection is a tagged union over the variant-selection policies.
// Only the fields relevant to Kind are read.
type QualitySelection struct {
	Kind   QualitySelectionKind
	Target int // bits per second, for ByBandwidth
	Width  int // for ByResolution
	Height int // for ByResolution
}

// ResolveOptions configures Resolve.
type ResolveOptions struct {
	Client    FetchClient
	Selection QualitySelection
	Retry     RetryHook
}

// ResolvedStream is the resolver's output: the chosen media playlist plus
// enough of the surrounding master context to expose renditions.
type ResolvedStream struct {
	BaseURL            string
	MediaPlaylist      *playlist.MediaPlaylist
	MasterPlaylist     *playlist.MasterPlaylist // nil when manifestURL was already a media playlist
	SelectedVariant    *playlist.Variant        // nil when there was no master
	AudioRenditions    []playlist.MediaRendition
	SubtitleRenditions []playlist.MediaRendition
	IsLive             bool
}

// dolbyOnlyCodecs identifies codec substrings considered Dolby-only and
// therefore demoted behind more widely-supported alternatives.
var dolbyOnlyCodecs = []string{"ec-3", "ac-3"}

// Resolve fetches manifestURL, parses it, and — if it is a master
// playlist — selects one variant per opts.Selection, then fetches and
// parses that variant's media playlist.
func Resolve(ctx context.Context, manifestURL string, opts ResolveOptions) (*ResolvedStream, error) {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	text, err := fetchText(ctx, client, manifestURL, opts.Retry)
	if err != nil {
		return nil, err
	}

	pl, err := m3u8.Parse(text)
	if err != nil {
		return nil, err
	}

	if pl.Kind == playlist.KindMedia {
		return &ResolvedStream{
			BaseURL:       manifestURL,
			MediaPlaylist: pl.Media,
			IsLive:        !pl.Media.EndList,
		}, nil
	}

	master := pl.Master
	if len(master.Variants) == 0 {
		return nil, herrors.NewNoVariantError()
	}

	variant := selectVariant(master.Variants, opts.Selection)
	variantURL, err := hlsurl.Resolve(variant.URI, manifestURL)
	if err != nil {
		return nil, herrors.Wrap(herrors.CodeParse, "resolving variant URI", err)
	}

	mediaText, err := fetchText(ctx, client, variantURL, opts.Retry)
	if err != nil {
		return nil, err
	}
	mediaPL, err := m3u8.Parse(mediaText)
	if err != nil {
		return nil, err
	}
	if mediaPL.Kind != playlist.KindMedia {
		return nil, herrors.NewUnsupportedMediaError("variant URI resolved to another master playlist")
	}

	var audio, subs []playlist.MediaRendition
	for _, r := range master.Renditions {
		switch r.Type {
		case playlist.RenditionAudio:
			if variant.AudioGroup == "" || r.GroupID == variant.AudioGroup {
				audio = append(audio, r)
			}
		case playlist.RenditionSubtitles:
			if variant.SubtitlesGroup == "" || r.GroupID == variant.SubtitlesGroup {
				subs = append(subs, r)
			}
		}
	}

	return &ResolvedStream{
		BaseURL:            variantURL,
		MediaPlaylist:      mediaPL.Media,
		MasterPlaylist:      master,
		SelectedVariant:    &variant,
		AudioRenditions:    audio,
		SubtitleRenditions: subs,
		IsLive:             !mediaPL.Media.EndList,
	}, nil
}

// selectVariant applies the Dolby-demotion filter then the quality policy,
// breaking ties by manifest order.
func selectVariant(variants []playlist.Variant, sel QualitySelection) playlist.Variant {
	candidates := filterDolbyOnly(variants)

	switch sel.Kind {
	case Lowest:
		return pickExtreme(candidates, func(a, b playlist.Variant) bool { return a.Bandwidth < b.Bandwidth })
	case ByBandwidth:
		return pickMin(candidates, func(v playlist.Variant) float64 {
			return math.Abs(float64(v.Bandwidth - sel.Target))
		})
	case ByResolution:
		withRes := make([]playlist.Variant, 0, len(candidates))
		for _, v := range candidates {
			if v.Resolution != nil {
				withRes = append(withRes, v)
			}
		}
		if len(withRes) == 0 {
			return pickExtreme(candidates, func(a, b playlist.Variant) bool { return a.Bandwidth > b.Bandwidth })
		}
		return pickMin(withRes, func(v playlist.Variant) float64 {
			return math.Abs(float64(v.Resolution.Width-sel.Width)) + math.Abs(float64(v.Resolution.Height-sel.Height))
		})
	default: // Highest, Auto
		return pickExtreme(candidates, func(a, b playlist.Variant) bool { return a.Bandwidth > b.Bandwidth })
	}
}

func filterDolbyOnly(variants []playlist.Variant) []playlist.Variant {
	var demoted []playlist.Variant
	for _, v := range variants {
		if isDolbyOnly(v.Codecs) {
			continue
		}
		demoted = append(demoted, v)
	}
	if len(demoted) > 0 {
		return demoted
	}
	return variants
}

func isDolbyOnly(codecs string) bool {
	lower := strings.ToLower(codecs)
	for _, c := range dolbyOnlyCodecs {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// pickExtreme returns the first variant in manifest order for which no
// later variant is "better" per the better(candidate, current) predicate.
func pickExtreme(variants []playlist.Variant, better func(a, b playlist.Variant) bool) playlist.Variant {
	best := variants[0]
	for _, v := range variants[1:] {
		if better(v, best) {
			best = v
		}
	}
	return best
}

func pickMin(variants []playlist.Variant, score func(playlist.Variant) float64) playlist.Variant {
	best := variants[0]
	bestScore := score(best)
	for _, v := range variants[1:] {
		s := score(v)
		if s < bestScore {
			best = v
			bestScore = s
		}
	}
	return best
}

func fetchText(ctx context.Context, client FetchClient, url string, retry RetryHook) (string, error) {
	attempt := 0
	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", herrors.Wrap(herrors.CodeFetch, "building request", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = herrors.NewFetchError(url, "request failed", err)
		} else {
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				lastErr = herrors.NewFetchStatusError(url, resp.StatusCode)
			} else {
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					lastErr = herrors.NewFetchError(url, "reading body", err)
				} else {
					return string(body), nil
				}
			}
		}

		if retry == nil {
			return "", lastErr
		}
		delayMS, ok := retry(attempt, lastErr, url)
		if !ok {
			return "", lastErr
		}
		if err := sleepOrCancel(ctx, delayMS); err != nil {
			return "", err
		}
		attempt++
	}
}
