// Package ingest implements the HLS Input Facade (C6): the single public
// entry point that resolves a manifest once, exposes the selected variant's
// tracks, and hands the virtual byte stream to an external fMP4 demuxer.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aminofox/hlsingest/pkg/fragindex"
	"github.com/aminofox/hlsingest/pkg/herrors"
	"github.com/aminofox/hlsingest/pkg/hlsurl"
	"github.com/aminofox/hlsingest/pkg/logger"
	"github.com/aminofox/hlsingest/pkg/playlist"
	"github.com/aminofox/hlsingest/pkg/resolver"
	"github.com/aminofox/hlsingest/pkg/segment"
)

// DefaultRetryHook returns a resolver.RetryHook that backs off
// exponentially from baseDelay, doubling each attempt, and allows up to
// maxRetries retries after the first failed fetch.
func DefaultRetryHook(maxRetries int, baseDelay time.Duration) resolver.RetryHook {
	return func(attempt int, prevErr error, url string) (int, bool) {
		if attempt >= maxRetries {
			return 0, false
		}
		delay := baseDelay * time.Duration(1<<uint(attempt))
		return int(delay / time.Millisecond), true
	}
}

// Demuxer is the collaborator contract an external ISO-BMFF demuxer must
// satisfy to consume this module's output. This module never implements
// a demuxer — only drives one through this interface.
type Demuxer interface {
	fragindex.Demuxer
	fragindex.EditListEditor

	ReadMetadata(ctx context.Context) error
	NormalizeStartTimestamp()
	SetFragmentedSource(src ByteSource)
}

// ByteSource is the byte-source contract a demuxer pulls from: a
// randomly-addressable, possibly-unbounded stream.
type ByteSource interface {
	RetrieveSize() (int64, bool)
	Read(ctx context.Context, start, end int64) ([]byte, error)
}

// byteSourceAdapter exposes a *segment.Source as a ByteSource. RetrieveSize
// always reports the size as unknown, for live and VOD sources alike.
type byteSourceAdapter struct {
	src *segment.Source
}

func (a *byteSourceAdapter) RetrieveSize() (int64, bool) {
	return 0, false
}

func (a *byteSourceAdapter) Read(ctx context.Context, start, end int64) ([]byte, error) {
	return a.src.Read(ctx, start, end)
}

// Input is the public entry point: resolves a manifest, selects a variant,
// and wires the selected variant's segment source into a caller-supplied
// demuxer.
type Input struct {
	client      resolver.FetchClient
	manifestURL string
	selection   resolver.QualitySelection
	segmentCfg  segment.Config
	retryHook   resolver.RetryHook
	log         logger.Logger

	initOnce sync.Once
	initErr  error

	metaIndex segment.MetaIndex

	mu            sync.Mutex
	resolved      *resolver.ResolvedStream
	activeSource  *segment.Source
	activeBridge  *fragindex.Bridge
	activeVariant *playlist.Variant
	ownerAsyncID  atomic.Int64
	disposed      bool
}

// Option configures an Input at construction time.
type Option func(*Input)

// WithQualitySelection overrides the default (Highest) variant selection policy.
func WithQualitySelection(sel resolver.QualitySelection) Option {
	return func(i *Input) { i.selection = sel }
}

// WithSegmentConfig overrides segment.DefaultConfig for every variant pipeline this Input builds.
func WithSegmentConfig(cfg segment.Config) Option {
	return func(i *Input) { i.segmentCfg = cfg }
}

// WithLogger overrides the default logger.
func WithLogger(log logger.Logger) Option {
	return func(i *Input) { i.log = log }
}

// WithRetryHook overrides the manifest-fetch retry policy consulted by
// resolver.Resolve. Defaults to no retries.
func WithRetryHook(hook resolver.RetryHook) Option {
	return func(i *Input) { i.retryHook = hook }
}

// WithMetaIndex attaches a distributed segment-offset index (typically a
// cache.RedisSegmentIndex) to every variant pipeline this Input builds.
// Each pipeline publishes resolved byte offsets to it and purges expired
// ones; offsets are never read back from it.
func WithMetaIndex(idx segment.MetaIndex) Option {
	return func(i *Input) { i.metaIndex = idx }
}

// NewInput constructs an Input for manifestURL, fetched with client.
func NewInput(client resolver.FetchClient, manifestURL string, opts ...Option) *Input {
	i := &Input{
		client:      client,
		manifestURL: manifestURL,
		selection:   resolver.QualitySelection{Kind: resolver.Highest},
		segmentCfg:  segment.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.log == nil {
		i.log = logger.NewComponentLogger(logger.InfoLevel, "text", "ingest")
	}
	return i
}

// newAsyncID issues the next async_id token, the cancellation primitive a
// long-running pipeline captures at entry and rechecks after every await.
func (i *Input) newAsyncID() int64 {
	return i.ownerAsyncID.Add(1)
}

// init performs the single memoized manifest resolution. Safe to call
// concurrently; only the first caller does any work.
func (i *Input) init(ctx context.Context) error {
	i.initOnce.Do(func() {
		resolved, err := resolver.Resolve(ctx, i.manifestURL, resolver.ResolveOptions{
			Client:    i.client,
			Selection: i.selection,
			Retry:     i.retryHook,
		})
		if err != nil {
			i.initErr = err
			return
		}
		i.mu.Lock()
		i.resolved = resolved
		if resolved.MasterPlaylist != nil {
			i.activeVariant = resolved.SelectedVariant
		}
		i.mu.Unlock()
	})
	return i.initErr
}

// ListVariants returns every variant in the resolved master playlist, or
// an empty list for a media-only manifest.
func (i *Input) ListVariants(ctx context.Context) ([]playlist.Variant, error) {
	if err := i.init(ctx); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.resolved == nil || i.resolved.MasterPlaylist == nil {
		return nil, nil
	}
	return i.resolved.MasterPlaylist.Variants, nil
}

// CurrentVariant returns the currently-selected variant, or nil for a
// media-only manifest.
func (i *Input) CurrentVariant() *playlist.Variant {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.activeVariant
}

// SelectVariant switches to v, which must match an entry from
// ListVariants. Disposes any previously-built variant pipeline if the URI
// changes. Never blocks on a media-playlist fetch: that happens lazily on
// the next BindDemuxer/segment Init call.
func (i *Input) SelectVariant(ctx context.Context, v playlist.Variant) error {
	if err := i.init(ctx); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.activeVariant != nil && i.activeVariant.URI == v.URI {
		return nil
	}
	if i.activeSource != nil {
		i.activeSource.Dispose()
		i.activeSource = nil
		i.activeBridge = nil
	}
	i.activeVariant = &v
	return nil
}

// BindDemuxer resolves the active variant's media playlist (if not already
// resolved), constructs its segment.Source and fragindex.Bridge, and wires
// the demuxer's read_metadata/set_fragmented_source/lookup-table hooks.
func (i *Input) BindDemuxer(ctx context.Context, demuxer Demuxer) error {
	asyncID := i.newAsyncID()
	if err := i.init(ctx); err != nil {
		return err
	}

	i.mu.Lock()
	resolved := i.resolved
	active := i.activeVariant
	i.mu.Unlock()
	if resolved == nil || resolved.MediaPlaylist == nil {
		return herrors.New(herrors.CodeUnsupportedMedia, "no media playlist resolved")
	}
	mediaPL, baseURL := resolved.MediaPlaylist, resolved.BaseURL
	if active != nil && resolved.SelectedVariant != nil && active.URI != resolved.SelectedVariant.URI {
		variantURL, err := hlsurl.Resolve(active.URI, i.manifestURL)
		if err != nil {
			return herrors.Wrap(herrors.CodeParse, "resolving variant URI", err)
		}
		vr, err := resolver.Resolve(ctx, variantURL, resolver.ResolveOptions{Client: i.client, Retry: i.retryHook})
		if err != nil {
			return err
		}
		mediaPL, baseURL = vr.MediaPlaylist, vr.BaseURL
	}

	sessionID := newSessionID()
	i.log.Info("binding demuxer to variant pipeline", logger.String("session_id", sessionID), logger.String("manifest", i.manifestURL))

	src := segment.NewSource(i.client, baseURL, mediaPL, i.segmentCfg, i.log)
	if i.metaIndex != nil {
		src.SetMetaIndex(i.metaIndex)
	}
	if err := src.Init(ctx); err != nil {
		return err
	}
	if i.ownerAsyncID.Load() != asyncID {
		src.Dispose()
		return nil
	}

	bridge := fragindex.NewBridge(demuxer, src, i.log)
	bridge.Seed(src.AvailableSegments())

	demuxer.SetFragmentedSource(&byteSourceAdapter{src: src})
	if err := demuxer.ReadMetadata(ctx); err != nil {
		src.Dispose()
		return fmt.Errorf("demuxer metadata read failed: %w", err)
	}
	demuxer.NormalizeStartTimestamp()

	i.mu.Lock()
	i.activeSource = src
	i.activeBridge = bridge
	i.mu.Unlock()

	return nil
}

// IsLive reflects the current media playlist's end_list flag.
func (i *Input) IsLive() bool {
	i.mu.Lock()
	src := i.activeSource
	i.mu.Unlock()
	if src == nil {
		return false
	}
	return src.IsLive()
}

// TargetDuration returns the active media playlist's target duration in seconds.
func (i *Input) TargetDuration() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.resolved == nil || i.resolved.MediaPlaylist == nil {
		return 0
	}
	return i.resolved.MediaPlaylist.TargetDuration
}

// ComputeDuration returns the VOD sum of segment durations, or the live
// running total from the segment source once bound.
func (i *Input) ComputeDuration() float64 {
	i.mu.Lock()
	src := i.activeSource
	resolved := i.resolved
	i.mu.Unlock()

	if src != nil {
		return src.TotalDuration()
	}
	if resolved == nil || resolved.MediaPlaylist == nil {
		return 0
	}
	var sum float64
	for _, seg := range resolved.MediaPlaylist.Segments {
		sum += seg.Duration
	}
	return sum
}

// VideoTracks and AudioTracks enumerate the renditions accompanying the
// active variant: the muxed variant stream itself plus any matching
// separate audio renditions resolved alongside it. Subtitle renditions
// are not returned by either.
func (i *Input) VideoTracks() []playlist.Variant {
	v := i.CurrentVariant()
	if v == nil {
		return nil
	}
	return []playlist.Variant{*v}
}

func (i *Input) AudioTracks() []playlist.MediaRendition {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.resolved == nil {
		return nil
	}
	return i.resolved.AudioRenditions
}

func (i *Input) PrimaryVideoTrack() *playlist.Variant {
	return i.CurrentVariant()
}

func (i *Input) PrimaryAudioTrack() *playlist.MediaRendition {
	tracks := i.AudioTracks()
	if len(tracks) == 0 {
		return nil
	}
	return &tracks[0]
}

// Dispose is idempotent and releases the refresh timer and all buffers
// held by the active segment source.
func (i *Input) Dispose() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return
	}
	i.disposed = true
	i.ownerAsyncID.Add(1) // invalidate any in-flight BindDemuxer
	if i.activeSource != nil {
		i.activeSource.Dispose()
		i.activeSource = nil
	}
	i.activeBridge = nil
}

// newSessionID stamps a fresh asyncID-scoped session identifier, used by
// callers that want a stable correlation id for logs spanning a whole
// play/seek pipeline (distinct from the cancellation-token asyncID itself).
func newSessionID() string {
	return uuid.New().String()
}
