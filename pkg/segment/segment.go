// Package segment implements the virtual byte-stream abstraction over an
// HLS media playlist's segments: a single, randomly-addressable stream
// whose backing data is fetched lazily, cached with LRU eviction, and
// whose tail slides forward as a live playlist refreshes.
package segment

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aminofox/hlsingest/pkg/cache"
	"github.com/aminofox/hlsingest/pkg/herrors"
	"github.com/aminofox/hlsingest/pkg/hlsurl"
	"github.com/aminofox/hlsingest/pkg/logger"
	"github.com/aminofox/hlsingest/pkg/optimization"
	"github.com/aminofox/hlsingest/pkg/playlist"
)

// FetchClient is the injectable HTTP collaborator used for init-segment
// and media-segment fetches.
type FetchClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Info is the runtime state tracked for one playlist segment: the
// immutable Segment value plus its position in the unified virtual stream.
type Info struct {
	Segment     playlist.Segment
	Sequence    uint64
	Start       int64
	End         int64 // equals Start while provisional (no explicit byte range, not yet fetched)
	Fetched     bool
	Provisional bool
}

// MetaIndex is an optional distributed store of resolved segment byte
// offsets. A Source only writes to it: it publishes offsets as segments
// resolve and purges them as they expire, and never reads offsets back.
// cache.RedisSegmentIndex satisfies it; nil disables publishing entirely.
type MetaIndex interface {
	PutSegmentMeta(ctx context.Context, meta cache.SegmentMeta) error
	RemoveSegmentMeta(ctx context.Context, sequence uint64) error
}

// Config bounds the source's timeouts and cache sizes.
type Config struct {
	InitFetchTimeout     time.Duration
	SegmentFetchTimeout  time.Duration
	RefreshTimeout       time.Duration
	RefreshInterval      time.Duration // 0 ⇒ derive as TargetDuration/2
	MaxCachedSegments    int
	BufferBehindSegments uint64
	LiveEdgePollInterval time.Duration
	LiveEdgeTimeout      time.Duration
	MaxParallelPrefetch  int
}

// DefaultConfig matches the engine's documented defaults.
func DefaultConfig() Config {
	return Config{
		InitFetchTimeout:     10 * time.Second,
		SegmentFetchTimeout:  15 * time.Second,
		RefreshTimeout:       5 * time.Second,
		MaxCachedSegments:    20,
		BufferBehindSegments: 72,
		LiveEdgePollInterval: 100 * time.Millisecond,
		LiveEdgeTimeout:      10 * time.Second,
		MaxParallelPrefetch:  3,
	}
}

// AddedEvent is delivered to OnSegmentsAdded after ingest or refresh.
type AddedEvent struct {
	Entries   []Info
	StartTime float64 // cumulative duration before these entries were added
}

// RemovedEvent is delivered to OnSegmentsRemoved when the sliding window expires segments.
type RemovedEvent struct {
	Sequences []uint64
}

// Source is the virtual byte stream over one media playlist: C4, the
// heart of the ingest engine.
type Source struct {
	cfg        Config
	client     FetchClient
	playlistURL string
	log        logger.Logger

	mu                sync.Mutex
	initData          []byte
	segmentInfo       map[uint64]*Info
	knownSequences    []uint64
	nextOffset        int64
	totalDuration     float64
	removedDuration   float64
	changeCounter     int64
	isLive            bool
	initialized       bool
	initErr           error
	refreshTimer      *time.Timer
	disposed          bool
	lastTargetDuration int

	dataCache  *cache.SegmentCache
	bufPool    *optimization.BufferPool
	metaIndex  MetaIndex

	onSegmentsAdded   func(AddedEvent)
	onSegmentsRemoved func(RemovedEvent)
}

// SetMetaIndex attaches an optional distributed segment-offset index.
// Publishing is best-effort and asynchronous: a failed publish is logged
// at debug level and never fails the read that triggered it.
func (s *Source) SetMetaIndex(idx MetaIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaIndex = idx
}

// NewSource constructs a Source for the given resolved media playlist.
// playlistURL is the absolute URL the playlist was fetched from (used to
// resolve relative segment/init URIs). The playlist's EndList flag
// determines whether this source behaves as VOD (no refresh) or live.
func NewSource(client FetchClient, playlistURL string, p *playlist.MediaPlaylist, cfg Config, log logger.Logger) *Source {
	if log == nil {
		log = logger.NewComponentLogger(logger.InfoLevel, "text", "segment")
	}
	s := &Source{
		cfg:         cfg,
		client:      client,
		playlistURL: playlistURL,
		log:         log,
		segmentInfo: make(map[uint64]*Info),
		isLive:      !p.EndList,
		bufPool:     optimization.DefaultBufferPool(),

		lastTargetDuration: p.TargetDuration,
	}
	s.dataCache = cache.NewSegmentCache(cfg.MaxCachedSegments, s.isKnown)
	s.ingestLocked(p)
	return s
}

// OnSegmentsAdded registers the fragment-lookup bridge's append hook.
func (s *Source) OnSegmentsAdded(fn func(AddedEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSegmentsAdded = fn
}

// OnSegmentsRemoved registers the fragment-lookup bridge's removal hook.
func (s *Source) OnSegmentsRemoved(fn func(RemovedEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSegmentsRemoved = fn
}

func (s *Source) isKnown(sequence uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.segmentInfo[sequence]
	return ok
}

// IsLive reports whether this source still expects playlist refreshes.
func (s *Source) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLive
}

// Init performs the lazy first-read setup: locating and fetching the
// init segment, ingesting the currently-listed segments (already done by
// NewSource), and arming the refresh timer for live sources. Safe to call
// more than once; only the first call does any work.
func (s *Source) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		err := s.initErr
		s.mu.Unlock()
		return err
	}
	var mapRef *playlist.Map
	for _, seq := range s.knownSequences {
		if info := s.segmentInfo[seq]; info.Segment.Map != nil {
			mapRef = info.Segment.Map
			break
		}
	}
	s.mu.Unlock()

	if mapRef == nil {
		err := herrors.NewUnsupportedMediaError("fMP4 required: no EXT-X-MAP in media playlist")
		s.mu.Lock()
		s.initialized = true
		s.initErr = err
		s.mu.Unlock()
		return err
	}

	data, err := s.fetchRange(ctx, mapRef.URI, mapRef.ByteRange, s.cfg.InitFetchTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	if err != nil {
		s.initErr = err
		return err
	}
	s.initData = data

	// Segments already tracked by NewSource's initial ingest were offset
	// from a virtual origin of zero, before the init segment's length was
	// known. Shift every one of them (and the running cursor) forward now
	// that the init segment claims [0, shift).
	shift := int64(len(data))
	for _, seq := range s.knownSequences {
		info := s.segmentInfo[seq]
		info.Start += shift
		info.End += shift
	}
	s.nextOffset += shift

	if s.isLive {
		s.armRefreshLocked()
	}
	return nil
}

// ingestLocked tracks every not-yet-seen segment in p, assigning virtual
// byte offsets. Caller must hold s.mu for the mutex variant; NewSource
// calls this before the mutex is shared, so it is safe unlocked there too.
func (s *Source) ingestLocked(p *playlist.MediaPlaylist) AddedEvent {
	startTime := s.totalDuration
	var added []Info

	for i, seg := range p.Segments {
		sequence := p.MediaSequence + uint64(i)
		if _, exists := s.segmentInfo[sequence]; exists {
			continue
		}

		start := s.nextOffset
		end := start
		provisional := true
		if seg.ByteRange != nil {
			end = start + seg.ByteRange.Length
			provisional = false
		}

		info := &Info{Segment: seg, Sequence: sequence, Start: start, End: end, Provisional: provisional}
		s.segmentInfo[sequence] = info
		s.knownSequences = append(s.knownSequences, sequence)
		s.nextOffset = end
		s.totalDuration += seg.Duration
		s.changeCounter++
		added = append(added, *info)
	}

	return AddedEvent{Entries: added, StartTime: startTime}
}

// Ingest folds a freshly-fetched playlist snapshot into the tracked state
// (exported for callers driving their own refresh loop, e.g. tests).
func (s *Source) Ingest(p *playlist.MediaPlaylist) AddedEvent {
	s.mu.Lock()
	ev := s.ingestLocked(p)
	cb := s.onSegmentsAdded
	s.mu.Unlock()
	if cb != nil && len(ev.Entries) > 0 {
		cb(ev)
	}
	return ev
}

func (s *Source) fetchRange(ctx context.Context, uri string, br *playlist.ByteRange, timeout time.Duration) ([]byte, error) {
	resolved, err := hlsurl.Resolve(uri, s.playlistURL)
	if err != nil {
		return nil, herrors.Wrap(herrors.CodeFetch, "resolving segment URL", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, herrors.Wrap(herrors.CodeFetch, "building request", err)
	}
	if br != nil {
		req.Header.Set("Range", hlsurl.RangeHeader(*br))
	}

	client := s.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, herrors.NewFetchError(resolved, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, herrors.NewFetchStatusError(resolved, resp.StatusCode)
	}

	buf := optimization.NewAssemblingWriter()
	chunkBuf := s.bufPool.Get(32 * 1024)
	defer s.bufPool.Put(chunkBuf)
	chunk := chunkBuf.Data()
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if rerr != nil {
			break
		}
	}
	return buf.Bytes(), nil
}

// fetchSegment returns the bytes for sequence, fetching on a cache miss.
// On first fetch of a provisional segment it resolves End and propagates
// Start to the following run of provisional, not-yet-fetched neighbours.
func (s *Source) fetchSegment(ctx context.Context, sequence uint64) ([]byte, error) {
	if data, ok := s.dataCache.Get(sequence); ok {
		return data, nil
	}

	s.mu.Lock()
	info, ok := s.segmentInfo[sequence]
	if !ok {
		s.mu.Unlock()
		return nil, herrors.New(herrors.CodeFetch, "segment sequence not tracked")
	}
	uri := info.Segment.URI
	var br *playlist.ByteRange
	if info.Segment.ByteRange != nil {
		br = info.Segment.ByteRange
	}
	s.mu.Unlock()

	data, err := s.fetchRange(ctx, uri, br, s.cfg.SegmentFetchTimeout)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	info.Fetched = true
	resolvedNow := info.Provisional
	if info.Provisional {
		info.End = info.Start + int64(len(data))
		info.Provisional = false
		s.propagateForwardLocked(sequence, info.End)
	}
	meta := cache.SegmentMeta{Sequence: sequence, Start: info.Start, End: info.End, Final: true}
	idx := s.metaIndex
	s.mu.Unlock()

	if resolvedNow && idx != nil {
		s.publishSegmentMeta(idx, meta)
	}

	s.dataCache.Set(sequence, data)
	return data, nil
}

// publishSegmentMeta shares a newly-resolved segment's byte offsets with
// the distributed index, if one is configured. Best-effort: a slow or
// failed publish never blocks or fails the Read() that triggered it.
func (s *Source) publishSegmentMeta(idx MetaIndex, meta cache.SegmentMeta) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := idx.PutSegmentMeta(ctx, meta); err != nil {
			s.log.Debug("publishing segment meta failed", logger.Err(err))
		}
	}()
}

// propagateForwardLocked pushes a resolved End forward as the Start of
// the run of not-yet-fetched, byte-range-less segments following
// sequence, stopping at the first byte-range-having or already-fetched
// neighbour. Caller holds s.mu.
func (s *Source) propagateForwardLocked(sequence uint64, resolvedEnd int64) {
	idx := -1
	for i, seq := range s.knownSequences {
		if seq == sequence {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	cursor := resolvedEnd
	for i := idx + 1; i < len(s.knownSequences); i++ {
		next := s.segmentInfo[s.knownSequences[i]]
		if next.Fetched || next.Segment.ByteRange != nil {
			break
		}
		next.Start = cursor
		next.End = cursor
	}
}

// Read serves bytes from the unified virtual stream [init][segments...),
// fetching whatever overlapping segment data is not yet cached. It blocks
// (subject to ctx) while waiting for new live segments when start lies at
// the current live edge, and returns a LiveEdgeError if the wait times out
// or start lies in the already-expired gap area.
func (s *Source) Read(ctx context.Context, start, end int64) ([]byte, error) {
	out := optimization.NewAssemblingWriter()

	s.mu.Lock()
	initLen := int64(len(s.initData))
	s.mu.Unlock()

	if start < initLen {
		hi := end
		if hi > initLen {
			hi = initLen
		}
		s.mu.Lock()
		out.Write(s.initData[start:hi])
		s.mu.Unlock()
	}

	segStart := start
	if segStart < initLen {
		segStart = initLen
	}

	for segStart < end {
		s.mu.Lock()
		seq, info, waitLive, gap := s.locateLocked(segStart)
		s.mu.Unlock()

		if gap {
			return nil, herrors.NewLiveEdgeError(herrors.LiveEdgeBehindWindow)
		}
		if waitLive {
			advanced, werr := s.waitForChange(ctx)
			if werr != nil {
				return nil, werr
			}
			if !advanced {
				return nil, herrors.NewLiveEdgeError(herrors.LiveEdgeTimeout)
			}
			continue
		}
		if info == nil {
			break // VOD: nothing more to serve
		}

		data, err := s.fetchSegment(ctx, seq)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		segEnd := info.End
		segBegin := info.Start
		s.mu.Unlock()

		lo := segStart - segBegin
		hi := end - segBegin
		if hi > int64(len(data)) {
			hi = int64(len(data))
		}
		if lo < 0 {
			lo = 0
		}
		if lo < hi {
			out.Write(data[lo:hi])
		}
		segStart = segEnd
		if segEnd <= segBegin {
			break // provisional segment never resolved; avoid infinite loop
		}
	}

	if out.Len() == 0 && !s.IsLive() {
		return nil, nil
	}
	return out.Bytes(), nil
}

// locateLocked finds the known segment overlapping offset, or reports
// that the caller should wait (live, at the edge) or fail (gap area).
// Caller holds s.mu.
func (s *Source) locateLocked(offset int64) (sequence uint64, info *Info, waitLive bool, gapArea bool) {
	if len(s.knownSequences) == 0 {
		if s.isLive {
			return 0, nil, true, false
		}
		return 0, nil, false, false
	}

	first := s.segmentInfo[s.knownSequences[0]]
	if offset < first.Start {
		if s.isLive {
			return 0, nil, false, true
		}
		return 0, nil, false, false
	}

	for _, seq := range s.knownSequences {
		info := s.segmentInfo[seq]
		if offset >= info.Start && offset < info.End {
			return seq, info, false, false
		}
		if info.Provisional && offset >= info.Start {
			return seq, info, false, false
		}
	}

	last := s.segmentInfo[s.knownSequences[len(s.knownSequences)-1]]
	if offset >= last.End {
		if s.isLive {
			return 0, nil, true, false
		}
		return 0, nil, false, false
	}
	return 0, nil, false, false
}

// waitForChange polls the change counter at LiveEdgePollInterval until it
// advances (returns true) or LiveEdgeTimeout elapses (returns false).
func (s *Source) waitForChange(ctx context.Context) (bool, error) {
	s.mu.Lock()
	baseline := s.changeCounter
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.LiveEdgeTimeout)
	ticker := time.NewTicker(s.cfg.LiveEdgePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			advanced := s.changeCounter != baseline
			s.mu.Unlock()
			if advanced {
				return true, nil
			}
			if time.Now().After(deadline) {
				return false, nil
			}
		}
	}
}

// TotalDuration returns the cumulative duration of every segment ever
// ingested (VOD: the whole playlist; live: grows monotonically with refresh).
func (s *Source) TotalDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDuration
}

// AvailableTimeRange returns [removedDuration, totalDuration] for live
// sources (the window currently addressable) or [0, totalDuration] for VOD.
func (s *Source) AvailableTimeRange() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLive {
		return s.removedDuration, s.totalDuration
	}
	return 0, s.totalDuration
}

// AvailableSegments returns every currently-tracked segment's Info, in
// sequence order.
func (s *Source) AvailableSegments() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.knownSequences))
	for _, seq := range s.knownSequences {
		out = append(out, *s.segmentInfo[seq])
	}
	return out
}

// SegmentByteOffset returns the byte offset for sequence, only when it is
// byte-range-known or has already been fetched.
func (s *Source) SegmentByteOffset(sequence uint64) (start, end int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, exists := s.segmentInfo[sequence]
	if !exists || info.Provisional {
		return 0, 0, false
	}
	return info.Start, info.End, true
}

// Dispose cancels the refresh timer and releases cached buffers. Safe to
// call more than once.
func (s *Source) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	for _, seq := range s.knownSequences {
		s.dataCache.Remove(seq)
	}
}
