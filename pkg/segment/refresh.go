package segment

import (
	"context"
	"sync"
	"time"

	"github.com/aminofox/hlsingest/pkg/logger"
	"github.com/aminofox/hlsingest/pkg/m3u8"
	"github.com/aminofox/hlsingest/pkg/playlist"
)

// armRefreshLocked schedules the next refresh at TargetDuration/2 (or the
// configured RefreshInterval override). Caller holds s.mu.
func (s *Source) armRefreshLocked() {
	if s.disposed || !s.isLive {
		return
	}
	interval := s.cfg.RefreshInterval
	if interval == 0 {
		td := 6 // fallback if no segment has been observed yet
		if len(s.knownSequences) > 0 {
			if tgt := s.latestTargetDurationLocked(); tgt > 0 {
				td = tgt
			}
		}
		interval = time.Duration(td) * time.Second / 2
		if interval <= 0 {
			interval = time.Second
		}
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.refreshTimer = time.AfterFunc(interval, s.refreshTick)
}

func (s *Source) latestTargetDurationLocked() int {
	return s.lastTargetDuration
}

func (s *Source) refreshTick() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
	defer cancel()
	s.refresh(ctx)

	s.mu.Lock()
	s.armRefreshLocked()
	s.mu.Unlock()
}

// refresh fetches the playlist once, folding in new segments and expiring
// ones that fell out of the window [mediaSequence-bufferBehind,
// mediaSequence+len-1]. Network and parse failures are swallowed: the
// timer simply rearms and tries again next tick.
func (s *Source) refresh(ctx context.Context) {
	text, err := s.fetchPlaylistText(ctx)
	if err != nil {
		s.log.Warn("refresh fetch failed", logger.Err(err))
		return
	}

	pl, err := m3u8.Parse(text)
	if err != nil || pl.Kind != playlist.KindMedia {
		s.log.Warn("refresh parse failed or not a media playlist")
		return
	}
	p := pl.Media

	s.mu.Lock()
	s.lastTargetDuration = p.TargetDuration
	s.mu.Unlock()

	added := s.Ingest(p)

	removed := s.expireOutsideWindow(p)

	s.mu.Lock()
	disposed := s.disposed
	removeCB := s.onSegmentsRemoved
	idx := s.metaIndex
	s.mu.Unlock()

	if disposed {
		return
	}
	if removeCB != nil && len(removed) > 0 {
		removeCB(RemovedEvent{Sequences: removed})
	}
	if idx != nil && len(removed) > 0 {
		s.purgeSegmentMeta(idx, removed)
	}

	s.prefetchRecent(ctx)

	s.mu.Lock()
	if p.EndList {
		s.isLive = false
	}
	s.mu.Unlock()

	_ = added
}

// purgeSegmentMeta mirrors this instance's sliding-window expiry into the
// distributed index, best-effort and asynchronous like its publish side.
func (s *Source) purgeSegmentMeta(idx MetaIndex, sequences []uint64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, seq := range sequences {
			if err := idx.RemoveSegmentMeta(ctx, seq); err != nil {
				s.log.Debug("purging segment meta failed", logger.Any("sequence", seq), logger.Err(err))
				return
			}
		}
	}()
}

func (s *Source) fetchPlaylistText(ctx context.Context) (string, error) {
	data, err := s.fetchRange(ctx, s.playlistURL, nil, s.cfg.RefreshTimeout)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// expireOutsideWindow drops segments whose sequence falls below
// mediaSequence - BufferBehindSegments, where mediaSequence is the first
// sequence of the freshly-fetched snapshot p.
func (s *Source) expireOutsideWindow(p *playlist.MediaPlaylist) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p.Segments) == 0 {
		return nil
	}
	floor := int64(p.MediaSequence) - int64(s.cfg.BufferBehindSegments)
	if floor < 0 {
		floor = 0
	}

	var removed []uint64
	kept := s.knownSequences[:0:0]
	for _, seq := range s.knownSequences {
		if int64(seq) < floor {
			info := s.segmentInfo[seq]
			s.removedDuration += info.Segment.Duration
			delete(s.segmentInfo, seq)
			s.dataCache.Remove(seq)
			removed = append(removed, seq)
			continue
		}
		kept = append(kept, seq)
	}
	s.knownSequences = kept
	if len(removed) > 0 {
		s.changeCounter++
	}
	return removed
}

// prefetchRecent kicks off a bounded parallel fetch of the most recent
// not-yet-cached sequences, so a subsequent Read rarely blocks on network.
func (s *Source) prefetchRecent(ctx context.Context) {
	s.mu.Lock()
	n := len(s.knownSequences)
	limit := s.cfg.MaxParallelPrefetch
	if limit <= 0 {
		limit = 3
	}
	start := n - limit
	if start < 0 {
		start = 0
	}
	candidates := append([]uint64(nil), s.knownSequences[start:]...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, seq := range candidates {
		if _, ok := s.dataCache.Get(seq); ok {
			continue
		}
		wg.Add(1)
		go func(sequence uint64) {
			defer wg.Done()
			if _, err := s.fetchSegment(ctx, sequence); err != nil {
				s.log.Debug("prefetch failed", logger.Any("sequence", sequence), logger.Err(err))
			}
		}(seq)
	}
	wg.Wait()
}
