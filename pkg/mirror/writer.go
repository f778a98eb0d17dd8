package mirror

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aminofox/hlsingest/pkg/m3u8"
	"github.com/aminofox/hlsingest/pkg/playlist"
	"github.com/aminofox/hlsingest/pkg/segment"
)

// Writer drives a Target from a resolved media playlist and its backing
// segment.Source, re-serializing the playlist with pkg/m3u8.Write and
// copying each segment's fetched bytes across.
type Writer struct {
	target Target
}

// NewWriter constructs a Writer over target.
func NewWriter(target Target) *Writer {
	return &Writer{target: target}
}

// MirrorPlaylist re-serializes p and writes it to the target under name.
func (w *Writer) MirrorPlaylist(ctx context.Context, name string, p *playlist.MediaPlaylist) error {
	var buf bytes.Buffer
	if err := m3u8.Write(&buf, playlist.Playlist{Kind: playlist.KindMedia, Media: p}); err != nil {
		return fmt.Errorf("serializing playlist %s: %w", name, err)
	}
	return w.target.WritePlaylist(ctx, name, buf.Bytes())
}

// MirrorSegments fetches every currently-known segment from src (via its
// public Read-adjacent accessors) and copies each one to the target under
// its own URI. Segments not yet resolvable (provisional, unfetched) are
// skipped; a later call after they are fetched will pick them up.
func (w *Writer) MirrorSegments(ctx context.Context, src *segment.Source) (mirrored int, err error) {
	for _, info := range src.AvailableSegments() {
		start, end, ok := src.SegmentByteOffset(info.Sequence)
		if !ok {
			continue
		}
		data, rerr := src.Read(ctx, start, end)
		if rerr != nil {
			return mirrored, fmt.Errorf("reading segment %d for mirror: %w", info.Sequence, rerr)
		}
		if len(data) == 0 {
			continue
		}
		if werr := w.target.WriteSegment(ctx, info.Segment.URI, data); werr != nil {
			return mirrored, fmt.Errorf("mirroring segment %d: %w", info.Sequence, werr)
		}
		mirrored++
	}
	return mirrored, nil
}
