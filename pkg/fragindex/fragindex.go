// Package fragindex builds and maintains the demuxer's time→byte-offset
// lookup table from playlist segment durations — the replacement for an
// fMP4 stream's absent mfra box.
package fragindex

import (
	"sync"

	"github.com/aminofox/hlsingest/pkg/logger"
	"github.com/aminofox/hlsingest/pkg/segment"
)

// FragmentEntry is one row of the lookup table: a segment's duration and
// the virtual byte offset of its leading moof box.
type FragmentEntry struct {
	SegmentID       uint64
	DurationSeconds float64
	MoofOffset      int64
}

// Demuxer is the collaborator contract an external ISO-BMFF demuxer must
// satisfy for the bridge to drive its lookup table. This module never
// implements a demuxer — only consumes one.
type Demuxer interface {
	PopulateFragmentLookupTableFromSegments(entries []FragmentEntry)
	AppendFragmentsToLookupTable(newEntries []FragmentEntry, startTimeSeconds float64)
	RemoveOldFragmentsFromLookupTable(segmentIDs []uint64)
}

// Bridge wires a segment.Source's add/remove callbacks into a Demuxer's
// fragment lookup table, and applies the one-time edit-list offset
// correction after the demuxer normalizes its start timestamp.
type Bridge struct {
	mu      sync.Mutex
	demuxer Demuxer
	log     logger.Logger

	editListApplied bool
}

// NewBridge constructs a Bridge bound to demuxer, and subscribes to src's
// segment-added/segment-removed events for the lifetime of src.
func NewBridge(demuxer Demuxer, src *segment.Source, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.NewComponentLogger(logger.InfoLevel, "text", "fragindex")
	}
	b := &Bridge{demuxer: demuxer, log: log}

	src.OnSegmentsAdded(func(ev segment.AddedEvent) {
		b.onSegmentsAdded(ev)
	})
	src.OnSegmentsRemoved(func(ev segment.RemovedEvent) {
		b.onSegmentsRemoved(ev)
	})

	return b
}

// Seed populates the table from the segments already known at source
// construction time. Callers should invoke this once, before the first
// seek query, using the source's initial AvailableSegments snapshot.
func (b *Bridge) Seed(infos []segment.Info) {
	entries := toEntries(infos)
	b.demuxer.PopulateFragmentLookupTableFromSegments(entries)
}

func (b *Bridge) onSegmentsAdded(ev segment.AddedEvent) {
	if len(ev.Entries) == 0 {
		return
	}
	b.demuxer.AppendFragmentsToLookupTable(toEntries(ev.Entries), ev.StartTime)
}

func (b *Bridge) onSegmentsRemoved(ev segment.RemovedEvent) {
	if len(ev.Sequences) == 0 {
		return
	}
	b.demuxer.RemoveOldFragmentsFromLookupTable(ev.Sequences)
}

// ApplyEditListOffset re-applies a scalar offset to every recorded time
// value so the lookup table stays coherent with the demuxer's normalized
// timeline. Must be called exactly once, after the demuxer performs its
// own start-timestamp normalization and before any seek queries; a second
// call is a no-op (idempotent against the spec's "happens once" rule).
func (b *Bridge) ApplyEditListOffset(offsetSeconds float64, editable EditListEditor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.editListApplied {
		b.log.Debug("edit-list offset already applied, ignoring repeat call")
		return
	}
	editable.ShiftFragmentTimes(offsetSeconds)
	b.editListApplied = true
}

// EditListEditor is the narrower demuxer capability ApplyEditListOffset
// needs: shifting every recorded lookup-table time by a scalar offset.
type EditListEditor interface {
	ShiftFragmentTimes(offsetSeconds float64)
}

func toEntries(infos []segment.Info) []FragmentEntry {
	entries := make([]FragmentEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, FragmentEntry{
			SegmentID:       info.Sequence,
			DurationSeconds: info.Segment.Duration,
			MoofOffset:      info.Start,
		})
	}
	return entries
}
