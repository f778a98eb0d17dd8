package fragindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/hlsingest/pkg/logger"
	"github.com/aminofox/hlsingest/pkg/playlist"
	"github.com/aminofox/hlsingest/pkg/segment"
)

type fakeDemuxer struct {
	populated  []FragmentEntry
	appended   [][]FragmentEntry
	appendedAt []float64
	removed    [][]uint64
	shifted    []float64
}

func (f *fakeDemuxer) PopulateFragmentLookupTableFromSegments(entries []FragmentEntry) {
	f.populated = entries
}

func (f *fakeDemuxer) AppendFragmentsToLookupTable(newEntries []FragmentEntry, startTimeSeconds float64) {
	f.appended = append(f.appended, newEntries)
	f.appendedAt = append(f.appendedAt, startTimeSeconds)
}

func (f *fakeDemuxer) RemoveOldFragmentsFromLookupTable(segmentIDs []uint64) {
	f.removed = append(f.removed, segmentIDs)
}

func (f *fakeDemuxer) ShiftFragmentTimes(offsetSeconds float64) {
	f.shifted = append(f.shifted, offsetSeconds)
}

func testBridge(d *fakeDemuxer) *Bridge {
	return &Bridge{demuxer: d, log: logger.NewDefaultLogger(logger.ErrorLevel, "text")}
}

func TestBridge_SeedPopulatesTable(t *testing.T) {
	d := &fakeDemuxer{}
	b := testBridge(d)

	infos := []segment.Info{
		{Sequence: 0, Start: 4, Segment: playlist.Segment{Duration: 6}},
		{Sequence: 1, Start: 10, Segment: playlist.Segment{Duration: 6}},
	}
	b.Seed(infos)

	require.Len(t, d.populated, 2)
	assert.Equal(t, uint64(0), d.populated[0].SegmentID)
	assert.Equal(t, int64(4), d.populated[0].MoofOffset)
	assert.Equal(t, 6.0, d.populated[1].DurationSeconds)
}

func TestBridge_AppendAndRemoveViaCallbacks(t *testing.T) {
	d := &fakeDemuxer{}
	b := testBridge(d)

	b.onSegmentsAdded(segment.AddedEvent{
		Entries:   []segment.Info{{Sequence: 5, Start: 100, Segment: playlist.Segment{Duration: 6}}},
		StartTime: 30,
	})
	require.Len(t, d.appended, 1)
	assert.Equal(t, 30.0, d.appendedAt[0])
	assert.Equal(t, uint64(5), d.appended[0][0].SegmentID)

	b.onSegmentsRemoved(segment.RemovedEvent{Sequences: []uint64{1, 2}})
	require.Len(t, d.removed, 1)
	assert.ElementsMatch(t, []uint64{1, 2}, d.removed[0])
}

func TestBridge_AppendAndRemoveIgnoreEmptyEvents(t *testing.T) {
	d := &fakeDemuxer{}
	b := testBridge(d)

	b.onSegmentsAdded(segment.AddedEvent{})
	b.onSegmentsRemoved(segment.RemovedEvent{})

	assert.Empty(t, d.appended)
	assert.Empty(t, d.removed)
}

func TestBridge_ApplyEditListOffsetOnlyAppliesOnce(t *testing.T) {
	d := &fakeDemuxer{}
	b := testBridge(d)

	b.ApplyEditListOffset(0.5, d)
	b.ApplyEditListOffset(0.9, d)

	require.Len(t, d.shifted, 1)
	assert.Equal(t, 0.5, d.shifted[0])
}
