package segment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/hlsingest/pkg/cache"
	"github.com/aminofox/hlsingest/pkg/herrors"
	"github.com/aminofox/hlsingest/pkg/playlist"
)

// fakeClient serves fixed byte payloads per path, honoring Range headers.
type fakeClient struct {
	mu       sync.Mutex
	payloads map[string][]byte
	calls    map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{payloads: make(map[string][]byte), calls: make(map[string]int)}
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	path := req.URL.Path
	body, ok := f.payloads[path]
	f.calls[path]++
	f.mu.Unlock()
	if !ok {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}

	status := http.StatusOK
	if rng := req.Header.Get("Range"); rng != "" {
		var start, end int64
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		if end >= int64(len(body)) {
			end = int64(len(body)) - 1
		}
		body = body[start : end+1]
		status = http.StatusPartialContent
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LiveEdgeTimeout = 300 * time.Millisecond
	cfg.LiveEdgePollInterval = 20 * time.Millisecond
	cfg.MaxCachedSegments = 2
	return cfg
}

func vodPlaylist() *playlist.MediaPlaylist {
	return &playlist.MediaPlaylist{
		TargetDuration: 6,
		MediaSequence:  0,
		EndList:        true,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "/seg0.m4s", Map: &playlist.Map{URI: "/init.mp4"}},
			{Duration: 6, URI: "/seg1.m4s"},
		},
	}
}

func TestSource_InitAndFirstSegmentRead(t *testing.T) {
	client := newFakeClient()
	client.payloads["/init.mp4"] = []byte("INIT!!!!") // 8 bytes
	client.payloads["/seg0.m4s"] = bytes.Repeat([]byte{0xAA}, 100)
	client.payloads["/seg1.m4s"] = bytes.Repeat([]byte{0xBB}, 100)

	src := NewSource(client, "https://cdn.example.com/master.m3u8", vodPlaylist(), testConfig(), nil)
	require.NoError(t, src.Init(context.Background()))

	data, err := src.Read(context.Background(), 0, 8)
	require.NoError(t, err)
	assert.Equal(t, "INIT!!!!", string(data))

	data, err = src.Read(context.Background(), 8, 108)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 100), data)
}

func TestSource_CrossSegmentBoundaryRead(t *testing.T) {
	client := newFakeClient()
	client.payloads["/init.mp4"] = []byte("INIT")
	client.payloads["/seg0.m4s"] = bytes.Repeat([]byte{1}, 10)
	client.payloads["/seg1.m4s"] = bytes.Repeat([]byte{2}, 10)

	src := NewSource(client, "https://cdn.example.com/master.m3u8", vodPlaylist(), testConfig(), nil)
	require.NoError(t, src.Init(context.Background()))

	// init(4) + seg0(10) = offset 14 is the boundary; read straddling it.
	data, err := src.Read(context.Background(), 10, 18)
	require.NoError(t, err)
	require.Len(t, data, 8)
	assert.Equal(t, byte(1), data[0])
	assert.Equal(t, byte(2), data[7])
}

func TestSource_NonByteRangeSegmentsSkipUntilFetched(t *testing.T) {
	client := newFakeClient()
	client.payloads["/init.mp4"] = []byte("INIT")
	client.payloads["/seg0.m4s"] = bytes.Repeat([]byte{7}, 20)

	p := vodPlaylist()
	src := NewSource(client, "https://cdn.example.com/master.m3u8", p, testConfig(), nil)
	require.NoError(t, src.Init(context.Background()))

	infos := src.AvailableSegments()
	require.Len(t, infos, 2)
	assert.True(t, infos[1].Provisional, "second segment has no byte range and is not yet fetched")

	_, _, ok := src.SegmentByteOffset(infos[1].Sequence)
	assert.False(t, ok, "provisional, unfetched segment has no known offset yet")
}

func TestSource_LiveAppendGrowsDurationAndNotifiesAdded(t *testing.T) {
	client := newFakeClient()
	client.payloads["/init.mp4"] = []byte("INIT")
	client.payloads["/seg0.m4s"] = bytes.Repeat([]byte{9}, 10)

	p := &playlist.MediaPlaylist{
		TargetDuration: 6,
		MediaSequence:  0,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "/seg0.m4s", Map: &playlist.Map{URI: "/init.mp4"}},
		},
	}
	src := NewSource(client, "https://cdn.example.com/master.m3u8", p, testConfig(), nil)
	require.NoError(t, src.Init(context.Background()))
	assert.InDelta(t, 6.0, src.TotalDuration(), 1e-9)

	next := &playlist.MediaPlaylist{
		TargetDuration: 6,
		MediaSequence:  0,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "/seg0.m4s", Map: &playlist.Map{URI: "/init.mp4"}},
			{Duration: 6, URI: "/seg1.m4s"},
		},
	}
	var addedEvents []AddedEvent
	src.OnSegmentsAdded(func(ev AddedEvent) { addedEvents = append(addedEvents, ev) })
	src.Ingest(next)

	assert.InDelta(t, 12.0, src.TotalDuration(), 1e-9)
	require.Len(t, addedEvents, 1)
	assert.InDelta(t, 6.0, addedEvents[0].StartTime, 1e-9)
}

func TestSource_LiveEdgeTimeoutWhenNoNewSegmentsArrive(t *testing.T) {
	client := newFakeClient()
	client.payloads["/init.mp4"] = []byte("INIT")
	client.payloads["/seg0.m4s"] = bytes.Repeat([]byte{3}, 10)

	p := &playlist.MediaPlaylist{
		TargetDuration: 6,
		MediaSequence:  0,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "/seg0.m4s", Map: &playlist.Map{URI: "/init.mp4"}, ByteRange: &playlist.ByteRange{Length: 10}},
		},
	}
	cfg := testConfig()
	src := NewSource(client, "https://cdn.example.com/master.m3u8", p, cfg, nil)
	require.NoError(t, src.Init(context.Background()))

	// Reading at the last known segment's resolved end on a live source
	// with no new segments arriving must time out as a LiveEdgeError.
	_, err := src.Read(context.Background(), 4+10, 4+20)
	require.Error(t, err)
	var lee *herrors.LiveEdgeError
	require.ErrorAs(t, err, &lee)
	assert.Equal(t, herrors.LiveEdgeTimeout, lee.Kind)
}

func TestSource_ExpiredSegmentReadIsGapBehindWindow(t *testing.T) {
	client := newFakeClient()
	client.payloads["/init.mp4"] = []byte("INIT")
	client.payloads["/seg1.m4s"] = bytes.Repeat([]byte{3}, 10)

	p0 := &playlist.MediaPlaylist{
		TargetDuration: 6,
		MediaSequence:  0,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "/seg0.m4s", Map: &playlist.Map{URI: "/init.mp4"}, ByteRange: &playlist.ByteRange{Length: 10}},
		},
	}
	cfg := testConfig()
	cfg.BufferBehindSegments = 0
	src := NewSource(client, "https://cdn.example.com/master.m3u8", p0, cfg, nil)
	require.NoError(t, src.Init(context.Background()))

	p1 := &playlist.MediaPlaylist{
		TargetDuration: 6,
		MediaSequence:  1,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "/seg1.m4s", ByteRange: &playlist.ByteRange{Length: 10}},
		},
	}
	src.Ingest(p1)
	removed := src.expireOutsideWindow(p1)
	require.Len(t, removed, 1)

	_, err := src.Read(context.Background(), 4, 8)
	require.Error(t, err)
	var lee *herrors.LiveEdgeError
	require.ErrorAs(t, err, &lee)
	assert.Equal(t, herrors.LiveEdgeBehindWindow, lee.Kind)
}

// fakeMetaIndex records published/removed segment metadata, standing in
// for a distributed index like cache.RedisSegmentIndex.
type fakeMetaIndex struct {
	mu      sync.Mutex
	entries map[uint64]cache.SegmentMeta
	removed []uint64
}

func newFakeMetaIndex() *fakeMetaIndex {
	return &fakeMetaIndex{entries: make(map[uint64]cache.SegmentMeta)}
}

func (f *fakeMetaIndex) PutSegmentMeta(ctx context.Context, meta cache.SegmentMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[meta.Sequence] = meta
	return nil
}

func (f *fakeMetaIndex) RemoveSegmentMeta(ctx context.Context, sequence uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, sequence)
	f.removed = append(f.removed, sequence)
	return nil
}

func (f *fakeMetaIndex) get(sequence uint64) (cache.SegmentMeta, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.entries[sequence]
	return m, ok
}

func TestSource_MetaIndexPublishesResolvedOffsetOnFetch(t *testing.T) {
	client := newFakeClient()
	client.payloads["/init.mp4"] = []byte("INIT")
	client.payloads["/seg0.m4s"] = bytes.Repeat([]byte{1}, 10)
	client.payloads["/seg1.m4s"] = bytes.Repeat([]byte{2}, 20)

	p := vodPlaylist()
	src := NewSource(client, "https://cdn.example.com/master.m3u8", p, testConfig(), nil)
	idx := newFakeMetaIndex()
	src.SetMetaIndex(idx)
	require.NoError(t, src.Init(context.Background()))

	infos := src.AvailableSegments()
	require.Len(t, infos, 2)

	_, err := src.Read(context.Background(), 0, 34) // init(4) + seg0(10) + seg1(20)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := idx.get(infos[1].Sequence)
		return ok
	}, time.Second, 10*time.Millisecond, "resolving seg1's provisional offset should publish it")

	meta, _ := idx.get(infos[1].Sequence)
	assert.True(t, meta.Final)
	assert.Equal(t, int64(14), meta.Start) // init(4) + seg0(10)
	assert.Equal(t, int64(34), meta.End)
}

func TestSource_UnsupportedMediaWithoutMap(t *testing.T) {
	client := newFakeClient()
	p := &playlist.MediaPlaylist{
		TargetDuration: 6,
		EndList:        true,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "/seg0.m4s"},
		},
	}
	src := NewSource(client, "https://cdn.example.com/master.m3u8", p, testConfig(), nil)
	err := src.Init(context.Background())
	require.Error(t, err)
	var ume *herrors.UnsupportedMediaError
	require.ErrorAs(t, err, &ume)
}
