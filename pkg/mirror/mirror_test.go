package mirror

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/hlsingest/pkg/playlist"
	"github.com/aminofox/hlsingest/pkg/segment"
)

func TestMemoryTarget_WriteAndRead(t *testing.T) {
	target := NewMemoryTarget()
	ctx := context.Background()

	require.NoError(t, target.WritePlaylist(ctx, "index.m3u8", []byte("#EXTM3U")))
	require.NoError(t, target.WriteSegment(ctx, "seg0.m4s", []byte{1, 2, 3}))

	data, ok := target.Playlist("index.m3u8")
	require.True(t, ok)
	assert.Equal(t, "#EXTM3U", string(data))

	seg, ok := target.Segment("seg0.m4s")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, seg)
}

func TestFilesystemTarget_WritesUnderBasePath(t *testing.T) {
	dir := t.TempDir()
	target, err := NewFilesystemTarget(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, target.WritePlaylist(ctx, "index.m3u8", []byte("#EXTM3U")))
	require.NoError(t, target.WriteSegment(ctx, "nested/seg0.m4s", []byte{9, 9}))

	body, err := os.ReadFile(filepath.Join(dir, "index.m3u8"))
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U", string(body))

	segBody, err := os.ReadFile(filepath.Join(dir, "nested", "seg0.m4s"))
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, segBody)
}

func TestWriter_MirrorPlaylist(t *testing.T) {
	target := NewMemoryTarget()
	w := NewWriter(target)

	p := &playlist.MediaPlaylist{
		TargetDuration: 6,
		EndList:        true,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "seg0.m4s"},
		},
	}
	require.NoError(t, w.MirrorPlaylist(context.Background(), "index.m3u8", p))

	data, ok := target.Playlist("index.m3u8")
	require.True(t, ok)
	assert.Contains(t, string(data), "#EXTM3U")
	assert.Contains(t, string(data), "seg0.m4s")
}

type mirrorFakeClient struct {
	payloads map[string][]byte
}

func (f *mirrorFakeClient) Do(req *http.Request) (*http.Response, error) {
	body := f.payloads[req.URL.Path]
	return &http.Response{StatusCode: http.StatusOK, Body: readCloser(body)}, nil
}

func readCloser(b []byte) *readCloserWrapper { return &readCloserWrapper{bytes.NewReader(b)} }

type readCloserWrapper struct{ *bytes.Reader }

func (r *readCloserWrapper) Close() error { return nil }

func TestWriter_MirrorSegments(t *testing.T) {
	client := &mirrorFakeClient{payloads: map[string][]byte{
		"/init.mp4": []byte("INIT"),
		"/seg0.m4s": bytes.Repeat([]byte{5}, 10),
	}}

	p := &playlist.MediaPlaylist{
		TargetDuration: 6,
		EndList:        true,
		Segments: []playlist.Segment{
			{Duration: 6, URI: "/seg0.m4s", Map: &playlist.Map{URI: "/init.mp4"}, ByteRange: &playlist.ByteRange{Length: 10}},
		},
	}
	src := segment.NewSource(client, "https://cdn.example.com/master.m3u8", p, segment.DefaultConfig(), nil)
	require.NoError(t, src.Init(context.Background()))

	target := NewMemoryTarget()
	w := NewWriter(target)

	n, err := w.MirrorSegments(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, ok := target.Segment("/seg0.m4s")
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte{5}, 10), data)
}
