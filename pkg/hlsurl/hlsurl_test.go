package hlsurl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/hlsingest/pkg/playlist"
)

func TestResolve(t *testing.T) {
	got, err := Resolve("segment1.m4s", "https://cdn.example.com/stream/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/stream/segment1.m4s", got)

	got, err = Resolve("/abs/segment1.m4s", "https://cdn.example.com/stream/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/abs/segment1.m4s", got)

	got, err = Resolve("https://other.example.com/x.m3u8", "https://cdn.example.com/stream/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/x.m3u8", got)
}

func TestRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=0-999", RangeHeader(playlist.ByteRange{Length: 1000}))

	offset := int64(1000)
	assert.Equal(t, "bytes=1000-1499", RangeHeader(playlist.ByteRange{Length: 500, Offset: &offset}))
}
