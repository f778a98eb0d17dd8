package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/hlsingest/pkg/herrors"
)

const masterDoc = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=5000000,CODECS="avc1.640028,mp4a.40.2",RESOLUTION=1920x1080
1080p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=1280x720
720p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.42001e,mp4a.40.2",RESOLUTION=640x360
360p.m3u8
`

const mediaDoc = `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6.0,
seg0.m4s
#EXT-X-ENDLIST
`

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(masterDoc))
	})
	for _, name := range []string{"/1080p.m3u8", "/720p.m3u8", "/360p.m3u8"} {
		mux.HandleFunc(name, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(mediaDoc))
		})
	}
	return httptest.NewServer(mux)
}

func TestResolve_HighestBandwidth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	res, err := Resolve(context.Background(), srv.URL+"/master.m3u8", ResolveOptions{
		Selection: QualitySelection{Kind: Highest},
	})
	require.NoError(t, err)
	require.NotNil(t, res.SelectedVariant)
	assert.Equal(t, 5000000, res.SelectedVariant.Bandwidth)
	assert.False(t, res.IsLive)
	require.Len(t, res.MediaPlaylist.Segments, 1)
}

func TestResolve_ByBandwidth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	res, err := Resolve(context.Background(), srv.URL+"/master.m3u8", ResolveOptions{
		Selection: QualitySelection{Kind: ByBandwidth, Target: 1_900_000},
	})
	require.NoError(t, err)
	assert.Equal(t, 2000000, res.SelectedVariant.Bandwidth)
}

func TestResolve_ByResolution(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	res, err := Resolve(context.Background(), srv.URL+"/master.m3u8", ResolveOptions{
		Selection: QualitySelection{Kind: ByResolution, Width: 1280, Height: 720},
	})
	require.NoError(t, err)
	assert.Equal(t, 1280, res.SelectedVariant.Resolution.Width)
}

func TestResolve_NoVariants(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/empty.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"a\",NAME=\"x\"\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Resolve(context.Background(), srv.URL+"/empty.m3u8", ResolveOptions{})
	require.Error(t, err)
	var nv *herrors.NoVariantError
	require.ErrorAs(t, err, &nv)
}

func TestResolve_FetchErrorOnStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/missing.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Resolve(context.Background(), srv.URL+"/missing.m3u8", ResolveOptions{})
	require.Error(t, err)
	var fe *herrors.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)
}

func TestResolve_RetryHookGivesUp(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/flaky.m3u8", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	retries := 0
	_, err := Resolve(context.Background(), srv.URL+"/flaky.m3u8", ResolveOptions{
		Retry: func(attempt int, prevErr error, url string) (int, bool) {
			retries++
			if attempt >= 2 {
				return 0, false
			}
			return 1, true
		},
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, retries)
}
