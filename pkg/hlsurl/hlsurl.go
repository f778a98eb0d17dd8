// Package hlsurl provides the URL resolution and HTTP Range header helpers
// shared by the manifest resolver and segment source: RFC 3986 relative
// resolution plus byte-range formatting.
package hlsurl

import (
	"fmt"
	"net/url"

	"github.com/aminofox/hlsingest/pkg/playlist"
)

// Resolve follows standard RFC 3986 relative resolution of uri against base.
func Resolve(uri, base string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("hlsurl: invalid base %q: %w", base, err)
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("hlsurl: invalid reference %q: %w", uri, err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

// RangeHeader produces an HTTP Range header value: "bytes=START-END"
// inclusive, where START defaults to 0 when br.Offset is nil and
// END = START + br.Length - 1.
func RangeHeader(br playlist.ByteRange) string {
	start := int64(0)
	if br.Offset != nil {
		start = *br.Offset
	}
	end := start + br.Length - 1
	return fmt.Sprintf("bytes=%d-%d", start, end)
}
