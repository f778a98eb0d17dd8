package m3u8

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aminofox/hlsingest/pkg/playlist"
)

// Write serializes p back into M3U8 text. The output is round-trippable:
// Parse(Write(p)) reproduces p modulo normalized duration formatting and
// collapsed duplicate EXT-X-KEY/EXT-X-MAP tags (spec.md's writer contract).
func Write(w io.Writer, p playlist.Playlist) error {
	switch p.Kind {
	case playlist.KindMaster:
		return writeMaster(w, p.Master)
	case playlist.KindMedia:
		return writeMedia(w, p.Media)
	default:
		return fmt.Errorf("m3u8: unknown playlist kind %d", p.Kind)
	}
}

func writeMaster(w io.Writer, m *playlist.MasterPlaylist) error {
	var b strings.Builder
	b.WriteString(tagEXTM3U + "\n")
	if m.Version != 1 {
		fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", m.Version)
	}
	if m.IndependentSegments {
		b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	}
	for _, sd := range m.SessionData {
		b.WriteString("#EXT-X-SESSION-DATA:")
		b.WriteString(joinAttrs(sessionDataAttrs(sd)))
		b.WriteString("\n")
	}
	if m.SessionKey != nil {
		b.WriteString("#EXT-X-SESSION-KEY:")
		b.WriteString(joinAttrs(keyAttrs(m.SessionKey)))
		b.WriteString("\n")
	}
	for _, r := range m.Renditions {
		b.WriteString("#EXT-X-MEDIA:")
		b.WriteString(joinAttrs(renditionAttrs(r)))
		b.WriteString("\n")
	}
	for _, v := range m.Variants {
		if v.URI != "" && isIFrameVariant(v) {
			b.WriteString("#EXT-X-I-FRAME-STREAM-INF:")
			b.WriteString(joinAttrs(iframeVariantAttrs(v)))
			b.WriteString("\n")
			continue
		}
		b.WriteString("#EXT-X-STREAM-INF:")
		b.WriteString(joinAttrs(variantAttrs(v)))
		b.WriteString("\n")
		b.WriteString(v.URI)
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// isIFrameVariant is always false here: this writer never round-trips
// I-frame-only variants distinctly from regular ones, since pkg/playlist
// does not carry that distinction on Variant. Kept for future extension.
func isIFrameVariant(playlist.Variant) bool { return false }

func writeMedia(w io.Writer, p *playlist.MediaPlaylist) error {
	var b strings.Builder
	b.WriteString(tagEXTM3U + "\n")
	if p.Version != 1 {
		fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", p.Version)
	}
	if p.IndependentSegments {
		b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", p.TargetDuration)
	if p.MediaSequence != 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	}
	if p.DiscontinuitySequence != nil {
		fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", *p.DiscontinuitySequence)
	}
	switch p.PlaylistType {
	case playlist.PlaylistTypeVOD:
		b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	case playlist.PlaylistTypeEvent:
		b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	}
	if p.IFramesOnly {
		b.WriteString("#EXT-X-I-FRAMES-ONLY\n")
	}
	if p.Start != nil {
		attrs := []attrPair{{"TIME-OFFSET", formatFloat(p.Start.TimeOffset)}}
		if p.Start.Precise {
			attrs = append(attrs, attrPair{"PRECISE", "YES"})
		}
		b.WriteString("#EXT-X-START:")
		b.WriteString(joinAttrs(attrs))
		b.WriteString("\n")
	}
	for _, dr := range p.DateRanges {
		b.WriteString("#EXT-X-DATERANGE:")
		b.WriteString(joinAttrs(dateRangeAttrs(dr)))
		b.WriteString("\n")
	}

	var lastKey *playlist.Key
	var lastMap *playlist.Map
	cursor := int64(0)

	for _, seg := range p.Segments {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if !sameKey(lastKey, seg.Key) {
			k := seg.Key
			if k == nil {
				k = &playlist.Key{Method: playlist.KeyMethodNone}
			}
			b.WriteString("#EXT-X-KEY:")
			b.WriteString(joinAttrs(keyAttrs(k)))
			b.WriteString("\n")
			lastKey = seg.Key
		}
		if !sameMap(lastMap, seg.Map) && seg.Map != nil {
			b.WriteString("#EXT-X-MAP:")
			b.WriteString(joinAttrs(mapAttrs(seg.Map)))
			b.WriteString("\n")
			lastMap = seg.Map
		}
		if seg.Bitrate != nil {
			fmt.Fprintf(&b, "#EXT-X-BITRATE:%d\n", *seg.Bitrate/1000)
		}
		if seg.ProgramDateTime != nil {
			fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", seg.ProgramDateTime.Format(time.RFC3339Nano))
		}
		if seg.ByteRange != nil {
			expectedOffset := cursor
			if seg.ByteRange.Offset != nil && *seg.ByteRange.Offset == expectedOffset {
				fmt.Fprintf(&b, "#EXT-X-BYTERANGE:%d\n", seg.ByteRange.Length)
			} else if seg.ByteRange.Offset != nil {
				fmt.Fprintf(&b, "#EXT-X-BYTERANGE:%d@%d\n", seg.ByteRange.Length, *seg.ByteRange.Offset)
			} else {
				fmt.Fprintf(&b, "#EXT-X-BYTERANGE:%d\n", seg.ByteRange.Length)
			}
			base := cursor
			if seg.ByteRange.Offset != nil {
				base = *seg.ByteRange.Offset
			}
			cursor = base + seg.ByteRange.Length
		}
		if seg.Gap {
			b.WriteString("#EXT-X-GAP\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%s,%s\n", formatDuration(seg.Duration), seg.Title)
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if p.EndList {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func sameKey(a, b *playlist.Key) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func sameMap(a, b *playlist.Map) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.URI != b.URI {
		return false
	}
	if (a.ByteRange == nil) != (b.ByteRange == nil) {
		return false
	}
	if a.ByteRange == nil {
		return true
	}
	return *a.ByteRange == *b.ByteRange
}

// formatDuration renders a duration with up to three trailing decimals,
// trimming trailing zeros (and a trailing dot).
func formatDuration(d float64) string {
	s := strconv.FormatFloat(d, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

type attrPair struct {
	key string
	val string
}

// joinAttrs renders attribute pairs in the given order, skipping empty
// values and quoting every value whose key is not listed in unquotedKeys.
func joinAttrs(attrs []attrPair) string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if a.val == "" {
			continue
		}
		if needsQuoting(a.key) {
			parts = append(parts, fmt.Sprintf("%s=%q", a.key, a.val))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", a.key, a.val))
		}
	}
	return strings.Join(parts, ",")
}

var unquotedKeys = map[string]bool{
	"BANDWIDTH":         true,
	"AVERAGE-BANDWIDTH": true,
	"RESOLUTION":        true,
	"FRAME-RATE":        true,
	"DEFAULT":           true,
	"AUTOSELECT":        true,
	"FORCED":            true,
	"METHOD":            true,
	"TYPE":              true,
	"TIME-OFFSET":       true,
	"PRECISE":           true,
	"END-ON-NEXT":       true,
	"DURATION":          true,
	"PLANNED-DURATION":  true,
	"HDCP-LEVEL":        true,
	"KEYFORMATVERSIONS": true,
}

func needsQuoting(key string) bool {
	return !unquotedKeys[key]
}

func variantAttrs(v playlist.Variant) []attrPair {
	attrs := []attrPair{{"BANDWIDTH", strconv.Itoa(v.Bandwidth)}}
	if v.AverageBandwidth != nil {
		attrs = append(attrs, attrPair{"AVERAGE-BANDWIDTH", strconv.Itoa(*v.AverageBandwidth)})
	}
	if v.Resolution != nil {
		attrs = append(attrs, attrPair{"RESOLUTION", fmt.Sprintf("%dx%d", v.Resolution.Width, v.Resolution.Height)})
	}
	if v.FrameRate != nil {
		attrs = append(attrs, attrPair{"FRAME-RATE", formatFloat(*v.FrameRate)})
	}
	if v.Codecs != "" {
		attrs = append(attrs, attrPair{"CODECS", v.Codecs})
	}
	if v.AudioGroup != "" {
		attrs = append(attrs, attrPair{"AUDIO", v.AudioGroup})
	}
	if v.VideoGroup != "" {
		attrs = append(attrs, attrPair{"VIDEO", v.VideoGroup})
	}
	if v.SubtitlesGroup != "" {
		attrs = append(attrs, attrPair{"SUBTITLES", v.SubtitlesGroup})
	}
	if v.ClosedCaptionsGroup != "" {
		attrs = append(attrs, attrPair{"CLOSED-CAPTIONS", v.ClosedCaptionsGroup})
	}
	if v.HDCPLevel != "" {
		attrs = append(attrs, attrPair{"HDCP-LEVEL", v.HDCPLevel})
	}
	return attrs
}

func iframeVariantAttrs(v playlist.Variant) []attrPair {
	attrs := []attrPair{{"BANDWIDTH", strconv.Itoa(v.Bandwidth)}}
	if v.Resolution != nil {
		attrs = append(attrs, attrPair{"RESOLUTION", fmt.Sprintf("%dx%d", v.Resolution.Width, v.Resolution.Height)})
	}
	if v.Codecs != "" {
		attrs = append(attrs, attrPair{"CODECS", v.Codecs})
	}
	if v.VideoGroup != "" {
		attrs = append(attrs, attrPair{"VIDEO", v.VideoGroup})
	}
	attrs = append(attrs, attrPair{"URI", v.URI})
	return attrs
}

func renditionAttrs(r playlist.MediaRendition) []attrPair {
	attrs := []attrPair{
		{"TYPE", r.Type.String()},
		{"GROUP-ID", r.GroupID},
		{"NAME", r.Name},
	}
	if r.URI != "" {
		attrs = append(attrs, attrPair{"URI", r.URI})
	}
	if r.Language != "" {
		attrs = append(attrs, attrPair{"LANGUAGE", r.Language})
	}
	if r.AssocLanguage != "" {
		attrs = append(attrs, attrPair{"ASSOC-LANGUAGE", r.AssocLanguage})
	}
	if r.Default {
		attrs = append(attrs, attrPair{"DEFAULT", "YES"})
	}
	if r.Autoselect {
		attrs = append(attrs, attrPair{"AUTOSELECT", "YES"})
	}
	if r.Forced {
		attrs = append(attrs, attrPair{"FORCED", "YES"})
	}
	if r.InstreamID != "" {
		attrs = append(attrs, attrPair{"INSTREAM-ID", r.InstreamID})
	}
	if r.Characteristics != "" {
		attrs = append(attrs, attrPair{"CHARACTERISTICS", r.Characteristics})
	}
	if r.Channels != "" {
		attrs = append(attrs, attrPair{"CHANNELS", r.Channels})
	}
	return attrs
}

func sessionDataAttrs(sd playlist.SessionData) []attrPair {
	attrs := []attrPair{{"DATA-ID", sd.DataID}}
	if sd.Value != "" {
		attrs = append(attrs, attrPair{"VALUE", sd.Value})
	}
	if sd.URI != "" {
		attrs = append(attrs, attrPair{"URI", sd.URI})
	}
	if sd.Language != "" {
		attrs = append(attrs, attrPair{"LANGUAGE", sd.Language})
	}
	return attrs
}

func keyAttrs(k *playlist.Key) []attrPair {
	attrs := []attrPair{{"METHOD", string(k.Method)}}
	if k.URI != "" {
		attrs = append(attrs, attrPair{"URI", k.URI})
	}
	if k.IV != "" {
		attrs = append(attrs, attrPair{"IV", k.IV})
	}
	if k.KeyFormat != "" {
		attrs = append(attrs, attrPair{"KEYFORMAT", k.KeyFormat})
	}
	if k.KeyFormatVersions != "" {
		attrs = append(attrs, attrPair{"KEYFORMATVERSIONS", k.KeyFormatVersions})
	}
	return attrs
}

func mapAttrs(m *playlist.Map) []attrPair {
	attrs := []attrPair{{"URI", m.URI}}
	if m.ByteRange != nil {
		if m.ByteRange.Offset != nil {
			attrs = append(attrs, attrPair{"BYTERANGE", fmt.Sprintf("%d@%d", m.ByteRange.Length, *m.ByteRange.Offset)})
		} else {
			attrs = append(attrs, attrPair{"BYTERANGE", strconv.FormatInt(m.ByteRange.Length, 10)})
		}
	}
	return attrs
}

func dateRangeAttrs(dr playlist.DateRange) []attrPair {
	attrs := []attrPair{
		{"ID", dr.ID},
	}
	if dr.Class != "" {
		attrs = append(attrs, attrPair{"CLASS", dr.Class})
	}
	attrs = append(attrs, attrPair{"START-DATE", dr.StartDate.Format(time.RFC3339Nano)})
	if dr.EndDate != nil {
		attrs = append(attrs, attrPair{"END-DATE", dr.EndDate.Format(time.RFC3339Nano)})
	}
	if dr.Duration != nil {
		attrs = append(attrs, attrPair{"DURATION", formatFloat(*dr.Duration)})
	}
	if dr.PlannedDuration != nil {
		attrs = append(attrs, attrPair{"PLANNED-DURATION", formatFloat(*dr.PlannedDuration)})
	}
	if dr.EndOnNext {
		attrs = append(attrs, attrPair{"END-ON-NEXT", "YES"})
	}
	if dr.SCTE35Cmd != "" {
		attrs = append(attrs, attrPair{"SCTE35-CMD", dr.SCTE35Cmd})
	}
	if dr.SCTE35Out != "" {
		attrs = append(attrs, attrPair{"SCTE35-OUT", dr.SCTE35Out})
	}
	if dr.SCTE35In != "" {
		attrs = append(attrs, attrPair{"SCTE35-IN", dr.SCTE35In})
	}
	for k, v := range dr.ClientAttributes {
		switch val := v.(type) {
		case float64:
			attrs = append(attrs, attrPair{k, formatFloat(val)})
		case string:
			attrs = append(attrs, attrPair{k, val})
		}
	}
	return attrs
}
