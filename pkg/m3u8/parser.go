// Package m3u8 parses and serializes HLS playlists (RFC 8216) into and out
// of the immutable types in pkg/playlist. The parser tolerates arbitrary
// attribute order inside attribute-lists and reports malformed input as a
// herrors.ParseError carrying a 1-indexed line number.
package m3u8

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	"github.com/aminofox/hlsingest/pkg/herrors"
	"github.com/aminofox/hlsingest/pkg/playlist"
)

const tagEXTM3U = "#EXTM3U"

// Parse reads an entire M3U8 document and dispatches it to a master or
// media playlist based on the presence of EXT-X-STREAM-INF, EXT-X-MEDIA,
// or EXT-X-I-FRAME-STREAM-INF (master) versus their absence (media).
func Parse(text string) (playlist.Playlist, error) {
	lines, err := splitLines(text)
	if err != nil {
		return playlist.Playlist{}, err
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != tagEXTM3U {
		return playlist.Playlist{}, herrors.NewParseError(1, "playlist must begin with #EXTM3U")
	}

	isMaster := false
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "#EXT-X-STREAM-INF:"),
			strings.HasPrefix(l, "#EXT-X-MEDIA:"),
			strings.HasPrefix(l, "#EXT-X-I-FRAME-STREAM-INF:"):
			isMaster = true
		}
	}

	if isMaster {
		m, err := parseMaster(lines)
		if err != nil {
			return playlist.Playlist{}, err
		}
		return playlist.Playlist{Kind: playlist.KindMaster, Master: m}, nil
	}
	p, err := parseMedia(lines)
	if err != nil {
		return playlist.Playlist{}, err
	}
	return playlist.Playlist{Kind: playlist.KindMedia, Media: p}, nil
}

// splitLines breaks a document into trimmed lines, keeping blank lines as
// empty strings so that index+1 is the 1-indexed line number used in
// error reporting.
func splitLines(text string) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		l := strings.TrimRight(sc.Text(), "\r")
		l = strings.TrimSpace(l)
		if l == "" {
			lines = append(lines, "")
			continue
		}
		lines = append(lines, l)
	}
	if err := sc.Err(); err != nil {
		return nil, herrors.NewParseError(0, "reading playlist: %v", err)
	}
	return lines, nil
}

func tagValue(line string) string {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return ""
	}
	return line[i+1:]
}

func parseMaster(lines []string) (*playlist.MasterPlaylist, error) {
	m := &playlist.MasterPlaylist{Version: 1}
	var pendingVariant *playlist.Variant

	for i, raw := range lines {
		ln := i + 1
		line := raw
		if line == "" {
			continue
		}
		switch {
		case line == tagEXTM3U:
			continue

		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			v, err := strconv.Atoi(tagValue(line))
			if err != nil {
				return nil, herrors.NewParseError(ln, "invalid EXT-X-VERSION: %v", err)
			}
			m.Version = v

		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			m.IndependentSegments = true

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttrList(tagValue(line))
			bw, ok := attrs.getInt("BANDWIDTH")
			if !ok {
				return nil, herrors.NewParseError(ln, "EXT-X-STREAM-INF missing required BANDWIDTH")
			}
			v := playlist.Variant{
				Bandwidth:           bw,
				Codecs:              attrs["CODECS"],
				AudioGroup:          attrs["AUDIO"],
				VideoGroup:          attrs["VIDEO"],
				SubtitlesGroup:      attrs["SUBTITLES"],
				ClosedCaptionsGroup: attrs["CLOSED-CAPTIONS"],
				HDCPLevel:           attrs["HDCP-LEVEL"],
			}
			if ab, ok := attrs.getInt("AVERAGE-BANDWIDTH"); ok {
				v.AverageBandwidth = &ab
			}
			if fr, ok := attrs.getFloat("FRAME-RATE"); ok {
				v.FrameRate = &fr
			}
			if res, ok := attrs.get("RESOLUTION"); ok {
				if r, err := parseResolution(res); err == nil {
					v.Resolution = r
				}
			}
			pendingVariant = &v

		case strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"):
			attrs := parseAttrList(tagValue(line))
			bw, ok := attrs.getInt("BANDWIDTH")
			if !ok {
				return nil, herrors.NewParseError(ln, "EXT-X-I-FRAME-STREAM-INF missing required BANDWIDTH")
			}
			v := playlist.Variant{
				Bandwidth:  bw,
				Codecs:     attrs["CODECS"],
				VideoGroup: attrs["VIDEO"],
				URI:        attrs["URI"],
			}
			if res, ok := attrs.get("RESOLUTION"); ok {
				if r, err := parseResolution(res); err == nil {
					v.Resolution = r
				}
			}
			m.Variants = append(m.Variants, v)

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttrList(tagValue(line))
			typ, ok := attrs.mustGet("TYPE")
			if !ok {
				return nil, herrors.NewParseError(ln, "EXT-X-MEDIA missing required TYPE")
			}
			group, ok := attrs.mustGet("GROUP-ID")
			if !ok {
				return nil, herrors.NewParseError(ln, "EXT-X-MEDIA missing required GROUP-ID")
			}
			name, ok := attrs.mustGet("NAME")
			if !ok {
				return nil, herrors.NewParseError(ln, "EXT-X-MEDIA missing required NAME")
			}
			rt, err := parseRenditionType(typ)
			if err != nil {
				return nil, herrors.NewParseError(ln, "%v", err)
			}
			m.Renditions = append(m.Renditions, playlist.MediaRendition{
				Type:            rt,
				GroupID:         group,
				Name:            name,
				URI:             attrs["URI"],
				Language:        attrs["LANGUAGE"],
				AssocLanguage:   attrs["ASSOC-LANGUAGE"],
				Default:         attrs.getBool("DEFAULT"),
				Autoselect:      attrs.getBool("AUTOSELECT"),
				Forced:          attrs.getBool("FORCED"),
				InstreamID:      attrs["INSTREAM-ID"],
				Characteristics: attrs["CHARACTERISTICS"],
				Channels:        attrs["CHANNELS"],
			})

		case strings.HasPrefix(line, "#EXT-X-SESSION-DATA:"):
			attrs := parseAttrList(tagValue(line))
			m.SessionData = append(m.SessionData, playlist.SessionData{
				DataID:   attrs["DATA-ID"],
				Value:    attrs["VALUE"],
				URI:      attrs["URI"],
				Language: attrs["LANGUAGE"],
			})

		case strings.HasPrefix(line, "#EXT-X-SESSION-KEY:"):
			attrs := parseAttrList(tagValue(line))
			k, err := parseKey(attrs, ln)
			if err != nil {
				return nil, err
			}
			m.SessionKey = k

		case strings.HasPrefix(line, "#"):
			// Unknown or not-yet-handled tag: ignore for forward compatibility.
			continue

		default:
			// A bare URI line completes the preceding EXT-X-STREAM-INF.
			if pendingVariant != nil {
				pendingVariant.URI = line
				m.Variants = append(m.Variants, *pendingVariant)
				pendingVariant = nil
			}
		}
	}

	if len(m.Variants) == 0 {
		return nil, herrors.NewNoVariantError()
	}
	return m, nil
}

func parseMedia(lines []string) (*playlist.MediaPlaylist, error) {
	p := &playlist.MediaPlaylist{Version: 1}

	var pendingDuration float64
	var pendingTitle string
	var hasPendingInf bool
	var pendingByteRange *playlist.ByteRange
	var pendingDiscontinuity bool
	var pendingPDT *time.Time
	var pendingGap bool
	var pendingBitrate *int64

	var currentKey *playlist.Key
	var currentMap *playlist.Map

	byteCursor := int64(0)

	for i, raw := range lines {
		ln := i + 1
		line := raw
		if line == "" {
			continue
		}
		switch {
		case line == tagEXTM3U:
			continue

		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			v, err := strconv.Atoi(tagValue(line))
			if err != nil {
				return nil, herrors.NewParseError(ln, "invalid EXT-X-VERSION: %v", err)
			}
			p.Version = v

		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			p.IndependentSegments = true

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(tagValue(line))
			if err != nil {
				return nil, herrors.NewParseError(ln, "invalid EXT-X-TARGETDURATION: %v", err)
			}
			p.TargetDuration = v

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.ParseUint(tagValue(line), 10, 64)
			if err != nil {
				return nil, herrors.NewParseError(ln, "invalid EXT-X-MEDIA-SEQUENCE: %v", err)
			}
			p.MediaSequence = v

		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE:"):
			v, err := strconv.ParseUint(tagValue(line), 10, 64)
			if err != nil {
				return nil, herrors.NewParseError(ln, "invalid EXT-X-DISCONTINUITY-SEQUENCE: %v", err)
			}
			p.DiscontinuitySequence = &v

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			switch tagValue(line) {
			case "VOD":
				p.PlaylistType = playlist.PlaylistTypeVOD
			case "EVENT":
				p.PlaylistType = playlist.PlaylistTypeEvent
			default:
				return nil, herrors.NewParseError(ln, "invalid EXT-X-PLAYLIST-TYPE: %q", tagValue(line))
			}

		case line == "#EXT-X-I-FRAMES-ONLY":
			p.IFramesOnly = true

		case line == "#EXT-X-ENDLIST":
			p.EndList = true

		case strings.HasPrefix(line, "#EXT-X-START:"):
			attrs := parseAttrList(tagValue(line))
			t, ok := attrs.getFloat("TIME-OFFSET")
			if !ok {
				return nil, herrors.NewParseError(ln, "EXT-X-START missing required TIME-OFFSET")
			}
			p.Start = &playlist.StartOffset{TimeOffset: t, Precise: attrs.getBool("PRECISE")}

		case strings.HasPrefix(line, "#EXTINF:"):
			dur, title, err := parseExtinf(tagValue(line))
			if err != nil {
				return nil, herrors.NewParseError(ln, "%v", err)
			}
			pendingDuration = dur
			pendingTitle = title
			hasPendingInf = true

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			br, newCursor, err := parseByteRange(tagValue(line), byteCursor)
			if err != nil {
				return nil, herrors.NewParseError(ln, "%v", err)
			}
			pendingByteRange = br
			byteCursor = newCursor

		case line == "#EXT-X-DISCONTINUITY":
			pendingDiscontinuity = true

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			t, err := time.Parse(time.RFC3339Nano, tagValue(line))
			if err != nil {
				return nil, herrors.NewParseError(ln, "invalid EXT-X-PROGRAM-DATE-TIME: %v", err)
			}
			pendingPDT = &t

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttrList(tagValue(line))
			k, err := parseKey(attrs, ln)
			if err != nil {
				return nil, err
			}
			if k.Method == playlist.KeyMethodNone {
				currentKey = nil
			} else {
				currentKey = k
			}

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseAttrList(tagValue(line))
			uri, ok := attrs.mustGet("URI")
			if !ok {
				return nil, herrors.NewParseError(ln, "EXT-X-MAP missing required URI")
			}
			mp := &playlist.Map{URI: uri}
			if rng, ok := attrs.get("BYTERANGE"); ok {
				br, newCursor, err := parseByteRange(rng, byteCursor)
				if err != nil {
					return nil, herrors.NewParseError(ln, "%v", err)
				}
				mp.ByteRange = br
				byteCursor = newCursor
			}
			currentMap = mp

		case line == "#EXT-X-GAP":
			pendingGap = true

		case strings.HasPrefix(line, "#EXT-X-BITRATE:"):
			kbps, err := strconv.ParseInt(tagValue(line), 10, 64)
			if err != nil {
				return nil, herrors.NewParseError(ln, "invalid EXT-X-BITRATE: %v", err)
			}
			bps := kbps * 1000
			pendingBitrate = &bps

		case strings.HasPrefix(line, "#EXT-X-DATERANGE:"):
			attrs := parseAttrList(tagValue(line))
			dr, err := parseDateRange(attrs, ln)
			if err != nil {
				return nil, err
			}
			p.DateRanges = append(p.DateRanges, *dr)

		case strings.HasPrefix(line, "#"):
			continue

		default:
			if !hasPendingInf {
				return nil, herrors.NewParseError(ln, "URI line %q with no preceding #EXTINF", line)
			}
			seg := playlist.Segment{
				Duration:        pendingDuration,
				Title:           pendingTitle,
				URI:             line,
				ByteRange:       pendingByteRange,
				Discontinuity:   pendingDiscontinuity,
				ProgramDateTime: pendingPDT,
				Key:             currentKey,
				Map:             currentMap,
				Gap:             pendingGap,
				Bitrate:         pendingBitrate,
			}
			p.Segments = append(p.Segments, seg)

			hasPendingInf = false
			pendingByteRange = nil
			pendingDiscontinuity = false
			pendingPDT = nil
			pendingGap = false
			pendingBitrate = nil
		}
	}

	return p, nil
}

func parseResolution(s string) (*playlist.Resolution, error) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return nil, herrors.NewParseError(0, "invalid RESOLUTION %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, err
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, err
	}
	return &playlist.Resolution{Width: w, Height: h}, nil
}

func parseRenditionType(s string) (playlist.RenditionType, error) {
	switch s {
	case "AUDIO":
		return playlist.RenditionAudio, nil
	case "VIDEO":
		return playlist.RenditionVideo, nil
	case "SUBTITLES":
		return playlist.RenditionSubtitles, nil
	case "CLOSED-CAPTIONS":
		return playlist.RenditionClosedCaptions, nil
	default:
		return 0, herrors.NewParseError(0, "invalid EXT-X-MEDIA TYPE %q", s)
	}
}

func parseExtinf(v string) (float64, string, error) {
	parts := strings.SplitN(v, ",", 2)
	dur, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, "", herrors.NewParseError(0, "invalid EXTINF duration: %v", err)
	}
	title := ""
	if len(parts) == 2 {
		title = parts[1]
	}
	return dur, title, nil
}

// parseByteRange resolves LEN[@OFFSET] against a running cursor, returning
// the byte range and the cursor value to carry forward.
func parseByteRange(v string, cursor int64) (*playlist.ByteRange, int64, error) {
	parts := strings.SplitN(v, "@", 2)
	length, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, cursor, herrors.NewParseError(0, "invalid byte range length: %v", err)
	}
	br := &playlist.ByteRange{Length: length}
	offset := cursor
	if len(parts) == 2 {
		off, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, cursor, herrors.NewParseError(0, "invalid byte range offset: %v", err)
		}
		offset = off
	}
	o := offset
	br.Offset = &o
	return br, offset + length, nil
}

func parseKey(attrs attrList, ln int) (*playlist.Key, error) {
	method, ok := attrs.mustGet("METHOD")
	if !ok {
		return nil, herrors.NewParseError(ln, "EXT-X-KEY missing required METHOD")
	}
	k := &playlist.Key{
		Method:            playlist.KeyMethod(method),
		URI:               attrs["URI"],
		IV:                attrs["IV"],
		KeyFormat:         attrs["KEYFORMAT"],
		KeyFormatVersions: attrs["KEYFORMATVERSIONS"],
	}
	switch k.Method {
	case playlist.KeyMethodNone, playlist.KeyMethodAES128, playlist.KeyMethodSampleAES:
	default:
		return nil, herrors.NewParseError(ln, "invalid EXT-X-KEY METHOD %q", method)
	}
	if k.Method != playlist.KeyMethodNone && k.URI == "" {
		return nil, herrors.NewParseError(ln, "EXT-X-KEY missing required URI")
	}
	return k, nil
}

func parseDateRange(attrs attrList, ln int) (*playlist.DateRange, error) {
	id, ok := attrs.mustGet("ID")
	if !ok {
		return nil, herrors.NewParseError(ln, "EXT-X-DATERANGE missing required ID")
	}
	startRaw, ok := attrs.mustGet("START-DATE")
	if !ok {
		return nil, herrors.NewParseError(ln, "EXT-X-DATERANGE missing required START-DATE")
	}
	start, err := time.Parse(time.RFC3339Nano, startRaw)
	if err != nil {
		return nil, herrors.NewParseError(ln, "invalid EXT-X-DATERANGE START-DATE: %v", err)
	}
	dr := &playlist.DateRange{
		ID:               id,
		Class:            attrs["CLASS"],
		StartDate:        start,
		EndOnNext:        attrs.getBool("END-ON-NEXT"),
		SCTE35Cmd:        attrs["SCTE35-CMD"],
		SCTE35Out:        attrs["SCTE35-OUT"],
		SCTE35In:         attrs["SCTE35-IN"],
		ClientAttributes: attrs.clientAttributes(),
	}
	if endRaw, ok := attrs.get("END-DATE"); ok {
		end, err := time.Parse(time.RFC3339Nano, endRaw)
		if err != nil {
			return nil, herrors.NewParseError(ln, "invalid EXT-X-DATERANGE END-DATE: %v", err)
		}
		dr.EndDate = &end
	}
	if d, ok := attrs.getFloat("DURATION"); ok {
		dr.Duration = &d
	}
	if d, ok := attrs.getFloat("PLANNED-DURATION"); ok {
		dr.PlannedDuration = &d
	}
	return dr, nil
}
