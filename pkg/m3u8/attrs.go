package m3u8

import (
	"strconv"
	"strings"
)

// attrList is a parsed HLS attribute-list: comma-separated KEY=VALUE pairs
// where VALUE is either a double-quoted string or an unquoted run. Keys
// are case-sensitive per spec.md §4.1.
type attrList map[string]string

// parseAttrList tokenizes an attribute-list value, tolerating arbitrary
// attribute order. Commas inside double quotes do not split attributes.
func parseAttrList(s string) attrList {
	out := make(attrList)
	var key strings.Builder
	var val strings.Builder
	inQuotes := false
	inValue := false

	flush := func() {
		k := key.String()
		if k != "" {
			out[k] = val.String()
		}
		key.Reset()
		val.Reset()
		inValue = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			if inValue {
				val.WriteByte(c)
			}
		case c == '=' && !inQuotes && !inValue:
			inValue = true
		case c == ',' && !inQuotes:
			flush()
		default:
			if inValue {
				val.WriteByte(c)
			} else {
				key.WriteByte(c)
			}
		}
	}
	flush()

	// Strip surrounding quotes left over from values that began/ended with one.
	for k, v := range out {
		out[k] = strings.Trim(v, `"`)
	}
	return out
}

func (a attrList) get(key string) (string, bool) {
	v, ok := a[key]
	return v, ok
}

func (a attrList) mustGet(key string) (string, bool) {
	v, ok := a[key]
	return v, ok && v != ""
}

func (a attrList) getInt(key string) (int, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (a attrList) getInt64(key string) (int64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func (a attrList) getFloat(key string) (float64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func (a attrList) getBool(key string) bool {
	v, ok := a[key]
	return ok && v == "YES"
}

// clientAttributes collects X-* keys from an EXT-X-DATERANGE attribute
// list, parsing numeric-looking values as numbers.
func (a attrList) clientAttributes() map[string]interface{} {
	var out map[string]interface{}
	for k, v := range a {
		if !strings.HasPrefix(k, "X-") {
			continue
		}
		if out == nil {
			out = make(map[string]interface{})
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else {
			out[k] = v
		}
	}
	return out
}
