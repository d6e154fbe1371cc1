// Package headers turns HTTP response header blocks into flat name/value
// mappings and fetches them from a location with a HEAD request.
package headers

import (
	"net/http"
	"sort"
	"strings"
)

const separator = ": "

// Map holds one response's headers keyed by lower-cased name.
type Map map[string]string

// Get looks up name case-insensitively.
func (m Map) Get(name string) (string, bool) {
	v, ok := m[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

func isLineBreak(r rune) bool {
	return r == '\r' || r == '\n'
}

// Parse reads a raw header block of "Name: Value" lines.
//
// Each line is split on its first ": " separator. Keys are trimmed and
// lower-cased, values trimmed, and a later line overwrites an earlier one
// with the same key. A line without the separator becomes a key with an
// empty value. Blank lines are skipped.
func Parse(block string) Map {
	m := make(Map)
	for _, line := range strings.FieldsFunc(strings.TrimSpace(block), isLineBreak) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, _ := strings.Cut(line, separator)
		m[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return m
}

// Block renders h the way a browser exposes all response headers: one
// lower-cased, sorted "name: value" line per header, repeated values joined
// with ", ", every line ending in CRLF.
func Block(h http.Header) string {
	merged := make(map[string][]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		merged[lower] = append(merged[lower], values...)
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(separator)
		b.WriteString(strings.Join(merged[name], ", "))
		b.WriteString("\r\n")
	}
	return b.String()
}

// FromHTTP builds the Map a browser script would see for h: lower-cased
// names, repeated values joined with ", ", values trimmed.
func FromHTTP(h http.Header) Map {
	merged := make(map[string][]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(strings.TrimSpace(name))
		merged[lower] = append(merged[lower], values...)
	}
	m := make(Map, len(merged))
	for name, values := range merged {
		m[name] = strings.TrimSpace(strings.Join(values, ", "))
	}
	return m
}
