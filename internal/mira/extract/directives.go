// Package extract post-processes generated replies: it strips embedded
// memory directives from the visible text and drives the random mood drift.
package extract

import "strings"

const (
	directiveOpen  = "[memory:"
	directiveClose = "]"
)

// Directives splits a generated reply into the user-visible text and the
// memory payloads embedded in it. Directives look like "[MEMORY: payload]"
// and match case-insensitively. An opening marker with no closing bracket is
// not a directive and stays in the visible text untouched. Payloads are
// trimmed of surrounding whitespace; empty payloads are dropped. All prose
// outside the directives is preserved byte for byte.
func Directives(raw string) (visible string, memories []string) {
	var b strings.Builder
	rest := raw
	for {
		start := indexFold(rest, directiveOpen)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(directiveOpen):], directiveClose)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		payload := strings.TrimSpace(rest[start+len(directiveOpen) : start+len(directiveOpen)+end])
		if payload != "" {
			memories = append(memories, payload)
		}
		rest = rest[start+len(directiveOpen)+end+len(directiveClose):]
	}
	return b.String(), memories
}

// indexFold is strings.Index with ASCII case folding, enough for the
// directive marker which is pure ASCII.
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}
