package extract

import (
	"reflect"
	"testing"
)

func TestDirectives(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		visible  string
		memories []string
	}{
		{
			name:    "no directives",
			in:      "Just a normal reply.",
			visible: "Just a normal reply.",
		},
		{
			name:     "mid sentence",
			in:       "I love that![MEMORY: likes rain] Tell me more.",
			visible:  "I love that! Tell me more.",
			memories: []string{"likes rain"},
		},
		{
			name:     "at end",
			in:       "Good night! [MEMORY: sleeps early]",
			visible:  "Good night! ",
			memories: []string{"sleeps early"},
		},
		{
			name:     "multiple",
			in:       "[MEMORY: one]Hello[MEMORY: two] there",
			visible:  "Hello there",
			memories: []string{"one", "two"},
		},
		{
			name:     "case insensitive",
			in:       "Hi [memory: lower] and [Memory: mixed]",
			visible:  "Hi  and ",
			memories: []string{"lower", "mixed"},
		},
		{
			name:    "unterminated marker stays",
			in:      "Oops [MEMORY: no closing bracket",
			visible: "Oops [MEMORY: no closing bracket",
		},
		{
			name:     "terminated then dangling",
			in:       "A[MEMORY: one]B[MEMORY: dangling",
			visible:  "AB[MEMORY: dangling",
			memories: []string{"one"},
		},
		{
			name:    "empty payload dropped",
			in:      "Hello [MEMORY:   ] world",
			visible: "Hello  world",
		},
		{
			name:     "payload trimmed",
			in:       "[MEMORY:   plays guitar  ]",
			visible:  "",
			memories: []string{"plays guitar"},
		},
		{
			name:    "empty input",
			in:      "",
			visible: "",
		},
		{
			name:    "bare close bracket",
			in:      "a ] b",
			visible: "a ] b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, memories := Directives(tt.in)
			if visible != tt.visible {
				t.Errorf("visible = %q, want %q", visible, tt.visible)
			}
			if !reflect.DeepEqual(memories, tt.memories) {
				t.Errorf("memories = %v, want %v", memories, tt.memories)
			}
		})
	}
}
