// Package interpret extracts structured values from free-text model completions.
//
// Models asked for JSON frequently wrap it in prose, fence it in markdown, or
// nest the expected list under a key. Decoding is attempted in three tiers:
//
//  1. strict decode of the whole (trimmed) text
//  2. decode of the first fenced code block
//  3. decode of the first balanced bracket or brace span
//
// A failed decode is an ordinary outcome reported through the boolean result.
package interpret

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \\t]*\\r?\\n?(.*?)```")

// List decodes raw into a slice of T.
// A single-key object whose value is the list (e.g. {"steps": [...]}) is unwrapped.
func List[T any](raw string) ([]T, bool) {
	for _, candidate := range candidates(raw, '[') {
		if out, ok := decodeList[T](candidate); ok {
			return out, true
		}
	}
	// The list may only be reachable through its wrapper object.
	for _, candidate := range candidates(raw, '{') {
		if out, ok := decodeList[T](candidate); ok {
			return out, true
		}
	}
	return nil, false
}

// Object decodes raw into a T, which should be a struct or map type.
func Object[T any](raw string) (T, bool) {
	for _, candidate := range candidates(raw, '{') {
		if out, ok := decodeObject[T](candidate); ok {
			return out, true
		}
	}
	var zero T
	return zero, false
}

// candidates returns the texts to try, in tier order.
func candidates(raw string, open byte) []string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	out := []string{text}
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		if inner := strings.TrimSpace(m[1]); inner != "" {
			out = append(out, inner)
		}
	}
	if span := BalancedSpan(text, open); span != "" {
		out = append(out, span)
	}
	return out
}

func decodeList[T any](text string) ([]T, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	if text[0] == '[' {
		var out []T
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, false
		}
		return out, true
	}
	if text[0] != '{' {
		return nil, false
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &wrapper); err != nil || len(wrapper) != 1 {
		return nil, false
	}
	for _, inner := range wrapper {
		var out []T
		if err := json.Unmarshal(inner, &out); err != nil || out == nil {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

func decodeObject[T any](text string) (T, bool) {
	var out T
	text = strings.TrimSpace(text)
	if text == "" || text[0] != '{' {
		return out, false
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		var zero T
		return zero, false
	}
	return out, true
}

// BalancedSpan returns the first span of text that starts with open ('[' or '{')
// and ends at its matching closer. Brackets inside JSON strings are ignored.
// Returns "" if no balanced span exists.
func BalancedSpan(text string, open byte) string {
	var closer byte
	switch open {
	case '[':
		closer = ']'
	case '{':
		closer = '}'
	default:
		return ""
	}

	for start := strings.IndexByte(text, open); start != -1; {
		if end := matchClose(text, start, open, closer); end != -1 {
			return text[start : end+1]
		}
		next := strings.IndexByte(text[start+1:], open)
		if next == -1 {
			break
		}
		start += next + 1
	}
	return ""
}

func matchClose(text string, start int, open, closer byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
