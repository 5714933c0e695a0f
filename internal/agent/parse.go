package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RawCall is one tool invocation as emitted by the model in the free-text
// transport: a tool name plus an undecoded argument blob. The dispatcher
// decodes Args into the tool's typed argument struct.
type RawCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// diffMarkers are the prefixes that identify the start of a unified diff.
var diffMarkers = []string{"diff --git ", "Index: ", "--- "}

// IsDiff reports whether the trimmed text starts at a diff marker.
func IsDiff(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, m := range diffMarkers {
		if strings.HasPrefix(trimmed, m) {
			return true
		}
	}
	return false
}

// ExtractDiff locates a diff marker anywhere in the text and returns the text
// from that marker onward. Used as the last resort when a response fails to
// parse as tool-call JSON.
func ExtractDiff(text string) (string, bool) {
	best := -1
	for _, m := range diffMarkers {
		idx := strings.Index(text, m)
		if idx < 0 {
			continue
		}
		// A "--- " marker only counts at the start of a line.
		if m == "--- " && idx > 0 && text[idx-1] != '\n' {
			if next := strings.Index(text, "\n--- "); next >= 0 {
				idx = next + 1
			} else {
				continue
			}
		}
		if best < 0 || idx < best {
			best = idx
		}
	}
	if best < 0 {
		return "", false
	}
	// Keep the trailing newline: git apply wants one, and the judge stage
	// compares the extraction against candidates byte for byte.
	return strings.TrimRight(text[best:], "\n") + "\n", true
}

// ParseToolCalls interprets model output as one tool-invocation object or an
// array of them. Concatenated bare objects are tolerated and treated as an
// implicit array. The boolean reports whether the text parsed as tool-call
// JSON at all; per-call validation (missing tool field, unknown name) is left
// to the caller.
func ParseToolCalls(text string) ([]RawCall, bool) {
	trimmed := strings.TrimSpace(stripFences(text))
	if trimmed == "" {
		return nil, false
	}

	switch trimmed[0] {
	case '[':
		var calls []RawCall
		if err := json.Unmarshal([]byte(trimmed), &calls); err != nil {
			return nil, false
		}
		return calls, true
	case '{':
		// A single object may be the first of several concatenated ones; the
		// streaming decoder handles both shapes.
		dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
		var calls []RawCall
		for dec.More() {
			var c RawCall
			if err := dec.Decode(&c); err != nil {
				return nil, false
			}
			calls = append(calls, c)
		}
		if len(calls) == 0 {
			return nil, false
		}
		return calls, true
	default:
		return nil, false
	}
}

// stripFences removes a surrounding Markdown code fence, with or without a
// language tag.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		first := strings.TrimSpace(trimmed[:nl])
		// Drop a language tag like "json" on the fence line.
		if len(first) <= 12 && !strings.ContainsAny(first, "{}[]") {
			trimmed = trimmed[nl+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
