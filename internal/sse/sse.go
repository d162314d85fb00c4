// Package sse parses Server-Sent Event streams in the message-API format.
// It is deliberately tolerant: providers disagree on whitespace after the
// data: prefix, and some emit raw JSON lines with no SSE framing at all.
package sse

import (
	"encoding/json"
	"strings"
)

// Event is one parsed SSE event. The event type comes from the "type"
// field of the JSON payload, not from the "event:" framing line, because
// several providers omit the framing line entirely.
type Event struct {
	Type string
	Data map[string]any
}

// IsThinking reports whether this event starts or extends a thinking block
// (content_block_start with thinking/redacted_thinking, or thinking_delta).
func (e Event) IsThinking() bool {
	switch e.Type {
	case "content_block_start":
		block, _ := e.Data["content_block"].(map[string]any)
		t, _ := block["type"].(string)
		return t == "thinking" || t == "redacted_thinking"
	case "content_block_delta":
		delta, _ := e.Data["delta"].(map[string]any)
		t, _ := delta["type"].(string)
		return t == "thinking_delta"
	}
	return false
}

// Index returns the content block index of this event, or -1 if absent.
func (e Event) Index() int {
	if v, ok := e.Data["index"].(float64); ok {
		return int(v)
	}
	return -1
}

// Parse extracts structured events from a chunk of SSE bytes.
//
// Handles:
//   - "data: {...}" (standard, with space)
//   - "data:{...}" (compact, used by some providers)
//   - raw JSON lines without SSE framing
//   - [DONE] markers, comments, event:/id: lines, and blank lines are skipped
func Parse(b []byte) []Event {
	var events []Event
	for _, line := range strings.Split(string(b), "\n") {
		if ev, ok := parseLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

func parseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}

	payload := line
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		payload = strings.TrimLeft(rest, " ")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return Event{}, false
	}
	typ, _ := data["type"].(string)
	if typ == "" {
		return Event{}, false
	}
	return Event{Type: typ, Data: data}, true
}
