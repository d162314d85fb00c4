// Package transform contains the stateless request/response rewrites of
// the pipeline: model family mapping and thinking-mode compatibility
// conversion. Every function here is pure: no shared state, idempotent,
// and insensitive to ordering against the other rewrites.
package transform

import (
	"encoding/json"
	"strings"

	"github.com/swapgate/swapgate/internal/config"
)

// ModelMapping records a forward model rewrite so the response can be
// mapped back. The client must never see provider-internal model ids.
type ModelMapping struct {
	// Backend is the model id sent upstream (e.g. "glm-5").
	Backend string
	// Original is the model the client asked for (e.g. "claude-opus-4-6").
	Original string
}

// MapModel rewrites the request's model field to the backend-specific id
// when the backend declares a family map and the field matches a known
// alias. Unknown models are left untouched. Returns the mapping applied,
// or nil when nothing changed.
func MapModel(body map[string]any, backend config.Backend) *ModelMapping {
	if backend.Models.Empty() {
		return nil
	}
	model, _ := body["model"].(string)
	if model == "" {
		return nil
	}

	mapped := resolveAlias(model, backend.Models)
	if mapped == "" || mapped == model {
		return nil
	}

	body["model"] = mapped
	return &ModelMapping{Backend: mapped, Original: model}
}

// resolveAlias matches a client model name to a family alias. Family is
// determined by the alias substring in the model name, the convention the
// coding-agent client uses for its tiers.
func resolveAlias(model string, m config.ModelMap) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return m.Opus
	case strings.Contains(lower, "sonnet"):
		return m.Sonnet
	case strings.Contains(lower, "haiku"):
		return m.Haiku
	}
	return ""
}

// ReverseMapResponse rewrites $.model in a buffered JSON response back to
// the client's original model name. Bodies that do not parse, carry no
// model, or carry an unexpected model are returned unchanged.
func ReverseMapResponse(body []byte, mapping *ModelMapping) []byte {
	if mapping == nil {
		return body
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	model, _ := obj["model"].(string)
	if model != mapping.Backend {
		return body
	}
	obj["model"] = mapping.Original
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

// ChunkRewriter mutates one streamed chunk before it is relayed to the
// client. Rewriters may be stateful across the chunks of one response.
type ChunkRewriter func([]byte) []byte

// NewReverseModelRewriter returns a stateful chunk rewriter that replaces
// message.model in the message_start SSE event with the client's original
// model name. message_start appears once per response; after rewriting it
// the rewriter passes every subsequent chunk through untouched.
func NewReverseModelRewriter(mapping *ModelMapping) ChunkRewriter {
	if mapping == nil {
		return func(b []byte) []byte { return b }
	}
	done := false
	return func(chunk []byte) []byte {
		if done {
			return chunk
		}
		// Cheap byte scan before any parsing: most chunks are deltas.
		if !strings.Contains(string(chunk), `"message_start"`) {
			return chunk
		}
		done = true
		return rewriteMessageStart(chunk, mapping)
	}
}

// rewriteMessageStart rewrites the data line carrying the message_start
// event, reconstructing all other lines verbatim.
func rewriteMessageStart(chunk []byte, mapping *ModelMapping) []byte {
	lines := strings.Split(string(chunk), "\n")
	rewritten := false

	for i, line := range lines {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
		if !ok {
			continue
		}
		payload := strings.TrimLeft(rest, " ")

		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			continue
		}
		if typ, _ := obj["type"].(string); typ != "message_start" {
			continue
		}

		msg, _ := obj["message"].(map[string]any)
		model, _ := msg["model"].(string)
		if model != mapping.Backend {
			// Backend returned something other than the id we sent;
			// leave it alone rather than inventing a name.
			continue
		}
		msg["model"] = mapping.Original

		out, err := json.Marshal(obj)
		if err != nil {
			continue
		}
		lines[i] = "data: " + string(out)
		rewritten = true
	}

	if !rewritten {
		return chunk
	}
	return []byte(strings.Join(lines, "\n"))
}
