package thinking

// Strip removes every thinking and redacted_thinking block from the
// request body, regardless of session. It is the most compatible handling
// mode: nothing provider-signed ever reaches a foreign backend, at the
// cost of losing thinking context between turns. Returns the number of
// blocks removed.
func Strip(body map[string]any) int {
	messages, ok := body["messages"].([]any)
	if !ok {
		return 0
	}

	removed := 0
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		kept := content[:0]
		for _, item := range content {
			if _, isThinking := thinkingContent(item); isThinking {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		msg["content"] = kept
	}

	// The context_management field steers provider-side handling of the
	// thinking blocks we just removed; stale, it confuses providers.
	if removed > 0 {
		delete(body, "context_management")
	}
	return removed
}
