package transform

import (
	"strings"
)

// defaultThinkingBudget is used when neither the backend config nor the
// request's max_tokens yields a budget.
const defaultThinkingBudget = 10000

// ConvertAdaptiveThinking rewrites a thinking mode of "adaptive" to
// explicit "enabled" with a token budget, for backends that do not accept
// adaptive mode. Budget priority: per-backend configured budget, then
// max_tokens-1 from the request, then a fixed default. A request already
// carrying an explicit budget is never touched.
//
// Returns (changed, present): present is false when the request has no
// thinking field at all.
func ConvertAdaptiveThinking(body map[string]any, configuredBudget int) (changed, present bool) {
	th, ok := body["thinking"].(map[string]any)
	if !ok {
		return false, false
	}
	if typ, _ := th["type"].(string); typ != "adaptive" {
		return false, true
	}

	budget := configuredBudget
	if budget <= 0 {
		if maxTokens, ok := body["max_tokens"].(float64); ok && maxTokens > 1 {
			budget = int(maxTokens) - 1
		} else {
			budget = defaultThinkingBudget
		}
	}

	th["type"] = "enabled"
	th["budget_tokens"] = budget
	return true, true
}

const (
	adaptiveBetaPrefix  = "adaptive-thinking-"
	interleavedBetaFlag = "interleaved-thinking-2025-05-14"
)

// PatchBetaHeader rewrites the anthropic-beta header for backends without
// adaptive thinking: the adaptive-thinking flag is replaced by the
// interleaved-thinking flag, which is added exactly once even when the
// header already carries it.
func PatchBetaHeader(header string) string {
	if header == "" {
		return interleavedBetaFlag
	}

	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts)+1)
	hasInterleaved := false
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, adaptiveBetaPrefix) {
			continue
		}
		if p == interleavedBetaFlag {
			hasInterleaved = true
		}
		out = append(out, p)
	}
	if !hasInterleaved {
		out = append(out, interleavedBetaFlag)
	}
	return strings.Join(out, ",")
}
