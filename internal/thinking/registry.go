// Package thinking tracks which thinking blocks in conversation history
// are still valid for the active backend. Providers sign their thinking
// blocks with opaque, provider-specific signatures; after a backend switch
// the old signatures no longer verify upstream, so stale blocks must be
// filtered out of outgoing requests.
//
// Lifecycle of a block:
//
//  1. registration: extracted from a response, recorded unconfirmed
//  2. confirmation: the same hash reappears in a later request body
//  3. eviction: by session change, disuse, or orphan age; never
//     immediately on switch, so slow confirmations are not starved
package thinking

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swapgate/swapgate/internal/sse"
)

// DefaultOrphanThreshold bounds how long an unconfirmed block survives
// without being echoed back by the client.
const DefaultOrphanThreshold = 5 * time.Minute

type blockInfo struct {
	session      uint64
	confirmed    bool
	registeredAt time.Time
}

// Registry is the process-wide thinking block registry. All state lives
// behind one mutex and every operation is a single critical section;
// splitting advance-and-snapshot across two acquisitions is exactly the
// race that lets a concurrent caller invalidate another agent's blocks.
type Registry struct {
	mu              sync.Mutex // never held across I/O
	currentSession  uint64
	currentBackend  string
	blocks          map[uint64]blockInfo
	orphanThreshold time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return NewRegistryWithThreshold(logger, DefaultOrphanThreshold)
}

// NewRegistryWithThreshold creates a registry with a custom orphan threshold.
func NewRegistryWithThreshold(logger *zap.Logger, threshold time.Duration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultOrphanThreshold
	}
	return &Registry{
		blocks:          make(map[uint64]blockInfo),
		orphanThreshold: threshold,
		logger:          logger,
		now:             time.Now,
	}
}

// Session is a per-request snapshot of the registry's session id. It is
// created by BeginRequest on the primary pipeline and dies with the
// request. Blocks registered through it carry the snapshotted id even if
// a concurrent switch advances the registry meanwhile (at-most-once,
// never-conflicting registration).
type Session struct {
	registry *Registry
	id       uint64
	backend  string
}

// ID returns the session id snapshotted at BeginRequest time.
func (s *Session) ID() uint64 { return s.id }

// Backend returns the backend the session was opened against.
func (s *Session) Backend() string { return s.backend }

// BeginRequest advances the session counter iff backendName differs from
// the last recorded backend, then snapshots the resulting id into a new
// Session. Advance and snapshot happen in the same critical section: two
// agents calling concurrently each observe a consistent id, and a switch
// observed by one caller never silently invalidates the other's snapshot
// mid-flight.
func (r *Registry) BeginRequest(backendName string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentBackend != backendName {
		old := r.currentSession
		r.currentSession++
		r.logger.Info("thinking session advanced",
			zap.String("old_backend", r.currentBackend),
			zap.String("new_backend", backendName),
			zap.Uint64("old_session", old),
			zap.Uint64("session", r.currentSession),
			zap.Int("cache_size", len(r.blocks)))
		r.currentBackend = backendName
	}

	return &Session{registry: r, id: r.currentSession, backend: backendName}
}

// CurrentSession returns the registry's current session id.
func (r *Registry) CurrentSession() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentSession
}

// BlockCount returns the number of registered blocks.
func (r *Registry) BlockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

// FilterRequest processes an outgoing request body in a single critical
// section: confirm blocks echoed back by the client, evict per the
// cleanup rules, then strip thinking blocks that are unknown or stale.
// Returns the number of blocks removed from the body.
//
// Eviction rules:
//   - old session: always removed
//   - confirmed but absent from a request that carries history: removed
//   - unconfirmed, absent, older than the orphan threshold: removed
//
// Requests without conversation history (no assistant message) or with
// zero thinking blocks are uninformative about which blocks are still
// needed, so only the old-session rule applies to them.
func (s *Session) FilterRequest(body map[string]any) int {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	requestHashes := extractRequestHashes(body)

	confirmed := 0
	for h := range requestHashes {
		info, ok := r.blocks[h]
		if ok && info.session == r.currentSession && !info.confirmed {
			info.confirmed = true
			r.blocks[h] = info
			confirmed++
		}
	}

	var evicted int
	if hasAssistantHistory(body) && len(requestHashes) > 0 {
		evicted = r.evictLocked(requestHashes, now)
	} else {
		evicted = r.evictOldSessionsLocked()
	}

	removed := r.filterBodyLocked(body)

	if confirmed > 0 || evicted > 0 || removed > 0 {
		r.logger.Debug("thinking request processed",
			zap.Uint64("session", s.id),
			zap.Int("confirmed", confirmed),
			zap.Int("evicted", evicted),
			zap.Int("removed", removed),
			zap.Int("cache_size", len(r.blocks)))
	}
	return removed
}

// evictOldSessionsLocked removes blocks from prior sessions only.
func (r *Registry) evictOldSessionsLocked() int {
	evicted := 0
	for h, info := range r.blocks {
		if info.session != r.currentSession {
			delete(r.blocks, h)
			evicted++
		}
	}
	return evicted
}

// evictLocked applies all three eviction rules against the set of hashes
// present in the current request.
func (r *Registry) evictLocked(requestHashes map[uint64]struct{}, now time.Time) int {
	evicted := 0
	for h, info := range r.blocks {
		if info.session != r.currentSession {
			delete(r.blocks, h)
			evicted++
			continue
		}
		if _, inRequest := requestHashes[h]; inRequest {
			continue
		}
		if info.confirmed {
			delete(r.blocks, h)
			evicted++
			continue
		}
		if now.Sub(info.registeredAt) > r.orphanThreshold {
			delete(r.blocks, h)
			evicted++
		}
	}
	return evicted
}

// filterBodyLocked strips thinking blocks whose hash is not registered.
// Registration implies the block belongs to a valid session: stale-session
// entries were just evicted above.
func (r *Registry) filterBodyLocked(body map[string]any) int {
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
			text, isThinking := thinkingContent(item)
			if !isThinking {
				kept = append(kept, item)
				continue
			}
			if text == "" {
				removed++
				continue
			}
			if _, found := r.blocks[ContentHash(text)]; found {
				kept = append(kept, item)
			} else {
				removed++
			}
		}
		msg["content"] = kept
	}
	return removed
}

// RegisterFromResponse extracts thinking blocks from a buffered response
// body and records them under the session's snapshotted id.
func (s *Session) RegisterFromResponse(body map[string]any) int {
	content, ok := body["content"].([]any)
	if !ok {
		return 0
	}

	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, item := range content {
		if text, isThinking := thinkingContent(item); isThinking && text != "" {
			if r.registerLocked(text, s.id) {
				registered++
			}
		}
	}
	return registered
}

// RegisterFromStream accumulates thinking deltas per block index across a
// complete event sequence and records the assembled blocks. Redacted
// thinking arrives complete in content_block_start and is recorded
// immediately. Accumulators left open by a truncated stream are recorded
// too: a block the provider produced is a block the client may echo back.
func (s *Session) RegisterFromStream(events []sse.Event) int {
	type acc struct{ text string }
	accumulators := make(map[int]*acc)

	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, ev := range events {
		switch ev.Type {
		case "content_block_start":
			block, _ := ev.Data["content_block"].(map[string]any)
			switch block["type"] {
			case "thinking":
				initial, _ := block["thinking"].(string)
				if idx := ev.Index(); idx >= 0 {
					accumulators[idx] = &acc{text: initial}
				}
			case "redacted_thinking":
				if data, _ := block["data"].(string); data != "" {
					if r.registerLocked(data, s.id) {
						registered++
					}
				}
			}
		case "content_block_delta":
			delta, _ := ev.Data["delta"].(map[string]any)
			if delta["type"] != "thinking_delta" {
				continue
			}
			if a, ok := accumulators[ev.Index()]; ok {
				if chunk, _ := delta["thinking"].(string); chunk != "" {
					a.text += chunk
				}
			}
		case "content_block_stop":
			idx := ev.Index()
			if a, ok := accumulators[idx]; ok {
				delete(accumulators, idx)
				if a.text != "" && r.registerLocked(a.text, s.id) {
					registered++
				}
			}
		}
	}

	for _, a := range accumulators {
		if a.text != "" && r.registerLocked(a.text, s.id) {
			registered++
		}
	}
	return registered
}

// registerLocked records one block under the given session id. Re-registering
// a hash already present in the same session is a no-op.
func (r *Registry) registerLocked(content string, sessionID uint64) bool {
	h := ContentHash(content)
	if existing, ok := r.blocks[h]; ok && existing.session == sessionID {
		return false
	}
	r.blocks[h] = blockInfo{
		session:      sessionID,
		confirmed:    false,
		registeredAt: r.now(),
	}
	return true
}

// Stats summarizes registry contents for the management surface.
type Stats struct {
	Total          int    `json:"total"`
	Confirmed      int    `json:"confirmed"`
	Unconfirmed    int    `json:"unconfirmed"`
	CurrentSession uint64 `json:"current_session"`
}

// Stats returns a snapshot of registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Total: len(r.blocks), CurrentSession: r.currentSession}
	for _, info := range r.blocks {
		if info.confirmed {
			st.Confirmed++
		} else {
			st.Unconfirmed++
		}
	}
	return st
}

// thinkingContent returns the comparable content of a thinking block:
// the thinking text, or the opaque data of a redacted block. The second
// return is false for non-thinking items.
func thinkingContent(item any) (string, bool) {
	obj, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	switch obj["type"] {
	case "thinking":
		// Some providers emit "text" instead of "thinking".
		if text, _ := obj["thinking"].(string); text != "" {
			return text, true
		}
		text, _ := obj["text"].(string)
		return text, true
	case "redacted_thinking":
		data, _ := obj["data"].(string)
		return data, true
	}
	return "", false
}

// extractRequestHashes collects hashes of every thinking block in the
// request's message history.
func extractRequestHashes(body map[string]any) map[uint64]struct{} {
	hashes := make(map[uint64]struct{})
	messages, ok := body["messages"].([]any)
	if !ok {
		return hashes
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, item := range content {
			if text, isThinking := thinkingContent(item); isThinking && text != "" {
				hashes[ContentHash(text)] = struct{}{}
			}
		}
	}
	return hashes
}

// hasAssistantHistory reports whether the request carries conversation
// history (at least one assistant message).
func hasAssistantHistory(body map[string]any) bool {
	messages, ok := body["messages"].([]any)
	if !ok {
		return false
	}
	for _, m := range messages {
		if msg, ok := m.(map[string]any); ok {
			if role, _ := msg["role"].(string); role == "assistant" {
				return true
			}
		}
	}
	return false
}
