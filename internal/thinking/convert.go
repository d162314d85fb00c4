package thinking

import (
	"sync"

	"github.com/swapgate/swapgate/internal/config"
)

// defaultSignatureCacheSize bounds the signature provenance cache.
const defaultSignatureCacheSize = 2048

// ConvertResult reports what a conversion pass did to a request body.
type ConvertResult struct {
	Changed   bool
	Dropped   int
	Converted int
	Tagged    int
}

// Total is the number of blocks rewritten in any form.
func (r ConvertResult) Total() int {
	return r.Dropped + r.Converted + r.Tagged
}

// Converter rewrites foreign thinking blocks for the drop_signature,
// convert_to_text, and convert_to_tags handling modes. Provenance is
// tracked per signature: a block first seen while its backend was the
// target passes through untouched; a block signed by another backend is
// rewritten so the target never receives a signature it cannot verify.
// Unsigned blocks are attributed to the target and left alone.
type Converter struct {
	mode string

	mu          sync.Mutex
	lastBackend string
	signatures  *signatureCache
}

// NewConverter creates a converter for one of the rewrite modes.
func NewConverter(mode string) *Converter {
	return &Converter{
		mode:       mode,
		signatures: newSignatureCache(defaultSignatureCacheSize),
	}
}

// NoteBackend records the target backend for a request whose body could
// not be inspected, so a later signed block is still attributed to the
// backend that was current when it appeared.
func (c *Converter) NoteBackend(targetBackend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastBackend = targetBackend
}

// TransformRequest rewrites the thinking blocks in a request body bound
// for targetBackend. The body is modified in place.
func (c *Converter) TransformRequest(targetBackend string, body map[string]any) ConvertResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result ConvertResult
	messages, ok := body["messages"].([]any)
	if !ok {
		c.lastBackend = targetBackend
		return result
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
		for i, item := range content {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if kind, _ := obj["type"].(string); kind != "thinking" {
				continue
			}

			signature, _ := obj["signature"].(string)
			text, _ := obj["text"].(string)
			if text == "" {
				text, _ = obj["thinking"].(string)
			}

			source := c.resolveSource(signature, targetBackend)
			if source == targetBackend {
				if signature != "" {
					c.signatures.insert(signature, targetBackend)
				}
				continue
			}

			switch c.mode {
			case config.ThinkingModeDropSignature:
				if _, has := obj["signature"]; has {
					delete(obj, "signature")
					result.Dropped++
					result.Changed = true
				}
			case config.ThinkingModeConvertToText:
				content[i] = map[string]any{"type": "text", "text": text}
				result.Converted++
				result.Changed = true
			case config.ThinkingModeConvertToTags:
				content[i] = map[string]any{"type": "text", "text": "<think>" + text + "</think>"}
				result.Tagged++
				result.Changed = true
			}
		}
	}

	c.lastBackend = targetBackend
	return result
}

// resolveSource attributes a block to a backend. Cached signatures win;
// an unknown signature right after a switch is assumed to come from the
// previous backend, since that is the only way it could have appeared.
func (c *Converter) resolveSource(signature, targetBackend string) string {
	if signature == "" {
		return targetBackend
	}
	if backend, ok := c.signatures.get(signature); ok {
		return backend
	}
	if c.lastBackend != "" && c.lastBackend != targetBackend {
		return c.lastBackend
	}
	return targetBackend
}

type sigEntry struct {
	backend string
	seq     uint64
}

type sigRef struct {
	signature string
	seq       uint64
}

// signatureCache is an LRU map from signature to originating backend.
// Touches append to the order queue with a sequence number; eviction
// pops from the front, skipping refs a later touch has superseded.
type signatureCache struct {
	maxEntries int
	entries    map[string]sigEntry
	order      []sigRef
	counter    uint64
}

func newSignatureCache(maxEntries int) *signatureCache {
	return &signatureCache{
		maxEntries: maxEntries,
		entries:    make(map[string]sigEntry),
	}
}

func (c *signatureCache) get(signature string) (string, bool) {
	entry, ok := c.entries[signature]
	if !ok {
		return "", false
	}
	c.touch(signature, entry.backend)
	return entry.backend, true
}

func (c *signatureCache) insert(signature, backend string) {
	c.touch(signature, backend)
}

func (c *signatureCache) touch(signature, backend string) {
	c.counter++
	c.entries[signature] = sigEntry{backend: backend, seq: c.counter}
	c.order = append(c.order, sigRef{signature: signature, seq: c.counter})
	c.evict()
}

func (c *signatureCache) evict() {
	for len(c.entries) > c.maxEntries && len(c.order) > 0 {
		ref := c.order[0]
		c.order = c.order[1:]
		if entry, ok := c.entries[ref.signature]; ok && entry.seq == ref.seq {
			delete(c.entries, ref.signature)
		}
	}
}
