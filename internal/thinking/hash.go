package thinking

import (
	"encoding/binary"
	"hash/fnv"
)

const hashWindow = 256

// ContentHash computes the identity hash of a thinking block. It hashes
// the first and last 256 bytes plus the total length rather than the full
// body: blocks can be tens of kilobytes, and two blocks sharing a prefix
// still differ in suffix or length.
func ContentHash(content string) uint64 {
	h := fnv.New64a()

	prefix := content
	if len(prefix) > hashWindow {
		prefix = prefix[:hashWindow]
	}
	_, _ = h.Write([]byte(prefix))

	if len(content) > hashWindow {
		_, _ = h.Write([]byte(content[len(content)-hashWindow:]))
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(content)))
	_, _ = h.Write(lenBuf[:])

	return h.Sum64()
}
