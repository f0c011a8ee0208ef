package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like hl_3f2a…, prefixed by entity kind
// (hl, help, voice, ntf). Pending highlight ids come from a separate uuid
// space and never collide with these.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
