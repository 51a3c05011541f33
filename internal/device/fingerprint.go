// Package device derives stable device identifiers from client-supplied
// descriptors.
package device

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint maps a raw device descriptor to its id: the lowercase hex
// SHA-256 of the descriptor. Unsalted so the id is reproducible anywhere
// without server state; the raw descriptor is discarded after hashing and
// never persisted. An empty descriptor is a valid (if weak) input.
func Fingerprint(descriptor string) string {
	sum := sha256.Sum256([]byte(descriptor))
	return hex.EncodeToString(sum[:])
}
