package sync

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent computes SHA256 hash of content bytes
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// HashString computes SHA256 hash of a string
func HashString(content string) string {
	return HashContent([]byte(content))
}

// Fingerprint returns the change-detection digest of processed page text.
// The text is expected to be normalized already; two pages that extract to
// the same text have the same fingerprint.
func Fingerprint(processed string) string {
	return HashString(processed)
}
