package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex returns the lowercase hex encoding of the SHA-256 digest of data.
func Sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// IsHexDigest reports whether s looks like a Sha256Hex output.
func IsHexDigest(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
