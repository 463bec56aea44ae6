package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashEqual performs constant-time comparison of two hex-encoded hashes.
// Case is ignored, operators paste digests from tools that print either.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

// SHA256Hex computes the SHA-256 hash of the input data and returns it as a hex string
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// IsSHA256Hex reports whether s is a 64 character hex digest.
func IsSHA256Hex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// SecretMatches hashes secret and compares it against the expected hex digest in constant time.
// An empty expected digest never matches.
func SecretMatches(expectedHex, secret string) bool {
	if expectedHex == "" {
		return false
	}
	return HashEqual(SHA256Hex([]byte(secret)), expectedHex)
}
