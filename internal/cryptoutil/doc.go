// Package cryptoutil provides verification primitives for catalog integrity
// and credential checks.
//
// It supports:
//   - KMS-backed detached signature verification (ECDSA P-256/P-384, RSA-PSS)
//   - Constant-time comparison of hex digests
//   - SHA-256 hashing helpers
package cryptoutil
