package crypto

import (
	"crypto/subtle"

	"golang.org/x/crypto/sha3"
)

// Fingerprint returns the SHA3-256 digest of data
func Fingerprint(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

// VerifyFingerprint recomputes the digest of data and compares it with want
func VerifyFingerprint(data, want []byte) error {
	if subtle.ConstantTimeCompare(Fingerprint(data), want) != 1 {
		return ErrIntegrity
	}
	return nil
}
