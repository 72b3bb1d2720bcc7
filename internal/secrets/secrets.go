// Package secrets generates, encodes, and hashes the raw refresh secrets
// handed to callers. The raw value exists only in flight; stores only ever
// see the SHA-256 digest.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

// SecretSize is the raw refresh secret length in bytes.
const SecretSize = 32

// ErrMalformedSecret is returned when a presented token string does not
// decode to a full-length secret.
var ErrMalformedSecret = errors.New("malformed refresh secret")

// New reads a fresh secret from src, falling back to crypto/rand when src
// is nil.
func New(src io.Reader) ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	if src == nil {
		src = rand.Reader
	}
	if _, err := io.ReadFull(src, secret[:]); err != nil {
		return secret, err
	}
	return secret, nil
}

// Hash returns the SHA-256 digest used as the storage lookup key.
func Hash(secret [SecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// Encode renders a secret as the opaque string handed to callers.
func Encode(secret [SecretSize]byte) string {
	return base64.RawURLEncoding.EncodeToString(secret[:])
}

// Decode parses a presented token string back into a secret.
func Decode(raw string) ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(data) != SecretSize {
		return secret, ErrMalformedSecret
	}
	copy(secret[:], data)
	return secret, nil
}

// HashHex returns the lowercase hex form of a hash, used in store keys and
// index sets.
func HashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// Equal compares two hashes in constant time.
func Equal(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
