package kdf

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Iterations = 100000
	SaltSize   = 16
	KeySize    = 32
)

// PasswordKey derives the AES-256 wrapping key that protects a private key
// at rest. PBKDF2-HMAC-SHA256, 100k iterations.
func PasswordKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha256.New)
}
