// Package crypto generates bridge tokens and the hashes stored in place of
// them in config files.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned for a token hash that cannot be decoded.
var ErrInvalidHash = errors.New("crypto: invalid token hash")

const (
	hashScheme = "argon2id"
	saltLen    = 16
	keyLen     = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// GenerateToken generates a random token string (32 bytes, hex encoded).
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken hashes a token with Argon2id and a random salt. The result has
// the form "argon2id$<salt hex>$<key hex>".
func HashToken(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := derive(token, salt)
	return hashScheme + "$" + hex.EncodeToString(salt) + "$" + hex.EncodeToString(key), nil
}

// ValidateHash checks that encoded was produced by HashToken.
func ValidateHash(encoded string) error {
	_, _, err := decode(encoded)
	return err
}

// VerifyToken reports whether token matches encoded. The comparison is
// constant time.
func VerifyToken(token, encoded string) bool {
	salt, want, err := decode(encoded)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derive(token, salt), want) == 1
}

func derive(token string, salt []byte) []byte {
	return argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, keyLen)
}

func decode(encoded string) (salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != hashScheme {
		return nil, nil, ErrInvalidHash
	}
	salt, err = hex.DecodeString(parts[1])
	if err != nil || len(salt) != saltLen {
		return nil, nil, ErrInvalidHash
	}
	key, err = hex.DecodeString(parts[2])
	if err != nil || len(key) != keyLen {
		return nil, nil, ErrInvalidHash
	}
	return salt, key, nil
}
