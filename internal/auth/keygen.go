package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// Admin key format: tly_admin_{secret}
// Example: tly_admin_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b
const (
	KeyPrefix    = "tly_admin_"
	KeySecretLen = 32 // hex encoded 16 bytes
)

var (
	// ErrInvalidKeyFormat indicates the key format is invalid.
	ErrInvalidKeyFormat = errors.New("invalid admin key format")

	keyFormatRegex = regexp.MustCompile(`^tly_admin_[a-f0-9]{32}$`)
)

// GeneratedKey is a fresh admin key and its hash.
type GeneratedKey struct {
	Plaintext string // show once only
	Hash      string // value for ADMIN_KEY_HASH
}

// GenerateAdminKey creates a random admin key and hashes it.
func GenerateAdminKey() (*GeneratedKey, error) {
	secret := make([]byte, KeySecretLen/2)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(secret)

	hash, err := HashKey(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}
	return &GeneratedKey{Plaintext: plaintext, Hash: hash}, nil
}

// ValidateKeyFormat checks the key shape before any hashing work is spent
// on it.
func ValidateKeyFormat(key string) bool {
	return keyFormatRegex.MatchString(key)
}
