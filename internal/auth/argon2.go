// Package auth hashes and verifies the admin key that guards the stats API.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP 2024 recommended minimum).
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

var (
	// ErrInvalidHash indicates the hash format is invalid.
	ErrInvalidHash = errors.New("invalid hash format")
	// ErrIncompatibleVersion indicates the hash version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

// HashKey creates an Argon2id hash of key in PHC string format:
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func HashKey(key string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argon2Memory,
		argon2Time,
		argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

type phcHash struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	hash    []byte
}

// ParseHash validates a PHC-encoded Argon2id hash.
func ParseHash(encoded string) error {
	_, err := parseHash(encoded)
	return err
}

func parseHash(encoded string) (*phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	var h phcHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.threads); err != nil {
		return nil, ErrInvalidHash
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, ErrInvalidHash
	}
	if h.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(h.hash) == 0 {
		return nil, ErrInvalidHash
	}
	return &h, nil
}

// VerifyKey reports whether key matches the encoded hash. The comparison
// is constant-time.
func VerifyKey(key, encodedHash string) (bool, error) {
	h, err := parseHash(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(key), h.salt, h.time, h.memory, h.threads, uint32(len(h.hash)))
	return subtle.ConstantTimeCompare(computed, h.hash) == 1, nil
}

// QuickHash returns a SHA256 digest of input for cache keys.
// This is NOT for key storage.
func QuickHash(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

// Verifier checks keys against one configured hash. Argon2 costs 64 MB
// per call, so keys that verified once are remembered by QuickHash.
type Verifier struct {
	encodedHash string

	mu       sync.Mutex
	verified map[string]struct{}
}

// maxVerified bounds the remembered set; rotating through more keys than
// this only costs extra argon2 work.
const maxVerified = 16

// NewVerifier parses encodedHash and returns a Verifier for it.
func NewVerifier(encodedHash string) (*Verifier, error) {
	if err := ParseHash(encodedHash); err != nil {
		return nil, err
	}
	return &Verifier{
		encodedHash: encodedHash,
		verified:    make(map[string]struct{}),
	}, nil
}

// Verify reports whether key matches the configured hash.
func (v *Verifier) Verify(key string) bool {
	if key == "" {
		return false
	}
	digest := QuickHash(key)

	v.mu.Lock()
	_, ok := v.verified[digest]
	v.mu.Unlock()
	if ok {
		return true
	}

	match, err := VerifyKey(key, v.encodedHash)
	if err != nil || !match {
		return false
	}

	v.mu.Lock()
	if len(v.verified) >= maxVerified {
		clear(v.verified)
	}
	v.verified[digest] = struct{}{}
	v.mu.Unlock()
	return true
}
