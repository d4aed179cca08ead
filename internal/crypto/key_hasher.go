// Package crypto hashes operator API keys so config files never hold the key
// itself.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

var (
	ErrEmptyKey    = errors.New("api key cannot be empty")
	ErrInvalidHash = errors.New("invalid hash: stored hash is malformed")
)

// KeyHasherParams are the argon2id cost parameters.
type KeyHasherParams struct {
	Time       uint32
	MemoryKiB  uint32
	Threads    uint8
	SaltSize   uint32
	HashLength uint32
}

// DefaultKeyHasherParams costs roughly 64 MiB and three passes per hash.
func DefaultKeyHasherParams() KeyHasherParams {
	return KeyHasherParams{
		Time:       3,
		MemoryKiB:  64 * 1024,
		Threads:    4,
		SaltSize:   16,
		HashLength: 32,
	}
}

// KeyHasher produces base64(salt || argon2id(key, salt)).
type KeyHasher struct {
	params KeyHasherParams
}

func NewKeyHasher() *KeyHasher {
	return &KeyHasher{params: DefaultKeyHasherParams()}
}

func NewKeyHasherWithParams(params KeyHasherParams) *KeyHasher {
	return &KeyHasher{params: params}
}

func (h *KeyHasher) Hash(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	salt := make([]byte, h.params.SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	combined := make([]byte, 0, h.params.SaltSize+h.params.HashLength)
	combined = append(combined, salt...)
	combined = append(combined, h.derive(key, salt)...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// Verify reports whether key matches storedHash. A malformed hash is an
// error; a mismatch is not.
func (h *KeyHasher) Verify(key, storedHash string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	combined, err := base64.StdEncoding.DecodeString(storedHash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(combined) != int(h.params.SaltSize+h.params.HashLength) {
		return false, ErrInvalidHash
	}

	salt := combined[:h.params.SaltSize]
	return subtle.ConstantTimeCompare(h.derive(key, salt), combined[h.params.SaltSize:]) == 1, nil
}

func (h *KeyHasher) derive(key string, salt []byte) []byte {
	return argon2.IDKey([]byte(key), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.HashLength)
}
