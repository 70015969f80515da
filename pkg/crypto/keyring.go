// Package crypto seals exchange API credentials for storage at rest.
// Secrets are encrypted with AES-256-GCM under versioned master keys so the
// key can be rotated without re-encrypting every stored credential at once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard

	// Sealed values carry their key version: ENC[vN]:base64(nonce||ciphertext).
	sealedPrefix = "ENC[v"

	// Master keys come from the environment: MASTER_ENCRYPTION_KEY for v1,
	// MASTER_ENCRYPTION_KEY_V2 and up for rotations.
	envKeyName = "MASTER_ENCRYPTION_KEY"

	maxKeyVersions = 10
)

var (
	ErrKeyMissing   = errors.New("master encryption key not set")
	ErrBadKeyLength = errors.New("master encryption key must decode to 32 bytes")
	ErrNotSealed    = errors.New("value is not a sealed credential")
	ErrOpenFailed   = errors.New("credential could not be decrypted")
)

// Keyring holds every loaded master key version and seals new values with
// the newest one. Open works with any loaded version, so credentials sealed
// before a rotation stay readable.
type Keyring struct {
	mu      sync.RWMutex
	current int
	ciphers map[int]cipher.AEAD
}

// LoadKeyring builds a keyring from the environment. Version 1 is required;
// higher versions are picked up when present and the highest becomes the
// sealing key.
func LoadKeyring() (*Keyring, error) {
	kr := &Keyring{ciphers: make(map[int]cipher.AEAD)}

	if err := kr.loadVersion(1, os.Getenv(envKeyName)); err != nil {
		return nil, fmt.Errorf("load %s: %w", envKeyName, err)
	}
	kr.current = 1

	for v := 2; v <= maxKeyVersions; v++ {
		raw := os.Getenv(fmt.Sprintf("%s_V%d", envKeyName, v))
		if raw == "" {
			continue
		}
		if err := kr.loadVersion(v, raw); err != nil {
			return nil, fmt.Errorf("load %s_V%d: %w", envKeyName, v, err)
		}
		kr.current = v
	}
	return kr, nil
}

// NewKeyring builds a keyring from explicit version->key material, newest
// version sealing. Used by tests and tooling; services use LoadKeyring.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrKeyMissing
	}
	kr := &Keyring{ciphers: make(map[int]cipher.AEAD)}
	for v, key := range keys {
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		kr.ciphers[v] = aead
		if v > kr.current {
			kr.current = v
		}
	}
	return kr, nil
}

func (kr *Keyring) loadVersion(version int, encoded string) error {
	if encoded == "" {
		return ErrKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	kr.ciphers[version] = aead
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrBadKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts a secret with the newest key version.
func (kr *Keyring) Seal(plaintext string) (string, error) {
	kr.mu.RLock()
	aead := kr.ciphers[kr.current]
	version := kr.current
	kr.mu.RUnlock()

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a sealed value with whichever key version sealed it.
func (kr *Keyring) Open(sealed string) (string, error) {
	version, encoded, err := splitSealed(sealed)
	if err != nil {
		return "", err
	}

	kr.mu.RLock()
	aead, ok := kr.ciphers[version]
	kr.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not loaded", version)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64", ErrNotSealed)
	}
	if len(data) < nonceSize {
		return "", ErrNotSealed
	}
	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// Reseal re-encrypts a sealed value with the newest key version, for
// migrating stored credentials after a rotation.
func (kr *Keyring) Reseal(sealed string) (string, error) {
	plaintext, err := kr.Open(sealed)
	if err != nil {
		return "", err
	}
	return kr.Seal(plaintext)
}

// CurrentVersion reports the version new seals use.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// IsSealed reports whether a stored value carries the sealed format.
func IsSealed(value string) bool {
	version, _, err := splitSealed(value)
	return err == nil && version > 0
}

func splitSealed(sealed string) (int, string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return 0, "", ErrNotSealed
	}
	end := strings.Index(sealed, "]:")
	if end == -1 {
		return 0, "", ErrNotSealed
	}
	var version int
	if _, err := fmt.Sscanf(sealed[:end+2], "ENC[v%d]:", &version); err != nil || version < 1 {
		return 0, "", ErrNotSealed
	}
	return version, sealed[end+2:], nil
}

// GenerateKey returns a fresh random master key, base64-encoded for the
// environment.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
