package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/secure-model-distribution/interfaces"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	errInvalidKeySize   = errors.New("invalid key size")
	errEnvelopeTooShort = errors.New("envelope too short")
)

// GenerateKey returns KeySize bytes from the system CSPRNG.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d", errInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce and
// returns nonce, ciphertext and tag separately.
func Seal(key, plaintext, additionalData []byte) (nonce [interfaces.NonceSize]byte, ciphertext []byte, tag [interfaces.TagSize]byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nonce, nil, tag, err
	}

	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, tag, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce[:], plaintext, additionalData)
	split := len(sealed) - interfaces.TagSize
	ciphertext = sealed[:split]
	copy(tag[:], sealed[split:])
	return nonce, ciphertext, tag, nil
}

// Open reverses Seal. A tag mismatch is reported as ErrAuthenticationFailed.
func Open(key []byte, nonce [interfaces.NonceSize]byte, ciphertext []byte, tag [interfaces.TagSize]byte, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+interfaces.TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)

	plaintext, err := aead.Open(nil, nonce[:], sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// SealEnvelope encrypts plaintext and returns nonce || ciphertext || tag.
func SealEnvelope(key, plaintext, additionalData []byte) ([]byte, error) {
	nonce, ciphertext, tag, err := Seal(key, plaintext, additionalData)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(nonce)+len(ciphertext)+len(tag))
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	out = append(out, tag[:]...)
	return out, nil
}

// OpenEnvelope reverses SealEnvelope.
func OpenEnvelope(key, envelope, additionalData []byte) ([]byte, error) {
	if len(envelope) < interfaces.NonceSize+interfaces.TagSize {
		return nil, errEnvelopeTooShort
	}

	var nonce [interfaces.NonceSize]byte
	var tag [interfaces.TagSize]byte
	copy(nonce[:], envelope[:interfaces.NonceSize])
	copy(tag[:], envelope[len(envelope)-interfaces.TagSize:])
	ciphertext := envelope[interfaces.NonceSize : len(envelope)-interfaces.TagSize]

	return Open(key, nonce, ciphertext, tag, additionalData)
}

// Checksum returns the hex encoded SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Zeroize overwrites b in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsZeroized reports whether b is empty or all zero.
func IsZeroized(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
