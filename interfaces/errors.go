package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when no key with the requested id exists.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyRevoked is returned for any use of a revoked key.
	ErrKeyRevoked = errors.New("key revoked")

	// ErrKeyExpired is returned when a key's lifetime has passed or its material was disposed of.
	ErrKeyExpired = errors.New("key expired")

	// ErrHardwareMismatch is returned when the executing machine does not match the key's bound fingerprint.
	ErrHardwareMismatch = errors.New("hardware fingerprint mismatch")

	// ErrInvalidKeyState is returned when a lifecycle transition is not allowed from the current status.
	ErrInvalidKeyState = errors.New("invalid key state")

	// ErrIntegrityCheckFailed is returned when a block's checksum does not match its ciphertext.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")

	// ErrAuthenticationFailed is returned when AEAD tag verification fails.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTransferRetryExhausted is returned when a block failed on every allowed attempt.
	ErrTransferRetryExhausted = errors.New("transfer retries exhausted")

	// ErrSessionCancelled is returned for operations on a cancelled transfer session.
	ErrSessionCancelled = errors.New("session cancelled")

	// ErrSessionNotFound is returned when a transfer session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrKeystoreSealed is returned by persistent keystores until the master key is available.
	ErrKeystoreSealed = errors.New("keystore sealed")

	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// KeyError reports a key validity failure together with the key it concerns.
// It unwraps to one of the key sentinel errors.
type KeyError struct {
	KeyID string
	Err   error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %s: %v", e.KeyID, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// NewKeyError wraps a key sentinel error with the key id.
func NewKeyError(keyID string, err error) error {
	return &KeyError{KeyID: keyID, Err: err}
}

// IsKeyValidityError reports whether err makes a key unusable for good.
// Such errors are never retried.
func IsKeyValidityError(err error) bool {
	return errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrKeyRevoked) ||
		errors.Is(err, ErrKeyExpired) ||
		errors.Is(err, ErrHardwareMismatch)
}
