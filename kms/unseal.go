package kms

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// Unsealer reconstructs the keystore master key from Shamir shares held by
// administrators. The master key only ever exists in memory; persistent
// keystores stay sealed until enough signed shares have been submitted.
type Unsealer struct {
	mu             sync.RWMutex
	masterKey      []byte
	threshold      int
	receivedShares map[int][]byte
	adminPubKeys   map[string][]byte // sha256(pem) hex -> pem
	unsealed       chan struct{}
}

type UnsealConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the master key
	Threshold int
	// AdminPubKeys are the PEM-encoded public keys allowed to submit shares
	AdminPubKeys [][]byte
}

// SplitMasterKey splits masterKey into one share per admin.
func SplitMasterKey(masterKey []byte, shares, threshold int) ([][]byte, error) {
	if len(masterKey) != cryptoutils.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", cryptoutils.KeySize)
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if shares < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	parts, err := shamir.Split(masterKey, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master key: %w", err)
	}
	return parts, nil
}

// NewUnsealer creates a sealed Unsealer accepting shares from the given admins.
func NewUnsealer(config UnsealConfig) (*Unsealer, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(config.AdminPubKeys) < config.Threshold {
		return nil, errors.New("fewer admins than threshold")
	}

	u := &Unsealer{
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
		unsealed:       make(chan struct{}),
	}

	for _, publicKeyPEM := range config.AdminPubKeys {
		if _, err := cryptoutils.ParsePublicKey(publicKeyPEM); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey: %w", err)
		}
		u.adminPubKeys[pubkeyFingerprint(publicKeyPEM)] = publicKeyPEM
	}

	return u, nil
}

// NewUnsealedUnsealer wraps a master key that is already known, for single-node
// setups deriving the key from a passphrase.
func NewUnsealedUnsealer(masterKey []byte) *Unsealer {
	u := &Unsealer{
		masterKey:      append([]byte(nil), masterKey...),
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
		unsealed:       make(chan struct{}),
	}
	close(u.unsealed)
	return u
}

// SubmitShare accepts a share signed by a registered admin. Once threshold
// shares are in, the master key is reconstructed and Wait callers are released.
//
// Parameters:
//   - shareIndex: index of the share (0-based), resubmitting an index replaces it
//   - share: the share bytes
//   - signature: admin signature over the share
//   - adminPubKeyPEM: the admin public key in PEM format
func (u *Unsealer) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.masterKey != nil {
		return errors.New("keystore is already unsealed")
	}

	registered, found := u.adminPubKeys[pubkeyFingerprint(adminPubKeyPEM)]
	if !found {
		return errors.New("unregistered admin public key")
	}
	if !bytes.Equal(registered, adminPubKeyPEM) {
		return errors.New("invalid pubkey passed for a matching fingerprint")
	}

	if err := cryptoutils.VerifySignature(adminPubKeyPEM, share, signature); err != nil {
		return err
	}

	u.receivedShares[shareIndex] = append([]byte(nil), share...)
	return u.tryReconstruct()
}

func (u *Unsealer) tryReconstruct() error {
	if len(u.receivedShares) < u.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(u.receivedShares))
	for _, share := range u.receivedShares {
		shares = append(shares, share)
	}

	masterKey, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master key: %w", err)
	}
	if len(masterKey) != cryptoutils.KeySize {
		cryptoutils.Zeroize(masterKey)
		return fmt.Errorf("reconstructed master key has %d bytes", len(masterKey))
	}

	u.masterKey = masterKey
	for i := range u.receivedShares {
		cryptoutils.Zeroize(u.receivedShares[i])
	}
	u.receivedShares = make(map[int][]byte)
	close(u.unsealed)

	return nil
}

func (u *Unsealer) IsUnsealed() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.masterKey != nil
}

// SharesReceived returns how many shares are waiting for reconstruction.
func (u *Unsealer) SharesReceived() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.receivedShares)
}

func (u *Unsealer) Threshold() int {
	return u.threshold
}

// MasterKey returns a copy of the reconstructed master key.
func (u *Unsealer) MasterKey() ([]byte, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.masterKey == nil {
		return nil, interfaces.ErrKeystoreSealed
	}
	return append([]byte(nil), u.masterKey...), nil
}

// Wait blocks until the master key is available or ctx is done.
func (u *Unsealer) Wait(ctx context.Context) error {
	select {
	case <-u.unsealed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close zeroes the master key. The Unsealer stays unsealed.
func (u *Unsealer) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	cryptoutils.Zeroize(u.masterKey)
}

// SignShare signs a share with an administrator's private key.
func SignShare(share []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	return cryptoutils.Sign(privateKey, share)
}

func pubkeyFingerprint(publicKeyPEM []byte) string {
	fingerprint := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(fingerprint[:])
}
