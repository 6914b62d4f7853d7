package keystore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// Sealer encrypts key material under the keystore master key before it is persisted.
// A nil Sealer stores material in the clear.
type Sealer struct {
	masterKey []byte
}

// NewSealer copies masterKey, which must be cryptoutils.KeySize bytes.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != cryptoutils.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", cryptoutils.KeySize, len(masterKey))
	}
	return &Sealer{masterKey: append([]byte(nil), masterKey...)}, nil
}

// Close zeroes the master key.
func (s *Sealer) Close() {
	if s != nil {
		cryptoutils.Zeroize(s.masterKey)
	}
}

// storedKey is the persisted form of a ManagedKey. Material holds the sealed
// key bytes, or the raw bytes when no sealer is configured.
type storedKey struct {
	Record   *interfaces.ManagedKey `json:"record"`
	Material []byte                 `json:"material,omitempty"`
	Sealed   bool                   `json:"sealed"`
	StoredAt time.Time              `json:"stored_at"`
}

func (s *Sealer) encode(key *interfaces.ManagedKey) ([]byte, error) {
	record := key.Redacted()
	stored := storedKey{Record: record, StoredAt: time.Now().UTC()}

	if len(key.KeyData) > 0 {
		if s == nil {
			stored.Material = append([]byte(nil), key.KeyData...)
		} else {
			sealed, err := cryptoutils.SealEnvelope(s.masterKey, key.KeyData, []byte(key.KeyID))
			if err != nil {
				return nil, fmt.Errorf("failed to seal key material: %w", err)
			}
			stored.Material = sealed
			stored.Sealed = true
		}
	}

	data, err := json.Marshal(stored)
	cryptoutils.Zeroize(stored.Material)
	return data, err
}

func (s *Sealer) decode(data []byte) (*interfaces.ManagedKey, error) {
	var stored storedKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	if stored.Record == nil {
		return nil, fmt.Errorf("key record is empty")
	}

	key := stored.Record
	if len(stored.Material) == 0 {
		return key, nil
	}

	if !stored.Sealed {
		key.KeyData = stored.Material
		return key, nil
	}

	if s == nil {
		return nil, fmt.Errorf("%w: key %s", interfaces.ErrKeystoreSealed, key.KeyID)
	}
	material, err := cryptoutils.OpenEnvelope(s.masterKey, stored.Material, []byte(key.KeyID))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key %s: %w", key.KeyID, err)
	}
	key.KeyData = material
	return key, nil
}

// wipedRecord returns the encoding of key with material overwritten by zeros of the same length.
func (s *Sealer) wipedRecord(data []byte) ([]byte, error) {
	var stored storedKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	cryptoutils.Zeroize(stored.Material)
	return json.Marshal(stored)
}

// emptyRecord returns the encoding of key without material.
func (s *Sealer) emptyRecord(data []byte) ([]byte, error) {
	var stored storedKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	stored.Material = nil
	stored.Sealed = false
	return json.Marshal(stored)
}
