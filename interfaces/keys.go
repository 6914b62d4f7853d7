package interfaces

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// KeyStatus is the lifecycle state of a ManagedKey.
type KeyStatus int

const (
	KeyStatusActive KeyStatus = iota + 1
	KeyStatusRotating
	KeyStatusDeprecated
	KeyStatusExpired
	KeyStatusRevoked
)

// AllKeyStatuses lists every lifecycle state in declaration order.
var AllKeyStatuses = []KeyStatus{
	KeyStatusActive,
	KeyStatusRotating,
	KeyStatusDeprecated,
	KeyStatusExpired,
	KeyStatusRevoked,
}

// String returns the lowercase status name.
func (s KeyStatus) String() string {
	switch s {
	case KeyStatusActive:
		return "active"
	case KeyStatusRotating:
		return "rotating"
	case KeyStatusDeprecated:
		return "deprecated"
	case KeyStatusExpired:
		return "expired"
	case KeyStatusRevoked:
		return "revoked"
	default:
		panic(fmt.Sprintf("unknown key status %d", int(s)))
	}
}

// ParseKeyStatus is the inverse of KeyStatus.String.
func ParseKeyStatus(s string) (KeyStatus, error) {
	for _, status := range AllKeyStatuses {
		if status.String() == strings.ToLower(s) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown key status %q", s)
}

// IsTerminal reports whether no further transition is possible.
func (s KeyStatus) IsTerminal() bool {
	switch s {
	case KeyStatusExpired, KeyStatusRevoked:
		return true
	case KeyStatusActive, KeyStatusRotating, KeyStatusDeprecated:
		return false
	default:
		panic(fmt.Sprintf("unknown key status %d", int(s)))
	}
}

// CanEncrypt reports whether new blocks may be sealed under a key in this state.
// Deprecated keys are still accepted so that blocks of a model mid-migration
// can be re-sealed; callers wanting fresh keys should pick the ACTIVE one.
func (s KeyStatus) CanEncrypt() bool {
	switch s {
	case KeyStatusActive, KeyStatusRotating, KeyStatusDeprecated:
		return true
	case KeyStatusExpired, KeyStatusRevoked:
		return false
	default:
		panic(fmt.Sprintf("unknown key status %d", int(s)))
	}
}

// CanDecrypt reports whether blocks sealed under a key in this state can be opened.
func (s KeyStatus) CanDecrypt() bool {
	return !s.IsTerminal()
}

// CanTransitionTo validates a lifecycle edge.
//
//	ACTIVE -> ROTATING -> DEPRECATED -> EXPIRED
//	ROTATING -> ACTIVE (rotation rolled back)
//	any non-terminal -> REVOKED
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == KeyStatusRevoked {
		return true
	}

	switch s {
	case KeyStatusActive:
		return next == KeyStatusRotating
	case KeyStatusRotating:
		return next == KeyStatusDeprecated || next == KeyStatusActive
	case KeyStatusDeprecated:
		return next == KeyStatusExpired
	default:
		return false
	}
}

func (s KeyStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *KeyStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseKeyStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AlgorithmAES256GCM is the only supported block cipher.
const AlgorithmAES256GCM = "AES-256-GCM"

// KeyMetadata carries the licensing context a key was issued for.
type KeyMetadata struct {
	ModelID    string `json:"model_id"`
	LicenseKey string `json:"license_key"`
}

// ManagedKey is a symmetric key bound to the hardware fingerprint of the admin node.
//
// KeyData is zero-length once the key has been revoked or disposed of.
type ManagedKey struct {
	KeyID               string      `json:"key_id"`
	Algorithm           string      `json:"algorithm"`
	KeyData             []byte      `json:"key_data,omitempty"`
	Status              KeyStatus   `json:"status"`
	RotationGeneration  int         `json:"rotation_generation"`
	PredecessorKeyID    string      `json:"predecessor_key_id,omitempty"`
	SuccessorKeyID      string      `json:"successor_key_id,omitempty"`
	HardwareFingerprint string      `json:"hardware_fingerprint"`
	ExpiresAt           time.Time   `json:"expires_at"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	RevokedAt           *time.Time  `json:"revoked_at,omitempty"`
	RevocationReason    string      `json:"revocation_reason,omitempty"`
	Metadata            KeyMetadata `json:"metadata"`
}

// Clone returns a deep copy, including key material.
func (k *ManagedKey) Clone() *ManagedKey {
	c := *k
	if k.KeyData != nil {
		c.KeyData = append([]byte(nil), k.KeyData...)
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// Redacted returns a deep copy without key material.
func (k *ManagedKey) Redacted() *ManagedKey {
	c := k.Clone()
	c.KeyData = nil
	return c
}

// IsExpiredAt reports whether the key lifetime has passed at the given instant.
func (k *ManagedKey) IsExpiredAt(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// Disposed reports whether key material has been erased.
func (k *ManagedKey) Disposed() bool {
	return len(k.KeyData) == 0
}

// RotationStatus is the outcome recorded in a KeyRotationEvent.
type RotationStatus string

const (
	RotationCompleted RotationStatus = "completed"
	RotationFailed    RotationStatus = "failed"
)

// KeyRotationEvent is an append-only audit record of a rotation attempt.
type KeyRotationEvent struct {
	EventID         string         `json:"event_id"`
	OldKeyID        string         `json:"old_key_id"`
	NewKeyID        string         `json:"new_key_id,omitempty"`
	ModelID         string         `json:"model_id"`
	Status          RotationStatus `json:"status"`
	Error           string         `json:"error,omitempty"`
	NotifiedClients []string       `json:"notified_clients,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// KeyStatistics summarizes the keystore for monitoring.
type KeyStatistics struct {
	TotalKeys    int            `json:"total_keys"`
	Models       int            `json:"models"`
	KeysByStatus map[string]int `json:"keys_by_status"`
	DisposedKeys int            `json:"disposed_keys"`
}
