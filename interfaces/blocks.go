package interfaces

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// NonceSize is the AES-GCM nonce length used for every envelope.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
	// ChecksumHexLen is the length of a hex encoded SHA-256 checksum.
	ChecksumHexLen = 64
)

// EncryptedBlock is one at-rest encrypted chunk of model weights.
// Blocks are immutable once produced; transit envelopes wrap them without modification.
type EncryptedBlock struct {
	BlockID       string          `json:"block_id"`
	ModelID       string          `json:"model_id"`
	BlockIndex    int             `json:"block_index"`
	Nonce         [NonceSize]byte `json:"-"`
	Tag           [TagSize]byte   `json:"-"`
	EncryptedData []byte          `json:"ciphertext"`
	KeyID         string          `json:"key_id"`
	Checksum      string          `json:"checksum"`
	OriginalSize  int             `json:"original_size"`
	EncryptedSize int             `json:"encrypted_size"`
	CreatedAt     time.Time       `json:"created_at"`
}

// WireSize is the number of bytes a block occupies in transit: nonce, tag
// and ciphertext. It is never zero, even for an empty payload.
func (b *EncryptedBlock) WireSize() int64 {
	return int64(NonceSize + TagSize + len(b.EncryptedData))
}

// ComputeChecksum returns the hex encoded SHA-256 of the ciphertext.
func (b *EncryptedBlock) ComputeChecksum() string {
	sum := sha256.Sum256(b.EncryptedData)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum recomputes the ciphertext hash and compares it to the recorded checksum.
func (b *EncryptedBlock) VerifyChecksum() error {
	actual := b.ComputeChecksum()
	if len(b.Checksum) != ChecksumHexLen || subtle.ConstantTimeCompare([]byte(actual), []byte(b.Checksum)) != 1 {
		return fmt.Errorf("%w: block %s expected %s, got %s", ErrIntegrityCheckFailed, b.BlockID, b.Checksum, actual)
	}
	return nil
}

// encryptedBlockJSON is the wire record; nonce and tag travel as base64 like the ciphertext.
type encryptedBlockJSON struct {
	BlockID       string    `json:"block_id"`
	ModelID       string    `json:"model_id"`
	BlockIndex    int       `json:"block_index"`
	Nonce         []byte    `json:"nonce"`
	Tag           []byte    `json:"tag"`
	EncryptedData []byte    `json:"ciphertext"`
	KeyID         string    `json:"key_id"`
	Checksum      string    `json:"checksum"`
	OriginalSize  int       `json:"original_size"`
	EncryptedSize int       `json:"encrypted_size"`
	CreatedAt     time.Time `json:"created_at"`
}

func (b EncryptedBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(encryptedBlockJSON{
		BlockID:       b.BlockID,
		ModelID:       b.ModelID,
		BlockIndex:    b.BlockIndex,
		Nonce:         b.Nonce[:],
		Tag:           b.Tag[:],
		EncryptedData: b.EncryptedData,
		KeyID:         b.KeyID,
		Checksum:      b.Checksum,
		OriginalSize:  b.OriginalSize,
		EncryptedSize: b.EncryptedSize,
		CreatedAt:     b.CreatedAt,
	})
}

func (b *EncryptedBlock) UnmarshalJSON(data []byte) error {
	var raw encryptedBlockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Nonce) != NonceSize {
		return fmt.Errorf("invalid nonce length %d", len(raw.Nonce))
	}
	if len(raw.Tag) != TagSize {
		return fmt.Errorf("invalid tag length %d", len(raw.Tag))
	}

	*b = EncryptedBlock{
		BlockID:       raw.BlockID,
		ModelID:       raw.ModelID,
		BlockIndex:    raw.BlockIndex,
		EncryptedData: raw.EncryptedData,
		KeyID:         raw.KeyID,
		Checksum:      raw.Checksum,
		OriginalSize:  raw.OriginalSize,
		EncryptedSize: raw.EncryptedSize,
		CreatedAt:     raw.CreatedAt,
	}
	copy(b.Nonce[:], raw.Nonce)
	copy(b.Tag[:], raw.Tag)
	return nil
}

// ContentID returns the storage identifier of the block, derived from its checksum.
func (b *EncryptedBlock) ContentID() (ContentID, error) {
	return NewContentIDFromHex(b.Checksum)
}

// TransitEnvelope is a block sealed under a session transit key, ready for a transport.
type TransitEnvelope struct {
	SessionID  string `json:"session_id"`
	BlockID    string `json:"block_id"`
	BlockIndex int    `json:"block_index"`
	// Payload is nonce || ciphertext || tag of the JSON encoded EncryptedBlock.
	Payload []byte `json:"payload"`
}

// BlockAck is a client acknowledgement of a received block.
type BlockAck struct {
	BlockID          string `json:"block_id"`
	ReceivedChecksum string `json:"received_checksum"`
}
