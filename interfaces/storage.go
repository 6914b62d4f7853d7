package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ContentID addresses stored content by the SHA-256 of its bytes.
type ContentID [sha256.Size]byte

// NewContentIDFromHex parses a hex content id, with or without a 0x prefix.
func NewContentIDFromHex(source string) (ContentID, error) {
	var id ContentID
	raw, err := hex.DecodeString(strings.TrimPrefix(source, "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid content id %q: %w", source, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid content id %q: want %d bytes, got %d", source, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ContentType selects the namespace content is stored under.
type ContentType int

const (
	// BlockDataType holds block ciphertext, addressed by its checksum.
	BlockDataType ContentType = iota
	// ManifestType holds model manifests listing block headers.
	ManifestType
)

func (ct ContentType) String() string {
	switch ct {
	case BlockDataType:
		return "blocks"
	case ManifestType:
		return "manifests"
	default:
		return "unknown"
	}
}

// StorageBackendLocation is a parsed block storage URI such as
// s3://bucket/prefix?region=eu-west-1.
type StorageBackendLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	// Auth is the userinfo part, "user:password" when both are present.
	Auth string
}

func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "memory", "file", "s3", "ipfs":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported block storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	loc := StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}
	if parsed.User != nil {
		loc.Auth = parsed.User.String()
	}
	return loc, nil
}

func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

func (loc StorageBackendLocation) Param(name string) string {
	return loc.Query.Get(name)
}

// ParamBool accepts "true", "1" and "yes".
func (loc StorageBackendLocation) ParamBool(name string) bool {
	switch loc.Query.Get(name) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// StorageBackend stores opaque content under the hash of its bytes.
// Storing the same bytes twice yields the same ContentID.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available reports whether the backend can currently serve requests.
	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}

// StorageBackendFactory opens storage backends from parsed locations.
type StorageBackendFactory interface {
	StorageBackendFor(location StorageBackendLocation) (StorageBackend, error)

	// CreateMultiBackend fans writes out to every location and reads from
	// the first one that has the content.
	CreateMultiBackend(locations []StorageBackendLocation) (StorageBackend, error)
}

// BlockHeader is an EncryptedBlock without its ciphertext.
type BlockHeader struct {
	BlockID       string          `json:"block_id"`
	ModelID       string          `json:"model_id"`
	BlockIndex    int             `json:"block_index"`
	Nonce         [NonceSize]byte `json:"nonce"`
	Tag           [TagSize]byte   `json:"tag"`
	KeyID         string          `json:"key_id"`
	Checksum      string          `json:"checksum"`
	OriginalSize  int             `json:"original_size"`
	EncryptedSize int             `json:"encrypted_size"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Header strips the ciphertext from a block.
func (b *EncryptedBlock) Header() BlockHeader {
	return BlockHeader{
		BlockID:       b.BlockID,
		ModelID:       b.ModelID,
		BlockIndex:    b.BlockIndex,
		Nonce:         b.Nonce,
		Tag:           b.Tag,
		KeyID:         b.KeyID,
		Checksum:      b.Checksum,
		OriginalSize:  b.OriginalSize,
		EncryptedSize: b.EncryptedSize,
		CreatedAt:     b.CreatedAt,
	}
}

// WithData rebuilds the full block from a header and its ciphertext.
func (h BlockHeader) WithData(data []byte) *EncryptedBlock {
	return &EncryptedBlock{
		BlockID:       h.BlockID,
		ModelID:       h.ModelID,
		BlockIndex:    h.BlockIndex,
		Nonce:         h.Nonce,
		Tag:           h.Tag,
		EncryptedData: data,
		KeyID:         h.KeyID,
		Checksum:      h.Checksum,
		OriginalSize:  h.OriginalSize,
		EncryptedSize: h.EncryptedSize,
		CreatedAt:     h.CreatedAt,
	}
}

// ModelManifest lists the ordered blocks a model is made of.
type ModelManifest struct {
	ModelID   string        `json:"model_id"`
	Blocks    []BlockHeader `json:"blocks"`
	CreatedAt time.Time     `json:"created_at"`
}

// BlockStorageBackend persists encrypted blocks and model manifests.
type BlockStorageBackend interface {
	// StoreBlock saves the block ciphertext under its checksum.
	StoreBlock(ctx context.Context, block *EncryptedBlock) (ContentID, error)

	// FetchBlock loads the ciphertext for a header and verifies it against the checksum.
	FetchBlock(ctx context.Context, header BlockHeader) (*EncryptedBlock, error)

	// StoreManifest saves a manifest and returns its content ID.
	StoreManifest(ctx context.Context, manifest *ModelManifest) (ContentID, error)

	// FetchManifest loads a manifest by content ID.
	FetchManifest(ctx context.Context, id ContentID) (*ModelManifest, error)
}
