package blockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ruteri/secure-model-distribution/interfaces"
)

// BlockStore keeps encrypted block ciphertext in a content-addressed backend,
// keyed by the block checksum, and manifests as JSON documents.
type BlockStore struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

func NewBlockStore(backend interfaces.StorageBackend, log *slog.Logger) *BlockStore {
	return &BlockStore{backend: backend, log: log}
}

// StoreBlock rejects blocks whose ciphertext does not match their checksum.
func (s *BlockStore) StoreBlock(ctx context.Context, block *interfaces.EncryptedBlock) (interfaces.ContentID, error) {
	if err := block.VerifyChecksum(); err != nil {
		return interfaces.ContentID{}, err
	}

	id, err := s.backend.Store(ctx, block.EncryptedData, interfaces.BlockDataType)
	if err != nil {
		return id, fmt.Errorf("failed to store block %s: %w", block.BlockID, err)
	}
	if id.String() != block.Checksum {
		return id, fmt.Errorf("%w: backend %s stored block %s as %s", interfaces.ErrIntegrityCheckFailed, s.backend.Name(), block.BlockID, id)
	}
	return id, nil
}

// FetchBlock loads the ciphertext of a header and verifies it before returning the block.
func (s *BlockStore) FetchBlock(ctx context.Context, header interfaces.BlockHeader) (*interfaces.EncryptedBlock, error) {
	id, err := interfaces.NewContentIDFromHex(header.Checksum)
	if err != nil {
		return nil, fmt.Errorf("%w: block %s: %v", interfaces.ErrIntegrityCheckFailed, header.BlockID, err)
	}

	data, err := s.backend.Fetch(ctx, id, interfaces.BlockDataType)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", header.BlockID, err)
	}

	block := header.WithData(data)
	if err := block.VerifyChecksum(); err != nil {
		s.log.Error("Fetched block failed verification",
			slog.String("block_id", header.BlockID),
			slog.String("backend", s.backend.Name()),
			"err", err)
		return nil, err
	}
	return block, nil
}

func (s *BlockStore) StoreManifest(ctx context.Context, manifest *interfaces.ModelManifest) (interfaces.ContentID, error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to encode manifest: %w", err)
	}

	id, err := s.backend.Store(ctx, data, interfaces.ManifestType)
	if err != nil {
		return id, fmt.Errorf("failed to store manifest of %s: %w", manifest.ModelID, err)
	}

	s.log.Info("Stored model manifest",
		slog.String("model_id", manifest.ModelID),
		slog.String("manifest_id", id.String()),
		slog.Int("blocks", len(manifest.Blocks)))
	return id, nil
}

func (s *BlockStore) FetchManifest(ctx context.Context, id interfaces.ContentID) (*interfaces.ModelManifest, error) {
	data, err := s.backend.Fetch(ctx, id, interfaces.ManifestType)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", id, err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("%w: manifest %s", interfaces.ErrIntegrityCheckFailed, id)
	}

	var manifest interfaces.ModelManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", id, err)
	}
	return &manifest, nil
}

// StoreModel stores every block and a manifest listing them in order.
func (s *BlockStore) StoreModel(ctx context.Context, modelID string, blocks []*interfaces.EncryptedBlock) (interfaces.ContentID, error) {
	manifest := &interfaces.ModelManifest{ModelID: modelID}
	for _, block := range blocks {
		if block.ModelID != modelID {
			return interfaces.ContentID{}, fmt.Errorf("block %s belongs to model %s, not %s", block.BlockID, block.ModelID, modelID)
		}
		if _, err := s.StoreBlock(ctx, block); err != nil {
			return interfaces.ContentID{}, err
		}
		manifest.Blocks = append(manifest.Blocks, block.Header())
		if block.CreatedAt.After(manifest.CreatedAt) {
			manifest.CreatedAt = block.CreatedAt
		}
	}
	return s.StoreManifest(ctx, manifest)
}

// LoadModel fetches the manifest and every block it lists.
func (s *BlockStore) LoadModel(ctx context.Context, manifestID interfaces.ContentID) (*interfaces.ModelManifest, []*interfaces.EncryptedBlock, error) {
	manifest, err := s.FetchManifest(ctx, manifestID)
	if err != nil {
		return nil, nil, err
	}

	blocks := make([]*interfaces.EncryptedBlock, 0, len(manifest.Blocks))
	for _, header := range manifest.Blocks {
		block, err := s.FetchBlock(ctx, header)
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, block)
	}
	return manifest, blocks, nil
}
