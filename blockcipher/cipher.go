package blockcipher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
	"github.com/ruteri/secure-model-distribution/kms"
	"golang.org/x/sync/errgroup"
)

// DefaultBlockSize is the chunk size EncryptModel uses when none is given.
const DefaultBlockSize = 4 << 20

// KeyUser releases key material for the duration of a callback.
// *kms.KeyManager implements it.
type KeyUser interface {
	UseKey(ctx context.Context, keyID string, purpose kms.KeyPurpose, fn func(material []byte) error) error
}

// Cipher seals model blocks under managed keys. It holds no key state of its
// own and never retries a failed operation.
type Cipher struct {
	keys        KeyUser
	log         *slog.Logger
	parallelism int
	now         func() time.Time
}

type Option func(*Cipher)

// WithParallelism bounds the number of blocks EncryptModel seals concurrently.
func WithParallelism(n int) Option {
	return func(c *Cipher) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

func New(keys KeyUser, log *slog.Logger, opts ...Option) *Cipher {
	c := &Cipher{
		keys:        keys,
		log:         log,
		parallelism: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// blockAAD binds the ciphertext to its position so blocks cannot be swapped
// between models or indices.
func blockAAD(modelID string, blockIndex int, blockID string) []byte {
	return []byte(modelID + "|" + strconv.Itoa(blockIndex) + "|" + blockID)
}

// EncryptModelBlock seals one block of model data under keyID with a fresh nonce.
func (c *Cipher) EncryptModelBlock(ctx context.Context, modelID string, data []byte, blockIndex int, keyID string) (*interfaces.EncryptedBlock, error) {
	if modelID == "" {
		return nil, errors.New("model id is required")
	}
	if blockIndex < 0 {
		return nil, fmt.Errorf("invalid block index %d", blockIndex)
	}

	block := &interfaces.EncryptedBlock{
		BlockID:      uuid.NewString(),
		ModelID:      modelID,
		BlockIndex:   blockIndex,
		KeyID:        keyID,
		OriginalSize: len(data),
		CreatedAt:    c.now().UTC(),
	}

	err := c.keys.UseKey(ctx, keyID, kms.PurposeEncrypt, func(material []byte) error {
		nonce, ciphertext, tag, err := cryptoutils.Seal(material, data, blockAAD(modelID, blockIndex, block.BlockID))
		if err != nil {
			return err
		}
		block.Nonce = nonce
		block.Tag = tag
		block.EncryptedData = ciphertext
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt block %d of %s: %w", blockIndex, modelID, err)
	}

	block.EncryptedSize = len(block.EncryptedData)
	block.Checksum = block.ComputeChecksum()
	return block, nil
}

// DecryptModelBlock opens a block sealed by EncryptModelBlock. The checksum is
// verified before the authenticated decryption, so corruption is reported as
// ErrIntegrityCheckFailed and tampering that keeps the checksum consistent as
// ErrAuthenticationFailed.
func (c *Cipher) DecryptModelBlock(ctx context.Context, block *interfaces.EncryptedBlock) ([]byte, error) {
	var plaintext []byte
	err := c.keys.UseKey(ctx, block.KeyID, kms.PurposeDecrypt, func(material []byte) error {
		if err := block.VerifyChecksum(); err != nil {
			return err
		}

		var err error
		plaintext, err = cryptoutils.Open(material, block.Nonce, block.EncryptedData, block.Tag, blockAAD(block.ModelID, block.BlockIndex, block.BlockID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt block %s: %w", block.BlockID, err)
	}
	return plaintext, nil
}

// EncryptModel splits r into blockSize chunks and seals them under keyID.
// Blocks are returned in index order.
func (c *Cipher) EncryptModel(ctx context.Context, modelID string, r io.Reader, blockSize int, keyID string) ([]*interfaces.EncryptedBlock, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	start := time.Now()
	// One slot per block, filled by the workers.
	var results []**interfaces.EncryptedBlock

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)

	for index := 0; ; index++ {
		chunk := make([]byte, blockSize)
		n, err := io.ReadFull(r, chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			_ = g.Wait()
			return nil, fmt.Errorf("failed to read model data: %w", err)
		}
		if gctx.Err() != nil {
			break
		}

		slot := new(*interfaces.EncryptedBlock)
		results = append(results, slot)
		index, chunk := index, chunk[:n]
		g.Go(func() error {
			defer cryptoutils.Zeroize(chunk)
			block, err := c.EncryptModelBlock(gctx, modelID, chunk, index, keyID)
			if err != nil {
				return err
			}
			*slot = block
			return nil
		})

		if n < blockSize {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blocks := make([]*interfaces.EncryptedBlock, len(results))
	for i, slot := range results {
		blocks[i] = *slot
	}

	c.log.Info("Encrypted model",
		slog.String("model_id", modelID),
		slog.String("key_id", keyID),
		slog.Int("blocks", len(blocks)),
		slog.Duration("duration", time.Since(start)))

	return blocks, nil
}

// DecryptModel writes the plaintext of a complete, contiguous block set to w in index order.
func (c *Cipher) DecryptModel(ctx context.Context, blocks []*interfaces.EncryptedBlock, w io.Writer) error {
	ordered := append([]*interfaces.EncryptedBlock(nil), blocks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].BlockIndex < ordered[j].BlockIndex })

	for i, block := range ordered {
		if block.BlockIndex != i {
			return fmt.Errorf("missing block %d", i)
		}
		if block.ModelID != ordered[0].ModelID {
			return fmt.Errorf("block %s belongs to model %s, expected %s", block.BlockID, block.ModelID, ordered[0].ModelID)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		plaintext, err := c.DecryptModelBlock(ctx, block)
		if err != nil {
			return err
		}
		_, err = w.Write(plaintext)
		cryptoutils.Zeroize(plaintext)
		if err != nil {
			return fmt.Errorf("failed to write block %d: %w", i, err)
		}
	}
	return nil
}

// ReencryptBlock moves a block onto newKeyID, typically the successor of a
// deprecated key. The returned block has a new block id.
func (c *Cipher) ReencryptBlock(ctx context.Context, block *interfaces.EncryptedBlock, newKeyID string) (*interfaces.EncryptedBlock, error) {
	plaintext, err := c.DecryptModelBlock(ctx, block)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Zeroize(plaintext)

	reencrypted, err := c.EncryptModelBlock(ctx, block.ModelID, plaintext, block.BlockIndex, newKeyID)
	if err != nil {
		return nil, err
	}

	c.log.Debug("Re-encrypted block",
		slog.String("block_id", block.BlockID),
		slog.String("old_key_id", block.KeyID),
		slog.String("new_key_id", newKeyID))
	return reencrypted, nil
}
