package blockstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlock(t *testing.T, modelID string, index int) *interfaces.EncryptedBlock {
	t.Helper()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)

	nonce, ciphertext, tag, err := cryptoutils.Seal(key, []byte("weights"), nil)
	require.NoError(t, err)

	block := &interfaces.EncryptedBlock{
		BlockID:       "block-" + string(rune('a'+index)),
		ModelID:       modelID,
		BlockIndex:    index,
		Nonce:         nonce,
		Tag:           tag,
		EncryptedData: ciphertext,
		KeyID:         "key-1",
		OriginalSize:  7,
		EncryptedSize: len(ciphertext),
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, index, 0, time.UTC),
	}
	block.Checksum = block.ComputeChecksum()
	return block
}

func TestBlockStore(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	fileBackend, err := NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)

	backends := map[string]interfaces.StorageBackend{
		"memory": NewMemoryBackend(),
		"file":   fileBackend,
		"multi":  NewMultiBackend([]interfaces.StorageBackend{NewMemoryBackend(), NewMemoryBackend()}, log),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			store := NewBlockStore(backend, log)
			blocks := []*interfaces.EncryptedBlock{testBlock(t, "m1", 0), testBlock(t, "m1", 1), testBlock(t, "m1", 2)}

			manifestID, err := store.StoreModel(ctx, "m1", blocks)
			require.NoError(t, err)

			manifest, loaded, err := store.LoadModel(ctx, manifestID)
			require.NoError(t, err)
			assert.Equal(t, "m1", manifest.ModelID)
			require.Len(t, loaded, 3)
			for i, block := range loaded {
				assert.Equal(t, blocks[i].BlockID, block.BlockID)
				assert.Equal(t, blocks[i].Nonce, block.Nonce)
				assert.Equal(t, blocks[i].Tag, block.Tag)
				assert.Equal(t, blocks[i].EncryptedData, block.EncryptedData)
			}

			again, err := store.StoreModel(ctx, "m1", blocks)
			require.NoError(t, err)
			assert.Equal(t, manifestID, again, "manifests are content addressed")

			_, err = store.FetchManifest(ctx, interfaces.ComputeID([]byte("missing")))
			assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
		})
	}
}

func TestBlockStoreIntegrity(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, log)
	require.NoError(t, err)
	store := NewBlockStore(backend, log)

	t.Run("corrupted block is not stored", func(t *testing.T) {
		block := testBlock(t, "m1", 0)
		block.EncryptedData[0] ^= 0x01
		_, err := store.StoreBlock(ctx, block)
		assert.ErrorIs(t, err, interfaces.ErrIntegrityCheckFailed)
	})

	t.Run("corrupted on disk", func(t *testing.T) {
		block := testBlock(t, "m1", 1)
		id, err := store.StoreBlock(ctx, block)
		require.NoError(t, err)
		assert.Equal(t, block.Checksum, id.String())

		path := filepath.Join(dir, interfaces.BlockDataType.String(), id.String())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[0] ^= 0x01
		require.NoError(t, os.WriteFile(path, data, 0o600))

		_, err = store.FetchBlock(ctx, block.Header())
		assert.ErrorIs(t, err, interfaces.ErrIntegrityCheckFailed)
	})

	t.Run("missing block", func(t *testing.T) {
		block := testBlock(t, "m1", 2)
		_, err := store.FetchBlock(ctx, block.Header())
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	})

	t.Run("foreign block in model", func(t *testing.T) {
		_, err := store.StoreModel(ctx, "m1", []*interfaces.EncryptedBlock{testBlock(t, "m2", 0)})
		assert.Error(t, err)
	})
}

func TestFactory(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := NewFactory(log)
	dir := t.TempDir()

	testCases := []struct {
		name     string
		uris     []string
		wantErr  bool
		wantType interface{}
	}{
		{name: "memory", uris: []string{"memory://"}, wantType: &MemoryBackend{}},
		{name: "file", uris: []string{"file://" + dir}, wantType: &FileBackend{}},
		{name: "s3", uris: []string{"s3://AKID:SECRET@models/prod?region=eu-west-1&endpoint=http://127.0.0.1:9000&path_style=true"}, wantType: &S3Backend{}},
		{name: "ipfs", uris: []string{"ipfs://127.0.0.1:5001/model-blocks?timeout=5s"}, wantType: &IPFSBackend{}},
		{name: "multi", uris: []string{"memory://", "file://" + dir}, wantType: &MultiBackend{}},
		{name: "invalid entries are skipped", uris: []string{"memory://", "ipfs://127.0.0.1:5001/?timeout=soon"}, wantType: &MemoryBackend{}},
		{name: "unsupported scheme", uris: []string{"ftp://example.com"}, wantErr: true},
		{name: "vault is not a block store", uris: []string{"vault://127.0.0.1:8200/secret"}, wantErr: true},
		{name: "nothing", uris: nil, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			backend, err := factory.Open(tc.uris)
			if tc.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.wantType, backend)
		})
	}
}
