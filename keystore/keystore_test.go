package keystore

import (
	"bytes"
	"context"
	"encoding/json"
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

func testKey(id, model string, gen int) *interfaces.ManagedKey {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &interfaces.ManagedKey{
		KeyID:               id,
		Algorithm:           interfaces.AlgorithmAES256GCM,
		KeyData:             bytes.Repeat([]byte{0xAB}, cryptoutils.KeySize),
		Status:              interfaces.KeyStatusActive,
		RotationGeneration:  gen,
		HardwareFingerprint: "fp",
		ExpiresAt:           now.AddDate(0, 0, 90),
		CreatedAt:           now,
		UpdatedAt:           now,
		Metadata:            interfaces.KeyMetadata{ModelID: model, LicenseKey: "lic"},
	}
}

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	masterKey, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	sealer, err := NewSealer(masterKey)
	require.NoError(t, err)
	return sealer
}

// exerciseKeystore runs the behaviour every implementation must share.
func exerciseKeystore(t *testing.T, store interfaces.Keystore) {
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, store.Put(ctx, testKey("k2", "m1", 2)))
	require.NoError(t, store.Put(ctx, testKey("k1", "m1", 1)))
	require.NoError(t, store.Put(ctx, testKey("k3", "m2", 1)))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Metadata.ModelID)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, cryptoutils.KeySize), got.KeyData)
	assert.Equal(t, interfaces.KeyStatusActive, got.Status)

	m1, err := store.List(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, m1, 2)
	assert.Equal(t, "k1", m1[0].KeyID, "sorted by generation")
	assert.Equal(t, "k2", m1[1].KeyID)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	t.Run("put replaces", func(t *testing.T) {
		key := testKey("k1", "m1", 1)
		key.Status = interfaces.KeyStatusDeprecated
		require.NoError(t, store.Put(ctx, key))

		got, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.KeyStatusDeprecated, got.Status)
	})

	t.Run("wipe keeps metadata", func(t *testing.T) {
		require.NoError(t, store.Wipe(ctx, "k2"))

		got, err := store.Get(ctx, "k2")
		require.NoError(t, err)
		assert.Empty(t, got.KeyData)
		assert.Equal(t, 2, got.RotationGeneration)

		assert.ErrorIs(t, store.Wipe(ctx, "missing"), interfaces.ErrKeyNotFound)
	})

	t.Run("events", func(t *testing.T) {
		first := interfaces.KeyRotationEvent{EventID: "e1", OldKeyID: "k1", NewKeyID: "k2", ModelID: "m1", Status: interfaces.RotationCompleted, Timestamp: time.Unix(100, 0).UTC()}
		second := interfaces.KeyRotationEvent{EventID: "e2", OldKeyID: "k2", ModelID: "m1", Status: interfaces.RotationFailed, Error: "boom", Timestamp: time.Unix(200, 0).UTC()}
		require.NoError(t, store.AppendEvent(ctx, first))
		require.NoError(t, store.AppendEvent(ctx, second))

		events, err := store.Events(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "e1", events[0].EventID)
		assert.Equal(t, "e2", events[1].EventID)
		assert.Equal(t, "boom", events[1].Error)

		none, err := store.Events(ctx, "m2")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "k3"))
		_, err := store.Get(ctx, "k3")
		assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
		assert.NoError(t, store.Delete(ctx, "k3"), "deleting twice is fine")
	})

	assert.NotEmpty(t, store.Name())
}

func TestMemoryKeystore(t *testing.T) {
	exerciseKeystore(t, NewMemoryKeystore())

	t.Run("returned records are copies", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryKeystore()
		key := testKey("k", "m", 1)
		require.NoError(t, store.Put(ctx, key))

		key.KeyData[0] = 0
		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, byte(0xAB), got.KeyData[0])
	})
}

func TestFileKeystore(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("sealed", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileKeystore(dir, testSealer(t), log)
		require.NoError(t, err)
		exerciseKeystore(t, store)
	})

	t.Run("unsealed", func(t *testing.T) {
		store, err := NewFileKeystore(t.TempDir(), nil, log)
		require.NoError(t, err)
		exerciseKeystore(t, store)
	})

	t.Run("material is never written in the clear", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileKeystore(dir, testSealer(t), log)
		require.NoError(t, err)

		key := testKey("k", "m", 1)
		require.NoError(t, store.Put(context.Background(), key))

		raw, err := os.ReadFile(filepath.Join(dir, "keys", "k.json"))
		require.NoError(t, err)

		var stored storedKey
		require.NoError(t, json.Unmarshal(raw, &stored))
		assert.True(t, stored.Sealed)
		assert.Nil(t, stored.Record.KeyData)
		assert.False(t, bytes.Contains(stored.Material, key.KeyData))
	})

	t.Run("wrong master key", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileKeystore(dir, testSealer(t), log)
		require.NoError(t, err)
		require.NoError(t, store.Put(context.Background(), testKey("k", "m", 1)))

		reopened, err := NewFileKeystore(dir, testSealer(t), log)
		require.NoError(t, err)
		_, err = reopened.Get(context.Background(), "k")
		assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)

		sealed, err := NewFileKeystore(dir, nil, log)
		require.NoError(t, err)
		_, err = sealed.Get(context.Background(), "k")
		assert.ErrorIs(t, err, interfaces.ErrKeystoreSealed)
	})
}

func TestBadgerKeystore(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewBadgerKeystore(t.TempDir(), testSealer(t), log)
	require.NoError(t, err)
	defer store.Close()

	exerciseKeystore(t, store)
}

func TestSealer(t *testing.T) {
	_, err := NewSealer(make([]byte, 16))
	assert.Error(t, err)

	sealer := testSealer(t)
	key := testKey("k", "m", 1)

	data, err := sealer.encode(key)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, cryptoutils.KeySize), key.KeyData, "encode leaves the caller's key intact")

	decoded, err := sealer.decode(data)
	require.NoError(t, err)
	assert.Equal(t, key.KeyData, decoded.KeyData)

	wiped, err := sealer.wipedRecord(data)
	require.NoError(t, err)
	assert.Len(t, wiped, len(data), "wiped record keeps its size")

	var stored storedKey
	require.NoError(t, json.Unmarshal(wiped, &stored))
	assert.True(t, cryptoutils.IsZeroized(stored.Material))

	empty, err := sealer.emptyRecord(data)
	require.NoError(t, err)
	decoded, err = sealer.decode(empty)
	require.NoError(t, err)
	assert.Empty(t, decoded.KeyData)
	assert.Equal(t, "k", decoded.KeyID)
}

func TestOpen(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	testCases := []struct {
		name     string
		location string
		wantErr  bool
		wantType interface{}
	}{
		{name: "memory", location: "memory://", wantType: &MemoryKeystore{}},
		{name: "file", location: "file://" + filepath.Join(dir, "file"), wantType: &FileKeystore{}},
		{name: "vault", location: "vault://127.0.0.1:8200/secret/model-keys", wantType: &VaultKeystore{}},
		{name: "vault without prefix", location: "vault://127.0.0.1:8200/secret", wantErr: true},
		{name: "unknown scheme", location: "etcd://localhost", wantErr: true},
		{name: "empty file path", location: "file://", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := Open(tc.location, nil, log)
			if tc.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.wantType, store)
		})
	}
}
