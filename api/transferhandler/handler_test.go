package transferhandler

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/blockcipher"
	"github.com/ruteri/secure-model-distribution/blockstore"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/hwbind"
	"github.com/ruteri/secure-model-distribution/interfaces"
	"github.com/ruteri/secure-model-distribution/keystore"
	"github.com/ruteri/secure-model-distribution/kms"
	"github.com/ruteri/secure-model-distribution/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	client   *Client
	keys     *kms.KeyManager
	cipher   *blockcipher.Cipher
	receiver *transfer.Receiver
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	km := kms.NewKeyManager(keystore.NewMemoryKeystore(), hwbind.StaticBinder("node-a"), log)
	cipher := blockcipher.New(km, log, blockcipher.WithParallelism(2))
	store := blockstore.NewBlockStore(blockstore.NewMemoryBackend(), log)

	privateKey, _, err := cryptoutils.GenerateAdminKeyPair()
	require.NoError(t, err)
	receiver, err := transfer.NewReceiver(privateKey, nil, log)
	require.NoError(t, err)

	sender := transfer.NewLocalSender()
	sender.Register("client-1", receiver)

	coordinator, err := transfer.NewCoordinator(km, sender, log, transfer.WithConfig(transfer.Config{
		MaxRetries:   2,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Parallelism:  2,
		ArchiveLimit: 16,
	}))
	require.NoError(t, err)

	opener := func(sessionID, clientNodeID string) error {
		_, err := sender.Open(coordinator, sessionID, clientNodeID)
		return err
	}
	handler := NewHandler(coordinator, store, cipher, log, WithSessionOpener(opener), WithBlockSize(1024))

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		handler.Close()
		server.Close()
	})

	return &testEnv{
		client:   NewClient(server.URL, server.Client()),
		keys:     km,
		cipher:   cipher,
		receiver: receiver,
	}
}

func statusOf(err error) int {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func randomModel(t *testing.T, size int) []byte {
	t.Helper()
	model := make([]byte, size)
	_, err := rand.Read(model)
	require.NoError(t, err)
	return model
}

func TestUploadAndTransfer(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	key, err := env.keys.GenerateHardwareBoundKey(ctx, "lic-1", "model-a", 30)
	require.NoError(t, err)

	model := randomModel(t, 10*1024+100)
	uploaded, err := env.client.UploadModel(ctx, "model-a", key.KeyID, 0, bytes.NewReader(model))
	require.NoError(t, err)
	assert.Equal(t, 11, uploaded.Blocks)

	manifest, err := env.client.GetManifest(ctx, uploaded.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, "model-a", manifest.ModelID)
	require.Len(t, manifest.Blocks, 11)

	started, err := env.client.StartTransfer(ctx, api.StartTransferRequest{
		AdminNodeID:  "admin",
		ClientNodeID: "client-1",
		ManifestID:   uploaded.ManifestID,
		Start:        true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session, err := env.client.GetTransfer(ctx, started.SessionID)
		return err == nil && session.Status == interfaces.TransferCompleted
	}, 5*time.Second, 10*time.Millisecond)

	progress, err := env.client.Progress(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 11, progress.CompletedBlocks)
	assert.Equal(t, int64(100), int64(progress.ProgressPercentage))

	received, err := env.receiver.Blocks(started.SessionID)
	require.NoError(t, err)
	var plaintext bytes.Buffer
	require.NoError(t, env.cipher.DecryptModel(ctx, received, &plaintext))
	assert.Equal(t, model, plaintext.Bytes())

	stats, err := env.client.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SessionsByStatus["completed"])
	assert.Equal(t, 11, stats.CompletedBlocks)
}

func TestPendingSession(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	key, err := env.keys.GenerateHardwareBoundKey(ctx, "lic-1", "model-a", 30)
	require.NoError(t, err)
	uploaded, err := env.client.UploadModel(ctx, "model-a", key.KeyID, 4096, bytes.NewReader(randomModel(t, 5000)))
	require.NoError(t, err)
	assert.Equal(t, 2, uploaded.Blocks)

	started, err := env.client.StartTransfer(ctx, api.StartTransferRequest{ClientNodeID: "client-1", ManifestID: uploaded.ManifestID})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TransferPending, started.Status)

	sessions, err := env.client.ListTransfers(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	t.Run("remote client fetches session key", func(t *testing.T) {
		privateKey, publicKey, err := cryptoutils.GenerateAdminKeyPair()
		require.NoError(t, err)

		wrapped, err := env.client.SessionKey(ctx, started.SessionID, publicKey)
		require.NoError(t, err)

		remote, err := transfer.NewReceiver(privateKey, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
		require.NoError(t, err)
		require.NoError(t, remote.OpenSession(started.SessionID, wrapped))
	})

	t.Run("invalid public key", func(t *testing.T) {
		_, err := env.client.SessionKey(ctx, started.SessionID, []byte("not a key"))
		assert.Equal(t, http.StatusBadRequest, statusOf(err))
	})

	t.Run("cancel", func(t *testing.T) {
		cancelled, err := env.client.CancelTransfer(ctx, started.SessionID)
		require.NoError(t, err)
		assert.True(t, cancelled)

		cancelled, err = env.client.CancelTransfer(ctx, started.SessionID)
		require.NoError(t, err)
		assert.False(t, cancelled)

		session, err := env.client.GetTransfer(ctx, started.SessionID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.TransferCancelled, session.Status)

		err = env.client.RunTransfer(ctx, started.SessionID)
		assert.Equal(t, http.StatusConflict, statusOf(err))
	})
}

func TestTransferAPIErrors(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	key, err := env.keys.GenerateHardwareBoundKey(ctx, "lic-1", "model-a", 30)
	require.NoError(t, err)
	uploaded, err := env.client.UploadModel(ctx, "model-a", key.KeyID, 0, bytes.NewReader(randomModel(t, 2048)))
	require.NoError(t, err)

	testCases := []struct {
		name string
		call func() error
		want int
	}{
		{
			name: "upload without key",
			call: func() error {
				_, err := env.client.UploadModel(ctx, "model-a", "", 0, bytes.NewReader([]byte("x")))
				return err
			},
			want: http.StatusBadRequest,
		},
		{
			name: "upload with unknown key",
			call: func() error {
				_, err := env.client.UploadModel(ctx, "model-a", "missing", 0, bytes.NewReader([]byte("x")))
				return err
			},
			want: http.StatusNotFound,
		},
		{
			name: "malformed manifest id",
			call: func() error {
				_, err := env.client.GetManifest(ctx, "zz")
				return err
			},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown manifest",
			call: func() error {
				_, err := env.client.GetManifest(ctx, interfaces.ComputeID([]byte("nothing")).String())
				return err
			},
			want: http.StatusNotFound,
		},
		{
			name: "unknown session",
			call: func() error {
				_, err := env.client.GetTransfer(ctx, "missing")
				return err
			},
			want: http.StatusNotFound,
		},
		{
			name: "run unknown session",
			call: func() error { return env.client.RunTransfer(ctx, "missing") },
			want: http.StatusNotFound,
		},
		{
			name: "client without receiver",
			call: func() error {
				_, err := env.client.StartTransfer(ctx, api.StartTransferRequest{ClientNodeID: "client-9", ManifestID: uploaded.ManifestID})
				return err
			},
			want: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if tc.want == 0 {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.want, statusOf(err))
		})
	}

	t.Run("revoked key", func(t *testing.T) {
		_, err := env.keys.RevokeKey(ctx, key.KeyID, "leaked")
		require.NoError(t, err)

		_, err = env.client.StartTransfer(ctx, api.StartTransferRequest{ClientNodeID: "client-1", ManifestID: uploaded.ManifestID})
		assert.Equal(t, http.StatusConflict, statusOf(err))
	})
}
