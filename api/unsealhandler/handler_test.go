package unsealhandler

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type admin struct {
	id         string
	privateKey []byte
	publicKey  []byte
}

func newAdmins(t *testing.T, n int) []admin {
	t.Helper()
	admins := make([]admin, n)
	for i := range admins {
		priv, pub, err := cryptoutils.GenerateAdminKeyPair()
		require.NoError(t, err)
		admins[i] = admin{id: fmt.Sprintf("admin-%d", i), privateKey: priv, publicKey: pub}
	}
	return admins
}

func startHandler(t *testing.T, admins []admin, threshold int) (*Handler, string) {
	t.Helper()
	pubKeys := make(map[string][]byte, len(admins))
	for _, a := range admins {
		pubKeys[a.id] = a.publicKey
	}

	h, err := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), threshold, pubKeys)
	require.NoError(t, err)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return h, server.URL
}

func clientFor(t *testing.T, url string, a admin) *Client {
	t.Helper()
	c, err := NewClient(url, a.id, a.privateKey, nil)
	require.NoError(t, err)
	return c
}

func statusOf(err error) int {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func TestGenerateThenRecover(t *testing.T) {
	ctx := context.Background()
	admins := newAdmins(t, 3)

	h, url := startHandler(t, admins, 2)

	_, err := clientFor(t, url, admins[0]).InitGenerate(ctx)
	require.NoError(t, err)

	status, err := clientFor(t, url, admins[1]).Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "generating_shares", status.State)
	assert.Equal(t, 2, status.Threshold)
	assert.Equal(t, 3, status.TotalShares)

	shares := make(map[int][]byte)
	for _, a := range admins {
		index, share, err := clientFor(t, url, a).FetchShare(ctx)
		require.NoError(t, err)
		shares[index] = share
	}
	require.Len(t, shares, 3)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unsealer, err := h.WaitForUnseal(waitCtx)
	require.NoError(t, err)
	masterKey, err := unsealer.MasterKey()
	require.NoError(t, err)
	assert.Len(t, masterKey, cryptoutils.KeySize)
	assert.Equal(t, StateUnsealed, h.State())

	// A restarted node recovers the same key from any two shares.
	recovering, url2 := startHandler(t, admins, 2)
	_, err = clientFor(t, url2, admins[2]).InitRecover(ctx)
	require.NoError(t, err)

	msg, err := clientFor(t, url2, admins[0]).SubmitShare(ctx, 0, shares[0])
	require.NoError(t, err)
	assert.Contains(t, msg, "waiting")

	status, err = clientFor(t, url2, admins[0]).Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "recovering", status.State)
	assert.Equal(t, 1, status.SharesReceived)

	_, err = clientFor(t, url2, admins[2]).SubmitShare(ctx, 2, shares[2])
	require.NoError(t, err)

	recovered, err := recovering.WaitForUnseal(ctx)
	require.NoError(t, err)
	recoveredKey, err := recovered.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, masterKey, recoveredKey)
}

func TestUnsealErrors(t *testing.T) {
	ctx := context.Background()
	admins := newAdmins(t, 3)
	outsider := newAdmins(t, 1)[0]

	_, url := startHandler(t, admins, 2)

	t.Run("unsigned request", func(t *testing.T) {
		resp, err := http.Get(url + "/admin/status")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown admin", func(t *testing.T) {
		_, err := clientFor(t, url, outsider).Status(ctx)
		assert.Equal(t, http.StatusUnauthorized, statusOf(err))
	})

	t.Run("impersonation", func(t *testing.T) {
		impostor := admin{id: admins[0].id, privateKey: outsider.privateKey}
		_, err := clientFor(t, url, impostor).InitGenerate(ctx)
		assert.Equal(t, http.StatusUnauthorized, statusOf(err))
	})

	t.Run("share before generation", func(t *testing.T) {
		_, _, err := clientFor(t, url, admins[0]).FetchShare(ctx)
		assert.Equal(t, http.StatusConflict, statusOf(err))
	})

	t.Run("submit outside recovery", func(t *testing.T) {
		_, err := clientFor(t, url, admins[0]).SubmitShare(ctx, 0, []byte("share"))
		assert.Equal(t, http.StatusConflict, statusOf(err))
	})

	t.Run("second initialization", func(t *testing.T) {
		_, err := clientFor(t, url, admins[0]).InitRecover(ctx)
		require.NoError(t, err)
		_, err = clientFor(t, url, admins[1]).InitGenerate(ctx)
		assert.Equal(t, http.StatusConflict, statusOf(err))
	})

	t.Run("malformed share", func(t *testing.T) {
		req, err := NewSignedRequest(ctx, http.MethodPost, url+"/admin/share", []byte(`{"share_index":0,"share":"!!"}`), admins[0].id, mustKey(t, admins[0]))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("wait honors context", func(t *testing.T) {
		h, _ := startHandler(t, admins, 2)
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := h.WaitForUnseal(waitCtx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNewHandler(t *testing.T) {
	admins := newAdmins(t, 2)
	pubKeys := map[string][]byte{admins[0].id: admins[0].publicKey, admins[1].id: admins[1].publicKey}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewHandler(log, 1, pubKeys)
	assert.Error(t, err)
	_, err = NewHandler(log, 3, pubKeys)
	assert.Error(t, err)
	_, err = NewHandler(log, 2, pubKeys)
	assert.NoError(t, err)
}

func TestLoadAdminKeys(t *testing.T) {
	a := newAdmins(t, 1)[0]
	pem := strings.ReplaceAll(string(a.publicKey), "\n", `\n`)

	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: `{"admins":[{"id":"alice","pubkey":"` + pem + `"}]}`},
		{name: "invalid json", input: `{`, wantErr: true},
		{name: "invalid key", input: `{"admins":[{"id":"alice","pubkey":"nope"}]}`, wantErr: true},
		{name: "missing id", input: `{"admins":[{"pubkey":"` + pem + `"}]}`, wantErr: true},
		{name: "duplicate", input: `{"admins":[{"id":"alice","pubkey":"` + pem + `"},{"id":"alice","pubkey":"` + pem + `"}]}`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			keys, err := LoadAdminKeys(strings.NewReader(tc.input))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, a.publicKey, keys["alice"])
		})
	}
}

func mustKey(t *testing.T, a admin) *ecdsa.PrivateKey {
	t.Helper()
	key, err := cryptoutils.ParsePrivateKey(a.privateKey)
	require.NoError(t, err)
	return key
}
