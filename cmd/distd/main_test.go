package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/secure-model-distribution/config"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalReceiver(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	priv, pub, err := cryptoutils.GenerateAdminKeyPair()
	require.NoError(t, err)

	keyFile := filepath.Join(t.TempDir(), "client.pem")
	require.NoError(t, os.WriteFile(keyFile, priv, 0600))

	clientID, receiver, err := newLocalReceiver("client-1="+keyFile, nil, log)
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
	assert.Equal(t, pub, receiver.PublicKeyPEM())

	for _, spec := range []string{"client-1", "=" + keyFile, "client-1=", "client-1=" + keyFile + ".missing"} {
		_, _, err := newLocalReceiver(spec, nil, log)
		assert.Error(t, err, spec)
	}
}

func TestNewNotifier(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Nil(t, newNotifier(config.NotifyConfig{}, log))

	n := newNotifier(config.NotifyConfig{Endpoints: map[string]string{"client-1": "http://127.0.0.1:1"}}, log)
	assert.IsType(t, &notify.HTTPNotifier{}, n)

	n = newNotifier(config.NotifyConfig{DNSDomain: "nodes.internal", DNSServer: "127.0.0.1:53"}, log)
	assert.IsType(t, &notify.HTTPNotifier{}, n)
}

func TestOpenSealer(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	sealer, unseal, err := openSealer(&cfg, log)
	require.NoError(t, err)
	assert.Nil(t, sealer)
	assert.Nil(t, unseal)

	cfg.Keystore.Seal = "passphrase"
	cfg.Keystore.Salt = "salt"
	cfg.Keystore.PassphraseEnv = "DIST_TEST_PASSPHRASE"
	_, _, err = openSealer(&cfg, log)
	assert.Error(t, err, "passphrase variable is unset")

	t.Setenv("DIST_TEST_PASSPHRASE", "correct horse battery staple")
	sealer, _, err = openSealer(&cfg, log)
	require.NoError(t, err)
	assert.NotNil(t, sealer)
	sealer.Close()
}
