package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/ruteri/secure-model-distribution/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncryptionDecryption tests the EncryptWithPublicKey and DecryptWithPrivateKey functions
func TestEncryptionDecryption(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "Transit key",
			data: make([]byte, KeySize),
		},
		{
			name: "JSON data",
			data: []byte(`{"session_id":"abc","model_id":"m1"}`),
		},
		{
			name: "Binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "Empty data",
			data: []byte{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encryptedData, err := EncryptWithPublicKey(publicKeyPEM, tc.data)
			require.NoError(t, err)
			require.Greater(t, len(encryptedData), len(tc.data))

			decryptedData, err := DecryptWithPrivateKey(privateKeyPEM, encryptedData)
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(decryptedData))
			if len(tc.data) > 0 {
				require.Equal(t, tc.data, decryptedData)
			}
		})
	}

	t.Run("Wrong recipient", func(t *testing.T) {
		otherPrivateKeyPEM, _, err := GenerateAdminKeyPair()
		require.NoError(t, err)

		encryptedData, err := EncryptWithPublicKey(publicKeyPEM, []byte("secret"))
		require.NoError(t, err)

		_, err = DecryptWithPrivateKey(otherPrivateKeyPEM, encryptedData)
		require.Error(t, err)
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := DecryptWithPrivateKey(privateKeyPEM, []byte{0x00})
		require.Error(t, err)
	})
}

func TestSealOpen(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	aad := []byte("m1|0|block")

	nonce, ciphertext, tag, err := Seal(key, []byte("hello"), aad)
	require.NoError(t, err)
	assert.Len(t, ciphertext, 5)

	plaintext, err := Open(key, nonce, ciphertext, tag, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	t.Run("tag flip", func(t *testing.T) {
		badTag := tag
		badTag[0] ^= 0x01
		_, err := Open(key, nonce, ciphertext, badTag, aad)
		assert.True(t, errors.Is(err, interfaces.ErrAuthenticationFailed))
	})

	t.Run("aad mismatch", func(t *testing.T) {
		_, err := Open(key, nonce, ciphertext, tag, []byte("m1|1|block"))
		assert.True(t, errors.Is(err, interfaces.ErrAuthenticationFailed))
	})

	t.Run("bad key size", func(t *testing.T) {
		_, _, _, err := Seal(key[:16], []byte("hello"), nil)
		assert.Error(t, err)
	})
}

func TestNoncesAreFresh(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	first, err := SealEnvelope(key, []byte("same"), nil)
	require.NoError(t, err)
	second, err := SealEnvelope(key, []byte("same"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, first[:interfaces.NonceSize], second[:interfaces.NonceSize])

	opened, err := OpenEnvelope(key, second, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), opened)

	_, err = OpenEnvelope(key, second[:10], nil)
	assert.Error(t, err)
}

func TestChecksumAndZeroize(t *testing.T) {
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Checksum([]byte("hello")))

	buf := []byte{1, 2, 3}
	assert.False(t, IsZeroized(buf))
	Zeroize(buf)
	assert.True(t, IsZeroized(buf))
	assert.Len(t, buf, 3)
	assert.True(t, IsZeroized(nil))
}

func TestSignatures(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)

	privateKey, err := ParsePrivateKey(privateKeyPEM)
	require.NoError(t, err)

	sig, err := Sign(privateKey, []byte("share"))
	require.NoError(t, err)
	require.NoError(t, VerifySignature(publicKeyPEM, []byte("share"), sig))
	require.Error(t, VerifySignature(publicKeyPEM, []byte("other"), sig))

	t.Run("ed25519", func(t *testing.T) {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(pub)
		require.NoError(t, err)
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

		sig := ed25519.Sign(priv, []byte("share"))
		require.NoError(t, VerifySignature(pubPEM, []byte("share"), sig))
		require.Error(t, VerifySignature(pubPEM, []byte("share2"), sig))
	})
}

func TestDeriveMasterKey(t *testing.T) {
	a := DeriveMasterKey([]byte("passphrase"), []byte("node-1"))
	b := DeriveMasterKey([]byte("passphrase"), []byte("node-1"))
	c := DeriveMasterKey([]byte("passphrase"), []byte("node-2"))

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
