package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// EncryptWithPublicKey encrypts data to an ECDSA P-256 public key in PEM form.
// It performs ECDH with a fresh ephemeral key, derives the AES key with SHA-256
// and seals with AES-GCM. Output format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext||tag]
//
// Session transit keys are handed to client nodes this way.
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	ecdsaKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}

	recipient, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported curve: %w", err)
	}

	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	aesKey := sha256.Sum256(shared)
	defer Zeroize(aesKey[:])

	sealed, err := SealEnvelope(aesKey[:], data, nil)
	if err != nil {
		return nil, err
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	out := make([]byte, 2, 2+len(ephemeralBytes)+len(sealed))
	binary.BigEndian.PutUint16(out, uint16(len(ephemeralBytes)))
	out = append(out, ephemeralBytes...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptWithPrivateKey decrypts data produced by EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte) ([]byte, error) {
	privateKey, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	recipient, err := privateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported curve: %w", err)
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}
	ephemeralLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralLen {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeral, err := recipient.Curve().NewPublicKey(encryptedData[2 : 2+ephemeralLen])
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}

	shared, err := recipient.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	aesKey := sha256.Sum256(shared)
	defer Zeroize(aesKey[:])

	return OpenEnvelope(aesKey[:], encryptedData[2+ephemeralLen:], nil)
}

// DeriveMasterKey stretches an operator passphrase into a keystore master key with Argon2id.
func DeriveMasterKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, append([]byte("MODEL-KEYSTORE-"), salt...), 1, 64*1024, 4, KeySize)
}

// GenerateAdminKeyPair creates a P-256 key pair for an unseal administrator.
// Both keys are returned PEM encoded.
func GenerateAdminKeyPair() (privateKeyPEM []byte, publicKeyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	publicKeyPEM, err = MarshalPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes}), publicKeyPEM, nil
}

// MarshalPublicKey PEM encodes a public key in PKIX form.
func MarshalPublicKey(publicKey any) ([]byte, error) {
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes}), nil
}

// ParsePrivateKey parses an ECDSA private key in SEC 1 or PKCS#8 PEM form.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ECDSA private key")
	}
	return ecdsaKey, nil
}

// ParsePublicKey parses a PKIX public key and accepts ECDSA and Ed25519 keys.
func ParsePublicKey(publicKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	switch publicKey.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return publicKey, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", publicKey)
	}
}

// VerifySignature checks a signature over message. ECDSA signatures are ASN.1
// encoded over the SHA-256 of message, Ed25519 signatures cover message itself.
func VerifySignature(publicKeyPEM, message, signature []byte) error {
	publicKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}

	switch key := publicKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return errors.New("invalid signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, message, signature) {
			return errors.New("invalid signature")
		}
	}
	return nil
}

// Sign produces an ASN.1 ECDSA signature over the SHA-256 of message.
func Sign(privateKey *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
}
