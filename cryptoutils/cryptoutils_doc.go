// Package cryptoutils provides the cryptographic primitives used across the
// module: AES-256-GCM sealing with split nonce and tag, SHA-256 block
// checksums, in-place zeroization, ECIES wrapping of session transit keys and
// Argon2id derivation of keystore master keys.
package cryptoutils
