// Package kms manages the lifecycle of hardware-bound model encryption keys.
//
// A KeyManager issues one symmetric key per model and rotation generation,
// binds it to the hardware fingerprint of the admin node, and is the only
// component allowed to mutate key records:
//
//	ACTIVE -> ROTATING -> DEPRECATED -> EXPIRED
//	   \          |            |
//	    +---------+------------+----> REVOKED
//
// # Rotation
//
// RotateKey issues the next generation of a model key and deprecates the old
// one. Deprecated keys keep decrypting blocks sealed under them until their
// lifetime runs out and CleanupExpiredKeys disposes of the material, or until
// they are revoked. A rotation that fails to issue the new key rolls the old
// key back to ACTIVE. Every attempt is recorded as a KeyRotationEvent in the
// keystore.
//
// # Revocation and disposal
//
// RevokeKey takes effect before it returns: the in-memory material is zeroed
// and the keystore is asked to wipe the stored copy. Any later UseKey,
// CheckBinding or encrypt/decrypt call for the key fails with ErrKeyRevoked.
//
// # Access to key material
//
// Material is only handed out through UseKey, which holds the key's read lock
// for the duration of the callback and zeroes its private copy afterwards.
// Revocation and cleanup take the write lock, so material is never zeroed
// while a block is being encrypted or decrypted with it.
//
// # Master key unsealing
//
// Persistent keystores seal key material under a master key. The Unsealer
// reconstructs it from Shamir shares submitted by registered administrators:
//
//	shares, _ := kms.SplitMasterKey(masterKey, len(admins), threshold)
//	unsealer, _ := kms.NewUnsealer(kms.UnsealConfig{Threshold: threshold, AdminPubKeys: admins})
//	// each admin:
//	sig, _ := kms.SignShare(shares[i], adminKey)
//	_ = unsealer.SubmitShare(i, shares[i], sig, adminPubPEM)
//	// once threshold shares are in:
//	masterKey, _ := unsealer.MasterKey()
//
// No single administrator can recover the master key alone, and the
// reconstructed key never leaves process memory.
package kms
