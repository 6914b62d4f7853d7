// Package interfaces defines the domain types and collaborator contracts shared
// by the key manager, the block cipher and the transfer coordinator.
//
// # Key lifecycle
//
// ManagedKey, KeyStatus and KeyRotationEvent describe hardware-bound symmetric
// keys and their rotation chains. Keystore persists them and HardwareBinder
// supplies the fingerprint keys are bound to.
//
// # Blocks and transfers
//
// EncryptedBlock is the at-rest envelope of one chunk of model weights.
// TransferSession, BlockTransferInfo and TransferStatus track distribution of
// blocks to a client node. BlockSender abstracts the transport and
// BlockStorageBackend the content-addressed block storage.
//
// # Errors
//
// Error kinds are sentinel errors matched with errors.Is. Key validity failures
// are wrapped in KeyError so the failing key id travels with them.
package interfaces
