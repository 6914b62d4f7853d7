package interfaces

import "context"

// Keystore is durable storage of ManagedKey records keyed by key id.
//
// Key material is stored with the record it belongs to. Wipe must overwrite the
// stored material in place rather than leave a copy behind.
type Keystore interface {
	// Get returns the record for keyID or ErrKeyNotFound.
	Get(ctx context.Context, keyID string) (*ManagedKey, error)

	// Put creates or replaces a record.
	Put(ctx context.Context, key *ManagedKey) error

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, keyID string) error

	// List returns every record of a model, or all records for an empty modelID.
	List(ctx context.Context, modelID string) ([]*ManagedKey, error)

	// Wipe destroys the stored key material of a record while keeping its metadata.
	Wipe(ctx context.Context, keyID string) error

	// AppendEvent records a rotation event in the audit log of a model.
	AppendEvent(ctx context.Context, event KeyRotationEvent) error

	// Events returns the audit log of a model in append order.
	Events(ctx context.Context, modelID string) ([]KeyRotationEvent, error)

	// Name returns identifier for logging.
	Name() string
}

// HardwareBinder identifies the machine the process runs on.
type HardwareBinder interface {
	// CurrentFingerprint returns a stable, deterministic identifier of the executing machine.
	CurrentFingerprint(ctx context.Context) (string, error)
}

// ClientNotifier delivers key rotation notices to client nodes.
type ClientNotifier interface {
	NotifyRotation(ctx context.Context, clientID string, event KeyRotationEvent) error
}

// BlockSender hands a transit envelope to a transport and waits for the client acknowledgement.
type BlockSender interface {
	SendBlock(ctx context.Context, clientNodeID string, envelope *TransitEnvelope) (*BlockAck, error)
}
