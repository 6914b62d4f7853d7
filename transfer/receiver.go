package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

type receivedSession struct {
	transitKey []byte
	blocks     map[string]*interfaces.EncryptedBlock
}

// Receiver is the client end of a transfer. It opens transit envelopes with
// the session key unwrapped by its private key, verifies every block and
// acknowledges it with the checksum it recomputed.
type Receiver struct {
	privateKeyPEM []byte
	publicKeyPEM  []byte
	store         interfaces.BlockStorageBackend
	log           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*receivedSession
}

// NewReceiver creates a receiver for a PEM encoded P-256 key pair. Blocks are
// persisted to store when it is not nil.
func NewReceiver(privateKeyPEM []byte, store interfaces.BlockStorageBackend, log *slog.Logger) (*Receiver, error) {
	privateKey, err := cryptoutils.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid receiver key: %w", err)
	}

	publicKeyPEM, err := cryptoutils.MarshalPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Receiver{
		privateKeyPEM: privateKeyPEM,
		publicKeyPEM:  publicKeyPEM,
		store:         store,
		log:           log,
		sessions:      make(map[string]*receivedSession),
	}, nil
}

// PublicKeyPEM is the key the coordinator wraps session transit keys to.
func (r *Receiver) PublicKeyPEM() []byte {
	return r.publicKeyPEM
}

// OpenSession unwraps the transit key of a session.
func (r *Receiver) OpenSession(sessionID string, wrappedKey []byte) error {
	transitKey, err := cryptoutils.DecryptWithPrivateKey(r.privateKeyPEM, wrappedKey)
	if err != nil {
		return fmt.Errorf("failed to unwrap session key: %w", err)
	}
	if len(transitKey) != cryptoutils.KeySize {
		cryptoutils.Zeroize(transitKey)
		return fmt.Errorf("invalid session key length %d", len(transitKey))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[sessionID]; ok {
		cryptoutils.Zeroize(old.transitKey)
	}
	r.sessions[sessionID] = &receivedSession{
		transitKey: transitKey,
		blocks:     make(map[string]*interfaces.EncryptedBlock),
	}
	return nil
}

// ReceiveBlock opens and verifies one transit envelope. Redelivery of a block
// already received is acknowledged again without storing it twice.
func (r *Receiver) ReceiveBlock(ctx context.Context, envelope *interfaces.TransitEnvelope) (*interfaces.BlockAck, error) {
	r.mu.Lock()
	session, ok := r.sessions[envelope.SessionID]
	var transitKey []byte
	if ok {
		transitKey = append([]byte(nil), session.transitKey...)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, envelope.SessionID)
	}
	defer cryptoutils.Zeroize(transitKey)

	payload, err := decryptFromTransfer(envelope.Payload, transitKey, transitAAD(envelope.SessionID, envelope.BlockID))
	if err != nil {
		return nil, err
	}

	var block interfaces.EncryptedBlock
	if err := json.Unmarshal(payload, &block); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	if block.BlockID != envelope.BlockID || block.BlockIndex != envelope.BlockIndex {
		return nil, fmt.Errorf("%w: envelope for %s carries block %s", interfaces.ErrIntegrityCheckFailed, envelope.BlockID, block.BlockID)
	}
	if err := block.VerifyChecksum(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	_, seen := session.blocks[block.BlockID]
	r.mu.Unlock()

	if !seen && r.store != nil {
		if _, err := r.store.StoreBlock(ctx, &block); err != nil {
			return nil, fmt.Errorf("failed to store block %s: %w", block.BlockID, err)
		}
	}

	r.mu.Lock()
	session.blocks[block.BlockID] = &block
	r.mu.Unlock()

	r.log.Debug("Received block",
		slog.String("session_id", envelope.SessionID),
		slog.String("block_id", block.BlockID),
		slog.Int("block_index", block.BlockIndex))

	return &interfaces.BlockAck{
		BlockID:          block.BlockID,
		ReceivedChecksum: block.ComputeChecksum(),
	}, nil
}

// Manifest lists the blocks received in a session in index order.
func (r *Receiver) Manifest(sessionID string) (*interfaces.ModelManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID)
	}

	manifest := &interfaces.ModelManifest{CreatedAt: time.Now().UTC()}
	for _, block := range session.blocks {
		manifest.ModelID = block.ModelID
		manifest.Blocks = append(manifest.Blocks, block.Header())
	}
	sort.Slice(manifest.Blocks, func(i, j int) bool {
		return manifest.Blocks[i].BlockIndex < manifest.Blocks[j].BlockIndex
	})
	return manifest, nil
}

// Blocks returns the blocks received in a session in index order.
func (r *Receiver) Blocks(sessionID string) ([]*interfaces.EncryptedBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID)
	}

	blocks := make([]*interfaces.EncryptedBlock, 0, len(session.blocks))
	for _, block := range session.blocks {
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].BlockIndex < blocks[j].BlockIndex })
	return blocks, nil
}

// CloseSession forgets a session and erases its transit key.
func (r *Receiver) CloseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[sessionID]; ok {
		cryptoutils.Zeroize(session.transitKey)
		delete(r.sessions, sessionID)
	}
}

// LocalSender delivers envelopes to in-process receivers.
type LocalSender struct {
	mu        sync.RWMutex
	receivers map[string]*Receiver
}

func NewLocalSender() *LocalSender {
	return &LocalSender{receivers: make(map[string]*Receiver)}
}

func (s *LocalSender) Register(clientNodeID string, r *Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers[clientNodeID] = r
}

func (s *LocalSender) SendBlock(ctx context.Context, clientNodeID string, envelope *interfaces.TransitEnvelope) (*interfaces.BlockAck, error) {
	s.mu.RLock()
	r, ok := s.receivers[clientNodeID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown client node %s", clientNodeID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.ReceiveBlock(ctx, envelope)
}

// Handshake hands the transit key of a session to a receiver.
func Handshake(c *Coordinator, sessionID string, r *Receiver) error {
	wrapped, err := c.SessionKeyFor(sessionID, r.PublicKeyPEM())
	if err != nil {
		return err
	}
	return r.OpenSession(sessionID, wrapped)
}

// Open runs the handshake for sessionID if a receiver is registered for
// clientNodeID. It reports false when the client is not served in-process.
func (s *LocalSender) Open(c *Coordinator, sessionID, clientNodeID string) (bool, error) {
	s.mu.RLock()
	r, ok := s.receivers[clientNodeID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, Handshake(c, sessionID, r)
}
