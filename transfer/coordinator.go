package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
	"golang.org/x/sync/errgroup"
)

var errStopped = errors.New("transfer stopped")

// KeyStatusChecker reports the lifecycle status of the key a block was sealed under.
// *kms.KeyManager implements it.
type KeyStatusChecker interface {
	KeyStatus(ctx context.Context, keyID string) (interfaces.KeyStatus, error)
}

// Config bounds retries and concurrency of a Coordinator.
type Config struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Parallelism  int
	ArchiveLimit int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   interfaces.DefaultMaxRetries,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Parallelism:  4,
		ArchiveLimit: 256,
	}
}

func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return errors.New("max retries must be at least 1")
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("invalid backoff bounds %s..%s", c.BaseDelay, c.MaxDelay)
	}
	if c.Parallelism < 1 {
		return errors.New("parallelism must be at least 1")
	}
	if c.ArchiveLimit < 0 {
		return errors.New("archive limit must not be negative")
	}
	return nil
}

// Metrics receives transfer observations.
type Metrics interface {
	SessionStarted()
	SessionFinished(status interfaces.TransferStatus, duration time.Duration)
	BlockAttempt(ok bool)
	BytesTransferred(n int64)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted()                                          {}
func (noopMetrics) SessionFinished(interfaces.TransferStatus, time.Duration) {}
func (noopMetrics) BlockAttempt(bool)                                        {}
func (noopMetrics) BytesTransferred(int64)                                   {}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.config = cfg }
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// session is the coordinator-side state of a transfer. All fields below mu
// are guarded by it; blocks and transitKey are immutable while running.
type session struct {
	id           string
	adminNodeID  string
	clientNodeID string
	modelID      string
	blocks       []*interfaces.EncryptedBlock
	transitKey   []byte
	createdAt    time.Time

	mu              sync.Mutex
	infos           []interfaces.BlockTransferInfo
	totalSize       int64
	transferredSize int64
	status          interfaces.TransferStatus
	startedAt       *time.Time
	completedAt     *time.Time
	running         bool
	fatalErr        error
	stop            chan struct{}
}

func (s *session) allCompletedLocked() bool {
	for i := range s.infos {
		if s.infos[i].Status != interfaces.TransferCompleted {
			return false
		}
	}
	return true
}

func (s *session) snapshotLocked() *interfaces.TransferSession {
	snap := &interfaces.TransferSession{
		SessionID:       s.id,
		AdminNodeID:     s.adminNodeID,
		ClientNodeID:    s.clientNodeID,
		ModelID:         s.modelID,
		Blocks:          append([]interfaces.BlockTransferInfo(nil), s.infos...),
		TotalBlocks:     len(s.infos),
		TotalSize:       s.totalSize,
		TransferredSize: s.transferredSize,
		Status:          s.status,
		CreatedAt:       s.createdAt,
		StartedAt:       s.startedAt,
		CompletedAt:     s.completedAt,
	}
	for i := range snap.Blocks {
		if t := snap.Blocks[i].NextAttemptAt; t != nil {
			next := *t
			snap.Blocks[i].NextAttemptAt = &next
		}
	}
	return snap
}

// Coordinator drives encrypted block transfers from this node to client nodes.
//
// Each session gets its own transit key, layered over the at-rest encryption
// of the blocks. A block counts as transferred only once the client
// acknowledges it with the matching checksum. Failed sends are retried with
// exponential backoff up to Config.MaxRetries attempts; key validity and
// sender-side integrity failures are never retried.
type Coordinator struct {
	keys    KeyStatusChecker
	sender  interfaces.BlockSender
	log     *slog.Logger
	config  Config
	metrics Metrics
	now     func() time.Time

	mu           sync.RWMutex
	sessions     map[string]*session
	archive      map[string]*interfaces.TransferSession
	archiveOrder []string
}

func NewCoordinator(keys KeyStatusChecker, sender interfaces.BlockSender, log *slog.Logger, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		keys:     keys,
		sender:   sender,
		log:      log,
		config:   DefaultConfig(),
		metrics:  noopMetrics{},
		now:      time.Now,
		sessions: make(map[string]*session),
		archive:  make(map[string]*interfaces.TransferSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}
	return c, nil
}

// StartTransferSession registers a PENDING session for the ordered blocks of
// one model and returns its id. Blocks sealed under a revoked or expired key
// are rejected up front.
func (c *Coordinator) StartTransferSession(ctx context.Context, adminNodeID, clientNodeID, modelID string, blocks []*interfaces.EncryptedBlock) (string, error) {
	if clientNodeID == "" || modelID == "" {
		return "", errors.New("client node id and model id are required")
	}
	if len(blocks) == 0 {
		return "", errors.New("no blocks to transfer")
	}

	seen := make(map[string]struct{}, len(blocks))
	checkedKeys := make(map[string]struct{})
	for _, block := range blocks {
		if block.ModelID != modelID {
			return "", fmt.Errorf("block %s belongs to model %s, not %s", block.BlockID, block.ModelID, modelID)
		}
		if _, dup := seen[block.BlockID]; dup {
			return "", fmt.Errorf("duplicate block %s", block.BlockID)
		}
		seen[block.BlockID] = struct{}{}

		if _, ok := checkedKeys[block.KeyID]; ok {
			continue
		}
		if err := c.checkKey(ctx, block.KeyID); err != nil {
			return "", err
		}
		checkedKeys[block.KeyID] = struct{}{}
	}

	transitKey, err := cryptoutils.GenerateKey()
	if err != nil {
		return "", err
	}

	s := &session{
		id:           uuid.NewString(),
		adminNodeID:  adminNodeID,
		clientNodeID: clientNodeID,
		modelID:      modelID,
		blocks:       append([]*interfaces.EncryptedBlock(nil), blocks...),
		transitKey:   transitKey,
		createdAt:    c.now().UTC(),
		infos:        make([]interfaces.BlockTransferInfo, len(blocks)),
		status:       interfaces.TransferPending,
		stop:         make(chan struct{}),
	}
	for i, block := range blocks {
		size := block.WireSize()
		s.infos[i] = interfaces.BlockTransferInfo{
			TransferID: uuid.NewString(),
			BlockID:    block.BlockID,
			ModelID:    modelID,
			BlockIndex: block.BlockIndex,
			TotalSize:  size,
			Status:     interfaces.TransferPending,
			MaxRetries: c.config.MaxRetries,
		}
		s.totalSize += size
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.log.Info("Started transfer session",
		slog.String("session_id", s.id),
		slog.String("client_node_id", clientNodeID),
		slog.String("model_id", modelID),
		slog.Int("blocks", len(blocks)),
		slog.Int64("total_size", s.totalSize))

	return s.id, nil
}

// checkKey fails if blocks sealed under keyID must not be sent.
func (c *Coordinator) checkKey(ctx context.Context, keyID string) error {
	status, err := c.keys.KeyStatus(ctx, keyID)
	if err != nil {
		return err
	}

	switch status {
	case interfaces.KeyStatusRevoked:
		return interfaces.NewKeyError(keyID, interfaces.ErrKeyRevoked)
	case interfaces.KeyStatusExpired:
		return interfaces.NewKeyError(keyID, interfaces.ErrKeyExpired)
	case interfaces.KeyStatusActive, interfaces.KeyStatusRotating, interfaces.KeyStatusDeprecated:
		return nil
	default:
		panic(fmt.Sprintf("unknown key status %d", int(status)))
	}
}

// Run sends every outstanding block of a session and returns once the
// session is terminal or ctx is done. A session interrupted by ctx returns to
// PENDING with its progress kept, and a later Run resumes with the blocks
// that were not acknowledged yet.
func (c *Coordinator) Run(ctx context.Context, sessionID string) error {
	s, err := c.activeSession(sessionID)
	if err != nil {
		if snapshot, ok := c.archived(sessionID); ok {
			if snapshot.Status == interfaces.TransferCancelled {
				return fmt.Errorf("%w: %s", interfaces.ErrSessionCancelled, sessionID)
			}
			return fmt.Errorf("session %s already %s", sessionID, snapshot.Status)
		}
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session %s is already running", sessionID)
	}
	switch s.status {
	case interfaces.TransferCancelled:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", interfaces.ErrSessionCancelled, sessionID)
	case interfaces.TransferCompleted, interfaces.TransferFailed:
		s.mu.Unlock()
		return fmt.Errorf("session %s already %s", sessionID, s.status)
	case interfaces.TransferPending, interfaces.TransferInProgress, interfaces.TransferRetrying:
	default:
		panic(fmt.Sprintf("unknown transfer status %d", int(s.status)))
	}
	s.running = true
	s.status = interfaces.TransferInProgress
	if s.startedAt == nil {
		started := c.now().UTC()
		s.startedAt = &started
	}
	s.mu.Unlock()

	start := time.Now()

	var g errgroup.Group
	g.SetLimit(c.config.Parallelism)
	for i := range s.blocks {
		s.mu.Lock()
		done := s.infos[i].Status.IsTerminal()
		s.mu.Unlock()
		if done {
			continue
		}
		if c.stopped(ctx, s) {
			break
		}

		g.Go(func() error {
			c.transferBlock(ctx, s, i)
			return nil
		})
	}
	_ = g.Wait()

	return c.finish(ctx, s, time.Since(start))
}

func (c *Coordinator) stopped(ctx context.Context, s *session) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// transferBlock attempts one block until it is acknowledged, fails for good,
// or the session stops.
func (c *Coordinator) transferBlock(ctx context.Context, s *session, i int) {
	backoff, _ := NewBackoff(c.config.BaseDelay, c.config.MaxDelay)

	for {
		if c.stopped(ctx, s) {
			return
		}

		s.mu.Lock()
		info := &s.infos[i]
		info.Status = interfaces.TransferInProgress
		info.NextAttemptAt = nil
		s.mu.Unlock()

		fatal, err := c.attempt(ctx, s, s.blocks[i])
		if errors.Is(err, interfaces.ErrSessionCancelled) {
			// Nothing was sent, finish settles the block.
			s.mu.Lock()
			info.Status = interfaces.TransferPending
			s.mu.Unlock()
			return
		}
		c.metrics.BlockAttempt(err == nil)

		s.mu.Lock()
		if err == nil {
			info.Status = interfaces.TransferCompleted
			info.TransferredSize = info.TotalSize
			info.LastError = ""
			s.transferredSize += info.TotalSize
			if s.allCompletedLocked() {
				// Readers never see every byte acknowledged on a non-completed session.
				s.status = interfaces.TransferCompleted
			}
			s.mu.Unlock()
			c.metrics.BytesTransferred(info.TotalSize)
			return
		}

		info.LastError = err.Error()
		if fatal {
			info.Status = interfaces.TransferFailed
			if s.fatalErr == nil {
				s.fatalErr = err
			}
			s.mu.Unlock()
			c.log.Error("Block transfer failed permanently",
				slog.String("session_id", s.id),
				slog.String("block_id", info.BlockID),
				"err", err)
			return
		}

		if ctx.Err() != nil {
			// The attempt was aborted by the caller, not refused by the client.
			info.Status = interfaces.TransferPending
			s.mu.Unlock()
			return
		}

		info.RetryCount++
		if info.RetryCount >= info.MaxRetries {
			info.Status = interfaces.TransferFailed
			s.mu.Unlock()
			c.log.Warn("Block transfer retries exhausted",
				slog.String("session_id", s.id),
				slog.String("block_id", info.BlockID),
				slog.Int("attempts", info.RetryCount),
				"err", err)
			return
		}

		info.Status = interfaces.TransferRetrying
		next := c.now().UTC().Add(backoff.Timeout())
		info.NextAttemptAt = &next
		retry := info.RetryCount
		s.mu.Unlock()

		c.log.Debug("Retrying block transfer",
			slog.String("session_id", s.id),
			slog.String("block_id", s.blocks[i].BlockID),
			slog.Int("retry", retry),
			slog.Duration("delay", backoff.Timeout()),
			"err", err)

		if err := backoff.Wait(ctx, s.stop); err != nil {
			return
		}
	}
}

// attempt sends a block once. fatal reports whether retrying cannot help.
func (c *Coordinator) attempt(ctx context.Context, s *session, block *interfaces.EncryptedBlock) (bool, error) {
	if err := c.checkKey(ctx, block.KeyID); err != nil {
		return interfaces.IsKeyValidityError(err), err
	}

	if !verifyBlockIntegrity(block) {
		return true, fmt.Errorf("%w: block %s failed sender-side verification", interfaces.ErrIntegrityCheckFailed, block.BlockID)
	}

	payload, err := json.Marshal(block)
	if err != nil {
		return true, fmt.Errorf("failed to encode block: %w", err)
	}

	sealed, err := encryptForTransfer(payload, s.transitKey, transitAAD(s.id, block.BlockID))
	if err != nil {
		return true, err
	}

	select {
	case <-s.stop:
		return false, fmt.Errorf("%w: %s", interfaces.ErrSessionCancelled, s.id)
	default:
	}

	ack, err := c.sender.SendBlock(ctx, s.clientNodeID, &interfaces.TransitEnvelope{
		SessionID:  s.id,
		BlockID:    block.BlockID,
		BlockIndex: block.BlockIndex,
		Payload:    sealed,
	})
	if err != nil {
		return false, fmt.Errorf("send failed: %w", err)
	}
	if ack == nil || ack.BlockID != block.BlockID || ack.ReceivedChecksum != block.Checksum {
		return false, fmt.Errorf("%w: acknowledgement does not match block %s", interfaces.ErrIntegrityCheckFailed, block.BlockID)
	}
	return false, nil
}

// finish settles the session status once Run's workers have returned.
func (c *Coordinator) finish(ctx context.Context, s *session, elapsed time.Duration) error {
	s.mu.Lock()
	s.running = false

	completed, failed := 0, 0
	for i := range s.infos {
		switch s.infos[i].Status {
		case interfaces.TransferCompleted:
			completed++
		case interfaces.TransferFailed:
			failed++
		case interfaces.TransferPending, interfaces.TransferInProgress, interfaces.TransferRetrying, interfaces.TransferCancelled:
		default:
			panic(fmt.Sprintf("unknown transfer status %d", int(s.infos[i].Status)))
		}
	}

	var result error
	switch {
	case completed == len(s.infos):
		s.status = interfaces.TransferCompleted
	case s.status == interfaces.TransferCancelled:
		c.cancelOutstandingLocked(s)
		result = fmt.Errorf("%w: %s", interfaces.ErrSessionCancelled, s.id)
	case completed+failed == len(s.infos):
		s.status = interfaces.TransferFailed
		if s.fatalErr != nil {
			result = fmt.Errorf("%d of %d blocks failed: %w", failed, len(s.infos), s.fatalErr)
		} else {
			result = fmt.Errorf("%w: %d of %d blocks failed", interfaces.ErrTransferRetryExhausted, failed, len(s.infos))
		}
	default:
		// Interrupted by ctx, resumable.
		s.status = interfaces.TransferPending
		for i := range s.infos {
			if !s.infos[i].Status.IsTerminal() {
				s.infos[i].Status = interfaces.TransferPending
				s.infos[i].NextAttemptAt = nil
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}

	now := c.now().UTC()
	s.completedAt = &now
	status, transferred, total := s.status, s.transferredSize, s.totalSize
	snapshot := s.snapshotLocked()
	cryptoutils.Zeroize(s.transitKey)
	s.mu.Unlock()

	c.archiveSession(snapshot)
	c.metrics.SessionFinished(status, elapsed)
	c.log.Info("Transfer session finished",
		slog.String("session_id", s.id),
		slog.String("status", status.String()),
		slog.Int("completed_blocks", completed),
		slog.Int("failed_blocks", failed),
		slog.Int64("transferred_size", transferred),
		slog.Int64("total_size", total),
		slog.Duration("duration", elapsed))

	return result
}

func (c *Coordinator) cancelOutstandingLocked(s *session) {
	for i := range s.infos {
		if !s.infos[i].Status.IsTerminal() {
			s.infos[i].Status = interfaces.TransferCancelled
			s.infos[i].NextAttemptAt = nil
		}
	}
}

// CancelTransfer stops a session. No new sends start once it returns; an
// attempt already in flight still records its outcome. It returns false if
// the session was already terminal.
func (c *Coordinator) CancelTransfer(sessionID string) (bool, error) {
	s, err := c.activeSession(sessionID)
	if err != nil {
		if _, ok := c.archived(sessionID); ok {
			return false, nil
		}
		return false, err
	}

	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return false, nil
	}
	s.status = interfaces.TransferCancelled
	close(s.stop)

	if s.running {
		// Run settles the remaining blocks and archives the session.
		s.mu.Unlock()
		c.log.Info("Cancelling transfer session", slog.String("session_id", sessionID))
		return true, nil
	}

	c.cancelOutstandingLocked(s)
	now := c.now().UTC()
	s.completedAt = &now
	snapshot := s.snapshotLocked()
	cryptoutils.Zeroize(s.transitKey)
	s.mu.Unlock()

	c.archiveSession(snapshot)
	c.metrics.SessionFinished(interfaces.TransferCancelled, 0)
	c.log.Info("Cancelled transfer session", slog.String("session_id", sessionID))
	return true, nil
}

// archiveSession moves a terminal session out of the active set, dropping the
// oldest archived sessions beyond Config.ArchiveLimit.
func (c *Coordinator) archiveSession(snapshot *interfaces.TransferSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, snapshot.SessionID)
	if c.config.ArchiveLimit == 0 {
		return
	}

	c.archive[snapshot.SessionID] = snapshot
	c.archiveOrder = append(c.archiveOrder, snapshot.SessionID)
	for len(c.archiveOrder) > c.config.ArchiveLimit {
		delete(c.archive, c.archiveOrder[0])
		c.archiveOrder = c.archiveOrder[1:]
	}
}

func (c *Coordinator) activeSession(sessionID string) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (c *Coordinator) archived(sessionID string) (*interfaces.TransferSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot, ok := c.archive[sessionID]
	return snapshot, ok
}

// GetSession returns a snapshot of an active or archived session.
func (c *Coordinator) GetSession(sessionID string) (*interfaces.TransferSession, error) {
	s, err := c.activeSession(sessionID)
	if err == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.snapshotLocked(), nil
	}

	if snapshot, ok := c.archived(sessionID); ok {
		copied := *snapshot
		copied.Blocks = append([]interfaces.BlockTransferInfo(nil), snapshot.Blocks...)
		return &copied, nil
	}
	return nil, err
}

// ListSessions returns snapshots of the active sessions.
func (c *Coordinator) ListSessions() []*interfaces.TransferSession {
	c.mu.RLock()
	active := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		active = append(active, s)
	}
	c.mu.RUnlock()

	snapshots := make([]*interfaces.TransferSession, 0, len(active))
	for _, s := range active {
		s.mu.Lock()
		snapshots = append(snapshots, s.snapshotLocked())
		s.mu.Unlock()
	}
	return snapshots
}

// GetTransferProgress returns a consistent progress view of a session.
func (c *Coordinator) GetTransferProgress(sessionID string) (*interfaces.TransferProgress, error) {
	snapshot, err := c.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	progress := &interfaces.TransferProgress{
		SessionID:          snapshot.SessionID,
		ModelID:            snapshot.ModelID,
		ClientNodeID:       snapshot.ClientNodeID,
		Status:             snapshot.Status,
		TotalBlocks:        snapshot.TotalBlocks,
		TotalSize:          snapshot.TotalSize,
		TransferredSize:    snapshot.TransferredSize,
		ProgressPercentage: snapshot.ProgressPercentage(),
	}
	for i := range snapshot.Blocks {
		switch snapshot.Blocks[i].Status {
		case interfaces.TransferCompleted:
			progress.CompletedBlocks++
		case interfaces.TransferFailed:
			progress.FailedBlocks++
		}
	}
	return progress, nil
}

// GetTransferStatistics aggregates active and archived sessions.
func (c *Coordinator) GetTransferStatistics() interfaces.TransferStatistics {
	active := c.ListSessions()

	c.mu.RLock()
	archived := make([]*interfaces.TransferSession, 0, len(c.archive))
	for _, snapshot := range c.archive {
		archived = append(archived, snapshot)
	}
	c.mu.RUnlock()

	stats := interfaces.TransferStatistics{
		ActiveSessions:   len(active),
		ArchivedSessions: len(archived),
		SessionsByStatus: make(map[string]int, len(interfaces.AllTransferStatuses)),
	}
	for _, status := range interfaces.AllTransferStatuses {
		stats.SessionsByStatus[status.String()] = 0
	}

	for _, snapshot := range append(active, archived...) {
		stats.SessionsByStatus[snapshot.Status.String()]++
		stats.TotalBlocks += snapshot.TotalBlocks
		stats.TotalBytes += snapshot.TotalSize
		stats.TransferredBytes += snapshot.TransferredSize
		for i := range snapshot.Blocks {
			stats.TotalRetries += snapshot.Blocks[i].RetryCount
			switch snapshot.Blocks[i].Status {
			case interfaces.TransferCompleted:
				stats.CompletedBlocks++
			case interfaces.TransferFailed:
				stats.FailedBlocks++
			}
		}
	}
	return stats
}

// SessionKeyFor returns the session transit key encrypted to a client's
// public key, for the client to open transit envelopes with.
func (c *Coordinator) SessionKeyFor(sessionID string, clientPubkeyPEM []byte) ([]byte, error) {
	s, err := c.activeSession(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return nil, fmt.Errorf("session %s already %s", sessionID, s.status)
	}
	return cryptoutils.EncryptWithPublicKey(clientPubkeyPEM, s.transitKey)
}

// encryptForTransfer seals data under a session transit key with a fresh nonce.
func encryptForTransfer(data, sessionKey, aad []byte) ([]byte, error) {
	return cryptoutils.SealEnvelope(sessionKey, data, aad)
}

func decryptFromTransfer(envelope, sessionKey, aad []byte) ([]byte, error) {
	return cryptoutils.OpenEnvelope(sessionKey, envelope, aad)
}

// verifyBlockIntegrity recomputes the ciphertext checksum of a block.
func verifyBlockIntegrity(block *interfaces.EncryptedBlock) bool {
	return block.VerifyChecksum() == nil
}

func transitAAD(sessionID, blockID string) []byte {
	return []byte(sessionID + "|" + blockID)
}
