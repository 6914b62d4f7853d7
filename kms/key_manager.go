package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// KeyPurpose selects the status checks UseKey applies before releasing material.
type KeyPurpose int

const (
	PurposeEncrypt KeyPurpose = iota + 1
	PurposeDecrypt
)

func (p KeyPurpose) String() string {
	switch p {
	case PurposeEncrypt:
		return "encrypt"
	case PurposeDecrypt:
		return "decrypt"
	default:
		panic(fmt.Sprintf("unknown key purpose %d", int(p)))
	}
}

// KeyPolicy holds the tunables of the key lifecycle.
type KeyPolicy struct {
	// DefaultLifetimeDays applies when a caller passes a non-positive lifetime.
	DefaultLifetimeDays int
	// DrainPeriod shortens the remaining lifetime of a key once it is deprecated.
	// Zero keeps the original expiry.
	DrainPeriod time.Duration
	Algorithm   string
}

func DefaultKeyPolicy() KeyPolicy {
	return KeyPolicy{
		DefaultLifetimeDays: 90,
		Algorithm:           interfaces.AlgorithmAES256GCM,
	}
}

// Metrics receives key lifecycle observations.
type Metrics interface {
	KeyGenerated(modelID string)
	KeyRotated(status interfaces.RotationStatus)
	KeyRevoked()
	KeysDisposed(n int)
	KeyUsed(purpose string, err error)
}

type noopMetrics struct{}

func (noopMetrics) KeyGenerated(string)                  {}
func (noopMetrics) KeyRotated(interfaces.RotationStatus) {}
func (noopMetrics) KeyRevoked()                          {}
func (noopMetrics) KeysDisposed(int)                     {}
func (noopMetrics) KeyUsed(string, error)                {}

type Option func(*KeyManager)

// WithNotifier sets the transport for rotation notices. Without one, clients
// listed in RotateKey are skipped.
func WithNotifier(n interfaces.ClientNotifier) Option {
	return func(k *KeyManager) { k.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(k *KeyManager) { k.now = now }
}

func WithMetrics(m Metrics) Option {
	return func(k *KeyManager) { k.metrics = m }
}

func WithPolicy(p KeyPolicy) Option {
	return func(k *KeyManager) {
		if p.DefaultLifetimeDays <= 0 {
			p.DefaultLifetimeDays = DefaultKeyPolicy().DefaultLifetimeDays
		}
		if p.Algorithm == "" {
			p.Algorithm = interfaces.AlgorithmAES256GCM
		}
		k.policy = p
	}
}

// KeyManager owns the lifecycle of hardware-bound model keys.
//
// Loaded records are kept in memory as the live copy and written through to
// the keystore on every mutation. Mutations of one key are serialized by a
// per-key lock which UseKey holds for reading while material is in use.
// Generation and rotation are additionally serialized per model. Locks are
// always taken model first, then key.
type KeyManager struct {
	store    interfaces.Keystore
	binder   interfaces.HardwareBinder
	notifier interfaces.ClientNotifier
	log      *slog.Logger
	now      func() time.Time
	metrics  Metrics
	policy   KeyPolicy

	mu         sync.Mutex
	cache      map[string]*interfaces.ManagedKey
	keyLocks   map[string]*sync.RWMutex
	modelLocks map[string]*sync.Mutex
}

func NewKeyManager(store interfaces.Keystore, binder interfaces.HardwareBinder, log *slog.Logger, opts ...Option) *KeyManager {
	k := &KeyManager{
		store:      store,
		binder:     binder,
		log:        log,
		now:        time.Now,
		metrics:    noopMetrics{},
		policy:     DefaultKeyPolicy(),
		cache:      make(map[string]*interfaces.ManagedKey),
		keyLocks:   make(map[string]*sync.RWMutex),
		modelLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// GenerateHardwareBoundKey issues a fresh ACTIVE key for modelID bound to the
// current hardware fingerprint. If the model already has an ACTIVE key, the
// new key succeeds it through the rotation path so that only one key stays ACTIVE.
func (k *KeyManager) GenerateHardwareBoundKey(ctx context.Context, licenseKey, modelID string, lifetimeDays int) (*interfaces.ManagedKey, error) {
	if modelID == "" {
		return nil, errors.New("model id is required")
	}

	ml := k.modelLock(modelID)
	ml.Lock()
	defer ml.Unlock()

	chain, err := k.modelKeys(ctx, modelID)
	if err != nil {
		return nil, err
	}

	var latest *interfaces.ManagedKey
	for _, key := range chain {
		kl := k.keyLock(key.KeyID)
		kl.RLock()
		status, gen := key.Status, key.RotationGeneration
		kl.RUnlock()

		if status == interfaces.KeyStatusActive {
			return k.rotateLocked(ctx, key, licenseKey, lifetimeDays, nil)
		}
		if latest == nil || gen > latest.RotationGeneration {
			latest = key
		}
	}

	// No ACTIVE head. A chain whose keys were all revoked or expired continues
	// from its newest key.
	if latest != nil {
		kl := k.keyLock(latest.KeyID)
		kl.Lock()
		defer kl.Unlock()
	}

	key, err := k.issue(ctx, licenseKey, modelID, lifetimeDays, latest)
	if err != nil {
		return nil, err
	}

	if latest != nil && latest.SuccessorKeyID == "" {
		latest.SuccessorKeyID = key.KeyID
		latest.UpdatedAt = k.now().UTC()
		if err := k.store.Put(ctx, latest); err != nil {
			k.log.Error("Failed to link predecessor key", slog.String("key_id", latest.KeyID), "err", err)
		}
	}

	return key.Redacted(), nil
}

// issue creates, persists and caches a new ACTIVE key. The caller holds the
// model lock and, if pred is set, its key lock.
func (k *KeyManager) issue(ctx context.Context, licenseKey, modelID string, lifetimeDays int, pred *interfaces.ManagedKey) (*interfaces.ManagedKey, error) {
	fingerprint, err := k.binder.CurrentFingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read hardware fingerprint: %w", err)
	}

	material, err := cryptoutils.GenerateKey()
	if err != nil {
		return nil, err
	}

	if lifetimeDays <= 0 {
		lifetimeDays = k.policy.DefaultLifetimeDays
	}

	now := k.now().UTC()
	key := &interfaces.ManagedKey{
		KeyID:               uuid.NewString(),
		Algorithm:           k.policy.Algorithm,
		KeyData:             material,
		Status:              interfaces.KeyStatusActive,
		RotationGeneration:  1,
		HardwareFingerprint: fingerprint,
		ExpiresAt:           now.AddDate(0, 0, lifetimeDays),
		CreatedAt:           now,
		UpdatedAt:           now,
		Metadata: interfaces.KeyMetadata{
			ModelID:    modelID,
			LicenseKey: licenseKey,
		},
	}
	if pred != nil {
		key.RotationGeneration = pred.RotationGeneration + 1
		key.PredecessorKeyID = pred.KeyID
	}

	if err := ctx.Err(); err != nil {
		cryptoutils.Zeroize(material)
		return nil, err
	}

	if err := k.store.Put(ctx, key); err != nil {
		cryptoutils.Zeroize(material)
		return nil, fmt.Errorf("failed to persist key: %w", err)
	}

	k.mu.Lock()
	k.cache[key.KeyID] = key
	k.mu.Unlock()

	k.metrics.KeyGenerated(modelID)
	k.log.Info("Generated hardware-bound key",
		slog.String("key_id", key.KeyID),
		slog.String("model_id", modelID),
		slog.Int("generation", key.RotationGeneration),
		slog.Time("expires_at", key.ExpiresAt))

	return key, nil
}

// ValidateHardwareBinding reports whether the key is usable on this machine.
func (k *KeyManager) ValidateHardwareBinding(ctx context.Context, keyID string) bool {
	return k.CheckBinding(ctx, keyID) == nil
}

// CheckBinding is ValidateHardwareBinding with the reason for a failure.
func (k *KeyManager) CheckBinding(ctx context.Context, keyID string) error {
	key, err := k.load(ctx, keyID)
	if err != nil {
		return err
	}

	kl := k.keyLock(keyID)
	kl.RLock()
	defer kl.RUnlock()

	return k.checkLocked(ctx, key, PurposeEncrypt)
}

// checkLocked validates a key for the purpose. Caller holds the key lock.
func (k *KeyManager) checkLocked(ctx context.Context, key *interfaces.ManagedKey, purpose KeyPurpose) error {
	switch key.Status {
	case interfaces.KeyStatusRevoked:
		return interfaces.NewKeyError(key.KeyID, interfaces.ErrKeyRevoked)
	case interfaces.KeyStatusExpired:
		return interfaces.NewKeyError(key.KeyID, interfaces.ErrKeyExpired)
	case interfaces.KeyStatusActive, interfaces.KeyStatusRotating, interfaces.KeyStatusDeprecated:
	default:
		panic(fmt.Sprintf("unknown key status %d", int(key.Status)))
	}

	if key.Disposed() {
		return interfaces.NewKeyError(key.KeyID, interfaces.ErrKeyExpired)
	}

	switch purpose {
	case PurposeEncrypt:
		if !key.Status.CanEncrypt() {
			return interfaces.NewKeyError(key.KeyID, interfaces.ErrInvalidKeyState)
		}
		if key.IsExpiredAt(k.now()) {
			return interfaces.NewKeyError(key.KeyID, interfaces.ErrKeyExpired)
		}
	case PurposeDecrypt:
		// Keys past their lifetime keep decrypting until cleanup disposes of them.
		if !key.Status.CanDecrypt() {
			return interfaces.NewKeyError(key.KeyID, interfaces.ErrInvalidKeyState)
		}
	default:
		panic(fmt.Sprintf("unknown key purpose %d", int(purpose)))
	}

	fingerprint, err := k.binder.CurrentFingerprint(ctx)
	if err != nil {
		return interfaces.NewKeyError(key.KeyID, fmt.Errorf("%w: %v", interfaces.ErrHardwareMismatch, err))
	}
	if fingerprint != key.HardwareFingerprint {
		return interfaces.NewKeyError(key.KeyID, interfaces.ErrHardwareMismatch)
	}
	return nil
}

// UseKey passes a copy of the key material to fn. The copy is zeroed when fn
// returns, and no mutation of the key can happen while fn runs.
func (k *KeyManager) UseKey(ctx context.Context, keyID string, purpose KeyPurpose, fn func(material []byte) error) (err error) {
	defer func() { k.metrics.KeyUsed(purpose.String(), err) }()

	key, err := k.load(ctx, keyID)
	if err != nil {
		return err
	}

	kl := k.keyLock(keyID)
	kl.RLock()
	defer kl.RUnlock()

	if err := k.checkLocked(ctx, key, purpose); err != nil {
		return err
	}

	material := append([]byte(nil), key.KeyData...)
	defer cryptoutils.Zeroize(material)

	return fn(material)
}

// KeyStatus returns the current status of a key.
func (k *KeyManager) KeyStatus(ctx context.Context, keyID string) (interfaces.KeyStatus, error) {
	key, err := k.load(ctx, keyID)
	if err != nil {
		return 0, err
	}

	kl := k.keyLock(keyID)
	kl.RLock()
	defer kl.RUnlock()
	return key.Status, nil
}

// RotateKey replaces an ACTIVE key with a new key of the next generation. The
// old key becomes DEPRECATED and keeps decrypting until it expires or is
// revoked. Listed clients are notified after the rotation is committed;
// notification failures are logged and never fail the rotation.
func (k *KeyManager) RotateKey(ctx context.Context, oldKeyID, licenseKey string, notifyClients []string) (*interfaces.ManagedKey, error) {
	old, err := k.load(ctx, oldKeyID)
	if err != nil {
		return nil, err
	}

	ml := k.modelLock(old.Metadata.ModelID)
	ml.Lock()
	defer ml.Unlock()

	return k.rotateLocked(ctx, old, licenseKey, 0, notifyClients)
}

// rotateLocked runs a rotation. Caller holds the model lock.
func (k *KeyManager) rotateLocked(ctx context.Context, old *interfaces.ManagedKey, licenseKey string, lifetimeDays int, notifyClients []string) (*interfaces.ManagedKey, error) {
	kl := k.keyLock(old.KeyID)
	kl.Lock()

	switch old.Status {
	case interfaces.KeyStatusActive:
	case interfaces.KeyStatusRevoked:
		kl.Unlock()
		return nil, interfaces.NewKeyError(old.KeyID, interfaces.ErrKeyRevoked)
	case interfaces.KeyStatusExpired:
		kl.Unlock()
		return nil, interfaces.NewKeyError(old.KeyID, interfaces.ErrKeyExpired)
	case interfaces.KeyStatusRotating, interfaces.KeyStatusDeprecated:
		status := old.Status
		kl.Unlock()
		return nil, interfaces.NewKeyError(old.KeyID, fmt.Errorf("%w: cannot rotate %s key", interfaces.ErrInvalidKeyState, status))
	default:
		kl.Unlock()
		panic(fmt.Sprintf("unknown key status %d", int(old.Status)))
	}

	if err := ctx.Err(); err != nil {
		kl.Unlock()
		return nil, err
	}

	if licenseKey == "" {
		licenseKey = old.Metadata.LicenseKey
	}

	if err := k.transition(ctx, old, interfaces.KeyStatusRotating); err != nil {
		kl.Unlock()
		return nil, err
	}

	event := interfaces.KeyRotationEvent{
		EventID:  uuid.NewString(),
		OldKeyID: old.KeyID,
		ModelID:  old.Metadata.ModelID,
	}

	newKey, err := k.issue(ctx, licenseKey, old.Metadata.ModelID, lifetimeDays, old)
	if err != nil {
		// Roll back with a fresh context, the caller's may be the reason for the failure.
		if rbErr := k.transition(context.WithoutCancel(ctx), old, interfaces.KeyStatusActive); rbErr != nil {
			k.log.Error("Failed to roll back rotating key", slog.String("key_id", old.KeyID), "err", rbErr)
		}
		kl.Unlock()

		event.Status = interfaces.RotationFailed
		event.Error = err.Error()
		event.Timestamp = k.now().UTC()
		k.recordEvent(context.WithoutCancel(ctx), event)
		k.metrics.KeyRotated(interfaces.RotationFailed)
		return nil, fmt.Errorf("rotation of key %s failed: %w", old.KeyID, err)
	}

	old.SuccessorKeyID = newKey.KeyID
	if k.policy.DrainPeriod > 0 {
		drainEnd := k.now().UTC().Add(k.policy.DrainPeriod)
		if drainEnd.Before(old.ExpiresAt) {
			old.ExpiresAt = drainEnd
		}
	}
	err = k.transition(ctx, old, interfaces.KeyStatusDeprecated)
	kl.Unlock()
	if err != nil {
		return nil, err
	}

	event.NewKeyID = newKey.KeyID
	event.Status = interfaces.RotationCompleted
	event.Timestamp = k.now().UTC()
	event.NotifiedClients = k.notifyClients(ctx, notifyClients, event)
	k.recordEvent(ctx, event)
	k.metrics.KeyRotated(interfaces.RotationCompleted)

	k.log.Info("Rotated key",
		slog.String("old_key_id", old.KeyID),
		slog.String("new_key_id", newKey.KeyID),
		slog.String("model_id", old.Metadata.ModelID),
		slog.Int("notified", len(event.NotifiedClients)))

	return newKey.Redacted(), nil
}

func (k *KeyManager) notifyClients(ctx context.Context, clients []string, event interfaces.KeyRotationEvent) []string {
	if len(clients) == 0 {
		return nil
	}
	if k.notifier == nil {
		k.log.Warn("No notifier configured, skipping rotation notices", slog.Int("clients", len(clients)))
		return nil
	}

	notified := make([]string, 0, len(clients))
	for _, client := range clients {
		if err := k.notifier.NotifyRotation(ctx, client, event); err != nil {
			k.log.Warn("Failed to notify client of rotation",
				slog.String("client_id", client),
				slog.String("new_key_id", event.NewKeyID),
				"err", err)
			continue
		}
		notified = append(notified, client)
	}
	return notified
}

func (k *KeyManager) recordEvent(ctx context.Context, event interfaces.KeyRotationEvent) {
	if err := k.store.AppendEvent(ctx, event); err != nil {
		k.log.Error("Failed to record rotation event", slog.String("event_id", event.EventID), "err", err)
	}
}

// transition moves key to next and persists it. Caller holds the key write lock.
// On a persistence failure the in-memory status is restored.
func (k *KeyManager) transition(ctx context.Context, key *interfaces.ManagedKey, next interfaces.KeyStatus) error {
	if !key.Status.CanTransitionTo(next) {
		return interfaces.NewKeyError(key.KeyID, fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidKeyState, key.Status, next))
	}

	prev, prevUpdated := key.Status, key.UpdatedAt
	key.Status = next
	key.UpdatedAt = k.now().UTC()
	if err := k.store.Put(ctx, key); err != nil {
		key.Status, key.UpdatedAt = prev, prevUpdated
		return fmt.Errorf("failed to persist key %s: %w", key.KeyID, err)
	}
	return nil
}

// RevokeKey revokes a key immediately and destroys its material. It returns
// false if the key was already revoked or expired. The revocation holds in
// memory even when the keystore cannot be updated; that error is returned
// alongside true.
func (k *KeyManager) RevokeKey(ctx context.Context, keyID, reason string) (bool, error) {
	key, err := k.load(ctx, keyID)
	if err != nil {
		return false, err
	}

	kl := k.keyLock(keyID)
	kl.Lock()
	defer kl.Unlock()

	if key.Status.IsTerminal() {
		return false, nil
	}

	now := k.now().UTC()
	key.Status = interfaces.KeyStatusRevoked
	key.RevokedAt = &now
	key.RevocationReason = reason
	key.UpdatedAt = now
	cryptoutils.Zeroize(key.KeyData)
	key.KeyData = nil

	k.metrics.KeyRevoked()
	k.log.Warn("Revoked key",
		slog.String("key_id", keyID),
		slog.String("model_id", key.Metadata.ModelID),
		slog.String("reason", reason))

	if err := k.dispose(context.WithoutCancel(ctx), key); err != nil {
		return true, err
	}
	return true, nil
}

// dispose wipes stored material and persists the record. Caller holds the key write lock.
func (k *KeyManager) dispose(ctx context.Context, key *interfaces.ManagedKey) error {
	if err := k.store.Wipe(ctx, key.KeyID); err != nil {
		k.log.Error("Failed to wipe stored key material", slog.String("key_id", key.KeyID), "err", err)
		return fmt.Errorf("failed to wipe key %s: %w", key.KeyID, err)
	}
	if err := k.store.Put(ctx, key); err != nil {
		k.log.Error("Failed to persist disposed key", slog.String("key_id", key.KeyID), "err", err)
		return fmt.Errorf("failed to persist key %s: %w", key.KeyID, err)
	}
	return nil
}

// CleanupExpiredKeys disposes of DEPRECATED and EXPIRED keys whose lifetime
// has passed and returns how many keys were cleaned. It waits for in-flight
// UseKey calls on a key before zeroing it.
func (k *KeyManager) CleanupExpiredKeys(ctx context.Context) (int, error) {
	keys, err := k.modelKeys(ctx, "")
	if err != nil {
		return 0, err
	}

	cleaned := 0
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			k.metrics.KeysDisposed(cleaned)
			return cleaned, err
		}

		ok, err := k.cleanupKey(ctx, key)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			cleaned++
		}
	}

	k.metrics.KeysDisposed(cleaned)
	if cleaned > 0 {
		k.log.Info("Cleaned up expired keys", slog.Int("count", cleaned))
	}
	return cleaned, errors.Join(errs...)
}

func (k *KeyManager) cleanupKey(ctx context.Context, key *interfaces.ManagedKey) (bool, error) {
	kl := k.keyLock(key.KeyID)
	kl.Lock()
	defer kl.Unlock()

	switch key.Status {
	case interfaces.KeyStatusDeprecated, interfaces.KeyStatusExpired:
	case interfaces.KeyStatusActive, interfaces.KeyStatusRotating, interfaces.KeyStatusRevoked:
		return false, nil
	default:
		panic(fmt.Sprintf("unknown key status %d", int(key.Status)))
	}

	if !key.IsExpiredAt(k.now()) || key.Disposed() {
		return false, nil
	}

	cryptoutils.Zeroize(key.KeyData)
	key.KeyData = nil
	key.Status = interfaces.KeyStatusExpired
	key.UpdatedAt = k.now().UTC()

	k.log.Debug("Disposed of expired key", slog.String("key_id", key.KeyID))
	return true, k.dispose(ctx, key)
}

// RunCleanupLoop calls CleanupExpiredKeys every interval until ctx is done.
func (k *KeyManager) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.CleanupExpiredKeys(ctx); err != nil && !errors.Is(err, context.Canceled) {
				k.log.Error("Expired key cleanup failed", "err", err)
			}
		}
	}
}

// ListActiveKeys returns the ACTIVE keys of a model, or of all models for an
// empty modelID, without material.
func (k *KeyManager) ListActiveKeys(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error) {
	return k.listKeys(ctx, modelID, func(key *interfaces.ManagedKey) bool {
		return key.Status == interfaces.KeyStatusActive
	})
}

// ListKeys returns every key of a model without material.
func (k *KeyManager) ListKeys(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error) {
	return k.listKeys(ctx, modelID, func(*interfaces.ManagedKey) bool { return true })
}

func (k *KeyManager) listKeys(ctx context.Context, modelID string, keep func(*interfaces.ManagedKey) bool) ([]*interfaces.ManagedKey, error) {
	keys, err := k.modelKeys(ctx, modelID)
	if err != nil {
		return nil, err
	}

	result := make([]*interfaces.ManagedKey, 0, len(keys))
	for _, key := range keys {
		snapshot := k.snapshot(key)
		if keep(snapshot) {
			result = append(result, snapshot)
		}
	}
	return result, nil
}

// GetKey returns a key without material.
func (k *KeyManager) GetKey(ctx context.Context, keyID string) (*interfaces.ManagedKey, error) {
	key, err := k.load(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return k.snapshot(key), nil
}

// GetKeyRotationHistory returns the rotation events of the chain the key belongs to.
func (k *KeyManager) GetKeyRotationHistory(ctx context.Context, keyID string) ([]interfaces.KeyRotationEvent, error) {
	key, err := k.load(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return k.store.Events(ctx, key.Metadata.ModelID)
}

func (k *KeyManager) KeyStatistics(ctx context.Context) (interfaces.KeyStatistics, error) {
	keys, err := k.ListKeys(ctx, "")
	if err != nil {
		return interfaces.KeyStatistics{}, err
	}

	stats := interfaces.KeyStatistics{
		TotalKeys:    len(keys),
		KeysByStatus: make(map[string]int, len(interfaces.AllKeyStatuses)),
	}
	for _, status := range interfaces.AllKeyStatuses {
		stats.KeysByStatus[status.String()] = 0
	}

	models := make(map[string]struct{})
	for _, key := range keys {
		stats.KeysByStatus[key.Status.String()]++
		models[key.Metadata.ModelID] = struct{}{}
		if key.Status.IsTerminal() {
			stats.DisposedKeys++
		}
	}
	stats.Models = len(models)
	return stats, nil
}

func (k *KeyManager) snapshot(key *interfaces.ManagedKey) *interfaces.ManagedKey {
	kl := k.keyLock(key.KeyID)
	kl.RLock()
	defer kl.RUnlock()
	return key.Redacted()
}

// load returns the live record of a key, reading it from the keystore on first use.
func (k *KeyManager) load(ctx context.Context, keyID string) (*interfaces.ManagedKey, error) {
	k.mu.Lock()
	key, ok := k.cache[keyID]
	k.mu.Unlock()
	if ok {
		return key, nil
	}

	stored, err := k.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.cache[keyID]; ok {
		cryptoutils.Zeroize(stored.KeyData)
		return key, nil
	}
	k.cache[keyID] = stored
	return stored, nil
}

// modelKeys returns the live records of a model, or of all models for an empty modelID.
func (k *KeyManager) modelKeys(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error) {
	stored, err := k.store.List(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]*interfaces.ManagedKey, 0, len(stored))
	for _, s := range stored {
		cryptoutils.Zeroize(s.KeyData)
		key, err := k.load(ctx, s.KeyID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (k *KeyManager) keyLock(keyID string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.keyLocks[keyID]
	if !ok {
		l = &sync.RWMutex{}
		k.keyLocks[keyID] = l
	}
	return l
}

func (k *KeyManager) modelLock(modelID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.modelLocks[modelID]
	if !ok {
		l = &sync.Mutex{}
		k.modelLocks[modelID] = l
	}
	return l
}
