package kms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
	"github.com/ruteri/secure-model-distribution/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHardwareBinder struct {
	mock.Mock
}

func (m *MockHardwareBinder) CurrentFingerprint(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

type MockClientNotifier struct {
	mock.Mock
}

func (m *MockClientNotifier) NotifyRotation(ctx context.Context, clientID string, event interfaces.KeyRotationEvent) error {
	args := m.Called(ctx, clientID, event)
	return args.Error(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticBinder string

func (s staticBinder) CurrentFingerprint(context.Context) (string, error) {
	return string(s), nil
}

func newTestManager(t *testing.T, opts ...Option) (*KeyManager, *keystore.MemoryKeystore, *fakeClock) {
	t.Helper()
	store := keystore.NewMemoryKeystore()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewKeyManager(store, staticBinder("node-a"), log, opts...), store, clock
}

func useMaterial(t *testing.T, km *KeyManager, keyID string, purpose KeyPurpose) error {
	t.Helper()
	return km.UseKey(context.Background(), keyID, purpose, func(material []byte) error {
		require.Len(t, material, cryptoutils.KeySize)
		return nil
	})
}

func TestKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	km, store, clock := newTestManager(t)

	k1, err := km.GenerateHardwareBoundKey(ctx, "license-1", "m1", 0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusActive, k1.Status)
	assert.Equal(t, 1, k1.RotationGeneration)
	assert.Equal(t, "node-a", k1.HardwareFingerprint)
	assert.Equal(t, clock.Now().AddDate(0, 0, 90), k1.ExpiresAt)
	assert.Empty(t, k1.KeyData, "returned keys never carry material")
	assert.True(t, km.ValidateHardwareBinding(ctx, k1.KeyID))

	t.Run("rotation keeps predecessor decryptable", func(t *testing.T) {
		k2, err := km.RotateKey(ctx, k1.KeyID, "", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, k2.RotationGeneration)
		assert.Equal(t, k1.KeyID, k2.PredecessorKeyID)
		assert.Equal(t, "license-1", k2.Metadata.LicenseKey)

		old, err := km.GetKey(ctx, k1.KeyID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.KeyStatusDeprecated, old.Status)
		assert.Equal(t, k2.KeyID, old.SuccessorKeyID)

		require.NoError(t, useMaterial(t, km, k1.KeyID, PurposeDecrypt))
		require.NoError(t, useMaterial(t, km, k2.KeyID, PurposeEncrypt))

		active, err := km.ListActiveKeys(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, k2.KeyID, active[0].KeyID)

		history, err := km.GetKeyRotationHistory(ctx, k2.KeyID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, interfaces.RotationCompleted, history[0].Status)
		assert.Equal(t, k1.KeyID, history[0].OldKeyID)
		assert.Equal(t, k2.KeyID, history[0].NewKeyID)

		t.Run("revocation is immediate", func(t *testing.T) {
			revoked, err := km.RevokeKey(ctx, k2.KeyID, "compromise")
			require.NoError(t, err)
			assert.True(t, revoked)

			err = useMaterial(t, km, k2.KeyID, PurposeEncrypt)
			assert.ErrorIs(t, err, interfaces.ErrKeyRevoked)
			err = useMaterial(t, km, k2.KeyID, PurposeDecrypt)
			assert.ErrorIs(t, err, interfaces.ErrKeyRevoked)
			assert.False(t, km.ValidateHardwareBinding(ctx, k2.KeyID))

			stored, err := store.Get(ctx, k2.KeyID)
			require.NoError(t, err)
			assert.Empty(t, stored.KeyData)
			assert.Equal(t, interfaces.KeyStatusRevoked, stored.Status)
			assert.Equal(t, "compromise", stored.RevocationReason)
			require.NotNil(t, stored.RevokedAt)

			again, err := km.RevokeKey(ctx, k2.KeyID, "again")
			require.NoError(t, err)
			assert.False(t, again)
		})
	})

	t.Run("cleanup disposes of deprecated keys past expiry", func(t *testing.T) {
		cleaned, err := km.CleanupExpiredKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, cleaned)

		clock.Advance(91 * 24 * time.Hour)

		cleaned, err = km.CleanupExpiredKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, cleaned)

		key, err := km.GetKey(ctx, k1.KeyID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.KeyStatusExpired, key.Status)

		km.mu.Lock()
		live := km.cache[k1.KeyID]
		km.mu.Unlock()
		assert.Empty(t, live.KeyData)

		stored, err := store.Get(ctx, k1.KeyID)
		require.NoError(t, err)
		assert.Empty(t, stored.KeyData)

		assert.ErrorIs(t, useMaterial(t, km, k1.KeyID, PurposeDecrypt), interfaces.ErrKeyExpired)

		cleaned, err = km.CleanupExpiredKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, cleaned, "disposal happens once")
	})

	stats, err := km.KeyStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalKeys)
	assert.Equal(t, 1, stats.Models)
	assert.Equal(t, 1, stats.KeysByStatus["expired"])
	assert.Equal(t, 1, stats.KeysByStatus["revoked"])
	assert.Equal(t, 2, stats.DisposedKeys)
}

func TestGenerateWithActiveKeySucceedsIt(t *testing.T) {
	ctx := context.Background()
	km, _, _ := newTestManager(t)

	k1, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 30)
	require.NoError(t, err)
	k2, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 30)
	require.NoError(t, err)

	assert.Equal(t, 2, k2.RotationGeneration)
	assert.Equal(t, k1.KeyID, k2.PredecessorKeyID)

	active, err := km.ListActiveKeys(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, k2.KeyID, active[0].KeyID)

	t.Run("chain without active head continues", func(t *testing.T) {
		_, err := km.RevokeKey(ctx, k2.KeyID, "test")
		require.NoError(t, err)

		k3, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 30)
		require.NoError(t, err)
		assert.Equal(t, 3, k3.RotationGeneration)
		assert.Equal(t, k2.KeyID, k3.PredecessorKeyID)
	})

	t.Run("models are independent", func(t *testing.T) {
		other, err := km.GenerateHardwareBoundKey(ctx, "l", "m2", 30)
		require.NoError(t, err)
		assert.Equal(t, 1, other.RotationGeneration)

		all, err := km.ListActiveKeys(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	_, err = km.GenerateHardwareBoundKey(ctx, "l", "", 30)
	assert.Error(t, err)
}

func TestRotateKeyFailures(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("rollback when issuing fails", func(t *testing.T) {
		binder := new(MockHardwareBinder)
		binder.On("CurrentFingerprint", mock.Anything).Return("node-a", nil).Once()
		binder.On("CurrentFingerprint", mock.Anything).Return("", errors.New("device unavailable")).Once()
		binder.On("CurrentFingerprint", mock.Anything).Return("node-a", nil)

		store := keystore.NewMemoryKeystore()
		km := NewKeyManager(store, binder, log)

		k1, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
		require.NoError(t, err)

		_, err = km.RotateKey(ctx, k1.KeyID, "l", nil)
		require.Error(t, err)

		key, err := km.GetKey(ctx, k1.KeyID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.KeyStatusActive, key.Status)
		assert.Empty(t, key.SuccessorKeyID)

		events, err := km.GetKeyRotationHistory(ctx, k1.KeyID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, interfaces.RotationFailed, events[0].Status)
		assert.Contains(t, events[0].Error, "device unavailable")

		require.NoError(t, useMaterial(t, km, k1.KeyID, PurposeEncrypt))
		binder.AssertExpectations(t)
	})

	t.Run("only active keys rotate", func(t *testing.T) {
		km, _, _ := newTestManager(t)
		k1, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
		require.NoError(t, err)
		_, err = km.RotateKey(ctx, k1.KeyID, "l", nil)
		require.NoError(t, err)

		_, err = km.RotateKey(ctx, k1.KeyID, "l", nil)
		assert.ErrorIs(t, err, interfaces.ErrInvalidKeyState)

		_, err = km.RevokeKey(ctx, k1.KeyID, "r")
		require.NoError(t, err)
		_, err = km.RotateKey(ctx, k1.KeyID, "l", nil)
		assert.ErrorIs(t, err, interfaces.ErrKeyRevoked)

		_, err = km.RotateKey(ctx, "missing", "l", nil)
		assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		km, _, _ := newTestManager(t)
		k1, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = km.RotateKey(cancelled, k1.KeyID, "l", nil)
		assert.ErrorIs(t, err, context.Canceled)

		key, err := km.GetKey(ctx, k1.KeyID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.KeyStatusActive, key.Status)
	})
}

func TestRotationNotificationsAreBestEffort(t *testing.T) {
	ctx := context.Background()
	notifier := new(MockClientNotifier)
	notifier.On("NotifyRotation", mock.Anything, "client-1", mock.Anything).Return(nil)
	notifier.On("NotifyRotation", mock.Anything, "client-2", mock.Anything).Return(errors.New("unreachable"))

	km, _, _ := newTestManager(t, WithNotifier(notifier))
	k1, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
	require.NoError(t, err)

	k2, err := km.RotateKey(ctx, k1.KeyID, "l", []string{"client-1", "client-2"})
	require.NoError(t, err)

	events, err := km.GetKeyRotationHistory(ctx, k2.KeyID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"client-1"}, events[0].NotifiedClients)
	notifier.AssertNumberOfCalls(t, "NotifyRotation", 2)
}

func TestHardwareBinding(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := keystore.NewMemoryKeystore()

	issuer := NewKeyManager(store, staticBinder("node-a"), log)
	key, err := issuer.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		binder  interfaces.HardwareBinder
		keyID   string
		wantErr error
	}{
		{name: "same machine", binder: staticBinder("node-a"), keyID: key.KeyID},
		{name: "other machine", binder: staticBinder("node-b"), keyID: key.KeyID, wantErr: interfaces.ErrHardwareMismatch},
		{name: "unknown key", binder: staticBinder("node-a"), keyID: "nope", wantErr: interfaces.ErrKeyNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			km := NewKeyManager(store, tc.binder, log)
			err := km.CheckBinding(ctx, tc.keyID)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				assert.True(t, km.ValidateHardwareBinding(ctx, tc.keyID))
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
			assert.False(t, km.ValidateHardwareBinding(ctx, tc.keyID))

			var keyErr *interfaces.KeyError
			require.ErrorAs(t, err, &keyErr)
			assert.Equal(t, tc.keyID, keyErr.KeyID)
		})
	}

	t.Run("lifetime elapsed", func(t *testing.T) {
		clock := &fakeClock{now: time.Now().AddDate(0, 0, 91)}
		km := NewKeyManager(store, staticBinder("node-a"), log, WithClock(clock.Now))
		assert.ErrorIs(t, km.CheckBinding(ctx, key.KeyID), interfaces.ErrKeyExpired)
		// still decryptable until cleaned up
		assert.NoError(t, useMaterial(t, km, key.KeyID, PurposeDecrypt))
	})
}

func TestUseKeyZeroesCopy(t *testing.T) {
	ctx := context.Background()
	km, _, _ := newTestManager(t)
	key, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
	require.NoError(t, err)

	var leaked []byte
	err = km.UseKey(ctx, key.KeyID, PurposeEncrypt, func(material []byte) error {
		assert.False(t, cryptoutils.IsZeroized(material))
		leaked = material
		return nil
	})
	require.NoError(t, err)
	assert.True(t, cryptoutils.IsZeroized(leaked))

	sentinel := errors.New("callback failed")
	err = km.UseKey(ctx, key.KeyID, PurposeDecrypt, func([]byte) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestDrainPeriodShortensDeprecatedLifetime(t *testing.T) {
	ctx := context.Background()
	km, _, clock := newTestManager(t, WithPolicy(KeyPolicy{DefaultLifetimeDays: 90, DrainPeriod: 48 * time.Hour}))

	k1, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
	require.NoError(t, err)
	_, err = km.RotateKey(ctx, k1.KeyID, "l", nil)
	require.NoError(t, err)

	old, err := km.GetKey(ctx, k1.KeyID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(48*time.Hour), old.ExpiresAt)

	clock.Advance(49 * time.Hour)
	cleaned, err := km.CleanupExpiredKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
}

func TestKeyManagerReloadsFromKeystore(t *testing.T) {
	ctx := context.Background()
	km, store, _ := newTestManager(t)
	k1, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
	require.NoError(t, err)
	_, err = km.RotateKey(ctx, k1.KeyID, "l", nil)
	require.NoError(t, err)

	restarted := NewKeyManager(store, staticBinder("node-a"), slog.New(slog.NewTextHandler(io.Discard, nil)))

	key, err := restarted.GetKey(ctx, k1.KeyID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusDeprecated, key.Status)
	require.NoError(t, useMaterial(t, restarted, k1.KeyID, PurposeDecrypt))

	active, err := restarted.ListActiveKeys(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestConcurrentUseAndRevoke(t *testing.T) {
	ctx := context.Background()
	km, _, _ := newTestManager(t)
	key, err := km.GenerateHardwareBoundKey(ctx, "l", "m1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := km.UseKey(ctx, key.KeyID, PurposeDecrypt, func(material []byte) error {
				if cryptoutils.IsZeroized(material) {
					return errors.New("material zeroed while in use")
				}
				return nil
			})
			if err != nil {
				assert.ErrorIs(t, err, interfaces.ErrKeyRevoked)
			}
		}()
	}

	revoked, err := km.RevokeKey(ctx, key.KeyID, "race")
	require.NoError(t, err)
	assert.True(t, revoked)
	wg.Wait()

	assert.ErrorIs(t, useMaterial(t, km, key.KeyID, PurposeDecrypt), interfaces.ErrKeyRevoked)
}
