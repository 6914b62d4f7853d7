package keystore

import (
	"context"
	"sort"
	"sync"

	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// MemoryKeystore keeps records in process memory. Nothing survives a restart.
type MemoryKeystore struct {
	mu     sync.RWMutex
	keys   map[string]*interfaces.ManagedKey
	events map[string][]interfaces.KeyRotationEvent
}

func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{
		keys:   make(map[string]*interfaces.ManagedKey),
		events: make(map[string][]interfaces.KeyRotationEvent),
	}
}

func (m *MemoryKeystore) Get(ctx context.Context, keyID string) (*interfaces.ManagedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[keyID]
	if !ok {
		return nil, interfaces.NewKeyError(keyID, interfaces.ErrKeyNotFound)
	}
	return key.Clone(), nil
}

func (m *MemoryKeystore) Put(ctx context.Context, key *interfaces.ManagedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.keys[key.KeyID]; ok {
		cryptoutils.Zeroize(old.KeyData)
	}
	m.keys[key.KeyID] = key.Clone()
	return nil
}

func (m *MemoryKeystore) Delete(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.keys[keyID]; ok {
		cryptoutils.Zeroize(old.KeyData)
		delete(m.keys, keyID)
	}
	return nil
}

func (m *MemoryKeystore) List(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]*interfaces.ManagedKey, 0, len(m.keys))
	for _, key := range m.keys {
		if modelID == "" || key.Metadata.ModelID == modelID {
			keys = append(keys, key.Clone())
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (m *MemoryKeystore) Wipe(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[keyID]
	if !ok {
		return interfaces.NewKeyError(keyID, interfaces.ErrKeyNotFound)
	}
	cryptoutils.Zeroize(key.KeyData)
	key.KeyData = nil
	return nil
}

func (m *MemoryKeystore) AppendEvent(ctx context.Context, event interfaces.KeyRotationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[event.ModelID] = append(m.events[event.ModelID], event)
	return nil
}

func (m *MemoryKeystore) Events(ctx context.Context, modelID string) ([]interfaces.KeyRotationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]interfaces.KeyRotationEvent(nil), m.events[modelID]...), nil
}

func (m *MemoryKeystore) Name() string {
	return "memory"
}

// sortKeys orders keys by model and rotation generation.
func sortKeys(keys []*interfaces.ManagedKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Metadata.ModelID != keys[j].Metadata.ModelID {
			return keys[i].Metadata.ModelID < keys[j].Metadata.ModelID
		}
		if keys[i].RotationGeneration != keys[j].RotationGeneration {
			return keys[i].RotationGeneration < keys[j].RotationGeneration
		}
		return keys[i].KeyID < keys[j].KeyID
	})
}
