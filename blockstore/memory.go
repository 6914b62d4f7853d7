package blockstore

import (
	"context"
	"sync"

	"github.com/ruteri/secure-model-distribution/interfaces"
)

type memoryKey struct {
	id          interfaces.ContentID
	contentType interfaces.ContentType
}

// MemoryBackend keeps content in process memory. Used by memory:// locations and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	content map[memoryKey][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{content: make(map[memoryKey][]byte)}
}

func (b *MemoryBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.content[memoryKey{id, contentType}]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.content[memoryKey{id, contentType}] = append([]byte(nil), data...)
	return id, nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool { return true }

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) LocationURI() string { return "memory://" }
