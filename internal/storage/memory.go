package storage

import (
	"context"
	"sync"

	"github.com/decen-ai/platform-backend/internal/models"
)

// MemoryArtifactStore is an in-memory ArtifactStore for tests and local
// development.
type MemoryArtifactStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArtifactStore creates an empty in-memory artifact store.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{objects: make(map[string][]byte)}
}

func (m *MemoryArtifactStore) Put(ctx context.Context, data []byte) (string, error) {
	cid := ComputeCID(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[cid]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.objects[cid] = cp
	}
	return cid, nil
}

func (m *MemoryArtifactStore) Get(ctx context.Context, cid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[cid]
	if !ok {
		return nil, models.ErrArtifactNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
