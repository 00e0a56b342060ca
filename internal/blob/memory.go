package blob

import (
	"context"
	"sync"
)

// MemoryStore keeps objects in process memory. It backs development setups
// without an object store and the service tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(_ context.Context, data []byte, ext string) (Object, error) {
	if len(data) == 0 {
		return Object{}, ErrEmpty
	}
	hash := Fingerprint(data)
	key := objectKey(hash, ext)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return Object{URL: "memory://" + key, Key: key, Hash: hash, Reused: true}, nil
	}
	m.objects[key] = append([]byte(nil), data...)
	m.puts++
	return Object{URL: "memory://" + key, Key: key, Hash: hash}, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Writes reports how many physical objects were written.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
