package artifact

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps archives in process memory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}}
}

func (m *Memory) Store(_ context.Context, projectID string, data []byte) (Reference, error) {
	ref, err := newReference(projectID, data)
	if err != nil {
		return Reference{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[ref.Key]; !ok {
		m.objects[ref.Key] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (m *Memory) Fetch(_ context.Context, ref Reference) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.objects[ref.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.Key, ErrNotFound)
	}
	if err := verify(ref, data); err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Healthy(context.Context) error { return nil }

// corrupt overwrites an object in place; used by tests.
func (m *Memory) corrupt(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}
