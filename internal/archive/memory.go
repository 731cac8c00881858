package archive

import (
	"context"
	"fmt"
	"sync"
)

type memoryObjects struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func newMemoryObjects(prefix string) *memoryObjects {
	return &memoryObjects{prefix: normalizePrefix(prefix), objects: make(map[string][]byte)}
}

func (m *memoryObjects) Put(_ context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, key)] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *memoryObjects) Get(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.objects[joinPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *memoryObjects) Exists(_ context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[joinPrefix(m.prefix, key)]
	m.mu.RUnlock()
	return ok, nil
}
