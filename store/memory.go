package store

import (
	"context"
	"sync"
)

// Memory is an in-process store, used in tests and with STORE_BACKEND=memory.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory returns a store seeded with the given values.
func NewMemory(seed map[string]string) *Memory {
	m := &Memory{data: make(map[string]string, len(seed))}
	for k, v := range seed {
		m.data[k] = v
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key], nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Snapshot copies the current contents.
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}
