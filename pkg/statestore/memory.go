package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryBridge is an in-process Bridge for local runs and tests
type MemoryBridge struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBridge creates an empty MemoryBridge
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{objects: make(map[string][]byte)}
}

// Put stores a JSON copy of v
func (m *MemoryBridge) Put(ctx context.Context, correlationID, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ObjectKey(correlationID, key)] = data
	return nil
}

// Get decodes the stored value into v
func (m *MemoryBridge) Get(ctx context.Context, correlationID, key string, v interface{}) error {
	objectKey := ObjectKey(correlationID, key)
	m.mu.RLock()
	data, ok := m.objects[objectKey]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", objectKey, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// Keys lists the stored keys of a run in order
func (m *MemoryBridge) Keys(correlationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := correlationID + "/"
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(keys)
	return keys
}
