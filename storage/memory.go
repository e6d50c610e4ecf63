package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/activity-flow/types"
)

// MemoryStorage keeps snapshots in process memory.
type MemoryStorage struct {
	definitions map[string]types.DefinitionRecord
	instances   map[uint64]types.InstanceRecord
	mu          sync.RWMutex
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.DefinitionRecord),
		instances:   make(map[uint64]types.InstanceRecord),
	}
}

func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, key K) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[key]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: key=%v", ErrNotFound, key)
		}
		return item, nil
	})
}

// SaveDefinition implements Storage.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, rec types.DefinitionRecord) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("invalid definition record: %w", err)
	}
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[rec.Name] = rec
		return nil
	})
}

// GetDefinition implements Storage.
func (s *MemoryStorage) GetDefinition(ctx context.Context, name string) (types.DefinitionRecord, error) {
	return getItem(ctx, &s.mu, s.definitions, name)
}

// SaveInstance implements Storage.
func (s *MemoryStorage) SaveInstance(ctx context.Context, rec types.InstanceRecord) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("invalid instance record: %w", err)
	}
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[rec.ID] = rec
		return nil
	})
}

// GetInstance implements Storage.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.InstanceRecord, error) {
	return getItem(ctx, &s.mu, s.instances, id)
}

// ClearCompleted implements Storage.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, rec := range s.instances {
			if rec.Completed {
				delete(s.instances, id)
			}
		}
		return nil
	})
}
