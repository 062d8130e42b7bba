package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

type mockStorageRepo struct {
	mu       sync.Mutex
	storages map[string]*quote.Storage

	GetErr error
	// AfterGet runs after a lookup by type, outside the lock
	AfterGet      func()
	deactivations []time.Time
}

func newMockStorageRepo(storages ...*quote.Storage) *mockStorageRepo {
	m := &mockStorageRepo{storages: make(map[string]*quote.Storage)}
	for _, s := range storages {
		m.storages[s.Type] = s
	}
	return m
}

func (m *mockStorageRepo) CreateStorage(ctx context.Context, s *quote.Storage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.storages[s.Type]; ok {
		return fmt.Errorf("insert storage %s: %w", s.Type, quote.ErrBackendExists)
	}
	s.ID = "id-" + s.Type
	m.storages[s.Type] = s
	return nil
}

func (m *mockStorageRepo) ReactivateStorage(ctx context.Context, s *quote.Storage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storages[s.Type] = s
	return nil
}

func (m *mockStorageRepo) GetStorageByType(ctx context.Context, typ string) (*quote.Storage, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if m.AfterGet != nil {
		defer m.AfterGet()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storages[typ], nil
}

func (m *mockStorageRepo) ListStorages(ctx context.Context, activeOnly bool) ([]quote.Storage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []quote.Storage
	for _, s := range m.storages {
		if !activeOnly || s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockStorageRepo) DeactivateStorages(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivations = append(m.deactivations, olderThan)
	var n int64
	for _, s := range m.storages {
		if s.Active && !s.CreatedAt.After(olderThan) {
			s.Active = false
			n++
		}
	}
	return n, nil
}

func (m *mockStorageRepo) sweeps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deactivations)
}
