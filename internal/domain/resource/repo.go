package resource

import (
	"context"
	"sort"
	"sync"
)

type Repository interface {
	Get(ctx context.Context, connectionID, resourceType, resourceID string) (*Record, error)
	// Save writes r if the stored version still equals expectedVersion (0 for
	// a new record) and bumps r.Version.
	Save(ctx context.Context, r *Record, expectedVersion int64) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)
}

type memoryRepo struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryRepo() Repository {
	return &memoryRepo{records: make(map[string]*Record)}
}

func key(connectionID, resourceType, resourceID string) string {
	return connectionID + "|" + resourceType + "|" + resourceID
}

func (m *memoryRepo) Get(_ context.Context, connectionID, resourceType, resourceID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key(connectionID, resourceType, resourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *memoryRepo) Save(_ context.Context, r *Record, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(r.ConnectionID, r.ResourceType, r.ResourceID)
	current, ok := m.records[k]
	switch {
	case !ok && expectedVersion != 0:
		return ErrVersionConflict
	case ok && current.Version != expectedVersion:
		return ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	m.records[k] = r.clone()
	return nil
}

func (m *memoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*Record
	for _, r := range m.records {
		if f.matches(r) {
			items = append(items, r.clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ResourceType != items[j].ResourceType {
			return items[i].ResourceType < items[j].ResourceType
		}
		return items[i].ResourceID < items[j].ResourceID
	})
	total := len(items)
	if offset >= total {
		return []*Record{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total, nil
}
