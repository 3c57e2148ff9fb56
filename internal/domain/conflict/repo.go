package conflict

import (
	"context"
	"sort"
	"sync"
)

// Repository persists conflict records. There is no update or delete path.
type Repository interface {
	Append(ctx context.Context, r *Record) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)
	ListForStats(ctx context.Context, f Filter) ([]*Record, error)
}

type memoryRepo struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryRepo returns an in-process Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{}
}

func (m *memoryRepo) Append(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *memoryRepo) filtered(f Filter) []*Record {
	var out []*Record
	for _, r := range m.records {
		if f.matches(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	// Newest first, like the SQL listing.
	sort.SliceStable(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	return out
}

func (m *memoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.filtered(f)
	total := len(all)
	if offset >= total {
		return []*Record{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memoryRepo) ListForStats(_ context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filtered(f), nil
}
