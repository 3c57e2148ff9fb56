package audit

import (
	"context"
	"sort"
	"sync"
)

// Repository is append-only: there is no update or delete path.
type Repository interface {
	Append(ctx context.Context, events ...*Event) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error)
	ListForStats(ctx context.Context, f Filter) ([]*Event, error)
}

type memoryRepo struct {
	mu     sync.RWMutex
	events []*Event
}

func NewMemoryRepo() Repository {
	return &memoryRepo{}
}

func (m *memoryRepo) Append(_ context.Context, events ...*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		cp := *e
		m.events = append(m.events, &cp)
	}
	return nil
}

func (m *memoryRepo) filtered(f Filter) []*Event {
	var out []*Event
	for _, e := range m.events {
		if f.matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out
}

func (m *memoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.filtered(f)
	total := len(all)
	if offset >= total {
		return []*Event{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memoryRepo) ListForStats(_ context.Context, f Filter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filtered(f), nil
}
