package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, c *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	Update(ctx context.Context, c *Connection) error
	ListByUser(ctx context.Context, userID string) ([]*Connection, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Connection, error)
}

type memoryRepo struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

func NewMemoryRepo() Repository {
	return &memoryRepo{conns: make(map[uuid.UUID]*Connection)}
}

func (m *memoryRepo) activeConflict(c *Connection) bool {
	if c.Status != StatusActive {
		return false
	}
	for _, other := range m.conns {
		if other.ID != c.ID && other.Status == StatusActive && other.UserID == c.UserID && other.Provider == c.Provider {
			return true
		}
	}
	return false
}

func (m *memoryRepo) Create(_ context.Context, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeConflict(c) {
		return ErrActiveConnectionExists
	}
	cp := *c
	m.conns[c.ID] = &cp
	return nil
}

func (m *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memoryRepo) Update(_ context.Context, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.ID]; !ok {
		return ErrNotFound
	}
	if m.activeConflict(c) {
		return ErrActiveConnectionExists
	}
	cp := *c
	m.conns[c.ID] = &cp
	return nil
}

func (m *memoryRepo) ListByUser(_ context.Context, userID string) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for _, c := range m.conns {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for _, c := range m.conns {
		if c.Status == StatusActive && c.NextSyncAt != nil && !c.NextSyncAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextSyncAt.Before(*out[j].NextSyncAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
