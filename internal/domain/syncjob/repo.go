package syncjob

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// ClaimNext atomically moves the highest-priority eligible QUEUED job to
	// RUNNING. It returns nil when the queue has nothing ready.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error)
	// Update writes j only if the stored status is still expected. It never
	// clears a pending cancel request.
	Update(ctx context.Context, j *Job, expected Status) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error)
	ListForStats(ctx context.Context, f ListFilter) ([]*Job, error)
	CountQueued(ctx context.Context) (int, error)
}

type memoryRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
	seq  int64
}

func NewMemoryRepo() Repository {
	return &memoryRepo{jobs: make(map[uuid.UUID]*Job)}
}

func (m *memoryRepo) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return ErrDuplicateJob
	}
	m.seq++
	j.Seq = m.seq
	m.jobs[j.ID] = j.clone()
	return nil
}

func (m *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

func (m *memoryRepo) ClaimNext(_ context.Context, workerID string, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Job
	for _, j := range m.jobs {
		if j.Status != StatusQueued {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || j.Priority > best.Priority || (j.Priority == best.Priority && j.Seq < best.Seq) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	started := now
	best.Status = StatusRunning
	best.ClaimedBy = workerID
	best.CancelRequested = false
	best.StartedAt = &started
	best.CompletedAt = nil
	best.UpdatedAt = now
	return best.clone(), nil
}

func (m *memoryRepo) Update(_ context.Context, j *Job, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrJobNotFound
	}
	if cur.Status != expected {
		return ErrStaleTransition
	}
	cp := j.clone()
	cp.Seq = cur.Seq
	cp.CancelRequested = j.Status == StatusRunning && (cur.CancelRequested || j.CancelRequested)
	m.jobs[j.ID] = cp
	return nil
}

func (m *memoryRepo) RequestCancel(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusRunning {
		return ErrStaleTransition
	}
	j.CancelRequested = true
	return nil
}

func (m *memoryRepo) CancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	return j.CancelRequested, nil
}

func (m *memoryRepo) filtered(f ListFilter) []*Job {
	var out []*Job
	for _, j := range m.jobs {
		if f.matches(j) {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq > out[k].Seq })
	return out
}

func (m *memoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.filtered(f)
	total := len(items)
	if offset >= total {
		return []*Job{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (m *memoryRepo) ListForStats(_ context.Context, f ListFilter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filtered(f), nil
}

func (m *memoryRepo) CountQueued(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusQueued {
			n++
		}
	}
	return n, nil
}
