// Package bulkexport drives vendor bulk data exports from initiation through
// download and tracks each export as a persisted job.
package bulkexport

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/holovitals/ehrsync/internal/ehr"
)

var ErrNotFound = errors.New("bulk export job not found")

type Repository interface {
	Create(ctx context.Context, j *ehr.BulkExportJob) error
	Update(ctx context.Context, j *ehr.BulkExportJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*ehr.BulkExportJob, error)
	ListBySyncJob(ctx context.Context, syncJobID uuid.UUID) ([]*ehr.BulkExportJob, error)
}

type memoryRepo struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*ehr.BulkExportJob
}

func NewMemoryRepo() Repository {
	return &memoryRepo{jobs: make(map[uuid.UUID]*ehr.BulkExportJob)}
}

func clone(j *ehr.BulkExportJob) *ehr.BulkExportJob {
	cp := *j
	cp.OutputFiles = append([]ehr.ExportFile(nil), j.OutputFiles...)
	return &cp
}

func (m *memoryRepo) Create(_ context.Context, j *ehr.BulkExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = clone(j)
	return nil
}

func (m *memoryRepo) Update(_ context.Context, j *ehr.BulkExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[j.ID] = clone(j)
	return nil
}

func (m *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*ehr.BulkExportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

func (m *memoryRepo) ListBySyncJob(_ context.Context, syncJobID uuid.UUID) ([]*ehr.BulkExportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ehr.BulkExportJob
	for _, j := range m.jobs {
		if j.SyncJobID != nil && *j.SyncJobID == syncJobID {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out, nil
}
