package syncjob

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers      = 4
	DefaultPollInterval = time.Second
)

// WorkerPool runs queued jobs on a fixed number of goroutines.
type WorkerPool struct {
	svc          *Service
	size         int
	pollInterval time.Duration
	name         string
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool of size workers. name prefixes the worker ids
// recorded on claimed jobs.
func NewWorkerPool(svc *Service, name string, size int, pollInterval time.Duration, logger zerolog.Logger) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &WorkerPool{
		svc:          svc,
		size:         size,
		pollInterval: pollInterval,
		name:         name,
		logger:       logger.With().Str("component", "sync-worker").Logger(),
	}
}

// Start blocks until ctx is cancelled. A job in flight at shutdown is
// re-queued by the service without spending an attempt.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.logger.Info().Int("workers", p.size).Dur("poll_interval", p.pollInterval).Msg("sync workers started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := fmt.Sprintf("%s-%d", p.name, i)
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info().Msg("sync workers stopped")
	return err
}

func (p *WorkerPool) loop(ctx context.Context, workerID string) {
	for {
		ran, err := p.svc.RunNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Str("worker", workerID).Msg("sync worker error")
		}
		if ran && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}
