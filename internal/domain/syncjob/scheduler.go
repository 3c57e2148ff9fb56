package syncjob

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/domain/connection"
)

const (
	DefaultScheduleInterval = time.Minute
	scheduleBatch           = 100
)

// DueConnections is the part of the connection service the scheduler needs.
type DueConnections interface {
	ListDue(ctx context.Context, limit int) ([]*connection.Connection, error)
	ScheduleNext(ctx context.Context, c *connection.Connection) error
}

// Scheduler queues an incremental pull for every connection whose sync
// frequency has elapsed.
type Scheduler struct {
	svc      *Service
	conns    DueConnections
	interval time.Duration
	logger   zerolog.Logger
}

func NewScheduler(svc *Service, conns DueConnections, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultScheduleInterval
	}
	return &Scheduler{
		svc:      svc,
		conns:    conns,
		interval: interval,
		logger:   logger.With().Str("component", "sync-scheduler").Logger(),
	}
}

// Start ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Msg("sync scheduler started")
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sync scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick queues jobs for due connections and refreshes the queue gauge. It
// returns the number of jobs queued.
func (s *Scheduler) Tick(ctx context.Context) int {
	defer s.svc.RefreshQueueDepth(ctx)
	due, err := s.conns.ListDue(ctx, scheduleBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list due connections")
		return 0
	}
	queued := 0
	priority := PriorityNormal
	for _, c := range due {
		job, err := s.svc.CreateJob(ctx, CreateRequest{
			Type:         TypeIncrementalSync,
			Direction:    DirectionPull,
			Priority:     &priority,
			Provider:     c.Provider,
			ConnectionID: c.ID.String(),
			PatientID:    c.PatientID,
		}, OriginScheduler)
		if err != nil {
			s.logger.Error().Err(err).Str("connection_id", c.ID.String()).Msg("failed to queue scheduled sync")
			continue
		}
		if err := s.conns.ScheduleNext(ctx, c); err != nil {
			s.logger.Error().Err(err).Str("connection_id", c.ID.String()).Msg("failed to advance next sync")
		}
		queued++
		s.logger.Debug().Str("connection_id", c.ID.String()).Str("job_id", job.ID.String()).Msg("scheduled sync queued")
	}
	return queued
}
