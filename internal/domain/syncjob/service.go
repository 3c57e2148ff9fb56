package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/domain/audit"
	"github.com/holovitals/ehrsync/internal/domain/bulkexport"
	"github.com/holovitals/ehrsync/internal/domain/connection"
	"github.com/holovitals/ehrsync/internal/domain/resource"
	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/metrics"
)

var (
	ErrJobNotCancellable = errors.New("only QUEUED or RUNNING jobs can be cancelled")
	ErrJobNotRetryable   = errors.New("only FAILED jobs can be retried")
)

// Connections is the slice of the connection service the orchestrator uses.
type Connections interface {
	GetByRef(ctx context.Context, ref string) (*connection.Connection, error)
	RefreshToken(ctx context.Context, c *connection.Connection, connector ehr.Connector) (*connection.Connection, error)
	MarkSynced(ctx context.Context, ref string, at time.Time) error
}

// ConnectorSource builds connectors. *ehr.Factory satisfies it.
type ConnectorSource interface {
	Connector(t ehr.Target) (ehr.Connector, error)
}

// Merger writes fetched resources. *resource.Merger satisfies it.
type Merger interface {
	Apply(ctx context.Context, u resource.Update) (*resource.Result, error)
}

// Exporter runs vendor bulk exports. *bulkexport.Runner satisfies it.
type Exporter interface {
	Run(ctx context.Context, connector ehr.Connector, req bulkexport.Request, sink bulkexport.Sink) (*ehr.BulkExportJob, error)
}

// AuditRecorder appends audit events. *audit.Service satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, evs ...*audit.Event) error
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Connections Connections
	Connectors  ConnectorSource
	Merger      Merger
	Resources   resource.Repository
	Exporter    Exporter
	Audit       AuditRecorder
}

type Service struct {
	repo        Repository
	deps        Deps
	locker      Locker
	retry       RetryPolicy
	maxAttempts int
	logger      zerolog.Logger
	now         func() time.Time
}

type Option func(*Service)

// WithLocker replaces the in-process per-key lock.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithRetryPolicy sets the backoff used for re-queued jobs.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithMaxAttempts bounds automatic attempts per job.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, deps Deps, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		deps:        deps,
		locker:      NewKeyedMutex(),
		retry:       DefaultRetryPolicy(),
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With().Str("component", "sync").Logger(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) newJob(req CreateRequest, origin Origin) *Job {
	now := s.now().UTC()
	id := uuid.New()
	if req.JobID != nil && *req.JobID != uuid.Nil {
		id = *req.JobID
	}
	priority := PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	return &Job{
		ID:           id,
		Type:         req.Type,
		Direction:    req.Direction,
		Priority:     priority,
		Origin:       origin,
		Provider:     req.Provider,
		ConnectionID: req.ConnectionID,
		PatientID:    req.PatientID,
		ResourceType: req.ResourceType,
		ResourceIDs:  req.ResourceIDs,
		Filters:      req.Filters,
		Options:      req.Options,
		MaxAttempts:  s.maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CreateJob validates req and persists a QUEUED job. Execution happens
// asynchronously on the worker pool.
func (s *Service) CreateJob(ctx context.Context, req CreateRequest, origin Origin) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	j := s.newJob(req, origin)
	j.Status = StatusQueued
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}
	metrics.SyncJobsCreated.WithLabelValues(string(j.Type), string(origin)).Inc()
	s.recordTransition(ctx, j, "", StatusQueued, "job created")
	return j, nil
}

// CreateFailedJob persists a job that failed before it could be queued so
// that the failure stays visible.
func (s *Service) CreateFailedJob(ctx context.Context, req CreateRequest, origin Origin, cause error) (*Job, error) {
	j := s.newJob(req, origin)
	if j.Type == "" {
		j.Type = TypeSingleResource
	}
	if j.Direction == "" {
		j.Direction = DirectionPull
	}
	now := j.CreatedAt
	j.Status = StatusFailed
	j.ErrorKind = ehr.KindOf(cause)
	j.ErrorMessage = cause.Error()
	j.CompletedAt = &now
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}
	metrics.SyncJobsCreated.WithLabelValues(string(j.Type), string(origin)).Inc()
	metrics.SyncJobsFinished.WithLabelValues(string(StatusFailed), string(j.Provider)).Inc()
	s.recordTransition(ctx, j, "", StatusFailed, j.ErrorMessage)
	return j, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// CancelJob cancels a QUEUED job at once. A RUNNING job is flagged and stops
// at its next resource boundary.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	for attempt := 0; attempt < 2; attempt++ {
		j, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		switch j.Status {
		case StatusQueued:
			now := s.now().UTC()
			j.CompletedAt = &now
			j.NextAttemptAt = nil
			err := s.transition(ctx, j, StatusCancelled, "cancelled before start")
			if errors.Is(err, ErrStaleTransition) {
				continue
			}
			if err != nil {
				return nil, err
			}
			metrics.SyncJobsFinished.WithLabelValues(string(StatusCancelled), string(j.Provider)).Inc()
			return j, nil
		case StatusRunning:
			err := s.repo.RequestCancel(ctx, id)
			if errors.Is(err, ErrStaleTransition) {
				continue
			}
			if err != nil {
				return nil, err
			}
			j.CancelRequested = true
			s.jobLogger(j).Info().Msg("cancellation requested for running job")
			return j, nil
		default:
			return j, ErrJobNotCancellable
		}
	}
	return nil, ErrStaleTransition
}

// RetryJob re-queues a FAILED job. Manual retries are counted separately and
// restore the full automatic attempt budget.
func (s *Service) RetryJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusFailed {
		return j, ErrJobNotRetryable
	}
	j.ManualRetryCount++
	j.RetryCount = 0
	j.RateLimitHits = 0
	j.NextAttemptAt = nil
	j.ErrorKind = ""
	j.ErrorMessage = ""
	j.CompletedAt = nil
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = s.maxAttempts
	}
	if err := s.transition(ctx, j, StatusQueued, "manual retry"); err != nil {
		return nil, err
	}
	metrics.SyncJobRetries.WithLabelValues("manual").Inc()
	return j, nil
}

// Statistics aggregates jobs matching f.
func (s *Service) Statistics(ctx context.Context, f ListFilter) (Statistics, error) {
	jobs, err := s.repo.ListForStats(ctx, f)
	if err != nil {
		return Statistics{}, err
	}
	return Summarize(jobs), nil
}

// RefreshQueueDepth publishes the number of QUEUED jobs as a gauge.
func (s *Service) RefreshQueueDepth(ctx context.Context) {
	n, err := s.repo.CountQueued(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to count queued jobs")
		return
	}
	metrics.SyncQueueDepth.Set(float64(n))
}

// RunNext claims the next ready job and executes it to a terminal or
// re-queued state. It reports whether a job was found.
func (s *Service) RunNext(ctx context.Context, workerID string) (bool, error) {
	j, err := s.repo.ClaimNext(ctx, workerID, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}
	if j == nil {
		return false, nil
	}
	s.recordTransition(ctx, j, StatusQueued, StatusRunning, "claimed by "+workerID)
	s.finish(ctx, j, s.execute(ctx, j))
	return true, nil
}

// transition moves j to status to and persists it, guarded on the status
// it had before.
func (s *Service) transition(ctx context.Context, j *Job, to Status, msg string) error {
	from := j.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	j.Status = to
	j.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, j, from); err != nil {
		j.Status = from
		return err
	}
	s.recordTransition(ctx, j, from, to, msg)
	return nil
}

// requeue records a failed attempt and puts the job back on the queue after
// delay, as one write.
func (s *Service) requeue(ctx context.Context, j *Job, delay time.Duration, msg string) error {
	if !CanTransition(j.Status, StatusFailed) || !CanTransition(StatusFailed, StatusQueued) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.Status, StatusQueued)
	}
	now := s.now().UTC()
	next := now.Add(delay)
	j.Status = StatusQueued
	j.NextAttemptAt = &next
	j.ClaimedBy = ""
	j.UpdatedAt = now
	if err := s.repo.Update(ctx, j, StatusRunning); err != nil {
		j.Status = StatusRunning
		return err
	}
	s.logTransition(j, StatusRunning, StatusFailed, msg)
	s.logTransition(j, StatusFailed, StatusQueued, fmt.Sprintf("retry scheduled in %s", delay.Round(time.Millisecond)))
	s.audit(ctx,
		audit.Transition(j.ConnectionID, j.ID, string(StatusRunning), string(StatusFailed), msg),
		audit.Transition(j.ConnectionID, j.ID, string(StatusFailed), string(StatusQueued), "automatic retry"),
	)
	return nil
}

func (s *Service) jobLogger(j *Job) *zerolog.Logger {
	l := s.logger.With().
		Str("job_id", j.ID.String()).
		Str("connection_id", j.ConnectionID).
		Str("provider", string(j.Provider)).
		Logger()
	return &l
}

func (s *Service) logTransition(j *Job, from, to Status, msg string) {
	ev := s.jobLogger(j).Info()
	if to == StatusFailed {
		ev = s.jobLogger(j).Warn()
	}
	ev.Str("from", string(from)).Str("to", string(to)).Str("message", msg).Msg("sync job transition")
}

func (s *Service) recordTransition(ctx context.Context, j *Job, from, to Status, msg string) {
	s.logTransition(j, from, to, msg)
	s.audit(ctx, audit.Transition(j.ConnectionID, j.ID, string(from), string(to), msg))
}

func (s *Service) audit(ctx context.Context, evs ...*audit.Event) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(ctx, evs...); err != nil {
		s.logger.Error().Err(err).Msg("failed to record audit events")
	}
}
