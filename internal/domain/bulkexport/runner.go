package bulkexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/domain/audit"
	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/metrics"
	"github.com/holovitals/ehrsync/internal/platform/objectstore"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxWait      = 30 * time.Minute
	DefaultBatchSize    = 100
)

// Sink receives downloaded resources in batches. Returning an error stops
// the download.
type Sink func(ctx context.Context, batch []*ehr.RawResource) error

// ErrStopped is returned (or wrapped) by a Sink that abandons the download on
// purpose. The export keeps its vendor status instead of being marked FAILED.
var ErrStopped = errors.New("bulk export download stopped")

// Request describes one export to run on behalf of a sync job.
type Request struct {
	ConnectionID string
	SyncJobID    *uuid.UUID
	Params       ehr.BulkExportParams
	Token        *ehr.TokenSet
}

// AuditRecorder appends audit events. *audit.Service satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, evs ...*audit.Event) error
}

type Runner struct {
	repo         Repository
	archive      objectstore.Store
	audit        AuditRecorder
	logger       zerolog.Logger
	pollInterval time.Duration
	maxWait      time.Duration
	batchSize    int
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

type Option func(*Runner)

// WithArchive tees downloaded NDJSON into an object store.
func WithArchive(store objectstore.Store) Option {
	return func(r *Runner) { r.archive = store }
}

// WithAudit records export lifecycle events.
func WithAudit(a AuditRecorder) Option {
	return func(r *Runner) { r.audit = a }
}

// WithPolling sets the poll interval and the maximum time an export may run.
func WithPolling(interval, maxWait time.Duration) Option {
	return func(r *Runner) {
		if interval > 0 {
			r.pollInterval = interval
		}
		if maxWait > 0 {
			r.maxWait = maxWait
		}
	}
}

// WithBatchSize sets how many resources are handed to the sink at once.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithSleep replaces the wait between polls.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(repo Repository, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		repo:         repo,
		logger:       logger.With().Str("component", "bulk_export").Logger(),
		pollInterval: DefaultPollInterval,
		maxWait:      DefaultMaxWait,
		batchSize:    DefaultBatchSize,
		sleep:        sleepContext,
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run initiates an export, polls it to a terminal status within the maximum
// wait, then streams its output to sink. The returned job reflects the
// persisted final state.
func (r *Runner) Run(ctx context.Context, connector ehr.Connector, req Request, sink Sink) (*ehr.BulkExportJob, error) {
	provider := connector.Provider()
	job, err := connector.InitiateBulkExport(ctx, req.Params, req.Token)
	if err != nil {
		return nil, err
	}
	job.ConnectionID = req.ConnectionID
	job.SyncJobID = req.SyncJobID
	if err := r.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist bulk export: %w", err)
	}
	r.record(ctx, job, "", string(job.Status), "export initiated")
	log := r.logger.With().
		Str("export_id", job.ID.String()).
		Str("connection_id", req.ConnectionID).
		Str("provider", string(provider)).
		Logger()
	log.Info().Str("type", string(job.ExportType)).Msg("bulk export initiated")

	deadline := r.now().Add(r.maxWait)
	for !job.Status.Terminal() {
		if !r.now().Before(deadline) {
			msg := fmt.Sprintf("export did not complete within %s", r.maxWait)
			r.fail(ctx, job, msg)
			return job, ehr.UpstreamError(provider, "bulk_export", "%s", msg)
		}
		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return job, err
		}
		next, err := connector.PollBulkExportStatus(ctx, job, req.Token)
		if err != nil {
			if !ehr.IsCancelled(err) {
				r.fail(ctx, job, err.Error())
			}
			return job, err
		}
		if next.Status != job.Status {
			r.record(ctx, next, string(job.Status), string(next.Status), next.Progress)
			log.Debug().Str("status", string(next.Status)).Str("progress", next.Progress).Msg("bulk export status changed")
		}
		job = next
		if err := r.repo.Update(ctx, job); err != nil {
			return job, fmt.Errorf("persist bulk export: %w", err)
		}
	}

	if job.Status == ehr.ExportFailed {
		metrics.BulkExportsFinished.WithLabelValues(string(provider), string(job.Status)).Inc()
		log.Warn().Str("error", job.ErrorMessage).Msg("bulk export failed at vendor")
		return job, ehr.UpstreamError(provider, "bulk_export", "vendor reported failure: %s", job.ErrorMessage)
	}

	count, size, err := r.download(ctx, connector, job, req.Token, sink)
	job.ResourceCount = count
	job.TotalBytes = size
	if err != nil {
		if ehr.IsCancelled(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStopped) {
			job.UpdatedAt = r.now().UTC()
			_ = r.repo.Update(ctx, job)
			log.Info().Err(err).Int("resources", count).Msg("bulk export download stopped")
			return job, err
		}
		r.fail(ctx, job, "download: "+err.Error())
		return job, err
	}
	job.UpdatedAt = r.now().UTC()
	if err := r.repo.Update(ctx, job); err != nil {
		return job, fmt.Errorf("persist bulk export: %w", err)
	}
	metrics.BulkExportsFinished.WithLabelValues(string(provider), string(job.Status)).Inc()
	r.record(ctx, job, string(ehr.ExportCompleted), "DOWNLOADED", fmt.Sprintf("%d resources, %d bytes", count, size))
	log.Info().Int("resources", count).Int64("bytes", size).Msg("bulk export downloaded")
	return job, nil
}

func (r *Runner) download(ctx context.Context, connector ehr.Connector, job *ehr.BulkExportJob, token *ehr.TokenSet, sink Sink) (int, int64, error) {
	stream, err := connector.DownloadBulkExportFiles(ctx, job, token)
	if err != nil {
		return 0, 0, err
	}
	defer stream.Close()

	var (
		archiveW   *io.PipeWriter
		archiveErr chan error
	)
	if r.archive != nil {
		pr, pw := io.Pipe()
		archiveW = pw
		archiveErr = make(chan error, 1)
		key := ArchiveKey(job)
		go func() {
			_, err := r.archive.Put(ctx, key, pr, -1, "application/fhir+ndjson")
			pr.CloseWithError(err)
			archiveErr <- err
		}()
	}
	finish := func(err error) error {
		if archiveW == nil {
			return err
		}
		if err != nil {
			archiveW.CloseWithError(err)
			<-archiveErr
			return err
		}
		archiveW.Close()
		if aerr := <-archiveErr; aerr != nil {
			return fmt.Errorf("archive export: %w", aerr)
		}
		return nil
	}

	var (
		count int
		size  int64
		batch = make([]*ehr.RawResource, 0, r.batchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := sink(ctx, batch)
		batch = make([]*ehr.RawResource, 0, r.batchSize)
		return err
	}
	for {
		res, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, size, finish(err)
		}
		count++
		size += int64(len(res.Payload))
		metrics.BulkExportResources.WithLabelValues(string(job.Provider)).Inc()
		if archiveW != nil {
			if _, err := archiveW.Write(append(append([]byte(nil), res.Payload...), '\n')); err != nil {
				return count, size, finish(fmt.Errorf("archive export: %w", err))
			}
		}
		batch = append(batch, res)
		if len(batch) >= r.batchSize {
			if err := flush(); err != nil {
				return count, size, finish(err)
			}
		}
	}
	if err := flush(); err != nil {
		return count, size, finish(err)
	}
	return count, size, finish(nil)
}

// ArchiveKey is where a downloaded export is stored in the archive bucket.
func ArchiveKey(job *ehr.BulkExportJob) string {
	return fmt.Sprintf("exports/%s/%s.ndjson", job.ConnectionID, job.ID)
}

func (r *Runner) fail(ctx context.Context, job *ehr.BulkExportJob, msg string) {
	from := job.Status
	now := r.now().UTC()
	job.Status = ehr.ExportFailed
	job.ErrorMessage = msg
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := r.repo.Update(ctx, job); err != nil {
		r.logger.Error().Err(err).Str("export_id", job.ID.String()).Msg("failed to persist bulk export failure")
	}
	metrics.BulkExportsFinished.WithLabelValues(string(job.Provider), string(job.Status)).Inc()
	r.record(ctx, job, string(from), string(job.Status), msg)
}

func (r *Runner) record(ctx context.Context, job *ehr.BulkExportJob, from, to, msg string) {
	if r.audit == nil {
		return
	}
	ev := &audit.Event{
		Kind:         audit.KindBulkExport,
		ConnectionID: job.ConnectionID,
		SyncJobID:    job.SyncJobID,
		SubjectID:    job.ID.String(),
		From:         from,
		To:           to,
		Message:      msg,
		Details: map[string]interface{}{
			"exportType":    string(job.ExportType),
			"resourceCount": job.ResourceCount,
			"totalBytes":    job.TotalBytes,
		},
	}
	if err := r.audit.Record(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("export_id", job.ID.String()).Msg("failed to audit bulk export")
	}
}
