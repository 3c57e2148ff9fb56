package syncjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holovitals/ehrsync/internal/domain/bulkexport"
	"github.com/holovitals/ehrsync/internal/domain/conflict"
	"github.com/holovitals/ehrsync/internal/domain/connection"
	"github.com/holovitals/ehrsync/internal/domain/resource"
	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/metrics"
)

// errCancelled stops a running job at a resource boundary.
var errCancelled = errors.New("sync job cancelled")

const pushPageSize = 200

// execution is the state of one attempt at a job.
type execution struct {
	job       *Job
	conn      *connection.Connection
	connector ehr.Connector
	refreshed bool
}

func (s *Service) execute(ctx context.Context, j *Job) error {
	conn, err := s.deps.Connections.GetByRef(ctx, j.ConnectionID)
	if err != nil {
		if connection.IsNotFound(err) {
			return ehr.ConfigurationError(j.Provider, "load_connection", "connection %s does not exist", j.ConnectionID)
		}
		return err
	}
	if conn.Status != connection.StatusActive {
		return ehr.ConfigurationError(j.Provider, "load_connection", "connection %s is %s", j.ConnectionID, conn.Status)
	}
	if conn.Provider != j.Provider {
		return ehr.ConfigurationError(j.Provider, "load_connection", "connection %s belongs to %s", j.ConnectionID, conn.Provider)
	}
	connector, err := s.deps.Connectors.Connector(conn.Target())
	if err != nil {
		return err
	}
	x := &execution{job: j, conn: conn, connector: connector}

	if j.Direction.pulls() {
		if err := s.pull(ctx, x); err != nil {
			return err
		}
	}
	if j.Direction.pushes() {
		if err := s.push(ctx, x); err != nil {
			return err
		}
	}
	return nil
}

// withAuth runs fn with the connection's token. An expired token is refreshed
// up front; an authentication failure triggers one refresh and one retry per
// attempt.
func (s *Service) withAuth(ctx context.Context, x *execution, fn func(token *ehr.TokenSet) error) error {
	if x.conn.Token.Expired(s.now()) && !x.refreshed {
		if _, ok := x.connector.(ehr.TokenRefresher); ok {
			if err := s.refresh(ctx, x); err != nil {
				return err
			}
		}
	}
	err := fn(&x.conn.Token)
	if ehr.KindOf(err) != ehr.KindAuthentication || x.refreshed {
		return err
	}
	if _, ok := x.connector.(ehr.TokenRefresher); !ok {
		return err
	}
	if err := s.refresh(ctx, x); err != nil {
		return err
	}
	return fn(&x.conn.Token)
}

func (s *Service) refresh(ctx context.Context, x *execution) error {
	x.refreshed = true
	conn, err := s.deps.Connections.RefreshToken(ctx, x.conn, x.connector)
	if err != nil {
		if ehr.KindOf(err) == ehr.KindAuthentication {
			return err
		}
		return &ehr.Error{Kind: ehr.KindAuthentication, Provider: x.conn.Provider, Op: "refresh_token", Message: "token refresh failed", Err: err}
	}
	x.conn = conn
	s.jobLogger(x.job).Info().Msg("access token refreshed during sync")
	return nil
}

// checkCancel is consulted at every resource boundary.
func (s *Service) checkCancel(ctx context.Context, j *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := s.repo.CancelRequested(ctx, j.ID)
	if err != nil {
		return err
	}
	if requested {
		return errCancelled
	}
	return nil
}

func (s *Service) pull(ctx context.Context, x *execution) error {
	if len(x.job.ResourceIDs) > 0 {
		return s.pullByID(ctx, x)
	}
	return s.pullBulk(ctx, x)
}

func (s *Service) pullSource(j *Job) conflict.Source {
	if j.Origin == OriginWebhook {
		return conflict.SourceWebhook
	}
	return conflict.SourceIncremental
}

func (s *Service) pullByID(ctx context.Context, x *execution) error {
	j := x.job
	var fetched []*ehr.RawResource
	missing := 0
	for _, id := range j.ResourceIDs {
		if err := s.checkCancel(ctx, j); err != nil {
			return err
		}
		var res *ehr.RawResource
		err := s.withAuth(ctx, x, func(token *ehr.TokenSet) error {
			var ferr error
			res, ferr = x.connector.FetchResource(ctx, j.ResourceType, id, token)
			return ferr
		})
		switch {
		case ehr.KindOf(err) == ehr.KindNotFound:
			missing++
			j.ResourcesProcessed++
			j.ResourcesSkipped++
			s.jobLogger(j).Warn().Str("resource", j.ResourceType+"/"+id).Msg("resource not found at vendor")
			continue
		case err != nil:
			return err
		}
		fetched = append(fetched, res)
	}
	if missing == len(j.ResourceIDs) {
		return ehr.NotFoundError(j.Provider, "fetch_resource", "none of the %d requested %s resources exist", missing, j.ResourceType)
	}
	return s.store(ctx, j, s.pullSource(j), fetched)
}

func (s *Service) pullBulk(ctx context.Context, x *execution) error {
	j := x.job
	if s.deps.Exporter == nil {
		return ehr.ConfigurationError(j.Provider, "bulk_export", "bulk export is not configured")
	}
	params := ehr.BulkExportParams{Type: ehr.ExportSystem}
	if x.conn.PatientID != "" || j.PatientID != "" {
		params.Type = ehr.ExportPatient
		params.PatientID = j.PatientID
		if params.PatientID == "" {
			params.PatientID = x.conn.PatientID
		}
	}
	if v, ok := j.Options["exportType"].(string); ok && v != "" {
		params.Type = ehr.ExportType(strings.ToUpper(v))
	}
	if v, ok := j.Options["groupId"].(string); ok {
		params.GroupID = v
	}
	if j.ResourceType != "" {
		params.ResourceTypes = []string{j.ResourceType}
	}
	if j.Type == TypeIncrementalSync && x.conn.LastSyncAt != nil {
		since := *x.conn.LastSyncAt
		params.Since = &since
	}
	switch params.Type {
	case ehr.ExportPatient, ehr.ExportSystem, ehr.ExportGroup:
	default:
		return ehr.ValidationError(j.Provider, "bulk_export", "unknown export type %q", params.Type)
	}
	if params.Type == ehr.ExportGroup && params.GroupID == "" {
		return ehr.ValidationError(j.Provider, "bulk_export", "group export needs options.groupId")
	}

	sink := func(ctx context.Context, batch []*ehr.RawResource) error {
		if err := s.checkCancel(ctx, j); err != nil {
			if errors.Is(err, errCancelled) {
				return fmt.Errorf("%w: %w", bulkexport.ErrStopped, err)
			}
			return err
		}
		return s.store(ctx, j, conflict.SourceBulkExport, batch)
	}
	var export *ehr.BulkExportJob
	err := s.withAuth(ctx, x, func(token *ehr.TokenSet) error {
		id := j.ID
		var rerr error
		export, rerr = s.deps.Exporter.Run(ctx, x.connector, bulkexport.Request{
			ConnectionID: j.ConnectionID,
			SyncJobID:    &id,
			Params:       params,
			Token:        token,
		}, sink)
		return rerr
	})
	if export != nil {
		id := export.ID
		j.BulkExportID = &id
	}
	return err
}

// store merges a batch of fetched resources. Writes to one (connection,
// resource type) pair are serialized; the lock is never held across vendor
// calls.
func (s *Service) store(ctx context.Context, j *Job, source conflict.Source, batch []*ehr.RawResource) error {
	if len(batch) == 0 {
		return s.saveProgress(ctx, j)
	}
	groups := make(map[string][]*ehr.RawResource)
	var order []string
	for _, r := range batch {
		if _, ok := groups[r.ResourceType]; !ok {
			order = append(order, r.ResourceType)
		}
		groups[r.ResourceType] = append(groups[r.ResourceType], r)
	}

	failed := 0
	var lastErr error
	for _, rt := range order {
		unlock, err := s.locker.Lock(ctx, lockKey(j.ConnectionID, rt))
		if err != nil {
			return err
		}
		for _, r := range groups[rt] {
			id := j.ID
			res, err := s.deps.Merger.Apply(ctx, resource.Update{
				ConnectionID: j.ConnectionID,
				SyncJobID:    &id,
				Source:       source,
				Resource:     r,
			})
			j.ResourcesProcessed++
			if err != nil {
				failed++
				lastErr = err
				j.ResourcesFailed++
				s.jobLogger(j).Error().Err(err).Str("resource", r.Key()).Msg("failed to store resource")
				continue
			}
			switch res.Action {
			case resource.ActionCreated:
				j.ResourcesCreated++
			case resource.ActionUpdated:
				j.ResourcesUpdated++
			default:
				j.ResourcesSkipped++
			}
			j.ConflictsDetected += res.Conflicts
		}
		unlock()
	}
	if err := s.saveProgress(ctx, j); err != nil {
		return err
	}
	if failed == len(batch) {
		return ehr.UpstreamError(j.Provider, "store", "all %d resources failed to store: %v", failed, lastErr)
	}
	return nil
}

// saveProgress persists counters while the job is still RUNNING.
func (s *Service) saveProgress(ctx context.Context, j *Job) error {
	j.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, j, StatusRunning); err != nil {
		return fmt.Errorf("save job progress: %w", err)
	}
	return nil
}

func (s *Service) push(ctx context.Context, x *execution) error {
	j := x.job
	pusher, ok := x.connector.(ehr.ResourcePusher)
	if !ok {
		return ehr.ConfigurationError(j.Provider, "push_resource", "connector does not support writing resources")
	}
	records, err := s.pushCandidates(ctx, j)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := s.checkCancel(ctx, j); err != nil {
			return err
		}
		raw := &ehr.RawResource{
			ResourceType: rec.ResourceType,
			ID:           rec.ResourceID,
			LastModified: rec.LastModified,
			Payload:      rec.Payload,
		}
		err := s.withAuth(ctx, x, func(token *ehr.TokenSet) error {
			return pusher.PushResource(ctx, raw, token)
		})
		j.ResourcesProcessed++
		switch {
		case err == nil:
			j.ResourcesUpdated++
		case ehr.KindOf(err) == ehr.KindNotFound:
			j.ResourcesSkipped++
		default:
			return err
		}
	}
	return s.saveProgress(ctx, j)
}

func (s *Service) pushCandidates(ctx context.Context, j *Job) ([]*resource.Record, error) {
	if s.deps.Resources == nil {
		return nil, ehr.ConfigurationError(j.Provider, "push_resource", "resource store is not configured")
	}
	if len(j.ResourceIDs) > 0 {
		var out []*resource.Record
		for _, id := range j.ResourceIDs {
			rec, err := s.deps.Resources.Get(ctx, j.ConnectionID, j.ResourceType, id)
			if errors.Is(err, resource.ErrNotFound) {
				j.ResourcesProcessed++
				j.ResourcesSkipped++
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	}
	var out []*resource.Record
	f := resource.Filter{ConnectionID: j.ConnectionID, ResourceType: j.ResourceType}
	for offset := 0; ; offset += pushPageSize {
		page, total, err := s.deps.Resources.List(ctx, f, pushPageSize, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) == 0 || offset+len(page) >= total {
			return out, nil
		}
	}
}

// finish moves an executed job to its next status. It runs on a context
// that survives shutdown so the outcome is always written.
func (s *Service) finish(parent context.Context, j *Job, runErr error) {
	ctx := context.WithoutCancel(parent)
	now := s.now().UTC()
	provider := string(j.Provider)
	if j.StartedAt != nil {
		metrics.SyncJobDuration.WithLabelValues(string(j.Type)).Observe(now.Sub(*j.StartedAt).Seconds())
	}

	var err error
	switch {
	case runErr == nil:
		j.CompletedAt = &now
		j.NextAttemptAt = nil
		err = s.transition(ctx, j, StatusCompleted, fmt.Sprintf("processed %d resources", j.ResourcesProcessed))
		if err == nil {
			metrics.SyncJobsFinished.WithLabelValues(string(StatusCompleted), provider).Inc()
			if j.Direction.pulls() && j.Type != TypeSingleResource {
				if merr := s.deps.Connections.MarkSynced(ctx, j.ConnectionID, now); merr != nil {
					s.jobLogger(j).Error().Err(merr).Msg("failed to mark connection synced")
				}
			}
		}

	case errors.Is(runErr, errCancelled):
		j.CompletedAt = &now
		err = s.transition(ctx, j, StatusCancelled, "cancelled while running")
		if err == nil {
			metrics.SyncJobsFinished.WithLabelValues(string(StatusCancelled), provider).Inc()
		}

	case parent.Err() != nil:
		// Shutdown interrupted the attempt; it does not count against the budget.
		err = s.requeue(ctx, j, 0, "interrupted by shutdown")

	default:
		kind := ehr.KindOf(runErr)
		j.ErrorKind = kind
		j.ErrorMessage = runErr.Error()
		metrics.ConnectorErrors.WithLabelValues(provider, string(kind)).Inc()
		switch kind {
		case ehr.KindRateLimit:
			j.RateLimitHits++
			delay := max(ehr.RetryAfterOf(runErr), s.retry.Delay(j.RateLimitHits))
			metrics.SyncJobRetries.WithLabelValues(string(kind)).Inc()
			err = s.requeue(ctx, j, delay, runErr.Error())
		case ehr.KindUpstream:
			j.RetryCount++
			if j.RetryCount < s.attempts(j) {
				metrics.SyncJobRetries.WithLabelValues(string(kind)).Inc()
				err = s.requeue(ctx, j, s.retry.Delay(j.RetryCount), runErr.Error())
				break
			}
			err = s.fail(ctx, j, now, fmt.Sprintf("giving up after %d attempts: %s", j.RetryCount, runErr))
		default:
			err = s.fail(ctx, j, now, runErr.Error())
		}
	}
	if err != nil {
		s.jobLogger(j).Error().Err(err).Str("status", string(j.Status)).Msg("failed to record sync job outcome")
	}
}

func (s *Service) attempts(j *Job) int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return s.maxAttempts
}

func (s *Service) fail(ctx context.Context, j *Job, now time.Time, msg string) error {
	j.CompletedAt = &now
	j.NextAttemptAt = nil
	if err := s.transition(ctx, j, StatusFailed, msg); err != nil {
		return err
	}
	metrics.SyncJobsFinished.WithLabelValues(string(StatusFailed), string(j.Provider)).Inc()
	return nil
}
