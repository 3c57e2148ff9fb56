package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holovitals/ehrsync/internal/platform/db"
)

type jobRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &jobRepoPG{pool: pool}
}

func (r *jobRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const jobCols = `id, seq, type, direction, priority, status, origin, ehr_provider, ehr_connection_id,
	patient_id, resource_type, resource_ids, filters, options,
	retry_count, max_attempts, manual_retry_count, rate_limit_hits, next_attempt_at,
	error_kind, error_message, cancel_requested, claimed_by, bulk_export_id,
	resources_processed, resources_created, resources_updated, resources_skipped,
	resources_failed, conflicts_detected,
	created_at, started_at, completed_at, updated_at`

func (r *jobRepoPG) scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var priority int16
	var filters, options []byte
	err := row.Scan(&j.ID, &j.Seq, &j.Type, &j.Direction, &priority, &j.Status, &j.Origin, &j.Provider, &j.ConnectionID,
		&j.PatientID, &j.ResourceType, &j.ResourceIDs, &filters, &options,
		&j.RetryCount, &j.MaxAttempts, &j.ManualRetryCount, &j.RateLimitHits, &j.NextAttemptAt,
		&j.ErrorKind, &j.ErrorMessage, &j.CancelRequested, &j.ClaimedBy, &j.BulkExportID,
		&j.ResourcesProcessed, &j.ResourcesCreated, &j.ResourcesUpdated, &j.ResourcesSkipped,
		&j.ResourcesFailed, &j.ConflictsDetected,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Priority = Priority(priority)
	if err := unmarshalMap(filters, &j.Filters); err != nil {
		return nil, err
	}
	if err := unmarshalMap(options, &j.Options); err != nil {
		return nil, err
	}
	return &j, nil
}

func unmarshalMap(b []byte, dst *map[string]interface{}) error {
	if len(b) == 0 || string(b) == "{}" || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func marshalMap(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (r *jobRepoPG) Create(ctx context.Context, j *Job) error {
	filters, err := marshalMap(j.Filters)
	if err != nil {
		return err
	}
	options, err := marshalMap(j.Options)
	if err != nil {
		return err
	}
	ids := j.ResourceIDs
	if ids == nil {
		ids = []string{}
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_jobs (id, type, direction, priority, status, origin, ehr_provider, ehr_connection_id,
			patient_id, resource_type, resource_ids, filters, options,
			retry_count, max_attempts, manual_retry_count, error_kind, error_message,
			created_at, completed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING seq`,
		j.ID, j.Type, j.Direction, int16(j.Priority), j.Status, j.Origin, j.Provider, j.ConnectionID,
		j.PatientID, j.ResourceType, ids, filters, options,
		j.RetryCount, j.MaxAttempts, j.ManualRetryCount, j.ErrorKind, j.ErrorMessage,
		j.CreatedAt, j.CompletedAt, j.UpdatedAt,
	).Scan(&j.Seq)
	if db.IsUniqueViolation(err, "") {
		return ErrDuplicateJob
	}
	return err
}

func (r *jobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	return r.scanJob(r.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM sync_jobs WHERE id = $1`, id))
}

func (r *jobRepoPG) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	j, err := r.scanJob(r.conn(ctx).QueryRow(ctx, `
		UPDATE sync_jobs SET status = 'RUNNING', claimed_by = $1, started_at = $2,
			completed_at = NULL, cancel_requested = FALSE, updated_at = $2
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = 'QUEUED' AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobCols, workerID, now))
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return j, err
}

func (r *jobRepoPG) Update(ctx context.Context, j *Job, expected Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET status = $3, priority = $4,
			retry_count = $5, max_attempts = $6, manual_retry_count = $7, rate_limit_hits = $8,
			next_attempt_at = $9, error_kind = $10, error_message = $11,
			cancel_requested = CASE WHEN $3 = 'RUNNING' THEN cancel_requested OR $12 ELSE FALSE END,
			claimed_by = $13, bulk_export_id = $14,
			resources_processed = $15, resources_created = $16, resources_updated = $17,
			resources_skipped = $18, resources_failed = $19, conflicts_detected = $20,
			started_at = $21, completed_at = $22, updated_at = $23
		WHERE id = $1 AND status = $2`,
		j.ID, expected, j.Status, int16(j.Priority),
		j.RetryCount, j.MaxAttempts, j.ManualRetryCount, j.RateLimitHits,
		j.NextAttemptAt, j.ErrorKind, j.ErrorMessage,
		j.CancelRequested,
		j.ClaimedBy, j.BulkExportID,
		j.ResourcesProcessed, j.ResourcesCreated, j.ResourcesUpdated,
		j.ResourcesSkipped, j.ResourcesFailed, j.ConflictsDetected,
		j.StartedAt, j.CompletedAt, j.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, j.ID)
	}
	return nil
}

func (r *jobRepoPG) missOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrStaleTransition
}

func (r *jobRepoPG) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, id)
	}
	return nil
}

func (r *jobRepoPG) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT cancel_requested FROM sync_jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrJobNotFound
	}
	return requested, err
}

func (r *jobRepoPG) query(f ListFilter) *db.Query {
	q := db.NewQuery("sync_jobs", jobCols).OrderBy("seq DESC")
	if f.ConnectionID != "" {
		q.Where("ehr_connection_id = ?", f.ConnectionID)
	}
	if f.Status != "" {
		q.Where("status = ?", f.Status)
	}
	if f.Start != nil {
		q.Where("created_at >= ?", *f.Start)
	}
	if f.End != nil {
		q.Where("created_at < ?", *f.End)
	}
	return q
}

func (r *jobRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error) {
	q := r.query(f)
	var total int
	countSQL, countArgs := q.CountSQL()
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	sql, args := q.PageSQL(limit, offset)
	items, err := r.collect(ctx, sql, args)
	return items, total, err
}

func (r *jobRepoPG) ListForStats(ctx context.Context, f ListFilter) ([]*Job, error) {
	sql, args := r.query(f).SelectSQL()
	return r.collect(ctx, sql, args)
}

func (r *jobRepoPG) collect(ctx context.Context, sql string, args []interface{}) ([]*Job, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Job
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	return items, rows.Err()
}

func (r *jobRepoPG) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_jobs WHERE status = 'QUEUED'`).Scan(&n)
	return n, err
}
