package bulkexport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/db"
)

type exportRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &exportRepoPG{pool: pool}
}

func (r *exportRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const exportCols = `id, ehr_connection_id, sync_job_id, provider, export_type, status, poll_url,
	progress, output_files, resource_count, total_bytes, error_message, started_at,
	completed_at, updated_at`

func (r *exportRepoPG) scanJob(row pgx.Row) (*ehr.BulkExportJob, error) {
	var j ehr.BulkExportJob
	var files []byte
	err := row.Scan(&j.ID, &j.ConnectionID, &j.SyncJobID, &j.Provider, &j.ExportType, &j.Status, &j.PollURL,
		&j.Progress, &files, &j.ResourceCount, &j.TotalBytes, &j.ErrorMessage, &j.StartedAt,
		&j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &j.OutputFiles); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func outputFiles(j *ehr.BulkExportJob) (string, error) {
	if len(j.OutputFiles) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(j.OutputFiles)
	return string(b), err
}

func (r *exportRepoPG) Create(ctx context.Context, j *ehr.BulkExportJob) error {
	files, err := outputFiles(j)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO bulk_export_jobs (`+exportCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		j.ID, j.ConnectionID, j.SyncJobID, j.Provider, j.ExportType, j.Status, j.PollURL,
		j.Progress, files, j.ResourceCount, j.TotalBytes, j.ErrorMessage, j.StartedAt,
		j.CompletedAt, j.UpdatedAt)
	return err
}

func (r *exportRepoPG) Update(ctx context.Context, j *ehr.BulkExportJob) error {
	files, err := outputFiles(j)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bulk_export_jobs SET status=$2, poll_url=$3, progress=$4, output_files=$5,
			resource_count=$6, total_bytes=$7, error_message=$8, completed_at=$9, updated_at=$10
		WHERE id = $1`,
		j.ID, j.Status, j.PollURL, j.Progress, files,
		j.ResourceCount, j.TotalBytes, j.ErrorMessage, j.CompletedAt, j.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *exportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ehr.BulkExportJob, error) {
	return r.scanJob(r.conn(ctx).QueryRow(ctx, `SELECT `+exportCols+` FROM bulk_export_jobs WHERE id = $1`, id))
}

func (r *exportRepoPG) ListBySyncJob(ctx context.Context, syncJobID uuid.UUID) ([]*ehr.BulkExportJob, error) {
	sql, args := db.NewQuery("bulk_export_jobs", exportCols).
		Where("sync_job_id = ?", syncJobID).
		OrderBy("started_at").
		SelectSQL()
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ehr.BulkExportJob
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	return items, rows.Err()
}
