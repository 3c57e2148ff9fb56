package resource

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holovitals/ehrsync/internal/platform/db"
)

type resourceRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &resourceRepoPG{pool: pool}
}

func (r *resourceRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const recordCols = `ehr_connection_id, resource_type, resource_id, payload, provenance,
	last_modified, version, last_sync_job_id, created_at, updated_at`

func (r *resourceRepoPG) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var payload, provenance []byte
	err := row.Scan(&rec.ConnectionID, &rec.ResourceType, &rec.ResourceID, &payload, &provenance,
		&rec.LastModified, &rec.Version, &rec.LastSyncJobID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	if len(provenance) > 0 {
		if err := json.Unmarshal(provenance, &rec.Provenance); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (r *resourceRepoPG) Get(ctx context.Context, connectionID, resourceType, resourceID string) (*Record, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM resource_records
		WHERE ehr_connection_id = $1 AND resource_type = $2 AND resource_id = $3`,
		connectionID, resourceType, resourceID))
}

func (r *resourceRepoPG) Save(ctx context.Context, rec *Record, expectedVersion int64) error {
	provenance, err := json.Marshal(rec.Provenance)
	if err != nil {
		return err
	}
	next := expectedVersion + 1
	var sql string
	var args []interface{}
	if expectedVersion == 0 {
		sql = `INSERT INTO resource_records (` + recordCols + `)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (ehr_connection_id, resource_type, resource_id) DO NOTHING`
		args = []interface{}{rec.ConnectionID, rec.ResourceType, rec.ResourceID, string(rec.Payload), string(provenance),
			rec.LastModified, next, rec.LastSyncJobID, rec.CreatedAt, rec.UpdatedAt}
	} else {
		sql = `UPDATE resource_records SET payload=$4, provenance=$5, last_modified=$6, version=$7,
				last_sync_job_id=$8, updated_at=$9
			WHERE ehr_connection_id = $1 AND resource_type = $2 AND resource_id = $3 AND version = $10`
		args = []interface{}{rec.ConnectionID, rec.ResourceType, rec.ResourceID, string(rec.Payload), string(provenance),
			rec.LastModified, next, rec.LastSyncJobID, rec.UpdatedAt, expectedVersion}
	}
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	rec.Version = next
	return nil
}

func (r *resourceRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	q := db.NewQuery("resource_records", recordCols).OrderBy("resource_type, resource_id")
	if f.ConnectionID != "" {
		q.Where("ehr_connection_id = ?", f.ConnectionID)
	}
	if f.ResourceType != "" {
		q.Where("resource_type = ?", f.ResourceType)
	}

	var total int
	countSQL, countArgs := q.CountSQL()
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	sql, args := q.PageSQL(limit, offset)
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
