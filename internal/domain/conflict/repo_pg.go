package conflict

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holovitals/ehrsync/internal/platform/db"
)

type conflictRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &conflictRepoPG{pool: pool}
}

func (r *conflictRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const conflictCols = `id, ehr_connection_id, sync_job_id, resource_type, resource_id, field,
	existing_value, existing_timestamp, existing_source,
	incoming_value, incoming_timestamp, incoming_source,
	resolution_strategy, winning_value, winning_source, needs_review, resolved_at`

func (r *conflictRepoPG) scanRecord(row pgx.Row) (*Record, error) {
	var c Record
	var existing, incoming, winning []byte
	err := row.Scan(&c.ID, &c.ConnectionID, &c.SyncJobID, &c.ResourceType, &c.ResourceID, &c.Field,
		&existing, &c.ExistingTimestamp, &c.ExistingSource,
		&incoming, &c.IncomingTimestamp, &c.IncomingSource,
		&c.Strategy, &winning, &c.WinningSource, &c.NeedsReview, &c.ResolvedAt)
	c.ExistingValue, c.IncomingValue, c.WinningValue = existing, incoming, winning
	return &c, err
}

func (r *conflictRepoPG) Append(ctx context.Context, c *Record) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO conflict_records (`+conflictCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		c.ID, c.ConnectionID, c.SyncJobID, c.ResourceType, c.ResourceID, c.Field,
		jsonb(c.ExistingValue), c.ExistingTimestamp, c.ExistingSource,
		jsonb(c.IncomingValue), c.IncomingTimestamp, c.IncomingSource,
		c.Strategy, jsonb(c.WinningValue), c.WinningSource, c.NeedsReview, c.ResolvedAt)
	return err
}

func (r *conflictRepoPG) query(f Filter) *db.Query {
	q := db.NewQuery("conflict_records", conflictCols).OrderBy("resolved_at DESC, id")
	if f.ConnectionID != "" {
		q.Where("ehr_connection_id = ?", f.ConnectionID)
	}
	if f.ResourceType != "" {
		q.Where("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		q.Where("resource_id = ?", f.ResourceID)
	}
	if f.NeedsReview != nil {
		q.Where("needs_review = ?", *f.NeedsReview)
	}
	if f.Start != nil {
		q.Where("resolved_at >= ?", *f.Start)
	}
	if f.End != nil {
		q.Where("resolved_at < ?", *f.End)
	}
	return q
}

func (r *conflictRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	q := r.query(f)
	countSQL, countArgs := q.CountSQL()
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	sql, args := q.PageSQL(limit, offset)
	items, err := r.collect(ctx, sql, args)
	return items, total, err
}

func (r *conflictRepoPG) ListForStats(ctx context.Context, f Filter) ([]*Record, error) {
	sql, args := r.query(f).SelectSQL()
	return r.collect(ctx, sql, args)
}

func (r *conflictRepoPG) collect(ctx context.Context, sql string, args []interface{}) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Record{}
	for rows.Next() {
		c, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// jsonb keeps absent values as SQL NULL rather than an invalid empty document.
func jsonb(v []byte) interface{} {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
