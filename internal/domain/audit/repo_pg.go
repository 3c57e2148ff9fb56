package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holovitals/ehrsync/internal/platform/db"
)

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const auditCols = `id, kind, ehr_connection_id, sync_job_id, subject_id,
	from_status, to_status, message, details, occurred_at`

func (r *auditRepoPG) scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var details []byte
	if err := row.Scan(&e.ID, &e.Kind, &e.ConnectionID, &e.SyncJobID, &e.SubjectID,
		&e.From, &e.To, &e.Message, &details, &e.OccurredAt); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return &e, nil
}

// Append writes all events in one transaction so multi-step transitions are
// recorded together or not at all.
func (r *auditRepoPG) Append(ctx context.Context, events ...*Event) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, e := range events {
			details, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("encode audit details: %w", err)
			}
			if e.Details == nil {
				details = []byte("{}")
			}
			batch.Queue(`INSERT INTO audit_events (`+auditCols+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				e.ID, e.Kind, e.ConnectionID, e.SyncJobID, e.SubjectID,
				e.From, e.To, e.Message, string(details), e.OccurredAt)
		}
		return db.TxFromContext(ctx).SendBatch(ctx, batch).Close()
	})
}

func (r *auditRepoPG) query(f Filter) *db.Query {
	q := db.NewQuery("audit_events", auditCols).OrderBy("occurred_at DESC, id")
	if f.ConnectionID != "" {
		q.Where("ehr_connection_id = ?", f.ConnectionID)
	}
	if f.Kind != "" {
		q.Where("kind = ?", f.Kind)
	}
	if f.SyncJobID != nil {
		q.Where("sync_job_id = ?", *f.SyncJobID)
	}
	if f.Start != nil {
		q.Where("occurred_at >= ?", *f.Start)
	}
	if f.End != nil {
		q.Where("occurred_at < ?", *f.End)
	}
	return q
}

func (r *auditRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
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

func (r *auditRepoPG) ListForStats(ctx context.Context, f Filter) ([]*Event, error) {
	sql, args := r.query(f).SelectSQL()
	return r.collect(ctx, sql, args)
}

func (r *auditRepoPG) collect(ctx context.Context, sql string, args []interface{}) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Event{}
	for rows.Next() {
		e, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
