package connection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holovitals/ehrsync/internal/platform/db"
)

const activeUniqueConstraint = "ehr_connections_active_uniq"

type connectionRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &connectionRepoPG{pool: pool}
}

func (r *connectionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const connCols = `id, user_id, provider, tenant_id, base_url, patient_id,
	access_token, refresh_token, token_type, scope, token_expires_at,
	status, sync_frequency_s, last_sync_at, next_sync_at, last_error,
	created_at, updated_at`

func (r *connectionRepoPG) scanConn(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.TenantID, &c.BaseURL, &c.PatientID,
		&c.Token.AccessToken, &c.Token.RefreshToken, &c.Token.TokenType, &c.Token.Scope, &c.Token.ExpiresAt,
		&c.Status, &c.SyncFrequencySeconds, &c.LastSyncAt, &c.NextSyncAt, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Token.PatientID = c.PatientID
	return &c, nil
}

func (r *connectionRepoPG) Create(ctx context.Context, c *Connection) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ehr_connections (`+connCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		c.ID, c.UserID, c.Provider, c.TenantID, c.BaseURL, c.PatientID,
		c.Token.AccessToken, c.Token.RefreshToken, c.Token.TokenType, c.Token.Scope, c.Token.ExpiresAt,
		c.Status, c.SyncFrequencySeconds, c.LastSyncAt, c.NextSyncAt, c.LastError,
		c.CreatedAt, c.UpdatedAt)
	if db.IsUniqueViolation(err, activeUniqueConstraint) {
		return ErrActiveConnectionExists
	}
	return err
}

func (r *connectionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return r.scanConn(r.conn(ctx).QueryRow(ctx, `SELECT `+connCols+` FROM ehr_connections WHERE id = $1`, id))
}

func (r *connectionRepoPG) Update(ctx context.Context, c *Connection) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ehr_connections SET base_url=$2, patient_id=$3,
			access_token=$4, refresh_token=$5, token_type=$6, scope=$7, token_expires_at=$8,
			status=$9, sync_frequency_s=$10, last_sync_at=$11, next_sync_at=$12, last_error=$13,
			updated_at=$14
		WHERE id = $1`,
		c.ID, c.BaseURL, c.PatientID,
		c.Token.AccessToken, c.Token.RefreshToken, c.Token.TokenType, c.Token.Scope, c.Token.ExpiresAt,
		c.Status, c.SyncFrequencySeconds, c.LastSyncAt, c.NextSyncAt, c.LastError,
		c.UpdatedAt)
	if db.IsUniqueViolation(err, activeUniqueConstraint) {
		return ErrActiveConnectionExists
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepoPG) ListByUser(ctx context.Context, userID string) ([]*Connection, error) {
	return r.collect(ctx, `SELECT `+connCols+` FROM ehr_connections WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *connectionRepoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*Connection, error) {
	return r.collect(ctx, `SELECT `+connCols+` FROM ehr_connections
		WHERE status = 'ACTIVE' AND next_sync_at <= $1
		ORDER BY next_sync_at LIMIT $2`, now, limit)
}

func (r *connectionRepoPG) collect(ctx context.Context, sql string, args ...interface{}) ([]*Connection, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Connection
	for rows.Next() {
		c, err := r.scanConn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}
