package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PoolConfig controls the connection pool used by the Postgres repositories.
type PoolConfig struct {
	URL          string
	MaxConns     int32
	MinConns     int32
	SlowQuery    time.Duration
	HealthPeriod time.Duration
	Logger       zerolog.Logger
}

// NewPool opens and pings a pgx pool. Queries slower than SlowQuery are
// logged at warn level.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.HealthPeriod > 0 {
		cfg.HealthCheckPeriod = pc.HealthPeriod
	}
	if pc.SlowQuery > 0 {
		cfg.ConnConfig.Tracer = &slowQueryTracer{threshold: pc.SlowQuery, logger: pc.Logger}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

type queryStartKey struct{}

type queryStart struct {
	sql string
	at  time.Time
}

type slowQueryTracer struct {
	threshold time.Duration
	logger    zerolog.Logger
}

func (t *slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, at: time.Now()})
}

func (t *slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := time.Since(start.at)
	if elapsed < t.threshold {
		return
	}
	ev := t.logger.Warn()
	if data.Err != nil {
		ev = t.logger.Error().Err(data.Err)
	}
	ev.Dur("duration", elapsed).Str("sql", truncateSQL(start.sql)).Msg("slow query")
}

func truncateSQL(sql string) string {
	const max = 256
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}
