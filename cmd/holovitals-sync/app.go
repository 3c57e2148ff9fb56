package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/config"
	"github.com/holovitals/ehrsync/internal/domain/audit"
	"github.com/holovitals/ehrsync/internal/domain/bulkexport"
	"github.com/holovitals/ehrsync/internal/domain/conflict"
	"github.com/holovitals/ehrsync/internal/domain/connection"
	"github.com/holovitals/ehrsync/internal/domain/resource"
	"github.com/holovitals/ehrsync/internal/domain/syncjob"
	"github.com/holovitals/ehrsync/internal/domain/webhook"
	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/db"
	"github.com/holovitals/ehrsync/internal/platform/events"
	"github.com/holovitals/ehrsync/internal/platform/objectstore"
)

// app holds the wired services shared by the serve and worker commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	factory     *ehr.Factory
	audit       *audit.Service
	connections *connection.Service
	jobs        *syncjob.Service
	receiver    *webhook.Receiver
	resources   resource.Repository
	conflicts   conflict.Repository

	closers []func()
}

type repos struct {
	connections connection.Repository
	jobs        syncjob.Repository
	resources   resource.Repository
	conflicts   conflict.Repository
	exports     bulkexport.Repository
	audit       audit.Repository
}

func memoryRepos() repos {
	return repos{
		connections: connection.NewMemoryRepo(),
		jobs:        syncjob.NewMemoryRepo(),
		resources:   resource.NewMemoryRepo(),
		conflicts:   conflict.NewMemoryRepo(),
		exports:     bulkexport.NewMemoryRepo(),
		audit:       audit.NewMemoryRepo(),
	}
}

func postgresRepos(pool *pgxpool.Pool) repos {
	return repos{
		connections: connection.NewRepoPG(pool),
		jobs:        syncjob.NewRepoPG(pool),
		resources:   resource.NewRepoPG(pool),
		conflicts:   conflict.NewRepoPG(pool),
		exports:     bulkexport.NewRepoPG(pool),
		audit:       audit.NewRepoPG(pool),
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	r := memoryRepos()
	var jobOpts []syncjob.Option
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		r = postgresRepos(pool)
		jobOpts = append(jobOpts, syncjob.WithLocker(db.NewAdvisoryLocker(pool)))
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("using in-memory storage; state is lost on restart")
	}

	var auditOpts []audit.Option
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		a.closers = append(a.closers, func() { _ = pub.Close() })
		auditOpts = append(auditOpts, audit.WithPublisher(pub))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaAuditTopic).Msg("audit events fan out to kafka")
	}
	a.audit = audit.NewService(r.audit, logger, auditOpts...)

	exportOpts := []bulkexport.Option{
		bulkexport.WithAudit(a.audit),
		bulkexport.WithPolling(cfg.BulkPollInterval, cfg.BulkMaxWait),
	}
	if cfg.MinIOEndpoint != "" {
		store, err := objectstore.NewMinIO(ctx, objectstore.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			Secure:    cfg.MinIOSecure,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to object store: %w", err)
		}
		exportOpts = append(exportOpts, bulkexport.WithArchive(store))
		logger.Info().Str("bucket", cfg.MinIOBucket).Msg("bulk exports archived to object storage")
	}

	idem, err := a.idempotencyStore(ctx)
	if err != nil {
		return nil, err
	}

	a.factory = ehr.NewFactory(cfg.Vendors, ehr.WithMaxWait(cfg.RateLimitMaxWait))
	a.resources = r.resources
	a.conflicts = r.conflicts
	a.connections = connection.NewService(r.connections, a.factory, logger)

	merger := resource.NewMerger(r.resources, conflict.NewEngine(cfg.ConflictTieTolerance, cfg.ConflictWindow), r.conflicts, a.audit, logger)
	jobOpts = append(jobOpts,
		syncjob.WithMaxAttempts(cfg.SyncMaxAttempts),
		syncjob.WithRetryPolicy(syncjob.RetryPolicy{BaseDelay: cfg.SyncRetryBaseDelay, MaxDelay: cfg.SyncRetryMaxDelay}),
	)
	a.jobs = syncjob.NewService(r.jobs, syncjob.Deps{
		Connections: a.connections,
		Connectors:  a.factory,
		Merger:      merger,
		Resources:   r.resources,
		Exporter:    bulkexport.NewRunner(r.exports, logger, exportOpts...),
		Audit:       a.audit,
	}, logger, jobOpts...)

	a.receiver = webhook.NewReceiver(a.jobs, idem, logger,
		webhook.WithSecrets(cfg.WebhookSecrets),
		webhook.WithTTL(cfg.WebhookIdempotencyTTL),
		webhook.WithAudit(a.audit),
	)
	for _, p := range ehr.Providers {
		if _, signed := cfg.WebhookSecrets[p]; !signed {
			logger.Debug().Str("provider", string(p)).Msg("webhook signatures not verified")
		}
	}

	ok = true
	return a, nil
}

func (a *app) idempotencyStore(ctx context.Context) (webhook.IdempotencyStore, error) {
	if a.cfg.RedisURL == "" {
		store := webhook.NewMemoryStore()
		a.closers = append(a.closers, store.Stop)
		return store, nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.logger.Info().Msg("webhook idempotency keys stored in redis")
	return webhook.NewRedisStore(client), nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
