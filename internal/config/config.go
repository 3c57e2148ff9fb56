package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/holovitals/ehrsync/internal/ehr"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	Storage        string   `mapstructure:"STORAGE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	SyncWorkers        int           `mapstructure:"SYNC_WORKERS"`
	SyncPollInterval   time.Duration `mapstructure:"SYNC_POLL_INTERVAL"`
	SyncMaxAttempts    int           `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncRetryBaseDelay time.Duration `mapstructure:"SYNC_RETRY_BASE_DELAY"`
	SyncRetryMaxDelay  time.Duration `mapstructure:"SYNC_RETRY_MAX_DELAY"`
	SchedulerInterval  time.Duration `mapstructure:"SCHEDULER_INTERVAL"`

	BulkPollInterval time.Duration `mapstructure:"BULK_POLL_INTERVAL"`
	BulkMaxWait      time.Duration `mapstructure:"BULK_MAX_WAIT"`

	ConflictTieTolerance time.Duration `mapstructure:"CONFLICT_TIE_TOLERANCE"`
	ConflictWindow       time.Duration `mapstructure:"CONFLICT_WINDOW"`

	RateLimitMaxWait      time.Duration `mapstructure:"RATE_LIMIT_MAX_WAIT"`
	WebhookIdempotencyTTL time.Duration `mapstructure:"WEBHOOK_IDEMPOTENCY_TTL"`

	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaAuditTopic string   `mapstructure:"KAFKA_AUDIT_TOPIC"`

	MinIOEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucket    string `mapstructure:"MINIO_BUCKET"`
	MinIOSecure    bool   `mapstructure:"MINIO_SECURE"`

	// Vendors and WebhookSecrets are keyed on provider and read from the
	// EHR_<VENDOR>_* and WEBHOOK_SECRET_<VENDOR> variables.
	Vendors        map[ehr.Provider]ehr.VendorSettings `mapstructure:"-"`
	WebhookSecrets map[ehr.Provider]string             `mapstructure:"-"`
}

var keys = []string{
	"PORT", "ENV", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SYNC_WORKERS", "SYNC_POLL_INTERVAL", "SYNC_MAX_ATTEMPTS",
	"SYNC_RETRY_BASE_DELAY", "SYNC_RETRY_MAX_DELAY", "SCHEDULER_INTERVAL",
	"BULK_POLL_INTERVAL", "BULK_MAX_WAIT",
	"CONFLICT_TIE_TOLERANCE", "CONFLICT_WINDOW",
	"RATE_LIMIT_MAX_WAIT", "WEBHOOK_IDEMPOTENCY_TTL",
	"KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_SECURE",
}

var vendorFields = []string{"CLIENT_ID", "CLIENT_SECRET", "REDIRECT_URI", "BASE_URL", "RPS", "BURST"}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_POLL_INTERVAL", "1s")
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_RETRY_BASE_DELAY", "5s")
	v.SetDefault("SYNC_RETRY_MAX_DELAY", "5m")
	v.SetDefault("SCHEDULER_INTERVAL", "1m")
	v.SetDefault("BULK_POLL_INTERVAL", "5s")
	v.SetDefault("BULK_MAX_WAIT", "30m")
	v.SetDefault("CONFLICT_TIE_TOLERANCE", "0s")
	v.SetDefault("CONFLICT_WINDOW", "24h")
	v.SetDefault("RATE_LIMIT_MAX_WAIT", "10s")
	v.SetDefault("WEBHOOK_IDEMPOTENCY_TTL", "72h")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "holovitals.sync.audit")
	v.SetDefault("MINIO_BUCKET", "holovitals-bulk-exports")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	for _, p := range ehr.Providers {
		for _, f := range vendorFields {
			_ = v.BindEnv(vendorKey(p, f))
		}
		_ = v.BindEnv(secretKey(p))
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))

	cfg.Vendors = make(map[ehr.Provider]ehr.VendorSettings)
	cfg.WebhookSecrets = make(map[ehr.Provider]string)
	for _, p := range ehr.Providers {
		cfg.Vendors[p] = ehr.VendorSettings{
			Credentials: ehr.Credentials{
				ClientID:     v.GetString(vendorKey(p, "CLIENT_ID")),
				ClientSecret: v.GetString(vendorKey(p, "CLIENT_SECRET")),
				RedirectURI:  v.GetString(vendorKey(p, "REDIRECT_URI")),
			},
			BaseURL: v.GetString(vendorKey(p, "BASE_URL")),
			RPS:     v.GetFloat64(vendorKey(p, "RPS")),
			Burst:   v.GetInt(vendorKey(p, "BURST")),
		}
		if s := v.GetString(secretKey(p)); s != "" {
			cfg.WebhookSecrets[p] = s
		}
	}

	if cfg.IsDev() {
		log.Warn().Msg("running in DEVELOPMENT mode: DevAuthMiddleware grants admin to every request; set ENV=production and AUTH_SIGNING_KEY before deploying")
	}

	return cfg, nil
}

func vendorKey(p ehr.Provider, field string) string {
	return "EHR_" + string(p) + "_" + field
}

func secretKey(p ehr.Provider) string {
	return "WEBHOOK_SECRET_" + string(p)
}

// splitList accepts either an already decoded list or a comma separated
// string, dropping blanks.
func splitList(decoded []string, raw string) []string {
	if len(decoded) == 1 && strings.Contains(decoded[0], ",") {
		raw = decoded[0]
		decoded = nil
	}
	if len(decoded) == 0 {
		if raw == "" {
			return nil
		}
		decoded = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(decoded))
	for _, s := range decoded {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether repositories are backed by the database.
func (c *Config) UsesPostgres() bool {
	return c.Storage == StoragePostgres
}

// Validate checks that the configuration is safe to run. Postgres storage
// needs DATABASE_URL, and production refuses to start without a JWT signing
// key.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}

	if c.IsProduction() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers)
	}
	if c.SyncMaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.SyncMaxAttempts)
	}
	if c.SyncRetryMaxDelay < c.SyncRetryBaseDelay {
		return fmt.Errorf("SYNC_RETRY_MAX_DELAY (%s) must not be shorter than SYNC_RETRY_BASE_DELAY (%s)", c.SyncRetryMaxDelay, c.SyncRetryBaseDelay)
	}
	if c.ConflictTieTolerance < 0 || c.ConflictWindow < 0 {
		return fmt.Errorf("CONFLICT_TIE_TOLERANCE and CONFLICT_WINDOW must not be negative")
	}
	if c.MinIOEndpoint != "" && (c.MinIOAccessKey == "" || c.MinIOSecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return nil
}
