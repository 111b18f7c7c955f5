package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	Log       LogConfig       `envPrefix:"LOG_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Stripe    StripeConfig    `envPrefix:"STRIPE_"`
	Reconcile ReconcileConfig `envPrefix:"RECONCILE_"`
	Sweep     SweepConfig     `envPrefix:"SWEEP_"`
	Admin     AdminConfig     `envPrefix:"ADMIN_"`
	Archive   ArchiveConfig   `envPrefix:"ARCHIVE_"`
	AMQP      AMQPConfig      `envPrefix:"AMQP_"`
	Postmark  PostmarkConfig  `envPrefix:"POSTMARK_"`

	PlansFile string `env:"PLANS_FILE" envDefault:"plans.toml"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

type DatabaseConfig struct {
	URL             string        `env:"URL"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"1"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"1h"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" envDefault:"false"`
}

type RedisConfig struct {
	Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	PlanTTL  time.Duration `env:"PLAN_TTL" envDefault:"10m"`
	EventTTL time.Duration `env:"EVENT_TTL" envDefault:"72h"`
}

type StripeConfig struct {
	SecretKey             string        `env:"SECRET_KEY"`
	WebhookSecret         string        `env:"WEBHOOK_SECRET"`
	Timeout               time.Duration `env:"TIMEOUT" envDefault:"5s"`
	BreakerMaxFailures    uint32        `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerOpenTimeout    time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
	BreakerHalfOpenProbes uint32        `env:"BREAKER_HALF_OPEN_PROBES" envDefault:"1"`
}

type ReconcileConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	GracePeriod time.Duration `env:"GRACE_PERIOD" envDefault:"24h"`
}

type SweepConfig struct {
	Enabled                 bool          `env:"ENABLED" envDefault:"true"`
	ExpiryInterval          time.Duration `env:"EXPIRY_INTERVAL" envDefault:"10m"`
	ScheduledChangeInterval time.Duration `env:"SCHEDULED_CHANGE_INTERVAL" envDefault:"15m"`
	CleanupInterval         time.Duration `env:"CLEANUP_INTERVAL" envDefault:"30m"`
	BatchSize               int           `env:"BATCH_SIZE" envDefault:"200"`
	Concurrency             int           `env:"CONCURRENCY" envDefault:"8"`
	ProviderRPS             float64       `env:"PROVIDER_RPS" envDefault:"10"`
	PendingPaymentTTL       time.Duration `env:"PENDING_PAYMENT_TTL" envDefault:"24h"`
}

type AdminConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	JWKSURL   string `env:"JWKS_URL"`
	Role      string `env:"ROLE" envDefault:"admin"`

	// APISunset retires the v1 admin prefix; zero keeps it current
	APISunset    time.Time `env:"API_SUNSET"`
	APISuccessor string    `env:"API_SUCCESSOR"`
}

type ArchiveConfig struct {
	Enabled   bool   `env:"ENABLED" envDefault:"false"`
	Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
	Bucket    string `env:"BUCKET" envDefault:"billing-webhooks"`
}

type AMQPConfig struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"billing.events"`
}

type PostmarkConfig struct {
	ServerToken  string `env:"SERVER_TOKEN"`
	AccountToken string `env:"ACCOUNT_TOKEN"`
	FromEmail    string `env:"FROM_EMAIL" envDefault:"billing@example.com"`
	ReplyTo      string `env:"REPLY_TO"`
}

var (
	ErrDatabaseURLRequired   = errors.New("DB_URL is required")
	ErrWebhookSecretRequired = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrAdminAuthRequired     = errors.New("ADMIN_JWT_SECRET or ADMIN_JWKS_URL is required")
)

// Load reads configuration from the environment, after loading a .env file if one exists
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, ErrDatabaseURLRequired
	}
	if cfg.Reconcile.MaxAttempts < 1 {
		cfg.Reconcile.MaxAttempts = 1
	}
	return cfg, nil
}

// ValidateServe checks settings only the HTTP server needs
func (c *Config) ValidateServe() error {
	var errs []error
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, ErrWebhookSecretRequired)
	}
	if c.Admin.JWTSecret == "" && c.Admin.JWKSURL == "" {
		errs = append(errs, ErrAdminAuthRequired)
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
