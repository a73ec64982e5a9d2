package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix namespaces every environment variable this service reads.
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "TRACELIGHT_DB_DSN"
	EnvDBHost = "TRACELIGHT_DB_HOST"
	EnvDBUser = "TRACELIGHT_DB_USER"
	EnvDBName = "TRACELIGHT_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	Commands     CommandsConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TRACELIGHT_APP_ENV" required:"true"`
	Port         string `envconfig:"TRACELIGHT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"TRACELIGHT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TRACELIGHT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TRACELIGHT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TRACELIGHT_DB_DSN"`
	Driver string `envconfig:"TRACELIGHT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TRACELIGHT_DB_HOST"`
	LegacyPort     int    `envconfig:"TRACELIGHT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TRACELIGHT_DB_USER"`
	LegacyPassword string `envconfig:"TRACELIGHT_DB_PASSWORD"`
	LegacyName     string `envconfig:"TRACELIGHT_DB_NAME"`
	LegacySSLMode  string `envconfig:"TRACELIGHT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TRACELIGHT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TRACELIGHT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TRACELIGHT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TRACELIGHT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TRACELIGHT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TRACELIGHT_REDIS_ADDR"`
	Password     string        `envconfig:"TRACELIGHT_REDIS_PASSWORD"`
	DB           int           `envconfig:"TRACELIGHT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TRACELIGHT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TRACELIGHT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TRACELIGHT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TRACELIGHT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TRACELIGHT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"TRACELIGHT_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"TRACELIGHT_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"TRACELIGHT_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"TRACELIGHT_STRIPE_ENV" default:"test"`

	// ZeroAuthAmountCents is the nominal non-captured authorization placed to
	// validate a card during metered-plan checkout. Never captured.
	ZeroAuthAmountCents int64  `envconfig:"TRACELIGHT_STRIPE_ZERO_AUTH_AMOUNT_CENTS" default:"50"`
	ZeroAuthCurrency    string `envconfig:"TRACELIGHT_STRIPE_ZERO_AUTH_CURRENCY" default:"usd"`

	// UsageMeterEventName identifies the billing meter that metered usage is
	// reported against.
	UsageMeterEventName string `envconfig:"TRACELIGHT_STRIPE_USAGE_METER_EVENT" default:"ingested_events"`

	SuccessURL string `envconfig:"TRACELIGHT_STRIPE_CHECKOUT_SUCCESS_URL" default:"https://app.tracelight.dev/billing/welcome?session_id={CHECKOUT_SESSION_ID}"`
	CancelURL  string `envconfig:"TRACELIGHT_STRIPE_CHECKOUT_CANCEL_URL" default:"https://app.tracelight.dev/billing/failed?session_id={CHECKOUT_SESSION_ID}"`
	PortalURL  string `envconfig:"TRACELIGHT_STRIPE_PORTAL_RETURN_URL" default:"https://app.tracelight.dev/organization/billing"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type BillingConfig struct {
	// TrialDays applies uniformly to all new subscriptions; 0 disables trials.
	TrialDays int `envconfig:"TRACELIGHT_BILLING_TRIAL_DAYS" default:"0"`

	// DefaultNoPlanAllocation caps monthly event ingestion for organizations
	// without an assigned plan. Zero or negative means unlimited.
	DefaultNoPlanAllocation int64 `envconfig:"TRACELIGHT_BILLING_NO_PLAN_EVENT_ALLOCATION" default:"0"`

	// UsageFlagTTL bounds staleness of the cached allocation-exceeded flag.
	UsageFlagTTL time.Duration `envconfig:"TRACELIGHT_BILLING_USAGE_FLAG_TTL" default:"60s"`

	// SnapshotTTL bounds staleness of the per-organization billing snapshot
	// used on the ingest path.
	SnapshotTTL time.Duration `envconfig:"TRACELIGHT_BILLING_SNAPSHOT_TTL" default:"5m"`

	PlanRefreshInterval time.Duration `envconfig:"TRACELIGHT_BILLING_PLAN_REFRESH_INTERVAL" default:"5m"`
}

type CommandsConfig struct {
	MaxAttempts    int           `envconfig:"TRACELIGHT_COMMANDS_MAX_ATTEMPTS" default:"8"`
	BaseBackoff    time.Duration `envconfig:"TRACELIGHT_COMMANDS_BASE_BACKOFF" default:"30s"`
	MaxBackoff     time.Duration `envconfig:"TRACELIGHT_COMMANDS_MAX_BACKOFF" default:"1h"`
	AttemptTimeout time.Duration `envconfig:"TRACELIGHT_COMMANDS_ATTEMPT_TIMEOUT" default:"15s"`
	SweepBatchSize int           `envconfig:"TRACELIGHT_COMMANDS_SWEEP_BATCH_SIZE" default:"50"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"TRACELIGHT_CRON_INTERVAL" default:"1m"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"TRACELIGHT_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"TRACELIGHT_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"TRACELIGHT_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	UsageSubscription string `envconfig:"TRACELIGHT_PUBSUB_USAGE_SUBSCRIPTION" default:"tl-usage-counts"`
}

type BigQueryConfig struct {
	Dataset     string `envconfig:"TRACELIGHT_BIGQUERY_DATASET" default:"tracelight"`
	EventsTable string `envconfig:"TRACELIGHT_BIGQUERY_EVENTS_TABLE" default:"ingested_events"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
