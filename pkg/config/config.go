package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable consumed by the services.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Billing      BillingConfig
	Stripe       StripeConfig
	Square       SquareConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MESAFLOW_APP_ENV" required:"true"`
	Port         string `envconfig:"MESAFLOW_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MESAFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MESAFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MESAFLOW_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MESAFLOW_DB_DSN"`
	Driver string `envconfig:"MESAFLOW_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"MESAFLOW_DB_HOST"`
	Port     int    `envconfig:"MESAFLOW_DB_PORT" default:"5432"`
	User     string `envconfig:"MESAFLOW_DB_USER"`
	Password string `envconfig:"MESAFLOW_DB_PASSWORD"`
	Name     string `envconfig:"MESAFLOW_DB_NAME"`
	SSLMode  string `envconfig:"MESAFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MESAFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MESAFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MESAFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MESAFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MESAFLOW_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MESAFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"MESAFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"MESAFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MESAFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MESAFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MESAFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MESAFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MESAFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"MESAFLOW_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"MESAFLOW_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"MESAFLOW_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"MESAFLOW_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"MESAFLOW_AUTO_MIGRATE" default:"false"`
}

// BillingConfig is the tunable surface of the renewal/retry/expiration engine.
// The scheduler and state machine consume it through an immutable policy value
// built once at startup.
type BillingConfig struct {
	MaxRetryAttempts  int           `envconfig:"MESAFLOW_BILLING_MAX_RETRY_ATTEMPTS" default:"3"`
	RetryDelayDays    []int         `envconfig:"MESAFLOW_BILLING_RETRY_DELAY_DAYS" default:"1,3,7"`
	GracePeriodDays   int           `envconfig:"MESAFLOW_BILLING_GRACE_PERIOD_DAYS" default:"3"`
	ReminderLeadDays  []int         `envconfig:"MESAFLOW_BILLING_REMINDER_LEAD_DAYS" default:"3,7"`
	ChargeTimeout     time.Duration `envconfig:"MESAFLOW_BILLING_CHARGE_TIMEOUT" default:"30s"`
	SweepBatchLimit   int           `envconfig:"MESAFLOW_BILLING_SWEEP_BATCH_LIMIT" default:"250"`
	WebhookDedupTTL   time.Duration `envconfig:"MESAFLOW_BILLING_WEBHOOK_DEDUP_TTL" default:"72h"`
	TestWebhookSecret string        `envconfig:"MESAFLOW_BILLING_TEST_WEBHOOK_SECRET"`
}

func (b BillingConfig) validate() error {
	if b.MaxRetryAttempts <= 0 {
		return fmt.Errorf("billing max retry attempts must be positive")
	}
	if len(b.RetryDelayDays) == 0 {
		return fmt.Errorf("billing retry delay schedule is required")
	}
	for _, days := range b.RetryDelayDays {
		if days <= 0 {
			return fmt.Errorf("billing retry delays must be positive, got %d", days)
		}
	}
	if b.GracePeriodDays <= 0 {
		return fmt.Errorf("billing grace period must be positive")
	}
	for _, days := range b.ReminderLeadDays {
		if days <= 0 {
			return fmt.Errorf("billing reminder lead days must be positive, got %d", days)
		}
	}
	return nil
}

type StripeConfig struct {
	APIKey string `envconfig:"MESAFLOW_STRIPE_API_KEY"`
	Secret string `envconfig:"MESAFLOW_STRIPE_WEBHOOK_SECRET"`
	Env    string `envconfig:"MESAFLOW_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SquareConfig struct {
	AccessToken string `envconfig:"MESAFLOW_SQUARE_ACCESS_TOKEN"`
	Secret      string `envconfig:"MESAFLOW_SQUARE_WEBHOOK_SECRET"`
	Environment string `envconfig:"MESAFLOW_SQUARE_ENV" default:"sandbox"`
	LocationID  string `envconfig:"MESAFLOW_SQUARE_LOCATION_ID"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"MESAFLOW_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	BillingTopic        string `envconfig:"MESAFLOW_PUBSUB_BILLING_TOPIC" default:"mf-billing-events"`
	NotificationTopic   string `envconfig:"MESAFLOW_PUBSUB_NOTIFICATION_TOPIC" default:"mf-notification-events"`
	BillingSubscription string `envconfig:"MESAFLOW_PUBSUB_BILLING_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"MESAFLOW_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"MESAFLOW_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"MESAFLOW_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	required := map[string]string{
		"MESAFLOW_DB_HOST": db.Host,
		"MESAFLOW_DB_USER": db.User,
		"MESAFLOW_DB_NAME": db.Name,
	}
	for _, env := range []string{"MESAFLOW_DB_HOST", "MESAFLOW_DB_USER", "MESAFLOW_DB_NAME"} {
		if required[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either MESAFLOW_DB_DSN or %s are required", strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
