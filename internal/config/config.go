package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `envconfig:"APP_NAME" default:"PayWallet"`
	AppEnv         string        `envconfig:"APP_ENV" default:"development"`
	Port           string        `envconfig:"PORT" default:"8080"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL    string        `envconfig:"DATABASE_URL"`
	RedisURL       string        `envconfig:"REDIS_URL"`
	NATSURL        string        `envconfig:"NATS_URL"`
	AutoMigrate    bool          `envconfig:"AUTO_MIGRATE" default:"true"`
	ShutdownPeriod time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// JWTSecret verifies bearer tokens minted by the identity service.
	JWTSecret string `envconfig:"JWT_SECRET"`

	Idempotency Idempotency
	Ledger      Ledger
	Provider    Provider
	Reconcile   Reconcile

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

// Idempotency tunes the claim/commit guard.
type Idempotency struct {
	TTL         time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	ClaimWindow time.Duration `envconfig:"IDEMPOTENCY_CLAIM_WINDOW" default:"30s"`
	MaxAttempts int           `envconfig:"IDEMPOTENCY_MAX_ATTEMPTS" default:"5"`
}

// Ledger holds defaults applied to newly provisioned wallets and store retries.
type Ledger struct {
	DefaultCurrency       string        `envconfig:"DEFAULT_CURRENCY" default:"NGN"`
	AllowOverdraftDefault bool          `envconfig:"ALLOW_OVERDRAFT_DEFAULT" default:"false"`
	RetryAttempts         int           `envconfig:"LEDGER_RETRY_ATTEMPTS" default:"5"`
	RetryBaseDelay        time.Duration `envconfig:"LEDGER_RETRY_BASE_DELAY" default:"10ms"`
}

// Provider configures the external payment processor integration.
type Provider struct {
	WebhookSecret string `envconfig:"PROVIDER_WEBHOOK_SECRET"`
	CheckoutURL   string `envconfig:"PROVIDER_CHECKOUT_URL" default:"https://checkout.example.com/pay"`
}

// Reconcile configures the background webhook consumers.
type Reconcile struct {
	Workers    int           `envconfig:"RECONCILE_WORKERS" default:"4"`
	Stream     string        `envconfig:"RECONCILE_STREAM" default:"PAYMENTS"`
	Subject    string        `envconfig:"RECONCILE_SUBJECT" default:"payments.events"`
	Consumer   string        `envconfig:"RECONCILE_CONSUMER" default:"reconciler"`
	MaxDeliver int           `envconfig:"RECONCILE_MAX_DELIVER" default:"10"`
	AckWait    time.Duration `envconfig:"RECONCILE_ACK_WAIT" default:"30s"`
}

// Load reads an optional .env file and then populates Config from the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces backing services outside development.
func (c Config) Validate() error {
	if c.Idempotency.MaxAttempts <= 0 {
		return fmt.Errorf("IDEMPOTENCY_MAX_ATTEMPTS must be positive")
	}
	if c.Ledger.RetryAttempts <= 0 {
		return fmt.Errorf("LEDGER_RETRY_ATTEMPTS must be positive")
	}
	if c.IsDevelopment() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.Provider.WebhookSecret == "" {
		return fmt.Errorf("PROVIDER_WEBHOOK_SECRET must be set when APP_ENV=%s", c.AppEnv)
	}
	return nil
}

// IsDevelopment reports whether in-memory fallbacks are acceptable.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
