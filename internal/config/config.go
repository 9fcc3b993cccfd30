package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Ledger backends selectable through LEDGER_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all configuration for the metering service
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Ledger        LedgerConfig
	Billing       BillingConfig
	Security      SecurityConfig
	Sessions      SessionConfig
	RateLimit     RateLimitConfig
	Notifications NotificationsConfig
	Monitoring    MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Environment     string
	AllowedOrigins  []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// LedgerConfig selects and tunes the ledger store
type LedgerConfig struct {
	Backend string
	// Stripes is the number of per-user lock stripes of the memory backend.
	Stripes int
}

// BillingConfig holds purchase ingestion configuration
type BillingConfig struct {
	WebhookSecret       string
	StripeWebhookSecret string
	// WebhookLockTTL bounds how long an in-flight delivery holds its event id.
	WebhookLockTTL time.Duration
	// Products maps store product ids to the number of tokens granted.
	Products map[string]decimal.Decimal
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	JWTSecret     string
	AdminAPIToken string
}

// SessionConfig holds metered session configuration
type SessionConfig struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	Retention        time.Duration
	MaxTracked       int
}

// RateLimitConfig holds per-user request limits
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
}

// NotificationsConfig configures the outbound event webhook. An empty
// WebhookURL keeps events in the audit log only.
type NotificationsConfig struct {
	WebhookURL    string
	WebhookSecret string
	// Events limits forwarding to these event types; empty forwards all.
	Events     []string
	MaxRetries int
	Timeout    time.Duration
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// DefaultProducts is the product catalogue used when none is configured.
var DefaultProducts = map[string]string{
	"tokens_120":         "120",
	"tokens_300":         "300",
	"tokens_1000":        "1000",
	"sub_monthly_basic":  "200",
	"sub_monthly_pro":    "600",
	"price_tokens_120":   "120",
	"price_tokens_300":   "300",
	"price_sub_pro_mthl": "600",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ledger")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "token_ledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.stripes", 64)

	v.SetDefault("billing.webhook_secret", "")
	v.SetDefault("billing.stripe_webhook_secret", "")
	v.SetDefault("billing.webhook_lock_ttl", "2m")
	v.SetDefault("billing.products", DefaultProducts)

	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.admin_api_token", "")

	v.SetDefault("sessions.heartbeat_timeout", "90s")
	v.SetDefault("sessions.sweep_interval", "15s")
	v.SetDefault("sessions.retention", "10m")
	v.SetDefault("sessions.max_tracked", 100000)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_minute", 120)

	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.webhook_secret", "")
	v.SetDefault("notifications.events", []string{})
	v.SetDefault("notifications.max_retries", 3)
	v.SetDefault("notifications.timeout", "10s")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.log_level", "info")
}

// env aliases kept for deployments that predate the dotted keys
var envAliases = map[string]string{
	"server.port":                   "PORT",
	"database.password":             "DB_PASSWORD",
	"database.host":                 "DB_HOST",
	"database.name":                 "DB_NAME",
	"database.user":                 "DB_USER",
	"ledger.backend":                "LEDGER_BACKEND",
	"billing.webhook_secret":        "WEBHOOK_SECRET",
	"billing.stripe_webhook_secret": "STRIPE_WEBHOOK_SECRET",
	"security.jwt_secret":           "JWT_SECRET",
	"security.admin_api_token":      "ADMIN_API_TOKEN",
	"sessions.heartbeat_timeout":    "SESSION_HEARTBEAT_TIMEOUT",
	"sessions.retention":            "SESSION_RETENTION",
	"notifications.webhook_url":     "NOTIFY_WEBHOOK_URL",
	"notifications.webhook_secret":  "NOTIFY_WEBHOOK_SECRET",
	"monitoring.log_level":          "LOG_LEVEL",
}

// LoadConfig loads configuration from defaults, an optional config file and
// the environment. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLedgerConfig loads the same sources as LoadConfig but only validates
// the storage settings. Operator tooling that never serves HTTP uses it.
func LoadLedgerConfig(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := errors.Join(cfg.backendErrors()...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	products, err := parseProducts(v.GetStringMapString("billing.products"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			Environment:     v.GetString("server.environment"),
			AllowedOrigins:  v.GetStringSlice("server.allowed_origins"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Database:        v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			PoolSize: v.GetInt("redis.pool_size"),
		},
		Ledger: LedgerConfig{
			Backend: strings.ToLower(v.GetString("ledger.backend")),
			Stripes: v.GetInt("ledger.stripes"),
		},
		Billing: BillingConfig{
			WebhookSecret:       v.GetString("billing.webhook_secret"),
			StripeWebhookSecret: v.GetString("billing.stripe_webhook_secret"),
			WebhookLockTTL:      v.GetDuration("billing.webhook_lock_ttl"),
			Products:            products,
		},
		Security: SecurityConfig{
			JWTSecret:     v.GetString("security.jwt_secret"),
			AdminAPIToken: v.GetString("security.admin_api_token"),
		},
		Sessions: SessionConfig{
			HeartbeatTimeout: v.GetDuration("sessions.heartbeat_timeout"),
			SweepInterval:    v.GetDuration("sessions.sweep_interval"),
			Retention:        v.GetDuration("sessions.retention"),
			MaxTracked:       v.GetInt("sessions.max_tracked"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           v.GetBool("ratelimit.enabled"),
			RequestsPerMinute: v.GetInt("ratelimit.requests_per_minute"),
		},
		Notifications: NotificationsConfig{
			WebhookURL:    v.GetString("notifications.webhook_url"),
			WebhookSecret: v.GetString("notifications.webhook_secret"),
			Events:        v.GetStringSlice("notifications.events"),
			MaxRetries:    v.GetInt("notifications.max_retries"),
			Timeout:       v.GetDuration("notifications.timeout"),
		},
		Monitoring: MonitoringConfig{
			Enabled:     v.GetBool("monitoring.enabled"),
			MetricsPath: v.GetString("monitoring.metrics_path"),
			LogLevel:    v.GetString("monitoring.log_level"),
		},
	}, nil
}

func parseProducts(raw map[string]string) (map[string]decimal.Decimal, error) {
	products := make(map[string]decimal.Decimal, len(raw))
	for id, amount := range raw {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("product %q: invalid token amount %q: %w", id, amount, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("product %q: token amount must be positive", id)
		}
		products[id] = d
	}
	return products, nil
}

// Validate fails fast on settings the service cannot run without.
func (c *Config) Validate() error {
	errs := c.backendErrors()

	if c.Billing.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	if c.Security.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Security.AdminAPIToken == "" {
		errs = append(errs, errors.New("ADMIN_API_TOKEN is required"))
	}
	if len(c.Billing.Products) == 0 {
		errs = append(errs, errors.New("at least one billing product is required"))
	}
	if c.Sessions.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_HEARTBEAT_TIMEOUT must be positive"))
	}
	if c.Sessions.SweepInterval <= 0 {
		errs = append(errs, errors.New("SESSIONS_SWEEP_INTERVAL must be positive"))
	}
	if c.Notifications.WebhookURL != "" && c.Notifications.WebhookSecret == "" {
		errs = append(errs, errors.New("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set"))
	}

	return errors.Join(errs...)
}

func (c *Config) backendErrors() []error {
	var errs []error

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD is required for the postgres ledger backend"))
		}
	case BackendRedis:
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("REDIS_ENABLED must be true for the redis ledger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.Ledger.Backend))
	}
	if c.Ledger.Stripes <= 0 {
		errs = append(errs, errors.New("LEDGER_STRIPES must be positive"))
	}
	return errs
}

// Addr returns the listen address of the HTTP server
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
