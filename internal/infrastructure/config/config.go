package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/relay/backend/internal/infrastructure/broker"
	"github.com/relay/backend/internal/infrastructure/cache"
	"github.com/relay/backend/internal/infrastructure/logger"
	"github.com/relay/backend/internal/infrastructure/outbox"
	"github.com/relay/backend/internal/infrastructure/persistence/tenant"
	"github.com/relay/backend/internal/infrastructure/telemetry"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Broker      BrokerConfig
	Outbox      OutboxConfig
	Tenant      TenantConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Idempotency IdempotencyConfig
	Telemetry   TelemetryConfig
	Profiling   ProfilingConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn warning error"`
	Format string `validate:"oneof=json console"`
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name    string `validate:"required"`
	Env     string `validate:"required"`
	Port    string `validate:"required,numeric"`
	Version string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string `validate:"required"`
	Port            int    `validate:"gt=0,lte=65535"`
	User            string `validate:"required"`
	Password        string
	DBName          string `validate:"required"`
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	AutoMigrate     bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int `validate:"gte=0"`
}

// BrokerConfig selects the outbound message broker
type BrokerConfig struct {
	Driver               string        `validate:"oneof=rabbitmq redis memory"`
	URL                  string        // AMQP URL when Driver is rabbitmq
	ExchangeType         string        // used only when DeclareExchange is set
	DeclareExchange      bool          // exchanges are expected to exist unless set
	ConfirmTimeout       time.Duration `validate:"gt=0"`
	MaxReconnectAttempts int           `validate:"gt=0"`
	StreamPrefix         string        // Redis stream key prefix
	StreamMaxLen         int64         `validate:"gte=0"`
}

// OutboxConfig holds the outbox dispatcher settings
type OutboxConfig struct {
	Enabled            bool
	BatchSize          int    `validate:"gt=0"`
	MaxRetries         int    `validate:"gt=0"`
	RetentionDays      int    `validate:"gt=0"`
	DispatchIntervalMs int64  `validate:"gt=0"`
	CleanupIntervalMs  int64  `validate:"gt=0"`
	ExchangeName       string `validate:"required"`
	SendTimeoutMs      int64  `validate:"gt=0"`
}

// TenantConfig names the session settings read by row-level security policies
type TenantConfig struct {
	TenantSetting string `validate:"required"`
	UserSetting   string `validate:"required"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
}

// IdempotencyConfig selects where Idempotency-Key responses are kept
type IdempotencyConfig struct {
	Store string        `validate:"oneof=none memory redis"`
	TTL   time.Duration `validate:"gte=0"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsInterval   time.Duration
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only, disable in prod for security)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// ProfilingConfig holds Pyroscope continuous profiling settings
type ProfilingConfig struct {
	Enabled           bool
	ServerAddress     string // e.g. http://pyroscope:4040
	ApplicationName   string
	BasicAuthUser     string
	BasicAuthPassword string
	ProfileTypes      []string
	SpanProfiles      bool // link CPU samples to trace spans; needs telemetry.enabled
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with RELAY_ prefix (e.g., RELAY_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true cannot be told apart from "unset" after
	// loading, so they get viper defaults instead of applyDefaults entries.
	v.SetDefault("outbox.enabled", true)
	v.SetDefault("database.auto_migrate", true)

	cfg := &Config{
		App: AppConfig{
			Name:    v.GetString("app.name"),
			Env:     v.GetString("app.env"),
			Port:    v.GetString("app.port"),
			Version: v.GetString("app.version"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Broker: BrokerConfig{
			Driver:               v.GetString("broker.driver"),
			URL:                  v.GetString("broker.url"),
			ExchangeType:         v.GetString("broker.exchange_type"),
			DeclareExchange:      v.GetBool("broker.declare_exchange"),
			ConfirmTimeout:       v.GetDuration("broker.confirm_timeout"),
			MaxReconnectAttempts: v.GetInt("broker.max_reconnect_attempts"),
			StreamPrefix:         v.GetString("broker.stream_prefix"),
			StreamMaxLen:         v.GetInt64("broker.stream_max_len"),
		},
		Outbox: OutboxConfig{
			Enabled:            v.GetBool("outbox.enabled"),
			BatchSize:          v.GetInt("outbox.batch_size"),
			MaxRetries:         v.GetInt("outbox.max_retries"),
			RetentionDays:      v.GetInt("outbox.retention_days"),
			DispatchIntervalMs: v.GetInt64("outbox.dispatch_interval_ms"),
			CleanupIntervalMs:  v.GetInt64("outbox.cleanup_interval_ms"),
			ExchangeName:       v.GetString("outbox.exchange_name"),
			SendTimeoutMs:      v.GetInt64("outbox.send_timeout_ms"),
		},
		Tenant: TenantConfig{
			TenantSetting: v.GetString("tenant.tenant_setting"),
			UserSetting:   v.GetString("tenant.user_setting"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		Idempotency: IdempotencyConfig{
			Store: v.GetString("idempotency.store"),
			TTL:   v.GetDuration("idempotency.ttl"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
		Profiling: ProfilingConfig{
			Enabled:           v.GetBool("profiling.enabled"),
			ServerAddress:     v.GetString("profiling.server_address"),
			ApplicationName:   v.GetString("profiling.application_name"),
			BasicAuthUser:     v.GetString("profiling.basic_auth_user"),
			BasicAuthPassword: v.GetString("profiling.basic_auth_password"),
			ProfileTypes:      v.GetStringSlice("profiling.profile_types"),
			SpanProfiles:      v.GetBool("profiling.span_profiles"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "relay"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "dev"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "relay"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	if cfg.Idempotency.Store == "" {
		cfg.Idempotency.Store = cache.KindMemory
	}
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}

	rabbit := broker.DefaultRabbitMQConfig()
	if cfg.Broker.Driver == "" {
		cfg.Broker.Driver = broker.KindMemory
	}
	if cfg.Broker.URL == "" {
		cfg.Broker.URL = rabbit.URL
	}
	if cfg.Broker.ExchangeType == "" {
		cfg.Broker.ExchangeType = rabbit.ExchangeType
	}
	if cfg.Broker.ConfirmTimeout == 0 {
		cfg.Broker.ConfirmTimeout = rabbit.ConfirmTimeout
	}
	if cfg.Broker.MaxReconnectAttempts == 0 {
		cfg.Broker.MaxReconnectAttempts = rabbit.MaxReconnectAttempts
	}

	dispatcher := outbox.DefaultDispatcherConfig()
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = dispatcher.BatchSize
	}
	if cfg.Outbox.MaxRetries == 0 {
		cfg.Outbox.MaxRetries = dispatcher.MaxRetries
	}
	if cfg.Outbox.RetentionDays == 0 {
		cfg.Outbox.RetentionDays = int(dispatcher.Retention / (24 * time.Hour))
	}
	if cfg.Outbox.DispatchIntervalMs == 0 {
		cfg.Outbox.DispatchIntervalMs = dispatcher.DispatchInterval.Milliseconds()
	}
	if cfg.Outbox.CleanupIntervalMs == 0 {
		cfg.Outbox.CleanupIntervalMs = dispatcher.CleanupInterval.Milliseconds()
	}
	if cfg.Outbox.ExchangeName == "" {
		cfg.Outbox.ExchangeName = dispatcher.Exchange
	}
	if cfg.Outbox.SendTimeoutMs == 0 {
		cfg.Outbox.SendTimeoutMs = dispatcher.SendTimeout.Milliseconds()
	}

	if cfg.Tenant.TenantSetting == "" {
		cfg.Tenant.TenantSetting = tenant.DefaultTenantSetting
	}
	if cfg.Tenant.UserSetting == "" {
		cfg.Tenant.UserSetting = tenant.DefaultUserSetting
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	// No default CORS origins: cross-origin requests stay disabled until configured.
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "X-Request-ID", "X-Tenant-ID", "X-User-ID"}
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}

	if cfg.Profiling.ApplicationName == "" {
		cfg.Profiling.ApplicationName = cfg.App.Name
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validate performs validation on the configuration
func (c *Config) validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Broker.Driver == broker.KindRabbitMQ && c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required for the rabbitmq driver")
	}
	if err := c.Outbox.DispatcherConfig().Validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Broker.Driver == broker.KindMemory {
			return fmt.Errorf("broker.driver cannot be 'memory' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		return fmt.Errorf("profiling.server_address is required when profiling is enabled")
	}
	if _, err := telemetry.ParseProfileTypes(c.Profiling.ProfileTypes); err != nil {
		return fmt.Errorf("profiling.profile_types: %w", err)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// DispatcherConfig converts the outbox section into dispatcher settings
func (o OutboxConfig) DispatcherConfig() outbox.DispatcherConfig {
	return outbox.DispatcherConfig{
		Enabled:          o.Enabled,
		BatchSize:        o.BatchSize,
		MaxRetries:       o.MaxRetries,
		Retention:        time.Duration(o.RetentionDays) * 24 * time.Hour,
		DispatchInterval: time.Duration(o.DispatchIntervalMs) * time.Millisecond,
		CleanupInterval:  time.Duration(o.CleanupIntervalMs) * time.Millisecond,
		Exchange:         o.ExchangeName,
		SendTimeout:      time.Duration(o.SendTimeoutMs) * time.Millisecond,
	}
}

// BrokerConfig builds the broker settings from the broker and redis sections
func (c *Config) BrokerConfig() broker.Config {
	rabbit := broker.DefaultRabbitMQConfig()
	rabbit.URL = c.Broker.URL
	rabbit.ExchangeType = c.Broker.ExchangeType
	rabbit.DeclareExchange = c.Broker.DeclareExchange
	rabbit.ConfirmTimeout = c.Broker.ConfirmTimeout
	rabbit.MaxReconnectAttempts = c.Broker.MaxReconnectAttempts

	return broker.Config{
		Kind:     c.Broker.Driver,
		RabbitMQ: rabbit,
		Redis: broker.RedisConfig{
			Host:         c.Redis.Host,
			Port:         c.Redis.Port,
			Password:     c.Redis.Password,
			DB:           c.Redis.DB,
			StreamPrefix: c.Broker.StreamPrefix,
			MaxLen:       c.Broker.StreamMaxLen,
		},
	}
}

// CacheRedisConfig returns the Redis settings for the idempotency store
func (c *Config) CacheRedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Host:     c.Redis.Host,
		Port:     c.Redis.Port,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// ProviderConfig returns the tenant session setting names
func (t TenantConfig) ProviderConfig() tenant.ProviderConfig {
	return tenant.ProviderConfig{
		TenantSetting: t.TenantSetting,
		UserSetting:   t.UserSetting,
	}
}

// LoggerConfig converts the log section into logger settings
func (l LogConfig) LoggerConfig() *logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = l.Format
	cfg.Output = l.Output
	return cfg
}

// TracingConfig converts the telemetry section into provider settings
func (c *Config) TracingConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:           c.Telemetry.Enabled,
		CollectorEndpoint: c.Telemetry.CollectorEndpoint,
		Insecure:          c.Telemetry.Insecure,
		ServiceName:       c.Telemetry.ServiceName,
		ServiceVersion:    c.App.Version,
		SamplingRatio:     c.Telemetry.SamplingRatio,
	}
}

// DBTracingConfig converts the database tracing options
func (c *Config) DBTracingConfig() telemetry.DBTracingConfig {
	return telemetry.DBTracingConfig{
		Enabled:          c.Telemetry.Enabled && c.Telemetry.DBTraceEnabled,
		DBName:           c.Database.DBName,
		SlowQueryThresh:  c.Telemetry.DBSlowQueryThresh,
		WithoutVariables: !c.Telemetry.DBLogFullSQL,
	}
}

// ProfilerConfig converts the profiling section into profiler settings
func (c *Config) ProfilerConfig() telemetry.ProfilerConfig {
	return telemetry.ProfilerConfig{
		Enabled:           c.Profiling.Enabled,
		ServerAddress:     c.Profiling.ServerAddress,
		ApplicationName:   c.Profiling.ApplicationName,
		BasicAuthUser:     c.Profiling.BasicAuthUser,
		BasicAuthPassword: c.Profiling.BasicAuthPassword,
		ProfileTypes:      c.Profiling.ProfileTypes,
		SpanProfiles:      c.Profiling.SpanProfiles && c.Telemetry.Enabled,
	}
}
