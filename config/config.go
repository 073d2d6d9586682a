package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FERN_DATABASE_HOST.
const EnvPrefix = "FERN"

type Config struct {
	AppName            string `mapstructure:"app_name" validate:"required"`
	StartupMaxAttempts int    `mapstructure:"startup_max_attempts" validate:"gte=1"`

	Log        LogConfig        `mapstructure:"log"`
	Resolution ResolutionConfig `mapstructure:"resolution"`
	Inference  InferenceConfig  `mapstructure:"inference"`
	Categories []CategoryConfig `mapstructure:"categories" validate:"dive"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Status     StatusConfig     `mapstructure:"status"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

// ResolutionConfig drives canonicalization.
type ResolutionConfig struct {
	Incremental bool   `mapstructure:"incremental"`
	NoFallback  bool   `mapstructure:"no_fallback"`
	Store       string `mapstructure:"store" validate:"oneof=postgres memory"`
	// MaxAttempts bounds store conflict retries before the run is aborted
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// PrefetchWindow is the number of records whose enrichment lookups are
	// issued together before they are resolved
	PrefetchWindow int `mapstructure:"prefetch_window" validate:"gte=1"`
	// BatchSize is the number of merge edges per graph statement
	BatchSize int `mapstructure:"batch_size" validate:"gte=1"`
}

type InferenceConfig struct {
	ConfidenceThreshold float64  `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
	RuleLimit           int      `mapstructure:"rule_limit" validate:"gte=0"`
	Rules               []string `mapstructure:"rules"`
	RulesFile           string   `mapstructure:"rules_file"`
	BatchSize           int      `mapstructure:"batch_size" validate:"gte=1"`
}

// CategoryConfig describes one entity category and its identifier priority chain.
type CategoryConfig struct {
	Name       string         `mapstructure:"name" validate:"required"`
	Label      string         `mapstructure:"label"`
	Aliases    []string       `mapstructure:"aliases"`
	NameFields []string       `mapstructure:"name_fields"`
	Systems    []SystemConfig `mapstructure:"systems" validate:"required,min=1,dive"`
}

// SystemConfig is one identifier system in priority order. Earlier entries win.
type SystemConfig struct {
	Name       string   `mapstructure:"name" validate:"required"`
	Normalizer string   `mapstructure:"normalizer"`
	Weight     float64  `mapstructure:"weight" validate:"gte=0,lte=1"`
	Fields     []string `mapstructure:"fields"`
	// Derived systems are computed from the record names instead of read from fields
	Derived bool `mapstructure:"derived"`
}

type EnrichmentConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	Workers      int             `mapstructure:"workers" validate:"gte=1"`
	CacheBackend string          `mapstructure:"cache_backend" validate:"oneof=badger redis none"`
	CacheDir     string          `mapstructure:"cache_dir"`
	CacheTTL     time.Duration   `mapstructure:"cache_ttl"`
	Redis        RedisConfig     `mapstructure:"redis"`
	Retry        RetryConfig     `mapstructure:"retry"`
	Breaker      BreakerConfig   `mapstructure:"breaker"`
	Services     []ServiceConfig `mapstructure:"services" validate:"dive"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// ServiceConfig is one external identifier mapping service.
type ServiceConfig struct {
	Name          string        `mapstructure:"name" validate:"required"`
	BaseURL       string        `mapstructure:"base_url" validate:"required,url"`
	Systems       []string      `mapstructure:"systems" validate:"required,min=1"`
	RatePerSecond float64       `mapstructure:"rate_per_second" validate:"gt=0"`
	Burst         int           `mapstructure:"burst" validate:"gte=1"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gte=0"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Driver                string        `mapstructure:"driver"`
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	User                  string        `mapstructure:"user"`
	Password              string        `mapstructure:"password"`
	Name                  string        `mapstructure:"name"`
	SSLMode               string        `mapstructure:"ssl_mode"`
	MaxOpenConns          int           `mapstructure:"max_open_conns"`
	MaxIdleConns          int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime       time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationFolderPath   string        `mapstructure:"migration_folder_path"`
	MigrationVersion      uint          `mapstructure:"migration_version"`
	MigrationForce        int           `mapstructure:"migration_force"`
	MigrationAutoRollback bool          `mapstructure:"migration_auto_rollback"`
	MigrateOnStart        bool          `mapstructure:"migrate_on_start"`
}

// DSN renders a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type GraphConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
}

type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Endpoint    string        `mapstructure:"endpoint"`
	Protocol    string        `mapstructure:"protocol" validate:"omitempty,oneof=grpc http console"`
	Insecure    bool              `mapstructure:"insecure"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Headers     map[string]string `mapstructure:"headers"`
	Compression string            `mapstructure:"compression" validate:"omitempty,oneof=gzip none"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// Category returns the configuration for name, matched case-insensitively
// against names and aliases.
func (c *Config) Category(name string) (*CategoryConfig, bool) {
	for i := range c.Categories {
		if c.Categories[i].Matches(name) {
			return &c.Categories[i], true
		}
	}
	return nil, false
}

// Matches reports whether entityType refers to this category.
func (c *CategoryConfig) Matches(entityType string) bool {
	if strings.EqualFold(c.Name, entityType) {
		return true
	}
	for _, alias := range c.Aliases {
		if strings.EqualFold(alias, entityType) {
			return true
		}
	}
	return false
}

// NormalizerName is the registered normalizer for the system; it defaults to
// the system name.
func (s SystemConfig) NormalizerName() string {
	if s.Normalizer != "" {
		return s.Normalizer
	}
	return s.Name
}

// Rank returns the priority position of system; unknown systems rank last.
func (c *CategoryConfig) Rank(system string) int {
	for i, s := range c.Systems {
		if s.Name == system {
			return i
		}
	}
	return len(c.Systems)
}

// System returns the system configuration by name.
func (c *CategoryConfig) System(name string) (*SystemConfig, bool) {
	for i := range c.Systems {
		if c.Systems[i].Name == name {
			return &c.Systems[i], true
		}
	}
	return nil, false
}

// GraphLabel is the node label used for canonical entities of this category.
func (c *CategoryConfig) GraphLabel() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Name
}

// Load reads configuration from file (when set), .env, FERN_* environment
// variables and defaults, then validates it.
func Load(v *viper.Viper, file string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("unable to load .env: %w", err)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories()
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints plus cross-field rules.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := map[string]bool{}
	for _, cat := range cfg.Categories {
		key := strings.ToLower(cat.Name)
		if seen[key] {
			return fmt.Errorf("invalid config: duplicate category %s", cat.Name)
		}
		seen[key] = true

		systems := map[string]bool{}
		for _, sys := range cat.Systems {
			if systems[sys.Name] {
				return fmt.Errorf("invalid config: category %s lists system %s twice", cat.Name, sys.Name)
			}
			systems[sys.Name] = true
			if !sys.Derived && len(sys.Fields) == 0 {
				return fmt.Errorf("invalid config: category %s system %s has no fields", cat.Name, sys.Name)
			}
		}
	}
	return nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "fern")
	v.SetDefault("startup_max_attempts", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("resolution.incremental", false)
	v.SetDefault("resolution.no_fallback", false)
	v.SetDefault("resolution.store", "postgres")
	v.SetDefault("resolution.max_attempts", 5)
	v.SetDefault("resolution.retry_base_delay", 50*time.Millisecond)
	v.SetDefault("resolution.prefetch_window", 200)
	v.SetDefault("resolution.batch_size", 500)

	v.SetDefault("inference.confidence_threshold", 0.5)
	v.SetDefault("inference.rule_limit", 10000)
	v.SetDefault("inference.rules", []string{})
	v.SetDefault("inference.rules_file", "")
	v.SetDefault("inference.batch_size", 500)

	v.SetDefault("enrichment.enabled", false)
	v.SetDefault("enrichment.workers", 4)
	v.SetDefault("enrichment.cache_backend", "badger")
	v.SetDefault("enrichment.cache_dir", ".fern/cache")
	v.SetDefault("enrichment.cache_ttl", 30*24*time.Hour)
	v.SetDefault("enrichment.redis.host", "localhost")
	v.SetDefault("enrichment.redis.port", 6379)
	v.SetDefault("enrichment.redis.db", 0)
	v.SetDefault("enrichment.retry.max_attempts", 4)
	v.SetDefault("enrichment.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("enrichment.retry.max_delay", 10*time.Second)
	v.SetDefault("enrichment.breaker.enabled", true)
	v.SetDefault("enrichment.breaker.max_requests", 1)
	v.SetDefault("enrichment.breaker.interval", time.Minute)
	v.SetDefault("enrichment.breaker.timeout", 30*time.Second)
	v.SetDefault("enrichment.breaker.consecutive_failures", 5)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fern")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "fern")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migration_folder_path", "")
	v.SetDefault("database.migration_auto_rollback", true)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("graph.host", "localhost")
	v.SetDefault("graph.port", 7687)
	v.SetDefault("graph.username", "")
	v.SetDefault("graph.password", "")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "fern-events")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", 100*time.Millisecond)
	v.SetDefault("kafka.required_acks", 1)
	v.SetDefault("kafka.compression", "snappy")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "fern")
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.protocol", "grpc")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.timeout", 10*time.Second)
	v.SetDefault("telemetry.compression", "gzip")

	v.SetDefault("status.addr", "")
}
