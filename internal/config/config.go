package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxHierarchyDepth is the hard visibility cap. Configuration may lower it, never raise it.
const MaxHierarchyDepth = 2

// Config aggregates runtime configuration for the service.
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Auth      AuthConfig
	Hierarchy HierarchyConfig
	Cache     CacheConfig
	Listing   ListingConfig
	Storage   StorageConfig
	Events    EventsConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
}

// HierarchyConfig bounds hierarchy traversal.
type HierarchyConfig struct {
	Cap int
}

// CacheConfig selects the listing result cache backend.
type CacheConfig struct {
	Backend    string
	TTLSeconds int
	KeyPrefix  string
}

// ListingConfig holds pagination defaults.
type ListingConfig struct {
	DefaultPageSize int
	NestedPageSize  int
	MaxPageSize     int
}

// StorageConfig selects the user/closure store implementation.
type StorageConfig struct {
	Driver string
}

// EventsConfig drives the outbound event worker pool.
type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	Workers      int
	QueueSize    int
	MaxAttempts  int
	BackoffMS    int
}

const (
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
	CacheBackendNone   = "none"

	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "referral-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
		},
		Hierarchy: HierarchyConfig{
			Cap: getEnvAsInt("HIERARCHY_CAP", MaxHierarchyDepth),
		},
		Cache: CacheConfig{
			Backend:    strings.ToLower(getEnv("CACHE_BACKEND", CacheBackendRedis)),
			TTLSeconds: getEnvAsInt("CACHE_TTL_SECONDS", 30),
			KeyPrefix:  getEnv("CACHE_KEY_PREFIX", "referrals"),
		},
		Listing: ListingConfig{
			DefaultPageSize: getEnvAsInt("LISTING_DEFAULT_PAGE_SIZE", 20),
			NestedPageSize:  getEnvAsInt("LISTING_NESTED_PAGE_SIZE", 5),
			MaxPageSize:     getEnvAsInt("LISTING_MAX_PAGE_SIZE", 100),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverPostgres)),
		},
		Events: EventsConfig{
			KafkaBrokers: getEnvAsList("KAFKA_BROKERS"),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "referral-events"),
			Workers:      getEnvAsInt("EVENT_WORKERS", 2),
			QueueSize:    getEnvAsInt("EVENT_QUEUE_SIZE", 256),
			MaxAttempts:  getEnvAsInt("EVENT_MAX_ATTEMPTS", 3),
			BackoffMS:    getEnvAsInt("EVENT_BACKOFF_MS", 200),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Hierarchy.Cap < 1 || c.Hierarchy.Cap > MaxHierarchyDepth {
		return fmt.Errorf("HIERARCHY_CAP must be between 1 and %d", MaxHierarchyDepth)
	}
	switch c.Cache.Backend {
	case CacheBackendRedis, CacheBackendMemory, CacheBackendNone:
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.Listing.DefaultPageSize <= 0 || c.Listing.NestedPageSize <= 0 {
		return fmt.Errorf("listing page sizes must be positive")
	}
	if c.Listing.MaxPageSize < c.Listing.DefaultPageSize {
		return fmt.Errorf("LISTING_MAX_PAGE_SIZE must be >= LISTING_DEFAULT_PAGE_SIZE")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// Backoff returns the base retry delay for event publication.
func (e EventsConfig) Backoff() time.Duration {
	return time.Duration(e.BackoffMS) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
