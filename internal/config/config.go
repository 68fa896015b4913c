// Package config loads service configuration from the environment with an
// optional YAML overlay for planner tuning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"medroute/internal/geo"
	"medroute/internal/planner"
)

// Config holds the complete application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Geo      geo.Settings
	Webhooks WebhookConfig
	Log      LogConfig
	Planner  planner.Params
}

type ServerConfig struct {
	Port              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// MaxBodyBytes caps request bodies on the JSON endpoints.
	MaxBodyBytes int64
}

type DatabaseConfig struct {
	URL           string
	Migrate       bool
	MigrationsDir string
}

type RedisConfig struct {
	URL string
	// Broker fans route events out through Redis pub/sub.
	Broker bool
	// GeoCache shares matrix and geocode lookups across replicas.
	GeoCache bool
}

type AuthConfig struct {
	// Mode is "header" (trust X-Tenant-Id) or "jwt" (HS256 bearer tokens).
	Mode        string
	JWTSecret   string
	Issuer      string
	Audience    string
	TenantClaim string
	RoleClaim   string
}

type WebhookConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Timeout     time.Duration
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// overlay is the YAML file layout.
type overlay struct {
	Planner *planner.Params `yaml:"planner"`
}

// Load creates a Config from environment variables. When MEDROUTE_CONFIG
// names a YAML file its planner section is merged over the defaults.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Port:              getEnv("PORT", "8080"),
			ReadHeaderTimeout: getEnvDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ShutdownTimeout:   getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
			MaxBodyBytes:      int64(getEnvInt("HTTP_MAX_BODY_BYTES", 8<<20)),
		},
		Database: DatabaseConfig{
			URL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
			Migrate:       getEnvBool("DB_MIGRATE", true),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "db/migrations"),
		},
		Redis: RedisConfig{
			URL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
			Broker:   getEnvBool("REDIS_BROKER", true),
			GeoCache: getEnvBool("REDIS_GEO_CACHE", true),
		},
		Auth: AuthConfig{
			Mode:        strings.ToLower(getEnv("AUTH_MODE", "header")),
			JWTSecret:   os.Getenv("AUTH_JWT_SECRET"),
			Issuer:      os.Getenv("AUTH_ISSUER"),
			Audience:    os.Getenv("AUTH_AUDIENCE"),
			TenantClaim: getEnv("AUTH_TENANT_CLAIM", "tenant"),
			RoleClaim:   getEnv("AUTH_ROLE_CLAIM", "role"),
		},
		Geo: geo.Settings{
			ORSAPIKey:        os.Getenv("ORS_API_KEY"),
			ORSBaseURL:       os.Getenv("ORS_BASE_URL"),
			ORSProfile:       getEnv("ORS_PROFILE", "driving-car"),
			ConnectTimeout:   getEnvDuration("ORS_CONNECT_TIMEOUT", 5*time.Second),
			ReadTimeout:      getEnvDuration("ORS_READ_TIMEOUT", 10*time.Second),
			RetryAttempts:    getEnvInt("ORS_RETRY_ATTEMPTS", 4),
			RetryBackoff:     getEnvDuration("ORS_RETRY_BACKOFF", 200*time.Millisecond),
			RatePerSecond:    getEnvFloat("ORS_RATE_PER_SECOND", 10),
			RateBurst:        getEnvInt("ORS_RATE_BURST", 5),
			CacheSize:        getEnvInt("GEO_CACHE_SIZE", 100000),
			CacheShards:      getEnvInt("GEO_CACHE_SHARDS", 16),
			CacheTTL:         getEnvDuration("GEO_CACHE_TTL", 24*time.Hour),
			FallbackSpeedKmh: getEnvFloat("GEO_FALLBACK_SPEED_KMH", 30),
			BreakerFailures:  getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
			BreakerCooldown:  getEnvDuration("CIRCUIT_BREAKER_TIMEOUT", 30*time.Second),
		},
		Webhooks: WebhookConfig{
			Interval:    getEnvDuration("WEBHOOK_INTERVAL", 2*time.Second),
			BatchSize:   getEnvInt("WEBHOOK_BATCH_SIZE", 20),
			MaxAttempts: getEnvInt("WEBHOOK_MAX_ATTEMPTS", 8),
			Timeout:     getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
		Planner: planner.DefaultParams(),
	}
	if v := os.Getenv("OPTIMIZER_TIME_LIMIT_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Planner.TimeLimitSeconds = f
		}
	}

	if path := os.Getenv("MEDROUTE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ov := overlay{Planner: &c.Planner}
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Auth.Mode {
	case "header":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("config: AUTH_MODE=jwt requires AUTH_JWT_SECRET")
		}
	default:
		return fmt.Errorf("config: unknown AUTH_MODE %q", c.Auth.Mode)
	}
	if err := c.Planner.Validate(); err != nil {
		return fmt.Errorf("config: planner: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
