package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "labsos.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "LABSOS_PORT")
	setString(&cfg.Server.CORSOrigin, "LABSOS_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "LABSOS_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "LABSOS_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "LABSOS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "LABSOS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "LABSOS_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")

	// Auth
	setString(&cfg.Auth.JWTSecret, "LABSOS_JWT_SECRET")
	setDuration(&cfg.Auth.AccessTokenTTL, "LABSOS_ACCESS_TOKEN_TTL")
	setDuration(&cfg.Auth.RefreshTokenTTL, "LABSOS_REFRESH_TOKEN_TTL")
	setString(&cfg.Auth.CookieName, "LABSOS_AUTH_COOKIE_NAME")
	setString(&cfg.Auth.CookieDomain, "LABSOS_AUTH_COOKIE_DOMAIN")
	setBool(&cfg.Auth.CookieSecure, "LABSOS_AUTH_COOKIE_SECURE")
	setString(&cfg.Auth.CookieSameSite, "LABSOS_AUTH_COOKIE_SAMESITE")
	setString(&cfg.Auth.ServiceToken, "LABSOS_SERVICE_TOKEN")
	setStringSlice(&cfg.Auth.ServiceScopes, "LABSOS_SERVICE_SCOPES")
	setBool(&cfg.Auth.DevLogin, "LABSOS_DEV_LOGIN")
	setString(&cfg.Auth.DevPassword, "LABSOS_DEV_PASSWORD")
	setBool(&cfg.Auth.RevokeOnReplay, "LABSOS_REVOKE_ON_REPLAY")
	setDuration(&cfg.Auth.RevocationPurge, "LABSOS_REVOCATION_PURGE")
	setInt(&cfg.Auth.BcryptCost, "LABSOS_BCRYPT_COST")
	setDuration(&cfg.Auth.RevocationCacheTTL, "LABSOS_REVOCATION_CACHE_TTL")

	// Runtime
	setInt(&cfg.Runtime.MaxRetries, "LABSOS_MAX_RETRIES")
	setDuration(&cfg.Runtime.RetryDelay, "LABSOS_RETRY_DELAY")
	setDuration(&cfg.Runtime.Timeout, "LABSOS_EXEC_TIMEOUT")
	setString(&cfg.Runtime.Model, "LABSOS_MODEL")
	setFloat64(&cfg.Runtime.Temperature, "LABSOS_TEMPERATURE")
	setInt(&cfg.Runtime.MaxTokens, "LABSOS_MAX_TOKENS")

	// Worker
	setString(&cfg.Worker.Durable, "LABSOS_WORKER_DURABLE")
	setInt(&cfg.Worker.MaxInFlight, "LABSOS_WORKER_MAX_IN_FLIGHT")
	setDuration(&cfg.Worker.IdleHeartbeat, "LABSOS_WORKER_IDLE_HEARTBEAT")

	// Model backend
	setString(&cfg.Model.BaseURL, "LABSOS_MODEL_BASE_URL")
	setString(&cfg.Model.APIKey, "LABSOS_MODEL_API_KEY")
	setString(&cfg.Model.AdminURL, "LITELLM_URL")
	setString(&cfg.Model.MasterKey, "LITELLM_MASTER_KEY")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "LABSOS_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "LABSOS_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "LABSOS_CACHE_L2_TTL")
	setDuration(&cfg.Cache.L1Expire, "LABSOS_CACHE_L1_EXPIRE")

	setString(&cfg.Logging.Level, "LABSOS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "LABSOS_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "LABSOS_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "LABSOS_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "LABSOS_RATE_RPS")
	setInt(&cfg.Rate.Burst, "LABSOS_RATE_BURST")
	setDuration(&cfg.Idempotency.ResponseTTL, "LABSOS_IDEMPOTENCY_TTL")
	setString(&cfg.Metrics.OTLPEndpoint, "LABSOS_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (set LABSOS_JWT_SECRET)")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Runtime.MaxRetries < 1 {
		return errors.New("runtime.max_retries must be >= 1")
	}
	if cfg.Worker.MaxInFlight < 1 {
		return errors.New("worker.max_in_flight must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	switch cfg.Auth.CookieSameSite {
	case "strict", "lax", "none":
	default:
		return fmt.Errorf("auth.cookie_samesite %q must be one of strict, lax, none", cfg.Auth.CookieSameSite)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
