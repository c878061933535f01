package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// DriveLine backend
	APIURL         string
	WSPath         string
	HTTPTimeout    time.Duration
	ReconnectDelay time.Duration

	// Credentials
	UseKeyring bool
	KeyringDir string // file backend fallback

	// Polling
	UnreadPollInterval  time.Duration // 0 disables re-fetching after the initial load
	ListRefreshInterval time.Duration
	PreviewLimit        int

	// Redis config, optional
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	SnapshotTTL   time.Duration

	RateLimit int // local API requests per minute per client, 0 disables

	// Circuit breaker in front of the backend
	BreakerMaxFailures int
	BreakerRecovery    time.Duration
}

// RedisEnabled reports whether a Redis host was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// Load reads configuration from environment variables with sensible defaults.
// Variables from the .env file named by DRIVELINE_ENV_FILE are loaded first
// and never override the real environment.
func Load() (*Config, error) {
	envFile := os.Getenv("DRIVELINE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg := &Config{
		Port:     8090,
		LogLevel: "info",
		Env:      "development",

		APIURL:         "http://localhost:8080/api",
		WSPath:         "/ws",
		HTTPTimeout:    10 * time.Second,
		ReconnectDelay: 5 * time.Second,

		UnreadPollInterval:  0,
		ListRefreshInterval: 0,
		PreviewLimit:        10,

		RedisPort:   6379,
		SnapshotTTL: 24 * time.Hour,

		RateLimit: 120,

		BreakerMaxFailures: 5,
		BreakerRecovery:    30 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Backend
	if url := os.Getenv("DRIVELINE_API_URL"); url != "" {
		cfg.APIURL = url
	}

	if path := os.Getenv("DRIVELINE_WS_PATH"); path != "" {
		cfg.WSPath = path
	}

	if v := os.Getenv("HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = d
	}

	if v := os.Getenv("RECONNECT_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONNECT_DELAY_MS: %w", err)
		}
		if ms <= 0 {
			return nil, fmt.Errorf("invalid RECONNECT_DELAY_MS: must be positive, got %d", ms)
		}
		cfg.ReconnectDelay = time.Duration(ms) * time.Millisecond
	}

	// Credentials
	if v := os.Getenv("DRIVELINE_KEYRING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DRIVELINE_KEYRING: %w", err)
		}
		cfg.UseKeyring = b
	}

	if dir := os.Getenv("DRIVELINE_KEYRING_DIR"); dir != "" {
		cfg.KeyringDir = dir
	} else if home, err := os.UserHomeDir(); err == nil {
		cfg.KeyringDir = home + "/.driveline"
	}

	// Polling
	if v := os.Getenv("UNREAD_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid UNREAD_POLL_INTERVAL: %w", err)
		}
		cfg.UnreadPollInterval = d
	}

	if v := os.Getenv("LIST_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LIST_REFRESH_INTERVAL: %w", err)
		}
		cfg.ListRefreshInterval = d
	}

	if v := os.Getenv("PREVIEW_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PREVIEW_LIMIT: %w", err)
		}
		cfg.PreviewLimit = n
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if v := os.Getenv("SNAPSHOT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SNAPSHOT_TTL: %w", err)
		}
		cfg.SnapshotTTL = d
	}

	if v := os.Getenv("RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = n
	}

	// Circuit breaker
	if v := os.Getenv("BREAKER_MAX_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_MAX_FAILURES: %w", err)
		}
		cfg.BreakerMaxFailures = n
	}

	if v := os.Getenv("BREAKER_RECOVERY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_RECOVERY: %w", err)
		}
		cfg.BreakerRecovery = d
	}

	return cfg, nil
}
