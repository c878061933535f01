package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// unset clears keys for the test and restores them afterwards. godotenv
// treats a variable set to "" as present, so t.Setenv(key, "") is not enough.
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		old, ok := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if ok {
				os.Setenv(key, old)
			} else {
				os.Unsetenv(key)
			}
		})
	}
}

var allKeys = []string{
	"PORT", "LOG_LEVEL", "ENV",
	"DRIVELINE_API_URL", "DRIVELINE_WS_PATH", "HTTP_TIMEOUT", "RECONNECT_DELAY_MS",
	"DRIVELINE_KEYRING", "DRIVELINE_KEYRING_DIR",
	"UNREAD_POLL_INTERVAL", "LIST_REFRESH_INTERVAL", "PREVIEW_LIMIT",
	"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB", "SNAPSHOT_TTL",
	"RATE_LIMIT", "BREAKER_MAX_FAILURES", "BREAKER_RECOVERY",
}

func noEnvFile(t *testing.T) {
	t.Helper()
	t.Setenv("DRIVELINE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoad_Defaults(t *testing.T) {
	unset(t, allKeys...)
	noEnvFile(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIURL != "http://localhost:8080/api" || cfg.WSPath != "/ws" {
		t.Errorf("unexpected backend defaults: %s %s", cfg.APIURL, cfg.WSPath)
	}
	if cfg.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", cfg.ReconnectDelay)
	}
	if cfg.PreviewLimit != 10 {
		t.Errorf("PreviewLimit = %d, want 10", cfg.PreviewLimit)
	}
	if cfg.UnreadPollInterval != 0 || cfg.ListRefreshInterval != 0 {
		t.Error("polling should be off by default")
	}
	if cfg.RedisEnabled() {
		t.Error("redis should be off without REDIS_HOST")
	}
	if cfg.UseKeyring {
		t.Error("keyring should be off by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	unset(t, allKeys...)
	noEnvFile(t)

	t.Setenv("PORT", "9000")
	t.Setenv("DRIVELINE_API_URL", "https://fleet.example.com/api")
	t.Setenv("DRIVELINE_WS_PATH", "/ws/websocket")
	t.Setenv("RECONNECT_DELAY_MS", "1500")
	t.Setenv("DRIVELINE_KEYRING", "true")
	t.Setenv("UNREAD_POLL_INTERVAL", "30s")
	t.Setenv("LIST_REFRESH_INTERVAL", "1m")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("SNAPSHOT_TTL", "1h")
	t.Setenv("BREAKER_MAX_FAILURES", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.APIURL != "https://fleet.example.com/api" || cfg.WSPath != "/ws/websocket" {
		t.Errorf("backend = %s %s", cfg.APIURL, cfg.WSPath)
	}
	if cfg.ReconnectDelay != 1500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay)
	}
	if !cfg.UseKeyring {
		t.Error("UseKeyring should be true")
	}
	if cfg.UnreadPollInterval != 30*time.Second || cfg.ListRefreshInterval != time.Minute {
		t.Errorf("intervals = %v %v", cfg.UnreadPollInterval, cfg.ListRefreshInterval)
	}
	if !cfg.RedisEnabled() || cfg.RedisDB != 2 || cfg.SnapshotTTL != time.Hour {
		t.Errorf("redis = %+v", cfg)
	}
	if cfg.BreakerMaxFailures != 3 {
		t.Errorf("BreakerMaxFailures = %d", cfg.BreakerMaxFailures)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "abc"},
		{"RECONNECT_DELAY_MS", "soon"},
		{"RECONNECT_DELAY_MS", "0"},
		{"HTTP_TIMEOUT", "10"},
		{"DRIVELINE_KEYRING", "maybe"},
		{"UNREAD_POLL_INTERVAL", "often"},
		{"PREVIEW_LIMIT", "ten"},
		{"REDIS_PORT", "x"},
		{"SNAPSHOT_TTL", "forever"},
		{"BREAKER_RECOVERY", "later"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			unset(t, allKeys...)
			noEnvFile(t)
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	unset(t, allKeys...)

	path := filepath.Join(t.TempDir(), "agent.env")
	content := "DRIVELINE_API_URL=http://backend:8080/api\nPREVIEW_LIMIT=5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DRIVELINE_ENV_FILE", path)
	t.Setenv("PREVIEW_LIMIT", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "http://backend:8080/api" {
		t.Errorf("APIURL = %s, want value from env file", cfg.APIURL)
	}
	if cfg.PreviewLimit != 7 {
		t.Errorf("PreviewLimit = %d, real environment should win", cfg.PreviewLimit)
	}
}
