package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Runtime.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", cfg.Runtime.MaxRetries)
	}
	if cfg.Runtime.Timeout != 30*time.Second {
		t.Errorf("expected exec timeout 30s, got %v", cfg.Runtime.Timeout)
	}
	if cfg.Worker.MaxInFlight != 10 {
		t.Errorf("expected max_in_flight 10, got %d", cfg.Worker.MaxInFlight)
	}
	if cfg.Auth.AccessTokenTTL != 15*time.Minute {
		t.Errorf("expected access token ttl 15m, got %v", cfg.Auth.AccessTokenTTL)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
auth:
  jwt_secret: "yaml-secret"
  cookie_name: "custom_refresh"
worker:
  max_in_flight: 4
runtime:
  max_retries: 5
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != "yaml-secret" {
		t.Errorf("expected yaml-secret, got %s", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.CookieName != "custom_refresh" {
		t.Errorf("expected custom_refresh, got %s", cfg.Auth.CookieName)
	}
	if cfg.Worker.MaxInFlight != 4 {
		t.Errorf("expected max_in_flight 4, got %d", cfg.Worker.MaxInFlight)
	}
	if cfg.Runtime.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.Runtime.MaxRetries)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("LABSOS_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("LABSOS_JWT_SECRET", "env-secret")
	t.Setenv("LABSOS_SERVICE_SCOPES", "marketplace:admin, marketplace:trade:request")
	t.Setenv("LABSOS_EXEC_TIMEOUT", "45s")
	t.Setenv("LABSOS_REVOKE_ON_REPLAY", "true")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("expected env-secret, got %s", cfg.Auth.JWTSecret)
	}
	if len(cfg.Auth.ServiceScopes) != 2 || cfg.Auth.ServiceScopes[0] != "marketplace:admin" {
		t.Errorf("unexpected service scopes: %v", cfg.Auth.ServiceScopes)
	}
	if cfg.Runtime.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", cfg.Runtime.Timeout)
	}
	if !cfg.Auth.RevokeOnReplay {
		t.Error("expected revoke_on_replay true")
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err == nil {
		t.Error("expected error for missing jwt secret")
	}

	cfg.Auth.JWTSecret = "s"
	if err := validate(&cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Auth.CookieSameSite = "bogus"
	if err := validate(&cfg); err == nil {
		t.Error("expected error for invalid samesite")
	}
}
