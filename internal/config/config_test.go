package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Coalesce.Window() != 1200*time.Millisecond {
		t.Errorf("window = %v", cfg.Coalesce.Window())
	}
	if cfg.Dispatch.DeadLetterAt != 5 || cfg.Dispatch.Interval() != time.Second {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Database.Mode != "standalone" {
		t.Errorf("mode = %q", cfg.Database.Mode)
	}
	if cfg.IsManagedMode() {
		t.Error("managed mode with no DSN")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
	// local overrides
	server: { host: "127.0.0.1", port: 9090 },
	coalesce: { window_ms: 500 },
	dispatch: { dead_letter_at: 3 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Coalesce.WindowMS != 500 {
		t.Errorf("window_ms = %d", cfg.Coalesce.WindowMS)
	}
	if cfg.Dispatch.DeadLetterAt != 3 {
		t.Errorf("dead_letter_at = %d", cfg.Dispatch.DeadLetterAt)
	}
	// Untouched keys keep their defaults.
	if cfg.Dispatch.BatchLimit != 20 {
		t.Errorf("batch_limit = %d", cfg.Dispatch.BatchLimit)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TURNSTILE_PORT", "7070")
	t.Setenv("TURNSTILE_COALESCE_WINDOW_MS", "800")
	t.Setenv("TURNSTILE_APP_SECRET", "s3cret")
	t.Setenv("TURNSTILE_POSTGRES_DSN", "postgres://u:p@localhost/turnstile")
	t.Setenv("TURNSTILE_DB_MODE", "managed")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Coalesce.WindowMS != 800 {
		t.Errorf("window_ms = %d", cfg.Coalesce.WindowMS)
	}
	if cfg.Server.AppSecret != "s3cret" {
		t.Errorf("app secret not taken from env")
	}
	if !cfg.IsManagedMode() {
		t.Error("managed mode not enabled by env")
	}
}

func TestSecretsNeverReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
	server: { app_secret: "leaked", verify_token: "leaked" },
	database: { postgres_dsn: "leaked" },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.AppSecret != "" || cfg.Server.VerifyToken != "" || cfg.Database.PostgresDSN != "" {
		t.Fatalf("secret read from file: %+v", cfg)
	}
}
