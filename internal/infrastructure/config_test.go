package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *AppConfig {
	cfg := new(AppConfig)
	cfg.AppID = "lesson-gate"
	cfg.Env = EnvDevelopment
	cfg.Database.Driver = "postgres"
	cfg.Database.MaxConn = 10
	cfg.Logging.Level = "info"
	cfg.Security.IDLength = 21
	cfg.Security.JWTMethod = "HS256"
	cfg.Security.JWTSecret = "secret"
	cfg.Security.TokenName = "lg_token"
	cfg.Progress.Store = StoreSQL
	cfg.Progress.CompletionThreshold = 0.85
	cfg.Progress.AutoAdvanceDelay = 2 * time.Second
	cfg.Progress.RetryInterval = 30 * time.Second
	cfg.Progress.MaxPendingWrites = 64
	cfg.Progress.SessionIdleTimeout = 30 * time.Minute
	cfg.Catalog.Source = CatalogSourceSQL
	return cfg
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"valid", func(*AppConfig) {}, ""},
		{"missing secret", func(c *AppConfig) { c.Security.JWTSecret = "" }, "security.jwt_secret is required"},
		{"unknown store", func(c *AppConfig) { c.Progress.Store = "disk" }, "progress.store must be one of"},
		{"threshold above one", func(c *AppConfig) { c.Progress.CompletionThreshold = 1.5 }, "progress.completion_threshold failed on lte=1"},
		{"file catalog without path", func(c *AppConfig) { c.Catalog.Source = CatalogSourceFile }, "catalog.file_path is required"},
		{"negative delay", func(c *AppConfig) { c.Progress.AutoAdvanceDelay = -time.Second }, "auto_advance_delay must not be negative"},
		{"retry too frequent", func(c *AppConfig) { c.Progress.RetryInterval = time.Millisecond }, "retry_interval must be at least 1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("validateConfig() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("validateConfig() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestUsesSQL(t *testing.T) {
	cfg := validConfig()
	cfg.Progress.Store = StoreKV
	cfg.Catalog.Source = CatalogSourceFile
	if cfg.UsesSQL() {
		t.Error("kv store with file catalog should not need a database")
	}
	cfg.Catalog.Source = CatalogSourceSQL
	if !cfg.UsesSQL() {
		t.Error("sql catalog needs a database")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := loadDotEnv(filepath.Join(dir, ".env")); err != nil {
		t.Fatalf("missing .env should be ignored, got %v", err)
	}

	path := filepath.Join(dir, "app.env")
	if err := os.WriteFile(path, []byte("GOAPP_DOTENV_CHECK=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("GOAPP_DOTENV_CHECK") })
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if v := os.Getenv("GOAPP_DOTENV_CHECK"); v != "from-file" {
		t.Fatalf("GOAPP_DOTENV_CHECK = %q", v)
	}

	if err := loadDotEnv(dir); err == nil {
		t.Fatal("unreadable .env should be reported")
	}
}
