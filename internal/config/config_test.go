package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8000 {
		t.Errorf("server defaults = %s:%d, want 0.0.0.0:8000", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.ControlDB.Port != 3306 {
		t.Errorf("control db port = %d, want 3306", cfg.ControlDB.Port)
	}
	if cfg.Pool.Size != 5 || cfg.Pool.MaxOverflow != 10 || cfg.Pool.MaxPools != 50 {
		t.Errorf("pool defaults = %+v", cfg.Pool)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm defaults = %+v", cfg.LLM)
	}
	if !cfg.Analytics.Enabled {
		t.Error("analytics should default to enabled")
	}
	if !cfg.Logging.JSON || cfg.Logging.Level != "info" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Knowledge.TimeoutSeconds != 30 {
		t.Errorf("knowledge timeout = %d, want 30", cfg.Knowledge.TimeoutSeconds)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_PORT", "9000")
	t.Setenv("DB_host", "db.internal")
	t.Setenv("DB_username", "analyst")
	t.Setenv("DB_POOL_MAX_SIZE", "7")
	t.Setenv("ANALYTICS_ENABLED", "false")
	t.Setenv("LLM_BASE_URL", "https://openrouter.ai/api/v1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.ControlDB.Host != "db.internal" || cfg.ControlDB.Username != "analyst" {
		t.Errorf("control db = %+v", cfg.ControlDB)
	}
	if !cfg.ControlDB.Configured() {
		t.Error("Configured() = false with DB_host set")
	}
	if cfg.Pool.MaxPools != 7 {
		t.Errorf("max pools = %d, want 7", cfg.Pool.MaxPools)
	}
	if cfg.Analytics.Enabled {
		t.Error("analytics should be disabled")
	}
	if cfg.LLM.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("llm base url = %q", cfg.LLM.BaseURL)
	}
}

func TestLoadRejectsBadInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_PORT", "eight thousand")

	_, err := Load()
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "MCP_PORT") {
		t.Errorf("error = %v, want it to name MCP_PORT", err)
	}
}

func TestLoadFileEnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_PORT", "9100")
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8500
llm:
  provider: anthropic
  api_key: file-key
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host = %q, want file value", cfg.Server.Host)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKey != "file-key" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
}

func TestLoadFileExpandsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SECRET_KEY", "from-env")
	path := writeConfig(t, `
llm:
  api_key: ${SECRET_KEY}
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("api key = %q, want expansion from environment", cfg.LLM.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }, "port"},
		{"bad workers", func(c *Config) { c.Server.Workers = -2 }, "worker"},
		{"zero pool size", func(c *Config) { c.Pool.Size = -1 }, "pool size"},
		{"zero pool cap", func(c *Config) { c.Pool.MaxPools = -1 }, "pool cap"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "llama-at-home" }, "provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestServerAddr(t *testing.T) {
	s := ServerConfig{Host: "0.0.0.0", Port: 8000}
	if got := s.Addr(); got != "0.0.0.0:8000" {
		t.Errorf("Addr() = %q, want 0.0.0.0:8000", got)
	}
}

// clearEnv unsets every variable Load reads so tests do not inherit
// configuration from the invoking shell.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"MCP_HOST", "MCP_PORT", "MCP_WORKERS", "DB_MAPPING_REFRESH_CRON",
		"DB_host", "DB_port", "DB_username", "DB_password", "DB_name",
		"DB_POOL_SIZE", "DB_MAX_OVERFLOW", "DB_POOL_TIMEOUT",
		"DB_POOL_RECYCLE", "DB_POOL_MAX_SIZE",
		"LLM_PROVIDER", "LLM_MODEL", "LLM_API_KEY", "LLM_BASE_URL",
		"LIGHTRAG_API_URL", "LIGHTRAG_API_KEY",
		"ANALYTICS_ENABLED", "LOG_LEVEL", "LOG_JSON",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
