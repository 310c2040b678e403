// Package config assembles runtime configuration from the environment and
// an optional YAML file. Environment variables always win so the server can
// run file-less in containers.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	ControlDB ControlDBConfig `yaml:"control_db"`
	Pool      PoolConfig      `yaml:"pool"`
	LLM       LLMConfig       `yaml:"llm"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Workers caps concurrent data_agent executions. 0 means unbounded.
	Workers int `yaml:"workers"`
	// MappingRefreshCron, when set, schedules periodic mapping refreshes
	// using standard cron syntax. Empty disables the schedule.
	MappingRefreshCron string `yaml:"mapping_refresh_cron"`
}

// ControlDBConfig points at the MySQL instance holding the db_mapping table
// and the analytics tables. An empty Host selects the embedded sqlite
// fallback for local development.
type ControlDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type PoolConfig struct {
	Size           int `yaml:"size"`
	MaxOverflow    int `yaml:"max_overflow"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	RecycleSeconds int `yaml:"recycle_seconds"`
	MaxPools       int `yaml:"max_pools"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type KnowledgeConfig struct {
	APIURL         string `yaml:"api_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load builds the configuration from environment variables alone.
func Load() (*Config, error) {
	cfg := newWithDefaults()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration file, expands ${VAR} references, and
// then applies environment overrides on top.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := newWithDefaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newWithDefaults pre-seeds the fields whose defaults are not the zero
// value, so an explicit false in a file or the environment survives.
func newWithDefaults() *Config {
	return &Config{
		Analytics: AnalyticsConfig{Enabled: true},
		Logging:   LoggingConfig{JSON: true},
	}
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.Server.Host = envString("MCP_HOST", cfg.Server.Host)
	if cfg.Server.Port, err = envInt("MCP_PORT", cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Server.Workers, err = envInt("MCP_WORKERS", cfg.Server.Workers); err != nil {
		return err
	}
	cfg.Server.MappingRefreshCron = envString("DB_MAPPING_REFRESH_CRON", cfg.Server.MappingRefreshCron)

	cfg.ControlDB.Host = envString("DB_host", cfg.ControlDB.Host)
	if cfg.ControlDB.Port, err = envInt("DB_port", cfg.ControlDB.Port); err != nil {
		return err
	}
	cfg.ControlDB.Username = envString("DB_username", cfg.ControlDB.Username)
	cfg.ControlDB.Password = envString("DB_password", cfg.ControlDB.Password)
	cfg.ControlDB.Name = envString("DB_name", cfg.ControlDB.Name)

	if cfg.Pool.Size, err = envInt("DB_POOL_SIZE", cfg.Pool.Size); err != nil {
		return err
	}
	if cfg.Pool.MaxOverflow, err = envInt("DB_MAX_OVERFLOW", cfg.Pool.MaxOverflow); err != nil {
		return err
	}
	if cfg.Pool.TimeoutSeconds, err = envInt("DB_POOL_TIMEOUT", cfg.Pool.TimeoutSeconds); err != nil {
		return err
	}
	if cfg.Pool.RecycleSeconds, err = envInt("DB_POOL_RECYCLE", cfg.Pool.RecycleSeconds); err != nil {
		return err
	}
	if cfg.Pool.MaxPools, err = envInt("DB_POOL_MAX_SIZE", cfg.Pool.MaxPools); err != nil {
		return err
	}

	cfg.LLM.Provider = envString("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = envString("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.APIKey = envString("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = envString("LLM_BASE_URL", cfg.LLM.BaseURL)

	cfg.Knowledge.APIURL = envString("LIGHTRAG_API_URL", cfg.Knowledge.APIURL)
	cfg.Knowledge.APIKey = envString("LIGHTRAG_API_KEY", cfg.Knowledge.APIKey)

	if cfg.Analytics.Enabled, err = envBool("ANALYTICS_ENABLED", cfg.Analytics.Enabled); err != nil {
		return err
	}

	cfg.Logging.Level = envString("LOG_LEVEL", cfg.Logging.Level)
	if cfg.Logging.JSON, err = envBool("LOG_JSON", cfg.Logging.JSON); err != nil {
		return err
	}

	cfg.Tracing.OTLPEndpoint = envString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.ControlDB.Port == 0 {
		cfg.ControlDB.Port = 3306
	}
	if cfg.ControlDB.Username == "" {
		cfg.ControlDB.Username = "root"
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 5
	}
	if cfg.Pool.MaxOverflow == 0 {
		cfg.Pool.MaxOverflow = 10
	}
	if cfg.Pool.TimeoutSeconds == 0 {
		cfg.Pool.TimeoutSeconds = 30
	}
	if cfg.Pool.RecycleSeconds == 0 {
		cfg.Pool.RecycleSeconds = 3600
	}
	if cfg.Pool.MaxPools == 0 {
		cfg.Pool.MaxPools = 50
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.Knowledge.TimeoutSeconds == 0 {
		cfg.Knowledge.TimeoutSeconds = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("invalid worker count: %d", c.Server.Workers)
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.Pool.Size)
	}
	if c.Pool.MaxOverflow < 0 {
		return fmt.Errorf("pool max overflow must not be negative, got %d", c.Pool.MaxOverflow)
	}
	if c.Pool.MaxPools < 1 {
		return fmt.Errorf("pool cap must be at least 1, got %d", c.Pool.MaxPools)
	}
	if c.Pool.TimeoutSeconds < 1 {
		return fmt.Errorf("pool timeout must be at least 1s, got %d", c.Pool.TimeoutSeconds)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	return nil
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Configured reports whether a control-DB server was pointed at. When false
// the server falls back to an embedded sqlite control DB.
func (c ControlDBConfig) Configured() bool {
	return c.Host != ""
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
