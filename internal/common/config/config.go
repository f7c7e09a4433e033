// Package config provides configuration management for eventpipe.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Database DatabaseConfig           `mapstructure:"database"`
	NATS     NATSConfig               `mapstructure:"nats"`
	Logging  LoggingConfig            `mapstructure:"logging"`
	Tracing  TracingConfig            `mapstructure:"tracing"`
	Pipeline PipelineConfig           `mapstructure:"pipeline"`
	Backends map[string]BackendConfig `mapstructure:"backends"`
}

// ServerConfig holds the inspection gateway configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig selects the storage driver for conversations.
// An empty driver keeps everything in memory.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "", sqlite, postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	ServiceName string `mapstructure:"serviceName"`
	Endpoint    string `mapstructure:"endpoint"`
}

// PipelineConfig tunes the per-session event pipeline.
type PipelineConfig struct {
	DefaultBackend string `mapstructure:"defaultBackend"`

	// FailureStatuses lists backend status strings that mark a subagent as errored.
	// Any status not listed is treated as success.
	FailureStatuses []string `mapstructure:"failureStatuses"`

	// DisposedMemory bounds how many disposed session ids are remembered so late
	// background results can be dropped.
	DisposedMemory int `mapstructure:"disposedMemory"`

	TitleMaxLength int `mapstructure:"titleMaxLength"`
	TitleTimeout   int `mapstructure:"titleTimeout"` // in seconds
}

// BackendConfig describes one agent backend's quirks.
type BackendConfig struct {
	Protocol string `mapstructure:"protocol"` // streamjson, codex, acp

	// SubagentUsageFolded is true when the backend already includes subagent
	// usage in the parent turn's reported total.
	SubagentUsageFolded bool `mapstructure:"subagentUsageFolded"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TitleTimeoutDuration returns the title generation timeout as a time.Duration.
func (p *PipelineConfig) TitleTimeoutDuration() time.Duration {
	return time.Duration(p.TitleTimeout) * time.Second
}

// Backend returns the profile for name, falling back to the default backend.
func (c *Config) Backend(name string) BackendConfig {
	if b, ok := c.Backends[name]; ok {
		return b
	}
	return c.Backends[c.Pipeline.DefaultBackend]
}

// BackendNames returns configured backend names in sorted order.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultFailureStatuses are the subagent status strings treated as errors.
var DefaultFailureStatuses = []string{
	"error",
	"errored",
	"failed",
	"failure",
	"error_max_turns",
	"error_during_execution",
	"timeout",
	"timed_out",
}

// detectDefaultLogFormat returns "json" in production environments and "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("EVENTPIPE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8086)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Empty driver keeps conversations in memory only
	v.SetDefault("database.driver", "")
	v.SetDefault("database.path", "eventpipe.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "eventpipe")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "eventpipe")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "eventpipe")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.serviceName", "eventpipe")
	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("pipeline.defaultBackend", "claude-code")
	v.SetDefault("pipeline.failureStatuses", DefaultFailureStatuses)
	v.SetDefault("pipeline.disposedMemory", 1024)
	v.SetDefault("pipeline.titleMaxLength", 60)
	v.SetDefault("pipeline.titleTimeout", 30)

	// Claude Code reports subagent cost inside the parent turn; codex and ACP
	// agents report per-thread usage that must be summed.
	v.SetDefault("backends", map[string]interface{}{
		"claude-code": map[string]interface{}{"protocol": "streamjson", "subagentUsageFolded": true},
		"codex":       map[string]interface{}{"protocol": "codex", "subagentUsageFolded": false},
		"acp":         map[string]interface{}{"protocol": "acp", "subagentUsageFolded": false},
	})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix EVENTPIPE_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EVENTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env vars.
	_ = v.BindEnv("pipeline.defaultBackend", "EVENTPIPE_PIPELINE_DEFAULT_BACKEND")
	_ = v.BindEnv("database.dbName", "EVENTPIPE_DATABASE_DB_NAME")
	_ = v.BindEnv("tracing.endpoint", "EVENTPIPE_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/eventpipe/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "":
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres (or empty)")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(cfg.Backends) == 0 {
		errs = append(errs, "at least one backend must be configured")
	}
	if _, ok := cfg.Backends[cfg.Pipeline.DefaultBackend]; !ok {
		errs = append(errs, fmt.Sprintf("pipeline.defaultBackend %q is not a configured backend", cfg.Pipeline.DefaultBackend))
	}
	validProtocols := map[string]bool{"streamjson": true, "codex": true, "acp": true}
	for _, name := range cfg.BackendNames() {
		if !validProtocols[cfg.Backends[name].Protocol] {
			errs = append(errs, fmt.Sprintf("backends.%s.protocol must be one of: streamjson, codex, acp", name))
		}
	}
	if cfg.Pipeline.DisposedMemory <= 0 {
		errs = append(errs, "pipeline.disposedMemory must be positive")
	}
	if cfg.Pipeline.TitleMaxLength <= 0 {
		errs = append(errs, "pipeline.titleMaxLength must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL keyword/value connection string. Empty fields
// are left out so libpq defaults apply.
func (d *DatabaseConfig) DSN() string {
	var parts []string
	add := func(key, value string) {
		if value == "" {
			return
		}
		value = strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
		parts = append(parts, fmt.Sprintf("%s='%s'", key, value))
	}
	add("host", d.Host)
	if d.Port > 0 {
		add("port", fmt.Sprint(d.Port))
	}
	add("user", d.User)
	add("password", d.Password)
	add("dbname", d.DBName)
	add("sslmode", d.SSLMode)
	return strings.Join(parts, " ")
}
