package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, "", cfg.Database.Driver)
	assert.Equal(t, "claude-code", cfg.Pipeline.DefaultBackend)
	assert.ElementsMatch(t, DefaultFailureStatuses, cfg.Pipeline.FailureStatuses)

	claude := cfg.Backend("claude-code")
	assert.Equal(t, "streamjson", claude.Protocol)
	assert.True(t, claude.SubagentUsageFolded)
	assert.False(t, cfg.Backend("codex").SubagentUsageFolded)
}

func TestLoadWithPath_EnvOverrides(t *testing.T) {
	t.Setenv("EVENTPIPE_SERVER_PORT", "9191")
	t.Setenv("EVENTPIPE_DATABASE_DRIVER", "sqlite")
	t.Setenv("EVENTPIPE_DATABASE_PATH", "/tmp/pipe.db")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/pipe.db", cfg.Database.Path)
}

func TestLoadWithPath_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
pipeline:
  defaultBackend: opencode
backends:
  opencode:
    protocol: acp
    subagentUsageFolded: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "opencode", cfg.Pipeline.DefaultBackend)
	b := cfg.Backend("opencode")
	assert.Equal(t, "acp", b.Protocol)
	assert.True(t, b.SubagentUsageFolded)

	// Unknown names resolve to the default backend profile
	assert.Equal(t, b, cfg.Backend("does-not-exist"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Logging:  LoggingConfig{Level: "info", Format: "json"},
			Pipeline: PipelineConfig{DefaultBackend: "claude-code", DisposedMemory: 10, TitleMaxLength: 40},
			Backends: map[string]BackendConfig{"claude-code": {Protocol: "streamjson"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "bad driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "database.driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Driver = "sqlite" }, wantErr: "database.path"},
		{name: "postgres without user", mutate: func(c *Config) {
			c.Database = DatabaseConfig{Driver: "postgres", Port: 5432, DBName: "x"}
		}, wantErr: "database.user"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: "logging.level"},
		{name: "unknown default backend", mutate: func(c *Config) { c.Pipeline.DefaultBackend = "x" }, wantErr: "pipeline.defaultBackend"},
		{name: "bad protocol", mutate: func(c *Config) {
			c.Backends["claude-code"] = BackendConfig{Protocol: "grpc"}
		}, wantErr: "backends.claude-code.protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "full",
			cfg:  DatabaseConfig{Host: "db", Port: 5432, User: "pipe", Password: "pw", DBName: "sessions", SSLMode: "require"},
			want: "host='db' port='5432' user='pipe' password='pw' dbname='sessions' sslmode='require'",
		},
		{
			name: "empty fields left out",
			cfg:  DatabaseConfig{Host: "db", User: "pipe", DBName: "sessions"},
			want: "host='db' user='pipe' dbname='sessions'",
		},
		{
			name: "quotes escaped",
			cfg:  DatabaseConfig{Password: `a'b\c d`},
			want: `password='a\'b\\c d'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}
