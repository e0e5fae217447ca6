package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 7790, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:7790", cfg.Server.Address())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "./channels.yaml", cfg.Channels.DefinitionsPath)
	assert.Equal(t, 5*time.Second, cfg.Comment.RetryBackoff.Duration())
	assert.Equal(t, 64, cfg.Comment.SubscriberBuffer)
	assert.Equal(t, time.Second, cfg.Comment.DriveInterval.Duration())
	assert.Equal(t, 2, cfg.Transcode.SegmentDuration)
	assert.Equal(t, 2, cfg.Transcode.InitialSegments)
	assert.Equal(t, 4, cfg.Transcode.LiveSegments)
	assert.Equal(t, 30*time.Second, cfg.Transcode.IdleTimeout.Duration())
	assert.Equal(t, 15*time.Second, cfg.Providers.Hashtag.DefaultPollDelay.Duration())
	assert.Equal(t, 5*time.Second, cfg.Providers.Board.PollInterval.Duration())
	assert.Equal(t, int64(16*1024*1024), cfg.HTTP.MaxResponseSize.Bytes())
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
logging:
  level: debug
  format: text
comment:
  retry_backoff: 2s
  subscriber_buffer: 8
transcode:
  idle_timeout: 1m
providers:
  hashtag:
    bearer_token: file-token
http:
  max_response_size: 5MB
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 2*time.Second, cfg.Comment.RetryBackoff.Duration())
	assert.Equal(t, 8, cfg.Comment.SubscriberBuffer)
	assert.Equal(t, time.Minute, cfg.Transcode.IdleTimeout.Duration())
	assert.Equal(t, "file-token", cfg.Providers.Hashtag.BearerToken)
	assert.Equal(t, int64(5*1024*1024), cfg.HTTP.MaxResponseSize.Bytes())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	t.Setenv("COMMENTARR_SERVER_PORT", "9100")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"missing definitions", func(c *Config) { c.Channels.DefinitionsPath = "" }, "definitions_path"},
		{"zero backoff", func(c *Config) { c.Comment.RetryBackoff = 0 }, "retry_backoff"},
		{"zero buffer", func(c *Config) { c.Comment.SubscriberBuffer = 0 }, "subscriber_buffer"},
		{"zero drive interval", func(c *Config) { c.Comment.DriveInterval = 0 }, "drive_interval"},
		{"segments inverted", func(c *Config) { c.Transcode.LiveSegments = 1 }, "live_segments"},
		{"zero idle timeout", func(c *Config) { c.Transcode.IdleTimeout = 0 }, "idle_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, valid().Validate())
}
