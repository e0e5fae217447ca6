// Package config provides configuration management for commentarr using
// Viper. It supports configuration from files, environment variables, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 7790
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultRetryBackoff        = 5 * time.Second
	defaultSubscriberBuffer    = 64
	defaultDriveInterval       = 1 * time.Second
	defaultStreamFallback      = 5 * time.Second
	defaultPollDelay           = 15 * time.Second
	defaultBoardPollInterval   = 5 * time.Second
	defaultThreadRefresh       = 5 * time.Minute
	defaultSegmentDuration     = 2
	defaultInitialSegments     = 2
	defaultLiveSegments        = 4
	defaultTranscodeIdle       = 30 * time.Second
	defaultHTTPTimeout         = 30 * time.Second
	defaultHTTPRetryAttempts   = 2
	defaultHTTPMaxResponseSize = 16 * 1024 * 1024
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Comment   CommentConfig   `mapstructure:"comment"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Providers ProvidersConfig `mapstructure:"providers"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// No write timeout: SSE comment streams stay open for hours.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ChannelsConfig locates the channel definitions file.
type ChannelsConfig struct {
	DefinitionsPath string `mapstructure:"definitions_path"`
}

// CommentConfig holds comment engine configuration.
type CommentConfig struct {
	// RetryBackoff is the pause between provider reconnect attempts.
	RetryBackoff Duration `mapstructure:"retry_backoff"`
	// SubscriberBuffer is the per-subscriber delivery buffer; a full
	// buffer drops for that subscriber only.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// DriveInterval paces timeshift replay stepping.
	DriveInterval Duration `mapstructure:"drive_interval"`
}

// TranscodeConfig holds transcode session cache configuration.
type TranscodeConfig struct {
	BinaryPath       string   `mapstructure:"binary_path"`
	InputURLTemplate string   `mapstructure:"input_url_template"`
	OutputDir        string   `mapstructure:"output_dir"`
	SegmentDuration  int      `mapstructure:"segment_duration"`
	InitialSegments  int      `mapstructure:"initial_segments"`
	LiveSegments     int      `mapstructure:"live_segments"`
	IdleTimeout      Duration `mapstructure:"idle_timeout"`
}

// ProvidersConfig holds per-source provider configuration.
type ProvidersConfig struct {
	NicoLive NicoLiveConfig `mapstructure:"nicolive"`
	Hashtag  HashtagConfig  `mapstructure:"hashtag"`
	Board    BoardConfig    `mapstructure:"board"`
}

// NicoLiveConfig configures the live comment socket and past-log endpoints.
type NicoLiveConfig struct {
	WatchURLTemplate   string `mapstructure:"watch_url_template"`
	KakologURLTemplate string `mapstructure:"kakolog_url_template"`
	Origin             string `mapstructure:"origin"`
}

// HashtagConfig configures the social hashtag search provider.
type HashtagConfig struct {
	BaseURL             string   `mapstructure:"base_url"`
	BearerToken         string   `mapstructure:"bearer_token"`
	StreamFallbackDelay Duration `mapstructure:"stream_fallback_delay"`
	DefaultPollDelay    Duration `mapstructure:"default_poll_delay"`
}

// BoardConfig configures the anonymous-board provider.
type BoardConfig struct {
	PollInterval          Duration `mapstructure:"poll_interval"`
	ThreadRefreshInterval Duration `mapstructure:"thread_refresh_interval"`
}

// HTTPConfig configures the outbound HTTP client shared by providers.
type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	MaxResponseSize ByteSize      `mapstructure:"max_response_size"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration. They are
// prefixed with COMMENTARR_ and use underscores for nesting.
// Example: COMMENTARR_SERVER_PORT=7790.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/commentarr")
		v.AddConfigPath("$HOME/.commentarr")
	}

	v.SetEnvPrefix("COMMENTARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	// The extra hook lets Duration and ByteSize fields accept their
	// human-readable string forms.
	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Channel definitions
	v.SetDefault("channels.definitions_path", "./channels.yaml")

	// Comment engine defaults
	v.SetDefault("comment.retry_backoff", defaultRetryBackoff)
	v.SetDefault("comment.subscriber_buffer", defaultSubscriberBuffer)
	v.SetDefault("comment.drive_interval", defaultDriveInterval)

	// Transcode defaults
	v.SetDefault("transcode.binary_path", "ffmpeg")
	v.SetDefault("transcode.input_url_template", "")
	v.SetDefault("transcode.output_dir", "")
	v.SetDefault("transcode.segment_duration", defaultSegmentDuration)
	v.SetDefault("transcode.initial_segments", defaultInitialSegments)
	v.SetDefault("transcode.live_segments", defaultLiveSegments)
	v.SetDefault("transcode.idle_timeout", defaultTranscodeIdle)

	// Provider defaults
	v.SetDefault("providers.nicolive.watch_url_template", "wss://nx-jikkyo.tsukumijima.net/api/v1/channels/%s/ws/comment")
	v.SetDefault("providers.nicolive.kakolog_url_template", "https://jikkyo.tsukumijima.net/api/kakolog/%s")
	v.SetDefault("providers.nicolive.origin", "https://commentarr.local")
	v.SetDefault("providers.hashtag.base_url", "https://api.twitter.com")
	v.SetDefault("providers.hashtag.bearer_token", "")
	v.SetDefault("providers.hashtag.stream_fallback_delay", defaultStreamFallback)
	v.SetDefault("providers.hashtag.default_poll_delay", defaultPollDelay)
	v.SetDefault("providers.board.poll_interval", defaultBoardPollInterval)
	v.SetDefault("providers.board.thread_refresh_interval", defaultThreadRefresh)

	// Outbound HTTP defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultHTTPRetryAttempts)
	v.SetDefault("http.max_response_size", defaultHTTPMaxResponseSize)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Channels.DefinitionsPath == "" {
		return fmt.Errorf("channels.definitions_path is required")
	}

	if c.Comment.RetryBackoff.Duration() <= 0 {
		return fmt.Errorf("comment.retry_backoff must be positive")
	}
	if c.Comment.SubscriberBuffer < 1 {
		return fmt.Errorf("comment.subscriber_buffer must be at least 1")
	}
	if c.Comment.DriveInterval.Duration() <= 0 {
		return fmt.Errorf("comment.drive_interval must be positive")
	}

	if c.Transcode.SegmentDuration < 1 {
		return fmt.Errorf("transcode.segment_duration must be at least 1")
	}
	if c.Transcode.InitialSegments < 1 {
		return fmt.Errorf("transcode.initial_segments must be at least 1")
	}
	if c.Transcode.LiveSegments < c.Transcode.InitialSegments {
		return fmt.Errorf("transcode.live_segments must be at least transcode.initial_segments")
	}
	if c.Transcode.IdleTimeout.Duration() <= 0 {
		return fmt.Errorf("transcode.idle_timeout must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
