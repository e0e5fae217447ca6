package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/commentarr/internal/channels"
	"github.com/jmylchreest/commentarr/internal/comment"
	"github.com/jmylchreest/commentarr/internal/config"
	internalhttp "github.com/jmylchreest/commentarr/internal/http"
	"github.com/jmylchreest/commentarr/internal/http/handlers"
	"github.com/jmylchreest/commentarr/internal/providers"
	"github.com/jmylchreest/commentarr/internal/providers/board"
	"github.com/jmylchreest/commentarr/internal/providers/hashtag"
	"github.com/jmylchreest/commentarr/internal/providers/nicolive"
	"github.com/jmylchreest/commentarr/internal/startup"
	"github.com/jmylchreest/commentarr/internal/transcode"
	"github.com/jmylchreest/commentarr/internal/version"
	"github.com/jmylchreest/commentarr/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the commentarr server",
	Long: `Start the commentarr HTTP server and API.

The server provides:
- SSE comment streams for live channels and timeshift playback
- REST API for channels, playback control, and transcode sessions
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags. They override config/env only when explicitly set.
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 7790, "Port to listen on")
	serveCmd.Flags().String("channels", "", "Channel definitions file path")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("channels") {
		cfg.Channels.DefinitionsPath, _ = cmd.Flags().GetString("channels")
	}

	// Clean up segment directories orphaned by a previous run.
	outputDir := cfg.Transcode.OutputDir
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	orphansRemoved, err := startup.CleanupOrphanedOutputDirs(logger, outputDir, transcode.SessionDirPrefix(), startup.DefaultCleanupAge)
	if err != nil {
		logger.Warn("failed to clean orphaned output directories",
			slog.String("error", err.Error()),
		)
	} else if orphansRemoved > 0 {
		logger.Info("cleaned orphaned output directories on startup",
			slog.Int("removed_count", orphansRemoved),
		)
	}

	// Load channel definitions
	store, err := channels.Load(cfg.Channels.DefinitionsPath)
	if err != nil {
		return fmt.Errorf("loading channel definitions: %w", err)
	}
	logger.Info("channel definitions loaded",
		slog.String("path", cfg.Channels.DefinitionsPath),
		slog.Int("channels", store.Len()))

	// Shared outbound HTTP client for the polling providers
	httpConfig := httpclient.DefaultConfig()
	httpConfig.Timeout = cfg.HTTP.Timeout
	httpConfig.RetryAttempts = cfg.HTTP.RetryAttempts
	httpConfig.MaxResponseSize = cfg.HTTP.MaxResponseSize.Bytes()
	httpConfig.UserAgent = version.UserAgent()
	httpConfig.Logger = logger
	client := httpclient.New(httpConfig)

	// Provider factories
	providerConfig := providers.Config{
		NicoLive: nicolive.Config{
			WatchURLTemplate:   cfg.Providers.NicoLive.WatchURLTemplate,
			KakologURLTemplate: cfg.Providers.NicoLive.KakologURLTemplate,
			Origin:             cfg.Providers.NicoLive.Origin,
		},
		Hashtag: hashtag.Config{
			BaseURL:             cfg.Providers.Hashtag.BaseURL,
			BearerToken:         cfg.Providers.Hashtag.BearerToken,
			StreamFallbackDelay: cfg.Providers.Hashtag.StreamFallbackDelay.Duration(),
			DefaultPollDelay:    cfg.Providers.Hashtag.DefaultPollDelay.Duration(),
		},
		Board: board.Config{
			PollInterval:          cfg.Providers.Board.PollInterval.Duration(),
			ThreadRefreshInterval: cfg.Providers.Board.ThreadRefreshInterval.Duration(),
		},
	}
	liveFactory := providers.NewLiveFactory(providerConfig, client, logger)
	timeshiftFactory := providers.NewTimeshiftFactory(providerConfig, client, logger)

	// Comment core
	mux := comment.NewMultiplexer(comment.MultiplexerConfig{
		RetryBackoff:     cfg.Comment.RetryBackoff.Duration(),
		SubscriberBuffer: cfg.Comment.SubscriberBuffer,
	}, liveFactory, logger)
	defer mux.Close()

	registry := comment.NewSessionRegistry()
	defer registry.Close()

	sessionConfig := comment.DefaultSessionConfig()
	sessionConfig.RetryBackoff = cfg.Comment.RetryBackoff.Duration()
	sessionConfig.DriveInterval = cfg.Comment.DriveInterval.Duration()
	sessionConfig.OutputBuffer = cfg.Comment.SubscriberBuffer

	// Transcode session cache
	starter := transcode.NewFFmpegStarter(transcode.FFmpegConfig{
		BinaryPath:       cfg.Transcode.BinaryPath,
		InputURLTemplate: cfg.Transcode.InputURLTemplate,
		OutputDir:        cfg.Transcode.OutputDir,
		SegmentDuration:  cfg.Transcode.SegmentDuration,
		InitialSegments:  cfg.Transcode.InitialSegments,
		LiveSegments:     cfg.Transcode.LiveSegments,
	}, logger)
	cache := transcode.NewCache(transcode.CacheConfig{
		IdleTimeout: cfg.Transcode.IdleTimeout.Duration(),
	}, starter, logger)
	defer cache.Close()

	// HTTP server
	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	// Register handlers
	healthHandler := handlers.NewHealthHandler(version.Version)
	healthHandler.Register(server.API())

	channelHandler := handlers.NewChannelHandler(store, logger)
	channelHandler.Register(server.API())

	streamHandler := handlers.NewStreamHandler(store, mux, logger)
	streamHandler.RegisterSSE(server.Router())

	timeshiftHandler := handlers.NewTimeshiftHandler(store, timeshiftFactory, registry, sessionConfig, logger)
	timeshiftHandler.Register(server.API())
	timeshiftHandler.RegisterSSE(server.Router())

	transcodeHandler := handlers.NewTranscodeHandler(cache, logger)
	transcodeHandler.Register(server.API())

	statsHandler := handlers.NewStatsHandler(mux, registry, cache)
	statsHandler.Register(server.API())

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting commentarr server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}
