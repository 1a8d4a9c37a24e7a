package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML config file (optional)")
	envFile := pflag.String("env-file", ".env", "path to a .env file (optional)")
	addr := pflag.String("addr", "", "listen address, overrides LISTEN_ADDR")
	pflag.Parse()

	cfg, err := LoadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg Config, logger *zap.Logger) error {
	ctx, stop := setupGracefulShutdown(context.Background())
	defer stop()

	tempDir, cleanupDir, err := prepareTempDir(cfg.TempDir)
	if err != nil {
		return err
	}
	defer cleanupDir()
	logger.Info("using temp dir", zap.String("dir", tempDir))

	var store ProgressStore = NewMemoryProgressStore()
	if rdb := initRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger); rdb != nil {
		defer rdb.Close()
		store = NewRedisProgressStore(rdb, cfg.ProgressTTL(), cfg.ProgressWriteRate)
	}
	tracker := NewProgressTracker(store, logger.Named("progress"))

	metrics := NewMetrics()
	reaper := NewFileReaper(ReaperOptions{
		Dir:           tempDir,
		Delay:         cfg.RemovalDelay(),
		SweepInterval: cfg.SweepInterval(),
		StaleAfter:    cfg.StaleAfter(),
		OnRemove:      metrics.FileRemoved,
	}, logger.Named("reaper"))
	go reaper.Run(ctx)
	defer reaper.Stop()

	resolver := NewSpotifyResolver(SpotifyOptions{
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		TokenURL:     cfg.SpotifyTokenURL,
		APIBaseURL:   cfg.SpotifyAPIBaseURL,
	}, logger.Named("spotify"))

	acquirer := NewYtdlpAcquirer(AcquirerOptions{
		TempDir:          tempDir,
		FFmpegPath:       cfg.FFmpegPath,
		AudioQuality:     cfg.AudioQuality,
		ProgressInterval: DefaultProgressInterval,
		Progress:         cfg.Progress,
	}, logger.Named("ytdlp"))

	converter := NewConverter(ConverterOptions{
		Tracker:        tracker,
		Resolver:       resolver,
		Acquirer:       acquirer,
		Tagger:         NewID3Tagger(logger.Named("id3")),
		Reaper:         reaper,
		Metrics:        metrics,
		Progress:       cfg.Progress,
		AcquireTimeout: cfg.AcquireTimeout(),
	}, logger.Named("converter"))

	srv := NewServer(ServerOptions{
		Converter: converter,
		Tracker:   tracker,
		Reaper:    reaper,
		Metrics:   metrics,
		TempDir:   tempDir,
	}, logger.Named("http"))

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Routes(),
		ReadTimeout: DefaultReadTimeout,
		IdleTimeout: DefaultIdleTimeout,
		// No WriteTimeout: /convert blocks for the whole acquisition.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.ListenAddr), zap.String("progress_backend", tracker.Backend()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGracePeriod)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("graceful shutdown completed")
	return nil
}

// prepareTempDir returns the directory produced files go to. A directory we
// create ourselves is removed on exit; a configured one is left alone.
func prepareTempDir(configured string) (string, func(), error) {
	if configured != "" {
		if err := os.MkdirAll(configured, 0o755); err != nil {
			return "", nil, fmt.Errorf("create temp dir: %w", err)
		}
		return configured, func() {}, nil
	}
	dir, err := os.MkdirTemp("", TempDirPrefix)
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
