package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wajeht/shotcache/internal/cache"
	"github.com/wajeht/shotcache/internal/capture"
	"github.com/wajeht/shotcache/internal/keys"
	"github.com/wajeht/shotcache/internal/pipeline"
	"github.com/wajeht/shotcache/internal/ratelimit"
	"github.com/wajeht/shotcache/internal/server"
)

type Config struct {
	Port            string
	DataDir         string
	KeysFile        string
	PageTimeout     time.Duration
	ScreenshotQual  int
	CacheTTLSecs    int
	ViewportWidth   int
	ViewportHeight  int
	MaxConcurrent   int
	RequireHTTPS    bool
	MaxURLLength    int
	RateWindow      time.Duration
	ClientHitLimit  int
	ClientMissLimit int
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	Debug           bool
	BlockFonts      bool
	BlockMedia      bool
}

func DefaultConfig() Config {
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "80"
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	return Config{
		Port:            ":" + port,
		DataDir:         envString("DATA_DIR", "./data"),
		KeysFile:        envString("KEYS_FILE", "./keys.json"),
		PageTimeout:     time.Duration(envInt("PAGE_TIMEOUT_SECS", 30)) * time.Second,
		ScreenshotQual:  50,
		CacheTTLSecs:    300,
		ViewportWidth:   envInt("VIEWPORT_WIDTH", 1200),
		ViewportHeight:  envInt("VIEWPORT_HEIGHT", 630),
		MaxConcurrent:   envInt("MAX_CONCURRENT", 10),
		RequireHTTPS:    envBool("REQUIRE_HTTPS", false),
		MaxURLLength:    envInt("MAX_URL_LENGTH", 2048),
		RateWindow:      time.Duration(envInt("RATE_WINDOW_SECS", 60)) * time.Second,
		ClientHitLimit:  envInt("CLIENT_HIT_LIMIT", 300),
		ClientMissLimit: envInt("CLIENT_MISS_LIMIT", 30),
		SweepInterval:   time.Duration(envInt("SWEEP_INTERVAL_SECS", 300)) * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		Debug:           env != "production",
		BlockFonts:      true,
		BlockMedia:      true,
	}
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func run() error {
	cfg := DefaultConfig()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	keyStore, err := keys.LoadFile(cfg.KeysFile)
	if err != nil {
		return fmt.Errorf("loading keys: %w", err)
	}

	store, err := cache.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()

	limiter := ratelimit.New(cfg.SweepInterval, logger)
	defer limiter.Close()

	engine, err := capture.NewBrowserEngine(capture.EngineConfig{
		Quality:    cfg.ScreenshotQual,
		BlockFonts: cfg.BlockFonts,
		BlockMedia: cfg.BlockMedia,
		Debug:      cfg.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("starting browser engine: %w", err)
	}
	defer engine.Close()

	coordinator := capture.NewCoordinator(engine, cfg.MaxConcurrent, cfg.ViewportWidth, cfg.ViewportHeight, cfg.PageTimeout, logger)

	p := pipeline.New(pipeline.Config{
		RequireHTTPS:    cfg.RequireHTTPS,
		MaxURLLength:    cfg.MaxURLLength,
		Window:          cfg.RateWindow,
		ClientHitLimit:  cfg.ClientHitLimit,
		ClientMissLimit: cfg.ClientMissLimit,
	}, store, limiter, coordinator, logger)

	srv := server.New(p, store, keyStore, cfg.CacheTTLSecs, logger)
	mux := http.NewServeMux()
	srv.Routes(mux)

	httpServer := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
