package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/silviot/deepgram_live_proxy_go/pkg/config"
	"github.com/silviot/deepgram_live_proxy_go/pkg/frame"
	"github.com/silviot/deepgram_live_proxy_go/pkg/gateway"
)

func main() {
	// Parse flags
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		host       = flag.String("host", "", "Listen host (overrides config)")
		port       = flag.Int("port", 0, "Listen port (overrides config)")
		staticDir  = flag.String("static-dir", "", "Directory holding the built frontend (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Config file and environment first, flags win over both.
	cfg, err := config.LoadWithEnvOverrides(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *staticDir != "" {
		cfg.Server.StaticDir = *staticDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// The proxy is useless without provider credentials; explain how to get
	// them instead of failing with a bare validation error.
	if cfg.Provider.APIKey == "" {
		fmt.Fprintf(os.Stderr, "Error: DEEPGRAM_API_KEY environment variable is not set\n")
		fmt.Fprintf(os.Stderr, "\nTo run this server you need a Deepgram API key:\n")
		fmt.Fprintf(os.Stderr, "  1. Sign up at https://console.deepgram.com/signup\n")
		fmt.Fprintf(os.Stderr, "  2. Create an API key in the console\n")
		fmt.Fprintf(os.Stderr, "  3. Export it: export DEEPGRAM_API_KEY=your_key_here\n")
		os.Exit(1)
	}

	// Setup logging
	logger := setupLogger(cfg.Logging.Level)

	logger.Info("starting speech proxy",
		"addr", cfg.Addr(),
		"listen_url", cfg.Provider.ListenURL,
		"speak_url", cfg.Provider.SpeakURL,
		"max_sessions", cfg.Session.MaxSessions)

	gw := gateway.NewServer(cfg, logger)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: gw.Handler(),
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	// Stop accepting first. Shutdown leaves hijacked WebSocket connections
	// alone, so live sessions are drained explicitly afterwards.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	gw.Sessions().CloseAll(frame.ReasonSessionClosed, "server shutting down")

	logger.Info("speech proxy stopped")
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
