package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to the JSON configuration file")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Load configuration
	config, apiKey, err := LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	logger := initLogger(config, *debugMode)

	if apiKey != "" {
		fmt.Printf("Generated API key: %s\n", apiKey)
		fmt.Println("IMPORTANT: Save this key! It won't be shown again.")
	}

	// Ensure necessary directories exist
	if err := config.EnsureDirectories(); err != nil {
		logger.Fatalf("Failed to create directories: %v", err)
	}

	store, err := NewTransformationStore(config.DatabasePath())
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	app, err := createApp(config, store, logger)
	if err != nil {
		logger.Fatalf("Failed to create app: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go app.guard.runCleanup(stop)

	addr := fmt.Sprintf("%s:%d", config.BindAddress, config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           app.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Server shutdown failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr":         addr,
		"auth_enabled": config.APIKeyHash != "",
		"database":     config.DatabasePath(),
	}).Info("Transformation parameter service is ready")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Server failed: %v", err)
	}

	logger.Info("Server stopped")
}

// createApp creates an app instance
func createApp(config *Config, store *TransformationStore, logger *logrus.Logger) (*App, error) {
	proxies, err := parseTrustedProxies(config.TrustedProxies)
	if err != nil {
		return nil, err
	}

	app := &App{
		config:   config,
		store:    store,
		guard:    NewAPIKeyGuard(config.APIKeyHash, proxies, logger),
		renderer: NewPreviewRenderer(config.PreviewMaxEdge, logger),
		logger:   logger,
	}

	return app, nil
}

// initLogger initializes the logger with the configured level and format
func initLogger(config *Config, debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if debugMode {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	if config.LogJSON && !debugMode {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}
