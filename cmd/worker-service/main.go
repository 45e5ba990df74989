package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/visiodeibc/omnirelay/internal/config"
	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/platform/instagram"
	"github.com/visiodeibc/omnirelay/internal/platform/telegram"
	"github.com/visiodeibc/omnirelay/internal/platform/tiktok"
	"github.com/visiodeibc/omnirelay/internal/storage"
	"github.com/visiodeibc/omnirelay/internal/worker"
	"github.com/visiodeibc/omnirelay/internal/worker/backoff"
	"github.com/visiodeibc/omnirelay/shared/logger"
	"github.com/visiodeibc/omnirelay/shared/postgresql"
	"github.com/visiodeibc/omnirelay/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	store := storage.NewPostgres(dbClient, appLogger.Logger)

	// Build the platform registry from whatever credentials are present
	registry, err := buildRegistry(&cfg.Platforms, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to build platform registry: %w", err)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = registry.InitializeAll(initCtx)
	initCancel()
	if err != nil {
		return fmt.Errorf("failed to initialize platform adapters: %w", err)
	}

	// Initialize RabbitMQ client when the nudge channel is enabled
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}

		appLogger.Info("RabbitMQ connection established")
	} else {
		appLogger.Info("RabbitMQ disabled; relying on polling alone")
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:          appLogger.Logger,
		Store:           store,
		Registry:        registry,
		RabbitClient:    rabbitClient,
		WorkerID:        workerID(),
		PollInterval:    cfg.Worker.PollInterval,
		BatchSize:       cfg.Worker.BatchSize,
		JobTimeout:      cfg.Worker.JobTimeout,
		Backoff:         buildBackoff(&cfg.Worker.Backoff),
		StaleAfter:      cfg.Worker.StaleAfter,
		StaleCheckEvery: cfg.Worker.StaleCheckEvery,
	})
	workerInstance.RegisterBuiltins()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if err := registry.ShutdownAll(context.Background()); err != nil {
			appLogger.Error("Adapter shutdown failed",
				slog.Any("error", err),
			)
		}
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// workerID builds a claim owner name unique enough to tell instances
// apart in the jobs table.
func workerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// buildBackoff maps the configured strategy name to an implementation.
// Validation already rejected unknown names, so the default branch only
// covers the empty string.
func buildBackoff(cfg *config.BackoffConfig) backoff.Strategy {
	switch cfg.Strategy {
	case "constant":
		return backoff.Constant{Interval: cfg.Interval}
	case "linear":
		return backoff.Linear{Interval: cfg.Interval, Max: cfg.Max}
	case "exponential":
		return backoff.Exponential{Initial: cfg.Interval, Max: cfg.Max, Jitter: cfg.Jitter}
	default:
		return backoff.Default()
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// buildRegistry constructs an adapter for every platform whose
// credentials are present and seals the registry. Deliveries to a
// platform that is not configured fail the job permanently.
func buildRegistry(cfg *config.PlatformsConfig, logger *slog.Logger) (*platform.Registry, error) {
	registry := platform.NewRegistry(logger)

	if cfg.Telegram.Configured() {
		adapter, err := telegram.New(telegram.Config{
			BotToken:      cfg.Telegram.BotToken,
			WebhookSecret: cfg.Telegram.WebhookSecret,
			SendPerSecond: cfg.Telegram.SendPerSecond,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if cfg.Instagram.Configured() {
		adapter, err := instagram.New(instagram.Config{
			AccessToken:   cfg.Instagram.AccessToken,
			AccountID:     cfg.Instagram.AccountID,
			AppSecret:     cfg.Instagram.AppSecret,
			VerifyToken:   cfg.Instagram.VerifyToken,
			SendPerSecond: cfg.Instagram.SendPerSecond,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("instagram adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if cfg.TikTok.Configured() {
		adapter, err := tiktok.New(tiktok.Config{
			ClientKey:    cfg.TikTok.ClientKey,
			ClientSecret: cfg.TikTok.ClientSecret,
			AccessToken:  cfg.TikTok.AccessToken,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("tiktok adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	registry.Seal()

	if len(registry.Platforms()) == 0 {
		logger.Warn("No platform adapters configured; deliveries will fail permanently")
	}

	return registry, nil
}
