package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/visiodeibc/omnirelay/internal/config"
	"github.com/visiodeibc/omnirelay/internal/gateway/handler"
	"github.com/visiodeibc/omnirelay/internal/gateway/router"
	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/platform/instagram"
	"github.com/visiodeibc/omnirelay/internal/platform/telegram"
	"github.com/visiodeibc/omnirelay/internal/platform/tiktok"
	"github.com/visiodeibc/omnirelay/internal/storage"
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
	defaultConfigPath := os.Getenv("GATEWAY_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/gateway-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.ValidateGateway(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting gateway service",
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
	var nudge handler.NudgePublisher
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		nudge = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	} else {
		appLogger.Info("RabbitMQ disabled; worker will rely on polling")
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:   appLogger.Logger,
		Store:    store,
		Registry: registry,
		DB:       dbClient,
		Nudge:    nudge,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Any("platforms", registry.Platforms()),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Gateway service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
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
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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
// credentials are present and seals the registry. Running with a
// subset of the platforms is a supported deployment.
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
		logger.Warn("No platform adapters configured; webhooks will answer 501")
	}

	return registry, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Setup router
	return router.SetupRouter(deps)
}
