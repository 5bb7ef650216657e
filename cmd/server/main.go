package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"icebreaker/backend/pkg/config"
	"icebreaker/backend/pkg/di"
	"icebreaker/backend/pkg/logger"
	"icebreaker/backend/pkg/router"
	"icebreaker/backend/shared/observability"
)

const serviceName = "icebreaker"

func main() {
	envFile := pflag.String("env-file", "", "dotenv file loaded before the environment is read")
	schema := pflag.String("openapi-schema", "", "OpenAPI schema path (overrides OPENAPI_SCHEMA)")
	migrateOnly := pflag.Bool("migrate-only", false, "migrate and seed the database, then exit")
	pflag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			os.Stderr.WriteString("failed to load " + *envFile + ": " + err.Error() + "\n")
			os.Exit(1)
		}
	}
	cfg := config.New()
	if *schema != "" {
		cfg.OpenAPI.SchemaPath = *schema
	}

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"
	log := logger.New(logConfig)
	logger.SetGlobal(log)

	version := os.Getenv("APP_VERSION")
	log.Info("Starting application", "version", version, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.Tracing {
		shutdown, err := observability.SetupTracing(serviceName, version, nil)
		if err != nil {
			log.LogError(err, "Failed to initialize tracing")
			os.Exit(1)
		}
		defer shutdown(context.Background())
	}
	if cfg.Observability.Metrics {
		shutdown, err := observability.SetupMetrics(serviceName, version)
		if err != nil {
			log.LogError(err, "Failed to initialize metrics")
			os.Exit(1)
		}
		defer shutdown(context.Background())
	}

	db, err := config.NewDB(cfg)
	if err != nil {
		log.LogError(err, "Failed to initialize database")
		os.Exit(1)
	}
	if err := config.TestConnection(db); err != nil {
		log.LogError(err, "Database is not reachable")
		os.Exit(1)
	}

	container, err := di.New(ctx, cfg, db, log)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	if *migrateOnly {
		log.Info("Database migrated")
		_ = container.Close()
		return
	}

	container.Health.Start(ctx)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go container.Hub.Run(hubCtx)

	r := router.New(container)
	if cfg.OpenAPI.Validate {
		r.AddOpenAPIValidation(cfg.OpenAPI.SchemaPath)
	}
	r.SetupRoutes()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogError(err, "Server failed to start")
			stop()
		}
	}()
	go func() {
		if err := container.GRPC.ListenAndServe(cfg.Server.GRPCPort); err != nil {
			log.LogError(err, "gRPC server failed to start")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}
	// hijacked websocket connections are not covered by Shutdown
	stopHub()
	container.GRPC.Stop(shutdownCtx)
	r.Close()
	if err := container.Close(); err != nil {
		log.LogError(err, "Failed to release dependencies")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info("Server exited gracefully")
}
