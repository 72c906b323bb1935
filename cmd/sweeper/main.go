package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"app/internal/config"
	"app/internal/logger"
	"app/internal/pgmq"
	"app/internal/repository"
	"app/internal/sweeper"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "", "Sweeper mode: retry|recompute")
	flag.Parse()

	// Initialize logger
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Initialize DB connection pool
	pool, err := pgxpool.New(context.Background(), cfg.DBConnectionString)
	if err != nil {
		logger.Fatal().Msgf("Failed to create DB connection pool: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(context.Background()); err != nil {
		logger.Fatal().Msgf("Failed to ping DB: %v", err)
	}
	logger.Info().Msg("Database connection established")

	usageRepo := repository.NewUsageRepo(pool)

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Dispatch to the selected sweep
	var runErr error
	switch *mode {
	case "retry":
		runErr = sweeper.RunRetry(ctx, cfg, logger, pgmq.New(pool), usageRepo)
	case "recompute":
		runErr = sweeper.RunRecompute(ctx, logger, repository.NewCounterSweepRepo(pool), usageRepo)
	default:
		logger.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		logger.Fatal().Msgf("%s sweep failed: %v", *mode, runErr)
	}

	logger.Info().Msgf("%s sweep stopped gracefully", *mode)
}
