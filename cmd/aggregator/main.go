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

	"github.com/cuongbtq/metals-aggregator/internal/aggregator"
	"github.com/cuongbtq/metals-aggregator/internal/apify"
	"github.com/cuongbtq/metals-aggregator/internal/config"
	"github.com/cuongbtq/metals-aggregator/internal/dealer"
	"github.com/cuongbtq/metals-aggregator/internal/sink"
	"github.com/cuongbtq/metals-aggregator/shared/logger"
	"github.com/joho/godotenv"
)

// InputEnv holds the run input JSON when no --input file is given
const InputEnv = "AGGREGATOR_INPUT"

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

	defaultConfigPath := os.Getenv("AGGREGATOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/aggregator/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	inputPath := flag.String("input", "", "Path to run input JSON (defaults to $"+InputEnv+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAggregatorConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	raw, err := readInput(*inputPath, os.Getenv)
	if err != nil {
		return err
	}

	input, err := aggregator.ParseInput(raw)
	if err != nil {
		return err
	}

	out, closer, err := sink.Open(cfg.Sink.Type, cfg.Sink.Path)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Starting aggregation",
		slog.Any("search_terms", input.SearchTerms),
		slog.Int("max_items_per_dealer", input.MaxItemsPerDealer),
		slog.Any("dealers", input.Dealers),
		slog.String("sink", cfg.Sink.Type),
	)

	agg := initAggregator(cfg, appLogger.Logger)

	if _, err := agg.Run(ctx, input, out); err != nil {
		return fmt.Errorf("aggregation failed: %w", err)
	}

	return nil
}

// readInput resolves the run input: the --input file, then the environment,
// then an empty document
func readInput(path string, getenv func(string) string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return data, nil
	}

	if v := getenv(InputEnv); v != "" {
		return []byte(v), nil
	}

	return []byte("{}"), nil
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

// initAggregator builds the dealer dispatcher on top of the job API client
func initAggregator(cfg *config.Config, logger *slog.Logger) *aggregator.Aggregator {
	opts := []apify.ClientOption{
		apify.WithRateLimit(cfg.Apify.RateLimit),
		apify.WithLogger(logger),
	}
	if cfg.Apify.BaseURL != "" {
		opts = append(opts, apify.WithBaseURL(cfg.Apify.BaseURL))
	}

	return aggregator.New(&aggregator.Config{
		Logger:         logger,
		Registry:       dealer.Default(),
		Runner:         apify.NewClient(cfg.Apify.Token, opts...),
		RunTimeout:     cfg.Apify.RunTimeout,
		WaitMargin:     cfg.Apify.WaitMargin,
		MemoryMB:       cfg.Apify.MemoryMB,
		HeavyMemoryMB:  cfg.Apify.HeavyMemoryMB,
		MaxConcurrency: cfg.Aggregator.MaxConcurrency,
	})
}
