package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"ecfr-dashboard/internal/config"
	"ecfr-dashboard/internal/ecfr"
	"ecfr-dashboard/internal/logging"
	"ecfr-dashboard/internal/resilience/circuitbreaker"
	"ecfr-dashboard/internal/resilience/retry"
	"ecfr-dashboard/internal/store"
	"ecfr-dashboard/internal/wordcount"
)

// app holds the dependencies shared by the serve, refresh and recount
// commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	client    *ecfr.Client
	refresher *wordcount.Refresher
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	st, err := store.Open(ctx, cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	client := ecfr.NewClient(clientOptions(cfg.Upstream))
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		client: client,
		refresher: wordcount.NewRefresher(client, st, wordcount.Options{
			Concurrency: cfg.Refresh.Concurrency,
			Timeout:     cfg.Refresh.Timeout,
			Logger:      logger,
		}),
	}, nil
}

// Close waits for an in-flight refresh before closing the store.
func (a *app) Close() error {
	a.refresher.Close()
	return a.store.Close()
}

func clientOptions(u config.UpstreamConfig) ecfr.Options {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = u.Retry.MaxAttempts
	rc.InitialDelay = u.Retry.InitialDelay
	rc.MaxDelay = u.Retry.MaxDelay

	bc := circuitbreaker.DefaultConfig("ecfr-api")
	bc.MaxRequests = u.Breaker.MaxRequests
	bc.Interval = u.Breaker.Interval
	bc.Timeout = u.Breaker.Timeout
	bc.FailureThreshold = u.Breaker.FailureThreshold
	bc.MinRequests = u.Breaker.MinRequests

	return ecfr.Options{
		BaseURL:       u.BaseURL,
		Timeout:       u.Timeout,
		UserAgent:     u.UserAgent,
		RatePerSecond: u.RatePerSecond,
		Burst:         u.Burst,
		Retry:         rc,
		DownloadRetry: retry.DownloadConfig(),
		Breaker:       bc,
	}
}
