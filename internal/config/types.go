package config

import "time"

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Data     DataConfig     `koanf:"data"`
	Refresh  RefreshConfig  `koanf:"refresh"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

type UpstreamConfig struct {
	BaseURL       string        `koanf:"base_url"`
	Timeout       time.Duration `koanf:"timeout"`
	UserAgent     string        `koanf:"user_agent"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	Burst         int           `koanf:"burst"`
	Retry         RetryConfig   `koanf:"retry"`
	Breaker       BreakerConfig `koanf:"breaker"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `koanf:"max_requests"`
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold float64       `koanf:"failure_threshold"`
	MinRequests      uint32        `koanf:"min_requests"`
}

type DataConfig struct {
	// Dir holds the SQLite database and the gzip title snapshots.
	Dir string `koanf:"dir"`
}

type RefreshConfig struct {
	// Schedule is a cron expression; empty disables scheduled refreshes.
	Schedule    string        `koanf:"schedule"`
	Concurrency int           `koanf:"concurrency"`
	Timeout     time.Duration `koanf:"timeout"`
	OnStart     bool          `koanf:"on_start"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
