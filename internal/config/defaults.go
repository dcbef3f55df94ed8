package config

import "time"

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			CORSOrigins:       []string{"*"},
		},
		Upstream: UpstreamConfig{
			BaseURL:       "https://www.ecfr.gov",
			Timeout:       30 * time.Second,
			UserAgent:     "ecfr-dashboard/1.0",
			RatePerSecond: 5,
			Burst:         10,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 250 * time.Millisecond,
				MaxDelay:     2 * time.Second,
			},
			Breaker: BreakerConfig{
				MaxRequests:      3,
				Interval:         30 * time.Second,
				Timeout:          60 * time.Second,
				FailureThreshold: 0.6,
				MinRequests:      5,
			},
		},
		Data: DataConfig{
			Dir: "./data",
		},
		Refresh: RefreshConfig{
			Schedule:    "",
			Concurrency: 2,
			Timeout:     30 * time.Minute,
			OnStart:     false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
