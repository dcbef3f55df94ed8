// Package config loads the dashboard configuration from defaults, an
// optional YAML file and ECFRDASH_* environment variables.
package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: ECFRDASH_UPSTREAM__BASE_URL -> upstream.base_url.
const EnvPrefix = "ECFRDASH_"

// Load reads configuration from path (skipped when the file does not exist),
// then overlays environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream.base_url %q", c.Upstream.BaseURL)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.RatePerSecond < 0 {
		return fmt.Errorf("upstream.rate_per_second must be non-negative")
	}
	if c.Upstream.Retry.MaxAttempts < 1 {
		return fmt.Errorf("upstream.retry.max_attempts must be at least 1")
	}
	if c.Upstream.Breaker.FailureThreshold <= 0 || c.Upstream.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("upstream.breaker.failure_threshold must be in (0, 1]")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Refresh.Concurrency < 1 || c.Refresh.Concurrency > 8 {
		return fmt.Errorf("refresh.concurrency must be between 1 and 8")
	}
	if c.Refresh.Timeout <= 0 {
		return fmt.Errorf("refresh.timeout must be positive")
	}
	if c.Refresh.Schedule != "" {
		if _, err := cron.ParseStandard(c.Refresh.Schedule); err != nil {
			return fmt.Errorf("invalid refresh.schedule %q: %w", c.Refresh.Schedule, err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log.format %q: must be json or text", c.Log.Format)
	}
	return nil
}

// WriteYAML writes the effective configuration as YAML, durations in
// their string form.
func (c *Config) WriteYAML(w io.Writer) error {
	data, err := yamlv3.Marshal(toMap(reflect.ValueOf(*c)))
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

var durationType = reflect.TypeOf(time.Duration(0))

// toMap converts a config struct into nested maps keyed by koanf tag.
func toMap(v reflect.Value) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}
	if v.Kind() != reflect.Struct {
		return v.Interface()
	}
	out := make(map[string]any, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)
		key := f.Tag.Get("koanf")
		if key == "" {
			key = strings.ToLower(f.Name)
		}
		out[key] = toMap(v.Field(i))
	}
	return out
}
