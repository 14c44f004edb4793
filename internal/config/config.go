// Package config holds the matchlockd runtime configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"matchlock/internal/geo"
)

type Config struct {
	Listen string `yaml:"listen"`

	Store           string        `yaml:"store"`
	SQLitePath      string        `yaml:"sqlite-path"`
	PostgresDSN     string        `yaml:"postgres-dsn"`
	BusyTimeout     time.Duration `yaml:"busy-timeout"`
	MaxOpenConns    int           `yaml:"max-open-conns"`
	ConnMaxLifetime time.Duration `yaml:"conn-max-lifetime"`

	RequestTTL    time.Duration `yaml:"request-ttl"`
	SweepInterval time.Duration `yaml:"sweep-interval"`
	// FeedSettle holds back notifications younger than this from the feed.
	FeedSettle time.Duration `yaml:"feed-settle"`

	HighAccuracyTimeout   time.Duration `yaml:"high-accuracy-timeout"`
	NetworkLocatorTimeout time.Duration `yaml:"network-locator-timeout"`
	Locators              []string      `yaml:"locators"`
	DefaultLat            float64       `yaml:"default-lat"`
	DefaultLng            float64       `yaml:"default-lng"`

	ChangeFeed    string `yaml:"changefeed"`
	RedisAddr     string `yaml:"redis-addr"`
	RedisPassword string `yaml:"redis-password"`
	RedisDB       int    `yaml:"redis-db"`

	NotifyQueue        string        `yaml:"notify-queue"`
	NotifyWorkers      int           `yaml:"notify-workers"`
	NotifyMaxAttempts  int           `yaml:"notify-max-attempts"`
	NotifyBaseBackoff  time.Duration `yaml:"notify-base-backoff"`
	NotifyMaxBackoff   time.Duration `yaml:"notify-max-backoff"`
	NotifyPollInterval time.Duration `yaml:"notify-poll-interval"`
	NotifyRate         float64       `yaml:"notify-rate"`
	PushWebhookURL     string        `yaml:"push-webhook-url"`

	APIRate  float64 `yaml:"api-rate"`
	APIBurst int     `yaml:"api-burst"`

	OTelExporter string `yaml:"otel-exporter"`
	OTelEndpoint string `yaml:"otel-endpoint"`
	LogLevel     string `yaml:"log-level"`
}

func Default() Config {
	return Config{
		Listen:                ":8080",
		Store:                 "sqlite",
		SQLitePath:            "matchlock.db",
		BusyTimeout:           5 * time.Second,
		MaxOpenConns:          10,
		ConnMaxLifetime:       30 * time.Minute,
		RequestTTL:            2 * time.Hour,
		SweepInterval:         time.Minute,
		FeedSettle:            2 * time.Second,
		HighAccuracyTimeout:   5 * time.Second,
		NetworkLocatorTimeout: 2 * time.Second,
		ChangeFeed:            "memory",
		RedisAddr:             "127.0.0.1:6379",
		NotifyQueue:           "memory",
		NotifyWorkers:         4,
		NotifyMaxAttempts:     8,
		NotifyBaseBackoff:     time.Second,
		NotifyMaxBackoff:      5 * time.Minute,
		NotifyPollInterval:    2 * time.Second,
		APIRate:               20,
		APIBurst:              40,
		OTelExporter:          "none",
		LogLevel:              "info",
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	switch c.Store {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite-path is required for store=sqlite"))
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres-dsn is required for store=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store must be sqlite or postgres, got %q", c.Store))
	}
	if c.RequestTTL <= 0 {
		errs = append(errs, errors.New("request-ttl must be > 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep-interval must be > 0"))
	}
	if c.FeedSettle < 0 {
		errs = append(errs, errors.New("feed-settle must be >= 0"))
	}
	if c.HighAccuracyTimeout <= 0 || c.NetworkLocatorTimeout <= 0 {
		errs = append(errs, errors.New("locator timeouts must be > 0"))
	}
	if !(geo.Position{Lat: c.DefaultLat, Lng: c.DefaultLng}).Valid() {
		errs = append(errs, fmt.Errorf("default position %.4f,%.4f out of range", c.DefaultLat, c.DefaultLng))
	}
	switch c.ChangeFeed {
	case "memory", "redis":
	case "postgres":
		if c.Store != "postgres" {
			errs = append(errs, errors.New("changefeed=postgres requires store=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("changefeed must be memory, redis or postgres, got %q", c.ChangeFeed))
	}
	switch c.NotifyQueue {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("notify-queue must be memory or redis, got %q", c.NotifyQueue))
	}
	if (c.ChangeFeed == "redis" || c.NotifyQueue == "redis") && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis-addr is required when redis is used"))
	}
	if c.NotifyMaxAttempts < 1 {
		errs = append(errs, errors.New("notify-max-attempts must be >= 1"))
	}
	if c.NotifyBaseBackoff <= 0 || c.NotifyMaxBackoff < c.NotifyBaseBackoff {
		errs = append(errs, errors.New("notify backoff must satisfy 0 < base <= max"))
	}
	if c.APIRate < 0 || c.NotifyRate < 0 {
		errs = append(errs, errors.New("rates must be >= 0"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.ChangeFeed == "redis" || c.NotifyQueue == "redis"
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.RedisPassword != "" {
		c.RedisPassword = "***"
	}
	if c.PostgresDSN != "" {
		c.PostgresDSN = redactDSN(c.PostgresDSN)
	}
	return c
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		rest := dsn[i+3:]
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			if colon := strings.Index(rest[:at], ":"); colon >= 0 {
				return dsn[:i+3] + rest[:colon] + ":***" + rest[at:]
			}
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}

// YAML renders the configuration with secrets redacted.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
