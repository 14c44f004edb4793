package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"matchlock/internal/config"
	"matchlock/internal/obs"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "matchlockd: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "matchlockd",
		Short:         "matchlockd serves exclusive requester-to-provider requests with a two-hour lock",
		SilenceErrors: true,
		Example: `
  # SQLite file in the working directory
  matchlockd --sqlite-path ./matchlock.db

  # Postgres store with LISTEN/NOTIFY change events
  MATCHLOCK_POSTGRES_DSN=postgres://matchlock@localhost/matchlock?sslmode=disable \
    matchlockd --store postgres --changefeed postgres

  # Redis fan-out and push queue, webhook delivery
  matchlockd --changefeed redis --notify-queue redis --push-webhook-url https://push.internal/hook
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, cfgFile, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := obs.NewLogger(cmd.Context(), cfg.LogLevel)
			if cfgFile != "" {
				logger.Info("cli.config.loaded", "path", cfgFile)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	registerFlags(cmd.PersistentFlags(), flags)
	bindFlags(v, cmd.PersistentFlags(), flags)

	cmd.AddCommand(newConfigCommand(v))
	return cmd
}

func registerFlags(persistent, flags *pflag.FlagSet) {
	def := config.Default()
	persistent.String("config", "", "path to a YAML configuration file")

	flags.String("listen", def.Listen, "HTTP listen address")
	flags.String("store", def.Store, "request store: sqlite or postgres")
	flags.String("sqlite-path", def.SQLitePath, "SQLite database file")
	flags.String("postgres-dsn", def.PostgresDSN, "PostgreSQL connection string")
	flags.Duration("busy-timeout", def.BusyTimeout, "how long a writer waits on a locked SQLite database")
	flags.Int("max-open-conns", def.MaxOpenConns, "maximum open store connections")
	flags.Duration("conn-max-lifetime", def.ConnMaxLifetime, "maximum lifetime of a pooled store connection")

	flags.Duration("request-ttl", def.RequestTTL, "how long a pending request locks its requester")
	flags.Duration("sweep-interval", def.SweepInterval, "interval between expire sweeps")
	flags.Duration("feed-settle", def.FeedSettle, "how long new notifications are held back from the feed")

	flags.Duration("high-accuracy-timeout", def.HighAccuracyTimeout, "deadline for the primary position source")
	flags.Duration("network-locator-timeout", def.NetworkLocatorTimeout, "deadline for fallback locators")
	flags.StringSlice("locators", def.Locators, "fallback locators as name=url; {ip} in the url is replaced with the client IP")
	flags.Float64("default-lat", def.DefaultLat, "latitude used when no locator answers")
	flags.Float64("default-lng", def.DefaultLng, "longitude used when no locator answers")

	flags.String("changefeed", def.ChangeFeed, "change event fan-out: memory, redis or postgres")
	flags.String("redis-addr", def.RedisAddr, "Redis address")
	flags.String("redis-password", def.RedisPassword, "Redis password")
	flags.Int("redis-db", def.RedisDB, "Redis database number")

	flags.String("notify-queue", def.NotifyQueue, "push work queue: memory or redis")
	flags.Int("notify-workers", def.NotifyWorkers, "concurrent push workers")
	flags.Int("notify-max-attempts", def.NotifyMaxAttempts, "push attempts before a notification is dead-lettered")
	flags.Duration("notify-base-backoff", def.NotifyBaseBackoff, "first retry delay for a failed push")
	flags.Duration("notify-max-backoff", def.NotifyMaxBackoff, "retry delay cap for failed pushes")
	flags.Duration("notify-poll-interval", def.NotifyPollInterval, "outbox poll interval")
	flags.Float64("notify-rate", def.NotifyRate, "push rate limit per second (0 = unlimited)")
	flags.String("push-webhook-url", def.PushWebhookURL, "webhook receiving notifications (empty logs them instead)")

	flags.Float64("api-rate", def.APIRate, "per-client request rate limit (0 = unlimited)")
	flags.Int("api-burst", def.APIBurst, "per-client request burst")

	flags.String("otel-exporter", def.OTelExporter, "span exporter: none, stdout, otlpgrpc or otlphttp")
	flags.String("otel-endpoint", def.OTelEndpoint, "OTLP collector endpoint")
	flags.String("log-level", def.LogLevel, "minimum log level")
}

func bindFlags(v *viper.Viper, persistent, flags *pflag.FlagSet) {
	bindFlag := func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	}
	persistent.VisitAll(bindFlag)
	flags.VisitAll(bindFlag)

	v.SetEnvPrefix("MATCHLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// loadConfig reads the optional config file and resolves flags, environment
// and file values into a validated Config.
func loadConfig(v *viper.Viper) (config.Config, string, error) {
	path := strings.TrimSpace(v.GetString("config"))
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return config.Config{}, "", fmt.Errorf("config file %q: %w", path, err)
		}
		if info.IsDir() {
			return config.Config{}, "", fmt.Errorf("config file %q is a directory", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, "", fmt.Errorf("read config file %q: %w", path, err)
		}
	}
	cfg := bindConfig(v)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, path, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

func bindConfig(v *viper.Viper) config.Config {
	return config.Config{
		Listen:          v.GetString("listen"),
		Store:           strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		SQLitePath:      v.GetString("sqlite-path"),
		PostgresDSN:     v.GetString("postgres-dsn"),
		BusyTimeout:     v.GetDuration("busy-timeout"),
		MaxOpenConns:    v.GetInt("max-open-conns"),
		ConnMaxLifetime: v.GetDuration("conn-max-lifetime"),

		RequestTTL:    v.GetDuration("request-ttl"),
		SweepInterval: v.GetDuration("sweep-interval"),
		FeedSettle:    v.GetDuration("feed-settle"),

		HighAccuracyTimeout:   v.GetDuration("high-accuracy-timeout"),
		NetworkLocatorTimeout: v.GetDuration("network-locator-timeout"),
		Locators:              v.GetStringSlice("locators"),
		DefaultLat:            v.GetFloat64("default-lat"),
		DefaultLng:            v.GetFloat64("default-lng"),

		ChangeFeed:    strings.ToLower(strings.TrimSpace(v.GetString("changefeed"))),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),

		NotifyQueue:        strings.ToLower(strings.TrimSpace(v.GetString("notify-queue"))),
		NotifyWorkers:      v.GetInt("notify-workers"),
		NotifyMaxAttempts:  v.GetInt("notify-max-attempts"),
		NotifyBaseBackoff:  v.GetDuration("notify-base-backoff"),
		NotifyMaxBackoff:   v.GetDuration("notify-max-backoff"),
		NotifyPollInterval: v.GetDuration("notify-poll-interval"),
		NotifyRate:         v.GetFloat64("notify-rate"),
		PushWebhookURL:     v.GetString("push-webhook-url"),

		APIRate:  v.GetFloat64("api-rate"),
		APIBurst: v.GetInt("api-burst"),

		OTelExporter: v.GetString("otel-exporter"),
		OTelEndpoint: v.GetString("otel-endpoint"),
		LogLevel:     v.GetString("log-level"),
	}
}
