package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"matchlock/internal/api"
	"matchlock/internal/changefeed"
	"matchlock/internal/config"
	"matchlock/internal/geo"
	"matchlock/internal/locate"
	"matchlock/internal/model"
	"matchlock/internal/notify"
	"matchlock/internal/obs"
	"matchlock/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func serve(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		ServiceName: "matchlockd",
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    true,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Store,
		Path:            cfg.SQLitePath,
		DSN:             cfg.PostgresDSN,
		BusyTimeout:     cfg.BusyTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	feed, err := newFeed(cfg, db, rdb, logger)
	if err != nil {
		return err
	}
	closeFeed := sync.OnceFunc(func() { _ = feed.Close() })
	defer closeFeed()

	var queue notify.Queue = notify.NewMemoryQueue(1024)
	if cfg.NotifyQueue == "redis" {
		queue = notify.NewRedisQueue(rdb, "")
	}
	var pusher notify.Pusher = notify.LogPusher{Logger: logger.With("svc", "push")}
	if cfg.PushWebhookURL != "" {
		pusher = notify.NewWebhookPusher(cfg.PushWebhookURL)
	}
	dispatcher := notify.NewDispatcher(db, queue, pusher, logger, metrics, notify.Config{
		Workers:      cfg.NotifyWorkers,
		MaxAttempts:  cfg.NotifyMaxAttempts,
		BaseBackoff:  cfg.NotifyBaseBackoff,
		MaxBackoff:   cfg.NotifyMaxBackoff,
		PollInterval: cfg.NotifyPollInterval,
		Rate:         cfg.NotifyRate,
	})

	svc := model.NewService(db, logger, metrics,
		model.WithTTL(cfg.RequestTTL),
		model.WithFeedSettle(cfg.FeedSettle),
		model.WithChangeFeed(feed),
		model.WithKicker(dispatcher),
	)

	locators, err := parseLocators(cfg.Locators)
	if err != nil {
		return err
	}
	apiServer := api.NewServer(api.Deps{
		Service: svc,
		Feed:    feed,
		Locator: &locate.Acquirer{
			Fallbacks:             locators,
			HighAccuracyTimeout:   cfg.HighAccuracyTimeout,
			NetworkLocatorTimeout: cfg.NetworkLocatorTimeout,
			Default:               geo.Position{Lat: cfg.DefaultLat, Lng: cfg.DefaultLng},
			Logger:                logger,
		},
		Logger:    logger,
		RateLimit: cfg.APIRate,
		Burst:     cfg.APIBurst,
	})
	defer apiServer.Close()

	mon := model.NewExpirationMonitor(svc, logger, metrics, cfg.SweepInterval)

	srv := newHTTPServer(cfg.Listen, apiServer.Handler(), closeFeed)

	var (
		wg     sync.WaitGroup
		srvErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		logger.Info("server.lifecycle.started",
			"addr", cfg.Listen,
			"store", db.Dialect().String(),
			"changefeed", cfg.ChangeFeed,
			"notify_queue", cfg.NotifyQueue,
			"request_ttl", cfg.RequestTTL.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr = err
			logger.Error("server.lifecycle.listen_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server.lifecycle.stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server.lifecycle.shutdown_error", "error", err)
	}
	wg.Wait()
	logger.Info("server.lifecycle.stopped")
	return srvErr
}

// newHTTPServer ends the change feed as soon as shutdown starts. Shutdown
// waits for active requests, and an SSE stream only returns once its
// subscription is closed.
func newHTTPServer(addr string, h http.Handler, closeFeed func()) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(closeFeed)
	return srv
}

func newFeed(cfg config.Config, db *storage.DB, rdb redis.UniversalClient, logger pslog.Logger) (changefeed.Feed, error) {
	switch cfg.ChangeFeed {
	case "redis":
		return changefeed.NewRedisFeed(rdb, logger), nil
	case "postgres":
		f, err := changefeed.NewPostgresFeed(db.DB, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres changefeed: %w", err)
		}
		return f, nil
	default:
		return changefeed.NewHub(), nil
	}
}

// parseLocators turns "name=url" entries into fallback sources. A bare url
// is named after its position in the list.
func parseLocators(entries []string) ([]locate.Source, error) {
	out := make([]locate.Source, 0, len(entries))
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url := fmt.Sprintf("locator-%d", i), entry
		if eq := strings.Index(entry, "="); eq > 0 && !strings.Contains(entry[:eq], "://") {
			name, url = entry[:eq], entry[eq+1:]
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("locator %q: url must be http or https", entry)
		}
		out = append(out, locate.NewHTTPLocator(name, url))
	}
	return out, nil
}
