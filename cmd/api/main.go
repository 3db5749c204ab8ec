package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	fanout "github.com/metabolic-care/intake-api/internal/adapters/fanout/delivery"
	"github.com/metabolic-care/intake-api/internal/adapters/httpapi"
	kafkadelivery "github.com/metabolic-care/intake-api/internal/adapters/kafka/delivery"
	memdelivery "github.com/metabolic-care/intake-api/internal/adapters/memory/delivery"
	memidempotency "github.com/metabolic-care/intake-api/internal/adapters/memory/idempotency"
	memsessionrepo "github.com/metabolic-care/intake-api/internal/adapters/memory/sessionrepo"
	postgres "github.com/metabolic-care/intake-api/internal/adapters/postgres"
	pgidempotency "github.com/metabolic-care/intake-api/internal/adapters/postgres/idempotency"
	pgsessionrepo "github.com/metabolic-care/intake-api/internal/adapters/postgres/sessionrepo"
	redisidempotency "github.com/metabolic-care/intake-api/internal/adapters/redis/idempotency"
	redissessionrepo "github.com/metabolic-care/intake-api/internal/adapters/redis/sessionrepo"
	"github.com/metabolic-care/intake-api/internal/adapters/sqlite"
	sqliteidempotency "github.com/metabolic-care/intake-api/internal/adapters/sqlite/idempotency"
	sqlitesessionrepo "github.com/metabolic-care/intake-api/internal/adapters/sqlite/sessionrepo"
	webhookdelivery "github.com/metabolic-care/intake-api/internal/adapters/webhook/delivery"
	"github.com/metabolic-care/intake-api/internal/app/wizard"
	platformclock "github.com/metabolic-care/intake-api/internal/platform/clock"
	"github.com/metabolic-care/intake-api/internal/platform/config"
	"github.com/metabolic-care/intake-api/internal/platform/logger"
	"github.com/metabolic-care/intake-api/internal/platform/metrics"
	idempotencyport "github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
	sessionrepoport "github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := platformclock.NewSystemClock()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sessions, idemStore, closeStorage, err := openStorage(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeStorage()

	hook, closeDelivery, err := buildDelivery(cfg.Delivery)
	if err != nil {
		return err
	}
	defer closeDelivery()

	opts := []wizard.Option{
		wizard.WithLogger(log),
		wizard.WithMetrics(m),
		wizard.WithCatalog(cfg.Catalog()),
		wizard.WithDeliveryTimeout(cfg.Delivery.Timeout),
	}
	if hook != nil {
		log.Info("submission delivery enabled", "targets", hook.Len())
		opts = append(opts, wizard.WithDelivery(hook))
	}
	svc, err := wizard.New(sessions, clk, opts...)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(svc, idemStore, clk)
	handler := httpapi.NewRouter(api, httpapi.RouterOptions{
		Logger:  log,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", cfg.HTTP.Addr, "storage", cfg.Storage.Backend, "delivery", cfg.Delivery.Targets)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// Let in-flight deliveries finish before their targets are closed.
	svc.Wait()
	return err
}

func openStorage(ctx context.Context, cfg config.Config, clk platformclock.SystemClock) (sessionrepoport.Repository, idempotencyport.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Storage.AutoMigrate {
			if err := postgres.Migrate(cfg.Storage.PostgresDSN); err != nil {
				return nil, nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		pool, err := postgres.NewPool(ctx, cfg.Storage.PostgresDSN, postgres.PoolOptions{})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid postgres config: %w", err)
		}
		idem := pgidempotency.NewStore(pool, pgidempotency.WithTTL(cfg.Idempotency.TTL, clk.Now))
		go purgeIdempotency(ctx, idem, cfg.Idempotency.TTL)
		return pgsessionrepo.NewRepo(pool), idem, pool.Close, nil
	case "redis":
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		repo := redissessionrepo.NewRepo(client, redissessionrepo.WithTTL(cfg.Storage.RedisTTL))
		idem := redisidempotency.NewStore(client, redisidempotency.WithTTL(cfg.Idempotency.TTL, clk.Now))
		return repo, idem, func() { _ = client.Close() }, nil
	case "sqlite":
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		idem := sqliteidempotency.NewStore(db, sqliteidempotency.WithTTL(cfg.Idempotency.TTL, clk.Now))
		go purgeIdempotency(ctx, idem, cfg.Idempotency.TTL)
		return sqlitesessionrepo.NewRepo(db), idem, func() { _ = db.Close() }, nil
	default:
		idem := memidempotency.NewStore(memidempotency.WithTTL(cfg.Idempotency.TTL, clk.Now))
		return memsessionrepo.NewRepo(), idem, func() {}, nil
	}
}

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// purgeIdempotency removes expired idempotency rows until ctx is done.
func purgeIdempotency(ctx context.Context, store purger, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.Purge(ctx)
			if err != nil {
				slog.WarnContext(ctx, "idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "idempotency keys purged", "count", n)
			}
		}
	}
}

// buildDelivery assembles the configured targets. It returns a nil hook when
// delivery is disabled.
func buildDelivery(cfg config.DeliveryConfig) (*fanout.Fanout, func(), error) {
	var (
		targets []fanout.Target
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	for _, name := range cfg.Targets {
		switch name {
		case "memory":
			targets = append(targets, fanout.Target{Name: name, Hook: memdelivery.NewRecorder(memdelivery.WithLimit(cfg.MemoryLimit))})
		case "webhook":
			c, err := webhookdelivery.NewClient(webhookdelivery.Config{
				URL:        cfg.WebhookURL,
				Secret:     cfg.WebhookSecret,
				Timeout:    cfg.Timeout,
				MaxRetries: cfg.WebhookMaxRetries,
			})
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("webhook delivery: %w", err)
			}
			targets = append(targets, fanout.Target{Name: name, Hook: c})
		case "kafka":
			p, err := kafkadelivery.NewPublisher(kafkadelivery.Config{
				Brokers:  cfg.KafkaBrokers,
				Topic:    cfg.KafkaTopic,
				ClientID: cfg.KafkaClientID,
			})
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("kafka delivery: %w", err)
			}
			targets = append(targets, fanout.Target{Name: name, Hook: p})
			closers = append(closers, p.Close)
		}
	}
	if len(targets) == 0 {
		return nil, closeAll, nil
	}
	return fanout.New(targets...), closeAll, nil
}
