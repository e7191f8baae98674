package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cinebook/internal/api"
	"cinebook/internal/config"
	"cinebook/internal/database"
	"cinebook/internal/domain"
	"cinebook/internal/events"
	"cinebook/internal/logging"
	"cinebook/internal/metrics"
	"cinebook/internal/models"
	"cinebook/internal/repository"
	"cinebook/internal/service"
	"cinebook/internal/worker"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(baseLogger, "api-main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := initDatabase(ctx, cfg, baseLogger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer repository.Close(redisClient)
	}
	cache, locker := initCoordination(cfg, redisClient, baseLogger)

	bus := events.NewEventBus()
	bus.OnError(func(event *events.Event, err error) {
		logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
	})
	audit := logging.Component(baseLogger, "events")
	bus.Subscribe(events.AllEvents, func(event *events.Event) error {
		audit.Debug().Str("event", event.Type).RawJSON("payload", event.Payload).Msg("ledger event")
		return nil
	})

	compensation := worker.NewCompensationWorker(redisClient, cfg.Redis.KeyPrefix, retryPolicy(cfg.Compensation), baseLogger)

	opts := []service.Option{
		service.WithCache(cache),
		service.WithEvents(bus),
		service.WithCompensator(compensation),
		service.WithRetry(retryPolicy(cfg.StorageRetry)),
	}
	ledger := service.NewLedgerService(db, db, cfg.Reservation, baseLogger, opts...)
	bookings := service.NewBookingService(db, db, service.NewPricing(cfg.Pricing), baseLogger, opts...)

	compensation.Handle(models.CompensationRelease, ledger.RetryRelease)
	compensation.Handle(models.CompensationExpire, ledger.RetryExpire)
	compensation.Handle(models.CompensationCancelBooking, bookings.RetryCancel)
	go compensation.Start(ctx)

	scheduler, err := startScheduler(cfg, db, ledger, bookings, locker, baseLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("scheduler shutdown")
		}
	}()

	startMetrics(ctx, cfg, logger)

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, only background jobs will run")
		<-ctx.Done()
		return nil
	}

	httpServer := api.NewHTTPServer(cfg, api.Services{
		Ledger:   ledger,
		Bookings: bookings,
		Catalog:  db,
		Ready:    db.PingContext,
	}, baseLogger)

	return serve(ctx, httpServer, cfg, logger)
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger,
		database.WithBusyTimeout(cfg.Database.BusyTimeout),
		database.WithMaxOpenConns(cfg.Database.MaxOpenConn),
	)
	if err != nil {
		return nil, err
	}

	seed, err := config.LoadCatalog(cfg.Catalog.SeedPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.SeedCatalog(ctx, seed.Seats, seed.Showtimes, time.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed catalog: %w", err)
	}

	for _, st := range seed.Showtimes {
		if _, err := db.Reconcile(ctx, st.ID, time.Now()); err != nil {
			db.Close()
			return nil, fmt.Errorf("reconcile inventory %s: %w", st.ID, err)
		}
	}

	logger.Info().
		Int("showtimes", len(seed.Showtimes)).
		Int("seats", len(seed.Seats)).
		Msg("catalog loaded")
	return db, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initCoordination picks the availability cache and sweeper lock backends.
func initCoordination(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) (domain.AvailabilityCache, domain.Locker) {
	memory := repository.NewMemoryAvailabilityCache()
	if client == nil {
		return memory, repository.NewMemoryLocker()
	}

	primary := repository.NewRedisAvailabilityCache(client, cfg.Redis.KeyPrefix)
	return repository.NewFailoverAvailabilityCache(primary, memory, logger),
		repository.NewRedisLocker(client, cfg.Redis.KeyPrefix)
}

func retryPolicy(c config.RetryConfig) worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxRetries:    c.MaxRetries,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
	}
}

func startScheduler(
	cfg *config.Config,
	db *database.DB,
	ledger *service.LedgerService,
	bookings *service.BookingService,
	locker domain.Locker,
	logger *zerolog.Logger,
) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	if cfg.Reaper.Enabled {
		reaper := worker.NewReaper(ledger, bookings, locker, cfg.Reaper, logger)
		if err := reaper.Schedule(scheduler); err != nil {
			return nil, fmt.Errorf("schedule reaper: %w", err)
		}
	}

	if cfg.Backup.Enabled {
		backups := database.NewBackupService(db, cfg.Backup, logger)
		if err := backups.Schedule(scheduler); err != nil {
			return nil, fmt.Errorf("schedule backup: %w", err)
		}
	}

	scheduler.Start()
	return scheduler, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func serve(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
