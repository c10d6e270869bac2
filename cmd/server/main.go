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

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/broker"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/orchestrator"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	if cfg.Debug && os.Getenv("JWT_SECRET") == "" {
		logger.Warn("using development JWT secret; never run this in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}()

	var (
		store    storage.TripStore
		profiles storage.ProfileStore
		checks   []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			applied, err := storage.ApplyMigrations(ctx, ps.DB(), "migrations")
			if err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
		profiles = storage.NewPostgresProfiles(ps.DB())
		checks = append(checks, func(ctx context.Context) error { return ps.DB().PingContext(ctx) })
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		store = storage.NewMemoryStore()
		profiles = storage.NewMemoryProfiles()
	}

	var directory geo.Directory
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		closers = append(closers, rg.Close)
		checks = append(checks, rg.Ping)
		directory = rg
	} else {
		directory = geo.NewIndex()
	}

	estimator := &eta.Estimator{DefaultSpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(cfg.ETACacheTTL)}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var locations ingest.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, kp.Close)
		locations = kp
	}

	var sinks dispatch.MultiSink
	if cfg.RabbitMQURL != "" {
		mq, err := broker.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			// Events are best effort; the core keeps running without the broker.
			logger.Error("rabbitmq unavailable, ride events will not be mirrored", "err", err)
		} else {
			closers = append(closers, mq.Close)
			sinks = append(sinks, mq)
		}
	}
	if cfg.PushEndpoint != "" {
		sinks = append(sinks, dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}
	var sink dispatch.EventSink
	if len(sinks) > 0 {
		sink = sinks
	}

	var wallet payments.Wallet
	if cfg.StripeAPIKey != "" {
		wallet = payments.NewStripeWallet(cfg.StripeAPIKey, cfg.Currency)
	} else {
		wallet = payments.NewMemoryWallet(cfg.WalletDefaultCredit)
	}

	hub := dispatch.NewWSRegistry(cfg.WSSendBuffer, logger)
	orch := orchestrator.New(orchestrator.Config{
		OfferTTL:       cfg.OfferTTL,
		OfferMaxRounds: cfg.OfferMaxRounds,
		RetryAttempts:  cfg.RetryAttempts,
		RetryDelay:     cfg.RetryDelay,
	}, orchestrator.Deps{
		Store:     store,
		Machine:   lifecycle.New(store, cfg.DeclinePolicy),
		Matcher:   &matcher.Service{Directory: directory, ETA: estimator, RadiusKm: cfg.MatchRadiusKm},
		Notifier:  hub,
		Directory: directory,
		Profiles:  profiles,
		Wallet:    wallet,
		Sink:      sink,
		Locations: locations,
	}, logger)
	hub.SetListener(orch)

	srv := httpapi.NewServer(httpapi.Options{
		Orchestrator: orch,
		Hub:          hub,
		Auth:         auth.NewJWT([]byte(cfg.JWTSecret)),
		Logger:       logger,
		Debug:        cfg.Debug,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	})

	go orch.RunOfferExpiry(ctx, cfg.OfferSweepInterval)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr,
			"decline_policy", cfg.DeclinePolicy, "offer_ttl", cfg.OfferTTL.String())
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("pending ride events abandoned at shutdown")
	}
	logger.Info("server stopped")
	return serveErr
}
