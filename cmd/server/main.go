package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/locks"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payment"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/room"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.OrderStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
		logger.Info("using postgres order store")
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory order store")
	}

	retry := session.RetryPolicy{
		Timeout:  cfg.SendTimeout,
		Attempts: cfg.SendRetries,
		Backoff:  cfg.SendRetryBackoff,
	}
	registry := session.NewRegistry(logger, retry)
	rooms := room.NewHub(logger, registry, retry)

	broadcaster := dispatch.NewBroadcaster(logger, registry, cfg.OfferExpiry)
	if cfg.RedisAddr != "" {
		ranker := geo.NewRedisRanker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer ranker.Close()
		broadcaster.Ranker = ranker
		logger.Info("proximity ranking enabled", "redis_addr", cfg.RedisAddr)
	}
	if cfg.PushEndpoint != "" {
		broadcaster.Push = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}
	registry.OnDriverOnline(broadcaster.DriverOnline)

	orderLocks := locks.NewKeyed()

	var charger *payment.StripeCharger
	var holder httpapi.Holder
	var lifecycleCharger lifecycle.Charger
	var handshakeCharger payment.Charger
	if os.Getenv("STRIPE_API_KEY") != "" {
		charger = payment.NewStripeCharger()
		holder = charger
		lifecycleCharger = charger
		handshakeCharger = charger
		logger.Info("stripe gateway enabled")
	}

	arb := arbiter.New(logger, orderLocks, store, registry, rooms, broadcaster)
	broadcaster.SetExpirer(arb)

	rides := lifecycle.New(logger, orderLocks, store, rooms, registry, broadcaster, lifecycleCharger)
	payments := payment.New(logger, orderLocks, store, rooms, handshakeCharger)

	var producer relay.Producer
	if len(cfg.KafkaBrokers) > 0 {
		kp := relay.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		producer = kp
		logger.Info("position ingest enabled", "topic", cfg.KafkaTopic)
	}
	positions := relay.New(logger, store, rooms, registry, producer)

	api := httpapi.NewServer(httpapi.Deps{
		Logger:      logger,
		Store:       store,
		Registry:    registry,
		Rooms:       rooms,
		Broadcaster: broadcaster,
		Arbiter:     arb,
		Lifecycle:   rides,
		Payment:     payments,
		Relay:       positions,
		Holder:      holder,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_orders.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
