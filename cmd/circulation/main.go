package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"librarycheckout/internal/catalog"
	"librarycheckout/internal/circulation"
	"librarycheckout/internal/config"
	"librarycheckout/internal/events"
	"librarycheckout/internal/logger"
	"librarycheckout/internal/metrics"
	"librarycheckout/internal/storage"
	"librarycheckout/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("circulation service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			zlog.Warn("flush traces", zap.Error(err))
		}
	}()

	db, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration,
		BusyTimeout:     cfg.Database.BusyTimeout.Duration,
	}, zlog)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	svc := circulation.NewService(storage.NewCheckoutStore(db), zlog, m)
	circ := circulation.NewHandler(svc, zlog, circulation.HandlerOptions{
		MaxAttempts:       cfg.HTTP.MaxAttempts,
		InitialBackoff:    cfg.HTTP.InitialBackoff.Duration,
		MaxBackoff:        cfg.HTTP.MaxBackoff.Duration,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
		OnRetry:           m.ObserveRetry,
	})

	var (
		wg     sync.WaitGroup
		broker brokerHealth
	)

	if cfg.Relay.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.Relay.AMQPURL, zlog)
		if err != nil {
			return err
		}
		defer publisher.Close()
		broker = publisher

		relay := events.NewRelay(storage.NewOutbox(db), publisher, zlog, events.RelayOptions{
			Interval:         cfg.Relay.Interval.Duration,
			BatchSize:        cfg.Relay.BatchSize,
			BreakerTimeout:   cfg.Relay.BreakerTimeout.Duration,
			FailureThreshold: cfg.Relay.FailureThreshold,
			Recorder:         m,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
	} else {
		zlog.Info("event relay disabled, no AMQP URL configured")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(circ.LogRequests)
	r.Get("/healthz", healthHandler(db, broker))
	r.Handle("/metrics", promhttp.Handler())
	catalog.NewHandler(catalog.NewService(db.DB, zlog)).Register(r)
	circ.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		zlog.Info("circulation service listening",
			zap.String("addr", srv.Addr), zap.String("driver", db.Driver()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		zlog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http shutdown", zap.Error(err))
	}
	wg.Wait()
	zlog.Info("circulation service stopped")
	return nil
}
