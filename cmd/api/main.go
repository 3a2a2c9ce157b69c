package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"emdispatch/internal/api"
	"emdispatch/internal/auth"
	"emdispatch/internal/buildinfo"
	"emdispatch/internal/config"
	"emdispatch/internal/dispatch"
	"emdispatch/internal/lifecycle"
	"emdispatch/internal/logging"
	"emdispatch/internal/maintenance"
	"emdispatch/internal/store"
	"emdispatch/internal/stream"
	"emdispatch/internal/tracking"
	"emdispatch/internal/webhooks"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("EMD_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := buildinfo.Info()
	logger.Info("starting", zap.String("version", info["version"]), zap.String("commit", info["commit"]), zap.String("env", cfg.Environment))

	st, closeStore, err := openStore(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var broker api.EventBroker = api.NewBroker()
	if cfg.Redis.URL != "" {
		rb, err := api.NewRedisBroker(cfg.Redis.URL, logger.Named("redis"))
		if err != nil {
			return err
		}
		defer func() { _ = rb.Close() }()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rb.Ping(pctx)
		cancel()
		if err != nil {
			return err
		}
		broker = rb
		logger.Info("using redis event broker")
	}

	resolver := dispatch.NewResolver(cfg.Dispatch, logger.Named("dispatch"))
	cases := lifecycle.NewService(st, resolver, cfg.Lifecycle, logger.Named("lifecycle"),
		broker,
		webhooks.NewPublisher(st, logger.Named("webhooks")),
	)
	if cfg.Kafka.Enabled() {
		ks, err := stream.NewKafkaSink(cfg.Kafka, logger.Named("kafka"))
		if err != nil {
			return err
		}
		defer func() { _ = ks.Close() }()
		cases.AddSink(ks)
		logger.Info("streaming case events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	hub := tracking.NewHub(cfg.Tracking, cases, logger.Named("tracking"))
	go hub.Run(ctx)
	defer hub.Close()

	worker := webhooks.NewWorker(st, cfg.Webhooks, logger.Named("webhooks"))
	go worker.Run(ctx)

	sched, err := maintenance.New(cfg.Maintenance, st, hub, logger.Named("maintenance"))
	if err != nil {
		return err
	}
	sched.Start()

	verifier := auth.NewVerifier(cfg.Auth)
	srv := api.NewServer(st, cases, hub, verifier, broker, logger.Named("http"), api.Options{
		RateRPS:    cfg.HTTP.RateRPS,
		RateBurst:  cfg.HTTP.RateBurst,
		DevHeaders: verifier.Mode() == "dev",
		DebugConfig: map[string]any{
			"environment": cfg.Environment,
			"postgres":    cfg.Database.URL != "",
			"redis":       cfg.Redis.URL != "",
			"kafka":       cfg.Kafka.Enabled(),
			"tracking":    cfg.Tracking,
			"dispatch":    cfg.Dispatch,
			"lifecycle":   cfg.Lifecycle,
		},
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", httpSrv.Addr), zap.String("authMode", verifier.Mode()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop(sctx)
	return nil
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.URL == "" {
		logger.Warn("no database url, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	pg.SetPool(cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
	if cfg.Migrate {
		if err := pg.Migrate(); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}
