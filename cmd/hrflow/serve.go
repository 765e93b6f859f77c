package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/internal/dispatch"
	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/internal/transport"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API together with the outbox relay and intent consumer",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-dispatch",
				Usage: "Serve the API only; run the relay and consumer elsewhere",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, logger, err := bootstrap(command)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return serve(ctx, command, cfg, logger)
		},
	}
}

func serve(ctx context.Context, command *cli.Command, cfg *config.Config, logger *zap.Logger) error {
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	capResolver, evaluator, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		return fmt.Errorf("capability resolver initialization failed: %w", err)
	}

	store, storeCloser, err := buildWorkflowStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		return fmt.Errorf("workflow store initialization failed: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	engine := buildEngine(store, capResolver, cfg.Workflow.Policy, logger, metrics)

	var clients redisClients
	defer clients.close(logger)

	idemStore, err := buildIdempotencyStore(cfg.Idempotency, &clients, logger)
	if err != nil {
		return err
	}

	readiness := observability.ReadinessChecks{
		Store:        observability.CheckFunc(store.Ping),
		PolicyEngine: observability.CheckFunc(func(context.Context) error {
			if cfg.Capability.StaticPolicyFile != "" && evaluator.Roles() == 0 {
				return errors.New("static policy defines no roles")
			}
			return nil
		}),
	}
	if idemStore != nil {
		readiness.IdempotencyStore = observability.CheckFunc(idemStore.Ping)
	}

	// Background dispatch: relay on a cron schedule, consumer on the topic.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var scheduler *dispatch.Scheduler
	var consumer *dispatch.Consumer
	if !command.Bool("no-dispatch") {
		deduper, err := buildDeduper(cfg.Dispatch.Dedupe, &clients)
		if err != nil {
			return err
		}

		publisher, subscriber, err := dispatch.NewPubSub(cfg.Dispatch, dispatch.NewLoggerAdapter(logger))
		if err != nil {
			return err
		}
		defer publisher.Close()

		consumer, err = dispatch.NewConsumer(subscriber, cfg.Dispatch.Topic, cfg.Dispatch.Retry,
			dispatch.Handlers{
				Notifier: dispatch.LogNotifier{Logger: logger},
				Archiver: dispatch.LogArchiver{Logger: logger},
				Recorder: engine,
				Deduper:  deduper,
			}, logger, metrics)
		if err != nil {
			return err
		}
		go func() {
			if err := consumer.Run(bgCtx); err != nil {
				logger.Error("intent consumer stopped", zap.Error(err))
			}
		}()
		readiness.Consumer = observability.CheckFunc(func(context.Context) error {
			select {
			case <-consumer.Running():
				return nil
			default:
				return errors.New("intent consumer not running")
			}
		})

		relay := dispatch.NewRelay(store, publisher, cfg.Dispatch.Topic, cfg.Dispatch.BatchSize, logger, metrics)
		scheduler, err = dispatch.NewScheduler(relay, cfg.Dispatch.RelaySchedule, logger)
		if err != nil {
			return err
		}
		if err := scheduler.Start(bgCtx); err != nil {
			return err
		}
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:           cfg,
		Logger:           logger,
		Metrics:          metrics,
		Authenticate:     transport.JWTAuthenticator(cfg.Identity, jwks, logger),
		Engine:           engine,
		IdempotencyStore: idemStore,
		HealthHandler:    observability.HandleHealth(),
		ReadyHandler:     observability.HandleReady(readiness),
		MetricsHandler:   observability.Handler(),
	})

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
		zap.String("dispatch", cfg.Dispatch.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		serveErr = err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// The relay stops before the consumer so a final batch is still handled.
	if scheduler != nil {
		scheduler.Stop()
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Error("intent consumer close error", zap.Error(err))
		}
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}
