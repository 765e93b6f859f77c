package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/dispatch"
	"github.com/pitabwire/hrflow/internal/observability"
)

// newRelayCommand runs the outbox relay on its own, for deployments where
// the API runs with --no-dispatch and intents travel over Kafka.
func newRelayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Publish pending outbox intents to the dispatch topic",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Drain the outbox once and exit",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, logger, err := bootstrap(command)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Dispatch.Driver == "gochannel" && !command.Bool("once") {
				logger.Warn("gochannel dispatch has no subscribers outside this process; intents published here are lost")
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			store, storeCloser, err := buildWorkflowStore(ctx, cfg.Workflow.Store, logger)
			if err != nil {
				return fmt.Errorf("workflow store initialization failed: %w", err)
			}
			if storeCloser != nil {
				defer storeCloser()
			}

			publisher, _, err := dispatch.NewPubSub(cfg.Dispatch, dispatch.NewLoggerAdapter(logger))
			if err != nil {
				return err
			}
			defer publisher.Close()

			metrics := observability.InitMetrics(prometheus.DefaultRegisterer)
			relay := dispatch.NewRelay(store, publisher, cfg.Dispatch.Topic, cfg.Dispatch.BatchSize, logger, metrics)

			if command.Bool("once") {
				n, err := relay.Drain(ctx)
				logger.Info("outbox drained", zap.Int("published", n))
				return err
			}

			scheduler, err := dispatch.NewScheduler(relay, cfg.Dispatch.RelaySchedule, logger)
			if err != nil {
				return err
			}
			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			scheduler.Stop()
			return nil
		},
	}
}
