package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/workflow"
)

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations to the postgres store",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, logger, err := bootstrap(command)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Workflow.Store.Driver != "postgres" {
				return fmt.Errorf("migrate: workflow.store.driver is %q, not postgres", cfg.Workflow.Store.Driver)
			}

			pool, err := openPool(ctx, cfg.Workflow.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := workflow.Migrate(ctx, pool, logger); err != nil {
				return err
			}
			logger.Info("schema up to date", zap.String("dsn_env", cfg.Workflow.Store.DSNEnv))
			return nil
		},
	}
}
