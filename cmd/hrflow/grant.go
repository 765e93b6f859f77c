package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/model"
)

// newGrantCommand credits leave days from the command line. The operator's
// roles go through the configured capability policy like an API caller's.
func newGrantCommand() *cli.Command {
	return &cli.Command{
		Name:      "grant",
		Usage:     "Grant leave days to an employee",
		ArgsUsage: "<employee-id> <days>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "as",
				Usage:    "Operator id recorded as the grant's actor",
				Required: true,
				Sources:  cli.EnvVars("HRFLOW_OPERATOR"),
			},
			&cli.StringSliceFlag{
				Name:  "role",
				Usage: "Operator role resolved through the capability policy",
				Value: []string{"hr_admin"},
			},
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Reason recorded on the ledger entry",
				Value: "manual grant",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() != 2 {
				return fmt.Errorf("grant: expected <employee-id> <days>, got %d arguments", command.NArg())
			}
			employeeID := command.Args().Get(0)
			days, err := decimal.NewFromString(command.Args().Get(1))
			if err != nil {
				return fmt.Errorf("grant: days %q: %w", command.Args().Get(1), err)
			}

			cfg, logger, err := bootstrap(command)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Workflow.Store.Driver != "postgres" {
				return fmt.Errorf("grant: workflow.store.driver is %q; a grant needs the postgres store", cfg.Workflow.Store.Driver)
			}

			capResolver, _, err := buildCapabilityResolver(cfg.Capability, nil)
			if err != nil {
				return err
			}
			store, storeCloser, err := buildWorkflowStore(ctx, cfg.Workflow.Store, logger)
			if err != nil {
				return err
			}
			defer storeCloser()

			engine := buildEngine(store, capResolver, cfg.Workflow.Policy, logger, nil)
			rctx := &model.RequestContext{
				SubjectID: command.String("as"),
				Roles:     command.StringSlice("role"),
			}
			bal, err := engine.Grant(ctx, rctx, employeeID, days, command.String("reason"))
			if err != nil {
				return err
			}

			logger.Info("grant recorded",
				zap.String("employee_id", bal.EmployeeID),
				zap.String("remaining_days", bal.RemainingDays.String()),
				zap.Int64("version", bal.Version),
			)
			return nil
		},
	}
}
