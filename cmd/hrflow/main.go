// Package main is the entry point for the hrflow approval service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	observability.Version = version
	observability.Commit = commit

	cmd := &cli.Command{
		Name:                  "hrflow",
		Usage:                 "Multi-step HR approval service",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Value:   "config.yaml",
				Sources: cli.EnvVars("HRFLOW_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newMigrateCommand(),
			newRelayCommand(),
			newGrantCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hrflow: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration named by the root --config flag and
// builds the logger every subcommand starts from.
func bootstrap(command *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, fmt.Errorf("logger error: %w", err)
	}
	return cfg, logger.With(zap.String("command", command.Name)), nil
}
