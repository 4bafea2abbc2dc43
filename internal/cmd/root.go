// Package cmd implements the honeyload command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/internal/config"
	"github.com/telhawk-systems/honeyload/internal/repair"
	"github.com/telhawk-systems/honeyload/internal/schema"
	"github.com/telhawk-systems/honeyload/internal/storage/postgres"
)

// Version is set at build time.
var Version = "0.1.0"

// app carries state shared by subcommands once configuration is loaded.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "honeyload",
		Short: "Honeypot telemetry loader",
		Long: `honeyload loads honeypot JSON logs into PostgreSQL.

It reassembles multi-line records, repairs truncated or malformed ones,
dead-letters what cannot be repaired, and resumes from durable checkpoints.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: ./honeyload.yaml or /etc/honeyload/honeyload.yaml)")

	root.AddCommand(
		newRunCmd(a),
		newReprocessCmd(a),
		newStatusCmd(a),
		newDeadLettersCmd(a),
		newMigrateCmd(a),
	)
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) load() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Logger().With(logging.Service("honeyload"))
	logging.SetDefault(a.logger)
	return nil
}

func (a *app) engine() (*schema.Registry, *repair.Engine, error) {
	reg, err := schema.Load(a.cfg.Schema.Path)
	if err != nil {
		return nil, nil, &config.ConfigError{Key: "schema.path", Message: err.Error()}
	}
	a.logger.Debug("schema loaded", logging.Count(len(reg.Types())), "fallback", reg.FallbackType())
	return reg, repair.New(reg), nil
}

func (a *app) openStore(ctx context.Context) (*postgres.Store, error) {
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	store, err := postgres.New(ctx, a.cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return store, nil
}
