// Package cmd implements the antfarm command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/snarktank/antfarm"
	"github.com/snarktank/antfarm/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

// app holds what every subcommand needs. The bundle is opened lazily so
// `--help` works without a database.
type app struct {
	configPath string
	verbose    bool

	cfg    *antfarm.Config
	log    *slog.Logger
	bundle *antfarm.Bundle
	closer io.Closer
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "antfarm",
		Short: "Run multi-agent workflows as a persisted state machine",
		Long: `antfarm drives workflows whose steps are done by agents.

Workers claim work for their agent, do it, and report back with complete or
fail. Loop steps iterate over stories seeded by an earlier step, optionally
verifying each one before moving on.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = Version
	root.SetVersionTemplate("antfarm {{.Version}}\n")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $ANTFARM_CONFIG)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(a),
		newClaimCmd(a),
		newCompleteCmd(a),
		newFailCmd(a),
		newCancelCmd(a),
		newStatusCmd(a),
		newEventsCmd(a),
		newReapCmd(a),
		newMedicCmd(a),
		newWorkflowsCmd(a),
		newServeCmd(a),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// with opens the bundle, runs fn and closes the bundle again.
func (a *app) with(cmd *cobra.Command, fn func(ctx context.Context, b *antfarm.Bundle) error) error {
	b, err := a.open(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()
	return fn(cmd.Context(), b)
}

func (a *app) open(ctx context.Context, errOut io.Writer) (*antfarm.Bundle, error) {
	if a.bundle != nil {
		return a.bundle, nil
	}
	cfg, err := antfarm.LoadConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closer, err := logging.New(cfg, errOut)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	b, err := antfarm.OpenBundle(ctx, cfg, antfarm.BundleOptions{Logger: logger})
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	a.cfg, a.log, a.bundle, a.closer = cfg, logger, b, closer
	return b, nil
}

func (a *app) close() error {
	var err error
	if a.bundle != nil {
		err = a.bundle.Close()
		a.bundle = nil
	}
	if a.closer != nil {
		_ = a.closer.Close()
		a.closer = nil
	}
	return err
}
