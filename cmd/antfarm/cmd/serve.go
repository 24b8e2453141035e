package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snarktank/antfarm"
)

func newServeCmd(a *app) *cobra.Command {
	var grace time.Duration
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run configured agent workers, the reaper and the medic until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.with(cmd, func(_ context.Context, b *antfarm.Bundle) error {
				if err := b.AddConfiguredWorkers(); err != nil {
					return err
				}
				return serve(ctx, a, b, grace)
			})
		},
	}
	c.Flags().DurationVar(&grace, "grace", 30*time.Second, "how long to wait for running jobs on shutdown")
	return c
}

func serve(ctx context.Context, a *app, b *antfarm.Bundle, grace time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Work abandoned while nothing was serving is reclaimed straight away
		// instead of at the first reaper tick.
		report, err := b.Engine.Sweep(ctx)
		if err != nil {
			return err
		}
		if report.Total() > 0 {
			a.log.Info("startup sweep", "steps_reset", report.StepsReset, "steps_failed", report.StepsFailed,
				"stories_reset", report.StoriesReset, "stories_failed", report.StoriesFailed)
		}
		return nil
	})
	g.Go(func() error {
		if err := b.Start(ctx); err != nil {
			return err
		}
		a.log.Info("antfarm serving",
			"workflows", len(b.Registry.IDs()),
			"agents", len(a.cfg.Agents),
			"reaper", a.cfg.Schedule.Reaper,
			"medic", a.cfg.Schedule.Medic,
		)

		<-ctx.Done()
		a.log.Info("shutting down")

		stopCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return b.Stop(stopCtx)
	})
	return g.Wait()
}
