package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snarktank/antfarm"
)

func newMedicCmd(a *app) *cobra.Command {
	c := &cobra.Command{
		Use:   "medic",
		Short: "Run or inspect the health auditor",
	}
	c.AddCommand(newMedicRunCmd(a), newMedicStatusCmd(a), newMedicHistoryCmd(a))
	return c
}

func newMedicRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one medic pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				check, err := b.Medic.Run(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), check)
			})
		},
	}
}

func newMedicStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the last check and the past 24 hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				st, err := b.Medic.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if st.LastCheck == nil {
					fmt.Fprintln(out, "medic has not run yet")
					return nil
				}
				fmt.Fprintf(out, "Last check: %s (%s)\n", st.LastCheck.CheckedAt.Local().Format(timeLayout), st.LastCheck.Summary)
				fmt.Fprintf(out, "Last 24h:   %d checks, %d issues, %d actions\n", st.ChecksLast24h, st.IssuesLast24h, st.ActionsLast24h)
				return nil
			})
		},
	}
}

func newMedicHistoryCmd(a *app) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "history",
		Short: "Print recent medic checks as JSON, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				checks, err := b.Medic.Recent(ctx, limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), checks)
			})
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "maximum checks to show")
	return c
}
