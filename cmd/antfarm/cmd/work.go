package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snarktank/antfarm"
)

func newRunCmd(a *app) *cobra.Command {
	var vars []string
	c := &cobra.Command{
		Use:   "run <workflow> <task>",
		Short: "Start a run of a workflow",
		Example: `  antfarm run feature-dev "add a --json flag to the status command"
  antfarm run feature-dev "fix the parser" --var repo=/src/app`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := parseVars(vars)
			if err != nil {
				return err
			}
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				run, err := b.Engine.StartRun(ctx, args[0], args[1], vm)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), run.ID)
				return nil
			})
		},
	}
	c.Flags().StringArrayVar(&vars, "var", nil, "extra context value (format: key=value)")
	return c
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func newClaimCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <agent-id>",
		Short: "Claim the next unit of work for an agent",
		Long: `Claim the next unit of work for an agent and print it as JSON.

The agent id is "<workflow>/<agent>". When there is nothing to do the output
is {"found":false}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				res, err := b.Engine.Claim(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newCompleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <step-id> [output|-]",
		Short: "Report a step's output",
		Long: `Report the output of a claimed step. Without an output argument, or with
"-", the output is read from stdin. Lines of the form "KEY: value" become run
context for later steps; STORIES_JSON seeds loop stories.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := readOutput(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				res, err := b.Engine.Complete(ctx, args[0], output)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func readOutput(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("reading output: %w", err)
	}
	return string(data), nil
}

func newFailCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fail <step-id> <error>",
		Short: "Report a step failure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				res, err := b.Engine.Fail(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run>",
		Short: "Cancel a run by id or unique id prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				run, err := b.Engine.CancelRun(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", run.ID, run.Status)
				return nil
			})
		},
	}
}

func newReapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Reclaim abandoned steps and stories once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				report, err := b.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
