package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snarktank/antfarm"
)

const timeLayout = "2006-01-02 15:04:05"

func newStatusCmd(a *app) *cobra.Command {
	var (
		limit    int
		workflow string
		status   string
	)
	c := &cobra.Command{
		Use:   "status [run]",
		Short: "List runs, or show one run with its steps and stories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					runs, err := b.Engine.ListRuns(ctx, antfarm.RunListOptions{
						WorkflowID: workflow,
						Status:     antfarm.RunStatus(status),
						Limit:      limit,
					})
					if err != nil {
						return err
					}
					return printRuns(out, runs)
				}
				return printRun(ctx, out, b.Engine, args[0])
			})
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	c.Flags().StringVar(&workflow, "workflow", "", "only runs of this workflow")
	c.Flags().StringVar(&status, "status", "", "only runs with this status")
	return c
}

func printRuns(w io.Writer, runs []*antfarm.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tUPDATED\tTASK")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", short(r.ID), r.WorkflowID, r.Status, r.UpdatedAt.Local().Format(timeLayout), truncate(r.Task, 60))
	}
	return tw.Flush()
}

func printRun(ctx context.Context, w io.Writer, eng antfarm.Engine, query string) error {
	run, err := eng.GetRun(ctx, query)
	if err != nil {
		return err
	}
	steps, err := eng.Steps(ctx, run.ID)
	if err != nil {
		return err
	}
	stories, err := eng.Stories(ctx, run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Workflow: %s\n", run.WorkflowID)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Task:     %s\n", run.Task)
	fmt.Fprintf(w, "Started:  %s (%s ago)\n\n", run.CreatedAt.Local().Format(timeLayout), time.Since(run.CreatedAt).Truncate(time.Second))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tAGENT\tTYPE\tSTATUS\tRETRIES\tID")
	for _, s := range steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", s.StepID, s.AgentID, s.Type, s.Status, s.RetryCount, s.MaxRetries, s.ID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(stories) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORY\tSTATUS\tRETRIES\tTITLE")
	for _, s := range stories {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", s.StoryID, s.Status, s.RetryCount, s.MaxRetries, truncate(s.Title, 60))
	}
	return tw.Flush()
}

func newEventsCmd(a *app) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "events <run>",
		Short: "Show the event history of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				run, err := b.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := b.Engine.Events(ctx, run.ID, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tEVENT\tSTEP\tSTORY\tDETAIL")
				for _, ev := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.At.Local().Format(timeLayout), ev.Type, ev.StepName, ev.StoryID, truncate(ev.Detail, 80))
				}
				return tw.Flush()
			})
		},
	}
	c.Flags().IntVar(&limit, "limit", 0, "show only the most recent events (0 = all)")
	return c
}

func newWorkflowsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List the loaded workflow definitions and their agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(ctx context.Context, b *antfarm.Bundle) error {
				out := cmd.OutOrStdout()
				ids := b.Registry.IDs()
				if len(ids) == 0 {
					fmt.Fprintf(out, "no workflows in %s\n", a.cfg.Workflows.Dir)
					return nil
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				fmt.Fprintln(out)
				for _, agent := range b.Registry.Agents() {
					fmt.Fprintf(out, "  %s\n", agent)
				}
				return nil
			})
		},
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
