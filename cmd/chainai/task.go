package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ChainAI-Agent/sdk/go/chainai"
)

func newTaskCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage async queries",
		Long: `Async queries run on the server with its own credentials and are
retried on transient failures.

Available subcommands:
  submit - Enqueue a query
  get    - Show one task
  list   - List tasks
  stats  - Count tasks by status`,
	}
	cmd.AddCommand(
		newTaskSubmitCmd(opts),
		newTaskGetCmd(opts),
		newTaskListCmd(opts),
		newTaskStatsCmd(opts),
	)
	return cmd
}

func newTaskSubmitCmd(opts *cliOptions) *cobra.Command {
	var (
		id      string
		backend string
		chainID int64
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "submit <question>",
		Short: "Enqueue a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			task, err := client.SubmitTask(ctx, chainai.TaskSubmission{
				ID:      id,
				Query:   strings.Join(args, " "),
				Options: chainai.QueryOptions{Backend: backend, ChainID: chainID},
			})
			if err != nil {
				return err
			}
			if wait {
				task, err = client.WaitForTask(ctx, task.ID, time.Second)
				if err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), task)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Idempotency key used as the task ID")
	cmd.Flags().StringVar(&backend, "backend", "", "Model backend")
	cmd.Flags().Int64Var(&chainID, "chain-id", 0, "Target chain ID")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the task finishes")
	return cmd
}

func newTaskGetCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			task, err := client.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), task)
		},
	}
}

func newTaskListCmd(opts *cliOptions) *cobra.Command {
	var list chainai.ListTasksOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			tasks, err := client.ListTasks(ctx, list)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tUPDATED\tQUERY")
			for _, task := range tasks {
				updated := time.Unix(task.UpdatedAt, 0).UTC().Format(time.RFC3339)
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", task.ID, task.Status, task.Attempts, task.MaxRetries, updated, truncate(task.Request.Query, 48))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&list.Limit, "limit", 20, "Maximum number of tasks")
	cmd.Flags().IntVar(&list.Offset, "offset", 0, "Number of tasks to skip")
	cmd.Flags().StringSliceVar(&list.Statuses, "status", nil, "Filter by status (pending, running, succeeded, failed)")
	cmd.Flags().StringVar(&list.Query, "q", "", "Filter by text in the ID, query or error")
	cmd.Flags().BoolVar(&list.Oldest, "oldest", false, "Oldest first")
	return cmd
}

func newTaskStatsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			stats, err := client.TaskStats(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
