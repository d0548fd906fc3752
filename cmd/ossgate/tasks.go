package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ossgate/ossgate/internal/taskqueue"
)

func newTasksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the replication task queue",
	}
	cmd.AddCommand(newTasksListCmd(opts), newTasksRetryCmd(opts))
	return cmd
}

func newTasksListCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		typ    string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(func(q *taskqueue.SQLiteQueue) error {
				tasks, err := q.List(cmd.Context(), taskqueue.TaskFilter{
					Status: taskqueue.TaskStatus(status),
					Type:   taskqueue.TaskType(typ),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")
				for _, t := range tasks {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", t.ID, t.Type, t.Status,
						t.Attempts, t.MaxRetries, humanize.Time(t.UpdatedAt), t.LastError)
				}
				return tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", string(taskqueue.StatusDeadLetter), "task status to list, empty for all")
	f.StringVar(&typ, "type", "", "task type to list, empty for all")
	f.IntVar(&limit, "limit", 100, "maximum number of tasks, 0 for no limit")
	return cmd
}

func newTasksRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>...",
		Short: "Requeue dead-lettered tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(func(q *taskqueue.SQLiteQueue) error {
				for _, id := range args {
					if err := q.Retry(cmd.Context(), id); err != nil {
						return fmt.Errorf("retrying %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "task %s requeued\n", id)
				}
				return nil
			})
		},
	}
}

// withQueue opens the task queue stored in the catalog database.
func (o *rootOptions) withQueue(fn func(q *taskqueue.SQLiteQueue) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	store, err := o.openCatalog()
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := taskqueue.NewSQLiteQueue(store.DB(), cfg.Replication.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("opening task queue: %w", err)
	}
	return fn(q)
}
