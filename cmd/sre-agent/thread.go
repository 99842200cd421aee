package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/thread"
)

func newThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Inspect and maintain conversation threads",
	}
	cmd.AddCommand(
		newThreadListCmd(),
		newThreadGetCmd(),
		newThreadSourcesCmd(),
		newThreadReindexCmd(),
		newThreadPurgeCmd(),
		newThreadBackfillCmd(),
	)
	return cmd
}

func newThreadListCmd() *cobra.Command {
	var (
		userID string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.svc.ListThreads(cmd.Context(), thread.ListParams{
				UserID: userID, Limit: limit, Offset: offset,
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "filter by owner")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func newThreadGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <thread-id>",
		Short: "Show a thread's full state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			t, err := a.svc.GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

// thread sources shows what a thread's turns were grounded on: the
// bound instance, schedule linkage, and the tasks that ran under it.
func newThreadSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources <thread-id>",
		Short: "Show a thread's instance binding, schedule linkage, and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			t, err := a.svc.GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			taskIDs, err := a.thr.TaskIDs(cmd.Context(), t.ID)
			if err != nil {
				return err
			}

			return printJSON(map[string]interface{}{
				"thread_id":     t.ID,
				"instance_id":   t.Context["instance_id"],
				"schedule_id":   t.Context["schedule_id"],
				"schedule_name": t.Context["schedule_name"],
				"task_ids":      taskIDs,
			})
		},
	}
}

func newThreadReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex <thread-id>",
		Short: "Re-project one thread's search document from primary KV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.thr.ProjectDoc(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("reindexed", args[0])
			return nil
		},
	}
}

func newThreadPurgeCmd() *cobra.Command {
	var (
		olderThan    time.Duration
		includeTasks bool
		yes          bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete threads older than a window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("purge is destructive; pass -y to confirm")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.svc.PurgeThreads(cmd.Context(), olderThan, includeTasks)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age cutoff")
	cmd.Flags().BoolVar(&includeTasks, "include-tasks", false, "also delete the threads' tasks")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func newThreadBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-search",
		Short: "Re-project search documents for all threads, tasks, and schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.svc.Backfill(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}
