package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/task"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and maintain task records",
	}
	cmd.AddCommand(newTaskListCmd(), newTaskGetCmd(), newTaskPurgeCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		userID  string
		status  string
		showAll bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks (active ones by default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.svc.ListTasks(cmd.Context(), task.ListParams{
				UserID:  userID,
				Status:  task.Status(status),
				ShowAll: showAll,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "filter by owner")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued|in_progress|done|failed|cancelled)")
	cmd.Flags().BoolVar(&showAll, "all", false, "include terminal tasks")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task's full state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.svc.GetTaskByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func newTaskPurgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <task-id>...",
		Short: "Delete task records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge is destructive; pass -y to confirm")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			for _, id := range args {
				if err := a.svc.DeleteTask(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Println("deleted", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}
