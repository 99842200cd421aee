package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/schedule"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring agent directives",
	}
	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleCreateCmd(),
		newScheduleEnableCmd(true),
		newScheduleEnableCmd(false),
		newScheduleDeleteCmd(),
		newScheduleTriggerCmd(),
		newSchedulerRunCmd(),
	)
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules, soonest next run first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.sch.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newScheduleCreateCmd() *cobra.Command {
	var (
		name         string
		description  string
		intervalType string
		intervalVal  int
		instructions string
		instanceID   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule (enabled, first run one interval out)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			id, err := a.sch.Create(cmd.Context(), schedule.Schedule{
				Name:          name,
				Description:   description,
				IntervalType:  schedule.IntervalType(intervalType),
				IntervalValue: intervalVal,
				Instructions:  instructions,
				InstanceID:    instanceID,
				Enabled:       true,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "schedule name (required)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&intervalType, "interval-type", "hours", "minutes|hours|days|weeks")
	cmd.Flags().IntVar(&intervalVal, "interval", 1, "interval value")
	cmd.Flags().StringVar(&instructions, "instructions", "", "what the agent should do (required)")
	cmd.Flags().StringVar(&instanceID, "redis-instance-id", "", "target instance")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func newScheduleEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <schedule-id>", "Enable a schedule"
	if !enable {
		use, short = "disable <schedule-id>", "Disable a schedule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.sch.SetEnabled(cmd.Context(), args[0], enable)
		},
	}
}

func newScheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule (its threads and tasks are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.sch.Delete(cmd.Context(), args[0])
		},
	}
}

func newScheduleTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <schedule-id>",
		Short: "Fan out one schedule now without touching its timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			sum, err := a.svc.TriggerSchedule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(sum)
		},
	}
}

func newSchedulerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-scheduler",
		Short: "Enqueue one immediate scheduler pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			id, err := a.svc.TriggerScheduler(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}
