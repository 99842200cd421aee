package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the RediSearch secondary indices",
	}
	cmd.AddCommand(newIndexListCmd(), newIndexRecreateCmd())
	return cmd
}

func newIndexListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List managed index names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return printJSON(a.svc.Indexes())
		},
	}
}

func newIndexRecreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recreate [entity|all]",
		Short: "Drop and recreate indices; hash documents and primary KV are kept",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			name := "all"
			if len(args) == 1 {
				name = args[0]
			}
			if err := a.svc.RecreateIndex(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Println("recreated", name)
			return nil
		},
	}
}
