package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Inspect the Engine backend",
	}
	cmd.AddCommand(newBackendStatusCmd(), newBackendLogsCmd())
	return cmd
}

func newBackendStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := rpc("GET", "/backend/status", nil, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newBackendLogsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail the backend's log files",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			path := fmt.Sprintf("/backend/logs?lines=%d", lines)
			if err := rpc("GET", path, nil, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of trailing log lines to request")
	return cmd
}
