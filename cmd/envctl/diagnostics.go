package main

import (
	"github.com/spf13/cobra"
)

func newDiagnosticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Probe and repair backend health",
	}
	cmd.AddCommand(newDiagnosticsStatusCmd(), newDiagnosticsFixCmd())
	return cmd
}

func newDiagnosticsStatusCmd() *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Run the fast (or deep) diagnostic probe set",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/diagnostics/status"
			if deep {
				path += "?deep=1"
			}
			var resp map[string]any
			if err := rpc("GET", path, nil, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "include the slower probes (manager import, pip check, torch runtime)")
	return cmd
}

func newDiagnosticsFixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix <issue-id>",
		Short: "Apply the remediation recipe for a diagnosed issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := rpc("POST", "/diagnostics/fix", map[string]any{"issueId": args[0]}, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}
