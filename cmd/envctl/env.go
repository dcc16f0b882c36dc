package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func newEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage the Python environment transaction ledger",
	}
	cmd.AddCommand(
		newEnvStatusCmd(),
		newEnvPlanCmd(),
		newEnvApplyCmd(),
		newEnvRollbackCmd(),
		newEnvListCmd(),
		newEnvGetCmd(),
	)
	return cmd
}

func newEnvStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the venv and latest transaction status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := rpc("GET", "/env/status", nil, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newEnvPlanCmd() *cobra.Command {
	var mode string
	var policies []string
	cmd := &cobra.Command{
		Use:   "plan [packages...]",
		Short: "Create a planned transaction for one or more package specifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"mode":     mode,
				"packages": args,
				"policies": policies,
			}
			var resp map[string]any
			if err := rpc("POST", "/env/plan", req, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "install", "transaction kind: install or repair")
	cmd.Flags().StringSliceVar(&policies, "allow-policy", nil, "requested policy override tokens")
	return cmd
}

func newEnvApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <transaction-id>",
		Short: "Execute a planned transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := rpc("POST", "/env/apply", map[string]any{"id": args[0]}, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newEnvRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <transaction-id>",
		Short: "Roll an applied transaction back to its pre-apply snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := rpc("POST", "/env/rollback", map[string]any{"id": args[0]}, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newEnvListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List retained transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp []map[string]any
			if err := rpc("GET", "/env/list", nil, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newEnvGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <transaction-id>",
		Short: "Show one transaction by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := rpc("GET", "/env/get?id="+strings.TrimSpace(args[0]), nil, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}
