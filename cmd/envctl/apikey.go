package main

import (
	"github.com/spf13/cobra"
)

func newApiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the control plane",
	}
	cmd.AddCommand(newApiKeyCreateCmd(), newApiKeyListCmd(), newApiKeyRevokeCmd())
	return cmd
}

func newApiKeyCreateCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := rpc("POST", "/apikeys", map[string]any{"label": label}, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "human-readable label for the key")
	return cmd
}

func newApiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp []map[string]any
			if err := rpc("GET", "/apikeys", nil, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newApiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := rpc("POST", "/apikeys/revoke", map[string]any{"id": args[0]}, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}
