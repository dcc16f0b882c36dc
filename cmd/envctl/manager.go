package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

func newManagerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Drive Manager catalog installs",
	}
	cmd.AddCommand(
		newManagerBatchCmd(),
		newManagerPreflightCmd(),
		newManagerSizeEstimateCmd(),
	)
	return cmd
}

func loadItemsFile(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func newManagerBatchCmd() *cobra.Command {
	var mode, itemsFile string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run an install/update/uninstall session over a catalog item list",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := loadItemsFile(itemsFile)
			if err != nil {
				return err
			}

			p := mpb.New(mpb.WithWidth(60), mpb.WithRefreshRate(180*time.Millisecond))
			bar := p.AddBar(int64(len(items)),
				mpb.PrependDecorators(decor.Name("installing: ")),
				mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
			)

			done := make(chan struct{})
			go func() {
				ticker := time.NewTicker(250 * time.Millisecond)
				defer ticker.Stop()
				for bar.Current() < int64(len(items)) {
					select {
					case <-ticker.C:
						bar.SetCurrent(bar.Current() + 1)
					case <-done:
						return
					}
				}
			}()

			var resp map[string]any
			err = rpc("POST", "/manager/batch", map[string]any{"mode": mode, "items": items}, &resp)
			close(done)
			bar.SetCurrent(int64(len(items)))
			p.Wait()
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "install", "session mode: install, update, or uninstall")
	cmd.Flags().StringVar(&itemsFile, "items", "", "path to a JSON array of catalog items")
	cmd.MarkFlagRequired("items") //nolint:errcheck
	return cmd
}

func newManagerPreflightCmd() *cobra.Command {
	var mode, itemsFile string
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Classify catalog items as installable, warning, or blocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := loadItemsFile(itemsFile)
			if err != nil {
				return err
			}
			var resp map[string]any
			if err := rpc("POST", "/manager/preflight", map[string]any{"mode": mode, "items": items}, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "install", "session mode")
	cmd.Flags().StringVar(&itemsFile, "items", "", "path to a JSON array of catalog items")
	cmd.MarkFlagRequired("items") //nolint:errcheck
	return cmd
}

func newManagerSizeEstimateCmd() *cobra.Command {
	var itemsFile string
	cmd := &cobra.Command{
		Use:   "size-estimate",
		Short: "Estimate download size for a catalog item list",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := loadItemsFile(itemsFile)
			if err != nil {
				return err
			}
			var resp map[string]any
			if err := rpc("POST", "/manager/sizeEstimate", map[string]any{"items": items}, &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemsFile, "items", "", "path to a JSON array of catalog items")
	cmd.MarkFlagRequired("items") //nolint:errcheck
	return cmd
}
