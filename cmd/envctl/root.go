package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/modusnap/manager/internal/console"
)

// clientOpts holds the persistent flags shared by every subcommand,
// mirroring pkg/cli/root.go's global flag struct.
type clientOpts struct {
	serverURL string
	apiKey    string
	timeout   time.Duration
}

var opts = &clientOpts{}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "envctl",
		Short:         "Client for the environment control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:9188", "control plane server URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "API key for the control plane")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&console.Instance.Color, "color", console.Instance.Color, "colorize output")

	root.AddCommand(
		newBackendCmd(),
		newEnvCmd(),
		newDiagnosticsCmd(),
		newManagerCmd(),
		newApiKeyCmd(),
	)
	return root
}

// rpc performs one JSON request/response round-trip against the server,
// grounded on the teacher's pkg/client HTTP helper pattern.
func rpc(method, path string, body any, out any) error {
	client := &http.Client{Timeout: opts.timeout}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, opts.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+opts.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		console.Errorf("failed to render response: %v", err)
		return
	}
	console.Output(string(data))
}
