// Package engineclient is the single typed HTTP client for every Engine
// endpoint the control plane consumes (spec.md §6.1). It collapses the
// "HTTP-client sprawl" the design notes (§9) call out, using one retrying
// transport (github.com/hashicorp/go-retryablehttp, grounded in the pack via
// GoogleCloudPlatform-buildpacks' go.mod) with per-endpoint timeouts and
// raw-text fallback parsing, and maps non-2xx responses onto apperr's
// UPSTREAM_ERROR.
package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/modusnap/manager/internal/apperr"
)

// Client talks to a single Engine instance.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Client bound to baseURL. apiKey, if non-empty, is sent as an
// Authorization header on every request.
func New(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 150 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.Logger = nil // the control plane's own zap logger records outcomes; no double logging
	// Hand the last response back once retries are exhausted, so a persistent
	// 5xx still maps to UPSTREAM_ERROR instead of a transport error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{baseURL: baseURL, apiKey: apiKey, http: rc.StandardClient()}
}

// QueueStatus is the manager's view of its install queue (spec.md §6.1).
type QueueStatus struct {
	TotalCount      int  `json:"total_count"`
	DoneCount       int  `json:"done_count"`
	InProgressCount int  `json:"in_progress_count"`
	PendingCount    int  `json:"pending_count"`
	IsProcessing    bool `json:"is_processing"`
}

// SystemStats is the /system_stats payload, parsed loosely since only
// reachability matters to the control plane.
type SystemStats struct {
	Raw json.RawMessage
}

// HistoryEntry is one job result from /v2/manager/queue/history.
type HistoryEntry struct {
	ID             string          `json:"id"`
	Failed         bool            `json:"failed"`
	NodepackResult json.RawMessage `json:"nodepack_result,omitempty"`
	ModelResult    json.RawMessage `json:"model_result,omitempty"`
	Batch          json.RawMessage `json:"batch,omitempty"`
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body any) (*http.Response, []byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, nil, apperr.Internal(err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(cctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, apperr.BackendUnreachable(c.baseURL)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return resp, data, apperr.UpstreamError(resp.StatusCode, snippet)
	}
	return resp, data, nil
}

// SystemStats checks /system_stats reachability.
func (c *Client) SystemStats(ctx context.Context) error {
	_, _, err := c.do(ctx, 4500*time.Millisecond, http.MethodGet, "/system_stats", nil)
	return err
}

// ObjectInfo fetches /object_info, the node catalog.
func (c *Client) ObjectInfo(ctx context.Context, deep bool) (json.RawMessage, error) {
	timeout := 4 * time.Second
	if deep {
		timeout = 12 * time.Second
	}
	_, data, err := c.do(ctx, timeout, http.MethodGet, "/object_info", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// ManagerVersion returns the raw text/JSON body of /v2/manager/version.
func (c *Client) ManagerVersion(ctx context.Context) (string, error) {
	_, data, err := c.do(ctx, 2500*time.Millisecond, http.MethodGet, "/v2/manager/version", nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// QueueStatusGet returns the manager's queue status.
func (c *Client) QueueStatusGet(ctx context.Context) (QueueStatus, error) {
	_, data, err := c.do(ctx, 2500*time.Millisecond, http.MethodGet, "/v2/manager/queue/status", nil)
	if err != nil {
		return QueueStatus{}, err
	}
	var qs QueueStatus
	if err := json.Unmarshal(data, &qs); err != nil {
		return QueueStatus{}, apperr.Internal(fmt.Errorf("parsing queue status: %w", err))
	}
	return qs, nil
}

// QueueHistoryList returns the list of completed job ids.
func (c *Client) QueueHistoryList(ctx context.Context) ([]string, error) {
	_, data, err := c.do(ctx, 2500*time.Millisecond, http.MethodGet, "/v2/manager/queue/history_list", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperr.Internal(err)
	}
	return payload.IDs, nil
}

// QueueHistory fetches one job's result.
func (c *Client) QueueHistory(ctx context.Context, id string) (HistoryEntry, error) {
	_, data, err := c.do(ctx, 2500*time.Millisecond, http.MethodGet, "/v2/manager/queue/history?id="+id, nil)
	if err != nil {
		return HistoryEntry{}, err
	}
	var entry HistoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return HistoryEntry{}, apperr.Internal(err)
	}
	return entry, nil
}

// BatchSubmit POSTs a chunk of items under the given action key
// ("install", "update", ...) to /v2/manager/queue/batch.
func (c *Client) BatchSubmit(ctx context.Context, batchID, action string, items []map[string]any) error {
	payload := map[string]any{
		"batch_id": batchID,
		action:     items,
	}
	_, _, err := c.do(ctx, 15*time.Second, http.MethodPost, "/v2/manager/queue/batch", payload)
	return err
}

// QueueStart wakes the manager's processor.
func (c *Client) QueueStart(ctx context.Context) error {
	_, _, err := c.do(ctx, 5*time.Second, http.MethodGet, "/v2/manager/queue/start", nil)
	return err
}

// Reboot asks the manager to restart the Engine in-process.
func (c *Client) Reboot(ctx context.Context) error {
	_, _, err := c.do(ctx, 5*time.Second, http.MethodGet, "/v2/manager/reboot", nil)
	return err
}

// ManagerRoutesReachable tries the given candidate manager endpoints in
// order, returning the first that responds (the manager's "first reachable
// wins" discovery rule).
func (c *Client) ManagerRoutesReachable(ctx context.Context, candidates []string) (string, bool) {
	for _, path := range candidates {
		_, _, err := c.do(ctx, 2500*time.Millisecond, http.MethodGet, path, nil)
		if err == nil {
			return path, true
		}
	}
	return "", false
}

// SnapshotSave asks the Engine to take a best-effort snapshot.
func (c *Client) SnapshotSave(ctx context.Context) error {
	_, _, err := c.do(ctx, 10*time.Second, http.MethodGet, "/v2/snapshot/save", nil)
	return err
}

// CustomNodeGetList fetches the catalog.
func (c *Client) CustomNodeGetList(ctx context.Context, mode string, skipUpdate bool) ([]byte, error) {
	path := fmt.Sprintf("/v2/customnode/getlist?mode=%s&skip_update=%v", mode, skipUpdate)
	_, data, err := c.do(ctx, 12*time.Second, http.MethodGet, path, nil)
	return data, err
}

// DefaultManagerEndpoints is the ordered candidate list used to discover a
// working manager route (spec.md §4.8 "managerEndpoint = first reachable in
// list order").
var DefaultManagerEndpoints = []string{
	"/v2/manager/version",
	"/v2/manager/queue/status",
	"/v2/snapshot/getlist",
	"/workflow_templates",
}
