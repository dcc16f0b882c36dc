// Package diagnostics probes the Engine and its Python environment,
// producing a typed issue list with machine-applicable fixes (spec.md
// §4.8). Grounded on the teacher's doctor package (pkg/doctor/doctor.go),
// which runs the analogous battery of environment checks before a build;
// generalized here to a dual fast/deep mode with per-slot TTL caches.
package diagnostics

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/modusnap/manager/internal/engineclient"
	"github.com/modusnap/manager/internal/model"
	"github.com/modusnap/manager/internal/subprocess"
)

const (
	fastTTL = 25 * time.Second
	deepTTL = 6 * time.Second

	torchProbeTimeout = 3500 * time.Millisecond
	logTailMaxBytes   = 256 * 1024
)

// Report is the full diagnostics output for one probe run.
type Report struct {
	Deep              bool                    `json:"deep"`
	BackendUp         bool                    `json:"backendUp"`
	ObjectInfoCount    int                    `json:"objectInfoCount"`
	ManagerEndpoint   string                  `json:"managerEndpoint,omitempty"`
	VenvPresent       bool                    `json:"venvPresent"`
	ManagerDetected   bool                    `json:"managerDetected"`
	ManagerImportOK   bool                    `json:"managerImportOk"`
	PipHealthy        bool                    `json:"pipHealthy"`
	PipCheckOutput    string                  `json:"pipCheckOutput,omitempty"`
	CUDAAvailable     bool                    `json:"cudaAvailable"`
	MPSAvailable      bool                    `json:"mpsAvailable"`
	Issues            []model.DiagnosticIssue `json:"issues"`
}

// Engine runs probes against one backend, caching per-slot results.
type Engine struct {
	Client     *engineclient.Client
	Runner     *subprocess.Runner
	Backend    model.BackendLocation

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// New builds a diagnostics Engine.
func New(client *engineclient.Client, runner *subprocess.Runner, backend model.BackendLocation) *Engine {
	return &Engine{Client: client, Runner: runner, Backend: backend, cache: map[string]cacheEntry{}}
}

func (e *Engine) cached(slot string, ttl time.Duration, compute func() any) any {
	e.mu.Lock()
	if entry, ok := e.cache[slot]; ok && time.Now().Before(entry.expiresAt) {
		e.mu.Unlock()
		return entry.value
	}
	e.mu.Unlock()

	value := compute()

	e.mu.Lock()
	e.cache[slot] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	e.mu.Unlock()
	return value
}

// Status runs the probe battery. deep=false uses cached sub-results with a
// longer TTL and skips the subprocess-heavy checks; deep=true always refreshes
// the subprocess probes (shorter TTL, full checks).
func (e *Engine) Status(ctx context.Context, deep bool) Report {
	ttl := fastTTL
	if deep {
		ttl = deepTTL
	}

	report := Report{Deep: deep}

	backendUp := e.cached("backendUp", ttl, func() any {
		return e.Client.SystemStats(ctx) == nil
	}).(bool)
	report.BackendUp = backendUp

	objectInfoCount := e.cached("objectInfoCount", ttl, func() any {
		raw, err := e.Client.ObjectInfo(ctx, deep)
		if err != nil {
			return 0
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return 0
		}
		return len(m)
	}).(int)
	report.ObjectInfoCount = objectInfoCount

	managerEndpoint := e.cached("managerEndpoint", ttl, func() any {
		path, ok := e.Client.ManagerRoutesReachable(ctx, engineclient.DefaultManagerEndpoints)
		if !ok {
			return ""
		}
		return path
	}).(string)
	report.ManagerEndpoint = managerEndpoint

	venvPresent := e.venvPresent()
	report.VenvPresent = venvPresent

	if deep {
		managerDetected, managerImportOK := e.probeManagerPackage(ctx)
		report.ManagerDetected = managerDetected
		report.ManagerImportOK = managerImportOK

		checkResult := e.Runner.RunPipModule(ctx, 2*time.Minute, "check")
		report.PipHealthy = checkResult.OK
		report.PipCheckOutput = checkResult.Output

		cuda, mps := e.probeTorchRuntime(ctx)
		report.CUDAAvailable = cuda
		report.MPSAvailable = mps
	}

	logTail := e.tailLog()
	report.Issues = e.emitIssues(report, logTail)
	return report
}

func (e *Engine) venvPresent() bool {
	_, err := os.Stat(e.Backend.VenvPython)
	return err == nil
}

func (e *Engine) probeManagerPackage(ctx context.Context) (detected bool, importOK bool) {
	result := e.Runner.RunInline(ctx, 8*time.Second,
		"import importlib.util, sys; sys.stdout.write('1' if importlib.util.find_spec('comfyui_manager') else '0')")
	detected = result.OK && strings.TrimSpace(result.Output) == "1"
	if !detected {
		return false, false
	}
	importResult := e.Runner.RunInline(ctx, 8*time.Second, "import comfyui_manager")
	return true, importResult.OK
}

func (e *Engine) probeTorchRuntime(ctx context.Context) (cuda bool, mps bool) {
	script := `
import json, sys
try:
    import torch
    out = {"cuda": bool(torch.cuda.is_available()), "mps": bool(getattr(torch.backends, "mps", None) and torch.backends.mps.is_available())}
except Exception:
    out = {"cuda": False, "mps": False}
sys.stdout.write(json.dumps(out))
`
	result := e.Runner.RunInline(ctx, torchProbeTimeout, script)
	if !result.OK {
		return false, false
	}
	var payload struct {
		CUDA bool `json:"cuda"`
		MPS  bool `json:"mps"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Output)), &payload); err != nil {
		return false, false
	}
	return payload.CUDA, payload.MPS
}

// tailLog reads the Engine log from the last "Starting server" marker (up to
// logTailMaxBytes from the end).
func (e *Engine) tailLog() string {
	data, err := os.ReadFile(e.Backend.ComfyLog)
	if err != nil {
		return ""
	}
	if len(data) > logTailMaxBytes {
		data = data[len(data)-logTailMaxBytes:]
	}
	text := string(data)
	if idx := strings.LastIndex(text, "Starting server"); idx >= 0 {
		text = text[idx:]
	}
	return text
}

func (e *Engine) emitIssues(r Report, logTail string) []model.DiagnosticIssue {
	var issues []model.DiagnosticIssue

	sslMarker := strings.Contains(logTail, "CERTIFICATE_VERIFY_FAILED")
	pipLogMarker := containsPipErrorMarker(logTail)
	onnxMarker := strings.Contains(logTail, "no onnxruntime backend found") ||
		(strings.Contains(logTail, "install rembg") && strings.Contains(logTail, "onnxruntime"))

	switch {
	case !r.BackendUp:
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssueBackendDown, Severity: model.SeverityError,
			Title: "Engine is unreachable", Cause: "system_stats did not respond",
			Evidence: "GET /system_stats failed", Fix: "start the backend process",
		})
	case r.ManagerEndpoint == "":
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssueManagerRoutesMissing, Severity: model.SeverityError,
			Title: "No manager endpoint reachable", Cause: "engine is up but every manager route failed",
			Evidence: "all candidate manager routes failed", Fix: "reinstall or restart the manager plugin",
		})
	}

	if !r.VenvPresent {
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssueVenvMissing, Severity: model.SeverityError,
			Title: "Virtualenv missing", Cause: "venv/bin/python not found",
			Evidence: "stat failed on venv python interpreter", Fix: "recreate the virtualenv",
		})
	}

	if r.VenvPresent && r.ManagerEndpoint == "" && !r.ManagerDetected && r.Deep {
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssueManagerPkgMissing, Severity: model.SeverityError,
			Title: "Manager package missing", Cause: "comfyui_manager not importable and no manager route",
			Evidence: "importlib.util.find_spec returned no spec", Fix: "pip install the manager package",
		})
	} else if r.ManagerDetected && !r.ManagerImportOK && r.ManagerEndpoint == "" {
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssueManagerImportRuntimeFailed, Severity: model.SeverityWarning,
			Title: "Manager import fails at runtime", Cause: "package present but import raised",
			Evidence: "import comfyui_manager failed", Fix: "reinstall the manager package and its requirements",
		})
	}

	if r.Deep && !r.PipHealthy {
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssuePipCheckFailed, Severity: model.SeverityWarning,
			Title: "pip check reports broken requirements", Cause: "dependency graph is inconsistent",
			Evidence: r.PipCheckOutput, Fix: "run the compatibility install and AutoHeal pipeline",
		})
	}

	if sslMarker {
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssueSSLCertIssue, Severity: model.SeverityWarning,
			Title: "SSL certificate verification failure in logs", Cause: "outdated certificate bundle",
			Evidence: "CERTIFICATE_VERIFY_FAILED in log tail", Fix: "upgrade the certifi package",
		})
	}

	if pipLogMarker && r.Deep && !r.PipHealthy {
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssuePipLogIssue, Severity: model.SeverityWarning,
			Title: "pip error markers in log", Cause: "pip reported an error, failure, or conflict and pip check is failing",
			Evidence: "pip error marker in log tail", Fix: "run the compatibility install and AutoHeal pipeline",
		})
	}

	if onnxMarker {
		issues = append(issues, model.DiagnosticIssue{
			ID: model.IssueRembgOnnxMissing, Severity: model.SeverityError,
			Title: "onnxruntime/rembg backend missing", Cause: "no onnxruntime backend detected",
			Evidence: "onnxruntime/rembg marker in log tail", Fix: "install the hardware-appropriate onnxruntime package",
		})
	}

	return issues
}

func containsPipErrorMarker(logTail string) bool {
	lower := strings.ToLower(logTail)
	if !strings.Contains(lower, "pip") {
		return false
	}
	for _, marker := range []string{"error", "failed", "conflict", "exception"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
