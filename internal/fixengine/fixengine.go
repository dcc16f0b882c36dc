// Package fixengine dispatches typed fixes for DiagnosticIssues (spec.md
// §4.9), grounded on the teacher's doctor fix-suggestion plumbing
// (pkg/doctor/doctor.go only surfaces text; this generalizes it into
// actually-applicable, idempotent remediations) and its docker-daemon
// restart-probe idiom (pkg/docker/ping.go) for the restart policy.
package fixengine

import (
	"context"
	"fmt"
	"time"

	"github.com/modusnap/manager/internal/autoheal"
	"github.com/modusnap/manager/internal/engineclient"
	"github.com/modusnap/manager/internal/model"
	"github.com/modusnap/manager/internal/subprocess"
)

// Restart describes how the engine was (or will be) restarted.
type Restart struct {
	Attempted bool   `json:"attempted"`
	Method    string `json:"method,omitempty"` // "manager_reboot" | "detached_start"
	OK        bool   `json:"ok"`
}

// Outcome is the result of applying one fix.
type Outcome struct {
	IssueID        model.IssueID `json:"issueId"`
	Steps          []string      `json:"steps"`
	Restart        Restart       `json:"restart,omitempty"`
	PrunedPackages []string      `json:"prunedPackages,omitempty"`
	OK             bool          `json:"ok"`
}

// StartScript produces the shell command used for a detached engine start,
// and LogPath its restart-log destination.
type StartScript struct {
	Script  string
	LogPath string
}

// Engine applies fixes for one backend.
type Engine struct {
	Client          *engineclient.Client
	Runner          *subprocess.Runner
	Backend         model.BackendLocation
	StartScript     StartScript
	KnownPackages   []string
	HardwareProfile model.HardwareProfile
}

// New builds a fixengine Engine.
func New(client *engineclient.Client, runner *subprocess.Runner, backend model.BackendLocation, startScript StartScript, knownPackages []string, hardwareProfile model.HardwareProfile) *Engine {
	return &Engine{Client: client, Runner: runner, Backend: backend, StartScript: startScript, KnownPackages: knownPackages, HardwareProfile: hardwareProfile}
}

// Apply dispatches on issueID, running the matching remediation.
func (e *Engine) Apply(ctx context.Context, issueID model.IssueID) (Outcome, error) {
	switch issueID {
	case model.IssueSSLCertIssue:
		return e.fixSSLCert(ctx)
	case model.IssuePipCheckFailed, model.IssuePipLogIssue, model.IssueManagerImportRuntimeFailed, model.IssueManagerPkgMissing:
		return e.fixDependencyDrift(ctx)
	case model.IssueRembgOnnxMissing:
		return e.fixRembgOnnx(ctx)
	case model.IssueBackendDown:
		return e.fixBackendDown(ctx)
	default:
		return Outcome{IssueID: issueID}, fmt.Errorf("no fix registered for issue %q", issueID)
	}
}

func (e *Engine) fixSSLCert(ctx context.Context) (Outcome, error) {
	outcome := Outcome{IssueID: model.IssueSSLCertIssue}

	result := e.Runner.RunPipModule(ctx, 5*time.Minute, "install", "--upgrade", "certifi")
	outcome.Steps = append(outcome.Steps, fmt.Sprintf("pip install --upgrade certifi: ok=%v", result.OK))

	path := e.Runner.RunInline(ctx, 10*time.Second, "import certifi; print(certifi.where())")
	if path.OK {
		outcome.Steps = append(outcome.Steps, "certifi bundle path: "+path.Output)
	}

	outcome.Restart = e.restart(ctx)
	outcome.OK = result.OK
	return outcome, nil
}

func (e *Engine) fixDependencyDrift(ctx context.Context) (Outcome, error) {
	outcome := Outcome{}

	baseline := e.Runner.RunPipModule(ctx, 15*time.Minute, "install", "-r", "requirements.txt")
	outcome.Steps = append(outcome.Steps, fmt.Sprintf("pip install -r requirements.txt: ok=%v", baseline.OK))
	baselineMgr := e.Runner.RunPipModule(ctx, 15*time.Minute, "install", "-r", "manager_requirements.txt")
	outcome.Steps = append(outcome.Steps, fmt.Sprintf("pip install -r manager_requirements.txt: ok=%v", baselineMgr.OK))

	healResult, err := autoheal.Run(ctx, e.Runner, e.KnownPackages)
	if err != nil {
		return outcome, err
	}
	for _, round := range healResult.Rounds {
		outcome.Steps = append(outcome.Steps, fmt.Sprintf("autoheal round %d (%s): ok=%v", round.Number, round.Action, round.OK))
	}
	outcome.PrunedPackages = healResult.PrunedPackages
	outcome.OK = healResult.Healed

	wasDown := e.Client.SystemStats(ctx) != nil
	if wasDown {
		outcome.Restart = e.restart(ctx)
	}
	return outcome, nil
}

func (e *Engine) fixRembgOnnx(ctx context.Context) (Outcome, error) {
	outcome := Outcome{IssueID: model.IssueRembgOnnxMissing}

	pkg := "onnxruntime"
	if e.isNvidiaNonDarwin() {
		pkg = "onnxruntime-gpu"
	}

	result := e.Runner.RunPipModule(ctx, 10*time.Minute, "install", pkg, "rembg==2.0.69")
	outcome.Steps = append(outcome.Steps, fmt.Sprintf("pip install %s rembg==2.0.69: ok=%v", pkg, result.OK))

	verify := e.Runner.RunInline(ctx, 10*time.Second, "import onnxruntime; import rembg")
	outcome.Steps = append(outcome.Steps, fmt.Sprintf("import-probe onnxruntime/rembg: ok=%v", verify.OK))
	outcome.OK = result.OK && verify.OK

	if outcome.OK {
		outcome.Restart = e.restart(ctx)
	}
	return outcome, nil
}

// isNvidiaNonDarwin reports whether the backend's probed HardwareProfile
// has an NVIDIA GPU on a non-Darwin OS (spec.md §4.9's onnxruntime-gpu
// selection rule).
func (e *Engine) isNvidiaNonDarwin() bool {
	return e.HardwareProfile.HasNvidia && e.HardwareProfile.OS != "darwin"
}

func (e *Engine) fixBackendDown(ctx context.Context) (Outcome, error) {
	outcome := Outcome{IssueID: model.IssueBackendDown}
	if e.Client.SystemStats(ctx) == nil {
		outcome.Steps = append(outcome.Steps, "backend already reachable, no-op")
		outcome.OK = true
		return outcome, nil
	}
	outcome.Restart = e.restart(ctx)
	outcome.OK = outcome.Restart.OK
	return outcome, nil
}

// restart attempts an in-process manager reboot first, falling back to a
// detached start of the workspace's start script (spec.md §4.9).
func (e *Engine) restart(ctx context.Context) Restart {
	if e.Client.SystemStats(ctx) == nil {
		if err := e.Client.Reboot(ctx); err == nil {
			return Restart{Attempted: true, Method: "manager_reboot", OK: true}
		}
	}
	err := subprocess.StartDetached(e.StartScript.Script, e.StartScript.LogPath)
	return Restart{Attempted: true, Method: "detached_start", OK: err == nil}
}
