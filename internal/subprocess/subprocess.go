// Package subprocess is the control plane's single choke point for
// spawning the venv's Python interpreter and the workspace start script.
// spec.md §9 calls for collapsing "repeated spawnSync + ad-hoc stdout
// parsing" into one abstraction returning a canonical (exitStatus,
// combinedOutput) record with one central truncation policy; this package
// is that abstraction, grounded on the teacher's DockerCommand.exec
// (pkg/docker/docker_command.go).
package subprocess

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modusnap/manager/internal/ringbuffer"
)

// MaxOutputBytes is the cap applied to combined stdout+stderr of every
// invocation (spec.md §6.2).
const MaxOutputBytes = 12 * 1024

// Result is the canonical outcome of a subprocess invocation.
type Result struct {
	ExitStatus int
	Output     string
	OK         bool
	Duration   time.Duration
}

// Runner invokes the Python interpreter inside a backend's virtualenv.
type Runner struct {
	// PythonPath is the absolute path to <backend>/venv/bin/python.
	PythonPath string
	// WorkDir is the backend directory, used as the subprocess cwd.
	WorkDir string
}

// NewRunner builds a Runner bound to a specific interpreter and working
// directory.
func NewRunner(pythonPath, workDir string) *Runner {
	return &Runner{PythonPath: pythonPath, WorkDir: workDir}
}

// RunPython runs "<PythonPath> <args...>" with a hard wall-clock timeout,
// returning the truncated combined output regardless of exit status.
func (r *Runner) RunPython(ctx context.Context, timeout time.Duration, args ...string) Result {
	return r.run(ctx, timeout, r.PythonPath, args)
}

// RunPipModule runs "<PythonPath> -m pip <args...>".
func (r *Runner) RunPipModule(ctx context.Context, timeout time.Duration, args ...string) Result {
	return r.RunPython(ctx, timeout, append([]string{"-m", "pip"}, args...)...)
}

// RunInline runs "<PythonPath> -c '<script>'" — used for the short
// runtime probe and verification scripts.
func (r *Runner) RunInline(ctx context.Context, timeout time.Duration, script string) Result {
	return r.RunPython(ctx, timeout, "-c", script)
}

func (r *Runner) run(ctx context.Context, timeout time.Duration, bin string, args []string) Result {
	start := time.Now()

	if bin == "" {
		return Result{ExitStatus: -1, OK: false, Output: "python interpreter not configured", Duration: time.Since(start)}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, bin, args...)
	cmd.Dir = r.WorkDir
	cmd.Env = append(os.Environ(), "PIP_DISABLE_PIP_VERSION_CHECK=1")

	const truncMarker = "...[truncated]...\n"
	rb := ringbuffer.New(MaxOutputBytes - len(truncMarker))
	cmd.Stdout = rb
	cmd.Stderr = rb

	err := cmd.Run()
	duration := time.Since(start)

	exitStatus := 0
	ok := true
	if err != nil {
		ok = false
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			exitStatus = exitErr.ExitCode()
		} else {
			exitStatus = -1
		}
	}

	output := rb.String()
	if rb.Full() {
		output = truncMarker + output
	}

	return Result{
		ExitStatus: exitStatus,
		Output:     output,
		OK:         ok,
		Duration:   duration,
	}
}

// StartDetached starts the workspace's start script detached from the
// current process, logging its stdio to logPath. It mirrors the teacher's
// "bash -lc" detached launch of external helper scripts (spec.md §6.2).
func StartDetached(script string, logPath string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	cmd := exec.Command("bash", "-lc", script)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return err
	}
	// Detach: we don't wait here; a goroutine reaps the child and closes
	// this process's copy of the log file once it exits.
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()
	return nil
}

// CommandLine renders args for human-readable plan/log display.
func CommandLine(bin string, args ...string) string {
	return strings.TrimSpace(bin + " " + strings.Join(args, " "))
}
