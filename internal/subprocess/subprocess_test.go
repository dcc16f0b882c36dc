package subprocess

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPythonCapturesOutputAndOK(t *testing.T) {
	runner := NewRunner("echo", t.TempDir())
	result := runner.RunPython(context.Background(), 5*time.Second, "hello")
	assert.True(t, result.OK)
	assert.Equal(t, 0, result.ExitStatus)
	assert.Contains(t, result.Output, "hello")
}

func TestRunPipModulePrependsArgs(t *testing.T) {
	runner := NewRunner("echo", t.TempDir())
	result := runner.RunPipModule(context.Background(), 5*time.Second, "check")
	assert.True(t, result.OK)
	assert.Contains(t, result.Output, "-m pip check")
}

func TestRunInlineUsesDashC(t *testing.T) {
	runner := NewRunner("echo", t.TempDir())
	result := runner.RunInline(context.Background(), 5*time.Second, "print(1)")
	assert.True(t, result.OK)
	assert.Contains(t, result.Output, "-c print(1)")
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho failing\nexit 3\n")
	runner := NewRunner(script, t.TempDir())
	result := runner.RunPython(context.Background(), 5*time.Second, "x")
	assert.False(t, result.OK)
	assert.Equal(t, 3, result.ExitStatus)
	assert.Contains(t, result.Output, "failing")
}

func TestRunMissingInterpreterIsSyntheticFailure(t *testing.T) {
	runner := NewRunner("", t.TempDir())
	result := runner.RunPython(context.Background(), 5*time.Second, "x")
	assert.False(t, result.OK)
	assert.Equal(t, -1, result.ExitStatus)
	assert.Contains(t, result.Output, "not configured")
}

func TestRunRespectsContextTimeout(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nsleep 5\n")
	runner := NewRunner(script, t.TempDir())
	result := runner.RunPython(context.Background(), 50*time.Millisecond, "x")
	assert.False(t, result.OK)
}

func TestRunTruncatesLongOutput(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nyes x | head -c 100000\n")
	runner := NewRunner(script, t.TempDir())
	result := runner.RunPython(context.Background(), 5*time.Second, "x")
	assert.LessOrEqual(t, len(result.Output), MaxOutputBytes)
}

func TestRunTruncatesLongOutputKeepsTailAndMarksTruncation(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nyes x | head -c 100000\n")
	runner := NewRunner(script, t.TempDir())
	result := runner.RunPython(context.Background(), 5*time.Second, "x")
	assert.LessOrEqual(t, len(result.Output), MaxOutputBytes)
	assert.Contains(t, result.Output, "...[truncated]...")
	assert.True(t, strings.HasSuffix(result.Output, "x\n"))
}

func TestCommandLineRendersArgs(t *testing.T) {
	assert.Equal(t, "python -m pip check", CommandLine("python", "-m", "pip", "check"))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-python.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestStartDetachedLogsToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "restart.log")
	err := StartDetached("echo started", logPath)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, readErr := os.ReadFile(logPath)
		return readErr == nil && strings.Contains(string(data), "started")
	}, 2*time.Second, 20*time.Millisecond)
}
