package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvAppliesDefaults(t *testing.T) {
	t.Setenv("MODUSNAP_ENGINE_URL", "")
	t.Setenv("MODUSNAP_LISTEN_ADDR", "")

	cfg := FromEnv()
	assert.Equal(t, "http://localhost:8188", cfg.EngineURL)
	assert.Equal(t, ":9188", cfg.ListenAddr)
}

func TestFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("MODUSNAP_ENGINE_URL", "http://engine.local:1234")
	t.Setenv("MODUSNAP_API_KEY", "secret")
	t.Setenv("MODUSNAP_BACKEND_DIR", "/opt/engine")
	t.Setenv("MODUSNAP_LISTEN_ADDR", ":7000")

	cfg := FromEnv()
	assert.Equal(t, "http://engine.local:1234", cfg.EngineURL)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, "/opt/engine", cfg.BackendDirOverride)
	assert.Equal(t, ":7000", cfg.ListenAddr)
}

func TestLoadPolicyTableFallsBackWhenPathEmpty(t *testing.T) {
	table, err := LoadPolicyTable("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyTable(), table)
}

func TestLoadPolicyTableFallsBackWhenFileMissing(t *testing.T) {
	table, err := LoadPolicyTable(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyTable(), table)
}

func TestLoadPolicyTableParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  free:\n    - open\n  pro:\n    - open\n    - non-commercial\n"), 0o644))

	table, err := LoadPolicyTable(path)
	require.NoError(t, err)
	assert.Equal(t, PolicyTable{"free": {"open"}, "pro": {"open", "non-commercial"}}, table)
}

func TestLoadPolicyTableRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(": not: valid: yaml: at: all:"), 0o644))

	_, err := LoadPolicyTable(path)
	assert.Error(t, err)
}

// TestEvaluateAllowsWithinTier covers spec's testable property 10: a request
// entirely within a tier's permitted policy set is allowed with no
// violations.
func TestEvaluateAllowsWithinTier(t *testing.T) {
	table := DefaultPolicyTable()
	allowed, violations := table.Evaluate("pro", []string{"open", "non-commercial"})
	assert.True(t, allowed)
	assert.Empty(t, violations)
}

func TestEvaluateRejectsOutOfTierPolicy(t *testing.T) {
	table := DefaultPolicyTable()
	allowed, violations := table.Evaluate("free", []string{"open", "commercial"})
	assert.False(t, allowed)
	assert.Equal(t, []string{"commercial"}, violations)
}

func TestEvaluateUnknownTierDeniesEverything(t *testing.T) {
	table := DefaultPolicyTable()
	allowed, violations := table.Evaluate("ghost-tier", []string{"open"})
	assert.False(t, allowed)
	assert.Equal(t, []string{"open"}, violations)
}

func TestEvaluateEmptyRequestIsAlwaysAllowed(t *testing.T) {
	table := DefaultPolicyTable()
	allowed, violations := table.Evaluate("free", nil)
	assert.True(t, allowed)
	assert.Empty(t, violations)
}
