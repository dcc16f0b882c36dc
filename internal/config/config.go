// Package config holds the control plane's runtime configuration, populated
// from environment variables, and the policy sidecar file that drives
// POLICY_VIOLATION checks. Grounded on coglet/internal/config's plain struct
// (no viper) and on the teacher's cog.yaml sidecar idiom
// (coglet/internal/runner/config.go's ReadCogYaml).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the control plane's process-wide configuration.
type Config struct {
	// EngineURL is the base URL of the Engine's HTTP API.
	EngineURL string
	// APIKey is sent as a Bearer Authorization header on every request envsrv
	// makes to the Engine (not to be confused with the control plane's own API
	// key store in internal/apikey).
	APIKey string
	// BackendDirOverride, if set, skips BackendLocator discovery.
	BackendDirOverride string
	// ListenAddr is the address envsrv binds to.
	ListenAddr string
	// PolicyFile is the path to the policy sidecar; if empty or missing the
	// built-in default policy table is used.
	PolicyFile string
}

// FromEnv builds a Config from the process environment, applying defaults
// for anything unset.
func FromEnv() Config {
	cfg := Config{
		EngineURL:          os.Getenv("MODUSNAP_ENGINE_URL"),
		APIKey:             os.Getenv("MODUSNAP_API_KEY"),
		BackendDirOverride: os.Getenv("MODUSNAP_BACKEND_DIR"),
		ListenAddr:         os.Getenv("MODUSNAP_LISTEN_ADDR"),
		PolicyFile:         os.Getenv("MODUSNAP_POLICY_FILE"),
	}
	if cfg.EngineURL == "" {
		cfg.EngineURL = "http://localhost:8188"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9188"
	}
	return cfg
}

// PolicyTable maps a tier name to the set of licensing policies it permits.
type PolicyTable map[string][]string

// DefaultPolicyTable is the built-in tier table from spec.md §7.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		"free":       {"open"},
		"pro":        {"open", "non-commercial"},
		"enterprise": {"open", "non-commercial", "commercial"},
	}
}

type policyFile struct {
	Tiers map[string][]string `yaml:"tiers"`
}

// LoadPolicyTable reads the YAML policy sidecar at path, falling back to the
// built-in default if path is empty or the file doesn't exist.
func LoadPolicyTable(path string) (PolicyTable, error) {
	if path == "" {
		return DefaultPolicyTable(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicyTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	if len(pf.Tiers) == 0 {
		return DefaultPolicyTable(), nil
	}
	return PolicyTable(pf.Tiers), nil
}

// Evaluate checks whether every requested policy is permitted for tier,
// returning the list of violating policies (empty means allowed). An
// unknown tier or an unknown policy name is always denied.
func (t PolicyTable) Evaluate(tier string, requested []string) (allowed bool, violations []string) {
	permitted, ok := t[tier]
	if !ok {
		for _, p := range requested {
			violations = append(violations, p)
		}
		return false, violations
	}
	permittedSet := make(map[string]bool, len(permitted))
	for _, p := range permitted {
		permittedSet[p] = true
	}
	for _, p := range requested {
		if !permittedSet[p] {
			violations = append(violations, p)
		}
	}
	return len(violations) == 0, violations
}
