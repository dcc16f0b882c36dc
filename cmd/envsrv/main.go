// Command envsrv is the control-plane daemon: it resolves the Engine's
// location, wires every internal component together, and serves the §6.5
// RPC surface over HTTP. Grounded on coglet's daemon entrypoint
// (coglet/cmd/coglet/main.go), which does the analogous job of resolving a
// runner and serving it over net/http.
package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/modusnap/manager/internal/apikey"
	"github.com/modusnap/manager/internal/backend"
	"github.com/modusnap/manager/internal/compat"
	"github.com/modusnap/manager/internal/config"
	"github.com/modusnap/manager/internal/depreconciler"
	"github.com/modusnap/manager/internal/diagnostics"
	"github.com/modusnap/manager/internal/engineclient"
	"github.com/modusnap/manager/internal/fixengine"
	"github.com/modusnap/manager/internal/logging"
	"github.com/modusnap/manager/internal/orchestrator"
	"github.com/modusnap/manager/internal/server"
	"github.com/modusnap/manager/internal/snapshot"
	"github.com/modusnap/manager/internal/subprocess"
	"github.com/modusnap/manager/internal/txengine"
	"github.com/modusnap/manager/internal/txstore"
)

func main() {
	logger := logging.New("envsrv")
	defer logger.Sugar().Sync() //nolint:errcheck

	cfg := config.FromEnv()

	locator := backend.NewLocator(cfg.BackendDirOverride, cfg.EngineURL)
	loc, err := locator.Locate()
	if err != nil {
		logger.Sugar().Fatalw("failed to locate backend", "err", err)
	}

	profile := backend.ReadHardwareProfile(loc)
	runner := subprocess.NewRunner(loc.VenvPython, loc.BackendDir)
	client := engineclient.New(cfg.EngineURL, cfg.APIKey)

	policyTable, err := config.LoadPolicyTable(cfg.PolicyFile)
	if err != nil {
		logger.Sugar().Fatalw("failed to load policy table", "err", err)
	}

	stateDir := filepath.Join(loc.UserDir, "modusnap_manager_env")
	store := txstore.New(filepath.Join(stateDir, "transactions.json"))
	snapshots := snapshot.New(filepath.Join(stateDir, "snapshots"), runner)
	txEngine := txengine.New(store, snapshots, runner, loc, logger.Named("txengine"))

	reconciler := depreconciler.New(loc.BackendDir)

	probedPython := probePythonVersion(runner)
	auditor, err := compat.New(probedPython)
	if err != nil {
		logger.Sugar().Fatalw("failed to load compatibility pattern table", "err", err)
	}

	diagEngine := diagnostics.New(client, runner, loc)

	startScript := fixengine.StartScript{
		Script:  fmt.Sprintf("%s main.py", loc.VenvPython),
		LogPath: loc.RestartLog,
	}
	fixEngine := fixengine.New(client, runner, loc, startScript, nil, profile)

	orch := orchestrator.New(client, auditor, reconciler, runner, loc, fixEngine, logger.Named("orchestrator"), stateDir)

	apiKeys := apikey.New(filepath.Join(loc.UserDir, "modusnap_api_keys.json"))

	srv := &server.Server{
		Backend: loc, Client: client, TxStore: store, TxEngine: txEngine,
		Diagnostics: diagEngine, FixEngine: fixEngine, Orchestrator: orch,
		Auditor: auditor, Reconciler: reconciler, ApiKeys: apiKeys,
		PolicyTable: policyTable, Logger: logger.Named("server"),
		Tier: "free", HardwareProfile: profile,
	}

	logger.Sugar().Infow("starting envsrv", "listenAddr", cfg.ListenAddr, "backendDir", loc.BackendDir, "engineURL", cfg.EngineURL)
	if err := http.ListenAndServe(cfg.ListenAddr, srv.NewMux()); err != nil {
		logger.Sugar().Fatalw("server exited", "err", err)
	}
}

// probePythonVersion shells out to the backend's interpreter once at
// startup so CompatibilityAuditor can evaluate requires-python hints
// against the locally installed version (SPEC_FULL.md's Python-version
// compatibility signal).
func probePythonVersion(runner *subprocess.Runner) *version.Version {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := runner.RunInline(ctx, 10*time.Second, "import platform, sys; sys.stdout.write(platform.python_version())")
	if !result.OK {
		return nil
	}
	v, err := version.NewVersion(strings.TrimSpace(result.Output))
	if err != nil {
		return nil
	}
	return v
}
