// Package txengine implements the plan → apply → verify → rollback
// lifecycle over a backend's virtualenv (spec.md §4.6), grounded on the
// teacher's build-then-push pipeline shape (pkg/cli root commands calling
// into pkg/image) but generalized from "build once" to "apply a sequence of
// steps, persisting after each one, and verify at the end".
package txengine

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modusnap/manager/internal/apperr"
	"github.com/modusnap/manager/internal/config"
	"github.com/modusnap/manager/internal/logging"
	"github.com/modusnap/manager/internal/model"
	"github.com/modusnap/manager/internal/snapshot"
	"github.com/modusnap/manager/internal/subprocess"
	"github.com/modusnap/manager/internal/txstore"
)

// sanitizeRe validates a package argument against pip-specifier grammar —
// a PEP 503 name, optional bracketed extras, and zero or more
// comma-separated version clauses (spec.md §4.6) — rather than a flat
// character-class union, so shell-injection strings built only from
// permitted characters (e.g. "rm -rf /") are rejected rather than passed
// through untouched. Grounded on depreconciler's lineRe, narrowed to the
// bare "name[extras]specifier" form a direct install argument takes (no
// environment markers, no whitespace).
var sanitizeRe = regexp.MustCompile(
	`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9._-]+(?:,[A-Za-z0-9._-]+)*\])?` +
		`((?:==|!=|<=|>=|~=|===|<|>)[A-Za-z0-9.*+!_-]+(?:,(?:==|!=|<=|>=|~=|===|<|>)[A-Za-z0-9.*+!_-]+)*)?$`,
)

const pipCheckTimeout = 2 * time.Minute
const pipInstallTimeout = 15 * time.Minute

// Engine drives EnvTx lifecycles for a single backend.
type Engine struct {
	Store      *txstore.Store
	Snapshots  *snapshot.Service
	Runner     *subprocess.Runner
	Backend    model.BackendLocation
	Logger     *logging.Logger
	HasVenv    func() bool
}

// New builds an Engine bound to one backend's components.
func New(store *txstore.Store, snapshots *snapshot.Service, runner *subprocess.Runner, backend model.BackendLocation, logger *logging.Logger) *Engine {
	return &Engine{
		Store:     store,
		Snapshots: snapshots,
		Runner:    runner,
		Backend:   backend,
		Logger:    logger,
		HasVenv: func() bool {
			_, err := os.Stat(backend.VenvPython)
			return err == nil
		},
	}
}

// SanitizePackages keeps only packages matching the specifier grammar of
// sanitizeRe and deduplicates while preserving first-seen order (spec.md §4.6, testable
// property 8).
func SanitizePackages(packages []string) []string {
	seen := make(map[string]bool, len(packages))
	var out []string
	for _, p := range packages {
		if p == "" || !sanitizeRe.MatchString(p) {
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// CreatePlan builds a planned EnvTx, evaluating policies before planning.
func (e *Engine) CreatePlan(mode model.TxKind, packages []string, tier string, requestedPolicies []string, policyTable config.PolicyTable) (model.EnvTx, error) {
	if mode != model.TxKindRepair && mode != model.TxKindInstall {
		return model.EnvTx{}, apperr.InvalidArg(fmt.Sprintf("unsupported plan mode %q", mode))
	}

	if len(requestedPolicies) > 0 {
		allowed, violations := policyTable.Evaluate(tier, requestedPolicies)
		if !allowed {
			return model.EnvTx{}, apperr.PolicyViolation(violations)
		}
	}

	sanitized := SanitizePackages(packages)

	commands := []string{
		subprocess.CommandLine(e.Backend.VenvPython, "-m", "pip", "install", "-r", "requirements.txt"),
		subprocess.CommandLine(e.Backend.VenvPython, "-m", "pip", "install", "-r", "manager_requirements.txt"),
	}
	if mode == model.TxKindInstall && len(sanitized) > 0 {
		commands = append(commands, subprocess.CommandLine(e.Backend.VenvPython, append([]string{"-m", "pip", "install"}, sanitized...)...))
	}
	commands = append(commands, subprocess.CommandLine(e.Backend.VenvPython, "-m", "pip", "check"))

	now := time.Now()
	tx := model.EnvTx{
		ID:                uuid.NewString(),
		Kind:              mode,
		Status:            model.TxStatusPlanned,
		CreatedAt:         now,
		UpdatedAt:         now,
		RequestedPackages: sanitized,
		PlanCommands:      commands,
	}

	if err := e.Store.Create(tx); err != nil {
		return model.EnvTx{}, apperr.Internal(err)
	}
	return tx, nil
}

// Apply executes tx's plan steps sequentially, persisting after each
// mutation, and verifies the result with pip check (spec.md §4.6).
func (e *Engine) Apply(ctx context.Context, txID string) (model.EnvTx, error) {
	tx, found := e.Store.Get(txID)
	if !found {
		return model.EnvTx{}, apperr.NotFound("EnvTx", txID)
	}
	if tx.Status != model.TxStatusPlanned && tx.Status != model.TxStatusFailed {
		return model.EnvTx{}, apperr.Conflict(fmt.Sprintf("cannot apply EnvTx %s in status %s", txID, tx.Status))
	}

	tx.Status = model.TxStatusRunning
	tx.UpdatedAt = time.Now()
	tx.Steps = nil
	_ = e.Store.Update(tx)

	if snap, err := e.Snapshots.Freeze(ctx, tx.ID+"-before", ""); err == nil {
		tx.SnapshotBefore = snap.FreezeListPath
	} else {
		tx.SnapshotBefore = ""
		if e.Logger != nil {
			e.Logger.Sugar().Warnw("snapshotBefore failed, proceeding anyway", "tx", tx.ID, "err", err)
		}
	}
	_ = e.Store.Update(tx)

	venvMissing := !e.HasVenv()
	remainingMeaningful := true

	for _, cmd := range tx.PlanCommands {
		step := model.EnvStep{ID: uuid.NewString(), Command: cmd, StartedAt: time.Now()}

		if venvMissing && !remainingMeaningful {
			step.FinishedAt = time.Now()
			step.ExitStatus = -1
			step.OK = false
			step.Output = "skipped: virtualenv missing, prior step already failed terminally"
			tx.Steps = append(tx.Steps, step)
			_ = e.Store.Update(tx)
			continue
		}

		var result subprocess.Result
		if venvMissing {
			result = subprocess.Result{ExitStatus: -1, OK: false, Output: "virtualenv python interpreter not found"}
			remainingMeaningful = false
		} else {
			result = e.runPlanCommand(ctx, cmd)
		}

		step.FinishedAt = time.Now()
		step.ExitStatus = result.ExitStatus
		step.OK = result.OK
		step.Output = result.Output
		tx.Steps = append(tx.Steps, step)
		_ = e.Store.Update(tx)
	}

	checkResult := e.Runner.RunPipModule(ctx, pipCheckTimeout, "check")
	tx.PipHealthy = checkResult.OK
	tx.PipCheckOutput = checkResult.Output

	if snap, err := e.Snapshots.Freeze(ctx, tx.ID+"-after", ""); err == nil {
		tx.SnapshotAfter = snap.FreezeListPath
	}

	if tx.PipHealthy {
		tx.Status = model.TxStatusSucceeded
		tx.Error = ""
	} else {
		tx.Status = model.TxStatusFailed
		tx.Error = "pip check reported unresolved dependency state"
	}
	tx.UpdatedAt = time.Now()

	if err := e.Store.Update(tx); err != nil {
		return tx, apperr.Internal(err)
	}
	return tx, nil
}

func (e *Engine) runPlanCommand(ctx context.Context, cmd string) subprocess.Result {
	args := strings.Fields(cmd)
	if len(args) < 2 {
		return subprocess.Result{ExitStatus: -1, Output: "malformed plan command"}
	}
	// args[0] is the interpreter path (informational in the recorded plan);
	// the Runner already knows its own interpreter, so only the flags after
	// "-m pip"/"-c" matter here.
	pyArgs := args[1:]
	return e.Runner.RunPython(ctx, pipInstallTimeout, pyArgs...)
}

// Rollback creates and runs a rollback EnvTx undoing txID, requiring its
// snapshotBefore to still exist on disk.
func (e *Engine) Rollback(ctx context.Context, txID string) (model.EnvTx, error) {
	original, found := e.Store.Get(txID)
	if !found {
		return model.EnvTx{}, apperr.NotFound("EnvTx", txID)
	}
	if original.SnapshotBefore == "" {
		return model.EnvTx{}, apperr.Conflict(fmt.Sprintf("EnvTx %s has no snapshotBefore to roll back to", txID))
	}
	if _, err := os.Stat(original.SnapshotBefore); err != nil {
		return model.EnvTx{}, apperr.Conflict(fmt.Sprintf("snapshotBefore for EnvTx %s is no longer on disk", txID))
	}

	now := time.Now()
	rollbackTx := model.EnvTx{
		ID:         uuid.NewString(),
		Kind:       model.TxKindRollback,
		Status:     model.TxStatusPlanned,
		CreatedAt:  now,
		UpdatedAt:  now,
		RollbackOf: txID,
		PlanCommands: []string{
			subprocess.CommandLine(e.Backend.VenvPython, "-m", "pip", "install", "-r", original.SnapshotBefore),
			subprocess.CommandLine(e.Backend.VenvPython, "-m", "pip", "check"),
		},
	}
	if err := e.Store.Create(rollbackTx); err != nil {
		return model.EnvTx{}, apperr.Internal(err)
	}

	applied, err := e.Apply(ctx, rollbackTx.ID)
	if err != nil {
		return applied, err
	}

	if applied.Status == model.TxStatusSucceeded {
		applied.Status = model.TxStatusRolledBack
	} else {
		applied.Status = model.TxStatusFailed
	}
	applied.UpdatedAt = time.Now()
	if err := e.Store.Update(applied); err != nil {
		return applied, apperr.Internal(err)
	}
	return applied, nil
}
