// Package orchestrator drives the long-running install/uninstall session
// lifecycle: preflight, compatibility-set rebuild, chunked queue submission,
// drain wait, reboot-and-ready, and post-install heal (spec.md §4.7).
// Grounded on the teacher's build-then-push pipeline
// (pkg/image/build.go + pkg/docker push), generalized from "build one
// image" to "submit many chunked batches and wait for the queue to drain".
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modusnap/manager/internal/apperr"
	"github.com/modusnap/manager/internal/compat"
	"github.com/modusnap/manager/internal/depreconciler"
	"github.com/modusnap/manager/internal/engineclient"
	"github.com/modusnap/manager/internal/fixengine"
	"github.com/modusnap/manager/internal/logging"
	"github.com/modusnap/manager/internal/model"
	"github.com/modusnap/manager/internal/subprocess"
)

// installedStates are the per-item statuses that mark a CatalogItem as
// already resolved, and therefore skipped from a fresh install/uninstall
// session (spec.md §4.7 step 1, testable property 7).
var installedStates = map[string]bool{
	"enabled": true, "disabled": true, "updatable": true, "try-update": true,
	"uninstall": true, "import-fail": true, "invalid-installation": true,
}

// actionMap maps a CatalogItem's requested action (item.State, for items
// that pass the step-1 filter) onto the Engine's batch verb.
var actionMap = map[string]string{
	"enable":      "install",
	"switch":      "install",
	"try-install": "install",
	"try-update":  "update",
}

const (
	compatSetMaxAge  = 15 * time.Minute
	compatHistoryCap = 50
	drainPollInterval = 1 * time.Second
	readyPollInterval = 2 * time.Second
	readyTimeout      = 180 * time.Second
)

// CancelFlag is the cooperative cancellation flag checked at chunk
// boundaries (spec.md §5).
type CancelFlag struct{ canceled atomic.Bool }

// Cancel requests cancellation; already-submitted chunks still run to
// completion inside the Engine.
func (c *CancelFlag) Cancel() { c.canceled.Store(true) }

// Canceled reports whether Cancel has been called.
func (c *CancelFlag) Canceled() bool { return c.canceled.Load() }

// Orchestrator drives install sessions for one backend.
type Orchestrator struct {
	Client     *engineclient.Client
	Auditor    *compat.Auditor
	Reconciler *depreconciler.Reconciler
	Runner     *subprocess.Runner
	Backend    model.BackendLocation
	FixEngine  *fixengine.Engine
	Logger     *logging.Logger
	StateDir   string // holds current_compatibility_set.json and compatibility_sets/
}

// New builds an Orchestrator.
func New(client *engineclient.Client, auditor *compat.Auditor, reconciler *depreconciler.Reconciler, runner *subprocess.Runner, backend model.BackendLocation, fixEngine *fixengine.Engine, logger *logging.Logger, stateDir string) *Orchestrator {
	return &Orchestrator{
		Client: client, Auditor: auditor, Reconciler: reconciler, Runner: runner,
		Backend: backend, FixEngine: fixEngine, Logger: logger, StateDir: stateDir,
	}
}

// RunInstall executes the full lifecycle for one session and returns the
// final InstallSession state. refresh, if non-nil, is called once after the
// post-install heal as the (optional) catalog refresh callback.
func (o *Orchestrator) RunInstall(ctx context.Context, mode model.SessionMode, scope model.SessionScope, candidates []model.CatalogItem, profile model.HardwareProfile, cancel *CancelFlag, refresh func()) (*model.InstallSession, error) {
	session := &model.InstallSession{
		ID: uuid.NewString(), Mode: mode, Scope: scope, StartedAt: time.Now(), Running: true,
	}

	// Step 1: plan — filter out items already resolved.
	var pending []model.CatalogItem
	for _, item := range candidates {
		if installedStates[strings.ToLower(item.State)] {
			session.Items = append(session.Items, model.SessionItem{Key: item.UIKey, Title: item.Title, Status: model.ItemStatusSkipped, Details: "already installed"})
			continue
		}
		pending = append(pending, item)
	}
	session.Total = len(pending)
	session.Remaining = len(pending)

	if len(pending) == 0 {
		session.Running = false
		session.Status = "failed"
		session.Logs = append(session.Logs, "no items remained after filtering already-installed state")
		return session, nil
	}

	// Step 2: preflight.
	summary := o.Auditor.Preflight(pending, profile, true)
	var surviving []model.CatalogItem
	for _, item := range pending {
		d := o.Auditor.Classify(item, profile)
		if d.Decision == model.DecisionBlocked {
			session.Items = append(session.Items, model.SessionItem{Key: item.UIKey, Title: item.Title, Status: model.ItemStatusSkipped, Details: "removed by compatibility preflight"})
			continue
		}
		surviving = append(surviving, item)
	}
	if len(surviving) == 0 {
		session.Running = false
		session.Status = "failed"
		session.Logs = append(session.Logs, "all items were blocked by compatibility preflight")
		return session, nil
	}
	if len(summary.GlobalWarnings) > 0 {
		session.Logs = append(session.Logs, summary.GlobalWarnings...)
	}

	// Step 3: compatibility set.
	compatSet, err := o.ensureCompatibilitySet(ctx, profile, surviving)
	if err != nil {
		session.Running = false
		session.Status = "failed"
		session.Logs = append(session.Logs, fmt.Sprintf("compatibility set rebuild failed: %v", err))
		return session, nil
	}
	session.Logs = append(session.Logs, fmt.Sprintf("compatibility set %s ready (pipHealthy=%v)", compatSet.LockID, compatSet.PipHealthy))

	// Step 4: snapshot (best effort).
	if err := o.Client.SnapshotSave(ctx); err != nil {
		session.Logs = append(session.Logs, fmt.Sprintf("engine snapshot save failed (best effort): %v", err))
	}

	// Step 5: chunked submission.
	chunkSize := chunkSizeFor(len(surviving))
	totalChunks := int(math.Ceil(float64(len(surviving)) / float64(chunkSize)))
	session.TotalChunks = totalChunks

	itemStatus := make(map[string]*model.SessionItem, len(surviving))
	for _, item := range surviving {
		si := model.SessionItem{Key: item.UIKey, Title: item.Title, Selected: true, Status: model.ItemStatusPending}
		session.Items = append(session.Items, si)
		itemStatus[item.UIKey] = &session.Items[len(session.Items)-1]
	}

	for chunkIdx := 0; chunkIdx < totalChunks; chunkIdx++ {
		if cancel != nil && cancel.Canceled() {
			session.Canceled = true
			session.Logs = append(session.Logs, "session canceled before chunk "+strconv.Itoa(chunkIdx+1))
			break
		}

		session.CurrentChunk = chunkIdx + 1
		start := chunkIdx * chunkSize
		end := start + chunkSize
		if end > len(surviving) {
			end = len(surviving)
		}
		chunk := surviving[start:end]

		byAction := map[string][]model.CatalogItem{}
		for _, item := range chunk {
			resolved, ok, reason := classifyInstallType(item)
			if !ok {
				if si, found := itemStatus[item.UIKey]; found {
					si.Status = model.ItemStatusSkipped
					si.Details = reason
				}
				continue
			}
			action := mapAction(resolved.State)
			byAction[action] = append(byAction[action], resolved)
		}

		batchID := uuid.NewString()
		chunkFailed := false
		for action, items := range byAction {
			payload := make([]map[string]any, 0, len(items))
			for _, item := range items {
				payload = append(payload, catalogItemToPayload(item))
			}
			if err := o.Client.BatchSubmit(ctx, batchID, action, payload); err != nil {
				chunkFailed = true
				for _, item := range items {
					if si, found := itemStatus[item.UIKey]; found {
						si.Status = model.ItemStatusFailed
						si.Details = err.Error()
					}
				}
				continue
			}
			for _, item := range items {
				if si, found := itemStatus[item.UIKey]; found {
					si.Status = model.ItemStatusQueued
				}
			}
		}
		if err := o.Client.QueueStart(ctx); err != nil {
			session.Logs = append(session.Logs, fmt.Sprintf("queue-start failed for chunk %d: %v", chunkIdx+1, err))
		}
		if chunkFailed {
			session.Logs = append(session.Logs, fmt.Sprintf("chunk %d had one or more failed submissions", chunkIdx+1))
		}
	}

	// Step 6: drain wait.
	if !session.Canceled {
		timeout := time.Duration(totalChunks) * 45 * time.Second
		if timeout < 5*time.Minute {
			timeout = 5 * time.Minute
		}
		if err := o.drainWait(ctx, timeout); err != nil {
			session.Running = false
			session.Status = "failed"
			session.Logs = append(session.Logs, err.Error())
			return session, nil
		}
	}

	// Step 7: reboot + ready.
	if !session.Canceled {
		if err := o.Client.Reboot(ctx); err != nil {
			session.Logs = append(session.Logs, fmt.Sprintf("reboot call failed: %v", err))
		}
		if err := o.waitReady(ctx); err != nil {
			session.Running = false
			session.Status = "failed"
			session.Logs = append(session.Logs, err.Error())
			return session, nil
		}
	}

	// Step 8: post-install heal.
	if o.FixEngine != nil {
		outcome, err := o.FixEngine.Apply(ctx, model.IssuePipCheckFailed)
		if err == nil {
			session.Logs = append(session.Logs, fmt.Sprintf("post-install heal: healed=%v prunedCount=%d", outcome.OK, len(outcome.PrunedPackages)))
		}
	}

	// Step 9: catalog refresh.
	if refresh != nil {
		refresh()
	}

	completed := 0
	for _, si := range session.Items {
		if si.Status == model.ItemStatusQueued || si.Status == model.ItemStatusDone {
			completed++
		}
	}
	session.Completed = completed
	session.Remaining = session.Total - completed
	session.Running = false
	if session.Canceled {
		session.Status = "canceled"
	} else {
		session.Status = "completed"
	}
	return session, nil
}

func chunkSizeFor(total int) int {
	if total > 200 {
		return 20
	}
	return 40
}

func mapAction(state string) string {
	if mapped, ok := actionMap[strings.ToLower(state)]; ok {
		return mapped
	}
	if state == "" {
		return "install"
	}
	return state
}

func classifyInstallType(item model.CatalogItem) (model.CatalogItem, bool, string) {
	switch item.InstallType {
	case model.InstallTypeCNR:
		if item.ID != "" {
			return item, true, ""
		}
		if url := recoverGitURL(item); url != "" {
			item.InstallType = model.InstallTypeGitClone
			item.Repository = url
			return item, true, ""
		}
		return item, false, "cnr item missing id, and no git url could be recovered"
	case model.InstallTypeGitClone:
		if item.Repository == "" {
			return item, false, "git-clone item missing a repository url"
		}
		return item, true, ""
	default:
		return item, true, ""
	}
}

func recoverGitURL(item model.CatalogItem) string {
	if item.Repository != "" {
		return item.Repository
	}
	if strings.Contains(item.Reference, "://") {
		return item.Reference
	}
	for _, f := range item.Files {
		if strings.Contains(f, "://") {
			return f
		}
	}
	return ""
}

func catalogItemToPayload(item model.CatalogItem) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"title":       item.Title,
		"install_type": string(item.InstallType),
		"repository":  item.Repository,
		"reference":   item.Reference,
		"files":       item.Files,
		"version":     item.SelectedVersion,
	}
}

func (o *Orchestrator) drainWait(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		status, err := o.Client.QueueStatusGet(ctx)
		if err == nil && !status.IsProcessing && status.PendingCount == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.QueueTimeout("queue did not drain within the allotted time")
		}
		select {
		case <-ctx.Done():
			return apperr.QueueTimeout("context canceled while waiting for queue drain")
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		statsOK := o.Client.SystemStats(ctx) == nil
		_, routesOK := o.Client.ManagerRoutesReachable(ctx, engineclient.DefaultManagerEndpoints)
		if statsOK && routesOK {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.QueueTimeout("backend did not become ready after reboot within the allotted time")
		}
		select {
		case <-ctx.Done():
			return apperr.QueueTimeout("context canceled while waiting for backend readiness")
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) currentCompatSetPath() string {
	return filepath.Join(o.StateDir, "current_compatibility_set.json")
}

func (o *Orchestrator) ensureCompatibilitySet(ctx context.Context, profile model.HardwareProfile, items []model.CatalogItem) (model.CompatibilitySet, error) {
	current, ok := o.loadCurrentCompatSet()
	if ok && time.Since(current.CreatedAt) < compatSetMaxAge && current.HardwareProfile == profile.Token && current.PipHealthy {
		return current, nil
	}
	return o.rebuildCompatibilitySet(ctx, profile, items)
}

func (o *Orchestrator) loadCurrentCompatSet() (model.CompatibilitySet, bool) {
	data, err := os.ReadFile(o.currentCompatSetPath())
	if err != nil {
		return model.CompatibilitySet{}, false
	}
	var set model.CompatibilitySet
	if err := json.Unmarshal(data, &set); err != nil {
		return model.CompatibilitySet{}, false
	}
	return set, true
}

func (o *Orchestrator) rebuildCompatibilitySet(ctx context.Context, profile model.HardwareProfile, items []model.CatalogItem) (model.CompatibilitySet, error) {
	baseline := o.Runner.RunPipModule(ctx, 15*time.Minute, "install", "-r", "requirements.txt")
	baselineMgr := o.Runner.RunPipModule(ctx, 15*time.Minute, "install", "-r", "manager_requirements.txt")

	report, err := o.Reconciler.Run(filepath.Join(o.Backend.UserDir))
	if err != nil {
		return model.CompatibilitySet{}, fmt.Errorf("dependency reconciliation failed: %w", err)
	}
	if report.CompatibleRequirementCount > 0 {
		o.Runner.RunPipModule(ctx, 15*time.Minute, "install", "-r", report.CompatibleRequirementsPath)
	}

	check := o.Runner.RunPipModule(ctx, 2*time.Minute, "check")
	pipHealthy := check.OK
	pipCheckOutput := check.Output

	if !pipHealthy && o.FixEngine != nil {
		outcome, healErr := o.FixEngine.Apply(ctx, model.IssuePipCheckFailed)
		if healErr == nil {
			pipHealthy = outcome.OK
		}
		recheck := o.Runner.RunPipModule(ctx, 2*time.Minute, "check")
		pipHealthy = recheck.OK
		pipCheckOutput = recheck.Output
	}

	lock := o.collectDependencyLock(ctx)

	var packKeys, packIDs []string
	var audit []model.PackDecision
	for _, item := range items {
		packKeys = append(packKeys, item.UIKey)
		if item.ID != "" {
			packIDs = append(packIDs, item.ID)
		}
		audit = append(audit, o.Auditor.Classify(item, profile))
	}

	set := model.CompatibilitySet{
		LockID: uuid.NewString(), CreatedAt: time.Now(), HardwareProfile: profile.Token,
		PipHealthy: pipHealthy, PipCheckOutput: pipCheckOutput,
		SelectedPackKeys: packKeys, SelectedPackIDs: packIDs,
		DependencyLock: lock, DependencyAudit: report, CatalogAudit: audit,
	}
	_ = baseline
	_ = baselineMgr

	if err := o.persistCompatSet(set); err != nil {
		return set, err
	}
	return set, nil
}

func (o *Orchestrator) persistCompatSet(set model.CompatibilitySet) error {
	if err := os.MkdirAll(o.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating compatibility-set dir: %w", err)
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling compatibility set: %w", err)
	}
	if err := os.WriteFile(o.currentCompatSetPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing current compatibility set: %w", err)
	}

	historyDir := filepath.Join(o.StateDir, "compatibility_sets")
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return fmt.Errorf("creating compatibility-set history dir: %w", err)
	}
	historyPath := filepath.Join(historyDir, "compat_set_"+set.LockID+".json")
	if err := os.WriteFile(historyPath, data, 0o644); err != nil {
		return fmt.Errorf("writing compatibility set history entry: %w", err)
	}
	o.trimCompatHistory(historyDir)
	return nil
}

func (o *Orchestrator) trimCompatHistory(historyDir string) {
	entries, err := os.ReadDir(historyDir)
	if err != nil || len(entries) <= compatHistoryCap {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		ii, _ := entries[i].Info()
		jj, _ := entries[j].Info()
		if ii == nil || jj == nil {
			return false
		}
		return ii.ModTime().Before(jj.ModTime())
	})
	excess := len(entries) - compatHistoryCap
	for i := 0; i < excess; i++ {
		os.Remove(filepath.Join(historyDir, entries[i].Name()))
	}
}

func (o *Orchestrator) collectDependencyLock(ctx context.Context) model.DependencyLock {
	pyVersion := o.Runner.RunInline(ctx, 10*time.Second, "import platform, sys; sys.stdout.write(platform.python_version())")
	freeze := o.Runner.RunPipModule(ctx, 30*time.Second, "freeze")
	managerVersion, _ := o.Client.ManagerVersion(ctx)

	lock := model.DependencyLock{
		Python:         strings.TrimSpace(pyVersion.Output),
		ManagerVersion: strings.TrimSpace(managerVersion),
		GitCommit:      o.gitCommit(),
	}
	for _, line := range strings.Split(freeze.Output, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "==", 2)
		if len(parts) == 2 {
			lock.Pkgs = append(lock.Pkgs, model.PinnedPkg{Name: parts[0], Version: parts[1]})
		}
	}
	return lock
}

func (o *Orchestrator) gitCommit() string {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = o.Backend.BackendDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
