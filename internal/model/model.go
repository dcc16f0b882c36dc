// Package model holds the shared domain types of the environment control
// plane: transactions, snapshots, catalog items, diagnostics and install
// sessions. Every other package in this module builds on these types instead
// of defining its own, mirroring how the teacher keeps one shared domain
// package (pkg/model) that the rest of the tree imports.
package model

import "time"

// HardwareProfile is an immutable token describing the machine the Engine
// runs on, plus the flags parsed out of it.
type HardwareProfile struct {
	Token        string
	OS           string
	Arch         string
	HasNvidia    bool
	HasRocm      bool
	IsDarwinArm  bool
}

// UnknownHardwareProfile is returned whenever the marker file is missing.
func UnknownHardwareProfile() HardwareProfile {
	return HardwareProfile{Token: "unknown"}
}

// BackendLocation describes where the Engine lives on disk.
type BackendLocation struct {
	BackendDir     string
	VenvPython     string
	UserDir        string
	CustomNodesDir string
	ComfyLog       string
	RestartLog     string
}

// EnvStep is one command executed as part of an EnvTx. Immutable once
// recorded.
type EnvStep struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	ExitStatus int       `json:"exitStatus"`
	OK         bool      `json:"ok"`
	Output     string    `json:"output"`
}

// TxKind enumerates the kinds of environment transaction.
type TxKind string

const (
	TxKindRepair   TxKind = "repair"
	TxKindInstall  TxKind = "install"
	TxKindRollback TxKind = "rollback"
)

// TxStatus enumerates the lifecycle states of an EnvTx.
type TxStatus string

const (
	TxStatusPlanned    TxStatus = "planned"
	TxStatusRunning    TxStatus = "running"
	TxStatusSucceeded  TxStatus = "succeeded"
	TxStatusFailed     TxStatus = "failed"
	TxStatusRolledBack TxStatus = "rolled_back"
)

// EnvTx is a single environment transaction: a planned set of steps, the
// steps actually executed, and the before/after verification state.
type EnvTx struct {
	ID                string     `json:"id"`
	Kind              TxKind     `json:"kind"`
	Status            TxStatus   `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	RequestedPackages []string   `json:"requestedPackages"`
	PlanCommands      []string   `json:"planCommands"`
	Steps             []EnvStep  `json:"steps"`
	SnapshotBefore    string     `json:"snapshotBefore,omitempty"`
	SnapshotAfter     string     `json:"snapshotAfter,omitempty"`
	PipHealthy        bool       `json:"pipHealthy"`
	PipCheckOutput    string     `json:"pipCheckOutput"`
	RollbackOf        string     `json:"rollbackOf,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// Snapshot is a freeze of the installed package set. Its ID is the caller's
// tag, or a random UUID when the tag is empty; it is not derived from the
// frozen content.
type Snapshot struct {
	ID              string          `json:"id"`
	HardwareProfile string          `json:"hardwareProfile"`
	CreatedAt       time.Time       `json:"createdAt"`
	FreezeListPath  string          `json:"freezeListPath"`
	DependencyLock  DependencyLock  `json:"dependencyLock"`
}

// DependencyLock captures the interpreter/package/manager state at the
// moment a Snapshot or CompatibilitySet was taken.
type DependencyLock struct {
	Python        string        `json:"python"`
	Pkgs          []PinnedPkg   `json:"pkgs"`
	ManagerVersion string       `json:"managerVersion"`
	GitCommit     string        `json:"gitCommit"`
}

// PinnedPkg is one resolved (name, version) pair.
type PinnedPkg struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InstallType enumerates how a CatalogItem is installed.
type InstallType string

const (
	InstallTypeCNR      InstallType = "cnr"
	InstallTypeGitClone InstallType = "git-clone"
	InstallTypeUnknown  InstallType = "unknown"
)

// CatalogItem is a read-only input describing a pack the caller wants to
// act on.
type CatalogItem struct {
	UIKey           string      `json:"uiKey"`
	ID              string      `json:"id,omitempty"`
	Title           string      `json:"title"`
	InstallType     InstallType `json:"installType"`
	Repository      string      `json:"repository,omitempty"`
	Reference       string      `json:"reference,omitempty"`
	Files           []string    `json:"files,omitempty"`
	SelectedVersion string      `json:"selectedVersion,omitempty"`
	Description     string      `json:"description,omitempty"`
	Author          string      `json:"author,omitempty"`
	// State reflects the caller's view of whether the item is already
	// installed (enabled, disabled, updatable, ...). Empty means "not yet
	// installed".
	State string `json:"state,omitempty"`
}

// Decision enumerates a CompatibilityAuditor verdict.
type Decision string

const (
	DecisionInstallable Decision = "installable"
	DecisionWarning     Decision = "warning"
	DecisionBlocked     Decision = "blocked"
)

// PackDecision is the per-item output of the CompatibilityAuditor.
type PackDecision struct {
	Key      string   `json:"key"`
	Title    string   `json:"title"`
	Decision Decision `json:"decision"`
	Reasons  []string `json:"reasons"`
}

// Severity enumerates DiagnosticIssue severities.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// IssueID is drawn from a closed set so FixEngine can dispatch on it.
type IssueID string

const (
	IssueBackendDown               IssueID = "backend_down"
	IssueManagerRoutesMissing      IssueID = "manager_routes_missing"
	IssueVenvMissing               IssueID = "venv_missing"
	IssueManagerPkgMissing         IssueID = "manager_pkg_missing"
	IssueManagerImportRuntimeFailed IssueID = "manager_import_runtime_failed"
	IssuePipCheckFailed            IssueID = "pip_check_failed"
	IssueSSLCertIssue              IssueID = "ssl_cert_issue"
	IssuePipLogIssue               IssueID = "pip_log_issue"
	IssueRembgOnnxMissing          IssueID = "rembg_onnx_missing"
)

// DiagnosticIssue is a single typed, machine-actionable finding.
type DiagnosticIssue struct {
	ID       IssueID  `json:"id"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Cause    string   `json:"cause"`
	Evidence string   `json:"evidence"`
	Fix      string   `json:"fix"`
}

// ItemStatus enumerates the per-item status inside an InstallSession.
type ItemStatus string

const (
	ItemStatusPending ItemStatus = "pending"
	ItemStatusQueued  ItemStatus = "queued"
	ItemStatusDone    ItemStatus = "done"
	ItemStatusFailed  ItemStatus = "failed"
	ItemStatusSkipped ItemStatus = "skipped"
)

// SessionMode enumerates install vs uninstall sessions.
type SessionMode string

const (
	SessionModeInstall   SessionMode = "install"
	SessionModeUninstall SessionMode = "uninstall"
)

// SessionScope enumerates selected-only vs all-visible scope.
type SessionScope string

const (
	SessionScopeSelected    SessionScope = "selected"
	SessionScopeAllVisible  SessionScope = "allVisible"
)

// SessionItem tracks one CatalogItem's progress through an InstallSession.
type SessionItem struct {
	Key      string      `json:"key"`
	Title    string      `json:"title"`
	Selected bool        `json:"selected"`
	Status   ItemStatus  `json:"status"`
	Details  string      `json:"details,omitempty"`
}

// InstallSession is the long-running state of one InstallOrchestrator run.
type InstallSession struct {
	ID           string        `json:"id"`
	Mode         SessionMode   `json:"mode"`
	Scope        SessionScope  `json:"scope"`
	StartedAt    time.Time     `json:"startedAt"`
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Remaining    int           `json:"remaining"`
	CurrentChunk int           `json:"currentChunk"`
	TotalChunks  int           `json:"totalChunks"`
	Items        []SessionItem `json:"items"`
	Logs         []string      `json:"logs"`
	Running      bool          `json:"running"`
	Canceled     bool          `json:"canceled"`
	Status       string        `json:"status,omitempty"`
}

// RequirementConflict is one package's worth of unreconcilable specifiers.
type RequirementConflict struct {
	Package string   `json:"package"`
	Specs   []string `json:"specs"`
	Markers []string `json:"markers"`
	Reasons []string `json:"reasons"`
}

// DependencyAuditReport is the output of DepReconciler.
type DependencyAuditReport struct {
	FilesScanned               int                   `json:"filesScanned"`
	PackagesScanned             int                  `json:"packagesScanned"`
	Conflicts                   []RequirementConflict `json:"conflicts"`
	CompatibleRequirementCount  int                   `json:"compatibleRequirementCount"`
	CompatibleRequirementsPath  string                `json:"compatibleRequirementsPath"`
	IncompatibleRequirementsPath string               `json:"incompatibleRequirementsPath"`
	ReportPath                  string                `json:"reportPath"`
}

// CompatibilitySet is one verified, pinned-down dependency state for a
// particular hardware profile.
type CompatibilitySet struct {
	LockID            string                `json:"lockId"`
	CreatedAt         time.Time             `json:"createdAt"`
	HardwareProfile   string                `json:"hardwareProfile"`
	PipHealthy        bool                  `json:"pipHealthy"`
	PipCheckOutput    string                `json:"pipCheckOutput"`
	SelectedPackKeys  []string              `json:"selectedPackKeys"`
	SelectedPackIDs   []string              `json:"selectedPackIds"`
	DependencyLock    DependencyLock        `json:"dependencyLock"`
	DependencyAudit   DependencyAuditReport `json:"dependencyAudit"`
	CatalogAudit      []PackDecision        `json:"catalogAudit"`
}

// ApiKey is a single API key issued by the control plane.
type ApiKey struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
	Revoked   bool      `json:"revoked"`
}
