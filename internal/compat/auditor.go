// Package compat classifies catalog items against the current
// HardwareProfile (spec.md §4.5), using a data-table pattern list instead of
// embedded control flow (spec.md §9's design note), grounded on the
// teacher's embedded-CSV pattern in pkg/cogpack/compat/csv.go.
package compat

import (
	"embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-version"

	"github.com/modusnap/manager/internal/model"
)

//go:embed data/patterns.csv
var dataFS embed.FS

// patternRow is one row of the embedded hardware-pattern table.
type patternRow struct {
	Pattern   string `csv:"pattern"`
	Condition string `csv:"condition"` // no_nvidia | no_rocm | darwin_arm
	Decision  string `csv:"decision"`  // blocked | warning
	Reason    string `csv:"reason"`
}

// CompactThreshold is the batch size above which preflight output is
// compressed to non-installable items only (spec.md §4.5).
const CompactThreshold = 600

var requiresPythonRe = regexp.MustCompile(`python\s*(>=|<=|==|>|<|~=)\s*([0-9][0-9.]*)`)

// Auditor classifies CatalogItems against a HardwareProfile.
type Auditor struct {
	rows          []patternRow
	pythonVersion *version.Version
}

// New loads the embedded pattern table. pythonVersion, if non-nil, enables
// the requires-python signal.
func New(pythonVersion *version.Version) (*Auditor, error) {
	data, err := dataFS.ReadFile("data/patterns.csv")
	if err != nil {
		return nil, fmt.Errorf("reading embedded pattern table: %w", err)
	}
	var rows []patternRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing embedded pattern table: %w", err)
	}
	return &Auditor{rows: rows, pythonVersion: pythonVersion}, nil
}

// Classify returns the PackDecision for one item against profile.
func (a *Auditor) Classify(item model.CatalogItem, profile model.HardwareProfile) model.PackDecision {
	blob := strings.ToLower(strings.Join([]string{
		item.ID, item.Title, item.Author, item.Description, item.Repository, item.Reference, strings.Join(item.Files, " "),
	}, " "))

	decision := model.DecisionInstallable
	var reasons []string

	for _, row := range a.rows {
		if !strings.Contains(blob, strings.ToLower(row.Pattern)) {
			continue
		}
		if !conditionHolds(row.Condition, profile) {
			continue
		}
		d := model.Decision(row.Decision)
		reasons = append(reasons, row.Reason)
		decision = worseOf(decision, d)
	}

	if a.pythonVersion != nil {
		if ok, reason := checkRequiresPython(blob, a.pythonVersion); !ok {
			reasons = append(reasons, reason)
			decision = worseOf(decision, model.DecisionWarning)
		}
	}

	return model.PackDecision{
		Key:      item.UIKey,
		Title:    item.Title,
		Decision: decision,
		Reasons:  reasons,
	}
}

// checkRequiresPython looks for a "python<op><version>" hint in blob and
// evaluates it against the backend's locally probed interpreter version
// (the SYSTEM EXPANSION Python-version signal).
func checkRequiresPython(blob string, probed *version.Version) (ok bool, reason string) {
	m := requiresPythonRe.FindStringSubmatch(blob)
	if m == nil {
		return true, ""
	}
	constraint, err := version.NewConstraint(m[1] + m[2])
	if err != nil {
		return true, ""
	}
	if constraint.Check(probed) {
		return true, ""
	}
	return false, fmt.Sprintf("declares requires-python %s%s, local interpreter is %s", m[1], m[2], probed)
}

func conditionHolds(condition string, profile model.HardwareProfile) bool {
	switch condition {
	case "no_nvidia":
		return !profile.HasNvidia
	case "no_rocm":
		return !profile.HasRocm
	case "darwin_arm":
		return profile.IsDarwinArm
	default:
		return false
	}
}

func worseOf(a, b model.Decision) model.Decision {
	rank := map[model.Decision]int{
		model.DecisionInstallable: 0,
		model.DecisionWarning:     1,
		model.DecisionBlocked:     2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// PreflightSummary is the aggregate result over a batch of items.
type PreflightSummary struct {
	Total       int                 `json:"total"`
	Installable int                 `json:"installable"`
	Warning     int                 `json:"warning"`
	Blocked     int                 `json:"blocked"`
	BlockedKeys []string            `json:"blockedKeys"`
	PerItem     []model.PackDecision `json:"perItem"`
	GlobalWarnings []string         `json:"globalWarnings"`
	Compact     bool                `json:"compact"`
}

// Preflight classifies a batch of items, adding global warnings and
// compressing perItem output once the batch exceeds CompactThreshold
// entries (spec.md §4.5).
func (a *Auditor) Preflight(items []model.CatalogItem, profile model.HardwareProfile, pipHealthy bool) PreflightSummary {
	summary := PreflightSummary{Total: len(items)}

	for _, item := range items {
		d := a.Classify(item, profile)
		switch d.Decision {
		case model.DecisionInstallable:
			summary.Installable++
		case model.DecisionWarning:
			summary.Warning++
		case model.DecisionBlocked:
			summary.Blocked++
			summary.BlockedKeys = append(summary.BlockedKeys, d.Key)
		}
		summary.PerItem = append(summary.PerItem, d)
	}

	if !pipHealthy {
		summary.GlobalWarnings = append(summary.GlobalWarnings, "existing pip conflicts detected before this batch")
	}
	if len(items) > CompactThreshold {
		summary.GlobalWarnings = append(summary.GlobalWarnings, "large batch suggested to chunk")
		summary.Compact = true
		var compacted []model.PackDecision
		for _, d := range summary.PerItem {
			if d.Decision != model.DecisionInstallable {
				compacted = append(compacted, d)
			}
		}
		summary.PerItem = compacted
	}

	return summary
}
