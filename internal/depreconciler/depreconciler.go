// Package depreconciler parses the third-party requirement files scattered
// across a backend's custom_nodes/ tree and reconciles them into a single
// compatible constraint set or an explicit conflict report (spec.md §4.4).
// Grounded on the teacher's compat package (pkg/cogpack/compat), which does
// the analogous job of intersecting version constraints across declared
// dependencies, generalized from cog's single cog.yaml to many third-party
// requirements*.txt files and using github.com/hashicorp/go-version for
// bound comparisons instead of a bespoke comparator.
package depreconciler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/modusnap/manager/internal/model"
)

// MaxConflicts caps the conflicts list emitted in the report (spec.md §4.4.7).
const MaxConflicts = 200

var requirementFileName = regexp.MustCompile(`(^|/)(requirements.*\.txt|.*requirements.*\.txt)$`)

// reqLine is one parsed requirement-file line.
type reqLine struct {
	pkg        string
	specifier  string
	marker     string
	origin     string
	unparsed   bool
}

var lineRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*((?:[=!<>~]=?=?[^\s;,]+(?:\s*,\s*[=!<>~]=?=?[^\s;,]+)*)?)\s*(?:;\s*(.*))?$`)

// Reconciler scans one backend directory's custom_nodes tree.
type Reconciler struct {
	BackendDir string
}

// New builds a Reconciler bound to a backend directory.
func New(backendDir string) *Reconciler {
	return &Reconciler{BackendDir: backendDir}
}

// Run performs the full scan → parse → intersect → emit pipeline, writing
// the compatible/incompatible requirement files and the JSON report under
// outDir, and returns the DependencyAuditReport.
func (r *Reconciler) Run(outDir string) (model.DependencyAuditReport, error) {
	files, err := r.enumerateRequirementFiles()
	if err != nil {
		return model.DependencyAuditReport{}, fmt.Errorf("enumerating requirement files: %w", err)
	}

	var lines []reqLine
	for _, f := range files {
		parsed, err := parseRequirementFile(f)
		if err != nil {
			continue
		}
		lines = append(lines, parsed...)
	}

	grouped := groupByPackage(lines)

	var compatible []string
	var conflicts []model.RequirementConflict
	pkgNames := make([]string, 0, len(grouped))
	for pkg := range grouped {
		pkgNames = append(pkgNames, pkg)
	}
	sort.Strings(pkgNames)

	for _, pkg := range pkgNames {
		entries := grouped[pkg]
		normalized, conflict, ok := intersect(pkg, entries)
		if ok {
			compatible = append(compatible, normalized)
		} else {
			conflicts = append(conflicts, conflict)
		}
	}

	if len(conflicts) > MaxConflicts {
		conflicts = conflicts[:MaxConflicts]
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return model.DependencyAuditReport{}, fmt.Errorf("creating output dir: %w", err)
	}

	compatPath := filepath.Join(outDir, "compatibleRequirements.txt")
	incompatPath := filepath.Join(outDir, "incompatibleRequirements.txt")
	reportPath := filepath.Join(outDir, "dependencyCompatibilityReport.json")

	if err := os.WriteFile(compatPath, []byte(strings.Join(compatible, "\n")+"\n"), 0o644); err != nil {
		return model.DependencyAuditReport{}, fmt.Errorf("writing compatible requirements: %w", err)
	}

	var incompatLines []string
	for _, c := range conflicts {
		incompatLines = append(incompatLines, formatIncompatibleLine(c))
	}
	if err := os.WriteFile(incompatPath, []byte(strings.Join(incompatLines, "\n")+"\n"), 0o644); err != nil {
		return model.DependencyAuditReport{}, fmt.Errorf("writing incompatible requirements: %w", err)
	}

	report := model.DependencyAuditReport{
		FilesScanned:                 len(files),
		PackagesScanned:              len(pkgNames),
		Conflicts:                    conflicts,
		CompatibleRequirementCount:   len(compatible),
		CompatibleRequirementsPath:   compatPath,
		IncompatibleRequirementsPath: incompatPath,
		ReportPath:                   reportPath,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return model.DependencyAuditReport{}, fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(reportPath, data, 0o644); err != nil {
		return model.DependencyAuditReport{}, fmt.Errorf("writing report: %w", err)
	}

	return report, nil
}

func (r *Reconciler) enumerateRequirementFiles() ([]string, error) {
	root := filepath.Join(r.BackendDir, "custom_nodes")
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // missing custom_nodes or a transient stat error is tolerated, not fatal
		}
		if info.IsDir() {
			return nil
		}
		if strings.Contains(path, ".disabled") {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if requirementFileName.MatchString(filepath.Base(path)) || requirementFileName.MatchString(rel) {
			out = append(out, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

func parseRequirementFile(path string) ([]reqLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []reqLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "-r") || strings.HasPrefix(line, "--") {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			out = append(out, reqLine{origin: path, unparsed: true})
			continue
		}
		out = append(out, reqLine{
			pkg:       strings.ToLower(m[1]),
			specifier: strings.ReplaceAll(m[2], " ", ""),
			marker:    strings.TrimSpace(m[3]),
			origin:    path,
		})
	}
	return out, scanner.Err()
}

func groupByPackage(lines []reqLine) map[string][]reqLine {
	grouped := map[string][]reqLine{}
	for _, l := range lines {
		if l.unparsed || l.pkg == "" {
			continue
		}
		grouped[l.pkg] = append(grouped[l.pkg], l)
	}
	return grouped
}

type bound struct {
	value     *version.Version
	inclusive bool
	raw       string
}

// intersect computes the normalized compatible specifier for one package's
// collected requirement entries, or a RequirementConflict if no consistent
// intersection exists (spec.md §4.4.5-6).
func intersect(pkg string, entries []reqLine) (normalized string, conflict model.RequirementConflict, ok bool) {
	conflict = model.RequirementConflict{Package: pkg}

	var exact *bound
	var lower, upper *bound
	var excluded []*version.Version
	var reasons []string
	notAnalyzable := false

	for _, e := range entries {
		conflict.Specs = append(conflict.Specs, e.specifier)
		if e.marker != "" {
			conflict.Markers = append(conflict.Markers, e.marker)
		}
		if e.specifier == "" {
			continue
		}
		for _, clause := range strings.Split(e.specifier, ",") {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}
			op, val, valid := splitOperator(clause)
			if !valid {
				notAnalyzable = true
				reasons = append(reasons, fmt.Sprintf("unrecognized operator in %q", clause))
				continue
			}
			switch op {
			case "==":
				v, err := version.NewVersion(val)
				if err != nil {
					notAnalyzable = true
					reasons = append(reasons, fmt.Sprintf("unparsable exact version %q", val))
					continue
				}
				if exact != nil && !exact.value.Equal(v) {
					reasons = append(reasons, fmt.Sprintf("conflicting exact pins %s and %s", exact.value, v))
					conflict.Reasons = dedupAppend(conflict.Reasons, reasons...)
					return "", conflict, false
				}
				exact = &bound{value: v, inclusive: true, raw: val}
			case "===":
				notAnalyzable = true
				reasons = append(reasons, fmt.Sprintf("arbitrary-equality specifier %q is not fully analyzable", clause))
			case "!=":
				v, err := version.NewVersion(val)
				if err == nil {
					excluded = append(excluded, v)
				}
			case ">", ">=":
				v, err := version.NewVersion(val)
				if err != nil {
					notAnalyzable = true
					continue
				}
				inclusive := op == ">="
				if lower == nil || v.GreaterThan(lower.value) || (v.Equal(lower.value) && inclusive && !lower.inclusive) {
					lower = &bound{value: v, inclusive: inclusive, raw: val}
				}
			case "<", "<=":
				v, err := version.NewVersion(val)
				if err != nil {
					notAnalyzable = true
					continue
				}
				inclusive := op == "<="
				if upper == nil || v.LessThan(upper.value) || (v.Equal(upper.value) && inclusive && !upper.inclusive) {
					upper = &bound{value: v, inclusive: inclusive, raw: val}
				}
			case "~=":
				v, err := version.NewVersion(val)
				if err != nil {
					notAnalyzable = true
					continue
				}
				next, err := nextBoundary(val)
				if err != nil {
					notAnalyzable = true
					continue
				}
				if lower == nil || v.GreaterThan(lower.value) {
					lower = &bound{value: v, inclusive: true, raw: val}
				}
				if upper == nil || next.LessThan(upper.value) {
					upper = &bound{value: next, inclusive: false, raw: next.String()}
				}
			default:
				notAnalyzable = true
				reasons = append(reasons, fmt.Sprintf("unrecognized operator %q", op))
			}
		}
	}

	if notAnalyzable {
		conflict.Reasons = dedupAppend(conflict.Reasons, reasons...)
		if len(conflict.Reasons) == 0 {
			conflict.Reasons = []string{"contains a not-fully-analyzable specifier"}
		}
		return "", conflict, false
	}

	if lower != nil && upper != nil {
		switch {
		case lower.value.GreaterThan(upper.value):
			reasons = append(reasons, fmt.Sprintf("lower bound %s is greater than upper bound %s", lower.raw, upper.raw))
		case lower.value.Equal(upper.value) && (!lower.inclusive || !upper.inclusive):
			reasons = append(reasons, fmt.Sprintf("lower bound %s and upper bound %s are equal with an exclusive side", lower.raw, upper.raw))
		}
	}
	if exact != nil {
		if lower != nil && !satisfiesLower(exact.value, lower) {
			reasons = append(reasons, fmt.Sprintf("exact pin %s is outside lower bound %s", exact.raw, lower.raw))
		}
		if upper != nil && !satisfiesUpper(exact.value, upper) {
			reasons = append(reasons, fmt.Sprintf("exact pin %s is outside upper bound %s", exact.raw, upper.raw))
		}
		for _, ex := range excluded {
			if exact.value.Equal(ex) {
				reasons = append(reasons, fmt.Sprintf("exact pin %s is excluded by !=%s", exact.raw, ex))
			}
		}
	}

	if len(reasons) > 0 {
		conflict.Reasons = dedupAppend(conflict.Reasons, reasons...)
		return "", conflict, false
	}

	return pkg + normalizedSpecifier(exact, lower, upper, excluded), model.RequirementConflict{}, true
}

func satisfiesLower(v *version.Version, lower *bound) bool {
	if lower.inclusive {
		return !v.LessThan(lower.value)
	}
	return v.GreaterThan(lower.value)
}

func satisfiesUpper(v *version.Version, upper *bound) bool {
	if upper.inclusive {
		return !v.GreaterThan(upper.value)
	}
	return v.LessThan(upper.value)
}

func normalizedSpecifier(exact, lower, upper *bound, excluded []*version.Version) string {
	if exact != nil {
		return "==" + exact.raw
	}
	var parts []string
	if lower != nil {
		op := ">"
		if lower.inclusive {
			op = ">="
		}
		parts = append(parts, op+lower.raw)
	}
	if upper != nil {
		op := "<"
		if upper.inclusive {
			op = "<="
		}
		parts = append(parts, op+upper.raw)
	}
	for _, ex := range excluded {
		parts = append(parts, "!="+ex.String())
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ",")
}

// nextBoundary implements PEP 440's ~= upper-bound rule: bump the
// second-to-last release component, or the major if only one component.
func nextBoundary(raw string) (*version.Version, error) {
	segments := strings.Split(strings.SplitN(raw, "+", 2)[0], ".")
	if len(segments) < 1 {
		return nil, fmt.Errorf("cannot compute compatible-release boundary for %q", raw)
	}
	bumpIdx := len(segments) - 2
	if bumpIdx < 0 {
		bumpIdx = 0
	}
	n, err := strconv.Atoi(segments[bumpIdx])
	if err != nil {
		return nil, fmt.Errorf("non-numeric version component %q: %w", segments[bumpIdx], err)
	}
	out := make([]string, bumpIdx+1)
	copy(out, segments[:bumpIdx])
	out[bumpIdx] = strconv.Itoa(n + 1)
	return version.NewVersion(strings.Join(out, "."))
}

var operators = []string{"===", "~=", "==", "!=", ">=", "<=", ">", "<"}

func splitOperator(clause string) (op, val string, ok bool) {
	for _, candidate := range operators {
		if strings.HasPrefix(clause, candidate) {
			return candidate, strings.TrimSpace(clause[len(candidate):]), true
		}
	}
	return "", "", false
}

func dedupAppend(existing []string, extra ...string) []string {
	seen := make(map[string]bool, len(existing))
	var out []string
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func formatIncompatibleLine(c model.RequirementConflict) string {
	return fmt.Sprintf("%s :: %s :: %s", c.Package, strings.Join(c.Specs, " | "), strings.Join(c.Reasons, "; "))
}
