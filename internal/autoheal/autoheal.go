// Package autoheal is the bounded heuristic loop that attempts to drive
// `pip check` back to green after a dirty install (spec.md §4.7.1),
// modeled as spec.md §9 directs: a small rule engine over a data-table
// ruleset (not embedded control flow) plus an explicit termination oracle.
// The ruleset is grounded on the teacher's embedded-CSV idiom
// (pkg/cogpack/compat/csv.go), generalized from compatibility rows to
// canned pip-install recipes.
package autoheal

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/modusnap/manager/internal/subprocess"
)

//go:embed data/recipes.csv
var dataFS embed.FS

// MaxRounds bounds both the AutoHeal loop and the Prune loop (spec.md
// §4.7.1).
const MaxRounds = 6

var protectedPackages = map[string]bool{
	"pip": true, "setuptools": true, "wheel": true,
	"torch": true, "torchvision": true, "torchaudio": true,
	"comfyui-manager": true, "comfyui_frontend_package": true,
}

type recipeRow struct {
	Name      string `csv:"name"`
	Signature string `csv:"signature"`
	Steps     string `csv:"steps"`
}

// Recipe is one canned conflict-signature → install-sequence rule. Steps
// run in order as separate "pip install" invocations — some recipes (the
// shaderflow/gradio family, spec.md §6.3) require a baseline install
// followed by a second, conflicting --no-deps install, not a single pip
// invocation.
type Recipe struct {
	Name       string
	Signatures []string
	Steps      [][]string
}

func loadRecipes() ([]Recipe, error) {
	data, err := dataFS.ReadFile("data/recipes.csv")
	if err != nil {
		return nil, fmt.Errorf("reading embedded recipe table: %w", err)
	}
	var rows []recipeRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing embedded recipe table: %w", err)
	}
	var recipes []Recipe
	for _, r := range rows {
		var steps [][]string
		for _, step := range strings.Split(r.Steps, ";") {
			steps = append(steps, strings.Split(step, "|"))
		}
		recipes = append(recipes, Recipe{
			Name:       r.Name,
			Signatures: strings.Split(r.Signature, "|"),
			Steps:      steps,
		})
	}
	return recipes, nil
}

var (
	hasRequirementRe = regexp.MustCompile(`has requirement ([^,]+), but you have`)
	requiresRe       = regexp.MustCompile(`requires ([^,]+), which is not installed\.`)
	parentPkgRe      = regexp.MustCompile(`^(\S+) [^\s]* has requirement`)
)

// Round is one AutoHeal or Prune iteration's log.
type Round struct {
	Number int    `json:"number"`
	Action string `json:"action"`
	Output string `json:"output"`
	OK     bool   `json:"ok"`
}

// Result is the outcome of a full AutoHeal (and, if needed, Prune) run.
type Result struct {
	Healed           bool     `json:"healed"`
	Rounds           []Round  `json:"rounds"`
	PrunedPackages   []string `json:"prunedPackages"`
	FinalCheckOutput string   `json:"finalCheckOutput"`
}

const pipTimeout = 10 * time.Minute
const checkTimeout = 2 * time.Minute

// Run drives pip check toward green, trying canned recipes first, then
// required-spec extraction, then (if still unhealthy) package pruning.
// knownPackages is the union of names declared in requirements.txt,
// manager_requirements.txt, and compatibleRequirements.txt — never pruned.
func Run(ctx context.Context, runner *subprocess.Runner, knownPackages []string) (Result, error) {
	recipes, err := loadRecipes()
	if err != nil {
		return Result{}, err
	}

	protected := make(map[string]bool, len(protectedPackages)+len(knownPackages))
	for k := range protectedPackages {
		protected[k] = true
	}
	for _, k := range knownPackages {
		protected[strings.ToLower(k)] = true
	}

	result := Result{}
	seenSpecSets := map[string]bool{}

	check := runner.RunPipModule(ctx, checkTimeout, "check")
	for round := 1; round <= MaxRounds; round++ {
		if check.OK {
			result.Healed = true
			break
		}

		if recipe := matchRecipe(recipes, check.Output); recipe != nil {
			for _, args := range recipe.Steps {
				install := runner.RunPipModule(ctx, pipTimeout, append([]string{"install"}, args...)...)
				result.Rounds = append(result.Rounds, Round{Number: round, Action: "recipe:" + recipe.Name, Output: install.Output, OK: install.OK})
			}
			check = runner.RunPipModule(ctx, checkTimeout, "check")
			continue
		}

		specs := extractRequiredSpecs(check.Output)
		key := strings.Join(specs, ",")
		if len(specs) == 0 || seenSpecSets[key] {
			break
		}
		seenSpecSets[key] = true

		install := runner.RunPipModule(ctx, pipTimeout, append([]string{"install"}, specs...)...)
		result.Rounds = append(result.Rounds, Round{Number: round, Action: "install-extracted-specs", Output: install.Output, OK: install.OK})
		check = runner.RunPipModule(ctx, checkTimeout, "check")
	}

	if check.OK {
		result.Healed = true
		result.FinalCheckOutput = check.Output
		return result, nil
	}

	// No progress via recipes/extraction: enter Prune mode.
	pruneResult := prune(ctx, runner, check, protected)
	result.PrunedPackages = pruneResult.removed
	result.Rounds = append(result.Rounds, pruneResult.rounds...)
	result.Healed = pruneResult.healed
	result.FinalCheckOutput = pruneResult.finalOutput
	return result, nil
}

type pruneOutcome struct {
	removed     []string
	rounds      []Round
	healed      bool
	finalOutput string
}

func prune(ctx context.Context, runner *subprocess.Runner, check subprocess.Result, protected map[string]bool) pruneOutcome {
	out := pruneOutcome{finalOutput: check.Output}
	removedSet := map[string]bool{}

	for round := 1; round <= MaxRounds; round++ {
		if check.OK {
			out.healed = true
			break
		}

		parents := extractParentPackages(check.Output)
		var toRemove []string
		for _, p := range parents {
			lower := strings.ToLower(p)
			if protected[lower] || removedSet[lower] {
				continue
			}
			removedSet[lower] = true
			toRemove = append(toRemove, p)
		}
		if len(toRemove) == 0 {
			break
		}

		uninstall := runner.RunPipModule(ctx, pipTimeout, append([]string{"uninstall", "-y"}, toRemove...)...)
		out.rounds = append(out.rounds, Round{Number: round, Action: "prune:uninstall", Output: uninstall.Output, OK: uninstall.OK})

		reinstall := runner.RunPipModule(ctx, pipTimeout, "install", "-r", "requirements.txt")
		out.rounds = append(out.rounds, Round{Number: round, Action: "prune:reinstall-requirements", Output: reinstall.Output, OK: reinstall.OK})
		reinstallMgr := runner.RunPipModule(ctx, pipTimeout, "install", "-r", "manager_requirements.txt")
		out.rounds = append(out.rounds, Round{Number: round, Action: "prune:reinstall-manager-requirements", Output: reinstallMgr.Output, OK: reinstallMgr.OK})

		check = runner.RunPipModule(ctx, checkTimeout, "check")
		out.finalOutput = check.Output
	}

	for pkg := range removedSet {
		out.removed = append(out.removed, pkg)
	}
	sort.Strings(out.removed)
	return out
}

func matchRecipe(recipes []Recipe, output string) *Recipe {
	lower := strings.ToLower(output)
	for i := range recipes {
		for _, sig := range recipes[i].Signatures {
			if sig != "" && strings.Contains(lower, strings.ToLower(sig)) {
				return &recipes[i]
			}
		}
	}
	return nil
}

func extractRequiredSpecs(output string) []string {
	var specs []string
	for _, m := range hasRequirementRe.FindAllStringSubmatch(output, -1) {
		specs = append(specs, strings.TrimSpace(m[1]))
	}
	for _, m := range requiresRe.FindAllStringSubmatch(output, -1) {
		specs = append(specs, strings.TrimSpace(m[1]))
	}
	sort.Strings(specs)
	return dedup(specs)
}

func extractParentPackages(output string) []string {
	var parents []string
	for _, line := range strings.Split(output, "\n") {
		if m := parentPkgRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			parents = append(parents, m[1])
		}
	}
	sort.Strings(parents)
	return dedup(parents)
}

func dedup(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
