package autoheal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusnap/manager/internal/subprocess"
)

func TestLoadRecipesParsesEmbeddedTable(t *testing.T) {
	recipes, err := loadRecipes()
	require.NoError(t, err)
	require.NotEmpty(t, recipes)

	var names []string
	for _, r := range recipes {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "shaderflow_gradio_family")
	assert.Contains(t, names, "fastapi_sse_starlette")
	assert.Contains(t, names, "typer_click")
}

func TestMatchRecipeFindsShaderflowFamily(t *testing.T) {
	recipes, err := loadRecipes()
	require.NoError(t, err)

	recipe := matchRecipe(recipes, "ERROR: shaderflow 0.9.0 has requirement rembg==2.0.69, but you have rembg 2.0.50.")
	require.NotNil(t, recipe)
	assert.Equal(t, "shaderflow_gradio_family", recipe.Name)
	require.Len(t, recipe.Steps, 2)
	assert.Contains(t, recipe.Steps[0], "scipy~=1.15.3")
	assert.Contains(t, recipe.Steps[1], "--no-deps")
	assert.Contains(t, recipe.Steps[1], "shaderflow==0.9.1")
}

func TestLoadRecipesSingleRowPerSignature(t *testing.T) {
	recipes, err := loadRecipes()
	require.NoError(t, err)

	matches := 0
	for _, r := range recipes {
		for _, sig := range r.Signatures {
			if sig == "shaderflow" {
				matches++
			}
		}
	}
	assert.Equal(t, 1, matches, "shaderflow should match exactly one recipe row, not split across two rows with identical signatures")
}

func TestMatchRecipeCaseInsensitive(t *testing.T) {
	recipes, err := loadRecipes()
	require.NoError(t, err)

	recipe := matchRecipe(recipes, "Conflict: TYPER requires click<8.2")
	require.NotNil(t, recipe)
	assert.Equal(t, "typer_click", recipe.Name)
}

func TestMatchRecipeNoMatch(t *testing.T) {
	recipes, err := loadRecipes()
	require.NoError(t, err)

	recipe := matchRecipe(recipes, "everything is fine, pip check reported no broken requirements")
	assert.Nil(t, recipe)
}

func TestExtractRequiredSpecsHasRequirementPattern(t *testing.T) {
	out := "comfyui-manager 3.0 has requirement requests>=2.31, but you have requests 2.25.\n" +
		"another-pkg 1.0 has requirement urllib3<3, but you have urllib3 3.1."
	specs := extractRequiredSpecs(out)
	assert.ElementsMatch(t, []string{"requests>=2.31", "urllib3<3"}, specs)
}

func TestExtractRequiredSpecsRequiresPattern(t *testing.T) {
	out := "comfyui-manager 3.0 requires packaging>=23, which is not installed."
	specs := extractRequiredSpecs(out)
	assert.Equal(t, []string{"packaging>=23"}, specs)
}

func TestExtractRequiredSpecsDedupsAndSorts(t *testing.T) {
	out := "a 1.0 has requirement zeta==1, but you have zeta 0.\n" +
		"b 1.0 has requirement alpha==1, but you have alpha 0.\n" +
		"c 1.0 has requirement alpha==1, but you have alpha 0."
	specs := extractRequiredSpecs(out)
	assert.Equal(t, []string{"alpha==1", "zeta==1"}, specs)
}

func TestExtractRequiredSpecsEmptyOnCleanOutput(t *testing.T) {
	assert.Empty(t, extractRequiredSpecs("No broken requirements found."))
}

func TestExtractParentPackagesParsesFirstToken(t *testing.T) {
	out := "shaderflow 0.9.0 has requirement rembg==2.0.69, but you have rembg 2.0.50.\n" +
		"depthflow 1.2.0 has requirement scipy~=1.15.3, but you have scipy 1.10.0."
	parents := extractParentPackages(out)
	assert.Equal(t, []string{"depthflow", "shaderflow"}, parents)
}

func TestDedupPreservesOrderOfFirstOccurrence(t *testing.T) {
	out := dedup([]string{"b", "a", "b", "c", "a"})
	assert.Equal(t, []string{"b", "a", "c"}, out)
}

// TestRunAppliesBothShaderflowStepsInOneRound drives Run() against a fake
// pip that fails check with the shaderflow/gradio signature until it has
// seen both recipe steps installed, proving the matched recipe's full
// step sequence runs before the next check rather than getting stuck
// re-matching its own first step forever.
func TestRunAppliesBothShaderflowStepsInOneRound(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "calls.log")
	require.NoError(t, os.WriteFile(logFile, nil, 0o644))
	t.Setenv("AUTOHEAL_TEST_LOG", logFile)

	script := `#!/bin/sh
echo "$@" >> "$AUTOHEAL_TEST_LOG"
if [ "$3" = "check" ]; then
  calls=$(grep -c '^-m pip check$' "$AUTOHEAL_TEST_LOG")
  if [ "$calls" -ge 2 ]; then
    echo "No broken requirements found."
    exit 0
  fi
  echo "shaderflow 0.9.0 has requirement rembg==2.0.69, but you have rembg 2.0.50."
  exit 1
fi
echo installed
exit 0
`
	scriptPath := filepath.Join(t.TempDir(), "fake-pip.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	runner := subprocess.NewRunner(scriptPath, t.TempDir())
	result, err := Run(context.Background(), runner, nil)
	require.NoError(t, err)

	assert.True(t, result.Healed)
	require.Len(t, result.Rounds, 2)
	assert.Equal(t, result.Rounds[0].Number, result.Rounds[1].Number)
	assert.Equal(t, "recipe:shaderflow_gradio_family", result.Rounds[0].Action)
	assert.Equal(t, "recipe:shaderflow_gradio_family", result.Rounds[1].Action)
}
