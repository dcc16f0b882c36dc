package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modusnap/manager/internal/model"
)

func TestChunkSizeForSwitchesAboveTwoHundred(t *testing.T) {
	assert.Equal(t, 40, chunkSizeFor(200))
	assert.Equal(t, 20, chunkSizeFor(201))
	assert.Equal(t, 40, chunkSizeFor(1))
}

func TestMapActionKnownStates(t *testing.T) {
	assert.Equal(t, "install", mapAction("enable"))
	assert.Equal(t, "install", mapAction("switch"))
	assert.Equal(t, "install", mapAction("try-install"))
	assert.Equal(t, "update", mapAction("try-update"))
}

func TestMapActionUnknownStatePassesThrough(t *testing.T) {
	assert.Equal(t, "install", mapAction(""))
	assert.Equal(t, "custom-verb", mapAction("custom-verb"))
}

func TestClassifyInstallTypeCNRWithID(t *testing.T) {
	item := model.CatalogItem{ID: "pack-1", InstallType: model.InstallTypeCNR}
	resolved, ok, reason := classifyInstallType(item)
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.Equal(t, item, resolved)
}

func TestClassifyInstallTypeCNRRecoversGitURL(t *testing.T) {
	item := model.CatalogItem{InstallType: model.InstallTypeCNR, Reference: "https://github.com/example/repo"}
	resolved, ok, reason := classifyInstallType(item)
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.Equal(t, model.InstallTypeGitClone, resolved.InstallType)
	assert.Equal(t, "https://github.com/example/repo", resolved.Repository)
}

func TestClassifyInstallTypeCNRUnrecoverable(t *testing.T) {
	item := model.CatalogItem{InstallType: model.InstallTypeCNR}
	_, ok, reason := classifyInstallType(item)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestClassifyInstallTypeGitCloneRequiresRepository(t *testing.T) {
	_, ok, reason := classifyInstallType(model.CatalogItem{InstallType: model.InstallTypeGitClone})
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	resolved, ok, _ := classifyInstallType(model.CatalogItem{InstallType: model.InstallTypeGitClone, Repository: "https://example.com/x"})
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/x", resolved.Repository)
}

func TestClassifyInstallTypeUnknownPassesThrough(t *testing.T) {
	item := model.CatalogItem{InstallType: model.InstallTypeUnknown}
	resolved, ok, _ := classifyInstallType(item)
	assert.True(t, ok)
	assert.Equal(t, item, resolved)
}

func TestRecoverGitURLPrefersRepository(t *testing.T) {
	item := model.CatalogItem{Repository: "repo-url", Reference: "ref-url"}
	assert.Equal(t, "repo-url", recoverGitURL(item))
}

func TestRecoverGitURLFallsBackToReference(t *testing.T) {
	item := model.CatalogItem{Reference: "https://example.com/ref"}
	assert.Equal(t, "https://example.com/ref", recoverGitURL(item))
}

func TestRecoverGitURLFallsBackToFiles(t *testing.T) {
	item := model.CatalogItem{Files: []string{"readme.md", "https://example.com/file.zip"}}
	assert.Equal(t, "https://example.com/file.zip", recoverGitURL(item))
}

func TestRecoverGitURLEmptyWhenNothingFound(t *testing.T) {
	assert.Empty(t, recoverGitURL(model.CatalogItem{Files: []string{"readme.md"}}))
}

func TestCatalogItemToPayloadIncludesCoreFields(t *testing.T) {
	item := model.CatalogItem{ID: "p1", Title: "Pack", InstallType: model.InstallTypeGitClone, Repository: "repo", Reference: "ref", Files: []string{"a"}, SelectedVersion: "1.0"}
	payload := catalogItemToPayload(item)
	assert.Equal(t, "p1", payload["id"])
	assert.Equal(t, "Pack", payload["title"])
	assert.Equal(t, "git-clone", payload["install_type"])
	assert.Equal(t, "repo", payload["repository"])
	assert.Equal(t, "1.0", payload["version"])
}
