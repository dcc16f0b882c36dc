package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modusnap/manager/internal/model"
)

func TestContainsPipErrorMarkerRequiresPipAndASignal(t *testing.T) {
	assert.True(t, containsPipErrorMarker("pip: ERROR: dependency conflict detected"))
	assert.False(t, containsPipErrorMarker("ERROR: something unrelated failed"))
	assert.False(t, containsPipErrorMarker("pip install succeeded"))
}

func TestEmitIssuesBackendDownTakesPrecedenceOverManagerEndpoint(t *testing.T) {
	e := &Engine{}
	issues := e.emitIssues(Report{BackendUp: false, ManagerEndpoint: "", VenvPresent: true}, "")
	if assert.Len(t, issues, 1) {
		assert.Equal(t, model.IssueBackendDown, issues[0].ID)
	}
}

func TestEmitIssuesManagerRoutesMissingWhenBackendUp(t *testing.T) {
	e := &Engine{}
	issues := e.emitIssues(Report{BackendUp: true, ManagerEndpoint: "", VenvPresent: true}, "")
	if assert.Len(t, issues, 1) {
		assert.Equal(t, model.IssueManagerRoutesMissing, issues[0].ID)
	}
}

func TestEmitIssuesVenvMissing(t *testing.T) {
	e := &Engine{}
	issues := e.emitIssues(Report{BackendUp: true, ManagerEndpoint: "x", VenvPresent: false}, "")
	if assert.Len(t, issues, 1) {
		assert.Equal(t, model.IssueVenvMissing, issues[0].ID)
	}
}

func TestEmitIssuesManagerPkgMissingOnlyWhenDeep(t *testing.T) {
	e := &Engine{}
	r := Report{BackendUp: true, ManagerEndpoint: "", VenvPresent: true, Deep: true, ManagerDetected: false}
	issues := e.emitIssues(r, "")
	ids := issueIDs(issues)
	assert.Contains(t, ids, model.IssueManagerPkgMissing)
}

func TestEmitIssuesManagerImportRuntimeFailed(t *testing.T) {
	e := &Engine{}
	r := Report{BackendUp: true, ManagerEndpoint: "", VenvPresent: true, ManagerDetected: true, ManagerImportOK: false}
	issues := e.emitIssues(r, "")
	ids := issueIDs(issues)
	assert.Contains(t, ids, model.IssueManagerImportRuntimeFailed)
}

func TestEmitIssuesPipCheckFailedOnlyWhenDeep(t *testing.T) {
	e := &Engine{}
	r := Report{BackendUp: true, ManagerEndpoint: "x", VenvPresent: true, Deep: true, PipHealthy: false}
	issues := e.emitIssues(r, "")
	ids := issueIDs(issues)
	assert.Contains(t, ids, model.IssuePipCheckFailed)

	r.Deep = false
	issues = e.emitIssues(r, "")
	assert.NotContains(t, issueIDs(issues), model.IssuePipCheckFailed)
}

func TestEmitIssuesSSLCertMarker(t *testing.T) {
	e := &Engine{}
	r := Report{BackendUp: true, ManagerEndpoint: "x", VenvPresent: true}
	issues := e.emitIssues(r, "oh no CERTIFICATE_VERIFY_FAILED happened")
	assert.Contains(t, issueIDs(issues), model.IssueSSLCertIssue)
}

func TestEmitIssuesOnnxMarker(t *testing.T) {
	e := &Engine{}
	r := Report{BackendUp: true, ManagerEndpoint: "x", VenvPresent: true}
	issues := e.emitIssues(r, "no onnxruntime backend found for rembg")
	assert.Contains(t, issueIDs(issues), model.IssueRembgOnnxMissing)
}

func TestEmitIssuesHealthyReportHasNoIssues(t *testing.T) {
	e := &Engine{}
	r := Report{BackendUp: true, ManagerEndpoint: "x", VenvPresent: true, Deep: true, PipHealthy: true, ManagerDetected: true, ManagerImportOK: true}
	issues := e.emitIssues(r, "all clear")
	assert.Empty(t, issues)
}

func issueIDs(issues []model.DiagnosticIssue) []model.IssueID {
	ids := make([]model.IssueID, len(issues))
	for i, iss := range issues {
		ids[i] = iss.ID
	}
	return ids
}
