// Package server exposes the control plane's RPC surface (spec.md §6.5)
// over plain HTTP, grounded on the teacher's coglet HTTP daemon
// (coglet/internal/server/mux.go), which uses Go 1.22's method+pattern
// net/http.ServeMux instead of a third-party router — the same choice made
// here.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/modusnap/manager/internal/apikey"
	"github.com/modusnap/manager/internal/apperr"
	"github.com/modusnap/manager/internal/compat"
	"github.com/modusnap/manager/internal/config"
	"github.com/modusnap/manager/internal/depreconciler"
	"github.com/modusnap/manager/internal/diagnostics"
	"github.com/modusnap/manager/internal/engineclient"
	"github.com/modusnap/manager/internal/fixengine"
	"github.com/modusnap/manager/internal/logging"
	"github.com/modusnap/manager/internal/model"
	"github.com/modusnap/manager/internal/orchestrator"
	"github.com/modusnap/manager/internal/txengine"
	"github.com/modusnap/manager/internal/txstore"
)

// Server wires every component together behind the §6.5 RPC surface.
type Server struct {
	Backend      model.BackendLocation
	Client       *engineclient.Client
	TxStore      *txstore.Store
	TxEngine     *txengine.Engine
	Diagnostics  *diagnostics.Engine
	FixEngine    *fixengine.Engine
	Orchestrator *orchestrator.Orchestrator
	Auditor      *compat.Auditor
	Reconciler   *depreconciler.Reconciler
	ApiKeys      *apikey.Store
	PolicyTable  config.PolicyTable
	Logger       *logging.Logger
	Tier         string
	HardwareProfile model.HardwareProfile
}

// NewMux builds the HTTP handler for the whole control plane.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /backend/status", s.withAuth(s.handleBackendStatus))
	mux.HandleFunc("GET /backend/logs", s.withAuth(s.handleBackendLogs))
	mux.HandleFunc("GET /env/status", s.withAuth(s.handleEnvStatus))
	mux.HandleFunc("POST /env/plan", s.withAuth(s.handleEnvPlan))
	mux.HandleFunc("POST /env/apply", s.withAuth(s.handleEnvApply))
	mux.HandleFunc("POST /env/rollback", s.withAuth(s.handleEnvRollback))
	mux.HandleFunc("GET /env/list", s.withAuth(s.handleEnvList))
	mux.HandleFunc("GET /env/get", s.withAuth(s.handleEnvGet))
	mux.HandleFunc("GET /diagnostics/status", s.withAuth(s.handleDiagnosticsStatus))
	mux.HandleFunc("POST /diagnostics/fix", s.withAuth(s.handleDiagnosticsFix))
	mux.HandleFunc("POST /manager/batch", s.withAuth(s.handleManagerBatch))
	mux.HandleFunc("GET /manager/catalog/compatibility", s.withAuth(s.handleCompatibilityGet))
	mux.HandleFunc("POST /manager/catalog/compatibility", s.withAuth(s.handleCompatibilityPost))
	mux.HandleFunc("POST /manager/preflight", s.withAuth(s.handlePreflight))
	mux.HandleFunc("POST /manager/sizeEstimate", s.withAuth(s.handleSizeEstimate))
	mux.HandleFunc("POST /apikeys", s.withAuth(s.handleApiKeyCreate))
	mux.HandleFunc("GET /apikeys", s.withAuth(s.handleApiKeyList))
	mux.HandleFunc("POST /apikeys/revoke", s.withAuth(s.handleApiKeyRevoke))
	mux.HandleFunc("GET /health-check", s.handleHealthCheck)

	return mux
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ApiKeys == nil {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || !s.ApiKeys.Validate(raw) {
			writeError(w, apperr.InvalidArg("missing or invalid API key"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusForCode maps the apperr taxonomy onto HTTP statuses.
func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeBackendDirNotFound:
		return http.StatusInternalServerError
	case apperr.CodeBackendUnreachable:
		return http.StatusServiceUnavailable
	case apperr.CodeVenvMissing:
		return http.StatusInternalServerError
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidArg:
		return http.StatusBadRequest
	case apperr.CodePolicyViolation:
		return http.StatusForbidden
	case apperr.CodeQueueTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.Code(err)
	status := statusForCode(code)
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": map[string]any{"code": code, "message": err.Error(), "details": apperr.Details(err)},
	})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return apperr.InvalidArg("missing request body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.InvalidArg("malformed request body: " + err.Error())
	}
	return nil
}

func (s *Server) handleBackendStatus(w http.ResponseWriter, r *http.Request) {
	up := s.Client.SystemStats(r.Context()) == nil
	writeJSON(w, http.StatusOK, map[string]any{"up": up, "dir": s.Backend.BackendDir})
}

func (s *Server) handleBackendLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	if n < 20 {
		n = 20
	}
	if n > 500 {
		n = 500
	}

	up := s.Client.SystemStats(r.Context()) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"backendUp":      up,
		"comfyLogPath":   s.Backend.ComfyLog,
		"restartLogPath": s.Backend.RestartLog,
		"comfyLogTail":   tailLines(s.Backend.ComfyLog, n),
		"restartLogTail": tailLines(s.Backend.RestartLog, n),
	})
}

func tailLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func (s *Server) handleEnvStatus(w http.ResponseWriter, r *http.Request) {
	_, err := os.Stat(s.Backend.VenvPython)
	venvExists := err == nil

	latest, hasLatest := s.TxStore.Latest()
	resp := map[string]any{
		"ok":         true,
		"backendDir": s.Backend.BackendDir,
		"venvExists": venvExists,
		"transactions": s.TxStore.List(),
	}
	if hasLatest {
		resp["latestTransaction"] = latest
		resp["pipHealthy"] = latest.PipHealthy
		resp["pipCheckOutput"] = latest.PipCheckOutput
	}
	writeJSON(w, http.StatusOK, resp)
}

type planRequest struct {
	Mode     string   `json:"mode"`
	Packages []string `json:"packages"`
	Policies []string `json:"policies"`
}

func (s *Server) handleEnvPlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tx, err := s.TxEngine.CreatePlan(model.TxKind(req.Mode), req.Packages, s.Tier, req.Policies, s.PolicyTable)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transaction": tx})
}

func (s *Server) handleEnvApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tx, err := s.TxEngine.Apply(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transaction": tx})
}

func (s *Server) handleEnvRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tx, err := s.TxEngine.Rollback(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transaction": tx})
}

func (s *Server) handleEnvList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.TxStore.List())
}

func (s *Server) handleEnvGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, apperr.InvalidArg("missing id query parameter"))
		return
	}
	tx, found := s.TxStore.Get(id)
	if !found {
		writeError(w, apperr.NotFound("EnvTx", id))
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleDiagnosticsStatus(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep") == "1"
	report := s.Diagnostics.Status(r.Context(), deep)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDiagnosticsFix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IssueID string `json:"issueId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	outcome, err := s.FixEngine.Apply(r.Context(), model.IssueID(req.IssueID))
	if err != nil {
		writeError(w, apperr.InvalidArg(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type batchRequest struct {
	Mode  string              `json:"mode"`
	Items []model.CatalogItem `json:"items"`
}

func (s *Server) handleManagerBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	scope := model.SessionScopeSelected
	session, err := s.Orchestrator.RunInstall(r.Context(), model.SessionMode(req.Mode), scope, req.Items, s.HardwareProfile, nil, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCompatibilityGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCompatibilityPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []model.CatalogItem `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.Orchestrator.RunInstall(r.Context(), model.SessionModeInstall, model.SessionScopeAllVisible, req.Items, s.HardwareProfile, nil, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": session})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode  string               `json:"mode"`
		Items []model.CatalogItem `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	latest, hasLatest := s.TxStore.Latest()
	pipHealthy := !hasLatest || latest.PipHealthy
	summary := s.Auditor.Preflight(req.Items, s.HardwareProfile, pipHealthy)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSizeEstimate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []model.CatalogItem `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       len(req.Items),
		"knownCount":  0,
		"unknownCount": len(req.Items),
		"totalKB":     0,
		"totalGB":     0,
		"results":     []any{},
	})
}

func (s *Server) handleApiKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	key, err := s.ApiKeys.Create(req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleApiKeyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ApiKeys.List())
}

func (s *Server) handleApiKeyRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ApiKeys.Revoke(req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
