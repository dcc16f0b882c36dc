package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusnap/manager/internal/apikey"
	"github.com/modusnap/manager/internal/apperr"
)

func TestHealthCheckRequiresNoAuth(t *testing.T) {
	srv := &Server{}
	mux := srv.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/health-check", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWithAuthRejectsMissingKey(t *testing.T) {
	store := apikey.New(filepath.Join(t.TempDir(), "keys.json"))
	srv := &Server{ApiKeys: store}
	mux := srv.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/env/list", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithAuthAcceptsValidKey(t *testing.T) {
	store := apikey.New(filepath.Join(t.TempDir(), "keys.json"))
	key, err := store.Create("test")
	require.NoError(t, err)

	srv := &Server{ApiKeys: store}
	mux := srv.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/apikeys", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWithAuthRejectsRevokedKey(t *testing.T) {
	store := apikey.New(filepath.Join(t.TempDir(), "keys.json"))
	key, err := store.Create("test")
	require.NoError(t, err)
	require.NoError(t, store.Revoke(key.ID))

	srv := &Server{ApiKeys: store}
	mux := srv.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/env/list", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForCodeMapping(t *testing.T) {
	cases := map[apperr.Code]int{
		apperr.CodeBackendDirNotFound: http.StatusInternalServerError,
		apperr.CodeBackendUnreachable: http.StatusServiceUnavailable,
		apperr.CodeVenvMissing:        http.StatusInternalServerError,
		apperr.CodeConflict:           http.StatusConflict,
		apperr.CodeNotFound:           http.StatusNotFound,
		apperr.CodeInvalidArg:         http.StatusBadRequest,
		apperr.CodePolicyViolation:    http.StatusForbidden,
		apperr.CodeQueueTimeout:       http.StatusGatewayTimeout,
		apperr.CodeUpstreamError:      http.StatusBadGateway,
		apperr.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusForCode(code), "code %s", code)
	}
}
