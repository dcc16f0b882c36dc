package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRoundTripsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	opts.serverURL = srv.URL
	opts.apiKey = ""
	opts.timeout = 5 * time.Second

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, rpc(http.MethodGet, "/anything", nil, &out))
	assert.True(t, out.OK)
}

func TestRPCSendsBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opts.serverURL = srv.URL
	opts.apiKey = "test-key"
	opts.timeout = 5 * time.Second

	require.NoError(t, rpc(http.MethodGet, "/x", nil, nil))
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestRPCReturnsErrorOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	opts.serverURL = srv.URL
	opts.apiKey = ""
	opts.timeout = 5 * time.Second

	err := rpc(http.MethodGet, "/x", nil, nil)
	assert.Error(t, err)
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"backend", "env", "diagnostics", "manager", "apikey"} {
		assert.True(t, names[want], "expected subcommand %q to be registered", want)
	}
}
