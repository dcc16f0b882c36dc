package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusnap/manager/internal/model"
)

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}


func TestParseHardwareTokenLinuxNvidia(t *testing.T) {
	profile := ParseHardwareToken("linux-x86_64-nvidia:true-rocm:false")
	assert.Equal(t, "linux", profile.OS)
	assert.Equal(t, "x86_64", profile.Arch)
	assert.True(t, profile.HasNvidia)
	assert.False(t, profile.HasRocm)
	assert.False(t, profile.IsDarwinArm)
}

func TestParseHardwareTokenDarwinArm(t *testing.T) {
	profile := ParseHardwareToken("darwin-arm64-nvidia:false-rocm:false")
	assert.True(t, profile.IsDarwinArm)
	assert.False(t, profile.HasNvidia)
}

func TestParseHardwareTokenEmptyReturnsUnknown(t *testing.T) {
	assert.Equal(t, model.UnknownHardwareProfile(), ParseHardwareToken(""))
	assert.Equal(t, model.UnknownHardwareProfile(), ParseHardwareToken("   "))
}

func TestReadHardwareProfileMissingFileReturnsUnknown(t *testing.T) {
	loc := model.BackendLocation{BackendDir: t.TempDir()}
	assert.Equal(t, model.UnknownHardwareProfile(), ReadHardwareProfile(loc))
}

func TestReadHardwareProfileParsesMarkerFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "user"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user", "modusnap_hardware_profile"), []byte("linux-x86_64-nvidia:true-rocm:false"), 0o644))

	loc := model.BackendLocation{BackendDir: dir}
	profile := ReadHardwareProfile(loc)
	assert.True(t, profile.HasNvidia)
}

func TestIsPortListeningTrueOnOpenPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	assert.True(t, IsPortListening(u.Hostname(), mustAtoi(t, u.Port()), time.Second))
}

func TestIsPortListeningFalseOnClosedPort(t *testing.T) {
	assert.False(t, IsPortListening("127.0.0.1", 1, 50*time.Millisecond))
}

func TestLocatorLocateFindsValidOverrideDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(""), 0o644))

	loc := NewLocator(dir, "http://localhost:8188")
	resolved, err := loc.Locate()
	require.NoError(t, err)
	assert.Equal(t, dir, resolved.BackendDir)
	assert.Equal(t, filepath.Join(dir, "venv", "bin", "python"), resolved.VenvPython)
}

func TestLocatorLocateFailsWhenMarkersMissing(t *testing.T) {
	loc := NewLocator(t.TempDir(), "http://localhost:8188")
	_, err := loc.Locate()
	assert.Error(t, err)
}

func TestIsBackendReachableTrueOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	loc := NewLocator("", srv.URL)
	assert.True(t, loc.IsBackendReachable(context.Background()))
}

func TestIsBackendReachableFalseOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	loc := NewLocator("", srv.URL)
	assert.False(t, loc.IsBackendReachable(context.Background()))
}
