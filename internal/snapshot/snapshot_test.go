package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusnap/manager/internal/subprocess"
)

func TestFreezeWritesFileAndReturnsSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	runner := subprocess.NewRunner("echo", t.TempDir())
	svc := New(dir, runner)

	snap, err := svc.Freeze(context.Background(), "tag-1", "linux-x86_64")
	require.NoError(t, err)
	assert.Equal(t, "tag-1", snap.ID)
	assert.Equal(t, "linux-x86_64", snap.HardwareProfile)
	assert.FileExists(t, snap.FreezeListPath)
}

func TestFreezeGeneratesIDWhenTagEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	runner := subprocess.NewRunner("echo", t.TempDir())
	svc := New(dir, runner)

	snap, err := svc.Freeze(context.Background(), "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
}

func TestFreezeFailsWhenPipFreezeFails(t *testing.T) {
	runner := subprocess.NewRunner("", t.TempDir())
	svc := New(filepath.Join(t.TempDir(), "snapshots"), runner)

	_, err := svc.Freeze(context.Background(), "tag", "")
	assert.Error(t, err)
}

func TestRestoreFailsWhenFileMissing(t *testing.T) {
	runner := subprocess.NewRunner("echo", t.TempDir())
	svc := New(t.TempDir(), runner)

	err := svc.Restore(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestRestoreInstallsExistingSnapshot(t *testing.T) {
	runner := subprocess.NewRunner("echo", t.TempDir())
	svc := New(t.TempDir(), runner)

	path := filepath.Join(t.TempDir(), "snap.txt")
	require.NoError(t, os.WriteFile(path, []byte("pillow==10.0.0\n"), 0o644))

	err := svc.Restore(context.Background(), path)
	assert.NoError(t, err)
}

func TestParseFreezeOutputSkipsCommentsAndEditable(t *testing.T) {
	freeze := "# comment\npillow==10.0.0\n-e git+https://example.com/repo.git\ntorch==2.1.0\nno-version-line\n"
	lock := parseFreezeOutput(freeze)
	require.Len(t, lock.Pkgs, 2)
	assert.Equal(t, "pillow", lock.Pkgs[0].Name)
	assert.Equal(t, "10.0.0", lock.Pkgs[0].Version)
	assert.Equal(t, "torch", lock.Pkgs[1].Name)
	assert.Equal(t, "2.1.0", lock.Pkgs[1].Version)
}
