// Package snapshot freezes and restores the backend's installed package set
// (spec.md §4.3), grounded on the teacher's weights-hash/freeze idiom in
// pkg/docker's image-build output capture, adapted from a Docker image layer
// to a `pip freeze` text blob.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modusnap/manager/internal/apperr"
	"github.com/modusnap/manager/internal/model"
	"github.com/modusnap/manager/internal/subprocess"
)

// Service freezes and restores package snapshots under a single directory.
type Service struct {
	Dir    string
	Runner *subprocess.Runner
}

// New builds a Service. dir is created lazily on first Freeze.
func New(dir string, runner *subprocess.Runner) *Service {
	return &Service{Dir: dir, Runner: runner}
}

// Freeze runs "pip freeze", writes it to <dir>/<tag>.txt, and returns the
// resulting Snapshot record. tag should already be sanitized by the caller.
func (s *Service) Freeze(ctx context.Context, tag, hardwareProfile string) (model.Snapshot, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return model.Snapshot{}, apperr.Internal(fmt.Errorf("creating snapshot dir: %w", err))
	}

	result := s.Runner.RunPipModule(ctx, 20*time.Second, "freeze")
	if !result.OK {
		return model.Snapshot{}, apperr.Internal(fmt.Errorf("pip freeze failed (exit %d): %s", result.ExitStatus, result.Output))
	}

	id := tag
	if id == "" {
		id = uuid.NewString()
	}
	path := filepath.Join(s.Dir, id+".txt")
	if err := os.WriteFile(path, []byte(result.Output), 0o644); err != nil {
		return model.Snapshot{}, apperr.Internal(fmt.Errorf("writing snapshot file: %w", err))
	}

	return model.Snapshot{
		ID:              id,
		HardwareProfile: hardwareProfile,
		CreatedAt:       time.Now(),
		FreezeListPath:  path,
		DependencyLock:  parseFreezeOutput(result.Output),
	}, nil
}

// Restore reinstalls the package set recorded in the snapshot at path via
// "pip install -r <path>". The caller is responsible for sanitizing path and
// for any before/after verification (pip check, reachability).
func (s *Service) Restore(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return apperr.NotFound("snapshot", path)
	}
	result := s.Runner.RunPipModule(ctx, 300*time.Second, "install", "-r", path)
	if !result.OK {
		return apperr.Internal(fmt.Errorf("pip install -r %s failed (exit %d): %s", path, result.ExitStatus, result.Output))
	}
	return nil
}

// parseFreezeOutput turns "pip freeze" lines ("name==version") into a
// DependencyLock's Pkgs list, skipping VCS/editable lines it can't pin
// cleanly.
func parseFreezeOutput(freeze string) model.DependencyLock {
	var pkgs []model.PinnedPkg
	for _, line := range strings.Split(freeze, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-e ") {
			continue
		}
		parts := strings.SplitN(line, "==", 2)
		if len(parts) != 2 {
			continue
		}
		pkgs = append(pkgs, model.PinnedPkg{Name: parts[0], Version: parts[1]})
	}
	return model.DependencyLock{Pkgs: pkgs}
}
