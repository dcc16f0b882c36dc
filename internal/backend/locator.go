// Package backend resolves where the Engine lives on disk and whether it is
// reachable, grounded on the teacher's settings.LoadProjectSettings
// discovery pattern (pkg/settings/project.go) and its Exists/IsDir
// filesystem helpers (pkg/util/files/files.go).
package backend

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/modusnap/manager/internal/apperr"
	"github.com/modusnap/manager/internal/model"
)

// candidateRelPaths are checked, in order, relative to the current working
// directory when no explicit override is given.
var candidateRelPaths = []string{
	".",
	"../ComfyUI",
	"../../ComfyUI",
	"./ComfyUI",
}

const (
	hardwareMarkerFile = "user/modusnap_hardware_profile"
	markerMain         = "main.py"
	markerRequirements = "requirements.txt"
)

// Locator resolves BackendLocation and HardwareProfile.
type Locator struct {
	// Override, if non-empty, is used instead of discovery.
	Override string
	// EngineURL is the base URL used for reachability checks.
	EngineURL string
	HTTPClient *http.Client
}

// NewLocator builds a Locator with sane HTTP defaults.
func NewLocator(override, engineURL string) *Locator {
	return &Locator{
		Override:  override,
		EngineURL: engineURL,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Locate resolves the BackendLocation, returning apperr.CodeBackendDirNotFound
// if no candidate is valid.
func (l *Locator) Locate() (model.BackendLocation, error) {
	var checked []string

	candidates := candidateRelPaths
	if l.Override != "" {
		candidates = []string{l.Override}
	}

	for _, rel := range candidates {
		abs, err := filepath.Abs(rel)
		if err != nil {
			continue
		}
		checked = append(checked, abs)
		if isValidBackendDir(abs) {
			return locationFor(abs), nil
		}
	}

	return model.BackendLocation{}, apperr.BackendDirNotFound(checked)
}

func isValidBackendDir(dir string) bool {
	for _, marker := range []string{markerMain, markerRequirements} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err != nil {
			return false
		}
	}
	return true
}

func locationFor(backendDir string) model.BackendLocation {
	userDir := filepath.Join(backendDir, "user")
	return model.BackendLocation{
		BackendDir:     backendDir,
		VenvPython:     filepath.Join(backendDir, "venv", "bin", "python"),
		UserDir:        userDir,
		CustomNodesDir: filepath.Join(backendDir, "custom_nodes"),
		ComfyLog:       filepath.Join(userDir, "comfyui.log"),
		RestartLog:     filepath.Join(userDir, "modusnap_backend_restart.log"),
	}
}

// IsBackendReachable performs a bounded GET against /system_stats,
// returning true only on a 2xx response (spec.md §4.1).
func (l *Locator) IsBackendReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 4500*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.EngineURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// IsPortListening performs a bare TCP dial with the given timeout.
func IsPortListening(host string, port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ReadHardwareProfile reads the marker file written by the engine
// bootstrap, returning model.UnknownHardwareProfile() if it is absent or
// malformed.
func ReadHardwareProfile(loc model.BackendLocation) model.HardwareProfile {
	path := filepath.Join(loc.BackendDir, hardwareMarkerFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return model.UnknownHardwareProfile()
	}
	return ParseHardwareToken(string(data))
}

// ParseHardwareToken parses tokens of the form
// "linux-x86_64-nvidia:true-rocm:false" into a HardwareProfile.
func ParseHardwareToken(raw string) model.HardwareProfile {
	token := strings.TrimSpace(raw)
	if token == "" {
		return model.UnknownHardwareProfile()
	}

	profile := model.HardwareProfile{Token: token}
	parts := strings.Split(token, "-")
	if len(parts) >= 2 {
		profile.OS = parts[0]
		profile.Arch = parts[1]
	}
	for _, p := range parts {
		switch p {
		case "nvidia:true":
			profile.HasNvidia = true
		case "rocm:true":
			profile.HasRocm = true
		}
	}
	profile.IsDarwinArm = profile.OS == "darwin" && profile.Arch == "arm64"
	return profile
}
