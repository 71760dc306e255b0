package compute

import (
	"os/exec"
	"runtime"
)

// ToolStatus reports whether an external binary the analyzers rely on is installed.
type ToolStatus struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
	Install   string `json:"install,omitempty"`
}

var requiredTools = []string{"ffmpeg", "ffprobe"}

// CheckTools looks up ffmpeg and ffprobe on PATH and attaches install
// guidance for the current platform to any that are missing.
func CheckTools() []ToolStatus {
	return checkTools(exec.LookPath, runtime.GOOS)
}

func checkTools(lookPath func(string) (string, error), goos string) []ToolStatus {
	out := make([]ToolStatus, 0, len(requiredTools))
	for _, name := range requiredTools {
		status := ToolStatus{Name: name}
		if path, err := lookPath(name); err == nil {
			status.Path = path
			status.Available = true
		} else {
			status.Install = installHint(goos)
		}
		out = append(out, status)
	}
	return out
}

func installHint(goos string) string {
	switch goos {
	case "darwin":
		return "brew install ffmpeg"
	case "linux":
		return "apt-get install -y ffmpeg (Debian/Ubuntu) or dnf install ffmpeg (Fedora)"
	case "windows":
		return "winget install ffmpeg or choco install ffmpeg"
	default:
		return "install FFmpeg from https://ffmpeg.org/download.html"
	}
}

// ToolsReady reports whether every required tool was found.
func ToolsReady(statuses []ToolStatus) bool {
	for _, s := range statuses {
		if !s.Available {
			return false
		}
	}
	return true
}
