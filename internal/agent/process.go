package agent

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// ProcessDetector checks whether an agent process is running in a directory.
type ProcessDetector interface {
	IsAgentRunning(sessionPath string) bool
}

// OSProcessDetector detects agent processes using pgrep + lsof (macOS/Linux).
// The process is matched by executable name.
type OSProcessDetector struct {
	// ProcessName is the executable name to look for, e.g. "claude".
	ProcessName string
}

// IsAgentRunning returns true if a matching process has its cwd at or under
// sessionPath.
func (d *OSProcessDetector) IsAgentRunning(sessionPath string) bool {
	if d.ProcessName == "" {
		return false
	}
	absSession, err := filepath.Abs(sessionPath)
	if err != nil {
		return false
	}

	out, err := exec.Command("pgrep", "-x", d.ProcessName).Output()
	if err != nil {
		return false // pgrep not found or no matches
	}

	for pid := range strings.FieldsSeq(strings.TrimSpace(string(out))) {
		cwd := getCwd(pid)
		if cwd == "" {
			continue
		}
		absCwd, err := filepath.Abs(cwd)
		if err != nil {
			continue
		}
		if absCwd == absSession || strings.HasPrefix(absCwd, absSession+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// getCwd resolves the current working directory of a process via lsof.
func getCwd(pid string) string {
	out, err := exec.Command("lsof", "-a", "-p", pid, "-d", "cwd", "-Fn").Output()
	if err != nil {
		return ""
	}
	for line := range strings.SplitSeq(string(out), "\n") {
		if strings.HasPrefix(line, "n") && !strings.HasPrefix(line, "n ") {
			return line[1:]
		}
	}
	return ""
}
