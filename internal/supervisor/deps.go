package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// installDependencies installs the application's declared dependencies
// before launch. It first tries one batch install of the whole manifest;
// if that fails it falls back to installing each entry individually,
// logging per-dependency failures as warnings. Nothing here ever blocks a
// start attempt.
func (s *Supervisor) installDependencies() {
	if s.spec.Manifest == "" || s.spec.Installer == "" {
		return
	}
	manifest := filepath.Join(s.spec.AppDir, s.spec.Manifest)
	if _, err := os.Stat(manifest); err != nil {
		return
	}

	batch := buildCommand(s.spec.Installer + " -r " + manifest)
	batch.Dir = s.spec.AppDir
	if err := batch.Run(); err == nil {
		return
	}
	s.logger.Warn("batch dependency install failed, retrying individually", "manifest", manifest)

	for _, dep := range readManifest(manifest) {
		one := buildCommand(s.spec.Installer + " " + dep)
		one.Dir = s.spec.AppDir
		if err := one.Run(); err != nil {
			s.logger.Warn("dependency install failed", "dependency", dep, "err", err)
		}
	}
}

// readManifest returns the non-empty, non-comment lines of a requirements
// style manifest.
func readManifest(path string) []string {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil
	}
	var deps []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		deps = append(deps, line)
	}
	return deps
}

// buildCommand constructs an *exec.Cmd for a command string. It avoids
// invoking a shell unless metacharacters require one.
func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}
