package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/otad/internal/logger"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before escalating
// to SIGKILL.
const DefaultStopGrace = 5 * time.Second

// Spec describes the supervised application.
type Spec struct {
	Name       string        // used for log file naming
	AppDir     string        // working directory and artifact root
	Entrypoint string        // file that must exist under AppDir before starting
	Command    string        // launch command, e.g. "python3 app.py"
	Manifest   string        // dependency manifest relative to AppDir (optional)
	Installer  string        // installer command prefix, e.g. "pip3 install"
	PIDFile    string        // optional pidfile path
	StopGrace  time.Duration // graceful termination window (default 5s)
	Log        logger.Config // stdio log destinations for the child
}

// Supervisor owns at most one live child process handle at a time. All
// lifecycle operations are serialized by the orchestration loop; the mutex
// only protects the handle against the background reaper.
type Supervisor struct {
	spec   Spec
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitDone chan struct{} // closed by the reaper when cmd.Wait returns
	outW     io.WriteCloser
	errW     io.WriteCloser
}

func New(spec Spec, lg *slog.Logger) *Supervisor {
	if lg == nil {
		lg = slog.Default()
	}
	if spec.StopGrace <= 0 {
		spec.StopGrace = DefaultStopGrace
	}
	if spec.Name == "" {
		spec.Name = "app"
	}
	return &Supervisor{spec: spec, logger: lg}
}

// Running reports whether a child is currently tracked and alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return syscall.Kill(cmd.Process.Pid, 0) == nil
}

// PID returns the tracked child's pid, or 0 when none is tracked.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Start launches the application entry point as a child process. A child
// that is already tracked is stopped first, so Start doubles as restart.
// Dependency installation runs before launch; its failures are warnings
// only and never prevent the start attempt.
func (s *Supervisor) Start() error {
	entry := filepath.Join(s.spec.AppDir, s.spec.Entrypoint)
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("entrypoint not found: %s", entry)
	}
	if err := s.Stop(); err != nil {
		s.logger.Warn("stopping previous child before restart", "err", err)
	}

	s.installDependencies()

	cmd := buildCommand(s.spec.Command)
	cmd.Dir = s.spec.AppDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outW, errW, _ := s.spec.Log.Writers(s.spec.Name)
	if s.spec.Log.Dir != "" {
		_ = os.MkdirAll(s.spec.Log.Dir, 0o750)
	}
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		if outW != nil {
			_ = outW.Close()
		}
		if errW != nil {
			_ = errW.Close()
		}
		return fmt.Errorf("start %q: %w", s.spec.Command, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.waitDone = done
	s.outW, s.errW = outW, errW
	s.mu.Unlock()

	s.writePIDFile(cmd.Process.Pid)
	s.logger.Info("application started", "pid", cmd.Process.Pid, "command", s.spec.Command)

	// Single reaper per run; Stop waits on done instead of calling Wait.
	go func() {
		err := cmd.Wait()
		close(done)
		if err != nil {
			s.logger.Debug("application exited", "err", err)
		}
	}()
	return nil
}

// Stop requests graceful termination of the tracked child, escalating to
// SIGKILL after the grace period. It is a no-op when nothing is tracked and
// always clears the handle, even on error.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.waitDone
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	defer s.clear()

	pid := cmd.Process.Pid
	// Signal the whole process group so child workers go down too.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-done:
		s.logger.Info("application stopped", "pid", pid)
		return nil
	case <-time.After(s.spec.StopGrace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		// best-effort; the reaper will collect it eventually
	}
	s.logger.Warn("application killed after stop timeout", "pid", pid)
	return nil
}

func (s *Supervisor) clear() {
	s.mu.Lock()
	if s.outW != nil {
		_ = s.outW.Close()
		s.outW = nil
	}
	if s.errW != nil {
		_ = s.errW.Close()
		s.errW = nil
	}
	s.cmd = nil
	s.waitDone = nil
	s.mu.Unlock()
	s.removePIDFile()
}

func (s *Supervisor) writePIDFile(pid int) {
	if s.spec.PIDFile == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(s.spec.PIDFile), 0o750)
	_ = os.WriteFile(s.spec.PIDFile, []byte(strconv.Itoa(pid)), 0o600)
}

func (s *Supervisor) removePIDFile() {
	if s.spec.PIDFile == "" {
		return
	}
	_ = os.Remove(s.spec.PIDFile)
}
