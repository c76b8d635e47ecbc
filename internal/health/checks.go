package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/otad/internal/version"
)

// CheckConfig drives the standalone check run used by `otad healthcheck`.
type CheckConfig struct {
	AppDir       string
	PIDFile      string
	EndpointURL  string // e.g. http://localhost:8080/health
	Timeout      time.Duration
	LogStaleness time.Duration // how fresh AppDir/app.log must be (0 disables)
}

// Result is the outcome of one named check. Only critical checks decide the
// overall verdict; the rest are reported as warnings.
type Result struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Run executes all checks and returns the results plus the overall verdict.
func Run(cfg CheckConfig, lg *slog.Logger) ([]Result, bool) {
	if lg == nil {
		lg = slog.Default()
	}
	results := []Result{
		named("process_running", true, CheckPIDFile(cfg.PIDFile)),
		named("endpoint_health", true, CheckEndpoint(cfg.EndpointURL, cfg.Timeout)),
		named("version_file", true, CheckVersionFile(cfg.AppDir)),
		named("data_generation", false, CheckLogFreshness(cfg.AppDir, cfg.LogStaleness)),
	}
	healthy := true
	for _, r := range results {
		if r.OK {
			lg.Info("check passed", "check", r.Name)
			continue
		}
		if r.Critical {
			lg.Error("check failed", "check", r.Name, "detail", r.Detail)
			healthy = false
		} else {
			lg.Warn("non-critical check failed", "check", r.Name, "detail", r.Detail)
		}
	}
	return results, healthy
}

func named(name string, critical bool, err error) Result {
	r := Result{Name: name, OK: err == nil, Critical: critical}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}

// CheckPIDFile verifies that the pidfile exists and its process is alive.
func CheckPIDFile(path string) error {
	if path == "" {
		return errors.New("no pidfile configured")
	}
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid in %s", path)
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("process %d not running", pid)
	}
	return nil
}

// CheckEndpoint calls the application's health endpoint. Only a 200
// response whose JSON carries status=="healthy" passes; any other status,
// body, or connection failure is unhealthy.
func CheckEndpoint(url string, timeout time.Duration) error {
	if url == "" {
		return errors.New("no health endpoint configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health endpoint unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint status %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body.Status != "healthy" {
		return fmt.Errorf("endpoint reported status %q", body.Status)
	}
	return nil
}

// CheckVersionFile validates that the deployed manifest exists, parses, and
// carries the required fields.
func CheckVersionFile(appDir string) error {
	d, err := version.Load(appDir)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("%s missing in %s", version.FileName, appDir)
	}
	if d.Version == "" {
		return errors.New("version field missing")
	}
	if _, err := version.Parse(d.Version); err != nil {
		return err
	}
	return nil
}

// CheckLogFreshness passes when the application's log file was written
// recently, as a weak signal that it is still producing data. A missing
// log file passes; the check only exists to catch a wedged process.
func CheckLogFreshness(appDir string, within time.Duration) error {
	if within <= 0 {
		return nil
	}
	fi, err := os.Stat(filepath.Join(appDir, "app.log"))
	if err != nil {
		return nil
	}
	if age := time.Since(fi.ModTime()); age > within {
		return fmt.Errorf("app.log not updated for %s", age.Round(time.Second))
	}
	return nil
}
