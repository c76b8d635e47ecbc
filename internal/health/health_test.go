package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestCommandProber(t *testing.T) {
	p := NewCommandProber("true", time.Second, nil)
	if !p.Probe(context.Background()) {
		t.Fatalf("exit 0 should be healthy")
	}
	p = NewCommandProber("false", time.Second, nil)
	if p.Probe(context.Background()) {
		t.Fatalf("non-zero exit should be unhealthy")
	}
}

func TestCommandProberTimeout(t *testing.T) {
	p := NewCommandProber("sleep 5", 100*time.Millisecond, nil)
	begin := time.Now()
	if p.Probe(context.Background()) {
		t.Fatalf("timed-out probe should be unhealthy")
	}
	if time.Since(begin) > 3*time.Second {
		t.Fatalf("probe was not bounded by the timeout")
	}
}

func TestCheckEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"healthy","uptime":12}`))
		case "/degraded":
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	if err := CheckEndpoint(srv.URL+"/health", time.Second); err != nil {
		t.Fatalf("healthy endpoint rejected: %v", err)
	}
	if err := CheckEndpoint(srv.URL+"/degraded", time.Second); err == nil {
		t.Fatalf("status other than healthy must fail")
	}
	if err := CheckEndpoint(srv.URL+"/boom", time.Second); err == nil {
		t.Fatalf("non-200 must fail")
	}
	srv.Close()
	if err := CheckEndpoint(srv.URL+"/health", time.Second); err == nil {
		t.Fatalf("connection failure must fail")
	}
}

func TestCheckVersionFile(t *testing.T) {
	dir := t.TempDir()
	if err := CheckVersionFile(dir); err == nil {
		t.Fatalf("missing manifest must fail")
	}
	path := filepath.Join(dir, "version.json")
	if err := os.WriteFile(path, []byte(`{"version":"1.2.3","release_notes":"ok"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckVersionFile(dir); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"release_notes":"no version"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckVersionFile(dir); err == nil {
		t.Fatalf("manifest without version field must fail")
	}
}

func TestCheckPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.pid")
	if err := CheckPIDFile(path); err == nil {
		t.Fatalf("missing pidfile must fail")
	}
	// Our own pid is definitely alive.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := CheckPIDFile(path); err != nil {
		t.Fatalf("live pid rejected: %v", err)
	}
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := CheckPIDFile(path); err == nil {
		t.Fatalf("garbage pidfile must fail")
	}
}

func TestRunVerdictUsesCriticalChecksOnly(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	pidfile := filepath.Join(dir, "app.pid")
	if err := os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "version.json"), []byte(`{"version":"1.0.0","release_notes":""}`), 0o644); err != nil {
		t.Fatal(err)
	}
	// Stale app.log: data_generation fails but is not critical.
	if err := os.WriteFile(filepath.Join(dir, "app.log"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "app.log"), old, old); err != nil {
		t.Fatal(err)
	}

	results, healthy := Run(CheckConfig{
		AppDir:       dir,
		PIDFile:      pidfile,
		EndpointURL:  srv.URL,
		Timeout:      time.Second,
		LogStaleness: time.Minute,
	}, nil)
	if !healthy {
		t.Fatalf("non-critical failure must not flip the verdict: %+v", results)
	}
	var sawStale bool
	for _, r := range results {
		if r.Name == "data_generation" && !r.OK {
			sawStale = true
		}
	}
	if !sawStale {
		t.Fatalf("expected the staleness check to fail: %+v", results)
	}
}
