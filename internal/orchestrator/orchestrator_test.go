package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/otad/internal/backup"
	"github.com/loykin/otad/internal/telemetry"
	"github.com/loykin/otad/internal/version"
)

type fakeSource struct {
	desc *version.Descriptor
	err  error
}

func (f *fakeSource) LatestVersion(context.Context) (*version.Descriptor, error) {
	return f.desc, f.err
}

// fakeProc tracks start/stop calls and whether the child is "running".
type fakeProc struct {
	running  bool
	starts   int
	stops    int
	startErr error
}

func (p *fakeProc) Start() error {
	p.starts++
	if p.startErr != nil {
		return p.startErr
	}
	p.running = true
	return nil
}

func (p *fakeProc) Stop() error {
	p.stops++
	p.running = false
	return nil
}

type fakeDownloader struct {
	fn func(ctx context.Context) error
}

func (d *fakeDownloader) Download(ctx context.Context) error { return d.fn(ctx) }

type fakeProber struct {
	healthy bool
	calls   int
}

func (p *fakeProber) Probe(context.Context) bool {
	p.calls++
	return p.healthy
}

type memSink struct {
	recs []telemetry.Record
}

func (s *memSink) Store(_ context.Context, rec telemetry.Record) error {
	s.recs = append(s.recs, rec)
	return nil
}

type failSink struct{}

func (failSink) Store(context.Context, telemetry.Record) error {
	return errors.New("sink unavailable")
}

func writeVersionFile(t *testing.T, dir, ver string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(version.Descriptor{Version: ver, ReleaseNotes: "test"})
	if err := os.WriteFile(filepath.Join(dir, version.FileName), b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func countBackups(t *testing.T, backupDir string) int {
	t.Helper()
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
}

// The end-to-end failure path: download and start succeed, the health
// probe fails, and the previous version must be back on disk and running
// with exactly one failed record.
func TestRunHealthFailureRollsBack(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	backupDir := filepath.Join(root, "backup")
	writeVersionFile(t, appDir, "1.0.0")

	proc := &fakeProc{running: true}
	sink := &memSink{}
	dl := &fakeDownloader{fn: func(context.Context) error {
		writeVersionFile(t, appDir, "1.1.0")
		return nil
	}}
	u := New(appDir,
		&fakeSource{desc: &version.Descriptor{Version: "1.1.0"}},
		backup.NewManager(appDir, backupDir, nil),
		dl, proc, &fakeProber{healthy: false}, sink, nil)

	res := u.Run(context.Background())
	if res.Outcome != OutcomeRolledBack {
		t.Fatalf("outcome=%v want rolled-back", res.Outcome)
	}
	if res.FailedStage != telemetry.StageHealthCheck {
		t.Fatalf("failed stage=%v want health_check", res.FailedStage)
	}

	restored, err := version.Load(appDir)
	if err != nil || restored == nil {
		t.Fatalf("load restored version: %v", err)
	}
	if restored.Version != "1.0.0" {
		t.Fatalf("app dir holds %s, want restored 1.0.0", restored.Version)
	}
	if !proc.running {
		t.Fatal("previous version should be running after rollback")
	}

	var failed []telemetry.Record
	for _, rec := range sink.recs {
		if rec.Status == telemetry.StatusFailed {
			failed = append(failed, rec)
		}
	}
	if len(failed) != 1 {
		t.Fatalf("expected exactly one failed record, got %d", len(failed))
	}
	if failed[0].Stage != telemetry.StageHealthCheck || failed[0].Action != telemetry.ActionRolledBack {
		t.Fatalf("failed record fields wrong: %+v", failed[0])
	}
	if u.State() != StateIdle {
		t.Fatalf("state=%v want idle after run", u.State())
	}
}

func TestRunCompletesAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	backupDir := filepath.Join(root, "backup")
	writeVersionFile(t, appDir, "1.0.0")

	proc := &fakeProc{running: true}
	sink := &memSink{}
	dl := &fakeDownloader{fn: func(context.Context) error {
		writeVersionFile(t, appDir, "1.1.0")
		return nil
	}}
	u := New(appDir,
		&fakeSource{desc: &version.Descriptor{Version: "1.1.0"}},
		backup.NewManager(appDir, backupDir, nil),
		dl, proc, &fakeProber{healthy: true}, sink, nil)

	if res := u.Run(context.Background()); res.Outcome != OutcomeCompleted {
		t.Fatalf("first run outcome=%v want completed", res.Outcome)
	}
	if n := countBackups(t, backupDir); n != 1 {
		t.Fatalf("backups after update=%d want 1", n)
	}

	// Remote unchanged: the second cycle must not create another backup
	// or emit any record.
	before := len(sink.recs)
	if res := u.Run(context.Background()); res.Outcome != OutcomeNoOp {
		t.Fatalf("second run outcome=%v want no-op", res.Outcome)
	}
	if n := countBackups(t, backupDir); n != 1 {
		t.Fatalf("backups after no-op=%d want 1", n)
	}
	if len(sink.recs) != before {
		t.Fatalf("no-op cycle emitted records: %d -> %d", before, len(sink.recs))
	}
}

func TestRunNoOpEmitsNothing(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	writeVersionFile(t, appDir, "2.0.0")

	sink := &memSink{}
	u := New(appDir,
		&fakeSource{desc: &version.Descriptor{Version: "2.0.0"}},
		backup.NewManager(appDir, filepath.Join(root, "backup"), nil),
		&fakeDownloader{fn: func(context.Context) error { t.Fatal("download must not run"); return nil }},
		&fakeProc{running: true}, &fakeProber{healthy: true}, sink, nil)

	if res := u.Run(context.Background()); res.Outcome != OutcomeNoOp {
		t.Fatalf("outcome=%v want no-op", res.Outcome)
	}
	if len(sink.recs) != 0 {
		t.Fatalf("no-op emitted %d records", len(sink.recs))
	}
}

func TestRunRemoteCheckFailureIsConservative(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	writeVersionFile(t, appDir, "1.0.0")

	proc := &fakeProc{running: true}
	u := New(appDir,
		&fakeSource{err: errors.New("network down")},
		backup.NewManager(appDir, filepath.Join(root, "backup"), nil),
		&fakeDownloader{fn: func(context.Context) error { t.Fatal("download must not run"); return nil }},
		proc, &fakeProber{healthy: true}, &memSink{}, nil)

	res := u.Run(context.Background())
	if res.Outcome != OutcomeNoOp {
		t.Fatalf("outcome=%v want no-op", res.Outcome)
	}
	if res.Err == nil {
		t.Fatal("expected fetch error to surface in result")
	}
	if proc.stops != 0 {
		t.Fatal("running app must not be touched on check failure")
	}
}

func TestRunBackupFailureAbortsWithoutRollback(t *testing.T) {
	root := t.TempDir()
	// App dir deliberately absent: backup creation must fail.
	appDir := filepath.Join(root, "application")
	backupDir := filepath.Join(root, "backup")

	proc := &fakeProc{running: true}
	sink := &memSink{}
	u := New(appDir,
		&fakeSource{desc: &version.Descriptor{Version: "1.1.0"}},
		backup.NewManager(appDir, backupDir, nil),
		&fakeDownloader{fn: func(context.Context) error { t.Fatal("download must not run"); return nil }},
		proc, &fakeProber{healthy: true}, sink, nil)

	res := u.Run(context.Background())
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome=%v want aborted", res.Outcome)
	}
	if res.FailedStage != telemetry.StageBackup {
		t.Fatalf("failed stage=%v want backup", res.FailedStage)
	}
	if proc.stops != 0 || proc.starts != 0 {
		t.Fatal("running app must not be touched when backup fails")
	}

	var last telemetry.Record
	if len(sink.recs) == 0 {
		t.Fatal("expected started+failed records")
	}
	last = sink.recs[len(sink.recs)-1]
	if last.Status != telemetry.StatusFailed || last.Stage != telemetry.StageBackup || last.Action != "" {
		t.Fatalf("backup-abort record wrong: %+v", last)
	}
}

func TestRunDownloadFailureRestoresBackup(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	backupDir := filepath.Join(root, "backup")
	writeVersionFile(t, appDir, "1.0.0")

	proc := &fakeProc{running: true}
	dl := &fakeDownloader{fn: func(context.Context) error {
		// Simulate a half-finished fetch that already removed the live dir.
		_ = os.RemoveAll(appDir)
		return errors.New("connection reset")
	}}
	u := New(appDir,
		&fakeSource{desc: &version.Descriptor{Version: "1.1.0"}},
		backup.NewManager(appDir, backupDir, nil),
		dl, proc, &fakeProber{healthy: true}, &memSink{}, nil)

	res := u.Run(context.Background())
	if res.Outcome != OutcomeRolledBack || res.FailedStage != telemetry.StageDownload {
		t.Fatalf("unexpected result: %+v", res)
	}
	restored, err := version.Load(appDir)
	if err != nil || restored == nil || restored.Version != "1.0.0" {
		t.Fatalf("app dir not restored: %v %v", restored, err)
	}
	if !proc.running {
		t.Fatal("previous version should be restarted after rollback")
	}
}

func TestRunStartFailureRollsBack(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	writeVersionFile(t, appDir, "1.0.0")

	firstStart := errors.New("entrypoint missing")
	proc := &fakeProc{running: true, startErr: firstStart}
	u := New(appDir,
		&fakeSource{desc: &version.Descriptor{Version: "1.1.0"}},
		backup.NewManager(appDir, filepath.Join(root, "backup"), nil),
		&fakeDownloader{fn: func(context.Context) error { return nil }},
		proc, &fakeProber{healthy: true}, &memSink{}, nil)

	res := u.Run(context.Background())
	if res.Outcome != OutcomeRolledBack || res.FailedStage != telemetry.StageStartup {
		t.Fatalf("unexpected result: %+v", res)
	}
	// Start is attempted once for the deploy and once for the rollback.
	if proc.starts != 2 {
		t.Fatalf("starts=%d want 2", proc.starts)
	}
}

func TestRunTelemetryFailureDoesNotAffectOutcome(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	writeVersionFile(t, appDir, "1.0.0")

	dl := &fakeDownloader{fn: func(context.Context) error {
		writeVersionFile(t, appDir, "1.1.0")
		return nil
	}}
	u := New(appDir,
		&fakeSource{desc: &version.Descriptor{Version: "1.1.0"}},
		backup.NewManager(appDir, filepath.Join(root, "backup"), nil),
		dl, &fakeProc{running: true}, &fakeProber{healthy: true}, failSink{}, nil)

	if res := u.Run(context.Background()); res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome=%v want completed despite sink failure", res.Outcome)
	}
}

func TestRunBootstrapWithNoCurrentVersion(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	// App dir exists but carries no version descriptor.
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dl := &fakeDownloader{fn: func(context.Context) error {
		writeVersionFile(t, appDir, "0.0.1")
		return nil
	}}
	u := New(appDir,
		&fakeSource{desc: &version.Descriptor{Version: "0.0.1"}},
		backup.NewManager(appDir, filepath.Join(root, "backup"), nil),
		dl, &fakeProc{}, &fakeProber{healthy: true}, &memSink{}, nil)

	if res := u.Run(context.Background()); res.Outcome != OutcomeCompleted {
		t.Fatalf("bootstrap outcome=%v want completed", res.Outcome)
	}
}
