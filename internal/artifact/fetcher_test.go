package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeSource serves an in-memory tree keyed by remote path. Directories map
// to entry lists; files map to their contents.
type fakeSource struct {
	dirs  map[string][]Entry
	files map[string][]byte
	fail  map[string]bool
}

func (s *fakeSource) List(_ context.Context, dir string) ([]Entry, error) {
	entries, ok := s.dirs[dir]
	if !ok {
		return nil, errors.New("no such dir: " + dir)
	}
	return entries, nil
}

func (s *fakeSource) Fetch(_ context.Context, path string) ([]byte, error) {
	if s.fail[path] {
		return nil, errors.New("injected fetch failure: " + path)
	}
	b, ok := s.files[path]
	if !ok {
		return nil, errors.New("no such file: " + path)
	}
	return b, nil
}

func newTree() *fakeSource {
	return &fakeSource{
		dirs: map[string][]Entry{
			"application": {
				{Type: EntryFile, Path: "application/app.py"},
				{Type: EntryFile, Path: "application/version.json"},
				{Type: EntryDir, Path: "application/lib"},
			},
			"application/lib": {
				{Type: EntryFile, Path: "application/lib/util.py"},
			},
		},
		files: map[string][]byte{
			"application/app.py":       []byte("print('v2')\n"),
			"application/version.json": []byte(`{"version":"1.1.0","release_notes":""}`),
			"application/lib/util.py":  []byte("def f(): pass\n"),
		},
		fail: map[string]bool{},
	}
}

func TestDownloadMirrorsTreeAndSwaps(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	staging := filepath.Join(root, "staging")
	if err := os.MkdirAll(appDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "old.py"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(newTree(), "application", appDir, staging, nil)
	if err := f.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}

	// Relative paths preserved, old contents gone, staging consumed.
	for _, p := range []string{"app.py", "version.json", filepath.Join("lib", "util.py")} {
		if _, err := os.Stat(filepath.Join(appDir, p)); err != nil {
			t.Errorf("missing %s after swap: %v", p, err)
		}
	}
	if _, err := os.Stat(filepath.Join(appDir, "old.py")); !os.IsNotExist(err) {
		t.Errorf("old application contents survived the swap")
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Errorf("staging directory still present after swap")
	}
}

func TestDownloadAbortsOnSingleFailure(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	staging := filepath.Join(root, "staging")
	if err := os.MkdirAll(appDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "app.py"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := newTree()
	src.fail["application/lib/util.py"] = true
	f := NewFetcher(src, "application", appDir, staging, nil)
	if err := f.Download(context.Background()); err == nil {
		t.Fatalf("expected abort on file failure")
	}
	// No partial deploy: the live directory is untouched.
	b, err := os.ReadFile(filepath.Join(appDir, "app.py"))
	if err != nil || string(b) != "v1" {
		t.Fatalf("live application was touched by a failed fetch: %s, %v", b, err)
	}
}

func TestStaleStagingDiscarded(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "application")
	staging := filepath.Join(root, "staging")
	if err := os.MkdirAll(staging, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staging, "leftover"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(newTree(), "application", appDir, staging, nil)
	if err := f.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}
	if _, err := os.Stat(filepath.Join(appDir, "leftover")); !os.IsNotExist(err) {
		t.Fatalf("stale staging contents leaked into the deploy")
	}
}
