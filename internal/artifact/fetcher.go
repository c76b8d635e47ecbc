package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Fetcher mirrors the remote release tree into a staging directory and, on
// full success, swaps it into the live application path. A failed download
// aborts the whole attempt; the stale staging directory is discarded on the
// next call.
type Fetcher struct {
	src        Source
	remoteRoot string // directory inside the remote source holding the artifact
	appDir     string
	stagingDir string
	logger     *slog.Logger
}

func NewFetcher(src Source, remoteRoot, appDir, stagingDir string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{src: src, remoteRoot: remoteRoot, appDir: appDir, stagingDir: stagingDir, logger: logger}
}

// Download fetches the complete artifact into a fresh staging directory and
// swaps it into the application path. The swap is remove-then-rename and
// deliberately not atomic: a crash between the two steps leaves the
// application directory absent until the next successful download or
// restore.
func (f *Fetcher) Download(ctx context.Context) error {
	if err := os.RemoveAll(f.stagingDir); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(f.stagingDir, 0o750); err != nil {
		return err
	}
	if err := f.mirror(ctx, f.remoteRoot); err != nil {
		return err
	}
	if err := os.RemoveAll(f.appDir); err != nil {
		return fmt.Errorf("remove current application: %w", err)
	}
	if err := os.Rename(f.stagingDir, f.appDir); err != nil {
		return fmt.Errorf("move staging into place: %w", err)
	}
	f.logger.Info("artifact downloaded", "app_dir", f.appDir)
	return nil
}

// mirror walks one remote directory depth-first, downloading every file
// under it into staging while preserving paths relative to remoteRoot.
func (f *Fetcher) mirror(ctx context.Context, dir string) error {
	entries, err := f.src.List(ctx, dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for _, e := range entries {
		switch e.Type {
		case EntryFile:
			if err := f.download(ctx, e.Path); err != nil {
				return err
			}
		case EntryDir:
			if err := f.mirror(ctx, e.Path); err != nil {
				return err
			}
		default:
			f.logger.Warn("skipping unknown entry type", "type", string(e.Type), "path", e.Path)
		}
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, remotePath string) error {
	b, err := f.src.Fetch(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	local := filepath.Join(f.stagingDir, f.relative(remotePath))
	if err := os.MkdirAll(filepath.Dir(local), 0o750); err != nil {
		return err
	}
	return os.WriteFile(local, b, 0o640)
}

// relative strips the remote root prefix so the staging tree matches the
// layout the application expects.
func (f *Fetcher) relative(remotePath string) string {
	p := strings.TrimPrefix(remotePath, f.remoteRoot)
	return strings.TrimLeft(p, "/")
}
