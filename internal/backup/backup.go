package backup

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// timestampLayout is the suffix appended to backup directory names.
const timestampLayout = "20060102150405"

// ErrNoBackups is returned by Restore/Latest when the backup directory
// holds no snapshots.
var ErrNoBackups = errors.New("no backups found")

// Info describes one snapshot under the backup directory.
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns the snapshot directory. Snapshots are full copies of the
// application directory named {version}_{timestamp}; nothing here ever
// deletes them (retention is the operator's problem).
type Manager struct {
	appDir    string
	backupDir string
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(appDir, backupDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{appDir: appDir, backupDir: backupDir, logger: logger, now: time.Now}
}

// Create snapshots the whole application directory into
// backupDir/{version}_{timestamp} and returns the snapshot id. A failed
// copy removes the partial target so a later Restore can never pick it up.
func (m *Manager) Create(version string) (string, error) {
	if version == "" {
		version = "unknown"
	}
	if st, err := os.Stat(m.appDir); err != nil || !st.IsDir() {
		return "", fmt.Errorf("no application to back up at %s", m.appDir)
	}
	id := fmt.Sprintf("%s_%s", version, m.now().Format(timestampLayout))
	target := filepath.Join(m.backupDir, id)
	if err := os.MkdirAll(m.backupDir, 0o750); err != nil {
		return "", err
	}
	if err := copyTree(m.appDir, target); err != nil {
		// Do not leave a corrupt snapshot visible to Restore.
		_ = os.RemoveAll(target)
		return "", fmt.Errorf("backup copy failed: %w", err)
	}
	m.logger.Info("application backed up", "backup", target)
	return id, nil
}

// List returns all snapshots, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{ID: e.Name(), CreatedAt: fi.ModTime()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

// Latest returns the id of the most recently created snapshot.
func (m *Manager) Latest() (string, error) {
	infos, err := m.List()
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", ErrNoBackups
	}
	return infos[0].ID, nil
}

// Restore replaces the application directory with the named snapshot, or
// with the latest one when id is empty. The replacement is remove-then-copy
// and deliberately not atomic: a crash between the two steps leaves the
// application directory absent until the next restore.
func (m *Manager) Restore(id string) error {
	if id == "" {
		latest, err := m.Latest()
		if err != nil {
			return err
		}
		id = latest
	}
	src := filepath.Join(m.backupDir, id)
	if st, err := os.Stat(src); err != nil || !st.IsDir() {
		return fmt.Errorf("backup %s not found", id)
	}
	if err := os.RemoveAll(m.appDir); err != nil {
		return fmt.Errorf("remove current application: %w", err)
	}
	if err := copyTree(src, m.appDir); err != nil {
		return fmt.Errorf("restore copy failed: %w", err)
	}
	m.logger.Info("application restored", "backup", id)
	return nil
}

// copyTree copies the directory tree rooted at src into dst, preserving
// relative paths and file modes. dst must not exist or be empty.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(filepath.Clean(dst), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
