package artifact

import "context"

// EntryType tags one remote directory entry.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// Entry is one item in a remote directory listing. Path is relative to the
// repository root.
type Entry struct {
	Type EntryType `json:"type"`
	Path string    `json:"path"`
}

// Source is the remote release store: a content-listing call and a raw
// content-retrieval call. Implementations must be safe for sequential reuse
// across update cycles.
type Source interface {
	// List returns the entries directly under dir.
	List(ctx context.Context, dir string) ([]Entry, error)
	// Fetch returns the raw bytes of the file at path.
	Fetch(ctx context.Context, path string) ([]byte, error)
}
