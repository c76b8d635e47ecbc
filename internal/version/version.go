package version

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the manifest every deployed artifact carries at its root.
const FileName = "version.json"

// Descriptor mirrors version.json shipped inside an artifact. It is
// immutable once read; comparison only looks at the Version string.
type Descriptor struct {
	Version      string `json:"version"`
	ReleaseNotes string `json:"release_notes"`
}

// Load reads the version manifest from appDir. A missing file or directory
// is not an error: it returns (nil, nil) so callers can treat the absence
// as the bootstrap case.
func Load(appDir string) (*Descriptor, error) {
	path := filepath.Join(appDir, FileName)
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &d, nil
}

// Parse validates that s is a dotted sequence of non-negative integers and
// returns the components.
func Parse(s string) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version component %q in %q", p, s)
		}
		out = append(out, n)
	}
	return out, nil
}

// Compare compares two dotted version strings component-wise, left to
// right, padding the shorter one with zeros. It returns -1 when a < b,
// 0 when equal, +1 when a > b. Unparseable components count as 0, so a
// malformed string never forces an update on its own.
func Compare(a, b string) int {
	av := lenient(a)
	bv := lenient(b)
	n := len(av)
	if len(bv) > n {
		n = len(bv)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(av) {
			x = av[i]
		}
		if i < len(bv) {
			y = bv[i]
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

func lenient(s string) []int {
	parts := strings.Split(strings.TrimSpace(s), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			n = 0
		}
		out[i] = n
	}
	return out
}

// UpdateAvailable decides whether the latest descriptor should replace the
// current one. No current deployment means bootstrap: always update. No
// latest (the remote check failed) is conservative: never update on
// incomplete information.
func UpdateAvailable(current, latest *Descriptor) bool {
	if latest == nil {
		return false
	}
	if current == nil {
		return true
	}
	return Compare(current.Version, latest.Version) < 0
}
