package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/otad/internal/version"
)

const defaultAPIBase = "https://api.github.com"

// GitHubSource reads release artifacts straight out of a GitHub repository
// using the contents API. Listing returns {type,path} entries; fetching uses
// the raw media type to get file bytes. All requests carry the bearer token.
type GitHubSource struct {
	owner   string
	repo    string
	token   string
	baseURL string
	client  *http.Client
}

func NewGitHubSource(owner, repo, token string) *GitHubSource {
	return &GitHubSource{
		owner:   owner,
		repo:    repo,
		token:   token,
		baseURL: defaultAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL overrides the API endpoint, mainly for tests and GitHub
// Enterprise installs.
func (g *GitHubSource) SetBaseURL(u string) { g.baseURL = strings.TrimRight(u, "/") }

func (g *GitHubSource) contentsURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.baseURL, g.owner, g.repo, strings.TrimLeft(path, "/"))
}

func (g *GitHubSource) do(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// List implements Source.
func (g *GitHubSource) List(ctx context.Context, dir string) ([]Entry, error) {
	b, err := g.do(ctx, g.contentsURL(dir), "")
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode listing for %s: %w", dir, err)
	}
	return entries, nil
}

// Fetch implements Source.
func (g *GitHubSource) Fetch(ctx context.Context, path string) ([]byte, error) {
	return g.do(ctx, g.contentsURL(path), "application/vnd.github.v3.raw")
}

// LatestVersion fetches the version manifest from remoteRoot and decodes it.
// Network or decode failures surface as errors; callers treat them as "no
// update available".
func (g *GitHubSource) LatestVersion(ctx context.Context, remoteRoot string) (*version.Descriptor, error) {
	b, err := g.Fetch(ctx, remoteRoot+"/"+version.FileName)
	if err != nil {
		return nil, err
	}
	var d version.Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode remote %s: %w", version.FileName, err)
	}
	return &d, nil
}
