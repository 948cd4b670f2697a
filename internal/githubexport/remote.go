// Package githubexport replays a workspace's commit history into a GitHub
// repository through the git data API, preserving messages and order.
package githubexport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TreeEntry is one path in a remote tree. Generated files are always
// regular non-executable blobs.
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// RemoteCommit is one commit as reported by the remote.
type RemoteCommit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// CommitAuthor is the identity stamped on a replayed commit, both as author
// and committer, so the remote history carries the original timestamps.
type CommitAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Date  string `json:"date"` // RFC 3339
}

// RemoteAPI is the subset of the GitHub git data API the exporter uses,
// extracted so tests can export against an in-memory remote.
type RemoteAPI interface {
	GetRef(ctx context.Context, ref string) (string, error)
	UpdateRef(ctx context.Context, ref, sha string, force bool) error
	CreateBlob(ctx context.Context, content []byte) (string, error)
	CreateTree(ctx context.Context, entries []TreeEntry) (string, error)
	CreateCommit(ctx context.Context, message, treeSHA string, parents []string, author CommitAuthor) (string, error)
	ListCommits(ctx context.Context, ref string) ([]RemoteCommit, error)
}

// HTTPRemote talks to the GitHub REST API for one owner/repo pair.
type HTTPRemote struct {
	client  *http.Client
	baseURL string
	owner   string
	repo    string
	token   string
}

// NewHTTPRemote creates a remote client. An empty baseURL targets the
// public GitHub API.
func NewHTTPRemote(owner, repo, token, baseURL string) *HTTPRemote {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &HTTPRemote{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		owner:   owner,
		repo:    repo,
		token:   token,
	}
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	url := fmt.Sprintf("%s/repos/%s/%s%s", r.baseURL, r.owner, r.repo, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github %s %s: status %d: %s", method, path, resp.StatusCode, detail)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetRef resolves a ref like "heads/main" to its commit sha. A missing ref
// resolves to the empty string.
func (r *HTTPRemote) GetRef(ctx context.Context, ref string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := r.do(ctx, http.MethodGet, "/git/ref/"+ref, nil, &out)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return out.Object.SHA, nil
}

// UpdateRef points a ref at a commit, creating it when absent.
func (r *HTTPRemote) UpdateRef(ctx context.Context, ref, sha string, force bool) error {
	err := r.do(ctx, http.MethodPatch, "/git/refs/"+ref, map[string]any{
		"sha":   sha,
		"force": force,
	}, nil)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}
	return r.do(ctx, http.MethodPost, "/git/refs", map[string]any{
		"ref": "refs/" + ref,
		"sha": sha,
	}, nil)
}

// CreateBlob uploads one blob and returns its remote sha.
func (r *HTTPRemote) CreateBlob(ctx context.Context, content []byte) (string, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	err := r.do(ctx, http.MethodPost, "/git/blobs", map[string]any{
		"content":  base64.StdEncoding.EncodeToString(content),
		"encoding": "base64",
	}, &out)
	return out.SHA, err
}

// CreateTree creates a full (non-delta) tree from its entries.
func (r *HTTPRemote) CreateTree(ctx context.Context, entries []TreeEntry) (string, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	err := r.do(ctx, http.MethodPost, "/git/trees", map[string]any{"tree": entries}, &out)
	return out.SHA, err
}

// CreateCommit creates a commit object for the given tree and parents,
// preserving the replayed commit's identity and timestamp.
func (r *HTTPRemote) CreateCommit(ctx context.Context, message, treeSHA string, parents []string, author CommitAuthor) (string, error) {
	if parents == nil {
		parents = []string{}
	}
	payload := map[string]any{
		"message": message,
		"tree":    treeSHA,
		"parents": parents,
	}
	if author.Name != "" {
		payload["author"] = author
		payload["committer"] = author
	}
	var out struct {
		SHA string `json:"sha"`
	}
	err := r.do(ctx, http.MethodPost, "/git/commits", payload, &out)
	return out.SHA, err
}

// ListCommits returns the commit list reachable from ref, newest first.
func (r *HTTPRemote) ListCommits(ctx context.Context, ref string) ([]RemoteCommit, error) {
	var out []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
		} `json:"commit"`
	}
	if err := r.do(ctx, http.MethodGet, "/commits?per_page=100&sha="+ref, nil, &out); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	commits := make([]RemoteCommit, 0, len(out))
	for _, c := range out {
		commits = append(commits, RemoteCommit{SHA: c.SHA, Message: c.Commit.Message})
	}
	return commits, nil
}

func isNotFound(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "status 404") || strings.Contains(err.Error(), "status 409"))
}
