package githubexport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ntheanh201/vibesdk/internal/workspace"
)

// memRemote is an in-memory RemoteAPI recording created objects.
type memRemote struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	trees   map[string][]TreeEntry
	commits map[string]RemoteCommit
	authors map[string]CommitAuthor
	parents map[string][]string
	refs    map[string]string
	nextID  int
}

func newMemRemote() *memRemote {
	return &memRemote{
		blobs:   map[string][]byte{},
		trees:   map[string][]TreeEntry{},
		commits: map[string]RemoteCommit{},
		authors: map[string]CommitAuthor{},
		parents: map[string][]string{},
		refs:    map[string]string{},
	}
}

func (r *memRemote) sha(prefix string) string {
	r.nextID++
	return fmt.Sprintf("%s-%d", prefix, r.nextID)
}

func (r *memRemote) GetRef(_ context.Context, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[ref], nil
}

func (r *memRemote) UpdateRef(_ context.Context, ref, sha string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ref] = sha
	return nil
}

func (r *memRemote) CreateBlob(_ context.Context, content []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sha := r.sha("blob")
	r.blobs[sha] = append([]byte(nil), content...)
	return sha, nil
}

func (r *memRemote) CreateTree(_ context.Context, entries []TreeEntry) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sha := r.sha("tree")
	r.trees[sha] = append([]TreeEntry(nil), entries...)
	return sha, nil
}

func (r *memRemote) CreateCommit(_ context.Context, message, treeSHA string, parents []string, author CommitAuthor) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sha := r.sha("commit")
	r.commits[sha] = RemoteCommit{SHA: sha, Message: message}
	r.authors[sha] = author
	r.parents[sha] = parents
	_ = treeSHA
	return sha, nil
}

func (r *memRemote) ListCommits(_ context.Context, ref string) ([]RemoteCommit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Walk the parent chain from the ref head, newest first.
	var out []RemoteCommit
	sha := r.refs["heads/"+ref]
	if sha == "" {
		sha = r.refs[ref]
	}
	for sha != "" {
		c := r.commits[sha]
		out = append(out, c)
		ps := r.parents[sha]
		if len(ps) == 0 {
			break
		}
		sha = ps[0]
	}
	return out, nil
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	store, err := workspace.OpenStore("")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ws := workspace.New(store)
	if err := ws.Init("main"); err != nil {
		t.Fatalf("init: %v", err)
	}
	return ws
}

func commit(t *testing.T, ws *workspace.Workspace, msg string, files map[string]string) {
	t.Helper()
	staged := make([]workspace.StagedFile, 0, len(files))
	for p, c := range files {
		staged = append(staged, workspace.StagedFile{Path: p, Contents: []byte(c)})
	}
	if _, err := ws.Commit(staged, msg); err != nil {
		t.Fatalf("commit %q: %v", msg, err)
	}
}

func TestExport_ReplaysHistoryInOrder(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	commit(t, ws, "chore: initialize project", map[string]string{"package.json": "{}"})
	commit(t, ws, "feat: add app shell", map[string]string{"package.json": "{}", "src/App.tsx": "v1"})
	commit(t, ws, "fix: correct shell", map[string]string{"package.json": "{}", "src/App.tsx": "v2"})

	remote := newMemRemote()
	exporter := NewExporter(ws, remote, nil)

	var progress []Progress
	result, err := exporter.Export(context.Background(), "main", "https://github.com/acme/app", func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.CommitCount != 3 {
		t.Errorf("commit count = %d, want 3", result.CommitCount)
	}
	if remote.refs["heads/main"] != result.HeadSHA {
		t.Errorf("ref = %q, head = %q", remote.refs["heads/main"], result.HeadSHA)
	}

	listed, err := remote.ListCommits(context.Background(), "main")
	if err != nil {
		t.Fatalf("ListCommits() error = %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("remote commits = %d, want 3", len(listed))
	}
	// Newest first on the remote, so the initial commit walks out last.
	if listed[0].Message != "fix: correct shell" || listed[2].Message != "chore: initialize project" {
		t.Errorf("remote order wrong: %v", listed)
	}
	if len(progress) != 3 || progress[2].Current != 3 || progress[2].Total != 3 {
		t.Errorf("progress = %v", progress)
	}
}

func TestExport_CachesUnchangedBlobs(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	commit(t, ws, "one", map[string]string{"a.ts": "stable", "b.ts": "v1"})
	commit(t, ws, "two", map[string]string{"a.ts": "stable", "b.ts": "v2"})

	remote := newMemRemote()
	exporter := NewExporter(ws, remote, nil)
	result, err := exporter.Export(context.Background(), "main", "https://github.com/acme/app", nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	// a.ts is identical across both commits: one upload, one cache hit.
	if result.BlobsUploaded != 3 {
		t.Errorf("uploads = %d, want 3 (a.ts once, b.ts twice)", result.BlobsUploaded)
	}
	if result.BlobsFromCache != 1 {
		t.Errorf("cache hits = %d, want 1", result.BlobsFromCache)
	}
	if len(remote.blobs) != 3 {
		t.Errorf("remote blobs = %d, want 3", len(remote.blobs))
	}
}

func TestExport_SubstitutesDeployButton(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	commit(t, ws, "docs", map[string]string{"README.md": "# App\n\n[cloudflarebutton]\n"})

	remote := newMemRemote()
	exporter := NewExporter(ws, remote, nil)
	if _, err := exporter.Export(context.Background(), "main", "https://github.com/acme/app", nil); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	entries := ws.Log(0)
	if entries[0].Message != "docs: Add Cloudflare deploy button to README" {
		t.Fatalf("newest local commit = %q", entries[0].Message)
	}
	head, err := ws.Head()
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	files, err := ws.FilesAtCommit(head)
	if err != nil {
		t.Fatalf("FilesAtCommit() error = %v", err)
	}
	if strings.Contains(files["README.md"], "[cloudflarebutton]") {
		t.Error("placeholder survived substitution")
	}
	if !strings.Contains(files["README.md"], "deploy.workers.cloudflare.com") {
		t.Error("deploy button missing")
	}
}

func TestCheckRemoteStatus(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	commit(t, ws, "one", map[string]string{"a": "1"})
	commit(t, ws, "two", map[string]string{"a": "2"})

	remote := newMemRemote()
	exporter := NewExporter(ws, remote, nil)
	if _, err := exporter.Export(context.Background(), "main", "https://github.com/acme/app", nil); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	status, err := exporter.CheckRemoteStatus(context.Background(), "main")
	if err != nil {
		t.Fatalf("CheckRemoteStatus() error = %v", err)
	}
	if !status.Compatible || status.AheadBy != 0 || status.BehindBy != 0 {
		t.Errorf("status after export = %+v, want in sync", status)
	}

	commit(t, ws, "three", map[string]string{"a": "3"})
	status, err = exporter.CheckRemoteStatus(context.Background(), "main")
	if err != nil {
		t.Fatalf("CheckRemoteStatus() error = %v", err)
	}
	if !status.Compatible || status.AheadBy != 1 {
		t.Errorf("status after local commit = %+v, want ahead by 1", status)
	}
}

func TestCheckRemoteStatus_NormalizesMessages(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	commit(t, ws, "one", map[string]string{"a": "1"})
	commit(t, ws, "two", map[string]string{"a": "2"})

	// The remote carries the same history with whitespace damage plus the
	// synthetic deploy-button commit a previous export appended.
	remote := newMemRemote()
	exporter := NewExporter(ws, remote, nil)

	parent := ""
	for _, msg := range []string{"one\n", "  two  ", deployButtonCommitMessage} {
		var parents []string
		if parent != "" {
			parents = []string{parent}
		}
		sha, err := remote.CreateCommit(context.Background(), msg, "tree", parents, CommitAuthor{})
		if err != nil {
			t.Fatalf("CreateCommit(%q) error = %v", msg, err)
		}
		parent = sha
	}
	if err := remote.UpdateRef(context.Background(), "heads/main", parent, true); err != nil {
		t.Fatalf("UpdateRef() error = %v", err)
	}

	status, err := exporter.CheckRemoteStatus(context.Background(), "main")
	if err != nil {
		t.Fatalf("CheckRemoteStatus() error = %v", err)
	}
	if !status.Compatible || status.AheadBy != 0 || status.BehindBy != 0 {
		t.Errorf("status = %+v, want in sync despite whitespace and button commit", status)
	}
}

func TestExport_PreservesAuthorAndTimestamp(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	author := workspace.Signature{Name: "Ada Lovelace", Email: "ada@example.com"}
	when := int64(1700000000)
	if _, err := ws.CommitAs(
		[]workspace.StagedFile{{Path: "a.ts", Contents: []byte("v1")}},
		"feat: initial", author, when); err != nil {
		t.Fatalf("CommitAs() error = %v", err)
	}

	remote := newMemRemote()
	exporter := NewExporter(ws, remote, nil)
	result, err := exporter.Export(context.Background(), "main", "https://github.com/acme/app", nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	got := remote.authors[result.HeadSHA]
	if got.Name != "Ada Lovelace" || got.Email != "ada@example.com" {
		t.Errorf("author = %+v, want the local commit identity", got)
	}
	want := time.Unix(when, 0).UTC().Format(time.RFC3339)
	if got.Date != want {
		t.Errorf("date = %q, want %q", got.Date, want)
	}
}
