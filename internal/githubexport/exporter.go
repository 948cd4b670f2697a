package githubexport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/logging"
	"github.com/ntheanh201/vibesdk/internal/workspace"
)

// blobWorkers bounds concurrent blob uploads per commit.
const blobWorkers = 8

// cloudflareButtonToken is the README placeholder replaced with the live
// deploy button before export.
const cloudflareButtonToken = "[cloudflarebutton]"

const cloudflareButtonMarkdown = "[![Deploy to Cloudflare](https://deploy.workers.cloudflare.com/button)](https://deploy.workers.cloudflare.com/?url=%s)"

// deployButtonCommitMessage marks the README substitution commit. Remote
// status comparisons skip it so a previously exported repo does not appear
// diverged by its own button commit.
const deployButtonCommitMessage = "docs: Add Cloudflare deploy button to README"

// Progress reports incremental export state to the caller.
type Progress struct {
	Step    string `json:"step"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// Result summarizes a finished export.
type Result struct {
	RepositoryURL  string `json:"repositoryUrl"`
	CommitCount    int    `json:"commitCount"`
	HeadSHA        string `json:"headSha"`
	ReadmeUpdated  bool   `json:"readmeUpdated"`
	BlobsUploaded  int    `json:"blobsUploaded"`
	BlobsFromCache int    `json:"blobsFromCache"`
}

// RemoteStatus compares local history against the exported branch.
type RemoteStatus struct {
	Compatible      bool     `json:"compatible"`
	BehindBy        int      `json:"behindBy"`
	AheadBy         int      `json:"aheadBy"`
	DivergedCommits []string `json:"divergedCommits,omitempty"`
}

// Exporter replays workspace history into a remote repository.
type Exporter struct {
	ws     *workspace.Workspace
	remote RemoteAPI
	logger *logging.Logger

	mu        sync.Mutex
	blobCache map[string]string // local content oid -> remote blob sha
}

// NewExporter creates an exporter over a workspace and remote.
func NewExporter(ws *workspace.Workspace, remote RemoteAPI, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Exporter{
		ws:        ws,
		remote:    remote,
		logger:    logger,
		blobCache: make(map[string]string),
	}
}

// Export pushes the full local history to branch, oldest commit first, and
// force-updates the ref so the remote mirrors the workspace exactly.
// onProgress is optional.
func (e *Exporter) Export(ctx context.Context, branch, repoURL string, onProgress func(Progress)) (*Result, error) {
	if err := e.substituteDeployButton(repoURL); err != nil {
		return nil, err
	}

	entries := e.ws.Log(0)
	if len(entries) == 0 {
		return nil, core.ErrValidation("EMPTY_HISTORY", "workspace has no commits to export")
	}
	// Log is newest-first; replay requires parent-before-child order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	result := &Result{RepositoryURL: repoURL, CommitCount: len(entries)}
	var parent string
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(Progress{Step: "commit", Current: i + 1, Total: len(entries)})
		}

		files, err := e.ws.FilesAtCommit(entry.OID)
		if err != nil {
			return nil, err
		}
		treeSHA, err := e.uploadTree(ctx, files, result)
		if err != nil {
			return nil, err
		}

		parents := []string{}
		if parent != "" {
			parents = []string{parent}
		}
		sha, err := e.remote.CreateCommit(ctx, entry.Message, treeSHA, parents, commitAuthor(entry))
		if err != nil {
			return nil, err
		}
		parent = sha
	}

	if err := e.remote.UpdateRef(ctx, "heads/"+branch, parent, true); err != nil {
		return nil, err
	}
	result.HeadSHA = parent
	e.logger.Info("export completed",
		"branch", branch,
		"commits", result.CommitCount,
		"blobs_uploaded", result.BlobsUploaded,
		"blobs_cached", result.BlobsFromCache)
	return result, nil
}

// uploadTree creates blobs for every file of one snapshot, reusing remote
// shas for content already uploaded in an earlier commit, then creates the
// tree. Blob uploads run in parallel.
func (e *Exporter) uploadTree(ctx context.Context, files map[string]string, result *Result) (string, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]TreeEntry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blobWorkers)

	for i, p := range paths {
		i, p := i, p
		content := files[p]
		g.Go(func() error {
			oid := workspace.HashObject(workspace.TypeBlob, []byte(content))

			e.mu.Lock()
			sha, cached := e.blobCache[oid]
			e.mu.Unlock()
			if !cached {
				var err error
				sha, err = e.remote.CreateBlob(gctx, []byte(content))
				if err != nil {
					return err
				}
				e.mu.Lock()
				e.blobCache[oid] = sha
				result.BlobsUploaded++
				e.mu.Unlock()
			} else {
				e.mu.Lock()
				result.BlobsFromCache++
				e.mu.Unlock()
			}

			entries[i] = TreeEntry{Path: p, Mode: "100644", Type: "blob", SHA: sha}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return e.remote.CreateTree(ctx, entries)
}

// substituteDeployButton rewrites the README placeholder with the deploy
// button pointing at the exported repository and commits the change so the
// substitution itself ships with the export.
func (e *Exporter) substituteDeployButton(repoURL string) error {
	head, err := e.ws.Head()
	if err != nil || head == "" {
		return nil
	}
	files, err := e.ws.FilesAtCommit(head)
	if err != nil {
		return err
	}
	readme, ok := files["README.md"]
	if !ok || !strings.Contains(readme, cloudflareButtonToken) {
		return nil
	}

	button := strings.Replace(cloudflareButtonMarkdown, "%s", repoURL, 1)
	updated := strings.ReplaceAll(readme, cloudflareButtonToken, button)
	_, err = e.ws.Commit(
		[]workspace.StagedFile{{Path: "README.md", Contents: []byte(updated)}},
		deployButtonCommitMessage)
	return err
}

// commitAuthor maps a local log entry onto the remote identity payload.
func commitAuthor(entry workspace.LogEntry) CommitAuthor {
	name := entry.Author
	email := ""
	if i := strings.IndexByte(entry.Author, '<'); i >= 0 {
		name = strings.TrimSpace(entry.Author[:i])
		email = strings.TrimSuffix(entry.Author[i+1:], ">")
	}
	return CommitAuthor{
		Name:  name,
		Email: email,
		Date:  time.UnixMilli(entry.TimestampMS).UTC().Format(time.RFC3339),
	}
}

// CheckRemoteStatus compares local history with the remote branch by commit
// message sequence, oldest first. Messages are compared trimmed, and the
// synthetic deploy-button commit is skipped on both sides. The histories
// are compatible when one is a prefix of the other.
func (e *Exporter) CheckRemoteStatus(ctx context.Context, branch string) (*RemoteStatus, error) {
	remoteCommits, err := e.remote.ListCommits(ctx, branch)
	if err != nil {
		return nil, err
	}

	local := e.ws.Log(0) // newest first
	localMsgs := make([]string, 0, len(local))
	for i := len(local) - 1; i >= 0; i-- {
		if msg := comparableMessage(local[i].Message); msg != "" {
			localMsgs = append(localMsgs, msg)
		}
	}
	remoteMsgs := make([]string, 0, len(remoteCommits))
	for i := len(remoteCommits) - 1; i >= 0; i-- {
		if msg := comparableMessage(remoteCommits[i].Message); msg != "" {
			remoteMsgs = append(remoteMsgs, msg)
		}
	}

	shared := 0
	for shared < len(localMsgs) && shared < len(remoteMsgs) && localMsgs[shared] == remoteMsgs[shared] {
		shared++
	}

	status := &RemoteStatus{
		AheadBy:  len(localMsgs) - shared,
		BehindBy: len(remoteMsgs) - shared,
	}
	status.Compatible = status.BehindBy == 0 || status.AheadBy == 0
	if !status.Compatible {
		status.DivergedCommits = append(status.DivergedCommits, localMsgs[shared:]...)
	}
	return status, nil
}

// comparableMessage normalizes one commit message for status comparison.
// The synthetic deploy-button commit maps to "" and is dropped.
func comparableMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == deployButtonCommitMessage {
		return ""
	}
	return msg
}
