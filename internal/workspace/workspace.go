package workspace

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ntheanh201/vibesdk/internal/logging"
)

// headTimeout bounds HEAD resolution; a wedged store must not stall the
// build loop, so callers treat a timeout as "no HEAD yet".
const headTimeout = 5 * time.Second

// StagedFile is one file handed to Stage or Commit.
type StagedFile struct {
	Path     string
	Contents []byte
}

// LogEntry is one row of the commit log.
type LogEntry struct {
	OID         string `json:"oid"`
	Message     string `json:"message"`
	Author      string `json:"author"`
	TimestampMS int64  `json:"timestamp"`
}

// CommitDetails is the result of Show.
type CommitDetails struct {
	Commit    *CommitInfo
	Files     []string
	FileCount int
}

// Workspace exposes version-control operations over a Store.
type Workspace struct {
	store          *Store
	logger         *logging.Logger
	defaultBranch  string
	onFilesChanged func(paths []string)
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithFilesChangedCallback registers a callback invoked after a reset
// rewrites the working set.
func WithFilesChangedCallback(fn func(paths []string)) Option {
	return func(w *Workspace) { w.onFilesChanged = fn }
}

// WithLogger sets the workspace logger.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Workspace) { w.logger = logger }
}

// New creates a Workspace over an open store.
func New(store *Store, opts ...Option) *Workspace {
	w := &Workspace{
		store:         store,
		logger:        logging.NewNop(),
		defaultBranch: "main",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Init prepares refs for the default branch. It is idempotent: an existing
// HEAD is left untouched.
func (w *Workspace) Init(defaultBranch string) error {
	start := time.Now()
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	w.defaultBranch = defaultBranch

	head, err := w.store.GetRef("HEAD")
	if err != nil {
		return err
	}
	if head == "" {
		if err := w.store.SetRef("HEAD", "ref: refs/heads/"+defaultBranch); err != nil {
			return err
		}
	}
	w.logger.Info("workspace initialized", "branch", defaultBranch, "duration", time.Since(start))
	return nil
}

// Stage normalizes paths, writes blobs, and updates the index.
func (w *Workspace) Stage(files []StagedFile) error {
	for _, f := range files {
		p := NormalizePath(f.Path)
		if p == "" {
			continue
		}
		oid, err := w.store.PutObject(TypeBlob, f.Contents)
		if err != nil {
			return err
		}
		if err := w.store.StageEntry(p, oid); err != nil {
			return err
		}
	}
	return nil
}

// Commit stages the given files and creates a commit if the staged state
// differs from HEAD. Returns (nil, nil) when there is nothing to commit.
func (w *Workspace) Commit(files []StagedFile, message string) (*CommitInfo, error) {
	return w.CommitAs(files, message, DefaultAuthor, NowSeconds())
}

// CommitAs is Commit with an explicit author and timestamp, used when
// replaying history with original identities preserved.
func (w *Workspace) CommitAs(files []StagedFile, message string, author Signature, when int64) (*CommitInfo, error) {
	if err := w.Stage(files); err != nil {
		return nil, err
	}
	return w.commitIndex(message, author, when, false)
}

// CommitEmpty commits the current index even when it matches HEAD, so a
// marker commit (such as the finalization pass) lands in history regardless
// of whether the pass changed anything.
func (w *Workspace) CommitEmpty(message string) (*CommitInfo, error) {
	return w.commitIndex(message, DefaultAuthor, NowSeconds(), true)
}

// commitIndex writes a commit for the staged index. Unless allowEmpty is
// set, an index identical to HEAD commits nothing and returns (nil, nil).
func (w *Workspace) commitIndex(message string, author Signature, when int64, allowEmpty bool) (*CommitInfo, error) {
	index, err := w.store.Index()
	if err != nil {
		return nil, err
	}

	headOID, err := w.resolveHead()
	if err != nil {
		return nil, err
	}

	if !allowEmpty {
		headFiles := map[string]string{}
		if headOID != "" {
			headFiles, err = w.flattenCommit(headOID)
			if err != nil {
				return nil, err
			}
		}
		if !statusDiffers(headFiles, index) {
			return nil, nil // no changes
		}
	}

	treeOID, err := w.writeTree(index)
	if err != nil {
		return nil, err
	}

	var parents []string
	if headOID != "" {
		parents = []string{headOID}
	}
	author.When = when
	data := EncodeCommit(treeOID, parents, author, message)
	oid, err := w.store.PutObject(TypeCommit, data)
	if err != nil {
		return nil, err
	}

	if err := w.advanceHead(oid); err != nil {
		return nil, err
	}

	w.logger.Debug("commit created", "oid", oid, "message", firstLine(message), "files", len(index))
	return &CommitInfo{OID: oid, Tree: treeOID, Parents: parents, Author: author, Message: message}, nil
}

// statusDiffers reports whether any tracked path has head != stage.
func statusDiffers(head, stage map[string]string) bool {
	if len(head) != len(stage) {
		return true
	}
	for p, oid := range stage {
		if head[p] != oid {
			return true
		}
	}
	return false
}

// Log walks commits from HEAD parent-first. Errors degrade to an empty log.
func (w *Workspace) Log(limit int) []LogEntry {
	headOID, err := w.resolveHead()
	if err != nil || headOID == "" {
		return nil
	}

	var entries []LogEntry
	oid := headOID
	for oid != "" && (limit <= 0 || len(entries) < limit) {
		info, err := w.readCommit(oid)
		if err != nil {
			w.logger.Warn("log walk failed", "oid", oid, "error", err)
			return nil
		}
		entries = append(entries, LogEntry{
			OID:         info.OID,
			Message:     info.Message,
			Author:      fmt.Sprintf("%s <%s>", info.Author.Name, info.Author.Email),
			TimestampMS: info.Author.When * 1000,
		})
		if len(info.Parents) == 0 {
			break
		}
		oid = info.Parents[0]
	}
	return entries
}

// Show reads a commit and lists the files reachable from its tree.
func (w *Workspace) Show(oid string) (*CommitDetails, error) {
	info, err := w.readCommit(oid)
	if err != nil {
		return nil, err
	}
	flat, err := w.flattenTree(info.Tree, "")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(flat))
	for p := range flat {
		files = append(files, p)
	}
	sort.Strings(files)
	return &CommitDetails{Commit: info, Files: files, FileCount: len(files)}, nil
}

// Reset moves HEAD to ref. With hard=true the staging index is rewritten to
// the target commit's tree and the files-changed callback fires.
func (w *Workspace) Reset(ref string, hard bool) (int, error) {
	oid, err := w.resolveRef(ref)
	if err != nil {
		return 0, err
	}
	if err := w.advanceHead(oid); err != nil {
		return 0, err
	}
	if !hard {
		return 0, nil
	}

	flat, err := w.flattenCommit(oid)
	if err != nil {
		return 0, err
	}
	if err := w.store.ReplaceIndex(flat); err != nil {
		return 0, err
	}

	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if w.onFilesChanged != nil {
		w.onFilesChanged(paths)
	}
	return len(paths), nil
}

// Head returns the current HEAD commit oid, or empty when no commit exists.
// Resolution is wrapped in a watchdog; on timeout the caller gets an error
// it should treat as "no HEAD".
func (w *Workspace) Head() (string, error) {
	type result struct {
		oid string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		oid, err := w.resolveHead()
		ch <- result{oid, err}
	}()

	select {
	case r := <-ch:
		return r.oid, r.err
	case <-time.After(headTimeout):
		return "", fmt.Errorf("resolving HEAD timed out after %s", headTimeout)
	}
}

// ReadFilesFromCommit returns path -> UTF-8 contents for every non-binary
// blob reachable from the commit's tree. Binary blobs are skipped.
func (w *Workspace) ReadFilesFromCommit(oid string) (map[string]string, error) {
	flat, err := w.flattenCommit(oid)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(flat))
	for p, blobOID := range flat {
		obj, err := w.store.GetObject(blobOID)
		if err != nil {
			return nil, err
		}
		if IsBinary(obj.Data) {
			continue
		}
		files[p] = string(obj.Data)
	}
	return files, nil
}

// ExportedObject is one {path, bytes} pair produced by ExportObjects.
type ExportedObject struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// ExportObjects streams out every object and ref for external replay.
func (w *Workspace) ExportObjects() ([]ExportedObject, error) {
	objects, err := w.store.ListObjects()
	if err != nil {
		return nil, err
	}
	refs, err := w.store.ListRefs()
	if err != nil {
		return nil, err
	}

	out := make([]ExportedObject, 0, len(objects)+len(refs))
	for _, o := range objects {
		framed := append([]byte(string(o.Type)+"\x00"), o.Data...)
		out = append(out, ExportedObject{Path: "objects/" + o.OID, Data: framed})
	}
	refNames := make([]string, 0, len(refs))
	for name := range refs {
		refNames = append(refNames, name)
	}
	sort.Strings(refNames)
	for _, name := range refNames {
		out = append(out, ExportedObject{Path: name, Data: []byte(refs[name])})
	}
	return out, nil
}

// ImportObjects replays exported objects and refs into this workspace.
func (w *Workspace) ImportObjects(objects []ExportedObject) error {
	for _, o := range objects {
		if rest, ok := strings.CutPrefix(o.Path, "objects/"); ok {
			typ, data, found := strings.Cut(string(o.Data), "\x00")
			if !found {
				return fmt.Errorf("malformed exported object %s", rest)
			}
			if _, err := w.store.PutObject(ObjectType(typ), []byte(data)); err != nil {
				return err
			}
			continue
		}
		if err := w.store.SetRef(o.Path, string(o.Data)); err != nil {
			return err
		}
	}

	// Rebuild the index from HEAD so the imported workspace is ready to
	// commit on top of the replayed history.
	headOID, err := w.resolveHead()
	if err != nil || headOID == "" {
		return err
	}
	flat, err := w.flattenCommit(headOID)
	if err != nil {
		return err
	}
	return w.store.ReplaceIndex(flat)
}

// --- internals ---

func (w *Workspace) resolveHead() (string, error) {
	head, err := w.store.GetRef("HEAD")
	if err != nil {
		return "", err
	}
	if head == "" {
		return "", nil
	}
	if target, ok := strings.CutPrefix(head, "ref: "); ok {
		return w.store.GetRef(target)
	}
	return head, nil
}

// resolveRef maps a ref name or oid to a commit oid.
func (w *Workspace) resolveRef(ref string) (string, error) {
	if ref == "HEAD" {
		oid, err := w.resolveHead()
		if err != nil {
			return "", err
		}
		if oid == "" {
			return "", fmt.Errorf("HEAD does not resolve to a commit")
		}
		return oid, nil
	}
	if target, err := w.store.GetRef(ref); err != nil {
		return "", err
	} else if target != "" {
		return target, nil
	}
	if target, err := w.store.GetRef("refs/heads/" + ref); err != nil {
		return "", err
	} else if target != "" {
		return target, nil
	}
	// Assume raw oid; verify it exists.
	if _, err := w.store.GetObject(ref); err != nil {
		return "", fmt.Errorf("unknown ref %q", ref)
	}
	return ref, nil
}

func (w *Workspace) advanceHead(oid string) error {
	head, err := w.store.GetRef("HEAD")
	if err != nil {
		return err
	}
	if target, ok := strings.CutPrefix(head, "ref: "); ok {
		return w.store.SetRef(target, oid)
	}
	return w.store.SetRef("HEAD", oid)
}

func (w *Workspace) readCommit(oid string) (*CommitInfo, error) {
	obj, err := w.store.GetObject(oid)
	if err != nil {
		return nil, err
	}
	if obj.Type != TypeCommit {
		return nil, fmt.Errorf("object %s is a %s, not a commit", oid, obj.Type)
	}
	return DecodeCommit(oid, obj.Data)
}

// writeTree builds tree objects bottom-up from a flat path -> blob map and
// returns the root tree oid.
func (w *Workspace) writeTree(index map[string]string) (string, error) {
	return w.writeTreeDir(index, "")
}

func (w *Workspace) writeTreeDir(index map[string]string, prefix string) (string, error) {
	blobs := map[string]string{}
	subdirs := map[string]bool{}
	for p, oid := range index {
		if prefix != "" && !strings.HasPrefix(p, prefix+"/") {
			continue
		}
		rel := p
		if prefix != "" {
			rel = strings.TrimPrefix(p, prefix+"/")
		}
		if name, _, nested := strings.Cut(rel, "/"); nested {
			subdirs[name] = true
		} else {
			blobs[rel] = oid
		}
	}

	var entries []TreeEntry
	for name, oid := range blobs {
		entries = append(entries, TreeEntry{Mode: "100644", Type: TypeBlob, OID: oid, Name: name})
	}
	for name := range subdirs {
		child := name
		if prefix != "" {
			child = path.Join(prefix, name)
		}
		oid, err := w.writeTreeDir(index, child)
		if err != nil {
			return "", err
		}
		entries = append(entries, TreeEntry{Mode: "40000", Type: TypeTree, OID: oid, Name: name})
	}

	return w.store.PutObject(TypeTree, EncodeTree(entries))
}

// flattenTree walks a tree recursively into path -> blob oid.
func (w *Workspace) flattenTree(treeOID, prefix string) (map[string]string, error) {
	obj, err := w.store.GetObject(treeOID)
	if err != nil {
		return nil, err
	}
	entries, err := DecodeTree(obj.Data)
	if err != nil {
		return nil, err
	}

	flat := make(map[string]string)
	for _, e := range entries {
		full := e.Name
		if prefix != "" {
			full = path.Join(prefix, e.Name)
		}
		switch e.Type {
		case TypeBlob:
			flat[full] = e.OID
		case TypeTree:
			sub, err := w.flattenTree(e.OID, full)
			if err != nil {
				return nil, err
			}
			for p, oid := range sub {
				flat[p] = oid
			}
		}
	}
	return flat, nil
}

func (w *Workspace) flattenCommit(commitOID string) (map[string]string, error) {
	info, err := w.readCommit(commitOID)
	if err != nil {
		return nil, err
	}
	return w.flattenTree(info.Tree, "")
}

// ReadBlob returns the raw bytes of a blob object.
func (w *Workspace) ReadBlob(oid string) ([]byte, error) {
	obj, err := w.store.GetObject(oid)
	if err != nil {
		return nil, err
	}
	if obj.Type != TypeBlob {
		return nil, fmt.Errorf("object %s is a %s, not a blob", oid, obj.Type)
	}
	return obj.Data, nil
}

// FilesAtCommit exposes the flat path -> blob oid listing of a commit.
func (w *Workspace) FilesAtCommit(commitOID string) (map[string]string, error) {
	return w.flattenCommit(commitOID)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
