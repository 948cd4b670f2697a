// Package files provides a typed overlay on the workspace keyed by logical
// path. It tracks per-file purposes and the unified diff of the last write.
package files

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/workspace"
)

// Code source extensions considered "relevant" for generation feedback.
var relevantExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".css": true, ".html": true, ".json": true, ".toml": true,
	".md": true, ".go": true, ".py": true, ".sql": true,
}

// Manager is the file manager over the workspace.
type Manager struct {
	ws    *workspace.Workspace
	mu    sync.RWMutex
	files map[string]*core.FileState

	redacted   map[string]bool
	doNotTouch map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithRedactedFiles marks paths excluded from "relevant" file listings.
func WithRedactedFiles(paths []string) Option {
	return func(m *Manager) {
		for _, p := range paths {
			m.redacted[workspace.NormalizePath(p)] = true
		}
	}
}

// WithDoNotTouchFiles marks paths the generator must never rewrite.
func WithDoNotTouchFiles(paths []string) Option {
	return func(m *Manager) {
		for _, p := range paths {
			m.doNotTouch[workspace.NormalizePath(p)] = true
		}
	}
}

// NewManager creates a file manager over the given workspace.
func NewManager(ws *workspace.Workspace, opts ...Option) *Manager {
	m := &Manager{
		ws:         ws,
		files:      make(map[string]*core.FileState),
		redacted:   make(map[string]bool),
		doNotTouch: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Workspace exposes the underlying workspace for history consumers such as
// the GitHub exporter.
func (m *Manager) Workspace() *workspace.Workspace {
	return m.ws
}

// GetFile returns the file state for a logical path, or nil.
func (m *Manager) GetFile(filePath string) *core.FileState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.files[workspace.NormalizePath(filePath)]
}

// GetAllFiles returns every tracked file, sorted by path.
func (m *Manager) GetAllFiles() []*core.FileState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.FileState, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// GetRelevantFiles returns generated code sources minus redacted and
// do-not-touch paths. This is the working set handed to fixer operations.
func (m *Manager) GetRelevantFiles() []*core.FileState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.FileState, 0, len(m.files))
	for p, f := range m.files {
		if m.redacted[p] || m.doNotTouch[p] {
			continue
		}
		if !relevantExtensions[strings.ToLower(path.Ext(p))] {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// GeneratedPaths lists every tracked path, sorted.
func (m *Manager) GeneratedPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// SaveFile writes one file through to the workspace and updates the map
// entry with the unified diff of new vs previous contents.
func (m *Manager) SaveFile(file core.FileOutput, commitMessage string) (*core.FileState, error) {
	state, err := m.stage(file)
	if err != nil {
		return nil, err
	}
	if _, err := m.ws.Commit(nil, commitMessage); err != nil {
		return nil, fmt.Errorf("committing %s: %w", file.FilePath, err)
	}
	return state, nil
}

// SaveFiles writes many files and creates a single commit with the
// aggregated message. Returns the saved states in input order.
func (m *Manager) SaveFiles(files []core.FileOutput, commitMessage string) ([]*core.FileState, error) {
	states := make([]*core.FileState, 0, len(files))
	for _, f := range files {
		state, err := m.stage(f)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if _, err := m.ws.Commit(nil, commitMessage); err != nil {
		return nil, fmt.Errorf("committing %d files: %w", len(files), err)
	}
	return states, nil
}

// stage writes the blob and updates the in-memory entry without committing.
func (m *Manager) stage(file core.FileOutput) (*core.FileState, error) {
	p := workspace.NormalizePath(file.FilePath)
	if p == "" {
		return nil, fmt.Errorf("empty file path")
	}

	m.mu.Lock()
	previous := ""
	if existing := m.files[p]; existing != nil {
		previous = existing.FileContents
	}
	state := &core.FileState{
		FilePath:     p,
		FileContents: file.FileContents,
		FilePurpose:  file.FilePurpose,
		LastDiff:     UnifiedDiff(previous, file.FileContents),
	}
	if state.FilePurpose == "" && m.files[p] != nil {
		state.FilePurpose = m.files[p].FilePurpose
	}
	m.files[p] = state
	m.mu.Unlock()

	if err := m.ws.Stage([]workspace.StagedFile{{Path: p, Contents: []byte(file.FileContents)}}); err != nil {
		return nil, fmt.Errorf("staging %s: %w", p, err)
	}
	return state, nil
}

// DeleteFiles removes paths from the file map. Workspace history keeps the
// old blobs; the caller is responsible for the matching sandbox rm.
func (m *Manager) DeleteFiles(paths []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := make([]string, 0, len(paths))
	for _, p := range paths {
		p = workspace.NormalizePath(p)
		if _, ok := m.files[p]; ok {
			delete(m.files, p)
			deleted = append(deleted, p)
		}
	}
	return deleted
}

// LoadSnapshot replaces the file map from a path -> contents listing, used
// when rehydrating an agent from its workspace HEAD.
func (m *Manager) LoadSnapshot(files map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string]*core.FileState, len(files))
	for p, contents := range files {
		p = workspace.NormalizePath(p)
		m.files[p] = &core.FileState{FilePath: p, FileContents: contents}
	}
}

// UnifiedDiff computes the unified diff between two versions of a file.
// A new file produces a full-add diff.
func UnifiedDiff(previous, current string) string {
	if previous == current {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(previous, current, true)
	dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(previous, diffs)
	return dmp.PatchToText(patches)
}
