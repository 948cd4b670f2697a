package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

// missingModuleRe pulls the module specifier out of a TS2307 message.
var missingModuleRe = regexp.MustCompile(`Cannot find module '([^']+)'`)

// applyDeterministicFixes handles issue classes with a known mechanical
// remedy before spending any inference on them. Currently: missing module
// errors become a single install command.
func (a *Agent) applyDeterministicFixes(ctx context.Context, issues core.ProjectIssues) {
	modules := missingModules(issues)
	if len(modules) == 0 {
		return
	}

	a.hub.Broadcast(ws.TypeDeterministicCodeFixStarted, fixPayload{Modules: modules})
	a.executeCommands(ctx, []string{"bun install " + strings.Join(modules, " ")})
	a.hub.Broadcast(ws.TypeDeterministicCodeFixCompleted, fixPayload{Modules: modules})
}

// missingModules extracts installable package names from TS2307 issues.
// Relative imports and workspace-internal aliases are the project's own
// files, not packages, so they are excluded.
func missingModules(issues core.ProjectIssues) []string {
	seen := map[string]bool{}
	for _, issue := range issues.StaticAnalysis.Typecheck.Issues {
		if issue.Code != "TS2307" {
			continue
		}
		m := missingModuleRe.FindStringSubmatch(issue.Message)
		if m == nil {
			continue
		}
		name := m[1]
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "@shared") {
			continue
		}
		seen[name] = true
	}
	modules := make([]string, 0, len(seen))
	for name := range seen {
		modules = append(modules, name)
	}
	sort.Strings(modules)
	return modules
}

// applyFastFixes runs the cheap whole-project fixer over current issues and
// commits whatever files it rewrites.
func (a *Agent) applyFastFixes(ctx context.Context, issues core.ProjectIssues) {
	octx := a.operationContext(a.drainUserInputs())
	octx.Issues = issues

	fixed, err := a.ops.FastCodeFixer(ctx, octx)
	if err != nil {
		a.logger.Warn("fast code fixer failed", "error", err)
		return
	}
	if len(fixed) == 0 {
		return
	}

	states, err := a.files.SaveFiles(fixed, "fix: apply fast code fixes")
	if err != nil {
		a.logger.Warn("saving fast fixes failed", "error", err)
		return
	}
	for _, s := range states {
		a.hub.Broadcast(ws.TypeFileGenerated, filePayload{
			FilePath:    s.FilePath,
			FilePurpose: s.FilePurpose,
			Diff:        s.LastDiff,
		})
	}
	a.mu.Lock()
	a.syncStateFilesLocked()
	a.mu.Unlock()
}

// RegenerateFile rewrites one file that issues point at. Paths reported by
// tools often differ slightly from tracked paths (stripped prefixes, wrong
// extension), so an unknown path falls back to fuzzy matching against the
// tracked set.
func (a *Agent) RegenerateFile(ctx context.Context, filePath string, issues core.ProjectIssues, retryIndex int) (*core.FileState, error) {
	target := a.files.GetFile(filePath)
	if target == nil {
		resolved, ok := a.resolvePath(filePath)
		if !ok {
			return nil, core.ErrNotFound("FILE_NOT_TRACKED", fmt.Sprintf("no tracked file matches %q", filePath))
		}
		target = a.files.GetFile(resolved)
	}

	a.hub.Broadcast(ws.TypeFileRegenerating, filePayload{FilePath: target.FilePath})

	octx := a.operationContext(a.drainUserInputs())
	octx.Issues = issues
	out, err := a.ops.RegenerateFile(ctx, octx, target, retryIndex)
	if err != nil {
		return nil, err
	}

	state, err := a.files.SaveFile(*out, fmt.Sprintf("fix: regenerate %s", target.FilePath))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.syncStateFilesLocked()
	a.mu.Unlock()

	a.hub.Broadcast(ws.TypeFileRegenerated, filePayload{
		FilePath:    state.FilePath,
		FilePurpose: state.FilePurpose,
		Diff:        state.LastDiff,
	})
	return state, nil
}

// resolvePath fuzzy-matches an unrecognized path against tracked paths.
func (a *Agent) resolvePath(filePath string) (string, bool) {
	paths := a.files.GeneratedPaths()
	matches := fuzzy.Find(filePath, paths)
	if len(matches) == 0 {
		return "", false
	}
	return paths[matches[0].Index], true
}

type fixPayload struct {
	Modules []string `json:"modules,omitempty"`
}
