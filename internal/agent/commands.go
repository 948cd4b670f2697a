package agent

import (
	"context"
	"strings"
	"time"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/sandbox"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

const (
	commandChunkSize = 5
	commandRetries   = 3
	commandTimeout   = 3 * time.Minute
)

// executeCommands runs generated shell commands in the sandbox. Commands are
// filtered, deduplicated against history, run in chunks, and retried with
// AI-suggested alternatives when an install fails. Failures never abort the
// build; they surface through the issues channel on the next phase.
func (a *Agent) executeCommands(ctx context.Context, cmds []string) {
	cmds = core.FilterCommands(cmds)
	if len(cmds) == 0 {
		return
	}

	a.mu.Lock()
	ran := make(map[string]bool, len(a.state.CommandsHistory))
	for _, c := range a.state.CommandsHistory {
		ran[c] = true
	}
	a.mu.Unlock()

	fresh := make([]string, 0, len(cmds))
	mutating := false
	for _, c := range cmds {
		if ran[c] {
			continue
		}
		fresh = append(fresh, c)
		if core.IsDependencyMutating(c) {
			mutating = true
		}
	}

	for start := 0; start < len(fresh); start += commandChunkSize {
		end := start + commandChunkSize
		if end > len(fresh) {
			end = len(fresh)
		}
		a.runCommandChunk(ctx, fresh[start:end])
	}

	if mutating {
		a.syncPackageJSON(ctx)
	}
}

// runCommandChunk joins up to commandChunkSize commands and executes them as
// one shell line, retrying individually on failure.
func (a *Agent) runCommandChunk(ctx context.Context, chunk []string) {
	line := strings.Join(chunk, " && ")
	a.hub.Broadcast(ws.TypeCommandExecuting, commandPayload{Command: line})

	result, err := a.sb.Exec(ctx, line, sandbox.ExecOptions{Timeout: commandTimeout})
	if err == nil && result.Success() {
		a.recordCommands(chunk)
		return
	}

	// The combined line failed somewhere; fall back to per-command retries
	// so one bad command doesn't sink its neighbors.
	for _, cmd := range chunk {
		if succeeded, ok := a.runCommandWithRetries(ctx, cmd); ok {
			a.recordCommands([]string{succeeded})
		}
	}
}

// runCommandWithRetries executes one command up to commandRetries times.
// Install failures additionally consult the setup assistant for alternative
// commands; non-install failures just retry as-is. It returns the command
// line that actually succeeded, which may be an assistant alternative
// rather than the original.
func (a *Agent) runCommandWithRetries(ctx context.Context, cmd string) (string, bool) {
	current := cmd
	var lastOutput string
	for attempt := 0; attempt < commandRetries; attempt++ {
		if ctx.Err() != nil {
			return "", false
		}
		result, err := a.sb.Exec(ctx, current, sandbox.ExecOptions{Timeout: commandTimeout})
		if err == nil && result.Success() {
			return current, true
		}
		if err != nil {
			lastOutput = err.Error()
		} else {
			lastOutput = result.Stderr
		}
		a.logger.Warn("command failed", "command", current, "attempt", attempt+1, "output", firstLines(lastOutput, 5))

		if !core.IsInstallCommand(cmd) {
			continue
		}
		alternatives, aerr := a.ops.ProjectSetupAssistant(ctx, current, lastOutput)
		if aerr != nil || len(alternatives) == 0 {
			continue
		}
		current = alternatives[0]
	}
	return "", false
}

func (a *Agent) recordCommands(cmds []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.CommandsHistory = core.FilterCommands(append(a.state.CommandsHistory, cmds...))
	a.state.UpdatedAt = time.Now()
}

// syncPackageJSON re-reads package.json from the sandbox after dependency
// mutations and commits it when it drifted from the tracked copy, so the
// workspace history reflects what is actually installed.
func (a *Agent) syncPackageJSON(ctx context.Context) {
	_ = ctx
	data, err := a.sb.ReadFile("package.json")
	if err != nil || len(data) == 0 {
		return
	}
	contents := string(data)

	a.mu.Lock()
	unchanged := contents == a.state.LastPackageJSON
	a.mu.Unlock()
	if unchanged {
		return
	}

	state, err := a.files.SaveFile(core.FileOutput{
		FilePath:     "package.json",
		FileContents: contents,
		FilePurpose:  "project manifest",
	}, "chore: sync package.json dependencies from sandbox")
	if err != nil {
		a.logger.Warn("package.json sync failed", "error", err)
		return
	}

	a.mu.Lock()
	a.state.LastPackageJSON = contents
	a.syncStateFilesLocked()
	a.mu.Unlock()

	a.hub.Broadcast(ws.TypeFileGenerated, filePayload{
		FilePath:    state.FilePath,
		FilePurpose: state.FilePurpose,
		Diff:        state.LastDiff,
	})
}

// deletePaths removes files both from the tracked map and the sandbox.
func (a *Agent) deletePaths(ctx context.Context, paths []string) {
	_ = ctx
	deleted := a.files.DeleteFiles(paths)
	for _, p := range deleted {
		if err := a.sb.DeletePath(p); err != nil {
			a.logger.Warn("sandbox delete failed", "path", p, "error", err)
		}
	}
	if len(deleted) > 0 {
		a.mu.Lock()
		a.syncStateFilesLocked()
		a.mu.Unlock()
	}
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

type commandPayload struct {
	Command string `json:"command"`
}
