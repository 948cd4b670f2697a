package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/logging"
)

// Local runs commands under data/instances/<instanceId>/ with a path guard
// that rejects any traversal outside the instance root.
type Local struct {
	instanceID string
	root       string
	logger     *logging.Logger

	mu        sync.Mutex
	env       map[string]string
	ports     map[int]bool
	processes map[string]*localProcess
}

type localProcess struct {
	info ProcessInfo
	cmd  *exec.Cmd
}

// NewLocal creates a sandbox instance rooted at baseDir/instances/<id>.
// A fresh instance id is allocated when id is empty.
func NewLocal(baseDir, id string, logger *logging.Logger) (*Local, error) {
	if id == "" {
		id = uuid.NewString()
	}
	root, err := filepath.Abs(filepath.Join(baseDir, "instances", id))
	if err != nil {
		return nil, fmt.Errorf("resolving instance root: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating instance directory: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Local{
		instanceID: id,
		root:       root,
		logger:     logger.With("instance_id", id),
		env:        make(map[string]string),
		ports:      make(map[int]bool),
		processes:  make(map[string]*localProcess),
	}, nil
}

// InstanceID returns the instance identifier.
func (l *Local) InstanceID() string { return l.instanceID }

// Root returns the instance directory.
func (l *Local) Root() string { return l.root }

// resolve confines a sandbox-relative path to the instance root. Paths
// containing traversal segments are rejected outright.
func (l *Local) resolve(p string) (string, error) {
	if strings.Contains(p, "..") {
		return "", core.ErrSecurity("PATH_TRAVERSAL", fmt.Sprintf("path %q escapes the sandbox", p))
	}
	full := filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
	if !strings.HasPrefix(full, l.root+string(os.PathSeparator)) && full != l.root {
		return "", core.ErrSecurity("PATH_TRAVERSAL", fmt.Sprintf("path %q escapes the sandbox", p))
	}
	return full, nil
}

// Exec runs a command with the instance directory (or opts.Cwd under it) as
// the working directory, capturing stdout, stderr, and the exit code.
func (l *Local) Exec(ctx context.Context, cmdline string, opts ExecOptions) (ExecResult, error) {
	cwd := l.root
	if opts.Cwd != "" {
		resolved, err := l.resolve(opts.Cwd)
		if err != nil {
			return ExecResult{}, err
		}
		cwd = resolved
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = cwd
	cmd.Env = l.environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result, core.ErrTimeout(fmt.Sprintf("command %q timed out", cmdline))
	}
	if err != nil && result.ExitCode < 0 {
		return result, fmt.Errorf("running %q: %w", cmdline, err)
	}
	l.logger.Debug("command executed", "cmd", cmdline, "exit_code", result.ExitCode)
	return result, nil
}

func (l *Local) environ() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	env := os.Environ()
	for k, v := range l.env {
		env = append(env, k+"="+v)
	}
	return env
}

// WriteFile writes a file inside the instance, creating parent directories.
func (l *Local) WriteFile(path string, data []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("creating directories for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a file from the instance.
func (l *Local) ReadFile(path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// DeletePath removes a file or directory tree inside the instance.
func (l *Local) DeletePath(path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}

// StartProcess launches a detached process and returns its string id.
func (l *Local) StartProcess(ctx context.Context, cmdline string, opts ExecOptions) (string, error) {
	cwd := l.root
	if opts.Cwd != "" {
		resolved, err := l.resolve(opts.Cwd)
		if err != nil {
			return "", err
		}
		cwd = resolved
	}

	cmd := exec.Command("sh", "-c", cmdline)
	cmd.Dir = cwd
	cmd.Env = l.environ()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %q: %w", cmdline, err)
	}

	id := uuid.NewString()
	lp := &localProcess{
		info: ProcessInfo{
			ID:        id,
			PID:       cmd.Process.Pid,
			Command:   cmdline,
			StartedAt: time.Now(),
			Running:   true,
		},
		cmd: cmd,
	}

	l.mu.Lock()
	l.processes[id] = lp
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		l.mu.Lock()
		lp.info.Running = false
		l.mu.Unlock()
	}()

	l.logger.Info("process started", "process_id", id, "pid", cmd.Process.Pid, "cmd", cmdline)
	return id, nil
}

// GetProcess returns info for a process id, refreshing CPU and memory stats
// for processes still running.
func (l *Local) GetProcess(id string) (*ProcessInfo, error) {
	l.mu.Lock()
	lp, ok := l.processes[id]
	if !ok {
		l.mu.Unlock()
		return nil, core.ErrNotFound("PROCESS_NOT_FOUND", fmt.Sprintf("process %s not found", id))
	}
	info := lp.info
	l.mu.Unlock()

	if info.Running {
		if p, err := process.NewProcess(int32(info.PID)); err == nil {
			if cpu, err := p.CPUPercent(); err == nil {
				info.CPUPercent = cpu
			}
			if mem, err := p.MemoryInfo(); err == nil && mem != nil {
				info.MemoryRSS = mem.RSS
			}
		}
	}
	return &info, nil
}

// KillProcess terminates a detached process.
func (l *Local) KillProcess(id string) error {
	l.mu.Lock()
	lp, ok := l.processes[id]
	l.mu.Unlock()
	if !ok {
		return core.ErrNotFound("PROCESS_NOT_FOUND", fmt.Sprintf("process %s not found", id))
	}
	if lp.cmd.Process != nil {
		if err := lp.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
			return fmt.Errorf("killing process %s: %w", id, err)
		}
	}
	l.mu.Lock()
	lp.info.Running = false
	l.mu.Unlock()
	return nil
}

// ListProcesses returns all known processes with refreshed stats.
func (l *Local) ListProcesses() []ProcessInfo {
	l.mu.Lock()
	ids := make([]string, 0, len(l.processes))
	for id := range l.processes {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Strings(ids)

	out := make([]ProcessInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := l.GetProcess(id); err == nil {
			out = append(out, *info)
		}
	}
	return out
}

// ExposePort records a port as exposed for preview traffic.
func (l *Local) ExposePort(port int) error {
	if port <= 0 || port > 65535 {
		return core.ErrValidation("INVALID_PORT", fmt.Sprintf("port %d out of range", port))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ports[port] = true
	return nil
}

// UnexposePort removes a port from the exposed set.
func (l *Local) UnexposePort(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ports, port)
	return nil
}

// GetExposedPorts returns exposed ports in ascending order.
func (l *Local) GetExposedPorts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(l.ports))
	for p := range l.ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// SetEnvVars merges environment variables applied to later executions.
func (l *Local) SetEnvVars(vars map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range vars {
		l.env[k] = v
	}
}

// Deploy writes a batch of files and persists the instance metadata.
func (l *Local) Deploy(files map[string][]byte, meta InstanceMetadata) error {
	for path, data := range files {
		if err := l.WriteFile(path, data); err != nil {
			return err
		}
	}
	return l.writeMetadata(meta)
}

// Metadata reads the persisted instance metadata.
func (l *Local) Metadata() (InstanceMetadata, error) {
	data, err := os.ReadFile(filepath.Join(l.root, "metadata.json"))
	if err != nil {
		return InstanceMetadata{}, fmt.Errorf("reading metadata: %w", err)
	}
	var meta InstanceMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return InstanceMetadata{}, fmt.Errorf("parsing metadata: %w", err)
	}
	return meta, nil
}

// writeMetadata persists metadata.json atomically so a crash mid-deploy
// never leaves a truncated file.
func (l *Local) writeMetadata(meta InstanceMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(l.root, "metadata.json"), data, 0o640); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}
