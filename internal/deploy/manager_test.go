package deploy

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/sandbox"
)

// fakeSandbox records calls and serves canned exec output keyed by command
// substring.
type fakeSandbox struct {
	mu        sync.Mutex
	execs     []string
	deploys   int
	started   []string
	exposed   []int
	responses map[string]sandbox.ExecResult
	files     map[string][]byte
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		responses: make(map[string]sandbox.ExecResult),
		files:     make(map[string][]byte),
	}
}

func (f *fakeSandbox) Exec(_ context.Context, cmd string, _ sandbox.ExecOptions) (sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, cmd)
	for sub, res := range f.responses {
		if strings.Contains(cmd, sub) {
			return res, nil
		}
	}
	return sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *fakeSandbox) WriteFile(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeSandbox) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path], nil
}

func (f *fakeSandbox) DeletePath(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeSandbox) StartProcess(_ context.Context, cmd string, _ sandbox.ExecOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cmd)
	return "proc-1", nil
}

func (f *fakeSandbox) GetProcess(id string) (*sandbox.ProcessInfo, error) {
	return &sandbox.ProcessInfo{ID: id, Running: true}, nil
}

func (f *fakeSandbox) KillProcess(string) error { return nil }

func (f *fakeSandbox) ListProcesses() []sandbox.ProcessInfo { return nil }

func (f *fakeSandbox) ExposePort(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exposed = append(f.exposed, port)
	return nil
}

func (f *fakeSandbox) UnexposePort(int) error { return nil }

func (f *fakeSandbox) GetExposedPorts() []int { return append([]int(nil), f.exposed...) }

func (f *fakeSandbox) SetEnvVars(map[string]string) {}

func (f *fakeSandbox) Deploy(files map[string][]byte, _ sandbox.InstanceMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys++
	for p, d := range files {
		f.files[p] = d
	}
	return nil
}

func (f *fakeSandbox) InstanceID() string { return "fake" }
func (f *fakeSandbox) Metadata() (sandbox.InstanceMetadata, error) {
	return sandbox.InstanceMetadata{}, nil
}

func TestDeployToSandbox_FirstDeployBootstraps(t *testing.T) {
	t.Parallel()
	fs := newFakeSandbox()
	m := NewManager(fs, Config{ProjectName: "demo", Port: 9090}, nil)

	var completed string
	var setupRuns int
	preview, err := m.DeployToSandbox(context.Background(), map[string][]byte{"index.ts": []byte("x")}, false, "init", false, Callbacks{
		OnCompleted:        func(u string) { completed = u },
		AfterSetupCommands: func(results []sandbox.ExecResult) { setupRuns = len(results) },
	})
	if err != nil {
		t.Fatalf("DeployToSandbox() error = %v", err)
	}
	if preview != "http://localhost:9090" {
		t.Errorf("preview = %q", preview)
	}
	if completed != preview {
		t.Errorf("OnCompleted got %q, want %q", completed, preview)
	}
	if setupRuns != 1 {
		t.Errorf("AfterSetupCommands runs = %d, want 1", setupRuns)
	}
	if len(fs.started) != 1 {
		t.Errorf("started processes = %v, want one dev process", fs.started)
	}
	if len(fs.exposed) != 1 || fs.exposed[0] != 9090 {
		t.Errorf("exposed ports = %v, want [9090]", fs.exposed)
	}
}

func TestDeployToSandbox_EmptyRedeployReturnsCachedPreview(t *testing.T) {
	t.Parallel()
	fs := newFakeSandbox()
	m := NewManager(fs, Config{}, nil)

	first, err := m.DeployToSandbox(context.Background(), map[string][]byte{"a.ts": []byte("a")}, false, "", false, Callbacks{})
	if err != nil {
		t.Fatalf("first deploy error = %v", err)
	}
	deploysAfterFirst := fs.deploys

	second, err := m.DeployToSandbox(context.Background(), nil, true, "", false, Callbacks{})
	if err != nil {
		t.Fatalf("empty redeploy error = %v", err)
	}
	if second != first {
		t.Errorf("cached preview = %q, want %q", second, first)
	}
	if fs.deploys != deploysAfterFirst {
		t.Errorf("deploys = %d, want %d (no-op)", fs.deploys, deploysAfterFirst)
	}
}

func TestFetchRuntimeErrors_NotDeployedReturnsSynthetic(t *testing.T) {
	t.Parallel()
	m := NewManager(newFakeSandbox(), Config{}, nil)

	errs := m.FetchRuntimeErrors(context.Background(), false)
	if len(errs) != 1 {
		t.Fatalf("errors = %d, want 1 synthetic", len(errs))
	}
	if errs[0].Message != PreviewUnavailable {
		t.Errorf("message = %q, want synthetic unavailable", errs[0].Message)
	}
}

func TestFetchRuntimeErrors_ClearDrainsBuffer(t *testing.T) {
	t.Parallel()
	fs := newFakeSandbox()
	m := NewManager(fs, Config{}, nil)
	if _, err := m.DeployToSandbox(context.Background(), map[string][]byte{"a.ts": []byte("a")}, false, "", false, Callbacks{}); err != nil {
		t.Fatalf("deploy error = %v", err)
	}

	m.RecordRuntimeError(core.RuntimeError{Message: "TypeError: boom", Severity: "error", Timestamp: time.Now()})
	m.RecordRuntimeError(core.RuntimeError{Message: "ReferenceError: x", Severity: "error", Timestamp: time.Now()})

	errs := m.FetchRuntimeErrors(context.Background(), true)
	if len(errs) != 2 {
		t.Fatalf("errors = %d, want 2", len(errs))
	}
	if rest := m.FetchRuntimeErrors(context.Background(), false); len(rest) != 0 {
		t.Errorf("buffer after clear = %d entries, want 0", len(rest))
	}
}

func TestRunStaticAnalysis_ParsesToolOutput(t *testing.T) {
	t.Parallel()
	fs := newFakeSandbox()
	fs.responses["lint"] = sandbox.ExecResult{
		ExitCode: 1,
		Stdout:   "src/App.tsx:10:5: Unexpected console statement [no-console]\n",
	}
	fs.responses["tsc"] = sandbox.ExecResult{
		ExitCode: 2,
		Stdout:   "src/worker.ts(42,13): error TS2307: Cannot find module 'hono'.\n",
	}
	m := NewManager(fs, Config{}, nil)

	result := m.RunStaticAnalysis(context.Background(), []string{"src/App.tsx"})
	if len(result.Lint.Issues) != 1 {
		t.Fatalf("lint issues = %d, want 1", len(result.Lint.Issues))
	}
	li := result.Lint.Issues[0]
	if li.File != "src/App.tsx" || li.Line != 10 || li.Code != "no-console" {
		t.Errorf("lint issue = %+v", li)
	}
	if len(result.Typecheck.Issues) != 1 {
		t.Fatalf("typecheck issues = %d, want 1", len(result.Typecheck.Issues))
	}
	ti := result.Typecheck.Issues[0]
	if ti.Code != "TS2307" || ti.Line != 42 || !strings.Contains(ti.Message, "hono") {
		t.Errorf("typecheck issue = %+v", ti)
	}
}

func TestWaitForPreview_HonorsContext(t *testing.T) {
	t.Parallel()
	m := NewManager(newFakeSandbox(), Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := m.WaitForPreview(ctx); err == nil {
		t.Error("WaitForPreview() on undeployed manager should return ctx error")
	}
}

func TestErrorWatcher_TailsLog(t *testing.T) {
	t.Parallel()
	m := NewManager(newFakeSandbox(), Config{}, nil)
	root := t.TempDir()

	w, err := m.StartErrorWatcher(root)
	if err != nil {
		t.Fatalf("StartErrorWatcher() error = %v", err)
	}
	defer func() { _ = w.Close() }()

	logPath := w.path
	if err := appendLine(logPath, "TypeError: cannot read properties of undefined\n"); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.runtimeErrors)
		m.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runtimeErrors) != 1 {
		t.Fatalf("recorded errors = %d, want 1", len(m.runtimeErrors))
	}
	if !strings.Contains(m.runtimeErrors[0].Message, "TypeError") {
		t.Errorf("message = %q", m.runtimeErrors[0].Message)
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(line)
	return err
}
