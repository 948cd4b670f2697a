// Package deploy provisions sandbox instances, pushes generated files into
// them, and harvests the runtime errors and static analysis findings that
// drive the agent's self-repair loop.
package deploy

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/logging"
	"github.com/ntheanh201/vibesdk/internal/sandbox"
)

// PreviewUnavailable is the synthetic runtime error returned while the
// preview is not deployed.
const PreviewUnavailable = "<runtime errors not available at the moment as preview is not deployed>"

// Callbacks observe a deployment's lifecycle. All fields are optional.
type Callbacks struct {
	OnStarted          func()
	OnCompleted        func(previewURL string)
	OnError            func(err error)
	AfterSetupCommands func(results []sandbox.ExecResult)
}

// Config describes how the manager bootstraps and analyzes an instance.
type Config struct {
	TemplateName     string
	ProjectName      string
	Host             string // preview host, default "localhost"
	Port             int    // preview port, default 8787
	BootstrapCommand string // template bootstrap script
	DevCommand       string // long-running dev server command
	LintCommand      string
	TypecheckCommand string
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8787
	}
	if c.BootstrapCommand == "" {
		c.BootstrapCommand = "sh .bootstrap.js 2>/dev/null || node .bootstrap.js"
	}
	if c.DevCommand == "" {
		c.DevCommand = "bun run dev"
	}
	if c.LintCommand == "" {
		c.LintCommand = "bun run lint --format compact"
	}
	if c.TypecheckCommand == "" {
		c.TypecheckCommand = "bunx tsc --noEmit --pretty false"
	}
	return c
}

// Manager is the deployment manager. One manager owns one sandbox
// session at a time; GenerateNewSessionID rotates it.
type Manager struct {
	sb     sandbox.Sandbox
	cfg    Config
	logger *logging.Logger

	mu            sync.Mutex
	sessionID     string
	previewURL    string
	deployed      bool
	processID     string
	runtimeErrors []core.RuntimeError
}

// NewManager creates a deployment manager over a sandbox instance.
func NewManager(sb sandbox.Sandbox, cfg Config, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		sb:        sb,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// SessionID returns the current sandbox session id.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// GenerateNewSessionID rotates the session id and returns it.
func (m *Manager) GenerateNewSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = uuid.NewString()
	return m.sessionID
}

// DeployToSandbox writes files into the instance and (on first deploy)
// bootstraps it and starts the dev process. A redeploy with an empty file
// set is a no-op that returns the cached preview URL.
func (m *Manager) DeployToSandbox(ctx context.Context, files map[string][]byte, redeploy bool, commitMessage string, clearLogs bool, cb Callbacks) (string, error) {
	m.mu.Lock()
	alreadyDeployed := m.deployed
	cachedPreview := m.previewURL
	m.mu.Unlock()

	if len(files) == 0 && alreadyDeployed {
		return cachedPreview, nil
	}

	if cb.OnStarted != nil {
		cb.OnStarted()
	}

	meta := sandbox.InstanceMetadata{
		TemplateName:  m.cfg.TemplateName,
		ProjectName:   m.cfg.ProjectName,
		StartTime:     time.Now(),
		AllocatedPort: m.cfg.Port,
	}
	if err := m.sb.Deploy(files, meta); err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return "", fmt.Errorf("deploying files: %w", err)
	}

	if clearLogs {
		m.mu.Lock()
		m.runtimeErrors = nil
		m.mu.Unlock()
	}

	if !alreadyDeployed || !redeploy {
		if err := m.bootstrap(ctx, cb); err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return "", err
		}
	}

	preview := fmt.Sprintf("http://%s:%d", m.cfg.Host, m.cfg.Port)
	m.mu.Lock()
	m.previewURL = preview
	m.deployed = true
	m.mu.Unlock()

	m.logger.Info("deployment completed", "preview_url", preview, "files", len(files), "commit", commitMessage)
	if cb.OnCompleted != nil {
		cb.OnCompleted(preview)
	}
	return preview, nil
}

// bootstrap runs the template setup script, starts the dev process and
// exposes the preview port.
func (m *Manager) bootstrap(ctx context.Context, cb Callbacks) error {
	result, err := m.sb.Exec(ctx, m.cfg.BootstrapCommand, sandbox.ExecOptions{Timeout: 5 * time.Minute})
	if err != nil {
		return fmt.Errorf("running bootstrap: %w", err)
	}
	if cb.AfterSetupCommands != nil {
		cb.AfterSetupCommands([]sandbox.ExecResult{result})
	}
	if !result.Success() {
		m.logger.Warn("bootstrap exited non-zero", "exit_code", result.ExitCode, "stderr", result.Stderr)
	}

	pid, err := m.sb.StartProcess(ctx, m.cfg.DevCommand, sandbox.ExecOptions{})
	if err != nil {
		return fmt.Errorf("starting dev process: %w", err)
	}
	if err := m.sb.ExposePort(m.cfg.Port); err != nil {
		return fmt.Errorf("exposing preview port: %w", err)
	}

	m.mu.Lock()
	m.processID = pid
	m.mu.Unlock()
	return nil
}

// DeployToCloudflare is a stub; remote deployment is handled outside the
// agent core.
func (m *Manager) DeployToCloudflare(_ context.Context, cb Callbacks) error {
	if cb.OnCompleted != nil {
		cb.OnCompleted("")
	}
	return nil
}

// WaitForPreview blocks until the preview URL is populated or ctx ends.
func (m *Manager) WaitForPreview(ctx context.Context) (string, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		preview := m.previewURL
		deployed := m.deployed
		m.mu.Unlock()
		if deployed && preview != "" {
			return preview, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// RecordRuntimeError appends a runtime error observed by the log watcher.
func (m *Manager) RecordRuntimeError(e core.RuntimeError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimeErrors = append(m.runtimeErrors, e)
}

// FetchRuntimeErrors returns accumulated runtime errors, optionally
// clearing them. While the preview is not deployed it kicks a background
// redeploy and returns the synthetic unavailable error.
func (m *Manager) FetchRuntimeErrors(ctx context.Context, clear bool) []core.RuntimeError {
	m.mu.Lock()
	deployed := m.deployed
	errs := make([]core.RuntimeError, len(m.runtimeErrors))
	copy(errs, m.runtimeErrors)
	if clear {
		m.runtimeErrors = nil
	}
	m.mu.Unlock()

	if !deployed {
		go func() {
			if _, err := m.DeployToSandbox(context.WithoutCancel(ctx), nil, true, "", false, Callbacks{}); err != nil {
				m.logger.Warn("background redeploy failed", "error", err)
			}
		}()
		return []core.RuntimeError{{
			Message:   PreviewUnavailable,
			Timestamp: time.Now(),
			Severity:  "warning",
		}}
	}
	return errs
}

// issueLineRe matches "file(line,col): code message" (tsc) and
// "file:line:col: message [code]" (eslint compact) shapes.
var (
	tscIssueRe  = regexp.MustCompile(`^(.+)\((\d+),(\d+)\): error (TS\d+): (.+)$`)
	lintIssueRe = regexp.MustCompile(`^(.+?):(\d+):(\d+): (.+?) \[([\w/-]+)\]$`)
)

// RunStaticAnalysis runs lint and typecheck in the sandbox. Tool failures
// degrade to empty issue lists; the analysis itself never errors.
func (m *Manager) RunStaticAnalysis(ctx context.Context, paths []string) core.StaticAnalysisResult {
	var result core.StaticAnalysisResult

	scope := ""
	if len(paths) > 0 {
		scope = " " + strings.Join(paths, " ")
	}

	if out, err := m.sb.Exec(ctx, m.cfg.LintCommand+scope, sandbox.ExecOptions{Timeout: 2 * time.Minute}); err != nil {
		m.logger.Warn("lint run failed", "error", err)
	} else {
		result.Lint = parseLintOutput(out.Stdout + out.Stderr)
	}

	if out, err := m.sb.Exec(ctx, m.cfg.TypecheckCommand, sandbox.ExecOptions{Timeout: 2 * time.Minute}); err != nil {
		m.logger.Warn("typecheck run failed", "error", err)
	} else {
		result.Typecheck = parseTypecheckOutput(out.Stdout + out.Stderr)
	}

	result.Lint.Summary = fmt.Sprintf("%d lint issues", len(result.Lint.Issues))
	result.Typecheck.Summary = fmt.Sprintf("%d typecheck issues", len(result.Typecheck.Issues))
	return result
}

func parseLintOutput(out string) core.AnalysisReport {
	var report core.AnalysisReport
	for _, line := range strings.Split(out, "\n") {
		if m := lintIssueRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			colNo, _ := strconv.Atoi(m[3])
			report.Issues = append(report.Issues, core.LintIssue{
				File: m[1], Line: lineNo, Column: colNo,
				Message: m[4], Code: m[5], Severity: "warning",
			})
		}
	}
	return report
}

func parseTypecheckOutput(out string) core.AnalysisReport {
	var report core.AnalysisReport
	for _, line := range strings.Split(out, "\n") {
		if m := tscIssueRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			colNo, _ := strconv.Atoi(m[3])
			report.Issues = append(report.Issues, core.LintIssue{
				File: m[1], Line: lineNo, Column: colNo,
				Code: m[4], Message: m[5], Severity: "error",
			})
		}
	}
	return report
}
