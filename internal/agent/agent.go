// Package agent hosts the code generation agent: one durable state machine
// per project that turns a user query into a deployed application through
// phased LLM generation, sandbox execution and self-repair.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ntheanh201/vibesdk/internal/conversation"
	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/deploy"
	"github.com/ntheanh201/vibesdk/internal/files"
	"github.com/ntheanh201/vibesdk/internal/inference"
	"github.com/ntheanh201/vibesdk/internal/logging"
	"github.com/ntheanh201/vibesdk/internal/operations"
	"github.com/ntheanh201/vibesdk/internal/ratelimit"
	"github.com/ntheanh201/vibesdk/internal/sandbox"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

// Config carries the identity and collaborators of one agent.
type Config struct {
	AgentID      core.AgentID
	UserID       string
	SessionID    string
	HostName     string
	TemplateName string
	Behavior     core.BehaviorType

	Operations *operations.Registry
	Files      *files.Manager
	Sandbox    sandbox.Sandbox
	Deployer   *deploy.Manager
	Hub        *ws.Hub
	Convo      *conversation.Store
}

// Option configures optional agent collaborators.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithRateLimiter enables per-user inference rate limiting.
func WithRateLimiter(store *ratelimit.Store, cfg ratelimit.Config) Option {
	return func(a *Agent) {
		a.limiter = store
		a.limiterCfg = cfg
	}
}

// Agent is the per-project code generation agent.
type Agent struct {
	logger     *logging.Logger
	ops        *operations.Registry
	files      *files.Manager
	sb         sandbox.Sandbox
	deployer   *deploy.Manager
	hub        *ws.Hub
	convo      *conversation.Store
	limiter    *ratelimit.Store
	limiterCfg ratelimit.Config

	mu    sync.Mutex
	state core.AgentState

	building      bool
	buildCancel   context.CancelFunc
	pendingImages []inference.Image

	deepDebugRunning bool
}

// New creates an agent from its configuration. The agent starts idle; call
// Initialize to produce the blueprint and then Build to run the loop.
func New(cfg Config, opts ...Option) *Agent {
	behavior := cfg.Behavior
	if behavior == "" {
		behavior = core.BehaviorPhasic
	}
	a := &Agent{
		logger:   logging.NewNop(),
		ops:      cfg.Operations,
		files:    cfg.Files,
		sb:       cfg.Sandbox,
		deployer: cfg.Deployer,
		hub:      cfg.Hub,
		convo:    cfg.Convo,
		state: core.AgentState{
			Behavior:     behavior,
			AgentID:      cfg.AgentID,
			SessionID:    cfg.SessionID,
			HostName:     cfg.HostName,
			UserID:       cfg.UserID,
			TemplateName: cfg.TemplateName,
			DevState:     core.DevStateIdle,
			PhasesBudget: core.MaxPhases,
			Files:        make(map[string]*core.FileState),
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithAgent(string(cfg.AgentID))
	if a.hub != nil {
		a.hub.SetProjectUpdateSink(func(text string) {
			a.mu.Lock()
			a.state.ProjectUpdates = append(a.state.ProjectUpdates, text)
			a.mu.Unlock()
		})
	}
	return a
}

// ID returns the agent id.
func (a *Agent) ID() core.AgentID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.AgentID
}

// State returns a copy of the current agent state.
func (a *Agent) State() core.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Hub exposes the agent's websocket hub for connection attachment.
func (a *Agent) Hub() *ws.Hub { return a.hub }

// PreviewURL blocks until the sandbox preview is available and returns it.
func (a *Agent) PreviewURL(ctx context.Context) (string, error) {
	return a.deployer.WaitForPreview(ctx)
}

// Initialize produces the blueprint from the user query, derives the project
// name, commits the template baseline, and kicks off background setup.
// Blueprint chunks stream out as conversation responses while they arrive.
func (a *Agent) Initialize(ctx context.Context, query string, images []inference.Image) (*core.Blueprint, error) {
	a.mu.Lock()
	a.state.Query = query
	a.mu.Unlock()

	conversationID := uuid.NewString()
	var streamed strings.Builder
	blueprint, err := a.ops.GenerateBlueprint(ctx, a.operationContext(operations.UserContext{Images: images}), func(chunk string) {
		streamed.WriteString(chunk)
		a.hub.Broadcast(ws.TypeConversationResponse, conversationResponsePayload{
			ConversationID: conversationID,
			Content:        streamed.String(),
			IsStreaming:    true,
		})
	})
	if err != nil {
		return nil, err
	}
	blueprint.ProjectName = DeriveProjectName(blueprint.Title)

	a.mu.Lock()
	a.state.Blueprint = blueprint
	a.state.ProjectName = blueprint.ProjectName
	if blueprint.InitialPhase != nil {
		a.state.Phases = append(a.state.Phases, core.PhaseState{Concept: *blueprint.InitialPhase})
	}
	a.state.UpdatedAt = time.Now()
	a.mu.Unlock()

	if err := a.commitBaseline(blueprint); err != nil {
		return nil, err
	}

	go a.initializeAsync(context.WithoutCancel(ctx))
	return blueprint, nil
}

// commitBaseline customizes the template identity files and creates the
// first workspace commit.
func (a *Agent) commitBaseline(bp *core.Blueprint) error {
	baseline := []core.FileOutput{
		{
			FilePath:     "package.json",
			FileContents: fmt.Sprintf("{\n  \"name\": %q,\n  \"private\": true,\n  \"type\": \"module\"\n}\n", bp.ProjectName),
			FilePurpose:  "project manifest",
		},
		{
			FilePath:     "index.html",
			FileContents: fmt.Sprintf("<!doctype html>\n<html>\n<head><title>%s</title></head>\n<body><div id=\"root\"></div></body>\n</html>\n", bp.Title),
			FilePurpose:  "application entry document",
		},
	}
	if _, err := a.files.SaveFiles(baseline, "chore: initialize project from template"); err != nil {
		return fmt.Errorf("committing template baseline: %w", err)
	}
	a.mu.Lock()
	a.state.LastPackageJSON = baseline[0].FileContents
	a.syncStateFilesLocked()
	a.mu.Unlock()
	return nil
}

// initializeAsync runs first deployment, setup command prediction and README
// generation concurrently. Failures are logged, never fatal: the build loop
// can proceed without any of them.
func (a *Agent) initializeAsync(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := a.deployGenerated(gctx, false, "initial deployment")
		if err != nil {
			a.logger.Warn("initial deployment failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		cmds, err := a.ops.PredictSetupCommands(gctx, a.operationContext(operations.UserContext{}))
		if err != nil {
			a.logger.Warn("setup command prediction failed", "error", err)
			return nil
		}
		if len(cmds) > 0 {
			a.executeCommands(gctx, cmds)
		}
		return nil
	})

	g.Go(func() error {
		readme, err := a.ops.GenerateReadme(gctx, a.operationContext(operations.UserContext{}))
		if err != nil {
			a.logger.Warn("readme generation failed", "error", err)
			return nil
		}
		if _, err := a.files.SaveFile(core.FileOutput{
			FilePath:     "README.md",
			FileContents: readme,
			FilePurpose:  "project documentation",
		}, "docs: generate README"); err != nil {
			a.logger.Warn("readme save failed", "error", err)
			return nil
		}
		a.mu.Lock()
		a.syncStateFilesLocked()
		a.mu.Unlock()
		return nil
	})

	_ = g.Wait()
}

// deployGenerated pushes the current file set into the sandbox and
// broadcasts the deployment lifecycle.
func (a *Agent) deployGenerated(ctx context.Context, redeploy bool, commitMessage string) (string, error) {
	payload := map[string][]byte{}
	for _, f := range a.files.GetAllFiles() {
		payload[f.FilePath] = []byte(f.FileContents)
	}
	return a.deployer.DeployToSandbox(ctx, payload, redeploy, commitMessage, false, deploy.Callbacks{
		OnStarted: func() {
			a.hub.Broadcast(ws.TypeDeploymentStarted, deploymentPayload{Message: commitMessage})
		},
		OnCompleted: func(previewURL string) {
			a.hub.Broadcast(ws.TypeDeploymentCompleted, deploymentPayload{PreviewURL: previewURL})
		},
		OnError: func(err error) {
			a.hub.Broadcast(ws.TypeDeploymentFailed, deploymentPayload{Error: err.Error()})
		},
		AfterSetupCommands: func(results []sandbox.ExecResult) {
			a.syncPackageJSON(ctx)
			_ = results
		},
	})
}

// syncStateFilesLocked refreshes the durable file map from the file manager.
// Callers hold a.mu.
func (a *Agent) syncStateFilesLocked() {
	snapshot := make(map[string]*core.FileState)
	for _, f := range a.files.GetAllFiles() {
		snapshot[f.FilePath] = f
	}
	a.state.Files = snapshot
	a.state.UpdatedAt = time.Now()
}

// operationContext assembles the shared operation input from current state.
func (a *Agent) operationContext(user operations.UserContext) operations.OperationContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	phases := make([]core.PhaseConcept, 0, len(a.state.Phases))
	for _, p := range a.state.Phases {
		if p.Completed {
			phases = append(phases, p.Concept)
		}
	}
	return operations.OperationContext{
		Query:           a.state.Query,
		TemplateName:    a.state.TemplateName,
		Blueprint:       a.state.Blueprint,
		Phases:          phases,
		Files:           a.files.GetRelevantFiles(),
		CommandsHistory: append([]string(nil), a.state.CommandsHistory...),
		User:            user,
	}
}

// projectNameSuffixLen is the uuid fragment appended to derived names.
const projectNameSuffixLen = 8

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveProjectName turns a blueprint title into a sandbox-safe project
// name: lowercased, punctuation collapsed to dashes, truncated, and suffixed
// with a uuid fragment for uniqueness.
func DeriveProjectName(title string) string {
	name := strings.ToLower(strings.TrimSpace(title))
	name = nonAlnumRe.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "app"
	}
	if len(name) > 20 {
		name = strings.Trim(name[:20], "-")
	}
	return name + "-" + uuid.NewString()[:projectNameSuffixLen]
}

// --- websocket payloads ---

type conversationResponsePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	IsStreaming    bool   `json:"isStreaming,omitempty"`
	Tool           string `json:"tool,omitempty"`
}

type deploymentPayload struct {
	PreviewURL string `json:"previewUrl,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

type phasePayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
	LastPhase   bool     `json:"lastPhase,omitempty"`
}

type filePayload struct {
	FilePath    string `json:"filePath"`
	FilePurpose string `json:"filePurpose,omitempty"`
	Chunk       string `json:"chunk,omitempty"`
	Diff        string `json:"diff,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
