// Package api exposes the HTTP and websocket surface of the service: agent
// lifecycle, app catalog, sessions, and the middleware chain guarding them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ntheanh201/vibesdk/internal/agent"
	"github.com/ntheanh201/vibesdk/internal/app"
	"github.com/ntheanh201/vibesdk/internal/config"
	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/githubexport"
	"github.com/ntheanh201/vibesdk/internal/inference"
	"github.com/ntheanh201/vibesdk/internal/logging"
	"github.com/ntheanh201/vibesdk/internal/ratelimit"
	"github.com/ntheanh201/vibesdk/internal/screenshot"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

// AgentFactory builds the collaborators for a new agent. The server owns
// identity; the factory owns infrastructure wiring.
type AgentFactory func(agentID core.AgentID, userID, sessionID string) (agent.Config, []agent.Option, error)

// Server is the HTTP front of the service.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	sessions *Sessions
	csrf     *CSRF
	apps     *app.Service
	agents   *agent.Manager
	limiter  *ratelimit.Store
	factory  AgentFactory

	capturer  *screenshot.Capturer
	remoteFor func(owner, repo string) githubexport.RemoteAPI

	mu        sync.Mutex
	agentApps map[core.AgentID]string // agent id -> app id

	router  chi.Router
	httpSrv *http.Server
}

// ServerOption configures optional server collaborators.
type ServerOption func(*Server)

// WithCapturer enables the screenshot capture endpoint.
func WithCapturer(c *screenshot.Capturer) ServerOption {
	return func(s *Server) { s.capturer = c }
}

// WithRemoteFactory overrides GitHub remote construction, used by tests.
func WithRemoteFactory(f func(owner, repo string) githubexport.RemoteAPI) ServerOption {
	return func(s *Server) { s.remoteFor = f }
}

// NewServer wires the router and middleware chain.
func NewServer(cfg *config.Config, apps *app.Service, agents *agent.Manager, limiter *ratelimit.Store, factory AgentFactory, logger *logging.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		sessions:  NewSessions(),
		csrf:      NewCSRF(cfg.IsProduction()),
		apps:      apps,
		agents:    agents,
		limiter:   limiter,
		factory:   factory,
		agentApps: make(map[core.AgentID]string),
	}
	s.remoteFor = func(owner, repo string) githubexport.RemoteAPI {
		return githubexport.NewHTTPRemote(owner, repo, cfg.GithubToken, "")
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Sessions exposes the session store so callers can pre-seed test users.
func (s *Server) Sessions() *Sessions { return s.sessions }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(SecureHeaders)
	r.Use(NewCORS(s.cfg.CustomDomain).Handler)
	r.Use(s.sessions.Authenticate)
	r.Use(s.csrf.Middleware)
	r.Use(GlobalRateLimit(s.limiter, ratelimit.Config{
		Limit:  s.cfg.RateLimitPerHour,
		Period: time.Hour,
		Burst:  s.cfg.RateLimitBurst,
	}, s.logger))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/csrf-token", s.csrf.IssueToken)
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/logout", s.handleLogout)

	r.Route("/api/apps", func(r chi.Router) {
		r.Get("/public", s.handleListPublicApps)
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth)
			r.Get("/", s.handleListMyApps)
			r.Get("/{appID}", s.handleGetApp)
			r.Put("/{appID}/visibility", s.handleUpdateVisibility)
			r.Delete("/{appID}", s.handleDeleteApp)
		})
	})

	r.Route("/api/agents", func(r chi.Router) {
		r.Use(RequireAuth)
		r.Post("/", s.handleCreateAgent)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Use(s.requireAgentOwner)
			r.Get("/ws", s.handleAgentWebsocket)
			r.Get("/state", s.handleAgentState)
			r.Post("/build", s.handleAgentBuild)
			r.Post("/cancel", s.handleAgentCancel)
			r.Post("/input", s.handleAgentInput)
			r.Get("/conversation", s.handleAgentConversation)
			r.Delete("/conversation", s.handleAgentClearConversation)
			r.Patch("/blueprint", s.handleUpdateBlueprint)
			r.Put("/project-name", s.handleUpdateProjectName)
			r.Post("/debug", s.handleAgentDebug)
			r.Post("/export", s.handleGithubExport)
			r.Get("/export/status", s.handleGithubExportStatus)
			r.Post("/screenshot", s.handleCaptureScreenshot)
		})
	})

	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.agents.Shutdown()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// --- handlers ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "email is required")
		return
	}
	user, err := s.apps.CreateUser(body.Email, body.DisplayName)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	token := s.sessions.Create(user.ID)
	// The identity changed, so the anonymous CSRF token must not survive.
	s.csrf.Rotate(w)
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		s.sessions.Revoke(token)
	}
	s.csrf.Rotate(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query    string `json:"query"`
		Behavior string `json:"behavior"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "query is required")
		return
	}

	userID := UserIDFrom(r.Context())
	agentID := core.AgentID(uuid.NewString())
	sessionID := uuid.NewString()

	cfg, opts, err := s.factory(agentID, userID, sessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	cfg.AgentID = agentID
	cfg.UserID = userID
	cfg.SessionID = sessionID
	if body.Behavior != "" {
		cfg.Behavior = core.BehaviorType(body.Behavior)
	}
	a := s.agents.GetOrCreate(cfg, opts...)

	appRow, err := s.apps.CreateApp(userID, body.Query, "", "")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.mu.Lock()
	s.agentApps[agentID] = appRow.ID
	s.mu.Unlock()

	// Blueprint generation and the first build run in the background; the
	// client follows progress over the websocket.
	go func() {
		ctx := context.Background()
		if _, err := a.Initialize(ctx, body.Query, nil); err != nil {
			s.logger.Error("agent initialization failed", "agent_id", agentID, "error", err)
			return
		}
		bp := a.State().Blueprint
		if bp != nil {
			_ = s.apps.UpdateAppTitle(appRow.ID, bp.Title)
		}
		if err := a.Run(ctx); err != nil {
			s.logger.Error("agent build failed", "agent_id", agentID, "error", err)
		}
		previewCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if preview, err := a.PreviewURL(previewCtx); err == nil && preview != "" {
			_ = s.apps.UpdateAppPreviewURL(appRow.ID, preview)
		}
	}()

	writeJSON(w, http.StatusCreated, map[string]any{
		"agentId":   agentID,
		"appId":     appRow.ID,
		"sessionId": sessionID,
	})
}

// requireAgentOwner loads the agent and verifies ownership before any
// agent-scoped handler runs.
func (s *Server) requireAgentOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := s.agents.Get(core.AgentID(chi.URLParam(r, "agentID")))
		if a == nil {
			writeError(w, http.StatusNotFound, "AGENT_NOT_FOUND", "no such agent")
			return
		}
		if a.State().UserID != UserIDFrom(r.Context()) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "not the agent owner")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) agentFrom(r *http.Request) *agent.Agent {
	return s.agents.Get(core.AgentID(chi.URLParam(r, "agentID")))
}

func (s *Server) handleAgentWebsocket(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(r)
	conn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	a.Hub().Attach(conn)
	if err := a.Hub().Send(conn, ws.TypeAgentConnected, map[string]any{
		"agentId": a.ID(),
		"state":   a.State().DevState,
	}); err != nil {
		a.Hub().Detach(conn)
		return
	}
	// Drain client frames; control messages keep the connection alive and a
	// read error detaches it.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.Hub().Detach(conn)
				return
			}
		}
	}()
}

func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agentFrom(r).State())
}

func (s *Server) handleAgentBuild(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(r)
	go func() {
		if err := a.Run(context.Background()); err != nil {
			s.logger.Error("build failed", "agent_id", a.ID(), "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "building"})
}

func (s *Server) handleAgentCancel(w http.ResponseWriter, r *http.Request) {
	s.agentFrom(r).CancelBuild()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleAgentInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string            `json:"message"`
		Images  []inference.Image `json:"images,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body")
		return
	}
	if err := s.agentFrom(r).QueueUserRequest(r.Context(), body.Message, body.Images); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleAgentConversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.agentFrom(r).Conversation()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleAgentClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.agentFrom(r).ClearConversation(); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleUpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid patch")
		return
	}
	bp, err := s.agentFrom(r).UpdateBlueprint(patch)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bp)
}

func (s *Server) handleUpdateProjectName(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body")
		return
	}
	if err := s.agentFrom(r).UpdateProjectName(body.Name); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"projectName": body.Name})
}

func (s *Server) handleAgentDebug(w http.ResponseWriter, r *http.Request) {
	transcript, err := s.agentFrom(r).DeepDebug(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcript": transcript})
}

func (s *Server) handleGithubExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Owner  string `json:"owner"`
		Repo   string `json:"repo"`
		Branch string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Owner == "" || body.Repo == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "owner and repo are required")
		return
	}
	if s.cfg.GithubToken == "" {
		writeError(w, http.StatusServiceUnavailable, "GITHUB_NOT_CONFIGURED", "no GitHub token configured")
		return
	}

	a := s.agentFrom(r)
	repoURL := fmt.Sprintf("https://github.com/%s/%s", body.Owner, body.Repo)
	result, err := a.ExportToGithub(r.Context(), s.remoteFor(body.Owner, body.Repo), repoURL, body.Branch)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.mu.Lock()
	appID := s.agentApps[a.ID()]
	s.mu.Unlock()
	if appID != "" {
		if err := s.apps.UpdateAppRepositoryURL(appID, result.RepositoryURL); err != nil {
			s.logger.Warn("recording repository url failed", "app_id", appID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGithubExportStatus(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	repo := r.URL.Query().Get("repo")
	if owner == "" || repo == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "owner and repo are required")
		return
	}
	status, err := s.agentFrom(r).GithubRemoteStatus(r.Context(), s.remoteFor(owner, repo), r.URL.Query().Get("branch"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCaptureScreenshot(w http.ResponseWriter, r *http.Request) {
	if s.capturer == nil {
		writeError(w, http.StatusServiceUnavailable, "SCREENSHOT_NOT_CONFIGURED", "no renderer configured")
		return
	}
	a := s.agentFrom(r)
	s.mu.Lock()
	appID := s.agentApps[a.ID()]
	s.mu.Unlock()
	if appID == "" {
		writeError(w, http.StatusConflict, "APP_NOT_LINKED", "agent has no app record")
		return
	}

	var body struct {
		Viewport screenshot.Viewport `json:"viewport"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	a.Hub().Broadcast(ws.TypeScreenshotCaptureStarted, map[string]string{"appId": appID})
	preview, err := a.PreviewURL(r.Context())
	if err != nil {
		a.Hub().Broadcast(ws.TypeScreenshotCaptureError, map[string]string{"error": err.Error()})
		s.writeDomainError(w, err)
		return
	}
	stored, err := s.capturer.Capture(r.Context(), appID, preview, body.Viewport)
	if err != nil {
		a.Hub().Broadcast(ws.TypeScreenshotCaptureError, map[string]string{"error": err.Error()})
		s.writeDomainError(w, err)
		return
	}
	a.Hub().Broadcast(ws.TypeScreenshotCaptureSuccess, map[string]string{"screenshotUrl": stored})
	writeJSON(w, http.StatusOK, map[string]string{"screenshotUrl": stored})
}

func (s *Server) handleListPublicApps(w http.ResponseWriter, _ *http.Request) {
	apps, err := s.apps.ListPublicApps(0)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

func (s *Server) handleListMyApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.apps.ListAppsByUser(UserIDFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

// ownedApp loads an app and checks the requester owns it.
func (s *Server) ownedApp(w http.ResponseWriter, r *http.Request) *app.App {
	a, err := s.apps.GetApp(chi.URLParam(r, "appID"))
	if err != nil {
		s.writeDomainError(w, err)
		return nil
	}
	if a.UserID != UserIDFrom(r.Context()) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not the app owner")
		return nil
	}
	return a
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	if a := s.ownedApp(w, r); a != nil {
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) handleUpdateVisibility(w http.ResponseWriter, r *http.Request) {
	a := s.ownedApp(w, r)
	if a == nil {
		return
	}
	var body struct {
		Visibility string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body")
		return
	}
	if err := s.apps.UpdateAppVisibility(a.ID, body.Visibility); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"visibility": body.Visibility})
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	a := s.ownedApp(w, r)
	if a == nil {
		return
	}
	if err := s.apps.DeleteApp(a.ID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// writeDomainError maps domain error categories onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var de *core.DomainError
	if !errors.As(err, &de) {
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch de.Category {
	case core.ErrCatValidation:
		status = http.StatusBadRequest
	case core.ErrCatNotFound:
		status = http.StatusNotFound
	case core.ErrCatRateLimit:
		status = http.StatusTooManyRequests
	case core.ErrCatSecurity:
		status = http.StatusForbidden
	case core.ErrCatTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, de.Code, de.Message)
}
