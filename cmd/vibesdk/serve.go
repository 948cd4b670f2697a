package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ntheanh201/vibesdk/internal/agent"
	"github.com/ntheanh201/vibesdk/internal/api"
	"github.com/ntheanh201/vibesdk/internal/app"
	"github.com/ntheanh201/vibesdk/internal/config"
	"github.com/ntheanh201/vibesdk/internal/conversation"
	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/deploy"
	"github.com/ntheanh201/vibesdk/internal/files"
	"github.com/ntheanh201/vibesdk/internal/inference"
	"github.com/ntheanh201/vibesdk/internal/logging"
	"github.com/ntheanh201/vibesdk/internal/operations"
	"github.com/ntheanh201/vibesdk/internal/ratelimit"
	"github.com/ntheanh201/vibesdk/internal/sandbox"
	"github.com/ntheanh201/vibesdk/internal/screenshot"
	"github.com/ntheanh201/vibesdk/internal/workspace"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting vibesdk", "version", version, "commit", commit)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	apps, err := app.OpenService(filepath.Join(cfg.DataDir, "apps.db"))
	if err != nil {
		return err
	}
	defer func() { _ = apps.Close() }()

	client := inference.NewHTTPClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.DefaultModel, logger)
	limiter := ratelimit.NewStore(nil)
	agents := agent.NewManager(logger)

	factory := newAgentFactory(cfg, client, limiter, logger)

	var serverOpts []api.ServerOption
	if cfg.RendererURL != "" {
		capturer := screenshot.NewCapturer(cfg.RendererURL, filepath.Join(cfg.DataDir, "screenshots"), apps, logger)
		serverOpts = append(serverOpts, api.WithCapturer(capturer))
	}
	server := api.NewServer(cfg, apps, agents, limiter, factory, logger, serverOpts...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Start(ctx)
}

// newAgentFactory wires per-agent infrastructure: a dedicated workspace
// database, a confined local sandbox instance, and a deployment manager.
func newAgentFactory(cfg *config.Config, client inference.Client, limiter *ratelimit.Store, logger *logging.Logger) api.AgentFactory {
	return func(agentID core.AgentID, userID, sessionID string) (agent.Config, []agent.Option, error) {
		workspaceDir := filepath.Join(cfg.DataDir, "workspaces")
		if err := os.MkdirAll(workspaceDir, 0o750); err != nil {
			return agent.Config{}, nil, fmt.Errorf("creating workspace directory: %w", err)
		}

		store, err := workspace.OpenStore(filepath.Join(workspaceDir, string(agentID)+".db"))
		if err != nil {
			return agent.Config{}, nil, err
		}
		wsp := workspace.New(store, workspace.WithLogger(logger))
		if err := wsp.Init("main"); err != nil {
			return agent.Config{}, nil, err
		}

		convoDir := filepath.Join(cfg.DataDir, "conversations")
		if err := os.MkdirAll(convoDir, 0o750); err != nil {
			return agent.Config{}, nil, fmt.Errorf("creating conversation directory: %w", err)
		}
		convo, err := conversation.OpenStore(filepath.Join(convoDir, string(agentID)+".db"))
		if err != nil {
			return agent.Config{}, nil, err
		}

		sb, err := sandbox.NewLocal(cfg.SandboxDir, string(agentID), logger)
		if err != nil {
			return agent.Config{}, nil, err
		}

		deployer := deploy.NewManager(sb, deploy.Config{
			Host: cfg.PreviewHost,
			Port: cfg.PreviewPort,
		}, logger)
		// The watcher tails the dev process error log for the lifetime of
		// the agent; without it fetched runtime errors stay empty.
		if _, err := deployer.StartErrorWatcher(sb.Root()); err != nil {
			logger.Warn("error log watcher unavailable", "agent_id", agentID, "error", err)
		}

		hub := ws.NewHub(ws.WithHubLogger(logger))

		agentCfg := agent.Config{
			AgentID:      agentID,
			UserID:       userID,
			SessionID:    sessionID,
			HostName:     hostname(),
			TemplateName: "react-vite",
			Operations:   operations.NewRegistry(client, nil),
			Files:        files.NewManager(wsp),
			Sandbox:      sb,
			Deployer:     deployer,
			Hub:          hub,
			Convo:        convo,
		}
		opts := []agent.Option{
			agent.WithLogger(logger),
			agent.WithRateLimiter(limiter, ratelimit.Config{
				Limit:  cfg.RateLimitPerHour,
				Period: time.Hour,
				Burst:  cfg.RateLimitBurst,
			}),
		}
		return agentCfg, opts, nil
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
