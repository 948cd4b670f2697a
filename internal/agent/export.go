package agent

import (
	"context"

	"github.com/ntheanh201/vibesdk/internal/githubexport"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

// ExportToGithub replays the agent's commit history into a remote repository,
// streaming progress over the websocket hub.
func (a *Agent) ExportToGithub(ctx context.Context, remote githubexport.RemoteAPI, repoURL, branch string) (*githubexport.Result, error) {
	if branch == "" {
		branch = "main"
	}
	a.hub.Broadcast(ws.TypeGithubExportStarted, map[string]string{
		"repositoryUrl": repoURL,
		"branch":        branch,
	})

	exporter := githubexport.NewExporter(a.files.Workspace(), remote, a.logger)
	result, err := exporter.Export(ctx, branch, repoURL, func(p githubexport.Progress) {
		a.hub.Broadcast(ws.TypeGithubExportProgress, p)
	})
	if err != nil {
		a.hub.Broadcast(ws.TypeGithubExportError, errorPayload{Message: err.Error()})
		return nil, err
	}

	a.logger.Info("github export finished",
		"repository", result.RepositoryURL,
		"commits", result.CommitCount,
		"head", result.HeadSHA)
	a.hub.Broadcast(ws.TypeGithubExportCompleted, result)
	return result, nil
}

// GithubRemoteStatus compares the agent's local history against the exported
// branch without pushing anything.
func (a *Agent) GithubRemoteStatus(ctx context.Context, remote githubexport.RemoteAPI, branch string) (*githubexport.RemoteStatus, error) {
	if branch == "" {
		branch = "main"
	}
	exporter := githubexport.NewExporter(a.files.Workspace(), remote, a.logger)
	return exporter.CheckRemoteStatus(ctx, branch)
}
