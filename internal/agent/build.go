package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/operations"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

// Build runs the phased generation loop until the project completes, the
// phase budget is exhausted, or the build is cancelled. A second Build call
// while one is running returns immediately with no error; the running loop
// absorbs any queued user input.
func (a *Agent) Build(ctx context.Context) error {
	a.mu.Lock()
	if a.building {
		a.state.ShouldBeGenerating = true
		a.mu.Unlock()
		return nil
	}
	// A finished project with nothing queued has nothing to generate.
	if a.state.MVPGenerated && len(a.state.PendingUserInputs) == 0 {
		a.mu.Unlock()
		a.logger.Info("build skipped, project already generated")
		return nil
	}
	a.building = true
	a.state.ShouldBeGenerating = true
	a.state.PhasesBudget = core.MaxPhases
	ctx, a.buildCancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.hub.Broadcast(ws.TypeGenerationStarted, nil)
	err := a.buildLoop(ctx)

	a.mu.Lock()
	a.building = false
	a.buildCancel = nil
	a.state.ShouldBeGenerating = false
	a.state.DevState = core.DevStateIdle
	a.state.UpdatedAt = time.Now()
	a.mu.Unlock()

	// The completion event fires on every exit path, cancellation included,
	// so clients never wait on a dead build.
	a.hub.Broadcast(ws.TypeGenerationComplete, nil)

	switch {
	case err == nil:
		return nil
	case core.IsCancelled(err):
		a.logger.Info("build cancelled")
		return nil
	case core.IsRateLimited(err):
		a.hub.Broadcast(ws.TypeRateLimitError, errorPayload{Code: "RATE_LIMITED", Message: err.Error()})
		return err
	default:
		a.hub.Broadcast(ws.TypeError, errorPayload{Message: err.Error()})
		return err
	}
}

// CancelBuild aborts the in-flight build loop, if any.
func (a *Agent) CancelBuild() {
	a.mu.Lock()
	cancel := a.buildCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Building reports whether a build loop is running.
func (a *Agent) Building() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.building
}

func (a *Agent) buildLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.mu.Lock()
		budget := a.state.PhasesBudget
		a.mu.Unlock()
		if budget <= 0 {
			a.logger.Info("phase budget exhausted")
			return a.review(ctx)
		}

		if err := a.checkRateLimit(); err != nil {
			return err
		}

		done, err := a.runPhase(ctx)
		if err != nil {
			return err
		}

		a.mu.Lock()
		a.state.PhasesBudget--
		a.mu.Unlock()

		if done {
			// Input queued after the last phase started buys another round
			// instead of finalizing over the user's head.
			a.mu.Lock()
			pending := len(a.state.PendingUserInputs) > 0
			a.mu.Unlock()
			if pending {
				continue
			}
			return a.finalize(ctx)
		}
	}
}

// runPhase generates and implements one phase. It returns done=true when
// the generator signals completion with an empty file list or a last phase
// finishes.
func (a *Agent) runPhase(ctx context.Context) (bool, error) {
	a.setDevState(core.DevStatePhaseGenerating)
	a.hub.Broadcast(ws.TypePhaseGenerating, nil)

	user := a.drainUserInputs()
	octx := a.operationContext(user)
	issues := a.collectIssues(ctx)
	octx.Issues = issues

	// An incomplete phase from an interrupted run is resumed before asking
	// the generator for a new one.
	a.mu.Lock()
	phaseIndex := a.state.LastIncompletePhase()
	var phase core.PhaseConcept
	if phaseIndex >= 0 {
		phase = a.state.Phases[phaseIndex].Concept
	}
	a.mu.Unlock()

	if phaseIndex < 0 {
		generated, err := a.ops.GenerateNextPhase(ctx, octx)
		if err != nil {
			return false, err
		}
		if len(generated.Files) == 0 {
			a.logger.Info("phase generator signalled completion")
			return true, nil
		}
		phase = *generated

		a.mu.Lock()
		a.state.Phases = append(a.state.Phases, core.PhaseState{Concept: phase})
		phaseIndex = len(a.state.Phases) - 1
		a.mu.Unlock()

		a.hub.Broadcast(ws.TypePhaseGenerated, phaseToPayload(phase))
	}

	logger := a.logger.WithPhase(phase.Name)
	logger.Info("implementing phase", "files", len(phase.Files), "last_phase", phase.LastPhase)

	a.setDevState(core.DevStatePhaseImplementing)
	a.hub.Broadcast(ws.TypePhaseImplementing, phasePayload{Name: phase.Name})

	if len(phase.InstallCommands) > 0 {
		a.executeCommands(ctx, phase.InstallCommands)
	}

	impl, err := a.ops.ImplementPhase(ctx, octx, phase, operations.ImplementCallbacks{
		OnFileGenerating: func(path string) {
			a.hub.Broadcast(ws.TypeFileGenerating, filePayload{FilePath: path})
		},
		OnFileChunk: func(path, chunk string) {
			a.hub.Broadcast(ws.TypeFileChunkGenerated, filePayload{FilePath: path, Chunk: chunk})
		},
		OnFileGenerated: func(f core.FileOutput) {
			a.hub.Broadcast(ws.TypeFileGenerated, filePayload{FilePath: f.FilePath, FilePurpose: f.FilePurpose})
		},
	})
	if err != nil {
		return false, err
	}

	if len(impl.Files) > 0 {
		if _, err := a.files.SaveFiles(impl.Files, phaseCommitMessage(phase)); err != nil {
			return false, err
		}
	}
	if len(impl.DeletedPaths) > 0 {
		a.deletePaths(ctx, impl.DeletedPaths)
	}
	if len(impl.Commands) > 0 {
		a.executeCommands(ctx, impl.Commands)
	}

	a.mu.Lock()
	a.syncStateFilesLocked()
	a.mu.Unlock()

	if _, err := a.deployGenerated(ctx, true, fmt.Sprintf("phase %q", phase.Name)); err != nil {
		logger.Warn("phase deployment failed", "error", err)
	}

	a.validatePhase(ctx, phase.Name)

	a.mu.Lock()
	a.state.Phases[phaseIndex].Completed = true
	if !a.state.MVPGenerated {
		a.state.MVPGenerated = true
	}
	a.state.UpdatedAt = time.Now()
	a.mu.Unlock()

	a.hub.Broadcast(ws.TypePhaseImplemented, phaseToPayload(phase))
	return phase.LastPhase, nil
}

// validatePhase runs static analysis plus runtime error collection and
// applies deterministic and fast fixes when the result blocks progress.
func (a *Agent) validatePhase(ctx context.Context, phaseName string) {
	a.hub.Broadcast(ws.TypePhaseValidating, phasePayload{Name: phaseName})

	issues := a.collectIssues(ctx)
	a.hub.Broadcast(ws.TypeStaticAnalysisResults, issues.StaticAnalysis)
	for _, re := range issues.RuntimeErrors {
		a.hub.Broadcast(ws.TypeRuntimeErrorFound, re)
	}

	if issues.HasBlockingIssues() {
		a.applyDeterministicFixes(ctx, issues)
		a.applyFastFixes(ctx, issues)
	}

	a.hub.Broadcast(ws.TypePhaseValidated, phasePayload{Name: phaseName})
}

// finalizationPhaseName is the synthetic phase closing every completed
// build. Its commit lands even when the pass changes nothing so the history
// records that the project was reviewed.
const finalizationPhaseName = "Finalization and Review"

// deepDebugPrompt is pushed as an assistant message when the review pass
// still sees blocking issues after its fix attempts.
const deepDebugPrompt = "The final review found unresolved runtime or type errors. Start a deep debug session to investigate and fix them."

// finalize gates the one-time finalization pass behind the MVP flag: a
// synthetic review phase with no target files, then the review itself.
func (a *Agent) finalize(ctx context.Context) error {
	a.mu.Lock()
	mvp := a.state.MVPGenerated
	a.mu.Unlock()
	if !mvp {
		return nil
	}
	a.setDevState(core.DevStateFinalizing)
	if err := a.finalizationPhase(ctx); err != nil {
		return err
	}
	return a.review(ctx)
}

// finalizationPhase gives the model one last pass over the whole project.
// Unlike generated phases it carries no target files, and its commit is
// created even when nothing changed.
func (a *Agent) finalizationPhase(ctx context.Context) error {
	concept := core.PhaseConcept{
		Name:        finalizationPhaseName,
		Description: "Final review pass over the generated project",
		LastPhase:   true,
	}

	a.mu.Lock()
	a.state.Phases = append(a.state.Phases, core.PhaseState{Concept: concept})
	phaseIndex := len(a.state.Phases) - 1
	a.mu.Unlock()

	a.hub.Broadcast(ws.TypePhaseImplementing, phasePayload{Name: concept.Name})

	octx := a.operationContext(operations.UserContext{})
	octx.Issues = a.collectIssues(ctx)
	impl, err := a.ops.ImplementPhase(ctx, octx, concept, operations.ImplementCallbacks{
		OnFileGenerated: func(f core.FileOutput) {
			a.hub.Broadcast(ws.TypeFileGenerated, filePayload{FilePath: f.FilePath, FilePurpose: f.FilePurpose})
		},
	})
	if err != nil {
		return err
	}

	message := phaseCommitMessage(concept)
	if len(impl.Files) > 0 {
		if _, err := a.files.SaveFiles(impl.Files, message); err != nil {
			return err
		}
		a.mu.Lock()
		a.syncStateFilesLocked()
		a.mu.Unlock()
	} else if _, err := a.files.Workspace().CommitEmpty(message); err != nil {
		return err
	}

	a.mu.Lock()
	a.state.Phases[phaseIndex].Completed = true
	a.state.UpdatedAt = time.Now()
	a.mu.Unlock()

	a.hub.Broadcast(ws.TypePhaseImplemented, phaseToPayload(concept))
	return nil
}

// review is the terminal pass: collect all outstanding issues, attempt
// fixes, and hand anything still blocking to the user as a deep-debug
// prompt. It runs at most once per build.
func (a *Agent) review(ctx context.Context) error {
	a.mu.Lock()
	if a.state.ReviewingInitiated {
		a.mu.Unlock()
		return nil
	}
	a.state.ReviewingInitiated = true
	a.mu.Unlock()

	a.setDevState(core.DevStateReviewing)

	issues := a.collectIssues(ctx)
	a.hub.Broadcast(ws.TypeStaticAnalysisResults, issues.StaticAnalysis)
	if issues.HasBlockingIssues() {
		a.applyDeterministicFixes(ctx, issues)
		a.applyFastFixes(ctx, issues)
		if _, err := a.deployGenerated(ctx, true, "review fixes"); err != nil {
			a.logger.Warn("review redeploy failed", "error", err)
		}
		remaining := a.collectIssues(ctx)
		if len(remaining.RuntimeErrors) > 0 || len(remaining.StaticAnalysis.Typecheck.Issues) > 0 {
			a.pushAssistantNotice(deepDebugPrompt)
		}
	}
	return nil
}

// phaseCommitMessage is the single commit created for one implemented
// phase: the conventional subject line plus the phase description as body.
func phaseCommitMessage(p core.PhaseConcept) string {
	msg := "feat: " + p.Name
	if p.Description != "" {
		msg += "\n\n" + p.Description
	}
	return msg
}

// collectIssues gathers runtime errors and a fresh static analysis run.
func (a *Agent) collectIssues(ctx context.Context) core.ProjectIssues {
	runtimeErrors := a.deployer.FetchRuntimeErrors(ctx, true)
	analysis := a.deployer.RunStaticAnalysis(ctx, nil)
	return core.ProjectIssues{RuntimeErrors: runtimeErrors, StaticAnalysis: analysis}
}

// checkRateLimit consumes one phase token for the owning user, failing the
// build with a rate limit error when the window is exhausted.
func (a *Agent) checkRateLimit() error {
	if a.limiter == nil {
		return nil
	}
	a.mu.Lock()
	userID := a.state.UserID
	a.mu.Unlock()
	result := a.limiter.Increment("inference:"+userID, a.limiterCfg)
	if !result.Success {
		return core.ErrRateLimit("inference rate limit reached, try again later")
	}
	return nil
}

func (a *Agent) setDevState(s core.DevState) {
	a.mu.Lock()
	a.state.DevState = s
	a.state.UpdatedAt = time.Now()
	a.mu.Unlock()
}

func phaseToPayload(p core.PhaseConcept) phasePayload {
	paths := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		paths = append(paths, f.Path)
	}
	return phasePayload{
		Name:        p.Name,
		Description: p.Description,
		Files:       paths,
		LastPhase:   p.LastPhase,
	}
}
