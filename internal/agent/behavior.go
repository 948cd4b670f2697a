package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

// Run drives generation according to the configured behavior type.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	behavior := a.state.Behavior
	a.mu.Unlock()

	switch behavior {
	case core.BehaviorAgentic:
		return a.runAgentic(ctx)
	default:
		return a.Build(ctx)
	}
}

// runAgentic is the plan-then-act variant: a single free-form generation
// pass guided by a stored plan instead of phased concepts. It reuses the
// build lifecycle events so clients need no behavior-specific handling.
func (a *Agent) runAgentic(ctx context.Context) error {
	a.mu.Lock()
	if a.building {
		a.mu.Unlock()
		return nil
	}
	a.building = true
	ctx, a.buildCancel = context.WithCancel(ctx)
	query := a.state.Query
	a.mu.Unlock()

	a.hub.Broadcast(ws.TypeGenerationStarted, nil)
	defer func() {
		a.mu.Lock()
		a.building = false
		a.buildCancel = nil
		a.state.DevState = core.DevStateIdle
		a.mu.Unlock()
		a.hub.Broadcast(ws.TypeGenerationComplete, nil)
	}()

	a.setDevState(core.DevStatePhaseImplementing)

	user := a.drainUserInputs()
	instruction := query
	if len(user.Inputs) > 0 {
		instruction += "\n\nAdditional direction:\n- " + strings.Join(user.Inputs, "\n- ")
	}

	outputs, err := a.ops.SimpleCodeGenerator(ctx, a.operationContext(user), instruction)
	if err != nil {
		if core.IsCancelled(err) {
			return nil
		}
		a.hub.Broadcast(ws.TypeError, errorPayload{Message: err.Error()})
		return err
	}
	if len(outputs) == 0 {
		return nil
	}

	if _, err := a.files.SaveFiles(outputs, "feat: agentic generation pass"); err != nil {
		return err
	}
	for _, f := range outputs {
		a.hub.Broadcast(ws.TypeFileGenerated, filePayload{FilePath: f.FilePath, FilePurpose: f.FilePurpose})
	}

	a.mu.Lock()
	a.state.CurrentPlan = fmt.Sprintf("generated %d files for: %s", len(outputs), firstLines(query, 1))
	a.state.MVPGenerated = true
	a.state.UpdatedAt = time.Now()
	a.syncStateFilesLocked()
	a.mu.Unlock()

	if _, err := a.deployGenerated(ctx, true, "agentic generation"); err != nil {
		a.logger.Warn("agentic deployment failed", "error", err)
	}
	return nil
}
