package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

// DeepDebug runs an interactive debugging session over the project's
// accumulated issues. At most one session runs at a time; a second request
// while one is active is rejected rather than queued.
func (a *Agent) DeepDebug(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.deepDebugRunning {
		a.mu.Unlock()
		return "", core.ErrValidation("DEBUG_ACTIVE", "a debug session is already running")
	}
	a.deepDebugRunning = true
	sessionID := a.state.SessionID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.deepDebugRunning = false
		a.mu.Unlock()
	}()

	issues := a.collectIssues(ctx)
	octx := a.operationContext(a.drainUserInputs())
	octx.Issues = issues

	replyID := uuid.NewString()
	var streamed string
	transcript, err := a.ops.DeepDebug(ctx, octx, func(chunk string) {
		streamed += chunk
		a.hub.Broadcast(ws.TypeConversationResponse, conversationResponsePayload{
			ConversationID: replyID,
			Content:        streamed,
			IsStreaming:    true,
			Tool:           "deep_debug",
		})
	})
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.state.LastDeepDebugTranscript = transcript
	a.state.UpdatedAt = time.Now()
	a.mu.Unlock()

	if err := a.convo.Add(sessionID, core.ConversationMessage{
		ConversationID: replyID,
		Role:           core.RoleAssistant,
		Content:        transcript,
		ToolName:       "deep_debug",
	}); err != nil {
		a.logger.Warn("storing debug transcript failed", "error", err)
	}

	a.hub.Broadcast(ws.TypeConversationResponse, conversationResponsePayload{
		ConversationID: replyID,
		Content:        transcript,
		Tool:           "deep_debug",
	})
	return transcript, nil
}
