package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/inference"
	"github.com/ntheanh201/vibesdk/internal/operations"
	"github.com/ntheanh201/vibesdk/internal/ws"
)

// rechargeFloor is the minimum phase budget after user input arrives
// mid-build. Feedback always buys the loop a few more phases.
const rechargeFloor = 3

// QueueUserRequest routes a user message. During a build it queues the text
// for the next phase generation and recharges the phase budget; while idle
// it runs a conversational turn immediately.
func (a *Agent) QueueUserRequest(ctx context.Context, input string, images []inference.Image) error {
	input = strings.TrimSpace(input)
	if input == "" && len(images) == 0 {
		return core.ErrValidation("EMPTY_INPUT", "user request was empty")
	}

	a.mu.Lock()
	if a.building {
		if input != "" {
			a.state.PendingUserInputs = append(a.state.PendingUserInputs, input)
		}
		a.pendingImages = append(a.pendingImages, images...)
		if a.state.PhasesBudget < rechargeFloor {
			a.state.PhasesBudget = rechargeFloor
		}
		a.mu.Unlock()
		a.logger.Info("user input queued for next phase")
		return nil
	}
	a.mu.Unlock()

	return a.processConversation(ctx, input, images)
}

// processConversation runs one conversational turn, streaming the reply and
// persisting both sides of the exchange.
func (a *Agent) processConversation(ctx context.Context, input string, images []inference.Image) error {
	a.mu.Lock()
	sessionID := a.state.SessionID
	a.mu.Unlock()

	userMsg := core.ConversationMessage{
		ConversationID: uuid.NewString(),
		Role:           core.RoleUser,
		Content:        input,
	}
	if err := a.convo.Add(sessionID, userMsg); err != nil {
		return err
	}

	replyID := uuid.NewString()
	var streamed strings.Builder
	reply, err := a.ops.ProcessUserConversation(ctx, a.operationContext(operations.UserContext{Images: images}), input, func(chunk string) {
		streamed.WriteString(chunk)
		a.hub.Broadcast(ws.TypeConversationResponse, conversationResponsePayload{
			ConversationID: replyID,
			Content:        streamed.String(),
			IsStreaming:    true,
		})
		// Streaming updates reuse the reply id so the stored message is
		// replaced in place rather than duplicated.
		_ = a.convo.Add(sessionID, core.ConversationMessage{
			ConversationID: replyID,
			Role:           core.RoleAssistant,
			Content:        streamed.String(),
		})
	})
	if err != nil {
		if core.IsRateLimited(err) {
			a.hub.Broadcast(ws.TypeRateLimitError, errorPayload{Code: "RATE_LIMITED", Message: err.Error()})
		}
		return err
	}

	a.hub.Broadcast(ws.TypeConversationResponse, conversationResponsePayload{
		ConversationID: replyID,
		Content:        reply,
	})
	return a.convo.Add(sessionID, core.ConversationMessage{
		ConversationID: replyID,
		Role:           core.RoleAssistant,
		Content:        reply,
	})
}

// pushAssistantNotice stores and broadcasts an assistant message that the
// agent initiates itself, outside any conversational turn.
func (a *Agent) pushAssistantNotice(text string) {
	a.mu.Lock()
	sessionID := a.state.SessionID
	a.mu.Unlock()

	id := uuid.NewString()
	if err := a.convo.Add(sessionID, core.ConversationMessage{
		ConversationID: id,
		Role:           core.RoleAssistant,
		Content:        text,
	}); err != nil {
		a.logger.Warn("storing assistant notice failed", "error", err)
	}
	a.hub.Broadcast(ws.TypeConversationResponse, conversationResponsePayload{
		ConversationID: id,
		Content:        text,
	})
}

// ClearConversation wipes both stored histories for this session.
func (a *Agent) ClearConversation() error {
	a.mu.Lock()
	sessionID := a.state.SessionID
	a.mu.Unlock()
	if err := a.convo.Clear(sessionID); err != nil {
		return err
	}
	a.hub.Broadcast(ws.TypeConversationCleared, nil)
	return nil
}

// Conversation returns the full display history for this session.
func (a *Agent) Conversation() ([]core.ConversationMessage, error) {
	a.mu.Lock()
	sessionID := a.state.SessionID
	a.mu.Unlock()
	h, err := a.convo.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return h.Full, nil
}

// drainUserInputs removes and returns everything queued since the last
// phase generation.
func (a *Agent) drainUserInputs() operations.UserContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	user := operations.UserContext{
		Inputs: a.state.PendingUserInputs,
		Images: a.pendingImages,
	}
	a.state.PendingUserInputs = nil
	a.pendingImages = nil
	return user
}
