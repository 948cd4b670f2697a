// Package ws provides the typed websocket broadcast channel attached to an
// agent. All generation progress and errors reach the client through it.
package ws

import "encoding/json"

// MessageType is the closed enum of websocket message kinds.
type MessageType string

const (
	TypeAgentConnected MessageType = "agent_connected"

	TypeGenerationStarted  MessageType = "generation_started"
	TypeGenerationComplete MessageType = "generation_complete"

	TypePhaseGenerating   MessageType = "phase_generating"
	TypePhaseGenerated    MessageType = "phase_generated"
	TypePhaseImplementing MessageType = "phase_implementing"
	TypePhaseValidating   MessageType = "phase_validating"
	TypePhaseValidated    MessageType = "phase_validated"
	TypePhaseImplemented  MessageType = "phase_implemented"

	TypeFileGenerating     MessageType = "file_generating"
	TypeFileChunkGenerated MessageType = "file_chunk_generated"
	TypeFileGenerated      MessageType = "file_generated"
	TypeFileRegenerating   MessageType = "file_regenerating"
	TypeFileRegenerated    MessageType = "file_regenerated"

	TypeStaticAnalysisResults MessageType = "static_analysis_results"
	TypeRuntimeErrorFound     MessageType = "runtime_error_found"

	TypeDeterministicCodeFixStarted   MessageType = "deterministic_code_fix_started"
	TypeDeterministicCodeFixCompleted MessageType = "deterministic_code_fix_completed"

	TypeDeploymentStarted   MessageType = "deployment_started"
	TypeDeploymentCompleted MessageType = "deployment_completed"
	TypeDeploymentFailed    MessageType = "deployment_failed"

	TypeCommandExecuting MessageType = "command_executing"

	TypeConversationResponse MessageType = "conversation_response"
	TypeConversationCleared  MessageType = "conversation_cleared"

	TypeGithubExportStarted   MessageType = "github_export_started"
	TypeGithubExportProgress  MessageType = "github_export_progress"
	TypeGithubExportCompleted MessageType = "github_export_completed"
	TypeGithubExportError     MessageType = "github_export_error"

	TypeScreenshotCaptureStarted MessageType = "screenshot_capture_started"
	TypeScreenshotCaptureSuccess MessageType = "screenshot_capture_success"
	TypeScreenshotCaptureError   MessageType = "screenshot_capture_error"

	TypeRateLimitError MessageType = "rate_limit_error"
	TypeError          MessageType = "error"
)

// projectUpdateTypes are the kinds whose message text is also appended to
// the agent's project-update accumulator.
var projectUpdateTypes = map[MessageType]bool{
	TypePhaseGenerated:       true,
	TypePhaseImplemented:     true,
	TypeFileGenerated:        true,
	TypeDeploymentCompleted:  true,
	TypeConversationResponse: true,
}

// IsProjectUpdate reports whether a message type feeds the accumulator.
func IsProjectUpdate(t MessageType) bool {
	return projectUpdateTypes[t]
}

// Message is the envelope for all websocket messages.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}
