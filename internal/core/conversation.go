package core

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ConversationMessage is one entry in a session's conversation history.
// ConversationID is stable across streaming updates: inserting a message
// whose id already exists replaces it in place.
type ConversationMessage struct {
	ConversationID string      `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	ToolName       string      `json:"toolName,omitempty"`
	ToolArgs       string      `json:"toolArgs,omitempty"`
}

// DedupMessages removes duplicate conversation ids, keeping the last
// occurrence and preserving order of first appearance.
func DedupMessages(msgs []ConversationMessage) []ConversationMessage {
	last := make(map[string]ConversationMessage, len(msgs))
	order := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if _, seen := last[m.ConversationID]; !seen {
			order = append(order, m.ConversationID)
		}
		last[m.ConversationID] = m
	}
	out := make([]ConversationMessage, 0, len(order))
	for _, id := range order {
		out = append(out, last[id])
	}
	return out
}
