// Package wire defines the JSON shapes exchanged with the document API.
// The same types are used by the client and by the stub server so the
// two sides cannot drift apart.
package wire

import "encoding/json"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolCall is a structured action proposed by the assistant. Approved
// is nil until the user (or the auto-approval policy) resolves it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Approved  *bool  `json:"approved,omitempty"`
}

// ExecutedRound is a tool-call/thinking step the backend already ran
// automatically before returning control to the user.
type ExecutedRound struct {
	Round     int        `json:"round"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Message is one conversation entry. Content is a pointer because it is
// legitimately absent while the owning turn is still streaming.
type Message struct {
	Role           string          `json:"role"`
	Content        *string         `json:"content"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	Thinking       string          `json:"thinking,omitempty"`
	ExecutedRounds []ExecutedRound `json:"executed_rounds,omitempty"`
}

// ContentText returns the message content or "" when unset.
func (m Message) ContentText() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Mention references a schema, prompt, or tag entity attached to a
// user message.
type Mention struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// RequestFunction is the function body of a request-encoded tool call.
type RequestFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RequestToolCall is the OpenAI-style encoding of a tool call inside a
// chat request's message history.
type RequestToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function RequestFunction `json:"function"`
	Approved *bool           `json:"approved,omitempty"`
}

// RequestMessage re-encodes a Message for the chat request body.
type RequestMessage struct {
	Role      string            `json:"role"`
	Content   *string           `json:"content"`
	ToolCalls []RequestToolCall `json:"tool_calls,omitempty"`
}

// EncodeMessage converts a conversation Message into its request shape,
// carrying past tool calls and their resolutions.
func EncodeMessage(m Message) RequestMessage {
	encoded := RequestMessage{Role: m.Role, Content: m.Content}
	for _, call := range m.ToolCalls {
		encoded.ToolCalls = append(encoded.ToolCalls, RequestToolCall{
			ID:   call.ID,
			Type: "function",
			Function: RequestFunction{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
			Approved: call.Approved,
		})
	}
	return encoded
}

// DecodeRequestMessage is the inverse of EncodeMessage, used by the
// stub server when reading a chat request.
func DecodeRequestMessage(m RequestMessage) Message {
	decoded := Message{Role: m.Role, Content: m.Content}
	for _, call := range m.ToolCalls {
		decoded.ToolCalls = append(decoded.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
			Approved:  call.Approved,
		})
	}
	return decoded
}

// ChatRequest is the body of POST .../documents/{id}/chat.
type ChatRequest struct {
	Messages          []RequestMessage `json:"messages"`
	Mentions          []Mention        `json:"mentions,omitempty"`
	Model             string           `json:"model,omitempty"`
	Stream            bool             `json:"stream"`
	AutoApprove       bool             `json:"auto_approve"`
	AutoApprovedTools []string         `json:"auto_approved_tools,omitempty"`
	ThreadID          string           `json:"thread_id"`
	// TruncateTo, when non-nil, tells the server to discard persisted
	// messages beyond this count before applying the request.
	TruncateTo *int `json:"truncate_thread_to_message_count,omitempty"`
}

// WorkingState carries server-side scratch state returned with a turn.
type WorkingState struct {
	Extraction json.RawMessage `json:"extraction,omitempty"`
}

// ChatResponse is the non-streaming chat (and approval) response.
type ChatResponse struct {
	Text           *string         `json:"text,omitempty"`
	TurnID         *string         `json:"turn_id,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	WorkingState   *WorkingState   `json:"working_state,omitempty"`
	Thinking       string          `json:"thinking,omitempty"`
	ExecutedRounds []ExecutedRound `json:"executed_rounds,omitempty"`
}

// Approval is one decision in an approval request.
type Approval struct {
	CallID   string `json:"call_id"`
	Approved bool   `json:"approved"`
}

// ApproveRequest is the body of POST .../chat/approve.
type ApproveRequest struct {
	TurnID    string     `json:"turn_id"`
	Approvals []Approval `json:"approvals"`
	ThreadID  string     `json:"thread_id,omitempty"`
}

// ThreadSummary is one persisted conversation in the history list.
type ThreadSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Thread is a full conversation: summary, ordered messages, and the
// last known extraction result.
type Thread struct {
	ThreadSummary
	Messages   []Message       `json:"messages"`
	Extraction json.RawMessage `json:"extraction,omitempty"`
}

// ThreadList is the response of GET .../chat/threads.
type ThreadList struct {
	Threads []ThreadSummary `json:"threads"`
}

// ToolCatalog classifies the tools the backend exposes. Read-only
// tools never require approval.
type ToolCatalog struct {
	ReadOnly  []string `json:"read_only"`
	ReadWrite []string `json:"read_write"`
}

// ModelList is the response of GET /orgs/{id}/llm/models.
type ModelList struct {
	Models []string `json:"models"`
}

// StringPtr is a convenience for literal message content.
func StringPtr(s string) *string { return &s }
