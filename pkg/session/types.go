package session

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TokenUsage tracks token consumption for a single exchange step.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another step.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the combined token count.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Image is a binary tool result payload, base64-encoded as received
// off the wire.
type Image struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// ToolCall records one tool invocation requested by the model, together
// with its outcome. Immutable once the owning turn is appended.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Images    []Image                `json:"images,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ns,omitempty"`
}

// Turn is one exchange step in a conversation. Turns are append-only
// and ordered; a conversation is an ordered sequence of turns.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Usage      TokenUsage `json:"usage,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
