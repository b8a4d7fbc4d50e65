// Package protocol describes the line-delimited JSON event stream emitted by
// the agent child process on stdout, and the reply envelopes written to its
// stdin. Each line is one JSON object discriminated by "type".
package protocol

import "encoding/json"

// ProtocolVersion identifies the shape of the event stream this package
// decodes, reported by the "version" CLI subcommand for diagnostics.
const ProtocolVersion = 1

// Event type discriminants recognized on the agent's stdout stream.
const (
	TypeAssistant  = "assistant"
	TypeUser       = "user"
	TypeSystem     = "system"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeResult     = "result"
)

// ContentBlock discriminants within an assistant message.
const (
	BlockText           = "text"
	BlockToolUse        = "tool_use"
	BlockThinking       = "thinking"
	BlockServerToolUse  = "server_tool_use"
	BlockToolResult     = "tool_result"
)

// Special tool names given bespoke operation handling by the transform layer.
const (
	ToolTodoWrite       = "TodoWrite"
	ToolTask            = "Task"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)

// Envelope is the outer shape shared by every line of agent stdout. Only
// "type" is guaranteed present; the rest is sniffed and re-decoded by the
// caller once the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw bytes around for a second, type-specific decode.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var shallow struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &shallow); err != nil {
		return err
	}
	e.Type = shallow.Type
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// ContentBlock is one element of an assistant message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AssistantMessage carries the ordered content blocks of one assistant turn.
type AssistantMessage struct {
	ID      string         `json:"id,omitempty"`
	Content []ContentBlock `json:"content"`
}

// AssistantEvent wraps an assistant message.
type AssistantEvent struct {
	Message AssistantMessage `json:"message"`
}

// ToolUseEvent is the standalone tool_use notification (distinct from an
// assistant content block of the same shape).
type ToolUseEvent struct {
	ToolUse ToolUsePayload `json:"tool_use"`
}

// ToolUsePayload describes one tool invocation.
type ToolUsePayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultEvent reports the outcome of a tool invocation.
type ToolResultEvent struct {
	ToolResult ToolResultPayload `json:"tool_result"`
}

// ToolResultPayload carries the tool_use_id it answers and an error flag.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ResultEvent is the terminal event of one agent turn.
type ResultEvent struct {
	Result ResultPayload `json:"result"`
}

// ResultPayload carries model identity and usage/cost accounting.
type ResultPayload struct {
	Model   string  `json:"model,omitempty"`
	Usage   *Usage  `json:"usage,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// Usage reports token accounting for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// TodoItem is one entry of a TodoWrite tool call's "todos" input.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// TodoWriteInput is the decoded "input" of a TodoWrite tool_use block.
type TodoWriteInput struct {
	Todos []TodoItem `json:"todos"`
}

// TaskInput is the decoded "input" of a Task (subagent) tool_use block.
type TaskInput struct {
	Description  string `json:"description,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	SubagentType string `json:"subagent_type,omitempty"`
}

// QuestionOption is one selectable answer of an AskUserQuestion question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionSpec is one question of an AskUserQuestion tool_use block.
type QuestionSpec struct {
	Header      string           `json:"header"`
	Question    string           `json:"question"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// AskUserQuestionInput is the decoded "input" of an AskUserQuestion tool_use block.
type AskUserQuestionInput struct {
	Questions []QuestionSpec `json:"questions"`
}

// StdinMessage is a line of JSON written to the agent's stdin to deliver a
// user message or injected reply back into the conversation. ID is a short
// correlation id for the bridge's own logs; the agent process itself does
// not echo it back.
type StdinMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
	ID   string `json:"id,omitempty"`
}

// NewUserStdinMessage builds the stdin line carrying a plain user message
// tagged with id.
func NewUserStdinMessage(id, text string) StdinMessage {
	return StdinMessage{Type: TypeUser, Text: text, ID: id}
}
