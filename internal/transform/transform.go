// Package transform implements EventTransformer: a pure function
// from one agent event to an ordered list of MessageOperations. It performs
// no I/O and consults no clock other than now() for elapsed-time
// computation on tool results.
package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/pkg/protocol"
)

// OpKind discriminates the MessageOperation tagged variants.
type OpKind string

const (
	OpAppendContent OpKind = "append_content"
	OpFlush         OpKind = "flush"
	OpTaskList      OpKind = "task_list"
	OpQuestion      OpKind = "question"
	OpApproval      OpKind = "approval"
	OpSubagent      OpKind = "subagent"
	OpStatusUpdate  OpKind = "status_update"
)

// FlushReason names why a Flush operation was requested.
type FlushReason string

const (
	FlushExplicit     FlushReason = "explicit"
	FlushToolComplete FlushReason = "tool_complete"
	FlushResult       FlushReason = "result"
	FlushTimer        FlushReason = "timer"
)

// TaskAction distinguishes a task-list update from its terminal completion.
type TaskAction string

const (
	TaskActionUpdate   TaskAction = "update"
	TaskActionComplete TaskAction = "complete"
)

// TaskStatus is the per-item lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Task is one entry of a TaskList operation.
type Task struct {
	Content    string
	Status     TaskStatus
	ActiveForm string
}

// SubagentEventKind distinguishes subagent start from stop.
type SubagentEventKind string

const (
	SubagentStart SubagentEventKind = "start"
	SubagentStop  SubagentEventKind = "stop"
)

// QuestionOption mirrors protocol.QuestionOption for the operation layer.
type QuestionOption struct {
	Label       string
	Description string
}

// QuestionItem is one question within a Question operation.
type QuestionItem struct {
	Header      string
	Prompt      string
	Options     []QuestionOption
	MultiSelect bool
}

// Operation is the tagged-union MessageOperation. Exactly one of the typed
// fields is populated, matching Kind.
type Operation struct {
	Kind OpKind

	// OpAppendContent
	Body  string
	Block bool

	// OpFlush
	FlushReason FlushReason

	// OpTaskList
	TaskAction TaskAction
	Tasks      []Task

	// OpQuestion
	ToolUseID     string
	Questions     []QuestionItem
	CurrentIndex  int

	// OpApproval
	ApprovalKind string // "plan" | "action"

	// OpSubagent
	SubagentEvent       SubagentEventKind
	SubagentDescription string
	SubagentKindName    string

	// OpStatusUpdate
	ModelID      string
	TotalCostUSD float64
	Tokens       *protocol.Usage
}

// Context carries the per-session state the transform needs: identity for
// logging/formatting, the formatter for rendering tool lines, the worktree
// path, a verbosity flag, and the tool-start-time side channel used to
// compute tool_result elapsed time. Transform does not read WorktreePath or
// Detailed: tool paths are rendered as given, not shortened.
type Context struct {
	SessionID     string
	Formatter     platform.Formatter
	WorktreePath  string
	Detailed      bool

	mu             sync.Mutex
	toolStartTimes map[string]time.Time
}

// NewContext returns a Context with its side-channel initialized.
func NewContext(sessionID string, formatter platform.Formatter, worktreePath string, detailed bool) *Context {
	return &Context{
		SessionID:      sessionID,
		Formatter:      formatter,
		WorktreePath:   worktreePath,
		Detailed:       detailed,
		toolStartTimes: make(map[string]time.Time),
	}
}

func (c *Context) markToolStart(id string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolStartTimes[id] = now
}

// elapsed returns the elapsed duration since the tool's recorded start, and
// whether a start time was known at all.
func (c *Context) elapsed(id string, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, ok := c.toolStartTimes[id]
	if !ok {
		return 0, false
	}
	delete(c.toolStartTimes, id)
	return now.Sub(start), true
}

var thinkingTagRe = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)

// Transform is the pure entry point: one agent event in, zero or more
// operations out, in order.
func Transform(env protocol.Envelope, ctx *Context, now time.Time) []Operation {
	switch env.Type {
	case protocol.TypeAssistant:
		return transformAssistant(env, ctx, now)
	case protocol.TypeToolUse:
		return transformToolUse(env, ctx, now)
	case protocol.TypeToolResult:
		return transformToolResult(env, ctx, now)
	case protocol.TypeResult:
		return transformResult(env)
	default:
		return nil
	}
}

func transformAssistant(env protocol.Envelope, ctx *Context, now time.Time) []Operation {
	var ev protocol.AssistantEvent
	if err := json.Unmarshal(env.Raw, &ev); err != nil {
		return nil
	}

	var parts []string
	var ops []Operation

	flushParts := func() {
		if len(parts) == 0 {
			return
		}
		ops = append(ops, Operation{Kind: OpAppendContent, Body: strings.Join(parts, "\n\n")})
		parts = nil
	}

	for _, block := range ev.Message.Content {
		switch block.Type {
		case protocol.BlockText:
			text := thinkingTagRe.ReplaceAllString(block.Text, "")
			text = strings.TrimSpace(text)
			if text != "" {
				parts = append(parts, text)
			}
		case protocol.BlockThinking:
			text := strings.TrimSpace(block.Thinking)
			if text != "" {
				parts = append(parts, ctx.Formatter.Blockquote(ctx.Formatter.Italic(truncate(text, 400))))
			}
		case protocol.BlockToolUse, protocol.BlockServerToolUse:
			ctx.markToolStart(block.ID, now)
			if op, ok := specialToolOperation(block.Name, block.Input, block.ID); ok {
				flushParts()
				ops = append(ops, op)
				continue
			}
			parts = append(parts, formatToolLine(ctx.Formatter, block.Name, block.Input))
		}
	}
	flushParts()
	return ops
}

func transformToolUse(env protocol.Envelope, ctx *Context, now time.Time) []Operation {
	var ev protocol.ToolUseEvent
	if err := json.Unmarshal(env.Raw, &ev); err != nil {
		return nil
	}
	ctx.markToolStart(ev.ToolUse.ID, now)

	if op, ok := specialToolOperation(ev.ToolUse.Name, ev.ToolUse.Input, ev.ToolUse.ID); ok {
		return []Operation{op}
	}
	line := formatToolLine(ctx.Formatter, ev.ToolUse.Name, ev.ToolUse.Input)
	return []Operation{{Kind: OpAppendContent, Body: line, Block: true}}
}

func transformToolResult(env protocol.Envelope, ctx *Context, now time.Time) []Operation {
	var ev protocol.ToolResultEvent
	if err := json.Unmarshal(env.Raw, &ev); err != nil {
		return nil
	}

	elapsed, known := ctx.elapsed(ev.ToolResult.ToolUseID, now)

	glyph := "✓"
	if ev.ToolResult.IsError {
		glyph = "❌"
	}
	suffix := ""
	if known && elapsed >= 3*time.Second {
		suffix = fmt.Sprintf(" (%ds)", int(elapsed.Seconds()))
	}
	body := fmt.Sprintf("  ↳ %s%s", glyph, suffix)

	return []Operation{
		{Kind: OpAppendContent, Body: body, Block: true},
		{Kind: OpFlush, FlushReason: FlushToolComplete},
	}
}

func transformResult(env protocol.Envelope) []Operation {
	var ev protocol.ResultEvent
	if err := json.Unmarshal(env.Raw, &ev); err != nil {
		return nil
	}
	return []Operation{
		{Kind: OpFlush, FlushReason: FlushResult},
		{
			Kind:         OpStatusUpdate,
			ModelID:      ev.Result.Model,
			TotalCostUSD: ev.Result.CostUSD,
			Tokens:       ev.Result.Usage,
		},
	}
}

// specialToolOperation handles the four bespoke tool names that each emit
// their own operation instead of a formatted content line.
func specialToolOperation(name string, rawInput json.RawMessage, toolUseID string) (Operation, bool) {
	switch name {
	case protocol.ToolTodoWrite:
		var input protocol.TodoWriteInput
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return Operation{}, false
		}
		tasks := make([]Task, 0, len(input.Todos))
		for _, t := range input.Todos {
			tasks = append(tasks, Task{Content: t.Content, Status: TaskStatus(t.Status), ActiveForm: t.ActiveForm})
		}
		action := TaskActionUpdate
		if allCompleted(tasks) {
			action = TaskActionComplete
		}
		return Operation{Kind: OpTaskList, TaskAction: action, Tasks: tasks}, true

	case protocol.ToolTask:
		var input protocol.TaskInput
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return Operation{}, false
		}
		return Operation{
			Kind:                OpSubagent,
			ToolUseID:           toolUseID,
			SubagentEvent:       SubagentStart,
			SubagentDescription: input.Description,
			SubagentKindName:    input.SubagentType,
		}, true

	case protocol.ToolAskUserQuestion:
		var input protocol.AskUserQuestionInput
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return Operation{}, false
		}
		items := make([]QuestionItem, 0, len(input.Questions))
		for _, q := range input.Questions {
			opts := make([]QuestionOption, 0, len(q.Options))
			for _, o := range q.Options {
				opts = append(opts, QuestionOption{Label: o.Label, Description: o.Description})
			}
			items = append(items, QuestionItem{Header: q.Header, Prompt: q.Question, Options: opts, MultiSelect: q.MultiSelect})
		}
		return Operation{Kind: OpQuestion, ToolUseID: toolUseID, Questions: items}, true

	case protocol.ToolExitPlanMode:
		return Operation{Kind: OpApproval, ToolUseID: toolUseID, ApprovalKind: "plan"}, true

	default:
		return Operation{}, false
	}
}

func allCompleted(tasks []Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func formatToolLine(f platform.Formatter, name string, rawInput json.RawMessage) string {
	summary := summarizeInput(rawInput)
	if summary == "" {
		return f.Italic(name)
	}
	return f.Italic(name) + " " + f.InlineCode(summary)
}

// summarizeInput renders a compact single-line summary of a tool's input,
// taken from the first common field name (file_path/path/command/pattern/
// query/url) that holds a string. Returns "" when none does; the raw JSON
// is never used as a fallback.
func summarizeInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	for _, key := range []string{"file_path", "path", "command", "pattern", "query", "url"} {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return truncate(s, 120)
			}
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
