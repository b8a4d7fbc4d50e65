// Package messaging implements MessageManager: the single entry
// point, per session, for agent events and chat reactions. It owns the
// content/task-list/interactive/worktree executors, dispatches
// operations produced by the transform layer to whichever of them owns the
// operation, and republishes their completion events on one typed channel.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatcoder/internal/content"
	"github.com/nextlevelbuilder/chatcoder/internal/interactive"
	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
	"github.com/nextlevelbuilder/chatcoder/internal/reaction"
	"github.com/nextlevelbuilder/chatcoder/internal/tasklist"
	"github.com/nextlevelbuilder/chatcoder/internal/transform"
	"github.com/nextlevelbuilder/chatcoder/internal/worktree"
	"github.com/nextlevelbuilder/chatcoder/pkg/protocol"
)

// EventKind discriminates the union of completion events a MessageManager
// can publish to its subscribers.
type EventKind string

const (
	EventApprovalComplete        EventKind = "approval:complete"
	EventQuestionComplete        EventKind = "question:complete"
	EventMessageApprovalComplete EventKind = "message-approval:complete"
	EventWorktreeInitialComplete EventKind = "worktree-initial-prompt:complete"
	EventUpdatePromptComplete    EventKind = "update-prompt:complete"
	EventBugReportComplete       EventKind = "bug-report:complete"
	EventStatusUpdate            EventKind = "status:update"
)

// StatusPayload carries the fields of a StatusUpdate operation.
type StatusPayload struct {
	ModelID      string
	TotalCostUSD float64
	Tokens       *protocol.Usage
}

// ConfirmEvent is the outcome of a generic yes/no prompt (update, bug report).
type ConfirmEvent struct {
	Approved bool
}

// Event is one entry on the typed completion channel. Exactly one payload
// field is populated, matching Kind.
type Event struct {
	Kind EventKind

	Approval        *interactive.Event
	Question        *interactive.Event
	MessageApproval *interactive.Event
	Worktree        *worktree.Event
	Confirm         *ConfirmEvent
	Status          *StatusPayload
}

type confirmPrompt struct {
	postID string
}

// Manager is MessageManager. One instance per Session.
type Manager struct {
	client    platform.Client
	tracker   *posts.Tracker
	sessionID string
	channelID string
	threadID  string

	content     *content.Executor
	taskList    *tasklist.Executor
	interactive *interactive.Executor
	worktree    *worktree.Executor

	transformCtx *transform.Context
	flushDelay   time.Duration

	mu              sync.Mutex
	updatePrompt    *confirmPrompt
	bugReportPrompt *confirmPrompt
	autoApprove     bool

	subsMu sync.Mutex
	subs   []func(Event)
}

// New wires C-H together for one session.
func New(client platform.Client, tracker *posts.Tracker, sessionID, channelID, threadID, ownerID, worktreePath string, flushDelay time.Duration) *Manager {
	tl := tasklist.New(client, tracker, sessionID, channelID, threadID)
	m := &Manager{
		client:       client,
		tracker:      tracker,
		sessionID:    sessionID,
		channelID:    channelID,
		threadID:     threadID,
		content:      content.New(client, tracker, sessionID, channelID, threadID, tl),
		taskList:     tl,
		interactive:  interactive.New(client, tracker, sessionID, channelID, threadID, ownerID),
		worktree:     worktree.New(client, tracker, sessionID, channelID, threadID, ownerID),
		transformCtx: transform.NewContext(sessionID, client.Formatter(), worktreePath, false),
		flushDelay:   flushDelay,
	}
	return m
}

// Subscribe registers a consumer of this manager's completion events.
// Multiple subscribers are allowed; emission is synchronous, in
// subscription order.
func (m *Manager) Subscribe(fn func(Event)) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Manager) publish(ev Event) {
	m.subsMu.Lock()
	subs := append([]func(Event){}, m.subs...)
	m.subsMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// HandleEvent transforms one agent envelope into operations and dispatches
// each, in order, to the executor that owns it. Never runs two HandleEvent
// calls for the same session concurrently — the caller's single-threaded
// session loop is what guarantees that.
func (m *Manager) HandleEvent(ctx context.Context, env protocol.Envelope, now time.Time) error {
	ops := transform.Transform(env, m.transformCtx, now)
	var firstErr error
	for _, op := range ops {
		if err := m.dispatchOp(ctx, op); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) dispatchOp(ctx context.Context, op transform.Operation) error {
	switch op.Kind {
	case transform.OpAppendContent:
		m.content.Append(op.Body, op.Block)
		m.content.ScheduleFlush(ctx, m.flushDelay, nil)
		return nil

	case transform.OpFlush:
		return m.content.Flush(ctx)

	case transform.OpTaskList:
		switch op.TaskAction {
		case transform.TaskActionComplete:
			return m.taskList.Complete(ctx, op.Tasks)
		default:
			return m.taskList.Update(ctx, op.Tasks)
		}

	case transform.OpQuestion:
		return m.interactive.StartQuestionSet(ctx, op.ToolUseID, op.Questions)

	case transform.OpApproval:
		if m.AutoApprove() {
			m.publish(Event{Kind: EventApprovalComplete, Approval: &interactive.Event{
				Kind:         interactive.EventApprovalComplete,
				ApprovalKind: op.ApprovalKind,
				ToolUseID:    op.ToolUseID,
				Approved:     true,
			}})
			return nil
		}
		return m.interactive.StartApproval(ctx, op.ToolUseID, op.ApprovalKind, approvalBody(op.ApprovalKind))

	case transform.OpStatusUpdate:
		m.publish(Event{Kind: EventStatusUpdate, Status: &StatusPayload{
			ModelID:      op.ModelID,
			TotalCostUSD: op.TotalCostUSD,
			Tokens:       op.Tokens,
		}})
		return nil

	case transform.OpSubagent:
		// Subagent start/stop is purely informational at this layer; nothing
		// in C-H owns a dedicated subagent post today.
		return nil

	default:
		return nil
	}
}

func approvalBody(kind string) string {
	switch kind {
	case "plan":
		return "The agent wants to exit plan mode and start executing. React 👍 to approve or 👎/❌ to deny."
	case "action":
		return "The agent wants to perform a sensitive action. React 👍 to approve or 👎/❌ to deny."
	default:
		return "Approve? React 👍 to approve or 👎/❌ to deny."
	}
}

// HandleReaction looks up postId's owning kind in PostTracker and dispatches
// to the matching executor. Unknown postId is ignored.
func (m *Manager) HandleReaction(ctx context.Context, postID, emoji string, added bool, userID string) {
	entry, ok := m.tracker.Lookup(postID)
	if !ok || entry.SessionID != m.sessionID {
		return
	}

	switch entry.Kind {
	case posts.KindTask:
		if reaction.IsTaskToggle(emoji) {
			m.taskList.ToggleMinimize(ctx, added)
		}

	case posts.KindApproval:
		if !added {
			return
		}
		if ev, ok := m.interactive.HandleApprovalReaction(ctx, emoji, userID); ok {
			m.publish(Event{Kind: EventApprovalComplete, Approval: &ev})
		}

	case posts.KindQuestion:
		if !added {
			return
		}
		if ev, ok := m.interactive.HandleQuestionReaction(ctx, emoji, userID); ok {
			m.publish(Event{Kind: EventQuestionComplete, Question: &ev})
		}

	case posts.KindMessageApproval:
		if !added {
			return
		}
		if ev, ok := m.interactive.HandleMessageApprovalReaction(ctx, emoji, userID); ok {
			m.publish(Event{Kind: EventMessageApprovalComplete, MessageApproval: &ev})
		}

	case posts.KindWorktreePrompt:
		if !added {
			return
		}
		if ev, ok := m.worktree.HandleReaction(ctx, emoji, userID); ok {
			m.publish(Event{Kind: EventWorktreeInitialComplete, Worktree: &ev})
		}

	case posts.KindUpdatePrompt:
		if !added {
			return
		}
		m.handleConfirmReaction(ctx, &m.updatePrompt, postID, emoji, EventUpdatePromptComplete)

	case posts.KindBugReport:
		if !added {
			return
		}
		m.handleConfirmReaction(ctx, &m.bugReportPrompt, postID, emoji, EventBugReportComplete)
	}
}

// StartUpdatePrompt and StartBugReportPrompt open the two generic yes/no
// confirmation posts not owned by any of the dedicated sub-state-machines:
// whether to apply a pending update now, and whether to file a bug report
// for the current conversation.
func (m *Manager) StartUpdatePrompt(ctx context.Context, body string) error {
	return m.startConfirm(ctx, &m.updatePrompt, body, posts.KindUpdatePrompt)
}

func (m *Manager) StartBugReportPrompt(ctx context.Context, body string) error {
	return m.startConfirm(ctx, &m.bugReportPrompt, body, posts.KindBugReport)
}

func (m *Manager) startConfirm(ctx context.Context, slot **confirmPrompt, body string, kind posts.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *slot != nil {
		return fmt.Errorf("messaging: a %s prompt is already pending for session %s", kind, m.sessionID)
	}
	post, err := m.client.CreateInteractivePost(ctx, m.channelID, m.threadID, body, []string{"thumbsup", "thumbsdown"})
	if err != nil {
		return err
	}
	*slot = &confirmPrompt{postID: post.ID}
	m.tracker.Register(post.ID, m.sessionID, kind)
	return nil
}

func (m *Manager) handleConfirmReaction(ctx context.Context, slot **confirmPrompt, postID, emoji string, kind EventKind) {
	m.mu.Lock()
	st := *slot
	if st == nil || st.postID != postID {
		m.mu.Unlock()
		return
	}

	var approved bool
	switch {
	case reaction.IsApproval(emoji):
		approved = true
	case reaction.IsDenial(emoji):
		approved = false
	default:
		m.mu.Unlock()
		return
	}
	*slot = nil
	m.mu.Unlock()

	verb := "Declined"
	if approved {
		verb = "Confirmed"
	}
	m.client.UpdatePost(ctx, postID, verb)
	m.tracker.Unregister(postID)
	m.publish(Event{Kind: kind, Confirm: &ConfirmEvent{Approved: approved}})
}

// HandleUserMessage runs PrepareForUserMessage; its text, files and fromUser
// arguments are not used.
func (m *Manager) HandleUserMessage(ctx context.Context, text string, files []string, fromUser string) error {
	return m.PrepareForUserMessage(ctx)
}

// PrepareForUserMessage flushes pending content, closes the current content
// post so the agent's next output starts a fresh one, and — if a task list
// is still active — bumps it back to the bottom of the thread so the new
// exchange doesn't get visually buried above it.
func (m *Manager) PrepareForUserMessage(ctx context.Context) error {
	if err := m.content.Flush(ctx); err != nil {
		return err
	}
	m.content.ClosePost()
	if m.taskList.HasActiveTaskList() {
		m.taskList.OnBumpTaskListToBottom(ctx)
	}
	return nil
}

// Flush flushes the content executor only; a thin passthrough for callers
// that don't need the full prepareForUserMessage sequence (e.g. an idle
// timeout forcing out partial output).
func (m *Manager) Flush(ctx context.Context) error {
	return m.content.Flush(ctx)
}

// Reset drops pending, unflushed content without touching open posts.
func (m *Manager) Reset() {
	m.content.Reset()
}

// SetAutoApprove toggles `!permissions auto` mode: subsequent plan/action
// approval requests complete immediately instead of posting a reaction
// prompt. `!permissions interactive` (the default) restores the prompt.
func (m *Manager) SetAutoApprove(auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoApprove = auto
}

// AutoApprove reports the current `!permissions` mode.
func (m *Manager) AutoApprove() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoApprove
}

// Dispose releases this session's tracked posts. Called once, when the
// session is removed from the supervisor.
func (m *Manager) Dispose() {
	m.content.Reset()
	m.tracker.RemoveBySession(m.sessionID)
}

// HydrateTaskListState restores the task-list executor's state after a
// process restart.
func (m *Manager) HydrateTaskListState(s tasklist.State) {
	m.taskList.Hydrate(s)
}

// HydrateInteractiveState restores the approval and question sub-machines
// after a process restart.
func (m *Manager) HydrateInteractiveState(approvalPostID, approvalKind, approvalToolUseID string, questionPostID, questionToolUseID string, items []transform.QuestionItem, idx int, answers []string) {
	m.interactive.HydrateApproval(approvalPostID, approvalKind, approvalToolUseID)
	m.interactive.HydrateQuestion(questionPostID, questionToolUseID, items, idx, answers)
}

// TaskListState returns the task-list executor's current state, for
// persistence.
func (m *Manager) TaskListState() tasklist.State {
	return m.taskList.State()
}

// UnpinTaskPost unpins the active task post without completing or otherwise
// mutating it. Called when a session is cancelled outright (`!stop`): the
// task list stays as a historical record but no longer needs to be pinned.
func (m *Manager) UnpinTaskPost(ctx context.Context) error {
	s := m.taskList.State()
	if s.PostID == "" {
		return nil
	}
	return m.client.UnpinPost(ctx, s.PostID)
}

// WorktreeExecutor and InteractiveExecutor expose the sub-executors
// directly for the cases Session needs to drive them beyond what this
// manager's own surface covers (e.g. starting a worktree prompt before any
// agent event exists to trigger one through the transform layer).
func (m *Manager) WorktreeExecutor() *worktree.Executor    { return m.worktree }
func (m *Manager) InteractiveExecutor() *interactive.Executor { return m.interactive }
