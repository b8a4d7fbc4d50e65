// Package tasklist implements TaskListExecutor: owns the single
// rendered task-list post for a session and the repurposing dance it plays
// with ContentExecutor when new content needs to land below it.
package tasklist

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
	"github.com/nextlevelbuilder/chatcoder/internal/transform"
)

// minimizeToggleReaction is seeded on every task post so a user can collapse
// it; the task-list entry in the reaction vocabulary.
const minimizeToggleReaction = "arrow_down_small"

// State is the externally-visible, persistable state of one task list:
// post id, last rendered body, and the completed/minimized flags.
type State struct {
	PostID    string
	Tasks     []transform.Task
	Body      string
	Completed bool
	Minimized bool
}

// Executor is TaskListExecutor. One instance per session.
type Executor struct {
	client    platform.Client
	tracker   *posts.Tracker
	sessionID string
	channelID string
	threadID  string

	// mu is the sticky lock: all task-post mutations, including
	// plan-approval bumps made through OnBumpTaskList/OnBumpTaskListToBottom,
	// serialize through it to prevent duplicate task posts from concurrent
	// bumps.
	mu    sync.Mutex
	state State
}

// New returns an Executor with no task post yet open.
func New(client platform.Client, tracker *posts.Tracker, sessionID, channelID, threadID string) *Executor {
	return &Executor{client: client, tracker: tracker, sessionID: sessionID, channelID: channelID, threadID: threadID}
}

// Hydrate restores state after a process restart.
func (e *Executor) Hydrate(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	if s.PostID != "" {
		e.tracker.Register(s.PostID, e.sessionID, posts.KindTask)
	}
}

// State returns a copy of the current state for persistence.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HasActiveTaskList reports whether a non-terminal task post currently exists.
func (e *Executor) HasActiveTaskList() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.PostID != "" && !e.state.Completed
}

// Update renders the in-progress body and creates or updates the task post.
func (e *Executor) Update(ctx context.Context, tasks []transform.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Completed {
		return nil
	}

	body := renderBody(tasks, e.state.Minimized)
	e.state.Tasks = tasks
	e.state.Body = body

	if e.state.PostID == "" {
		post, err := e.client.CreateInteractivePost(ctx, e.channelID, e.threadID, body, []string{minimizeToggleReaction})
		if err != nil {
			return err
		}
		e.state.PostID = post.ID
		e.tracker.Register(post.ID, e.sessionID, posts.KindTask)
		return e.client.PinPost(ctx, post.ID)
	}
	return e.client.UpdatePost(ctx, e.state.PostID, body)
}

// Complete renders the terminal strikethrough body, unpins, and marks the
// list done. A completed list is never mutated again by Update.
func (e *Executor) Complete(ctx context.Context, tasks []transform.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	body := renderCompletedBody(tasks)
	e.state.Tasks = tasks
	e.state.Body = body
	e.state.Completed = true

	if e.state.PostID == "" {
		post, err := e.client.CreatePost(ctx, e.channelID, e.threadID, body)
		if err != nil {
			return err
		}
		e.state.PostID = post.ID
		e.tracker.Register(post.ID, e.sessionID, posts.KindTask)
		return nil
	}
	if err := e.client.UpdatePost(ctx, e.state.PostID, body); err != nil {
		return err
	}
	return e.client.UnpinPost(ctx, e.state.PostID)
}

// ToggleMinimize switches between the compact and full rendering. Idempotent
// with respect to the currently rendered body.
func (e *Executor) ToggleMinimize(ctx context.Context, add bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.PostID == "" {
		return nil
	}
	if e.state.Minimized == add {
		return nil
	}
	e.state.Minimized = add
	body := renderBody(e.state.Tasks, add)
	if e.state.Completed {
		body = renderCompletedBody(e.state.Tasks)
	}
	e.state.Body = body
	return e.client.UpdatePost(ctx, e.state.PostID, body)
}

// OnBumpTaskList is called when ContentExecutor is about to open a new
// content post: the live task post is overwritten with the new content
// body and repurposed as that post, while a fresh task post is allocated
// at the thread's bottom to keep showing progress.
func (e *Executor) OnBumpTaskList(ctx context.Context, newContentBody string) (postID string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Completed || e.state.PostID == "" {
		return "", false
	}

	overwrittenID := e.state.PostID
	if err := e.client.UpdatePost(ctx, overwrittenID, newContentBody); err != nil {
		return "", false
	}
	if err := e.client.RemoveReaction(ctx, overwrittenID, minimizeToggleReaction); err != nil {
		// Non-fatal: the reaction is cosmetic only.
		_ = err
	}
	e.tracker.Unregister(overwrittenID)

	freshBody := renderBody(e.state.Tasks, e.state.Minimized)
	post, err := e.client.CreateInteractivePost(ctx, e.channelID, e.threadID, freshBody, []string{minimizeToggleReaction})
	if err != nil {
		// The content post still landed; the task list just stops rendering
		// until the next Update call recreates it.
		e.state.PostID = ""
		return overwrittenID, true
	}
	e.state.PostID = post.ID
	e.tracker.Register(post.ID, e.sessionID, posts.KindTask)
	_ = e.client.PinPost(ctx, post.ID)

	return overwrittenID, true
}

// OnBumpTaskListToBottom ensures the task post is the visually-bottom post
// by deleting and recreating it, preserving its rendered body and minimize
// state.
func (e *Executor) OnBumpTaskListToBottom(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.PostID == "" {
		return
	}

	oldID := e.state.PostID
	post, err := e.client.CreateInteractivePost(ctx, e.channelID, e.threadID, e.state.Body, []string{minimizeToggleReaction})
	if err != nil {
		return
	}
	_ = e.client.DeletePost(ctx, oldID)
	e.tracker.Unregister(oldID)

	e.state.PostID = post.ID
	e.tracker.Register(post.ID, e.sessionID, posts.KindTask)
	if !e.state.Completed {
		_ = e.client.PinPost(ctx, post.ID)
	}
}

func renderBody(tasks []transform.Task, minimized bool) string {
	done, total := progress(tasks)
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	header := fmt.Sprintf("📋 Tasks (%d/%d · %d%%)", done, total, pct)

	if minimized {
		active := activeTaskLine(tasks)
		if active == "" {
			return header
		}
		return header + "\n" + active
	}

	var b strings.Builder
	b.WriteString(header)
	for _, t := range tasks {
		b.WriteByte('\n')
		b.WriteString(glyphFor(t.Status))
		b.WriteByte(' ')
		if t.Status == transform.TaskInProgress && t.ActiveForm != "" {
			b.WriteString(t.ActiveForm)
		} else {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}

func renderCompletedBody(tasks []transform.Task) string {
	done, total := progress(tasks)
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📋 Tasks (%d/%d · 100%%) ✅", done, total))
	for _, t := range tasks {
		b.WriteString("\n~~")
		b.WriteString(t.Content)
		b.WriteString("~~")
	}
	return b.String()
}

func activeTaskLine(tasks []transform.Task) string {
	for _, t := range tasks {
		if t.Status == transform.TaskInProgress {
			if t.ActiveForm != "" {
				return glyphFor(t.Status) + " " + t.ActiveForm
			}
			return glyphFor(t.Status) + " " + t.Content
		}
	}
	return ""
}

func progress(tasks []transform.Task) (done, total int) {
	total = len(tasks)
	for _, t := range tasks {
		if t.Status == transform.TaskCompleted {
			done++
		}
	}
	return done, total
}

func glyphFor(status transform.TaskStatus) string {
	switch status {
	case transform.TaskCompleted:
		return "✅"
	case transform.TaskInProgress:
		return "🔄"
	default:
		return "⬜"
	}
}
