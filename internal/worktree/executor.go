// Package worktree implements WorktreePromptExecutor: the
// reaction-driven prompt that decides what happens to a queued user message
// when a session is waiting on a branch choice or a failure retry decision.
package worktree

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
	"github.com/nextlevelbuilder/chatcoder/internal/reaction"
)

// PromptKind distinguishes the two pending-prompt shapes this executor renders.
type PromptKind string

const (
	PromptBranchSuggestions PromptKind = "branch-suggestions"
	PromptFailureRetry      PromptKind = "failure-retry"
)

// QueuedData is the payload parked behind the prompt until it resolves.
type QueuedData struct {
	PromptText    string
	Files         []string
	ResponsePostID string
	FirstPrompt   string
}

// Decision is the resolved outcome: either a suggestion index (1-based) or a skip.
type Decision struct {
	Skipped       bool
	SuggestionIdx int // 1-based; valid only when !Skipped
}

// EventWorktreeInitialPromptComplete is this executor's single completion
// event kind.
const EventWorktreeInitialPromptComplete = "worktree-initial-prompt:complete"

// Event is emitted once the prompt resolves.
type Event struct {
	Kind         string
	Decision     Decision
	QueuedData   QueuedData
	FailedBranch string
}

type pendingPrompt struct {
	postID       string
	kind         PromptKind
	suggestions  []string
	failedBranch string
	queued       QueuedData
	resolved     bool
}

// Executor is WorktreePromptExecutor. One instance per session.
type Executor struct {
	client    platform.Client
	tracker   *posts.Tracker
	sessionID string
	channelID string
	threadID  string
	ownerID   string

	pending *pendingPrompt
}

// New returns an Executor with no pending prompt.
func New(client platform.Client, tracker *posts.Tracker, sessionID, channelID, threadID, ownerID string) *Executor {
	return &Executor{client: client, tracker: tracker, sessionID: sessionID, channelID: channelID, threadID: threadID, ownerID: ownerID}
}

// HasPending reports whether a prompt is currently awaiting a decision.
func (e *Executor) HasPending() bool { return e.pending != nil }

// Hydrate restores a pending prompt after a process restart, the worktree
// counterpart of MessageManager's HydrateInteractiveState. postID == ""
// is a no-op.
func (e *Executor) Hydrate(postID string, kind PromptKind, suggestions []string, failedBranch string, queued QueuedData) {
	if postID == "" {
		return
	}
	e.pending = &pendingPrompt{postID: postID, kind: kind, suggestions: suggestions, failedBranch: failedBranch, queued: queued}
	e.tracker.Register(postID, e.sessionID, posts.KindWorktreePrompt)
}

// Pending reports the in-flight prompt, if any, for persistence across a
// process restart.
func (e *Executor) Pending() (postID string, kind PromptKind, suggestions []string, failedBranch string, queued QueuedData, ok bool) {
	if e.pending == nil {
		return "", "", nil, "", QueuedData{}, false
	}
	p := e.pending
	return p.postID, p.kind, p.suggestions, p.failedBranch, p.queued, true
}

// StartBranchSuggestions opens a prompt offering numbered branch suggestions.
func (e *Executor) StartBranchSuggestions(ctx context.Context, suggestions []string, queued QueuedData) error {
	body := renderSuggestions(suggestions)
	reactions := numberReactions(len(suggestions))
	post, err := e.client.CreateInteractivePost(ctx, e.channelID, e.threadID, body, reactions)
	if err != nil {
		return err
	}
	e.pending = &pendingPrompt{postID: post.ID, kind: PromptBranchSuggestions, suggestions: suggestions, queued: queued}
	e.tracker.Register(post.ID, e.sessionID, posts.KindWorktreePrompt)
	return nil
}

// StartFailureRetry opens a prompt offering to retry on a freshly failed branch.
func (e *Executor) StartFailureRetry(ctx context.Context, failedBranch string, queued QueuedData) error {
	body := fmt.Sprintf("Worktree setup failed on branch `%s`. React 👍 to retry or 👎/❌ to skip.", failedBranch)
	post, err := e.client.CreateInteractivePost(ctx, e.channelID, e.threadID, body, []string{"thumbsup", "thumbsdown"})
	if err != nil {
		return err
	}
	e.pending = &pendingPrompt{postID: post.ID, kind: PromptFailureRetry, failedBranch: failedBranch, queued: queued}
	e.tracker.Register(post.ID, e.sessionID, posts.KindWorktreePrompt)
	return nil
}

// HandleReaction advances the prompt. Emits the completion event exactly
// once; further reactions on the same post after resolution are ignored.
func (e *Executor) HandleReaction(ctx context.Context, emoji, userID string) (Event, bool) {
	if e.pending == nil || e.pending.resolved {
		return Event{}, false
	}
	if userID != e.ownerID && !e.client.IsUserAllowed(e.client.Username(ctx, userID)) {
		return Event{}, false
	}

	st := e.pending
	var decision Decision

	switch st.kind {
	case PromptBranchSuggestions:
		if idx, ok := reaction.NumberIndex(emoji); ok && idx <= len(st.suggestions) {
			decision = Decision{SuggestionIdx: idx}
		} else if reaction.IsDenial(emoji) {
			decision = Decision{Skipped: true}
		} else {
			return Event{}, false
		}
	case PromptFailureRetry:
		switch {
		case reaction.IsApproval(emoji):
			decision = Decision{SuggestionIdx: 1}
		case reaction.IsDenial(emoji):
			decision = Decision{Skipped: true}
		default:
			return Event{}, false
		}
	}

	st.resolved = true
	label := "Skipped."
	if !decision.Skipped {
		label = "Proceeding."
	}
	e.client.UpdatePost(ctx, st.postID, label)
	e.tracker.Unregister(st.postID)
	e.pending = nil

	return Event{Kind: EventWorktreeInitialPromptComplete, Decision: decision, QueuedData: st.queued, FailedBranch: st.failedBranch}, true
}

func renderSuggestions(suggestions []string) string {
	var b strings.Builder
	b.WriteString("Pick a branch:\n")
	names := []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣", "6️⃣", "7️⃣", "8️⃣", "9️⃣"}
	for i, s := range suggestions {
		glyph := ""
		if i < len(names) {
			glyph = names[i]
		}
		fmt.Fprintf(&b, "%s %s\n", glyph, s)
	}
	b.WriteString("👎/❌ to skip")
	return b.String()
}

func numberReactions(n int) []string {
	names := []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}
	if n > len(names) {
		n = len(names)
	}
	return names[:n]
}
