// Package interactive implements InteractiveExecutor: the three
// reaction-driven sub-state-machines that pause a session waiting for a
// human decision — plan/action approval, multi-question sets, and cross-user
// message approval.
package interactive

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
	"github.com/nextlevelbuilder/chatcoder/internal/reaction"
	"github.com/nextlevelbuilder/chatcoder/internal/transform"
)

// EventKind names the completion events this executor emits on
// MessageManager's typed event channel; only the three kinds this executor
// owns.
type EventKind string

const (
	EventApprovalComplete        EventKind = "approval:complete"
	EventQuestionComplete        EventKind = "question:complete"
	EventMessageApprovalComplete EventKind = "message-approval:complete"
)

// MessageDecision is the owner's verdict on a cross-user message.
type MessageDecision string

const (
	DecisionAllow  MessageDecision = "allow"
	DecisionInvite MessageDecision = "invite"
	DecisionDeny   MessageDecision = "deny"
)

// Event is emitted once a sub-state-machine reaches a terminal state.
type Event struct {
	Kind EventKind

	// approval:complete
	ApprovalKind string // "plan" | "action"
	ToolUseID    string
	Approved     bool

	// question:complete
	Answers []string

	// message-approval:complete
	Decision        MessageDecision
	FromUser        string
	OriginalMessage string
}

type approvalState struct {
	postID    string
	kind      string
	toolUseID string
}

type questionState struct {
	postID    string
	toolUseID string
	items     []transform.QuestionItem
	idx       int
	answers   []string
}

type messageApprovalState struct {
	postID          string
	fromUser        string
	originalMessage string
}

// Executor is InteractiveExecutor. One instance per session.
type Executor struct {
	client    platform.Client
	tracker   *posts.Tracker
	sessionID string
	channelID string
	threadID  string
	ownerID   string

	approval    *approvalState
	question    *questionState
	msgApproval *messageApprovalState
}

// New returns an Executor with no pending interaction.
func New(client platform.Client, tracker *posts.Tracker, sessionID, channelID, threadID, ownerID string) *Executor {
	return &Executor{client: client, tracker: tracker, sessionID: sessionID, channelID: channelID, threadID: threadID, ownerID: ownerID}
}

// HydrateApproval / HydrateQuestion restore state after a process restart.
func (e *Executor) HydrateApproval(postID, kind, toolUseID string) {
	if postID == "" {
		return
	}
	e.approval = &approvalState{postID: postID, kind: kind, toolUseID: toolUseID}
	e.tracker.Register(postID, e.sessionID, posts.KindApproval)
}

func (e *Executor) HydrateQuestion(postID, toolUseID string, items []transform.QuestionItem, idx int, answers []string) {
	if postID == "" {
		return
	}
	e.question = &questionState{postID: postID, toolUseID: toolUseID, items: items, idx: idx, answers: answers}
	e.tracker.Register(postID, e.sessionID, posts.KindQuestion)
}

// StartApproval opens a plan- or action-approval post with the approval and
// denial reactions seeded.
func (e *Executor) StartApproval(ctx context.Context, toolUseID, kind, body string) error {
	post, err := e.client.CreateInteractivePost(ctx, e.channelID, e.threadID, body, []string{"thumbsup", "thumbsdown"})
	if err != nil {
		return err
	}
	e.approval = &approvalState{postID: post.ID, kind: kind, toolUseID: toolUseID}
	e.tracker.Register(post.ID, e.sessionID, posts.KindApproval)
	return nil
}

// StartQuestionSet opens the first question of a multi-question set.
func (e *Executor) StartQuestionSet(ctx context.Context, toolUseID string, items []transform.QuestionItem) error {
	if len(items) == 0 {
		return nil
	}
	body := renderQuestion(items[0], 0, len(items))
	reactions := numberReactions(len(items[0].Options))
	post, err := e.client.CreateInteractivePost(ctx, e.channelID, e.threadID, body, reactions)
	if err != nil {
		return err
	}
	e.question = &questionState{postID: post.ID, toolUseID: toolUseID, items: items}
	e.tracker.Register(post.ID, e.sessionID, posts.KindQuestion)
	return nil
}

// StartMessageApproval opens the owner-facing approval post for a message
// from a non-allowed user.
func (e *Executor) StartMessageApproval(ctx context.Context, fromUser, originalMessage string) error {
	body := fmt.Sprintf("@%s wants to send a message to this session:\n> %s\n\nReact 👍 allow once · ✅ invite · 👎/❌ deny", fromUser, originalMessage)
	post, err := e.client.CreateInteractivePost(ctx, e.channelID, e.threadID, body, []string{"thumbsup", "white_check_mark", "thumbsdown"})
	if err != nil {
		return err
	}
	e.msgApproval = &messageApprovalState{postID: post.ID, fromUser: fromUser, originalMessage: originalMessage}
	e.tracker.Register(post.ID, e.sessionID, posts.KindMessageApproval)
	return nil
}

// PendingApproval reports the in-flight plan/action approval, if any, for
// persistence across a process restart.
func (e *Executor) PendingApproval() (postID, kind, toolUseID string, ok bool) {
	if e.approval == nil {
		return "", "", "", false
	}
	return e.approval.postID, e.approval.kind, e.approval.toolUseID, true
}

// PendingQuestion reports the in-flight question set, if any, for
// persistence across a process restart.
func (e *Executor) PendingQuestion() (postID, toolUseID string, items []transform.QuestionItem, idx int, answers []string, ok bool) {
	if e.question == nil {
		return "", "", nil, 0, nil, false
	}
	q := e.question
	return q.postID, q.toolUseID, q.items, q.idx, q.answers, true
}

// authorized implements the authorization predicate shared by the
// plan/action approval and question state machines: owner OR globally
// allowed by platform policy. Cross-user message approval does not use it;
// only the owner's reaction decides there.
func (e *Executor) authorized(ctx context.Context, userID string) bool {
	if userID == e.ownerID {
		return true
	}
	username := e.client.Username(ctx, userID)
	return e.client.IsUserAllowed(username)
}

// HandleApprovalReaction advances the plan/action approval state machine.
// Returns the completion event and true if one fired.
func (e *Executor) HandleApprovalReaction(ctx context.Context, emoji, userID string) (Event, bool) {
	if e.approval == nil || !e.authorized(ctx, userID) {
		return Event{}, false
	}

	var approved bool
	switch {
	case reaction.IsApproval(emoji):
		approved = true
	case reaction.IsDenial(emoji):
		approved = false
	default:
		return Event{}, false
	}

	st := e.approval
	verb := "Denied"
	if approved {
		verb = "Approved"
	}
	e.client.UpdatePost(ctx, st.postID, fmt.Sprintf("%s by @%s", verb, e.client.Username(ctx, userID)))
	e.tracker.Unregister(st.postID)
	e.approval = nil

	return Event{Kind: EventApprovalComplete, ApprovalKind: st.kind, ToolUseID: st.toolUseID, Approved: approved}, true
}

// HandleQuestionReaction advances the question-set state machine.
func (e *Executor) HandleQuestionReaction(ctx context.Context, emoji, userID string) (Event, bool) {
	if e.question == nil || !e.authorized(ctx, userID) {
		return Event{}, false
	}
	idx, ok := reaction.NumberIndex(emoji)
	if !ok {
		return Event{}, false
	}

	st := e.question
	current := st.items[st.idx]
	if idx < 1 || idx > len(current.Options) {
		return Event{}, false
	}
	st.answers = append(st.answers, current.Options[idx-1].Label)
	st.idx++

	if st.idx >= len(st.items) {
		e.client.UpdatePost(ctx, st.postID, "Answered.")
		e.tracker.Unregister(st.postID)
		answers := st.answers
		toolUseID := st.toolUseID
		e.question = nil
		return Event{Kind: EventQuestionComplete, ToolUseID: toolUseID, Answers: answers}, true
	}

	next := st.items[st.idx]
	body := renderQuestion(next, st.idx, len(st.items))
	e.client.UpdatePost(ctx, st.postID, body)
	return Event{}, false
}

// HandleMessageApprovalReaction advances the cross-user message approval
// state machine. Only the session owner may decide.
func (e *Executor) HandleMessageApprovalReaction(ctx context.Context, emoji, userID string) (Event, bool) {
	if e.msgApproval == nil || userID != e.ownerID {
		return Event{}, false
	}

	var decision MessageDecision
	switch {
	case reaction.IsAllowAll(emoji):
		decision = DecisionInvite
	case reaction.IsApproval(emoji):
		decision = DecisionAllow
	case reaction.IsDenial(emoji):
		decision = DecisionDeny
	default:
		return Event{}, false
	}

	st := e.msgApproval
	e.client.UpdatePost(ctx, st.postID, fmt.Sprintf("Decision: %s", decision))
	e.tracker.Unregister(st.postID)
	e.msgApproval = nil

	return Event{
		Kind:            EventMessageApprovalComplete,
		Decision:        decision,
		FromUser:        st.fromUser,
		OriginalMessage: st.originalMessage,
	}, true
}

func renderQuestion(item transform.QuestionItem, idx, total int) string {
	numberGlyphs := []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣", "6️⃣", "7️⃣", "8️⃣", "9️⃣"}
	var b strings.Builder
	fmt.Fprintf(&b, "Question %d/%d — %s\n%s\n", idx+1, total, item.Header, item.Prompt)
	for i, opt := range item.Options {
		glyph := ""
		if i < len(numberGlyphs) {
			glyph = numberGlyphs[i]
		}
		fmt.Fprintf(&b, "%s %s", glyph, opt.Label)
		if opt.Description != "" {
			fmt.Fprintf(&b, " — %s", opt.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func numberReactions(n int) []string {
	names := []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}
	if n > len(names) {
		n = len(names)
	}
	return names[:n]
}
