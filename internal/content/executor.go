// Package content implements ContentExecutor: buffers AppendContent
// operations and flushes them to the chat platform as create/update calls,
// splitting at a logical breakpoint when a post would otherwise overflow the
// platform's size or rendered-height limits.
package content

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatcoder/internal/breaker"
	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
)

// TaskListBumper is the slice of TaskListExecutor that ContentExecutor
// calls into when it needs to open a new content post: it may repurpose the
// existing task post as the new content continuation, or ask that the task
// post be bumped to the bottom of the thread so the new content post lands
// below it.
type TaskListBumper interface {
	OnBumpTaskList(ctx context.Context, newContentBody string) (postID string, ok bool)
	OnBumpTaskListToBottom(ctx context.Context)
	HasActiveTaskList() bool
}

// Executor is ContentExecutor. One instance per session.
type Executor struct {
	client    platform.Client
	tracker   *posts.Tracker
	sessionID string
	channelID string
	threadID  string
	bumper    TaskListBumper

	minSplit int // floor position a logical split must land at or past

	mu              sync.Mutex
	currentPostID   string
	currentPostBody string
	pendingBody     string
	timer           *time.Timer
}

// New returns an Executor for one session's content stream.
func New(client platform.Client, tracker *posts.Tracker, sessionID, channelID, threadID string, bumper TaskListBumper) *Executor {
	limits := client.MessageLimits()
	minSplit := limits.HardBytes / 4
	if minSplit < 1 {
		minSplit = 1
	}
	return &Executor{
		client:    client,
		tracker:   tracker,
		sessionID: sessionID,
		channelID: channelID,
		threadID:  threadID,
		bumper:    bumper,
		minSplit:  minSplit,
	}
}

// Append concatenates body to the pending buffer. When block is true and the
// buffer doesn't already end on a paragraph break, a separating blank line is
// inserted first so the new block renders as its own paragraph.
func (e *Executor) Append(body string, block bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingBody != "" && block && !strings.HasSuffix(e.pendingBody, "\n\n") {
		e.pendingBody += "\n\n"
	}
	e.pendingBody += body
}

// ScheduleFlush arms a single-slot debounce timer that fires exactly one
// Flush after delay. A second call while already armed is a no-op.
func (e *Executor) ScheduleFlush(ctx context.Context, delay time.Duration, onErr func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.timer = nil
		e.mu.Unlock()
		if err := e.Flush(ctx); err != nil && onErr != nil {
			onErr(err)
		}
	})
}

// Reset cancels any armed timer and drops pending content without touching
// currentPostID — the post chain continues on the next flush.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pendingBody = ""
}

// ClosePost closes the current post so the next flush starts a fresh one.
// Used by prepareForUserMessage before routing a new user message to
// the agent.
func (e *Executor) ClosePost() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentPostID = ""
	e.currentPostBody = ""
}

// HasPending reports whether there is unflushed content.
func (e *Executor) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingBody != ""
}

// Flush is mutually exclusive with itself per session: the mutex here
// is that guarantee's implementation. It buffers, checks for overflow, and
// splits at a logical breakpoint when needed, recursing internally when a
// split is required.
func (e *Executor) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked(ctx)
}

func (e *Executor) flushLocked(ctx context.Context) error {
	limits := e.client.MessageLimits()

	for {
		if e.pendingBody == "" {
			return nil
		}

		if e.currentPostID == "" {
			if err := e.openNewPostLocked(ctx); err != nil {
				return err
			}
			return nil
		}

		separator := ""
		if e.currentPostBody != "" && !strings.HasSuffix(e.currentPostBody, "\n\n") {
			separator = "\n\n"
		}
		combined := e.currentPostBody + separator + e.pendingBody

		fits := len(combined) <= limits.HardBytes && breaker.EstimateRenderedHeight(combined) <= limits.HeightSoft
		if fits {
			if err := e.client.UpdatePost(ctx, e.currentPostID, combined); err != nil {
				// Post-gone / msg-too-long: recoverable. Clear current
				// post and reissue as create on the next pass; pendingBody
				// (still holding this attempt's bytes) is never lost.
				e.currentPostID = ""
				e.currentPostBody = ""
				continue
			}
			e.currentPostBody = combined
			e.pendingBody = ""
			return nil
		}

		// Split: find the best logical break at position >= minSplit.
		bp := breaker.FindLogicalBreakpoint(combined, e.minSplit, len(combined))
		var splitPos int
		switch {
		case bp != nil:
			splitPos = bp.Pos
		case breaker.GetCodeBlockState(combined, 0).OpenPos == 0 && breaker.GetCodeBlockState(combined, len(combined)).Inside:
			// An open fence starts at position 0: splitting would break the
			// fence. Update in place is the only safe option.
			if err := e.client.UpdatePost(ctx, e.currentPostID, combined); err != nil {
				e.currentPostID = ""
				e.currentPostBody = ""
				continue
			}
			e.currentPostBody = combined
			e.pendingBody = ""
			return nil
		default:
			splitPos = lastNewlineBefore(combined, limits.HardBytes)
			if splitPos <= 0 {
				splitPos = limits.HardBytes
				if splitPos > len(combined) {
					splitPos = len(combined)
				}
			}
		}

		first := combined[:splitPos]
		remainder := combined[splitPos:]

		if err := e.client.UpdatePost(ctx, e.currentPostID, first); err != nil {
			e.currentPostID = ""
			e.currentPostBody = ""
			e.pendingBody = remainder
			continue
		}

		e.currentPostID = ""
		e.currentPostBody = ""
		e.pendingBody = remainder
		// loop recurses into the open-new-post step for the remainder.
	}
}

func (e *Executor) openNewPostLocked(ctx context.Context) error {
	if e.bumper != nil {
		if postID, ok := e.bumper.OnBumpTaskList(ctx, e.pendingBody); ok {
			e.currentPostID = postID
			e.currentPostBody = e.pendingBody
			e.pendingBody = ""
			e.tracker.Register(postID, e.sessionID, posts.KindContent)
			return nil
		}
	}

	if e.bumper != nil && e.bumper.HasActiveTaskList() {
		e.bumper.OnBumpTaskListToBottom(ctx)
	}

	post, err := e.client.CreatePost(ctx, e.channelID, e.threadID, e.pendingBody)
	if err != nil {
		return err
	}
	e.currentPostID = post.ID
	e.currentPostBody = e.pendingBody
	e.pendingBody = ""
	e.tracker.Register(post.ID, e.sessionID, posts.KindContent)
	return nil
}

// lastNewlineBefore returns the position just after the last newline at or
// before limit, or -1 if none exists.
func lastNewlineBefore(text string, limit int) int {
	if limit > len(text) {
		limit = len(text)
	}
	idx := strings.LastIndexByte(text[:limit], '\n')
	if idx < 0 {
		return -1
	}
	return idx + 1
}
