// Package posts tracks which session and executor owns each chat post.
package posts

import "sync"

// Kind classifies the executor that owns a tracked post.
type Kind string

const (
	KindContent         Kind = "content"
	KindTask            Kind = "task"
	KindApproval        Kind = "approval"
	KindQuestion        Kind = "question"
	KindMessageApproval Kind = "message-approval"
	KindWorktreePrompt  Kind = "worktree-prompt"
	KindUpdatePrompt    Kind = "update-prompt"
	KindBugReport       Kind = "bug-report"
	KindSystem          Kind = "system"
)

// Entry is the routing metadata stored for one post id.
type Entry struct {
	SessionID string
	Kind      Kind
	Options   map[string]string
}

// Tracker maps postId -> routing metadata. No I/O; pure in-memory index.
// One Tracker belongs to exactly one session's MessageManager and is only
// ever mutated from that session's single-threaded loop.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// Register records postId as owned by sessionID with the given kind.
func (t *Tracker) Register(postID, sessionID string, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[postID] = Entry{SessionID: sessionID, Kind: kind}
}

// RegisterWithOptions records postId with extra routing metadata.
func (t *Tracker) RegisterWithOptions(postID, sessionID string, kind Kind, options map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[postID] = Entry{SessionID: sessionID, Kind: kind, Options: options}
}

// Lookup returns the entry for postId, if any.
func (t *Tracker) Lookup(postID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[postID]
	return e, ok
}

// Unregister removes a single post id from the index.
func (t *Tracker) Unregister(postID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, postID)
}

// RemoveBySession drops every entry owned by sessionID, e.g. on session disposal.
func (t *Tracker) RemoveBySession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.SessionID == sessionID {
			delete(t.entries, id)
		}
	}
}

// HasActiveKind reports whether sessionID already owns a post of kind.
// Non-content kinds are meant to be singletons per session; callers use
// this before opening a new approval/question/prompt post.
func (t *Tracker) HasActiveKind(sessionID string, kind Kind) (postID string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, e := range t.entries {
		if e.SessionID == sessionID && e.Kind == kind {
			return id, true
		}
	}
	return "", false
}
