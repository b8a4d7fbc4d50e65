package sessions

import "time"

// LifecycleState is the Session state machine's current state.
type LifecycleState string

const (
	StateStarting   LifecycleState = "starting"
	StateActive     LifecycleState = "active"
	StatePaused     LifecycleState = "paused"
	StateRestarting LifecycleState = "restarting"
	StateCancelled  LifecycleState = "cancelled"
)

// QuestionSnapshot persists InteractiveExecutor's in-flight question set.
type QuestionSnapshot struct {
	PostID    string   `json:"postId"`
	ToolUseID string   `json:"toolUseId"`
	Items     []byte   `json:"items"` // json-encoded []transform.QuestionItem
	Idx       int      `json:"idx"`
	Answers   []string `json:"answers"`
}

// ApprovalSnapshot persists InteractiveExecutor's in-flight plan/action approval.
type ApprovalSnapshot struct {
	PostID    string `json:"postId"`
	Kind      string `json:"kind"`
	ToolUseID string `json:"toolUseId"`
}

// WorktreePromptSnapshot persists WorktreePromptExecutor's in-flight prompt.
type WorktreePromptSnapshot struct {
	PostID       string   `json:"postId"`
	Kind         string   `json:"kind"`
	Suggestions  []string `json:"suggestions,omitempty"`
	FailedBranch string   `json:"failedBranch,omitempty"`
	PromptText   string   `json:"promptText"`
	Files        []string `json:"files,omitempty"`
	ResponsePost string   `json:"responsePostId,omitempty"`
	FirstPrompt  string   `json:"firstPrompt,omitempty"`
}

// EventRingEntry is one entry of the recent-events ring (see PushEvent) kept
// for post-crash diagnostics. The idle sweep does not consult it.
type EventRingEntry struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Note string    `json:"note,omitempty"`
}

// Record is the persisted session record. The core treats this as its own
// structure; persistence callers (outside the core) may treat it opaquely.
type Record struct {
	SessionID string `json:"sessionId"`
	PlatformID string `json:"platformId"`
	ThreadID   string `json:"threadId"`
	ChannelID  string `json:"channelId"`

	AgentSessionID string `json:"agentSessionId"`
	WorkingDir     string `json:"workingDir"`

	Owner        string   `json:"owner"`
	AllowedUsers []string `json:"allowedUsers"`

	StartPostID string `json:"startPostId"`

	TaskPostID   string `json:"taskPostId,omitempty"`
	TaskBody     string `json:"taskBody,omitempty"`
	TaskComplete bool   `json:"taskComplete"`
	TaskMinimized bool  `json:"taskMinimized"`

	AutoApprove bool `json:"autoApprove"`

	PendingQuestion  *QuestionSnapshot       `json:"pendingQuestion,omitempty"`
	PendingApproval  *ApprovalSnapshot       `json:"pendingApproval,omitempty"`
	PendingWorktree  *WorktreePromptSnapshot `json:"pendingWorktree,omitempty"`

	Lifecycle       LifecycleState `json:"lifecycle"`
	ResumeFailCount int            `json:"resumeFailCount"`
	MessageCounter  int            `json:"messageCounter"`

	RecentEvents []EventRingEntry `json:"recentEvents,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecentEventsCap bounds the recent-events ring so persisted records stay small.
const RecentEventsCap = 50

// PushEvent appends to the ring, evicting the oldest entry once full.
func (r *Record) PushEvent(entry EventRingEntry) {
	r.RecentEvents = append(r.RecentEvents, entry)
	if len(r.RecentEvents) > RecentEventsCap {
		r.RecentEvents = r.RecentEvents[len(r.RecentEvents)-RecentEventsCap:]
	}
}
