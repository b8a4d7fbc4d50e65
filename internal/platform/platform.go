// Package platform defines the small surface the core consumes from a chat
// backend and the Formatter capability set. Concrete backends
// (Mattermost, Slack) live in sibling packages and implement these
// interfaces; callers never concatenate platform-specific syntax directly.
package platform

import "context"

// Formatter renders abstract markup primitives into a platform's accepted
// markup dialect (standard markdown for Mattermost, the mrkdwn subset for
// Slack).
type Formatter interface {
	Bold(text string) string
	Italic(text string) string
	InlineCode(text string) string
	CodeBlock(code, language string) string
	Link(text, url string) string
	Strike(text string) string
	Mention(userID string) string
	HorizontalRule() string
	Blockquote(text string) string
	BulletItem(text string) string
	NumberedItem(n int, text string) string
	Heading(level int, text string) string
	Table(headers []string, rows [][]string) string
	KeyValueList(pairs [][2]string) string
	RawEscape(text string) string
}

// Post is a chat message as reported back by the platform.
type Post struct {
	ID        string
	ChannelID string
	ThreadID  string
	AuthorID  string
	Body      string
	CreatedAt int64 // unix millis
}

// Limits describes the platform's post-size constraints that ContentBreaker
// and ContentExecutor size their buffers against.
type Limits struct {
	HardBytes  int
	HeightSoft int
}

// EventKind discriminates the inbound event stream from a platform.
type EventKind string

const (
	EventMessageCreated  EventKind = "messageCreated"
	EventMessageUpdated  EventKind = "messageUpdated"
	EventReactionAdded   EventKind = "reactionAdded"
	EventReactionRemoved EventKind = "reactionRemoved"
)

// Event is one inbound occurrence from the platform's real-time stream.
type Event struct {
	Kind      EventKind
	PostID    string
	ThreadID  string
	ChannelID string // empty for reaction events; the owning session already knows its own channel
	UserID    string
	Body      string // message body (messageCreated/Updated) or emoji name (reaction*)
}

// Client is the platform surface the core depends on. Implementations must
// be safe for concurrent use — the core treats the SDK as thread-safe and
// only serializes mutations at the session level.
type Client interface {
	Name() string
	CreatePost(ctx context.Context, channelID, threadID, body string) (Post, error)
	CreateInteractivePost(ctx context.Context, channelID, threadID, body string, reactions []string) (Post, error)
	UpdatePost(ctx context.Context, postID, body string) error
	DeletePost(ctx context.Context, postID string) error
	PinPost(ctx context.Context, postID string) error
	UnpinPost(ctx context.Context, postID string) error
	AddReaction(ctx context.Context, postID, name string) error
	RemoveReaction(ctx context.Context, postID, name string) error
	SendTyping(ctx context.Context, threadID string) error

	Formatter() Formatter
	MessageLimits() Limits
	BotUserID() string
	Username(ctx context.Context, userID string) string
	IsUserAllowed(username string) bool

	// Events returns the channel of inbound platform occurrences. Closed
	// when the client stops.
	Events() <-chan Event

	// Start begins listening for platform events (WS connect, socket mode
	// run loop, ...). Blocks until ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}
