package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
	"github.com/nextlevelbuilder/chatcoder/internal/session"
	"github.com/nextlevelbuilder/chatcoder/internal/sessions"
)

type fakeFormatter struct{}

func (fakeFormatter) Bold(s string) string               { return "**" + s + "**" }
func (fakeFormatter) Italic(s string) string              { return "_" + s + "_" }
func (fakeFormatter) InlineCode(s string) string          { return "`" + s + "`" }
func (fakeFormatter) CodeBlock(code, _ string) string     { return "```\n" + code + "\n```" }
func (fakeFormatter) Link(text, url string) string        { return text + "(" + url + ")" }
func (fakeFormatter) Strike(s string) string               { return "~~" + s + "~~" }
func (fakeFormatter) Mention(id string) string              { return "@" + id }
func (fakeFormatter) HorizontalRule() string                { return "---" }
func (fakeFormatter) Blockquote(s string) string            { return "> " + s }
func (fakeFormatter) BulletItem(s string) string            { return "- " + s }
func (fakeFormatter) NumberedItem(n int, s string) string   { return fmt.Sprintf("%d. %s", n, s) }
func (fakeFormatter) Heading(level int, s string) string    { return strings.Repeat("#", level) + " " + s }
func (fakeFormatter) Table(_ []string, _ [][]string) string { return "" }
func (fakeFormatter) KeyValueList(_ [][2]string) string     { return "" }
func (fakeFormatter) RawEscape(s string) string             { return s }

type fakeClient struct {
	mu     sync.Mutex
	nextID int
	posts  []string
	botID  string
}

func newFakeClient() *fakeClient { return &fakeClient{botID: "bot-1"} }

func (f *fakeClient) Name() string { return "fake" }
func (f *fakeClient) CreatePost(_ context.Context, _, _, body string) (platform.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.posts = append(f.posts, body)
	return platform.Post{ID: fmt.Sprintf("p%d", f.nextID), Body: body}, nil
}
func (f *fakeClient) CreateInteractivePost(ctx context.Context, channelID, threadID, body string, _ []string) (platform.Post, error) {
	return f.CreatePost(ctx, channelID, threadID, body)
}
func (f *fakeClient) UpdatePost(context.Context, string, string) error    { return nil }
func (f *fakeClient) DeletePost(context.Context, string) error           { return nil }
func (f *fakeClient) PinPost(context.Context, string) error              { return nil }
func (f *fakeClient) UnpinPost(context.Context, string) error            { return nil }
func (f *fakeClient) AddReaction(context.Context, string, string) error  { return nil }
func (f *fakeClient) RemoveReaction(context.Context, string, string) error { return nil }
func (f *fakeClient) SendTyping(context.Context, string) error           { return nil }
func (f *fakeClient) Formatter() platform.Formatter                      { return fakeFormatter{} }
func (f *fakeClient) MessageLimits() platform.Limits {
	return platform.Limits{HardBytes: 4000, HeightSoft: 4000}
}
func (f *fakeClient) BotUserID() string                       { return f.botID }
func (f *fakeClient) Username(context.Context, string) string { return "alice" }
func (f *fakeClient) IsUserAllowed(string) bool                { return false }
func (f *fakeClient) Events() <-chan platform.Event             { return nil }
func (f *fakeClient) Start(context.Context) error                { return nil }

func (f *fakeClient) postBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

type fakeLookup struct {
	sess      *session.Session
	created   []session.Config
	createErr error
}

func (l *fakeLookup) Lookup(platformID, threadID string) (*session.Session, bool) {
	if l.sess == nil || l.sess.PlatformID() != platformID || l.sess.ThreadID() != threadID {
		return nil, false
	}
	return l.sess, true
}

func (l *fakeLookup) CreateSession(_ context.Context, scfg session.Config) (*session.Session, error) {
	l.created = append(l.created, scfg)
	if l.createErr != nil {
		return nil, l.createErr
	}
	return l.sess, nil
}

// runningSession builds a paused Session and starts its work loop so the
// router's submit-based calls (Stop, Invite, ...) have a consumer. Callers
// must cancel the returned context (and ideally Dispose the session) when done.
func runningSession(t *testing.T, client platform.Client, owner string) (*session.Session, context.CancelFunc) {
	t.Helper()
	rec := sessions.Record{
		SessionID:  "mm:thread-1",
		PlatformID: "mm",
		ThreadID:   "thread-1",
		ChannelID:  "chan-1",
		Owner:      owner,
		WorkingDir: "/work",
		Lifecycle:  sessions.StatePaused,
	}
	sess := session.New(session.Config{
		SessionID:  "mm:thread-1",
		PlatformID: "mm",
		ThreadID:   "thread-1",
		ChannelID:  "chan-1",
		Owner:      owner,
		Client:     client,
		Tracker:    posts.New(),
		Record:     &rec,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go sess.Run(ctx)
	return sess, cancel
}

func newRouter(sess *session.Session, client platform.Client) *Router {
	return New(&fakeLookup{sess: sess}, map[string]platform.Client{"mm": client}, "/work", slog.Default())
}

func TestHandleEventIgnoresReactionOnUnknownThread(t *testing.T) {
	l := &fakeLookup{}
	r := New(l, nil, "/work", nil)
	// Should not panic, should not block, and must never attempt to open a
	// session: a reaction with no matching session belongs to a post whose
	// session is already gone.
	r.HandleEvent(context.Background(), "mm", platform.Event{
		Kind: platform.EventReactionAdded, ThreadID: "thread-1", PostID: "p1", Body: "thumbsup",
	})
	if len(l.created) != 0 {
		t.Fatalf("expected no session to be created from a bare reaction, got %d", len(l.created))
	}
}

func TestHandleEventOpensSessionOnFirstMessage(t *testing.T) {
	client := newFakeClient()
	underlying, cancel := runningSession(t, client, "owner-1")
	defer cancel()
	l := &fakeLookup{sess: underlying}
	r := New(l, map[string]platform.Client{"mm": client}, "/default/root", nil)

	r.HandleEvent(context.Background(), "mm", platform.Event{
		Kind: platform.EventMessageCreated, ThreadID: "thread-9", ChannelID: "chan-9",
		UserID: "owner-2", Body: "hello",
	})

	if len(l.created) != 1 {
		t.Fatalf("expected exactly one CreateSession call, got %d", len(l.created))
	}
	got := l.created[0]
	if got.PlatformID != "mm" || got.ThreadID != "thread-9" || got.ChannelID != "chan-9" || got.Owner != "owner-2" {
		t.Fatalf("unexpected session config: %+v", got)
	}
	if got.WorkDir != "/default/root" {
		t.Fatalf("expected the new session to seed WorkDir from defaultRoot, got %q", got.WorkDir)
	}
}

func TestHandleEventNeverOpensSessionFromAgentsOwnPost(t *testing.T) {
	client := newFakeClient()
	l := &fakeLookup{}
	r := New(l, map[string]platform.Client{"mm": client}, "/work", nil)

	r.HandleEvent(context.Background(), "mm", platform.Event{
		Kind: platform.EventMessageCreated, ThreadID: "thread-9", ChannelID: "chan-9",
		UserID: client.BotUserID(), Body: "some rendered text",
	})

	if len(l.created) != 0 {
		t.Fatalf("expected the bot's own post to never open a session, got %d creations", len(l.created))
	}
}

func TestHandleEventRoutesReactionToSession(t *testing.T) {
	client := newFakeClient()
	sess, cancel := runningSession(t, client, "owner-1")
	defer cancel()
	r := newRouter(sess, client)

	r.HandleEvent(context.Background(), "mm", platform.Event{
		Kind: platform.EventReactionAdded, ThreadID: "thread-1", PostID: "p1", UserID: "owner-1", Body: "thumbsup",
	})
	// HandleReaction is fire-and-forget; there is nothing synchronous to
	// assert beyond "this did not block or panic".
}

func TestStopCommandStopsSession(t *testing.T) {
	client := newFakeClient()
	sess, cancel := runningSession(t, client, "owner-1")
	defer cancel()
	r := newRouter(sess, client)

	r.HandleEvent(context.Background(), "mm", platform.Event{
		Kind: platform.EventMessageCreated, ThreadID: "thread-1", ChannelID: "chan-1",
		UserID: "owner-1", Body: "!stop",
	})

	deadline := time.Now().Add(time.Second)
	for sess.LifecycleState() != sessions.StateCancelled && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sess.LifecycleState() != sessions.StateCancelled {
		t.Fatalf("expected !stop to cancel the session, got %s", sess.LifecycleState())
	}
}

func TestHelpCommandPostsSummary(t *testing.T) {
	client := newFakeClient()
	sess, cancel := runningSession(t, client, "owner-1")
	defer cancel()
	r := newRouter(sess, client)

	r.HandleEvent(context.Background(), "mm", platform.Event{
		Kind: platform.EventMessageCreated, ThreadID: "thread-1", ChannelID: "chan-1",
		UserID: "owner-1", Body: "!help",
	})

	deadline := time.Now().Add(time.Second)
	for len(client.postBodies()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bodies := client.postBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "!stop") {
		t.Fatalf("expected !help to post a command summary, got %v", bodies)
	}
}

func TestInviteAndKickMutateAllowedUsers(t *testing.T) {
	client := newFakeClient()
	sess, cancel := runningSession(t, client, "owner-1")
	defer cancel()

	if err := sess.Invite(context.Background(), "guest-1"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if got := sess.Snapshot().AllowedUsers; len(got) != 1 || got[0] != "guest-1" {
		t.Fatalf("expected guest-1 to be allowed after invite, got %v", got)
	}
	if err := sess.Kick(context.Background(), "guest-1"); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if got := sess.Snapshot().AllowedUsers; len(got) != 0 {
		t.Fatalf("expected no allowed users after kick, got %v", got)
	}
}

func TestAgentAuthoredMessageIgnoresDisallowedCommand(t *testing.T) {
	client := newFakeClient()
	sess, cancel := runningSession(t, client, "owner-1")
	defer cancel()
	r := newRouter(sess, client)

	r.HandleEvent(context.Background(), "mm", platform.Event{
		Kind: platform.EventMessageCreated, ThreadID: "thread-1", ChannelID: "chan-1",
		UserID: client.BotUserID(), Body: "!stop",
	})

	time.Sleep(20 * time.Millisecond)
	if sess.LifecycleState() == sessions.StateCancelled {
		t.Fatal("expected an agent-authored !stop to be ignored, session was cancelled")
	}
}

func TestAgentAuthoredPlainMessageIsNotReingested(t *testing.T) {
	client := newFakeClient()
	sess, cancel := runningSession(t, client, "owner-1")
	defer cancel()
	r := newRouter(sess, client)

	// A plain (non-command) message from the bot's own user id must never
	// be delivered to HandleUserMessage.
	r.HandleEvent(context.Background(), "mm", platform.Event{
		Kind: platform.EventMessageCreated, ThreadID: "thread-1", ChannelID: "chan-1",
		UserID: client.BotUserID(), Body: "just some rendered agent output",
	})
	time.Sleep(20 * time.Millisecond)
	if len(client.postBodies()) != 0 {
		t.Fatalf("expected no posts to result from an agent-authored plain message, got %v", client.postBodies())
	}
}

func TestParseCommandStripsTokenOnly(t *testing.T) {
	cmd, remainder, ok := ParseCommand("!cancel\nplease stop now")
	if !ok || cmd.Name != "stop" {
		t.Fatalf("expected !cancel to resolve to stop, got %+v ok=%v", cmd, ok)
	}
	if remainder != "\nplease stop now" {
		t.Fatalf("expected the rest of the message to pass through untouched, got %q", remainder)
	}
}

func TestAgentAllowedCmdRestrictsToCdAndWorktreeList(t *testing.T) {
	if !agentAllowedCmd(Command{Name: "cd", Args: "/tmp"}) {
		t.Fatal("expected cd to be agent-allowed")
	}
	if !agentAllowedCmd(Command{Name: "worktree", Args: "list"}) {
		t.Fatal("expected worktree list to be agent-allowed")
	}
	if agentAllowedCmd(Command{Name: "worktree", Args: "feature-x"}) {
		t.Fatal("expected worktree switch to NOT be agent-allowed")
	}
	if agentAllowedCmd(Command{Name: "stop"}) {
		t.Fatal("expected stop to NOT be agent-allowed")
	}
}
