package supervisor

import (
	"context"
	"fmt"
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

func (fakeFormatter) Bold(s string) string                { return "**" + s + "**" }
func (fakeFormatter) Italic(s string) string               { return "_" + s + "_" }
func (fakeFormatter) InlineCode(s string) string           { return "`" + s + "`" }
func (fakeFormatter) CodeBlock(code, _ string) string      { return "```\n" + code + "\n```" }
func (fakeFormatter) Link(text, url string) string         { return text + "(" + url + ")" }
func (fakeFormatter) Strike(s string) string                { return "~~" + s + "~~" }
func (fakeFormatter) Mention(id string) string               { return "@" + id }
func (fakeFormatter) HorizontalRule() string                 { return "---" }
func (fakeFormatter) Blockquote(s string) string             { return "> " + s }
func (fakeFormatter) BulletItem(s string) string             { return "- " + s }
func (fakeFormatter) NumberedItem(n int, s string) string    { return fmt.Sprintf("%d. %s", n, s) }
func (fakeFormatter) Heading(level int, s string) string     { return strings.Repeat("#", level) + " " + s }
func (fakeFormatter) Table(_ []string, _ [][]string) string  { return "" }
func (fakeFormatter) KeyValueList(_ [][2]string) string      { return "" }
func (fakeFormatter) RawEscape(s string) string              { return s }

type fakeClient struct {
	mu     sync.Mutex
	nextID int
	posts  map[string]string
	pinned map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{posts: make(map[string]string), pinned: make(map[string]bool)}
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) CreatePost(_ context.Context, _, _, body string) (platform.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("p%d", f.nextID)
	f.posts[id] = body
	return platform.Post{ID: id, Body: body}, nil
}

func (f *fakeClient) CreateInteractivePost(ctx context.Context, channelID, threadID, body string, _ []string) (platform.Post, error) {
	return f.CreatePost(ctx, channelID, threadID, body)
}

func (f *fakeClient) UpdatePost(_ context.Context, postID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[postID] = body
	return nil
}

func (f *fakeClient) DeletePost(_ context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.posts, postID)
	return nil
}

func (f *fakeClient) PinPost(_ context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[postID] = true
	return nil
}

func (f *fakeClient) UnpinPost(_ context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[postID] = false
	return nil
}

func (f *fakeClient) AddReaction(context.Context, string, string) error    { return nil }
func (f *fakeClient) RemoveReaction(context.Context, string, string) error { return nil }
func (f *fakeClient) SendTyping(context.Context, string) error            { return nil }
func (f *fakeClient) Formatter() platform.Formatter                       { return fakeFormatter{} }
func (f *fakeClient) MessageLimits() platform.Limits                      { return platform.Limits{HardBytes: 4000, HeightSoft: 4000} }
func (f *fakeClient) BotUserID() string                                   { return "bot" }
func (f *fakeClient) Username(context.Context, string) string             { return "alice" }
func (f *fakeClient) IsUserAllowed(string) bool                           { return false }
func (f *fakeClient) Events() <-chan platform.Event                       { return nil }
func (f *fakeClient) Start(context.Context) error                         { return nil }

func (f *fakeClient) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

// pausedSession builds a Session seeded from a Record, so it starts in the
// "paused" state and never spawns a real agent subprocess — safe to use in
// supervisor tests that never run the session's own work loop.
func pausedSession(t *testing.T, client platform.Client, sessionID, channelID, owner string) *session.Session {
	t.Helper()
	rec := sessions.Record{
		SessionID:  sessionID,
		PlatformID: "mm",
		ThreadID:   "thread-1",
		ChannelID:  channelID,
		Owner:      owner,
		WorkingDir: "/work",
		Lifecycle:  sessions.StatePaused,
	}
	return session.New(session.Config{
		SessionID:  sessionID,
		PlatformID: "mm",
		ThreadID:   "thread-1",
		ChannelID:  channelID,
		Owner:      owner,
		Client:     client,
		Tracker:    posts.New(),
		Record:     &rec,
	})
}

func TestNewSupervisorRegistryStartsEmpty(t *testing.T) {
	sv := New(Config{MaxSessions: 5})
	if sv.Count() != 0 {
		t.Fatalf("expected an empty registry, got %d", sv.Count())
	}
	if _, ok := sv.Get("mm:thread-1"); ok {
		t.Fatal("expected no session for an unknown id")
	}
}

func TestCreateSessionRejectsAtCapacity(t *testing.T) {
	sv := New(Config{MaxSessions: 0})
	_, err := sv.CreateSession(context.Background(), session.Config{SessionID: "mm:thread-1"})
	if err != ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

func TestCreateSessionRejectsDuringShutdown(t *testing.T) {
	sv := New(Config{MaxSessions: 10})
	sv.shuttingDown = true
	_, err := sv.CreateSession(context.Background(), session.Config{SessionID: "mm:thread-1"})
	if err != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestRegisterAndLookupByPlatformAndThread(t *testing.T) {
	sv := New(Config{MaxSessions: 10})
	client := newFakeClient()
	s := pausedSession(t, client, "mm:thread-1", "chan-1", "owner-1")

	sv.register(s)

	if sv.Count() != 1 {
		t.Fatalf("expected 1 registered session, got %d", sv.Count())
	}
	got, ok := sv.Lookup("mm", "thread-1")
	if !ok || got.ID() != s.ID() {
		t.Fatalf("expected to find the registered session by platform+thread, ok=%v got=%v", ok, got)
	}
}

func TestOnExitRemovesFromRegistry(t *testing.T) {
	sv := New(Config{MaxSessions: 10})
	client := newFakeClient()
	s := pausedSession(t, client, "mm:thread-1", "chan-1", "owner-1")
	sv.register(s)

	sv.onExit(s, true)

	if sv.Count() != 0 {
		t.Fatalf("expected the session to be removed from the registry, still have %d", sv.Count())
	}
	if _, ok := sv.Get(s.ID()); ok {
		t.Fatal("expected Get to report the session is gone")
	}
}

func TestRefreshStickyCreatesPinnedPostThenThrottlesRepeat(t *testing.T) {
	sv := New(Config{MaxSessions: 10, Version: "v0.0.0-test"})
	client := newFakeClient()
	sv.cfg.Clients = map[string]platform.Client{"mm": client}
	s := pausedSession(t, client, "mm:thread-1", "chan-1", "owner-1")
	sv.register(s)

	if client.postCount() != 1 {
		t.Fatalf("expected registering a session to create the sticky post, have %d posts", client.postCount())
	}
	if !client.pinned["p1"] {
		t.Fatal("expected the sticky post to be pinned")
	}

	body := client.posts["p1"]
	if !strings.Contains(body, "owner-1") {
		t.Fatalf("expected the sticky body to mention the session owner, got %q", body)
	}
	if !strings.Contains(body, "paused") {
		t.Fatalf("expected the sticky body to show the session's lifecycle state, got %q", body)
	}

	// Immediately registering a second session is throttled (<=1Hz): that
	// refresh is dropped, and no second sticky post is created.
	s2 := pausedSession(t, client, "mm:thread-2", "chan-1", "owner-2")
	sv.register(s2)

	if client.postCount() != 1 {
		t.Fatalf("expected the throttle to prevent a second sticky post, have %d", client.postCount())
	}
}

func TestResumeAllSkipsMalformedAndMissingWorkdir(t *testing.T) {
	dir := t.TempDir()
	store, err := sessions.NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := store.Save(sessions.Record{SessionID: "not-a-valid-key", WorkingDir: "/work"}); err != nil {
		t.Fatalf("save malformed record: %v", err)
	}
	if err := store.Save(sessions.Record{SessionID: "mm:thread-missing-dir", PlatformID: "mm", ThreadID: "thread-missing-dir", WorkingDir: "/does/not/exist/anywhere"}); err != nil {
		t.Fatalf("save missing-workdir record: %v", err)
	}
	if err := store.Save(sessions.Record{SessionID: "unknownplatform:thread-1", PlatformID: "unknownplatform", ThreadID: "thread-1", WorkingDir: dir}); err != nil {
		t.Fatalf("save unknown-platform record: %v", err)
	}

	sv := New(Config{Store: store, Clients: map[string]platform.Client{"mm": newFakeClient()}})

	if err := sv.ResumeAll(context.Background()); err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}

	if sv.Count() != 0 {
		t.Fatalf("expected every unresumable record to be dropped, registry has %d", sv.Count())
	}
	remaining, err := store.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected dropped records to be deleted from the store, %d remain", len(remaining))
	}
}

func TestShutdownRejectsFurtherAdmissionAndKillsChildren(t *testing.T) {
	sv := New(Config{MaxSessions: 10})
	client := newFakeClient()
	s := pausedSession(t, client, "mm:thread-1", "chan-1", "owner-1")
	sv.register(s)

	done := make(chan struct{})
	go func() {
		_ = sv.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return")
	}

	if _, err := sv.CreateSession(context.Background(), session.Config{SessionID: "mm:thread-2"}); err != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown after Shutdown, got %v", err)
	}
}
