package content

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
)

type fakeClient struct {
	mu      sync.Mutex
	nextID  int
	posts   map[string]string
	limits  platform.Limits
	failNextUpdate bool
}

func newFakeClient(limits platform.Limits) *fakeClient {
	return &fakeClient{posts: make(map[string]string), limits: limits}
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
	if f.failNextUpdate {
		f.failNextUpdate = false
		return fmt.Errorf("simulated update failure")
	}
	f.posts[postID] = body
	return nil
}

func (f *fakeClient) DeletePost(_ context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.posts, postID)
	return nil
}

func (f *fakeClient) PinPost(context.Context, string) error         { return nil }
func (f *fakeClient) UnpinPost(context.Context, string) error       { return nil }
func (f *fakeClient) AddReaction(context.Context, string, string) error    { return nil }
func (f *fakeClient) RemoveReaction(context.Context, string, string) error { return nil }
func (f *fakeClient) SendTyping(context.Context, string) error      { return nil }
func (f *fakeClient) Formatter() platform.Formatter                 { return nil }
func (f *fakeClient) MessageLimits() platform.Limits                { return f.limits }
func (f *fakeClient) BotUserID() string                             { return "bot" }
func (f *fakeClient) Username(context.Context, string) string       { return "user" }
func (f *fakeClient) IsUserAllowed(string) bool                     { return true }
func (f *fakeClient) Events() <-chan platform.Event                 { return nil }
func (f *fakeClient) Start(context.Context) error                   { return nil }

func (f *fakeClient) body(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[id]
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func TestExecutorFlushOpensPostOnFirstAppend(t *testing.T) {
	client := newFakeClient(platform.Limits{HardBytes: 4000, HeightSoft: 4000})
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", nil)

	exec.Append("hello", false)
	if err := exec.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if client.count() != 1 {
		t.Fatalf("expected one post, got %d", client.count())
	}
	if exec.currentPostBody != "hello" {
		t.Fatalf("unexpected post body: %q", exec.currentPostBody)
	}
}

func TestExecutorFlushAppendsToExistingPost(t *testing.T) {
	client := newFakeClient(platform.Limits{HardBytes: 4000, HeightSoft: 4000})
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", nil)

	exec.Append("first", false)
	exec.Flush(context.Background())
	exec.Append("second", true)
	exec.Flush(context.Background())

	if client.count() != 1 {
		t.Fatalf("expected still one post, got %d", client.count())
	}
	body := client.body(exec.currentPostID)
	if !strings.Contains(body, "first") || !strings.Contains(body, "second") {
		t.Fatalf("expected combined body, got %q", body)
	}
}

func TestExecutorSplitsWhenHardLimitExceeded(t *testing.T) {
	client := newFakeClient(platform.Limits{HardBytes: 50, HeightSoft: 100000})
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", nil)

	exec.Append(strings.Repeat("a", 40), false)
	exec.Flush(context.Background())
	firstID := exec.currentPostID

	exec.Append("\n\n"+strings.Repeat("b", 40), false)
	exec.Flush(context.Background())

	if exec.currentPostID == firstID {
		t.Fatalf("expected a new post after split, still on %s", firstID)
	}
	if client.count() != 2 {
		t.Fatalf("expected two posts after split, got %d", client.count())
	}
	firstBody := client.body(firstID)
	if len(firstBody) > 50 {
		t.Fatalf("first post exceeds hard limit: %d bytes", len(firstBody))
	}
}

func TestExecutorReopensPostAfterUpdateFailure(t *testing.T) {
	client := newFakeClient(platform.Limits{HardBytes: 4000, HeightSoft: 4000})
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", nil)

	exec.Append("first", false)
	exec.Flush(context.Background())

	client.failNextUpdate = true
	exec.Append(" second", true)
	if err := exec.Flush(context.Background()); err != nil {
		t.Fatalf("flush should recover from update failure, got %v", err)
	}
	if client.count() != 2 {
		t.Fatalf("expected recovery to open a fresh post, got %d posts", client.count())
	}
}

func TestExecutorResetDropsPendingButKeepsPostChain(t *testing.T) {
	client := newFakeClient(platform.Limits{HardBytes: 4000, HeightSoft: 4000})
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", nil)

	exec.Append("first", false)
	exec.Flush(context.Background())
	postID := exec.currentPostID

	exec.Append("dropped", false)
	exec.Reset()

	if exec.HasPending() {
		t.Fatal("expected no pending content after reset")
	}
	if exec.currentPostID != postID {
		t.Fatal("expected post chain preserved across reset")
	}
}

type fakeBumper struct {
	bumpReturnsID string
	bumpOK        bool
	bottomCalled  bool
	hasActive     bool
}

func (b *fakeBumper) OnBumpTaskList(context.Context, string) (string, bool) {
	return b.bumpReturnsID, b.bumpOK
}
func (b *fakeBumper) OnBumpTaskListToBottom(context.Context) { b.bottomCalled = true }
func (b *fakeBumper) HasActiveTaskList() bool                { return b.hasActive }

func TestExecutorRepurposesTaskListPostForNewContent(t *testing.T) {
	client := newFakeClient(platform.Limits{HardBytes: 4000, HeightSoft: 4000})
	tracker := posts.New()
	bumper := &fakeBumper{bumpReturnsID: "task-post-1", bumpOK: true}
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", bumper)

	exec.Append("repurposed body", false)
	if err := exec.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if exec.currentPostID != "task-post-1" {
		t.Fatalf("expected repurposed task post id, got %q", exec.currentPostID)
	}
	if client.count() != 0 {
		t.Fatalf("expected no new post created, got %d", client.count())
	}
}

func TestExecutorBumpsTaskListToBottomWhenNotRepurposed(t *testing.T) {
	client := newFakeClient(platform.Limits{HardBytes: 4000, HeightSoft: 4000})
	tracker := posts.New()
	bumper := &fakeBumper{bumpOK: false, hasActive: true}
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", bumper)

	exec.Append("new content", false)
	exec.Flush(context.Background())

	if !bumper.bottomCalled {
		t.Fatal("expected task list to be bumped to bottom")
	}
	if client.count() != 1 {
		t.Fatalf("expected a fresh content post, got %d", client.count())
	}
}
