package worktree

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
)

type fakeClient struct {
	mu     sync.Mutex
	nextID int
	posts  map[string]string
}

func newFakeClient() *fakeClient { return &fakeClient{posts: make(map[string]string)} }

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
func (f *fakeClient) DeletePost(context.Context, string) error            { return nil }
func (f *fakeClient) PinPost(context.Context, string) error               { return nil }
func (f *fakeClient) UnpinPost(context.Context, string) error             { return nil }
func (f *fakeClient) AddReaction(context.Context, string, string) error    { return nil }
func (f *fakeClient) RemoveReaction(context.Context, string, string) error { return nil }
func (f *fakeClient) SendTyping(context.Context, string) error            { return nil }
func (f *fakeClient) Formatter() platform.Formatter                       { return nil }
func (f *fakeClient) MessageLimits() platform.Limits {
	return platform.Limits{HardBytes: 4000, HeightSoft: 4000}
}
func (f *fakeClient) BotUserID() string                         { return "bot" }
func (f *fakeClient) Username(_ context.Context, userID string) string { return userID }
func (f *fakeClient) IsUserAllowed(string) bool                 { return false }
func (f *fakeClient) Events() <-chan platform.Event             { return nil }
func (f *fakeClient) Start(context.Context) error                { return nil }

func TestBranchSuggestionsPickByNumber(t *testing.T) {
	client := newFakeClient()
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", "owner-1")

	queued := QueuedData{PromptText: "do the thing"}
	if err := exec.StartBranchSuggestions(context.Background(), []string{"feature/a", "feature/b"}, queued); err != nil {
		t.Fatalf("start: %v", err)
	}

	ev, ok := exec.HandleReaction(context.Background(), "two", "owner-1")
	if !ok {
		t.Fatal("expected prompt to resolve")
	}
	if ev.Decision.Skipped || ev.Decision.SuggestionIdx != 2 {
		t.Fatalf("expected suggestion 2 chosen, got %+v", ev.Decision)
	}
	if ev.QueuedData.PromptText != "do the thing" {
		t.Fatalf("expected queued data preserved, got %+v", ev.QueuedData)
	}
	if exec.HasPending() {
		t.Fatal("expected no pending prompt after resolution")
	}
}

func TestBranchSuggestionsDenialSkips(t *testing.T) {
	client := newFakeClient()
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", "owner-1")
	exec.StartBranchSuggestions(context.Background(), []string{"feature/a"}, QueuedData{})

	ev, ok := exec.HandleReaction(context.Background(), "x", "owner-1")
	if !ok || !ev.Decision.Skipped {
		t.Fatalf("expected skip decision, got %+v ok=%v", ev, ok)
	}
}

func TestFailureRetryApprovalRetries(t *testing.T) {
	client := newFakeClient()
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", "owner-1")
	exec.StartFailureRetry(context.Background(), "main", QueuedData{})

	ev, ok := exec.HandleReaction(context.Background(), "thumbsup", "owner-1")
	if !ok || ev.Decision.Skipped {
		t.Fatalf("expected retry decision, got %+v ok=%v", ev, ok)
	}
	if ev.FailedBranch != "main" {
		t.Fatalf("expected failed branch preserved, got %q", ev.FailedBranch)
	}
}

func TestOnlyResolvesOnce(t *testing.T) {
	client := newFakeClient()
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", "owner-1")
	exec.StartFailureRetry(context.Background(), "main", QueuedData{})

	exec.HandleReaction(context.Background(), "thumbsup", "owner-1")
	_, ok := exec.HandleReaction(context.Background(), "thumbsdown", "owner-1")
	if ok {
		t.Fatal("expected no second resolution once prompt is gone")
	}
}

func TestUnauthorizedReactorIgnored(t *testing.T) {
	client := newFakeClient()
	tracker := posts.New()
	exec := New(client, tracker, "sess-1", "chan-1", "thread-1", "owner-1")
	exec.StartFailureRetry(context.Background(), "main", QueuedData{})

	_, ok := exec.HandleReaction(context.Background(), "thumbsup", "stranger")
	if ok {
		t.Fatal("expected unauthorized reactor to be ignored")
	}
}
