package posts

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	tr := New()
	tr.Register("p1", "sess-1", KindContent)

	e, ok := tr.Lookup("p1")
	if !ok {
		t.Fatal("expected entry")
	}
	if e.SessionID != "sess-1" || e.Kind != KindContent {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if _, ok := tr.Lookup("missing"); ok {
		t.Fatal("expected no entry for unknown id")
	}
}

func TestRemoveBySession(t *testing.T) {
	tr := New()
	tr.Register("p1", "sess-1", KindContent)
	tr.Register("p2", "sess-1", KindTask)
	tr.Register("p3", "sess-2", KindContent)

	tr.RemoveBySession("sess-1")

	if _, ok := tr.Lookup("p1"); ok {
		t.Fatal("p1 should be gone")
	}
	if _, ok := tr.Lookup("p2"); ok {
		t.Fatal("p2 should be gone")
	}
	if _, ok := tr.Lookup("p3"); !ok {
		t.Fatal("p3 belongs to a different session, should remain")
	}
}

func TestHasActiveKind(t *testing.T) {
	tr := New()
	if _, ok := tr.HasActiveKind("sess-1", KindTask); ok {
		t.Fatal("expected no active task post yet")
	}
	tr.Register("task-post", "sess-1", KindTask)
	id, ok := tr.HasActiveKind("sess-1", KindTask)
	if !ok || id != "task-post" {
		t.Fatalf("expected task-post, got %q ok=%v", id, ok)
	}
}
