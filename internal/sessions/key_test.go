package sessions

import "testing"

func TestBuildAndParseKey(t *testing.T) {
	key := BuildKey("slack", "C123:1700000000.000100")
	platformID, threadID, ok := ParseKey(key)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if platformID != "slack" || threadID != "C123:1700000000.000100" {
		t.Fatalf("unexpected split: platform=%q thread=%q", platformID, threadID)
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "noseparator", "trailing-colon:", ":empty-platform"} {
		if _, _, ok := ParseKey(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
