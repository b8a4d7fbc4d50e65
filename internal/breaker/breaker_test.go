package breaker

import "testing"

func TestFindLogicalBreakpointParagraph(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph"
	bp := FindLogicalBreakpoint(text, 0, 1000)
	if bp == nil || bp.Type != BreakParagraph {
		t.Fatalf("expected paragraph break, got %+v", bp)
	}
	if text[:bp.Pos] != "first paragraph\n\n" {
		t.Fatalf("unexpected split prefix: %q", text[:bp.Pos])
	}
}

func TestFindLogicalBreakpointToolMarkerWins(t *testing.T) {
	text := "some text\n  ↳ ✓ (2s)\nmore\n\nafter"
	bp := FindLogicalBreakpoint(text, 0, 1000)
	if bp == nil || bp.Type != BreakToolMarker {
		t.Fatalf("expected tool marker break to take priority, got %+v", bp)
	}
}

func TestFindLogicalBreakpointInsideFenceOnlyAcceptsClose(t *testing.T) {
	text := "```go\nfunc main() {\n\n}\n```\nafter"
	start := len("```go\n")
	bp := FindLogicalBreakpoint(text, start, 5) // inside the fence, short lookahead
	if bp != nil {
		t.Fatalf("expected no break while inside fence with short lookahead, got %+v", bp)
	}
	bp = FindLogicalBreakpoint(text, start, 1000)
	if bp == nil || bp.Type != BreakCodeBlock {
		t.Fatalf("expected code block close, got %+v", bp)
	}
}

func TestGetCodeBlockState(t *testing.T) {
	text := "before\n```python\ncode here"
	state := GetCodeBlockState(text, len(text))
	if !state.Inside {
		t.Fatal("expected inside open fence")
	}
	if state.Language != "python" {
		t.Fatalf("expected language python, got %q", state.Language)
	}

	closed := text + "\n```\nafter"
	state = GetCodeBlockState(closed, len(closed))
	if state.Inside {
		t.Fatal("expected fence closed")
	}
}

func TestShouldFlushEarly(t *testing.T) {
	if ShouldFlushEarly("short", 100) {
		t.Fatal("short text should not flush early")
	}
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	if !ShouldFlushEarly(string(long), 100) {
		t.Fatal("long text should flush early")
	}
	manyLines := ""
	for i := 0; i < MaxLines+5; i++ {
		manyLines += "x\n"
	}
	if !ShouldFlushEarly(manyLines, 100000) {
		t.Fatal("many short lines should still flush early")
	}
}

func TestEndsAtBreakpoint(t *testing.T) {
	if EndsAtBreakpoint("para one\n\n") != BreakParagraph {
		t.Fatal("expected paragraph")
	}
	if EndsAtBreakpoint("text\n```") != BreakCodeBlock {
		t.Fatal("expected code block end")
	}
	if EndsAtBreakpoint("text\n  ↳ ✓ (1s)") != BreakToolMarker {
		t.Fatal("expected tool marker")
	}
	if EndsAtBreakpoint("plain text") != BreakNone {
		t.Fatal("expected none")
	}
}

func TestEstimateRenderedHeightAccountsForWideRunes(t *testing.T) {
	// Same rune count (40): the ASCII line is 40 columns wide and fits one
	// wrapped line; the CJK line is 80 columns wide and wraps to two.
	ascii := EstimateRenderedHeight("abcdefghijabcdefghijabcdefghijabcdefghij")
	wide := EstimateRenderedHeight("你好世界你好世界你好你好世界你好世界你好你好世界你好世界你好你好世界你好世界你好")
	if wide <= ascii {
		t.Fatalf("expected wide-rune text to estimate taller: ascii=%d wide=%d", ascii, wide)
	}
}
