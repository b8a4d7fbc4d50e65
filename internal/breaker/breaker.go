// Package breaker finds logical break points in accumulated agent output and
// estimates how tall a post will render, so ContentExecutor can decide when
// to split a post instead of growing it unboundedly.
package breaker

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// MaxLines bounds how many lines a post is allowed to grow to before a flush
// is forced, independent of byte size.
const MaxLines = 15

var toolMarkerRe = regexp.MustCompile(`(?m)^\s*↳\s*(✓|❌)`)
var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s`)
var fenceRe = regexp.MustCompile("(?m)^```")

// BreakType names the kind of boundary a breakpoint falls on.
type BreakType string

const (
	BreakToolMarker BreakType = "tool_marker"
	BreakHeading    BreakType = "heading"
	BreakCodeBlock  BreakType = "code_block_end"
	BreakParagraph  BreakType = "paragraph"
	BreakLine       BreakType = "line"
	BreakNone       BreakType = "none"
)

// Breakpoint is a candidate split position together with the kind of
// boundary it falls on.
type Breakpoint struct {
	Pos  int
	Type BreakType
}

// CodeBlockState reports whether a position in text sits inside an open
// fenced code block.
type CodeBlockState struct {
	Inside   bool
	OpenPos  int
	Language string
}

// GetCodeBlockState scans fences from the start of text up to pos and
// reports whether pos sits inside an open fence.
func GetCodeBlockState(text string, pos int) CodeBlockState {
	if pos > len(text) {
		pos = len(text)
	}
	scan := text[:pos]
	fences := fenceRe.FindAllStringIndex(scan, -1)
	if len(fences)%2 == 0 {
		return CodeBlockState{}
	}
	last := fences[len(fences)-1]
	lang := ""
	lineEnd := strings.IndexByte(scan[last[1]:], '\n')
	if lineEnd >= 0 {
		lang = strings.TrimSpace(scan[last[1] : last[1]+lineEnd])
	} else {
		lang = strings.TrimSpace(scan[last[1]:])
	}
	return CodeBlockState{Inside: true, OpenPos: last[0], Language: lang}
}

// FindLogicalBreakpoint searches text starting at startPos, within
// maxLookAhead bytes, for the highest-priority acceptable break point.
//
// Priority order: tool-result marker > heading > code-block close >
// paragraph break > line break. While inside an open fenced code block, only
// a code-block close is an acceptable break; paragraph and line breaks
// inside the fence are rejected.
func FindLogicalBreakpoint(text string, startPos, maxLookAhead int) *Breakpoint {
	if startPos < 0 {
		startPos = 0
	}
	end := len(text)
	if maxLookAhead > 0 && startPos+maxLookAhead < end {
		end = startPos + maxLookAhead
	}
	if startPos >= end {
		return nil
	}
	window := text[startPos:end]

	state := GetCodeBlockState(text, startPos)
	if state.Inside {
		if idx := fenceRe.FindStringIndex(window); idx != nil {
			return &Breakpoint{Pos: startPos + idx[1], Type: BreakCodeBlock}
		}
		return nil
	}

	if m := toolMarkerRe.FindStringIndex(window); m != nil {
		return &Breakpoint{Pos: startPos + m[1], Type: BreakToolMarker}
	}
	if m := headingRe.FindStringIndex(window); m != nil && m[0] > 0 {
		return &Breakpoint{Pos: startPos + m[0], Type: BreakHeading}
	}
	if m := fenceRe.FindStringIndex(window); m != nil {
		return &Breakpoint{Pos: startPos + m[1], Type: BreakCodeBlock}
	}
	if idx := strings.Index(window, "\n\n"); idx >= 0 {
		return &Breakpoint{Pos: startPos + idx + 2, Type: BreakParagraph}
	}
	if idx := strings.IndexByte(window, '\n'); idx >= 0 {
		return &Breakpoint{Pos: startPos + idx + 1, Type: BreakLine}
	}
	return nil
}

// ShouldFlushEarly reports whether text has grown enough (bytes or lines)
// that the executor should flush ahead of its normal trigger, so a logical
// break can still be found before the platform's hard limit.
func ShouldFlushEarly(text string, soft int) bool {
	if len(text) > soft {
		return true
	}
	return strings.Count(text, "\n")+1 > MaxLines
}

// EndsAtBreakpoint classifies the tail of text.
func EndsAtBreakpoint(text string) BreakType {
	trimmed := strings.TrimRight(text, " \t")
	if toolMarkerRe.MatchString(lastLine(trimmed)) {
		return BreakToolMarker
	}
	if strings.HasSuffix(trimmed, "```") {
		return BreakCodeBlock
	}
	if strings.HasSuffix(text, "\n\n") {
		return BreakParagraph
	}
	return BreakNone
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// EstimateRenderedHeight returns a bounded heuristic "pixel" height estimate
// for text, accounting for headings, code blocks, and wide runes (CJK,
// emoji) that a plain byte-length estimate would undercount.
func EstimateRenderedHeight(text string) int {
	const (
		lineHeight    = 20
		headingHeight = 28
		codeLineWidth = 90 // rune-width budget per wrapped code line
		proseWidth    = 70 // rune-width budget per wrapped prose line
	)

	height := 0
	state := CodeBlockState{}
	for _, line := range strings.Split(text, "\n") {
		if fenceRe.MatchString(line) {
			state.Inside = !state.Inside
			height += lineHeight
			continue
		}
		width := runewidth.StringWidth(line)
		wrapWidth := proseWidth
		if state.Inside {
			wrapWidth = codeLineWidth
		}
		wrapped := width/wrapWidth + 1
		switch {
		case headingRe.MatchString(line):
			height += headingHeight * wrapped
		default:
			height += lineHeight * wrapped
		}
	}
	return height
}
