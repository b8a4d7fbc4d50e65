package router

import "strings"

// Command is one parsed `!cmd` invocation: a canonical name plus
// whatever text followed it on the same line.
type Command struct {
	Name string
	Args string
}

// aliases maps every recognized command spelling to its canonical name.
var aliases = map[string]string{
	"stop": "stop", "cancel": "stop",
	"escape": "escape", "interrupt": "escape",
	"approve": "approve", "yes": "approve",
	"help": "help",
	"kill": "kill",
	"cd":   "cd",
	"invite": "invite",
	"kick":   "kick",
	"permissions": "permissions", "permission": "permissions",
	"update":   "update",
	"worktree": "worktree",
	"context":  "context",
	"cost":     "cost",
	"compact":  "compact",
}

// agentAllowed is the closed set of commands an agent-authored post (one
// whose author is the bridge's own bot user) may trigger: a stray "!stop"
// or "!invite" inside the agent's own rendered text must never reach
// Session as if a person had typed it.
func agentAllowed(name, args string) bool {
	switch name {
	case "cd":
		return true
	case "worktree":
		return strings.TrimSpace(args) == "list"
	default:
		return false
	}
}

// ParseCommand recognizes a leading `!cmd` token at the very start of text
// (allowing leading whitespace on that first line) and returns its
// canonical name, its inline arguments, and the message with just the
// matched token removed — the rest of the first line and every subsequent
// line (blank or not) passes through untouched.
func ParseCommand(text string) (Command, string, bool) {
	firstLine := text
	restLines := ""
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		firstLine = text[:idx]
		restLines = text[idx:]
	}

	trimmed := strings.TrimLeft(firstLine, " \t")
	leadingWS := firstLine[:len(firstLine)-len(trimmed)]

	if !strings.HasPrefix(trimmed, "!") {
		return Command{}, text, false
	}
	body := trimmed[1:]

	token := body
	args := ""
	if sp := strings.IndexAny(body, " \t"); sp >= 0 {
		token = body[:sp]
		args = strings.TrimLeft(body[sp+1:], " \t")
	}
	if token == "" {
		return Command{}, text, false
	}

	name, ok := aliases[strings.ToLower(token)]
	if !ok {
		return Command{}, text, false
	}

	remainder := leadingWS + args + restLines
	return Command{Name: name, Args: args}, remainder, true
}
