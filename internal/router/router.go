// Package router implements ReactionRouter plus the `!cmd` command
// table: the single place an inbound platform.Event is resolved to a
// Session and turned into a call on it.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/session"
	"github.com/nextlevelbuilder/chatcoder/internal/sessions"
)

// lookup is the subset of *supervisor.Supervisor the router depends on;
// satisfied by the real supervisor and by a fake in tests.
type lookup interface {
	Lookup(platformID, threadID string) (*session.Session, bool)
	CreateSession(ctx context.Context, scfg session.Config) (*session.Session, error)
}

// Router dispatches inbound platform events to the session they belong to,
// opening a new one the first time a thread is addressed.
type Router struct {
	sv          lookup
	clients     map[string]platform.Client
	defaultRoot string
	log         *slog.Logger
}

// New returns a Router backed by sv for session lookup/creation and clients
// for posting replies (e.g. !help) keyed by platform id. defaultRoot seeds
// WorkDir for sessions opened from a bare first message (no prior !cd).
func New(sv lookup, clients map[string]platform.Client, defaultRoot string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sv: sv, clients: clients, defaultRoot: defaultRoot, log: logger}
}

// HandleEvent resolves ev's session and routes it. A reaction with no
// matching session is a silent no-op (its post belongs to a session that's
// already gone). A message with no matching session opens one — each chat
// thread becomes a session the moment someone first addresses the bot in it.
func (r *Router) HandleEvent(ctx context.Context, platformID string, ev platform.Event) {
	client := r.clients[platformID]
	sess, ok := r.sv.Lookup(platformID, ev.ThreadID)
	if !ok {
		if ev.Kind != platform.EventMessageCreated || (client != nil && ev.UserID == client.BotUserID()) {
			return
		}
		var err error
		sess, err = r.sv.CreateSession(ctx, session.Config{
			SessionID:  sessions.BuildKey(platformID, ev.ThreadID),
			PlatformID: platformID,
			ThreadID:   ev.ThreadID,
			ChannelID:  ev.ChannelID,
			Owner:      ev.UserID,
			WorkDir:    r.defaultRoot,
			Client:     client,
		})
		if err != nil {
			r.log.Warn("router: open session failed", "error", err)
			return
		}
	}

	switch ev.Kind {
	case platform.EventReactionAdded, platform.EventReactionRemoved:
		sess.HandleReaction(ev.PostID, ev.Body, ev.Kind == platform.EventReactionAdded, ev.UserID)
	case platform.EventMessageCreated, platform.EventMessageUpdated:
		r.handleMessage(ctx, sess, client, ev)
	}
}

func (r *Router) handleMessage(ctx context.Context, sess *session.Session, client platform.Client, ev platform.Event) {
	fromAgent := client != nil && ev.UserID == client.BotUserID()

	cmd, remainder, matched := ParseCommand(ev.Body)
	if !matched {
		if fromAgent {
			// The bridge's own rendered posts must never be re-ingested as a
			// user message — that would feed the agent's own words back to it.
			return
		}
		if err := sess.HandleUserMessage(ctx, ev.Body, nil, ev.UserID); err != nil {
			r.log.Warn("router: deliver message failed", "error", err)
		}
		return
	}

	if fromAgent && !agentAllowedCmd(cmd) {
		return
	}

	if err := r.dispatch(ctx, sess, client, ev, cmd, remainder); err != nil {
		r.log.Warn("router: command failed", "command", cmd.Name, "error", err)
	}
}

func agentAllowedCmd(cmd Command) bool { return agentAllowed(cmd.Name, cmd.Args) }

func (r *Router) dispatch(ctx context.Context, sess *session.Session, client platform.Client, ev platform.Event, cmd Command, remainder string) error {
	switch cmd.Name {
	case "stop", "escape", "kill":
		return sess.Stop(ctx)

	case "approve":
		return r.approvePending(ctx, sess, ev.UserID)

	case "help":
		return r.postHelp(ctx, client, ev)

	case "cd":
		dir := strings.TrimSpace(cmd.Args)
		if dir == "" {
			return fmt.Errorf("router: !cd requires a path")
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(sess.WorkDir()), dir)
		}
		return sess.ChangeWorkDir(ctx, dir)

	case "invite":
		userID := parseMention(cmd.Args)
		if userID == "" {
			return fmt.Errorf("router: !invite requires a user")
		}
		return sess.Invite(ctx, userID)

	case "kick":
		userID := parseMention(cmd.Args)
		if userID == "" {
			return fmt.Errorf("router: !kick requires a user")
		}
		return sess.Kick(ctx, userID)

	case "permissions":
		auto := strings.EqualFold(strings.TrimSpace(cmd.Args), "auto")
		return sess.SetPermissionMode(ctx, auto)

	case "update":
		if strings.EqualFold(strings.TrimSpace(cmd.Args), "defer") {
			return sess.DeferRestart(ctx)
		}
		return sess.Restart(ctx)

	case "worktree":
		return r.worktree(ctx, sess, client, ev, cmd.Args)

	case "context", "cost", "compact":
		return sess.HandleUserMessage(ctx, "/"+cmd.Name, nil, ev.UserID)

	default:
		if strings.TrimSpace(remainder) == "" {
			return nil
		}
		return sess.HandleUserMessage(ctx, remainder, nil, ev.UserID)
	}
}

// approvePending resolves whichever plan/action approval is currently
// in-flight and answers it as if the user had reacted with the approval
// emoji — `!approve`/`!yes` is a typed alternative to that reaction.
func (r *Router) approvePending(ctx context.Context, sess *session.Session, userID string) error {
	postID, _, _, ok := sess.Manager().InteractiveExecutor().PendingApproval()
	if !ok {
		return fmt.Errorf("router: no pending approval")
	}
	sess.HandleReaction(postID, "thumbsup", true, userID)
	return nil
}

func (r *Router) worktree(ctx context.Context, sess *session.Session, client platform.Client, ev platform.Event, args string) error {
	name := strings.TrimSpace(args)
	if name == "" || strings.EqualFold(name, "list") {
		return r.postWorktreeList(ctx, client, ev, sess)
	}
	name = strings.TrimPrefix(name, "switch ")
	name = strings.TrimSpace(name)
	dir := filepath.Join(filepath.Dir(sess.WorkDir()), name)
	return sess.ChangeWorkDir(ctx, dir)
}

func (r *Router) postWorktreeList(ctx context.Context, client platform.Client, ev platform.Event, sess *session.Session) error {
	if client == nil {
		return nil
	}
	f := client.Formatter()
	body := f.Heading(4, "Worktree") + "\n" + f.BulletItem(f.InlineCode(sess.WorkDir())+" (current)")
	if _, _, suggestions, _, _, ok := sess.Manager().WorktreeExecutor().Pending(); ok {
		for _, s := range suggestions {
			body += "\n" + f.BulletItem(f.InlineCode(s))
		}
	}
	_, err := client.CreatePost(ctx, ev.ChannelID, ev.ThreadID, body)
	return err
}

func (r *Router) postHelp(ctx context.Context, client platform.Client, ev platform.Event) error {
	if client == nil {
		return nil
	}
	f := client.Formatter()
	lines := []string{
		f.Heading(4, "Commands"),
		f.BulletItem(f.InlineCode("!stop") + " / " + f.InlineCode("!cancel") + " — stop the session"),
		f.BulletItem(f.InlineCode("!escape") + " / " + f.InlineCode("!interrupt") + " — stop the session (same as !stop)"),
		f.BulletItem(f.InlineCode("!approve") + " / " + f.InlineCode("!yes") + " — approve the pending plan or action"),
		f.BulletItem(f.InlineCode("!kill") + " — force-kill the agent subprocess"),
		f.BulletItem(f.InlineCode("!cd <path>") + " — change the working directory"),
		f.BulletItem(f.InlineCode("!invite <user>") + " / " + f.InlineCode("!kick <user>") + " — manage who can message this session"),
		f.BulletItem(f.InlineCode("!permissions interactive|auto") + " — toggle approval prompts"),
		f.BulletItem(f.InlineCode("!update now|defer") + " — restart the agent on a new binary"),
		f.BulletItem(f.InlineCode("!worktree <name>|list|switch <branch>") + " — manage worktrees"),
		f.BulletItem(f.InlineCode("!context") + " / " + f.InlineCode("!cost") + " / " + f.InlineCode("!compact") + " — forwarded to the agent"),
	}
	_, err := client.CreatePost(ctx, ev.ChannelID, ev.ThreadID, strings.Join(lines, "\n"))
	return err
}

// parseMention strips Slack's "<@U123>" and Mattermost's "@username"
// decoration, returning the bare id/name token Session treats as a userID.
func parseMention(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimPrefix(s, "@")
	return s
}
