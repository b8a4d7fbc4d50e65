// Package session implements Session: the lifecycle state machine
// that owns one agent subprocess and one chat thread. Each Session is a
// cooperatively single-threaded actor — a single work loop consumes
// agent events, routed chat events, and timer ticks, so all transform,
// execute, post, and flush work for one session is serialized. Different
// sessions run in parallel, driven by SessionSupervisor.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatcoder/internal/agentproc"
	"github.com/nextlevelbuilder/chatcoder/internal/interactive"
	"github.com/nextlevelbuilder/chatcoder/internal/messaging"
	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
	"github.com/nextlevelbuilder/chatcoder/internal/sessions"
	"github.com/nextlevelbuilder/chatcoder/internal/tasklist"
	"github.com/nextlevelbuilder/chatcoder/internal/transform"
	"github.com/nextlevelbuilder/chatcoder/internal/typing"
	"github.com/nextlevelbuilder/chatcoder/internal/worktree"
	"github.com/nextlevelbuilder/chatcoder/pkg/protocol"
)

// maxResumeFailures caps the number of consecutive failed resume attempts
// before a session surfaces to its owner and unpersists.
const maxResumeFailures = 3

// Config wires one Session's dependencies. Supervisor builds one per
// session, whether freshly created or resumed from a persisted Record.
type Config struct {
	SessionID  string // composite platformId:threadId (sessions.BuildKey)
	PlatformID string
	ThreadID   string
	ChannelID  string

	Owner        string
	AllowedUsers []string
	WorkDir      string
	Binary       string // agent CLI binary; "" lets agentproc default

	Client  platform.Client
	Tracker *posts.Tracker

	FlushDelay     time.Duration
	IdleWarn       time.Duration
	IdleTimeout    time.Duration
	TypingInterval time.Duration

	Logger *slog.Logger

	// Record, if non-nil, seeds this Session from a previously persisted
	// state, on the supervisor's resume-on-startup path. A nil Record
	// means a brand-new session.
	Record *sessions.Record

	// OnExit is called once, from the work loop, when the agent subprocess
	// exits and this Session should be removed from the supervisor's
	// registry. unpersist reports whether the caller should also delete the
	// persisted record, per the session's own exit-handling rules.
	OnExit func(s *Session, unpersist bool)

	// OnChanged is called after any state change worth re-persisting or
	// reflecting in the sticky overview post. It runs synchronously on the
	// work loop, which waits for it to return.
	OnChanged func(s *Session)
}

type job struct {
	run  func(context.Context) error
	done chan error
}

// agentProcess is the subset of *agentproc.Process Session depends on. The
// seam lets tests exercise exit-handling and lifecycle transitions without
// spawning a real subprocess.
type agentProcess interface {
	Events() <-chan protocol.Envelope
	SendUserMessage(ctx context.Context, text string) (string, error)
	Kill() error
	Wait() error
	ExitCode() int
}

func defaultSpawn(ctx context.Context, opts agentproc.Options) (agentProcess, error) {
	return agentproc.Spawn(ctx, opts)
}

// Session is the lifecycle state machine and actor described above.
type Session struct {
	cfg Config
	log *slog.Logger

	jobs chan job
	done chan struct{}

	spawnFn func(context.Context, agentproc.Options) (agentProcess, error)

	mu              sync.Mutex
	lifecycle       sessions.LifecycleState
	proc            agentProcess
	agentSessionID  string
	resumed         bool
	resumeFailCount int
	messageCounter  int
	hasAgentResponded bool
	lastActivityAt  time.Time
	idleWarned      bool
	workDir         string
	typingInterval  time.Duration
	typingCtrl      *typing.Controller
	restartPending  bool

	worktreeSuggestions []string

	manager *messaging.Manager
}

// New builds a Session from cfg. It does not spawn the agent subprocess —
// call Start (brand new) or Resume (cfg.Record != nil) once the caller is
// ready to run it, then run Run(ctx) in its own goroutine.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	typingInterval := cfg.TypingInterval
	if typingInterval <= 0 {
		typingInterval = 3 * time.Second
	}

	s := &Session{
		cfg:            cfg,
		log:            log,
		jobs:           make(chan job),
		done:           make(chan struct{}),
		lifecycle:      sessions.StateStarting,
		lastActivityAt: time.Now(),
		workDir:        cfg.WorkDir,
		spawnFn:        defaultSpawn,
		typingInterval: typingInterval,
	}

	if cfg.Record != nil {
		r := cfg.Record
		s.agentSessionID = r.AgentSessionID
		s.workDir = r.WorkingDir
		s.resumeFailCount = r.ResumeFailCount
		s.messageCounter = r.MessageCounter
		s.lifecycle = sessions.StatePaused
		s.resumed = true
		s.hasAgentResponded = true
	}

	s.manager = messaging.New(cfg.Client, cfg.Tracker, cfg.SessionID, cfg.ChannelID, cfg.ThreadID, cfg.Owner, s.workDir, cfg.FlushDelay)
	s.manager.Subscribe(s.onManagerEvent)

	if cfg.Record != nil {
		s.hydrateFromRecord(cfg.Record)
	}

	return s
}

func (s *Session) hydrateFromRecord(r *sessions.Record) {
	s.manager.SetAutoApprove(r.AutoApprove)

	if r.TaskPostID != "" {
		s.manager.HydrateTaskListState(tasklist.State{
			PostID:    r.TaskPostID,
			Body:      r.TaskBody,
			Completed: r.TaskComplete,
			Minimized: r.TaskMinimized,
		})
	}

	var (
		approvalPostID, approvalKind, approvalToolUseID string
		questionPostID, questionToolUseID                string
		items                                            []transform.QuestionItem
		idx                                               int
		answers                                           []string
	)
	if r.PendingApproval != nil {
		approvalPostID = r.PendingApproval.PostID
		approvalKind = r.PendingApproval.Kind
		approvalToolUseID = r.PendingApproval.ToolUseID
	}
	if r.PendingQuestion != nil {
		questionPostID = r.PendingQuestion.PostID
		questionToolUseID = r.PendingQuestion.ToolUseID
		idx = r.PendingQuestion.Idx
		answers = r.PendingQuestion.Answers
		if len(r.PendingQuestion.Items) > 0 {
			if err := json.Unmarshal(r.PendingQuestion.Items, &items); err != nil {
				s.log.Warn("session: failed to decode persisted question items", "session", s.cfg.SessionID, "error", err)
			}
		}
	}
	s.manager.HydrateInteractiveState(approvalPostID, approvalKind, approvalToolUseID, questionPostID, questionToolUseID, items, idx, answers)

	if r.PendingWorktree != nil {
		w := r.PendingWorktree
		queued := worktree.QueuedData{PromptText: w.PromptText, Files: w.Files, ResponsePostID: w.ResponsePost, FirstPrompt: w.FirstPrompt}
		s.manager.WorktreeExecutor().Hydrate(w.PostID, worktree.PromptKind(w.Kind), w.Suggestions, w.FailedBranch, queued)
		s.worktreeSuggestions = w.Suggestions
	}
}

// ID returns the composite session id.
func (s *Session) ID() string { return s.cfg.SessionID }

// PlatformID, ThreadID, ChannelID, and Owner report the identifying fields
// from Config, fixed for the session's lifetime — used by the supervisor's
// sticky overview and idle sweep without needing to reach into cfg directly.
func (s *Session) PlatformID() string { return s.cfg.PlatformID }
func (s *Session) ThreadID() string   { return s.cfg.ThreadID }
func (s *Session) ChannelID() string  { return s.cfg.ChannelID }
func (s *Session) Owner() string      { return s.cfg.Owner }

// WorkDir returns the current working directory the agent subprocess is
// rooted at, which can change across a `!cd`/worktree restart.
func (s *Session) WorkDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workDir
}

// Manager exposes the MessageManager for callers (the ReactionRouter and
// command router) that need its fuller surface directly.
func (s *Session) Manager() *messaging.Manager { return s.manager }

// LifecycleState returns the current state. Safe for concurrent use.
func (s *Session) LifecycleState() sessions.LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// IdleFor reports how long the session has been inactive, relative to now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivityAt)
}

// Start spawns a brand-new agent subprocess for this session. Only valid
// before the first Start/Resume call.
func (s *Session) Start(ctx context.Context) error {
	return s.spawn(ctx, agentproc.Options{
		Binary:  s.cfg.Binary,
		WorkDir: s.workDir,
	})
}

// Resume spawns the agent subprocess with --resume, continuing a
// previously persisted agent conversation (paused -> active transition).
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	agentSessionID := s.agentSessionID
	s.resumed = true
	s.mu.Unlock()

	return s.spawn(ctx, agentproc.Options{
		Binary:   s.cfg.Binary,
		WorkDir:  s.workDir,
		ResumeID: agentSessionID,
	})
}

func (s *Session) spawn(ctx context.Context, opts agentproc.Options) error {
	proc, err := s.spawnFn(ctx, opts)
	if err != nil {
		return fmt.Errorf("session: spawn agent: %w", err)
	}
	s.stopTyping()

	s.mu.Lock()
	s.proc = proc
	s.lifecycle = sessions.StateStarting
	s.lastActivityAt = time.Now()
	s.idleWarned = false
	s.typingCtrl = typing.Start(context.Background(), s.typingInterval, s.tickTyping)
	s.mu.Unlock()
	return nil
}

// stopTyping halts this session's typing-indicator controller, if one is
// running. Called whenever the agent subprocess goes away — on exit,
// restart, pause, or stop — since there is no reply in flight to signal.
func (s *Session) stopTyping() {
	s.mu.Lock()
	ctrl := s.typingCtrl
	s.typingCtrl = nil
	s.mu.Unlock()
	if ctrl != nil {
		ctrl.Stop()
	}
}

// Run is the single work loop. It blocks until ctx is cancelled or the
// session's job channel is closed (Dispose). Call it in its own goroutine.
// The typing-indicator heartbeat runs on its own controller rather
// than inside this loop, since sending a typing event mutates no state this
// loop needs to serialize.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.stopTyping()

	idleTicker := time.NewTicker(idleCheckInterval)
	defer idleTicker.Stop()

	for {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()

		var agentEvents <-chan protocol.Envelope
		if proc != nil {
			agentEvents = proc.Events()
		}

		select {
		case <-ctx.Done():
			return

		case env, ok := <-agentEvents:
			if !ok {
				s.handleAgentExit(ctx, proc)
				continue
			}
			s.handleAgentEvent(ctx, env)

		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			err := j.run(ctx)
			if j.done != nil {
				j.done <- err
			}

		case <-idleTicker.C:
			s.notifyChanged()
		}
	}
}

// idleCheckInterval bounds how often Run re-evaluates its own idle state for
// the purpose of notifying the supervisor; the supervisor's own sweep
// decides whether WARN/TIMEOUT thresholds have actually been
// crossed and performs the warn/pause action.
const idleCheckInterval = 15 * time.Second

func (s *Session) tickTyping(ctx context.Context) error {
	if s.LifecycleState() != sessions.StateActive {
		return nil
	}
	if err := s.cfg.Client.SendTyping(ctx, s.cfg.ThreadID); err != nil {
		s.log.Debug("session: send typing failed", "session", s.cfg.SessionID, "error", err)
	}
	return nil
}

func (s *Session) notifyChanged() {
	if s.cfg.OnChanged != nil {
		s.cfg.OnChanged(s)
	}
}

// submit enqueues fn to run on the work loop and waits for it to finish.
// Used by every externally-callable Session method that must be serialized
// with agent events.
func (s *Session) submit(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	select {
	case s.jobs <- job{run: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session: %s is no longer running", s.cfg.SessionID)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitAsync enqueues fn without waiting for completion; used for reaction
// handling, where the router has no result to report back.
func (s *Session) submitAsync(fn func(context.Context) error) {
	select {
	case s.jobs <- job{run: fn}:
	case <-s.done:
	default:
		go func() {
			select {
			case s.jobs <- job{run: fn}:
			case <-s.done:
			}
		}()
	}
}

func (s *Session) handleAgentEvent(ctx context.Context, env protocol.Envelope) {
	now := time.Now()

	s.mu.Lock()
	s.lastActivityAt = now
	s.idleWarned = false
	respondedNow := false
	if !s.hasAgentResponded && (env.Type == protocol.TypeAssistant || env.Type == protocol.TypeResult) {
		s.hasAgentResponded = true
		respondedNow = true
	}
	if s.lifecycle == sessions.StateStarting && (env.Type == protocol.TypeAssistant || env.Type == protocol.TypeResult) {
		s.lifecycle = sessions.StateActive
	}
	s.mu.Unlock()

	if env.Type == protocol.TypeSystem {
		s.captureAgentSessionID(env)
	}

	if err := s.manager.HandleEvent(ctx, env, now); err != nil {
		s.log.Warn("session: message manager failed to handle event", "session", s.cfg.SessionID, "type", env.Type, "error", err)
	}

	if respondedNow {
		s.notifyChanged()
	}
}

type systemInitEvent struct {
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

func (s *Session) captureAgentSessionID(env protocol.Envelope) {
	var sys systemInitEvent
	if err := json.Unmarshal(env.Raw, &sys); err != nil || sys.SessionID == "" {
		return
	}
	s.mu.Lock()
	s.agentSessionID = sys.SessionID
	s.mu.Unlock()
}

func (s *Session) handleAgentExit(ctx context.Context, proc agentProcess) {
	_ = proc.Wait()
	exitCode := proc.ExitCode()
	s.stopTyping()

	s.mu.Lock()
	lifecycle := s.lifecycle
	resumed := s.resumed
	responded := s.hasAgentResponded
	restartPending := s.restartPending
	s.restartPending = false
	s.proc = nil
	s.mu.Unlock()

	// restarting/cancelled suppress exit cleanup: a deliberate replacement
	// or an explicit !stop already decided this session's fate.
	if lifecycle == sessions.StateRestarting || lifecycle == sessions.StateCancelled {
		return
	}

	// `!update defer`: the agent exited on its own while a deferred
	// restart was queued. Resume on the new binary instead of running the
	// usual clean/error exit rules for this exit.
	if restartPending {
		if err := s.Resume(ctx); err != nil {
			s.log.Warn("session: deferred restart failed", "session", s.cfg.SessionID, "error", err)
		}
		return
	}

	if exitCode == 0 {
		unpersist := responded && !resumed
		if s.cfg.OnExit != nil {
			s.cfg.OnExit(s, unpersist)
		}
		return
	}

	if resumed {
		s.mu.Lock()
		s.resumeFailCount++
		fail := s.resumeFailCount
		s.mu.Unlock()

		if fail >= maxResumeFailures {
			if s.cfg.OnExit != nil {
				s.cfg.OnExit(s, true)
			}
			return
		}

		s.mu.Lock()
		s.lifecycle = sessions.StatePaused
		s.mu.Unlock()
		s.notifyChanged()
		return
	}

	if s.cfg.OnExit != nil {
		s.cfg.OnExit(s, true)
	}
}

// HandleUserMessage routes a new chat message into this session: an
// untrusted sender is redirected into the owner-approval flow; an
// authorized sender's message is delivered to the agent, resuming the
// subprocess first if the session was paused.
func (s *Session) HandleUserMessage(ctx context.Context, text string, files []string, fromUser string) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.handleUserMessageLocked(ctx, text, files, fromUser)
	})
}

func (s *Session) handleUserMessageLocked(ctx context.Context, text string, files []string, fromUser string) error {
	if !s.authorized(ctx, fromUser) {
		return s.manager.InteractiveExecutor().StartMessageApproval(ctx, fromUser, text)
	}

	s.mu.Lock()
	lifecycle := s.lifecycle
	s.mu.Unlock()

	if lifecycle == sessions.StateCancelled {
		return fmt.Errorf("session: %s was stopped", s.cfg.SessionID)
	}

	if err := s.manager.HandleUserMessage(ctx, text, files, fromUser); err != nil {
		return err
	}

	if lifecycle == sessions.StatePaused {
		if err := s.Resume(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	proc := s.proc
	s.messageCounter++
	s.lastActivityAt = time.Now()
	s.idleWarned = false
	s.mu.Unlock()

	if proc == nil {
		if err := s.Start(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		proc = s.proc
		s.mu.Unlock()
	}

	turnID, err := proc.SendUserMessage(ctx, text)
	s.log.Debug("session: sent user message", "session", s.cfg.SessionID, "turn", turnID)
	return err
}

func (s *Session) authorized(ctx context.Context, userID string) bool {
	if userID == s.cfg.Owner {
		return true
	}
	s.mu.Lock()
	for _, u := range s.cfg.AllowedUsers {
		if u == userID {
			s.mu.Unlock()
			return true
		}
	}
	s.mu.Unlock()
	username := s.cfg.Client.Username(ctx, userID)
	return s.cfg.Client.IsUserAllowed(username)
}

// Invite implements `!invite <@?user>`: grants userID the owner's
// messaging rights on this session, bypassing the cross-user approval flow.
func (s *Session) Invite(ctx context.Context, userID string) error {
	return s.submit(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, u := range s.cfg.AllowedUsers {
			if u == userID {
				return nil
			}
		}
		s.cfg.AllowedUsers = append(s.cfg.AllowedUsers, userID)
		return nil
	})
}

// Kick implements `!kick <@?user>`: revokes a previously invited
// user's messaging rights. Has no effect on the owner.
func (s *Session) Kick(ctx context.Context, userID string) error {
	return s.submit(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		kept := s.cfg.AllowedUsers[:0]
		for _, u := range s.cfg.AllowedUsers {
			if u != userID {
				kept = append(kept, u)
			}
		}
		s.cfg.AllowedUsers = kept
		return nil
	})
}

// SetPermissionMode implements `!permissions (interactive|auto)`:
// "auto" completes plan/action approvals immediately instead of posting a
// reaction prompt; "interactive" restores the prompt.
func (s *Session) SetPermissionMode(ctx context.Context, auto bool) error {
	return s.submit(ctx, func(context.Context) error {
		s.manager.SetAutoApprove(auto)
		return nil
	})
}

// Restart implements `!update now`: kills and respawns the agent
// subprocess in place, picking up a new binary on the next spawn without
// changing the working directory. `restarting` suppresses the exit-cleanup
// rules that would otherwise fire.
func (s *Session) Restart(ctx context.Context) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.changeWorkDirLocked(ctx, s.WorkDir())
	})
}

// DeferRestart implements `!update defer`: queues a restart for the
// agent's next natural exit instead of forcing one now. handleAgentExit
// consults and clears this flag.
func (s *Session) DeferRestart(ctx context.Context) error {
	return s.submit(ctx, func(context.Context) error {
		s.mu.Lock()
		s.restartPending = true
		s.mu.Unlock()
		return nil
	})
}

// HandleReaction routes a reaction into MessageManager. Best-effort and
// non-blocking — the caller (ReactionRouter) has nothing to wait on.
func (s *Session) HandleReaction(postID, emoji string, added bool, userID string) {
	s.submitAsync(func(ctx context.Context) error {
		s.manager.HandleReaction(ctx, postID, emoji, added, userID)
		return nil
	})
}

// onManagerEvent bridges MessageManager completion events back into the
// agent's stdin, where the event represents a decision the agent is
// waiting on, and into session-lifecycle side effects otherwise.
func (s *Session) onManagerEvent(ev messaging.Event) {
	ctx := context.Background()
	switch ev.Kind {
	case messaging.EventApprovalComplete:
		s.replyToAgent(ctx, approvalReplyText(ev.Approval))

	case messaging.EventQuestionComplete:
		s.replyToAgent(ctx, questionReplyText(ev.Question))

	case messaging.EventMessageApprovalComplete:
		s.handleMessageApprovalDecision(ctx, ev.MessageApproval)

	case messaging.EventWorktreeInitialComplete:
		s.handleWorktreeDecision(ctx, ev.Worktree)

	case messaging.EventUpdatePromptComplete, messaging.EventBugReportComplete:
		s.notifyChanged()
	}
}

func approvalReplyText(ev *interactive.Event) string {
	if ev == nil {
		return "Denied."
	}
	if ev.Approved {
		return "Approved. Proceed."
	}
	return "Denied. Do not proceed; ask how to adjust the plan."
}

func questionReplyText(ev *interactive.Event) string {
	if ev == nil || len(ev.Answers) == 0 {
		return ""
	}
	text := ev.Answers[0]
	for _, a := range ev.Answers[1:] {
		text += "\n" + a
	}
	return text
}

func (s *Session) replyToAgent(ctx context.Context, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return
	}
	if _, err := proc.SendUserMessage(ctx, text); err != nil {
		s.log.Warn("session: failed to relay decision to agent", "session", s.cfg.SessionID, "error", err)
	}
}

func (s *Session) handleMessageApprovalDecision(ctx context.Context, ev *interactive.Event) {
	if ev == nil {
		return
	}
	switch ev.Decision {
	case interactive.DecisionAllow, interactive.DecisionInvite:
		s.submitAsync(func(ctx context.Context) error {
			return s.handleUserMessageLocked(ctx, ev.OriginalMessage, nil, ev.FromUser)
		})
	}
}

func (s *Session) handleWorktreeDecision(ctx context.Context, ev *worktree.Event) {
	if ev == nil {
		return
	}

	queued := ev.QueuedData
	if !ev.Decision.Skipped {
		s.mu.Lock()
		suggestions := s.worktreeSuggestions
		s.mu.Unlock()
		idx := ev.Decision.SuggestionIdx - 1
		if idx >= 0 && idx < len(suggestions) {
			if err := s.ChangeWorkDir(ctx, suggestions[idx]); err != nil {
				s.log.Warn("session: failed to switch worktree", "session", s.cfg.SessionID, "error", err)
			}
		}
	}

	if queued.PromptText == "" {
		return
	}
	s.submitAsync(func(ctx context.Context) error {
		return s.handleUserMessageLocked(ctx, queued.PromptText, queued.Files, s.cfg.Owner)
	})
}

// ProposeWorktreeChoice opens the branch-suggestion prompt and remembers the
// candidate directories so the eventual decision (a 1-based index) can be
// resolved back to a path. The command router does not call it.
func (s *Session) ProposeWorktreeChoice(ctx context.Context, suggestions []string, firstPrompt string, files []string) error {
	return s.submit(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		s.worktreeSuggestions = suggestions
		s.mu.Unlock()
		return s.manager.WorktreeExecutor().StartBranchSuggestions(ctx, suggestions, worktreeQueuedData(firstPrompt, files))
	})
}

// ChangeWorkDir restarts the agent subprocess rooted at a new working
// directory (`!cd`, or a resolved worktree switch): the session enters the
// transient `restarting` state, which the exit handler recognizes and skips
// cleanup for, then returns to `active` on the next agent response.
func (s *Session) ChangeWorkDir(ctx context.Context, dir string) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.changeWorkDirLocked(ctx, dir)
	})
}

func (s *Session) changeWorkDirLocked(ctx context.Context, dir string) error {
	s.mu.Lock()
	proc := s.proc
	s.lifecycle = sessions.StateRestarting
	s.workDir = dir
	s.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	return s.spawn(ctx, agentproc.Options{Binary: s.cfg.Binary, WorkDir: dir})
}

// Stop implements the explicit `!stop`/`!cancel`/`!kill` command:
// the agent is force-killed, the session becomes terminal `cancelled`, the
// task post is unpinned, and the caller must not re-persist this session.
func (s *Session) Stop(ctx context.Context) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.stopLocked(ctx)
	})
}

func (s *Session) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.lifecycle = sessions.StateCancelled
	s.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	return s.manager.UnpinTaskPost(ctx)
}

// Pause force-kills the agent without unpersisting, transitioning to
// `paused`. Called by the supervisor's idle sweep once a session has been
// inactive for at least IdleTimeout.
func (s *Session) Pause(ctx context.Context) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.pauseLocked(ctx)
	})
}

func (s *Session) pauseLocked(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.lifecycle = sessions.StatePaused
	s.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
	return nil
}

// MarkWarned records that the idle-WARN threshold has already produced a
// notification, so the supervisor's sweep doesn't repeat it. Cleared
// automatically the next time any agent activity is observed.
func (s *Session) MarkWarned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleWarned = true
}

// AlreadyWarned reports whether MarkWarned has fired since the last
// activity.
func (s *Session) AlreadyWarned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleWarned
}

// Snapshot renders the current in-memory state as a persistable Record.
// Supervisor calls this on OnChanged and on a periodic save tick.
func (s *Session) Snapshot() sessions.Record {
	s.mu.Lock()
	lifecycle := s.lifecycle
	agentSessionID := s.agentSessionID
	resumeFailCount := s.resumeFailCount
	messageCounter := s.messageCounter
	workDir := s.workDir
	s.mu.Unlock()

	tl := s.manager.TaskListState()

	rec := sessions.Record{
		SessionID:       s.cfg.SessionID,
		PlatformID:      s.cfg.PlatformID,
		ThreadID:        s.cfg.ThreadID,
		ChannelID:       s.cfg.ChannelID,
		AgentSessionID:  agentSessionID,
		WorkingDir:      workDir,
		Owner:           s.cfg.Owner,
		AllowedUsers:    s.cfg.AllowedUsers,
		TaskPostID:      tl.PostID,
		TaskBody:        tl.Body,
		TaskComplete:    tl.Completed,
		TaskMinimized:   tl.Minimized,
		AutoApprove:     s.manager.AutoApprove(),
		Lifecycle:       lifecycle,
		ResumeFailCount: resumeFailCount,
		MessageCounter:  messageCounter,
		UpdatedAt:       time.Now(),
	}

	if postID, kind, toolUseID, ok := s.manager.InteractiveExecutor().PendingApproval(); ok {
		rec.PendingApproval = &sessions.ApprovalSnapshot{PostID: postID, Kind: kind, ToolUseID: toolUseID}
	}
	if postID, toolUseID, items, idx, answers, ok := s.manager.InteractiveExecutor().PendingQuestion(); ok {
		encoded, err := json.Marshal(items)
		if err != nil {
			s.log.Warn("session: failed to encode pending question items", "session", s.cfg.SessionID, "error", err)
			encoded = nil
		}
		rec.PendingQuestion = &sessions.QuestionSnapshot{PostID: postID, ToolUseID: toolUseID, Items: encoded, Idx: idx, Answers: answers}
	}
	if postID, kind, suggestions, failedBranch, queued, ok := s.manager.WorktreeExecutor().Pending(); ok {
		rec.PendingWorktree = &sessions.WorktreePromptSnapshot{
			PostID:       postID,
			Kind:         string(kind),
			Suggestions:  suggestions,
			FailedBranch: failedBranch,
			PromptText:   queued.PromptText,
			Files:        queued.Files,
			ResponsePost: queued.ResponsePostID,
			FirstPrompt:  queued.FirstPrompt,
		}
	}

	return rec
}

// Dispose stops the work loop and releases this session's tracked posts.
// Called once the session has been removed from the supervisor's registry.
func (s *Session) Dispose() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
	close(s.jobs)
	s.manager.Dispose()
}

func worktreeQueuedData(firstPrompt string, files []string) worktree.QueuedData {
	return worktree.QueuedData{PromptText: firstPrompt, Files: files, FirstPrompt: firstPrompt}
}
