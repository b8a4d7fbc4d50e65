// Package supervisor owns the fleet of live sessions: admission control,
// resume-on-startup, the idle-timeout sweep, and the per-channel sticky
// overview post. One Supervisor runs per process, spanning every connected
// platform.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/posts"
	"github.com/nextlevelbuilder/chatcoder/internal/session"
	"github.com/nextlevelbuilder/chatcoder/internal/sessions"
)

// Config wires one Supervisor's dependencies.
type Config struct {
	Store   *sessions.Store
	Clients map[string]platform.Client // platformID -> client

	MaxSessions    int
	IdleWarn       time.Duration
	IdleTimeout    time.Duration
	FlushDelay     time.Duration
	TypingInterval time.Duration
	Binary         string

	Version string

	Logger *slog.Logger

	// SweepInterval bounds how often the idle sweep and sticky refresh run.
	// Defaults to 15s; the sticky post itself is further throttled to <=1Hz
	// per channel regardless of this value, since it has exactly one writer.
	SweepInterval time.Duration
}

// Supervisor owns every live Session, keyed by its composite session id
// (sessions.BuildKey).
type Supervisor struct {
	cfg Config
	log *slog.Logger

	startedAt time.Time

	mu           sync.Mutex
	byID         map[string]*session.Session
	shuttingDown bool

	stickyMu      sync.Mutex
	stickyPostIDs map[string]string        // channelID -> postID
	stickyLimit   map[string]*rate.Limiter // channelID -> throttle
}

// New returns a Supervisor with an empty registry. Call ResumeAll once at
// startup, then Run(ctx) to start the periodic sweep.
func New(cfg Config) *Supervisor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &Supervisor{
		cfg:           cfg,
		log:           log,
		startedAt:     time.Now(),
		byID:          make(map[string]*session.Session),
		stickyPostIDs: make(map[string]string),
		stickyLimit:   make(map[string]*rate.Limiter),
	}
}

// Count reports the number of live sessions, for admission checks and the
// sticky overview's limits line.
func (sv *Supervisor) Count() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.byID)
}

// Get returns a live session by its composite id.
func (sv *Supervisor) Get(sessionID string) (*session.Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.byID[sessionID]
	return s, ok
}

// Lookup returns a live session by platform + thread id, the form every
// inbound chat event actually carries.
func (sv *Supervisor) Lookup(platformID, threadID string) (*session.Session, bool) {
	return sv.Get(sessions.BuildKey(platformID, threadID))
}

// ErrAtCapacity is returned by CreateSession when |sessions| >= MaxSessions.
var ErrAtCapacity = fmt.Errorf("supervisor: at session capacity")

// ErrShuttingDown is returned by CreateSession once Shutdown has begun.
var ErrShuttingDown = fmt.Errorf("supervisor: shutting down, not accepting new sessions")

// CreateSession admits a brand-new session (no persisted Record), starting
// its agent subprocess and work loop. Rejects admission once at capacity or
// mid-shutdown.
func (sv *Supervisor) CreateSession(ctx context.Context, scfg session.Config) (*session.Session, error) {
	sv.mu.Lock()
	if sv.shuttingDown {
		sv.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(sv.byID) >= sv.cfg.MaxSessions {
		sv.mu.Unlock()
		return nil, ErrAtCapacity
	}
	sv.mu.Unlock()

	s := sv.build(scfg, nil)
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("supervisor: start session: %w", err)
	}
	sv.register(s)
	go s.Run(ctx)
	return s, nil
}

func (sv *Supervisor) build(scfg session.Config, record *sessions.Record) *session.Session {
	scfg.Tracker = posts.New()
	scfg.FlushDelay = sv.cfg.FlushDelay
	scfg.IdleWarn = sv.cfg.IdleWarn
	scfg.IdleTimeout = sv.cfg.IdleTimeout
	scfg.TypingInterval = sv.cfg.TypingInterval
	if scfg.Binary == "" {
		scfg.Binary = sv.cfg.Binary
	}
	scfg.Record = record
	scfg.OnExit = sv.onExit
	scfg.OnChanged = sv.onChanged
	return session.New(scfg)
}

func (sv *Supervisor) register(s *session.Session) {
	sv.mu.Lock()
	sv.byID[s.ID()] = s
	sv.mu.Unlock()
	sv.onChanged(s)
}

// onExit is Session's OnExit hook: remove from the registry, optionally
// delete the persisted record, and refresh the channel's sticky post.
func (sv *Supervisor) onExit(s *session.Session, unpersist bool) {
	sv.mu.Lock()
	delete(sv.byID, s.ID())
	sv.mu.Unlock()

	if unpersist && sv.cfg.Store != nil {
		if err := sv.cfg.Store.Delete(s.ID()); err != nil {
			sv.log.Warn("supervisor: failed to delete persisted session", "session", s.ID(), "error", err)
		}
	} else if sv.cfg.Store != nil {
		if err := sv.cfg.Store.Save(s.Snapshot()); err != nil {
			sv.log.Warn("supervisor: failed to persist session on exit", "session", s.ID(), "error", err)
		}
	}

	s.Dispose()
	sv.refreshSticky(context.Background(), s.ChannelID(), s.PlatformID())
}

// onChanged is Session's OnChanged hook: persist and refresh this session's
// channel sticky post, best-effort.
func (sv *Supervisor) onChanged(s *session.Session) {
	if sv.cfg.Store != nil {
		if err := sv.cfg.Store.Save(s.Snapshot()); err != nil {
			sv.log.Warn("supervisor: failed to persist session", "session", s.ID(), "error", err)
		}
	}
	sv.refreshSticky(context.Background(), s.ChannelID(), s.PlatformID())
}

// ResumeAll iterates every persisted record and resumes each with a living
// chat thread and an existing working directory; malformed entries (store
// already deletes JSON-unparseable ones) or dead-workdir entries are skipped
// and deleted.
func (sv *Supervisor) ResumeAll(ctx context.Context) error {
	if sv.cfg.Store == nil {
		return nil
	}
	records, err := sv.cfg.Store.LoadAll()
	if err != nil {
		return fmt.Errorf("supervisor: load persisted sessions: %w", err)
	}

	for i := range records {
		r := records[i]
		if err := sv.resumeOne(ctx, &r); err != nil {
			sv.log.Warn("supervisor: dropping unresumable session", "session", r.SessionID, "error", err)
			if delErr := sv.cfg.Store.Delete(r.SessionID); delErr != nil {
				sv.log.Warn("supervisor: failed to delete dropped session record", "session", r.SessionID, "error", delErr)
			}
		}
	}
	return nil
}

func (sv *Supervisor) resumeOne(ctx context.Context, r *sessions.Record) error {
	platformID, threadID, ok := sessions.ParseKey(r.SessionID)
	if !ok {
		return fmt.Errorf("malformed session id")
	}
	client, ok := sv.cfg.Clients[platformID]
	if !ok {
		return fmt.Errorf("no client configured for platform %q", platformID)
	}
	if r.WorkingDir == "" {
		return fmt.Errorf("no working directory recorded")
	}
	if _, err := os.Stat(r.WorkingDir); err != nil {
		return fmt.Errorf("working directory gone: %w", err)
	}

	channelID := r.ChannelID
	if channelID == "" {
		channelID = threadID
	}
	scfg := session.Config{
		SessionID:    r.SessionID,
		PlatformID:   platformID,
		ThreadID:     threadID,
		ChannelID:    channelID,
		Owner:        r.Owner,
		AllowedUsers: r.AllowedUsers,
		WorkDir:      r.WorkingDir,
		Client:       client,
	}

	s := sv.build(scfg, r)
	if err := s.Resume(ctx); err != nil {
		return fmt.Errorf("resume agent: %w", err)
	}
	sv.register(s)
	go s.Run(ctx)
	return nil
}

// Run starts the periodic idle sweep and sticky refresh. Blocks until ctx
// is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.sweep(ctx)
		}
	}
}

// sweep applies the idle-WARN/TIMEOUT thresholds to every live session and
// refreshes every channel's sticky post once per pass.
func (sv *Supervisor) sweep(ctx context.Context) {
	sv.mu.Lock()
	snapshot := make([]*session.Session, 0, len(sv.byID))
	for _, s := range sv.byID {
		snapshot = append(snapshot, s)
	}
	sv.mu.Unlock()

	now := time.Now()
	channels := make(map[string]string) // channelID -> platformID

	for _, s := range snapshot {
		channels[s.ChannelID()] = s.PlatformID()

		if s.LifecycleState() != sessions.StateActive {
			continue
		}
		idle := s.IdleFor(now)
		switch {
		case sv.cfg.IdleTimeout > 0 && idle >= sv.cfg.IdleTimeout:
			if err := s.Pause(ctx); err != nil {
				sv.log.Warn("supervisor: failed to pause idle session", "session", s.ID(), "error", err)
			}
		case sv.cfg.IdleWarn > 0 && idle >= sv.cfg.IdleWarn && !s.AlreadyWarned():
			sv.warnIdle(ctx, s)
			s.MarkWarned()
		}
	}

	for channelID, platformID := range channels {
		sv.refreshSticky(ctx, channelID, platformID)
	}
}

func (sv *Supervisor) warnIdle(ctx context.Context, s *session.Session) {
	client, ok := sv.cfg.Clients[s.PlatformID()]
	if !ok {
		return
	}
	body := fmt.Sprintf("@%s this session has been idle for a while and will pause soon.", client.Username(ctx, s.Owner()))
	if _, err := client.CreatePost(ctx, s.ChannelID(), s.ThreadID(), body); err != nil {
		sv.log.Warn("supervisor: failed to post idle warning", "session", s.ID(), "error", err)
	}
}

// refreshSticky updates channelID's sticky overview post, throttled to
// <=1Hz per channel.
func (sv *Supervisor) refreshSticky(ctx context.Context, channelID, platformID string) {
	if channelID == "" {
		return
	}
	client, ok := sv.cfg.Clients[platformID]
	if !ok {
		return
	}

	sv.stickyMu.Lock()
	limiter, ok := sv.stickyLimit[channelID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Second), 1)
		sv.stickyLimit[channelID] = limiter
	}
	sv.stickyMu.Unlock()
	if !limiter.Allow() {
		return
	}

	body := sv.renderSticky(client, channelID)

	sv.stickyMu.Lock()
	postID, exists := sv.stickyPostIDs[channelID]
	sv.stickyMu.Unlock()

	if exists {
		if err := client.UpdatePost(ctx, postID, body); err != nil {
			sv.log.Warn("supervisor: failed to update sticky post", "channel", channelID, "error", err)
		}
		return
	}

	post, err := client.CreatePost(ctx, channelID, "", body)
	if err != nil {
		sv.log.Warn("supervisor: failed to create sticky post", "channel", channelID, "error", err)
		return
	}
	if err := client.PinPost(ctx, post.ID); err != nil {
		sv.log.Warn("supervisor: failed to pin sticky post", "channel", channelID, "error", err)
	}
	sv.stickyMu.Lock()
	sv.stickyPostIDs[channelID] = post.ID
	sv.stickyMu.Unlock()
}

// renderSticky builds the sticky overview body: version, uptime, limits,
// and every live session in the channel with owner, lifecycle status, task
// progress, and a pending-prompt badge. Sessions are ordered by session id,
// descending, not by creation time; the working directory is not shown.
func (sv *Supervisor) renderSticky(client platform.Client, channelID string) string {
	f := client.Formatter()

	sv.mu.Lock()
	var inChannel []*session.Session
	for _, s := range sv.byID {
		if s.ChannelID() == channelID {
			inChannel = append(inChannel, s)
		}
	}
	sv.mu.Unlock()

	sort.Slice(inChannel, func(i, j int) bool { return inChannel[i].ID() > inChannel[j].ID() })

	var b strings.Builder
	b.WriteString(f.Heading(3, fmt.Sprintf("chatcoder %s", sv.cfg.Version)))
	b.WriteByte('\n')
	uptime := time.Since(sv.startedAt).Round(time.Second)
	b.WriteString(f.BulletItem(fmt.Sprintf("uptime %s, %d/%d sessions", uptime, sv.Count(), sv.cfg.MaxSessions)))
	b.WriteByte('\n')

	if len(inChannel) == 0 {
		b.WriteString(f.Italic("no active sessions"))
		return b.String()
	}

	for _, s := range inChannel {
		b.WriteString(renderSessionLine(f, s))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSessionLine(f platform.Formatter, s *session.Session) string {
	tl := s.Manager().TaskListState()
	progress := ""
	if len(tl.Tasks) > 0 {
		done := 0
		for _, t := range tl.Tasks {
			if t.Status == "completed" {
				done++
			}
		}
		progress = fmt.Sprintf(" · %d/%d tasks", done, len(tl.Tasks))
	}

	badge := ""
	if _, _, _, ok := s.Manager().InteractiveExecutor().PendingApproval(); ok {
		badge = " ⏳ approval pending"
	} else if _, _, _, _, _, ok := s.Manager().InteractiveExecutor().PendingQuestion(); ok {
		badge = " ⏳ question pending"
	} else if _, _, _, _, _, ok := s.Manager().WorktreeExecutor().Pending(); ok {
		badge = " ⏳ worktree prompt pending"
	}

	return f.BulletItem(fmt.Sprintf("%s — @%s — %s%s%s", f.Mention(s.Owner()), s.Owner(), s.LifecycleState(), progress, badge))
}

// Shutdown persists every session then kills all agent children in
// parallel, rejecting further admission first.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	sv.shuttingDown = true
	snapshot := make([]*session.Session, 0, len(sv.byID))
	for _, s := range sv.byID {
		snapshot = append(snapshot, s)
	}
	sv.mu.Unlock()

	if sv.cfg.Store != nil {
		for _, s := range snapshot {
			if err := sv.cfg.Store.Save(s.Snapshot()); err != nil {
				sv.log.Warn("supervisor: failed to persist session on shutdown", "session", s.ID(), "error", err)
			}
		}
	}

	var g errgroup.Group
	for _, s := range snapshot {
		s := s
		g.Go(func() error {
			s.Dispose()
			return nil
		})
	}
	return g.Wait()
}
