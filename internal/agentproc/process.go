// Package agentproc spawns the coding-agent subprocess and streams its
// line-delimited JSON event protocol in, while accepting user stdin
// messages out. It is deliberately thin: the process-restart, resume, and
// kill policy lives in Session; this package only owns the pipes.
package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatcoder/pkg/protocol"
)

// maxLineBytes bounds a single stdout line; the agent can legitimately emit
// large tool_result payloads (file reads, search results).
const maxLineBytes = 4 * 1024 * 1024

// Options configures one subprocess spawn.
type Options struct {
	Binary     string   // defaults to "claude"
	WorkDir    string
	ResumeID   string // if set, passes --resume <id>
	SessionID  string // if ResumeID is empty, passes --session-id <id> for the first turn
	ExtraArgs  []string
}

// Process is one running agent subprocess.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan protocol.Envelope

	mu       sync.Mutex
	killed   bool
}

// Spawn starts the agent subprocess and begins streaming its stdout as
// decoded Envelopes on the returned Process's Events channel. The channel is
// closed when stdout is exhausted (the process exited or was killed).
func Spawn(ctx context.Context, opts Options) (*Process, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	} else if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}
	args = append(args, opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agentproc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentproc: stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentproc: start: %w", err)
	}

	p := &Process{cmd: cmd, stdin: stdin, events: make(chan protocol.Envelope, 64)}
	go p.readLoop(stdout)
	return p, nil
}

func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue // malformed line: unknown or unparseable types are ignored, not fatal
		}
		p.events <- env
	}
}

// Events returns the decoded event stream. Closed when the subprocess's
// stdout reaches EOF.
func (p *Process) Events() <-chan protocol.Envelope { return p.events }

// SendUserMessage writes one user-turn stdin message, newline-terminated, and
// returns the short id it was tagged with so the caller can log it alongside
// the turn it started.
func (p *Process) SendUserMessage(ctx context.Context, text string) (string, error) {
	id := uuid.NewString()[:8]
	msg := protocol.NewUserStdinMessage(id, text)
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	done := make(chan error, 1)
	go func() {
		_, err := p.stdin.Write(data)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return id, ctx.Err()
	case err := <-done:
		return id, err
	}
}

// Kill terminates the subprocess without waiting for a clean exit.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed || p.cmd.Process == nil {
		return nil
	}
	p.killed = true
	return p.cmd.Process.Kill()
}

// Wait blocks until the subprocess exits and returns its error, if any.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// ExitCode returns the subprocess's exit code. Valid only after Wait returns.
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}
