package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/re-cinq/conduit/internal/agentmsg"
	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/threads"
)

// CLIProvider starts one agent CLI process per session over a PTY,
// decoding its stream-json stdout into agentmsg.CLIMessage. Grounded on
// procrunner's runWithPTY idiom (the teacher's invokeAgent PTY spawn),
// generalized from a single blocking request/response call into a
// long-lived, interruptible, resumable session the Orchestrator can
// hold open across multiple user turns.
type CLIProvider struct {
	Cfg   *config.Config
	Store *threads.Store
}

// resolveDir returns the directory an agent process for threadID should
// run in: the thread's own worktree path when set (worktree mode), else
// its project's root path (local mode).
func (p *CLIProvider) resolveDir(ctx context.Context, threadID string) (dir, provider string, err error) {
	t, err := p.Store.GetThread(ctx, threadID)
	if err != nil {
		return "", "", fmt.Errorf("resolving thread %s: %w", threadID, err)
	}
	if t.WorktreePath != "" {
		return t.WorktreePath, t.Provider, nil
	}
	proj, err := p.Store.GetProject(ctx, t.ProjectID)
	if err != nil {
		return "", t.Provider, fmt.Errorf("resolving project %s: %w", t.ProjectID, err)
	}
	return proj.Path, t.Provider, nil
}

func (p *CLIProvider) providerFor(name string) (config.AgentDef, error) {
	if name == "" {
		name = "claude"
	}
	def, ok := p.Cfg.Providers[name]
	if !ok {
		return config.AgentDef{}, fmt.Errorf("unknown agent provider %q", name)
	}
	return def, nil
}

// Start implements orchestrator.Provider: resolves threadID's working
// directory and configured provider from the Thread Manager, then
// launches the agent CLI there.
func (p *CLIProvider) Start(ctx context.Context, threadID, prompt, resumeSessionID, permissionMode string) (Session, error) {
	dir, providerName, err := p.resolveDir(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return p.startIn(ctx, dir, prompt, resumeSessionID, permissionMode, providerName)
}

func (p *CLIProvider) startIn(ctx context.Context, dir, prompt, resumeSessionID, permissionMode, providerName string) (Session, error) {
	def, err := p.providerFor(providerName)
	if err != nil {
		return nil, err
	}

	args := append([]string{}, def.Args...)
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	if permissionMode != "" {
		args = append(args, "--permission-mode", permissionMode)
	}

	cmd := exec.CommandContext(ctx, def.Command, args...)
	cmd.Dir = dir

	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty for agent session: %w", err)
	}
	cmd.Stdin = pts
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		ptmx.Close()
		return nil, fmt.Errorf("starting agent process: %w", err)
	}
	pts.Close()

	if prompt != "" {
		fmt.Fprintln(ptmx, prompt)
	}

	sess := &cliSession{
		cmd:  cmd,
		ptmx: ptmx,
		msgs: make(chan agentmsg.CLIMessage, 16),
	}
	go sess.readLoop()
	return sess, nil
}

type cliSession struct {
	cmd  *exec.Cmd
	ptmx *os.File
	msgs chan agentmsg.CLIMessage

	mu      sync.Mutex
	waitErr error
	waited  bool
}

func (s *cliSession) readLoop() {
	defer close(s.msgs)
	scanner := bufio.NewScanner(s.ptmx)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := agentmsg.DecodeRecord(line)
		if err != nil {
			continue // non-JSON line (agent banner, warning) — ignore
		}
		if msg.Tag == "" {
			continue
		}
		s.msgs <- msg
	}
}

func (s *cliSession) Messages() <-chan agentmsg.CLIMessage { return s.msgs }

func (s *cliSession) SendInput(ctx context.Context, text string) error {
	_, err := fmt.Fprintln(s.ptmx, text)
	return err
}

// Interrupt sends SIGINT, the same "stop this turn, keep the process"
// signal an interactive terminal user would send.
func (s *cliSession) Interrupt(ctx context.Context) error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGINT)
}

func (s *cliSession) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

func (s *cliSession) Wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waited {
		s.waited = true
		s.waitErr = s.cmd.Wait()
		s.ptmx.Close()
	}
	return s.waitErr
}
