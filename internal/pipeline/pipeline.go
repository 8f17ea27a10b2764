// Package pipeline is the Pipeline Runner (§4.11): it drives one
// PipelineRequest's lifecycle — classify, sandbox, per-agent runs with
// an auto-correction loop, approve-or-fail — wired as a saga, publishing
// lifecycle events to the Event Bus throughout. Grounded on the
// teacher's RunOnceWithLogs/processConcern pipeline in
// internal/engine/engine.go (branch/worktree setup, rebase, spawn,
// status reporting), generalized from a single-concern loop to a
// per-PipelineRequest saga with explicit compensations and an
// auto-correction retry loop the teacher's engine does not have.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/errs"
	"github.com/re-cinq/conduit/internal/eventbus"
	"github.com/re-cinq/conduit/internal/fsm"
	"github.com/re-cinq/conduit/internal/gitservice"
	"github.com/re-cinq/conduit/internal/procrunner"
	"github.com/re-cinq/conduit/internal/saga"
	"github.com/re-cinq/conduit/internal/sandbox"
)

// Request is one unit of pipeline work: a branch carrying a diff
// against baseBranch that must pass its tier's agent gauntlet.
type Request struct {
	ID          string
	Branch      string
	BaseBranch  string
	RepoDir     string
	FileCount   int
	LineCount   int
	RemoteURL   string

	Tier string
	machine *fsm.Machine[fsm.PipelineStatus]
}

func NewRequest(id, repoDir, branch, baseBranch string, fileCount, lineCount int) *Request {
	return &Request{
		ID: id, Branch: branch, BaseBranch: baseBranch, RepoDir: repoDir,
		FileCount: fileCount, LineCount: lineCount,
		machine: fsm.NewPipelineMachine(),
	}
}

func (r *Request) Status() fsm.PipelineStatus { return r.machine.State() }

// AgentRunner executes one tier agent against the sandboxed worktree and
// reports whether it passed. onMessage, if non-nil, is called with the
// agent's raw CLI output as it becomes available, for mirroring via
// pipeline.cli_message.
type AgentRunner interface {
	// RunAgent runs agentName's command inside the sandbox via spawn,
	// returning nil if the agent's gate passed.
	RunAgent(ctx context.Context, req *Request, agentName string, spawn sandbox.SpawnFunc, onMessage func(raw []byte)) error
}

// ProcessAgentRunner invokes tier agents as host/sandboxed subprocesses
// via the shared process pool, matching how the teacher's engine spawns
// each concern's agent command.
type ProcessAgentRunner struct {
	Runner *procrunner.Runner
	Cfg    *config.Config
}

func (p *ProcessAgentRunner) RunAgent(ctx context.Context, req *Request, agentName string, spawn sandbox.SpawnFunc, onMessage func(raw []byte)) error {
	def, ok := findAgentDef(p.Cfg, agentName)
	if !ok {
		return errs.BadRequest("unknown agent %q", agentName)
	}
	stdout, _, err := spawn(ctx, "/workspace", def.Command, def.Args, nil)
	if onMessage != nil && len(stdout) > 0 {
		onMessage(stdout)
	}
	return err
}

func findAgentDef(cfg *config.Config, name string) (config.AgentDef, bool) {
	for _, a := range cfg.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return config.AgentDef{}, false
}

// cancelToken is a shared abort signal for /stop.
type cancelToken struct {
	mu        sync.Mutex
	cancelled bool
	ch        chan struct{}
}

func newCancelToken() *cancelToken {
	return &cancelToken{ch: make(chan struct{})}
}

func (c *cancelToken) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.ch)
	}
}

func (c *cancelToken) Cancelled() <-chan struct{} { return c.ch }

// stoppedByUser reports whether Cancel was actually called (a deliberate
// /stop), as opposed to the parent ctx being cancelled for some other
// reason (caller shutdown, timeout).
func (c *cancelToken) stoppedByUser() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Runner drives PipelineRequests to completion.
type Runner struct {
	cfg      *config.Config
	bus      *eventbus.Bus
	sandboxM *sandbox.Manager
	agents   AgentRunner
	git      func(repoDir string) (*gitservice.Repo, error)

	mu     sync.Mutex
	tokens map[string]*cancelToken
}

func New(cfg *config.Config, bus *eventbus.Bus, sandboxM *sandbox.Manager, agents AgentRunner) *Runner {
	return &Runner{
		cfg: cfg, bus: bus, sandboxM: sandboxM, agents: agents,
		git:    func(dir string) (*gitservice.Repo, error) { return gitservice.Open(dir) },
		tokens: make(map[string]*cancelToken),
	}
}

func (r *Runner) emit(req *Request, eventType string, data any) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(req.ID, eventType, data)
}

// Stop cancels req's in-flight run, if any, and is idempotent.
func (r *Runner) Stop(reqID string) {
	r.mu.Lock()
	tok, ok := r.tokens[reqID]
	r.mu.Unlock()
	if ok {
		tok.Cancel()
	}
}

// Run executes req's full saga to completion (terminal pipeline state).
func (r *Runner) Run(ctx context.Context, req *Request) error {
	tok := newCancelToken()
	r.mu.Lock()
	r.tokens[req.ID] = tok
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.tokens, req.ID)
		r.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-tok.Cancelled():
			cancel()
		case <-runCtx.Done():
		}
	}()

	r.emit(req, "accepted", map[string]any{"branch": req.Branch})
	r.emit(req, "started", map[string]any{"branch": req.Branch})

	var sandboxState *sandbox.State
	var spawn sandbox.SpawnFunc
	var worktreePath string

	run := saga.New("pipeline-"+req.ID,
		saga.Step{
			Name: "classify_tier",
			Action: func(ctx context.Context) error {
				req.Tier = r.cfg.TierFor(req.FileCount, req.LineCount)
				if req.Tier == "" {
					return errs.Internal(nil, "no tier configured")
				}
				r.emit(req, "tier_classified", map[string]any{"tier": req.Tier})
				return nil
			},
		},
		saga.Step{
			Name: "prepare_worktree",
			Action: func(ctx context.Context) error {
				repo, err := r.git(req.RepoDir)
				if err != nil {
					return err
				}
				if !repo.BranchExists(req.Branch) {
					if err := repo.CreateBranch(req.Branch, req.BaseBranch); err != nil {
						return err
					}
				}
				worktreePath = req.RepoDir + "/.pipeline/worktrees/" + req.ID
				return repo.CreateWorktree(worktreePath, req.Branch)
			},
			Compensation: func(ctx context.Context) error {
				repo, err := r.git(req.RepoDir)
				if err != nil {
					return err
				}
				return repo.RemoveWorktree(worktreePath)
			},
		},
		saga.Step{
			Name: "start_sandbox",
			Action: func(ctx context.Context) error {
				state, err := r.sandboxM.StartSandbox(ctx, req.ID, worktreePath, req.Branch, req.RemoteURL)
				if err != nil {
					return err
				}
				sandboxState = state
				spawn = r.sandboxM.CreateSpawnFn(req.ID, "/workspace", "")
				r.emit(req, "containers.ready", map[string]any{"container": state.ContainerName})
				return nil
			},
			Compensation: func(ctx context.Context) error {
				if sandboxState == nil {
					return nil
				}
				return r.sandboxM.StopSandbox(ctx, sandboxState)
			},
		},
		saga.Step{
			Name: "run_agents",
			Action: func(ctx context.Context) error {
				if err := req.machine.Transition(fsm.PipelineRunning); err != nil {
					return err
				}
				tier, ok := r.cfg.Tiers[req.Tier]
				if !ok {
					return errs.Internal(nil, "tier %q not found in config", req.Tier)
				}
				for _, agentName := range tier.Agents {
					if err := r.runAgentWithCorrection(runCtx, req, agentName, spawn); err != nil {
						return err
					}
				}
				return nil
			},
		},
	)

	if err := run.Run(runCtx); err != nil {
		_ = req.machine.TryTransition(fsm.PipelineFailed)
		if tok.stoppedByUser() && errors.Is(runCtx.Err(), context.Canceled) {
			r.emit(req, "stopped", map[string]any{"branch": req.Branch})
		} else {
			r.emit(req, "failed", map[string]any{"error": err.Error()})
		}
		return err
	}

	if err := req.machine.Transition(fsm.PipelineApproved); err != nil {
		return err
	}
	r.emit(req, "completed", map[string]any{"branch": req.Branch})
	return nil
}

// runAgentWithCorrection runs one tier agent; on failure it transitions
// to correcting, runs the configured correction agent up to max_attempts
// times, and retries the original agent after each attempt.
func (r *Runner) runAgentWithCorrection(ctx context.Context, req *Request, agentName string, spawn sandbox.SpawnFunc) error {
	mirror := func(agent string) func(raw []byte) {
		return func(raw []byte) {
			r.emit(req, "pipeline.cli_message", map[string]any{"agent": agent, "output": string(raw)})
		}
	}

	r.emit(req, "agent.started", map[string]any{"agent": agentName})
	err := r.agents.RunAgent(ctx, req, agentName, spawn, mirror(agentName))
	if err == nil {
		r.emit(req, "agent.completed", map[string]any{"agent": agentName})
		return nil
	}
	r.emit(req, "agent.failed", map[string]any{"agent": agentName, "error": err.Error()})

	if !r.cfg.AutoCorrection.Enabled {
		return err
	}

	if tErr := req.machine.Transition(fsm.PipelineCorrecting); tErr != nil {
		return err
	}
	r.emit(req, "correcting", map[string]any{"agent": agentName})

	lastErr := err
	for attempt := 1; attempt <= r.cfg.AutoCorrection.MaxAttempts; attempt++ {
		if cErr := r.agents.RunAgent(ctx, req, r.cfg.AutoCorrection.Agent, spawn, mirror(r.cfg.AutoCorrection.Agent)); cErr != nil {
			lastErr = cErr
			continue
		}
		if rErr := req.machine.Transition(fsm.PipelineRunning); rErr != nil {
			return rErr
		}
		if retryErr := r.agents.RunAgent(ctx, req, agentName, spawn, mirror(agentName)); retryErr == nil {
			r.emit(req, "agent.completed", map[string]any{"agent": agentName, "attempt": attempt})
			return nil
		} else {
			lastErr = retryErr
			if tErr := req.machine.Transition(fsm.PipelineCorrecting); tErr != nil {
				return retryErr
			}
		}
	}
	return fmt.Errorf("agent %s failed after %d correction attempts: %w", agentName, r.cfg.AutoCorrection.MaxAttempts, lastErr)
}
