// Package orchestrator is the Agent Orchestrator (§4.10): it owns the
// single live agent process per thread, the per-project follow-up
// policy, and session-resume recovery. Grounded on maruel/caic's
// internal/task.Runner (one goroutine draining a message channel per
// running session, a mutex-guarded map of live sessions, and
// reconnect-with-resume-session-id on restart), generalized from its
// single always-containerized flow to the spec's local/worktree modes
// and its provider-specific relay to the provider-agnostic
// agentmsg.CLIMessage stream.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/re-cinq/conduit/internal/agentmsg"
	"github.com/re-cinq/conduit/internal/errs"
)

// FollowUpPolicy controls what happens when a new user message arrives
// for a thread whose agent process is still running.
type FollowUpPolicy string

const (
	FollowUpInterrupt FollowUpPolicy = "interrupt"
	FollowUpQueue      FollowUpPolicy = "queue"
)

// Provider starts and drives one agent process for a thread, streaming
// normalized messages back through the handler. A provider might shell
// out to a CLI (with or without a sandbox.SpawnFunc) or speak to a
// remote agent service over a socket; orchestrator doesn't care which.
type Provider interface {
	// Start launches a fresh session. prompt is the initial user turn.
	Start(ctx context.Context, threadID, prompt string, resumeSessionID string, permissionMode string) (Session, error)
}

// sessionClearer is satisfied by internal/threads.Store; kept narrow to
// avoid importing the concrete persistence package here.
type sessionClearer interface {
	ClearSessionID(threadID string) error
}

// Session is a single running (or resumable) agent process.
type Session interface {
	// Messages is closed when the underlying process exits.
	Messages() <-chan agentmsg.CLIMessage
	// SendInput delivers a follow-up user turn to a still-running process.
	SendInput(ctx context.Context, text string) error
	// Interrupt asks the process to stop mid-turn (not a kill -9).
	Interrupt(ctx context.Context) error
	// Kill forcibly terminates the process.
	Kill() error
	// Wait blocks until the process has fully exited.
	Wait() error
}

type liveThread struct {
	mu          sync.Mutex
	session     Session
	handler     *agentmsg.Handler
	store       agentmsg.ThreadStore
	permission  string
	sessionID   string
	pendingText string // queued follow-up, FollowUpQueue policy
}

// ProjectPolicy resolves a thread's project to its configured follow-up
// policy; projects default to "interrupt" when unset.
type ProjectPolicy interface {
	FollowUpPolicyFor(threadID string) FollowUpPolicy
}

// Orchestrator owns the set of currently-running agent threads.
type Orchestrator struct {
	provider Provider
	emitter  agentmsg.Emitter
	policy   ProjectPolicy

	mu      sync.Mutex
	threads map[string]*liveThread
}

func New(provider Provider, emitter agentmsg.Emitter, policy ProjectPolicy) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		emitter:  emitter,
		policy:   policy,
		threads:  make(map[string]*liveThread),
	}
}

// IsRunning reports whether threadID currently has a live process.
func (o *Orchestrator) IsRunning(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.threads[threadID]
	return ok
}

// StartAgent starts a brand-new session for threadID, or, if one is
// already running, applies the project's follow-up policy instead of
// starting a second concurrent process — the spec's "one live process
// per thread" invariant.
func (o *Orchestrator) StartAgent(ctx context.Context, threadID string, store agentmsg.ThreadStore, prompt, permissionMode string) error {
	o.mu.Lock()
	if lt, running := o.threads[threadID]; running {
		o.mu.Unlock()
		return o.handleFollowUp(ctx, threadID, lt, prompt)
	}
	lt := &liveThread{handler: agentmsg.NewHandler(threadID, store, o.emitter), store: store, permission: permissionMode}
	o.threads[threadID] = lt
	o.mu.Unlock()

	if err := store.AdvanceStage(threadID); err != nil {
		o.cleanupThreadState(threadID)
		return errs.Wrap(errs.KindProcessError, "advancing thread stage", err)
	}

	session, err := o.provider.Start(ctx, threadID, prompt, "", permissionMode)
	if err != nil {
		o.cleanupThreadState(threadID)
		return errs.Wrap(errs.KindProcessError, "starting agent session", err)
	}
	lt.mu.Lock()
	lt.session = session
	lt.mu.Unlock()

	go o.drain(threadID, lt)
	return nil
}

// handleFollowUp applies the project's policy for a thread that already
// has a live process: "interrupt" stops the current turn and resends
// prompt as the next one; "queue" defers prompt until the current turn
// finishes (drain() dispatches it then).
func (o *Orchestrator) handleFollowUp(ctx context.Context, threadID string, lt *liveThread, prompt string) error {
	policy := FollowUpInterrupt
	if o.policy != nil {
		policy = o.policy.FollowUpPolicyFor(threadID)
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()

	switch policy {
	case FollowUpQueue:
		lt.pendingText = prompt
		o.emitter.Emit(threadID, "thread:queue_update", map[string]any{
			"queuedCount": 1, "nextMessage": prompt,
		})
		return nil
	default: // interrupt
		if err := lt.session.Interrupt(ctx); err != nil {
			slog.Warn("interrupt failed, sending as follow-up instead", "thread_id", threadID, "err", err)
		}
		return lt.session.SendInput(ctx, prompt)
	}
}

// drain consumes the session's message channel, feeding each message to
// the thread's agentmsg.Handler, until the channel closes (process
// exit), then performs cleanup and dispatches any queued follow-up.
func (o *Orchestrator) drain(threadID string, lt *liveThread) {
	for msg := range lt.session.Messages() {
		if msg.Tag == agentmsg.TagSystemInit {
			lt.mu.Lock()
			lt.sessionID = msg.SessionID
			lt.mu.Unlock()
		}
		if err := lt.handler.Handle(msg); err != nil {
			slog.Error("agent message handling failed", "thread_id", threadID, "err", err)
		}
	}
	if err := lt.session.Wait(); err != nil {
		slog.Warn("agent process exited with error", "thread_id", threadID, "err", err)
	}

	lt.mu.Lock()
	pending := lt.pendingText
	lt.pendingText = ""
	store, permission := lt.store, lt.permission
	lt.mu.Unlock()

	o.cleanupThreadState(threadID)

	if pending != "" {
		o.emitter.Emit(threadID, "thread:queue_update", map[string]any{
			"queuedCount": 0, "nextMessage": pending,
		})
		if err := o.StartAgent(context.Background(), threadID, store, pending, permission); err != nil {
			slog.Error("dispatching queued follow-up failed", "thread_id", threadID, "err", err)
		}
	}
}

func (o *Orchestrator) cleanupThreadState(threadID string) {
	o.mu.Lock()
	delete(o.threads, threadID)
	o.mu.Unlock()
}

// Resume restarts a thread whose process died or whose host process was
// itself restarted, using the last known provider sessionId. If a
// control_request (AskUserQuestion/ExitPlanMode) was held when the
// process stopped, that hold takes precedence over the requested
// permission-mode downgrade: the held question must be re-surfaced to
// the user as-is rather than silently resumed in acceptEdits.
func (o *Orchestrator) Resume(ctx context.Context, threadID string, store agentmsg.ThreadStore, lastSessionID string, requestedPermissionMode string) error {
	o.mu.Lock()
	if _, running := o.threads[threadID]; running {
		o.mu.Unlock()
		return errs.New(errs.KindConflict, "thread already has a live agent process")
	}
	lt := &liveThread{handler: agentmsg.NewHandler(threadID, store, o.emitter), store: store, sessionID: lastSessionID}
	o.threads[threadID] = lt
	o.mu.Unlock()

	permissionMode := requestedPermissionMode
	if held := lt.handler.HeldControlRequest(); held != nil {
		// A held question survives resume unchanged; do not downgrade
		// permission mode underneath it.
		permissionMode = ""
	}

	session, err := o.provider.Start(ctx, threadID, "", lastSessionID, permissionMode)
	if err != nil {
		o.cleanupThreadState(threadID)
		// The provider session is gone; a stale sessionId would only
		// cause every future resume attempt to fail the same way.
		if clearer, ok := store.(sessionClearer); ok {
			if clearErr := clearer.ClearSessionID(threadID); clearErr != nil {
				slog.Warn("failed to clear stale session id", "thread_id", threadID, "err", clearErr)
			}
		}
		return errs.Wrap(errs.KindProcessError, "resuming agent session", err)
	}
	lt.mu.Lock()
	lt.session = session
	lt.mu.Unlock()

	go o.drain(threadID, lt)
	return nil
}

// StopAll kills every running thread's process — called on
// graceful shutdown so no orphaned agent processes survive the daemon.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	threads := make(map[string]*liveThread, len(o.threads))
	for k, v := range o.threads {
		threads[k] = v
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for threadID, lt := range threads {
		wg.Add(1)
		go func(threadID string, lt *liveThread) {
			defer wg.Done()
			lt.mu.Lock()
			session := lt.session
			lt.mu.Unlock()
			if session == nil {
				return
			}
			if err := session.Kill(); err != nil {
				slog.Warn("kill on shutdown failed", "thread_id", threadID, "err", err)
			}
		}(threadID, lt)
	}
	wg.Wait()
}

// StopAgent kills a single running thread's process without
// starting a replacement.
func (o *Orchestrator) StopAgent(ctx context.Context, threadID string) error {
	o.mu.Lock()
	lt, ok := o.threads[threadID]
	o.mu.Unlock()
	if !ok {
		return errs.NotFound("no running agent for thread %s", threadID)
	}
	lt.mu.Lock()
	session := lt.session
	lt.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Kill()
}
