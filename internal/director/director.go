// Package director is the Director / Integrator (§4.12): a background
// loop that rebases each `ready` branch onto its target and merges it,
// escalating to a conflict-resolution agent on rebase failure.
// Grounded on the teacher's rebase-then-reset idiom in internal/git —
// generalized here into the spec's non-destructive Director variant
// (gitservice.RebaseInPlace/MergeBranch) plus a second, nested saga for
// conflict resolution that the teacher's single-pass engine has no
// equivalent of.
package director

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/errs"
	"github.com/re-cinq/conduit/internal/eventbus"
	"github.com/re-cinq/conduit/internal/fsm"
	"github.com/re-cinq/conduit/internal/gitservice"
	"github.com/re-cinq/conduit/internal/saga"
)

// ManifestEntry describes one branch awaiting integration.
type ManifestEntry struct {
	RequestID    string
	Branch       string
	TargetBranch string
	WorktreePath string
}

// Manifest lists completed pipeline branches ready for merge, and
// records outcomes back to durable storage.
type Manifest interface {
	ReadyBranches(ctx context.Context) ([]ManifestEntry, error)
	MarkMerged(ctx context.Context, requestID string) error
	MarkNeedsAttention(ctx context.Context, requestID, reason string) error
}

// ConflictResolver attempts to resolve a rebase conflict in place inside
// worktreePath; it returns nil only if the worktree is left in a clean,
// rebased state ready for MergeBranch.
type ConflictResolver interface {
	Resolve(ctx context.Context, worktreePath, targetBranch string) error
}

// Director runs the background integration loop.
type Director struct {
	repoDir string
	cfg     *config.Config
	bus     *eventbus.Bus
	mf      Manifest
	resolver ConflictResolver
	id      gitservice.Identity

	mu      sync.Mutex
	locks   map[string]*fsm.Machine[fsm.BranchStatus] // branch -> lifecycle lock
}

func New(repoDir string, cfg *config.Config, bus *eventbus.Bus, mf Manifest, resolver ConflictResolver, id gitservice.Identity) *Director {
	return &Director{
		repoDir: repoDir, cfg: cfg, bus: bus, mf: mf, resolver: resolver, id: id,
		locks: make(map[string]*fsm.Machine[fsm.BranchStatus]),
	}
}

// Run starts the background loop and blocks until ctx is cancelled. A
// zero interval disables the loop entirely (spec: "0 disables").
func (d *Director) Run(ctx context.Context) error {
	interval := d.cfg.Director.IntervalSeconds
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				slog.ErrorContext(ctx, "director tick failed", "error", err)
			}
		}
	}
}

func (d *Director) tick(ctx context.Context) error {
	entries, err := d.mf.ReadyBranches(ctx)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	for _, e := range entries {
		if err := d.integrate(ctx, e); err != nil {
			slog.ErrorContext(ctx, "integration failed", "branch", e.Branch, "error", err)
		}
	}
	return nil
}

func (d *Director) lockFor(branch string) *fsm.Machine[fsm.BranchStatus] {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.locks[branch]
	if !ok {
		m = fsm.New(fsm.BranchTransitions, fsm.BranchReady, "branch:"+branch)
		d.locks[branch] = m
	}
	return m
}

// integrate drives one branch through acquire-lock, rebase, merge,
// cleanup. Rebase-first is the invariant: the main repo is never
// touched unless a clean merge is guaranteed (gitservice.MergeBranch
// itself rebases the worktree before ever checking out the target).
func (d *Director) integrate(ctx context.Context, e ManifestEntry) error {
	lock := d.lockFor(e.Branch)
	if err := lock.Transition(fsm.BranchPendingMerge); err != nil {
		return err
	}

	repo, err := gitservice.Open(d.repoDir)
	if err != nil {
		return err
	}

	mergeErr := repo.MergeBranch(e.Branch, e.TargetBranch, d.id, e.WorktreePath)
	if mergeErr == nil {
		_ = lock.Transition(fsm.BranchMergeHistory)
		if err := d.mf.MarkMerged(ctx, e.RequestID); err != nil {
			slog.ErrorContext(ctx, "marking branch merged failed", "branch", e.Branch, "error", err)
		}
		d.emit(e.RequestID, "director.merged", map[string]any{"branch": e.Branch})
		d.cleanup(ctx, repo, e)
		return nil
	}

	if !errs.Is(mergeErr, errs.KindConflict) {
		return mergeErr
	}

	// Rebase/merge conflicted: try the conflict-resolution sub-saga
	// before giving up and surfacing to a human.
	resolveErr := d.resolveConflict(ctx, e)
	if resolveErr == nil {
		retryErr := repo.MergeBranch(e.Branch, e.TargetBranch, d.id, e.WorktreePath)
		if retryErr == nil {
			_ = lock.Transition(fsm.BranchMergeHistory)
			if err := d.mf.MarkMerged(ctx, e.RequestID); err != nil {
				slog.ErrorContext(ctx, "marking branch merged failed", "branch", e.Branch, "error", err)
			}
			d.emit(e.RequestID, "director.merged", map[string]any{"branch": e.Branch})
			d.cleanup(ctx, repo, e)
			return nil
		}
	}

	// Exhausted: self-loop back to ready and escalate for human attention.
	_ = lock.Transition(fsm.BranchReady)
	if err := d.mf.MarkNeedsAttention(ctx, e.RequestID, mergeErr.Error()); err != nil {
		slog.ErrorContext(ctx, "marking branch needs-attention failed", "branch", e.Branch, "error", err)
	}
	d.emit(e.RequestID, "director.needs_attention", map[string]any{"branch": e.Branch, "reason": mergeErr.Error()})
	if !d.cfg.Director.KeepOnFailure {
		d.cleanup(ctx, repo, e)
	}
	return nil
}

func (d *Director) resolveConflict(ctx context.Context, e ManifestEntry) error {
	if d.resolver == nil {
		return errs.Conflict("no conflict resolver configured")
	}
	run := saga.New("conflict-resolution-"+e.RequestID,
		saga.Step{
			Name: "resolve",
			Action: func(ctx context.Context) error {
				return d.resolver.Resolve(ctx, e.WorktreePath, e.TargetBranch)
			},
		},
	)
	return run.Run(ctx)
}

// cleanup removes the worktree/branch per cfg.Cleanup. A successful
// merge always cleans up; the needs-attention path only cleans up when
// keep_on_failure is false, so the config controls whether a failed
// merge's worktree/branch survive for debugging.
func (d *Director) cleanup(ctx context.Context, repo *gitservice.Repo, e ManifestEntry) {
	if d.cfg.Cleanup.RemoveWorktree {
		if err := repo.RemoveWorktree(e.WorktreePath); err != nil {
			slog.WarnContext(ctx, "removing worktree after merge failed", "branch", e.Branch, "error", err)
		}
	}
	if d.cfg.Cleanup.DeleteBranch {
		// Force-deletes the local branch via gitservice's DeleteBranch.
		if _, err := repo.DeleteBranch(e.Branch); err != nil {
			slog.WarnContext(ctx, "deleting branch after merge failed", "branch", e.Branch, "error", err)
		}
	}
}

func (d *Director) emit(requestID, eventType string, data any) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(requestID, eventType, data)
}
