package director

import (
	"context"
	"fmt"
	"sync"

	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/procrunner"
)

// MemoryManifest is the in-process Manifest implementation wired by
// cmd/conduitd: the HTTP API's pipeline-run handler calls Add once a
// request reaches PipelineApproved, and the Director drains it on each tick. Mirrors the
// teacher's own in-memory bookkeeping idiom (no durable queue exists for
// the teacher's single-pass engine either); entries lost on daemon
// restart simply get resubmitted the next time their branch is gated.
type MemoryManifest struct {
	mu        sync.Mutex
	ready     map[string]ManifestEntry
	merged    map[string]bool
	attention map[string]string
}

func NewMemoryManifest() *MemoryManifest {
	return &MemoryManifest{
		ready:     make(map[string]ManifestEntry),
		merged:    make(map[string]bool),
		attention: make(map[string]string),
	}
}

// Add registers a pipeline request as ready for integration.
func (m *MemoryManifest) Add(e ManifestEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready[e.RequestID] = e
}

func (m *MemoryManifest) ReadyBranches(ctx context.Context) ([]ManifestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]ManifestEntry, 0, len(m.ready))
	for _, e := range m.ready {
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MemoryManifest) MarkMerged(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ready, requestID)
	m.merged[requestID] = true
	return nil
}

func (m *MemoryManifest) MarkNeedsAttention(ctx context.Context, requestID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ready, requestID)
	m.attention[requestID] = reason
	return nil
}

// AgentConflictResolver resolves a rebase conflict by spawning the
// configured auto-correction agent inside worktreePath and trusting it
// to leave the tree in a clean, rebased state — the same "run an agent,
// then re-check" idiom the Pipeline Runner's correction loop uses.
type AgentConflictResolver struct {
	Runner *procrunner.Runner
	Cfg    *config.Config
}

func (r *AgentConflictResolver) Resolve(ctx context.Context, worktreePath, targetBranch string) error {
	agentName := r.Cfg.AutoCorrection.Agent
	for _, a := range r.Cfg.Agents {
		if a.Name == agentName {
			_, err := r.Runner.ExecuteDefault(ctx, a.Command, append(a.Args, "--resolve-conflict", targetBranch), procrunner.Options{
				Dir: worktreePath,
			})
			return err
		}
	}
	return fmt.Errorf("conflict-resolution agent %q is not configured", agentName)
}
