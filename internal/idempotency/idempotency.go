// Package idempotency implements the process-wide branch -> requestId
// guard, ensuring at most one active pipeline per branch. Grounded on
// the teacher's PID-file single-writer pattern in
// internal/engine/runner.go (IsRunnerAlive / stale-PID self-heal),
// generalized from "one runner per repo" to "one pipeline per branch"
// with an in-memory map instead of a file.
package idempotency

import "sync"

// LiveChecker reports whether a requestId still has live runner state —
// the cross-check used to self-heal after a crash (spec invariant 2).
// internal/httpapi.Server implements this.
type LiveChecker interface {
	IsRunning(requestID string) bool
	HasStatus(requestID string) bool
}

// Guard is the single writer for branch -> requestId reservations.
type Guard struct {
	mu       sync.Mutex
	byBranch map[string]string
}

func New() *Guard {
	return &Guard{byBranch: make(map[string]string)}
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	IsDuplicate      bool
	ExistingRequestID string
}

// Check reports whether branch already has a registered request, without
// mutating state. Callers must cross-check a duplicate against a
// LiveChecker and call Release+register themselves if it is stale — see
// CheckAndReserve for the common case.
func (g *Guard) Check(branch string) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byBranch[branch]
	return CheckResult{IsDuplicate: ok, ExistingRequestID: id}
}

// Register inserts a fresh branch -> requestId reservation.
func (g *Guard) Register(branch, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byBranch[branch] = requestID
}

// Release removes a branch's reservation, if any.
func (g *Guard) Release(branch string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byBranch, branch)
}

// CheckAndReserve implements the full idempotency contract (spec §4.5,
// invariants 1-2): if branch has no reservation, it registers newRequestID
// and returns (accepted=true). If a reservation exists but is stale per
// live (no running process, no status), it self-heals: releases the old
// entry and registers the new one, returning accepted=true. Otherwise it
// returns the incumbent's id with accepted=false.
func (g *Guard) CheckAndReserve(branch, newRequestID string, live LiveChecker) (accepted bool, existingRequestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.byBranch[branch]
	if !ok {
		g.byBranch[branch] = newRequestID
		return true, ""
	}

	if !live.IsRunning(existing) && !live.HasStatus(existing) {
		g.byBranch[branch] = newRequestID
		return true, ""
	}

	return false, existing
}
