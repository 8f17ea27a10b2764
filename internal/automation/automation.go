// Package automation schedules cron-style prompts per Project,
// starting a Thread through the Agent Orchestrator exactly as a
// user-initiated one, and pruning its run history to max_run_history.
// Supplements a data-model entity (Automation/AutomationRun, spec.md
// §3) that spec.md names but never assigns a numbered component to.
// Grounded on the cron dependency surfaced by kindling's go.mod;
// github.com/robfig/cron is the de facto standard Go cron library and
// none of the pack's repos hand-roll their own scheduler.
package automation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/re-cinq/conduit/internal/threads"
)

// ThreadStarter starts a new Thread-backed agent run, the same entry
// point an interactive user message would use.
type ThreadStarter interface {
	StartAutomationThread(ctx context.Context, projectID, prompt string) (threadID string, err error)
}

// Store is the subset of internal/threads.Store the Scheduler needs.
type Store interface {
	ListEnabledAutomations(ctx context.Context) ([]threads.Automation, error)
	RecordAutomationRun(ctx context.Context, automationID, threadID string) error
}

// Scheduler owns the cron registration for every enabled automation.
type Scheduler struct {
	cron    *cron.Cron
	store   Store
	starter ThreadStarter

	mu      sync.Mutex
	entries map[string]cron.EntryID // automationID -> cron entry
}

func New(store Store, starter ThreadStarter) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		starter: starter,
		entries: make(map[string]cron.EntryID),
	}
}

// LoadAll registers every currently-enabled automation and starts the
// cron loop. Call once at daemon startup.
func (s *Scheduler) LoadAll(ctx context.Context) error {
	automations, err := s.store.ListEnabledAutomations(ctx)
	if err != nil {
		return err
	}
	for _, a := range automations {
		if err := s.Register(a); err != nil {
			slog.ErrorContext(ctx, "registering automation failed", "automation_id", a.ID, "error", err)
		}
	}
	s.cron.Start()
	return nil
}

// Register schedules a, replacing any existing entry for the same ID.
func (s *Scheduler) Register(a threads.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[a.ID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, a.ID)
	}
	if !a.Enabled {
		return nil
	}

	entryID, err := s.cron.AddFunc(a.CronExpr, func() { s.fire(a) })
	if err != nil {
		return err
	}
	s.entries[a.ID] = entryID
	return nil
}

// Unregister stops a's cron entry without touching its run history —
// disabling an automation must not delete past AutomationRuns.
func (s *Scheduler) Unregister(automationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[automationID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, automationID)
	}
}

func (s *Scheduler) fire(a threads.Automation) {
	ctx := context.Background()
	threadID, err := s.starter.StartAutomationThread(ctx, a.ProjectID, a.Prompt)
	if err != nil {
		slog.ErrorContext(ctx, "automation run failed to start", "automation_id", a.ID, "error", err)
		return
	}
	if err := s.store.RecordAutomationRun(ctx, a.ID, threadID); err != nil {
		slog.ErrorContext(ctx, "recording automation run failed", "automation_id", a.ID, "error", err)
	}
}

// Stop halts the cron loop, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
