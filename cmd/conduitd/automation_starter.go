package main

import (
	"context"
	"fmt"

	"github.com/re-cinq/conduit/internal/orchestrator"
	"github.com/re-cinq/conduit/internal/threads"
)

// automationStarter implements automation.ThreadStarter: a scheduled run
// starts a new Thread exactly like an interactive one, so it gets the
// same transcript, stage history, and WS event stream.
type automationStarter struct {
	store *threads.Store
	orch  *orchestrator.Orchestrator
}

func (a *automationStarter) StartAutomationThread(ctx context.Context, projectID, prompt string) (string, error) {
	id, err := a.store.CreateThread(ctx, &threads.Thread{
		ProjectID: projectID,
		Title:     truncate(prompt, 60),
		Mode:      "local",
	})
	if err != nil {
		return "", fmt.Errorf("creating automation thread: %w", err)
	}
	if _, err := a.store.InsertMessage(id, "user", prompt); err != nil {
		return "", fmt.Errorf("recording automation prompt: %w", err)
	}
	if err := a.orch.StartAgent(ctx, id, a.store, prompt, ""); err != nil {
		return "", fmt.Errorf("starting automation agent: %w", err)
	}
	return id, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
