// Package saga implements the ordered-steps-with-compensation pattern:
// run actions in order, and on any failure unwind by running the
// compensations of already-completed steps in reverse. Grounded on the
// teacher's processConcern/processConcernFailed shape in
// internal/engine/engine.go, where a concern's branch/worktree creation
// must be rolled back on failure, generalized into an explicit,
// reusable step list.
package saga

import (
	"context"
	"log/slog"
)

// Step is one unit of a saga. Compensation is optional (nil if the step
// has no undo) and is always best-effort: its error is logged, never
// propagated, so one failed compensation cannot block unwinding the rest.
type Step struct {
	Name          string
	Action        func(ctx context.Context) error
	Compensation  func(ctx context.Context) error
}

// Saga is an ordered list of steps.
type Saga struct {
	Name  string
	Steps []Step
}

// New constructs a Saga with the given name and steps, run in order.
func New(name string, steps ...Step) *Saga {
	return &Saga{Name: name, Steps: steps}
}

// Run executes steps in order. On the first failure, it runs the
// compensations of all steps that completed before the failing one, in
// reverse order, then returns the original error.
func (s *Saga) Run(ctx context.Context) error {
	completed := make([]Step, 0, len(s.Steps))

	for _, step := range s.Steps {
		if err := step.Action(ctx); err != nil {
			s.compensate(ctx, completed)
			return err
		}
		completed = append(completed, step)
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensation == nil {
			continue
		}
		if err := step.Compensation(ctx); err != nil {
			slog.ErrorContext(ctx, "saga compensation failed",
				"saga", s.Name, "step", step.Name, "error", err)
		}
	}
}
