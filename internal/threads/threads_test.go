package threads

import (
	"context"
	"encoding/json"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetThread(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateThread(context.Background(), &Thread{ProjectID: "p1", Title: "Add feature", Mode: "worktree"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetThread(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "idle" || got.Stage != "backlog" {
		t.Fatalf("unexpected initial state: %+v", got)
	}
}

func TestToolCallDedupQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	threadID, _ := s.CreateThread(ctx, &Thread{ProjectID: "p1", Mode: "local"})
	msgID, err := s.InsertMessage(threadID, "assistant", "")
	if err != nil {
		t.Fatal(err)
	}
	input := json.RawMessage(`{"path":"a.go"}`)

	if _, found, err := s.FindToolCall(msgID, "Read", input); err != nil || found {
		t.Fatalf("expected no existing call, found=%v err=%v", found, err)
	}

	callID, err := s.InsertToolCall(msgID, "Read", input)
	if err != nil {
		t.Fatal(err)
	}

	foundID, found, err := s.FindToolCall(msgID, "Read", input)
	if err != nil || !found || foundID != callID {
		t.Fatalf("expected dedup hit on resume, got id=%q found=%v err=%v", foundID, found, err)
	}
}

func TestToolCallOutputWrittenOnce(t *testing.T) {
	s := newTestStore(t)
	threadID, _ := s.CreateThread(context.Background(), &Thread{ProjectID: "p1", Mode: "local"})
	msgID, _ := s.InsertMessage(threadID, "assistant", "")
	callID, _ := s.InsertToolCall(msgID, "Read", json.RawMessage(`{}`))

	if err := s.SetToolCallOutput(callID, "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetToolCallOutput(callID, "second"); err != nil {
		t.Fatal(err)
	}

	row := s.db.QueryRow(`SELECT output FROM tool_calls WHERE id = ?`, callID)
	var out string
	if err := row.Scan(&out); err != nil {
		t.Fatal(err)
	}
	if out != "first" {
		t.Fatalf("expected output to be written only once, got %q", out)
	}
}

func TestSetThreadStageRecordsHistory(t *testing.T) {
	s := newTestStore(t)
	threadID, _ := s.CreateThread(context.Background(), &Thread{ProjectID: "p1", Mode: "local"})

	if err := s.SetThreadStage(threadID, "in_progress"); err != nil {
		t.Fatal(err)
	}
	row := s.db.QueryRow(`SELECT COUNT(*) FROM stage_history WHERE thread_id = ?`, threadID)
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one stage_history row, got %d", n)
	}

	// Setting to the same stage again is a no-op, not a duplicate entry.
	if err := s.SetThreadStage(threadID, "in_progress"); err != nil {
		t.Fatal(err)
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM stage_history WHERE thread_id = ?`, threadID)
	if err := row.Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected stage history to remain at one row, got %d", n)
	}
}

func TestAdvanceStageFollowsBacklogThenReview(t *testing.T) {
	s := newTestStore(t)
	threadID, _ := s.CreateThread(context.Background(), &Thread{ProjectID: "p1", Mode: "local"})

	if err := s.AdvanceStage(threadID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetThread(context.Background(), threadID)
	if got.Stage != "in_progress" {
		t.Fatalf("expected in_progress after first advance, got %q", got.Stage)
	}

	if err := s.AdvanceStage(threadID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetThread(context.Background(), threadID)
	if got.Stage != "review" {
		t.Fatalf("expected review after second advance, got %q", got.Stage)
	}
}
