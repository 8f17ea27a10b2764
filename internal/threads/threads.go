// Package threads is the Thread Manager: persistence of
// Projects/Threads/Messages/ToolCalls/StageHistory/Automations with the
// invariants of the spec's data model (§3), backed by SQLite via the
// pure-Go modernc.org/sqlite driver (grounded on quorum-ai's persistence
// choice in the retrieved pack) through database/sql, which serializes
// writes for us the way the teacher's own status-file single-writer
// idiom does for its JSON files.
package threads

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/re-cinq/conduit/internal/fileutil"
)

// Thread mirrors the spec's Thread entity.
type Thread struct {
	ID                 string
	ProjectID          string
	Title              string
	Mode               string // local | worktree
	Status             string
	Stage              string
	Provider           string
	Model              string
	PermissionMode     string
	Branch             string
	BaseBranch         string
	WorktreePath       string
	SessionID          string
	Cost               float64
	Pinned             bool
	Archived           bool
	AutomationID       string
	ExternalRequestID  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Message mirrors the spec's Message entity.
type Message struct {
	ID             string
	ThreadID       string
	Role           string
	Content        string
	Model          string
	PermissionMode string
	CreatedAt      time.Time
}

// ToolCall mirrors the spec's ToolCall entity.
type ToolCall struct {
	ID              string
	MessageID       string
	Name            string
	Input           json.RawMessage
	Output          sql.NullString
}

// Store is the Thread Manager's persistence handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database under the
// project's .pipeline directory and runs the embedded migrations.
func Open(repoDir string) (*Store, error) {
	if err := fileutil.EnsureDir(fileutil.PipelineDir(repoDir)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", fileutil.DBPath(repoDir))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps writer ordering obvious without an
	// additional application mutex — SQLite serializes writes on a
	// single connection anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY, name TEXT NOT NULL, path TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY, project_id TEXT NOT NULL, title TEXT,
		mode TEXT NOT NULL, status TEXT NOT NULL, stage TEXT NOT NULL,
		provider TEXT, model TEXT, permission_mode TEXT,
		branch TEXT, base_branch TEXT, worktree_path TEXT, session_id TEXT,
		cost REAL NOT NULL DEFAULT 0, pinned INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0, automation_id TEXT,
		external_request_id TEXT,
		created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY, thread_id TEXT NOT NULL, role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '', model TEXT, permission_mode TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY, message_id TEXT NOT NULL, name TEXT NOT NULL,
		input TEXT NOT NULL, output TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS stage_history (
		id TEXT PRIMARY KEY, thread_id TEXT NOT NULL,
		from_stage TEXT NOT NULL, to_stage TEXT NOT NULL, changed_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY, project_id TEXT NOT NULL, prompt TEXT NOT NULL,
		cron_expr TEXT NOT NULL, enabled INTEGER NOT NULL DEFAULT 1,
		last_run_at TIMESTAMP, max_run_history INTEGER NOT NULL DEFAULT 20
	)`,
	`CREATE TABLE IF NOT EXISTS automation_runs (
		id TEXT PRIMARY KEY, automation_id TEXT NOT NULL, thread_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`,
	`CREATE INDEX IF NOT EXISTS idx_toolcalls_message ON tool_calls(message_id, name)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_project_branch ON threads(project_id, branch)`,
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

func newID() string { return uuid.NewString() }

// Project mirrors the spec's Project entity: a working directory a
// Thread's agent process runs against in local mode.
type Project struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
}

// CreateProject inserts a new Project; path is unique (one Project per
// directory).
func (s *Store) CreateProject(ctx context.Context, name, path string) (string, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, created_at) VALUES (?,?,?,?)`,
		id, name, path, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("creating project: %w", err)
	}
	return id, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, path, created_at FROM projects WHERE id = ?`, id)
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, path, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateThread inserts a new Thread in status=idle, stage=backlog.
func (s *Store) CreateThread(ctx context.Context, t *Thread) (string, error) {
	id := newID()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, project_id, title, mode, status, stage, provider, model,
			permission_mode, branch, base_branch, worktree_path, session_id, cost, pinned,
			archived, automation_id, external_request_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, t.ProjectID, t.Title, t.Mode, "idle", "backlog", t.Provider, t.Model,
		t.PermissionMode, t.Branch, t.BaseBranch, t.WorktreePath, "", 0.0, false,
		false, t.AutomationID, t.ExternalRequestID, now, now)
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	return id, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, mode, status, stage, provider, model, permission_mode,
			branch, base_branch, worktree_path, session_id, cost, pinned, archived,
			automation_id, external_request_id, created_at, updated_at
		FROM threads WHERE id = ?`, id)
	var t Thread
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Mode, &t.Status, &t.Stage,
		&t.Provider, &t.Model, &t.PermissionMode, &t.Branch, &t.BaseBranch, &t.WorktreePath,
		&t.SessionID, &t.Cost, &t.Pinned, &t.Archived, &t.AutomationID, &t.ExternalRequestID,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) touch(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now().UTC(), threadID)
	return err
}

// --- agentmsg.ThreadStore implementation ---
// Each method takes the threadID it acts on, so the orchestrator hands
// the Store itself to agentmsg.NewHandler alongside the thread's ID.

func (s *Store) SetSessionID(threadID, sessionID string) error {
	_, err := s.db.Exec(`UPDATE threads SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), threadID)
	return err
}

func (s *Store) ClearSessionID(threadID string) error {
	return s.SetSessionID(threadID, "")
}

func (s *Store) InsertMessage(threadID, role, content string) (string, error) {
	id := newID()
	_, err := s.db.Exec(`INSERT INTO messages (id, thread_id, role, content, created_at) VALUES (?,?,?,?,?)`,
		id, threadID, role, content, time.Now().UTC())
	return id, err
}

func (s *Store) AppendMessageContent(messageID, text string) error {
	_, err := s.db.Exec(`UPDATE messages SET content = content || ? WHERE id = ?`, text, messageID)
	return err
}

// FindToolCall is the resume-dedup query named in the spec: (message,
// name, input) is a near-unique key.
func (s *Store) FindToolCall(parentMessageID, name string, input json.RawMessage) (string, bool, error) {
	row := s.db.QueryRow(`SELECT id FROM tool_calls WHERE message_id = ? AND name = ? AND input = ? LIMIT 1`,
		parentMessageID, name, string(input))
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) InsertToolCall(messageID, name string, input json.RawMessage) (string, error) {
	id := newID()
	_, err := s.db.Exec(`INSERT INTO tool_calls (id, message_id, name, input) VALUES (?,?,?,?)`,
		id, messageID, name, string(input))
	return id, err
}

// SetToolCallOutput writes the output exactly once per toolCallId
// (invariant: "a tool call output is written at most once").
func (s *Store) SetToolCallOutput(toolCallID, output string) error {
	res, err := s.db.Exec(`UPDATE tool_calls SET output = ? WHERE id = ? AND output IS NULL`, output, toolCallID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil // already written once; silently ignore re-emission
	}
	return nil
}

func (s *Store) SetThreadStatus(threadID, status string) error {
	_, err := s.db.Exec(`UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), threadID)
	return err
}

func (s *Store) SetThreadStage(threadID, stage string) error {
	row := s.db.QueryRow(`SELECT stage FROM threads WHERE id = ?`, threadID)
	var from string
	if err := row.Scan(&from); err != nil {
		return err
	}
	if from == stage {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE threads SET stage = ?, updated_at = ? WHERE id = ?`, stage, now, threadID); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO stage_history (id, thread_id, from_stage, to_stage, changed_at) VALUES (?,?,?,?,?)`,
		newID(), threadID, from, stage, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddCost(threadID string, cost float64) error {
	_, err := s.db.Exec(`UPDATE threads SET cost = cost + ?, updated_at = ? WHERE id = ?`, cost, time.Now().UTC(), threadID)
	return err
}

// AdvanceStage auto-transitions backlog|review -> in_progress on agent
// start, and in_progress -> review on terminal result, per the spec.
func (s *Store) AdvanceStage(threadID string) error {
	row := s.db.QueryRow(`SELECT stage FROM threads WHERE id = ?`, threadID)
	var stage string
	if err := row.Scan(&stage); err != nil {
		return err
	}
	switch stage {
	case "backlog", "review":
		return s.SetThreadStage(threadID, "in_progress")
	case "in_progress":
		return s.SetThreadStage(threadID, "review")
	}
	return nil
}

// Automation mirrors the spec's Automation entity: a scheduled prompt
// run on a cron schedule against a Project.
type Automation struct {
	ID            string
	ProjectID     string
	Prompt        string
	CronExpr      string
	Enabled       bool
	MaxRunHistory int
}

func (s *Store) CreateAutomation(ctx context.Context, a *Automation) (string, error) {
	id := newID()
	if a.MaxRunHistory <= 0 {
		a.MaxRunHistory = 20
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automations (id, project_id, prompt, cron_expr, enabled, max_run_history) VALUES (?,?,?,?,?,?)`,
		id, a.ProjectID, a.Prompt, a.CronExpr, a.Enabled, a.MaxRunHistory)
	return id, err
}

// ListEnabledAutomations returns every automation with enabled = true,
// for the Scheduler to register on startup.
func (s *Store) ListEnabledAutomations(ctx context.Context) ([]Automation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, prompt, cron_expr, enabled, max_run_history FROM automations WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Automation
	for rows.Next() {
		var a Automation
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Prompt, &a.CronExpr, &a.Enabled, &a.MaxRunHistory); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetAutomationEnabled(ctx context.Context, automationID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE automations SET enabled = ? WHERE id = ?`, enabled, automationID)
	return err
}

// RecordAutomationRun inserts a new AutomationRun owning threadID, then
// prunes the oldest runs beyond the automation's max_run_history.
func (s *Store) RecordAutomationRun(ctx context.Context, automationID, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO automation_runs (id, automation_id, thread_id, started_at) VALUES (?,?,?,?)`,
		newID(), automationID, threadID, now); err != nil {
		return err
	}

	var maxHistory int
	if err := tx.QueryRowContext(ctx, `SELECT max_run_history FROM automations WHERE id = ?`, automationID).Scan(&maxHistory); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM automation_runs WHERE automation_id = ? AND id NOT IN (
			SELECT id FROM automation_runs WHERE automation_id = ?
			ORDER BY started_at DESC LIMIT ?
		)`, automationID, automationID, maxHistory); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE automations SET last_run_at = ? WHERE id = ?`, now, automationID); err != nil {
		return err
	}
	return tx.Commit()
}
