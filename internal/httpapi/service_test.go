package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/eventbus"
	"github.com/re-cinq/conduit/internal/pipeline"
	"github.com/re-cinq/conduit/internal/sandbox"
	"github.com/re-cinq/conduit/internal/wsbroker"
)

type fakeSandboxOps struct{}

func (fakeSandboxOps) Start(ctx context.Context, name, worktreePath, hostSDKPath string) error {
	return nil
}
func (fakeSandboxOps) Exec(ctx context.Context, name, user, cwd, command string, args []string) ([]byte, []byte, error) {
	return nil, nil, nil
}
func (fakeSandboxOps) Stop(ctx context.Context, name string) error { return nil }
func (fakeSandboxOps) ListNames(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

type fakeAgentRunner struct{}

func (fakeAgentRunner) RunAgent(ctx context.Context, req *pipeline.Request, agentName string, spawn sandbox.SpawnFunc, onMessage func(raw []byte)) error {
	return nil
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	runGit(t, dir, "commit", "--allow-empty", "-q", "-m", "initial")
	runGit(t, dir, "checkout", "-q", "-b", "pipeline/x")
	runGit(t, dir, "commit", "--allow-empty", "-q", "-m", "change")
	// Leave main checked out so the pipeline can add a worktree for pipeline/x.
	runGit(t, dir, "checkout", "-q", "main")
	return dir
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tiers = map[string]config.Tier{
		"small": {MaxFiles: 100, MaxLines: 10000, Agents: []string{"tests"}},
	}
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := testConfig()
	bus := eventbus.New(t.TempDir())
	runner := pipeline.New(cfg, bus, sandbox.New(fakeSandboxOps{}, ""), fakeAgentRunner{})
	return NewServer(cfg, runner, bus, wsbroker.New())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRunPipelineRejectsNonGitPath(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(runPipelineRequest{Branch: "x", WorktreePath: t.TempDir()})
	req := httptest.NewRequest(http.MethodPost, "/pipeline/run", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRunPipelineAcceptsAndTracksStatus(t *testing.T) {
	s := newTestServer(t)
	dir := initTestRepo(t)

	body, _ := json.Marshal(runPipelineRequest{Branch: "pipeline/x", WorktreePath: dir, BaseBranch: "main"})
	req := httptest.NewRequest(http.MethodPost, "/pipeline/run", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	id := resp["request_id"]
	if id == "" {
		t.Fatal("expected a request id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		getReq := httptest.NewRequest(http.MethodGet, "/pipeline/"+id, nil)
		getW := httptest.NewRecorder()
		s.Handler().ServeHTTP(getW, getReq)
		if getW.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", getW.Code)
		}
		var view map[string]any
		if err := json.Unmarshal(getW.Body.Bytes(), &view); err != nil {
			t.Fatal(err)
		}
		if view["status"] == "approved" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected pipeline to reach approved status")
}

func TestRunPipelineDuplicateBranchReturnsAlreadyRunning(t *testing.T) {
	s := newTestServer(t)
	dir := initTestRepo(t)
	s.guard.Register("pipeline/x", "existing-id")

	body, _ := json.Marshal(runPipelineRequest{Branch: "pipeline/x", WorktreePath: dir, BaseBranch: "main"})
	req := httptest.NewRequest(http.MethodPost, "/pipeline/run", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "already_running" || resp["request_id"] != "existing-id" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetPipelineUnknownReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/pipeline/nope", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListPipelinesReturnsRegistered(t *testing.T) {
	s := newTestServer(t)
	req := pipeline.NewRequest("r1", "/tmp/repo", "pipeline/x", "main", 1, 1)
	s.register(req)

	listReq := httptest.NewRequest(http.MethodGet, "/pipeline/list", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, listReq)

	var views []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0]["request_id"] != "r1" {
		t.Fatalf("unexpected list: %+v", views)
	}
}

func TestStopUnknownPipelineReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/pipeline/nope/stop", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
