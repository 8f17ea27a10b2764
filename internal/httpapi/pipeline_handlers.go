package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/re-cinq/conduit/internal/director"
	"github.com/re-cinq/conduit/internal/errs"
	"github.com/re-cinq/conduit/internal/fsm"
	"github.com/re-cinq/conduit/internal/gitservice"
	"github.com/re-cinq/conduit/internal/pipeline"
)

type runPipelineRequest struct {
	Branch       string         `json:"branch"`
	WorktreePath string         `json:"worktree_path"`
	BaseBranch   string         `json:"base_branch,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// handleRunPipeline implements POST /pipeline/run (spec §6): validates
// the worktree is a git repo, classifies the diff's file/line counts,
// and dispatches the saga in the background. The HTTP response never
// waits on the run itself — errors during execution surface only via
// events and GET /pipeline/:id, matching the fire-and-forget contract.
func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var body runPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, errs.BadRequest("decoding request body: %v", err))
		return
	}
	if body.Branch == "" || body.WorktreePath == "" {
		respondError(w, errs.BadRequest("branch and worktree_path are required"))
		return
	}
	if _, err := os.Stat(filepath.Join(body.WorktreePath, ".git")); err != nil {
		respondError(w, errs.BadRequest("worktree_path %q is not a git repository", body.WorktreePath))
		return
	}

	baseBranch := body.BaseBranch
	if baseBranch == "" {
		repo, err := gitservice.Open(body.WorktreePath)
		if err != nil {
			respondError(w, errs.Wrap(errs.KindBadRequest, "opening repo", err))
			return
		}
		baseBranch, err = repo.GetDefaultBranch()
		if err != nil {
			respondError(w, errs.Wrap(errs.KindBadRequest, "resolving default branch", err))
			return
		}
	}

	newID := newRequestID()
	accepted, existingID := s.guard.CheckAndReserve(body.Branch, newID, s)
	if !accepted {
		respondJSON(w, http.StatusOK, map[string]string{
			"request_id": existingID,
			"status":     "already_running",
			"events_url": "/pipeline/" + existingID + "/events",
		})
		return
	}

	fileCount, lineCount := 0, 0
	repo, err := gitservice.Open(body.WorktreePath)
	if err == nil {
		if n, err := repo.DiffFileCount(body.WorktreePath, baseBranch, body.Branch); err == nil {
			fileCount = n
		}
		if summary, err := repo.GetStatusSummary(body.WorktreePath, baseBranch); err == nil {
			lineCount = summary.LinesAdded + summary.LinesDeleted
		}
	}

	req := pipeline.NewRequest(newID, body.WorktreePath, body.Branch, baseBranch, fileCount, lineCount)
	s.register(req)

	if s.webhooks != nil {
		go s.forwardWebhooks(newID)
	}

	go func() {
		defer s.guard.Release(body.Branch)
		ctx := context.Background()
		if err := s.runner.Run(ctx, req); err != nil {
			s.logger.Error("pipeline run failed", "request_id", req.ID, "error", err)
		}
		if s.manifest != nil && req.Status() == fsm.PipelineApproved {
			s.manifest.Add(director.ManifestEntry{
				RequestID:    req.ID,
				Branch:       req.Branch,
				TargetBranch: req.BaseBranch,
				WorktreePath: req.RepoDir,
			})
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"request_id": newID,
		"status":     "accepted",
		"events_url": "/pipeline/" + newID + "/events",
	})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := s.lookup(id)
	if !ok {
		respondError(w, errs.NotFound("unknown pipeline request %q", id))
		return
	}
	respondJSON(w, http.StatusOK, pipelineView(req))
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	reqs := s.listAll()
	views := make([]map[string]any, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, pipelineView(req))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleStopPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := s.lookup(id)
	if !ok {
		respondError(w, errs.NotFound("unknown pipeline request %q", id))
		return
	}
	if req.Status().IsTerminal() {
		respondError(w, errs.NotFound("pipeline request %q is not running", id))
		return
	}
	s.runner.Stop(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func pipelineView(req *pipeline.Request) map[string]any {
	return map[string]any{
		"request_id": req.ID,
		"branch":     req.Branch,
		"tier":       req.Tier,
		"status":     req.Status(),
	}
}

// handlePipelineEvents implements GET /pipeline/:id/events (spec §6):
// flush historical events, then stream live ones, then terminate once
// the pipeline reaches a terminal state (plus a 500ms grace for any
// final events still in flight). Unsubscribes on client disconnect.
func (s *Server) handlePipelineEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := s.lookup(id)
	if !ok {
		respondError(w, errs.NotFound("unknown pipeline request %q", id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, errs.Internal(nil, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub, err := s.bus.Subscribe(id)
	if err != nil {
		respondError(w, errs.Internal(err, "subscribing to event stream"))
		return
	}
	defer sub.Close()

	for _, ev := range sub.Historical {
		writeSSE(w, flusher, ev)
	}

	ctx := r.Context()
	poll := time.NewTicker(1 * time.Second)
	defer poll.Stop()
	grace := time.NewTimer(0)
	grace.Stop()
	graceStarted := false

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Live:
			writeSSE(w, flusher, ev)
		case <-poll.C:
			if req.Status().IsTerminal() && !graceStarted {
				graceStarted = true
				grace.Reset(500 * time.Millisecond)
			}
		case <-grace.C:
			return
		}
	}
}

// forwardWebhooks relays every event published for id to the webhook
// Dispatcher until the request reaches a terminal status, mirroring
// handlePipelineEvents' poll-and-grace termination shape without an
// HTTP client on the other end.
func (s *Server) forwardWebhooks(id string) {
	sub, err := s.bus.Subscribe(id)
	if err != nil {
		s.logger.Error("webhook subscribe failed", "request_id", id, "error", err)
		return
	}
	defer sub.Close()

	for _, ev := range sub.Historical {
		s.webhooks.DispatchAll(context.Background(), ev)
	}

	req, ok := s.lookup(id)
	if !ok {
		return
	}

	poll := time.NewTicker(1 * time.Second)
	defer poll.Stop()
	grace := time.NewTimer(0)
	grace.Stop()
	graceStarted := false

	for {
		select {
		case ev := <-sub.Live:
			s.webhooks.DispatchAll(context.Background(), ev)
		case <-poll.C:
			if req.Status().IsTerminal() && !graceStarted {
				graceStarted = true
				grace.Reset(500 * time.Millisecond)
			}
		case <-grace.C:
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}
