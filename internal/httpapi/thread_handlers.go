package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/re-cinq/conduit/internal/errs"
	"github.com/re-cinq/conduit/internal/threads"
)

type createProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, errs.BadRequest("decoding request body: %v", err))
		return
	}
	if body.Name == "" || body.Path == "" {
		respondError(w, errs.BadRequest("name and path are required"))
		return
	}
	id, err := s.threads.CreateProject(r.Context(), body.Name, body.Path)
	if err != nil {
		respondError(w, errs.Internal(err, "creating project"))
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type createThreadRequest struct {
	Title          string `json:"title"`
	Mode           string `json:"mode"` // local | worktree
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	PermissionMode string `json:"permission_mode"`
	Branch         string `json:"branch,omitempty"`
	BaseBranch     string `json:"base_branch,omitempty"`
	WorktreePath   string `json:"worktree_path,omitempty"`
	Prompt         string `json:"prompt"`
}

// handleCreateThread implements POST /projects/:projectId/threads: it
// persists the Thread row, then starts the first agent turn through the
// Orchestrator exactly as handleThreadMessage would for a follow-up.
func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	var body createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, errs.BadRequest("decoding request body: %v", err))
		return
	}
	if body.Prompt == "" {
		respondError(w, errs.BadRequest("prompt is required"))
		return
	}
	if body.Mode == "" {
		body.Mode = "local"
	}

	id, err := s.threads.CreateThread(r.Context(), &threads.Thread{
		ProjectID:      projectID,
		Title:          body.Title,
		Mode:           body.Mode,
		Provider:       body.Provider,
		Model:          body.Model,
		PermissionMode: body.PermissionMode,
		Branch:         body.Branch,
		BaseBranch:     body.BaseBranch,
		WorktreePath:   body.WorktreePath,
	})
	if err != nil {
		respondError(w, errs.Internal(err, "creating thread"))
		return
	}

	if _, err := s.threads.InsertMessage(id, "user", body.Prompt); err != nil {
		respondError(w, errs.Internal(err, "recording initial message"))
		return
	}

	if err := s.orch.StartAgent(r.Context(), id, s.threads, body.Prompt, body.PermissionMode); err != nil {
		respondError(w, errs.Wrap(errs.KindProcessError, "starting agent", err))
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.threads.GetThread(r.Context(), id)
	if err != nil {
		respondError(w, errs.NotFound("unknown thread %q", id))
		return
	}
	respondJSON(w, http.StatusOK, t)
}

type postMessageRequest struct {
	Text           string `json:"text"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// handleThreadMessage implements POST /threads/:id/messages: a user turn
// against a thread, whether starting fresh work or following up on a
// thread whose agent is still running (Orchestrator applies the
// project's follow-up policy in that case).
func (s *Server) handleThreadMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, errs.BadRequest("decoding request body: %v", err))
		return
	}
	if body.Text == "" {
		respondError(w, errs.BadRequest("text is required"))
		return
	}

	t, err := s.threads.GetThread(r.Context(), id)
	if err != nil {
		respondError(w, errs.NotFound("unknown thread %q", id))
		return
	}
	if _, err := s.threads.InsertMessage(id, "user", body.Text); err != nil {
		respondError(w, errs.Internal(err, "recording message"))
		return
	}

	permissionMode := body.PermissionMode
	if permissionMode == "" {
		permissionMode = t.PermissionMode
	}
	if err := s.orch.StartAgent(r.Context(), id, s.threads, body.Text, permissionMode); err != nil {
		respondError(w, errs.Wrap(errs.KindProcessError, "dispatching message", err))
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStopThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.StopAgent(r.Context(), id); err != nil {
		respondError(w, errs.NotFound("%v", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}
