package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"

	"ovabuilder/internal/builder"
	"ovabuilder/internal/commits"
	"ovabuilder/internal/history"
	"ovabuilder/internal/security"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB

	branchRefPrefix = "refs/heads/"
)

// BuildStatus is the body of GET /builds/<branch>.
type BuildStatus struct {
	Present         bool   `json:"present"`
	Artifact        string `json:"artifact"`
	SourceBranch    string `json:"source_branch"`
	SourceCommit    string `json:"source_commit"`
	InstallerBranch string `json:"installer_branch"`
	InstallerCommit string `json:"installer_commit"`
	Building        bool   `json:"building"`
}

// HandleHealth handles health check requests.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	store := s.Runner.Engine().Store()
	repos := s.Runner.Engine().Repos()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"history":        store.Path(),
		"source_branch":  repos.SourceBranch,
		"webhook_active": s.WebhookSecret != "",
	})
}

// HandleBuildStatus reports whether an artifact exists for the current
// commits of the source default branch and the requested installer branch.
// The branch is the rest of the path, so names like feature/x work.
func (s *Server) HandleBuildStatus(w http.ResponseWriter, r *http.Request) {
	branch := chi.URLParam(r, "*")

	if err := security.ValidateBranchName(branch); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid branch name: %v", err)})
		return
	}

	d, err := s.Runner.Engine().Decide(r.Context(), branch)
	if err != nil {
		s.Logger.Error("Build check failed", "error", err, "branch", branch)
		s.respondJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}

	s.respondJSON(w, http.StatusOK, BuildStatus{
		Present:         d.Present,
		Artifact:        d.Artifact,
		SourceBranch:    d.SourceBranch,
		SourceCommit:    d.SourceCommit,
		InstallerBranch: d.InstallerBranch,
		InstallerCommit: d.InstallerCommit,
		Building:        s.Runner.InProgress(branch),
	})
}

// HandleHistory lists all recorded build attempts in log order.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.Runner.Engine().Store().List(r.Context())
	if err != nil {
		s.Logger.Error("Failed to read build history", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read build history"})
		return
	}
	if records == nil {
		records = []history.BuildRecord{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

// HandleWebhook handles pushes to the installer repository. A push to a
// branch starts a build check for that branch in the background.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	if r.Header.Get("Content-Type") != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	event := github.WebHookType(r)
	if event == "ping" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	}
	if event != "push" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}

	if !VerifySignature(body, r.Header.Get(SignatureHeader), s.WebhookSecret) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	parsed, err := github.ParseWebHook(event, body)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}
	push, ok := parsed.(*github.PushEvent)
	if !ok {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid push payload"})
		return
	}

	ref := push.GetRef()
	if !strings.HasPrefix(ref, branchRefPrefix) || push.GetDeleted() {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Not a branch update, skipping"})
		return
	}
	branch := strings.TrimPrefix(ref, branchRefPrefix)

	if err := security.ValidateBranchName(branch); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid branch name: %v", err)})
		return
	}

	err = s.Runner.Start(s.buildCtx, branch, func(result *builder.Result, err error) {
		if err != nil {
			s.Logger.Error("webhook build failed", "branch", branch, "error", err)
			return
		}
		s.Logger.Info("webhook build finished",
			"branch", branch,
			"run_id", result.RunID,
			"built", result.Built,
			"artifact", result.Artifact)
	})
	switch {
	case errors.Is(err, builder.ErrBuildInProgress):
		s.Logger.Warn("Build already in progress, rejecting", "branch", branch)
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": "Build already in progress"})
		return
	case errors.Is(err, builder.ErrNoPackager):
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "No build command configured"})
		return
	case err != nil:
		s.Logger.Error("Failed to start build", "error", err, "branch", branch)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start build"})
		return
	}

	// GitHub gives up after 10 seconds, so the build runs after we answer.
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Build check accepted",
		"branch":  branch,
		"after":   push.GetAfter(),
	})
}

// statusForError maps build check failures to HTTP status codes: upstream
// API problems are a bad gateway, everything else is ours.
func statusForError(err error) int {
	switch {
	case errors.Is(err, commits.ErrTransient), errors.Is(err, commits.ErrMalformedResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
