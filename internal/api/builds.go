package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

// StepJSON is the wire shape of one pipeline step. Output columns stay
// internal; the dashboard fetches them through artifacts when needed.
type StepJSON struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Sequence   int    `json:"sequence"`
	Status     string `json:"status"`
	DurationMS *int64 `json:"duration_ms"`
	ExitCode   *int   `json:"exit_code"`
}

// BuildJSON is the wire shape of a build with its ordered steps.
type BuildJSON struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	CommitSHA    string     `json:"commit_sha"`
	Branch       string     `json:"branch"`
	PRNumber     *int       `json:"pr_number"`
	Author       *string    `json:"author"`
	Message      *string    `json:"message"`
	Status       string     `json:"status"`
	TriggerEvent string     `json:"trigger_event"`
	DurationMS   *int64     `json:"duration_ms"`
	CreateDate   time.Time  `json:"create_date"`
	Steps        []StepJSON `json:"steps"`
}

func buildJSON(b *store.Build) BuildJSON {
	steps := make([]StepJSON, 0, len(b.Steps))
	for _, st := range b.Steps {
		steps = append(steps, StepJSON{
			ID:         st.ID,
			Name:       st.Name,
			Sequence:   st.Sequence,
			Status:     st.Status,
			DurationMS: st.DurationMS,
			ExitCode:   st.ExitCode,
		})
	}
	return BuildJSON{
		ID:           b.ID,
		ProjectID:    b.ProjectID,
		CommitSHA:    b.CommitSHA,
		Branch:       b.Branch,
		PRNumber:     b.PRNumber,
		Author:       b.Author,
		Message:      b.Message,
		Status:       b.Status,
		TriggerEvent: b.TriggerEvent,
		DurationMS:   b.DurationMS,
		CreateDate:   b.CreateDate,
		Steps:        steps,
	}
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.errorAdapter.WriteErrorResponse(w, r,
				cierrors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	builds, err := s.store.ListBuilds(r.Context(), limit)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("list builds", err))
		return
	}
	out := make([]BuildJSON, 0, len(builds))
	for i := range builds {
		out = append(out, buildJSON(&builds[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "buildID"), 10, 64)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid build id"))
		return
	}

	build, err := s.store.GetBuildWithSteps(r.Context(), id)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("get build", err))
		return
	}
	if build == nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.NotFoundError("build not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, buildJSON(build))
}

func (s *Server) handleLatestBuild(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, err := strconv.ParseInt(q.Get("project_id"), 10, 64)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("project_id must be an integer"))
		return
	}
	branch := q.Get("branch")
	if branch == "" {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("branch is required"))
		return
	}

	build, err := s.store.LatestBuild(r.Context(), projectID, branch)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("latest build", err))
		return
	}
	if build == nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.NotFoundError("no builds for branch"))
		return
	}
	build.Steps, err = s.store.StepsForBuild(r.Context(), build.ID)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("load steps", err))
		return
	}
	s.writeJSON(w, http.StatusOK, buildJSON(build))
}

// TriggerRequest is the manual build admission body.
type TriggerRequest struct {
	ProjectID int64  `json:"project_id"`
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid request body"))
		return
	}

	project, err := s.store.GetProject(r.Context(), req.ProjectID)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("get project", err))
		return
	}
	if project == nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("project not found").
				WithContext("project_id", req.ProjectID))
		return
	}

	branch := req.Branch
	if branch == "" {
		branch = project.DefaultBranch
	}

	build, err := s.store.InsertBuild(r.Context(), store.NewBuild{
		TenantID:     project.TenantID,
		ProjectID:    project.ID,
		CommitSHA:    req.CommitSHA,
		Branch:       branch,
		Author:       "manual",
		Fingerprint:  req.CommitSHA + "-" + branch + "-manual",
		TriggerEvent: "manual",
	})
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("create build", err))
		return
	}

	s.metrics.IncBuildStatus(store.BuildStatusPending)
	s.events.BuildCreated(build)
	s.logger.Info("Build triggered manually",
		logfields.BuildID(build.ID),
		logfields.ProjectID(project.ID),
		logfields.Branch(branch))

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"build_id": build.ID,
		"status":   store.BuildStatusPending,
	})
}

func (s *Server) handleBuildArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "buildID"), 10, 64)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid build id"))
		return
	}

	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("get build", err))
		return
	}
	if build == nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.NotFoundError("build not found"))
		return
	}

	artifacts, err := s.store.ArtifactsForBuild(r.Context(), id)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("list artifacts", err))
		return
	}
	if artifacts == nil {
		artifacts = []store.Artifact{}
	}
	s.writeJSON(w, http.StatusOK, artifacts)
}
