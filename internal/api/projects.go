package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("list projects", err))
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	s.writeJSON(w, http.StatusOK, projects)
}

// CreateProjectRequest registers a repository for CI. Pipeline is the raw
// pipeline document; when omitted the repository's .centrix-ci.yml is used
// at build time.
type CreateProjectRequest struct {
	Name          string          `json:"name"`
	GitHubRepo    string          `json:"github_repo"`
	DefaultBranch string          `json:"default_branch,omitempty"`
	Pipeline      json.RawMessage `json:"pipeline,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid request body"))
		return
	}
	if req.Name == "" || req.GitHubRepo == "" {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("name and github_repo are required"))
		return
	}

	existing, err := s.store.FindProjectByRepo(r.Context(), req.GitHubRepo)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("find project", err))
		return
	}
	if existing != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ConflictError("repository already registered").
				WithContext("github_repo", req.GitHubRepo))
		return
	}

	project, err := s.store.CreateProject(r.Context(), store.NewProject{
		Name:           req.Name,
		GitHubRepo:     req.GitHubRepo,
		DefaultBranch:  req.DefaultBranch,
		PipelineConfig: req.Pipeline,
	})
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("create project", err))
		return
	}

	s.logger.Info("Project registered",
		logfields.ProjectID(project.ID),
		logfields.Repository(project.GitHubRepo))
	s.writeJSON(w, http.StatusCreated, project)
}

// UpdatePipelineRequest replaces a project's stored pipeline. A null
// pipeline clears the stored config, falling back to the repository's
// .centrix-ci.yml at build time.
type UpdatePipelineRequest struct {
	Pipeline json.RawMessage `json:"pipeline"`
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid project id"))
		return
	}

	var req UpdatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid request body"))
		return
	}

	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("get project", err))
		return
	}
	if project == nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.NotFoundError("project not found").WithContext("project_id", id))
		return
	}

	if err := s.store.UpdateProjectPipeline(r.Context(), id, req.Pipeline); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("update pipeline", err))
		return
	}

	project, err = s.store.GetProject(r.Context(), id)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("reload project", err))
		return
	}
	s.logger.Info("Project pipeline updated", logfields.ProjectID(id))
	s.writeJSON(w, http.StatusOK, project)
}
