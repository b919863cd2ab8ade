package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/centrixsystems/centrix-ci/internal/environments"
	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var projectID *int64
	if raw := q.Get("project_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.errorAdapter.WriteErrorResponse(w, r,
				cierrors.ValidationError("project_id must be an integer"))
			return
		}
		projectID = &n
	}
	var prNumber *int
	if raw := q.Get("pr"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.errorAdapter.WriteErrorResponse(w, r,
				cierrors.ValidationError("pr must be an integer"))
			return
		}
		prNumber = &n
	}

	envs, err := s.store.ListEnvironmentsFor(r.Context(), projectID, prNumber)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("list environments", err))
		return
	}
	if envs == nil {
		envs = []store.Environment{}
	}
	s.writeJSON(w, http.StatusOK, envs)
}

// EnvironmentRequest asks for a review environment for one pull request.
type EnvironmentRequest struct {
	ProjectID int64  `json:"project_id"`
	PRNumber  int    `json:"pr_number"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
	BuildID   *int64 `json:"build_id,omitempty"`
}

func (s *Server) handleRequestEnvironment(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid request body"))
		return
	}
	if req.PRNumber <= 0 {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("pr_number must be positive"))
		return
	}

	env, err := s.environments.Request(r.Context(), environments.Request{
		ProjectID: req.ProjectID,
		PRNumber:  req.PRNumber,
		Branch:    req.Branch,
		CommitSHA: req.CommitSHA,
		BuildID:   req.BuildID,
	})
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleTouchEnvironment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "envID"), 10, 64)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid environment id"))
		return
	}

	env, err := s.environments.Touch(r.Context(), id)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}
