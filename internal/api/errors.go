package api

import (
	"net/http"
	"strconv"

	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.errorAdapter.WriteErrorResponse(w, r,
				cierrors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := s.store.ListErrors(r.Context(), limit)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("list errors", err))
		return
	}
	if records == nil {
		records = []store.ErrorRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}
