package api

import (
	"net/http"
	"strconv"

	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
)

const defaultKPIDays = 30

// kpiDays reads the optional days query parameter. Absent or unparseable
// values fall back to the default window rather than rejecting the call.
func kpiDays(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || n <= 0 {
		return defaultKPIDays
	}
	return n
}

func (s *Server) handleKPISuccessRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.store.KPISuccessRate(r.Context(), kpiDays(r))
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("kpi success rate", err))
		return
	}
	s.writeJSON(w, http.StatusOK, rate)
}

func (s *Server) handleKPIAvgDuration(w http.ResponseWriter, r *http.Request) {
	avg, err := s.store.KPIAvgDuration(r.Context(), kpiDays(r))
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("kpi avg duration", err))
		return
	}
	s.writeJSON(w, http.StatusOK, avg)
}

func (s *Server) handleKPIEnvUtilization(w http.ResponseWriter, r *http.Request) {
	util, err := s.store.KPIEnvUtilization(r.Context())
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("kpi env utilization", err))
		return
	}
	s.writeJSON(w, http.StatusOK, util)
}

func (s *Server) handleKPIBuildsByStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.KPIBuildsByStatus(r.Context(), kpiDays(r))
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("kpi builds by status", err))
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}
