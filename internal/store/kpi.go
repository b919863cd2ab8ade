package store

import (
	"context"
	"fmt"
	"time"
)

// SuccessRate is the terminal-build success ratio over a trailing window.
type SuccessRate struct {
	Total   int     `json:"total"`
	Success int     `json:"success"`
	Rate    float64 `json:"rate"`
}

// AvgDuration is the mean build duration over a trailing window. AvgMS is
// nil when no build in the window carries a duration.
type AvgDuration struct {
	AvgMS *float64 `json:"avg_ms"`
	Count int      `json:"count"`
}

// EnvUtilization is a point-in-time census of review environments. Total
// excludes destroyed rows.
type EnvUtilization struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Dormant  int `json:"dormant"`
	Creating int `json:"creating"`
}

// StatusCount is one bucket of the builds-by-status breakdown.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// KPISuccessRate computes the success ratio of terminal builds created in
// the last days. Rate is zero when the window is empty.
func (s *Store) KPISuccessRate(ctx context.Context, days int) (SuccessRate, error) {
	var r SuccessRate
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'success')
		FROM ci_builds
		WHERE status IN ('success', 'failure') AND create_date >= ?`),
		kpiCutoff(days),
	).Scan(&r.Total, &r.Success)
	if err != nil {
		return SuccessRate{}, fmt.Errorf("query success rate: %w", err)
	}
	if r.Total > 0 {
		r.Rate = float64(r.Success) / float64(r.Total)
	}
	return r, nil
}

// KPIAvgDuration computes the mean duration_ms of builds created in the
// last days, counting only builds with a recorded duration.
func (s *Store) KPIAvgDuration(ctx context.Context, days int) (AvgDuration, error) {
	var d AvgDuration
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT AVG(duration_ms), COUNT(*)
		FROM ci_builds
		WHERE duration_ms IS NOT NULL AND create_date >= ?`),
		kpiCutoff(days),
	).Scan(&d.AvgMS, &d.Count)
	if err != nil {
		return AvgDuration{}, fmt.Errorf("query avg duration: %w", err)
	}
	return d, nil
}

// KPIEnvUtilization counts environments by state. Unwindowed: the census
// reflects the present, not a trailing period.
func (s *Store) KPIEnvUtilization(ctx context.Context) (EnvUtilization, error) {
	var u EnvUtilization
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status != 'destroyed'),
		       COUNT(*) FILTER (WHERE status = 'running'),
		       COUNT(*) FILTER (WHERE status = 'dormant'),
		       COUNT(*) FILTER (WHERE status = 'creating')
		FROM ci_environments`,
	).Scan(&u.Total, &u.Running, &u.Dormant, &u.Creating)
	if err != nil {
		return EnvUtilization{}, fmt.Errorf("query env utilization: %w", err)
	}
	return u, nil
}

// KPIBuildsByStatus breaks down builds created in the last days by
// status, most frequent first.
func (s *Store) KPIBuildsByStatus(ctx context.Context, days int) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT status, COUNT(*) AS cnt
		FROM ci_builds
		WHERE create_date >= ?
		GROUP BY status
		ORDER BY cnt DESC, status ASC`),
		kpiCutoff(days))
	if err != nil {
		return nil, fmt.Errorf("query builds by status: %w", err)
	}
	defer rows.Close()

	counts := []StatusCount{}
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func kpiCutoff(days int) time.Time {
	if days <= 0 {
		days = 7
	}
	return now().Add(-time.Duration(days) * 24 * time.Hour)
}
