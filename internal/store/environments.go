package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateEnvironment inserts a review environment in requested state.
func (s *Store) CreateEnvironment(ctx context.Context, e NewEnvironment) (*Environment, error) {
	tenant := e.TenantID
	if tenant == "" {
		tenant = DefaultTenantID.String()
	}
	idle := e.IdleTimeoutMin
	if idle <= 0 {
		idle = 60
	}
	created := now()

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO ci_environments (tenant_id, project_id, build_id, pr_number, branch, commit_sha,
		                             status, idle_timeout_min, last_activity, create_date, write_date)
		VALUES (?, ?, ?, ?, ?, ?, 'requested', ?, ?, ?, ?)
		RETURNING id`),
		tenant, e.ProjectID, e.BuildID, e.PRNumber, e.Branch, e.CommitSHA,
		idle, created, created, created,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert environment: %w", err)
	}

	return &Environment{
		ID:             id,
		TenantID:       tenant,
		ProjectID:      e.ProjectID,
		BuildID:        e.BuildID,
		PRNumber:       e.PRNumber,
		Branch:         e.Branch,
		CommitSHA:      e.CommitSHA,
		Status:         EnvStatusRequested,
		LastActivity:   &created,
		IdleTimeoutMin: idle,
		CreateDate:     created,
		WriteDate:      created,
	}, nil
}

// GetEnvironment returns the environment by id, or nil when absent.
func (s *Store) GetEnvironment(ctx context.Context, id int64) (*Environment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectEnvironment+` WHERE id = ?`), id)
	e, err := scanEnvironmentFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan environment: %w", err)
	}
	return e, nil
}

// ListEnvironments returns non-destroyed environments, newest first.
func (s *Store) ListEnvironments(ctx context.Context) ([]Environment, error) {
	return s.queryEnvironments(ctx,
		selectEnvironment+` WHERE status != 'destroyed' ORDER BY id DESC`)
}

// ListEnvironmentsFor returns non-destroyed environments newest first,
// optionally narrowed to one project and one pull request.
func (s *Store) ListEnvironmentsFor(ctx context.Context, projectID *int64, prNumber *int) ([]Environment, error) {
	query := selectEnvironment + ` WHERE status != 'destroyed'`
	var args []any
	if projectID != nil {
		query += ` AND project_id = ?`
		args = append(args, *projectID)
	}
	if prNumber != nil {
		query += ` AND pr_number = ?`
		args = append(args, *prNumber)
	}
	return s.queryEnvironments(ctx, query+` ORDER BY id DESC`, args...)
}

// ListEnvironmentsByStatus returns environments in one state, oldest first
// so the reaper walks them in age order.
func (s *Store) ListEnvironmentsByStatus(ctx context.Context, status string) ([]Environment, error) {
	return s.queryEnvironments(ctx,
		selectEnvironment+` WHERE status = ? ORDER BY id ASC`, status)
}

// CountEnvironments returns the admission snapshot in one query: running
// environments, live environments for the PR, and live environments
// overall. Live means any state except destroyed.
func (s *Store) CountEnvironments(ctx context.Context, projectID int64, prNumber int) (EnvironmentCounts, error) {
	var c EnvironmentCounts
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FILTER (WHERE status = 'running'),
		       COUNT(*) FILTER (WHERE project_id = ? AND pr_number = ? AND status != 'destroyed'),
		       COUNT(*) FILTER (WHERE status != 'destroyed')
		FROM ci_environments`),
		projectID, prNumber,
	).Scan(&c.Running, &c.ForPR, &c.Global)
	if err != nil {
		return EnvironmentCounts{}, fmt.Errorf("count environments: %w", err)
	}
	return c, nil
}

// CountActiveEnvironments returns the number of non-destroyed
// environments, feeding the active-environments gauge.
func (s *Store) CountActiveEnvironments(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ci_environments WHERE status != 'destroyed'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active environments: %w", err)
	}
	return count, nil
}

// UpdateEnvironmentStatus moves an environment to the given state. A move
// to running also refreshes last_activity so idle accounting restarts.
func (s *Store) UpdateEnvironmentStatus(ctx context.Context, id int64, status string) error {
	stamp := now()
	var err error
	if status == EnvStatusRunning {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE ci_environments SET status = ?, last_activity = ?, write_date = ? WHERE id = ?`),
			status, stamp, stamp, id)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE ci_environments SET status = ?, write_date = ? WHERE id = ?`),
			status, stamp, id)
	}
	if err != nil {
		return fmt.Errorf("update environment status: %w", err)
	}
	return nil
}

// UpdateEnvironmentURL records the routable URL once provisioning knows it.
func (s *Store) UpdateEnvironmentURL(ctx context.Context, id int64, url string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ci_environments SET url = ?, write_date = ? WHERE id = ?`),
		nullIfEmpty(url), now(), id)
	if err != nil {
		return fmt.Errorf("update environment url: %w", err)
	}
	return nil
}

// TouchEnvironment refreshes last_activity, deferring idle reaping.
func (s *Store) TouchEnvironment(ctx context.Context, id int64) error {
	stamp := now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ci_environments SET last_activity = ?, write_date = ? WHERE id = ?`),
		stamp, stamp, id)
	if err != nil {
		return fmt.Errorf("touch environment: %w", err)
	}
	return nil
}

func (s *Store) queryEnvironments(ctx context.Context, query string, args ...any) ([]Environment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query environments: %w", err)
	}
	defer rows.Close()

	var envs []Environment
	for rows.Next() {
		e, err := scanEnvironmentFields(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate environments: %w", err)
	}
	return envs, nil
}

const selectEnvironment = `
	SELECT id, tenant_id, project_id, build_id, pr_number, branch, commit_sha,
	       status, url, last_activity, idle_timeout_min, create_date, write_date
	FROM ci_environments`

func scanEnvironmentFields(row rowScanner) (*Environment, error) {
	var e Environment
	err := row.Scan(&e.ID, &e.TenantID, &e.ProjectID, &e.BuildID, &e.PRNumber,
		&e.Branch, &e.CommitSHA, &e.Status, &e.URL, &e.LastActivity,
		&e.IdleTimeoutMin, &e.CreateDate, &e.WriteDate)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
