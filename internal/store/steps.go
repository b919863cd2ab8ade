package store

import (
	"context"
	"fmt"
)

// AppendStepRunning inserts a step row in running state with started_at
// stamped, and returns it. Sequence is the 1-based pipeline position.
func (s *Store) AppendStepRunning(ctx context.Context, tenantID string, buildID int64, name string, sequence int) (*Step, error) {
	if tenantID == "" {
		tenantID = DefaultTenantID.String()
	}
	started := now()

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO ci_build_steps (tenant_id, build_id, name, sequence, status, started_at, create_date, write_date)
		VALUES (?, ?, ?, ?, 'running', ?, ?, ?)
		RETURNING id`),
		tenantID, buildID, name, sequence, started, started, started,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}

	return &Step{
		ID:        id,
		TenantID:  tenantID,
		BuildID:   buildID,
		Name:      name,
		Sequence:  sequence,
		Status:    StepStatusRunning,
		StartedAt: &started,
	}, nil
}

// FinalizeStep records the outcome of a step and returns the updated
// row. Status is derived from the exit code: zero means success,
// anything else failure.
func (s *Store) FinalizeStep(ctx context.Context, id int64, exitCode int, durationMS int64, stdout, stderr string) (*Step, error) {
	status := StepStatusFailure
	if exitCode == 0 {
		status = StepStatusSuccess
	}
	finished := now()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ci_build_steps
		SET status = ?, finished_at = ?, duration_ms = ?, exit_code = ?, stdout = ?, stderr = ?, write_date = ?
		WHERE id = ?`),
		status, finished, durationMS, exitCode,
		nullIfEmpty(stdout), nullIfEmpty(stderr), finished, id)
	if err != nil {
		return nil, fmt.Errorf("finalize step: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		return nil, fmt.Errorf("finalize step %d: not found", id)
	}

	st, err := scanStep(s.db.QueryRowContext(ctx, s.rebind(selectStep+` WHERE id = ?`), id))
	if err != nil {
		return nil, fmt.Errorf("reload step: %w", err)
	}
	return st, nil
}

// StepsForBuild returns the steps of a build in sequence order.
func (s *Store) StepsForBuild(ctx context.Context, buildID int64) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectStep+` WHERE build_id = ? ORDER BY sequence ASC`), buildID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

const selectStep = `
	SELECT id, tenant_id, build_id, name, sequence, status, started_at, finished_at,
	       duration_ms, exit_code, stdout, stderr
	FROM ci_build_steps`

func scanStep(row rowScanner) (*Step, error) {
	var st Step
	err := row.Scan(&st.ID, &st.TenantID, &st.BuildID, &st.Name, &st.Sequence,
		&st.Status, &st.StartedAt, &st.FinishedAt, &st.DurationMS,
		&st.ExitCode, &st.Stdout, &st.Stderr)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
