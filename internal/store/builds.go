package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertBuild enqueues a pending build and returns the stored row.
func (s *Store) InsertBuild(ctx context.Context, b NewBuild) (*Build, error) {
	tenant := b.TenantID
	if tenant == "" {
		tenant = DefaultTenantID.String()
	}
	created := now()

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO ci_builds (tenant_id, project_id, commit_sha, branch, pr_number, author, message, fingerprint, trigger_event, status, create_date, write_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		RETURNING id`),
		tenant, b.ProjectID, b.CommitSHA, b.Branch, b.PRNumber,
		nullIfEmpty(b.Author), nullIfEmpty(b.Message),
		b.Fingerprint, b.TriggerEvent, created, created,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert build: %w", err)
	}

	build := &Build{
		ID:           id,
		TenantID:     tenant,
		ProjectID:    b.ProjectID,
		CommitSHA:    b.CommitSHA,
		Branch:       b.Branch,
		PRNumber:     b.PRNumber,
		Fingerprint:  b.Fingerprint,
		TriggerEvent: b.TriggerEvent,
		Status:       BuildStatusPending,
		CreateDate:   created,
	}
	if b.Author != "" {
		build.Author = &b.Author
	}
	if b.Message != "" {
		build.Message = &b.Message
	}
	return build, nil
}

// IsDuplicate reports whether a build with the same fingerprint was
// created inside the throttle window, regardless of its outcome.
func (s *Store) IsDuplicate(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	cutoff := now().Add(-window)
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM ci_builds WHERE fingerprint = ? AND create_date > ?`),
		fingerprint, cutoff,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count duplicates: %w", err)
	}
	return count > 0, nil
}

// CountRunning returns the number of builds currently executing.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ci_builds WHERE status = 'running' AND active = TRUE`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running builds: %w", err)
	}
	return count, nil
}

// ClaimNextPending atomically promotes the oldest pending build to
// running and stamps started_at. Returns nil when the queue is empty or
// another worker won the claim.
func (s *Store) ClaimNextPending(ctx context.Context) (*Build, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM ci_builds WHERE status = 'pending' AND active = TRUE ORDER BY id ASC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending build: %w", err)
	}

	started := now()
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE ci_builds SET status = 'running', started_at = ?, write_date = ?
		WHERE id = ? AND status = 'pending'`),
		started, started, id)
	if err != nil {
		return nil, fmt.Errorf("claim build: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim build: %w", err)
	}
	if affected == 0 {
		// Another worker claimed it between select and update.
		return nil, nil
	}

	build, err := scanBuild(tx.QueryRowContext(ctx, s.rebind(selectBuild+` WHERE id = ?`), id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return build, nil
}

// GetBuild returns the build by id without steps, or nil when absent.
func (s *Store) GetBuild(ctx context.Context, id int64) (*Build, error) {
	return scanBuild(s.db.QueryRowContext(ctx, s.rebind(selectBuild+` WHERE id = ?`), id))
}

// GetBuildWithSteps returns the build and its steps in sequence order,
// or nil when the build is absent.
func (s *Store) GetBuildWithSteps(ctx context.Context, id int64) (*Build, error) {
	build, err := s.GetBuild(ctx, id)
	if err != nil || build == nil {
		return build, err
	}
	steps, err := s.StepsForBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	build.Steps = steps
	return build, nil
}

// ListBuilds returns the newest builds first, each with its steps.
func (s *Store) ListBuilds(ctx context.Context, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(selectBuild+` ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuildRow(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	for i := range builds {
		steps, err := s.StepsForBuild(ctx, builds[i].ID)
		if err != nil {
			return nil, err
		}
		builds[i].Steps = steps
	}
	return builds, nil
}

// LatestBuild returns the newest build for a project and branch, or nil
// when the pair has never built.
func (s *Store) LatestBuild(ctx context.Context, projectID int64, branch string) (*Build, error) {
	return scanBuild(s.db.QueryRowContext(ctx, s.rebind(
		selectBuild+` WHERE project_id = ? AND branch = ? ORDER BY id DESC LIMIT 1`),
		projectID, branch))
}

// FinalizeBuild records the terminal status, stamps finished_at, and
// derives duration_ms from the stored started_at inside one transaction.
// Returns the finalized row.
func (s *Store) FinalizeBuild(ctx context.Context, id int64, status string, summary json.RawMessage) (*Build, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var startedAt *time.Time
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT started_at FROM ci_builds WHERE id = ?`), id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finalize build %d: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("select build start: %w", err)
	}

	finished := now()
	var durationMS *int64
	if startedAt != nil {
		d := finished.Sub(*startedAt).Milliseconds()
		durationMS = &d
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE ci_builds SET status = ?, finished_at = ?, duration_ms = ?, summary = ?, write_date = ?
		WHERE id = ?`),
		status, finished, durationMS, rawJSONOrNil(summary), finished, id)
	if err != nil {
		return nil, fmt.Errorf("finalize build: %w", err)
	}

	build, err := scanBuild(tx.QueryRowContext(ctx, s.rebind(selectBuild+` WHERE id = ?`), id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return build, nil
}

const selectBuild = `
	SELECT id, tenant_id, project_id, commit_sha, branch, pr_number, author, message,
	       fingerprint, trigger_event, status, started_at, finished_at, duration_ms,
	       summary, create_date
	FROM ci_builds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuildFields(row rowScanner) (*Build, error) {
	var b Build
	var summary sql.NullString
	err := row.Scan(&b.ID, &b.TenantID, &b.ProjectID, &b.CommitSHA, &b.Branch,
		&b.PRNumber, &b.Author, &b.Message, &b.Fingerprint, &b.TriggerEvent,
		&b.Status, &b.StartedAt, &b.FinishedAt, &b.DurationMS, &summary, &b.CreateDate)
	if err != nil {
		return nil, err
	}
	if summary.Valid {
		b.Summary = []byte(summary.String)
	}
	return &b, nil
}

func scanBuild(row *sql.Row) (*Build, error) {
	b, err := scanBuildFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan build: %w", err)
	}
	return b, nil
}

func scanBuildRow(rows *sql.Rows) (*Build, error) {
	b, err := scanBuildFields(rows)
	if err != nil {
		return nil, fmt.Errorf("scan build: %w", err)
	}
	return b, nil
}
