package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertErrorWithOccurrence folds one classified failure into the
// canonical error keyed by (tenant, fingerprint) and appends an
// occurrence row, all in one transaction. Returns the canonical error id.
func (s *Store) UpsertErrorWithOccurrence(ctx context.Context, e ErrorUpsert) (int64, error) {
	tenant := e.TenantID
	if tenant == "" {
		tenant = DefaultTenantID.String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin error upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seen := now()
	var errorID int64
	var count int
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT id, occurrence_count FROM ci_errors WHERE tenant_id = ? AND fingerprint = ?`),
		tenant, e.Fingerprint,
	).Scan(&errorID, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO ci_errors (tenant_id, project_id, fingerprint, category, severity, title,
			                       first_seen_at, last_seen_at, occurrence_count, status,
			                       raw_text, normalized_text, create_date, write_date)
			VALUES (?, ?, ?, ?, 'error', ?, ?, ?, 1, 'open', ?, ?, ?, ?)
			RETURNING id`),
			tenant, e.ProjectID, e.Fingerprint, e.Category, e.Title,
			seen, seen, e.RawText, e.NormalizedText, seen, seen,
		).Scan(&errorID)
		if err != nil {
			return 0, fmt.Errorf("insert error: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("select error by fingerprint: %w", err)
	default:
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE ci_errors SET occurrence_count = ?, last_seen_at = ?, write_date = ? WHERE id = ?`),
			count+1, seen, seen, errorID)
		if err != nil {
			return 0, fmt.Errorf("update error count: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO ci_error_occurrences (tenant_id, error_id, build_id, step_name, raw_output, create_date, write_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		tenant, errorID, e.BuildID, e.StepName, nullIfEmpty(e.RawText), seen, seen)
	if err != nil {
		return 0, fmt.Errorf("insert error occurrence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit error upsert: %w", err)
	}
	return errorID, nil
}

// GetError returns the canonical error by id, or nil when absent.
func (s *Store) GetError(ctx context.Context, id int64) (*ErrorRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectError+` WHERE id = ?`), id)
	e, err := scanErrorFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return e, nil
}

// ListErrors returns canonical errors ordered by recency of last sighting.
func (s *Store) ListErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		selectError+` ORDER BY last_seen_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	var records []ErrorRecord
	for rows.Next() {
		e, err := scanErrorFields(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		records = append(records, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", err)
	}
	return records, nil
}

// OccurrencesForError returns the occurrence rows of a canonical error,
// oldest first.
func (s *Store) OccurrencesForError(ctx context.Context, errorID int64) ([]ErrorOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, error_id, build_id, step_name, raw_output
		FROM ci_error_occurrences WHERE error_id = ? ORDER BY id ASC`),
		errorID)
	if err != nil {
		return nil, fmt.Errorf("query error occurrences: %w", err)
	}
	defer rows.Close()

	var occurrences []ErrorOccurrence
	for rows.Next() {
		var o ErrorOccurrence
		if err := rows.Scan(&o.ID, &o.TenantID, &o.ErrorID, &o.BuildID, &o.StepName, &o.RawOut); err != nil {
			return nil, fmt.Errorf("scan error occurrence: %w", err)
		}
		occurrences = append(occurrences, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error occurrences: %w", err)
	}
	return occurrences, nil
}

const selectError = `
	SELECT id, tenant_id, project_id, fingerprint, category, severity, title,
	       file_path, line_number, first_seen_at, last_seen_at, occurrence_count,
	       status, assigned_to, notes, raw_text, normalized_text
	FROM ci_errors`

func scanErrorFields(row rowScanner) (*ErrorRecord, error) {
	var e ErrorRecord
	err := row.Scan(&e.ID, &e.TenantID, &e.ProjectID, &e.Fingerprint, &e.Category,
		&e.Severity, &e.Title, &e.FilePath, &e.LineNumber, &e.FirstSeenAt,
		&e.LastSeenAt, &e.OccurrenceCount, &e.Status, &e.AssignedTo, &e.Notes,
		&e.RawText, &e.NormalizedText)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
