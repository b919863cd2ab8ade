package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateProject registers a repository and returns the stored row.
func (s *Store) CreateProject(ctx context.Context, p NewProject) (*Project, error) {
	tenant := p.TenantID
	if tenant == "" {
		tenant = DefaultTenantID.String()
	}
	branch := p.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	created := now()

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO ci_projects (tenant_id, name, github_repo, default_branch, pipeline_config, active, create_date)
		VALUES (?, ?, ?, ?, ?, TRUE, ?)
		RETURNING id`),
		tenant, p.Name, p.GitHubRepo, branch, rawJSONOrNil(p.PipelineConfig), created,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	return &Project{
		ID:             id,
		TenantID:       tenant,
		Name:           p.Name,
		GitHubRepo:     p.GitHubRepo,
		DefaultBranch:  branch,
		PipelineConfig: p.PipelineConfig,
		Active:         true,
		CreateDate:     created,
	}, nil
}

// GetProject returns the project by id, or nil when absent.
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		selectProject+` WHERE id = ?`), id)
	return scanProject(row)
}

// FindProjectByRepo resolves an active project by its owner/name slug.
// Unknown or inactive repositories return nil.
func (s *Store) FindProjectByRepo(ctx context.Context, repo string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		selectProject+` WHERE github_repo = ? AND active = TRUE`), repo)
	return scanProject(row)
}

// ListProjects returns all active projects in creation order.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, selectProject+` WHERE active = TRUE ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// UpdateProjectPipeline replaces the stored pipeline definition.
func (s *Store) UpdateProjectPipeline(ctx context.Context, id int64, pipeline []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ci_projects SET pipeline_config = ? WHERE id = ?`),
		rawJSONOrNil(pipeline), id)
	if err != nil {
		return fmt.Errorf("update project pipeline: %w", err)
	}
	return nil
}

// CreateTrigger attaches an advisory trigger to a project.
func (s *Store) CreateTrigger(ctx context.Context, projectID int64, eventType string, branchPattern *string) (*Trigger, error) {
	tenant := DefaultTenantID.String()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO ci_triggers (tenant_id, project_id, event_type, branch_pattern, active)
		VALUES (?, ?, ?, ?, TRUE)
		RETURNING id`),
		tenant, projectID, eventType, branchPattern,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert trigger: %w", err)
	}
	return &Trigger{
		ID:            id,
		TenantID:      tenant,
		ProjectID:     projectID,
		EventType:     eventType,
		BranchPattern: branchPattern,
		Active:        true,
	}, nil
}

// TriggersForProject returns the active triggers of a project.
func (s *Store) TriggersForProject(ctx context.Context, projectID int64) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, project_id, event_type, branch_pattern, active
		FROM ci_triggers WHERE project_id = ? AND active = TRUE ORDER BY id ASC`),
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		var t Trigger
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ProjectID, &t.EventType, &t.BranchPattern, &t.Active); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return triggers, nil
}

const selectProject = `
	SELECT id, tenant_id, name, github_repo, default_branch, pipeline_config, active, create_date
	FROM ci_projects`

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var pipeline sql.NullString
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.GitHubRepo, &p.DefaultBranch, &pipeline, &p.Active, &p.CreateDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if pipeline.Valid {
		p.PipelineConfig = []byte(pipeline.String)
	}
	return &p, nil
}

func scanProjectRow(rows *sql.Rows) (*Project, error) {
	var p Project
	var pipeline sql.NullString
	if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.GitHubRepo, &p.DefaultBranch, &pipeline, &p.Active, &p.CreateDate); err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if pipeline.Valid {
		p.PipelineConfig = []byte(pipeline.String)
	}
	return &p, nil
}

// rawJSONOrNil keeps empty or null pipeline definitions as SQL NULL so
// dialects agree on the stored value.
func rawJSONOrNil(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}
