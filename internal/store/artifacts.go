package store

import (
	"context"
	"fmt"
)

// InsertArtifact stores an inline artifact blob for a build. Size is
// recorded from the content length at insert time.
func (s *Store) InsertArtifact(ctx context.Context, a NewArtifact) (*Artifact, error) {
	tenant := a.TenantID
	if tenant == "" {
		tenant = DefaultTenantID.String()
	}
	created := now()
	size := int64(len(a.Content))

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO ci_artifacts (tenant_id, build_id, name, artifact_type, content, size_bytes, create_date, write_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		tenant, a.BuildID, a.Name, a.ArtifactType, nullIfEmpty(a.Content), size, created, created,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}

	artifact := &Artifact{
		ID:           id,
		TenantID:     tenant,
		BuildID:      a.BuildID,
		Name:         a.Name,
		ArtifactType: a.ArtifactType,
		SizeBytes:    &size,
		CreateDate:   created,
	}
	if a.Content != "" {
		artifact.Content = &a.Content
	}
	return artifact, nil
}

// ArtifactsForBuild returns the artifacts of a build in insertion order.
func (s *Store) ArtifactsForBuild(ctx context.Context, buildID int64) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, build_id, name, artifact_type, content, size_bytes, create_date
		FROM ci_artifacts WHERE build_id = ? ORDER BY id ASC`),
		buildID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		err := rows.Scan(&a.ID, &a.TenantID, &a.BuildID, &a.Name, &a.ArtifactType,
			&a.Content, &a.SizeBytes, &a.CreateDate)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}
