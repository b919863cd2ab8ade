package store

import "strings"

// schemaSQL is the canonical DDL, written for Postgres. The SQLite variant
// is derived by substitution in schema(). All eight tables carry tenant_id,
// active, and the create/write audit columns; the Go layer stamps
// timestamps explicitly so the DEFAULTs only matter for out-of-band
// inserts.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS ci_projects (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000001',
    name            VARCHAR(255) NOT NULL,
    github_repo     VARCHAR(255) NOT NULL UNIQUE,
    default_branch  VARCHAR(255) NOT NULL DEFAULT 'main',
    pipeline_config JSONB,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    create_uid      BIGINT,
    create_date     TIMESTAMPTZ DEFAULT NOW(),
    write_uid       BIGINT,
    write_date      TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ci_projects_repo ON ci_projects (github_repo);
CREATE INDEX IF NOT EXISTS idx_ci_projects_tenant ON ci_projects (tenant_id);

CREATE TABLE IF NOT EXISTS ci_triggers (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000001',
    project_id      BIGINT NOT NULL REFERENCES ci_projects(id) ON DELETE CASCADE,
    event_type      VARCHAR(32) NOT NULL,
    branch_pattern  VARCHAR(255),
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    create_uid      BIGINT,
    create_date     TIMESTAMPTZ DEFAULT NOW(),
    write_uid       BIGINT,
    write_date      TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ci_builds (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000001',
    project_id      BIGINT NOT NULL REFERENCES ci_projects(id) ON DELETE CASCADE,
    commit_sha      VARCHAR(40) NOT NULL,
    branch          VARCHAR(255) NOT NULL,
    pr_number       INTEGER,
    author          VARCHAR(255),
    message         TEXT,
    fingerprint     VARCHAR(64) NOT NULL,
    trigger_event   VARCHAR(32) NOT NULL,
    status          VARCHAR(32) NOT NULL DEFAULT 'pending',
    started_at      TIMESTAMPTZ,
    finished_at     TIMESTAMPTZ,
    duration_ms     INTEGER,
    summary         JSONB,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    create_uid      BIGINT,
    create_date     TIMESTAMPTZ DEFAULT NOW(),
    write_uid       BIGINT,
    write_date      TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ci_builds_fingerprint ON ci_builds (fingerprint);
CREATE INDEX IF NOT EXISTS idx_ci_builds_branch ON ci_builds (branch);
CREATE INDEX IF NOT EXISTS idx_ci_builds_status ON ci_builds (status);
CREATE INDEX IF NOT EXISTS idx_ci_builds_created ON ci_builds (create_date DESC);
CREATE INDEX IF NOT EXISTS idx_ci_builds_project ON ci_builds (project_id);
CREATE INDEX IF NOT EXISTS idx_ci_builds_tenant ON ci_builds (tenant_id);

CREATE TABLE IF NOT EXISTS ci_build_steps (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000001',
    build_id        BIGINT NOT NULL REFERENCES ci_builds(id) ON DELETE CASCADE,
    name            VARCHAR(64) NOT NULL,
    sequence        INTEGER NOT NULL DEFAULT 0,
    status          VARCHAR(32) NOT NULL DEFAULT 'pending',
    started_at      TIMESTAMPTZ,
    finished_at     TIMESTAMPTZ,
    duration_ms     INTEGER,
    exit_code       INTEGER,
    stdout          TEXT,
    stderr          TEXT,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    create_uid      BIGINT,
    create_date     TIMESTAMPTZ DEFAULT NOW(),
    write_uid       BIGINT,
    write_date      TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ci_build_steps_build ON ci_build_steps (build_id);

CREATE TABLE IF NOT EXISTS ci_environments (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000001',
    project_id      BIGINT NOT NULL REFERENCES ci_projects(id) ON DELETE CASCADE,
    build_id        BIGINT REFERENCES ci_builds(id),
    pr_number       INTEGER NOT NULL,
    branch          VARCHAR(255) NOT NULL,
    commit_sha      VARCHAR(40) NOT NULL,
    status          VARCHAR(32) NOT NULL DEFAULT 'requested',
    url             VARCHAR(512),
    last_activity   TIMESTAMPTZ,
    idle_timeout_min INTEGER NOT NULL DEFAULT 60,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    create_uid      BIGINT,
    create_date     TIMESTAMPTZ DEFAULT NOW(),
    write_uid       BIGINT,
    write_date      TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ci_environments_status ON ci_environments (status);
CREATE INDEX IF NOT EXISTS idx_ci_environments_project ON ci_environments (project_id);
CREATE INDEX IF NOT EXISTS idx_ci_environments_tenant ON ci_environments (tenant_id);

CREATE TABLE IF NOT EXISTS ci_errors (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000001',
    project_id      BIGINT REFERENCES ci_projects(id),
    fingerprint     VARCHAR(64) NOT NULL,
    category        VARCHAR(32) NOT NULL,
    severity        VARCHAR(16) NOT NULL DEFAULT 'error',
    title           VARCHAR(500) NOT NULL,
    file_path       VARCHAR(500),
    line_number     INTEGER,
    first_seen_at   TIMESTAMPTZ NOT NULL,
    last_seen_at    TIMESTAMPTZ NOT NULL,
    occurrence_count INTEGER NOT NULL DEFAULT 1,
    status          VARCHAR(16) NOT NULL DEFAULT 'open',
    assigned_to     VARCHAR(255),
    notes           TEXT,
    raw_text        TEXT NOT NULL,
    normalized_text TEXT NOT NULL,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    create_uid      BIGINT,
    create_date     TIMESTAMPTZ DEFAULT NOW(),
    write_uid       BIGINT,
    write_date      TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ci_errors_fingerprint ON ci_errors (fingerprint);
CREATE INDEX IF NOT EXISTS idx_ci_errors_status ON ci_errors (status);
CREATE INDEX IF NOT EXISTS idx_ci_errors_tenant ON ci_errors (tenant_id);

CREATE TABLE IF NOT EXISTS ci_error_occurrences (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000001',
    error_id        BIGINT NOT NULL REFERENCES ci_errors(id) ON DELETE CASCADE,
    build_id        BIGINT NOT NULL REFERENCES ci_builds(id) ON DELETE CASCADE,
    step_name       VARCHAR(64) NOT NULL,
    raw_output      TEXT,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    create_uid      BIGINT,
    create_date     TIMESTAMPTZ DEFAULT NOW(),
    write_uid       BIGINT,
    write_date      TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ci_artifacts (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000001',
    build_id        BIGINT NOT NULL REFERENCES ci_builds(id) ON DELETE CASCADE,
    name            VARCHAR(255) NOT NULL,
    artifact_type   VARCHAR(32) NOT NULL,
    content         TEXT,
    size_bytes      BIGINT,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    create_uid      BIGINT,
    create_date     TIMESTAMPTZ DEFAULT NOW(),
    write_uid       BIGINT,
    write_date      TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ci_artifacts_build ON ci_artifacts (build_id);
`

// schema returns the DDL for the active dialect. SQLite understands most of
// the Postgres DDL through type affinity; the replacements cover the parts
// it does not.
func (s *Store) schema() string {
	if s.dialect == dialectPostgres {
		return schemaSQL
	}
	r := strings.NewReplacer(
		"BIGSERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"TIMESTAMPTZ", "TIMESTAMP",
		"NOW()", "CURRENT_TIMESTAMP",
		"JSONB", "TEXT",
		"UUID", "TEXT",
	)
	return r.Replace(schemaSQL)
}
