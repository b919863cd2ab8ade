package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Build status values. Transitions follow pending → running → terminal;
// cancelled is a valid terminal reserved for operator action.
const (
	BuildStatusPending   = "pending"
	BuildStatusRunning   = "running"
	BuildStatusSuccess   = "success"
	BuildStatusFailure   = "failure"
	BuildStatusCancelled = "cancelled"
)

// Step status values. Skipped steps are recorded as failure with exit -1.
const (
	StepStatusRunning = "running"
	StepStatusSuccess = "success"
	StepStatusFailure = "failure"
)

// Environment lifecycle states.
const (
	EnvStatusRequested = "requested"
	EnvStatusCreating  = "creating"
	EnvStatusRunning   = "running"
	EnvStatusDormant   = "dormant"
	EnvStatusDestroyed = "destroyed"
)

// Canonical error workflow states.
const (
	ErrorStatusOpen         = "open"
	ErrorStatusAcknowledged = "acknowledged"
	ErrorStatusResolved     = "resolved"
)

// DefaultTenantID attributes rows to the single-tenant fallback until a
// tenant resolver fronts the intake path.
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Project is a registered repository with its pipeline definition.
type Project struct {
	ID             int64           `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Name           string          `json:"name"`
	GitHubRepo     string          `json:"github_repo"`
	DefaultBranch  string          `json:"default_branch"`
	PipelineConfig json.RawMessage `json:"pipeline_config,omitempty"`
	Active         bool            `json:"active"`
	CreateDate     time.Time       `json:"create_date"`
}

// NewProject carries the caller-supplied fields for project creation.
type NewProject struct {
	TenantID       string
	Name           string
	GitHubRepo     string
	DefaultBranch  string
	PipelineConfig json.RawMessage
}

// Trigger couples a project to an event kind and optional branch glob.
// Evaluation is advisory in v1: admission is by project registration alone.
type Trigger struct {
	ID            int64   `json:"id"`
	TenantID      string  `json:"tenant_id"`
	ProjectID     int64   `json:"project_id"`
	EventType     string  `json:"event_type"`
	BranchPattern *string `json:"branch_pattern,omitempty"`
	Active        bool    `json:"active"`
}

// Build is one attempted execution of a project pipeline against a commit.
type Build struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ProjectID    int64           `json:"project_id"`
	CommitSHA    string          `json:"commit_sha"`
	Branch       string          `json:"branch"`
	PRNumber     *int            `json:"pr_number,omitempty"`
	Author       *string         `json:"author,omitempty"`
	Message      *string         `json:"message,omitempty"`
	Fingerprint  string          `json:"fingerprint"`
	TriggerEvent string          `json:"trigger_event"`
	Status       string          `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	CreateDate   time.Time       `json:"create_date"`
	Steps        []Step          `json:"steps,omitempty"`
}

// NewBuild carries the caller-supplied fields for build admission.
type NewBuild struct {
	TenantID     string
	ProjectID    int64
	CommitSHA    string
	Branch       string
	PRNumber     *int
	Author       string
	Message      string
	Fingerprint  string
	TriggerEvent string
}

// Step is one command of a build pipeline with captured output.
type Step struct {
	ID         int64      `json:"id"`
	TenantID   string     `json:"tenant_id"`
	BuildID    int64      `json:"build_id"`
	Name       string     `json:"name"`
	Sequence   int        `json:"sequence"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Stdout     *string    `json:"stdout,omitempty"`
	Stderr     *string    `json:"stderr,omitempty"`
}

// ErrorRecord is a canonical, deduplicated failure keyed by
// (tenant, fingerprint).
type ErrorRecord struct {
	ID              int64     `json:"id"`
	TenantID        string    `json:"tenant_id"`
	ProjectID       *int64    `json:"project_id,omitempty"`
	Fingerprint     string    `json:"fingerprint"`
	Category        string    `json:"category"`
	Severity        string    `json:"severity"`
	Title           string    `json:"title"`
	FilePath        *string   `json:"file_path,omitempty"`
	LineNumber      *int      `json:"line_number,omitempty"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	OccurrenceCount int       `json:"occurrence_count"`
	Status          string    `json:"status"`
	AssignedTo      *string   `json:"assigned_to,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	RawText         string    `json:"raw_text"`
	NormalizedText  string    `json:"normalized_text"`
}

// ErrorUpsert carries one classified failure into the upsert transaction.
type ErrorUpsert struct {
	TenantID       string
	ProjectID      *int64
	BuildID        int64
	StepName       string
	RawText        string
	NormalizedText string
	Fingerprint    string
	Category       string
	Title          string
}

// ErrorOccurrence binds a canonical error to the build and step it
// appeared in. Immutable after insert.
type ErrorOccurrence struct {
	ID       int64   `json:"id"`
	TenantID string  `json:"tenant_id"`
	ErrorID  int64   `json:"error_id"`
	BuildID  int64   `json:"build_id"`
	StepName string  `json:"step_name"`
	RawOut   *string `json:"raw_output,omitempty"`
}

// Environment is an ephemeral review environment for a pull request.
type Environment struct {
	ID             int64      `json:"id"`
	TenantID       string     `json:"tenant_id"`
	ProjectID      int64      `json:"project_id"`
	BuildID        *int64     `json:"build_id,omitempty"`
	PRNumber       int        `json:"pr_number"`
	Branch         string     `json:"branch"`
	CommitSHA      string     `json:"commit_sha"`
	Status         string     `json:"status"`
	URL            *string    `json:"url,omitempty"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	IdleTimeoutMin int        `json:"idle_timeout_min"`
	CreateDate     time.Time  `json:"create_date"`
	WriteDate      time.Time  `json:"write_date"`
}

// NewEnvironment carries the request fields for environment admission.
type NewEnvironment struct {
	TenantID       string
	ProjectID      int64
	BuildID        *int64
	PRNumber       int
	Branch         string
	CommitSHA      string
	IdleTimeoutMin int
}

// EnvironmentCounts is the admission snapshot checked against the caps.
type EnvironmentCounts struct {
	Running int
	ForPR   int
	Global  int
}

// Artifact is a named inline blob attached to a build.
type Artifact struct {
	ID           int64     `json:"id"`
	TenantID     string    `json:"tenant_id"`
	BuildID      int64     `json:"build_id"`
	Name         string    `json:"name"`
	ArtifactType string    `json:"artifact_type"`
	Content      *string   `json:"content,omitempty"`
	SizeBytes    *int64    `json:"size_bytes,omitempty"`
	CreateDate   time.Time `json:"create_date"`
}

// NewArtifact carries the fields for artifact insertion.
type NewArtifact struct {
	TenantID     string
	BuildID      int64
	Name         string
	ArtifactType string
	Content      string
}
