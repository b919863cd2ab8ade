// Package seed registers projects from a YAML file. Seeding is
// idempotent: repositories already present are left untouched, so the
// same file can be applied at every start and re-applied on change.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

// File is the root of a seed document.
type File struct {
	Projects []Project `yaml:"projects"`
}

// Project describes one repository registration. Pipeline carries the
// pipeline document verbatim; it is stored as the project's
// pipeline_config.
type Project struct {
	Name          string    `yaml:"name"`
	GitHubRepo    string    `yaml:"github_repo"`
	DefaultBranch string    `yaml:"default_branch"`
	Pipeline      yaml.Node `yaml:"pipeline"`
	Triggers      []Trigger `yaml:"triggers"`
}

// Trigger couples a project to an event kind and optional branch glob.
type Trigger struct {
	Event  string `yaml:"event"`
	Branch string `yaml:"branch"`
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, p := range f.Projects {
		if p.Name == "" || p.GitHubRepo == "" {
			return nil, fmt.Errorf("seed project %d: name and github_repo are required", i)
		}
	}
	return &f, nil
}

// Seeder applies seed files against the store.
type Seeder struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{store: st, logger: logger}
}

// ApplyFile loads the file at path and applies it. Returns the number
// of projects created.
func (s *Seeder) ApplyFile(ctx context.Context, path string) (int, error) {
	f, err := Load(path)
	if err != nil {
		return 0, err
	}
	return s.Apply(ctx, f)
}

// Apply registers every project the store does not already know. Known
// repositories are skipped wholesale, triggers included, so edits to an
// existing entry never mutate a live project.
func (s *Seeder) Apply(ctx context.Context, f *File) (int, error) {
	created := 0
	for _, p := range f.Projects {
		existing, err := s.store.FindProjectByRepo(ctx, p.GitHubRepo)
		if err != nil {
			return created, fmt.Errorf("find project %s: %w", p.GitHubRepo, err)
		}
		if existing != nil {
			s.logger.Debug("Seed project already registered",
				logfields.Repository(p.GitHubRepo))
			continue
		}

		pipeline, err := pipelineJSON(p.Pipeline)
		if err != nil {
			return created, fmt.Errorf("seed project %s: %w", p.GitHubRepo, err)
		}

		project, err := s.store.CreateProject(ctx, store.NewProject{
			Name:           p.Name,
			GitHubRepo:     p.GitHubRepo,
			DefaultBranch:  p.DefaultBranch,
			PipelineConfig: pipeline,
		})
		if err != nil {
			return created, fmt.Errorf("create project %s: %w", p.GitHubRepo, err)
		}
		for _, t := range p.Triggers {
			var pattern *string
			if t.Branch != "" {
				pattern = &t.Branch
			}
			if _, err := s.store.CreateTrigger(ctx, project.ID, t.Event, pattern); err != nil {
				return created, fmt.Errorf("create trigger for %s: %w", p.GitHubRepo, err)
			}
		}
		created++
		s.logger.Info("Seeded project",
			logfields.ProjectID(project.ID),
			logfields.Repository(project.GitHubRepo))
	}
	return created, nil
}

// pipelineJSON re-encodes the YAML pipeline node as JSON for storage.
// An absent node yields nil so the project falls back to its in-repo
// pipeline file.
func pipelineJSON(node yaml.Node) (json.RawMessage, error) {
	if node.IsZero() {
		return nil, nil
	}
	var doc any
	if err := node.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline: %w", err)
	}
	return raw, nil
}
