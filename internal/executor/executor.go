// Package executor runs claimed builds to their terminal state:
// workspace acquisition, ordered step execution with per-step timeouts
// and output capture, fail-fast skipping, failure classification, and
// status reporting back to the forge.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/centrixsystems/centrix-ci/internal/classifier"
	"github.com/centrixsystems/centrix-ci/internal/events"
	"github.com/centrixsystems/centrix-ci/internal/forge"
	"github.com/centrixsystems/centrix-ci/internal/git"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/metrics"
	"github.com/centrixsystems/centrix-ci/internal/store"
	"github.com/centrixsystems/centrix-ci/internal/workspace"
)

const (
	// maxOutputBytes caps each captured stream; longer output keeps
	// only its tail.
	maxOutputBytes   = 64 * 1024
	truncationMarker = "...truncated...\n"

	// skippedStderr marks steps recorded after the first failure.
	skippedStderr = "Skipped (previous step failed)"

	// artifactTailBytes caps the log excerpt stored per failing step.
	artifactTailBytes = 8 * 1024

	forgeTimeout = 10 * time.Second
)

// Cloner performs the git operations behind workspace acquisition.
// *git.Client satisfies it.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch, dir string) error
	Checkout(dir, sha string) error
	PullFFOnly(ctx context.Context, dir string) error
}

// StatusPoster reports build outcomes back to the forge. *forge.Client
// satisfies it.
type StatusPoster interface {
	PostStatus(ctx context.Context, repo, sha, state, description, targetURL string) error
	PostPRComment(ctx context.Context, repo string, prNumber int, body string) error
}

// Deps carries the collaborators an Executor needs. Forge may be nil
// when forge reporting is not configured; Events, Metrics and Logger
// get defaults when nil.
type Deps struct {
	Store     *store.Store
	Git       Cloner
	Workspace *workspace.Manager
	Forge     StatusPoster
	Events    events.Publisher
	Metrics   metrics.Recorder
	Logger    *slog.Logger

	// BaseURL prefixes the target links attached to forge statuses.
	// Empty leaves statuses without a link.
	BaseURL string
}

// Executor drives builds to completion. Run may be invoked concurrently
// from multiple workers; builds sharing a pre-synced local path are
// serialized internally.
type Executor struct {
	store     *store.Store
	git       Cloner
	workspace *workspace.Manager
	forge     StatusPoster
	events    events.Publisher
	metrics   metrics.Recorder
	logger    *slog.Logger
	baseURL   string

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

// New wires an Executor.
func New(d Deps) *Executor {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := d.Events
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	rec := d.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Executor{
		store:     d.Store,
		git:       d.Git,
		workspace: d.Workspace,
		forge:     d.Forge,
		events:    pub,
		metrics:   rec,
		logger:    logger,
		baseURL:   d.BaseURL,
		pathLocks: make(map[string]*sync.Mutex),
	}
}

// Run executes one claimed build to a terminal status. Step failures
// are recorded, never returned; a non-nil error means the store was
// unavailable and the build row was left as it was.
func (e *Executor) Run(ctx context.Context, build *store.Build) error {
	logger := e.logger.With(logfields.BuildID(build.ID), logfields.ProjectID(build.ProjectID))
	logger.Info("Executing build", logfields.Branch(build.Branch), logfields.Commit(build.CommitSHA))

	// Store writes survive a cancelled build so a killed step still
	// leaves finalized rows behind.
	dbCtx := context.WithoutCancel(ctx)

	project, err := e.store.GetProject(dbCtx, build.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", build.ProjectID, err)
	}
	if project == nil {
		e.failBuild(dbCtx, build, nil, "project not found")
		return nil
	}

	pl := ParsePipeline(project.PipelineConfig)

	var workDir string
	if pl.LocalPath != "" {
		unlock := e.lockPath(pl.LocalPath)
		defer unlock()
		if err := e.git.PullFFOnly(ctx, pl.LocalPath); err != nil {
			logger.Warn("Fast-forward update failed, building current state",
				logfields.Path(pl.LocalPath), logfields.Error(err))
		}
		workDir = pl.LocalPath
	} else {
		dir, err := e.workspace.Prepare(build.ID)
		if err != nil {
			e.failBuild(dbCtx, build, project, fmt.Sprintf("git clone error: %v", err))
			return nil
		}
		defer e.workspace.Cleanup(build.ID)
		if err := e.git.Clone(ctx, git.CloneURL(project.GitHubRepo), build.Branch, dir); err != nil {
			e.failBuild(dbCtx, build, project, fmt.Sprintf("git clone failed: %v", err))
			return nil
		}
		if git.ShouldCheckout(build.CommitSHA) {
			if err := e.git.Checkout(dir, build.CommitSHA); err != nil {
				logger.Warn("Commit checkout failed, building branch tip",
					logfields.Commit(build.CommitSHA), logfields.Error(err))
			}
		}
		workDir = dir
	}

	var failedStep string
	for i, s := range pl.Steps {
		seq := i + 1
		row, err := e.store.AppendStepRunning(dbCtx, build.TenantID, build.ID, s.Name, seq)
		if err != nil {
			return fmt.Errorf("insert step %q: %w", s.Name, err)
		}
		logger.Info("Running step", logfields.Step(s.Name), logfields.Sequence(seq))

		res := e.runCommand(ctx, workDir, s.Command, pl.TimeoutSecs, build)

		final, err := e.store.FinalizeStep(dbCtx, row.ID, res.exitCode, res.took.Milliseconds(), res.stdout, res.stderr)
		if err != nil {
			return fmt.Errorf("finalize step %q: %w", s.Name, err)
		}
		e.metrics.ObserveStepDuration(s.Name, res.took)
		e.events.StepFinished(final)

		if res.exitCode != 0 {
			logger.Warn("Step failed", logfields.Step(s.Name), logfields.ExitCode(res.exitCode))
			failedStep = s.Name
			e.recordFailure(dbCtx, build, s.Name, res.stdout, res.stderr)
			e.skipRemaining(dbCtx, build, pl.Steps[i+1:], seq+1)
			break
		}
		logger.Debug("Step succeeded", logfields.Step(s.Name), logfields.DurationMS(res.took.Milliseconds()))
	}

	status := store.BuildStatusSuccess
	if failedStep != "" {
		status = store.BuildStatusFailure
	}
	final, err := e.store.FinalizeBuild(dbCtx, build.ID, status, nil)
	if err != nil {
		return fmt.Errorf("finalize build: %w", err)
	}
	e.afterBuild(final, project, failedStep)
	return nil
}

type commandResult struct {
	exitCode int
	stdout   string
	stderr   string
	took     time.Duration
}

// runCommand executes one step command under the pipeline timeout. The
// command runs through the shell so pipes and redirects in step
// definitions work as written.
func (e *Executor) runCommand(ctx context.Context, dir, command string, timeoutSecs int, build *store.Build) commandResult {
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"CI=true",
		"CI_BUILD_ID="+strconv.FormatInt(build.ID, 10),
		"CI_BRANCH="+build.Branch,
		"CI_COMMIT="+build.CommitSHA,
	)
	// Bound Wait against grandchildren holding the output pipes open.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return commandResult{
			exitCode: -1,
			stderr:   fmt.Sprintf("Step timed out after %ds", timeoutSecs),
			took:     took,
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return commandResult{
				exitCode: exitErr.ExitCode(),
				stdout:   truncateOutput(stdout.String()),
				stderr:   truncateOutput(stderr.String()),
				took:     took,
			}
		}
		return commandResult{
			exitCode: -1,
			stderr:   "Failed to execute command: " + err.Error(),
			took:     took,
		}
	}
	return commandResult{
		stdout: truncateOutput(stdout.String()),
		stderr: truncateOutput(stderr.String()),
		took:   took,
	}
}

// recordFailure classifies a failed step's combined output into the
// error catalog and stores a log excerpt artifact. Both are
// best-effort; the build outcome is already decided.
func (e *Executor) recordFailure(ctx context.Context, build *store.Build, stepName, stdout, stderr string) {
	combined := stdout
	if stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += stderr
	}

	c := classifier.Classify(combined)
	projectID := build.ProjectID
	errorID, err := e.store.UpsertErrorWithOccurrence(ctx, store.ErrorUpsert{
		TenantID:       build.TenantID,
		ProjectID:      &projectID,
		BuildID:        build.ID,
		StepName:       stepName,
		RawText:        combined,
		NormalizedText: c.Normalized,
		Fingerprint:    c.Fingerprint,
		Category:       c.Category,
		Title:          c.Title,
	})
	if err != nil {
		e.logger.Warn("Failed to record error",
			logfields.BuildID(build.ID), logfields.Step(stepName), logfields.Error(err))
	} else {
		e.metrics.IncErrorRecorded(c.Category)
		e.events.ErrorRecorded(errorID, build.ID, c.Fingerprint, c.Category)
	}

	if _, err := e.store.InsertArtifact(ctx, store.NewArtifact{
		TenantID:     build.TenantID,
		BuildID:      build.ID,
		Name:         stepName + ".log",
		ArtifactType: "log_excerpt",
		Content:      tailBytes(combined, artifactTailBytes),
	}); err != nil {
		e.logger.Warn("Failed to store log artifact",
			logfields.BuildID(build.ID), logfields.Step(stepName), logfields.Error(err))
	}
}

// skipRemaining records the steps after a failure as skip rows.
func (e *Executor) skipRemaining(ctx context.Context, build *store.Build, rest []Step, firstSeq int) {
	for i, s := range rest {
		row, err := e.store.AppendStepRunning(ctx, build.TenantID, build.ID, s.Name, firstSeq+i)
		if err != nil {
			e.logger.Warn("Failed to record skipped step",
				logfields.BuildID(build.ID), logfields.Step(s.Name), logfields.Error(err))
			continue
		}
		final, err := e.store.FinalizeStep(ctx, row.ID, -1, 0, "", skippedStderr)
		if err != nil {
			e.logger.Warn("Failed to record skipped step",
				logfields.BuildID(build.ID), logfields.Step(s.Name), logfields.Error(err))
			continue
		}
		e.events.StepFinished(final)
	}
}

// failBuild finalizes the build as failure with an error summary.
func (e *Executor) failBuild(ctx context.Context, build *store.Build, project *store.Project, msg string) {
	summary, _ := json.Marshal(map[string]string{"error": msg})
	final, err := e.store.FinalizeBuild(ctx, build.ID, store.BuildStatusFailure, summary)
	if err != nil {
		e.logger.Error("Failed to finalize build", logfields.BuildID(build.ID), logfields.Error(err))
		return
	}
	e.afterBuild(final, project, "")
}

// afterBuild emits the terminal observability and forge signals.
func (e *Executor) afterBuild(final *store.Build, project *store.Project, failedStep string) {
	e.metrics.IncBuildStatus(final.Status)
	if final.DurationMS != nil {
		e.metrics.ObserveBuildDuration(time.Duration(*final.DurationMS) * time.Millisecond)
	}
	e.events.BuildFinished(final)

	logger := e.logger.With(logfields.BuildID(final.ID), logfields.BuildStatus(final.Status))
	if final.DurationMS != nil {
		logger = logger.With(logfields.DurationMS(*final.DurationMS))
	}
	logger.Info("Build finished")

	if e.forge == nil || project == nil {
		return
	}
	e.reportToForge(final, project, failedStep)
}

// reportToForge posts the commit status and, for PR builds, a summary
// comment. Best-effort with its own deadline, detached from the build
// context.
func (e *Executor) reportToForge(final *store.Build, project *store.Project, failedStep string) {
	ctx, cancel := context.WithTimeout(context.Background(), forgeTimeout)
	defer cancel()

	state := forge.StatusFailure
	if final.Status == store.BuildStatusSuccess {
		state = forge.StatusSuccess
	}

	var targetURL string
	if e.baseURL != "" {
		targetURL = fmt.Sprintf("%s/ci/api/builds/%d", e.baseURL, final.ID)
	}
	if err := e.forge.PostStatus(ctx, project.GitHubRepo, final.CommitSHA, state, statusDescription(final, failedStep), targetURL); err != nil {
		e.logger.Warn("Failed to post commit status", logfields.BuildID(final.ID), logfields.Error(err))
	}

	if final.PRNumber == nil {
		return
	}
	if err := e.forge.PostPRComment(ctx, project.GitHubRepo, *final.PRNumber, prComment(final, failedStep)); err != nil {
		e.logger.Warn("Failed to post PR comment",
			logfields.BuildID(final.ID), logfields.PRNumber(*final.PRNumber), logfields.Error(err))
	}
}

func statusDescription(b *store.Build, failedStep string) string {
	if b.Status == store.BuildStatusSuccess {
		return fmt.Sprintf("Build #%d succeeded in %s", b.ID, durationText(b.DurationMS))
	}
	if failedStep != "" {
		return fmt.Sprintf("Build #%d failed at step '%s'", b.ID, failedStep)
	}
	return fmt.Sprintf("Build #%d failed", b.ID)
}

func prComment(b *store.Build, failedStep string) string {
	if b.Status == store.BuildStatusSuccess {
		return fmt.Sprintf("✅ Build #%d succeeded in %s", b.ID, durationText(b.DurationMS))
	}
	if failedStep != "" {
		return fmt.Sprintf("❌ Build #%d failed at step '%s'", b.ID, failedStep)
	}
	return fmt.Sprintf("❌ Build #%d failed", b.ID)
}

func durationText(ms *int64) string {
	if ms == nil {
		return "0s"
	}
	return fmt.Sprintf("%.1fs", float64(*ms)/1000)
}

// lockPath serializes builds that share a pre-synced local path.
// Concurrent pulls and step runs in one directory would interleave
// checkouts and outputs.
func (e *Executor) lockPath(path string) func() {
	e.mu.Lock()
	l, ok := e.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		e.pathLocks[path] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// truncateOutput keeps the trailing maxOutputBytes of s, marking the
// cut. Counting is in bytes, matching what is stored.
func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return truncationMarker + s[len(s)-maxOutputBytes:]
}

func tailBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
