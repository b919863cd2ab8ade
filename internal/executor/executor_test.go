package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/centrixsystems/centrix-ci/internal/forge"
	"github.com/centrixsystems/centrix-ci/internal/store"
	"github.com/centrixsystems/centrix-ci/internal/workspace"
)

// stubCloner fakes git by creating the target directory on clone.
type stubCloner struct {
	cloneErr    error
	pullErr     error
	checkoutErr error

	clonedURLs   []string
	clonedBranch string
	pulledPaths  []string
	checkedOut   []string
}

func (c *stubCloner) Clone(_ context.Context, repoURL, branch, dir string) error {
	if c.cloneErr != nil {
		return c.cloneErr
	}
	c.clonedURLs = append(c.clonedURLs, repoURL)
	c.clonedBranch = branch
	return os.MkdirAll(dir, 0o750)
}

func (c *stubCloner) Checkout(_ string, sha string) error {
	c.checkedOut = append(c.checkedOut, sha)
	return c.checkoutErr
}

func (c *stubCloner) PullFFOnly(_ context.Context, dir string) error {
	c.pulledPaths = append(c.pulledPaths, dir)
	return c.pullErr
}

type postedStatus struct {
	repo, sha, state, description, targetURL string
}

// stubPoster records forge notifications.
type stubPoster struct {
	statuses []postedStatus
	comments []string
}

func (p *stubPoster) PostStatus(_ context.Context, repo, sha, state, description, targetURL string) error {
	p.statuses = append(p.statuses, postedStatus{repo, sha, state, description, targetURL})
	return nil
}

func (p *stubPoster) PostPRComment(_ context.Context, _ string, _ int, body string) error {
	p.comments = append(p.comments, body)
	return nil
}

type execFixture struct {
	exec   *Executor
	store  *store.Store
	cloner *stubCloner
	poster *stubPoster
	wsRoot string
}

func newFixture(t *testing.T) *execFixture {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cloner := &stubCloner{}
	poster := &stubPoster{}
	root := filepath.Join(t.TempDir(), "ws")
	e := New(Deps{
		Store:     s,
		Git:       cloner,
		Workspace: workspace.NewManager(root),
		Forge:     poster,
		BaseURL:   "http://ci.example.test",
	})
	return &execFixture{exec: e, store: s, cloner: cloner, poster: poster, wsRoot: root}
}

func (f *execFixture) seedProject(t *testing.T, pipeline string) *store.Project {
	t.Helper()
	var cfg json.RawMessage
	if pipeline != "" {
		cfg = json.RawMessage(pipeline)
	}
	p, err := f.store.CreateProject(context.Background(), store.NewProject{
		Name:           "Widget",
		GitHubRepo:     "acme/widget",
		PipelineConfig: cfg,
	})
	require.NoError(t, err)
	return p
}

func (f *execFixture) claimedBuild(t *testing.T, projectID int64, mutate ...func(*store.NewBuild)) *store.Build {
	t.Helper()
	nb := store.NewBuild{
		ProjectID:    projectID,
		CommitSHA:    "8f5416e24b4eb4eb5f5d9a37161332f44b25e13f",
		Branch:       "main",
		Fingerprint:  "fp-" + t.Name(),
		TriggerEvent: "push",
	}
	for _, m := range mutate {
		m(&nb)
	}
	_, err := f.store.InsertBuild(context.Background(), nb)
	require.NoError(t, err)
	b, err := f.store.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, `{"steps":[{"name":"hello","command":"echo hi"}],"timeout_secs":10}`)
	b := f.claimedBuild(t, p.ID)

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, store.BuildStatusSuccess, final.Status)
	require.NotNil(t, final.FinishedAt)
	require.NotNil(t, final.DurationMS)
	require.Len(t, final.Steps, 1)

	step := final.Steps[0]
	require.Equal(t, store.StepStatusSuccess, step.Status)
	require.Equal(t, 0, *step.ExitCode)
	require.Equal(t, "hi\n", *step.Stdout)

	require.Equal(t, []string{"https://github.com/acme/widget.git"}, f.cloner.clonedURLs)
	require.Equal(t, "main", f.cloner.clonedBranch)
	require.Equal(t, []string{"8f5416e24b4eb4eb5f5d9a37161332f44b25e13f"}, f.cloner.checkedOut)

	_, statErr := os.Stat(filepath.Join(f.wsRoot, strconv.FormatInt(b.ID, 10)))
	require.True(t, os.IsNotExist(statErr), "cloned workspace is removed after the build")

	require.Len(t, f.poster.statuses, 1)
	require.Equal(t, forge.StatusSuccess, f.poster.statuses[0].state)
	require.Contains(t, f.poster.statuses[0].description, "succeeded")
	require.Contains(t, f.poster.statuses[0].targetURL, "/ci/api/builds/")
	require.Empty(t, f.poster.comments, "no PR comment for branch builds")
}

func TestRunFailFastRecordsSkippedSteps(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, `{"steps":[
		{"name":"a","command":"true"},
		{"name":"b","command":"false"},
		{"name":"c","command":"true"}],"timeout_secs":5}`)
	b := f.claimedBuild(t, p.ID)

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, store.BuildStatusFailure, final.Status)
	require.Len(t, final.Steps, 3)

	require.Equal(t, store.StepStatusSuccess, final.Steps[0].Status)
	require.Equal(t, 0, *final.Steps[0].ExitCode)

	require.Equal(t, store.StepStatusFailure, final.Steps[1].Status)
	require.Equal(t, 1, *final.Steps[1].ExitCode)

	skipped := final.Steps[2]
	require.Equal(t, store.StepStatusFailure, skipped.Status)
	require.Equal(t, -1, *skipped.ExitCode)
	require.Equal(t, int64(0), *skipped.DurationMS)
	require.Nil(t, skipped.Stdout)
	require.Equal(t, "Skipped (previous step failed)", *skipped.Stderr)

	// Only the genuinely failed step lands in the catalog.
	errs, err := f.store.ListErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "runtime", errs[0].Category)
	require.Equal(t, "Unknown error", errs[0].Title, "a silent failure gets the fallback title")

	arts, err := f.store.ArtifactsForBuild(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Equal(t, "b.log", arts[0].Name)
	require.Equal(t, "log_excerpt", arts[0].ArtifactType)

	require.Len(t, f.poster.statuses, 1)
	require.Equal(t, forge.StatusFailure, f.poster.statuses[0].state)
	require.Contains(t, f.poster.statuses[0].description, "failed at step 'b'")
}

func TestRunCapturesBothStreams(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, `{"steps":[{"name":"mix","command":"echo out; echo err 1>&2; exit 3"}],"timeout_secs":5}`)
	b := f.claimedBuild(t, p.ID)

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	step := final.Steps[0]
	require.Equal(t, 3, *step.ExitCode)
	require.Equal(t, "out\n", *step.Stdout)
	require.Equal(t, "err\n", *step.Stderr)

	errs, err := f.store.ListErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "out", errs[0].Title, "title comes from the first line of combined output")
}

func TestRunStepTimeout(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, `{"steps":[{"name":"slow","command":"sleep 5"}],"timeout_secs":1}`)
	b := f.claimedBuild(t, p.ID)

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, store.BuildStatusFailure, final.Status)

	step := final.Steps[0]
	require.Equal(t, -1, *step.ExitCode)
	require.Nil(t, step.Stdout)
	require.Equal(t, "Step timed out after 1s", *step.Stderr)
	require.GreaterOrEqual(t, *step.DurationMS, int64(1000))

	errs, err := f.store.ListErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "timeout", errs[0].Category)
}

func TestRunTruncatesLongOutput(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, `{"steps":[{"name":"noisy","command":"head -c 70000 /dev/zero | tr '\\0' 'x'"}],"timeout_secs":10}`)
	b := f.claimedBuild(t, p.ID)

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	step := final.Steps[0]
	require.Equal(t, store.StepStatusSuccess, step.Status)

	out := *step.Stdout
	require.True(t, strings.HasPrefix(out, truncationMarker))
	require.Len(t, out, maxOutputBytes+len(truncationMarker))
	require.NotContains(t, strings.TrimPrefix(out, truncationMarker), "\x00")
}

func TestRunLocalPathPullsAndKeepsDirectory(t *testing.T) {
	f := newFixture(t)
	local := t.TempDir()
	p := f.seedProject(t, fmt.Sprintf(`{"steps":[{"name":"here","command":"pwd"}],"timeout_secs":5,"local_path":%q}`, local))
	b := f.claimedBuild(t, p.ID)

	f.cloner.pullErr = errors.New("non-fast-forward update")

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, store.BuildStatusSuccess, final.Status, "a failed pull is not fatal")
	require.Equal(t, []string{local}, f.cloner.pulledPaths)
	require.Empty(t, f.cloner.clonedURLs, "local path builds never clone")
	require.Equal(t, local+"\n", *final.Steps[0].Stdout, "steps run inside the local path")

	_, statErr := os.Stat(local)
	require.NoError(t, statErr, "the local path survives the build")
}

func TestRunCloneFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, `{"steps":[{"name":"a","command":"true"}],"timeout_secs":5}`)
	b := f.claimedBuild(t, p.ID)
	f.cloner.cloneErr = errors.New("repository not found")

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, store.BuildStatusFailure, final.Status)
	require.Empty(t, final.Steps)
	require.JSONEq(t, `{"error":"git clone failed: repository not found"}`, string(final.Summary))

	require.Len(t, f.poster.statuses, 1)
	require.Equal(t, forge.StatusFailure, f.poster.statuses[0].state)
}

func TestRunWithoutConfigRunsDefaultStep(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, "")
	b := f.claimedBuild(t, p.ID)

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, store.BuildStatusSuccess, final.Status)
	require.Len(t, final.Steps, 1)
	require.Equal(t, "check", final.Steps[0].Name)
	require.Equal(t, "No pipeline configured\n", *final.Steps[0].Stdout)
}

func TestRunEmptyPlanSucceedsTrivially(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, `{"timeout_secs": 5}`)
	b := f.claimedBuild(t, p.ID)

	require.NoError(t, f.exec.Run(context.Background(), b))

	final, err := f.store.GetBuildWithSteps(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, store.BuildStatusSuccess, final.Status)
	require.Empty(t, final.Steps)
}

func TestRunPRBuildGetsComment(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t, `{"steps":[{"name":"hello","command":"echo hi"}],"timeout_secs":5}`)
	pr := 7
	b := f.claimedBuild(t, p.ID, func(nb *store.NewBuild) {
		nb.PRNumber = &pr
		nb.TriggerEvent = "pull_request"
	})

	require.NoError(t, f.exec.Run(context.Background(), b))

	require.Len(t, f.poster.comments, 1)
	require.True(t, strings.HasPrefix(f.poster.comments[0], "✅ Build #"))
	require.Contains(t, f.poster.comments[0], "succeeded in")
}

func TestRunDeduplicatesRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	cmd := "printf 'error[E0425]: cannot find value `x` in this scope\\n  --> /home/u/src/lib.rs:42' 1>&2; exit 1"
	p := f.seedProject(t, fmt.Sprintf(`{"steps":[{"name":"compile","command":%q}],"timeout_secs":5}`, cmd))

	for i := 0; i < 2; i++ {
		b := f.claimedBuild(t, p.ID)
		require.NoError(t, f.exec.Run(context.Background(), b))
	}

	errs, err := f.store.ListErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, errs, 1, "identical failures collapse into one canonical error")

	canonical := errs[0]
	require.Equal(t, 2, canonical.OccurrenceCount)
	require.Equal(t, "compile", canonical.Category)
	require.Contains(t, canonical.NormalizedText, "PATH:N")

	occs, err := f.store.OccurrencesForError(context.Background(), canonical.ID)
	require.NoError(t, err)
	require.Len(t, occs, 2)
	require.NotEqual(t, occs[0].BuildID, occs[1].BuildID)
}

func TestLockPathSerializes(t *testing.T) {
	e := New(Deps{})
	unlock := e.lockPath("/srv/repo")

	acquired := make(chan struct{})
	go func() {
		u := e.lockPath("/srv/repo")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired the lock while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the lock")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Len(t, e.pathLocks, 1, "one mutex per path")
}
