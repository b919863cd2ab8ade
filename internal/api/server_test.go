package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/centrixsystems/centrix-ci/internal/environments"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

type apiFixture struct {
	server *Server
	store  *store.Store
}

func newFixture(t *testing.T, caps environments.Caps) *apiFixture {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	srv := NewServer(Deps{
		Store:        s,
		Environments: environments.NewService(environments.Deps{Store: s, Caps: caps}),
		Addr:         ":0",
	})
	return &apiFixture{server: srv, store: s}
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.send(t, http.MethodPost, path, body)
}

func (f *apiFixture) put(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.send(t, http.MethodPut, path, body)
}

func (f *apiFixture) send(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedProject(t *testing.T, repo string) *store.Project {
	t.Helper()
	p, err := f.store.CreateProject(t.Context(), store.NewProject{
		Name:       "App",
		GitHubRepo: repo,
	})
	require.NoError(t, err)
	return p
}

func (f *apiFixture) seedBuild(t *testing.T, projectID int64, sha string) *store.Build {
	t.Helper()
	b, err := f.store.InsertBuild(t.Context(), store.NewBuild{
		ProjectID:    projectID,
		CommitSHA:    sha,
		Branch:       "main",
		Author:       "alice",
		Fingerprint:  sha + "-main-push",
		TriggerEvent: "push",
	})
	require.NoError(t, err)
	return b
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.get(t, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListBuildsNewestFirst(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	first := f.seedBuild(t, p.ID, "aaa1111")
	second := f.seedBuild(t, p.ID, "bbb2222")

	rec := f.get(t, "/ci/api/builds")

	require.Equal(t, http.StatusOK, rec.Code)
	var out []BuildJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	require.Equal(t, second.ID, out[0].ID)
	require.Equal(t, first.ID, out[1].ID)
	// Steps serialize as an empty array, never null.
	require.True(t, strings.Contains(rec.Body.String(), `"steps":[]`))
}

func TestListBuildsHonorsLimit(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	for i := 0; i < 3; i++ {
		f.seedBuild(t, p.ID, fmt.Sprintf("sha%d", i))
	}

	rec := f.get(t, "/ci/api/builds?limit=2")

	require.Equal(t, http.StatusOK, rec.Code)
	var out []BuildJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
}

func TestListBuildsRejectsBadLimit(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.get(t, "/ci/api/builds?limit=lots")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBuildIncludesSteps(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	b := f.seedBuild(t, p.ID, "abc1234")

	ctx := t.Context()
	st1, err := f.store.AppendStepRunning(ctx, b.TenantID, b.ID, "lint", 1)
	require.NoError(t, err)
	_, err = f.store.FinalizeStep(ctx, st1.ID, 0, 120, "ok", "")
	require.NoError(t, err)
	st2, err := f.store.AppendStepRunning(ctx, b.TenantID, b.ID, "test", 2)
	require.NoError(t, err)
	_, err = f.store.FinalizeStep(ctx, st2.ID, 1, 340, "", "boom")
	require.NoError(t, err)

	rec := f.get(t, fmt.Sprintf("/ci/api/builds/%d", b.ID))

	require.Equal(t, http.StatusOK, rec.Code)
	var out BuildJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, b.ID, out.ID)
	require.Len(t, out.Steps, 2)
	require.Equal(t, "lint", out.Steps[0].Name)
	require.Equal(t, "test", out.Steps[1].Name)
	require.NotNil(t, out.Steps[1].ExitCode)
	require.Equal(t, 1, *out.Steps[1].ExitCode)
	// Output columns stay internal.
	require.False(t, strings.Contains(rec.Body.String(), "boom"))
}

func TestGetBuildNotFound(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.get(t, "/ci/api/builds/9999")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBuildRejectsBadID(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.get(t, "/ci/api/builds/latest-ish")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestBuildRequiresParams(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")

	require.Equal(t, http.StatusBadRequest, f.get(t, "/ci/api/builds/latest").Code)
	require.Equal(t, http.StatusBadRequest,
		f.get(t, fmt.Sprintf("/ci/api/builds/latest?project_id=%d", p.ID)).Code)
}

func TestLatestBuildPicksNewest(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	f.seedBuild(t, p.ID, "old0000")
	newest := f.seedBuild(t, p.ID, "new1111")

	rec := f.get(t, fmt.Sprintf("/ci/api/builds/latest?project_id=%d&branch=main", p.ID))

	require.Equal(t, http.StatusOK, rec.Code)
	var out BuildJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, newest.ID, out.ID)
	require.NotNil(t, out.Steps)
}

func TestLatestBuildNotFound(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")

	rec := f.get(t, fmt.Sprintf("/ci/api/builds/latest?project_id=%d&branch=main", p.ID))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerBuildManually(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")

	rec := f.post(t, "/ci/api/builds/trigger", map[string]any{
		"project_id": p.ID,
		"commit_sha": "abc1234",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		BuildID int64  `json:"build_id"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, store.BuildStatusPending, resp.Status)

	b, err := f.store.GetBuild(t.Context(), resp.BuildID)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, "main", b.Branch)
	require.Equal(t, "manual", b.TriggerEvent)
	require.Equal(t, "abc1234-main-manual", b.Fingerprint)
	require.NotNil(t, b.Author)
	require.Equal(t, "manual", *b.Author)
}

func TestTriggerBuildNotThrottled(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	body := map[string]any{"project_id": p.ID, "commit_sha": "abc1234"}

	require.Equal(t, http.StatusCreated, f.post(t, "/ci/api/builds/trigger", body).Code)
	require.Equal(t, http.StatusCreated, f.post(t, "/ci/api/builds/trigger", body).Code)

	builds, err := f.store.ListBuilds(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, builds, 2)
}

func TestTriggerBuildUnknownProject(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.post(t, "/ci/api/builds/trigger", map[string]any{"project_id": 42})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildArtifacts(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	b := f.seedBuild(t, p.ID, "abc1234")
	_, err := f.store.InsertArtifact(t.Context(), store.NewArtifact{
		TenantID:     b.TenantID,
		BuildID:      b.ID,
		Name:         "test.log",
		ArtifactType: "log_excerpt",
		Content:      "FAIL: TestThing",
	})
	require.NoError(t, err)

	rec := f.get(t, fmt.Sprintf("/ci/api/builds/%d/artifacts", b.ID))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []store.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "test.log", out[0].Name)
	require.Equal(t, "log_excerpt", out[0].ArtifactType)
}

func TestBuildArtifactsEmptyList(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	b := f.seedBuild(t, p.ID, "abc1234")

	rec := f.get(t, fmt.Sprintf("/ci/api/builds/%d/artifacts", b.ID))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestBuildArtifactsUnknownBuild(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.get(t, "/ci/api/builds/9999/artifacts")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKPISuccessRate(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	ctx := t.Context()

	ok := f.seedBuild(t, p.ID, "aaa1111")
	_, err := f.store.FinalizeBuild(ctx, ok.ID, store.BuildStatusSuccess, nil)
	require.NoError(t, err)
	bad := f.seedBuild(t, p.ID, "bbb2222")
	_, err = f.store.FinalizeBuild(ctx, bad.ID, store.BuildStatusFailure, nil)
	require.NoError(t, err)
	f.seedBuild(t, p.ID, "ccc3333") // still pending, excluded

	rec := f.get(t, "/ci/api/kpi/success_rate")

	require.Equal(t, http.StatusOK, rec.Code)
	var out store.SuccessRate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 2, out.Total)
	require.Equal(t, 1, out.Success)
	require.InDelta(t, 0.5, out.Rate, 0.001)
}

func TestKPIDaysParamIsLenient(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.get(t, "/ci/api/kpi/success_rate?days=banana")

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestKPIAvgDurationEmptyWindow(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.get(t, "/ci/api/kpi/avg_duration")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"avg_ms":null,"count":0}`, rec.Body.String())
}

func TestKPIEnvUtilization(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	ctx := t.Context()
	env, err := f.store.CreateEnvironment(ctx, store.NewEnvironment{
		ProjectID: p.ID,
		PRNumber:  7,
		Branch:    "feature/x",
		CommitSHA: "abc1234",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateEnvironmentStatus(ctx, env.ID, store.EnvStatusRunning))

	rec := f.get(t, "/ci/api/kpi/env_utilization")

	require.Equal(t, http.StatusOK, rec.Code)
	var out store.EnvUtilization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Total)
	require.Equal(t, 1, out.Running)
}

func TestKPIBuildsByStatus(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	ctx := t.Context()

	f.seedBuild(t, p.ID, "aaa1111")
	f.seedBuild(t, p.ID, "bbb2222")
	done := f.seedBuild(t, p.ID, "ccc3333")
	_, err := f.store.FinalizeBuild(ctx, done.ID, store.BuildStatusSuccess, nil)
	require.NoError(t, err)

	rec := f.get(t, "/ci/api/kpi/builds_by_status")

	require.Equal(t, http.StatusOK, rec.Code)
	var out []store.StatusCount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	require.Equal(t, store.BuildStatusPending, out[0].Status)
	require.EqualValues(t, 2, out[0].Count)
}

func TestCreateAndListProjects(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.post(t, "/ci/api/projects", map[string]any{
		"name":        "Widget",
		"github_repo": "acme/widget",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "acme/widget", created.GitHubRepo)
	require.Equal(t, "main", created.DefaultBranch)
	require.True(t, created.Active)

	list := f.get(t, "/ci/api/projects")
	require.Equal(t, http.StatusOK, list.Code)
	var projects []store.Project
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
}

func TestCreateProjectRejectsDuplicateRepo(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	f.seedProject(t, "acme/widget")

	rec := f.post(t, "/ci/api/projects", map[string]any{
		"name":        "Widget",
		"github_repo": "acme/widget",
	})

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateProjectRequiresRepo(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.post(t, "/ci/api/projects", map[string]any{"name": "Widget"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateProjectPipeline(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")

	pipeline := map[string]any{
		"steps":        []map[string]string{{"name": "test", "command": "go test ./..."}},
		"timeout_secs": 120,
	}
	rec := f.put(t, fmt.Sprintf("/ci/api/projects/%d/pipeline", p.ID),
		map[string]any{"pipeline": pipeline})

	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetProject(t.Context(), p.ID)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"steps":[{"name":"test","command":"go test ./..."}],"timeout_secs":120}`,
		string(got.PipelineConfig))
}

func TestUpdateProjectPipelineClearsWithNull(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p, err := f.store.CreateProject(t.Context(), store.NewProject{
		Name:           "App",
		GitHubRepo:     "acme/cfg",
		PipelineConfig: []byte(`{"steps":[]}`),
	})
	require.NoError(t, err)

	rec := f.put(t, fmt.Sprintf("/ci/api/projects/%d/pipeline", p.ID),
		map[string]any{"pipeline": nil})

	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetProject(t.Context(), p.ID)
	require.NoError(t, err)
	require.Empty(t, got.PipelineConfig)
}

func TestUpdateProjectPipelineUnknownProject(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.put(t, "/ci/api/projects/999/pipeline", map[string]any{"pipeline": nil})

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEnvironmentsFiltersByPR(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")
	ctx := t.Context()
	for _, pr := range []int{7, 7, 8} {
		_, err := f.store.CreateEnvironment(ctx, store.NewEnvironment{
			ProjectID: p.ID,
			PRNumber:  pr,
			Branch:    "feature/x",
			CommitSHA: "abc1234",
		})
		require.NoError(t, err)
	}

	rec := f.get(t, fmt.Sprintf("/ci/api/environments?project_id=%d&pr=7", p.ID))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []store.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	for _, e := range out {
		require.Equal(t, 7, e.PRNumber)
	}
}

func TestRequestEnvironment(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")

	rec := f.post(t, "/ci/api/environments/request", map[string]any{
		"project_id": p.ID,
		"pr_number":  7,
		"branch":     "feature/x",
		"commit_sha": "abc1234",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var env store.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, store.EnvStatusRequested, env.Status)
	require.Equal(t, 7, env.PRNumber)
}

func TestRequestEnvironmentCapReturnsConflict(t *testing.T) {
	f := newFixture(t, environments.Caps{MaxPerPR: 1})
	p := f.seedProject(t, "acme/app")
	body := map[string]any{
		"project_id": p.ID,
		"pr_number":  7,
		"branch":     "feature/x",
		"commit_sha": "abc1234",
	}

	require.Equal(t, http.StatusCreated, f.post(t, "/ci/api/environments/request", body).Code)
	require.Equal(t, http.StatusConflict, f.post(t, "/ci/api/environments/request", body).Code)
}

func TestRequestEnvironmentRejectsBadPR(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")

	rec := f.post(t, "/ci/api/environments/request", map[string]any{
		"project_id": p.ID,
		"pr_number":  0,
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTouchEnvironmentWakesDormant(t *testing.T) {
	f := newFixture(t, environments.Caps{})
	p := f.seedProject(t, "acme/app")

	rec := f.post(t, "/ci/api/environments/request", map[string]any{
		"project_id": p.ID,
		"pr_number":  7,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var env store.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, f.store.UpdateEnvironmentStatus(t.Context(), env.ID, store.EnvStatusDormant))

	rec = f.post(t, fmt.Sprintf("/ci/api/environments/%d/touch", env.ID), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var woken store.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &woken))
	require.Equal(t, store.EnvStatusRunning, woken.Status)
}

func TestTouchEnvironmentUnknown(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.post(t, "/ci/api/environments/999/touch", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListErrorsEmpty(t *testing.T) {
	f := newFixture(t, environments.Caps{})

	rec := f.get(t, "/ci/api/errors")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}
