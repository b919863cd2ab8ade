// Package webhook implements the forge intake endpoint. Push and
// pull_request deliveries become pending builds; everything else is
// acknowledged and dropped.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/events"
	"github.com/centrixsystems/centrix-ci/internal/forge"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/metrics"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

const (
	// maxBodyBytes bounds webhook payloads. GitHub caps deliveries at
	// 25 MiB but real push payloads are far smaller.
	maxBodyBytes = 1 << 20

	// statusTimeout bounds the fire-and-forget pending status callback.
	statusTimeout = 10 * time.Second

	// DefaultThrottleWindow suppresses duplicate fingerprints on redelivery.
	DefaultThrottleWindow = 60 * time.Second
)

// Forge is what intake needs from the forge client.
type Forge interface {
	ValidateSignature(payload []byte, signature string) bool
	PostStatus(ctx context.Context, repo, sha, state, description, targetURL string) error
}

// Deps carries the handler's collaborators.
type Deps struct {
	Store   *store.Store
	Forge   Forge
	Events  events.Publisher
	Metrics metrics.Recorder
	Logger  *slog.Logger

	DashboardURL   string
	ThrottleWindow time.Duration
}

// Handler receives forge webhook deliveries.
type Handler struct {
	store   *store.Store
	forge   Forge
	events  events.Publisher
	metrics metrics.Recorder
	logger  *slog.Logger

	dashboardURL string
	throttle     time.Duration

	errorAdapter *cierrors.HTTPErrorAdapter
}

// NewHandler constructs a webhook handler. Zero values in Deps fall
// back to no-op collaborators.
func NewHandler(d Deps) *Handler {
	if d.Events == nil {
		d.Events = events.NoopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ThrottleWindow <= 0 {
		d.ThrottleWindow = DefaultThrottleWindow
	}
	return &Handler{
		store:        d.Store,
		forge:        d.Forge,
		events:       d.Events,
		metrics:      d.Metrics,
		logger:       d.Logger,
		dashboardURL: d.DashboardURL,
		throttle:     d.ThrottleWindow,
		errorAdapter: cierrors.NewHTTPErrorAdapter(d.Logger),
	}
}

// admission is the per-event extraction handed to createBuild.
type admission struct {
	repo         string
	commitSHA    string
	branch       string
	prNumber     *int
	author       string
	message      string
	fingerprint  string
	triggerEvent string
}

// HandleGitHub processes one GitHub webhook delivery.
func (h *Handler) HandleGitHub(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		event = "unknown"
	}
	h.metrics.IncWebhookReceived(event)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("failed to read request body"))
		return
	}

	if !h.forge.ValidateSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("Webhook signature validation failed",
			logfields.Event(event),
			logfields.Delivery(r.Header.Get("X-GitHub-Delivery")))
		h.errorAdapter.WriteErrorResponse(w, r,
			cierrors.AuthError("invalid webhook signature"))
		return
	}

	if !json.Valid(body) {
		h.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid JSON payload"))
		return
	}

	switch event {
	case "ping":
		h.logger.Info("Received GitHub ping webhook")
		h.writeAck(w, http.StatusOK, "pong")
	case "push":
		h.handlePush(w, r, body)
	case "pull_request":
		h.handlePullRequest(w, r, body)
	default:
		h.logger.Debug("Ignoring webhook event", logfields.Event(event))
		h.writeAck(w, http.StatusOK, "ignored")
	}
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request, body []byte) {
	ev, err := forge.ParsePushEvent(body)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid push payload"))
		return
	}

	branch := ev.Branch()
	if ev.After == "" || branch == "" {
		h.writeAck(w, http.StatusOK, "ignored")
		return
	}

	h.createBuild(w, r, admission{
		repo:         ev.Repository.FullName,
		commitSHA:    ev.After,
		branch:       branch,
		author:       ev.Pusher.Name,
		message:      ev.Message(),
		fingerprint:  ev.After + "-" + branch + "-push",
		triggerEvent: "push",
	})
}

func (h *Handler) handlePullRequest(w http.ResponseWriter, r *http.Request, body []byte) {
	ev, err := forge.ParsePullRequestEvent(body)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			cierrors.ValidationError("invalid pull_request payload"))
		return
	}

	if !ev.TriggersBuild() {
		h.logger.Debug("Ignoring pull_request action", logfields.Event(ev.Action))
		h.writeAck(w, http.StatusOK, "ignored")
		return
	}
	if ev.PullRequest.Head.SHA == "" || ev.PullRequest.Head.Ref == "" {
		h.writeAck(w, http.StatusOK, "ignored")
		return
	}

	number := ev.Number
	h.createBuild(w, r, admission{
		repo:         ev.Repository.FullName,
		commitSHA:    ev.PullRequest.Head.SHA,
		branch:       ev.PullRequest.Head.Ref,
		prNumber:     &number,
		author:       ev.PullRequest.User.Login,
		fingerprint:  fingerprintPR(ev.PullRequest.Head.SHA, ev.PullRequest.Head.Ref, number),
		triggerEvent: "pull_request",
	})
}

// createBuild runs the shared admission tail: project lookup, dedup,
// insert, and the async pending status callback.
func (h *Handler) createBuild(w http.ResponseWriter, r *http.Request, a admission) {
	ctx := r.Context()

	project, err := h.store.FindProjectByRepo(ctx, a.repo)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("find project", err))
		return
	}
	if project == nil {
		// Unregistered repos are acknowledged without revealing anything.
		h.logger.Debug("No project registered for repo", logfields.Repository(a.repo))
		h.writeAck(w, http.StatusOK, "ignored")
		return
	}

	h.checkTriggers(ctx, project.ID, a)

	dup, err := h.store.IsDuplicate(ctx, a.fingerprint, h.throttle)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("check duplicate", err))
		return
	}
	if dup {
		h.logger.Info("Duplicate build throttled", logfields.Fingerprint(a.fingerprint))
		h.writeAck(w, http.StatusOK, "duplicate")
		return
	}

	build, err := h.store.InsertBuild(ctx, store.NewBuild{
		TenantID:     project.TenantID,
		ProjectID:    project.ID,
		CommitSHA:    a.commitSHA,
		Branch:       a.branch,
		PRNumber:     a.prNumber,
		Author:       a.author,
		Message:      a.message,
		Fingerprint:  a.fingerprint,
		TriggerEvent: a.triggerEvent,
	})
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, cierrors.StoreError("create build", err))
		return
	}

	h.metrics.IncBuildStatus(store.BuildStatusPending)
	h.events.BuildCreated(build)
	h.logger.Info("Build created from webhook",
		logfields.BuildID(build.ID),
		logfields.Branch(a.branch),
		logfields.Event(a.triggerEvent))

	go h.postPendingStatus(a.repo, a.commitSHA, build.ID)

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"build_id": build.ID,
		"status":   store.BuildStatusPending,
	})
}

// checkTriggers is advisory: a configured trigger that matches nothing
// only produces a debug line, admission still proceeds.
func (h *Handler) checkTriggers(ctx context.Context, projectID int64, a admission) {
	triggers, err := h.store.TriggersForProject(ctx, projectID)
	if err != nil {
		h.logger.Warn("Failed to load triggers", logfields.Error(err))
		return
	}
	if len(triggers) == 0 {
		return
	}
	for _, t := range triggers {
		if t.EventType != a.triggerEvent {
			continue
		}
		if t.BranchPattern == nil {
			return
		}
		if ok, _ := path.Match(*t.BranchPattern, a.branch); ok {
			return
		}
	}
	h.logger.Debug("No trigger matched delivery",
		logfields.ProjectID(projectID),
		logfields.Event(a.triggerEvent),
		logfields.Branch(a.branch))
}

func (h *Handler) postPendingStatus(repo, sha string, buildID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	targetURL := fmt.Sprintf("%s/ci/api/builds/%d", h.dashboardURL, buildID)
	if err := h.forge.PostStatus(ctx, repo, sha, forge.StatusPending, "Build queued", targetURL); err != nil {
		h.logger.Warn("Failed to post pending status",
			logfields.Repository(repo),
			logfields.BuildID(buildID),
			logfields.Error(err))
	}
}

func fingerprintPR(sha, branch string, number int) string {
	return fmt.Sprintf("%s-%s-pr%d", sha, branch, number)
}

func (h *Handler) writeAck(w http.ResponseWriter, status int, state string) {
	h.writeJSON(w, status, map[string]any{"status": state})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("Failed to write webhook response", logfields.Error(err))
	}
}
