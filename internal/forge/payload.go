package forge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Repository identifies the repo a webhook refers to.
type Repository struct {
	FullName string `json:"full_name"`
}

// Pusher is the account behind a push event.
type Pusher struct {
	Name string `json:"name"`
}

// Commit carries the head commit metadata of a push.
type Commit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// PushEvent is the subset of the GitHub push payload intake consumes.
type PushEvent struct {
	Ref        string     `json:"ref"`
	After      string     `json:"after"`
	Repository Repository `json:"repository"`
	Pusher     Pusher     `json:"pusher"`
	HeadCommit *Commit    `json:"head_commit"`
}

// Branch strips the refs/heads/ prefix from the push ref.
func (e *PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Message returns the head commit message, empty when GitHub omitted it.
func (e *PushEvent) Message() string {
	if e.HeadCommit == nil {
		return ""
	}
	return e.HeadCommit.Message
}

// PullRequestEvent is the subset of the pull_request payload intake
// consumes.
type PullRequestEvent struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	Repository  Repository  `json:"repository"`
	PullRequest PullRequest `json:"pull_request"`
}

// PullRequest carries the head ref and author of a pull request.
type PullRequest struct {
	Head PullRequestHead `json:"head"`
	User PullRequestUser `json:"user"`
}

// PullRequestHead is the tip of the source branch.
type PullRequestHead struct {
	SHA string `json:"sha"`
	Ref string `json:"ref"`
}

// PullRequestUser is the pull request author.
type PullRequestUser struct {
	Login string `json:"login"`
}

// buildTriggering lists the pull_request actions that enqueue builds.
// Close, label, and review actions are ignored.
var buildTriggering = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// TriggersBuild reports whether this pull request action enqueues a build.
func (e *PullRequestEvent) TriggersBuild() bool {
	return buildTriggering[e.Action]
}

// ParsePushEvent decodes a push payload.
func ParsePushEvent(body []byte) (*PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse push event: %w", err)
	}
	return &event, nil
}

// ParsePullRequestEvent decodes a pull_request payload.
func ParsePullRequestEvent(body []byte) (*PullRequestEvent, error) {
	var event PullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse pull_request event: %w", err)
	}
	return &event, nil
}
