// Package forge talks to the GitHub API: webhook signature verification,
// commit status callbacks, and pull-request comments. Outbound calls are
// advisory; build state in the store stays authoritative.
package forge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/retry"
)

// Commit status states GitHub accepts for the statuses endpoint.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// StatusContext labels our statuses in the GitHub checks UI.
const StatusContext = "centrix-ci"

// Config carries the forge credentials. Empty Token disables outbound
// calls; empty Secret disables signature verification.
type Config struct {
	Token  string
	Secret string
	APIURL string
}

// Client is a minimal GitHub API client. Safe for concurrent use.
// Transient failures (transport errors, 5xx, 429) are retried on a
// short backoff before the caller sees the error.
type Client struct {
	httpClient  *http.Client
	apiURL      string
	token       string
	secret      string
	logger      *slog.Logger
	retryPolicy retry.Policy
}

// New builds a client. The API URL defaults to the public GitHub API.
func New(cfg Config, logger *slog.Logger) *Client {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		apiURL:      apiURL,
		token:       cfg.Token,
		secret:      cfg.Secret,
		logger:      logger,
		retryPolicy: retry.NewPolicy(retry.BackoffLinear, 500*time.Millisecond, 5*time.Second, 2),
	}
}

// ValidateSignature checks the X-Hub-Signature-256 header against the
// raw request body. With no secret configured verification is skipped;
// startup warns about that mode once.
func (c *Client) ValidateSignature(payload []byte, signature string) bool {
	if c.secret == "" {
		return true
	}
	expected, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(payload)
	calc := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(calc))
}

// PostStatus publishes a commit status. No-op without a token. Callers
// treat failures as advisory and only log them.
func (c *Client) PostStatus(ctx context.Context, repo, sha, state, description, targetURL string) error {
	if c.token == "" {
		c.logger.Debug("skipping status callback, no token configured",
			logfields.Repository(repo))
		return nil
	}

	endpoint := path.Join("repos", repo, "statuses", sha)
	body := map[string]string{
		"state":       state,
		"description": description,
		"target_url":  targetURL,
		"context":     StatusContext,
	}
	return c.post(ctx, endpoint, body)
}

// PostPRComment adds a comment to a pull request. No-op without a token.
func (c *Client) PostPRComment(ctx context.Context, repo string, prNumber int, body string) error {
	if c.token == "" {
		c.logger.Debug("skipping PR comment, no token configured",
			logfields.Repository(repo), logfields.PRNumber(prNumber))
		return nil
	}

	endpoint := path.Join("repos", repo, "issues", strconv.Itoa(prNumber), "comments")
	return c.post(ctx, endpoint, map[string]string{"body": body})
}

func (c *Client) post(ctx context.Context, endpoint string, body any) error {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return fmt.Errorf("parse api url: %w", err)
	}
	u.Path = path.Join(u.Path, endpoint)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		retryable, err := c.postOnce(ctx, u.String(), jsonBody)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt >= c.retryPolicy.MaxRetries {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(c.retryPolicy.Delay(attempt + 1)):
		}
		c.logger.Debug("Retrying GitHub API call",
			logfields.URL(u.String()),
			slog.Int("attempt", attempt+2),
			logfields.Error(err))
	}
}

// postOnce performs a single POST. The retryable flag marks failures
// worth another attempt: transport errors, 5xx, and rate limiting.
// Other 4xx responses are final.
func (c *Client) postOnce(ctx context.Context, apiURL string, jsonBody []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonBody))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "centrix-ci/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("github api request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return retryable, fmt.Errorf("github api error: %s", resp.Status)
	}
	return false, nil
}
