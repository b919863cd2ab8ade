package forge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/centrixsystems/centrix-ci/internal/retry"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	body := []byte(`{}`)

	tests := []struct {
		name      string
		secret    string
		signature string
		want      bool
	}{
		{"valid", "s", sign("s", body), true},
		{"wrong digest", "s", "sha256=deadbeef", false},
		{"wrong secret", "s", sign("other", body), false},
		{"missing prefix", "s", "deadbeef", false},
		{"sha1 rejected", "s", "sha1=deadbeef", false},
		{"empty header", "s", "", false},
		{"no secret skips verification", "", "sha256=deadbeef", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{Secret: tt.secret}, nil)
			require.Equal(t, tt.want, c.ValidateSignature(body, tt.signature))
		})
	}
}

func TestPostStatus(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{Token: "tok", APIURL: srv.URL}, nil)
	err := c.PostStatus(t.Context(), "acme/app", "abc1234", StatusPending,
		"Build queued", "http://localhost:9090/ci/api/builds/1")
	require.NoError(t, err)

	require.Equal(t, "/repos/acme/app/statuses/abc1234", gotPath)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, StatusPending, gotBody["state"])
	require.Equal(t, "Build queued", gotBody["description"])
	require.Equal(t, "http://localhost:9090/ci/api/builds/1", gotBody["target_url"])
	require.Equal(t, StatusContext, gotBody["context"])
}

func TestPostStatusWithoutTokenIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL}, nil)
	require.NoError(t, c.PostStatus(t.Context(), "acme/app", "abc", StatusSuccess, "", ""))
	require.False(t, called)
}

func TestPostStatusPropagatesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad creds", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{Token: "tok", APIURL: srv.URL}, nil)
	err := c.PostStatus(t.Context(), "acme/app", "abc", StatusFailure, "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestPostStatusRetriesTransientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{Token: "tok", APIURL: srv.URL}, nil)
	c.retryPolicy = retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 2)

	err := c.PostStatus(t.Context(), "acme/app", "abc", StatusSuccess, "", "")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestPostStatusGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{Token: "tok", APIURL: srv.URL}, nil)
	c.retryPolicy = retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 1)

	err := c.PostStatus(t.Context(), "acme/app", "abc", StatusFailure, "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
	require.Equal(t, int32(2), calls.Load())
}

func TestPostStatusDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Config{Token: "tok", APIURL: srv.URL}, nil)
	c.retryPolicy = retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 3)

	err := c.PostStatus(t.Context(), "acme/app", "abc", StatusFailure, "", "")
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestPostPRComment(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{Token: "tok", APIURL: srv.URL}, nil)
	require.NoError(t, c.PostPRComment(t.Context(), "acme/app", 7, "✅ Build #3 passed"))

	require.Equal(t, "/repos/acme/app/issues/7/comments", gotPath)
	require.Equal(t, "✅ Build #3 passed", gotBody["body"])
}
