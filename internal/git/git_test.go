package git

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
)

// commitFile writes a file and commits it, returning the commit hash.
func commitFile(t *testing.T, repo *gogit.Repository, repoPath, name string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if writeErr := os.WriteFile(filepath.Join(repoPath, name), []byte(name), 0o600); writeErr != nil {
		t.Fatalf("write %s: %v", name, writeErr)
	}
	if _, addErr := wt.Add(name); addErr != nil {
		t.Fatalf("add %s: %v", name, addErr)
	}
	h, err := wt.Commit(name, &gogit.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "t@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit %s: %v", name, err)
	}
	return h
}

func TestCloneURL(t *testing.T) {
	got := CloneURL("acme/widget")
	want := "https://github.com/acme/widget.git"
	if got != want {
		t.Fatalf("CloneURL = %q, want %q", got, want)
	}
}

func TestShouldCheckout(t *testing.T) {
	cases := []struct {
		sha  string
		want bool
	}{
		{"", false},
		{"HEAD", false},
		{"abc12", false},
		{"abc1234", true},
		{"8f5416e24b4eb4eb5f5d9a37161332f44b25e13f", true},
	}
	for _, c := range cases {
		if got := ShouldCheckout(c.sha); got != c.want {
			t.Errorf("ShouldCheckout(%q) = %v, want %v", c.sha, got, c.want)
		}
	}
}

func TestCheckoutPinsCommit(t *testing.T) {
	tmp := t.TempDir()
	repo, err := gogit.PlainInit(tmp, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	first := commitFile(t, repo, tmp, "a.txt")
	commitFile(t, repo, tmp, "b.txt")

	client := NewClient("", nil)
	if err := client.Checkout(tmp, first.String()); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Hash() != first {
		t.Fatalf("head = %s, want %s", head.Hash(), first)
	}
	if _, statErr := os.Stat(filepath.Join(tmp, "b.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("expected b.txt to be removed by checkout, stat err=%v", statErr)
	}
}

func TestCheckoutUnknownCommitFails(t *testing.T) {
	tmp := t.TempDir()
	repo, err := gogit.PlainInit(tmp, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	commitFile(t, repo, tmp, "a.txt")

	client := NewClient("", nil)
	if err := client.Checkout(tmp, strings.Repeat("a", 40)); err == nil {
		t.Fatal("expected error checking out an absent commit")
	}
}

func TestPullFFOnlyFastForwards(t *testing.T) {
	tmp := t.TempDir()
	bare := filepath.Join(tmp, "remote.git")
	if _, err := gogit.PlainInit(bare, true); err != nil {
		t.Fatalf("init bare: %v", err)
	}

	seedPath := filepath.Join(tmp, "seed")
	seedRepo, err := gogit.PlainInit(seedPath, false)
	if err != nil {
		t.Fatalf("init seed: %v", err)
	}
	if _, err := seedRepo.CreateRemote(&ggitcfg.RemoteConfig{Name: "origin", URLs: []string{bare}}); err != nil {
		t.Fatalf("remote: %v", err)
	}
	commitFile(t, seedRepo, seedPath, "a.txt")
	if err := seedRepo.Push(&gogit.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("push a: %v", err)
	}

	localPath := filepath.Join(tmp, "local")
	if _, err := gogit.PlainClone(localPath, false, &gogit.CloneOptions{URL: bare}); err != nil {
		t.Fatalf("clone: %v", err)
	}

	want := commitFile(t, seedRepo, seedPath, "b.txt")
	if err := seedRepo.Push(&gogit.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("push b: %v", err)
	}

	client := NewClient("", nil)
	if err := client.PullFFOnly(t.Context(), localPath); err != nil {
		t.Fatalf("pull: %v", err)
	}

	local, err := gogit.PlainOpen(localPath)
	if err != nil {
		t.Fatalf("open local: %v", err)
	}
	head, err := local.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Hash() != want {
		t.Fatalf("head = %s, want %s", head.Hash(), want)
	}

	// A second pull finds nothing new; that is not an error.
	if err := client.PullFFOnly(t.Context(), localPath); err != nil {
		t.Fatalf("pull up to date: %v", err)
	}
}

func TestPullFFOnlyOutsideRepository(t *testing.T) {
	client := NewClient("", nil)
	if err := client.PullFFOnly(t.Context(), t.TempDir()); err == nil {
		t.Fatal("expected error pulling in a non-repository directory")
	}
}

func TestCloneMissingRemoteIsCloneError(t *testing.T) {
	tmp := t.TempDir()
	client := NewClient("", nil)
	err := client.Clone(t.Context(), filepath.Join(tmp, "nope"), "main", filepath.Join(tmp, "dst"))
	if err == nil {
		t.Fatal("expected error cloning an absent remote")
	}
	if got := cierrors.GetCategory(err); got != cierrors.CategoryGit {
		t.Fatalf("category = %s, want %s", got, cierrors.CategoryGit)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg       string
		category  cierrors.ErrorCategory
		retryable bool
	}{
		{"authentication required", cierrors.CategoryAuth, false},
		{"authorization failed", cierrors.CategoryAuth, false},
		{"dial tcp 10.0.0.1:443: i/o timeout", cierrors.CategoryGit, true},
		{"connect: connection refused", cierrors.CategoryGit, true},
		{"worktree contains unstaged changes", cierrors.CategoryGit, false},
	}
	for _, c := range cases {
		err := classifyError(errors.New(c.msg), "acme/widget")
		if got := cierrors.GetCategory(err); got != c.category {
			t.Errorf("classifyError(%q) category = %s, want %s", c.msg, got, c.category)
		}
		if got := cierrors.IsRetryable(err); got != c.retryable {
			t.Errorf("classifyError(%q) retryable = %v, want %v", c.msg, got, c.retryable)
		}
	}
}
