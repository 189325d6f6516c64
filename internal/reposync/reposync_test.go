package reposync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/user/repowatch/internal/interfaces"
)

// initUpstream creates a repository with one initial commit, standing in
// for the remote the watched clone tracks.
func initUpstream(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit() returned error: %v", err)
	}
	commitFile(t, repo, dir, "README.md", "hello\n", "initial commit")
	return dir, repo
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content, msg string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree() returned error: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("Add(%s) returned error: %v", name, err)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("Commit() returned error: %v", err)
	}
	return hash.String()
}

func cloneUpstream(t *testing.T, upstream string) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainClone(dir, false, &git.CloneOptions{URL: upstream})
	if err != nil {
		t.Fatalf("PlainClone(%s) returned error: %v", upstream, err)
	}
	return dir, repo
}

func headHash(t *testing.T, repo *git.Repository) string {
	t.Helper()
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head() returned error: %v", err)
	}
	return head.Hash().String()
}

func stageOf(t *testing.T, err error) Stage {
	t.Helper()
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("Expected a *StageError, got %T: %v", err, err)
	}
	return se.Stage
}

func TestSynchronizeUnchanged(t *testing.T) {
	upstreamDir, upstream := initUpstream(t)
	cloneDir, _ := cloneUpstream(t, upstreamDir)
	want := headHash(t, upstream)

	s := New(nil, nil)
	target := interfaces.WatchTarget{ID: "t", Path: cloneDir}

	// No upstream movement: repeated calls must keep returning Unchanged.
	for i := 0; i < 3; i++ {
		res, err := s.Synchronize(context.Background(), target)
		if err != nil {
			t.Fatalf("Synchronize() #%d returned error: %v", i, err)
		}
		if res.Changed() {
			t.Errorf("Synchronize() #%d reported a change: before=%s after=%s", i, res.Before, res.After)
		}
		if res.After != want {
			t.Errorf("Synchronize() #%d: after=%s, want %s", i, res.After, want)
		}
	}
}

func TestSynchronizeDetectsNewCommit(t *testing.T) {
	upstreamDir, upstream := initUpstream(t)
	cloneDir, _ := cloneUpstream(t, upstreamDir)
	before := headHash(t, upstream)

	after := commitFile(t, upstream, upstreamDir, "main.go", "package main\n", "add main")

	s := New(nil, nil)
	target := interfaces.WatchTarget{ID: "t", Path: cloneDir}

	res, err := s.Synchronize(context.Background(), target)
	if err != nil {
		t.Fatalf("Synchronize() returned error: %v", err)
	}
	if !res.Changed() {
		t.Fatal("Expected a detected change, got Unchanged")
	}
	if res.Before != before {
		t.Errorf("before=%s, want %s", res.Before, before)
	}
	if res.After != after {
		t.Errorf("after=%s, want %s", res.After, after)
	}
	if len(res.After) != 40 {
		t.Errorf("after is not a full commit identifier: %q", res.After)
	}

	// The advance is detected exactly once.
	res, err = s.Synchronize(context.Background(), target)
	if err != nil {
		t.Fatalf("Second Synchronize() returned error: %v", err)
	}
	if res.Changed() {
		t.Errorf("Second Synchronize() reported a change: before=%s after=%s", res.Before, res.After)
	}
}

func TestSynchronizeDiscardsLocalDrift(t *testing.T) {
	upstreamDir, upstream := initUpstream(t)
	cloneDir, _ := cloneUpstream(t, upstreamDir)

	// Dirty the working tree with an uncommitted modification.
	if err := os.WriteFile(filepath.Join(cloneDir, "README.md"), []byte("local drift\n"), 0644); err != nil {
		t.Fatalf("Failed to dirty the working tree: %v", err)
	}

	after := commitFile(t, upstream, upstreamDir, "README.md", "upstream v2\n", "update readme")

	s := New(nil, nil)
	res, err := s.Synchronize(context.Background(), interfaces.WatchTarget{ID: "t", Path: cloneDir})
	if err != nil {
		t.Fatalf("Synchronize() with a dirty tree returned error: %v", err)
	}
	if !res.Changed() || res.After != after {
		t.Errorf("Expected change to %s, got before=%s after=%s", after, res.Before, res.After)
	}

	data, err := os.ReadFile(filepath.Join(cloneDir, "README.md"))
	if err != nil {
		t.Fatalf("Failed to read synced file: %v", err)
	}
	if string(data) != "upstream v2\n" {
		t.Errorf("Working tree content = %q, want the upstream version", string(data))
	}
}

// Synchronizing against a branch other than the checked-out one must move
// HEAD onto that branch, not drag the checked-out branch's ref around.
func TestSynchronizeConfiguredBranch(t *testing.T) {
	upstreamDir, upstream := initUpstream(t)
	base := headHash(t, upstream)

	upstreamWt, err := upstream.Worktree()
	if err != nil {
		t.Fatalf("Worktree() returned error: %v", err)
	}
	if err := upstreamWt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature"),
		Create: true,
	}); err != nil {
		t.Fatalf("Creating the feature branch returned error: %v", err)
	}
	featureTip := commitFile(t, upstream, upstreamDir, "feature.go", "package feature\n", "feature work")
	if err := upstreamWt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("master"),
	}); err != nil {
		t.Fatalf("Switching upstream back to master returned error: %v", err)
	}

	cloneDir, clone := cloneUpstream(t, upstreamDir)

	s := New(nil, nil)
	res, err := s.Synchronize(context.Background(), interfaces.WatchTarget{ID: "t", Path: cloneDir, Branch: "feature"})
	if err != nil {
		t.Fatalf("Synchronize() returned error: %v", err)
	}
	if !res.Changed() || res.After != featureTip {
		t.Errorf("Expected change to %s, got before=%s after=%s", featureTip, res.Before, res.After)
	}

	head, err := clone.Head()
	if err != nil {
		t.Fatalf("Head() returned error: %v", err)
	}
	if head.Name().Short() != "feature" {
		t.Errorf("HEAD is on %s, want feature", head.Name().Short())
	}
	if head.Hash().String() != featureTip {
		t.Errorf("HEAD = %s, want %s", head.Hash().String(), featureTip)
	}

	master, err := clone.Reference(plumbing.NewBranchReferenceName("master"), true)
	if err != nil {
		t.Fatalf("Resolving master returned error: %v", err)
	}
	if master.Hash().String() != base {
		t.Errorf("master moved to %s, want it untouched at %s", master.Hash().String(), base)
	}

	// Once on the configured branch the pipeline stays quiet.
	res, err = s.Synchronize(context.Background(), interfaces.WatchTarget{ID: "t", Path: cloneDir, Branch: "feature"})
	if err != nil {
		t.Fatalf("Second Synchronize() returned error: %v", err)
	}
	if res.Changed() {
		t.Errorf("Second Synchronize() reported a change: before=%s after=%s", res.Before, res.After)
	}
}

func TestSynchronizeMissingClone(t *testing.T) {
	s := New(nil, nil)

	t.Run("NotARepository", func(t *testing.T) {
		_, err := s.Synchronize(context.Background(), interfaces.WatchTarget{ID: "t", Path: t.TempDir()})
		if err == nil {
			t.Fatal("Expected an error for a non-repository path, got nil")
		}
		if got := stageOf(t, err); got != StagePrecondition {
			t.Errorf("stage = %s, want %s", got, StagePrecondition)
		}
	})

	t.Run("MissingDirectory", func(t *testing.T) {
		_, err := s.Synchronize(context.Background(), interfaces.WatchTarget{ID: "t", Path: filepath.Join(t.TempDir(), "gone")})
		if err == nil {
			t.Fatal("Expected an error for a missing path, got nil")
		}
		if got := stageOf(t, err); got != StagePrecondition {
			t.Errorf("stage = %s, want %s", got, StagePrecondition)
		}
	})
}

func TestSynchronizeUnreachableRemote(t *testing.T) {
	upstreamDir, _ := initUpstream(t)
	cloneDir, _ := cloneUpstream(t, upstreamDir)

	// Simulate a network failure: the remote disappears after the clone.
	if err := os.RemoveAll(upstreamDir); err != nil {
		t.Fatalf("Failed to remove upstream: %v", err)
	}

	s := New(nil, nil)
	_, err := s.Synchronize(context.Background(), interfaces.WatchTarget{ID: "t", Path: cloneDir, PullTimeout: 10 * time.Second})
	if err == nil {
		t.Fatal("Expected an error for an unreachable remote, got nil")
	}
	if got := stageOf(t, err); got != StagePull {
		t.Errorf("stage = %s, want %s", got, StagePull)
	}
}

func TestSynchronizeDetachedHead(t *testing.T) {
	upstreamDir, _ := initUpstream(t)
	cloneDir, clone := cloneUpstream(t, upstreamDir)

	wt, err := clone.Worktree()
	if err != nil {
		t.Fatalf("Worktree() returned error: %v", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(headHash(t, clone))}); err != nil {
		t.Fatalf("Detaching HEAD returned error: %v", err)
	}

	s := New(nil, nil)
	_, err = s.Synchronize(context.Background(), interfaces.WatchTarget{ID: "t", Path: cloneDir})
	if err == nil {
		t.Fatal("Expected an error for a detached HEAD without a configured branch, got nil")
	}
	if got := stageOf(t, err); got != StagePull {
		t.Errorf("stage = %s, want %s", got, StagePull)
	}
}

func TestSynchronizeMissingCredentialStore(t *testing.T) {
	upstreamDir, _ := initUpstream(t)
	cloneDir, _ := cloneUpstream(t, upstreamDir)

	s := New(nil, nil)
	_, err := s.Synchronize(context.Background(), interfaces.WatchTarget{ID: "t", Path: cloneDir, Credential: "gh"})
	if err == nil {
		t.Fatal("Expected an error when a credential is named without a store, got nil")
	}
	if got := stageOf(t, err); got != StagePull {
		t.Errorf("stage = %s, want %s", got, StagePull)
	}
}

func TestStageErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := step(StageReset, func() error { return cause })
	if !errors.Is(err, cause) {
		t.Error("StageError does not unwrap to its cause")
	}
	if err.Error() != "reset: boom" {
		t.Errorf("Error() = %q, want %q", err.Error(), "reset: boom")
	}
}
