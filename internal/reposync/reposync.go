// Package reposync implements the repository synchronizer: it forces an
// existing clone back to a clean state, pulls the configured remote branch,
// and reports whether the head commit moved. It never clones, creates or
// deletes a repository, and it is not safe for concurrent use against the
// same clone; callers serialize invocations per target.
package reposync

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	gogitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"

	"github.com/user/repowatch/internal/interfaces"
)

const defaultRemote = "origin"

// Synchronizer runs the clean/pull/compare pipeline for repository clones.
type Synchronizer struct {
	credentials interfaces.CredentialSource
	log         *zap.SugaredLogger
}

// New creates a Synchronizer. credentials may be nil when every target is
// anonymous; log may be nil.
func New(credentials interfaces.CredentialSource, log *zap.SugaredLogger) *Synchronizer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Synchronizer{credentials: credentials, log: log}
}

// Synchronize performs one synchronization attempt against the clone at
// target.Path. It returns the head commit identifiers observed before and
// after the pull, or a *StageError naming the stage that aborted the
// pipeline. Uncommitted modifications in the working tree are discarded.
func (s *Synchronizer) Synchronize(ctx context.Context, target interfaces.WatchTarget) (interfaces.SyncResult, error) {
	var (
		res  interfaces.SyncResult
		repo *git.Repository
		wt   *git.Worktree
	)

	if err := step(StagePrecondition, func() error {
		r, err := git.PlainOpen(target.Path)
		if err != nil {
			return fmt.Errorf("open %s: %w", target.Path, err)
		}
		w, err := r.Worktree()
		if err != nil {
			return fmt.Errorf("worktree of %s: %w", target.Path, err)
		}
		repo, wt = r, w
		return nil
	}); err != nil {
		return res, err
	}

	if err := step(StageReset, func() error {
		return wt.Reset(&git.ResetOptions{Mode: git.HardReset})
	}); err != nil {
		return res, err
	}

	if err := step(StageCaptureBefore, func() error {
		commit, err := headCommit(repo)
		if err != nil {
			return err
		}
		res.Before = commit
		return nil
	}); err != nil {
		return res, err
	}

	if err := step(StagePull, func() error {
		return s.pull(ctx, repo, wt, target)
	}); err != nil {
		return res, err
	}

	if err := step(StageCaptureAfter, func() error {
		commit, err := headCommit(repo)
		if err != nil {
			return err
		}
		res.After = commit
		return nil
	}); err != nil {
		return res, err
	}

	if res.Changed() {
		s.log.Infow("head commit moved", "path", target.Path, "before", res.Before, "after", res.After)
	} else {
		s.log.Debugw("head commit unchanged", "path", target.Path, "commit", res.After)
	}
	return res, nil
}

// step runs one pipeline stage and, on error, aborts the whole call with
// the stage label attached.
func step(stage Stage, fn func() error) error {
	if err := fn(); err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

// headCommit reads the full commit identifier of the clone's current HEAD
// from repository metadata. The identifier is never abbreviated.
func headCommit(repo *git.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// pull fetches the target branch from the configured remote and hard-resets
// the working tree onto the remote-tracking reference. Divergence, network
// errors and authentication failures all surface here; there is no merge
// and no conflict resolution.
func (s *Synchronizer) pull(ctx context.Context, repo *git.Repository, wt *git.Worktree, target interfaces.WatchTarget) error {
	branch := target.Branch
	if branch == "" {
		head, err := repo.Head()
		if err != nil {
			return fmt.Errorf("resolve HEAD: %w", err)
		}
		if !head.Name().IsBranch() {
			return fmt.Errorf("HEAD is detached and no branch is configured")
		}
		branch = head.Name().Short()
	}

	remote := target.Remote
	if remote == "" {
		remote = defaultRemote
	}

	auth, err := s.auth(target)
	if err != nil {
		return err
	}

	if target.PullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.PullTimeout)
		defer cancel()
	}

	refSpec := gogitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []gogitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s/%s: %w", remote, branch, err)
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if err != nil {
		return fmt.Errorf("resolve %s/%s: %w", remote, branch, err)
	}

	if err := checkoutBranch(repo, wt, branch, ref.Hash()); err != nil {
		return err
	}

	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset onto %s: %w", ref.Hash(), err)
	}
	return nil
}

// checkoutBranch puts HEAD on the named local branch before the hard reset,
// so resetting never moves the ref of some other checked-out branch. The
// branch is created at hash when the clone does not have it yet.
func checkoutBranch(repo *git.Repository, wt *git.Worktree, branch string, hash plumbing.Hash) error {
	branchRef := plumbing.NewBranchReferenceName(branch)

	head, err := repo.Head()
	if err == nil && head.Name() == branchRef {
		return nil
	}

	opts := &git.CheckoutOptions{Branch: branchRef, Force: true}
	if _, err := repo.Reference(branchRef, false); errors.Is(err, plumbing.ErrReferenceNotFound) {
		opts.Hash = hash
		opts.Create = true
	}
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

func (s *Synchronizer) auth(target interfaces.WatchTarget) (transport.AuthMethod, error) {
	if target.Credential == "" {
		return nil, nil
	}
	if s.credentials == nil {
		return nil, fmt.Errorf("target %s names credential %q but no credential store is configured", target.ID, target.Credential)
	}
	auth, err := s.credentials.AuthMethod(target.Credential)
	if err != nil {
		return nil, fmt.Errorf("resolve credential %q: %w", target.Credential, err)
	}
	return auth, nil
}
