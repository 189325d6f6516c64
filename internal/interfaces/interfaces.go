package interfaces

import (
	"context"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
)

// WatchTarget describes one repository clone under observation.
type WatchTarget struct {
	ID           string
	Path         string // filesystem location of the working clone
	Remote       string
	Branch       string // empty means: whatever branch HEAD points at
	MarkerPath   string
	Credential   string // credential name in the store, empty for anonymous
	PollInterval time.Duration
	PullTimeout  time.Duration
}

// SyncResult is the outcome of one successful synchronization attempt.
type SyncResult struct {
	Before string
	After  string
}

// Changed reports whether the head commit moved during the attempt.
// Comparison is string equality over the full commit hashes.
func (r SyncResult) Changed() bool {
	return r.Before != r.After
}

// Synchronizer performs one clean/pull/compare pass over a clone.
type Synchronizer interface {
	Synchronize(ctx context.Context, target WatchTarget) (SyncResult, error)
}

// Notification announces a detected head movement to embedders.
type Notification struct {
	TargetID string
	Path     string
	Before   string
	After    string
	At       time.Time
}

// Notifier receives change notifications from the observer.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// CredentialSource resolves a credential name to a git transport auth method.
type CredentialSource interface {
	AuthMethod(name string) (transport.AuthMethod, error)
}
