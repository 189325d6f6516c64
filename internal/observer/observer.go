// Package observer runs the repo-observer loop: one goroutine per watched
// clone, each ticking at its own poll interval and invoking the
// synchronizer. A target is only ever handled by its own goroutine, which
// gives the at-most-one-in-flight-synchronization-per-clone guarantee.
//
// On a detected change the observer rewrites the target's commit marker,
// emits a notification on the event channel and bumps the change counter.
// Failures are logged with their stage label and retried on the next tick;
// the observer never retries within a tick.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/repowatch/internal/config"
	"github.com/user/repowatch/internal/interfaces"
	"github.com/user/repowatch/internal/marker"
	"github.com/user/repowatch/internal/metrics"
	"github.com/user/repowatch/internal/reposync"
)

const eventBuffer = 64

type managedTarget struct {
	target interfaces.WatchTarget
	cancel context.CancelFunc
}

// Observer manages the poll loops of all watched targets.
type Observer struct {
	syncer   interfaces.Synchronizer
	notifier interfaces.Notifier
	log      *zap.SugaredLogger

	mu      sync.Mutex
	managed map[string]*managedTarget
	wg      sync.WaitGroup
	events  chan interfaces.Notification
}

// New creates an Observer driving the given synchronizer. log may be nil.
func New(syncer interfaces.Synchronizer, log *zap.SugaredLogger) *Observer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Observer{
		syncer:  syncer,
		log:     log,
		managed: make(map[string]*managedTarget),
		events:  make(chan interfaces.Notification, eventBuffer),
	}
}

// WithNotifier additionally delivers every change notification to n,
// synchronously from the target's poll loop.
func (o *Observer) WithNotifier(n interfaces.Notifier) *Observer {
	o.notifier = n
	return o
}

// Events returns the channel change notifications are published on. Slow
// consumers do not stall the poll loops; overflowing events are dropped.
func (o *Observer) Events() <-chan interfaces.Notification {
	return o.events
}

// Add registers a target and starts its poll loop. It returns an error if
// a target with the same id is already managed.
func (o *Observer) Add(target interfaces.WatchTarget) error {
	if target.ID == "" || target.Path == "" {
		return fmt.Errorf("target id and path must be provided")
	}
	if target.PollInterval <= 0 {
		target.PollInterval = config.DefaultPollInterval
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.managed[target.ID]; exists {
		return fmt.Errorf("target %q is already managed", target.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.managed[target.ID] = &managedTarget{target: target, cancel: cancel}

	o.log.Infow("watching repository",
		"target", target.ID, "path", target.Path, "remote", target.Remote,
		"interval", target.PollInterval.String())

	o.wg.Add(1)
	go o.watch(ctx, target)
	return nil
}

// Remove stops the poll loop of the named target.
func (o *Observer) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	mt, ok := o.managed[id]
	if !ok {
		return fmt.Errorf("no managed target %q", id)
	}
	mt.cancel()
	delete(o.managed, id)
	return nil
}

// Stop halts every poll loop, waits for in-flight synchronizations and
// closes the event channel.
func (o *Observer) Stop() {
	o.mu.Lock()
	for id, mt := range o.managed {
		mt.cancel()
		delete(o.managed, id)
	}
	o.mu.Unlock()

	o.wg.Wait()
	close(o.events)
}

// watch is the poll loop of a single target. The first pass runs
// immediately; later passes follow the target's interval.
func (o *Observer) watch(ctx context.Context, target interfaces.WatchTarget) {
	defer o.wg.Done()

	o.observe(ctx, target)

	ticker := time.NewTicker(target.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.observe(ctx, target)
		case <-ctx.Done():
			o.log.Infow("stopped watching repository", "target", target.ID)
			return
		}
	}
}

// observe performs one invocation: clear marker, synchronize, and on a
// detected change publish the new commit.
func (o *Observer) observe(ctx context.Context, target interfaces.WatchTarget) {
	start := time.Now()
	metrics.SyncStarted(target.ID)

	m := marker.New(target.MarkerPath)
	if err := m.Clear(); err != nil {
		o.log.Errorw("failed to clear marker", "target", target.ID, "error", err)
		metrics.SyncFailed(target.ID, "marker")
		return
	}

	res, err := o.syncer.Synchronize(ctx, target)
	if err != nil {
		stage := "unknown"
		var se *reposync.StageError
		if errors.As(err, &se) {
			stage = string(se.Stage)
		}
		o.log.Errorw("synchronization failed",
			"target", target.ID, "path", target.Path, "stage", stage, "error", err)
		metrics.SyncFailed(target.ID, stage)
		return
	}
	metrics.SyncSucceeded(target.ID, start)

	if !res.Changed() {
		return
	}

	if err := m.Write(res.After); err != nil {
		o.log.Errorw("failed to write marker", "target", target.ID, "error", err)
		metrics.SyncFailed(target.ID, "marker")
		return
	}
	metrics.ChangeDetected(target.ID)

	n := interfaces.Notification{
		TargetID: target.ID,
		Path:     target.Path,
		Before:   res.Before,
		After:    res.After,
		At:       time.Now(),
	}
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, n); err != nil {
			o.log.Errorw("notifier rejected change", "target", target.ID, "error", err)
		}
	}
	select {
	case o.events <- n:
	default:
		o.log.Warnw("event channel full, dropping notification",
			"target", target.ID, "commit", res.After)
	}
}
