package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersCarryTargetLabel(t *testing.T) {
	const target = "metrics-test-repo"

	before := testutil.ToFloat64(syncCount.WithLabelValues(target))
	SyncStarted(target)
	if got := testutil.ToFloat64(syncCount.WithLabelValues(target)) - before; got != 1 {
		t.Errorf("sync count for %q increased by %v, want 1", target, got)
	}

	before = testutil.ToFloat64(syncFailed.WithLabelValues(target, "pull"))
	SyncFailed(target, "pull")
	if got := testutil.ToFloat64(syncFailed.WithLabelValues(target, "pull")) - before; got != 1 {
		t.Errorf("failure count for %q increased by %v, want 1", target, got)
	}

	before = testutil.ToFloat64(changesDetected.WithLabelValues(target))
	ChangeDetected(target)
	if got := testutil.ToFloat64(changesDetected.WithLabelValues(target)) - before; got != 1 {
		t.Errorf("change count for %q increased by %v, want 1", target, got)
	}

	SyncSucceeded(target, time.Now())
	if got := testutil.ToFloat64(lastSyncEnd.WithLabelValues(target)); got <= 0 {
		t.Errorf("last sync end timestamp for %q = %v, want a positive unix time", target, got)
	}
}

func TestCountersIsolatePerTarget(t *testing.T) {
	SyncStarted("repo-a")
	if got := testutil.ToFloat64(syncCount.WithLabelValues("repo-a-untouched")); got != 0 {
		t.Errorf("sync count leaked across targets: got %v, want 0", got)
	}
}
