package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet-coordinator/internal/models"
	"fleet-coordinator/internal/store"
)

type staticDevices map[string]int

func (s staticDevices) CountByState() map[string]int { return s }

type staticNodes struct{ total, online int }

func (s staticNodes) NodeCounts() (int, int) { return s.total, s.online }

// failingStore errors on every call to exercise per-metric degradation.
type failingStore struct{ store.Store }

func (failingStore) CountAssignmentsByStatus(context.Context) (map[string]int, error) {
	return nil, errors.New("backend down")
}

func (failingStore) WorkflowStats(context.Context, time.Time) (int, int, int64, error) {
	return 0, 0, 0, errors.New("backend down")
}

func TestCollectBuildsSnapshot(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	_ = st.CreateAssignment(ctx, models.JobAssignment{ID: "a1", JobID: "j1", Status: models.AssignmentRunning, AssignedAt: now})
	_ = st.CreateAssignment(ctx, models.JobAssignment{ID: "a2", JobID: "j2", Status: models.AssignmentPending, AssignedAt: now})
	_ = st.RecordCompletion(ctx, models.CompletionRecord{JobID: "j0", Rank: 1, Success: true, DurationMs: 200, CompletedAt: now})
	_ = st.RecordCompletion(ctx, models.CompletionRecord{JobID: "j0", Rank: 2, Success: false, DurationMs: 400, CompletedAt: now})

	c := New(time.Minute, 5*time.Minute, 10,
		staticDevices{models.DeviceIdle: 3, models.DeviceRunning: 1},
		staticNodes{total: 4, online: 3}, st)

	snap := c.Collect(ctx, now)
	if snap.NodesTotal != 4 || snap.NodesOnline != 3 || snap.NodesOffline != 1 {
		t.Fatalf("node counts wrong: %+v", snap)
	}
	if snap.DevicesByState[models.DeviceIdle] != 3 {
		t.Fatalf("device counts wrong: %v", snap.DevicesByState)
	}
	if snap.QueueWaiting != 1 || snap.QueueActive != 1 {
		t.Fatalf("queue depths wrong: %+v", snap)
	}
	if snap.CompletedRecently != 1 || snap.FailedRecently != 1 || snap.AvgDurationMs != 300 {
		t.Fatalf("workflow stats wrong: %+v", snap)
	}
}

func TestCollectDegradesToZeroOnStoreFailure(t *testing.T) {
	c := New(time.Minute, 5*time.Minute, 10, staticDevices{}, staticNodes{total: 2, online: 2}, failingStore{})

	snap := c.Collect(context.Background(), time.Now())
	if snap.QueueWaiting != 0 || snap.CompletedRecently != 0 || snap.AvgDurationMs != 0 {
		t.Fatalf("failed sub-metrics must default to zero: %+v", snap)
	}
	// Partial snapshot still published.
	if _, ok := c.Latest(); !ok {
		t.Fatalf("tick must not be dropped on sampling failure")
	}
	if snap.NodesTotal != 2 {
		t.Fatalf("healthy sub-metrics must survive: %+v", snap)
	}
}

func TestHistoryCapEvictsOldestFirst(t *testing.T) {
	const limit = 5
	c := New(time.Minute, 5*time.Minute, limit, staticDevices{}, staticNodes{}, store.NewMemory())

	start := time.Unix(1700000000, 0)
	for i := 0; i < limit+5; i++ {
		c.Collect(context.Background(), start.Add(time.Duration(i)*time.Minute))
	}

	hist := c.History()
	if len(hist) != limit {
		t.Fatalf("expected history capped at %d, got %d", limit, len(hist))
	}
	// Exactly the most recent limit snapshots remain, oldest first.
	for i, snap := range hist {
		want := start.Add(time.Duration(5+i) * time.Minute).UTC()
		if !snap.CollectedAt.Equal(want) {
			t.Fatalf("history[%d] = %s, want %s", i, snap.CollectedAt, want)
		}
	}
}

func TestSubscribersGetEachSnapshotOnce(t *testing.T) {
	c := New(time.Minute, 5*time.Minute, 10, staticDevices{}, staticNodes{}, store.NewMemory())
	sub := c.Subscribe(4)

	c.Collect(context.Background(), time.Now())
	c.Collect(context.Background(), time.Now().Add(time.Minute))

	if got := len(sub); got != 2 {
		t.Fatalf("expected 2 published snapshots, got %d", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	c := New(10*time.Millisecond, time.Minute, 10, staticDevices{}, staticNodes{}, store.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	c.Start(ctx) // second start must not spawn a second loop

	time.Sleep(35 * time.Millisecond)
	c.Stop()

	hist := c.History()
	// With a single loop at 10ms we expect roughly 3 ticks, not ~6.
	if len(hist) > 4 {
		t.Fatalf("double start likely spawned a second loop: %d ticks", len(hist))
	}
}
