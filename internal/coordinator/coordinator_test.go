package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/idempotency"
	"fleet-coordinator/internal/models"
	"fleet-coordinator/internal/protocol"
	"fleet-coordinator/internal/rank"
	"fleet-coordinator/internal/registry"
	"fleet-coordinator/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []any
	fail bool
}

func (f *fakeSender) Send(_ string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("worker unreachable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

type harness struct {
	coord  *Coordinator
	reg    *registry.Registry
	mem    *store.Memory
	sender *fakeSender
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Config{
		QuarantineThreshold: 3,
		BackoffMax:          5 * time.Minute,
		ThrottleFactor:      3,
		CancelConfirmWait:   250 * time.Millisecond,
		RetrySweepInterval:  10 * time.Millisecond,
	}
	h := &harness{
		reg:    registry.New(30*time.Second, cfg.QuarantineThreshold),
		mem:    store.NewMemory(),
		sender: &fakeSender{},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.coord = New(cfg, h.reg, h.mem, idempotency.NewStore(client, time.Hour), rank.NewMemoryCounter())
	h.coord.SetSender(h.sender)
	h.coord.now = func() time.Time { return h.now }

	if err := h.coord.RegisterBots([]models.BotDefinition{
		{Key: "play_video", IdempotencyKeys: []string{"account", "video_id"},
			Retry: models.RetryPolicy{MaxRetries: 2, BackoffMs: []int{100, 200}}},
		{Key: "one_shot", Retry: models.RetryPolicy{MaxRetries: 0, BackoffMs: []int{}}},
	}); err != nil {
		t.Fatalf("register bots: %v", err)
	}
	return h
}

func (h *harness) addDevice(t *testing.T, id string) {
	t.Helper()
	h.reg.Upsert(id, "SN-"+id, "worker-1", nil, h.now)
}

func (h *harness) assign(t *testing.T, jobID, botKey string, params map[string]any) models.JobAssignment {
	t.Helper()
	res, err := h.coord.Assign(context.Background(), JobRequest{JobID: jobID, BotKey: botKey, Params: params})
	if err != nil {
		t.Fatalf("assign %s: %v", jobID, err)
	}
	if res.Idempotent {
		t.Fatalf("assign %s: unexpected idempotent hit", jobID)
	}
	return res.Assignment
}

func (h *harness) complete(jobID, deviceID string, success bool, jobErr *protocol.JobError) {
	h.coord.HandleComplete(context.Background(), &protocol.JobComplete{
		JobID:    jobID,
		DeviceID: deviceID,
		Success:  success,
		Result:   map[string]any{"ok": success},
		Error:    jobErr,
	})
}

func TestAssignDispatchesToIdleDevice(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")

	a := h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})
	if a.Status != models.AssignmentRunning || a.DeviceID != "dev-1" {
		t.Fatalf("unexpected assignment: %+v", a)
	}

	msgs := h.sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one execute_job, got %d", len(msgs))
	}
	exec, ok := msgs[0].(protocol.ExecuteJob)
	if !ok || exec.JobID != "job-1" || exec.DeviceID != "dev-1" {
		t.Fatalf("unexpected outbound message: %#v", msgs[0])
	}

	if d, _ := h.reg.Get("dev-1"); d.State != models.DeviceRunning || d.CurrentJobID != "job-1" {
		t.Fatalf("device not reserved: %+v", d)
	}
}

func TestAssignWithoutIdleDeviceStaysPending(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")

	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})
	second := h.assign(t, "job-2", "play_video", map[string]any{"account": "a1", "video_id": "v2"})

	if second.Status != models.AssignmentPending || second.DeviceID != "" {
		t.Fatalf("second assignment should wait for a device: %+v", second)
	}
	if got := len(h.sender.messages()); got != 1 {
		t.Fatalf("expected one execute_job total, got %d", got)
	}
}

func TestAssignUnknownBot(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Assign(context.Background(), JobRequest{BotKey: "nope"})
	if !errors.Is(err, ErrUnknownBot) {
		t.Fatalf("expected ErrUnknownBot, got %v", err)
	}
}

func TestIdempotentRequestReturnsCachedResult(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	params := map[string]any{"account": "a1", "video_id": "v1"}

	h.assign(t, "job-1", "play_video", params)
	h.complete("job-1", "dev-1", true, nil)

	res, err := h.coord.Assign(context.Background(), JobRequest{JobID: "job-2", BotKey: "play_video", Params: params})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.Idempotent {
		t.Fatalf("expected idempotent hit")
	}
	if res.CachedResult["ok"] != true {
		t.Fatalf("expected cached result, got %v", res.CachedResult)
	}
	if got := len(h.sender.messages()); got != 1 {
		t.Fatalf("duplicate request must not dispatch, got %d messages", got)
	}

	// Different key values miss the cache and execute for real.
	fresh := h.assign(t, "job-3", "play_video", map[string]any{"account": "a1", "video_id": "v2"})
	if fresh.Status != models.AssignmentRunning {
		t.Fatalf("non-duplicate request should run: %+v", fresh)
	}
}

func TestTransientFailureFollowsBackoffSchedule(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	params := map[string]any{"account": "a1", "video_id": "v1"}
	h.assign(t, "job-1", "play_video", params)

	h.complete("job-1", "dev-1", false, &protocol.JobError{Code: "TIMEOUT", Message: "device hung"})
	a, err := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if a.Status != models.AssignmentPending || a.RetryCount != 1 {
		t.Fatalf("after first failure: %+v", a)
	}
	if got := a.NextRunAt.Sub(h.now); got != 100*time.Millisecond {
		t.Fatalf("first backoff: want 100ms, got %v", got)
	}
	if d, _ := h.reg.Get("dev-1"); d.State != models.DeviceIdle || d.ConsecutiveFailures != 0 {
		t.Fatalf("retryable failure must requeue device without counting: %+v", d)
	}

	// Redispatch and fail again: second backoff entry applies.
	h.coord.sweepPending(context.Background(), h.now.Add(time.Second))
	h.complete("job-1", "dev-1", false, &protocol.JobError{Code: "TIMEOUT", Message: "again"})
	a, _ = h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.RetryCount != 2 {
		t.Fatalf("after second failure: %+v", a)
	}
	if got := a.NextRunAt.Sub(h.now); got != 200*time.Millisecond {
		t.Fatalf("second backoff: want 200ms, got %v", got)
	}

	// Retries exhausted: the third failure is terminal.
	h.coord.sweepPending(context.Background(), h.now.Add(time.Second))
	h.complete("job-1", "dev-1", false, &protocol.JobError{Code: "TIMEOUT", Message: "still"})
	a, _ = h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.Status != models.AssignmentFailed {
		t.Fatalf("expected failed after exhausting retries: %+v", a)
	}
	recs, _ := h.mem.CompletionsForJob(context.Background(), "job-1")
	if len(recs) != 1 || recs[0].Success || recs[0].Rank != 1 {
		t.Fatalf("expected one failed completion with rank 1: %+v", recs)
	}
	if d, _ := h.reg.Get("dev-1"); d.ConsecutiveFailures != 1 {
		t.Fatalf("terminal failure must count against the device: %+v", d)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})

	h.complete("job-1", "dev-1", false, &protocol.JobError{Code: "PERMISSION_DENIED", Message: "no access"})
	a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.Status != models.AssignmentFailed || a.RetryCount != 0 {
		t.Fatalf("permanent failure must not retry: %+v", a)
	}
	if got := len(h.sender.messages()); got != 1 {
		t.Fatalf("no redispatch expected, got %d messages", got)
	}
}

func TestThrottleFailureStretchesBackoff(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})

	h.complete("job-1", "dev-1", false, &protocol.JobError{Code: "RATE_LIMITED", Message: "slow down"})
	a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if got := a.NextRunAt.Sub(h.now); got != 300*time.Millisecond {
		t.Fatalf("throttle backoff: want 100ms x3, got %v", got)
	}
}

func TestDeviceQuarantinedAfterConsecutiveTerminalFailures(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")

	for i, jobID := range []string{"job-1", "job-2", "job-3"} {
		h.assign(t, jobID, "one_shot", map[string]any{"n": i})
		h.complete(jobID, "dev-1", false, &protocol.JobError{Code: "CRASH", Message: "boom"})
	}

	d, _ := h.reg.Get("dev-1")
	if d.State != models.DeviceQuarantine || d.ConsecutiveFailures != 3 {
		t.Fatalf("expected quarantine after 3 terminal failures: %+v", d)
	}
	if err := h.reg.Reserve("dev-1", "job-4", h.now); !errors.Is(err, registry.ErrNotAssignable) {
		t.Fatalf("quarantined device must refuse work, got %v", err)
	}
}

func TestSuccessRecordsRankAndReleasesDevice(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.addDevice(t, "dev-2")

	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})
	h.assign(t, "job-2", "play_video", map[string]any{"account": "a1", "video_id": "v2"})
	h.complete("job-1", "dev-1", true, nil)
	h.complete("job-2", "dev-2", true, nil)

	for _, jobID := range []string{"job-1", "job-2"} {
		a, _ := h.mem.GetAssignmentByJob(context.Background(), jobID)
		if a.Status != models.AssignmentCompleted || a.ProgressPct != 100 {
			t.Fatalf("%s not finalized: %+v", jobID, a)
		}
		recs, _ := h.mem.CompletionsForJob(context.Background(), jobID)
		if len(recs) != 1 || recs[0].Rank != 1 {
			t.Fatalf("%s: ranks restart per job: %+v", jobID, recs)
		}
	}
	if d, _ := h.reg.Get("dev-1"); d.State != models.DeviceIdle {
		t.Fatalf("device not released: %+v", d)
	}
}

func TestCancelPendingAssignmentImmediately(t *testing.T) {
	h := newHarness(t)
	// No devices: the assignment stays pending.
	a := h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})
	if a.Status != models.AssignmentPending {
		t.Fatalf("precondition: %+v", a)
	}

	if err := h.coord.Cancel(context.Background(), "job-1", "operator", false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if got.Status != models.AssignmentCancelled {
		t.Fatalf("pending cancel must be immediate: %+v", got)
	}
}

func TestLateCompletionAfterCancelIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})

	if err := h.coord.Cancel(context.Background(), "job-1", "operator", false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	msgs := h.sender.messages()
	if _, ok := msgs[len(msgs)-1].(protocol.CancelJob); !ok {
		t.Fatalf("expected cancel_job on the wire, got %#v", msgs[len(msgs)-1])
	}

	// The worker finishes anyway; the result must be discarded.
	h.complete("job-1", "dev-1", true, nil)

	a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.Status != models.AssignmentCancelled {
		t.Fatalf("completion must not override cancel: %+v", a)
	}
	recs, _ := h.mem.CompletionsForJob(context.Background(), "job-1")
	if len(recs) != 0 {
		t.Fatalf("cancelled completion must not be recorded: %+v", recs)
	}
	if d, _ := h.reg.Get("dev-1"); d.State != models.DeviceIdle {
		t.Fatalf("device must return to idle after cancel: %+v", d)
	}
}

func TestCancelFinalizesAfterConfirmWindow(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})

	if err := h.coord.Cancel(context.Background(), "job-1", "stuck", true); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
		if a.Status == models.AssignmentCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cancel never finalized: %+v", a)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbandonedAssignmentRetriesTransiently(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})

	// Heartbeat lapse disconnects the device mid-job.
	h.reg.Sweep(h.now.Add(31 * time.Second))

	a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.Status != models.AssignmentPending || a.RetryCount != 1 {
		t.Fatalf("abandoned assignment must requeue as a transient failure: %+v", a)
	}
	if a.LastError == nil {
		t.Fatalf("abandoned assignment should record why it failed")
	}
	if d, _ := h.reg.Get("dev-1"); d.State != models.DeviceDisconnected || d.ConsecutiveFailures != 0 {
		t.Fatalf("disconnect must not count as a device failure: %+v", d)
	}
}

func TestSweepDispatchesDueRetries(t *testing.T) {
	h := newHarness(t)
	// Submitted with no devices: stays pending.
	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})

	h.addDevice(t, "dev-1")
	h.coord.sweepPending(context.Background(), h.now.Add(time.Second))

	a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.Status != models.AssignmentRunning || a.DeviceID != "dev-1" {
		t.Fatalf("sweep must dispatch the waiting assignment: %+v", a)
	}
}

func TestProgressClampedAndIgnoredAfterTerminal(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})

	h.coord.HandleProgress(context.Background(), &protocol.JobProgress{JobID: "job-1", Progress: 140})
	a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.ProgressPct != 100 {
		t.Fatalf("progress must clamp to 100, got %v", a.ProgressPct)
	}

	h.complete("job-1", "dev-1", true, nil)
	h.coord.HandleProgress(context.Background(), &protocol.JobProgress{JobID: "job-1", Progress: 10})
	a, _ = h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.ProgressPct != 100 {
		t.Fatalf("terminal assignment must ignore late progress, got %v", a.ProgressPct)
	}
}

func TestSupersededDeviceFreedByLateCompletion(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})

	// dev-1 drops off; the attempt is abandoned and redispatched to dev-2.
	h.reg.Sweep(h.now.Add(31 * time.Second))
	h.addDevice(t, "dev-2")
	h.coord.sweepPending(context.Background(), h.now.Add(time.Second))
	a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.DeviceID != "dev-2" || a.Status != models.AssignmentRunning {
		t.Fatalf("redispatch precondition: %+v", a)
	}

	// dev-1 comes back and reports success first, finishing the assignment.
	h.complete("job-1", "dev-1", true, nil)
	// dev-2 finishes the superseded attempt; the result is discarded but the
	// device must return to rotation.
	h.complete("job-1", "dev-2", true, nil)

	d, _ := h.reg.Get("dev-2")
	if d.State != models.DeviceIdle || d.CurrentJobID != "" {
		t.Fatalf("superseded device must be released: %+v", d)
	}
	recs, _ := h.mem.CompletionsForJob(context.Background(), "job-1")
	if len(recs) != 1 {
		t.Fatalf("discarded completion must not be recorded: %+v", recs)
	}
}

func TestInFlightDuplicateAttachesToRunningJob(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.addDevice(t, "dev-2")
	params := map[string]any{"account": "a1", "video_id": "v1"}

	first := h.assign(t, "job-1", "play_video", params)
	if first.Status != models.AssignmentRunning {
		t.Fatalf("precondition: %+v", first)
	}

	// A duplicate submitted while the first is still running must not start a
	// second execution on the free device.
	res, err := h.coord.Assign(context.Background(), JobRequest{JobID: "job-2", BotKey: "play_video", Params: params})
	if err != nil {
		t.Fatalf("duplicate assign: %v", err)
	}
	if !res.Idempotent || res.Assignment.JobID != "job-1" {
		t.Fatalf("duplicate must attach to the in-flight job: %+v", res)
	}
	if got := len(h.sender.messages()); got != 1 {
		t.Fatalf("expected one execute_job total, got %d", got)
	}
	if d, _ := h.reg.Get("dev-2"); d.State != models.DeviceIdle {
		t.Fatalf("duplicate must not reserve a device: %+v", d)
	}

	// After the first run finishes the duplicate resolves from the cache.
	h.complete("job-1", "dev-1", true, nil)
	res, err = h.coord.Assign(context.Background(), JobRequest{JobID: "job-3", BotKey: "play_video", Params: params})
	if err != nil || !res.Idempotent || res.CachedResult["ok"] != true {
		t.Fatalf("expected cached result after completion: %+v err=%v", res, err)
	}
}

func TestDuplicateRunsForRealAfterTerminalFailure(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	params := map[string]any{"account": "a1", "video_id": "v1"}

	h.assign(t, "job-1", "play_video", params)
	h.complete("job-1", "dev-1", false, &protocol.JobError{Code: "PERMISSION_DENIED", Message: "no access"})

	// The failed run left no result behind, so a resubmission executes again
	// instead of attaching to the dead job.
	second := h.assign(t, "job-2", "play_video", params)
	if second.Status != models.AssignmentRunning || second.JobID != "job-2" {
		t.Fatalf("resubmission after failure must execute: %+v", second)
	}
}

type failingRanks struct{}

func (failingRanks) Next(context.Context, string) (int, error) {
	return 0, errors.New("counter offline")
}

func TestRankDerivedFromStoreWhenCounterUnavailable(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.assign(t, "job-1", "one_shot", map[string]any{"n": 1})

	// An earlier attempt already holds rank 1 for this job.
	if err := h.mem.RecordCompletion(context.Background(), models.CompletionRecord{
		AssignmentID: "prior-attempt",
		JobID:        "job-1",
		DeviceID:     "dev-0",
		Success:      true,
		Rank:         1,
		CompletedAt:  h.now,
	}); err != nil {
		t.Fatalf("seed completion: %v", err)
	}

	h.coord.ranks = failingRanks{}
	h.complete("job-1", "dev-1", true, nil)

	recs, _ := h.mem.CompletionsForJob(context.Background(), "job-1")
	if len(recs) != 2 {
		t.Fatalf("expected two completions, got %+v", recs)
	}
	if recs[0].Rank != 1 || recs[1].Rank != 2 {
		t.Fatalf("fallback rank must stay unique per job: %+v", recs)
	}
}

func TestUndeliverableDispatchLeavesAssignmentPending(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "dev-1")
	h.sender.fail = true

	res, err := h.coord.Assign(context.Background(), JobRequest{
		JobID: "job-1", BotKey: "play_video",
		Params: map[string]any{"account": "a1", "video_id": "v1"},
	})
	if err != nil {
		t.Fatalf("assign with unreachable worker: %v", err)
	}
	if res.Assignment.Status != models.AssignmentPending || res.Assignment.DeviceID != "" {
		t.Fatalf("undeliverable dispatch must leave the assignment pending: %+v", res.Assignment)
	}
	if d, _ := h.reg.Get("dev-1"); d.State != models.DeviceIdle || d.CurrentJobID != "" {
		t.Fatalf("failed send must release the device: %+v", d)
	}

	// Once the worker is reachable the sweep places the same assignment.
	h.sender.fail = false
	h.coord.sweepPending(context.Background(), h.now.Add(time.Second))
	a, _ := h.mem.GetAssignmentByJob(context.Background(), "job-1")
	if a.Status != models.AssignmentRunning || a.DeviceID != "dev-1" {
		t.Fatalf("sweep must dispatch once deliverable: %+v", a)
	}
}

func TestDispatchPrefersLongestIdleDevice(t *testing.T) {
	h := newHarness(t)
	h.reg.Upsert("dev-old", "", "worker-1", nil, h.now)
	h.reg.Upsert("dev-new", "", "worker-1", nil, h.now)

	// dev-new worked recently; dev-old has waited longer.
	_ = h.reg.Reserve("dev-new", "warmup", h.now)
	_, _ = h.reg.Release("dev-new", true, h.now)

	a := h.assign(t, "job-1", "play_video", map[string]any{"account": "a1", "video_id": "v1"})
	if a.DeviceID != "dev-old" {
		t.Fatalf("expected FIFO pick of dev-old, got %s", a.DeviceID)
	}
}
