// Package coordinator hands work to devices with at-most-once semantics,
// drives retry/backoff on failure, and keeps assignment state consistent
// under concurrent completions.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/idempotency"
	"fleet-coordinator/internal/models"
	"fleet-coordinator/internal/protocol"
	"fleet-coordinator/internal/rank"
	"fleet-coordinator/internal/registry"
	"fleet-coordinator/internal/store"
	"fleet-coordinator/internal/telemetry"
)

var (
	// ErrUnknownBot is returned for job requests naming an unregistered bot.
	ErrUnknownBot = errors.New("coordinator: unknown bot key")
	// ErrNoIdleDevice is returned when no candidate device can accept work.
	ErrNoIdleDevice = errors.New("coordinator: no idle device available")
)

// Sender pushes a protocol message to a connected worker.
type Sender interface {
	Send(workerID string, msg any) error
}

// Archiver persists completion results outside the hot path. Nil disables it.
type Archiver interface {
	Archive(ctx context.Context, rec models.CompletionRecord) error
}

// Coordinator owns assignment lifecycle and the worker-facing protocol
// semantics. Construction wires the registry disconnect callback; Run drives
// the pending-retry sweep.
type Coordinator struct {
	cfg      config.Config
	reg      *registry.Registry
	st       store.Store
	idem     *idempotency.Store
	ranks    rank.Counter
	sender   Sender
	archiver Archiver

	botMu       sync.RWMutex
	bots        map[string]models.BotDefinition
	botsVersion string
	botsUpdated time.Time

	cancelMu sync.Mutex
	cancels  map[string]*time.Timer

	rankMu sync.Mutex

	now func() time.Time
}

// New builds a coordinator. sender may be set later via SetSender when the
// session manager is constructed after the coordinator.
func New(cfg config.Config, reg *registry.Registry, st store.Store, idem *idempotency.Store, ranks rank.Counter) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		reg:     reg,
		st:      st,
		idem:    idem,
		ranks:   ranks,
		bots:    make(map[string]models.BotDefinition),
		cancels: make(map[string]*time.Timer),
		now:     time.Now,
	}
	reg.SetOnDisconnect(c.handleAbandoned)
	reg.SetOnQuarantine(func(deviceID string) {
		telemetry.DevicesQuarantined.Inc()
		log.Printf("coordinator: device %s quarantined", deviceID)
	})
	return c
}

// SetSender wires the worker transport.
func (c *Coordinator) SetSender(s Sender) { c.sender = s }

// SetArchiver wires the optional result archiver.
func (c *Coordinator) SetArchiver(a Archiver) { c.archiver = a }

// RegisterBots installs the bot catalog, replacing any previous set.
func (c *Coordinator) RegisterBots(bots []models.BotDefinition) error {
	next := make(map[string]models.BotDefinition, len(bots))
	h := sha256.New()
	for _, b := range bots {
		if err := b.Validate(); err != nil {
			return err
		}
		next[b.Key] = b
		raw, _ := json.Marshal(b)
		h.Write(raw)
	}
	c.botMu.Lock()
	c.bots = next
	c.botsVersion = hex.EncodeToString(h.Sum(nil))[:12]
	c.botsUpdated = c.now().UTC()
	c.botMu.Unlock()
	return nil
}

// Bots returns the catalog plus its version and last update time.
func (c *Coordinator) Bots() ([]models.BotDefinition, string, time.Time) {
	c.botMu.RLock()
	defer c.botMu.RUnlock()
	out := make([]models.BotDefinition, 0, len(c.bots))
	for _, b := range c.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, c.botsVersion, c.botsUpdated
}

func (c *Coordinator) bot(key string) (models.BotDefinition, bool) {
	c.botMu.RLock()
	defer c.botMu.RUnlock()
	b, ok := c.bots[key]
	return b, ok
}

// JobRequest asks for one job to be placed on a device.
type JobRequest struct {
	JobID            string
	BotKey           string
	Params           map[string]any
	CandidateDevices []string
}

// AssignResult reports how a job request was satisfied.
type AssignResult struct {
	Assignment   models.JobAssignment
	CachedResult map[string]any
	Idempotent   bool
}

// Assign creates and dispatches an assignment for the request. If a live
// idempotency record matches the request's fingerprint the cached result is
// returned and no new execution happens.
func (c *Coordinator) Assign(ctx context.Context, req JobRequest) (AssignResult, error) {
	bot, ok := c.bot(req.BotKey)
	if !ok {
		return AssignResult{}, fmt.Errorf("%w: %q", ErrUnknownBot, req.BotKey)
	}
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}

	// Bots without idempotency keys run every submission for real.
	var fp string
	if len(bot.IdempotencyKeys) > 0 {
		fp = idempotency.Fingerprint(bot.Key, bot.IdempotencyKeys, req.Params)
		if rec, found, err := c.idem.Lookup(ctx, fp); err != nil {
			log.Printf("coordinator: idempotency lookup failed, proceeding without dedup: %v", err)
		} else if found {
			telemetry.IdempotentHits.Inc()
			return AssignResult{CachedResult: rec.Result, Idempotent: true}, nil
		}

		// The claim decides which of any concurrent duplicates executes; the
		// losers attach to the winner's run instead of dispatching again.
		claimed, ownerJob, err := c.idem.Claim(ctx, fp, req.JobID)
		if err != nil {
			log.Printf("coordinator: idempotency claim failed, proceeding without dedup: %v", err)
		} else if !claimed {
			if res, ok := c.attachToOwner(ctx, fp, ownerJob); ok {
				return res, nil
			}
			// Stale claim from a run that never released it: take it over.
			_ = c.idem.ReleaseClaim(ctx, fp)
			if _, _, err := c.idem.Claim(ctx, fp, req.JobID); err != nil {
				log.Printf("coordinator: idempotency reclaim failed: %v", err)
			}
		}
	}

	now := c.now().UTC()
	a := models.JobAssignment{
		ID:          uuid.New().String(),
		JobID:       req.JobID,
		BotKey:      bot.Key,
		Params:      req.Params,
		Status:      models.AssignmentPending,
		Fingerprint: fp,
		NextRunAt:   now,
		AssignedAt:  now,
	}
	if err := c.st.CreateAssignment(ctx, a); err != nil {
		return AssignResult{}, fmt.Errorf("create assignment: %w", err)
	}

	if err := c.dispatch(ctx, &a, req.CandidateDevices); err != nil {
		if errors.Is(err, ErrNoIdleDevice) {
			// Left pending; the sweep places it once a device frees up.
			return AssignResult{Assignment: a}, nil
		}
		return AssignResult{}, err
	}
	return AssignResult{Assignment: a}, nil
}

// attachToOwner resolves a lost idempotency claim into a result for the
// duplicate caller: the cached record when the owner already finished, or the
// owner's live assignment. ok=false means the claim is stale (its run ended
// without a record) and the caller should execute for real.
func (c *Coordinator) attachToOwner(ctx context.Context, fp, ownerJob string) (AssignResult, bool) {
	if rec, found, err := c.idem.Lookup(ctx, fp); err == nil && found {
		telemetry.IdempotentHits.Inc()
		return AssignResult{CachedResult: rec.Result, Idempotent: true}, true
	}
	a, err := c.st.GetAssignmentByJob(ctx, ownerJob)
	if err != nil {
		// The winner holds the claim but has not persisted yet. Point the
		// caller at the owning job rather than risk a second execution.
		telemetry.IdempotentHits.Inc()
		return AssignResult{
			Assignment: models.JobAssignment{JobID: ownerJob, Status: models.AssignmentPending},
			Idempotent: true,
		}, true
	}
	if a.Terminal() || a.Status == models.AssignmentFailed {
		return AssignResult{}, false
	}
	telemetry.IdempotentHits.Inc()
	return AssignResult{Assignment: a, Idempotent: true}, true
}

// dispatch walks idle devices in FIFO order (longest since last assignment
// first), reserves one, and sends execute_job. The reserve happens before the
// send so no other tick can claim the device; an unreachable worker releases
// the claim and the next device is tried. ErrNoIdleDevice leaves the
// assignment pending for the sweep.
func (c *Coordinator) dispatch(ctx context.Context, a *models.JobAssignment, candidates []string) error {
	now := c.now().UTC()
	idle := c.reg.Idle(candidates)
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastAssigned.Before(idle[j].LastAssigned)
	})

	for _, device := range idle {
		if err := c.reg.Reserve(device.ID, a.JobID, now); err != nil {
			// Lost the race for this device; try the next idle one.
			if errors.Is(err, registry.ErrNotAssignable) {
				continue
			}
			return fmt.Errorf("reserve device: %w", err)
		}

		if c.sender != nil {
			err := c.sender.Send(device.WorkerID, protocol.ExecuteJob{
				JobID:      a.JobID,
				WorkflowID: a.BotKey,
				DeviceID:   device.ID,
				Params:     a.Params,
				Retry:      a.RetryCount,
			})
			if err != nil {
				log.Printf("coordinator: execute_job to %s undeliverable: %v", device.WorkerID, err)
				_ = c.reg.Requeue(device.ID)
				continue
			}
		}

		a.DeviceID = device.ID
		a.WorkerID = device.WorkerID
		a.Status = models.AssignmentRunning
		started := now
		a.StartedAt = &started

		if err := c.st.UpdateAssignment(ctx, *a); err != nil {
			log.Printf("coordinator: persist dispatched assignment %s: %v", a.ID, err)
		}
		_ = c.st.AppendAudit(ctx, a.ID, "dispatched", fmt.Sprintf("device=%s retry=%d", device.ID, a.RetryCount))
		telemetry.AssignmentsCreated.Inc()
		return nil
	}
	return ErrNoIdleDevice
}

// HandleRegister admits a worker's devices into the registry.
func (c *Coordinator) HandleRegister(ctx context.Context, reg *protocol.Register) {
	now := c.now().UTC()
	for _, ds := range reg.ConnectedDevices {
		d := c.reg.Upsert(ds.ID, ds.Serial, reg.WorkerID, reg.Capabilities, now)
		if err := c.st.UpsertDevice(ctx, d); err != nil {
			log.Printf("coordinator: persist device %s: %v", d.ID, err)
		}
	}
	log.Printf("coordinator: worker %s registered with %d devices", reg.WorkerID, len(reg.ConnectedDevices))
}

// HandleHeartbeat refreshes liveness for the worker's devices.
func (c *Coordinator) HandleHeartbeat(ctx context.Context, hb *protocol.Heartbeat) {
	telemetry.HeartbeatsReceived.Inc()
	now := c.now().UTC()
	for _, ds := range hb.Devices {
		if err := c.reg.Heartbeat(ds.ID, now); errors.Is(err, registry.ErrNotFound) {
			// Device appeared mid-session; admit it.
			c.reg.Upsert(ds.ID, ds.Serial, hb.WorkerID, nil, now)
		}
	}
}

// HandleProgress records fractional completion for a running assignment.
func (c *Coordinator) HandleProgress(ctx context.Context, p *protocol.JobProgress) {
	a, err := c.st.GetAssignmentByJob(ctx, p.JobID)
	if err != nil {
		log.Printf("coordinator: progress for unknown job %s dropped", p.JobID)
		return
	}
	if a.Terminal() {
		return
	}
	pct := p.Progress
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if err := c.st.SetProgress(ctx, a.ID, pct); err != nil {
		log.Printf("coordinator: persist progress for %s: %v", a.ID, err)
	}
}

// HandleComplete processes the terminal event for an execution attempt. Late
// completions for cancelled assignments are reconciled: result discarded,
// status kept.
func (c *Coordinator) HandleComplete(ctx context.Context, jc *protocol.JobComplete) {
	a, err := c.st.GetAssignmentByJob(ctx, jc.JobID)
	if err != nil {
		log.Printf("coordinator: completion for unknown job %s dropped", jc.JobID)
		return
	}

	if cancelled := c.confirmCancel(ctx, &a); cancelled {
		// The worker confirmed (or raced) a cancel; the device is free again
		// but the outcome is discarded.
		_ = c.reg.Requeue(jc.DeviceID)
		return
	}
	// Re-read: the cancel confirm timer may have finalized concurrently.
	if fresh, err := c.st.GetAssignment(ctx, a.ID); err == nil {
		a = fresh
	}
	if a.Terminal() {
		log.Printf("coordinator: late completion for %s assignment %s discarded", a.Status, a.ID)
		// The reporting device may still hold the job from a superseded
		// attempt; without a requeue it would stay running forever.
		if d, err := c.reg.Get(jc.DeviceID); err == nil && d.CurrentJobID == jc.JobID {
			_ = c.reg.Requeue(jc.DeviceID)
		}
		return
	}

	if jc.Success {
		c.completeSuccess(ctx, a, jc)
		return
	}
	c.completeFailure(ctx, a, jc)
}

func (c *Coordinator) completeSuccess(ctx context.Context, a models.JobAssignment, jc *protocol.JobComplete) {
	now := c.now().UTC()
	rankN := c.nextRank(ctx, a.JobID)

	rec := models.CompletionRecord{
		AssignmentID: a.ID,
		JobID:        a.JobID,
		DeviceID:     jc.DeviceID,
		Success:      true,
		Rank:         rankN,
		Result:       jc.Result,
		DurationMs:   jc.DurationMs,
		CompletedAt:  now,
	}
	if err := c.st.RecordCompletion(ctx, rec); err != nil {
		log.Printf("coordinator: record completion for %s: %v", a.ID, err)
	}

	a.Status = models.AssignmentCompleted
	a.ProgressPct = 100
	a.CompletedAt = &now
	a.LastError = nil
	if err := c.st.UpdateAssignment(ctx, a); err != nil {
		log.Printf("coordinator: finalize assignment %s: %v", a.ID, err)
	}
	_ = c.st.AppendAudit(ctx, a.ID, "completed", fmt.Sprintf("device=%s rank=%d", jc.DeviceID, rankN))

	if a.Fingerprint != "" {
		if saved, err := c.idem.Save(ctx, a.Fingerprint, idempotency.Record{
			JobID:       a.JobID,
			Result:      jc.Result,
			CompletedAt: now,
		}); err != nil {
			log.Printf("coordinator: save idempotency record for %s: %v", a.JobID, err)
		} else if !saved {
			log.Printf("coordinator: idempotency record for %s already present", a.JobID)
		}
	}

	if d, err := c.reg.Release(jc.DeviceID, true, now); err == nil {
		_ = c.st.UpsertDevice(ctx, d)
	}

	if c.archiver != nil {
		go func() {
			archCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.archiver.Archive(archCtx, rec); err != nil {
				log.Printf("coordinator: archive result for %s: %v", a.JobID, err)
			}
		}()
	}
}

func (c *Coordinator) completeFailure(ctx context.Context, a models.JobAssignment, jc *protocol.JobComplete) {
	now := c.now().UTC()
	class := Classify(jc.Error)
	errMsg := jc.Error.Error()
	if errMsg == "" {
		errMsg = "unknown failure"
	}

	bot, _ := c.bot(a.BotKey)
	if class != Permanent && a.RetryCount < bot.Retry.MaxRetries {
		delay := c.backoffFor(bot, a.RetryCount, class)
		a.RetryCount++
		a.Status = models.AssignmentPending
		a.DeviceID = ""
		a.WorkerID = ""
		a.NextRunAt = now.Add(delay)
		a.LastError = &errMsg
		if err := c.st.UpdateAssignment(ctx, a); err != nil {
			log.Printf("coordinator: schedule retry for %s: %v", a.ID, err)
		}
		_ = c.st.AppendAudit(ctx, a.ID, "retry_scheduled",
			fmt.Sprintf("class=%s retry=%d next_run=%s", class, a.RetryCount, a.NextRunAt.Format(time.RFC3339)))
		telemetry.AssignmentsRetried.Inc()
		_ = c.reg.Requeue(jc.DeviceID)
		return
	}

	// Permanent failure or retries exhausted: the assignment fails and the
	// device's consecutive-failure streak advances.
	rankN := c.nextRank(ctx, a.JobID)
	if err := c.st.RecordCompletion(ctx, models.CompletionRecord{
		AssignmentID: a.ID,
		JobID:        a.JobID,
		DeviceID:     jc.DeviceID,
		Success:      false,
		Rank:         rankN,
		Error:        &errMsg,
		DurationMs:   jc.DurationMs,
		CompletedAt:  now,
	}); err != nil {
		log.Printf("coordinator: record failed completion for %s: %v", a.ID, err)
	}

	a.Status = models.AssignmentFailed
	a.CompletedAt = &now
	a.LastError = &errMsg
	if err := c.st.UpdateAssignment(ctx, a); err != nil {
		log.Printf("coordinator: finalize failed assignment %s: %v", a.ID, err)
	}
	_ = c.st.AppendAudit(ctx, a.ID, "failed", fmt.Sprintf("class=%s error=%s", class, errMsg))
	telemetry.AssignmentsFailed.Inc()
	c.releaseClaim(ctx, a)

	if d, err := c.reg.Release(jc.DeviceID, false, now); err == nil {
		_ = c.st.UpsertDevice(ctx, d)
		if d.State == models.DeviceError {
			// Below the quarantine threshold the device goes straight back
			// into rotation; the failure streak is what escalates.
			_ = c.reg.ClearError(d.ID)
		}
	}
}

// nextRank hands out the completion rank for jobID. When the counter backend
// is unavailable it derives the rank from the recorded completions so the
// (job, rank) pair stays unique.
func (c *Coordinator) nextRank(ctx context.Context, jobID string) int {
	n, err := c.ranks.Next(ctx, jobID)
	if err == nil {
		return n
	}
	log.Printf("coordinator: rank counter for job %s unavailable, deriving from store: %v", jobID, err)
	c.rankMu.Lock()
	defer c.rankMu.Unlock()
	recs, rerr := c.st.CompletionsForJob(ctx, jobID)
	if rerr != nil {
		log.Printf("coordinator: completions for job %s unavailable: %v", jobID, rerr)
		return 1
	}
	max := 0
	for _, r := range recs {
		if r.Rank > max {
			max = r.Rank
		}
	}
	return max + 1
}

// releaseClaim drops the in-flight dedup claim so a later submission with the
// same fingerprint executes for real.
func (c *Coordinator) releaseClaim(ctx context.Context, a models.JobAssignment) {
	if a.Fingerprint == "" {
		return
	}
	if err := c.idem.ReleaseClaim(ctx, a.Fingerprint); err != nil {
		log.Printf("coordinator: release idempotency claim for %s: %v", a.JobID, err)
	}
}

// backoffFor returns the wait before retry attempt retryCount. The schedule
// comes from the bot's policy; throttle failures stretch it by the configured
// factor, capped at BackoffMax.
func (c *Coordinator) backoffFor(bot models.BotDefinition, retryCount int, class FailureClass) time.Duration {
	var delay time.Duration
	switch {
	case retryCount < len(bot.Retry.BackoffMs):
		delay = time.Duration(bot.Retry.BackoffMs[retryCount]) * time.Millisecond
	case len(c.cfg.DefaultBackoff) > 0:
		idx := retryCount
		if idx >= len(c.cfg.DefaultBackoff) {
			idx = len(c.cfg.DefaultBackoff) - 1
		}
		delay = c.cfg.DefaultBackoff[idx]
	default:
		delay = 5 * time.Second
	}
	if class == Throttle {
		factor := c.cfg.ThrottleFactor
		if factor <= 1 {
			factor = 3
		}
		delay *= time.Duration(factor)
	}
	if c.cfg.BackoffMax > 0 && delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}
	return delay
}

// Cancel requests best-effort termination. The assignment becomes cancelled
// on explicit confirmation or after the confirm window elapses; either way no
// further retries happen.
func (c *Coordinator) Cancel(ctx context.Context, jobID, reason string, force bool) error {
	a, err := c.st.GetAssignmentByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if a.Terminal() {
		return nil
	}

	if a.Status == models.AssignmentPending {
		// Never dispatched (or waiting on a retry): cancel immediately.
		c.finalizeCancel(ctx, a.ID)
		return nil
	}

	if c.sender != nil && a.WorkerID != "" {
		err := c.sender.Send(a.WorkerID, protocol.CancelJob{JobID: jobID, Reason: reason, Force: force})
		if err != nil {
			log.Printf("coordinator: cancel_job send to %s failed: %v", a.WorkerID, err)
		}
	}

	c.cancelMu.Lock()
	if _, pending := c.cancels[a.ID]; !pending {
		id := a.ID
		c.cancels[a.ID] = time.AfterFunc(c.cfg.CancelConfirmWait, func() {
			finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.finalizeCancel(finalCtx, id)
		})
	}
	c.cancelMu.Unlock()
	return nil
}

// confirmCancel finalizes a pending cancel when its job_complete arrives.
// Returns true when the completion belonged to a cancel-requested assignment.
func (c *Coordinator) confirmCancel(ctx context.Context, a *models.JobAssignment) bool {
	c.cancelMu.Lock()
	timer, pending := c.cancels[a.ID]
	if pending {
		timer.Stop()
		delete(c.cancels, a.ID)
	}
	c.cancelMu.Unlock()
	if !pending {
		return false
	}
	c.finalizeCancel(ctx, a.ID)
	a.Status = models.AssignmentCancelled
	return true
}

func (c *Coordinator) finalizeCancel(ctx context.Context, assignmentID string) {
	c.cancelMu.Lock()
	if timer, ok := c.cancels[assignmentID]; ok {
		timer.Stop()
		delete(c.cancels, assignmentID)
	}
	c.cancelMu.Unlock()

	a, err := c.st.GetAssignment(ctx, assignmentID)
	if err != nil || a.Terminal() {
		return
	}
	now := c.now().UTC()
	a.Status = models.AssignmentCancelled
	a.CompletedAt = &now
	if err := c.st.UpdateAssignment(ctx, a); err != nil {
		log.Printf("coordinator: finalize cancel for %s: %v", a.ID, err)
	}
	_ = c.st.AppendAudit(ctx, a.ID, "cancelled", "")
	c.releaseClaim(ctx, a)
	if a.DeviceID != "" {
		_ = c.reg.Requeue(a.DeviceID)
	}
}

// handleAbandoned runs when the heartbeat sweep disconnects a device that was
// mid-job. The attempt counts as a transient failure and goes through the
// normal retry path; the device itself is already out of rotation.
func (c *Coordinator) handleAbandoned(deviceID, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := c.st.GetAssignmentByJob(ctx, jobID)
	if err != nil {
		log.Printf("coordinator: abandoned job %s has no assignment", jobID)
		return
	}
	if a.Terminal() {
		return
	}

	now := c.now().UTC()
	errMsg := fmt.Sprintf("device %s unresponsive: heartbeat timeout", deviceID)
	bot, _ := c.bot(a.BotKey)
	if a.RetryCount < bot.Retry.MaxRetries {
		delay := c.backoffFor(bot, a.RetryCount, Transient)
		a.RetryCount++
		a.Status = models.AssignmentPending
		a.DeviceID = ""
		a.WorkerID = ""
		a.NextRunAt = now.Add(delay)
		a.LastError = &errMsg
		if err := c.st.UpdateAssignment(ctx, a); err != nil {
			log.Printf("coordinator: requeue abandoned assignment %s: %v", a.ID, err)
		}
		_ = c.st.AppendAudit(ctx, a.ID, "abandoned_retry", errMsg)
		telemetry.AssignmentsRetried.Inc()
		return
	}

	a.Status = models.AssignmentFailed
	a.CompletedAt = &now
	a.LastError = &errMsg
	if err := c.st.UpdateAssignment(ctx, a); err != nil {
		log.Printf("coordinator: fail abandoned assignment %s: %v", a.ID, err)
	}
	_ = c.st.AppendAudit(ctx, a.ID, "abandoned_failed", errMsg)
	telemetry.AssignmentsFailed.Inc()
	c.releaseClaim(ctx, a)
}

// Run drives the pending sweep: due assignments (fresh submissions that found
// no device, and scheduled retries) are dispatched whenever devices free up.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RetrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.sweepPending(ctx, now)
		}
	}
}

func (c *Coordinator) sweepPending(ctx context.Context, now time.Time) {
	due, err := c.st.DueRetries(ctx, now, 100)
	if err != nil {
		log.Printf("coordinator: pending sweep failed: %v", err)
		return
	}
	for _, a := range due {
		a := a
		if err := c.dispatch(ctx, &a, nil); err != nil {
			if errors.Is(err, ErrNoIdleDevice) {
				return
			}
			log.Printf("coordinator: dispatch pending assignment %s: %v", a.ID, err)
		}
	}
}
