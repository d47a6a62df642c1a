// Package registry tracks the live state of every device in the fleet and
// enforces the lifecycle state machine. It is the single authority for which
// devices can accept work; assignment claims go through Reserve so two
// concurrent ticks can never hand the same device out twice.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fleet-coordinator/internal/models"
)

var (
	// ErrNotFound is returned for unknown device ids.
	ErrNotFound = errors.New("registry: device not found")
	// ErrNotAssignable is returned when Reserve hits a device outside idle.
	ErrNotAssignable = errors.New("registry: device cannot accept jobs")
)

// Registry is an in-memory device table guarded by one mutex. The durable
// copy of device rows lives in the store; the registry is the fast path the
// coordinator consults on every assignment and heartbeat.
type Registry struct {
	mu                  sync.RWMutex
	devices             map[string]*models.Device
	heartbeatTimeout    time.Duration
	quarantineThreshold int
	onDisconnect        func(deviceID, jobID string)
	onQuarantine        func(deviceID string)
}

// New builds a registry. heartbeatTimeout is the wall-clock window after the
// last heartbeat before a device is marked disconnected; quarantineThreshold
// is the consecutive-failure count that escalates error to quarantine.
func New(heartbeatTimeout time.Duration, quarantineThreshold int) *Registry {
	if quarantineThreshold <= 0 {
		quarantineThreshold = 3
	}
	return &Registry{
		devices:             make(map[string]*models.Device),
		heartbeatTimeout:    heartbeatTimeout,
		quarantineThreshold: quarantineThreshold,
	}
}

// SetOnDisconnect registers the callback invoked by the sweep when a device
// times out while holding a job. Registered at construction time, before Run.
func (r *Registry) SetOnDisconnect(fn func(deviceID, jobID string)) {
	r.onDisconnect = fn
}

// SetOnQuarantine registers the callback invoked when a device is quarantined.
func (r *Registry) SetOnQuarantine(fn func(deviceID string)) {
	r.onQuarantine = fn
}

// Upsert adds or refreshes a device from a worker register/heartbeat payload.
// A fresh heartbeat revives a disconnected device to idle; quarantine is never
// cleared here.
func (r *Registry) Upsert(id, serial, workerID string, capabilities []string, now time.Time) models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		d = &models.Device{
			ID:           id,
			Serial:       serial,
			State:        models.DeviceIdle,
			WorkerID:     workerID,
			Capabilities: capabilities,
		}
		r.devices[id] = d
	}
	d.WorkerID = workerID
	if serial != "" {
		d.Serial = serial
	}
	if len(capabilities) > 0 {
		d.Capabilities = capabilities
	}
	d.LastHeartbeat = now
	if d.State == models.DeviceDisconnected {
		d.State = models.DeviceIdle
		d.CurrentJobID = ""
	}
	return *d
}

// Heartbeat refreshes the liveness timestamp for a known device. Disconnected
// devices come back as idle; all other states are left alone.
func (r *Registry) Heartbeat(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.LastHeartbeat = now
	if d.State == models.DeviceDisconnected {
		d.State = models.DeviceIdle
		d.CurrentJobID = ""
	}
	return nil
}

// Reserve atomically claims an idle device for a job, moving it to running.
// The claim and the state check happen under one lock acquisition.
func (r *Registry) Reserve(id, jobID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	if !d.CanAcceptJobs() {
		return fmt.Errorf("%w: %s is %s", ErrNotAssignable, id, d.State)
	}
	d.State = models.DeviceRunning
	d.CurrentJobID = jobID
	d.LastAssigned = now
	return nil
}

// Release returns a device to idle after a job outcome. success resets the
// consecutive-failure counter; failure increments it and drives the device
// through error and, past the threshold, into quarantine.
func (r *Registry) Release(id string, success bool, now time.Time) (models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return models.Device{}, ErrNotFound
	}
	d.CurrentJobID = ""
	if success {
		d.ConsecutiveFailures = 0
		if d.State == models.DeviceRunning {
			d.State = models.DeviceIdle
		}
		return *d, nil
	}

	d.ConsecutiveFailures++
	if d.ConsecutiveFailures >= r.quarantineThreshold {
		d.State = models.DeviceQuarantine
		q := now
		d.QuarantinedAt = &q
		if r.onQuarantine != nil {
			go r.onQuarantine(d.ID)
		}
	} else if d.State == models.DeviceRunning || d.State == models.DeviceError {
		d.State = models.DeviceError
	}
	return *d, nil
}

// Requeue puts a device that failed with retries remaining back to idle so it
// can pick up the retry, without touching the failure counter.
func (r *Registry) Requeue(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.State == models.DeviceRunning {
		d.State = models.DeviceIdle
	}
	d.CurrentJobID = ""
	return nil
}

// ClearError moves an errored (not quarantined) device back to idle.
func (r *Registry) ClearError(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.State == models.DeviceError {
		d.State = models.DeviceIdle
	}
	return nil
}

// ResetQuarantine is the explicit operator action that clears quarantine.
func (r *Registry) ResetQuarantine(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.State != models.DeviceQuarantine {
		return fmt.Errorf("registry: device %s is %s, not quarantined", id, d.State)
	}
	d.State = models.DeviceIdle
	d.ConsecutiveFailures = 0
	d.QuarantinedAt = nil
	d.CurrentJobID = ""
	return nil
}

// Get returns a copy of one device.
func (r *Registry) Get(id string) (models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return models.Device{}, ErrNotFound
	}
	return *d, nil
}

// List returns copies of all devices.
func (r *Registry) List() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// Idle returns idle devices, optionally restricted to a candidate set.
func (r *Registry) Idle(candidates []string) []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Device
	if len(candidates) == 0 {
		for _, d := range r.devices {
			if d.CanAcceptJobs() {
				out = append(out, *d)
			}
		}
		return out
	}
	for _, id := range candidates {
		if d, ok := r.devices[id]; ok && d.CanAcceptJobs() {
			out = append(out, *d)
		}
	}
	return out
}

// CountByState tallies devices per lifecycle state.
func (r *Registry) CountByState() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[string]int{
		models.DeviceIdle:         0,
		models.DeviceRunning:      0,
		models.DeviceError:        0,
		models.DeviceQuarantine:   0,
		models.DeviceDisconnected: 0,
	}
	for _, d := range r.devices {
		counts[d.State]++
	}
	return counts
}

// Sweep marks devices whose heartbeat lapsed as disconnected and fires the
// disconnect callback for any that were mid-job. Disconnection is only ever
// entered here, never from a job outcome.
func (r *Registry) Sweep(now time.Time) int {
	type dropped struct{ deviceID, jobID string }
	var drops []dropped

	r.mu.Lock()
	for _, d := range r.devices {
		if d.State != models.DeviceIdle && d.State != models.DeviceRunning {
			continue
		}
		if d.LastHeartbeat.IsZero() || now.Sub(d.LastHeartbeat) < r.heartbeatTimeout {
			continue
		}
		if d.State == models.DeviceRunning && d.CurrentJobID != "" {
			drops = append(drops, dropped{d.ID, d.CurrentJobID})
		}
		d.State = models.DeviceDisconnected
		d.CurrentJobID = ""
	}
	r.mu.Unlock()

	for _, dr := range drops {
		log.Printf("registry: device %s disconnected while running job %s", dr.deviceID, dr.jobID)
		if r.onDisconnect != nil {
			r.onDisconnect(dr.deviceID, dr.jobID)
		}
	}
	return len(drops)
}

// Run drives the periodic heartbeat sweep until the context is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
