// Package metrics samples fleet-wide counters on a fixed interval, keeps a
// bounded rolling history of snapshots, and publishes each snapshot exactly
// once to subscribers. A failing data source degrades its sub-metric to zero;
// the tick itself always produces a snapshot.
package metrics

import (
	"context"
	"log"
	"sync"
	"time"

	"fleet-coordinator/internal/models"
	"fleet-coordinator/internal/store"
)

// DeviceCounter supplies per-state device counts (the registry).
type DeviceCounter interface {
	CountByState() map[string]int
}

// NodeCounter supplies worker node totals (the session manager).
type NodeCounter interface {
	NodeCounts() (total, online int)
}

// Collector produces one immutable SystemMetrics snapshot per tick.
type Collector struct {
	interval time.Duration
	window   time.Duration
	maxLen   int

	devices DeviceCounter
	nodes   NodeCounter
	store   store.Store

	mu      sync.Mutex
	history []models.SystemMetrics
	subs    []chan models.SystemMetrics
	running bool
	stop    context.CancelFunc
}

// New builds a collector. maxLen bounds the history; the oldest snapshot is
// evicted once the cap is reached.
func New(interval, window time.Duration, maxLen int, devices DeviceCounter, nodes NodeCounter, st store.Store) *Collector {
	if maxLen <= 0 {
		maxLen = 60
	}
	return &Collector{
		interval: interval,
		window:   window,
		maxLen:   maxLen,
		devices:  devices,
		nodes:    nodes,
		store:    st,
	}
}

// Start launches the collection loop. Calling Start while already running is
// a no-op; the existing schedule continues.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, c.stop = context.WithCancel(ctx)
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
				return
			case now := <-ticker.C:
				c.Collect(ctx, now)
			}
		}
	}()
}

// Stop cancels the collection loop.
func (c *Collector) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Collect performs one sampling pass and publishes the resulting snapshot.
// Individual sampling failures zero that sub-metric and are logged; the tick
// never aborts.
func (c *Collector) Collect(ctx context.Context, now time.Time) models.SystemMetrics {
	snap := models.SystemMetrics{
		CollectedAt:    now.UTC(),
		DevicesByState: map[string]int{},
	}

	if c.devices != nil {
		snap.DevicesByState = c.devices.CountByState()
	}
	if c.nodes != nil {
		total, online := c.nodes.NodeCounts()
		snap.NodesTotal = total
		snap.NodesOnline = online
		snap.NodesOffline = total - online
	}

	if c.store != nil {
		counts, err := c.store.CountAssignmentsByStatus(ctx)
		if err != nil {
			log.Printf("metrics: assignment counts unavailable, defaulting to zero: %v", err)
		} else {
			snap.QueueWaiting = counts[models.AssignmentPending] + counts[models.AssignmentPaused]
			snap.QueueActive = counts[models.AssignmentRunning]
			snap.QueueCompleted = counts[models.AssignmentCompleted]
			snap.QueueFailed = counts[models.AssignmentFailed]
			snap.WorkflowsRunning = counts[models.AssignmentRunning]
		}

		completed, failed, avgMs, err := c.store.WorkflowStats(ctx, now.Add(-c.window))
		if err != nil {
			log.Printf("metrics: workflow stats unavailable, defaulting to zero: %v", err)
		} else {
			snap.CompletedRecently = completed
			snap.FailedRecently = failed
			snap.AvgDurationMs = avgMs
		}
	}

	c.publish(snap)
	return snap
}

func (c *Collector) publish(snap models.SystemMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, snap)
	if len(c.history) > c.maxLen {
		c.history = c.history[len(c.history)-c.maxLen:]
	}
	for _, sub := range c.subs {
		select {
		case sub <- snap:
		default:
			// A slow subscriber misses the tick rather than stalling the loop.
		}
	}
}

// Subscribe registers a snapshot channel. Subscribers are registered at
// construction/wiring time, before Start.
func (c *Collector) Subscribe(buffer int) <-chan models.SystemMetrics {
	ch := make(chan models.SystemMetrics, buffer)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Latest returns the newest snapshot, if one exists.
func (c *Collector) Latest() (models.SystemMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return models.SystemMetrics{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns a copy of the retained snapshots, oldest first.
func (c *Collector) History() []models.SystemMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.SystemMetrics, len(c.history))
	copy(out, c.history)
	return out
}
