package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-coordinator/internal/models"
)

var (
	once sync.Once

	AssignmentsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_assignments_created_total", Help: "Assignments dispatched to devices"})
	AssignmentsRetried = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_assignments_retried_total", Help: "Assignment retries scheduled"})
	AssignmentsFailed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_assignments_failed_total", Help: "Assignments that exhausted retries or failed permanently"})
	IdempotentHits     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_idempotent_hits_total", Help: "Assignment requests served from idempotency records"})
	HeartbeatsReceived = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_heartbeats_total", Help: "Worker heartbeats received"})
	DevicesQuarantined = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_devices_quarantined_total", Help: "Devices escalated to quarantine"})
	AlertsSent         = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_alerts_sent_total", Help: "Alerts delivered to at least one channel"})
	AlertsSuppressed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_alerts_suppressed_total", Help: "Alerts dropped by the suppression window"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
// snapshotFn feeds the latest collector snapshot into the exposition; until a
// first snapshot exists those series are absent entirely.
func Handler(snapshotFn func() (models.SystemMetrics, bool)) http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AssignmentsCreated,
			AssignmentsRetried,
			AssignmentsFailed,
			IdempotentHits,
			HeartbeatsReceived,
			DevicesQuarantined,
			AlertsSent,
			AlertsSuppressed,
		)
		if snapshotFn != nil {
			prometheus.MustRegister(&snapshotCollector{latest: snapshotFn})
		}
	})
	return promhttp.Handler()
}

// snapshotCollector republishes the newest SystemMetrics snapshot as gauges.
type snapshotCollector struct {
	latest func() (models.SystemMetrics, bool)
}

var (
	descNodesTotal     = prometheus.NewDesc("fleet_nodes_total", "Registered worker nodes", nil, nil)
	descNodesOnline    = prometheus.NewDesc("fleet_nodes_online", "Worker nodes with a live connection", nil, nil)
	descNodesOffline   = prometheus.NewDesc("fleet_nodes_offline", "Worker nodes without a live connection", nil, nil)
	descDevicesByState = prometheus.NewDesc("fleet_devices", "Devices by lifecycle state", []string{"state"}, nil)
	descQueueWaiting   = prometheus.NewDesc("fleet_queue_waiting", "Assignments waiting to run", nil, nil)
	descQueueActive    = prometheus.NewDesc("fleet_queue_active", "Assignments currently running", nil, nil)
	descQueueCompleted = prometheus.NewDesc("fleet_queue_completed", "Assignments completed", nil, nil)
	descQueueFailed    = prometheus.NewDesc("fleet_queue_failed", "Assignments failed", nil, nil)
	descWfRunning      = prometheus.NewDesc("fleet_workflows_running", "Workflows currently running", nil, nil)
	descWfCompleted    = prometheus.NewDesc("fleet_workflows_completed_window", "Workflows completed in the stats window", nil, nil)
	descWfFailed       = prometheus.NewDesc("fleet_workflows_failed_window", "Workflows failed in the stats window", nil, nil)
	descWfAvgDuration  = prometheus.NewDesc("fleet_workflow_avg_duration_ms", "Average workflow duration in the stats window", nil, nil)
)

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descNodesTotal
	ch <- descNodesOnline
	ch <- descNodesOffline
	ch <- descDevicesByState
	ch <- descQueueWaiting
	ch <- descQueueActive
	ch <- descQueueCompleted
	ch <- descQueueFailed
	ch <- descWfRunning
	ch <- descWfCompleted
	ch <- descWfFailed
	ch <- descWfAvgDuration
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap, ok := c.latest()
	if !ok {
		return
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	gauge(descNodesTotal, float64(snap.NodesTotal))
	gauge(descNodesOnline, float64(snap.NodesOnline))
	gauge(descNodesOffline, float64(snap.NodesOffline))
	for state, n := range snap.DevicesByState {
		gauge(descDevicesByState, float64(n), state)
	}
	gauge(descQueueWaiting, float64(snap.QueueWaiting))
	gauge(descQueueActive, float64(snap.QueueActive))
	gauge(descQueueCompleted, float64(snap.QueueCompleted))
	gauge(descQueueFailed, float64(snap.QueueFailed))
	gauge(descWfRunning, float64(snap.WorkflowsRunning))
	gauge(descWfCompleted, float64(snap.CompletedRecently))
	gauge(descWfFailed, float64(snap.FailedRecently))
	gauge(descWfAvgDuration, float64(snap.AvgDurationMs))
}
