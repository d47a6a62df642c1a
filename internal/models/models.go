package models

import (
	"fmt"
	"time"
)

// DeviceState enumerates device lifecycle states tracked by the registry.
const (
	DeviceIdle         = "idle"
	DeviceRunning      = "running"
	DeviceError        = "error"
	DeviceQuarantine   = "quarantine"
	DeviceDisconnected = "disconnected"
)

// AssignmentStatus enumerates assignment lifecycle states persisted in the store.
const (
	AssignmentPending   = "pending"
	AssignmentPaused    = "paused"
	AssignmentRunning   = "running"
	AssignmentCompleted = "completed"
	AssignmentFailed    = "failed"
	AssignmentCancelled = "cancelled"
)

// Device represents one remote execution unit owned by a worker.
type Device struct {
	ID                  string     `json:"id"`
	Serial              string     `json:"serial"`
	State               string     `json:"state"`
	WorkerID            string     `json:"worker_id"`
	CurrentJobID        string     `json:"current_job_id,omitempty"`
	Capabilities        []string   `json:"capabilities,omitempty"`
	LastHeartbeat       time.Time  `json:"last_heartbeat"`
	LastAssigned        time.Time  `json:"last_assigned"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	QuarantinedAt       *time.Time `json:"quarantined_at,omitempty"`
}

// CanAcceptJobs reports whether the device may receive a new assignment.
func (d Device) CanAcceptJobs() bool {
	return d.State == DeviceIdle
}

// RetryPolicy drives retry scheduling for a bot's jobs. BackoffMs is indexed
// by attempt number and must hold exactly MaxRetries entries.
type RetryPolicy struct {
	MaxRetries int   `json:"maxRetries"`
	BackoffMs  []int `json:"backoffMs"`
}

// BotDefinition declares a unit of work type offered by the fleet.
type BotDefinition struct {
	Key             string      `json:"key"`
	InputEvents     []string    `json:"inputEvents"`
	OutputEvents    []string    `json:"outputEvents"`
	IdempotencyKeys []string    `json:"idempotencyKeys"`
	Retry           RetryPolicy `json:"retryPolicy"`
}

// Validate checks structural rules the coordinator depends on.
func (b BotDefinition) Validate() error {
	if b.Key == "" {
		return fmt.Errorf("bot key is required")
	}
	if b.Retry.MaxRetries < 0 {
		return fmt.Errorf("bot %s: maxRetries must be >= 0", b.Key)
	}
	if len(b.Retry.BackoffMs) != b.Retry.MaxRetries {
		return fmt.Errorf("bot %s: backoffMs must have exactly %d entries, got %d", b.Key, b.Retry.MaxRetries, len(b.Retry.BackoffMs))
	}
	return nil
}

// JobAssignment links a job to a device for one execution attempt series.
type JobAssignment struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	BotKey      string         `json:"bot_key"`
	DeviceID    string         `json:"device_id"`
	WorkerID    string         `json:"worker_id"`
	Params      map[string]any `json:"params"`
	Status      string         `json:"status"`
	ProgressPct float64        `json:"progress_pct"`
	RetryCount  int            `json:"retry_count"`
	Fingerprint string         `json:"fingerprint"`
	NextRunAt   time.Time      `json:"next_run_at"`
	LastError   *string        `json:"last_error,omitempty"`
	AssignedAt  time.Time      `json:"assigned_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the assignment may not transition any further.
func (a JobAssignment) Terminal() bool {
	return a.Status == AssignmentCompleted || a.Status == AssignmentCancelled
}

// CompletionRecord captures the outcome of one finished execution, including
// the gap-free rank among completions for the same job.
type CompletionRecord struct {
	AssignmentID string         `json:"assignment_id"`
	JobID        string         `json:"job_id"`
	DeviceID     string         `json:"device_id"`
	Success      bool           `json:"success"`
	Rank         int            `json:"rank"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *string        `json:"error,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// SystemMetrics is one immutable fleet snapshot produced per collection tick.
type SystemMetrics struct {
	CollectedAt time.Time `json:"collected_at"`

	NodesTotal   int `json:"nodes_total"`
	NodesOnline  int `json:"nodes_online"`
	NodesOffline int `json:"nodes_offline"`

	DevicesByState map[string]int `json:"devices_by_state"`

	QueueWaiting   int `json:"queue_waiting"`
	QueueActive    int `json:"queue_active"`
	QueueCompleted int `json:"queue_completed"`
	QueueFailed    int `json:"queue_failed"`

	WorkflowsRunning  int   `json:"workflows_running"`
	CompletedRecently int   `json:"completed_recently"`
	FailedRecently    int   `json:"failed_recently"`
	AvgDurationMs     int64 `json:"avg_duration_ms"`
}

// AlertSeverity levels, highest first.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// AlertRule binds a named condition over a SystemMetrics snapshot to a message.
type AlertRule struct {
	ID        string `json:"id"`
	Severity  string `json:"severity"`
	Condition string `json:"condition"`
	Message   string `json:"message"`
	Enabled   bool   `json:"enabled"`
}

// Alert is a fired rule instance delivered to notification channels.
type Alert struct {
	RuleID   string         `json:"rule_id,omitempty"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	FiredAt  time.Time      `json:"fired_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	AssignmentID string    `json:"assignment_id"`
	Event        string    `json:"event"`
	Detail       string    `json:"detail"`
	Recorded     time.Time `json:"recorded_at"`
}
