// Package protocol defines the command/event contract between the coordinator
// and remote workers. Messages travel as newline-delimited JSON envelopes over
// a persistent bidirectional connection. The two message families are closed
// sets: an unrecognized type decodes to ErrUnknownType and the session drops
// the message rather than dying.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Coordinator -> worker message types.
const (
	TypeExecuteJob = "execute_job"
	TypeCancelJob  = "cancel_job"
	TypePing       = "ping"
)

// Worker -> coordinator message types.
const (
	TypeRegister    = "register"
	TypeHeartbeat   = "heartbeat"
	TypeJobProgress = "job_progress"
	TypeJobComplete = "job_complete"
	TypePong        = "pong"
)

// ErrUnknownType marks a message whose type tag is outside the closed set.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ErrMalformed marks a frame whose payload or envelope does not parse. Like
// ErrUnknownType it is a per-message error: the stream itself is intact and
// the caller should drop the frame and keep reading.
var ErrMalformed = errors.New("protocol: malformed message")

// Envelope is the wire frame: a type tag plus the raw payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ExecuteJob instructs a worker to run a job on one of its devices.
type ExecuteJob struct {
	JobID      string         `json:"jobId"`
	WorkflowID string         `json:"workflowId"`
	DeviceID   string         `json:"deviceId"`
	Params     map[string]any `json:"params"`
	Priority   string         `json:"priority,omitempty"`
	TimeoutMs  int64          `json:"timeoutMs,omitempty"`
	Retry      int            `json:"retry,omitempty"`
}

// CancelJob requests best-effort termination of a running job.
type CancelJob struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// Ping probes a worker connection.
type Ping struct {
	Timestamp     int64  `json:"timestamp"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// DeviceStatus reports one device's view inside register/heartbeat messages.
type DeviceStatus struct {
	ID     string `json:"id"`
	Serial string `json:"serial"`
	State  string `json:"state"`
	JobID  string `json:"jobId,omitempty"`
}

// Register announces a worker and its connected devices.
type Register struct {
	WorkerID          string         `json:"workerId"`
	WorkerType        string         `json:"workerType"`
	Capabilities      []string       `json:"capabilities"`
	Version           string         `json:"version"`
	Host              string         `json:"host"`
	MaxConcurrentJobs int            `json:"maxConcurrentJobs"`
	ConnectedDevices  []DeviceStatus `json:"connectedDevices"`
}

// WorkerMetrics carries load figures inside a heartbeat.
type WorkerMetrics struct {
	CPU        float64 `json:"cpu"`
	Mem        float64 `json:"mem"`
	ActiveJobs int     `json:"activeJobs"`
	QueuedJobs int     `json:"queuedJobs"`
	Uptime     int64   `json:"uptime"`
}

// Heartbeat proves worker liveness and refreshes device state.
type Heartbeat struct {
	WorkerID  string         `json:"workerId"`
	Timestamp time.Time      `json:"timestamp"`
	Metrics   WorkerMetrics  `json:"metrics"`
	Devices   []DeviceStatus `json:"devices"`
}

// JobProgress reports fractional completion of a running job.
type JobProgress struct {
	JobID       string    `json:"jobId"`
	DeviceID    string    `json:"deviceId"`
	Progress    float64   `json:"progress"`
	CurrentStep string    `json:"currentStep,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// JobComplete is the single terminal event for an execute_job.
type JobComplete struct {
	JobID       string         `json:"jobId"`
	DeviceID    string         `json:"deviceId"`
	Success     bool           `json:"success"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	DurationMs  int64          `json:"durationMs"`
	CompletedAt time.Time      `json:"completedAt"`
	RetryCount  int            `json:"retryCount"`
}

// JobError describes a failure with a machine-readable code used for
// transient/permanent/throttle classification.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Pong answers a ping, echoing its timestamp and correlation id.
type Pong struct {
	Timestamp     int64  `json:"timestamp"`
	PingTimestamp int64  `json:"pingTimestamp"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Encode wraps a typed message in its envelope. The type tag is derived from
// the concrete message type; passing anything outside the closed set fails.
func Encode(msg any) (Envelope, error) {
	var t string
	switch msg.(type) {
	case ExecuteJob, *ExecuteJob:
		t = TypeExecuteJob
	case CancelJob, *CancelJob:
		t = TypeCancelJob
	case Ping, *Ping:
		t = TypePing
	case Register, *Register:
		t = TypeRegister
	case Heartbeat, *Heartbeat:
		t = TypeHeartbeat
	case JobProgress, *JobProgress:
		t = TypeJobProgress
	case JobComplete, *JobComplete:
		t = TypeJobComplete
	case Pong, *Pong:
		t = TypePong
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// Decode unwraps an envelope into its concrete message.
func Decode(env Envelope) (any, error) {
	var msg any
	switch env.Type {
	case TypeExecuteJob:
		msg = &ExecuteJob{}
	case TypeCancelJob:
		msg = &CancelJob{}
	case TypePing:
		msg = &Ping{}
	case TypeRegister:
		msg = &Register{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeJobProgress:
		msg = &JobProgress{}
	case TypeJobComplete:
		msg = &JobComplete{}
	case TypePong:
		msg = &Pong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}
