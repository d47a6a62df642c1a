// The worker binary simulates a fleet node: it connects to the coordinator,
// registers a set of devices, heartbeats, and executes jobs by sleeping for a
// params-driven duration. Failure injection via params makes it useful for
// exercising retry, quarantine, and cancellation paths end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/protocol"
)

type device struct {
	id     string
	serial string

	mu     sync.Mutex
	jobID  string
	cancel context.CancelFunc
}

type worker struct {
	id      string
	cfg     config.Config
	devices []*device

	mu     sync.Mutex
	stream *protocol.Stream
	start  time.Time
}

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	deviceCount := 2
	if v := os.Getenv("WORKER_DEVICES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			deviceCount = n
		}
	}

	w := &worker{id: workerID, cfg: cfg, start: time.Now()}
	for i := 0; i < deviceCount; i++ {
		w.devices = append(w.devices, &device{
			id:     fmt.Sprintf("%s-dev-%d", workerID, i),
			serial: fmt.Sprintf("SIM%04d", i),
		})
	}

	// Reconnect loop: a dropped coordinator connection is retried with a
	// fixed delay until shutdown.
	for ctx.Err() == nil {
		if err := w.session(ctx); err != nil && ctx.Err() == nil {
			log.Printf("session ended: %v, reconnecting", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(3 * time.Second):
		}
	}
}

func (w *worker) session(ctx context.Context) error {
	addr := w.cfg.ProtocolAddr
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	stream := protocol.NewStream(conn, 0, 10*time.Second)
	w.mu.Lock()
	w.stream = stream
	w.mu.Unlock()
	defer stream.Close()

	if err := stream.Send(protocol.Register{
		WorkerID:          w.id,
		WorkerType:        "simulator",
		Capabilities:      []string{"simulate"},
		Version:           "dev",
		MaxConcurrentJobs: len(w.devices),
		ConnectedDevices:  w.deviceStatuses(),
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Printf("registered as %s with %d devices", w.id, len(w.devices))

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	go w.heartbeatLoop(hbCtx)

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
				log.Printf("bad frame from coordinator, dropped: %v", err)
				continue
			}
			return err
		}
		switch m := msg.(type) {
		case *protocol.ExecuteJob:
			go w.execute(ctx, m)
		case *protocol.CancelJob:
			w.cancelJob(m.JobID)
		case *protocol.Ping:
			_ = w.send(protocol.Pong{
				Timestamp:     time.Now().UnixMilli(),
				PingTimestamp: m.Timestamp,
				CorrelationID: m.CorrelationID,
			})
		default:
			log.Printf("unhandled %T from coordinator, dropped", msg)
		}
	}
}

func (w *worker) send(msg any) error {
	w.mu.Lock()
	stream := w.stream
	w.mu.Unlock()
	if stream == nil {
		return errors.New("no active session")
	}
	return stream.Send(msg)
}

func (w *worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := 0
			for _, d := range w.devices {
				d.mu.Lock()
				if d.jobID != "" {
					active++
				}
				d.mu.Unlock()
			}
			err := w.send(protocol.Heartbeat{
				WorkerID:  w.id,
				Timestamp: time.Now().UTC(),
				Metrics: protocol.WorkerMetrics{
					ActiveJobs: active,
					Uptime:     int64(time.Since(w.start).Seconds()),
				},
				Devices: w.deviceStatuses(),
			})
			if err != nil {
				log.Printf("heartbeat: %v", err)
			}
		}
	}
}

func (w *worker) deviceStatuses() []protocol.DeviceStatus {
	out := make([]protocol.DeviceStatus, 0, len(w.devices))
	for _, d := range w.devices {
		d.mu.Lock()
		state := "idle"
		if d.jobID != "" {
			state = "running"
		}
		out = append(out, protocol.DeviceStatus{ID: d.id, Serial: d.serial, State: state, JobID: d.jobID})
		d.mu.Unlock()
	}
	return out
}

func (w *worker) findDevice(id string) *device {
	for _, d := range w.devices {
		if d.id == id {
			return d
		}
	}
	return nil
}

// execute simulates one job. Params drive the behavior: duration_ms sets the
// run time, fail=true with error_code injects a failure.
func (w *worker) execute(ctx context.Context, job *protocol.ExecuteJob) {
	d := w.findDevice(job.DeviceID)
	if d == nil {
		w.complete(job, 0, &protocol.JobError{Code: "NOT_FOUND", Message: "unknown device " + job.DeviceID})
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.jobID = job.JobID
	d.cancel = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		d.jobID = ""
		d.cancel = nil
		d.mu.Unlock()
	}()

	duration := 500 * time.Millisecond
	if ms, ok := job.Params["duration_ms"].(float64); ok && ms > 0 {
		duration = time.Duration(ms) * time.Millisecond
	}
	started := time.Now()

	for _, pct := range []float64{25, 50, 75} {
		select {
		case <-jobCtx.Done():
			w.complete(job, time.Since(started).Milliseconds(),
				&protocol.JobError{Code: "CANCELLED", Message: "job cancelled"})
			return
		case <-time.After(duration / 4):
		}
		_ = w.send(protocol.JobProgress{
			JobID:     job.JobID,
			DeviceID:  job.DeviceID,
			Progress:  pct,
			Timestamp: time.Now().UTC(),
		})
	}
	select {
	case <-jobCtx.Done():
		w.complete(job, time.Since(started).Milliseconds(),
			&protocol.JobError{Code: "CANCELLED", Message: "job cancelled"})
		return
	case <-time.After(duration / 4):
	}

	if fail, _ := job.Params["fail"].(bool); fail {
		code, _ := job.Params["error_code"].(string)
		if code == "" {
			code = "SIMULATED_FAILURE"
		}
		w.complete(job, time.Since(started).Milliseconds(),
			&protocol.JobError{Code: code, Message: "failure injected via params"})
		return
	}
	w.complete(job, time.Since(started).Milliseconds(), nil)
}

func (w *worker) complete(job *protocol.ExecuteJob, durationMs int64, jobErr *protocol.JobError) {
	msg := protocol.JobComplete{
		JobID:       job.JobID,
		DeviceID:    job.DeviceID,
		Success:     jobErr == nil,
		DurationMs:  durationMs,
		CompletedAt: time.Now().UTC(),
		RetryCount:  job.Retry,
		Error:       jobErr,
	}
	if jobErr == nil {
		msg.Result = map[string]any{"simulated": true, "duration_ms": durationMs}
	}
	if err := w.send(msg); err != nil {
		log.Printf("report completion for %s: %v", job.JobID, err)
	}
}

func (w *worker) cancelJob(jobID string) {
	for _, d := range w.devices {
		d.mu.Lock()
		if d.jobID == jobID && d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
	}
}
