package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleet-coordinator/internal/models"
)

// Memory is the in-process Store used by tests and single-node dev runs.
type Memory struct {
	mu          sync.Mutex
	assignments map[string]models.JobAssignment
	completions map[string][]models.CompletionRecord
	devices     map[string]models.Device
	audits      []models.AuditLog
}

func NewMemory() *Memory {
	return &Memory{
		assignments: make(map[string]models.JobAssignment),
		completions: make(map[string][]models.CompletionRecord),
		devices:     make(map[string]models.Device),
	}
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) CreateAssignment(_ context.Context, a models.JobAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.ID] = a
	return nil
}

func (m *Memory) GetAssignment(_ context.Context, id string) (models.JobAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return models.JobAssignment{}, ErrNotFound
	}
	return a, nil
}

// GetAssignmentByJob returns the most recently assigned record for a job.
func (m *Memory) GetAssignmentByJob(_ context.Context, jobID string) (models.JobAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best models.JobAssignment
	found := false
	for _, a := range m.assignments {
		if a.JobID != jobID {
			continue
		}
		if !found || a.AssignedAt.After(best.AssignedAt) {
			best = a
			found = true
		}
	}
	if !found {
		return models.JobAssignment{}, ErrNotFound
	}
	return best, nil
}

func (m *Memory) UpdateAssignment(_ context.Context, a models.JobAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.ID]; !ok {
		return ErrNotFound
	}
	m.assignments[a.ID] = a
	return nil
}

func (m *Memory) SetProgress(_ context.Context, id string, pct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return ErrNotFound
	}
	a.ProgressPct = pct
	m.assignments[id] = a
	return nil
}

func (m *Memory) DueRetries(_ context.Context, now time.Time, limit int) ([]models.JobAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobAssignment
	for _, a := range m.assignments {
		if a.Status == models.AssignmentPending && !a.NextRunAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountAssignmentsByStatus(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, a := range m.assignments {
		counts[a.Status]++
	}
	return counts, nil
}

func (m *Memory) RecordCompletion(_ context.Context, rec models.CompletionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions[rec.JobID] = append(m.completions[rec.JobID], rec)
	return nil
}

func (m *Memory) CompletionsForJob(_ context.Context, jobID string) ([]models.CompletionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CompletionRecord, len(m.completions[jobID]))
	copy(out, m.completions[jobID])
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (m *Memory) WorkflowStats(_ context.Context, since time.Time) (int, int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var completed, failed int
	var totalMs int64
	for _, recs := range m.completions {
		for _, rec := range recs {
			if rec.CompletedAt.Before(since) {
				continue
			}
			if rec.Success {
				completed++
			} else {
				failed++
			}
			totalMs += rec.DurationMs
		}
	}
	var avg int64
	if n := completed + failed; n > 0 {
		avg = totalMs / int64(n)
	}
	return completed, failed, avg, nil
}

func (m *Memory) UpsertDevice(_ context.Context, d models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, assignmentID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditLog{
		AssignmentID: assignmentID,
		Event:        event,
		Detail:       detail,
		Recorded:     time.Now().UTC(),
	})
	return nil
}

// Audits returns a copy of recorded audit rows, oldest first.
func (m *Memory) Audits() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditLog, len(m.audits))
	copy(out, m.audits)
	return out
}
