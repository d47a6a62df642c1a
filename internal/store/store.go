package store

import (
	"context"
	"errors"
	"time"

	"fleet-coordinator/internal/models"
)

// ErrNotFound is returned for unknown assignment ids.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence collaborator. The coordinator only needs simple
// keyed reads/writes and a few scans; transition legality is enforced by the
// coordinator, not here.
type Store interface {
	Ping(ctx context.Context) error

	CreateAssignment(ctx context.Context, a models.JobAssignment) error
	GetAssignment(ctx context.Context, id string) (models.JobAssignment, error)
	GetAssignmentByJob(ctx context.Context, jobID string) (models.JobAssignment, error)
	UpdateAssignment(ctx context.Context, a models.JobAssignment) error
	SetProgress(ctx context.Context, id string, pct float64) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]models.JobAssignment, error)
	CountAssignmentsByStatus(ctx context.Context) (map[string]int, error)

	RecordCompletion(ctx context.Context, rec models.CompletionRecord) error
	CompletionsForJob(ctx context.Context, jobID string) ([]models.CompletionRecord, error)
	WorkflowStats(ctx context.Context, since time.Time) (completed, failed int, avgDurationMs int64, err error)

	UpsertDevice(ctx context.Context, d models.Device) error
	AppendAudit(ctx context.Context, assignmentID, event, detail string) error
}
