package coordinator

import (
	"strings"

	"fleet-coordinator/internal/protocol"
)

// FailureClass drives the retry decision for a failed execution.
type FailureClass int

const (
	// Transient failures (network faults, unresponsive devices) retry with backoff.
	Transient FailureClass = iota
	// Permanent failures (bad input, missing permission) never retry.
	Permanent
	// Throttle failures retry with a longer, capped delay.
	Throttle
)

func (c FailureClass) String() string {
	switch c {
	case Permanent:
		return "permanent"
	case Throttle:
		return "throttle"
	default:
		return "transient"
	}
}

var permanentCodes = map[string]bool{
	"PERMISSION_DENIED": true,
	"INVALID_PARAMS":    true,
	"INVALID_INPUT":     true,
	"NOT_FOUND":         true,
	"UNSUPPORTED":       true,
	"UNAUTHENTICATED":   true,
}

var throttleCodes = map[string]bool{
	"RATE_LIMITED":       true,
	"THROTTLED":          true,
	"RESOURCE_EXHAUSTED": true,
	"TOO_MANY_REQUESTS":  true,
}

// Classify maps a worker-reported error to its failure class. Unknown codes
// default to transient: retrying a permanent failure wastes attempts, but
// never retrying a transient one loses work.
func Classify(jobErr *protocol.JobError) FailureClass {
	if jobErr == nil {
		return Transient
	}
	code := strings.ToUpper(jobErr.Code)
	if permanentCodes[code] {
		return Permanent
	}
	if throttleCodes[code] {
		return Throttle
	}
	return Transient
}
