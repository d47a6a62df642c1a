// Package alerts turns metric conditions into deduplicated, multi-channel
// notifications. Rule conditions come from a closed table of predicates;
// delivery fans out to channels with independent timeouts so one slow target
// cannot stall the pipeline.
package alerts

import (
	"context"
	"log"
	"sync"
	"time"

	"fleet-coordinator/internal/models"
	"fleet-coordinator/internal/telemetry"
)

// Manager evaluates rules against snapshots and sends alerts.
type Manager struct {
	rules      []models.AlertRule
	channels   []Channel
	suppressor Suppressor
	timeout    time.Duration
	now        func() time.Time

	mu     sync.Mutex
	recent []models.Alert
}

// NewManager builds a manager. Channels and rules are fixed at construction.
func NewManager(rules []models.AlertRule, channels []Channel, suppressor Suppressor, channelTimeout time.Duration) *Manager {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Manager{
		rules:      rules,
		channels:   channels,
		suppressor: suppressor,
		timeout:    channelTimeout,
		now:        time.Now,
	}
}

// Evaluate checks every enabled rule against one snapshot and sends whatever
// triggered. Unknown condition keys are logged and skipped, never treated as
// a silent non-match.
func (m *Manager) Evaluate(ctx context.Context, snap models.SystemMetrics) {
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		cond, ok := LookupCondition(rule.Condition)
		if !ok {
			log.Printf("alerts: rule %s references unknown condition %q, skipping", rule.ID, rule.Condition)
			continue
		}
		if !cond(snap) {
			continue
		}
		m.send(ctx, models.Alert{
			RuleID:   rule.ID,
			Severity: rule.Severity,
			Message:  rule.Message,
			Metadata: map[string]any{"collected_at": snap.CollectedAt},
			FiredAt:  m.now(),
		}, false)
	}
}

// Run consumes snapshots from the collector subscription until ctx ends.
func (m *Manager) Run(ctx context.Context, snapshots <-chan models.SystemMetrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			m.Evaluate(ctx, snap)
		}
	}
}

// SendManual delivers an operator-triggered alert, bypassing suppression.
func (m *Manager) SendManual(ctx context.Context, alert models.Alert) {
	if alert.FiredAt.IsZero() {
		alert.FiredAt = m.now()
	}
	m.send(ctx, alert, true)
}

func (m *Manager) send(ctx context.Context, alert models.Alert, manual bool) {
	if !manual && m.suppressor != nil {
		first, err := m.suppressor.TryMark(ctx, alert.Severity, alert.Message)
		if err != nil {
			// Suppression backend down: deliver rather than go silent.
			log.Printf("alerts: suppression check failed, delivering anyway: %v", err)
		} else if !first {
			telemetry.AlertsSuppressed.Inc()
			return
		}
	}

	delivered := false
	var wg sync.WaitGroup
	var deliveredMu sync.Mutex
	for _, ch := range m.channels {
		if !ch.Accepts(alert.Severity) {
			continue
		}
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, alert); err != nil {
				log.Printf("alerts: channel %s failed for rule %s: %v", ch.Name(), alert.RuleID, err)
				return
			}
			deliveredMu.Lock()
			delivered = true
			deliveredMu.Unlock()
		}(ch)
	}
	wg.Wait()

	if delivered {
		telemetry.AlertsSent.Inc()
	}
	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > 100 {
		m.recent = m.recent[len(m.recent)-100:]
	}
	m.mu.Unlock()
}

// Recent returns the last fired alerts, oldest first.
func (m *Manager) Recent() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, len(m.recent))
	copy(out, m.recent)
	return out
}
