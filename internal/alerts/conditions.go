package alerts

import "fleet-coordinator/internal/models"

// Condition is a pure predicate over one snapshot. The table below is the
// closed set of evaluators; rules reference them by key and nothing executable
// ever comes from configuration.
type Condition func(models.SystemMetrics) bool

var conditions = map[string]Condition{
	"nodes_offline": func(m models.SystemMetrics) bool {
		return m.NodesOffline > 0
	},
	"all_nodes_offline": func(m models.SystemMetrics) bool {
		return m.NodesTotal > 0 && m.NodesOnline == 0
	},
	"devices_quarantined": func(m models.SystemMetrics) bool {
		return m.DevicesByState[models.DeviceQuarantine] > 0
	},
	"devices_disconnected": func(m models.SystemMetrics) bool {
		return m.DevicesByState[models.DeviceDisconnected] > 0
	},
	"no_idle_devices": func(m models.SystemMetrics) bool {
		total := 0
		for _, n := range m.DevicesByState {
			total += n
		}
		return total > 0 && m.DevicesByState[models.DeviceIdle] == 0
	},
	"queue_backlog": func(m models.SystemMetrics) bool {
		return m.QueueWaiting > 50
	},
	"high_failure_rate": func(m models.SystemMetrics) bool {
		total := m.CompletedRecently + m.FailedRecently
		return total >= 5 && m.FailedRecently*2 > total
	},
	"any_recent_failures": func(m models.SystemMetrics) bool {
		return m.FailedRecently > 0
	},
}

// LookupCondition resolves a condition key against the closed table.
func LookupCondition(key string) (Condition, bool) {
	c, ok := conditions[key]
	return c, ok
}

// DefaultRules is the rule set installed when no explicit rules are wired.
func DefaultRules() []models.AlertRule {
	return []models.AlertRule{
		{ID: "all-nodes-offline", Severity: models.SeverityCritical, Condition: "all_nodes_offline", Message: "all worker nodes are offline", Enabled: true},
		{ID: "nodes-offline", Severity: models.SeverityWarning, Condition: "nodes_offline", Message: "one or more worker nodes are offline", Enabled: true},
		{ID: "devices-quarantined", Severity: models.SeverityCritical, Condition: "devices_quarantined", Message: "devices are quarantined and need operator attention", Enabled: true},
		{ID: "no-idle-devices", Severity: models.SeverityWarning, Condition: "no_idle_devices", Message: "no idle devices available for assignment", Enabled: true},
		{ID: "queue-backlog", Severity: models.SeverityWarning, Condition: "queue_backlog", Message: "assignment backlog is growing", Enabled: true},
		{ID: "high-failure-rate", Severity: models.SeverityCritical, Condition: "high_failure_rate", Message: "more than half of recent workflows failed", Enabled: true},
	}
}
