package domain

import "time"

// AlertSeverity ranks operational alerts.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert types raised by the forwarding and publishing paths.
const (
	AlertExecutionCircuitOpen   = "EXECUTION_CIRCUIT_OPEN"
	AlertExecutionForwardFailed = "EXECUTION_FORWARD_FAILED"
	AlertPublisherDisabled      = "PUBLISHER_DISABLED"
)

// Alert is an operational event worth a human's attention.
type Alert struct {
	Type     string
	Severity AlertSeverity
	Message  string
	Details  map[string]string
	At       time.Time
}
