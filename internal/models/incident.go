package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps free-form severity text, defaulting to medium.
func ParseSeverity(raw string) Severity {
	switch Severity(raw) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(raw)
	default:
		return SeverityMedium
	}
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentDetected       IncidentStatus = "detected"
	IncidentAutoRemediated IncidentStatus = "auto_remediated"
	IncidentFailed         IncidentStatus = "failed"
	IncidentIgnored        IncidentStatus = "ignored"
)

// Open reports whether the incident is still awaiting resolution.
func (s IncidentStatus) Open() bool {
	return s == IncidentDetected
}

// Incident is a detected anomaly for a monitored service.
type Incident struct {
	ID                string         `json:"id"`
	ServiceID         string         `json:"service_id"`
	ServiceName       string         `json:"service_name,omitempty"`
	EnvironmentID     string         `json:"environment_id,omitempty"`
	Signature         string         `json:"signature"`
	Severity          Severity       `json:"severity"`
	Status            IncidentStatus `json:"status"`
	Confidence        float64        `json:"confidence"`
	RootCause         string         `json:"root_cause"`
	RecommendedAction ActionType     `json:"recommended_action"`
	Reasoning         string         `json:"reasoning,omitempty"`
	LogContext        []LogEvent     `json:"log_context,omitempty"`
	Occurrences       int            `json:"occurrences"`
	DetectedAt        time.Time      `json:"detected_at"`
	LastSeenAt        time.Time      `json:"last_seen_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
}

// IncidentDraft is an incident candidate produced by classification.
type IncidentDraft struct {
	ServiceID         string
	ServiceName       string
	EnvironmentID     string
	Signature         string
	Severity          Severity
	Confidence        float64
	RootCause         string
	RecommendedAction ActionType
	Reasoning         string
	LogContext        []LogEvent
	DetectedAt        time.Time
}

// SubmitResult is the outcome of a create-or-update submission.
type SubmitResult string

const (
	SubmitCreated SubmitResult = "created"
	SubmitUpdated SubmitResult = "updated"
	SubmitSkipped SubmitResult = "skipped"
)

// IncidentUpdate carries the mutable attributes of an incident.
type IncidentUpdate struct {
	Status     IncidentStatus
	ResolvedAt *time.Time
}

// Classification is the result returned by the analysis provider.
type Classification struct {
	Severity          Severity   `json:"severity"`
	Confidence        float64    `json:"confidence"`
	RootCause         string     `json:"root_cause"`
	RecommendedAction ActionType `json:"recommended_action"`
	Reasoning         string     `json:"reasoning"`
}
