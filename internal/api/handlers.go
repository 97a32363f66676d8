package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// StartMonitoringRequest starts monitoring one service.
type StartMonitoringRequest struct {
	ProjectID           string  `json:"project_id"`
	ServiceID           string  `json:"service_id"`
	EnvironmentID       string  `json:"environment_id,omitempty"`
	Name                string  `json:"name,omitempty"`
	AutoRemediate       *bool   `json:"auto_remediate,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	DefaultMemoryMB     int     `json:"default_memory_mb,omitempty"`
	DefaultReplicas     int     `json:"default_replicas,omitempty"`
	LogFilter           string  `json:"log_filter,omitempty"`
}

// Target returns the monitored target.
func (r StartMonitoringRequest) Target() models.Target {
	return models.Target{ProjectID: r.ProjectID, ServiceID: r.ServiceID, EnvironmentID: r.EnvironmentID, Name: r.Name}
}

// Config returns the service configuration to persist. autoRemediate applies
// when the request leaves the field out.
func (r StartMonitoringRequest) Config(autoRemediate bool) models.ServiceConfig {
	if r.AutoRemediate != nil {
		autoRemediate = *r.AutoRemediate
	}
	return models.ServiceConfig{
		ServiceID:           r.ServiceID,
		ProjectID:           r.ProjectID,
		EnvironmentID:       r.EnvironmentID,
		Name:                r.Name,
		AutoRemediate:       autoRemediate,
		ConfidenceThreshold: r.ConfidenceThreshold,
		DefaultMemoryMB:     r.DefaultMemoryMB,
		DefaultReplicas:     r.DefaultReplicas,
		LogFilter:           r.LogFilter,
	}
}

// StopMonitoringRequest stops monitoring one service.
type StopMonitoringRequest struct {
	ProjectID string `json:"project_id"`
	ServiceID string `json:"service_id"`
}

// ExecuteRemediationRequest is a manual remediation trigger.
type ExecuteRemediationRequest struct {
	IncidentID   string `json:"incident_id"`
	InitiatorRef string `json:"initiator_ref"`
	ActionType   string `json:"action_type,omitempty"`
}

// RemediationStats is the remediation section of GetHealthMetrics.
type RemediationStats struct {
	Dispatched   int64   `json:"dispatched"`
	Succeeded    int64   `json:"succeeded"`
	Failed       int64   `json:"failed"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
}

// DecodeRequest converts a Struct message into T.
func DecodeRequest[T any](msg *structpb.Struct) (T, error) {
	var out T
	if msg == nil {
		return out, fmt.Errorf("request is nil")
	}
	data, err := msg.MarshalJSON()
	if err != nil {
		return out, fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}

// EncodeResponse converts any JSON-serialisable value into a Struct message.
func EncodeResponse(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

// EncodeRequest is EncodeResponse for the client side.
func EncodeRequest(v any) (*structpb.Struct, error) {
	return EncodeResponse(v)
}
