package models

import "time"

// ServiceConfig holds per-service monitoring and remediation settings.
type ServiceConfig struct {
	ServiceID           string    `json:"service_id" yaml:"serviceId"`
	ProjectID           string    `json:"project_id" yaml:"projectId"`
	EnvironmentID       string    `json:"environment_id" yaml:"environmentId"`
	Name                string    `json:"name" yaml:"name"`
	AutoRemediate       bool      `json:"auto_remediate" yaml:"autoRemediate"`
	ConfidenceThreshold float64   `json:"confidence_threshold" yaml:"confidenceThreshold"`
	DefaultMemoryMB     int       `json:"default_memory_mb" yaml:"defaultMemoryMB"`
	DefaultReplicas     int       `json:"default_replicas" yaml:"defaultReplicas"`
	LogFilter           string    `json:"log_filter" yaml:"logFilter"`
	UpdatedAt           time.Time `json:"updated_at" yaml:"-"`
}

// DisplayName prefers the human name over the id.
func (c ServiceConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ServiceID
}

// Deployment is one control-plane deployment record.
type Deployment struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// DeploymentSucceeded reports whether the status denotes a healthy deployment.
func (d Deployment) DeploymentSucceeded() bool {
	return d.Status == "SUCCESS" || d.Status == "success"
}
