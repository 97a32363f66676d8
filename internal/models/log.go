package models

import (
	"strings"
	"time"
)

// LogLevel normalises the severity attached to a streamed log line.
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelFatal    LogLevel = "fatal"
	LevelCritical LogLevel = "critical"
)

// ParseLogLevel maps upstream severity strings onto LogLevel, defaulting to info.
func ParseLogLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "err":
		return LevelError
	case "fatal", "panic":
		return LevelFatal
	case "critical", "crit", "emergency", "alert":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// LogEvent is one normalised log record. It is never mutated after creation.
type LogEvent struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	Level         LogLevel  `json:"level"`
	ServiceID     string    `json:"service_id"`
	EnvironmentID string    `json:"environment_id"`
	Source        string    `json:"source"`
}

// Subscription tracks one live upstream subscription on a connection.
type Subscription struct {
	ID            string
	EnvironmentID string
	Filter        string
	Query         string
	StartedAt     time.Time
}

// Target identifies one monitored service.
type Target struct {
	ProjectID     string `yaml:"projectId" json:"project_id"`
	ServiceID     string `yaml:"serviceId" json:"service_id"`
	EnvironmentID string `yaml:"environmentId" json:"environment_id"`
	Name          string `yaml:"name" json:"name"`
}

// Key returns the registry key for the target.
func (t Target) Key() TargetKey {
	return TargetKey{ProjectID: t.ProjectID, ServiceID: t.ServiceID}
}

// TargetKey is the directory key for a connection.
type TargetKey struct {
	ProjectID string
	ServiceID string
}

func (k TargetKey) String() string {
	return k.ProjectID + "/" + k.ServiceID
}
