// Package store persists incidents, remediation actions and service
// configuration for the remediator pipeline.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract used by the engine, coordinator and manager.
type Store interface {
	// CreateOrUpdateIncident applies the dedup policy against the most recent
	// incident with the same signature.
	CreateOrUpdateIncident(ctx context.Context, draft models.IncidentDraft) (models.SubmitResult, models.Incident, error)
	GetIncident(ctx context.Context, id string) (models.Incident, error)
	UpdateIncident(ctx context.Context, id string, update models.IncidentUpdate) (models.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.Incident, error)

	CreateRemediationAction(ctx context.Context, action models.RemediationAction) (models.RemediationAction, error)
	// UpdateRemediationAction rejects transitions the action state machine does
	// not allow, so a terminal action can never be finalised twice.
	UpdateRemediationAction(ctx context.Context, id string, update models.ActionUpdate) (models.RemediationAction, error)
	GetRemediationAction(ctx context.Context, id string) (models.RemediationAction, error)
	ListRemediationActions(ctx context.Context, incidentID string) ([]models.RemediationAction, error)

	GetServiceConfig(ctx context.Context, serviceID string) (models.ServiceConfig, error)
	CreateServiceConfig(ctx context.Context, cfg models.ServiceConfig) (models.ServiceConfig, error)
	UpdateServiceConfig(ctx context.Context, cfg models.ServiceConfig) (models.ServiceConfig, error)

	Close() error
}

// IncidentFilter narrows ListIncidents. Zero values match everything.
type IncidentFilter struct {
	ServiceID string
	Status    models.IncidentStatus
	Limit     int
}

// Options tune the dedup behaviour shared by every implementation.
type Options struct {
	// DedupWindow is how long an incident keeps suppressing repeats.
	DedupWindow time.Duration
	// ContextLimit caps stored log context per incident. Zero keeps all.
	ContextLimit int
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DedupWindow <= 0 {
		o.DedupWindow = time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (f IncidentFilter) matches(inc models.Incident) bool {
	if f.ServiceID != "" && inc.ServiceID != f.ServiceID {
		return false
	}
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	return true
}

// ServiceConfigStore is the service configuration subset of Store.
type ServiceConfigStore interface {
	GetServiceConfig(ctx context.Context, serviceID string) (models.ServiceConfig, error)
	CreateServiceConfig(ctx context.Context, cfg models.ServiceConfig) (models.ServiceConfig, error)
	UpdateServiceConfig(ctx context.Context, cfg models.ServiceConfig) (models.ServiceConfig, error)
}

// SaveServiceConfig creates cfg or, when it already exists, updates it.
func SaveServiceConfig(ctx context.Context, s ServiceConfigStore, cfg models.ServiceConfig) (models.ServiceConfig, error) {
	_, err := s.GetServiceConfig(ctx, cfg.ServiceID)
	switch {
	case err == nil:
		return s.UpdateServiceConfig(ctx, cfg)
	case errors.Is(err, ErrNotFound):
		return s.CreateServiceConfig(ctx, cfg)
	default:
		return models.ServiceConfig{}, err
	}
}
