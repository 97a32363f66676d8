package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/dedup"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	opts Options

	mu        sync.RWMutex
	incidents map[string]models.Incident
	bySig     map[string]string // signature -> latest incident id
	actions   map[string]models.RemediationAction
	configs   map[string]models.ServiceConfig
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:      opts.withDefaults(),
		incidents: make(map[string]models.Incident),
		bySig:     make(map[string]string),
		actions:   make(map[string]models.RemediationAction),
		configs:   make(map[string]models.ServiceConfig),
	}
}

func (s *MemoryStore) CreateOrUpdateIncident(_ context.Context, draft models.IncidentDraft) (models.SubmitResult, models.Incident, error) {
	if draft.Signature == "" {
		return "", models.Incident{}, fmt.Errorf("create incident: signature is required")
	}
	now := s.opts.Now()
	if draft.DetectedAt.IsZero() {
		draft.DetectedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *models.Incident
	if id, ok := s.bySig[draft.Signature]; ok {
		inc := s.incidents[id]
		existing = &inc
	}

	switch result := dedup.Decide(existing, now, s.opts.DedupWindow); result {
	case models.SubmitUpdated:
		merged := dedup.Merge(*existing, draft, s.opts.ContextLimit)
		s.incidents[merged.ID] = merged
		return result, cloneIncident(merged), nil
	case models.SubmitSkipped:
		return result, cloneIncident(*existing), nil
	default:
		inc := dedup.NewIncident(uuid.NewString(), draft, s.opts.ContextLimit)
		s.incidents[inc.ID] = inc
		s.bySig[inc.Signature] = inc.ID
		return models.SubmitCreated, cloneIncident(inc), nil
	}
}

func (s *MemoryStore) GetIncident(_ context.Context, id string) (models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return models.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return cloneIncident(inc), nil
}

func (s *MemoryStore) UpdateIncident(_ context.Context, id string, update models.IncidentUpdate) (models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return models.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if update.Status != "" {
		inc.Status = update.Status
	}
	if update.ResolvedAt != nil {
		resolved := *update.ResolvedAt
		inc.ResolvedAt = &resolved
	}
	s.incidents[id] = inc
	return cloneIncident(inc), nil
}

func (s *MemoryStore) ListIncidents(_ context.Context, filter IncidentFilter) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if filter.matches(inc) {
			out = append(out, cloneIncident(inc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateRemediationAction(_ context.Context, action models.RemediationAction) (models.RemediationAction, error) {
	if action.IncidentID == "" {
		return models.RemediationAction{}, fmt.Errorf("create action: incident id is required")
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Status == "" {
		action.Status = models.ActionPending
	}
	if action.RequestedAt.IsZero() {
		action.RequestedAt = s.opts.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[action.IncidentID]; !ok {
		return models.RemediationAction{}, fmt.Errorf("incident %s: %w", action.IncidentID, ErrNotFound)
	}
	if _, dup := s.actions[action.ID]; dup {
		return models.RemediationAction{}, fmt.Errorf("action %s already exists", action.ID)
	}
	s.actions[action.ID] = action
	return action, nil
}

func (s *MemoryStore) UpdateRemediationAction(_ context.Context, id string, update models.ActionUpdate) (models.RemediationAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[id]
	if !ok {
		return models.RemediationAction{}, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	next, err := action.Apply(update)
	if err != nil {
		return action, fmt.Errorf("action %s: %w", id, err)
	}
	s.actions[id] = next
	return next, nil
}

func (s *MemoryStore) GetRemediationAction(_ context.Context, id string) (models.RemediationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	action, ok := s.actions[id]
	if !ok {
		return models.RemediationAction{}, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return action, nil
}

func (s *MemoryStore) ListRemediationActions(_ context.Context, incidentID string) ([]models.RemediationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RemediationAction
	for _, a := range s.actions {
		if incidentID == "" || a.IncidentID == incidentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *MemoryStore) GetServiceConfig(_ context.Context, serviceID string) (models.ServiceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[serviceID]
	if !ok {
		return models.ServiceConfig{}, fmt.Errorf("service config %s: %w", serviceID, ErrNotFound)
	}
	return cfg, nil
}

func (s *MemoryStore) CreateServiceConfig(_ context.Context, cfg models.ServiceConfig) (models.ServiceConfig, error) {
	if cfg.ServiceID == "" {
		return models.ServiceConfig{}, fmt.Errorf("create service config: service id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[cfg.ServiceID]; ok {
		return models.ServiceConfig{}, fmt.Errorf("service config %s already exists", cfg.ServiceID)
	}
	cfg.UpdatedAt = s.opts.Now()
	s.configs[cfg.ServiceID] = cfg
	return cfg, nil
}

func (s *MemoryStore) UpdateServiceConfig(_ context.Context, cfg models.ServiceConfig) (models.ServiceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[cfg.ServiceID]; !ok {
		return models.ServiceConfig{}, fmt.Errorf("service config %s: %w", cfg.ServiceID, ErrNotFound)
	}
	cfg.UpdatedAt = s.opts.Now()
	s.configs[cfg.ServiceID] = cfg
	return cfg, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func cloneIncident(inc models.Incident) models.Incident {
	inc.LogContext = append([]models.LogEvent(nil), inc.LogContext...)
	if inc.ResolvedAt != nil {
		resolved := *inc.ResolvedAt
		inc.ResolvedAt = &resolved
	}
	return inc
}
