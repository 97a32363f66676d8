// Package remediation turns incidents into tracked remediation actions and
// dispatches them to the control plane.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/bus"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/notify"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// ErrIncidentNotFound is returned by Execute for unknown incidents. No action
// record is created in that case.
var ErrIncidentNotFound = errors.New("incident not found")

// Store is the persistence subset the coordinator needs.
type Store interface {
	GetIncident(ctx context.Context, id string) (models.Incident, error)
	UpdateIncident(ctx context.Context, id string, update models.IncidentUpdate) (models.Incident, error)
	CreateRemediationAction(ctx context.Context, action models.RemediationAction) (models.RemediationAction, error)
	UpdateRemediationAction(ctx context.Context, id string, update models.ActionUpdate) (models.RemediationAction, error)
	GetServiceConfig(ctx context.Context, serviceID string) (models.ServiceConfig, error)
}

// Options configure dispatch defaults.
type Options struct {
	// AutoRemediate applies to services without a stored configuration.
	AutoRemediate       bool
	DispatchTimeout     time.Duration
	DefaultEnvironments []string
	FallbackMemoryMB    int
	FallbackReplicas    int
	Now                 func() time.Time
}

// Stats summarises dispatch activity since start.
type Stats struct {
	Dispatched int64
	Succeeded  int64
	Failed     int64
	LatencyP50 time.Duration
	LatencyP95 time.Duration
}

// Coordinator owns the remediation action lifecycle.
type Coordinator struct {
	opts         Options
	store        Store
	controlPlane ControlPlane
	bus          bus.Bus
	notifier     notify.Notifier
	logger       *slog.Logger

	latency    *utils.LatencyTracker
	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	workers    sync.WaitGroup
}

// NewCoordinator wires the coordinator. A nil notifier logs notifications.
func NewCoordinator(opts Options, st Store, cp ControlPlane, b bus.Bus, notifier notify.Notifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 2 * time.Minute
	}
	if opts.FallbackMemoryMB <= 0 {
		opts.FallbackMemoryMB = 2048
	}
	if opts.FallbackReplicas <= 0 {
		opts.FallbackReplicas = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		opts:         opts,
		store:        st,
		controlPlane: cp,
		bus:          b,
		notifier:     notifier,
		logger:       logger.With(slog.String("actor", "remediation")),
		latency:      utils.NewLatencyTracker(256),
	}
}

// Run reacts to new-incident broadcasts until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(bus.TopicIncidentsNew)
	if err != nil {
		return fmt.Errorf("remediation: subscribe incidents: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			inc, err := bus.Decode[models.Incident](env)
			if err != nil {
				c.logger.Warn("dropping undecodable incident", slog.Any("error", err))
				continue
			}
			c.HandleNewIncident(ctx, inc)
		}
	}
}

// HandleNewIncident notifies operators and, when the service allows it,
// starts an automated remediation.
func (c *Coordinator) HandleNewIncident(ctx context.Context, inc models.Incident) {
	c.spawn("notify incident", func() {
		c.notifier.NotifyIncident(context.WithoutCancel(ctx), inc)
	})

	auto := c.opts.AutoRemediate
	if cfg, err := c.store.GetServiceConfig(ctx, inc.ServiceID); err == nil {
		auto = cfg.AutoRemediate
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("service config lookup failed", slog.String("service_id", inc.ServiceID), slog.Any("error", err))
	}

	if !auto || inc.RecommendedAction == models.ActionManualFix {
		c.logger.Info("incident awaiting manual remediation",
			slog.String("incident_id", inc.ID),
			slog.String("service_id", inc.ServiceID),
			slog.String("recommended_action", string(inc.RecommendedAction)),
			slog.Bool("auto_remediate", auto))
		return
	}

	if _, err := c.Execute(ctx, inc.ID, models.InitiatorAutomated, "system", ""); err != nil {
		c.logger.Error("automated remediation not started", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
}

// Execute creates an action for incidentID and dispatches it in the
// background. override, when set, replaces the incident's recommended action.
// The returned action is in_progress; its terminal state is published on the
// remediation:actions topic.
func (c *Coordinator) Execute(ctx context.Context, incidentID string, initiator models.InitiatorType, initiatorRef string, override models.ActionType) (models.RemediationAction, error) {
	if override != "" && !override.Valid() {
		return models.RemediationAction{}, fmt.Errorf("%w: %s", ErrUnknownActionType, override)
	}

	inc, err := c.store.GetIncident(ctx, incidentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Error("remediation requested for unknown incident", slog.String("incident_id", incidentID))
			return models.RemediationAction{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
		}
		return models.RemediationAction{}, fmt.Errorf("load incident %s: %w", incidentID, err)
	}

	actionType := inc.RecommendedAction
	if override != "" {
		actionType = override
	}

	action, err := c.store.CreateRemediationAction(ctx, models.RemediationAction{
		IncidentID:    inc.ID,
		InitiatorType: initiator,
		InitiatorRef:  initiatorRef,
		ActionType:    actionType,
		Status:        models.ActionPending,
		RequestedAt:   c.opts.Now(),
	})
	if err != nil {
		return models.RemediationAction{}, fmt.Errorf("create action for incident %s: %w", inc.ID, err)
	}

	action, err = c.store.UpdateRemediationAction(ctx, action.ID, models.ActionUpdate{Status: models.ActionInProgress})
	if err != nil {
		return action, fmt.Errorf("start action %s: %w", action.ID, err)
	}
	c.dispatched.Add(1)
	c.publish(ctx, action, inc)

	c.logger.Info("remediation dispatched",
		slog.String("incident_id", inc.ID),
		slog.String("action_id", action.ID),
		slog.String("action_type", string(actionType)),
		slog.String("initiator", string(initiator)+":"+initiatorRef))

	dispatchCtx := context.WithoutCancel(ctx)
	c.spawn("dispatch", func() { c.dispatch(dispatchCtx, inc, action) })
	return action, nil
}

// Wait blocks until every background dispatch and notification has finished.
func (c *Coordinator) Wait() {
	c.workers.Wait()
}

// Stats returns dispatch counters and latency percentiles.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Dispatched: c.dispatched.Load(),
		Succeeded:  c.succeeded.Load(),
		Failed:     c.failed.Load(),
		LatencyP50: c.latency.Percentile(50),
		LatencyP95: c.latency.Percentile(95),
	}
}

func (c *Coordinator) dispatch(ctx context.Context, inc models.Incident, action models.RemediationAction) {
	start := c.opts.Now()
	var (
		message string
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("dispatch panicked: %v", r)
			}
		}()
		callCtx, cancel := context.WithTimeout(ctx, c.opts.DispatchTimeout)
		defer cancel()
		message, err = c.run(callCtx, inc, action.ActionType)
	}()
	c.finalize(ctx, inc, action, c.opts.Now().Sub(start), message, err)
}

func (c *Coordinator) run(ctx context.Context, inc models.Incident, actionType models.ActionType) (string, error) {
	h, ok := handlers[actionType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
	}

	req := dispatchRequest{incident: inc, config: c.serviceConfig(ctx, inc.ServiceID)}
	if h.needsEnvironment {
		req.environment = c.environmentFor(inc, req.config)
		if req.environment == "" {
			return "", fmt.Errorf("%w %s", ErrMissingEnvironment, inc.ServiceID)
		}
	}
	return h.run(c, ctx, req)
}

func (c *Coordinator) finalize(ctx context.Context, inc models.Incident, action models.RemediationAction, elapsed time.Duration, message string, dispatchErr error) {
	c.latency.Observe(elapsed)
	completed := c.opts.Now()

	update := models.ActionUpdate{CompletedAt: &completed}
	if dispatchErr == nil {
		update.Status = models.ActionSucceeded
		update.ResultMessage = message
	} else {
		update.Status = models.ActionFailed
		update.FailureReason = FailureMessage(dispatchErr)
	}

	final, err := c.store.UpdateRemediationAction(ctx, action.ID, update)
	if err != nil {
		// The outcome could not be recorded, so the attempt counts as failed
		// and is still reported.
		c.logger.Error("finalize action failed", slog.String("action_id", action.ID), slog.Any("error", err))
		if dispatchErr == nil {
			dispatchErr = fmt.Errorf("record outcome: %w", err)
		}
		final = action
		final.Status = models.ActionFailed
		final.CompletedAt = &completed
		final.ResultMessage = message
		final.FailureReason = FailureMessage(dispatchErr)
	}

	incUpdate := models.IncidentUpdate{Status: models.IncidentFailed}
	outcome := metrics.OutcomeError
	if final.Status == models.ActionSucceeded {
		incUpdate.Status = models.IncidentAutoRemediated
		incUpdate.ResolvedAt = &completed
		outcome = metrics.OutcomeSuccess
		c.succeeded.Add(1)
	} else {
		c.failed.Add(1)
	}
	metrics.ObserveRemediation(string(action.ActionType), elapsed, outcome)

	updatedInc, err := c.store.UpdateIncident(ctx, inc.ID, incUpdate)
	if err != nil {
		c.logger.Error("update incident after remediation failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
		updatedInc = inc
	}

	attrs := []any{
		slog.String("incident_id", inc.ID),
		slog.String("action_id", final.ID),
		slog.String("action_type", string(final.ActionType)),
		slog.Duration("elapsed", elapsed),
	}
	if final.Status == models.ActionFailed {
		c.logger.Error("remediation failed", append(attrs, slog.Any("error", dispatchErr))...)
	} else {
		c.logger.Info("remediation succeeded", append(attrs, slog.String("result", message))...)
	}

	c.publish(ctx, final, updatedInc)
	c.notifier.NotifyRemediationUpdate(ctx, updatedInc, final, final.Status)
}

func (c *Coordinator) publish(ctx context.Context, action models.RemediationAction, inc models.Incident) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, bus.TopicRemediationActions, models.ActionEvent{Action: action, Incident: inc}); err != nil {
		c.logger.Warn("publish action event failed", slog.String("action_id", action.ID), slog.Any("error", err))
	}
}

func (c *Coordinator) serviceConfig(ctx context.Context, serviceID string) models.ServiceConfig {
	cfg, err := c.store.GetServiceConfig(ctx, serviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("service config lookup failed", slog.String("service_id", serviceID), slog.Any("error", err))
		}
		return models.ServiceConfig{ServiceID: serviceID}
	}
	return cfg
}

func (c *Coordinator) environmentFor(inc models.Incident, cfg models.ServiceConfig) string {
	if inc.EnvironmentID != "" {
		return inc.EnvironmentID
	}
	if cfg.EnvironmentID != "" {
		return cfg.EnvironmentID
	}
	if len(c.opts.DefaultEnvironments) > 0 {
		return c.opts.DefaultEnvironments[0]
	}
	return ""
}

func (c *Coordinator) spawn(name string, fn func()) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("background task panicked", slog.String("task", name), slog.Any("panic", r))
			}
		}()
		fn()
	}()
}
