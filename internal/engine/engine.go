// Package engine windows streamed log events per service, batches trigger
// events and periodically classifies each batch into an incident candidate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/bus"
	"github.com/miradorstack/mirador-remediator/internal/dedup"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/stream"
)

// Submitter applies the incident create/update/skip policy.
type Submitter interface {
	Submit(ctx context.Context, draft models.IncidentDraft) (models.SubmitResult, models.Incident, error)
}

// ConfigSource resolves per-service settings.
type ConfigSource interface {
	GetServiceConfig(ctx context.Context, serviceID string) (models.ServiceConfig, error)
}

// Options tune the engine.
type Options struct {
	WindowSize          int
	FlushInterval       time.Duration
	ConfidenceThreshold float64
	ClassifyTimeout     time.Duration
	Filter              *stream.SelfFilter
	Now                 func() time.Time
}

// Engine owns every LogWindow and PendingBatch. All state is touched only by
// the Run goroutine; classification runs on per-flush workers.
type Engine struct {
	opts       Options
	bus        bus.Bus
	submitter  Submitter
	classifier *Classifier
	configs    ConfigSource
	logger     *slog.Logger

	inbox   chan func()
	windows map[string]*Window
	pending map[string][]models.LogEvent

	workers sync.WaitGroup
}

// New constructs an engine. configs may be nil.
func New(opts Options, b bus.Bus, submitter Submitter, classifier *Classifier, configs ConfigSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if classifier == nil {
		classifier = NewClassifier(nil, logger)
	}
	return &Engine{
		opts:       opts,
		bus:        b,
		submitter:  submitter,
		classifier: classifier,
		configs:    configs,
		logger:     logger.With(slog.String("actor", "engine")),
		inbox:      make(chan func(), 64),
		windows:    make(map[string]*Window),
		pending:    make(map[string][]models.LogEvent),
	}
}

// Run consumes the global logs topic until ctx is cancelled, then waits for
// in-flight classification workers.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.bus.Subscribe(bus.TopicLogs)
	if err != nil {
		return fmt.Errorf("engine: subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	e.logger.Info("engine started",
		slog.Int("window_size", e.opts.WindowSize),
		slog.Duration("flush_interval", e.opts.FlushInterval))

	for {
		select {
		case <-ctx.Done():
			e.workers.Wait()
			e.logger.Info("engine stopped")
			return nil
		case env, ok := <-sub.C():
			if !ok {
				e.workers.Wait()
				return nil
			}
			ev, err := bus.Decode[models.LogEvent](env)
			if err != nil {
				e.logger.Warn("dropping undecodable log event", slog.Any("error", err))
				continue
			}
			e.ingest(ev)
		case <-ticker.C:
			e.flush(ctx, nil)
		case fn := <-e.inbox:
			fn()
		}
	}
}

// Flush forces an immediate flush and waits for the workers it started.
func (e *Engine) Flush(ctx context.Context) error {
	var batch sync.WaitGroup
	done := make(chan struct{})
	select {
	case e.inbox <- func() { e.flush(ctx, &batch); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	batch.Wait()
	return nil
}

// Window returns a snapshot of a service's window, newest first.
func (e *Engine) Window(ctx context.Context, serviceID string) ([]models.LogEvent, error) {
	result := make(chan []models.LogEvent, 1)
	select {
	case e.inbox <- func() {
		if w, ok := e.windows[serviceID]; ok {
			result <- w.Snapshot()
			return
		}
		result <- nil
	}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case events := <-result:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) ingest(ev models.LogEvent) {
	if ev.ServiceID == "" || e.opts.Filter.Excludes(ev) {
		return
	}
	w, ok := e.windows[ev.ServiceID]
	if !ok {
		w = NewWindow(e.opts.WindowSize)
		e.windows[ev.ServiceID] = w
	}
	w.Append(ev)

	if IsTrigger(ev) {
		metrics.ObserveTrigger()
		e.pending[ev.ServiceID] = append(e.pending[ev.ServiceID], ev)
		e.logger.Debug("trigger event batched",
			slog.String("service_id", ev.ServiceID),
			slog.Int("pending", len(e.pending[ev.ServiceID])))
	}
}

// flush hands every pending batch to a worker. Workers are tracked on
// e.workers and, when set, on batch.
func (e *Engine) flush(ctx context.Context, batch *sync.WaitGroup) {
	for serviceID, triggers := range e.pending {
		if len(triggers) == 0 {
			continue
		}
		var window []models.LogEvent
		if w, ok := e.windows[serviceID]; ok {
			window = w.Snapshot()
		}
		delete(e.pending, serviceID)

		e.workers.Add(1)
		if batch != nil {
			batch.Add(1)
		}
		go func(serviceID string, window, triggers []models.LogEvent) {
			defer e.workers.Done()
			if batch != nil {
				defer batch.Done()
			}
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("classification worker panicked",
						slog.String("service_id", serviceID), slog.Any("panic", r))
				}
			}()
			e.process(ctx, serviceID, window, triggers)
		}(serviceID, window, triggers)
	}
}

func (e *Engine) process(ctx context.Context, serviceID string, window, triggers []models.LogEvent) {
	cfg := e.serviceConfig(ctx, serviceID)
	threshold := e.opts.ConfidenceThreshold
	if cfg.ConfidenceThreshold > 0 {
		threshold = cfg.ConfidenceThreshold
	}
	name := cfg.DisplayName()
	if name == "" {
		name = serviceID
	}

	logContext := mergeContext(window, triggers)

	classifyCtx, cancel := context.WithTimeout(ctx, e.opts.ClassifyTimeout)
	candidate, ok := e.classifier.Classify(classifyCtx, logContext, triggers, name, threshold)
	cancel()
	if !ok {
		return
	}

	draft := models.IncidentDraft{
		ServiceID:         serviceID,
		ServiceName:       name,
		EnvironmentID:     environmentOf(cfg, triggers),
		Signature:         dedup.Signature(serviceID, candidate.RootCause),
		Severity:          candidate.Severity,
		Confidence:        candidate.Confidence,
		RootCause:         candidate.RootCause,
		RecommendedAction: candidate.RecommendedAction,
		Reasoning:         candidate.Reasoning,
		LogContext:        logContext,
		DetectedAt:        e.opts.Now(),
	}

	result, incident, err := e.submitter.Submit(ctx, draft)
	if err != nil {
		e.logger.Error("incident submission failed", slog.String("service_id", serviceID), slog.Any("error", err))
		return
	}

	attrs := []any{
		slog.String("service_id", serviceID),
		slog.String("signature", draft.Signature),
		slog.String("result", string(result)),
		slog.String("source", candidate.Source),
	}
	switch result {
	case models.SubmitCreated:
		e.logger.Info("incident created", append(attrs, slog.String("incident_id", incident.ID))...)
		if err := e.bus.Publish(ctx, bus.TopicIncidentsNew, incident); err != nil {
			e.logger.Warn("publish new incident failed", slog.String("incident_id", incident.ID), slog.Any("error", err))
		}
	default:
		e.logger.Info("incident not broadcast", attrs...)
	}
}

func (e *Engine) serviceConfig(ctx context.Context, serviceID string) models.ServiceConfig {
	if e.configs == nil {
		return models.ServiceConfig{ServiceID: serviceID}
	}
	cfg, err := e.configs.GetServiceConfig(ctx, serviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("service config lookup failed", slog.String("service_id", serviceID), slog.Any("error", err))
		}
		return models.ServiceConfig{ServiceID: serviceID}
	}
	return cfg
}

func environmentOf(cfg models.ServiceConfig, triggers []models.LogEvent) string {
	for _, ev := range triggers {
		if ev.EnvironmentID != "" {
			return ev.EnvironmentID
		}
	}
	return cfg.EnvironmentID
}
