// Package monitor owns the fleet of stream connections: it starts and stops
// monitoring per service, probes connection health and polls deployment state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/bus"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/stream"
)

// ErrAlreadyMonitored is returned when a target is started twice.
var ErrAlreadyMonitored = errors.New("service is already monitored")

// ErrNotMonitored is returned by lookups for unknown services.
var ErrNotMonitored = errors.New("service is not monitored")

// DeploymentSource reports recent deployments for state polling.
type DeploymentSource interface {
	GetDeployments(ctx context.Context, serviceID string, limit int) ([]models.Deployment, error)
}

// ConnectionFactory opens a connection for target.
type ConnectionFactory func(target models.Target, opts stream.Options) (Connection, error)

// OpenStream is the production ConnectionFactory.
func OpenStream(target models.Target, opts stream.Options) (Connection, error) {
	conn, err := stream.Open(target, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options is the explicit manager configuration.
type Options struct {
	Endpoint       string
	Token          string
	Filter         *stream.SelfFilter
	Backoff        stream.Backoff
	DialTimeout    time.Duration
	DefaultFilter  string
	HealthInterval time.Duration
	PollInterval   time.Duration
	ProbeTimeout   time.Duration
	AutoSubscribe  bool
	// AutoRemediate is stored for targets that do not set it themselves.
	AutoRemediate  bool
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = stream.DefaultBackoff
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ServiceStatus is the read-only view of one monitored service.
type ServiceStatus struct {
	Target         models.Target        `json:"target"`
	Config         models.ServiceConfig `json:"config"`
	Connection     stream.Status        `json:"connection"`
	StartedAt      time.Time            `json:"started_at"`
	LastDeployment *models.Deployment   `json:"last_deployment,omitempty"`
	LastPollAt     time.Time            `json:"last_poll_at,omitempty"`
	LastPollError  string               `json:"last_poll_error,omitempty"`
	HealthFailures int                  `json:"health_failures"`
}

// HealthMetrics summarises the fleet.
type HealthMetrics struct {
	Services        int            `json:"services"`
	Alive           int            `json:"alive"`
	States          map[string]int `json:"states"`
	HealthFailures  int            `json:"health_failures"`
	LastHealthCheck time.Time      `json:"last_health_check"`
}

// Manager drives the connection fleet.
type Manager struct {
	opts        Options
	registry    *Registry
	factory     ConnectionFactory
	bus         bus.Bus
	configs     store.ServiceConfigStore
	deployments DeploymentSource
	logger      *slog.Logger

	mu              sync.Mutex
	fleetReconnect  *time.Timer
	lastHealthCheck time.Time
}

// NewManager wires a manager. deployments may be nil to disable polling;
// factory defaults to OpenStream.
func NewManager(opts Options, b bus.Bus, configs store.ServiceConfigStore, deployments DeploymentSource, factory ConnectionFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = OpenStream
	}
	return &Manager{
		opts:        opts.withDefaults(),
		registry:    NewRegistry(),
		factory:     factory,
		bus:         b,
		configs:     configs,
		deployments: deployments,
		logger:      logger.With(slog.String("actor", "monitor")),
	}
}

// Registry exposes the connection directory for read access.
func (m *Manager) Registry() *Registry { return m.registry }

// DefaultAutoRemediate is the automation setting for targets that omit it.
func (m *Manager) DefaultAutoRemediate() bool { return m.opts.AutoRemediate }

// StartMonitoring opens a connection for target, persists cfg, optionally
// subscribes to the configured environment and schedules state polling.
func (m *Manager) StartMonitoring(ctx context.Context, target models.Target, cfg models.ServiceConfig) (Connection, error) {
	key := target.Key()
	if _, exists := m.registry.Lookup(key); exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMonitored, key)
	}

	cfg = normaliseConfig(target, cfg)
	conn, err := m.open(target)
	if err != nil {
		return nil, err
	}

	if m.configs != nil {
		if _, err := store.SaveServiceConfig(ctx, m.configs, cfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("persist config for %s: %w", key, err)
		}
	}

	pollCtx, stopPoll := context.WithCancel(context.Background())
	e := &entry{conn: conn, config: cfg, startedAt: m.opts.Now(), stopPoll: stopPoll}
	if !m.registry.register(key, e) {
		stopPoll()
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMonitored, key)
	}
	metrics.SetConnections(m.registry.Len())

	m.autoSubscribe(ctx, conn, cfg)
	if m.deployments != nil {
		go m.pollLoop(pollCtx, key, cfg.ServiceID)
	}

	m.logger.Info("monitoring started",
		slog.String("project_id", target.ProjectID),
		slog.String("service_id", target.ServiceID),
		slog.String("environment_id", cfg.EnvironmentID))
	return conn, nil
}

// StopMonitoring closes the connection for key and forgets it. A key without
// a project id matches every project monitoring that service. It reports
// whether anything was stopped; unknown keys are ignored.
func (m *Manager) StopMonitoring(key models.TargetKey) bool {
	keys := []models.TargetKey{key}
	if key.ProjectID == "" {
		keys = m.registry.KeysForService(key.ServiceID)
	}
	stopped := false
	for _, k := range keys {
		if m.stop(k) {
			stopped = true
		}
	}
	return stopped
}

func (m *Manager) stop(key models.TargetKey) bool {
	e, ok := m.registry.remove(key)
	if !ok {
		return false
	}
	e.stopPoll()
	e.conn.Close()
	metrics.SetConnections(m.registry.Len())
	m.logger.Info("monitoring stopped", slog.String("target", key.String()))
	return true
}

// StopAll stops every monitored service.
func (m *Manager) StopAll() {
	for _, key := range m.registry.Keys() {
		m.stop(key)
	}
	m.mu.Lock()
	if m.fleetReconnect != nil {
		m.fleetReconnect.Stop()
		m.fleetReconnect = nil
	}
	m.mu.Unlock()
}

// Init starts monitoring for every target, logging and skipping failures.
// It returns how many targets were started.
func (m *Manager) Init(ctx context.Context, targets []TargetSpec) int {
	started := 0
	for _, spec := range targets {
		if _, err := m.StartMonitoring(ctx, spec.Target(), spec.Config(m.opts.AutoRemediate)); err != nil {
			m.logger.Error("failed to start monitoring",
				slog.String("service_id", spec.ServiceID), slog.Any("error", err))
			continue
		}
		started++
	}
	return started
}

// Reconcile converges the fleet on targets: new keys are started, keys not
// listed are stopped and existing ones keep their connection.
func (m *Manager) Reconcile(ctx context.Context, targets []TargetSpec) {
	wanted := make(map[models.TargetKey]TargetSpec, len(targets))
	for _, spec := range targets {
		wanted[spec.Target().Key()] = spec
	}
	for _, key := range m.registry.Keys() {
		if _, keep := wanted[key]; !keep {
			m.stop(key)
		}
	}
	var missing []TargetSpec
	for key, spec := range wanted {
		if _, running := m.registry.Lookup(key); !running {
			missing = append(missing, spec)
		}
	}
	m.Init(ctx, missing)
}

// Run drives the health check loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every connection. A connection whose actor has exited
// is reopened; one that does not answer is asked to reconnect immediately.
func (m *Manager) CheckHealth(ctx context.Context) {
	for _, key := range m.registry.Keys() {
		conn, ok := m.registry.Lookup(key)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		alive := conn.IsAlive(probeCtx)
		cancel()

		if alive {
			now := m.opts.Now()
			m.registry.update(key, func(e *entry) { e.lastHealthy = now })
			continue
		}

		metrics.ObserveHealthFailure()
		m.registry.update(key, func(e *entry) { e.healthFailures++ })
		select {
		case <-conn.Done():
			m.logger.Warn("connection actor exited, reopening", slog.String("target", key.String()))
			m.reopen(ctx, key)
		default:
			m.logger.Warn("connection failed health probe, reconnecting", slog.String("target", key.String()))
			conn.Reconnect()
		}
	}
	m.mu.Lock()
	m.lastHealthCheck = m.opts.Now()
	m.mu.Unlock()
}

// GetStatus returns a snapshot of every monitored service.
func (m *Manager) GetStatus(ctx context.Context) []ServiceStatus {
	keys := m.registry.Keys()
	out := make([]ServiceStatus, 0, len(keys))
	for _, key := range keys {
		if st, ok := m.serviceStatus(ctx, key); ok {
			out = append(out, st)
		}
	}
	return out
}

// GetServiceStatus returns the snapshot for one service.
func (m *Manager) GetServiceStatus(ctx context.Context, key models.TargetKey) (ServiceStatus, error) {
	st, ok := m.serviceStatus(ctx, key)
	if !ok {
		return ServiceStatus{}, fmt.Errorf("%w: %s", ErrNotMonitored, key)
	}
	return st, nil
}

// GetHealthMetrics aggregates connection states without touching them.
func (m *Manager) GetHealthMetrics(ctx context.Context) HealthMetrics {
	hm := HealthMetrics{States: make(map[string]int)}
	for _, st := range m.GetStatus(ctx) {
		hm.Services++
		hm.States[string(st.Connection.State)]++
		if st.Connection.State != stream.StateClosed {
			hm.Alive++
		}
		hm.HealthFailures += st.HealthFailures
	}
	m.mu.Lock()
	hm.LastHealthCheck = m.lastHealthCheck
	m.mu.Unlock()
	return hm
}

func (m *Manager) serviceStatus(ctx context.Context, key models.TargetKey) (ServiceStatus, bool) {
	e, ok := m.registry.snapshot(key)
	if !ok {
		return ServiceStatus{}, false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	connStatus, _ := e.conn.Status(probeCtx)
	return ServiceStatus{
		Target:         e.conn.Target(),
		Config:         e.config,
		Connection:     connStatus,
		StartedAt:      e.startedAt,
		LastDeployment: e.lastDeployment,
		LastPollAt:     e.lastPollAt,
		LastPollError:  e.lastPollError,
		HealthFailures: e.healthFailures,
	}, true
}

func (m *Manager) open(target models.Target) (Connection, error) {
	return m.factory(target, stream.Options{
		Endpoint:      m.opts.Endpoint,
		Token:         m.opts.Token,
		Bus:           m.bus,
		Filter:        m.opts.Filter,
		Backoff:       m.opts.Backoff,
		DialTimeout:   m.opts.DialTimeout,
		DefaultFilter: m.opts.DefaultFilter,
		Logger:        m.logger,
		OnDisconnect:  m.handleDisconnect,
	})
}

func (m *Manager) reopen(ctx context.Context, key models.TargetKey) {
	e, ok := m.registry.snapshot(key)
	if !ok {
		return
	}
	conn, err := m.open(e.conn.Target())
	if err != nil {
		m.logger.Error("reopen connection failed", slog.String("target", key.String()), slog.Any("error", err))
		return
	}
	if !m.registry.replace(key, conn) {
		// Stopped while we were reopening.
		conn.Close()
		return
	}
	m.autoSubscribe(ctx, conn, e.config)
}

// handleDisconnect reconnects the whole fleet one base delay after any
// connection reports a lost session. Concurrent reports share one timer.
func (m *Manager) handleDisconnect(key models.TargetKey, err error) {
	m.logger.Warn("connection reported disconnect, scheduling fleet reconnect",
		slog.String("target", key.String()), slog.Any("error", err))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fleetReconnect != nil {
		return
	}
	m.fleetReconnect = time.AfterFunc(m.opts.Backoff.Delay(1), func() {
		m.mu.Lock()
		m.fleetReconnect = nil
		m.mu.Unlock()
		for _, k := range m.registry.Keys() {
			if conn, ok := m.registry.Lookup(k); ok {
				conn.Reconnect()
			}
		}
	})
}

func (m *Manager) autoSubscribe(ctx context.Context, conn Connection, cfg models.ServiceConfig) {
	if !m.opts.AutoSubscribe {
		return
	}
	if cfg.EnvironmentID == "" {
		m.logger.Warn("auto-subscribe skipped: no environment configured", slog.String("service_id", cfg.ServiceID))
		return
	}
	id, err := conn.Subscribe(ctx, cfg.EnvironmentID, stream.SubscribeOptions{Filter: cfg.LogFilter})
	if err != nil {
		m.logger.Warn("auto-subscribe failed", slog.String("service_id", cfg.ServiceID), slog.Any("error", err))
		return
	}
	m.logger.Debug("auto-subscribed", slog.String("service_id", cfg.ServiceID), slog.String("subscription_id", id))
}

func (m *Manager) pollLoop(ctx context.Context, key models.TargetKey, serviceID string) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		m.pollOnce(ctx, key, serviceID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, key models.TargetKey, serviceID string) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.PollInterval)
	defer cancel()
	deployments, err := m.deployments.GetDeployments(callCtx, serviceID, 1)
	if ctx.Err() != nil {
		return
	}
	now := m.opts.Now()
	m.registry.update(key, func(e *entry) {
		e.lastPollAt = now
		if err != nil {
			e.lastPollError = err.Error()
			return
		}
		e.lastPollError = ""
		if len(deployments) > 0 {
			d := deployments[0]
			e.lastDeployment = &d
		}
	})
	if err != nil {
		m.logger.Warn("deployment poll failed", slog.String("service_id", serviceID), slog.Any("error", err))
	}
}

func normaliseConfig(target models.Target, cfg models.ServiceConfig) models.ServiceConfig {
	cfg.ServiceID = target.ServiceID
	cfg.ProjectID = target.ProjectID
	if cfg.EnvironmentID == "" {
		cfg.EnvironmentID = target.EnvironmentID
	}
	if cfg.Name == "" {
		cfg.Name = target.Name
	}
	return cfg
}
