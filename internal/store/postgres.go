package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miradorstack/mirador-remediator/internal/dedup"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id                 TEXT PRIMARY KEY,
	service_id         TEXT NOT NULL,
	service_name       TEXT NOT NULL DEFAULT '',
	environment_id     TEXT NOT NULL DEFAULT '',
	signature          TEXT NOT NULL,
	severity           TEXT NOT NULL,
	status             TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	root_cause         TEXT NOT NULL,
	recommended_action TEXT NOT NULL,
	reasoning          TEXT NOT NULL DEFAULT '',
	log_context        JSONB NOT NULL DEFAULT '[]',
	occurrences        INTEGER NOT NULL DEFAULT 1,
	detected_at        TIMESTAMPTZ NOT NULL,
	last_seen_at       TIMESTAMPTZ NOT NULL,
	resolved_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS incidents_signature_idx ON incidents (signature, last_seen_at DESC);
CREATE INDEX IF NOT EXISTS incidents_service_idx ON incidents (service_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS remediation_actions (
	id             TEXT PRIMARY KEY,
	incident_id    TEXT NOT NULL REFERENCES incidents (id),
	initiator_type TEXT NOT NULL,
	initiator_ref  TEXT NOT NULL DEFAULT '',
	action_type    TEXT NOT NULL,
	status         TEXT NOT NULL,
	requested_at   TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ,
	result_message TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS remediation_actions_incident_idx ON remediation_actions (incident_id, requested_at);

CREATE TABLE IF NOT EXISTS service_configs (
	service_id           TEXT PRIMARY KEY,
	project_id           TEXT NOT NULL DEFAULT '',
	environment_id       TEXT NOT NULL DEFAULT '',
	name                 TEXT NOT NULL DEFAULT '',
	auto_remediate       BOOLEAN NOT NULL DEFAULT TRUE,
	confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	default_memory_mb    INTEGER NOT NULL DEFAULT 0,
	default_replicas     INTEGER NOT NULL DEFAULT 0,
	log_filter           TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL
);`

const incidentColumns = `id, service_id, service_name, environment_id, signature, severity, status, confidence,
	root_cause, recommended_action, reasoning, log_context, occurrences, detected_at, last_seen_at, resolved_at`

const actionColumns = `id, incident_id, initiator_type, initiator_ref, action_type, status, requested_at,
	completed_at, result_message, failure_reason`

const configColumns = `service_id, project_id, environment_id, name, auto_remediate, confidence_threshold,
	default_memory_mb, default_replicas, log_filter, updated_at`

// PostgresStore persists pipeline state with pgx.
type PostgresStore struct {
	pool   *pgxpool.Pool
	opts   Options
	logger *slog.Logger
}

// OpenPostgres dials dsn, applies the schema and returns a ready store.
func OpenPostgres(ctx context.Context, dsn string, opts Options, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	logger.Info("connected to postgres store",
		slog.String("host", cfg.ConnConfig.Host),
		slog.Int("max_conns", int(cfg.MaxConns)))
	return &PostgresStore{pool: pool, opts: opts.withDefaults(), logger: logger}, nil
}

func (s *PostgresStore) CreateOrUpdateIncident(ctx context.Context, draft models.IncidentDraft) (models.SubmitResult, models.Incident, error) {
	if draft.Signature == "" {
		return "", models.Incident{}, fmt.Errorf("create incident: signature is required")
	}
	now := s.opts.Now()
	if draft.DetectedAt.IsZero() {
		draft.DetectedAt = now
	}

	var (
		result   models.SubmitResult
		incident models.Incident
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialise submissions per signature for the duration of the transaction.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, draft.Signature); err != nil {
			return fmt.Errorf("lock signature: %w", err)
		}

		var existing *models.Incident
		row := tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents
			WHERE signature = $1 ORDER BY last_seen_at DESC LIMIT 1`, draft.Signature)
		inc, err := scanIncident(row)
		switch {
		case err == nil:
			existing = &inc
		case !errors.Is(err, ErrNotFound):
			return err
		}

		result = dedup.Decide(existing, now, s.opts.DedupWindow)
		switch result {
		case models.SubmitUpdated:
			incident = dedup.Merge(*existing, draft, s.opts.ContextLimit)
			return updateIncidentRow(ctx, tx, incident)
		case models.SubmitSkipped:
			incident = *existing
			return nil
		default:
			incident = dedup.NewIncident(uuid.NewString(), draft, s.opts.ContextLimit)
			return insertIncidentRow(ctx, tx, incident)
		}
	})
	if err != nil {
		return "", models.Incident{}, err
	}
	return result, incident, nil
}

func insertIncidentRow(ctx context.Context, tx pgx.Tx, inc models.Incident) error {
	logContext, err := json.Marshal(inc.LogContext)
	if err != nil {
		return fmt.Errorf("encode log context: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		inc.ID, inc.ServiceID, inc.ServiceName, inc.EnvironmentID, inc.Signature, string(inc.Severity),
		string(inc.Status), inc.Confidence, inc.RootCause, string(inc.RecommendedAction), inc.Reasoning,
		logContext, inc.Occurrences, inc.DetectedAt, inc.LastSeenAt, inc.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func updateIncidentRow(ctx context.Context, tx pgx.Tx, inc models.Incident) error {
	logContext, err := json.Marshal(inc.LogContext)
	if err != nil {
		return fmt.Errorf("encode log context: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE incidents SET severity = $2, confidence = $3, reasoning = $4,
		log_context = $5, occurrences = $6, last_seen_at = $7 WHERE id = $1`,
		inc.ID, string(inc.Severity), inc.Confidence, inc.Reasoning, logContext, inc.Occurrences, inc.LastSeenAt)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (models.Incident, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err != nil {
		return models.Incident{}, fmt.Errorf("incident %s: %w", id, err)
	}
	return inc, nil
}

func (s *PostgresStore) UpdateIncident(ctx context.Context, id string, update models.IncidentUpdate) (models.Incident, error) {
	row := s.pool.QueryRow(ctx, `UPDATE incidents
		SET status = COALESCE(NULLIF($2, ''), status), resolved_at = COALESCE($3, resolved_at)
		WHERE id = $1 RETURNING `+incidentColumns,
		id, string(update.Status), update.ResolvedAt)
	inc, err := scanIncident(row)
	if err != nil {
		return models.Incident{}, fmt.Errorf("incident %s: %w", id, err)
	}
	return inc, nil
}

func (s *PostgresStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.Incident, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents
		WHERE ($1 = '' OR service_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY detected_at DESC LIMIT $3`, filter.ServiceID, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRemediationAction(ctx context.Context, action models.RemediationAction) (models.RemediationAction, error) {
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
	_, err := s.pool.Exec(ctx, `INSERT INTO remediation_actions (`+actionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		action.ID, action.IncidentID, string(action.InitiatorType), action.InitiatorRef, string(action.ActionType),
		string(action.Status), action.RequestedAt, action.CompletedAt, action.ResultMessage, action.FailureReason)
	if err != nil {
		return models.RemediationAction{}, fmt.Errorf("insert action: %w", err)
	}
	return action, nil
}

func (s *PostgresStore) UpdateRemediationAction(ctx context.Context, id string, update models.ActionUpdate) (models.RemediationAction, error) {
	var next models.RemediationAction
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+actionColumns+` FROM remediation_actions WHERE id = $1 FOR UPDATE`, id)
		current, err := scanAction(row)
		if err != nil {
			return fmt.Errorf("action %s: %w", id, err)
		}
		next, err = current.Apply(update)
		if err != nil {
			return fmt.Errorf("action %s: %w", id, err)
		}
		_, err = tx.Exec(ctx, `UPDATE remediation_actions SET status = $2, completed_at = $3,
			result_message = $4, failure_reason = $5 WHERE id = $1`,
			id, string(next.Status), next.CompletedAt, next.ResultMessage, next.FailureReason)
		if err != nil {
			return fmt.Errorf("update action: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.RemediationAction{}, err
	}
	return next, nil
}

func (s *PostgresStore) GetRemediationAction(ctx context.Context, id string) (models.RemediationAction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM remediation_actions WHERE id = $1`, id)
	action, err := scanAction(row)
	if err != nil {
		return models.RemediationAction{}, fmt.Errorf("action %s: %w", id, err)
	}
	return action, nil
}

func (s *PostgresStore) ListRemediationActions(ctx context.Context, incidentID string) ([]models.RemediationAction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+actionColumns+` FROM remediation_actions
		WHERE ($1 = '' OR incident_id = $1) ORDER BY requested_at`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []models.RemediationAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetServiceConfig(ctx context.Context, serviceID string) (models.ServiceConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM service_configs WHERE service_id = $1`, serviceID)
	cfg, err := scanConfig(row)
	if err != nil {
		return models.ServiceConfig{}, fmt.Errorf("service config %s: %w", serviceID, err)
	}
	return cfg, nil
}

func (s *PostgresStore) CreateServiceConfig(ctx context.Context, cfg models.ServiceConfig) (models.ServiceConfig, error) {
	if cfg.ServiceID == "" {
		return models.ServiceConfig{}, fmt.Errorf("create service config: service id is required")
	}
	cfg.UpdatedAt = s.opts.Now()
	_, err := s.pool.Exec(ctx, `INSERT INTO service_configs (`+configColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		cfg.ServiceID, cfg.ProjectID, cfg.EnvironmentID, cfg.Name, cfg.AutoRemediate, cfg.ConfidenceThreshold,
		cfg.DefaultMemoryMB, cfg.DefaultReplicas, cfg.LogFilter, cfg.UpdatedAt)
	if err != nil {
		return models.ServiceConfig{}, fmt.Errorf("insert service config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) UpdateServiceConfig(ctx context.Context, cfg models.ServiceConfig) (models.ServiceConfig, error) {
	cfg.UpdatedAt = s.opts.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE service_configs SET project_id = $2, environment_id = $3, name = $4,
		auto_remediate = $5, confidence_threshold = $6, default_memory_mb = $7, default_replicas = $8,
		log_filter = $9, updated_at = $10 WHERE service_id = $1`,
		cfg.ServiceID, cfg.ProjectID, cfg.EnvironmentID, cfg.Name, cfg.AutoRemediate, cfg.ConfidenceThreshold,
		cfg.DefaultMemoryMB, cfg.DefaultReplicas, cfg.LogFilter, cfg.UpdatedAt)
	if err != nil {
		return models.ServiceConfig{}, fmt.Errorf("update service config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ServiceConfig{}, fmt.Errorf("service config %s: %w", cfg.ServiceID, ErrNotFound)
	}
	return cfg, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanIncident(row pgx.Row) (models.Incident, error) {
	var (
		inc                                 models.Incident
		severity, status, recommendedAction string
		logContext                          []byte
	)
	err := row.Scan(&inc.ID, &inc.ServiceID, &inc.ServiceName, &inc.EnvironmentID, &inc.Signature, &severity,
		&status, &inc.Confidence, &inc.RootCause, &recommendedAction, &inc.Reasoning, &logContext,
		&inc.Occurrences, &inc.DetectedAt, &inc.LastSeenAt, &inc.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Incident{}, ErrNotFound
	}
	if err != nil {
		return models.Incident{}, fmt.Errorf("scan incident: %w", err)
	}
	inc.Severity = models.Severity(severity)
	inc.Status = models.IncidentStatus(status)
	inc.RecommendedAction = models.ActionType(recommendedAction)
	if len(logContext) > 0 {
		if err := json.Unmarshal(logContext, &inc.LogContext); err != nil {
			return models.Incident{}, fmt.Errorf("decode log context: %w", err)
		}
	}
	return inc, nil
}

func scanAction(row pgx.Row) (models.RemediationAction, error) {
	var (
		a                                  models.RemediationAction
		initiator, actionType, statusValue string
	)
	err := row.Scan(&a.ID, &a.IncidentID, &initiator, &a.InitiatorRef, &actionType, &statusValue,
		&a.RequestedAt, &a.CompletedAt, &a.ResultMessage, &a.FailureReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RemediationAction{}, ErrNotFound
	}
	if err != nil {
		return models.RemediationAction{}, fmt.Errorf("scan action: %w", err)
	}
	a.InitiatorType = models.InitiatorType(initiator)
	a.ActionType = models.ActionType(actionType)
	a.Status = models.ActionStatus(statusValue)
	return a, nil
}

func scanConfig(row pgx.Row) (models.ServiceConfig, error) {
	var cfg models.ServiceConfig
	err := row.Scan(&cfg.ServiceID, &cfg.ProjectID, &cfg.EnvironmentID, &cfg.Name, &cfg.AutoRemediate,
		&cfg.ConfidenceThreshold, &cfg.DefaultMemoryMB, &cfg.DefaultReplicas, &cfg.LogFilter, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ServiceConfig{}, ErrNotFound
	}
	if err != nil {
		return models.ServiceConfig{}, fmt.Errorf("scan service config: %w", err)
	}
	return cfg, nil
}
