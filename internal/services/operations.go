package services

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/monitor"
	"github.com/miradorstack/mirador-remediator/internal/remediation"
	"github.com/miradorstack/mirador-remediator/internal/stream"
)

// Monitor is the fleet surface the operations API needs.
type Monitor interface {
	StartMonitoring(ctx context.Context, target models.Target, cfg models.ServiceConfig) (monitor.Connection, error)
	StopMonitoring(key models.TargetKey) bool
	DefaultAutoRemediate() bool
	GetStatus(ctx context.Context) []monitor.ServiceStatus
	GetServiceStatus(ctx context.Context, key models.TargetKey) (monitor.ServiceStatus, error)
	GetHealthMetrics(ctx context.Context) monitor.HealthMetrics
}

// Remediator is the remediation surface the operations API needs.
type Remediator interface {
	Execute(ctx context.Context, incidentID string, initiator models.InitiatorType, initiatorRef string, override models.ActionType) (models.RemediationAction, error)
	Stats() remediation.Stats
}

// OperationsService implements api.OperationsServer.
type OperationsService struct {
	api.UnimplementedOperationsServer

	logger     *slog.Logger
	monitor    Monitor
	remediator Remediator
}

// NewOperationsService constructs the operator-facing service.
func NewOperationsService(logger *slog.Logger, m Monitor, r Remediator) *OperationsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationsService{logger: logger, monitor: m, remediator: r}
}

type statusResponse struct {
	Services []monitor.ServiceStatus `json:"services"`
}

type healthResponse struct {
	Fleet       monitor.HealthMetrics `json:"fleet"`
	Remediation api.RemediationStats  `json:"remediation"`
}

// StartMonitoring opens a connection for one service.
func (s *OperationsService) StartMonitoring(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.monitor == nil {
		return nil, status.Error(codes.FailedPrecondition, "monitor not configured")
	}
	req, err := api.DecodeRequest[api.StartMonitoringRequest](in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if _, err := s.monitor.StartMonitoring(ctx, req.Target(), req.Config(s.monitor.DefaultAutoRemediate())); err != nil {
		s.logger.Warn("start monitoring failed", slog.String("service_id", req.ServiceID), slog.Any("error", err))
		return nil, toStatus(err)
	}

	st, err := s.monitor.GetServiceStatus(ctx, req.Target().Key())
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(st)
}

// StopMonitoring closes the connection for one service. Without a project_id
// every project monitoring service_id is stopped. Stopping an unmonitored
// service succeeds with stopped set to false.
func (s *OperationsService) StopMonitoring(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.monitor == nil {
		return nil, status.Error(codes.FailedPrecondition, "monitor not configured")
	}
	req, err := api.DecodeRequest[api.StopMonitoringRequest](in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.ServiceID == "" {
		return nil, status.Error(codes.InvalidArgument, stream.ErrMissingServiceID.Error())
	}

	stopped := s.monitor.StopMonitoring(models.TargetKey{ProjectID: req.ProjectID, ServiceID: req.ServiceID})
	return encode(map[string]any{"stopped": stopped, "service_id": req.ServiceID})
}

// GetStatus returns every monitored service, or one when service_id is set.
func (s *OperationsService) GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.monitor == nil {
		return nil, status.Error(codes.FailedPrecondition, "monitor not configured")
	}
	req, err := api.DecodeRequest[api.StopMonitoringRequest](orEmpty(in))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if req.ServiceID == "" {
		return encode(statusResponse{Services: s.monitor.GetStatus(ctx)})
	}
	st, err := s.monitor.GetServiceStatus(ctx, models.TargetKey{ProjectID: req.ProjectID, ServiceID: req.ServiceID})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(statusResponse{Services: []monitor.ServiceStatus{st}})
}

// GetHealthMetrics combines fleet health with remediation statistics.
func (s *OperationsService) GetHealthMetrics(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var resp healthResponse
	if s.monitor != nil {
		resp.Fleet = s.monitor.GetHealthMetrics(ctx)
	}
	if s.remediator != nil {
		stats := s.remediator.Stats()
		resp.Remediation = api.RemediationStats{
			Dispatched:   stats.Dispatched,
			Succeeded:    stats.Succeeded,
			Failed:       stats.Failed,
			LatencyP50Ms: float64(stats.LatencyP50.Microseconds()) / 1000,
			LatencyP95Ms: float64(stats.LatencyP95.Microseconds()) / 1000,
		}
	}
	return encode(resp)
}

// ExecuteRemediation starts a user-initiated remediation and returns the
// in-progress action record.
func (s *OperationsService) ExecuteRemediation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.remediator == nil {
		return nil, status.Error(codes.FailedPrecondition, "remediation not configured")
	}
	req, err := api.DecodeRequest[api.ExecuteRemediationRequest](in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.IncidentID == "" {
		return nil, status.Error(codes.InvalidArgument, "incident_id is required")
	}

	s.logger.Info("manual remediation requested",
		slog.String("incident_id", req.IncidentID),
		slog.String("initiator_ref", req.InitiatorRef),
		slog.String("action_type", req.ActionType))

	action, err := s.remediator.Execute(ctx, req.IncidentID, models.InitiatorUser, req.InitiatorRef, models.ActionType(req.ActionType))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(action)
}

func encode(v any) (*structpb.Struct, error) {
	out, err := api.EncodeResponse(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func orEmpty(in *structpb.Struct) *structpb.Struct {
	if in == nil {
		return &structpb.Struct{}
	}
	return in
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, monitor.ErrAlreadyMonitored):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, monitor.ErrNotMonitored), errors.Is(err, remediation.ErrIncidentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, stream.ErrMissingProjectID),
		errors.Is(err, stream.ErrMissingServiceID),
		errors.Is(err, stream.ErrMissingToken),
		errors.Is(err, remediation.ErrUnknownActionType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
