package remediation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/miradorstack/mirador-remediator/internal/controlplane"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

//go:generate mockgen -destination=mock_controlplane.go -package=remediation github.com/miradorstack/mirador-remediator/internal/remediation ControlPlane

// ControlPlane is the service-management API the coordinator dispatches to.
type ControlPlane interface {
	Restart(ctx context.Context, serviceID, environmentID string) (controlplane.Result, error)
	ScaleMemory(ctx context.Context, serviceID, environmentID string, memoryMB int) (controlplane.Result, error)
	ScaleReplicas(ctx context.Context, serviceID, environmentID string, replicas int) (controlplane.Result, error)
	GetDeployments(ctx context.Context, serviceID string, limit int) ([]models.Deployment, error)
	Rollback(ctx context.Context, serviceID, deploymentID string) (controlplane.Result, error)
}

var (
	// ErrUnknownActionType is returned for action types outside the enumeration.
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrMissingEnvironment is returned when neither the incident nor the
	// configured defaults name an environment.
	ErrMissingEnvironment = errors.New("no environment id for service")
	// ErrNoRollbackTarget is returned when no earlier successful deployment exists.
	ErrNoRollbackTarget = errors.New("no previous successful deployment to roll back to")
	// ErrRejected is returned when the control plane answered without a truthy payload.
	ErrRejected = errors.New("control plane rejected the request")
)

// deploymentHistory is how many deployments rollback inspects.
const deploymentHistory = 10

// dispatchRequest is everything a handler may need.
type dispatchRequest struct {
	incident    models.Incident
	environment string
	config      models.ServiceConfig
}

type handler struct {
	needsEnvironment bool
	run              func(c *Coordinator, ctx context.Context, req dispatchRequest) (string, error)
}

// handlers maps every ActionType to its dispatch. An action type missing here
// fails with ErrUnknownActionType.
var handlers = map[models.ActionType]handler{
	models.ActionRestart:       {needsEnvironment: true, run: (*Coordinator).restart},
	models.ActionRedeploy:      {needsEnvironment: true, run: (*Coordinator).restart},
	models.ActionScaleMemory:   {needsEnvironment: true, run: (*Coordinator).scaleMemory},
	models.ActionScaleReplicas: {needsEnvironment: true, run: (*Coordinator).scaleReplicas},
	models.ActionRollback:      {run: (*Coordinator).rollback},
	models.ActionStop: {run: func(*Coordinator, context.Context, dispatchRequest) (string, error) {
		return "Stop acknowledged; manual intervention recommended", nil
	}},
	models.ActionNone: {run: func(*Coordinator, context.Context, dispatchRequest) (string, error) {
		return "No action required", nil
	}},
	models.ActionManualFix: {run: func(*Coordinator, context.Context, dispatchRequest) (string, error) {
		return "Manual fix required", nil
	}},
}

func (c *Coordinator) restart(ctx context.Context, req dispatchRequest) (string, error) {
	res, err := c.controlPlane.Restart(ctx, req.incident.ServiceID, req.environment)
	if err := checkResult(res, err); err != nil {
		return "", err
	}
	return fmt.Sprintf("Restarted %s in environment %s", serviceLabel(req), req.environment), nil
}

func (c *Coordinator) scaleMemory(ctx context.Context, req dispatchRequest) (string, error) {
	memoryMB := req.config.DefaultMemoryMB
	if memoryMB <= 0 {
		memoryMB = c.opts.FallbackMemoryMB
	}
	res, err := c.controlPlane.ScaleMemory(ctx, req.incident.ServiceID, req.environment, memoryMB)
	if err := checkResult(res, err); err != nil {
		return "", err
	}
	return fmt.Sprintf("Scaled %s memory to %dMB", serviceLabel(req), memoryMB), nil
}

func (c *Coordinator) scaleReplicas(ctx context.Context, req dispatchRequest) (string, error) {
	replicas := req.config.DefaultReplicas
	if replicas <= 0 {
		replicas = c.opts.FallbackReplicas
	}
	res, err := c.controlPlane.ScaleReplicas(ctx, req.incident.ServiceID, req.environment, replicas)
	if err := checkResult(res, err); err != nil {
		return "", err
	}
	return fmt.Sprintf("Scaled %s to %d replicas", serviceLabel(req), replicas), nil
}

func (c *Coordinator) rollback(ctx context.Context, req dispatchRequest) (string, error) {
	deployments, err := c.controlPlane.GetDeployments(ctx, req.incident.ServiceID, deploymentHistory)
	if err != nil {
		return "", err
	}
	target, ok := RollbackTarget(deployments)
	if !ok {
		return "", ErrNoRollbackTarget
	}
	res, err := c.controlPlane.Rollback(ctx, req.incident.ServiceID, target.ID)
	if err := checkResult(res, err); err != nil {
		return "", err
	}
	return fmt.Sprintf("Rolled back %s to deployment %s", serviceLabel(req), target.ID), nil
}

// RollbackTarget returns the most recent successful deployment preceding the
// current one. deployments are ordered newest first.
func RollbackTarget(deployments []models.Deployment) (models.Deployment, bool) {
	if len(deployments) < 2 {
		return models.Deployment{}, false
	}
	for _, d := range deployments[1:] {
		if d.DeploymentSucceeded() {
			return d, true
		}
	}
	return models.Deployment{}, false
}

func checkResult(res controlplane.Result, err error) error {
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s", ErrRejected, res.Operation)
	}
	return nil
}

func serviceLabel(req dispatchRequest) string {
	if req.incident.ServiceName != "" {
		return req.incident.ServiceName
	}
	return req.incident.ServiceID
}

// FailureMessage renders err as operator-facing text. Known control-plane
// statuses get a fixed explanation; anything else is stringified.
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "control plane call timed out"
	}
	var apiErr *controlplane.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusUnauthorized:
			return "Authentication with the control plane failed; check the API token"
		case code == http.StatusForbidden:
			return "The control plane token lacks permission for this service"
		case code == http.StatusNotFound:
			return "Service or deployment not found on the control plane"
		case code == http.StatusTooManyRequests:
			return "Rate limited by the control plane; try again later"
		case code >= http.StatusInternalServerError:
			return fmt.Sprintf("Control plane unavailable (HTTP %d)", code)
		}
	}
	return err.Error()
}
