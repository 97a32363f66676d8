// Package controlplane talks to the service-management GraphQL API used to
// restart, scale and roll back monitored services.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// APIError is a failed control-plane call. StatusCode is the HTTP status, or
// the status carried in a GraphQL error extension when the transport was 200.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return "control plane: " + e.Message
	}
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Message)
}

// Result is the decoded data of a successful mutation.
type Result struct {
	Operation string
	Data      map[string]any
}

// OK reports whether the mutation returned a truthy payload.
func (r Result) OK() bool {
	v, ok := r.Data[r.Operation]
	if !ok {
		return len(r.Data) > 0
	}
	switch val := v.(type) {
	case bool:
		return val
	case nil:
		return false
	default:
		return true
	}
}

const (
	restartMutation = `mutation serviceInstanceRedeploy($serviceId: String!, $environmentId: String!) {
  serviceInstanceRedeploy(serviceId: $serviceId, environmentId: $environmentId)
}`
	scaleMemoryMutation = `mutation serviceInstanceLimitsUpdate($serviceId: String!, $environmentId: String!, $memoryGB: Float!) {
  serviceInstanceLimitsUpdate(input: {serviceId: $serviceId, environmentId: $environmentId, memoryGB: $memoryGB})
}`
	scaleReplicasMutation = `mutation serviceInstanceUpdate($serviceId: String!, $environmentId: String!, $numReplicas: Int!) {
  serviceInstanceUpdate(serviceId: $serviceId, environmentId: $environmentId, input: {numReplicas: $numReplicas})
}`
	deploymentsQuery = `query deployments($serviceId: String!, $first: Int!) {
  deployments(first: $first, input: {serviceId: $serviceId}) {
    edges { node { id status createdAt } }
  }
}`
	rollbackMutation = `mutation deploymentRollback($id: String!) {
  deploymentRollback(id: $id)
}`
)

// Client is a GraphQL-over-HTTP control-plane client.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for endpoint authenticated with token.
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Restart redeploys the current deployment of a service instance.
func (c *Client) Restart(ctx context.Context, serviceID, environmentID string) (Result, error) {
	return c.mutate(ctx, "serviceInstanceRedeploy", restartMutation, map[string]any{
		"serviceId":     serviceID,
		"environmentId": environmentID,
	})
}

// ScaleMemory sets the memory limit of a service instance.
func (c *Client) ScaleMemory(ctx context.Context, serviceID, environmentID string, memoryMB int) (Result, error) {
	if memoryMB <= 0 {
		return Result{}, fmt.Errorf("scale memory: memory must be positive, got %d", memoryMB)
	}
	return c.mutate(ctx, "serviceInstanceLimitsUpdate", scaleMemoryMutation, map[string]any{
		"serviceId":     serviceID,
		"environmentId": environmentID,
		"memoryGB":      float64(memoryMB) / 1024,
	})
}

// ScaleReplicas sets the replica count of a service instance.
func (c *Client) ScaleReplicas(ctx context.Context, serviceID, environmentID string, replicas int) (Result, error) {
	if replicas <= 0 {
		return Result{}, fmt.Errorf("scale replicas: replicas must be positive, got %d", replicas)
	}
	return c.mutate(ctx, "serviceInstanceUpdate", scaleReplicasMutation, map[string]any{
		"serviceId":     serviceID,
		"environmentId": environmentID,
		"numReplicas":   replicas,
	})
}

// GetDeployments lists the most recent deployments, newest first.
func (c *Client) GetDeployments(ctx context.Context, serviceID string, limit int) ([]models.Deployment, error) {
	if limit <= 0 {
		limit = 10
	}
	var data struct {
		Deployments struct {
			Edges []struct {
				Node struct {
					ID        string `json:"id"`
					Status    string `json:"status"`
					CreatedAt string `json:"createdAt"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"deployments"`
	}
	if err := c.do(ctx, deploymentsQuery, map[string]any{"serviceId": serviceID, "first": limit}, &data); err != nil {
		return nil, fmt.Errorf("get deployments: %w", err)
	}

	out := make([]models.Deployment, 0, len(data.Deployments.Edges))
	for _, edge := range data.Deployments.Edges {
		out = append(out, models.Deployment{
			ID:        edge.Node.ID,
			Status:    edge.Node.Status,
			CreatedAt: utils.TimestampOr(edge.Node.CreatedAt, time.Time{}),
		})
	}
	return out, nil
}

// Rollback redeploys a previous deployment.
func (c *Client) Rollback(ctx context.Context, serviceID, deploymentID string) (Result, error) {
	res, err := c.mutate(ctx, "deploymentRollback", rollbackMutation, map[string]any{"id": deploymentID})
	if err != nil {
		return Result{}, fmt.Errorf("rollback %s to %s: %w", serviceID, deploymentID, err)
	}
	return res, nil
}

func (c *Client) mutate(ctx context.Context, operation, query string, vars map[string]any) (Result, error) {
	data := make(map[string]any)
	if err := c.do(ctx, query, vars, &data); err != nil {
		return Result{}, err
	}
	return Result{Operation: operation, Data: data}, nil
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code   string `json:"code"`
		Status int    `json:"status"`
	} `json:"extensions"`
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	if c == nil || c.endpoint == "" {
		return fmt.Errorf("control plane endpoint not configured")
	}
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&envelope)

	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decodeErr == nil && len(envelope.Errors) > 0 {
			msg = envelope.Errors[0].Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		return &APIError{StatusCode: statusFromCode(first.Extensions.Status, first.Extensions.Code), Message: first.Message}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func statusFromCode(status int, code string) int {
	if status != 0 {
		return status
	}
	switch strings.ToUpper(code) {
	case "UNAUTHENTICATED":
		return http.StatusUnauthorized
	case "FORBIDDEN":
		return http.StatusForbidden
	case "NOT_FOUND":
		return http.StatusNotFound
	case "RATE_LIMITED", "TOO_MANY_REQUESTS":
		return http.StatusTooManyRequests
	default:
		return 0
	}
}
