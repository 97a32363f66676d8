// Package analysis asks an external natural-language analysis service to
// classify a window of log lines.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// ErrNotConfigured is returned when no analysis endpoint is set.
var ErrNotConfigured = errors.New("analysis provider not configured")

// Client posts log windows to the analysis endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient constructs an analysis client. An empty endpoint yields a client
// whose every call fails with ErrNotConfigured.
func NewClient(endpoint, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type logLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type analyzeRequest struct {
	ServiceName string    `json:"service_name"`
	Model       string    `json:"model,omitempty"`
	Logs        []logLine `json:"logs"`
}

type analyzeResponse struct {
	Severity          string  `json:"severity"`
	Confidence        float64 `json:"confidence"`
	RootCause         string  `json:"root_cause"`
	RecommendedAction string  `json:"recommended_action"`
	Reasoning         string  `json:"reasoning"`
}

// AnalyzeLogs classifies window for serviceName.
func (c *Client) AnalyzeLogs(ctx context.Context, window []models.LogEvent, serviceName string) (models.Classification, error) {
	if c == nil || c.endpoint == "" {
		return models.Classification{}, ErrNotConfigured
	}

	payload := analyzeRequest{ServiceName: serviceName, Model: c.model, Logs: make([]logLine, 0, len(window))}
	for _, ev := range window {
		payload.Logs = append(payload.Logs, logLine{Timestamp: ev.Timestamp, Level: string(ev.Level), Message: ev.Message})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.Classification{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Classification{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Classification{}, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Classification{}, fmt.Errorf("analysis provider returned %s", resp.Status)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Classification{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.RootCause) == "" {
		return models.Classification{}, fmt.Errorf("analysis provider returned no root cause")
	}

	action := models.ActionType(strings.ToLower(out.RecommendedAction))
	if !action.Valid() {
		action = models.ActionManualFix
	}
	return models.Classification{
		Severity:          models.ParseSeverity(strings.ToLower(out.Severity)),
		Confidence:        clamp(out.Confidence),
		RootCause:         out.RootCause,
		RecommendedAction: action,
		Reasoning:         out.Reasoning,
	}, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
