package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// WebhookNotifier posts Slack-compatible {"text": ...} messages.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookNotifier returns a notifier for url.
func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{url: url, httpClient: &http.Client{Timeout: timeout}, logger: logger}
}

func (n *WebhookNotifier) NotifyIncident(ctx context.Context, inc models.Incident) {
	if err := n.post(ctx, IncidentText(inc)); err != nil {
		n.logger.Warn("incident notification failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
}

func (n *WebhookNotifier) NotifyRemediationUpdate(ctx context.Context, inc models.Incident, action models.RemediationAction, _ models.ActionStatus) {
	if err := n.post(ctx, RemediationText(inc, action)); err != nil {
		n.logger.Warn("remediation notification failed", slog.String("action_id", action.ID), slog.Any("error", err))
	}
}

func (n *WebhookNotifier) post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
