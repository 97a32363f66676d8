// Package notify delivers incident and remediation updates to operators.
// Delivery is fire-and-forget: failures are logged here and never returned.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Notifier is the notification collaborator.
type Notifier interface {
	NotifyIncident(ctx context.Context, incident models.Incident)
	NotifyRemediationUpdate(ctx context.Context, incident models.Incident, action models.RemediationAction, status models.ActionStatus)
}

// ActionResultText renders the one-line outcome of an action.
func ActionResultText(action models.RemediationAction) string {
	switch action.Status {
	case models.ActionSucceeded:
		return "✅ " + action.ResultMessage
	case models.ActionFailed:
		return "❌ " + action.FailureReason
	default:
		return fmt.Sprintf("⏳ %s %s", action.ActionType, action.Status)
	}
}

// IncidentText renders a short incident summary.
func IncidentText(inc models.Incident) string {
	name := inc.ServiceName
	if name == "" {
		name = inc.ServiceID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s incident* on %s\n", strings.ToUpper(string(inc.Severity)), name)
	fmt.Fprintf(&b, "Root cause: %s\n", inc.RootCause)
	fmt.Fprintf(&b, "Recommended action: %s (confidence %.0f%%)", inc.RecommendedAction, inc.Confidence*100)
	if inc.Reasoning != "" {
		fmt.Fprintf(&b, "\n%s", inc.Reasoning)
	}
	return b.String()
}

// RemediationText renders a remediation update.
func RemediationText(inc models.Incident, action models.RemediationAction) string {
	name := inc.ServiceName
	if name == "" {
		name = inc.ServiceID
	}
	return fmt.Sprintf("%s\n%s on %s (incident %s, by %s:%s)",
		ActionResultText(action), action.ActionType, name, inc.ID, action.InitiatorType, action.InitiatorRef)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

func (n LogNotifier) NotifyIncident(_ context.Context, inc models.Incident) {
	n.logger().Info("incident detected",
		slog.String("incident_id", inc.ID),
		slog.String("service_id", inc.ServiceID),
		slog.String("severity", string(inc.Severity)),
		slog.String("root_cause", inc.RootCause))
}

func (n LogNotifier) NotifyRemediationUpdate(_ context.Context, inc models.Incident, action models.RemediationAction, status models.ActionStatus) {
	n.logger().Info("remediation update",
		slog.String("incident_id", inc.ID),
		slog.String("action_id", action.ID),
		slog.String("status", string(status)),
		slog.String("text", ActionResultText(action)))
}

// Multi fans out to several notifiers.
type Multi []Notifier

func (m Multi) NotifyIncident(ctx context.Context, inc models.Incident) {
	for _, n := range m {
		n.NotifyIncident(ctx, inc)
	}
}

func (m Multi) NotifyRemediationUpdate(ctx context.Context, inc models.Incident, action models.RemediationAction, status models.ActionStatus) {
	for _, n := range m {
		n.NotifyRemediationUpdate(ctx, inc, action, status)
	}
}
