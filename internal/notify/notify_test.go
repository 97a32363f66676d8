package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

func TestActionResultText(t *testing.T) {
	assert.Equal(t, "✅ Service restarted", ActionResultText(models.RemediationAction{Status: models.ActionSucceeded, ResultMessage: "Service restarted"}))
	assert.Equal(t, "❌ unknown action type", ActionResultText(models.RemediationAction{Status: models.ActionFailed, FailureReason: "unknown action type"}))
	assert.Contains(t, ActionResultText(models.RemediationAction{Status: models.ActionInProgress, ActionType: models.ActionRestart}), "restart in_progress")
}

func TestWebhookNotifierPostsText(t *testing.T) {
	received := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body["text"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, utils.Discard())
	inc := models.Incident{ID: "inc-1", ServiceName: "api", Severity: models.SeverityHigh, RootCause: "OOM killed", RecommendedAction: models.ActionScaleMemory, Confidence: 0.8}
	n.NotifyIncident(context.Background(), inc)
	n.NotifyRemediationUpdate(context.Background(), inc, models.RemediationAction{
		ID: "a1", Status: models.ActionFailed, FailureReason: "rate limited", ActionType: models.ActionScaleMemory,
	}, models.ActionFailed)

	first := <-received
	assert.Contains(t, first, "HIGH incident")
	assert.Contains(t, first, "OOM killed")
	second := <-received
	require.True(t, strings.HasPrefix(second, "❌ rate limited"), second)
}

func TestWebhookNotifierSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, utils.Discard())
	assert.NotPanics(t, func() { n.NotifyIncident(context.Background(), models.Incident{ID: "x"}) })
}
