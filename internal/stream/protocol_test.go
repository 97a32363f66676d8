package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff
	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 60*time.Second, b.Delay(500))
}

func TestSelfFilter(t *testing.T) {
	f := &SelfFilter{ServiceID: "self", Signatures: []string{"[remediator]"}}

	assert.True(t, f.Excludes(models.LogEvent{ServiceID: "self", Message: "anything"}))
	assert.True(t, f.Excludes(models.LogEvent{ServiceID: "svc", Message: "[remediator] restart issued"}))
	assert.False(t, f.Excludes(models.LogEvent{ServiceID: "svc", Message: "OOM killed"}))

	var nilFilter *SelfFilter
	assert.False(t, nilFilter.Excludes(models.LogEvent{ServiceID: "self"}))
}

func TestParseNextFallsBackToTargetService(t *testing.T) {
	target := models.Target{ProjectID: "p", ServiceID: "svc-1", EnvironmentID: "env-1"}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"data":{"environmentLogs":[
		{"message":"panic: nil map","attributes":[{"key":"level","value":"\"fatal\""}]},
		{"timestamp":"2025-01-02T03:04:05Z","message":"ok","level":"info","tags":{"serviceId":"svc-2"}}
	]}}`)

	events, err := parseNext(payload, target, "subscription:1", now)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "svc-1", events[0].ServiceID)
	assert.Equal(t, models.LevelFatal, events[0].Level)
	assert.Equal(t, now, events[0].Timestamp)
	assert.Equal(t, "subscription:1", events[0].Source)

	assert.Equal(t, "svc-2", events[1].ServiceID)
	assert.Equal(t, models.LevelInfo, events[1].Level)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestParseNextReportsUpstreamErrors(t *testing.T) {
	_, err := parseNext(json.RawMessage(`{"errors":[{"message":"unauthorized"}]}`), models.Target{}, "s", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestSubscribeFrameCarriesVariables(t *testing.T) {
	sub := models.Subscription{ID: "7", EnvironmentID: "env-9", Filter: "@level:error"}
	frame, err := subscribeFrame(sub, SubscribeOptions{BeforeLimit: 50, Variables: map[string]any{"extra": true}})
	require.NoError(t, err)
	assert.Equal(t, "7", frame.ID)
	assert.Equal(t, FrameSubscribe, frame.Type)

	var body subscribePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &body))
	assert.Equal(t, LogsSubscription, body.Query)
	assert.Equal(t, "env-9", body.Variables["environmentId"])
	assert.Equal(t, "@level:error", body.Variables["filter"])
	assert.EqualValues(t, 50, body.Variables["beforeLimit"])
	assert.Equal(t, true, body.Variables["extra"])
}

func TestDecodeFrameRejectsMissingType(t *testing.T) {
	_, err := decodeFrame([]byte(`{"id":"1"}`))
	assert.Error(t, err)
	_, err = decodeFrame([]byte(`not json`))
	assert.Error(t, err)
}
