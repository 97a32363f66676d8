package dedup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

func TestSignatureCollapsesNearDuplicates(t *testing.T) {
	a := Signature("svc-1", "OOM killed")
	b := Signature("svc-1", "  oom   KILLED")
	assert.Equal(t, a, b)
	assert.Len(t, a, SignatureLength)

	assert.NotEqual(t, a, Signature("svc-2", "OOM killed"))
	assert.NotEqual(t, a, Signature("svc-1", "connection refused"))

	prefix := strings.Repeat("x", RootCausePrefix)
	assert.Equal(t, Signature("svc", prefix+" tail one"), Signature("svc", prefix+" tail two"))
}

func TestDecide(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	stale := now.Add(-2 * time.Hour)

	cases := []struct {
		name     string
		existing *models.Incident
		want     models.SubmitResult
	}{
		{"none", nil, models.SubmitCreated},
		{"open", &models.Incident{Status: models.IncidentDetected, LastSeenAt: recent}, models.SubmitUpdated},
		{"remediated", &models.Incident{Status: models.IncidentAutoRemediated, LastSeenAt: recent}, models.SubmitSkipped},
		{"failed", &models.Incident{Status: models.IncidentFailed, DetectedAt: recent}, models.SubmitSkipped},
		{"ignored", &models.Incident{Status: models.IncidentIgnored, LastSeenAt: recent}, models.SubmitSkipped},
		{"stale open", &models.Incident{Status: models.IncidentDetected, LastSeenAt: stale}, models.SubmitCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.existing, now, time.Hour))
		})
	}
}

func TestMergeKeepsIdentity(t *testing.T) {
	first := NewIncident("inc-1", models.IncidentDraft{
		ServiceID:  "svc",
		Signature:  "sig",
		Confidence: 0.5,
		Severity:   models.SeverityHigh,
		DetectedAt: time.Unix(100, 0),
		LogContext: []models.LogEvent{{ID: "a"}},
	}, 0)

	merged := Merge(first, models.IncidentDraft{
		Confidence: 0.9,
		Severity:   models.SeverityCritical,
		DetectedAt: time.Unix(200, 0),
		LogContext: []models.LogEvent{{ID: "b"}, {ID: "c"}},
	}, 1)

	assert.Equal(t, "inc-1", merged.ID)
	assert.Equal(t, 2, merged.Occurrences)
	assert.Equal(t, time.Unix(200, 0), merged.LastSeenAt)
	assert.Equal(t, time.Unix(100, 0), merged.DetectedAt)
	assert.Equal(t, models.SeverityCritical, merged.Severity)
	require.Len(t, merged.LogContext, 1)
	assert.Equal(t, "b", merged.LogContext[0].ID)
}

type recordingSubmitter struct {
	drafts []models.IncidentDraft
	result models.SubmitResult
}

func (r *recordingSubmitter) CreateOrUpdateIncident(_ context.Context, draft models.IncidentDraft) (models.SubmitResult, models.Incident, error) {
	r.drafts = append(r.drafts, draft)
	return r.result, models.Incident{ID: "inc", Signature: draft.Signature}, nil
}

func TestDeduplicatorClaimsAcrossReplicas(t *testing.T) {
	claims := cache.NewMemoryProvider()
	storeA := &recordingSubmitter{result: models.SubmitCreated}
	storeB := &recordingSubmitter{result: models.SubmitCreated}
	replicaA := NewDeduplicator(storeA, claims, time.Minute, utils.Discard())
	replicaB := NewDeduplicator(storeB, claims, time.Minute, utils.Discard())
	ctx := context.Background()

	draft := models.IncidentDraft{ServiceID: "svc-1", RootCause: "OOM killed"}

	result, inc, err := replicaA.Submit(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, models.SubmitCreated, result)
	assert.Equal(t, Signature("svc-1", "OOM killed"), inc.Signature)

	result, _, err = replicaB.Submit(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, models.SubmitSkipped, result)
	assert.Empty(t, storeB.drafts)

	// The owning replica keeps submitting repeats to its store.
	storeA.result = models.SubmitUpdated
	result, _, err = replicaA.Submit(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, models.SubmitUpdated, result)
	assert.Len(t, storeA.drafts, 2)
}

func TestDeduplicatorRequiresService(t *testing.T) {
	d := NewDeduplicator(&recordingSubmitter{}, nil, 0, utils.Discard())
	_, _, err := d.Submit(context.Background(), models.IncidentDraft{RootCause: "x"})
	assert.Error(t, err)
}
