// Package dedup decides whether an incident candidate is new, a repeat of an
// open incident, or a repeat of one that was already resolved.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

const (
	// RootCausePrefix bounds the normalised root cause before hashing so
	// near-duplicate texts with different tails collapse together.
	RootCausePrefix = 100
	// SignatureLength is the number of hex characters kept from the digest.
	SignatureLength = 16
)

// Normalize lower-cases, collapses whitespace and truncates root cause text.
func Normalize(rootCause string) string {
	fields := strings.Fields(strings.ToLower(rootCause))
	return utils.Truncate(strings.Join(fields, " "), RootCausePrefix)
}

// Signature returns the dedup key for a service and root cause.
func Signature(serviceID, rootCause string) string {
	sum := sha256.Sum256([]byte(serviceID + "|" + Normalize(rootCause)))
	return hex.EncodeToString(sum[:])[:SignatureLength]
}

// Decide applies the create/update/skip policy. existing is the most recent
// incident with the same signature, or nil. Incidents last seen outside the
// window no longer suppress a new one.
func Decide(existing *models.Incident, now time.Time, window time.Duration) models.SubmitResult {
	if existing == nil {
		return models.SubmitCreated
	}
	if window > 0 {
		last := existing.LastSeenAt
		if last.IsZero() {
			last = existing.DetectedAt
		}
		if now.Sub(last) > window {
			return models.SubmitCreated
		}
	}
	if existing.Status.Open() {
		return models.SubmitUpdated
	}
	return models.SubmitSkipped
}

// Merge folds a repeat draft into an open incident: the occurrence count and
// last-seen time advance and the freshest log context wins, capped at limit.
func Merge(existing models.Incident, draft models.IncidentDraft, limit int) models.Incident {
	existing.Occurrences++
	if draft.DetectedAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = draft.DetectedAt
	}
	if len(draft.LogContext) > 0 {
		existing.LogContext = CapContext(draft.LogContext, limit)
	}
	if draft.Confidence > existing.Confidence {
		existing.Confidence = draft.Confidence
		existing.Severity = draft.Severity
		existing.Reasoning = draft.Reasoning
	}
	return existing
}

// NewIncident builds the first incident row for a draft.
func NewIncident(id string, draft models.IncidentDraft, limit int) models.Incident {
	detected := draft.DetectedAt
	return models.Incident{
		ID:                id,
		ServiceID:         draft.ServiceID,
		ServiceName:       draft.ServiceName,
		EnvironmentID:     draft.EnvironmentID,
		Signature:         draft.Signature,
		Severity:          draft.Severity,
		Status:            models.IncidentDetected,
		Confidence:        draft.Confidence,
		RootCause:         draft.RootCause,
		RecommendedAction: draft.RecommendedAction,
		Reasoning:         draft.Reasoning,
		LogContext:        CapContext(draft.LogContext, limit),
		Occurrences:       1,
		DetectedAt:        detected,
		LastSeenAt:        detected,
	}
}

// CapContext keeps at most limit events. limit <= 0 keeps everything.
func CapContext(events []models.LogEvent, limit int) []models.LogEvent {
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return append([]models.LogEvent(nil), events...)
}
