package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Submitter is the persistence create-or-update contract.
type Submitter interface {
	CreateOrUpdateIncident(ctx context.Context, draft models.IncidentDraft) (models.SubmitResult, models.Incident, error)
}

// ClaimKey is the cache key guarding one signature across replicas.
func ClaimKey(signature string) string {
	return "remediator:incident:" + signature
}

// Deduplicator stamps signatures on drafts and submits them, holding a short
// cache claim per signature so two replicas never race on the same incident.
type Deduplicator struct {
	store    Submitter
	claims   cache.Provider
	claimTTL time.Duration
	owner    []byte
	logger   *slog.Logger
}

// NewDeduplicator wires the submitter and claim cache. A nil cache disables claims.
func NewDeduplicator(store Submitter, claims cache.Provider, claimTTL time.Duration, logger *slog.Logger) *Deduplicator {
	if claims == nil {
		claims = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &Deduplicator{
		store:    store,
		claims:   claims,
		claimTTL: claimTTL,
		owner:    []byte(uuid.NewString()),
		logger:   logger,
	}
}

// Submit computes the signature when missing and applies the create/update/skip
// policy through the store. A claim held by another replica yields skipped.
func (d *Deduplicator) Submit(ctx context.Context, draft models.IncidentDraft) (models.SubmitResult, models.Incident, error) {
	if draft.ServiceID == "" {
		return "", models.Incident{}, fmt.Errorf("submit incident: service id is required")
	}
	if draft.Signature == "" {
		draft.Signature = Signature(draft.ServiceID, draft.RootCause)
	}

	owned, err := d.claim(ctx, draft.Signature)
	if err != nil {
		// The store still enforces the policy; the claim only narrows cross-replica races.
		d.logger.Warn("incident claim unavailable", slog.String("signature", draft.Signature), slog.Any("error", err))
	} else if !owned {
		d.logger.Info("incident claimed by another replica",
			slog.String("service_id", draft.ServiceID),
			slog.String("signature", draft.Signature))
		metrics.ObserveIncident(string(models.SubmitSkipped))
		return models.SubmitSkipped, models.Incident{}, nil
	}

	result, incident, err := d.store.CreateOrUpdateIncident(ctx, draft)
	if err != nil {
		return "", models.Incident{}, fmt.Errorf("submit incident %s: %w", draft.Signature, err)
	}
	metrics.ObserveIncident(string(result))
	return result, incident, nil
}

func (d *Deduplicator) claim(ctx context.Context, signature string) (bool, error) {
	key := ClaimKey(signature)
	ok, err := d.claims.SetNX(ctx, key, d.owner, d.claimTTL)
	if err != nil || ok {
		return ok, err
	}
	holder, err := d.claims.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		// Expired between the two calls.
		return d.claims.SetNX(ctx, key, d.owner, d.claimTTL)
	}
	if err != nil {
		return false, err
	}
	return string(holder) == string(d.owner), nil
}
