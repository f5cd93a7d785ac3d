/*
configuration.go - Hotel policy endpoints

PURPOSE:
  Reads and replaces the financial configuration the night audit uses:
  taxes, service charge, rate seasons and the guest-folio invoice sequence.
  The body is the factory's JSON hotel policy.

ENDPOINTS:
  GET /api/configuration  - Current hotel policy
  PUT /api/configuration  - Replace it

REPLACE SEMANTICS:
  - Taxes missing from the new policy are deactivated, not deleted
  - The service charge is removed when the policy has none
  - The rate calendar is swapped in one transaction
  - An existing active sequence keeps its counter and version; only its
    formatting (prefix, padding, reset period) changes. Without one, the
    policy's sequence is created in the current reset period.

SEE ALSO:
  - factory/policy.go: JSON schema and validation
  - scenarios.go: Demo hotels use the same path
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/night-audit/audit"
	"github.com/warp/night-audit/factory"
	"github.com/warp/night-audit/store/sqlite"
)

// GetConfiguration returns the current hotel policy.
func (h *Handler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	policy, err := currentHotelPolicy(r.Context(), h.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(policy))
}

// PutConfiguration validates and applies a hotel policy.
func (h *Handler) PutConfiguration(w http.ResponseWriter, r *http.Request) {
	var pj factory.HotelPolicyJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	policy, err := h.PolicyFactory.FromJSON(pj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid configuration", err)
		return
	}

	if err := applyHotelPolicy(r.Context(), h.Store, policy, h.now()); err != nil {
		if audit.IsConflict(err) {
			writeError(w, http.StatusConflict, "Sequence changed concurrently, retry", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to apply configuration", err)
		return
	}
	h.Logger.Info("configuration replaced",
		zap.Int("taxes", len(policy.Taxes)),
		zap.Int("rate_seasons", len(policy.Seasons)))

	current, err := currentHotelPolicy(r.Context(), h.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(current))
}

// =============================================================================
// HELPERS
// =============================================================================

func currentHotelPolicy(ctx context.Context, store *sqlite.Store) (*factory.HotelPolicy, error) {
	taxes, err := store.ListTaxConfigurations(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := store.ServiceChargeConfiguration(ctx)
	if err != nil {
		return nil, err
	}
	seasons, err := store.ListRateSeasons(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := store.ActiveSequence(ctx, audit.GuestFolioSequence)
	if err != nil {
		return nil, err
	}
	return &factory.HotelPolicy{Taxes: taxes, ServiceCharge: sc, Seasons: seasons, Sequence: seq}, nil
}

// applyHotelPolicy writes policy to store. asOf anchors a newly created
// invoice sequence.
func applyHotelPolicy(ctx context.Context, store *sqlite.Store, policy *factory.HotelPolicy, asOf time.Time) error {
	existing, err := store.ListTaxConfigurations(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(policy.Taxes))
	for _, t := range policy.Taxes {
		keep[t.ID] = true
		if err := store.SaveTaxConfiguration(ctx, t); err != nil {
			return fmt.Errorf("save tax %s: %w", t.ID, err)
		}
	}
	for _, t := range existing {
		if !keep[t.ID] && t.IsActive {
			t.IsActive = false
			if err := store.SaveTaxConfiguration(ctx, t); err != nil {
				return fmt.Errorf("deactivate tax %s: %w", t.ID, err)
			}
		}
	}

	if err := store.SetServiceChargeConfiguration(ctx, policy.ServiceCharge); err != nil {
		return fmt.Errorf("save service charge: %w", err)
	}
	if err := store.ReplaceRateSeasons(ctx, policy.Seasons); err != nil {
		return fmt.Errorf("save rate seasons: %w", err)
	}

	if policy.Sequence == nil {
		return nil
	}
	active, err := store.ActiveSequence(ctx, audit.GuestFolioSequence)
	if err != nil {
		return err
	}
	if active == nil {
		seq := policy.SequenceAsOf(asOf)
		seq.ID = uuid.NewString()
		return store.SaveSequence(ctx, *seq)
	}

	seq := *active
	seq.PrefixTemplate = policy.Sequence.PrefixTemplate
	seq.PaddingLength = policy.Sequence.PaddingLength
	seq.ResetPeriod = policy.Sequence.ResetPeriod
	if seq.PrefixTemplate != "" {
		seq.Prefix = audit.RenderPrefix(seq.PrefixTemplate, seq.PeriodStart)
	} else {
		seq.Prefix = policy.Sequence.Prefix
	}
	if err := store.SaveSequence(ctx, seq); err != nil {
		return fmt.Errorf("update sequence %s: %w", seq.ID, err)
	}
	return nil
}
