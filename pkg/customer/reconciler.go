// Package customer implements customer-data reconciliation: validating
// and writing sensed facts with supersession, sweeping expirations and
// orphans, and evaluating which scenario-required fields are missing.
package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/masking"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// Reconciler mediates between the turn pipeline and the customer store.
type Reconciler struct {
	config    store.AgentConfigStore
	customers store.CustomerDataStore
	logger    *slog.Logger
}

// New wires a reconciler.
func New(config store.AgentConfigStore, customers store.CustomerDataStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{config: config, customers: customers, logger: logger.With("component", "customer")}
}

// ApplyCandidates validates the sensor's candidate variables against the
// customer schema and writes the survivors as new ACTIVE entries. Invalid
// candidates are logged and skipped, never fail the turn. Returns the
// entries written.
func (r *Reconciler) ApplyCandidates(ctx context.Context, tenantID, agentID, customerID string, candidates map[string]models.CandidateVariable) ([]*models.VariableEntry, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	fields, _, err := r.config.ListFields(ctx, tenantID, agentID, store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("loading customer schema: %w", err)
	}
	byName := make(map[string]*models.CustomerDataField, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}

	var written []*models.VariableEntry
	for name, cand := range candidates {
		field, ok := byName[name]
		if !ok {
			r.logger.Warn("candidate names undefined field, skipping", "field", name)
			continue
		}
		value, err := models.ParseTypedValue(cand.Value, field.ValueType)
		if err != nil {
			r.logger.Warn("candidate value does not parse, skipping", "field", name, "error", err)
			continue
		}
		if err := validateValue(field, value); err != nil {
			r.logger.Warn("candidate value fails validation, skipping", "field", name, "error", err)
			continue
		}
		entry := &models.VariableEntry{
			ID:          models.NewID(),
			TenantID:    tenantID,
			CustomerID:  customerID,
			Name:        name,
			Value:       value,
			ValueType:   field.ValueType,
			Source:      models.EntrySourceUserProvided,
			Status:      models.EntryStatusActive,
			CollectedAt: time.Now().UTC(),
		}
		if field.FreshnessSeconds != nil {
			exp := entry.CollectedAt.Add(time.Duration(*field.FreshnessSeconds) * time.Second)
			entry.ExpiresAt = &exp
		}
		saved, err := r.customers.UpdateFieldEntry(ctx, entry)
		if err != nil {
			return written, fmt.Errorf("writing field %s: %w", name, err)
		}
		written = append(written, saved)
	}
	if len(written) > 0 {
		var piiNames []string
		for _, f := range fields {
			if f.IsPII {
				piiNames = append(piiNames, f.Name)
			}
		}
		redactor := masking.NewRedactor(piiNames)
		values := make(map[string]string, len(written))
		for _, e := range written {
			values[e.Name] = e.Value.Format()
		}
		r.logger.Info("customer data written",
			"customer_id", customerID, "values", redactor.Map(values))
	}
	return written, nil
}

// validateValue applies the schema's validation mode. Tool validation is
// deferred to the tool executor; here it passes.
func validateValue(field *models.CustomerDataField, v models.TypedValue) error {
	if len(field.AllowedValues) > 0 {
		formatted := v.Format()
		allowed := false
		for _, a := range field.AllowedValues {
			if a == formatted {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("value %q not in allowed set", formatted)
		}
	}
	if field.ValidationMode == models.ValidationModeRegex && field.ValidationRegex != nil {
		re, err := regexp.Compile(*field.ValidationRegex)
		if err != nil {
			return fmt.Errorf("validation regex does not compile: %w", err)
		}
		if !re.MatchString(v.Format()) {
			return fmt.Errorf("value does not match validation regex")
		}
	}
	return nil
}

// MissingFields evaluates the scenario's field requirements against the
// customer's ACTIVE entries. A requirement counts as missing when no
// ACTIVE entry exists, the entry is staler than the schema's freshness
// window, or the schema demands verification and the entry is unverified.
// Results come back in collection order.
func (r *Reconciler) MissingFields(ctx context.Context, tenantID, agentID, customerID, scenarioID string, stepID *string, level models.RequiredLevel) ([]models.MissingField, error) {
	reqs, err := r.config.ListRequirements(ctx, tenantID, scenarioID, stepID)
	if err != nil {
		return nil, fmt.Errorf("loading requirements: %w", err)
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	fields, _, err := r.config.ListFields(ctx, tenantID, agentID, store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("loading customer schema: %w", err)
	}
	byName := make(map[string]*models.CustomerDataField, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}

	var profile *models.CustomerProfile
	if customerID != "" {
		profile, err = r.customers.GetProfile(ctx, tenantID, customerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
	}

	now := time.Now().UTC()
	var missing []models.MissingField
	for _, req := range reqs {
		if level != "" && req.RequiredLevel != level {
			continue
		}
		field := byName[req.FieldName]
		reason := evaluate(field, activeEntry(profile, req.FieldName), now)
		if reason == "" {
			continue
		}
		mf := models.MissingField{
			FieldName:       req.FieldName,
			ScenarioID:      req.ScenarioID,
			StepID:          req.StepID,
			RequiredLevel:   req.RequiredLevel,
			FallbackAction:  req.FallbackAction,
			CollectionOrder: req.CollectionOrder,
			Reason:          reason,
		}
		if field != nil {
			mf.DisplayName = field.DisplayName
		}
		missing = append(missing, mf)
	}
	// ListRequirements already sorts by collection order; the level
	// filter preserves it.
	return missing, nil
}

func activeEntry(p *models.CustomerProfile, name string) *models.VariableEntry {
	if p == nil {
		return nil
	}
	return p.ActiveField(name)
}

// evaluate returns why the entry fails the requirement, or "".
func evaluate(field *models.CustomerDataField, entry *models.VariableEntry, now time.Time) string {
	if entry == nil {
		return "absent"
	}
	if entry.IsExpired(now) {
		return "stale"
	}
	if field != nil {
		if field.FreshnessSeconds != nil && now.Sub(entry.CollectedAt) > time.Duration(*field.FreshnessSeconds)*time.Second {
			return "stale"
		}
		if field.RequiredVerification && !entry.Verified {
			return "unverified"
		}
	}
	return ""
}

// Sweep expires overdue entries tenant-wide and, when a customer is
// named, re-walks that customer's derivation chains for orphans.
func (r *Reconciler) Sweep(ctx context.Context, tenantID, customerID string) (expired int, orphaned []string, err error) {
	expired, err = r.customers.ExpireEntries(ctx, tenantID, time.Now().UTC())
	if err != nil {
		return 0, nil, fmt.Errorf("expiring entries: %w", err)
	}
	if customerID != "" {
		orphaned, err = r.customers.MarkOrphans(ctx, tenantID, customerID)
		if err != nil {
			return expired, nil, fmt.Errorf("marking orphans: %w", err)
		}
	}
	if expired > 0 || len(orphaned) > 0 {
		r.logger.Info("customer data swept", "tenant_id", tenantID, "expired", expired, "orphaned", len(orphaned))
	}
	return expired, orphaned, nil
}

// Merge folds the source profile into the target. Idempotent; delegates
// the union semantics to the store.
func (r *Reconciler) Merge(ctx context.Context, tenantID, targetID, sourceID string) (*models.CustomerProfile, error) {
	return r.customers.MergeProfiles(ctx, tenantID, targetID, sourceID)
}
