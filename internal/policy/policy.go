package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

// Store defines the interface for policy persistence.
type Store interface {
	GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error)
	ListPolicies(ctx context.Context, activeOnly bool) ([]models.Policy, error)
	CreatePolicy(ctx context.Context, p *models.Policy) error
	UpdatePolicy(ctx context.Context, p *models.Policy) error
	DeactivatePolicy(ctx context.Context, id uuid.UUID) error
}

// Engine matches requests against the active policy set. Policies are
// evaluated priority-descending; the first rule that fully matches wins.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Validate checks the closed rule schema once, at create/update time.
func Validate(p *models.Policy) error {
	if p.Name == "" {
		return errdefs.Validationf("policy name is required")
	}
	if len(p.Rules) == 0 {
		return errdefs.Validationf("policy %q must have at least one rule", p.Name)
	}
	for i, rule := range p.Rules {
		if rule.ResourceType == "" {
			return errdefs.Validationf("policy %q rule %d: resource_type is required", p.Name, i)
		}
		if len(rule.AllowedRoles) == 0 {
			return errdefs.Validationf("policy %q rule %d: allowed_roles is required", p.Name, i)
		}
		if rule.MinConfidence < 0 || rule.MinConfidence > 100 {
			return errdefs.Validationf("policy %q rule %d: min_confidence must be in [0,100], got %v",
				p.Name, i, rule.MinConfidence)
		}
		if tr := rule.TimeRestrictions; tr != nil {
			if tr.StartHour < 0 || tr.StartHour > 23 || tr.EndHour < 1 || tr.EndHour > 24 {
				return errdefs.Validationf("policy %q rule %d: invalid time restriction hours", p.Name, i)
			}
			if tr.StartHour >= tr.EndHour {
				return errdefs.Validationf("policy %q rule %d: start_hour must be before end_hour", p.Name, i)
			}
			for _, d := range tr.AllowedDays {
				if d < 0 || d > 6 {
					return errdefs.Validationf("policy %q rule %d: invalid weekday %d", p.Name, i, d)
				}
			}
		}
	}
	return nil
}

// MatchResult identifies which policy and rule matched a request.
type MatchResult struct {
	Policy *models.Policy
	Rule   *models.PolicyRule
}

// Match returns the first full rule match across active policies ordered by
// priority descending, or nil when nothing matches.
func (e *Engine) Match(ctx context.Context, resourceType string, role models.Role, at time.Time) (*MatchResult, error) {
	policies, err := e.store.ListPolicies(ctx, true)
	if err != nil {
		return nil, errdefs.Upstreamf("listing policies: %v", err)
	}

	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})

	for i := range policies {
		p := &policies[i]
		for j := range p.Rules {
			rule := &p.Rules[j]
			if ruleMatches(rule, resourceType, role, at) {
				return &MatchResult{Policy: p, Rule: rule}, nil
			}
		}
	}
	return nil, nil
}

func ruleMatches(rule *models.PolicyRule, resourceType string, role models.Role, at time.Time) bool {
	if rule.ResourceType != resourceType && rule.ResourceType != "*" {
		return false
	}

	roleOK := false
	for _, r := range rule.AllowedRoles {
		if models.Role(r) == role {
			roleOK = true
			break
		}
	}
	if !roleOK {
		return false
	}

	if tr := rule.TimeRestrictions; tr != nil {
		hour := at.Hour()
		if hour < tr.StartHour || hour >= tr.EndHour {
			return false
		}
		if len(tr.AllowedDays) > 0 {
			day := int(at.Weekday())
			dayOK := false
			for _, d := range tr.AllowedDays {
				if d == day {
					dayOK = true
					break
				}
			}
			if !dayOK {
				return false
			}
		}
	}

	return true
}

// Create validates and persists a new policy.
func (e *Engine) Create(ctx context.Context, actor models.Actor, p *models.Policy) error {
	if !actor.IsAdmin() {
		return errdefs.Authorizationf("actor %s may not create policies", actor.ID)
	}
	if err := Validate(p); err != nil {
		return err
	}
	p.CreatedBy = actor.ID
	p.IsActive = true
	if err := e.store.CreatePolicy(ctx, p); err != nil {
		return fmt.Errorf("creating policy: %w", err)
	}
	return nil
}

// Update validates and persists changes to an existing policy.
func (e *Engine) Update(ctx context.Context, actor models.Actor, p *models.Policy) error {
	if !actor.IsAdmin() {
		return errdefs.Authorizationf("actor %s may not update policies", actor.ID)
	}
	if err := Validate(p); err != nil {
		return err
	}
	existing, err := e.store.GetPolicy(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	if existing == nil {
		return errdefs.NotFoundf("policy %s", p.ID)
	}
	if err := e.store.UpdatePolicy(ctx, p); err != nil {
		return fmt.Errorf("updating policy: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a policy. Policies are never hard-deleted so
// historical decisions stay explainable.
func (e *Engine) Deactivate(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	if !actor.IsAdmin() {
		return errdefs.Authorizationf("actor %s may not deactivate policies", actor.ID)
	}
	existing, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	if existing == nil {
		return errdefs.NotFoundf("policy %s", id)
	}
	return e.store.DeactivatePolicy(ctx, id)
}

// Get returns a policy by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	p, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errdefs.NotFoundf("policy %s", id)
	}
	return p, nil
}

// List returns all policies, optionally only active ones.
func (e *Engine) List(ctx context.Context, activeOnly bool) ([]models.Policy, error) {
	return e.store.ListPolicies(ctx, activeOnly)
}
