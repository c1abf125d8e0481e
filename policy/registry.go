package policy

import (
	"context"
	"errors"
	"fmt"

	"auditflow/auth"
)

// EvalFunc is one policy's evaluation predicate. It must be pure over the
// snapshot: same snapshot, same outcome.
type EvalFunc func(ctx context.Context, snap *Snapshot) (Status, []Exception)

// Definition is one quality-control policy: identity, blocking semantics,
// the transitions it gates, and what authority it takes to waive a failure.
type Definition struct {
	ID                 string
	Name               string
	Blocking           bool
	Transitions        []Transition
	Waivable           bool
	MinWaiverAuthority int
	Evaluate           EvalFunc
}

// AppliesTo reports whether the definition gates the given transition.
func (d Definition) AppliesTo(tr Transition) bool {
	for _, t := range d.Transitions {
		if t == tr {
			return true
		}
	}
	return false
}

// System policy ids. Fixed; firm-custom policies may be added but never
// replace these.
const (
	PolicyDocumentation    = "as1215_documentation"
	PolicyEvidence         = "sas142_evidence"
	PolicyRiskResponse     = "risk_response_completeness"
	PolicySignoff          = "partner_signoff"
	PolicyReviewNotes      = "open_review_notes"
	PolicyCoverage         = "material_account_coverage"
	PolicySubsequentEvents = "subsequent_events"
)

var (
	// ErrDuplicatePolicy signals a custom policy reused an existing id.
	ErrDuplicatePolicy = errors.New("policy: duplicate policy id")
	// ErrFrozen signals registration after the registry snapshot was taken.
	ErrFrozen = errors.New("policy: registry is frozen")
)

// Registry is the catalog of policy definitions. It is populated at startup
// (system policies plus firm-custom entries) and then frozen; the running
// system only ever reads it.
type Registry struct {
	defs   map[string]Definition
	order  []string
	frozen bool
}

// NewRegistry builds a registry seeded with the seven system policies.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, def := range systemDefinitions() {
		if err := r.Register(def); err != nil {
			panic(fmt.Sprintf("policy: seed system definitions: %v", err))
		}
	}
	return r
}

// Register appends a definition. System entries are registered first; custom
// entries must not collide with them.
func (r *Registry) Register(def Definition) error {
	if r.frozen {
		return ErrFrozen
	}
	if def.ID == "" {
		return fmt.Errorf("policy: definition missing id")
	}
	if def.Name == "" {
		return fmt.Errorf("policy: definition %s missing name", def.ID)
	}
	if def.Evaluate == nil {
		return fmt.Errorf("policy: definition %s missing evaluation function", def.ID)
	}
	if len(def.Transitions) == 0 {
		return fmt.Errorf("policy: definition %s gates no transitions", def.ID)
	}
	if def.Waivable && def.MinWaiverAuthority <= auth.AuthorityNone {
		return fmt.Errorf("policy: waivable definition %s needs a minimum waiver authority", def.ID)
	}
	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, def.ID)
	}
	r.defs[def.ID] = def
	r.order = append(r.order, def.ID)
	return nil
}

// Freeze makes the registry immutable. Called once at startup after custom
// policies are loaded.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Get returns the definition for the id.
func (r *Registry) Get(id string) (Definition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// ForTransition returns the definitions gating a transition, in registration
// order.
func (r *Registry) ForTransition(tr Transition) []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		if def := r.defs[id]; def.AppliesTo(tr) {
			out = append(out, def)
		}
	}
	return out
}

// All returns every definition in registration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// SignoffRequired reports whether the transition is gated by partner sign-off.
func (r *Registry) SignoffRequired(tr Transition) bool {
	def, ok := r.defs[PolicySignoff]
	return ok && def.AppliesTo(tr)
}

func systemDefinitions() []Definition {
	return []Definition{
		{
			ID:                 PolicyRiskResponse,
			Name:               "Risk Assessment Response Completeness",
			Blocking:           true,
			Transitions:        []Transition{TransitionPlanningFieldwork},
			Waivable:           true,
			MinWaiverAuthority: auth.AuthorityManager,
			Evaluate:           evaluateRiskResponses,
		},
		{
			ID:                 PolicyDocumentation,
			Name:               "AS 1215 Audit Documentation",
			Blocking:           true,
			Transitions:        []Transition{TransitionFieldworkReview},
			Waivable:           true,
			MinWaiverAuthority: auth.AuthorityManager,
			Evaluate:           evaluateDocumentation,
		},
		{
			ID:                 PolicyEvidence,
			Name:               "SAS 142 Evidence Sufficiency",
			Blocking:           true,
			Transitions:        []Transition{TransitionFieldworkReview},
			Waivable:           true,
			MinWaiverAuthority: auth.AuthorityPartner,
			Evaluate:           evaluateEvidence,
		},
		{
			ID:                 PolicyCoverage,
			Name:               "Material Account Assertion Coverage",
			Blocking:           true,
			Transitions:        []Transition{TransitionFieldworkReview},
			Waivable:           true,
			MinWaiverAuthority: auth.AuthorityPartner,
			Evaluate:           evaluateCoverage,
		},
		{
			ID:                 PolicyReviewNotes,
			Name:               "Open Review Notes Cleared",
			Blocking:           true,
			Transitions:        []Transition{TransitionReviewFinalized},
			Waivable:           true,
			MinWaiverAuthority: auth.AuthorityPartner,
			Evaluate:           evaluateReviewNotes,
		},
		{
			ID:          PolicySignoff,
			Name:        "Partner Sign-Off",
			Blocking:    true,
			Transitions: []Transition{TransitionReviewFinalized},
			Waivable:    false,
			Evaluate:    evaluateSignoff,
		},
		{
			ID:          PolicySubsequentEvents,
			Name:        "Subsequent Events Review Reminder",
			Blocking:    false,
			Transitions: []Transition{TransitionReviewFinalized},
			Waivable:    false,
			Evaluate:    evaluateSubsequentEvents,
		},
	}
}
