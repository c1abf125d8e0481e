package engagement

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"auditflow/audittrail"
	"auditflow/auth"
	"auditflow/policy"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StatusRepository defines the engagement row access the status service needs.
type StatusRepository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, engagementID string) (Engagement, error)
	UpdateState(ctx context.Context, tx pgx.Tx, engagementID string, next State) error
	InvalidateAttestations(ctx context.Context, tx pgx.Tx, engagementID string, at time.Time) (int64, error)
}

// Evaluator runs the policy set for a transition and persists its results.
type Evaluator interface {
	RunTx(ctx context.Context, q policy.Querier, engagementID string, tr policy.Transition, evaluatedBy string) (*policy.Run, error)
	Persist(ctx context.Context, tx pgx.Tx, run *policy.Run) error
}

// Catalog is the read surface of the policy registry.
type Catalog interface {
	Get(id string) (policy.Definition, bool)
	SignoffRequired(tr policy.Transition) bool
}

// TrailWriter appends audit entries inside the caller's transaction.
type TrailWriter interface {
	Append(ctx context.Context, tx pgx.Tx, params audittrail.AppendParams) (audittrail.Entry, error)
}

// TransitionResult reports the outcome of a transition request. A rejected
// request still persists its evaluation results and an audit entry; only the
// state change is withheld.
type TransitionResult struct {
	Committed  bool                      `json:"committed"`
	From       State                     `json:"from"`
	To         State                     `json:"to"`
	AuditSeq   int                       `json:"auditSeq,omitempty"`
	Results    []policy.EvaluationResult `json:"results"`
	Unresolved []UnresolvedFailure       `json:"unresolved,omitempty"`
}

type TransitionParams struct {
	EngagementID string
	TargetState  string
	ActorID      string
}

type ReopenParams struct {
	EngagementID string
	TargetState  string
	Reason       string
	ActorID      string
}

// StatusService drives the engagement lifecycle. Everything that mutates one
// engagement funnels through its row lock, so an evaluate-then-commit sequence
// never interleaves with another writer.
type StatusService struct {
	pool      TxBeginner
	repo      StatusRepository
	evaluator Evaluator
	catalog   Catalog
	authz     auth.Authorizer
	trail     TrailWriter
	now       func() time.Time
}

func NewStatusService(pool TxBeginner, repo StatusRepository, evaluator Evaluator, catalog Catalog, authz auth.Authorizer, trail TrailWriter) *StatusService {
	if repo == nil {
		repo = NewPGStatusRepository()
	}
	if trail == nil {
		trail = audittrail.NewRecorder()
	}
	return &StatusService{
		pool:      pool,
		repo:      repo,
		evaluator: evaluator,
		catalog:   catalog,
		authz:     authz,
		trail:     trail,
		now:       time.Now,
	}
}

func (s *StatusService) WithClock(now func() time.Time) *StatusService {
	s.now = now
	return s
}

// RequestTransition evaluates the policy set gating the move to targetState
// and commits the state change only when every blocking policy passes or is
// covered by a waiver bound to its exact latest evaluation. Rejections keep
// their evaluation results and audit entry; the state row is untouched.
func (s *StatusService) RequestTransition(ctx context.Context, params TransitionParams) (TransitionResult, error) {
	if params.EngagementID == "" {
		return TransitionResult{}, fmt.Errorf("engagement: missing engagement id")
	}
	target, ok := ParseState(params.TargetState)
	if !ok {
		return TransitionResult{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, params.TargetState)
	}

	allowed, err := s.authz.CanActOnEngagement(ctx, params.ActorID, params.EngagementID, auth.ActionTransition)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("engagement: authorize: %w", err)
	}
	if !allowed {
		return TransitionResult{}, ErrInsufficientAuthority
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	eng, err := s.repo.GetForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return TransitionResult{}, err
	}

	next, ok := eng.State.Next()
	if !ok || next != target {
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, eng.State, target)
	}

	tr := policy.TransitionKey(string(eng.State), string(target))
	run, err := s.evaluator.RunTx(ctx, tx, params.EngagementID, tr, params.ActorID)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := s.evaluator.Persist(ctx, tx, run); err != nil {
		return TransitionResult{}, err
	}

	result := TransitionResult{From: eng.State, To: target, Results: run.Results}
	unresolved, reason := s.reconcile(tr, run)
	result.Unresolved = unresolved

	if len(unresolved) > 0 {
		entry, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
			EngagementID: params.EngagementID,
			EntityType:   audittrail.EntityEngagement,
			EntityID:     params.EngagementID,
			EventType:    audittrail.EventTransitionRejected,
			ActorID:      params.ActorID,
			Payload:      rejectionPayload(eng.State, target, unresolved),
		})
		if err != nil {
			return TransitionResult{}, err
		}
		result.AuditSeq = entry.Seq
		// The rejection itself commits: evaluation results and the audit entry
		// are kept, the state change is not.
		if err := tx.Commit(ctx); err != nil {
			return TransitionResult{}, fmt.Errorf("engagement: commit rejection: %w", err)
		}
		return result, NewBlockedError(unresolved, reason)
	}

	if err := s.repo.UpdateState(ctx, tx, params.EngagementID, target); err != nil {
		return TransitionResult{}, err
	}

	entry, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
		EngagementID: params.EngagementID,
		EntityType:   audittrail.EntityEngagement,
		EntityID:     params.EngagementID,
		EventType:    audittrail.EventTransitionCommitted,
		ActorID:      params.ActorID,
		Payload: map[string]any{
			"from":     string(eng.State),
			"to":       string(target),
			"policies": resultSummary(run.Results),
		},
	})
	if err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, fmt.Errorf("engagement: commit transition: %w", err)
	}

	result.Committed = true
	result.AuditSeq = entry.Seq
	return result, nil
}

// reconcile partitions the run into resolved and unresolved outcomes. A
// blocking failure is resolved only by a non-revoked waiver that references
// the latest stored evaluation and whose covered outcome is identical to the
// fresh one. The sign-off gate additionally fails when any sibling policy's
// outcome drifted from what the attestation hash covered.
func (s *StatusService) reconcile(tr policy.Transition, run *policy.Run) ([]UnresolvedFailure, error) {
	signoffRequired := s.catalog.SignoffRequired(tr)
	drifted := false
	if signoffRequired {
		for _, res := range run.Results {
			if res.PolicyID == policy.PolicySignoff {
				continue
			}
			prior, ok := run.Snapshot.Prior[res.PolicyID]
			if !ok || prior.Fingerprint != res.Fingerprint {
				drifted = true
				break
			}
		}
	}

	var unresolved []UnresolvedFailure
	var reason error
	for _, res := range run.Results {
		def, ok := s.catalog.Get(res.PolicyID)
		if !ok || !def.Blocking {
			continue
		}

		if res.PolicyID == policy.PolicySignoff {
			exceptions := res.Exceptions
			failed := res.Status == policy.StatusFail
			if !failed && drifted {
				failed = true
				exceptions = []policy.Exception{{
					Code:       policy.CodeStaleAttestation,
					EntityType: "engagement",
					EntityID:   res.EngagementID,
					Detail:     "evaluation state changed since the attestation was signed",
				}}
			}
			if failed {
				unresolved = append(unresolved, UnresolvedFailure{PolicyID: res.PolicyID, Exceptions: exceptions})
				if reason == nil || reason == ErrUnresolvedBlockingPolicy {
					reason = signoffReason(exceptions)
				}
			}
			continue
		}

		if res.Status == policy.StatusPass {
			continue
		}
		prior, ok := run.Snapshot.Prior[res.PolicyID]
		waived := ok && prior.WaiverID != "" && prior.Fingerprint == res.Fingerprint
		if waived {
			continue
		}
		unresolved = append(unresolved, UnresolvedFailure{PolicyID: res.PolicyID, Exceptions: res.Exceptions})
		if reason == nil {
			reason = ErrUnresolvedBlockingPolicy
		}
	}

	if len(unresolved) > 1 {
		reason = ErrUnresolvedBlockingPolicy
	}
	return unresolved, reason
}

func signoffReason(exceptions []policy.Exception) error {
	for _, exc := range exceptions {
		if exc.Code == policy.CodeStaleAttestation {
			return ErrStaleAttestation
		}
	}
	return ErrMissingAttestation
}

// EvaluatePolicies runs the policy set for the pending transition without
// attempting the state change. Results are persisted; they are what waivers
// reference.
func (s *StatusService) EvaluatePolicies(ctx context.Context, engagementID, actorID string, tr policy.Transition) ([]policy.EvaluationResult, error) {
	if engagementID == "" {
		return nil, fmt.Errorf("engagement: missing engagement id")
	}

	allowed, err := s.authz.CanActOnEngagement(ctx, actorID, engagementID, auth.ActionEvaluate)
	if err != nil {
		return nil, fmt.Errorf("engagement: authorize: %w", err)
	}
	if !allowed {
		return nil, ErrInsufficientAuthority
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	eng, err := s.repo.GetForUpdate(ctx, tx, engagementID)
	if err != nil {
		return nil, err
	}

	next, ok := eng.State.Next()
	if !ok || policy.TransitionKey(string(eng.State), string(next)) != tr {
		return nil, fmt.Errorf("%w: %s is not pending from %s", ErrInvalidTransition, tr, eng.State)
	}

	run, err := s.evaluator.RunTx(ctx, tx, engagementID, tr, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.evaluator.Persist(ctx, tx, run); err != nil {
		return nil, err
	}

	if _, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
		EngagementID: engagementID,
		EntityType:   audittrail.EntityEngagement,
		EntityID:     engagementID,
		EventType:    audittrail.EventPoliciesEvaluated,
		ActorID:      actorID,
		Payload: map[string]any{
			"transition": string(tr),
			"policies":   resultSummary(run.Results),
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("engagement: commit evaluation: %w", err)
	}
	return run.Results, nil
}

// Reopen moves a finalized or reviewed engagement backward. It is a privileged
// operation, not a transition: no policies run, every live attestation is
// invalidated, and the ledger records why.
func (s *StatusService) Reopen(ctx context.Context, params ReopenParams) (Engagement, error) {
	if params.EngagementID == "" {
		return Engagement{}, fmt.Errorf("engagement: missing engagement id")
	}
	if params.Reason == "" {
		return Engagement{}, fmt.Errorf("engagement: reopen reason required")
	}
	target, ok := ParseState(params.TargetState)
	if !ok {
		return Engagement{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, params.TargetState)
	}

	allowed, err := s.authz.CanActOnEngagement(ctx, params.ActorID, params.EngagementID, auth.ActionReopen)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: authorize: %w", err)
	}
	if !allowed {
		return Engagement{}, ErrInsufficientAuthority
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	eng, err := s.repo.GetForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return Engagement{}, err
	}
	if target.Index() >= eng.State.Index() {
		return Engagement{}, fmt.Errorf("%w: reopen must move backward, %s -> %s", ErrInvalidTransition, eng.State, target)
	}

	if err := s.repo.UpdateState(ctx, tx, params.EngagementID, target); err != nil {
		return Engagement{}, err
	}
	invalidated, err := s.repo.InvalidateAttestations(ctx, tx, params.EngagementID, s.now().UTC())
	if err != nil {
		return Engagement{}, err
	}

	if _, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
		EngagementID: params.EngagementID,
		EntityType:   audittrail.EntityEngagement,
		EntityID:     params.EngagementID,
		EventType:    audittrail.EventReopened,
		ActorID:      params.ActorID,
		Payload: map[string]any{
			"from":                     string(eng.State),
			"to":                       string(target),
			"reason":                   params.Reason,
			"invalidated_attestations": invalidated,
		},
	}); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit reopen: %w", err)
	}

	eng.State = target
	return eng, nil
}

func resultSummary(results []policy.EvaluationResult) []map[string]any {
	summary := make([]map[string]any, 0, len(results))
	for _, res := range results {
		summary = append(summary, map[string]any{
			"policy_id":     res.PolicyID,
			"evaluation_id": res.ID,
			"status":        string(res.Status),
		})
	}
	return summary
}

func rejectionPayload(from, to State, unresolved []UnresolvedFailure) map[string]any {
	failures := make([]map[string]any, 0, len(unresolved))
	for _, f := range unresolved {
		failures = append(failures, map[string]any{
			"policy_id":  f.PolicyID,
			"exceptions": f.Exceptions,
		})
	}
	return map[string]any{
		"from":       string(from),
		"to":         string(to),
		"unresolved": failures,
	}
}
