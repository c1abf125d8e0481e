package engagement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"auditflow/audittrail"
	"auditflow/auth"
	"auditflow/policy"
)

func newTestStatusService(eng Engagement, run *policy.Run, allowed bool) (*StatusService, *fakeStatusRepo, *fakeEvaluator, *fakePool, *fakeTrail) {
	repo := &fakeStatusRepo{eng: eng}
	evaluator := &fakeEvaluator{run: run}
	pool := &fakePool{}
	trail := &fakeTrail{}
	svc := NewStatusService(pool, repo, evaluator, policy.NewRegistry(), &fakeAuthz{allowed: allowed}, trail).
		WithClock(func() time.Time { return time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC) })
	return svc, repo, evaluator, pool, trail
}

func passResult(policyID string) policy.EvaluationResult {
	return policy.EvaluationResult{
		ID:           "eval-" + policyID,
		EngagementID: "eng-1",
		PolicyID:     policyID,
		Status:       policy.StatusPass,
		Fingerprint:  policy.Fingerprint(policy.StatusPass, nil),
	}
}

func failResult(policyID string, exceptions ...policy.Exception) policy.EvaluationResult {
	return policy.EvaluationResult{
		ID:           "eval-" + policyID,
		EngagementID: "eng-1",
		PolicyID:     policyID,
		Status:       policy.StatusFail,
		Exceptions:   exceptions,
		Fingerprint:  policy.Fingerprint(policy.StatusFail, exceptions),
	}
}

func makeRun(tr policy.Transition, prior map[string]policy.PriorDecision, results ...policy.EvaluationResult) *policy.Run {
	if prior == nil {
		prior = map[string]policy.PriorDecision{}
	}
	return &policy.Run{
		Transition: tr,
		Snapshot:   &policy.Snapshot{Transition: tr, Prior: prior},
		Results:    results,
	}
}

func priorFor(results ...policy.EvaluationResult) map[string]policy.PriorDecision {
	prior := make(map[string]policy.PriorDecision, len(results))
	for _, res := range results {
		prior[res.PolicyID] = policy.PriorDecision{
			EvaluationID: res.ID,
			Status:       res.Status,
			Fingerprint:  res.Fingerprint,
		}
	}
	return prior
}

func TestRequestTransition_Commits(t *testing.T) {
	run := makeRun(policy.TransitionPlanningFieldwork, nil, passResult(policy.PolicyRiskResponse))
	svc, repo, evaluator, pool, trail := newTestStatusService(Engagement{ID: "eng-1", State: StatePlanning}, run, true)

	res, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "fieldwork", ActorID: "manager-1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !res.Committed {
		t.Fatal("expected committed transition")
	}
	if repo.updatedTo != StateFieldwork {
		t.Fatalf("expected state update to fieldwork, got %q", repo.updatedTo)
	}
	if !evaluator.persisted {
		t.Error("expected evaluation results to be persisted")
	}
	if !pool.tx.committed {
		t.Error("expected commit to be called")
	}
	if len(trail.entries) != 1 || trail.entries[0].EventType != audittrail.EventTransitionCommitted {
		t.Fatalf("expected one transition_committed entry, got %+v", trail.entries)
	}
}

func TestRequestTransition_SkippingStates(t *testing.T) {
	run := makeRun(policy.TransitionPlanningFieldwork, nil)
	svc, repo, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateDraft}, run, true)

	_, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "fieldwork", ActorID: "manager-1",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if repo.updatedTo != "" {
		t.Fatal("expected no state update")
	}
}

func TestRequestTransition_FinalizedHasNoSuccessor(t *testing.T) {
	run := makeRun(policy.TransitionReviewFinalized, nil)
	svc, _, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateFinalized}, run, true)

	_, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequestTransition_InsufficientAuthority(t *testing.T) {
	run := makeRun(policy.TransitionPlanningFieldwork, nil)
	svc, _, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StatePlanning}, run, false)

	_, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "fieldwork", ActorID: "outsider",
	})
	if !errors.Is(err, ErrInsufficientAuthority) {
		t.Fatalf("expected ErrInsufficientAuthority, got %v", err)
	}
}

func TestRequestTransition_BlockedKeepsResultsAndAuditEntry(t *testing.T) {
	failing := failResult(policy.PolicyDocumentation, policy.Exception{
		Code: "missing_workpaper", EntityType: "procedure", EntityID: "proc-1",
	})
	run := makeRun(policy.TransitionFieldworkReview, nil,
		failing,
		passResult(policy.PolicyEvidence),
		passResult(policy.PolicyCoverage),
	)
	svc, repo, _, pool, trail := newTestStatusService(Engagement{ID: "eng-1", State: StateFieldwork}, run, true)

	res, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "review", ActorID: "manager-1",
	})
	if !errors.Is(err, ErrUnresolvedBlockingPolicy) {
		t.Fatalf("expected ErrUnresolvedBlockingPolicy, got %v", err)
	}
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %T", err)
	}
	if len(blocked.Failures) != 1 || blocked.Failures[0].PolicyID != policy.PolicyDocumentation {
		t.Fatalf("unexpected failures: %+v", blocked.Failures)
	}
	if res.Committed {
		t.Fatal("expected rejection")
	}
	if repo.updatedTo != "" {
		t.Fatal("expected no state update on rejection")
	}
	// Rejections commit their evaluation results and audit entry.
	if !pool.tx.committed {
		t.Error("expected rejection transaction to commit")
	}
	if len(trail.entries) != 1 || trail.entries[0].EventType != audittrail.EventTransitionRejected {
		t.Fatalf("expected one transition_rejected entry, got %+v", trail.entries)
	}
}

func TestRequestTransition_WaiverCoversExactEvaluation(t *testing.T) {
	failing := failResult(policy.PolicyDocumentation, policy.Exception{
		Code: "missing_workpaper", EntityType: "procedure", EntityID: "proc-1",
	})
	prior := priorFor(failing, passResult(policy.PolicyEvidence), passResult(policy.PolicyCoverage))
	pd := prior[policy.PolicyDocumentation]
	pd.WaiverID = "waiver-1"
	prior[policy.PolicyDocumentation] = pd

	run := makeRun(policy.TransitionFieldworkReview, prior,
		failing,
		passResult(policy.PolicyEvidence),
		passResult(policy.PolicyCoverage),
	)
	svc, _, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateFieldwork}, run, true)

	res, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "review", ActorID: "manager-1",
	})
	if err != nil {
		t.Fatalf("expected covered failure to commit, got %v", err)
	}
	if !res.Committed {
		t.Fatal("expected committed transition")
	}
}

func TestRequestTransition_NoWaiverCarryOver(t *testing.T) {
	// The waiver references an earlier failure over different data. The fresh
	// failure has a new fingerprint, so the old waiver does not cover it.
	oldFailure := failResult(policy.PolicyEvidence, policy.Exception{
		Code: "insufficient_evidence", EntityType: "account", EntityID: "acct-1",
	})
	prior := priorFor(oldFailure)
	pd := prior[policy.PolicyEvidence]
	pd.WaiverID = "waiver-1"
	prior[policy.PolicyEvidence] = pd

	freshFailure := failResult(policy.PolicyEvidence,
		policy.Exception{Code: "insufficient_evidence", EntityType: "account", EntityID: "acct-1"},
		policy.Exception{Code: "insufficient_evidence", EntityType: "account", EntityID: "acct-2"},
	)
	run := makeRun(policy.TransitionFieldworkReview, prior,
		passResult(policy.PolicyDocumentation),
		freshFailure,
		passResult(policy.PolicyCoverage),
	)
	svc, _, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateFieldwork}, run, true)

	_, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "review", ActorID: "manager-1",
	})
	if !errors.Is(err, ErrUnresolvedBlockingPolicy) {
		t.Fatalf("expected ErrUnresolvedBlockingPolicy, got %v", err)
	}
}

func TestRequestTransition_MissingAttestation(t *testing.T) {
	notes := passResult(policy.PolicyReviewNotes)
	subs := passResult(policy.PolicySubsequentEvents)
	signoff := failResult(policy.PolicySignoff, policy.Exception{
		Code: policy.CodeMissingAttestation, EntityType: "engagement", EntityID: "eng-1",
	})
	run := makeRun(policy.TransitionReviewFinalized, priorFor(notes, subs), notes, signoff, subs)
	svc, _, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateReview}, run, true)

	_, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1",
	})
	if !errors.Is(err, ErrMissingAttestation) {
		t.Fatalf("expected ErrMissingAttestation, got %v", err)
	}
}

func TestRequestTransition_StaleAttestationOnDrift(t *testing.T) {
	// The attestation was fresh against stored evaluations, but the review
	// notes outcome drifted between signing and the commit-time re-evaluation.
	notes := passResult(policy.PolicyReviewNotes)
	subs := passResult(policy.PolicySubsequentEvents)
	prior := priorFor(notes, subs)
	pd := prior[policy.PolicyReviewNotes]
	pd.Fingerprint = "fingerprint-at-sign-time"
	prior[policy.PolicyReviewNotes] = pd

	run := makeRun(policy.TransitionReviewFinalized, prior, notes, passResult(policy.PolicySignoff), subs)
	svc, _, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateReview}, run, true)

	_, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1",
	})
	if !errors.Is(err, ErrStaleAttestation) {
		t.Fatalf("expected ErrStaleAttestation, got %v", err)
	}
}

func TestRequestTransition_NonBlockingFailureCommits(t *testing.T) {
	notes := passResult(policy.PolicyReviewNotes)
	subs := failResult(policy.PolicySubsequentEvents, policy.Exception{
		Code: "missing_workpaper_kind", EntityType: "engagement", EntityID: "eng-1",
	})
	run := makeRun(policy.TransitionReviewFinalized, priorFor(notes, subs), notes, passResult(policy.PolicySignoff), subs)
	svc, repo, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateReview}, run, true)

	res, err := svc.RequestTransition(context.Background(), TransitionParams{
		EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1",
	})
	if err != nil {
		t.Fatalf("expected non-blocking failure to commit, got %v", err)
	}
	if !res.Committed || repo.updatedTo != StateFinalized {
		t.Fatalf("expected finalized commit, got %+v updatedTo=%q", res, repo.updatedTo)
	}
}

func TestEvaluatePolicies_PendingTransitionOnly(t *testing.T) {
	run := makeRun(policy.TransitionFieldworkReview, nil, passResult(policy.PolicyDocumentation))
	svc, _, _, _, trail := newTestStatusService(Engagement{ID: "eng-1", State: StateFieldwork}, run, true)

	if _, err := svc.EvaluatePolicies(context.Background(), "eng-1", "manager-1", policy.TransitionReviewFinalized); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for non-pending transition, got %v", err)
	}

	results, err := svc.EvaluatePolicies(context.Background(), "eng-1", "manager-1", policy.TransitionFieldworkReview)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if len(trail.entries) != 1 || trail.entries[0].EventType != audittrail.EventPoliciesEvaluated {
		t.Fatalf("expected one policies_evaluated entry, got %+v", trail.entries)
	}
}

func TestReopen(t *testing.T) {
	run := makeRun(policy.TransitionReviewFinalized, nil)
	svc, repo, _, _, trail := newTestStatusService(Engagement{ID: "eng-1", State: StateFinalized}, run, true)
	repo.liveAttestations = 2

	eng, err := svc.Reopen(context.Background(), ReopenParams{
		EngagementID: "eng-1", TargetState: "fieldwork", Reason: "late-arriving evidence", ActorID: "partner-1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if eng.State != StateFieldwork || repo.updatedTo != StateFieldwork {
		t.Fatalf("expected fieldwork, got %s", eng.State)
	}
	if !repo.invalidated {
		t.Error("expected attestations to be invalidated")
	}
	if len(trail.entries) != 1 || trail.entries[0].EventType != audittrail.EventReopened {
		t.Fatalf("expected one reopened entry, got %+v", trail.entries)
	}
}

func TestReopen_ForwardTargetRejected(t *testing.T) {
	run := makeRun(policy.TransitionReviewFinalized, nil)
	svc, _, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateReview}, run, true)

	_, err := svc.Reopen(context.Background(), ReopenParams{
		EngagementID: "eng-1", TargetState: "finalized", Reason: "r", ActorID: "partner-1",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReopen_RequiresReason(t *testing.T) {
	run := makeRun(policy.TransitionReviewFinalized, nil)
	svc, _, _, _, _ := newTestStatusService(Engagement{ID: "eng-1", State: StateFinalized}, run, true)

	if _, err := svc.Reopen(context.Background(), ReopenParams{
		EngagementID: "eng-1", TargetState: "review", ActorID: "partner-1",
	}); err == nil {
		t.Fatal("expected validation error for empty reason")
	}
}

type fakeStatusRepo struct {
	eng              Engagement
	updatedTo        State
	invalidated      bool
	liveAttestations int64
	lockErr          error
}

func (f *fakeStatusRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, engagementID string) (Engagement, error) {
	if f.lockErr != nil {
		return Engagement{}, f.lockErr
	}
	if f.eng.ID != engagementID {
		return Engagement{}, ErrNotFound
	}
	return f.eng, nil
}

func (f *fakeStatusRepo) UpdateState(ctx context.Context, tx pgx.Tx, engagementID string, next State) error {
	f.updatedTo = next
	return nil
}

func (f *fakeStatusRepo) InvalidateAttestations(ctx context.Context, tx pgx.Tx, engagementID string, at time.Time) (int64, error) {
	f.invalidated = true
	return f.liveAttestations, nil
}

type fakeEvaluator struct {
	run       *policy.Run
	persisted bool
}

func (f *fakeEvaluator) RunTx(ctx context.Context, q policy.Querier, engagementID string, tr policy.Transition, evaluatedBy string) (*policy.Run, error) {
	return f.run, nil
}

func (f *fakeEvaluator) Persist(ctx context.Context, tx pgx.Tx, run *policy.Run) error {
	f.persisted = true
	return nil
}

type fakeAuthz struct {
	allowed bool
}

func (f *fakeAuthz) CanActOnEngagement(ctx context.Context, actorID, engagementID string, action auth.Action) (bool, error) {
	return f.allowed, nil
}

func (f *fakeAuthz) AuthorityLevel(ctx context.Context, actorID string) (int, error) {
	if f.allowed {
		return auth.AuthorityPartner, nil
	}
	return auth.AuthorityStaff, nil
}

type fakeTrail struct {
	entries []audittrail.AppendParams
	nextSeq int
}

func (f *fakeTrail) Append(ctx context.Context, tx pgx.Tx, params audittrail.AppendParams) (audittrail.Entry, error) {
	f.entries = append(f.entries, params)
	f.nextSeq++
	return audittrail.Entry{EngagementID: params.EngagementID, Seq: f.nextSeq}, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
