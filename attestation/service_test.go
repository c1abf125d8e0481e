package attestation

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

func reviewDecisions() map[string]policy.PriorDecision {
	return map[string]policy.PriorDecision{
		policy.PolicyReviewNotes:      {EvaluationID: "eval-notes", Status: policy.StatusPass, Fingerprint: "fp-notes"},
		policy.PolicySubsequentEvents: {EvaluationID: "eval-subs", Status: policy.StatusPass, Fingerprint: "fp-subs"},
	}
}

func newTestService(repo Repository, authz auth.Authorizer) (*Service, *fakePool, *fakeTrail) {
	pool := &fakePool{}
	trail := &fakeTrail{}
	svc := NewService(pool, repo, policy.NewRegistry(), authz, &fakeCreds{fingerprint: "cred-fp"}, trail).
		WithIDGenerator(func() string { return "att-1" }).
		WithClock(func() time.Time { return time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC) })
	return svc, pool, trail
}

func TestSign_Success(t *testing.T) {
	repo := &fakeRepo{state: "review", prior: reviewDecisions()}
	svc, pool, trail := newTestService(repo, &fakeAuthz{allowed: true})

	rec, err := svc.Sign(context.Background(), SignParams{
		EngagementID:  "eng-1",
		TargetState:   "finalized",
		ActorID:       "partner-1",
		SignedContext: map[string]any{"source_ip": "10.0.0.7"},
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.CredentialFingerprint != "cred-fp" {
		t.Fatalf("unexpected credential fingerprint %q", rec.CredentialFingerprint)
	}
	if rec.ContentHash == "" {
		t.Fatal("expected content hash")
	}
	if !pool.tx.committed {
		t.Error("expected commit to be called")
	}
	if len(trail.entries) != 1 || trail.entries[0].EventType != audittrail.EventAttestationSigned {
		t.Fatalf("expected one attestation_signed audit entry, got %+v", trail.entries)
	}
}

func TestSign_HashBindsDecisionSet(t *testing.T) {
	repo := &fakeRepo{state: "review", prior: reviewDecisions()}
	svc, _, _ := newTestService(repo, &fakeAuthz{allowed: true})

	first, err := svc.Sign(context.Background(), SignParams{EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1"})
	if err != nil {
		t.Fatalf("first sign: %v", err)
	}

	// A failing evaluation settled by a waiver contributes the waiver id, so the
	// hash must change.
	changed := reviewDecisions()
	changed[policy.PolicyReviewNotes] = policy.PriorDecision{
		EvaluationID: "eval-notes-2", Status: policy.StatusFail, Fingerprint: "fp-2", WaiverID: "waiver-9",
	}
	repo.prior = changed

	second, err := svc.Sign(context.Background(), SignParams{EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1"})
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}
	if first.ContentHash == second.ContentHash {
		t.Fatal("content hash must change when the decision set changes")
	}
}

func TestSign_NotSignableFromState(t *testing.T) {
	repo := &fakeRepo{state: "fieldwork", prior: reviewDecisions()}
	svc, _, _ := newTestService(repo, &fakeAuthz{allowed: true})

	_, err := svc.Sign(context.Background(), SignParams{EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1"})
	if !errors.Is(err, ErrNotSignable) {
		t.Fatalf("expected ErrNotSignable, got %v", err)
	}
}

func TestSign_UnevaluatedPolicy(t *testing.T) {
	prior := reviewDecisions()
	delete(prior, policy.PolicyReviewNotes)
	repo := &fakeRepo{state: "review", prior: prior}
	svc, _, _ := newTestService(repo, &fakeAuthz{allowed: true})

	_, err := svc.Sign(context.Background(), SignParams{EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1"})
	if !errors.Is(err, ErrUnevaluatedPolicy) {
		t.Fatalf("expected ErrUnevaluatedPolicy, got %v", err)
	}
}

func TestSign_InsufficientAuthority(t *testing.T) {
	repo := &fakeRepo{state: "review", prior: reviewDecisions()}
	svc, _, _ := newTestService(repo, &fakeAuthz{allowed: false})

	_, err := svc.Sign(context.Background(), SignParams{EngagementID: "eng-1", TargetState: "finalized", ActorID: "manager-1"})
	if !errors.Is(err, ErrInsufficientAuthority) {
		t.Fatalf("expected ErrInsufficientAuthority, got %v", err)
	}
}

func TestSign_LockConflict(t *testing.T) {
	repo := &fakeRepo{state: "review", prior: reviewDecisions(), lockErr: ErrConcurrentModification}
	svc, _, _ := newTestService(repo, &fakeAuthz{allowed: true})

	_, err := svc.Sign(context.Background(), SignParams{EngagementID: "eng-1", TargetState: "finalized", ActorID: "partner-1"})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

type fakeRepo struct {
	state    string
	prior    map[string]policy.PriorDecision
	lockErr  error
	inserted *Record
}

func (f *fakeRepo) LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (string, error) {
	if f.lockErr != nil {
		return "", f.lockErr
	}
	return f.state, nil
}

func (f *fakeRepo) PriorDecisions(ctx context.Context, tx pgx.Tx, engagementID string, defs []policy.Definition) (map[string]policy.PriorDecision, error) {
	return f.prior, nil
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	f.inserted = &rec
	return nil
}

func (f *fakeRepo) Latest(ctx context.Context, q policy.Querier, engagementID, targetState string) (Record, error) {
	if f.inserted == nil {
		return Record{}, ErrNotFound
	}
	return *f.inserted, nil
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
	return auth.AuthorityManager, nil
}

type fakeCreds struct {
	fingerprint string
}

func (f *fakeCreds) CredentialFingerprint(ctx context.Context, userID string) (string, error) {
	return f.fingerprint, nil
}

type fakeTrail struct {
	entries []audittrail.AppendParams
}

func (f *fakeTrail) Append(ctx context.Context, tx pgx.Tx, params audittrail.AppendParams) (audittrail.Entry, error) {
	f.entries = append(f.entries, params)
	return audittrail.Entry{}, nil
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
