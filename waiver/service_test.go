package waiver

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

func newTestService(repo Repository, authz auth.Authorizer) (*Service, *fakePool) {
	pool := &fakePool{}
	n := 0
	svc := NewService(pool, repo, policy.NewRegistry(), authz, &fakeTrail{}).
		WithIDGenerator(func() string { n++; return "waiver-id" }).
		WithClock(func() time.Time { return time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC) })
	return svc, pool
}

func failingEvaluation(id string) policy.EvaluationResult {
	return policy.EvaluationResult{
		ID:           id,
		EngagementID: "eng-1",
		PolicyID:     policy.PolicyEvidence,
		Status:       policy.StatusFail,
		Fingerprint:  "fp-1",
	}
}

func TestIssue_Success(t *testing.T) {
	repo := &fakeRepo{latest: failingEvaluation("eval-1")}
	svc, pool := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	w, err := svc.Issue(context.Background(), IssueParams{
		EngagementID:  "eng-1",
		PolicyID:      policy.PolicyEvidence,
		EvaluationID:  "eval-1",
		Justification: "Confirmation received after period end covers the balance.",
		ActorID:       "partner-1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if w.EvaluationID != "eval-1" || w.AuthorityLevel != auth.AuthorityPartner {
		t.Fatalf("unexpected waiver: %+v", w)
	}
	if !pool.tx.committed {
		t.Error("expected commit to be called")
	}
	if repo.inserted == nil {
		t.Fatal("expected waiver insert")
	}
}

func TestIssue_StaleEvaluation(t *testing.T) {
	repo := &fakeRepo{latest: failingEvaluation("eval-2")}
	svc, pool := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	_, err := svc.Issue(context.Background(), IssueParams{
		EngagementID:  "eng-1",
		PolicyID:      policy.PolicyEvidence,
		EvaluationID:  "eval-1",
		Justification: "Superseded justification.",
		ActorID:       "partner-1",
	})
	if !errors.Is(err, ErrStaleEvaluation) {
		t.Fatalf("expected ErrStaleEvaluation, got %v", err)
	}
	if pool.tx.committed {
		t.Error("expected no commit on stale evaluation")
	}
}

func TestIssue_EvaluationAlreadyPassing(t *testing.T) {
	latest := failingEvaluation("eval-1")
	latest.Status = policy.StatusPass
	repo := &fakeRepo{latest: latest}
	svc, _ := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	_, err := svc.Issue(context.Background(), IssueParams{
		EngagementID:  "eng-1",
		PolicyID:      policy.PolicyEvidence,
		EvaluationID:  "eval-1",
		Justification: "Nothing to waive.",
		ActorID:       "partner-1",
	})
	if !errors.Is(err, ErrEvaluationAlreadyPassing) {
		t.Fatalf("expected ErrEvaluationAlreadyPassing, got %v", err)
	}
}

func TestIssue_InsufficientAuthority(t *testing.T) {
	// Evidence sufficiency requires partner authority; a manager cannot waive it.
	repo := &fakeRepo{latest: failingEvaluation("eval-1")}
	svc, _ := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityManager})

	_, err := svc.Issue(context.Background(), IssueParams{
		EngagementID:  "eng-1",
		PolicyID:      policy.PolicyEvidence,
		EvaluationID:  "eval-1",
		Justification: "Manager attempt.",
		ActorID:       "manager-1",
	})
	if !errors.Is(err, ErrInsufficientAuthority) {
		t.Fatalf("expected ErrInsufficientAuthority, got %v", err)
	}
}

func TestIssue_UnwaivablePolicy(t *testing.T) {
	repo := &fakeRepo{latest: failingEvaluation("eval-1")}
	svc, _ := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	_, err := svc.Issue(context.Background(), IssueParams{
		EngagementID:  "eng-1",
		PolicyID:      policy.PolicySignoff,
		EvaluationID:  "eval-1",
		Justification: "Cannot waive the sign-off itself.",
		ActorID:       "partner-1",
	})
	if !errors.Is(err, ErrNotWaivable) {
		t.Fatalf("expected ErrNotWaivable, got %v", err)
	}
}

func TestIssue_Validation(t *testing.T) {
	repo := &fakeRepo{latest: failingEvaluation("eval-1")}
	svc, _ := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	cases := []struct {
		name   string
		params IssueParams
	}{
		{"empty justification", IssueParams{EngagementID: "eng-1", PolicyID: policy.PolicyEvidence, EvaluationID: "eval-1", Justification: "   ", ActorID: "partner-1"}},
		{"missing engagement", IssueParams{PolicyID: policy.PolicyEvidence, EvaluationID: "eval-1", Justification: "j", ActorID: "partner-1"}},
		{"missing evaluation", IssueParams{EngagementID: "eng-1", PolicyID: policy.PolicyEvidence, Justification: "j", ActorID: "partner-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Issue(context.Background(), tc.params); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestIssue_UnknownPolicy(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{}, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	_, err := svc.Issue(context.Background(), IssueParams{
		EngagementID:  "eng-1",
		PolicyID:      "no_such_policy",
		EvaluationID:  "eval-1",
		Justification: "j",
		ActorID:       "partner-1",
	})
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestIssue_Forbidden(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{latest: failingEvaluation("eval-1")}, &fakeAuthz{allowed: false, level: auth.AuthorityPartner})

	_, err := svc.Issue(context.Background(), IssueParams{
		EngagementID:  "eng-1",
		PolicyID:      policy.PolicyEvidence,
		EvaluationID:  "eval-1",
		Justification: "j",
		ActorID:       "stranger",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRevoke_Success(t *testing.T) {
	repo := &fakeRepo{
		latest: failingEvaluation("eval-1"),
		waiver: Waiver{ID: "waiver-1", EngagementID: "eng-1", PolicyID: policy.PolicyEvidence},
	}
	svc, pool := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	rev, err := svc.Revoke(context.Background(), RevokeParams{
		EngagementID: "eng-1",
		WaiverID:     "waiver-1",
		Reason:       "Underlying confirmation was withdrawn.",
		ActorID:      "partner-1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rev.WaiverID != "waiver-1" {
		t.Fatalf("unexpected revocation: %+v", rev)
	}
	if !pool.tx.committed {
		t.Error("expected commit to be called")
	}
}

func TestRevoke_AlreadyRevoked(t *testing.T) {
	revokedAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeRepo{
		waiver: Waiver{ID: "waiver-1", EngagementID: "eng-1", PolicyID: policy.PolicyEvidence, RevokedAt: &revokedAt},
	}
	svc, _ := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	_, err := svc.Revoke(context.Background(), RevokeParams{
		EngagementID: "eng-1",
		WaiverID:     "waiver-1",
		Reason:       "r",
		ActorID:      "partner-1",
	})
	if !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
}

func TestRevoke_InsufficientAuthority(t *testing.T) {
	repo := &fakeRepo{
		waiver: Waiver{ID: "waiver-1", EngagementID: "eng-1", PolicyID: policy.PolicyEvidence},
	}
	svc, _ := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityManager})

	_, err := svc.Revoke(context.Background(), RevokeParams{
		EngagementID: "eng-1",
		WaiverID:     "waiver-1",
		Reason:       "r",
		ActorID:      "manager-1",
	})
	if !errors.Is(err, ErrInsufficientAuthority) {
		t.Fatalf("expected ErrInsufficientAuthority, got %v", err)
	}
}

func TestIssue_ConcurrentLockConflict(t *testing.T) {
	repo := &fakeRepo{latest: failingEvaluation("eval-1"), lockErr: ErrConcurrentModification}
	svc, _ := newTestService(repo, &fakeAuthz{allowed: true, level: auth.AuthorityPartner})

	_, err := svc.Issue(context.Background(), IssueParams{
		EngagementID:  "eng-1",
		PolicyID:      policy.PolicyEvidence,
		EvaluationID:  "eval-1",
		Justification: "j",
		ActorID:       "partner-1",
	})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

type fakeRepo struct {
	latest   policy.EvaluationResult
	waiver   Waiver
	lockErr  error
	inserted *Waiver
	revoked  *Revocation
}

func (f *fakeRepo) LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) error {
	return f.lockErr
}

func (f *fakeRepo) LatestEvaluation(ctx context.Context, tx pgx.Tx, engagementID, policyID string) (policy.EvaluationResult, error) {
	if f.latest.ID == "" {
		return policy.EvaluationResult{}, ErrNoEvaluation
	}
	return f.latest, nil
}

func (f *fakeRepo) InsertWaiver(ctx context.Context, tx pgx.Tx, w Waiver) error {
	f.inserted = &w
	return nil
}

func (f *fakeRepo) GetWaiver(ctx context.Context, tx pgx.Tx, engagementID, waiverID string) (Waiver, error) {
	if f.waiver.ID == "" || f.waiver.ID != waiverID || f.waiver.EngagementID != engagementID {
		return Waiver{}, ErrWaiverNotFound
	}
	return f.waiver, nil
}

func (f *fakeRepo) InsertRevocation(ctx context.Context, tx pgx.Tx, rev Revocation) error {
	f.revoked = &rev
	return nil
}

func (f *fakeRepo) ListForEngagement(ctx context.Context, q policy.Querier, engagementID string) ([]Waiver, error) {
	return nil, nil
}

type fakeAuthz struct {
	allowed bool
	level   int
}

func (f *fakeAuthz) CanActOnEngagement(ctx context.Context, actorID, engagementID string, action auth.Action) (bool, error) {
	return f.allowed, nil
}

func (f *fakeAuthz) AuthorityLevel(ctx context.Context, actorID string) (int, error) {
	return f.level, nil
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
