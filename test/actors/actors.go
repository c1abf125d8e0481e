package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"auditflow/attestation"
	"auditflow/engagement"
	"auditflow/policy"
	"auditflow/reviewnote"
	"auditflow/waiver"
)

// Env bundles the service layer the actors drive. Actors go through the
// services rather than raw SQL so the stress run exercises the same locking
// and audit paths production traffic does.
type Env struct {
	Pool         *pgxpool.Pool
	Status       *engagement.StatusService
	Waivers      *waiver.Service
	Attestations *attestation.Service
	Notes        *reviewnote.Service
}

// benign reports whether the error is an expected business rejection under
// contention. Anything else is an infrastructure failure and aborts the run.
func benign(err error) bool {
	if err == nil {
		return true
	}
	var blocked *engagement.BlockedError
	if errors.As(err, &blocked) {
		return true
	}
	for _, sentinel := range []error{
		engagement.ErrInvalidTransition,
		engagement.ErrConcurrentModification,
		engagement.ErrMissingAttestation,
		engagement.ErrStaleAttestation,
		engagement.ErrUnresolvedBlockingPolicy,
		waiver.ErrConcurrentModification,
		waiver.ErrStaleEvaluation,
		waiver.ErrEvaluationAlreadyPassing,
		waiver.ErrNoEvaluation,
		waiver.ErrNotWaivable,
		waiver.ErrAlreadyRevoked,
		waiver.ErrWaiverNotFound,
		attestation.ErrConcurrentModification,
		attestation.ErrNotSignable,
		attestation.ErrUnevaluatedPolicy,
		reviewnote.ErrConcurrentModification,
		reviewnote.ErrNoteNotFound,
		reviewnote.ErrAlreadyCleared,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func pendingTransition(ctx context.Context, pool *pgxpool.Pool, engagementID string) (engagement.State, engagement.State, bool, error) {
	var raw string
	if err := pool.QueryRow(ctx, `SELECT state::text FROM engagements WHERE id = $1`, engagementID).Scan(&raw); err != nil {
		return "", "", false, err
	}
	current, ok := engagement.ParseState(raw)
	if !ok {
		return "", "", false, fmt.Errorf("unknown state %q", raw)
	}
	next, ok := current.Next()
	return current, next, ok, nil
}

// Transitioner repeatedly requests the pending forward transition. Most
// attempts are rejected by the policy gate; the committed ones must leave a
// consistent ledger behind.
func Transitioner(ctx context.Context, env Env, engagementID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, target, ok, err := pendingTransition(ctx, env.Pool, engagementID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transitioner read state: %w", err)
		}
		if ok {
			_, err := env.Status.RequestTransition(ctx, engagement.TransitionParams{
				EngagementID: engagementID,
				TargetState:  string(target),
				ActorID:      actorID,
			})
			if !benign(err) {
				return fmt.Errorf("transitioner: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Evaluator refreshes the stored evaluations for the pending transition,
// which is what waivers and attestations bind to.
func Evaluator(ctx context.Context, env Env, engagementID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		current, target, ok, err := pendingTransition(ctx, env.Pool, engagementID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("evaluator read state: %w", err)
		}
		if ok {
			tr := policy.TransitionKey(string(current), string(target))
			if _, err := env.Status.EvaluatePolicies(ctx, engagementID, actorID, tr); !benign(err) {
				return fmt.Errorf("evaluator: %w", err)
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// EvidenceWriter mutates the business data the policies read, flipping
// evaluation outcomes back and forth while transitions race.
func EvidenceWriter(ctx context.Context, pool *pgxpool.Pool, engagementID, accountID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		switch rand.Intn(3) {
		case 0:
			_, _ = pool.Exec(ctx, `INSERT INTO evidence_records (engagement_id, account_id, source, assertion)
                                    VALUES ($1, $2, 'confirmation', 'existence')`, engagementID, accountID)
		case 1:
			_, _ = pool.Exec(ctx, `INSERT INTO workpapers (engagement_id, kind, reference, status)
                                    VALUES ($1, 'general', 'WP-stress', 'reviewed')`, engagementID)
		case 2:
			_, _ = pool.Exec(ctx, `UPDATE workpapers SET status = 'draft'
                                    WHERE id = (SELECT id FROM workpapers WHERE engagement_id = $1 ORDER BY random() LIMIT 1)`, engagementID)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// WaiverActor issues waivers against the latest failing evaluation and
// occasionally revokes one. Stale-evaluation rejections are the common case
// because the evaluator keeps producing newer rows.
func WaiverActor(ctx context.Context, env Env, engagementID, partnerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var policyID, evaluationID string
		err := env.Pool.QueryRow(ctx, `
SELECT DISTINCT ON (policy_id) policy_id, id::text
FROM policy_evaluations
WHERE engagement_id = $1 AND status = 'fail' AND policy_id <> 'partner_signoff'
ORDER BY policy_id, evaluated_at DESC, id DESC`, engagementID).Scan(&policyID, &evaluationID)
		if err == nil {
			_, werr := env.Waivers.Issue(ctx, waiver.IssueParams{
				EngagementID:  engagementID,
				PolicyID:      policyID,
				EvaluationID:  evaluationID,
				Justification: "stress: compensating procedures performed",
				ActorID:       partnerID,
			})
			if !benign(werr) {
				return fmt.Errorf("waiver issue: %w", werr)
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if rand.Intn(4) == 0 {
			var waiverID string
			if err := env.Pool.QueryRow(ctx, `
SELECT w.id::text FROM waivers w
LEFT JOIN waiver_revocations r ON r.waiver_id = w.id
WHERE w.engagement_id = $1 AND r.id IS NULL
ORDER BY w.created_at DESC LIMIT 1`, engagementID).Scan(&waiverID); err == nil {
				_, rerr := env.Waivers.Revoke(ctx, waiver.RevokeParams{
					EngagementID: engagementID,
					WaiverID:     waiverID,
					Reason:       "stress: waiver reconsidered",
					ActorID:      partnerID,
				})
				if !benign(rerr) {
					return fmt.Errorf("waiver revoke: %w", rerr)
				}
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Signer attests the pending transition whenever sign-off applies. Signing
// races with the evidence writer, so stale attestations are expected and must
// be rejected at commit time, never silently accepted.
func Signer(ctx context.Context, env Env, engagementID, partnerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, target, ok, err := pendingTransition(ctx, env.Pool, engagementID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("signer read state: %w", err)
		}
		if ok {
			_, serr := env.Attestations.Sign(ctx, attestation.SignParams{
				EngagementID:  engagementID,
				TargetState:   string(target),
				ActorID:       partnerID,
				SignedContext: map[string]any{"source": "stress"},
			})
			if !benign(serr) {
				return fmt.Errorf("signer: %w", serr)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(80)) * time.Millisecond)
	}
}

// NoteChurner raises review notes and walks them through addressed to
// cleared, toggling the open-review-notes policy outcome.
func NoteChurner(ctx context.Context, env Env, engagementID, reviewerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		note, err := env.Notes.Raise(ctx, engagementID, reviewerID, "stress: tie out supporting schedule")
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("raise note: %w", err)
		}
		if _, err := env.Notes.Address(ctx, engagementID, note.ID); !benign(err) {
			return fmt.Errorf("address note: %w", err)
		}
		if _, err := env.Notes.Clear(ctx, engagementID, note.ID, reviewerID); !benign(err) {
			return fmt.Errorf("clear note: %w", err)
		}
		time.Sleep(time.Duration(60+rand.Intn(90)) * time.Millisecond)
	}
}

// Reopener occasionally drags the engagement backward, invalidating
// attestations so the signer has to re-attest fresh state.
func Reopener(ctx context.Context, env Env, engagementID, partnerID string, stop <-chan struct{}) error {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			_, err := env.Status.Reopen(ctx, engagement.ReopenParams{
				EngagementID: engagementID,
				TargetState:  string(engagement.StateFieldwork),
				Reason:       "stress: subsequent discovery of facts",
				ActorID:      partnerID,
			})
			if !benign(err) {
				return fmt.Errorf("reopener: %w", err)
			}
		}
	}
}
