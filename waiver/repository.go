package waiver

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"auditflow/policy"
)

var (
	// ErrEngagementNotFound is returned when no engagement row exists for the id.
	ErrEngagementNotFound = errors.New("waiver: engagement not found")
	// ErrConcurrentModification signals another writer holds the engagement lock.
	ErrConcurrentModification = errors.New("waiver: engagement is being modified concurrently")
	// ErrNoEvaluation is returned when the policy has never been evaluated for the engagement.
	ErrNoEvaluation = errors.New("waiver: no evaluation on record for policy")
	// ErrWaiverNotFound is returned when the waiver does not exist on the engagement.
	ErrWaiverNotFound = errors.New("waiver: not found")
)

type PGRepository struct{}

func NewPGRepository() *PGRepository {
	return &PGRepository{}
}

// LockEngagement takes the engagement row lock without queueing. Every mutating
// operation on an engagement serializes on this lock.
func (r *PGRepository) LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id::text FROM engagements WHERE id = $1 FOR UPDATE NOWAIT`, engagementID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEngagementNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return ErrConcurrentModification
		}
		return fmt.Errorf("waiver: lock engagement: %w", err)
	}
	return nil
}

// LatestEvaluation returns the most recent evaluation for the (engagement, policy)
// pair. Evaluations are insert-only, so the newest row is the authoritative one.
func (r *PGRepository) LatestEvaluation(ctx context.Context, tx pgx.Tx, engagementID, policyID string) (policy.EvaluationResult, error) {
	const query = `
SELECT id::text, engagement_id::text, policy_id, status, fingerprint, evaluated_by, evaluated_at
FROM policy_evaluations
WHERE engagement_id = $1 AND policy_id = $2
ORDER BY evaluated_at DESC, id DESC
LIMIT 1
`
	var res policy.EvaluationResult
	var status string
	err := tx.QueryRow(ctx, query, engagementID, policyID).
		Scan(&res.ID, &res.EngagementID, &res.PolicyID, &status, &res.Fingerprint, &res.EvaluatedBy, &res.EvaluatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return policy.EvaluationResult{}, ErrNoEvaluation
		}
		return policy.EvaluationResult{}, fmt.Errorf("waiver: fetch latest evaluation: %w", err)
	}
	res.Status = policy.Status(status)
	return res, nil
}

func (r *PGRepository) InsertWaiver(ctx context.Context, tx pgx.Tx, w Waiver) error {
	const insertSQL = `
INSERT INTO waivers (id, engagement_id, policy_id, evaluation_id, justification, waived_by, authority_level, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := tx.Exec(ctx, insertSQL,
		w.ID, w.EngagementID, w.PolicyID, w.EvaluationID, w.Justification, w.WaivedBy, w.AuthorityLevel, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("waiver: insert waiver: %w", err)
	}
	return nil
}

// GetWaiver loads a waiver scoped to the engagement, with its revocation time
// if one exists.
func (r *PGRepository) GetWaiver(ctx context.Context, tx pgx.Tx, engagementID, waiverID string) (Waiver, error) {
	const query = `
SELECT w.id::text, w.engagement_id::text, w.policy_id, w.evaluation_id::text,
       w.justification, w.waived_by::text, w.authority_level, w.created_at,
       r.created_at
FROM waivers w
LEFT JOIN waiver_revocations r ON r.waiver_id = w.id
WHERE w.id = $1 AND w.engagement_id = $2
`
	var w Waiver
	err := tx.QueryRow(ctx, query, waiverID, engagementID).
		Scan(&w.ID, &w.EngagementID, &w.PolicyID, &w.EvaluationID,
			&w.Justification, &w.WaivedBy, &w.AuthorityLevel, &w.CreatedAt, &w.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Waiver{}, ErrWaiverNotFound
		}
		return Waiver{}, fmt.Errorf("waiver: fetch waiver: %w", err)
	}
	return w, nil
}

func (r *PGRepository) InsertRevocation(ctx context.Context, tx pgx.Tx, rev Revocation) error {
	const insertSQL = `
INSERT INTO waiver_revocations (id, waiver_id, revoked_by, reason, created_at)
VALUES ($1, $2, $3, $4, $5)
`
	_, err := tx.Exec(ctx, insertSQL, rev.ID, rev.WaiverID, rev.RevokedBy, rev.Reason, rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("waiver: insert revocation: %w", err)
	}
	return nil
}

// ListForEngagement returns all waivers on the engagement, newest first.
func (r *PGRepository) ListForEngagement(ctx context.Context, q policy.Querier, engagementID string) ([]Waiver, error) {
	const query = `
SELECT w.id::text, w.engagement_id::text, w.policy_id, w.evaluation_id::text,
       w.justification, w.waived_by::text, w.authority_level, w.created_at,
       r.created_at
FROM waivers w
LEFT JOIN waiver_revocations r ON r.waiver_id = w.id
WHERE w.engagement_id = $1
ORDER BY w.created_at DESC, w.id DESC
`
	rows, err := q.Query(ctx, query, engagementID)
	if err != nil {
		return nil, fmt.Errorf("waiver: list waivers: %w", err)
	}
	defer rows.Close()

	var waivers []Waiver
	for rows.Next() {
		var w Waiver
		if err := rows.Scan(&w.ID, &w.EngagementID, &w.PolicyID, &w.EvaluationID,
			&w.Justification, &w.WaivedBy, &w.AuthorityLevel, &w.CreatedAt, &w.RevokedAt); err != nil {
			return nil, fmt.Errorf("waiver: scan waiver: %w", err)
		}
		waivers = append(waivers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("waiver: iterate waivers: %w", err)
	}
	return waivers, nil
}
