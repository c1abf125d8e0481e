package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"auditflow/policy"
)

var (
	// ErrEngagementNotFound is returned when no engagement row exists for the id.
	ErrEngagementNotFound = errors.New("attestation: engagement not found")
	// ErrConcurrentModification signals another writer holds the engagement lock.
	ErrConcurrentModification = errors.New("attestation: engagement is being modified concurrently")
	// ErrNotFound is returned when no attestation exists for the target state.
	ErrNotFound = errors.New("attestation: not found")
)

type PGRepository struct{}

func NewPGRepository() *PGRepository {
	return &PGRepository{}
}

// LockEngagement takes the engagement row lock without queueing and returns the
// current state under that lock.
func (r *PGRepository) LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (string, error) {
	var state string
	err := tx.QueryRow(ctx, `SELECT state::text FROM engagements WHERE id = $1 FOR UPDATE NOWAIT`, engagementID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrEngagementNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return "", ErrConcurrentModification
		}
		return "", fmt.Errorf("attestation: lock engagement: %w", err)
	}
	return state, nil
}

// PriorDecisions returns the latest stored evaluation and covering waiver per
// gating policy, as the content hash sees them.
func (r *PGRepository) PriorDecisions(ctx context.Context, tx pgx.Tx, engagementID string, defs []policy.Definition) (map[string]policy.PriorDecision, error) {
	return policy.LoadPriorDecisions(ctx, tx, engagementID, defs)
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	signedContext := rec.SignedContext
	if signedContext == nil {
		signedContext = map[string]any{}
	}
	ctxBytes, err := json.Marshal(signedContext)
	if err != nil {
		return fmt.Errorf("attestation: marshal signed context: %w", err)
	}

	const insertSQL = `
INSERT INTO attestations (id, engagement_id, target_state, content_hash, signer_id, credential_fingerprint, signed_context, created_at)
VALUES ($1, $2, $3::engagement_state, $4, $5, $6, $7, $8)
`
	if _, err := tx.Exec(ctx, insertSQL,
		rec.ID, rec.EngagementID, rec.TargetState, rec.ContentHash,
		rec.SignerID, rec.CredentialFingerprint, ctxBytes, rec.CreatedAt); err != nil {
		return fmt.Errorf("attestation: insert attestation: %w", err)
	}
	return nil
}

// Latest returns the newest attestation for the target state, invalidated or not.
func (r *PGRepository) Latest(ctx context.Context, q policy.Querier, engagementID, targetState string) (Record, error) {
	const query = `
SELECT id::text, engagement_id::text, target_state::text, content_hash,
       signer_id::text, credential_fingerprint, signed_context, created_at, invalidated_at
FROM attestations
WHERE engagement_id = $1 AND target_state = $2::engagement_state
ORDER BY created_at DESC, id DESC
LIMIT 1
`
	var rec Record
	var ctxBytes []byte
	err := q.QueryRow(ctx, query, engagementID, targetState).
		Scan(&rec.ID, &rec.EngagementID, &rec.TargetState, &rec.ContentHash,
			&rec.SignerID, &rec.CredentialFingerprint, &ctxBytes, &rec.CreatedAt, &rec.InvalidatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("attestation: fetch attestation: %w", err)
	}
	if len(ctxBytes) > 0 {
		if err := json.Unmarshal(ctxBytes, &rec.SignedContext); err != nil {
			return Record{}, fmt.Errorf("attestation: decode signed context: %w", err)
		}
	}
	return rec, nil
}
