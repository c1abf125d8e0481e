package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type PGStatusRepository struct{}

func NewPGStatusRepository() *PGStatusRepository {
	return &PGStatusRepository{}
}

// GetForUpdate loads the engagement under its row lock without queueing. Lock
// contention surfaces as ErrConcurrentModification for the caller to retry.
func (r *PGStatusRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, engagementID string) (Engagement, error) {
	const query = `
SELECT id::text, client_id::text, fiscal_period_end, engagement_type, state::text,
       total_assets, revenue, created_by_user_id::text, created_at, updated_at
FROM engagements
WHERE id = $1
FOR UPDATE NOWAIT
`
	var eng Engagement
	err := tx.QueryRow(ctx, query, engagementID).
		Scan(&eng.ID, &eng.ClientID, &eng.FiscalPeriodEnd, &eng.EngagementType, &eng.State,
			&eng.TotalAssets, &eng.Revenue, &eng.CreatedByUserID, &eng.CreatedAt, &eng.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return Engagement{}, ErrConcurrentModification
		}
		return Engagement{}, fmt.Errorf("engagement: lock engagement: %w", err)
	}
	return eng, nil
}

func (r *PGStatusRepository) UpdateState(ctx context.Context, tx pgx.Tx, engagementID string, next State) error {
	tag, err := tx.Exec(ctx,
		`UPDATE engagements SET state = $2::engagement_state, updated_at = now() WHERE id = $1`,
		engagementID, string(next))
	if err != nil {
		return fmt.Errorf("engagement: update state: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// InvalidateAttestations marks every live attestation invalid. Reopening moves
// the engagement backward, so nothing signed before may authorize a later
// finalization over drifted data.
func (r *PGStatusRepository) InvalidateAttestations(ctx context.Context, tx pgx.Tx, engagementID string, at time.Time) (int64, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE attestations SET invalidated_at = $2 WHERE engagement_id = $1 AND invalidated_at IS NULL`,
		engagementID, at)
	if err != nil {
		return 0, fmt.Errorf("engagement: invalidate attestations: %w", err)
	}
	return tag.RowsAffected(), nil
}
