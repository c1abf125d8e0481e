package audittrail

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Service provides paged, restartable reads over the ledger.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Trail returns up to limit entries for the engagement with seq > afterSeq,
// ordered by seq ascending. Passing the last seq seen resumes the page scan.
func (s *Service) Trail(ctx context.Context, engagementID string, afterSeq, limit int) ([]Entry, error) {
	if engagementID == "" {
		return nil, fmt.Errorf("audittrail: missing engagement id")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	const query = `
SELECT id, engagement_id, seq, entity_type, entity_id, event_type, actor_id, payload, created_at
FROM audit_trail
WHERE engagement_id = $1 AND seq > $2
ORDER BY seq ASC
LIMIT $3
`

	rows, err := s.pool.Query(ctx, query, engagementID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("audittrail: query trail: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EngagementID, &e.Seq, &e.EntityType, &e.EntityID, &e.EventType, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audittrail: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audittrail: iterate entries: %w", err)
	}

	return entries, nil
}
