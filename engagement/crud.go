package engagement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"auditflow/audittrail"
)

type CRUDService struct {
	pool  *pgxpool.Pool
	trail *audittrail.Recorder
	idGen func() string
}

func NewCRUDService(pool *pgxpool.Pool) *CRUDService {
	return &CRUDService{
		pool:  pool,
		trail: audittrail.NewRecorder(),
		idGen: func() string { return uuid.NewString() },
	}
}

func (s *CRUDService) WithIDGenerator(gen func() string) *CRUDService {
	s.idGen = gen
	return s
}

func (s *CRUDService) Create(ctx context.Context, userID string, params CreateParams) (Engagement, error) {
	if params.ClientID == "" {
		return Engagement{}, fmt.Errorf("engagement: client id required")
	}
	if params.FiscalPeriodEnd.IsZero() {
		return Engagement{}, fmt.Errorf("engagement: fiscal period end required")
	}
	if params.TotalAssets < 0 || params.Revenue < 0 {
		return Engagement{}, fmt.Errorf("engagement: negative financials")
	}
	engagementType := params.EngagementType
	if engagementType == "" {
		engagementType = "financial_audit"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO engagements (id, client_id, fiscal_period_end, engagement_type, state, total_assets, revenue, created_by_user_id)
VALUES ($1, $2, $3, $4, 'draft', $5, $6, $7)
RETURNING id::text, client_id::text, fiscal_period_end, engagement_type, state::text,
          total_assets, revenue, created_by_user_id::text, created_at, updated_at
`
	var eng Engagement
	if err := tx.QueryRow(ctx, insertSQL,
		s.idGen(),
		params.ClientID,
		params.FiscalPeriodEnd,
		engagementType,
		params.TotalAssets,
		params.Revenue,
		userID,
	).Scan(&eng.ID, &eng.ClientID, &eng.FiscalPeriodEnd, &eng.EngagementType, &eng.State,
		&eng.TotalAssets, &eng.Revenue, &eng.CreatedByUserID, &eng.CreatedAt, &eng.UpdatedAt); err != nil {
		return Engagement{}, fmt.Errorf("engagement: insert: %w", err)
	}

	if _, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
		EngagementID: eng.ID,
		EntityType:   audittrail.EntityEngagement,
		EntityID:     eng.ID,
		EventType:    audittrail.EventEngagementCreated,
		ActorID:      userID,
		Payload: map[string]any{
			"client_id":       eng.ClientID,
			"engagement_type": eng.EngagementType,
			"state":           string(eng.State),
		},
	}); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit: %w", err)
	}

	return eng, nil
}

func (s *CRUDService) Get(ctx context.Context, engagementID string) (Engagement, error) {
	const query = `
SELECT id::text, client_id::text, fiscal_period_end, engagement_type, state::text,
       total_assets, revenue, created_by_user_id::text, created_at, updated_at
FROM engagements
WHERE id = $1
`
	var eng Engagement
	err := s.pool.QueryRow(ctx, query, engagementID).
		Scan(&eng.ID, &eng.ClientID, &eng.FiscalPeriodEnd, &eng.EngagementType, &eng.State,
			&eng.TotalAssets, &eng.Revenue, &eng.CreatedByUserID, &eng.CreatedAt, &eng.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		return Engagement{}, fmt.Errorf("engagement: fetch: %w", err)
	}
	return eng, nil
}

func (s *CRUDService) List(ctx context.Context, filters ListFilters) ([]Engagement, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := "TRUE"
	args := []any{}
	if filters.ClientID != "" {
		args = append(args, filters.ClientID)
		where += fmt.Sprintf(" AND client_id = $%d", len(args))
	}
	if filters.State != "" {
		if _, ok := ParseState(filters.State); !ok {
			return nil, 0, fmt.Errorf("engagement: unknown state %q", filters.State)
		}
		args = append(args, filters.State)
		where += fmt.Sprintf(" AND state = $%d::engagement_state", len(args))
	}

	query := fmt.Sprintf(`
SELECT id::text, client_id::text, fiscal_period_end, engagement_type, state::text,
       total_assets, revenue, created_by_user_id::text, created_at, updated_at
FROM engagements
WHERE %s
ORDER BY created_at DESC
LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	rows, err := s.pool.Query(ctx, query, append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("engagement: list: %w", err)
	}
	defer rows.Close()

	engagements := []Engagement{}
	for rows.Next() {
		var eng Engagement
		if err := rows.Scan(&eng.ID, &eng.ClientID, &eng.FiscalPeriodEnd, &eng.EngagementType, &eng.State,
			&eng.TotalAssets, &eng.Revenue, &eng.CreatedByUserID, &eng.CreatedAt, &eng.UpdatedAt); err != nil {
			return nil, 0, err
		}
		engagements = append(engagements, eng)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM engagements WHERE %s`, where)
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return engagements, total, nil
}

// AssignUser links a user to the engagement team. Assignments drive the
// authorization checks on transition, waiver, and review-note actions.
func (s *CRUDService) AssignUser(ctx context.Context, engagementID, userID, role string) error {
	if engagementID == "" || userID == "" {
		return fmt.Errorf("engagement: engagement and user ids required")
	}
	if role == "" {
		role = "staff"
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO engagement_assignments (engagement_id, user_id, engagement_role)
VALUES ($1, $2, $3)
ON CONFLICT (engagement_id, user_id) DO UPDATE SET engagement_role = EXCLUDED.engagement_role`,
		engagementID, userID, role)
	if err != nil {
		return fmt.Errorf("engagement: assign user: %w", err)
	}
	return nil
}
