package waiver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"auditflow/audittrail"
	"auditflow/auth"
	"auditflow/policy"
)

var (
	// ErrUnknownPolicy is returned when the policy id is not registered.
	ErrUnknownPolicy = errors.New("waiver: unknown policy")
	// ErrNotWaivable is returned for policies whose failures cannot be overridden.
	ErrNotWaivable = errors.New("waiver: policy is not waivable")
	// ErrStaleEvaluation is returned when the referenced evaluation has been
	// superseded by a newer one for the same policy.
	ErrStaleEvaluation = errors.New("waiver: evaluation is not the most recent for policy")
	// ErrEvaluationAlreadyPassing is returned when the referenced evaluation passed.
	ErrEvaluationAlreadyPassing = errors.New("waiver: evaluation is already passing")
	// ErrInsufficientAuthority is returned when the actor's authority level is
	// below the policy's minimum waiver authority.
	ErrInsufficientAuthority = errors.New("waiver: insufficient authority")
	// ErrForbidden is returned when the actor has no standing on the engagement.
	ErrForbidden = errors.New("waiver: actor may not act on engagement")
	// ErrAlreadyRevoked is returned when the waiver has already been revoked.
	ErrAlreadyRevoked = errors.New("waiver: already revoked")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) error
	LatestEvaluation(ctx context.Context, tx pgx.Tx, engagementID, policyID string) (policy.EvaluationResult, error)
	InsertWaiver(ctx context.Context, tx pgx.Tx, w Waiver) error
	GetWaiver(ctx context.Context, tx pgx.Tx, engagementID, waiverID string) (Waiver, error)
	InsertRevocation(ctx context.Context, tx pgx.Tx, rev Revocation) error
	ListForEngagement(ctx context.Context, q policy.Querier, engagementID string) ([]Waiver, error)
}

// TrailWriter appends audit entries inside the caller's transaction.
type TrailWriter interface {
	Append(ctx context.Context, tx pgx.Tx, params audittrail.AppendParams) (audittrail.Entry, error)
}

type Service struct {
	pool     TxBeginner
	repo     Repository
	registry *policy.Registry
	authz    auth.Authorizer
	trail    TrailWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, registry *policy.Registry, authz auth.Authorizer, trail TrailWriter) *Service {
	if repo == nil {
		repo = NewPGRepository()
	}
	if trail == nil {
		trail = audittrail.NewRecorder()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		registry: registry,
		authz:    authz,
		trail:    trail,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue records an override of a failing blocking-policy evaluation. The waiver
// binds to the exact evaluation referenced; a later evaluation of the same
// policy is never covered by it.
func (s *Service) Issue(ctx context.Context, params IssueParams) (Waiver, error) {
	if params.EngagementID == "" {
		return Waiver{}, fmt.Errorf("waiver: missing engagement id")
	}
	if params.PolicyID == "" {
		return Waiver{}, fmt.Errorf("waiver: missing policy id")
	}
	if params.EvaluationID == "" {
		return Waiver{}, fmt.Errorf("waiver: missing evaluation id")
	}
	if strings.TrimSpace(params.Justification) == "" {
		return Waiver{}, fmt.Errorf("waiver: justification is required")
	}

	def, ok := s.registry.Get(params.PolicyID)
	if !ok {
		return Waiver{}, ErrUnknownPolicy
	}
	if !def.Waivable {
		return Waiver{}, ErrNotWaivable
	}

	allowed, err := s.authz.CanActOnEngagement(ctx, params.ActorID, params.EngagementID, auth.ActionWaive)
	if err != nil {
		return Waiver{}, fmt.Errorf("waiver: authorize: %w", err)
	}
	if !allowed {
		return Waiver{}, ErrForbidden
	}
	level, err := s.authz.AuthorityLevel(ctx, params.ActorID)
	if err != nil {
		return Waiver{}, fmt.Errorf("waiver: resolve authority: %w", err)
	}
	if level < def.MinWaiverAuthority {
		return Waiver{}, ErrInsufficientAuthority
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Waiver{}, fmt.Errorf("waiver: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockEngagement(ctx, tx, params.EngagementID); err != nil {
		return Waiver{}, err
	}

	latest, err := s.repo.LatestEvaluation(ctx, tx, params.EngagementID, params.PolicyID)
	if err != nil {
		return Waiver{}, err
	}
	if latest.ID != params.EvaluationID {
		return Waiver{}, ErrStaleEvaluation
	}
	if latest.Status == policy.StatusPass {
		return Waiver{}, ErrEvaluationAlreadyPassing
	}

	w := Waiver{
		ID:             s.idGen(),
		EngagementID:   params.EngagementID,
		PolicyID:       params.PolicyID,
		EvaluationID:   params.EvaluationID,
		Justification:  params.Justification,
		WaivedBy:       params.ActorID,
		AuthorityLevel: level,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.InsertWaiver(ctx, tx, w); err != nil {
		return Waiver{}, err
	}

	if _, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
		EngagementID: params.EngagementID,
		EntityType:   audittrail.EntityWaiver,
		EntityID:     w.ID,
		EventType:    audittrail.EventWaiverIssued,
		ActorID:      params.ActorID,
		Payload: map[string]any{
			"policy_id":       w.PolicyID,
			"evaluation_id":   w.EvaluationID,
			"authority_level": w.AuthorityLevel,
			"justification":   w.Justification,
		},
	}); err != nil {
		return Waiver{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Waiver{}, fmt.Errorf("waiver: commit tx: %w", err)
	}
	return w, nil
}

// Revoke reverses a waiver going forward with a linked revocation record. The
// original waiver row stays as issued.
func (s *Service) Revoke(ctx context.Context, params RevokeParams) (Revocation, error) {
	if params.EngagementID == "" {
		return Revocation{}, fmt.Errorf("waiver: missing engagement id")
	}
	if params.WaiverID == "" {
		return Revocation{}, fmt.Errorf("waiver: missing waiver id")
	}
	if strings.TrimSpace(params.Reason) == "" {
		return Revocation{}, fmt.Errorf("waiver: reason is required")
	}

	allowed, err := s.authz.CanActOnEngagement(ctx, params.ActorID, params.EngagementID, auth.ActionWaive)
	if err != nil {
		return Revocation{}, fmt.Errorf("waiver: authorize: %w", err)
	}
	if !allowed {
		return Revocation{}, ErrForbidden
	}
	level, err := s.authz.AuthorityLevel(ctx, params.ActorID)
	if err != nil {
		return Revocation{}, fmt.Errorf("waiver: resolve authority: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Revocation{}, fmt.Errorf("waiver: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockEngagement(ctx, tx, params.EngagementID); err != nil {
		return Revocation{}, err
	}

	w, err := s.repo.GetWaiver(ctx, tx, params.EngagementID, params.WaiverID)
	if err != nil {
		return Revocation{}, err
	}
	if w.RevokedAt != nil {
		return Revocation{}, ErrAlreadyRevoked
	}
	if def, ok := s.registry.Get(w.PolicyID); ok && level < def.MinWaiverAuthority {
		return Revocation{}, ErrInsufficientAuthority
	}

	rev := Revocation{
		ID:        s.idGen(),
		WaiverID:  w.ID,
		RevokedBy: params.ActorID,
		Reason:    params.Reason,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.InsertRevocation(ctx, tx, rev); err != nil {
		return Revocation{}, err
	}

	if _, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
		EngagementID: params.EngagementID,
		EntityType:   audittrail.EntityWaiver,
		EntityID:     w.ID,
		EventType:    audittrail.EventWaiverRevoked,
		ActorID:      params.ActorID,
		Payload: map[string]any{
			"revocation_id": rev.ID,
			"policy_id":     w.PolicyID,
			"reason":        rev.Reason,
		},
	}); err != nil {
		return Revocation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Revocation{}, fmt.Errorf("waiver: commit tx: %w", err)
	}
	return rev, nil
}

// List returns the engagement's waivers, newest first.
func (s *Service) List(ctx context.Context, q policy.Querier, engagementID string) ([]Waiver, error) {
	if engagementID == "" {
		return nil, fmt.Errorf("waiver: missing engagement id")
	}
	return s.repo.ListForEngagement(ctx, q, engagementID)
}
