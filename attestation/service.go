package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"auditflow/audittrail"
	"auditflow/auth"
	"auditflow/policy"
)

var (
	// ErrInsufficientAuthority is returned when the actor may not sign for the
	// engagement. Signing is reserved to partners.
	ErrInsufficientAuthority = errors.New("attestation: insufficient authority to sign")
	// ErrNotSignable is returned when the target state is not the sign-off gated
	// successor of the engagement's current state.
	ErrNotSignable = errors.New("attestation: target state does not require sign-off from current state")
	// ErrUnevaluatedPolicy is returned when a gating policy has never been
	// evaluated; there is nothing concrete to attest over.
	ErrUnevaluatedPolicy = errors.New("attestation: gating policy has no evaluation on record")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (string, error)
	PriorDecisions(ctx context.Context, tx pgx.Tx, engagementID string, defs []policy.Definition) (map[string]policy.PriorDecision, error)
	Insert(ctx context.Context, tx pgx.Tx, rec Record) error
	Latest(ctx context.Context, q policy.Querier, engagementID, targetState string) (Record, error)
}

// CredentialSource resolves the signer's credential fingerprint at signing time.
type CredentialSource interface {
	CredentialFingerprint(ctx context.Context, userID string) (string, error)
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
	creds    CredentialSource
	trail    TrailWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, registry *policy.Registry, authz auth.Authorizer, creds CredentialSource, trail TrailWriter) *Service {
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
		creds:    creds,
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

// Sign produces an immutable attestation over the exact evaluation/waiver set
// currently gating the transition into targetState. The transition step
// recomputes the same hash at commit time; if the data drifted in between, the
// attestation no longer authorizes the transition.
func (s *Service) Sign(ctx context.Context, params SignParams) (Record, error) {
	if params.EngagementID == "" {
		return Record{}, fmt.Errorf("attestation: missing engagement id")
	}
	if params.TargetState == "" {
		return Record{}, fmt.Errorf("attestation: missing target state")
	}

	allowed, err := s.authz.CanActOnEngagement(ctx, params.ActorID, params.EngagementID, auth.ActionSign)
	if err != nil {
		return Record{}, fmt.Errorf("attestation: authorize: %w", err)
	}
	if !allowed {
		return Record{}, ErrInsufficientAuthority
	}

	fingerprint, err := s.creds.CredentialFingerprint(ctx, params.ActorID)
	if err != nil {
		return Record{}, fmt.Errorf("attestation: resolve credential fingerprint: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("attestation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	currentState, err := s.repo.LockEngagement(ctx, tx, params.EngagementID)
	if err != nil {
		return Record{}, err
	}

	tr := policy.TransitionKey(currentState, params.TargetState)
	if !s.registry.SignoffRequired(tr) {
		return Record{}, ErrNotSignable
	}
	defs := s.registry.ForTransition(tr)

	prior, err := s.repo.PriorDecisions(ctx, tx, params.EngagementID, defs)
	if err != nil {
		return Record{}, err
	}
	for _, def := range defs {
		if def.ID == policy.PolicySignoff {
			continue
		}
		if _, ok := prior[def.ID]; !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrUnevaluatedPolicy, def.ID)
		}
	}

	rec := Record{
		ID:                    s.idGen(),
		EngagementID:          params.EngagementID,
		TargetState:           params.TargetState,
		ContentHash:           policy.HashDecisions(policy.DecisionItemsFromPrior(defs, prior)),
		SignerID:              params.ActorID,
		CredentialFingerprint: fingerprint,
		SignedContext:         params.SignedContext,
		CreatedAt:             s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Record{}, err
	}

	if _, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
		EngagementID: params.EngagementID,
		EntityType:   audittrail.EntityAttestation,
		EntityID:     rec.ID,
		EventType:    audittrail.EventAttestationSigned,
		ActorID:      params.ActorID,
		Payload: map[string]any{
			"target_state":           rec.TargetState,
			"content_hash":           rec.ContentHash,
			"credential_fingerprint": rec.CredentialFingerprint,
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("attestation: commit tx: %w", err)
	}
	return rec, nil
}

// Latest returns the newest attestation for the target state.
func (s *Service) Latest(ctx context.Context, q policy.Querier, engagementID, targetState string) (Record, error) {
	if engagementID == "" {
		return Record{}, fmt.Errorf("attestation: missing engagement id")
	}
	return s.repo.Latest(ctx, q, engagementID, targetState)
}
