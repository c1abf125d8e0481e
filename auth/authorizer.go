package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action names a capability checked against an engagement.
type Action string

const (
	ActionTransition Action = "transition"
	ActionEvaluate   Action = "evaluate"
	ActionWaive      Action = "waive"
	ActionSign       Action = "sign"
	ActionReopen     Action = "reopen"
	ActionClearNote  Action = "clear_note"
)

// Authorizer is the authorization collaborator consumed by the core services.
// Implementations answer boolean capability checks; the services never see
// roles directly, only the outcome.
type Authorizer interface {
	CanActOnEngagement(ctx context.Context, actorID, engagementID string, action Action) (bool, error)
	AuthorityLevel(ctx context.Context, actorID string) (int, error)
}

// PGAuthorizer answers capability checks from the users and
// engagement_assignments tables.
type PGAuthorizer struct {
	pool *pgxpool.Pool
}

func NewAuthorizer(pool *pgxpool.Pool) *PGAuthorizer {
	return &PGAuthorizer{pool: pool}
}

// CanActOnEngagement reports whether the actor may perform the action. Signing
// and reopening require partner authority. Clearing review notes requires
// manager authority or an explicit reviewer assignment. Other actions are open
// to the engagement creator, assigned team members, and managers and above.
func (a *PGAuthorizer) CanActOnEngagement(ctx context.Context, actorID, engagementID string, action Action) (bool, error) {
	if actorID == "" || engagementID == "" {
		return false, nil
	}

	var role Role
	if err := a.pool.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, actorID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("auth: load actor role: %w", err)
	}
	level := role.AuthorityLevel()

	switch action {
	case ActionSign, ActionReopen:
		return level >= AuthorityPartner, nil
	case ActionClearNote:
		if level >= AuthorityManager {
			return true, nil
		}
		return a.hasAssignment(ctx, actorID, engagementID, "reviewer")
	case ActionTransition, ActionEvaluate, ActionWaive:
		if level >= AuthorityManager {
			return true, nil
		}
		return a.isCreatorOrAssigned(ctx, actorID, engagementID)
	default:
		return false, nil
	}
}

// AuthorityLevel returns the actor's numeric authority level.
func (a *PGAuthorizer) AuthorityLevel(ctx context.Context, actorID string) (int, error) {
	var role Role
	if err := a.pool.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, actorID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuthorityNone, nil
		}
		return AuthorityNone, fmt.Errorf("auth: load authority: %w", err)
	}
	return role.AuthorityLevel(), nil
}

func (a *PGAuthorizer) isCreatorOrAssigned(ctx context.Context, actorID, engagementID string) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM engagements WHERE id = $2 AND created_by_user_id = $1
    UNION ALL
    SELECT 1 FROM engagement_assignments WHERE user_id = $1 AND engagement_id = $2
)`
	var ok bool
	if err := a.pool.QueryRow(ctx, query, actorID, engagementID).Scan(&ok); err != nil {
		return false, fmt.Errorf("auth: check assignment: %w", err)
	}
	return ok, nil
}

func (a *PGAuthorizer) hasAssignment(ctx context.Context, actorID, engagementID, engagementRole string) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM engagement_assignments
    WHERE user_id = $1 AND engagement_id = $2 AND engagement_role = $3
)`
	var ok bool
	if err := a.pool.QueryRow(ctx, query, actorID, engagementID, engagementRole).Scan(&ok); err != nil {
		return false, fmt.Errorf("auth: check reviewer assignment: %w", err)
	}
	return ok, nil
}
