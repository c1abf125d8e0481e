package reviewnote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"auditflow/audittrail"
	"auditflow/auth"
)

var (
	// ErrEngagementNotFound is returned when no engagement row exists for the id.
	ErrEngagementNotFound = errors.New("reviewnote: engagement not found")
	// ErrConcurrentModification signals another writer holds the engagement lock.
	ErrConcurrentModification = errors.New("reviewnote: engagement is being modified concurrently")
	// ErrNoteNotFound is returned when the note does not exist on the engagement.
	ErrNoteNotFound = errors.New("reviewnote: not found")
	// ErrAlreadyCleared is returned when the note was cleared earlier.
	ErrAlreadyCleared = errors.New("reviewnote: already cleared")
	// ErrForbidden is returned when the actor may not clear notes on the engagement.
	ErrForbidden = errors.New("reviewnote: actor may not clear notes on engagement")
)

type Service struct {
	pool  *pgxpool.Pool
	authz auth.Authorizer
	trail *audittrail.Recorder
}

func NewService(pool *pgxpool.Pool, authz auth.Authorizer) *Service {
	return &Service{pool: pool, authz: authz, trail: audittrail.NewRecorder()}
}

// Raise records a new open review note. Raising is business data, not a
// ledger event; only the clear action is audit-logged.
func (s *Service) Raise(ctx context.Context, engagementID, actorID, text string) (Note, error) {
	if engagementID == "" {
		return Note{}, fmt.Errorf("reviewnote: missing engagement id")
	}
	if strings.TrimSpace(text) == "" {
		return Note{}, fmt.Errorf("reviewnote: note text required")
	}

	const insertSQL = `
INSERT INTO review_notes (engagement_id, note, status, raised_by)
VALUES ($1, $2, 'open', $3)
RETURNING id::text, engagement_id::text, note, status, COALESCE(raised_by::text, ''), COALESCE(cleared_by::text, ''), cleared_at, created_at
`
	var note Note
	err := s.pool.QueryRow(ctx, insertSQL, engagementID, text, actorID).
		Scan(&note.ID, &note.EngagementID, &note.Note, &note.Status, &note.RaisedBy, &note.ClearedBy, &note.ClearedAt, &note.CreatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("reviewnote: insert: %w", err)
	}
	return note, nil
}

// Address marks an open note as addressed. It still blocks finalization until
// a reviewer clears it.
func (s *Service) Address(ctx context.Context, engagementID, noteID string) (Note, error) {
	const updateSQL = `
UPDATE review_notes
SET status = 'addressed'
WHERE id = $1 AND engagement_id = $2 AND status = 'open'
RETURNING id::text, engagement_id::text, note, status, COALESCE(raised_by::text, ''), COALESCE(cleared_by::text, ''), cleared_at, created_at
`
	var note Note
	err := s.pool.QueryRow(ctx, updateSQL, noteID, engagementID).
		Scan(&note.ID, &note.EngagementID, &note.Note, &note.Status, &note.RaisedBy, &note.ClearedBy, &note.ClearedAt, &note.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Note{}, ErrNoteNotFound
		}
		return Note{}, fmt.Errorf("reviewnote: address: %w", err)
	}
	return note, nil
}

// Clear is the explicit reviewer action that stops a note from blocking
// finalization. It serializes on the engagement lock and writes a ledger entry.
func (s *Service) Clear(ctx context.Context, engagementID, noteID, actorID string) (Note, error) {
	if engagementID == "" || noteID == "" {
		return Note{}, fmt.Errorf("reviewnote: engagement and note ids required")
	}

	allowed, err := s.authz.CanActOnEngagement(ctx, actorID, engagementID, auth.ActionClearNote)
	if err != nil {
		return Note{}, fmt.Errorf("reviewnote: authorize: %w", err)
	}
	if !allowed {
		return Note{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Note{}, fmt.Errorf("reviewnote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var lockedID string
	if err := tx.QueryRow(ctx, `SELECT id::text FROM engagements WHERE id = $1 FOR UPDATE NOWAIT`, engagementID).Scan(&lockedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Note{}, ErrEngagementNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return Note{}, ErrConcurrentModification
		}
		return Note{}, fmt.Errorf("reviewnote: lock engagement: %w", err)
	}

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM review_notes WHERE id = $1 AND engagement_id = $2`, noteID, engagementID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Note{}, ErrNoteNotFound
		}
		return Note{}, fmt.Errorf("reviewnote: fetch note: %w", err)
	}
	if status == StatusCleared {
		return Note{}, ErrAlreadyCleared
	}

	const updateSQL = `
UPDATE review_notes
SET status = 'cleared', cleared_by = $3, cleared_at = now()
WHERE id = $1 AND engagement_id = $2
RETURNING id::text, engagement_id::text, note, status, COALESCE(raised_by::text, ''), COALESCE(cleared_by::text, ''), cleared_at, created_at
`
	var note Note
	if err := tx.QueryRow(ctx, updateSQL, noteID, engagementID, actorID).
		Scan(&note.ID, &note.EngagementID, &note.Note, &note.Status, &note.RaisedBy, &note.ClearedBy, &note.ClearedAt, &note.CreatedAt); err != nil {
		return Note{}, fmt.Errorf("reviewnote: clear: %w", err)
	}

	if _, err := s.trail.Append(ctx, tx, audittrail.AppendParams{
		EngagementID: engagementID,
		EntityType:   audittrail.EntityReviewNote,
		EntityID:     note.ID,
		EventType:    audittrail.EventReviewNoteCleared,
		ActorID:      actorID,
		Payload: map[string]any{
			"previous_status": status,
		},
	}); err != nil {
		return Note{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Note{}, fmt.Errorf("reviewnote: commit: %w", err)
	}
	return note, nil
}

// List returns the engagement's notes, open first, then newest first.
func (s *Service) List(ctx context.Context, engagementID string) ([]Note, error) {
	if engagementID == "" {
		return nil, fmt.Errorf("reviewnote: missing engagement id")
	}

	const query = `
SELECT id::text, engagement_id::text, note, status, COALESCE(raised_by::text, ''), COALESCE(cleared_by::text, ''), cleared_at, created_at
FROM review_notes
WHERE engagement_id = $1
ORDER BY (status = 'cleared'), created_at DESC, id DESC
`
	rows, err := s.pool.Query(ctx, query, engagementID)
	if err != nil {
		return nil, fmt.Errorf("reviewnote: list: %w", err)
	}
	defer rows.Close()

	notes := []Note{}
	for rows.Next() {
		var note Note
		if err := rows.Scan(&note.ID, &note.EngagementID, &note.Note, &note.Status, &note.RaisedBy, &note.ClearedBy, &note.ClearedAt, &note.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notes, nil
}
