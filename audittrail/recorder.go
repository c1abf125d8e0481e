package audittrail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AppendParams enumerates the fields of a new ledger entry.
type AppendParams struct {
	EngagementID string
	EntityType   string
	EntityID     string
	EventType    string
	ActorID      string
	Payload      map[string]any
}

// Recorder appends ledger entries inside the caller's transaction. The caller
// must hold the engagement row lock for the duration of the transaction; the
// MAX(seq)+1 allocation is gap-free only under that lock.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, params AppendParams) (Entry, error) {
	if params.EngagementID == "" {
		return Entry{}, fmt.Errorf("audittrail: missing engagement id")
	}
	if params.EventType == "" {
		return Entry{}, fmt.Errorf("audittrail: missing event type")
	}

	payload := params.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audittrail: marshal payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_trail WHERE engagement_id = $1`,
		params.EngagementID,
	).Scan(&seq); err != nil {
		return Entry{}, fmt.Errorf("audittrail: next seq: %w", err)
	}

	const insertSQL = `
INSERT INTO audit_trail (engagement_id, seq, entity_type, entity_id, event_type, actor_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at
`

	entry := Entry{
		EngagementID: params.EngagementID,
		Seq:          seq,
		EntityType:   params.EntityType,
		EntityID:     params.EntityID,
		EventType:    params.EventType,
		ActorID:      params.ActorID,
		Payload:      payloadBytes,
	}
	if err := tx.QueryRow(ctx, insertSQL,
		params.EngagementID,
		seq,
		params.EntityType,
		params.EntityID,
		params.EventType,
		params.ActorID,
		payloadBytes,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("audittrail: insert entry: %w", err)
	}

	return entry, nil
}
