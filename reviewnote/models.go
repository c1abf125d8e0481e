package reviewnote

import "time"

// Note statuses. Anything other than cleared blocks finalization through the
// open_review_notes policy.
const (
	StatusOpen      = "open"
	StatusAddressed = "addressed"
	StatusCleared   = "cleared"
)

type Note struct {
	ID           string     `json:"id"`
	EngagementID string     `json:"engagementId"`
	Note         string     `json:"note"`
	Status       string     `json:"status"`
	RaisedBy     string     `json:"raisedBy,omitempty"`
	ClearedBy    string     `json:"clearedBy,omitempty"`
	ClearedAt    *time.Time `json:"clearedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}
