package waiver

import "time"

// Waiver is a documented override of one failing blocking-policy evaluation.
// Rows are insert-only; a reversal is a linked Revocation, never an update.
type Waiver struct {
	ID             string    `json:"id"`
	EngagementID   string    `json:"engagementId"`
	PolicyID       string    `json:"policyId"`
	EvaluationID   string    `json:"evaluationId"`
	Justification  string    `json:"justification"`
	WaivedBy       string    `json:"waivedBy"`
	AuthorityLevel int       `json:"authorityLevel"`
	CreatedAt      time.Time `json:"createdAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

// Revocation reverses a waiver going forward. The waiver row itself is untouched.
type Revocation struct {
	ID        string    `json:"id"`
	WaiverID  string    `json:"waiverId"`
	RevokedBy string    `json:"revokedBy"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

type IssueParams struct {
	EngagementID  string
	PolicyID      string
	EvaluationID  string
	Justification string
	ActorID       string
}

type RevokeParams struct {
	EngagementID string
	WaiverID     string
	Reason       string
	ActorID      string
}
