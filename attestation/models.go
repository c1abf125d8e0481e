package attestation

import "time"

// Record is a partner's signed statement binding one exact evaluation/waiver
// set to a target state. Rows are insert-only; the single sanctioned mutation
// is setting invalidated_at when the engagement is reopened.
type Record struct {
	ID                    string         `json:"id"`
	EngagementID          string         `json:"engagementId"`
	TargetState           string         `json:"targetState"`
	ContentHash           string         `json:"contentHash"`
	SignerID              string         `json:"signerId"`
	CredentialFingerprint string         `json:"credentialFingerprint"`
	SignedContext         map[string]any `json:"signedContext,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	InvalidatedAt         *time.Time     `json:"invalidatedAt,omitempty"`
}

type SignParams struct {
	EngagementID string
	TargetState  string
	ActorID      string
	// SignedContext carries request-scoped signing context, source IP included.
	SignedContext map[string]any
}
