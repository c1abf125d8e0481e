package audittrail

import "time"

// Entry is one row of the append-only ledger. Sequence numbers are strictly
// increasing and gap-free per engagement; rows are never updated or deleted.
type Entry struct {
	ID           int64
	EngagementID string
	Seq          int
	EntityType   string
	EntityID     string
	EventType    string
	ActorID      string
	Payload      []byte
	CreatedAt    time.Time
}

// Event types recorded by the core.
const (
	EventEngagementCreated   = "engagement_created"
	EventTransitionCommitted = "transition_committed"
	EventTransitionRejected  = "transition_rejected"
	EventPoliciesEvaluated   = "policies_evaluated"
	EventWaiverIssued        = "waiver_issued"
	EventWaiverRevoked       = "waiver_revoked"
	EventAttestationSigned   = "attestation_signed"
	EventReopened            = "reopened"
	EventReviewNoteCleared   = "review_note_cleared"
)

// Entity types referenced by ledger entries.
const (
	EntityEngagement  = "engagement"
	EntityEvaluation  = "policy_evaluation"
	EntityWaiver      = "waiver"
	EntityAttestation = "attestation"
	EntityReviewNote  = "review_note"
)
