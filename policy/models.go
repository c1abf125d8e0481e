package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Transition identifies one edge of the engagement lifecycle.
type Transition string

const (
	TransitionDraftPlanning     Transition = "draft->planning"
	TransitionPlanningFieldwork Transition = "planning->fieldwork"
	TransitionFieldworkReview   Transition = "fieldwork->review"
	TransitionReviewFinalized   Transition = "review->finalized"
)

// TransitionKey builds the transition identifier for a state pair.
func TransitionKey(from, to string) Transition {
	return Transition(from + "->" + to)
}

// Status is the outcome of one policy evaluation.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// Exception identifies one offending record found by an evaluation.
type Exception struct {
	Code       string `json:"code"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Detail     string `json:"detail"`
	Amount     int64  `json:"amount,omitempty"`
}

// Exception codes shared across policies.
const (
	CodeEvaluationTimeout  = "evaluation_timeout"
	CodeMissingAttestation = "missing_attestation"
	CodeStaleAttestation   = "stale_attestation"
)

// EvaluationResult is the immutable record of running one policy against one
// engagement at one point in time. Re-evaluation inserts a new record.
type EvaluationResult struct {
	ID           string
	EngagementID string
	PolicyID     string
	Status       Status
	Exceptions   []Exception
	Fingerprint  string
	EvaluatedBy  string
	EvaluatedAt  time.Time
}

// EngagementFacts is the slice of engagement data policies need.
type EngagementFacts struct {
	ID          string
	State       string
	TotalAssets int64
	Revenue     int64
}

// Fingerprint produces a stable digest of an evaluation outcome. Two
// evaluations over unchanged business data yield the same fingerprint, which
// is what ties a waiver to the exact failure it covers.
func Fingerprint(status Status, exceptions []Exception) string {
	sorted := make([]Exception, len(exceptions))
	copy(sorted, exceptions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].EntityID != sorted[j].EntityID {
			return sorted[i].EntityID < sorted[j].EntityID
		}
		return sorted[i].Code < sorted[j].Code
	})

	payload := struct {
		Status     Status      `json:"status"`
		Exceptions []Exception `json:"exceptions"`
	}{Status: status, Exceptions: sorted}

	b, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("policy: marshal fingerprint payload: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DecisionItem is one element of the attestation content hash: the record
// (evaluation or waiver) that settles a policy for a transition.
type DecisionItem struct {
	PolicyID string
	RecordID string
}

// HashDecisions produces the canonical content hash over a decision set.
// Items are sorted before hashing so semantically identical sets hash
// identically regardless of retrieval order.
func HashDecisions(items []DecisionItem) string {
	sorted := make([]DecisionItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PolicyID != sorted[j].PolicyID {
			return sorted[i].PolicyID < sorted[j].PolicyID
		}
		return sorted[i].RecordID < sorted[j].RecordID
	})

	var b strings.Builder
	for _, item := range sorted {
		b.WriteString(item.PolicyID)
		b.WriteByte('=')
		b.WriteString(item.RecordID)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
