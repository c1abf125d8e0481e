package policy

import (
	"context"
	"fmt"
)

// Recognized evidence sources per SAS 142.
var recognizedEvidenceSources = map[string]bool{
	"inspection":    true,
	"observation":   true,
	"confirmation":  true,
	"recalculation": true,
	"reperformance": true,
	"analytical":    true,
	"inquiry":       true,
}

// Assertion families used by the coverage policy.
var (
	existenceAssertions = map[string]bool{
		"existence":  true,
		"occurrence": true,
	}
	valuationAssertions = map[string]bool{
		"valuation": true,
		"accuracy":  true,
	}
)

// evaluateDocumentation requires every procedure to have at least one linked
// workpaper in prepared-or-later status.
func evaluateDocumentation(_ context.Context, snap *Snapshot) (Status, []Exception) {
	var exceptions []Exception
	for _, proc := range snap.Procedures {
		documented := false
		for _, wpID := range snap.ProcedureWorkpapers[proc.ID] {
			if wp, ok := snap.WorkpaperByID(wpID); ok && wp.PreparedOrLater() {
				documented = true
				break
			}
		}
		if !documented {
			exceptions = append(exceptions, Exception{
				Code:       "procedure_undocumented",
				EntityType: "procedure",
				EntityID:   proc.ID,
				Detail:     fmt.Sprintf("procedure %q has no prepared workpaper", proc.Name),
			})
		}
	}
	return statusFor(exceptions), exceptions
}

// evaluateEvidence requires every account whose balance exceeds the
// materiality threshold to carry at least one evidence record with a
// recognized source and an assertion tag.
func evaluateEvidence(_ context.Context, snap *Snapshot) (Status, []Exception) {
	threshold := snap.MaterialityThreshold()

	covered := make(map[string]bool)
	for _, ev := range snap.Evidence {
		if recognizedEvidenceSources[ev.Source] && ev.Assertion != "" {
			covered[ev.AccountID] = true
		}
	}

	var exceptions []Exception
	for _, acct := range snap.Accounts {
		if abs64(acct.Balance) <= threshold {
			continue
		}
		if !covered[acct.ID] {
			exceptions = append(exceptions, Exception{
				Code:       "insufficient_evidence",
				EntityType: "account",
				EntityID:   acct.ID,
				Detail:     fmt.Sprintf("account %s %q exceeds materiality with no qualifying evidence", acct.Code, acct.Name),
				Amount:     acct.Balance,
			})
		}
	}
	return statusFor(exceptions), exceptions
}

// evaluateRiskResponses requires every recorded risk to have at least one
// linked response procedure, and at least one recorded fraud risk.
func evaluateRiskResponses(_ context.Context, snap *Snapshot) (Status, []Exception) {
	responded := make(map[string]bool)
	for _, resp := range snap.RiskResponses {
		responded[resp.RiskID] = true
	}

	var exceptions []Exception
	fraudRiskRecorded := false
	for _, risk := range snap.Risks {
		if risk.Category == RiskCategoryFraud {
			fraudRiskRecorded = true
		}
		if !responded[risk.ID] {
			exceptions = append(exceptions, Exception{
				Code:       "risk_without_response",
				EntityType: "risk",
				EntityID:   risk.ID,
				Detail:     fmt.Sprintf("risk %q has no linked response procedure", risk.Description),
			})
		}
	}
	if !fraudRiskRecorded {
		exceptions = append(exceptions, Exception{
			Code:       "no_fraud_risk",
			EntityType: "engagement",
			EntityID:   snap.Facts.ID,
			Detail:     "no risk is tagged with the fraud category",
		})
	}
	return statusFor(exceptions), exceptions
}

// evaluateSignoff passes only when a fresh attestation exists for this
// transition. The state machine maps the exception codes onto its attestation
// error taxonomy at commit time.
func evaluateSignoff(_ context.Context, snap *Snapshot) (Status, []Exception) {
	if snap.Attestation == nil {
		return StatusFail, []Exception{{
			Code:       CodeMissingAttestation,
			EntityType: "engagement",
			EntityID:   snap.Facts.ID,
			Detail:     "no partner attestation recorded for this transition",
		}}
	}
	if !snap.Attestation.Fresh {
		return StatusFail, []Exception{{
			Code:       CodeStaleAttestation,
			EntityType: "attestation",
			EntityID:   snap.Attestation.ID,
			Detail:     "attestation content hash no longer matches the evaluation state",
		}}
	}
	return StatusPass, nil
}

// evaluateReviewNotes fails for every note still open or addressed but not
// cleared.
func evaluateReviewNotes(_ context.Context, snap *Snapshot) (Status, []Exception) {
	var exceptions []Exception
	for _, note := range snap.ReviewNotes {
		switch note.Status {
		case ReviewNoteOpen, ReviewNoteAddressed:
			exceptions = append(exceptions, Exception{
				Code:       "review_note_uncleared",
				EntityType: "review_note",
				EntityID:   note.ID,
				Detail:     fmt.Sprintf("review note in status %q", note.Status),
			})
		}
	}
	return statusFor(exceptions), exceptions
}

// evaluateCoverage requires every account above the materiality threshold to
// have at least one procedure addressing both an existence-type and a
// valuation-type assertion.
func evaluateCoverage(_ context.Context, snap *Snapshot) (Status, []Exception) {
	threshold := snap.MaterialityThreshold()

	coveredAccounts := make(map[string]bool)
	for _, proc := range snap.Procedures {
		if proc.AccountID == "" {
			continue
		}
		hasExistence, hasValuation := false, false
		for _, assertion := range proc.Assertions {
			if existenceAssertions[assertion] {
				hasExistence = true
			}
			if valuationAssertions[assertion] {
				hasValuation = true
			}
		}
		if hasExistence && hasValuation {
			coveredAccounts[proc.AccountID] = true
		}
	}

	var exceptions []Exception
	for _, acct := range snap.Accounts {
		if abs64(acct.Balance) <= threshold {
			continue
		}
		if !coveredAccounts[acct.ID] {
			exceptions = append(exceptions, Exception{
				Code:       "material_account_uncovered",
				EntityType: "account",
				EntityID:   acct.ID,
				Detail:     fmt.Sprintf("account %s %q lacks a procedure covering existence and valuation assertions", acct.Code, acct.Name),
				Amount:     acct.Balance,
			})
		}
	}
	return statusFor(exceptions), exceptions
}

// evaluateSubsequentEvents checks for a subsequent-events workpaper.
// Informational only; a failure is recorded but never blocks.
func evaluateSubsequentEvents(_ context.Context, snap *Snapshot) (Status, []Exception) {
	for _, wp := range snap.Workpapers {
		if wp.Kind == WorkpaperKindSubsequentEvents {
			return StatusPass, nil
		}
	}
	return StatusFail, []Exception{{
		Code:       "no_subsequent_events_workpaper",
		EntityType: "engagement",
		EntityID:   snap.Facts.ID,
		Detail:     "no subsequent-events workpaper on file",
	}}
}

// NewWorkpaperKindCheck builds the evaluation function behind firm-custom
// policies of kind require_workpaper_kind: the engagement must carry a
// prepared-or-later workpaper of the configured kind.
func NewWorkpaperKindCheck(kind string) EvalFunc {
	return func(_ context.Context, snap *Snapshot) (Status, []Exception) {
		for _, wp := range snap.Workpapers {
			if wp.Kind == kind && wp.PreparedOrLater() {
				return StatusPass, nil
			}
		}
		return StatusFail, []Exception{{
			Code:       "required_workpaper_missing",
			EntityType: "engagement",
			EntityID:   snap.Facts.ID,
			Detail:     fmt.Sprintf("no prepared workpaper of kind %q", kind),
		}}
	}
}

func statusFor(exceptions []Exception) Status {
	if len(exceptions) > 0 {
		return StatusFail
	}
	return StatusPass
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
