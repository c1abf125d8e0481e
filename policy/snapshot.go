package policy

// Snapshot is the point-in-time view of one engagement's business data that a
// policy run evaluates against. It is loaded once per run inside the caller's
// transaction; evaluation functions are pure over it, so per-policy goroutines
// stay deterministic.
type Snapshot struct {
	Facts      EngagementFacts
	Transition Transition

	Accounts            []Account
	Procedures          []Procedure
	Workpapers          []Workpaper
	ProcedureWorkpapers map[string][]string // procedure id -> linked workpaper ids
	Evidence            []EvidenceRecord
	Risks               []Risk
	RiskResponses       []RiskResponse
	ReviewNotes         []ReviewNote

	// Prior holds, per policy, the latest stored evaluation and any waiver
	// that references it. Used for waiver coverage and attestation freshness.
	Prior map[string]PriorDecision

	// Attestation is the latest non-invalidated attestation targeting this
	// transition's destination state, nil when none exists.
	Attestation *AttestationFacts
}

type Account struct {
	ID      string
	Code    string
	Name    string
	Balance int64
}

type Procedure struct {
	ID         string
	AccountID  string
	Name       string
	Assertions []string
}

// Workpaper statuses, in preparation order.
const (
	WorkpaperDraft    = "draft"
	WorkpaperPrepared = "prepared"
	WorkpaperReviewed = "reviewed"
	WorkpaperFinal    = "final"
)

// WorkpaperKindSubsequentEvents marks the subsequent-events review workpaper.
const WorkpaperKindSubsequentEvents = "subsequent_events"

type Workpaper struct {
	ID        string
	Kind      string
	Reference string
	Status    string
}

// PreparedOrLater reports whether the workpaper has reached at least
// prepared status.
func (w Workpaper) PreparedOrLater() bool {
	switch w.Status {
	case WorkpaperPrepared, WorkpaperReviewed, WorkpaperFinal:
		return true
	default:
		return false
	}
}

type EvidenceRecord struct {
	ID        string
	AccountID string
	Source    string
	Assertion string
}

// RiskCategoryFraud tags a fraud risk; at least one is required before
// fieldwork begins.
const RiskCategoryFraud = "fraud"

type Risk struct {
	ID          string
	Description string
	Category    string
}

type RiskResponse struct {
	RiskID      string
	ProcedureID string
}

// Review note statuses. Anything other than cleared blocks finalization.
const (
	ReviewNoteOpen      = "open"
	ReviewNoteAddressed = "addressed"
	ReviewNoteCleared   = "cleared"
)

type ReviewNote struct {
	ID     string
	Status string
}

// PriorDecision summarizes the latest stored evaluation for one policy.
// WaiverID is set only when a non-revoked waiver references exactly that
// evaluation.
type PriorDecision struct {
	EvaluationID string
	Status       Status
	Fingerprint  string
	WaiverID     string
}

// AttestationFacts carries what policies need to know about the latest
// sign-off. Fresh means the stored content hash still matches the stored
// decision set.
type AttestationFacts struct {
	ID          string
	ContentHash string
	Fresh       bool
}

// MaterialityThreshold computes the threshold from the snapshot's facts.
func (s *Snapshot) MaterialityThreshold() int64 {
	return MaterialityThreshold(s.Facts.TotalAssets, s.Facts.Revenue)
}

// WorkpaperByID returns the workpaper with the given id, if present.
func (s *Snapshot) WorkpaperByID(id string) (Workpaper, bool) {
	for _, wp := range s.Workpapers {
		if wp.ID == id {
			return wp, true
		}
	}
	return Workpaper{}, false
}

// AccountByID returns the account with the given id, if present.
func (s *Snapshot) AccountByID(id string) (Account, bool) {
	for _, a := range s.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}
