package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// PGSnapshotSource loads snapshots from the business data tables. All queries
// run through the caller's Querier so a transition evaluates against the
// transaction's consistent view.
type PGSnapshotSource struct {
	registry *Registry
}

func NewPGSnapshotSource(registry *Registry) *PGSnapshotSource {
	return &PGSnapshotSource{registry: registry}
}

func (s *PGSnapshotSource) Load(ctx context.Context, q Querier, engagementID string, tr Transition) (*Snapshot, error) {
	snap := &Snapshot{
		Transition:          tr,
		ProcedureWorkpapers: make(map[string][]string),
		Prior:               make(map[string]PriorDecision),
	}

	if err := q.QueryRow(ctx,
		`SELECT id::text, state::text, total_assets, revenue FROM engagements WHERE id = $1`,
		engagementID,
	).Scan(&snap.Facts.ID, &snap.Facts.State, &snap.Facts.TotalAssets, &snap.Facts.Revenue); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("policy: engagement %s not found", engagementID)
		}
		return nil, fmt.Errorf("policy: load engagement facts: %w", err)
	}

	if err := s.loadBusinessData(ctx, q, engagementID, snap); err != nil {
		return nil, err
	}

	defs := s.registry.ForTransition(tr)
	prior, err := LoadPriorDecisions(ctx, q, engagementID, defs)
	if err != nil {
		return nil, err
	}
	snap.Prior = prior

	if s.registry.SignoffRequired(tr) {
		facts, err := s.loadAttestationFacts(ctx, q, engagementID, tr, defs, prior)
		if err != nil {
			return nil, err
		}
		snap.Attestation = facts
	}

	return snap, nil
}

func (s *PGSnapshotSource) loadBusinessData(ctx context.Context, q Querier, engagementID string, snap *Snapshot) error {
	rows, err := q.Query(ctx,
		`SELECT id::text, code, name, balance FROM accounts WHERE engagement_id = $1 ORDER BY code`,
		engagementID)
	if err != nil {
		return fmt.Errorf("policy: load accounts: %w", err)
	}
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Balance); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan account: %w", err)
		}
		snap.Accounts = append(snap.Accounts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policy: iterate accounts: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT id::text, COALESCE(account_id::text, ''), name, assertions FROM procedures WHERE engagement_id = $1 ORDER BY created_at, id`,
		engagementID)
	if err != nil {
		return fmt.Errorf("policy: load procedures: %w", err)
	}
	for rows.Next() {
		var p Procedure
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.Assertions); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan procedure: %w", err)
		}
		snap.Procedures = append(snap.Procedures, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policy: iterate procedures: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT id::text, kind, reference, status FROM workpapers WHERE engagement_id = $1 ORDER BY created_at, id`,
		engagementID)
	if err != nil {
		return fmt.Errorf("policy: load workpapers: %w", err)
	}
	for rows.Next() {
		var wp Workpaper
		if err := rows.Scan(&wp.ID, &wp.Kind, &wp.Reference, &wp.Status); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan workpaper: %w", err)
		}
		snap.Workpapers = append(snap.Workpapers, wp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policy: iterate workpapers: %w", err)
	}

	rows, err = q.Query(ctx, `
SELECT pw.procedure_id::text, pw.workpaper_id::text
FROM procedure_workpapers pw
JOIN procedures p ON p.id = pw.procedure_id
WHERE p.engagement_id = $1`, engagementID)
	if err != nil {
		return fmt.Errorf("policy: load procedure links: %w", err)
	}
	for rows.Next() {
		var procID, wpID string
		if err := rows.Scan(&procID, &wpID); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan procedure link: %w", err)
		}
		snap.ProcedureWorkpapers[procID] = append(snap.ProcedureWorkpapers[procID], wpID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policy: iterate procedure links: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT id::text, account_id::text, source, assertion FROM evidence_records WHERE engagement_id = $1 ORDER BY created_at, id`,
		engagementID)
	if err != nil {
		return fmt.Errorf("policy: load evidence: %w", err)
	}
	for rows.Next() {
		var ev EvidenceRecord
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Source, &ev.Assertion); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan evidence: %w", err)
		}
		snap.Evidence = append(snap.Evidence, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policy: iterate evidence: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT id::text, description, category FROM risks WHERE engagement_id = $1 ORDER BY created_at, id`,
		engagementID)
	if err != nil {
		return fmt.Errorf("policy: load risks: %w", err)
	}
	for rows.Next() {
		var r Risk
		if err := rows.Scan(&r.ID, &r.Description, &r.Category); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan risk: %w", err)
		}
		snap.Risks = append(snap.Risks, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policy: iterate risks: %w", err)
	}

	rows, err = q.Query(ctx, `
SELECT rr.risk_id::text, rr.procedure_id::text
FROM risk_responses rr
JOIN risks r ON r.id = rr.risk_id
WHERE r.engagement_id = $1`, engagementID)
	if err != nil {
		return fmt.Errorf("policy: load risk responses: %w", err)
	}
	for rows.Next() {
		var resp RiskResponse
		if err := rows.Scan(&resp.RiskID, &resp.ProcedureID); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan risk response: %w", err)
		}
		snap.RiskResponses = append(snap.RiskResponses, resp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policy: iterate risk responses: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT id::text, status FROM review_notes WHERE engagement_id = $1 ORDER BY created_at, id`,
		engagementID)
	if err != nil {
		return fmt.Errorf("policy: load review notes: %w", err)
	}
	for rows.Next() {
		var note ReviewNote
		if err := rows.Scan(&note.ID, &note.Status); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan review note: %w", err)
		}
		snap.ReviewNotes = append(snap.ReviewNotes, note)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policy: iterate review notes: %w", err)
	}

	return nil
}

func (s *PGSnapshotSource) loadAttestationFacts(ctx context.Context, q Querier, engagementID string, tr Transition, defs []Definition, prior map[string]PriorDecision) (*AttestationFacts, error) {
	target := transitionTarget(tr)
	if target == "" {
		return nil, fmt.Errorf("policy: malformed transition %q", tr)
	}

	var facts AttestationFacts
	err := q.QueryRow(ctx, `
SELECT id::text, content_hash
FROM attestations
WHERE engagement_id = $1 AND target_state = $2::engagement_state AND invalidated_at IS NULL
ORDER BY created_at DESC, id DESC
LIMIT 1`, engagementID, target).Scan(&facts.ID, &facts.ContentHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy: load attestation: %w", err)
	}

	facts.Fresh = facts.ContentHash == HashDecisions(DecisionItemsFromPrior(defs, prior))
	return &facts, nil
}

// LoadPriorDecisions returns, per policy, the latest stored evaluation and any
// non-revoked waiver that references exactly that evaluation.
func LoadPriorDecisions(ctx context.Context, q Querier, engagementID string, defs []Definition) (map[string]PriorDecision, error) {
	prior := make(map[string]PriorDecision, len(defs))
	if len(defs) == 0 {
		return prior, nil
	}

	policyIDs := make([]string, 0, len(defs))
	for _, def := range defs {
		policyIDs = append(policyIDs, def.ID)
	}

	rows, err := q.Query(ctx, `
SELECT DISTINCT ON (policy_id) policy_id, id::text, status, fingerprint
FROM policy_evaluations
WHERE engagement_id = $1 AND policy_id = ANY($2)
ORDER BY policy_id, evaluated_at DESC, id DESC`, engagementID, policyIDs)
	if err != nil {
		return nil, fmt.Errorf("policy: load prior evaluations: %w", err)
	}
	evalIDs := make([]string, 0, len(defs))
	evalPolicies := make(map[string]string)
	for rows.Next() {
		var policyID string
		var pd PriorDecision
		if err := rows.Scan(&policyID, &pd.EvaluationID, &pd.Status, &pd.Fingerprint); err != nil {
			rows.Close()
			return nil, fmt.Errorf("policy: scan prior evaluation: %w", err)
		}
		prior[policyID] = pd
		evalIDs = append(evalIDs, pd.EvaluationID)
		evalPolicies[pd.EvaluationID] = policyID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy: iterate prior evaluations: %w", err)
	}

	if len(evalIDs) == 0 {
		return prior, nil
	}

	rows, err = q.Query(ctx, `
SELECT DISTINCT ON (w.evaluation_id) w.evaluation_id::text, w.id::text
FROM waivers w
WHERE w.engagement_id = $1
  AND w.evaluation_id = ANY($2::uuid[])
  AND NOT EXISTS (SELECT 1 FROM waiver_revocations r WHERE r.waiver_id = w.id)
ORDER BY w.evaluation_id, w.created_at DESC, w.id DESC`, engagementID, evalIDs)
	if err != nil {
		return nil, fmt.Errorf("policy: load covering waivers: %w", err)
	}
	for rows.Next() {
		var evalID, waiverID string
		if err := rows.Scan(&evalID, &waiverID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("policy: scan covering waiver: %w", err)
		}
		policyID := evalPolicies[evalID]
		pd := prior[policyID]
		pd.WaiverID = waiverID
		prior[policyID] = pd
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy: iterate covering waivers: %w", err)
	}

	return prior, nil
}

// DecisionItemsFromPrior assembles the attestation decision set: per policy,
// the waiver that settles a failing evaluation, otherwise the evaluation
// itself. The sign-off policy is excluded; its decision is the attestation.
func DecisionItemsFromPrior(defs []Definition, prior map[string]PriorDecision) []DecisionItem {
	items := make([]DecisionItem, 0, len(defs))
	for _, def := range defs {
		if def.ID == PolicySignoff {
			continue
		}
		pd, ok := prior[def.ID]
		if !ok {
			continue
		}
		recordID := pd.EvaluationID
		if pd.Status == StatusFail && pd.WaiverID != "" {
			recordID = pd.WaiverID
		}
		items = append(items, DecisionItem{PolicyID: def.ID, RecordID: recordID})
	}
	return items
}

// transitionTarget extracts the destination state from a transition key.
func transitionTarget(tr Transition) string {
	parts := strings.SplitN(string(tr), "->", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// PGResultStore inserts evaluation results.
type PGResultStore struct{}

func NewPGResultStore() *PGResultStore {
	return &PGResultStore{}
}

func (s *PGResultStore) Insert(ctx context.Context, tx pgx.Tx, results []EvaluationResult) error {
	const insertSQL = `
INSERT INTO policy_evaluations (id, engagement_id, policy_id, status, exceptions, fingerprint, evaluated_by, evaluated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for _, res := range results {
		exceptions := res.Exceptions
		if exceptions == nil {
			exceptions = []Exception{}
		}
		excBytes, err := json.Marshal(exceptions)
		if err != nil {
			return fmt.Errorf("policy: marshal exceptions: %w", err)
		}
		if _, err := tx.Exec(ctx, insertSQL,
			res.ID,
			res.EngagementID,
			res.PolicyID,
			res.Status,
			excBytes,
			res.Fingerprint,
			res.EvaluatedBy,
			res.EvaluatedAt,
		); err != nil {
			return fmt.Errorf("policy: insert evaluation %s: %w", res.PolicyID, err)
		}
	}
	return nil
}
