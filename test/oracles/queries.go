package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against a live database. Every query
// must return zero rows; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_ledger_seq_gapfree",
			SQL: `WITH seqs AS (
                      SELECT engagement_id, seq,
                             LAG(seq) OVER (PARTITION BY engagement_id ORDER BY seq) AS prev
                      FROM audit_trail)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1)
                     OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O2_transitions_adjacent_forward",
			SQL: `SELECT id, payload->>'from' AS f, payload->>'to' AS t FROM audit_trail
                  WHERE event_type = 'transition_committed'
                    AND (payload->>'from', payload->>'to') NOT IN
                        (('draft','planning'), ('planning','fieldwork'),
                         ('fieldwork','review'), ('review','finalized'))`,
		},
		{
			Name: "O3_reopen_moves_backward",
			SQL: `SELECT id FROM audit_trail
                  WHERE event_type = 'reopened'
                    AND array_position(ARRAY['draft','planning','fieldwork','review','finalized'], payload->>'to')
                        >= array_position(ARRAY['draft','planning','fieldwork','review','finalized'], payload->>'from')`,
		},
		{
			Name: "O4_waiver_binds_failing_evaluation",
			SQL: `SELECT w.id FROM waivers w
                  JOIN policy_evaluations e ON e.id = w.evaluation_id
                  WHERE e.status <> 'fail'
                     OR e.engagement_id <> w.engagement_id
                     OR e.policy_id <> w.policy_id`,
		},
		{
			Name: "O5_waiver_authority_floor",
			SQL: `SELECT w.id, w.policy_id, w.authority_level FROM waivers w
                  WHERE w.policy_id = 'partner_signoff'
                     OR w.authority_level < CASE w.policy_id
                          WHEN 'risk_response_completeness' THEN 3
                          WHEN 'as1215_documentation'       THEN 3
                          WHEN 'sas142_evidence'            THEN 4
                          WHEN 'material_account_coverage'  THEN 4
                          WHEN 'open_review_notes'          THEN 4
                          ELSE 1 END`,
		},
		{
			Name: "O6_finalized_has_live_attestation",
			SQL: `SELECT e.id FROM engagements e
                  WHERE e.state = 'finalized'
                    AND NOT EXISTS (
                        SELECT 1 FROM attestations a
                        WHERE a.engagement_id = e.id
                          AND a.target_state = 'finalized'
                          AND a.invalidated_at IS NULL)`,
		},
		{
			Name: "O7_state_matches_ledger",
			SQL: `WITH last_change AS (
                      SELECT DISTINCT ON (engagement_id) engagement_id, payload->>'to' AS to_state
                      FROM audit_trail
                      WHERE event_type IN ('transition_committed', 'reopened')
                      ORDER BY engagement_id, seq DESC)
                  SELECT e.id, e.state, lc.to_state FROM engagements e
                  JOIN last_change lc ON lc.engagement_id = e.id
                  WHERE e.state::text <> lc.to_state`,
		},
		{
			Name: "O8_guard_triggers_present",
			SQL: `SELECT 'missing_guard_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_mutate_audit_trail')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_rewrite_attestations')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_engagements')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
