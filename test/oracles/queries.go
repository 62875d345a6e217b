package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"soaflow/audit"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_audit_seq_contiguous",
			SQL: `SELECT soa_id, seq FROM (
                      SELECT soa_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY soa_id ORDER BY seq) AS rn
                      FROM soa_audit_entries) s
                  WHERE seq <> rn`,
		},
		{
			Name: "O2_single_client_signature",
			SQL: `SELECT soa_id, COUNT(*) FROM soa_audit_entries
                  WHERE action = 'client_signed'
                  GROUP BY soa_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_terminal_revokes_token",
			SQL: `SELECT id, status FROM soa_records
                  WHERE status IN ('completed','voided','expired') AND token_revoked_at IS NULL`,
		},
		{
			Name: "O4_signature_matches_status",
			SQL: `SELECT id, status FROM soa_records
                  WHERE (status IN ('client_signed','completed') AND (client_signed_at IS NULL OR client_typed_signature IS NULL))
                     OR (status IN ('draft','sent','opened') AND client_signed_at IS NOT NULL)`,
		},
		{
			Name: "O5_completed_has_artifact",
			SQL: `SELECT id FROM soa_records
                  WHERE status = 'completed'
                    AND (artifact_digest IS NULL OR agent_signed_at IS NULL OR completed_at IS NULL
                         OR finalize_claimed_until IS NOT NULL)`,
		},
		{
			Name: "O5b_single_pdf_per_record",
			SQL: `SELECT soa_id, COUNT(*) FROM soa_audit_entries
                  WHERE action = 'pdf_generated'
                  GROUP BY soa_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_terminal_status_audited",
			SQL: `SELECT r.id, r.status FROM soa_records r
                  WHERE r.status IN ('voided','expired','completed')
                    AND NOT EXISTS (
                        SELECT 1 FROM soa_audit_entries e
                        WHERE e.soa_id = r.id
                          AND e.action = CASE r.status
                                             WHEN 'voided' THEN 'voided'
                                             WHEN 'expired' THEN 'expired'
                                             ELSE 'pdf_generated' END)`,
		},
		{
			Name: "O7_audit_chain_linked",
			SQL: `SELECT e.soa_id, e.seq FROM soa_audit_entries e
                  JOIN soa_audit_entries p ON p.soa_id = e.soa_id AND p.seq = e.seq - 1
                  WHERE e.prev_hash <> p.hash`,
		},
		{
			Name: "O8_no_events_after_terminal",
			SQL: `SELECT e.soa_id, e.seq, e.action FROM soa_audit_entries e
                  JOIN soa_audit_entries t ON t.soa_id = e.soa_id
                   AND t.action IN ('voided','expired')
                   AND e.seq > t.seq`,
		},
		{
			Name: "O9_outbox_not_stale",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_guard_triggers_present",
			SQL: `SELECT t.name FROM (VALUES ('soa_records_freeze_client_signature'), ('soa_audit_entries_append_only')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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

// VerifyChains recomputes the hash chain of up to limit recently touched
// records and returns the first broken one.
func VerifyChains(ctx context.Context, pool *pgxpool.Pool, limit int) (string, int, error) {
	rows, err := pool.Query(ctx, `SELECT id::text FROM soa_records ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return "", 0, fmt.Errorf("oracle chains: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return "", 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	repo := audit.NewRepository(pool)
	for _, id := range ids {
		entries, err := repo.List(ctx, id)
		if err != nil {
			return "", 0, fmt.Errorf("oracle chains: list %s: %w", id, err)
		}
		if broken, err := audit.Verify(entries); err != nil {
			return id, broken, nil
		}
	}
	return "", 0, nil
}
