package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

const recordColumns = `id, record_id, org_id, uapk_id, agent_id, action_type, tool,
	request, request_hash, decision, decision_reason, reasons_json, policy_trace_json,
	risk_snapshot_json, result, result_hash, duration_ms, capability_token_id,
	previous_record_hash, record_hash, gateway_signature, created_at`

// AppendRecord serializes one insertion into the (org, uapk) chain. It
// locks the chain head row, hands the current last hash to seal, then
// inserts the sealed record and advances the head, all in one
// transaction. Concurrent writers to the same chain queue on the lock;
// no writer can observe a stale head.
func (s *Store) AppendRecord(ctx context.Context, orgID, uapkID string, seal func(prev string) (*contracts.InteractionRecord, error)) (*contracts.InteractionRecord, error) {
	var sealed *contracts.InteractionRecord
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chain_heads (org_id, uapk_id, last_record_hash, updated_at)
			 VALUES ($1, $2, NULL, $3) ON CONFLICT (org_id, uapk_id) DO NOTHING`,
			orgID, uapkID, time.Now().UTC()); err != nil {
			return fmt.Errorf("store: ensure chain head: %w", err)
		}

		var prev sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT last_record_hash FROM chain_heads
			 WHERE org_id = $1 AND uapk_id = $2`+s.forUpdate(),
			orgID, uapkID).Scan(&prev); err != nil {
			return fmt.Errorf("store: lock chain head: %w", err)
		}

		rec, err := seal(prev.String)
		if err != nil {
			return err
		}

		request, err := marshalJSON(rec.Request)
		if err != nil {
			return err
		}
		result, err := marshalJSON(rec.Result)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interaction_records (`+recordColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
			rec.ID, rec.RecordID, rec.OrgID, rec.UAPKID, rec.AgentID, rec.ActionType, rec.Tool,
			request, rec.RequestHash, rec.Decision, nullString(rec.DecisionReason),
			rec.ReasonsJSON, rec.PolicyTrace, nullString(rec.RiskSnapshot), result,
			nullString(rec.ResultHash), rec.DurationMs, nullString(rec.CapabilityTokenID),
			nullString(rec.PreviousRecordHash), rec.RecordHash, rec.GatewaySignature,
			rec.CreatedAt); err != nil {
			return fmt.Errorf("store: insert record: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chain_heads SET last_record_hash = $1, updated_at = $2
			 WHERE org_id = $3 AND uapk_id = $4`,
			rec.RecordHash, time.Now().UTC(), orgID, uapkID); err != nil {
			return fmt.Errorf("store: advance chain head: %w", err)
		}

		sealed = rec
		return nil
	})
	return sealed, err
}

// GetRecord fetches a record by record_id within an organization.
func (s *Store) GetRecord(ctx context.Context, orgID, recordID string) (*contracts.InteractionRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM interaction_records
		 WHERE org_id = $1 AND record_id = $2`, orgID, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRecordsFilter narrows ListRecords.
type ListRecordsFilter struct {
	UAPKID   string
	AgentID  string
	Decision string
	Limit    int
	Offset   int
}

// ListRecords lists records for an organization, newest first.
func (s *Store) ListRecords(ctx context.Context, orgID string, f ListRecordsFilter) ([]contracts.InteractionRecord, int, error) {
	where := `org_id = $1`
	args := []any{orgID}
	n := 1
	if f.UAPKID != "" {
		n++
		where += fmt.Sprintf(" AND uapk_id = $%d", n)
		args = append(args, f.UAPKID)
	}
	if f.AgentID != "" {
		n++
		where += fmt.Sprintf(" AND agent_id = $%d", n)
		args = append(args, f.AgentID)
	}
	if f.Decision != "" {
		n++
		where += fmt.Sprintf(" AND decision = $%d", n)
		args = append(args, f.Decision)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interaction_records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count records: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+recordColumns+` FROM interaction_records
		WHERE `+where+` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.InteractionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}

// ListChain returns every record of one (org, uapk) chain in insertion
// order, for verification and export.
func (s *Store) ListChain(ctx context.Context, orgID, uapkID string) ([]contracts.InteractionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM interaction_records
		 WHERE org_id = $1 AND uapk_id = $2 ORDER BY created_at ASC, id ASC`,
		orgID, uapkID)
	if err != nil {
		return nil, fmt.Errorf("store: list chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.InteractionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRecord(sc rowScanner) (*contracts.InteractionRecord, error) {
	var r contracts.InteractionRecord
	var request, result, decisionReason, riskSnapshot, resultHash sql.NullString
	var tokenID, prevHash sql.NullString
	err := sc.Scan(&r.ID, &r.RecordID, &r.OrgID, &r.UAPKID, &r.AgentID, &r.ActionType, &r.Tool,
		&request, &r.RequestHash, &r.Decision, &decisionReason, &r.ReasonsJSON, &r.PolicyTrace,
		&riskSnapshot, &result, &resultHash, &r.DurationMs, &tokenID,
		&prevHash, &r.RecordHash, &r.GatewaySignature, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan record: %w", err)
	}
	r.DecisionReason = decisionReason.String
	r.RiskSnapshot = riskSnapshot.String
	r.ResultHash = resultHash.String
	r.CapabilityTokenID = tokenID.String
	r.PreviousRecordHash = prevHash.String
	if err := unmarshalJSON(request, &r.Request); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(result, &r.Result); err != nil {
		return nil, err
	}
	return &r, nil
}
