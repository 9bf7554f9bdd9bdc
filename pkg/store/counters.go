package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// GetCounter fetches the counter for one (org, uapk, date). A missing
// row means a count of zero.
func (s *Store) GetCounter(ctx context.Context, orgID, uapkID, date string) (*contracts.ActionCounter, error) {
	var c contracts.ActionCounter
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, uapk_id, counter_date, count, updated_at
		 FROM action_counters WHERE org_id = $1 AND uapk_id = $2 AND counter_date = $3`,
		orgID, uapkID, date).
		Scan(&c.ID, &c.OrgID, &c.UAPKID, &c.CounterDate, &c.Count, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &contracts.ActionCounter{OrgID: orgID, UAPKID: uapkID, CounterDate: date}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get counter: %w", err)
	}
	return &c, nil
}

// IncrementCounter atomically bumps the daily counter and returns the
// new count. The upsert keys on (org, uapk, date) so increments for a
// single day serialize on the row.
func (s *Store) IncrementCounter(ctx context.Context, orgID, uapkID, date string, now time.Time) (int, error) {
	var count int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO action_counters (id, org_id, uapk_id, counter_date, count, updated_at)
			 VALUES ($1, $2, $3, $4, 0, $5)
			 ON CONFLICT (org_id, uapk_id, counter_date) DO NOTHING`,
			uuid.NewString(), orgID, uapkID, date, now); err != nil {
			return fmt.Errorf("store: ensure counter: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT count FROM action_counters
			 WHERE org_id = $1 AND uapk_id = $2 AND counter_date = $3`+s.forUpdate(),
			orgID, uapkID, date).Scan(&count); err != nil {
			return fmt.Errorf("store: lock counter: %w", err)
		}
		count++
		if _, err := tx.ExecContext(ctx,
			`UPDATE action_counters SET count = $1, updated_at = $2
			 WHERE org_id = $3 AND uapk_id = $4 AND counter_date = $5`,
			count, now, orgID, uapkID, date); err != nil {
			return fmt.Errorf("store: increment counter: %w", err)
		}
		return nil
	})
	return count, err
}
