package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kaifufi/vega-market-go/state"
)

// EventRecord is one committed engine event
type EventRecord struct {
	Seq       int64          `db:"seq"`
	ID        string         `db:"id"`
	Kind      string         `db:"kind"`
	AssetID   sql.NullString `db:"asset_id"`
	Account   string         `db:"account"`
	Payload   []byte         `db:"payload"`
	Timestamp int64          `db:"ts"`
}

// Batch is everything one engine operation persists
type Batch struct {
	Changes   state.Changes
	Events    []EventRecord
	Timestamp time.Time
}

// Commit writes a batch in a single transaction. Either every row lands or none does.
func (s *Store) Commit(ctx context.Context, batch Batch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	ts := batch.Timestamp.Unix()

	for _, l := range batch.Changes.Listings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO listings (asset_id, price, seller, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(asset_id) DO UPDATE SET
				price = excluded.price,
				seller = excluded.seller,
				updated_at = excluded.updated_at
		`, l.AssetID.String(), l.Price.String(), l.Seller.Hex(), ts)
		if err != nil {
			return fmt.Errorf("commit: upsert listing %s: %w", l.AssetID, err)
		}
	}

	for _, id := range batch.Changes.DeletedListings {
		if _, err := tx.ExecContext(ctx, `DELETE FROM listings WHERE asset_id = ?`, id.String()); err != nil {
			return fmt.Errorf("commit: delete listing %s: %w", id, err)
		}
	}

	for account, value := range batch.Changes.Nonces {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nonces (account, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(account) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, account.Hex(), int64(value), ts)
		if err != nil {
			return fmt.Errorf("commit: upsert nonce %s: %w", account.Hex(), err)
		}
	}

	for _, ev := range batch.Events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, kind, asset_id, account, payload, ts)
			VALUES (?, ?, ?, ?, ?, ?)
		`, ev.ID, ev.Kind, ev.AssetID, ev.Account, ev.Payload, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("commit: insert event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
