package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/vega-market-go/state"
)

type listingRow struct {
	AssetID   string `db:"asset_id"`
	Price     string `db:"price"`
	Seller    string `db:"seller"`
	UpdatedAt int64  `db:"updated_at"`
}

type nonceRow struct {
	Account   string `db:"account"`
	Value     int64  `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// Listings returns every persisted listing
func (s *Store) Listings(ctx context.Context) ([]state.Listing, error) {
	var rows []listingRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT asset_id, price, seller, updated_at FROM listings`); err != nil {
		return nil, fmt.Errorf("read listings: %w", err)
	}

	listings := make([]state.Listing, 0, len(rows))
	for _, r := range rows {
		id, ok := new(big.Int).SetString(r.AssetID, 10)
		if !ok {
			return nil, fmt.Errorf("read listings: bad asset id %q", r.AssetID)
		}
		price, ok := new(big.Int).SetString(r.Price, 10)
		if !ok {
			return nil, fmt.Errorf("read listings: bad price %q for asset %s", r.Price, r.AssetID)
		}
		listings = append(listings, state.Listing{
			AssetID: id,
			Price:   price,
			Seller:  common.HexToAddress(r.Seller),
		})
	}
	return listings, nil
}

// Nonces returns every persisted nonce record
func (s *Store) Nonces(ctx context.Context) (map[common.Address]uint64, error) {
	var rows []nonceRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT account, value, updated_at FROM nonces`); err != nil {
		return nil, fmt.Errorf("read nonces: %w", err)
	}

	nonces := make(map[common.Address]uint64, len(rows))
	for _, r := range rows {
		nonces[common.HexToAddress(r.Account)] = uint64(r.Value)
	}
	return nonces, nil
}

// Nonce returns the persisted nonce of account, zero when absent
func (s *Store) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	var value int64
	err := s.db.GetContext(ctx, &value, `SELECT value FROM nonces WHERE account = ?`, account.Hex())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read nonce: %w", err)
	}
	return uint64(value), nil
}

// LoadState reads listings and nonces into st
func (s *Store) LoadState(ctx context.Context, st *state.State) error {
	listings, err := s.Listings(ctx)
	if err != nil {
		return err
	}
	nonces, err := s.Nonces(ctx)
	if err != nil {
		return err
	}
	st.Load(listings, nonces)
	return nil
}

// Events returns committed events with seq >= fromSeq in commit order.
// A limit <= 0 returns all of them.
func (s *Store) Events(ctx context.Context, fromSeq int64, limit int) ([]EventRecord, error) {
	query := `SELECT seq, id, kind, asset_id, account, payload, ts FROM events WHERE seq >= ? ORDER BY seq ASC`
	args := []any{fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var events []EventRecord
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}
