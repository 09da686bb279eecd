package asset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"CustodyLedger/internal/persistence"
)

var (
	// ErrUnknownAsset means no enabled asset matches (chain, symbol).
	ErrUnknownAsset = errors.New("asset: unknown or disabled asset")
)

// Asset is one read-only catalog row. Contract is empty for the chain's
// native coin.
type Asset struct {
	Chain    string
	Symbol   string
	Contract string
	Decimals int32
	Enabled  bool
}

// Native reports whether the asset is the chain's native coin.
func (a *Asset) Native() bool {
	return a.Contract == ""
}

// ID is the ledger asset identifier, e.g. "BSC:USDT".
func (a *Asset) ID() string {
	return a.Chain + ":" + a.Symbol
}

// Registry reads the fixed asset catalog. Rows are seeded by migration and
// treated as immutable at runtime.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Lookup returns the enabled asset for (chain, symbol) or ErrUnknownAsset.
func (r *Registry) Lookup(ctx context.Context, chain, symbol string) (*Asset, error) {
	return lookup(ctx, r.db, chain, symbol)
}

// LookupID resolves a composite ledger asset id of the form "CHAIN:SYMBOL".
// A malformed id is just another unknown asset.
func (r *Registry) LookupID(ctx context.Context, id string) (*Asset, error) {
	chain, symbol, ok := strings.Cut(id, ":")
	if !ok || chain == "" || symbol == "" {
		return nil, fmt.Errorf("%w: malformed asset id %q", ErrUnknownAsset, id)
	}
	return lookup(ctx, r.db, chain, symbol)
}

// LookupIn is Lookup against the caller's transaction.
func (r *Registry) LookupIn(ctx context.Context, q persistence.Querier, chain, symbol string) (*Asset, error) {
	return lookup(ctx, q, chain, symbol)
}

func lookup(ctx context.Context, q persistence.Querier, chain, symbol string) (*Asset, error) {
	a := &Asset{}
	err := q.QueryRowContext(ctx, `
		SELECT chain, symbol, contract, decimals, enabled
		FROM assets
		WHERE chain = $1 AND symbol = $2`,
		chain, symbol,
	).Scan(&a.Chain, &a.Symbol, &a.Contract, &a.Decimals, &a.Enabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownAsset, chain, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("asset: lookup %s/%s: %w", chain, symbol, err)
	}
	if !a.Enabled {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownAsset, chain, symbol)
	}
	return a, nil
}

// Native returns the chain's native coin (the enabled row with an empty
// contract) or ErrUnknownAsset.
func (r *Registry) Native(ctx context.Context, chain string) (*Asset, error) {
	a := &Asset{}
	err := r.db.QueryRowContext(ctx, `
		SELECT chain, symbol, contract, decimals, enabled
		FROM assets
		WHERE chain = $1 AND enabled AND contract = ''`,
		chain,
	).Scan(&a.Chain, &a.Symbol, &a.Contract, &a.Decimals, &a.Enabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: native coin of %s", ErrUnknownAsset, chain)
	}
	if err != nil {
		return nil, fmt.Errorf("asset: native of %s: %w", chain, err)
	}
	return a, nil
}

// Tokens returns the enabled non-native assets on a chain; the sweeper's
// token list.
func (r *Registry) Tokens(ctx context.Context, chain string) ([]*Asset, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chain, symbol, contract, decimals, enabled
		FROM assets
		WHERE chain = $1 AND enabled AND contract <> ''
		ORDER BY symbol`,
		chain,
	)
	if err != nil {
		return nil, fmt.Errorf("asset: tokens for %s: %w", chain, err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a := &Asset{}
		if err := rows.Scan(&a.Chain, &a.Symbol, &a.Contract, &a.Decimals, &a.Enabled); err != nil {
			return nil, fmt.Errorf("asset: scan token: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
