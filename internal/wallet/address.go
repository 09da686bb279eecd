package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CustodyLedger/internal/joblock"
	"CustodyLedger/internal/observability"
)

// DepositAddress is a per-(user, chain) address row. The derivation index is
// assigned exactly once and the address is a pure function of it.
type DepositAddress struct {
	UserID          string
	Chain           string
	Address         string
	DerivationIndex uint32
	// ScanFromHeight is the chain height when the address was issued; deposit
	// scanners can start there instead of from genesis.
	ScanFromHeight *int64
	CreatedAt      time.Time
}

// HeightSource supplies the current block height for the scan-start hint.
// Nil is fine: the hint is optional.
type HeightSource interface {
	BlockHeight(ctx context.Context) (int64, error)
}

// AddressBook issues deposit addresses. Index allocation for a chain is
// serialized through a named job lock, so concurrent first-time requests for
// different users still get gap-free, duplicate-free indices.
type AddressBook struct {
	db       *sql.DB
	deriver  *Deriver
	locks    *joblock.Service
	heights  map[string]HeightSource
	lockTTL  time.Duration
	holderID string
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewAddressBook(
	db *sql.DB,
	deriver *Deriver,
	locks *joblock.Service,
	heights map[string]HeightSource,
	lockTTL time.Duration,
	holderID string,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *AddressBook {
	return &AddressBook{
		db:       db,
		deriver:  deriver,
		locks:    locks,
		heights:  heights,
		lockTTL:  lockTTL,
		holderID: holderID,
		metrics:  metrics,
		log:      log,
	}
}

// GetOrCreate returns the user's deposit address on the chain, allocating one
// on first use. Check, then lock, then re-check: the second read under the
// lock is what makes concurrent first-time calls converge on one row.
func (b *AddressBook) GetOrCreate(ctx context.Context, userID, chain string) (*DepositAddress, error) {
	if addr, err := b.get(ctx, userID, chain); err == nil {
		return addr, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// The lease is re-entrant by holder id, so the process-wide id would let
	// every goroutine in this process "hold" the lock at once. Each call gets
	// its own holder identity instead, making the critical section exclusive.
	holder := b.holderID + ":" + uuid.New().String()[:8]

	lockKey := fmt.Sprintf("depositaddr:%s", chain)
	if err := b.acquireWithRetry(ctx, lockKey, holder); err != nil {
		return nil, err
	}
	defer func() {
		if err := b.locks.Release(ctx, lockKey, holder); err != nil {
			b.log.Warn().Err(err).Str("key", lockKey).Msg("release allocation lock")
		}
	}()

	// Re-check under the lock: another caller may have allocated meanwhile.
	if addr, err := b.get(ctx, userID, chain); err == nil {
		return addr, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return b.allocate(ctx, userID, chain)
}

func (b *AddressBook) get(ctx context.Context, userID, chain string) (*DepositAddress, error) {
	addr := &DepositAddress{}
	err := b.db.QueryRowContext(ctx, `
		SELECT user_id, chain, address, derivation_index, scan_from_height, created_at
		FROM deposit_addresses
		WHERE user_id = $1 AND chain = $2`,
		userID, chain,
	).Scan(&addr.UserID, &addr.Chain, &addr.Address, &addr.DerivationIndex, &addr.ScanFromHeight, &addr.CreatedAt)
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func (b *AddressBook) allocate(ctx context.Context, userID, chain string) (*DepositAddress, error) {
	var nextIndex uint32
	err := b.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(derivation_index), -1) + 1
		FROM deposit_addresses
		WHERE chain = $1`,
		chain,
	).Scan(&nextIndex)
	if err != nil {
		return nil, fmt.Errorf("wallet: next index for %s: %w", chain, err)
	}

	w, err := b.deriver.Derive(nextIndex)
	if err != nil {
		return nil, err
	}

	var scanFrom *int64
	if src, ok := b.heights[chain]; ok && src != nil {
		if h, err := src.BlockHeight(ctx); err != nil {
			// Best effort: the hint only narrows the scanner's start point.
			b.log.Warn().Err(err).Str("chain", chain).Msg("block height for scan hint")
		} else {
			scanFrom = &h
		}
	}

	addr := &DepositAddress{
		UserID:          userID,
		Chain:           chain,
		Address:         w.Address,
		DerivationIndex: nextIndex,
		ScanFromHeight:  scanFrom,
	}

	err = b.db.QueryRowContext(ctx, `
		INSERT INTO deposit_addresses (user_id, chain, address, derivation_index, scan_from_height)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		userID, chain, w.Address, nextIndex, scanFrom,
	).Scan(&addr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("wallet: insert deposit address: %w", err)
	}

	if b.metrics != nil {
		b.metrics.AddressesIssued.WithLabelValues(chain).Inc()
	}
	b.log.Info().
		Str("user_id", userID).
		Str("chain", chain).
		Str("address", w.Address).
		Uint32("index", nextIndex).
		Msg("deposit address issued")

	return addr, nil
}

// acquireWithRetry spins briefly on lock contention. Allocation critical
// sections are milliseconds, so a short bounded wait beats failing the call.
func (b *AddressBook) acquireWithRetry(ctx context.Context, key, holder string) error {
	const maxWait = 5 * time.Second
	deadline := time.Now().Add(maxWait)

	for {
		err := b.locks.TryAcquire(ctx, key, holder, b.lockTTL)
		if err == nil {
			return nil
		}
		var held *joblock.ErrLockHeld
		if !errors.As(err, &held) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wallet: allocation lock busy: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ListByChain returns all deposit addresses for a chain, oldest first. The
// sweeper iterates this set.
func (b *AddressBook) ListByChain(ctx context.Context, chain string) ([]*DepositAddress, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT user_id, chain, address, derivation_index, scan_from_height, created_at
		FROM deposit_addresses
		WHERE chain = $1
		ORDER BY derivation_index`,
		chain,
	)
	if err != nil {
		return nil, fmt.Errorf("wallet: list addresses for %s: %w", chain, err)
	}
	defer rows.Close()

	var addrs []*DepositAddress
	for rows.Next() {
		a := &DepositAddress{}
		if err := rows.Scan(&a.UserID, &a.Chain, &a.Address, &a.DerivationIndex, &a.ScanFromHeight, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallet: scan address: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}
