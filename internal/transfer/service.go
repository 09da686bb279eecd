package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/asset"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/outbox"
)

// System user ids for the fee-distribution accounts.
const (
	TreasuryUserID = "system:treasury"
	BurnUserID     = "system:burn"
)

var (
	// ErrInvalidAmount means the transfer amount is not strictly positive.
	ErrInvalidAmount = errors.New("transfer: amount must be positive")
	// ErrSameParty means sender and recipient are the same user.
	ErrSameParty = errors.New("transfer: sender and recipient are the same")
	// ErrNotFound means no transfer exists with the given reference.
	ErrNotFound = errors.New("transfer: not found")
	// ErrNotReversible means the referenced entry is not a user transfer.
	ErrNotReversible = errors.New("transfer: entry is not a reversible transfer")
)

// Request describes an internal (off-chain) transfer between two users.
type Request struct {
	// Reference is the caller's idempotency key. Retries MUST reuse it.
	Reference string
	FromUser  string
	ToUser    string
	AssetID   string
	Amount    decimal.Decimal
	// UseBoost consumes one fee-discount inventory item, waiving the bps fee.
	UseBoost bool
	// GasSponsored skips the gas-fallback charge.
	GasSponsored bool
}

// Result reports what was (or had already been) posted.
type Result struct {
	EntryID        uuid.UUID
	Reference      string
	Amount         decimal.Decimal
	Fee            decimal.Decimal
	GasCharge      decimal.Decimal
	BoostConsumed  bool
	AlreadyApplied bool
}

// Service builds balanced journal entries for internal transfers and their
// reversals. Everything for one request happens in a single transaction with
// the same idempotent-reference discipline as the rest of the ledger.
type Service struct {
	db       *sql.DB
	ledgers  *ledger.Repository
	registry *asset.Registry
	events   *outbox.Repository
	fees     *FeeSchedule
	log      zerolog.Logger
}

func NewService(db *sql.DB, ledgers *ledger.Repository, registry *asset.Registry, events *outbox.Repository, fees *FeeSchedule, log zerolog.Logger) *Service {
	return &Service{db: db, ledgers: ledgers, registry: registry, events: events, fees: fees, log: log}
}

// Request executes a transfer: principal entry (sender debit, recipient
// credit) plus, when any fee or gas charge applies, a fee-distribution entry
// split between treasury and burn. A duplicate reference returns the
// originally posted result with AlreadyApplied set, never an error.
func (s *Service) Request(ctx context.Context, req Request) (*Result, error) {
	if req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.FromUser == req.ToUser {
		return nil, ErrSameParty
	}
	// Unknown assets are rejected before anything is written; an account for a
	// nonexistent asset must never come into being.
	if _, err := s.registry.LookupID(ctx, req.AssetID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := s.execute(ctx, tx, req)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			// Retried request: report the original outcome.
			return s.priorResult(ctx, req.Reference)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("transfer: commit: %w", err)
	}

	s.log.Info().
		Str("reference", req.Reference).
		Str("from", req.FromUser).
		Str("to", req.ToUser).
		Str("asset", req.AssetID).
		Str("amount", req.Amount.String()).
		Str("fee", res.Fee.String()).
		Msg("transfer posted")
	return res, nil
}

func (s *Service) execute(ctx context.Context, tx *sql.Tx, req Request) (*Result, error) {
	from, err := s.ledgers.GetOrCreateAccount(ctx, tx, req.FromUser, req.AssetID)
	if err != nil {
		return nil, err
	}
	to, err := s.ledgers.GetOrCreateAccount(ctx, tx, req.ToUser, req.AssetID)
	if err != nil {
		return nil, err
	}

	fee := s.fees.Quote(req.Amount)
	boostConsumed := false
	if req.UseBoost && fee.Sign() > 0 {
		consumed, err := s.consumeBoost(ctx, tx, req.FromUser)
		if err != nil {
			return nil, err
		}
		if consumed {
			fee = decimal.Zero
			boostConsumed = true
		}
	}

	gas := decimal.Zero
	if !req.GasSponsored {
		gas = s.fees.GasFallback
	}

	charge := fee.Add(gas)
	// The balance check gates the debit, so the payer's row lock must cover
	// both. Without it two concurrent transfers each see the full balance.
	if err := s.ledgers.LockAccount(ctx, tx, from.ID); err != nil {
		return nil, err
	}
	available, err := s.ledgers.AvailableBalance(ctx, tx, from.ID)
	if err != nil {
		return nil, err
	}
	if available.LessThan(req.Amount.Add(charge)) {
		return nil, fmt.Errorf("%w: available %s, need %s",
			ledger.ErrInsufficientBalance, available.String(), req.Amount.Add(charge).String())
	}

	// Principal movement. Metadata for user_transfer: from_user, to_user.
	principal := ledger.NewEntry(ledger.EntryTypeUserTransfer, req.Reference, []ledger.Line{
		{AccountID: from.ID, AssetID: req.AssetID, Amount: req.Amount.Neg()},
		{AccountID: to.ID, AssetID: req.AssetID, Amount: req.Amount},
	})
	principal.Metadata = map[string]string{
		"from_user": req.FromUser,
		"to_user":   req.ToUser,
	}
	if err := s.ledgers.PostEntry(ctx, tx, principal); err != nil {
		return nil, err
	}

	if charge.Sign() > 0 {
		if err := s.postFeeEntry(ctx, tx, req, from.ID, fee, gas); err != nil {
			return nil, err
		}
	}

	_, err = s.events.Enqueue(ctx, tx, outbox.TopicTransferCompleted, "transfer", principal.ID.String(), map[string]string{
		"reference": req.Reference,
		"from_user": req.FromUser,
		"to_user":   req.ToUser,
		"asset_id":  req.AssetID,
		"amount":    req.Amount.String(),
		"fee":       fee.String(),
	}, time.Now())
	if err != nil {
		return nil, err
	}

	return &Result{
		EntryID:       principal.ID,
		Reference:     req.Reference,
		Amount:        req.Amount,
		Fee:           fee,
		GasCharge:     gas,
		BoostConsumed: boostConsumed,
	}, nil
}

// postFeeEntry posts the fee-distribution entry: sender pays fee+gas, the
// treasury and burn accounts receive the split (gas always goes to treasury).
func (s *Service) postFeeEntry(ctx context.Context, tx *sql.Tx, req Request, fromAccount uuid.UUID, fee, gas decimal.Decimal) error {
	treasuryShare, burnShare := s.fees.Split(fee)
	treasuryShare = treasuryShare.Add(gas)

	treasury, err := s.ledgers.GetOrCreateAccount(ctx, tx, TreasuryUserID, req.AssetID)
	if err != nil {
		return err
	}

	lines := []ledger.Line{
		{AccountID: fromAccount, AssetID: req.AssetID, Amount: fee.Add(gas).Neg()},
		{AccountID: treasury.ID, AssetID: req.AssetID, Amount: treasuryShare},
	}
	if burnShare.Sign() > 0 {
		burn, err := s.ledgers.GetOrCreateAccount(ctx, tx, BurnUserID, req.AssetID)
		if err != nil {
			return err
		}
		lines = append(lines, ledger.Line{AccountID: burn.ID, AssetID: req.AssetID, Amount: burnShare})
	}

	// Metadata for fee_distribution: transfer_reference, fee, gas.
	entry := ledger.NewEntry(ledger.EntryTypeFeeDistribution, req.Reference+":fee", lines)
	entry.Metadata = map[string]string{
		"transfer_reference": req.Reference,
		"fee":                fee.String(),
		"gas":                gas.String(),
	}
	return s.ledgers.PostEntry(ctx, tx, entry)
}

// consumeBoost atomically decrements one fee-discount item. The remaining > 0
// filter is what keeps the inventory from going negative under concurrency.
func (s *Service) consumeBoost(ctx context.Context, tx *sql.Tx, userID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE fee_discounts
		SET remaining = remaining - 1, updated_at = NOW()
		WHERE user_id = $1 AND remaining > 0`,
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("transfer: consume boost: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transfer: boost rows affected: %w", err)
	}
	return n == 1, nil
}

// Reverse posts an equal-and-opposite entry against an earlier transfer. The
// reversal reference is derived from the original entry id, so re-invoking it
// returns the first reversal's result instead of double-reversing.
func (s *Service) Reverse(ctx context.Context, originalReference string) (*Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: begin: %w", err)
	}
	defer tx.Rollback()

	original, err := s.ledgers.GetEntryByReference(ctx, tx, originalReference)
	if err != nil {
		if ledger.IsNoRows(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, originalReference)
		}
		return nil, err
	}
	if original.Type != ledger.EntryTypeUserTransfer {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReversible, originalReference, original.Type)
	}

	reverseRef := "reverse:" + original.ID.String()

	// A completed reversal must answer retries with its original result, so
	// the duplicate check comes before the balance check: after the first
	// reversal the recipient no longer has the funds, and re-running the check
	// would wrongly refuse the retry.
	if _, err := s.ledgers.GetEntryByReference(ctx, tx, reverseRef); err == nil {
		return s.priorResult(ctx, reverseRef)
	} else if !ledger.IsNoRows(err) {
		return nil, err
	}

	lines, err := s.ledgers.GetEntryLines(ctx, tx, original.ID)
	if err != nil {
		return nil, err
	}

	// The recipient (positive line) must still be able to give the funds back.
	var amount decimal.Decimal
	for _, l := range lines {
		if l.Amount.Sign() > 0 {
			amount = l.Amount
			if err := s.ledgers.LockAccount(ctx, tx, l.AccountID); err != nil {
				return nil, err
			}
			available, err := s.ledgers.AvailableBalance(ctx, tx, l.AccountID)
			if err != nil {
				return nil, err
			}
			if available.LessThan(l.Amount) {
				return nil, fmt.Errorf("%w: recipient has %s, reversal needs %s",
					ledger.ErrInsufficientBalance, available.String(), l.Amount.String())
			}
		}
	}

	mirror := make([]ledger.Line, len(lines))
	for i, l := range lines {
		mirror[i] = ledger.Line{AccountID: l.AccountID, AssetID: l.AssetID, Amount: l.Amount.Neg()}
	}

	// Metadata for user_transfer_reversal: original_reference, original_entry_id.
	entry := ledger.NewEntry(ledger.EntryTypeUserTransferReversal, reverseRef, mirror)
	entry.Metadata = map[string]string{
		"original_reference": originalReference,
		"original_entry_id":  original.ID.String(),
	}

	if err := s.ledgers.PostEntry(ctx, tx, entry); err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			// Already reversed: idempotent success.
			return s.priorResult(ctx, reverseRef)
		}
		return nil, err
	}

	_, err = s.events.Enqueue(ctx, tx, outbox.TopicTransferReversed, "transfer", original.ID.String(), map[string]string{
		"original_reference": originalReference,
		"reverse_reference":  reverseRef,
		"amount":             amount.String(),
	}, time.Now())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("transfer: commit: %w", err)
	}

	s.log.Info().
		Str("original_reference", originalReference).
		Str("reverse_reference", reverseRef).
		Msg("transfer reversed")

	return &Result{EntryID: entry.ID, Reference: reverseRef, Amount: amount}, nil
}

// priorResult reconstructs the Result of an already-posted entry outside the
// failed transaction.
func (s *Service) priorResult(ctx context.Context, reference string) (*Result, error) {
	entry, err := s.ledgers.GetEntryByReference(ctx, s.db, reference)
	if err != nil {
		return nil, fmt.Errorf("transfer: load prior entry %s: %w", reference, err)
	}
	lines, err := s.ledgers.GetEntryLines(ctx, s.db, entry.ID)
	if err != nil {
		return nil, err
	}

	res := &Result{EntryID: entry.ID, Reference: reference, AlreadyApplied: true}
	for _, l := range lines {
		if l.Amount.Sign() > 0 {
			res.Amount = l.Amount
			break
		}
	}

	if feeEntry, err := s.ledgers.GetEntryByReference(ctx, s.db, reference+":fee"); err == nil {
		if fee, ok := feeEntry.Metadata["fee"]; ok {
			if d, err := decimal.NewFromString(fee); err == nil {
				res.Fee = d
			}
		}
		if gas, ok := feeEntry.Metadata["gas"]; ok {
			if d, err := decimal.NewFromString(gas); err == nil {
				res.GasCharge = d
			}
		}
	}
	return res, nil
}
