package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry types. Each type documents the shape of its metadata map in the
// package that posts it.
const (
	EntryTypeUserTransfer         = "user_transfer"
	EntryTypeUserTransferReversal = "user_transfer_reversal"
	EntryTypeFeeDistribution      = "fee_distribution"
	EntryTypeWithdrawalSettlement = "withdrawal_settlement"
	EntryTypeDepositSweep         = "deposit_sweep"
	EntryTypeGasSpend             = "gas_spend"
	EntryTypeAdjustment           = "adjustment"
)

var (
	// ErrUnbalancedEntry means the lines of an entry do not net to zero per asset.
	ErrUnbalancedEntry = errors.New("ledger: unbalanced entry")
	// ErrDuplicateReference means an entry with the same idempotency reference
	// already exists. Callers re-driving the same logical operation treat this
	// as "already applied".
	ErrDuplicateReference = errors.New("ledger: duplicate reference")
	// ErrEmptyEntry means the entry has no lines.
	ErrEmptyEntry = errors.New("ledger: entry has no lines")
	// ErrInsufficientBalance means an operation would overdraw an account's
	// available balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")
)

// Account is a (user, asset) pair. It stores no balance: balances are always
// derived from journal lines and active holds.
type Account struct {
	ID        uuid.UUID
	UserID    string
	AssetID   string
	CreatedAt time.Time
}

// Line is one signed movement on an account. Lines are immutable once posted.
type Line struct {
	ID        uuid.UUID
	EntryID   uuid.UUID
	AccountID uuid.UUID
	AssetID   string
	Amount    decimal.Decimal
}

// Entry groups lines that must net to zero per asset. Reference is the
// idempotency key of the operation that produced the entry.
type Entry struct {
	ID        uuid.UUID
	Type      string
	Reference string
	Metadata  map[string]string
	Lines     []Line
	CreatedAt time.Time
}

// NewEntry builds an entry with fresh IDs for itself and its lines.
func NewEntry(entryType, reference string, lines []Line) *Entry {
	e := &Entry{
		ID:        uuid.New(),
		Type:      entryType,
		Reference: reference,
		Lines:     lines,
	}
	for i := range e.Lines {
		e.Lines[i].ID = uuid.New()
		e.Lines[i].EntryID = e.ID
	}
	return e
}

// Validate ensures the entry is well-formed before it touches the database:
// at least one line, no zero-amount lines, and Σ amount == 0 per asset.
func (e *Entry) Validate() error {
	if len(e.Lines) == 0 {
		return ErrEmptyEntry
	}
	if e.Reference == "" {
		return fmt.Errorf("ledger: entry %s has empty reference", e.ID)
	}

	sums := make(map[string]decimal.Decimal, 2)
	for _, l := range e.Lines {
		if l.Amount.IsZero() {
			return fmt.Errorf("ledger: entry %s has zero-amount line for account %s", e.ID, l.AccountID)
		}
		sums[l.AssetID] = sums[l.AssetID].Add(l.Amount)
	}

	for asset, sum := range sums {
		if !sum.IsZero() {
			return fmt.Errorf("%w: asset %s nets to %s in entry %s",
				ErrUnbalancedEntry, asset, sum.String(), e.ID)
		}
	}
	return nil
}
