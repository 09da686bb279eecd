package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/persistence"
)

// pqUniqueViolation is the Postgres error code for unique constraint violations.
const pqUniqueViolation = "23505"

// Repository persists journal entries and derives balances. All write methods
// take a Querier so they run inside the caller's transaction.
type Repository struct {
	metrics *observability.Metrics
}

func NewRepository(metrics *observability.Metrics) *Repository {
	return &Repository{metrics: metrics}
}

// GetOrCreateAccount returns the account for (userID, assetID), creating it on
// first use. Accounts are never deleted.
func (r *Repository) GetOrCreateAccount(ctx context.Context, q persistence.Querier, userID, assetID string) (*Account, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, asset_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, asset_id) DO NOTHING`,
		uuid.New(), userID, assetID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: create account: %w", err)
	}

	acct := &Account{}
	err = q.QueryRowContext(ctx, `
		SELECT id, user_id, asset_id, created_at
		FROM accounts
		WHERE user_id = $1 AND asset_id = $2`,
		userID, assetID,
	).Scan(&acct.ID, &acct.UserID, &acct.AssetID, &acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: load account: %w", err)
	}
	return acct, nil
}

// GetAccount returns the account for (userID, assetID) or sql.ErrNoRows.
func (r *Repository) GetAccount(ctx context.Context, q persistence.Querier, userID, assetID string) (*Account, error) {
	acct := &Account{}
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, asset_id, created_at
		FROM accounts
		WHERE user_id = $1 AND asset_id = $2`,
		userID, assetID,
	).Scan(&acct.ID, &acct.UserID, &acct.AssetID, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// PostEntry validates and inserts an entry with its lines. Returns
// ErrDuplicateReference when the reference was already posted; callers
// reusing a reference for a retried operation must treat that as success.
func (r *Repository) PostEntry(ctx context.Context, q persistence.Querier, e *Entry) error {
	if err := e.Validate(); err != nil {
		if r.metrics != nil {
			r.metrics.EntriesRejected.WithLabelValues(e.Type, "invalid").Inc()
		}
		return err
	}

	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("ledger: marshal metadata: %w", err)
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO journal_entries (id, entry_type, reference, metadata)
		VALUES ($1, $2, $3, $4)`,
		e.ID, e.Type, e.Reference, meta,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			if r.metrics != nil {
				r.metrics.EntriesRejected.WithLabelValues(e.Type, "duplicate_reference").Inc()
			}
			return fmt.Errorf("%w: %s", ErrDuplicateReference, e.Reference)
		}
		return fmt.Errorf("ledger: insert entry: %w", err)
	}

	for _, l := range e.Lines {
		_, err := q.ExecContext(ctx, `
			INSERT INTO journal_lines (id, entry_id, account_id, asset_id, amount)
			VALUES ($1, $2, $3, $4, $5)`,
			l.ID, e.ID, l.AccountID, l.AssetID, l.Amount.String(),
		)
		if err != nil {
			return fmt.Errorf("ledger: insert line: %w", err)
		}
	}

	if r.metrics != nil {
		r.metrics.EntriesPosted.WithLabelValues(e.Type).Inc()
	}
	return nil
}

// GetEntryByReference loads an entry (without lines) by its idempotency
// reference, or sql.ErrNoRows.
func (r *Repository) GetEntryByReference(ctx context.Context, q persistence.Querier, reference string) (*Entry, error) {
	e := &Entry{}
	var meta []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, entry_type, reference, metadata, created_at
		FROM journal_entries
		WHERE reference = $1`,
		reference,
	).Scan(&e.ID, &e.Type, &e.Reference, &meta, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal metadata: %w", err)
		}
	}
	return e, nil
}

// GetEntryLines loads the lines of an entry in insertion order.
func (r *Repository) GetEntryLines(ctx context.Context, q persistence.Querier, entryID uuid.UUID) ([]Line, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, entry_id, account_id, asset_id, amount
		FROM journal_lines
		WHERE entry_id = $1
		ORDER BY id`,
		entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: load lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		var amount string
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountID, &l.AssetID, &amount); err != nil {
			return nil, fmt.Errorf("ledger: scan line: %w", err)
		}
		if l.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger: parse line amount %q: %w", amount, err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// LockAccount takes the account's row lock for the rest of the transaction.
// Any balance check that gates a write must run under this lock, otherwise two
// concurrent transactions both read the pre-write balance and both pass.
func (r *Repository) LockAccount(ctx context.Context, q persistence.Querier, accountID uuid.UUID) error {
	var id uuid.UUID
	err := q.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, accountID,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("ledger: lock account %s: %w", accountID, err)
	}
	return nil
}

// PostedBalance sums all posted journal lines for an account.
func (r *Repository) PostedBalance(ctx context.Context, q persistence.Querier, accountID uuid.UUID) (decimal.Decimal, error) {
	var s string
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM journal_lines
		WHERE account_id = $1`,
		accountID,
	).Scan(&s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: posted balance: %w", err)
	}
	return decimal.NewFromString(s)
}

// AvailableBalance returns posted sum minus the remaining amounts of active
// holds. It is a pure read: there is no cached balance counter to drift.
func (r *Repository) AvailableBalance(ctx context.Context, q persistence.Querier, accountID uuid.UUID) (decimal.Decimal, error) {
	start := time.Now()

	var posted, held string
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(amount) FROM journal_lines WHERE account_id = $1), 0),
			COALESCE((SELECT SUM(remaining_amount) FROM holds WHERE account_id = $1 AND status = 'active'), 0)`,
		accountID,
	).Scan(&posted, &held)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: available balance: %w", err)
	}

	postedDec, err := decimal.NewFromString(posted)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse posted sum %q: %w", posted, err)
	}
	heldDec, err := decimal.NewFromString(held)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse held sum %q: %w", held, err)
	}

	if r.metrics != nil {
		r.metrics.BalanceQueryDur.Observe(time.Since(start).Seconds())
	}
	return postedDec.Sub(heldDec), nil
}

// IsNoRows reports whether err is the driver's "no rows" sentinel. Small
// convenience so service packages do not import database/sql just for this.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
