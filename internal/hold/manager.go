package hold

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/persistence"
)

// Manager creates and settles holds. All methods take a Querier so hold
// transitions commit atomically with the business operation driving them.
type Manager struct {
	metrics *observability.Metrics
}

func NewManager(metrics *observability.Metrics) *Manager {
	return &Manager{metrics: metrics}
}

// Create inserts an active hold for the given account and amount.
func (m *Manager) Create(ctx context.Context, q persistence.Querier, accountID uuid.UUID, assetID string, amount decimal.Decimal) (*Hold, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	h := &Hold{
		ID:              uuid.New(),
		AccountID:       accountID,
		AssetID:         assetID,
		Amount:          amount,
		RemainingAmount: amount,
		Status:          StatusActive,
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO holds (id, account_id, asset_id, amount, remaining_amount, status)
		VALUES ($1, $2, $3, $4, $4, 'active')
		RETURNING created_at, updated_at`,
		h.ID, h.AccountID, h.AssetID, h.Amount.String(),
	).Scan(&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("hold: create: %w", err)
	}

	if m.metrics != nil {
		m.metrics.HoldsCreated.Inc()
	}
	return h, nil
}

// Get loads a hold by id.
func (m *Manager) Get(ctx context.Context, q persistence.Querier, id uuid.UUID) (*Hold, error) {
	h := &Hold{}
	var amount, remaining string
	err := q.QueryRowContext(ctx, `
		SELECT id, account_id, asset_id, amount, remaining_amount, status, created_at, updated_at
		FROM holds
		WHERE id = $1`,
		id,
	).Scan(&h.ID, &h.AccountID, &h.AssetID, &amount, &remaining, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hold: get: %w", err)
	}

	if h.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("hold: parse amount %q: %w", amount, err)
	}
	if h.RemainingAmount, err = decimal.NewFromString(remaining); err != nil {
		return nil, fmt.Errorf("hold: parse remaining %q: %w", remaining, err)
	}
	return h, nil
}

// Release transitions active -> released, making the reserved funds available
// again. Releasing an already-terminal hold is a no-op, so retried callers are
// safe; the hold's current state is returned either way.
func (m *Manager) Release(ctx context.Context, q persistence.Querier, id uuid.UUID) (*Hold, error) {
	transitioned, err := m.transition(ctx, q, id, StatusReleased, false)
	if err != nil {
		return nil, err
	}
	if transitioned && m.metrics != nil {
		m.metrics.HoldsReleased.Inc()
	}
	return m.Get(ctx, q, id)
}

// Consume transitions active -> consumed and zeroes the remaining amount.
// Used once the journal entry carrying the actual debit has posted, at which
// point the reservation is redundant. Idempotent like Release.
func (m *Manager) Consume(ctx context.Context, q persistence.Querier, id uuid.UUID) (*Hold, error) {
	transitioned, err := m.transition(ctx, q, id, StatusConsumed, true)
	if err != nil {
		return nil, err
	}
	if transitioned && m.metrics != nil {
		m.metrics.HoldsConsumed.Inc()
	}
	return m.Get(ctx, q, id)
}

// transition performs the conditional update. The WHERE status = 'active'
// filter is what guarantees a hold never leaves active more than once.
func (m *Manager) transition(ctx context.Context, q persistence.Querier, id uuid.UUID, to Status, zeroRemaining bool) (bool, error) {
	query := `UPDATE holds SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'active'`
	if zeroRemaining {
		query = `UPDATE holds SET status = $2, remaining_amount = 0, updated_at = NOW() WHERE id = $1 AND status = 'active'`
	}

	res, err := q.ExecContext(ctx, query, id, to)
	if err != nil {
		return false, fmt.Errorf("hold: transition to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("hold: rows affected: %w", err)
	}
	return n == 1, nil
}
