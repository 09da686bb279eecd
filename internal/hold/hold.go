package hold

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status of a hold. A hold leaves "active" at most once.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusConsumed Status = "consumed"
)

var (
	// ErrNotFound means no hold exists with the given id.
	ErrNotFound = errors.New("hold: not found")
	// ErrInvalidAmount means a hold was requested for a non-positive amount.
	ErrInvalidAmount = errors.New("hold: amount must be positive")
)

// Hold reserves part of an account's balance against an in-flight operation.
// Available balance subtracts RemainingAmount while Status is active.
type Hold struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	AssetID         string
	Amount          decimal.Decimal
	RemainingAmount decimal.Decimal
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the hold has left the active state.
func (h *Hold) Terminal() bool {
	return h.Status != StatusActive
}
