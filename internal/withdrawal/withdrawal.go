package withdrawal

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status values form a strict state machine:
//
//	requested -> approved -> broadcasted -> {confirmed | failed}
//	requested/approved -> canceled
//
// Rows only ever move forward; the broadcast transition is taken by exactly
// one worker via a conditional update.
type Status string

const (
	StatusRequested   Status = "requested"
	StatusApproved    Status = "approved"
	StatusBroadcasted Status = "broadcasted"
	StatusConfirmed   Status = "confirmed"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
)

var (
	// ErrNotFound means no withdrawal exists with the given id.
	ErrNotFound = errors.New("withdrawal: not found")
	// ErrInvalidAmount means the requested amount is not strictly positive.
	ErrInvalidAmount = errors.New("withdrawal: amount must be positive")
	// ErrInvalidDestination means the destination address failed validation.
	// This is rejected before any hold is created.
	ErrInvalidDestination = errors.New("withdrawal: invalid destination address")
	// ErrNotCancelable means cancellation was attempted after broadcast began.
	ErrNotCancelable = errors.New("withdrawal: no longer cancelable")
	// ErrNotApprovable means approval was attempted outside the requested state.
	ErrNotApprovable = errors.New("withdrawal: not in requested state")
)

// Withdrawal is one on-chain payout request.
type Withdrawal struct {
	ID            uuid.UUID
	UserID        string
	Chain         string
	Symbol        string
	Amount        decimal.Decimal
	Destination   string
	HoldID        uuid.UUID
	Status        Status
	TxHash        *string
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AssetID is the ledger asset identifier for this withdrawal.
func (w *Withdrawal) AssetID() string {
	return w.Chain + ":" + w.Symbol
}

// Terminal reports whether the withdrawal can no longer change state.
func (w *Withdrawal) Terminal() bool {
	switch w.Status {
	case StatusConfirmed, StatusFailed, StatusCanceled:
		return true
	}
	return false
}
