package transfer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"CustodyLedger/internal/config"
)

var tenThousand = decimal.NewFromInt(10_000)

// FeeSchedule computes transfer fees in basis points with min/max clamps and
// a treasury/burn split. A zero MaxFee means "no cap".
type FeeSchedule struct {
	TransferBps int64
	BurnBps     int64
	MinFee      decimal.Decimal
	MaxFee      decimal.Decimal
	// GasFallback is charged in the transfer asset when gas sponsorship is
	// unavailable for the request.
	GasFallback decimal.Decimal
}

// NewFeeSchedule parses the configured decimal strings. config.Load already
// validated them; errors here mean the schedule was built by hand.
func NewFeeSchedule(cfg config.FeeConfig) (*FeeSchedule, error) {
	min, err := decimal.NewFromString(cfg.MinFee)
	if err != nil {
		return nil, fmt.Errorf("transfer: min fee: %w", err)
	}
	max, err := decimal.NewFromString(cfg.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("transfer: max fee: %w", err)
	}
	gas, err := decimal.NewFromString(cfg.GasFallback)
	if err != nil {
		return nil, fmt.Errorf("transfer: gas fallback: %w", err)
	}
	if cfg.BurnBps < 0 || cfg.BurnBps > 10_000 {
		return nil, fmt.Errorf("transfer: burn bps %d out of range", cfg.BurnBps)
	}
	return &FeeSchedule{
		TransferBps: cfg.TransferBps,
		BurnBps:     cfg.BurnBps,
		MinFee:      min,
		MaxFee:      max,
		GasFallback: gas,
	}, nil
}

// Quote returns the fee for a transfer amount: amount × bps / 10000, clamped
// to [MinFee, MaxFee].
func (s *FeeSchedule) Quote(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(decimal.NewFromInt(s.TransferBps)).Div(tenThousand)
	if fee.LessThan(s.MinFee) {
		fee = s.MinFee
	}
	if s.MaxFee.Sign() > 0 && fee.GreaterThan(s.MaxFee) {
		fee = s.MaxFee
	}
	return fee
}

// Split divides a fee between treasury and burn by the burn bps. The treasury
// takes the remainder, so the two parts always sum exactly to the fee.
func (s *FeeSchedule) Split(fee decimal.Decimal) (treasury, burn decimal.Decimal) {
	burn = fee.Mul(decimal.NewFromInt(s.BurnBps)).Div(tenThousand)
	return fee.Sub(burn), burn
}
