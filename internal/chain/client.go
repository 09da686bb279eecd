package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
)

// ErrUnavailable wraps transport-level RPC failures. Callers treat it as
// retryable; permanent chain rejections come back as plain errors.
var ErrUnavailable = errors.New("chain: endpoint unavailable")

// TxReceipt is the result of a submitted transfer.
type TxReceipt struct {
	TxHash      string
	BlockHeight int64
	GasUsed     decimal.Decimal
}

// Client is the per-network chain boundary the engine consumes. Implementations
// live outside this module (JSON-RPC adapters, simulators); the engine only
// depends on this interface.
type Client interface {
	// NativeBalance returns the native-coin balance of an address.
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
	// TokenBalance returns the balance of a token contract for an address.
	TokenBalance(ctx context.Context, contract, address string) (decimal.Decimal, error)
	// SendNative signs and submits a native-coin transfer.
	SendNative(ctx context.Context, key *btcec.PrivateKey, to string, amount decimal.Decimal) (*TxReceipt, error)
	// SendToken signs and submits a token transfer.
	SendToken(ctx context.Context, key *btcec.PrivateKey, contract, to string, amount decimal.Decimal) (*TxReceipt, error)
	// WaitConfirmation blocks until the transaction is confirmed or ctx
	// expires. A timeout is not a terminal failure: the tx may still land.
	WaitConfirmation(ctx context.Context, txHash string) (*TxReceipt, error)
	// BlockHeight returns the current chain height.
	BlockHeight(ctx context.Context) (int64, error)
	// GasPrice returns the current native-denominated price of one gas unit.
	GasPrice(ctx context.Context) (decimal.Decimal, error)
}
