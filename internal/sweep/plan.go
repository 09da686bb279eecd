package sweep

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"CustodyLedger/internal/asset"
	"CustodyLedger/internal/chain"
)

// nativeTransferGas is the gas used by a plain native-coin transfer on EVM
// chains. Token transfers use the configured per-transfer gas instead.
const nativeTransferGas = 21_000

// ActionKind classifies one intended or executed sweep step.
type ActionKind string

const (
	ActionTopUp       ActionKind = "topup"
	ActionSweepToken  ActionKind = "sweep_token"
	ActionSweepNative ActionKind = "sweep_native"
)

// Action is one step of a sweep plan. TxHash is set only in execute mode.
type Action struct {
	Kind    ActionKind
	Address string
	Symbol  string
	Amount  decimal.Decimal
	TxHash  string
}

// balances is the inspection result for one deposit address.
type balances struct {
	native decimal.Decimal
	tokens map[string]decimal.Decimal // symbol -> balance, zero entries omitted
}

func (b *balances) empty(minSweep decimal.Decimal) bool {
	return len(b.tokens) == 0 && b.native.LessThanOrEqual(minSweep)
}

// inspect queries the native balance and every configured token balance for
// one address in parallel.
func inspect(ctx context.Context, client chain.Client, address string, tokens []*asset.Asset) (*balances, error) {
	out := &balances{tokens: make(map[string]decimal.Decimal)}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := client.NativeBalance(gctx, address)
		if err != nil {
			return fmt.Errorf("native balance: %w", err)
		}
		out.native = n
		return nil
	})

	results := make([]decimal.Decimal, len(tokens))
	for i, tok := range tokens {
		i, tok := i, tok
		g.Go(func() error {
			bal, err := client.TokenBalance(gctx, tok.Contract, address)
			if err != nil {
				return fmt.Errorf("token balance %s: %w", tok.Symbol, err)
			}
			results[i] = bal
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, tok := range tokens {
		if results[i].Sign() > 0 {
			out.tokens[tok.Symbol] = results[i]
		}
	}
	return out, nil
}

// plan computes the exact steps to drain one address to dust.
//
// Gas math: sweeping N tokens costs N × gasPerTransfer units. If the address
// holds less native than that cost (plus the configured margin), it is topped
// up with exactly the deficit. After the token sweeps, all remaining native is
// swept minus the exact cost of one more native transfer. No fixed reserve
// threshold.
func plan(b *balances, tokens []*asset.Asset, gasPrice decimal.Decimal, gasPerTransfer, marginPct int64, minSweep decimal.Decimal, address string) []Action {
	var actions []Action

	tokenCount := int64(len(b.tokens))
	tokenGasCost := decimal.Zero
	if tokenCount > 0 {
		tokenGasCost = gasPrice.
			Mul(decimal.NewFromInt(gasPerTransfer)).
			Mul(decimal.NewFromInt(tokenCount)).
			Mul(decimal.NewFromInt(100 + marginPct)).
			Div(decimal.NewFromInt(100))
	}

	remaining := b.native
	if tokenCount > 0 && b.native.LessThan(tokenGasCost) {
		deficit := tokenGasCost.Sub(b.native)
		actions = append(actions, Action{Kind: ActionTopUp, Address: address, Amount: deficit})
		remaining = remaining.Add(deficit)
	}

	for _, tok := range tokens {
		bal, ok := b.tokens[tok.Symbol]
		if !ok {
			continue
		}
		actions = append(actions, Action{Kind: ActionSweepToken, Address: address, Symbol: tok.Symbol, Amount: bal})
	}

	remaining = remaining.Sub(tokenGasCost)

	nativeCost := gasPrice.Mul(decimal.NewFromInt(nativeTransferGas))
	sweepable := remaining.Sub(nativeCost)
	if sweepable.GreaterThan(minSweep) {
		actions = append(actions, Action{Kind: ActionSweepNative, Address: address, Amount: sweepable})
	}

	return actions
}
