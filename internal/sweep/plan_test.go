package sweep

import (
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/asset"
	"CustodyLedger/internal/chain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testTokens() []*asset.Asset {
	return []*asset.Asset{
		{Chain: "BSC", Symbol: "USDC", Contract: "0xusdc", Decimals: 18, Enabled: true},
		{Chain: "BSC", Symbol: "USDT", Contract: "0xusdt", Decimals: 18, Enabled: true},
	}
}

// ============================================================================
// Test: plan
// ============================================================================

func TestPlan_TopUpCoversExactDeficit(t *testing.T) {
	b := &balances{
		native: dec("0.0001"),
		tokens: map[string]decimal.Decimal{"USDT": dec("250")},
	}
	gasPrice := dec("0.000000005") // 5 gwei
	actions := plan(b, testTokens(), gasPrice, 65000, 0, dec("0.000001"), "0xaddr")

	// One token to sweep: gas cost = 5e-9 * 65000 = 0.000325. Native holds
	// 0.0001, so the topup is the 0.000225 deficit.
	if len(actions) != 2 {
		t.Fatalf("want [topup, sweep_token], got %d actions: %+v", len(actions), actions)
	}
	if actions[0].Kind != ActionTopUp {
		t.Fatalf("first action = %s, want topup", actions[0].Kind)
	}
	if !actions[0].Amount.Equal(dec("0.000225")) {
		t.Errorf("topup = %s, want 0.000225", actions[0].Amount)
	}
	if actions[1].Kind != ActionSweepToken || actions[1].Symbol != "USDT" {
		t.Errorf("second action = %+v, want USDT token sweep", actions[1])
	}
	if !actions[1].Amount.Equal(dec("250")) {
		t.Errorf("token sweep = %s, want 250", actions[1].Amount)
	}
}

func TestPlan_MarginInflatesTopUp(t *testing.T) {
	b := &balances{
		native: decimal.Zero,
		tokens: map[string]decimal.Decimal{"USDT": dec("10")},
	}
	gasPrice := dec("0.000000005")
	actions := plan(b, testTokens(), gasPrice, 65000, 10, dec("0.000001"), "0xaddr")

	// 0.000325 * 1.10 = 0.0003575
	if actions[0].Kind != ActionTopUp {
		t.Fatalf("first action = %s, want topup", actions[0].Kind)
	}
	if !actions[0].Amount.Equal(dec("0.0003575")) {
		t.Errorf("topup with 10%% margin = %s, want 0.0003575", actions[0].Amount)
	}
}

func TestPlan_NoTopUpWhenNativeCovers(t *testing.T) {
	b := &balances{
		native: dec("1"),
		tokens: map[string]decimal.Decimal{"USDC": dec("5"), "USDT": dec("7")},
	}
	gasPrice := dec("0.000000005")
	actions := plan(b, testTokens(), gasPrice, 65000, 5, dec("0.000001"), "0xaddr")

	for _, a := range actions {
		if a.Kind == ActionTopUp {
			t.Fatalf("unexpected topup: %+v", a)
		}
	}
	// Both tokens swept, then the native remainder.
	if len(actions) != 3 {
		t.Fatalf("want 2 token sweeps + native sweep, got %+v", actions)
	}
	last := actions[len(actions)-1]
	if last.Kind != ActionSweepNative {
		t.Fatalf("last action = %s, want sweep_native", last.Kind)
	}

	// remaining = 1 - 2*65000*5e-9*1.05, minus one 21000-gas native transfer.
	tokenGas := dec("0.0006825")
	nativeGas := dec("0.000105")
	want := dec("1").Sub(tokenGas).Sub(nativeGas)
	if !last.Amount.Equal(want) {
		t.Errorf("native sweep = %s, want %s", last.Amount, want)
	}
}

func TestPlan_NativeOnlyAddress(t *testing.T) {
	b := &balances{native: dec("0.5"), tokens: map[string]decimal.Decimal{}}
	gasPrice := dec("0.00000001")
	actions := plan(b, testTokens(), gasPrice, 65000, 5, dec("0.000001"), "0xaddr")

	if len(actions) != 1 || actions[0].Kind != ActionSweepNative {
		t.Fatalf("want a single native sweep, got %+v", actions)
	}
	// 0.5 minus the 21000-gas transfer cost, no token gas reserved.
	if !actions[0].Amount.Equal(dec("0.49979")) {
		t.Errorf("native sweep = %s, want 0.49979", actions[0].Amount)
	}
}

func TestPlan_DustBelowMinSweepIgnored(t *testing.T) {
	b := &balances{native: dec("0.00021001"), tokens: map[string]decimal.Decimal{}}
	gasPrice := dec("0.00000001") // native transfer costs 0.00021

	actions := plan(b, testTokens(), gasPrice, 65000, 0, dec("0.0001"), "0xaddr")
	if len(actions) != 0 {
		t.Fatalf("sweepable remainder is dust, want no actions, got %+v", actions)
	}
}

// ============================================================================
// Test: inspect
// ============================================================================

// balanceClient serves scripted balances.
type balanceClient struct {
	native decimal.Decimal
	byCtr  map[string]decimal.Decimal
	err    error
}

func (c *balanceClient) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return c.native, c.err
}

func (c *balanceClient) TokenBalance(ctx context.Context, contract, address string) (decimal.Decimal, error) {
	if c.err != nil {
		return decimal.Zero, c.err
	}
	return c.byCtr[contract], nil
}

func (c *balanceClient) SendNative(ctx context.Context, key *btcec.PrivateKey, to string, amount decimal.Decimal) (*chain.TxReceipt, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *balanceClient) SendToken(ctx context.Context, key *btcec.PrivateKey, contract, to string, amount decimal.Decimal) (*chain.TxReceipt, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *balanceClient) WaitConfirmation(ctx context.Context, txHash string) (*chain.TxReceipt, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *balanceClient) BlockHeight(ctx context.Context) (int64, error) { return 0, nil }

func (c *balanceClient) GasPrice(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func TestInspect_OmitsZeroTokenBalances(t *testing.T) {
	client := &balanceClient{
		native: dec("0.3"),
		byCtr:  map[string]decimal.Decimal{"0xusdt": dec("12")},
	}

	b, err := inspect(context.Background(), client, "0xaddr", testTokens())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !b.native.Equal(dec("0.3")) {
		t.Errorf("native = %s, want 0.3", b.native)
	}
	if len(b.tokens) != 1 {
		t.Fatalf("zero balances must be omitted, got %v", b.tokens)
	}
	if !b.tokens["USDT"].Equal(dec("12")) {
		t.Errorf("USDT = %s, want 12", b.tokens["USDT"])
	}
}

func TestInspect_PropagatesErrors(t *testing.T) {
	client := &balanceClient{err: fmt.Errorf("%w: boom", chain.ErrUnavailable)}
	if _, err := inspect(context.Background(), client, "0xaddr", testTokens()); err == nil {
		t.Fatal("expected error from failing client")
	}
}

func TestBalancesEmpty(t *testing.T) {
	b := &balances{native: dec("0.0000005"), tokens: map[string]decimal.Decimal{}}
	if !b.empty(dec("0.000001")) {
		t.Error("dust-only address should be empty")
	}
	b.tokens["USDT"] = dec("1")
	if b.empty(dec("0.000001")) {
		t.Error("address with a token balance is not empty")
	}
}
