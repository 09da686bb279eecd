package chain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/chain"
)

// fakeClient answers BlockHeight from a script and records which endpoint
// served each call.
type fakeClient struct {
	name   string
	err    error
	height int64
	calls  *[]string
}

func (f *fakeClient) record() {
	*f.calls = append(*f.calls, f.name)
}

func (f *fakeClient) BlockHeight(ctx context.Context) (int64, error) {
	f.record()
	return f.height, f.err
}

func (f *fakeClient) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	f.record()
	return decimal.Zero, f.err
}

func (f *fakeClient) TokenBalance(ctx context.Context, contract, address string) (decimal.Decimal, error) {
	f.record()
	return decimal.Zero, f.err
}

func (f *fakeClient) SendNative(ctx context.Context, key *btcec.PrivateKey, to string, amount decimal.Decimal) (*chain.TxReceipt, error) {
	f.record()
	return &chain.TxReceipt{TxHash: "0xfake"}, f.err
}

func (f *fakeClient) SendToken(ctx context.Context, key *btcec.PrivateKey, contract, to string, amount decimal.Decimal) (*chain.TxReceipt, error) {
	f.record()
	return &chain.TxReceipt{TxHash: "0xfake"}, f.err
}

func (f *fakeClient) WaitConfirmation(ctx context.Context, txHash string) (*chain.TxReceipt, error) {
	f.record()
	return &chain.TxReceipt{TxHash: txHash}, f.err
}

func (f *fakeClient) GasPrice(ctx context.Context) (decimal.Decimal, error) {
	f.record()
	return decimal.Zero, f.err
}

// ============================================================================
// Test: Pool failover
// ============================================================================

func TestPool_FallsThroughOnUnavailable(t *testing.T) {
	var calls []string
	bad := &fakeClient{name: "bad", err: fmt.Errorf("%w: refused", chain.ErrUnavailable), calls: &calls}
	good := &fakeClient{name: "good", height: 42, calls: &calls}

	p := chain.NewPool(nil)
	p.Add("bad", bad)
	p.Add("good", good)

	h, err := p.BlockHeight(context.Background())
	if err != nil {
		t.Fatalf("block height: %v", err)
	}
	if h != 42 {
		t.Errorf("height = %d, want 42", h)
	}
	if len(calls) != 2 || calls[0] != "bad" || calls[1] != "good" {
		t.Errorf("call order = %v, want [bad good]", calls)
	}
}

func TestPool_DefinitiveErrorDoesNotFailOver(t *testing.T) {
	var calls []string
	rejecting := &fakeClient{name: "rejecting", err: errors.New("nonce too low"), calls: &calls}
	other := &fakeClient{name: "other", calls: &calls}

	p := chain.NewPool(nil)
	p.Add("rejecting", rejecting)
	p.Add("other", other)

	_, err := p.BlockHeight(context.Background())
	if err == nil || errors.Is(err, chain.ErrAllEndpointsDown) {
		t.Fatalf("want the node's own error back, got %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("a definitive rejection must not be retried elsewhere, calls = %v", calls)
	}
}

func TestPool_DemotesFailingEndpoint(t *testing.T) {
	var calls []string
	flaky := &fakeClient{name: "flaky", err: fmt.Errorf("%w: timeout", chain.ErrUnavailable), calls: &calls}
	steady := &fakeClient{name: "steady", height: 7, calls: &calls}

	p := chain.NewPool(nil)
	p.Add("flaky", flaky)
	p.Add("steady", steady)

	// Repeated failures push flaky's score below steady's.
	for i := 0; i < 3; i++ {
		if _, err := p.BlockHeight(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	calls = calls[:0]
	if _, err := p.BlockHeight(context.Background()); err != nil {
		t.Fatalf("after demotion: %v", err)
	}
	if len(calls) != 1 || calls[0] != "steady" {
		t.Errorf("demoted endpoint should not be tried first, calls = %v", calls)
	}
}

func TestPool_AllEndpointsDown(t *testing.T) {
	var calls []string
	p := chain.NewPool(nil)
	p.Add("a", &fakeClient{name: "a", err: fmt.Errorf("%w: a", chain.ErrUnavailable), calls: &calls})
	p.Add("b", &fakeClient{name: "b", err: fmt.Errorf("%w: b", chain.ErrUnavailable), calls: &calls})

	_, err := p.BlockHeight(context.Background())
	if !errors.Is(err, chain.ErrAllEndpointsDown) {
		t.Errorf("want ErrAllEndpointsDown, got %v", err)
	}
}

func TestPool_Empty(t *testing.T) {
	p := chain.NewPool(nil)
	if _, err := p.BlockHeight(context.Background()); !errors.Is(err, chain.ErrAllEndpointsDown) {
		t.Errorf("want ErrAllEndpointsDown for empty pool, got %v", err)
	}
}
