package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/observability"
)

// Score bounds. Endpoints start at scoreMax; failures subtract failPenalty,
// successes add recoverReward. An endpoint below scoreUsable is skipped while
// any healthier one exists.
const (
	scoreMax      = 100
	scoreUsable   = 20
	failPenalty   = 25
	recoverReward = 5
)

// ErrAllEndpointsDown means every endpoint in the pool failed the call.
var ErrAllEndpointsDown = errors.New("chain: all endpoints failed")

type endpoint struct {
	name   string
	client Client
	score  int
}

// Pool is a ranked, health-scored set of Clients for one network. Calls go to
// the best-scoring endpoint first and fall through to the next on transport
// failure, so one bad endpoint degrades latency, not availability.
//
// Pool itself implements Client, so callers are indifferent to pooling.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	metrics   *observability.Metrics
}

var _ Client = (*Pool)(nil)

func NewPool(metrics *observability.Metrics) *Pool {
	return &Pool{metrics: metrics}
}

// Add registers a named endpoint at full health.
func (p *Pool) Add(name string, client Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints = append(p.endpoints, &endpoint{name: name, client: client, score: scoreMax})
}

// ranked returns endpoints ordered best-first. Unusable endpoints go last
// rather than being dropped: when everything is unhealthy we still try.
func (p *Pool) ranked() []*endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func (p *Pool) recordResult(ep *endpoint, err error) {
	p.mu.Lock()
	if err != nil {
		ep.score -= failPenalty
		if ep.score < 0 {
			ep.score = 0
		}
	} else {
		ep.score += recoverReward
		if ep.score > scoreMax {
			ep.score = scoreMax
		}
	}
	score := ep.score
	p.mu.Unlock()

	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.RPCCalls.WithLabelValues(ep.name, outcome).Inc()
		p.metrics.RPCEndpointScore.WithLabelValues(ep.name).Set(float64(score))
	}
}

// do runs fn against endpoints best-first until one succeeds. Only transport
// failures (ErrUnavailable) fall through; a definitive chain answer, success
// or rejection, is returned from the first endpoint that gives one.
func (p *Pool) do(fn func(Client) error) error {
	ranked := p.ranked()
	if len(ranked) == 0 {
		return ErrAllEndpointsDown
	}

	var lastErr error
	for i, ep := range ranked {
		if ep.score < scoreUsable && i > 0 {
			continue
		}
		err := fn(ep.client)
		p.recordResult(ep, err)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrAllEndpointsDown, lastErr)
}

func (p *Pool) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := p.do(func(c Client) error {
		var e error
		out, e = c.NativeBalance(ctx, address)
		return e
	})
	return out, err
}

func (p *Pool) TokenBalance(ctx context.Context, contract, address string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := p.do(func(c Client) error {
		var e error
		out, e = c.TokenBalance(ctx, contract, address)
		return e
	})
	return out, err
}

func (p *Pool) SendNative(ctx context.Context, key *btcec.PrivateKey, to string, amount decimal.Decimal) (*TxReceipt, error) {
	var out *TxReceipt
	err := p.do(func(c Client) error {
		var e error
		out, e = c.SendNative(ctx, key, to, amount)
		return e
	})
	return out, err
}

func (p *Pool) SendToken(ctx context.Context, key *btcec.PrivateKey, contract, to string, amount decimal.Decimal) (*TxReceipt, error) {
	var out *TxReceipt
	err := p.do(func(c Client) error {
		var e error
		out, e = c.SendToken(ctx, key, contract, to, amount)
		return e
	})
	return out, err
}

func (p *Pool) WaitConfirmation(ctx context.Context, txHash string) (*TxReceipt, error) {
	var out *TxReceipt
	err := p.do(func(c Client) error {
		var e error
		out, e = c.WaitConfirmation(ctx, txHash)
		return e
	})
	return out, err
}

func (p *Pool) BlockHeight(ctx context.Context) (int64, error) {
	var out int64
	err := p.do(func(c Client) error {
		var e error
		out, e = c.BlockHeight(ctx)
		return e
	})
	return out, err
}

func (p *Pool) GasPrice(ctx context.Context) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := p.do(func(c Client) error {
		var e error
		out, e = c.GasPrice(ctx)
		return e
	})
	return out, err
}
