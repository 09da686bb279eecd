package sweep

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/asset"
	"CustodyLedger/internal/chain"
	"CustodyLedger/internal/config"
	"CustodyLedger/internal/joblock"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/outbox"
	"CustodyLedger/internal/wallet"
)

// Sweeper periodically drains user deposit addresses into the custody hot
// wallet. One sweeper runs per chain; the job lock keeps it singleton across
// horizontally scaled workers.
//
// Every step is independently fallible: a failure on one token or one address
// is logged and the loop continues. The run as a whole only fails when the
// shared prerequisites (address list, gas price) cannot be fetched.
type Sweeper struct {
	chainName string
	client    chain.Client
	book      *wallet.AddressBook
	deriver   *wallet.Deriver
	registry  *asset.Registry
	hot       *wallet.Wallet
	db        *sql.DB
	ledgers   *ledger.Repository
	events    *outbox.Repository
	locks     *joblock.Service
	cfg       config.SweepConfig
	holderID  string
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewSweeper(
	chainName string,
	client chain.Client,
	book *wallet.AddressBook,
	deriver *wallet.Deriver,
	registry *asset.Registry,
	hot *wallet.Wallet,
	db *sql.DB,
	ledgers *ledger.Repository,
	events *outbox.Repository,
	locks *joblock.Service,
	cfg config.SweepConfig,
	holderID string,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Sweeper {
	return &Sweeper{
		chainName: chainName,
		client:    client,
		book:      book,
		deriver:   deriver,
		registry:  registry,
		hot:       hot,
		db:        db,
		ledgers:   ledgers,
		events:    events,
		locks:     locks,
		cfg:       cfg,
		holderID:  holderID,
		metrics:   metrics,
		log:       log,
	}
}

func (s *Sweeper) lockKey() string {
	return fmt.Sprintf("sweep:%s", s.chainName)
}

func (s *Sweeper) mode() string {
	if s.cfg.Execute {
		return "execute"
	}
	return "plan"
}

// Run ticks until ctx is cancelled, sweeping under the chain's job lock.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().
		Str("chain", s.chainName).
		Str("mode", s.mode()).
		Dur("interval", s.cfg.Interval).
		Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Str("chain", s.chainName).Msg("sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.locks.TryAcquire(ctx, s.lockKey(), s.holderID, s.cfg.Interval); err != nil {
				var held *joblock.ErrLockHeld
				if errors.As(err, &held) {
					s.log.Debug().Str("holder", held.HolderID).Msg("sweep lock held elsewhere")
					continue
				}
				s.log.Error().Err(err).Msg("acquire sweep lock")
				continue
			}

			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error().Err(err).Str("chain", s.chainName).Msg("sweep run failed")
			}
		}
	}
}

// RunOnce performs one full sweep pass and returns the actions planned or
// executed. In plan mode nothing is signed or broadcast.
func (s *Sweeper) RunOnce(ctx context.Context) ([]Action, error) {
	start := time.Now()
	runID := uuid.New()

	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues(s.chainName, s.mode()).Inc()
		defer func() {
			s.metrics.SweepDuration.WithLabelValues(s.chainName).Observe(time.Since(start).Seconds())
		}()
	}

	addrs, err := s.book.ListByChain(ctx, s.chainName)
	if err != nil {
		return nil, fmt.Errorf("sweep: list addresses: %w", err)
	}
	tokens, err := s.registry.Tokens(ctx, s.chainName)
	if err != nil {
		return nil, fmt.Errorf("sweep: token list: %w", err)
	}
	gasPrice, err := s.client.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: gas price: %w", err)
	}

	var all []Action
	for _, addr := range addrs {
		actions := s.sweepAddress(ctx, addr, tokens, gasPrice, runID)
		all = append(all, actions...)
	}

	s.emitSummary(ctx, runID, all)

	s.log.Info().
		Str("chain", s.chainName).
		Str("mode", s.mode()).
		Int("addresses", len(addrs)).
		Int("actions", len(all)).
		Dur("took", time.Since(start)).
		Msg("sweep pass complete")
	return all, nil
}

// sweepAddress inspects and drains one address. Errors are logged and
// swallowed here so one bad address never aborts the run.
func (s *Sweeper) sweepAddress(ctx context.Context, addr *wallet.DepositAddress, tokens []*asset.Asset, gasPrice decimal.Decimal, runID uuid.UUID) []Action {
	bals, err := inspect(ctx, s.client, addr.Address, tokens)
	if err != nil {
		s.stepError(addr.Address, "inspect", err)
		return nil
	}
	if bals.empty(s.minSweep()) {
		return nil
	}

	actions := plan(bals, tokens, gasPrice, s.cfg.GasPerTransfer, s.cfg.GasMarginPct, s.minSweep(), addr.Address)
	if !s.cfg.Execute {
		for _, a := range actions {
			s.countAction(a.Kind)
		}
		return actions
	}

	key, err := s.deriver.Derive(addr.DerivationIndex)
	if err != nil {
		s.stepError(addr.Address, "derive", err)
		return nil
	}

	executed := make([]Action, 0, len(actions))
	for _, a := range actions {
		receipt, err := s.executeAction(ctx, a, key, tokens, runID)
		if err != nil {
			s.stepError(addr.Address, string(a.Kind), err)
			continue
		}
		a.TxHash = receipt.TxHash
		s.countAction(a.Kind)
		executed = append(executed, a)
	}
	return executed
}

func (s *Sweeper) executeAction(ctx context.Context, a Action, key *wallet.Wallet, tokens []*asset.Asset, runID uuid.UUID) (*chain.TxReceipt, error) {
	switch a.Kind {
	case ActionTopUp:
		// Topup is funded by the hot wallet, not the address being swept.
		receipt, err := s.client.SendNative(ctx, s.hot.PrivateKey, a.Address, a.Amount)
		if err != nil {
			return nil, err
		}
		s.recordGasSpend(ctx, a, receipt.TxHash, runID)
		return receipt, nil

	case ActionSweepToken:
		var contract string
		for _, tok := range tokens {
			if tok.Symbol == a.Symbol {
				contract = tok.Contract
				break
			}
		}
		if contract == "" {
			return nil, fmt.Errorf("no contract for token %s", a.Symbol)
		}
		return s.client.SendToken(ctx, key.PrivateKey, contract, s.hot.Address, a.Amount)

	case ActionSweepNative:
		return s.client.SendNative(ctx, key.PrivateKey, s.hot.Address, a.Amount)
	}
	return nil, fmt.Errorf("unknown action kind %q", a.Kind)
}

// recordGasSpend posts the gas_spend accounting entry for a topup: treasury
// pays, the chain-egress side receives. Best effort: an accounting failure
// must not abort the sweep, the chain transfer already happened.
func (s *Sweeper) recordGasSpend(ctx context.Context, a Action, txHash string, runID uuid.UUID) {
	nativeAsset, err := s.nativeAssetID(ctx)
	if err != nil {
		s.stepError(a.Address, "gas_accounting", err)
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.stepError(a.Address, "gas_accounting", err)
		return
	}
	defer tx.Rollback()

	treasury, err := s.ledgers.GetOrCreateAccount(ctx, tx, "system:treasury", nativeAsset)
	if err != nil {
		s.stepError(a.Address, "gas_accounting", err)
		return
	}
	egress, err := s.ledgers.GetOrCreateAccount(ctx, tx, "system:chain_egress", nativeAsset)
	if err != nil {
		s.stepError(a.Address, "gas_accounting", err)
		return
	}

	// Metadata for gas_spend: chain, address, tx_hash, sweep_run.
	entry := ledger.NewEntry(ledger.EntryTypeGasSpend,
		fmt.Sprintf("gastopup:%s:%s:%s", s.chainName, a.Address, runID),
		[]ledger.Line{
			{AccountID: treasury.ID, AssetID: nativeAsset, Amount: a.Amount.Neg()},
			{AccountID: egress.ID, AssetID: nativeAsset, Amount: a.Amount},
		})
	entry.Metadata = map[string]string{
		"chain":     s.chainName,
		"address":   a.Address,
		"tx_hash":   txHash,
		"sweep_run": runID.String(),
	}

	if err := s.ledgers.PostEntry(ctx, tx, entry); err != nil {
		s.stepError(a.Address, "gas_accounting", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.stepError(a.Address, "gas_accounting", err)
	}
}

// emitSummary enqueues the sweep.completed outbox event. Best effort.
func (s *Sweeper) emitSummary(ctx context.Context, runID uuid.UUID, actions []Action) {
	if len(actions) == 0 {
		return
	}
	_, err := s.events.Enqueue(ctx, s.db, outbox.TopicSweepCompleted, "sweep_run", runID.String(), map[string]interface{}{
		"chain":   s.chainName,
		"mode":    s.mode(),
		"actions": len(actions),
	}, time.Now())
	if err != nil {
		s.log.Warn().Err(err).Msg("enqueue sweep summary")
	}
}

func (s *Sweeper) stepError(address, step string, err error) {
	if s.metrics != nil {
		s.metrics.SweepErrors.WithLabelValues(s.chainName, step).Inc()
	}
	s.log.Warn().Err(err).
		Str("chain", s.chainName).
		Str("address", address).
		Str("step", step).
		Msg("sweep step failed, continuing")
}

func (s *Sweeper) countAction(kind ActionKind) {
	if s.metrics != nil {
		s.metrics.SweepActions.WithLabelValues(s.chainName, string(kind)).Inc()
	}
}

func (s *Sweeper) minSweep() decimal.Decimal {
	return s.cfg.MinSweepAmount()
}

func (s *Sweeper) nativeAssetID(ctx context.Context) (string, error) {
	a, err := s.registry.Native(ctx, s.chainName)
	if err != nil {
		return "", err
	}
	return a.ID(), nil
}
