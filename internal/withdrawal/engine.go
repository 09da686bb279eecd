package withdrawal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/asset"
	"CustodyLedger/internal/chain"
	"CustodyLedger/internal/hold"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/notify"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/outbox"
	"CustodyLedger/internal/persistence"
	"CustodyLedger/internal/wallet"
)

// EgressUserID owns the ledger accounts representing value that has left the
// custody perimeter onto a chain.
const EgressUserID = "system:chain_egress"

// confirmWait bounds how long Broadcast waits for on-chain confirmation.
// Expiry leaves the withdrawal broadcasted with a tx hash, which a later
// idempotent re-check reconciles.
const confirmWait = 2 * time.Minute

// Engine drives withdrawals from request to on-chain settlement.
type Engine struct {
	db       *sql.DB
	ledgers  *ledger.Repository
	holds    *hold.Manager
	registry *asset.Registry
	clients  map[string]chain.Client // by chain
	hot      *wallet.Wallet          // the single custodial signer
	events   *outbox.Repository
	notifier notify.Notifier
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewEngine(
	db *sql.DB,
	ledgers *ledger.Repository,
	holds *hold.Manager,
	registry *asset.Registry,
	clients map[string]chain.Client,
	hot *wallet.Wallet,
	events *outbox.Repository,
	notifier notify.Notifier,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		db:       db,
		ledgers:  ledgers,
		holds:    holds,
		registry: registry,
		clients:  clients,
		hot:      hot,
		events:   events,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
	}
}

// RequestParams describes a new withdrawal.
type RequestParams struct {
	UserID      string
	Chain       string
	Symbol      string
	Amount      decimal.Decimal
	Destination string
}

// Request validates the withdrawal, reserves the funds with a hold, and
// records the row in requested state. Validation failures happen before the
// hold exists, so a rejected request leaves no state behind.
func (e *Engine) Request(ctx context.Context, p RequestParams) (*Withdrawal, error) {
	if p.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !wallet.ValidAddress(p.Destination) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDestination, p.Destination)
	}

	a, err := e.registry.Lookup(ctx, p.Chain, p.Symbol)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: begin: %w", err)
	}
	defer tx.Rollback()

	acct, err := e.ledgers.GetOrCreateAccount(ctx, tx, p.UserID, a.ID())
	if err != nil {
		return nil, err
	}

	// Row lock so a racing transfer or withdrawal cannot pass the same
	// balance check; the hold insert below commits under the same lock.
	if err := e.ledgers.LockAccount(ctx, tx, acct.ID); err != nil {
		return nil, err
	}
	available, err := e.ledgers.AvailableBalance(ctx, tx, acct.ID)
	if err != nil {
		return nil, err
	}
	if available.LessThan(p.Amount) {
		return nil, fmt.Errorf("%w: available %s, requested %s",
			ledger.ErrInsufficientBalance, available.String(), p.Amount.String())
	}

	h, err := e.holds.Create(ctx, tx, acct.ID, a.ID(), p.Amount)
	if err != nil {
		return nil, err
	}

	w := &Withdrawal{
		ID:          uuid.New(),
		UserID:      p.UserID,
		Chain:       p.Chain,
		Symbol:      p.Symbol,
		Amount:      p.Amount,
		Destination: p.Destination,
		HoldID:      h.ID,
		Status:      StatusRequested,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO withdrawals (id, user_id, chain, symbol, amount, destination, hold_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'requested')
		RETURNING created_at, updated_at`,
		w.ID, w.UserID, w.Chain, w.Symbol, w.Amount.String(), w.Destination, w.HoldID,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("withdrawal: commit: %w", err)
	}

	e.transition(StatusRequested, StatusRequested)
	e.log.Info().
		Str("withdrawal_id", w.ID.String()).
		Str("user_id", p.UserID).
		Str("asset", a.ID()).
		Str("amount", p.Amount.String()).
		Msg("withdrawal requested")
	return w, nil
}

// Approve moves requested -> approved. The risk/admin decision behind it is
// an external collaborator; this just records the outcome.
func (e *Engine) Approve(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	res, err := e.db.ExecContext(ctx, `
		UPDATE withdrawals SET status = 'approved', updated_at = NOW()
		WHERE id = $1 AND status = 'requested'`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: approve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		w, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return w, fmt.Errorf("%w: status is %s", ErrNotApprovable, w.Status)
	}
	e.transition(StatusRequested, StatusApproved)
	return e.Get(ctx, id)
}

// Cancel is valid only before broadcast begins. It releases the hold so the
// funds become available again.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: begin: %w", err)
	}
	defer tx.Rollback()

	w := &Withdrawal{}
	var amount string
	err = tx.QueryRowContext(ctx, `
		UPDATE withdrawals SET status = 'canceled', updated_at = NOW()
		WHERE id = $1 AND status IN ('requested', 'approved')
		RETURNING id, hold_id, status, amount`,
		id,
	).Scan(&w.ID, &w.HoldID, &w.Status, &amount)
	if err == sql.ErrNoRows {
		current, getErr := e.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("%w: status is %s", ErrNotCancelable, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("withdrawal: cancel: %w", err)
	}

	if _, err := e.holds.Release(ctx, tx, w.HoldID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("withdrawal: commit cancel: %w", err)
	}

	e.transition(StatusApproved, StatusCanceled)
	return e.Get(ctx, id)
}

// Broadcast drives approved -> broadcasted -> {confirmed | failed}.
//
// The transition to broadcasted is a conditional update filtering on
// status = 'approved': exactly one concurrent caller wins it, and every other
// caller, including retries against already-terminal withdrawals, gets the
// current persisted state back without a second on-chain send.
func (e *Engine) Broadcast(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
		}
	}()

	res, err := e.db.ExecContext(ctx, `
		UPDATE withdrawals SET status = 'broadcasted', updated_at = NOW()
		WHERE id = $1 AND status = 'approved'`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: broadcast transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race, or the withdrawal was never approved. Report what is
		// persisted; this is what makes HTTP-level retries safe.
		if e.metrics != nil {
			e.metrics.BroadcastLost.Inc()
		}
		return e.Get(ctx, id)
	}
	e.transition(StatusApproved, StatusBroadcasted)

	w, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	receipt, sendErr := e.send(ctx, w)
	if sendErr != nil {
		return e.fail(ctx, w, sendErr)
	}

	// Record the hash before waiting: if confirmation times out, the row
	// still carries enough to reconcile later.
	if _, err := e.db.ExecContext(ctx,
		`UPDATE withdrawals SET tx_hash = $2, updated_at = NOW() WHERE id = $1`,
		w.ID, receipt.TxHash,
	); err != nil {
		return nil, fmt.Errorf("withdrawal: record tx hash: %w", err)
	}
	w.TxHash = &receipt.TxHash

	waitCtx, cancel := context.WithTimeout(ctx, confirmWait)
	defer cancel()
	if _, err := e.clientFor(w.Chain).WaitConfirmation(waitCtx, receipt.TxHash); err != nil {
		// Not terminal: broadcasted + tx_hash is an acceptable transient
		// state. A later Broadcast call or reconciler finishes settlement.
		e.log.Warn().Err(err).
			Str("withdrawal_id", w.ID.String()).
			Str("tx_hash", receipt.TxHash).
			Msg("confirmation wait expired, leaving broadcasted")
		return e.Get(ctx, id)
	}

	return e.confirm(ctx, w, receipt.TxHash)
}

// send resolves the asset and pushes the transfer from the hot wallet.
func (e *Engine) send(ctx context.Context, w *Withdrawal) (*chain.TxReceipt, error) {
	a, err := e.registry.Lookup(ctx, w.Chain, w.Symbol)
	if err != nil {
		return nil, err
	}
	client := e.clientFor(w.Chain)
	if client == nil {
		return nil, fmt.Errorf("withdrawal: no chain client for %s", w.Chain)
	}

	if a.Native() {
		return client.SendNative(ctx, e.hot.PrivateKey, w.Destination, w.Amount)
	}
	return client.SendToken(ctx, e.hot.PrivateKey, a.Contract, w.Destination, w.Amount)
}

// confirm finalizes settlement: status, hold consumption, the balanced
// settlement entry, and the outbox event all commit in one transaction.
func (e *Engine) confirm(ctx context.Context, w *Withdrawal, txHash string) (*Withdrawal, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: begin confirm: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET status = 'confirmed', tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'broadcasted'`,
		w.ID, txHash,
	)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: confirm: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another invocation already settled it.
		return e.Get(ctx, w.ID)
	}

	if _, err := e.holds.Consume(ctx, tx, w.HoldID); err != nil {
		return nil, err
	}

	if err := e.postSettlement(ctx, tx, w, txHash); err != nil {
		return nil, err
	}

	_, err = e.events.Enqueue(ctx, tx, outbox.TopicWithdrawalConfirmed, "withdrawal", w.ID.String(), map[string]string{
		"withdrawal_id": w.ID.String(),
		"user_id":       w.UserID,
		"asset_id":      w.AssetID(),
		"amount":        w.Amount.String(),
		"tx_hash":       txHash,
	}, time.Now())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("withdrawal: commit confirm: %w", err)
	}
	e.transition(StatusBroadcasted, StatusConfirmed)

	e.notifyUser(ctx, w, "withdrawal_confirmed", "Withdrawal confirmed",
		fmt.Sprintf("Your withdrawal of %s %s is confirmed on-chain.", w.Amount.String(), w.Symbol),
		map[string]string{"tx_hash": txHash})

	e.log.Info().
		Str("withdrawal_id", w.ID.String()).
		Str("tx_hash", txHash).
		Msg("withdrawal confirmed")
	return e.Get(ctx, w.ID)
}

// postSettlement posts the settlement entry: the user's custody balance goes
// down, the chain-egress side goes up by the same amount.
func (e *Engine) postSettlement(ctx context.Context, tx *sql.Tx, w *Withdrawal, txHash string) error {
	userAcct, err := e.ledgers.GetOrCreateAccount(ctx, tx, w.UserID, w.AssetID())
	if err != nil {
		return err
	}
	egressAcct, err := e.ledgers.GetOrCreateAccount(ctx, tx, EgressUserID, w.AssetID())
	if err != nil {
		return err
	}

	// Metadata for withdrawal_settlement: withdrawal_id, tx_hash, destination.
	entry := ledger.NewEntry(ledger.EntryTypeWithdrawalSettlement, "withdrawal:"+w.ID.String(), []ledger.Line{
		{AccountID: userAcct.ID, AssetID: w.AssetID(), Amount: w.Amount.Neg()},
		{AccountID: egressAcct.ID, AssetID: w.AssetID(), Amount: w.Amount},
	})
	entry.Metadata = map[string]string{
		"withdrawal_id": w.ID.String(),
		"tx_hash":       txHash,
		"destination":   w.Destination,
	}
	return e.ledgers.PostEntry(ctx, tx, entry)
}

// fail records a permanent send failure: reason persisted, hold released so
// the funds return to the available balance, failure event enqueued.
func (e *Engine) fail(ctx context.Context, w *Withdrawal, cause error) (*Withdrawal, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: begin fail: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'broadcasted'`,
		w.ID, cause.Error(),
	)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return e.Get(ctx, w.ID)
	}

	if _, err := e.holds.Release(ctx, tx, w.HoldID); err != nil {
		return nil, err
	}

	_, err = e.events.Enqueue(ctx, tx, outbox.TopicWithdrawalFailed, "withdrawal", w.ID.String(), map[string]string{
		"withdrawal_id": w.ID.String(),
		"user_id":       w.UserID,
		"asset_id":      w.AssetID(),
		"amount":        w.Amount.String(),
		"reason":        cause.Error(),
	}, time.Now())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("withdrawal: commit fail: %w", err)
	}
	e.transition(StatusBroadcasted, StatusFailed)

	e.notifyUser(ctx, w, "withdrawal_failed", "Withdrawal failed",
		fmt.Sprintf("Your withdrawal of %s %s could not be sent: %s", w.Amount.String(), w.Symbol, cause.Error()),
		nil)

	e.log.Error().Err(cause).
		Str("withdrawal_id", w.ID.String()).
		Msg("withdrawal failed")
	return e.Get(ctx, w.ID)
}

// Get loads a withdrawal by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	return getWithdrawal(ctx, e.db, id)
}

func getWithdrawal(ctx context.Context, q persistence.Querier, id uuid.UUID) (*Withdrawal, error) {
	w := &Withdrawal{}
	var amount string
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, chain, symbol, amount, destination, hold_id, status,
		       tx_hash, failure_reason, created_at, updated_at
		FROM withdrawals
		WHERE id = $1`,
		id,
	).Scan(&w.ID, &w.UserID, &w.Chain, &w.Symbol, &amount, &w.Destination, &w.HoldID,
		&w.Status, &w.TxHash, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("withdrawal: get: %w", err)
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("withdrawal: parse amount %q: %w", amount, err)
	}
	return w, nil
}

func (e *Engine) clientFor(chainName string) chain.Client {
	return e.clients[chainName]
}

// notifyUser is best effort: a notification failure is logged, never propagated.
func (e *Engine) notifyUser(ctx context.Context, w *Withdrawal, kind, title, body string, meta map[string]string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, w.UserID, kind, title, body, meta); err != nil {
		e.log.Warn().Err(err).
			Str("withdrawal_id", w.ID.String()).
			Str("kind", kind).
			Msg("notification failed")
	}
}

func (e *Engine) transition(from, to Status) {
	if e.metrics != nil {
		e.metrics.WithdrawalTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}
