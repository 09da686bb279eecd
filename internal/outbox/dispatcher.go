package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CustodyLedger/internal/config"
	"CustodyLedger/internal/joblock"
	"CustodyLedger/internal/observability"
)

const lockKey = "outbox:dispatch"

// envelope is the wire shape published to NATS.
type envelope struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// Dispatcher drains the outbox and publishes events to NATS JetStream on
// subjects custody.events.{topic}. Multiple dispatchers may run; the job lock
// keeps one active per process fleet, and SKIP LOCKED claims would keep them
// disjoint even without it.
type Dispatcher struct {
	db       *sql.DB
	repo     *Repository
	js       jetstream.JetStream
	locks    *joblock.Service
	cfg      config.OutboxConfig
	holderID string
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewDispatcher(
	db *sql.DB,
	repo *Repository,
	js jetstream.JetStream,
	locks *joblock.Service,
	cfg config.OutboxConfig,
	holderID string,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		db:       db,
		repo:     repo,
		js:       js,
		locks:    locks,
		cfg:      cfg,
		holderID: holderID,
		metrics:  metrics,
		log:      log,
	}
}

// EnsureStream creates the outbound events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     "CUSTODY_EVENTS",
		Subjects: []string{"custody.events.>"},
	})
	return err
}

// Run polls on a ticker until ctx is cancelled. Each tick acquires the job
// lock, claims a batch, and dispatches it. Losing the lock is not an error:
// another worker is doing the job.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.log.Info().
		Dur("interval", d.cfg.Interval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("outbox dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("outbox dispatcher stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.log.Error().Err(err).Msg("dispatch tick failed")
			}
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) error {
	if err := d.locks.TryAcquire(ctx, lockKey, d.holderID, d.cfg.LockTTL); err != nil {
		var held *joblock.ErrLockHeld
		if errors.As(err, &held) {
			d.log.Debug().Str("holder", held.HolderID).Msg("dispatch lock held elsewhere")
			return nil
		}
		return err
	}

	events, err := d.repo.ClaimBatch(ctx, d.db, d.cfg.BatchSize, d.cfg.LockTTL, d.holderID, d.cfg.Topics)
	if err != nil {
		return err
	}

	for _, e := range events {
		d.dispatchOne(ctx, e)
	}

	if backlog, err := d.repo.Backlog(ctx, d.db); err == nil && d.metrics != nil {
		d.metrics.OutboxBacklog.Set(float64(backlog))
	}
	return nil
}

// dispatchOne publishes a single claimed event. Publish failures reschedule
// with exponential backoff until MaxAttempts, then dead-letter. Failures here
// never abort the rest of the batch.
func (d *Dispatcher) dispatchOne(ctx context.Context, e *Event) {
	start := time.Now()

	err := d.publish(ctx, e)
	if d.metrics != nil {
		d.metrics.OutboxDispatchDur.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		if ackErr := d.repo.Ack(ctx, d.db, e.ID, d.holderID); ackErr != nil {
			// Lock expired mid-dispatch; the event will be re-delivered. That
			// is the at-least-once contract, not a fault.
			d.log.Warn().Err(ackErr).Str("event_id", e.ID.String()).Msg("ack after publish failed")
		}
		return
	}

	d.log.Warn().Err(err).
		Str("event_id", e.ID.String()).
		Str("topic", e.Topic).
		Int("attempts", e.Attempts).
		Msg("publish failed")

	if e.Attempts+1 >= d.cfg.MaxAttempts {
		if dlErr := d.repo.DeadLetter(ctx, d.db, e.ID, d.holderID, err.Error()); dlErr != nil {
			d.log.Error().Err(dlErr).Str("event_id", e.ID.String()).Msg("dead-letter failed")
		} else {
			d.log.Error().
				Str("event_id", e.ID.String()).
				Str("topic", e.Topic).
				Msg("event dead-lettered after max attempts")
		}
		return
	}

	next := time.Now().Add(d.backoff(e.Attempts + 1))
	if failErr := d.repo.Fail(ctx, d.db, e.ID, d.holderID, err.Error(), next); failErr != nil {
		d.log.Error().Err(failErr).Str("event_id", e.ID.String()).Msg("reschedule failed")
	}
}

func (d *Dispatcher) publish(ctx context.Context, e *Event) error {
	data, err := json.Marshal(envelope{
		ID:            e.ID.String(),
		Topic:         e.Topic,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		Attempts:      e.Attempts,
		EnqueuedAt:    e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("custody.events.%s", e.Topic)
	_, err = d.js.Publish(ctx, subject, data)
	return err
}

// backoff doubles the base per attempt, capped at 10 doublings.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return d.cfg.BaseBackoff * (1 << uint(attempt-1))
}
