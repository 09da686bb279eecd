package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/persistence"
)

// Topics emitted by the settlement engine.
const (
	TopicWithdrawalConfirmed = "withdrawal.confirmed"
	TopicWithdrawalFailed    = "withdrawal.failed"
	TopicTransferCompleted   = "transfer.completed"
	TopicTransferReversed    = "transfer.reversed"
	TopicSweepCompleted      = "sweep.completed"
)

var (
	// ErrNotClaimed means the event is not held by the given holder (lock lost,
	// expired, or never claimed). A slow worker must not finalize after this.
	ErrNotClaimed = errors.New("outbox: event not claimed by holder")
	// ErrNotFound means no event exists with the given id.
	ErrNotFound = errors.New("outbox: event not found")
	// ErrNotDeadLettered means a dead-letter operator action targeted a live event.
	ErrNotDeadLettered = errors.New("outbox: event is not dead-lettered")
)

// Event is one at-least-once side-effect record. It is written in the same
// transaction as the business mutation that caused it and dispatched later.
type Event struct {
	ID             uuid.UUID
	Topic          string
	AggregateType  string
	AggregateID    string
	Payload        json.RawMessage
	VisibleAt      time.Time
	LockedAt       *time.Time
	LockID         *string
	Attempts       int
	LastError      *string
	DeadLetteredAt *time.Time
	ProcessedAt    *time.Time
	CreatedAt      time.Time
}

// Repository is the transactional outbox store.
type Repository struct {
	metrics *observability.Metrics
}

func NewRepository(metrics *observability.Metrics) *Repository {
	return &Repository{metrics: metrics}
}

// Enqueue inserts an event. Callers MUST pass the same transaction that holds
// the business mutation; that is the whole point of the pattern.
func (r *Repository) Enqueue(ctx context.Context, q persistence.Querier, topic, aggregateType, aggregateID string, payload interface{}, visibleAt time.Time) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal payload: %w", err)
	}

	e := &Event{
		ID:            uuid.New(),
		Topic:         topic,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       body,
		VisibleAt:     visibleAt,
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO outbox_events (id, topic, aggregate_type, aggregate_id, payload, visible_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		e.ID, e.Topic, e.AggregateType, e.AggregateID, body, visibleAt,
	).Scan(&e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("outbox: enqueue: %w", err)
	}

	if r.metrics != nil {
		r.metrics.OutboxEnqueued.WithLabelValues(topic).Inc()
	}
	return e, nil
}

// ClaimBatch locks up to limit visible, unprocessed, non-dead-lettered events
// whose previous lock (if any) expired. FOR UPDATE SKIP LOCKED lets concurrent
// dispatchers claim disjoint batches without blocking each other.
// topics narrows the claim when non-empty.
func (r *Repository) ClaimBatch(ctx context.Context, db *sql.DB, limit int, lockTTL time.Duration, holderID string, topics []string) ([]*Event, error) {
	query := `
		UPDATE outbox_events
		SET locked_at = NOW(), lock_id = $1
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE processed_at IS NULL
			  AND dead_lettered_at IS NULL
			  AND visible_at <= NOW()
			  AND (locked_at IS NULL OR locked_at < NOW() - $2 * INTERVAL '1 second')
			  AND ($3::text[] IS NULL OR topic = ANY($3))
			ORDER BY visible_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, aggregate_type, aggregate_id, payload, visible_at,
		          locked_at, lock_id, attempts, last_error, dead_lettered_at, processed_at, created_at`

	var topicFilter interface{}
	if len(topics) > 0 {
		topicFilter = pq.Array(topics)
	}

	rows, err := db.QueryContext(ctx, query, holderID, lockTTL.Seconds(), topicFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(
			&e.ID, &e.Topic, &e.AggregateType, &e.AggregateID, &e.Payload, &e.VisibleAt,
			&e.LockedAt, &e.LockID, &e.Attempts, &e.LastError, &e.DeadLetteredAt, &e.ProcessedAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("outbox: scan claimed event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}

	if r.metrics != nil {
		r.metrics.OutboxClaimed.Add(float64(len(events)))
	}
	return events, nil
}

// Ack marks an event processed, only while still held by holderID.
func (r *Repository) Ack(ctx context.Context, q persistence.Querier, id uuid.UUID, holderID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET processed_at = NOW(), locked_at = NULL, lock_id = NULL
		WHERE id = $1 AND lock_id = $2 AND processed_at IS NULL`,
		id, holderID,
	)
	if err != nil {
		return fmt.Errorf("outbox: ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	if r.metrics != nil {
		r.metrics.OutboxAcked.Inc()
	}
	return nil
}

// Fail records a dispatch failure: attempts++, error stored, visibility pushed
// to nextVisibleAt, lock released. The caller chooses the backoff policy.
func (r *Repository) Fail(ctx context.Context, q persistence.Querier, id uuid.UUID, holderID, cause string, nextVisibleAt time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $3, visible_at = $4,
		    locked_at = NULL, lock_id = NULL
		WHERE id = $1 AND lock_id = $2 AND processed_at IS NULL`,
		id, holderID, cause, nextVisibleAt,
	)
	if err != nil {
		return fmt.Errorf("outbox: fail: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	if r.metrics != nil {
		r.metrics.OutboxFailed.Inc()
	}
	return nil
}

// DeadLetter parks an event after its attempts are exhausted. It stops being
// claimable until an operator retries or resolves it.
func (r *Repository) DeadLetter(ctx context.Context, q persistence.Querier, id uuid.UUID, holderID, cause string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $3, dead_lettered_at = NOW(),
		    locked_at = NULL, lock_id = NULL
		WHERE id = $1 AND lock_id = $2 AND processed_at IS NULL`,
		id, holderID, cause,
	)
	if err != nil {
		return fmt.Errorf("outbox: dead-letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	if r.metrics != nil {
		r.metrics.OutboxDeadLettered.Inc()
	}
	return nil
}

// RetryDeadLetter is an operator action: requeue a dead-lettered event with
// attempts reset and immediate visibility.
func (r *Repository) RetryDeadLetter(ctx context.Context, q persistence.Querier, id uuid.UUID) error {
	res, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET dead_lettered_at = NULL, attempts = 0, last_error = NULL,
		    visible_at = NOW(), locked_at = NULL, lock_id = NULL
		WHERE id = $1 AND dead_lettered_at IS NOT NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("outbox: retry dead-letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotDeadLettered
	}
	return nil
}

// ResolveDeadLetter is an operator action: close out a dead-lettered event
// without replaying it.
func (r *Repository) ResolveDeadLetter(ctx context.Context, q persistence.Querier, id uuid.UUID) error {
	res, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET processed_at = NOW()
		WHERE id = $1 AND dead_lettered_at IS NOT NULL AND processed_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("outbox: resolve dead-letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotDeadLettered
	}
	return nil
}

// ListDeadLetters returns parked events for operator review, oldest first.
func (r *Repository) ListDeadLetters(ctx context.Context, q persistence.Querier, limit int) ([]*Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, topic, aggregate_type, aggregate_id, payload, visible_at,
		       locked_at, lock_id, attempts, last_error, dead_lettered_at, processed_at, created_at
		FROM outbox_events
		WHERE dead_lettered_at IS NOT NULL AND processed_at IS NULL
		ORDER BY dead_lettered_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: list dead-letters: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(
			&e.ID, &e.Topic, &e.AggregateType, &e.AggregateID, &e.Payload, &e.VisibleAt,
			&e.LockedAt, &e.LockID, &e.Attempts, &e.LastError, &e.DeadLetteredAt, &e.ProcessedAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("outbox: scan dead-letter: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Backlog counts claimable-or-pending events, for the backlog gauge.
func (r *Repository) Backlog(ctx context.Context, q persistence.Querier) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_events
		WHERE processed_at IS NULL AND dead_lettered_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: backlog: %w", err)
	}
	return n, nil
}
