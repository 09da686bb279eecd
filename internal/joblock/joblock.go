package joblock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CustodyLedger/internal/observability"
)

// ErrLockHeld is returned when another holder has a live lease on the key.
// Use errors.As to read the current holder and expiry.
type ErrLockHeld struct {
	Key       string
	HolderID  string
	HeldUntil time.Time
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("joblock: %q held by %s until %s", e.Key, e.HolderID, e.HeldUntil.Format(time.RFC3339))
}

// ErrNotHeld is returned by Renew/Release when the caller no longer holds the lease.
var ErrNotHeld = errors.New("joblock: lease not held by caller")

// Service implements a leased mutex over a Postgres table. A lock is a single
// row per key; expiry is implicit (held_until in the past), so a crashed
// holder never wedges the key.
type Service struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewService(db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{db: db, metrics: metrics}
}

// TryAcquire takes the lease when no row exists, the existing lease has
// expired, or the existing holder is the caller (re-entrant refresh). On
// contention it returns *ErrLockHeld naming the current holder.
func (s *Service) TryAcquire(ctx context.Context, key, holderID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_locks (key, holder_id, held_until)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (key) DO UPDATE
		SET holder_id = EXCLUDED.holder_id, held_until = EXCLUDED.held_until
		WHERE job_locks.held_until < NOW() OR job_locks.holder_id = EXCLUDED.holder_id`,
		key, holderID, ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("joblock: acquire %q: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("joblock: rows affected: %w", err)
	}
	if n == 0 {
		held := &ErrLockHeld{Key: key}
		err := s.db.QueryRowContext(ctx,
			`SELECT holder_id, held_until FROM job_locks WHERE key = $1`, key,
		).Scan(&held.HolderID, &held.HeldUntil)
		if err != nil {
			return fmt.Errorf("joblock: read holder of %q: %w", key, err)
		}
		if s.metrics != nil {
			s.metrics.LockLost.WithLabelValues(key).Inc()
		}
		return held
	}

	if s.metrics != nil {
		s.metrics.LockAcquired.WithLabelValues(key).Inc()
	}
	return nil
}

// Renew extends the lease, only while the caller still holds it.
func (s *Service) Renew(ctx context.Context, key, holderID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_locks
		SET held_until = NOW() + $3 * INTERVAL '1 second'
		WHERE key = $1 AND holder_id = $2 AND held_until >= NOW()`,
		key, holderID, ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("joblock: renew %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("joblock: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release clears the lease immediately. Letting the lease expire is also a
// valid release; this just shortens the wait for the next holder.
func (s *Service) Release(ctx context.Context, key, holderID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE key = $1 AND holder_id = $2`,
		key, holderID,
	)
	if err != nil {
		return fmt.Errorf("joblock: release %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("joblock: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
