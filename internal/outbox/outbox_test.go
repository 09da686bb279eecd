package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"CustodyLedger/internal/outbox"
	"CustodyLedger/internal/testutil"
)

// ============================================================================
// Test: enqueue and claim (integration)
// ============================================================================

func TestEnqueueAndClaim(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	e, err := repo.Enqueue(ctx, db, outbox.TopicTransferCompleted, "transfer", "ref-1",
		map[string]string{"reference": "ref-1"}, time.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != e.ID {
		t.Fatalf("claimed %d events, want the enqueued one", len(claimed))
	}
	if claimed[0].LockID == nil || *claimed[0].LockID != "worker-a" {
		t.Errorf("lock id = %v, want worker-a", claimed[0].LockID)
	}
}

func TestClaim_ExclusiveWhileLocked(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	if _, err := repo.Enqueue(ctx, db, outbox.TopicTransferCompleted, "transfer", "ref-1", nil, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim: %v (%d events)", err, len(first))
	}

	second, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-b", nil)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("locked event claimed twice")
	}
}

func TestClaim_ExpiredLockIsReclaimable(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	if _, err := repo.Enqueue(ctx, db, outbox.TopicTransferCompleted, "transfer", "ref-1", nil, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Zero TTL: worker-a's lock is immediately stale.
	if _, err := repo.ClaimBatch(ctx, db, 10, 0, "worker-a", nil); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	reclaimed, err := repo.ClaimBatch(ctx, db, 10, 0, "worker-b", nil)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expired lock not reclaimable, got %d events", len(reclaimed))
	}

	// The loser can no longer finalize.
	if err := repo.Ack(ctx, db, reclaimed[0].ID, "worker-a"); !errors.Is(err, outbox.ErrNotClaimed) {
		t.Errorf("stale holder ack: want ErrNotClaimed, got %v", err)
	}
}

func TestClaim_TopicFilter(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	if _, err := repo.Enqueue(ctx, db, outbox.TopicTransferCompleted, "transfer", "t-1", nil, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	want, err := repo.Enqueue(ctx, db, outbox.TopicSweepCompleted, "sweep_run", "s-1", nil, time.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", []string{outbox.TopicSweepCompleted})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != want.ID {
		t.Fatalf("topic filter claimed wrong events: %d", len(claimed))
	}
}

func TestClaim_FutureVisibilityRespected(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	if _, err := repo.Enqueue(ctx, db, outbox.TopicTransferCompleted, "transfer", "later",
		nil, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed an event not yet visible")
	}
}

// ============================================================================
// Test: ack / fail / dead-letter lifecycle
// ============================================================================

func TestAck_RemovesFromBacklog(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	e, _ := repo.Enqueue(ctx, db, outbox.TopicTransferCompleted, "transfer", "ref-1", nil, time.Now())

	if _, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Ack(ctx, db, e.ID, "worker-a"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	n, err := repo.Backlog(ctx, db)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if n != 0 {
		t.Errorf("backlog = %d after ack, want 0", n)
	}

	// Double ack is an error: the event is already finalized.
	if err := repo.Ack(ctx, db, e.ID, "worker-a"); !errors.Is(err, outbox.ErrNotClaimed) {
		t.Errorf("double ack: want ErrNotClaimed, got %v", err)
	}
}

func TestFail_ReschedulesWithBackoff(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	e, _ := repo.Enqueue(ctx, db, outbox.TopicTransferCompleted, "transfer", "ref-1", nil, time.Now())

	if _, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Fail(ctx, db, e.ID, "worker-a", "nats timeout", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Not claimable until the new visibility.
	claimed, _ := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil)
	if len(claimed) != 0 {
		t.Errorf("failed event claimable before backoff elapsed")
	}
	// Still part of the backlog.
	if n, _ := repo.Backlog(ctx, db); n != 1 {
		t.Errorf("backlog = %d, want 1", n)
	}
}

func TestDeadLetter_Lifecycle(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	e, _ := repo.Enqueue(ctx, db, outbox.TopicWithdrawalConfirmed, "withdrawal", "wd-1", nil, time.Now())

	if _, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.DeadLetter(ctx, db, e.ID, "worker-a", "subject rejected"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}

	// Parked: not claimable, not in the backlog.
	if claimed, _ := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil); len(claimed) != 0 {
		t.Error("dead-lettered event claimable")
	}
	if n, _ := repo.Backlog(ctx, db); n != 0 {
		t.Errorf("backlog = %d, want 0", n)
	}

	parked, err := repo.ListDeadLetters(ctx, db, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(parked) != 1 || parked[0].ID != e.ID {
		t.Fatalf("dead-letter list = %d events", len(parked))
	}
	if parked[0].LastError == nil || *parked[0].LastError != "subject rejected" {
		t.Errorf("last error = %v", parked[0].LastError)
	}

	// Operator requeues it: attempts reset, claimable again.
	if err := repo.RetryDeadLetter(ctx, db, e.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	claimed, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim after retry: %v (%d events)", err, len(claimed))
	}
	if claimed[0].Attempts != 0 {
		t.Errorf("attempts = %d after retry, want 0", claimed[0].Attempts)
	}
}

func TestResolveDeadLetter(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := outbox.NewRepository(nil)
	e, _ := repo.Enqueue(ctx, db, outbox.TopicWithdrawalFailed, "withdrawal", "wd-1", nil, time.Now())

	// Operator actions reject live events.
	if err := repo.ResolveDeadLetter(ctx, db, e.ID); !errors.Is(err, outbox.ErrNotDeadLettered) {
		t.Errorf("resolve live event: want ErrNotDeadLettered, got %v", err)
	}

	if _, err := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.DeadLetter(ctx, db, e.ID, "worker-a", "poison payload"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	if err := repo.ResolveDeadLetter(ctx, db, e.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Resolved means gone for good.
	if parked, _ := repo.ListDeadLetters(ctx, db, 10); len(parked) != 0 {
		t.Error("resolved event still listed as dead-lettered")
	}
	if claimed, _ := repo.ClaimBatch(ctx, db, 10, 30*time.Second, "worker-a", nil); len(claimed) != 0 {
		t.Error("resolved event claimable")
	}
}
