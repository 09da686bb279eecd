package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"CustodyLedger/internal/hold"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/testutil"
)

func TestIsNoRows(t *testing.T) {
	if !ledger.IsNoRows(sql.ErrNoRows) {
		t.Error("bare sql.ErrNoRows not recognized")
	}
	if !ledger.IsNoRows(fmt.Errorf("load entry: %w", sql.ErrNoRows)) {
		t.Error("wrapped sql.ErrNoRows not recognized")
	}
	if ledger.IsNoRows(errors.New("boom")) {
		t.Error("unrelated error misclassified as no-rows")
	}
}

// ============================================================================
// Test: Repository (integration)
// ============================================================================

func TestPostEntry_RoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := ledger.NewRepository(nil)
	alice, err := repo.GetOrCreateAccount(ctx, db, "alice", "BSC:USDT")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	bob, err := repo.GetOrCreateAccount(ctx, db, "bob", "BSC:USDT")
	if err != nil {
		t.Fatalf("account: %v", err)
	}

	e := ledger.NewEntry(ledger.EntryTypeUserTransfer, "transfer:rt", []ledger.Line{
		{AccountID: alice.ID, AssetID: "BSC:USDT", Amount: dec("-10")},
		{AccountID: bob.ID, AssetID: "BSC:USDT", Amount: dec("10")},
	})
	e.Metadata = map[string]string{"note": "round trip"}
	if err := repo.PostEntry(ctx, db, e); err != nil {
		t.Fatalf("post: %v", err)
	}

	got, err := repo.GetEntryByReference(ctx, db, "transfer:rt")
	if err != nil {
		t.Fatalf("get by reference: %v", err)
	}
	if got.ID != e.ID || got.Type != ledger.EntryTypeUserTransfer {
		t.Errorf("loaded entry mismatch: %+v", got)
	}
	if got.Metadata["note"] != "round trip" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	lines, err := repo.GetEntryLines(ctx, db, e.ID)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestPostEntry_DuplicateReference(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := ledger.NewRepository(nil)
	alice, _ := repo.GetOrCreateAccount(ctx, db, "alice", "BSC:USDT")
	bob, _ := repo.GetOrCreateAccount(ctx, db, "bob", "BSC:USDT")

	lines := []ledger.Line{
		{AccountID: alice.ID, AssetID: "BSC:USDT", Amount: dec("-5")},
		{AccountID: bob.ID, AssetID: "BSC:USDT", Amount: dec("5")},
	}

	if err := repo.PostEntry(ctx, db, ledger.NewEntry(ledger.EntryTypeUserTransfer, "transfer:dup", lines)); err != nil {
		t.Fatalf("first post: %v", err)
	}

	err := repo.PostEntry(ctx, db, ledger.NewEntry(ledger.EntryTypeUserTransfer, "transfer:dup", []ledger.Line{
		{AccountID: alice.ID, AssetID: "BSC:USDT", Amount: dec("-5")},
		{AccountID: bob.ID, AssetID: "BSC:USDT", Amount: dec("5")},
	}))
	if !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Errorf("want ErrDuplicateReference, got %v", err)
	}

	// The duplicate must not have moved money.
	bal, err := repo.PostedBalance(ctx, db, bob.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(dec("5")) {
		t.Errorf("bob posted balance = %s, want 5", bal)
	}
}

func TestPostEntry_RejectsUnbalanced(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := ledger.NewRepository(nil)
	alice, _ := repo.GetOrCreateAccount(ctx, db, "alice", "BSC:USDT")

	err := repo.PostEntry(ctx, db, ledger.NewEntry(ledger.EntryTypeAdjustment, "adj:bad", []ledger.Line{
		{AccountID: alice.ID, AssetID: "BSC:USDT", Amount: dec("1")},
	}))
	if !errors.Is(err, ledger.ErrUnbalancedEntry) {
		t.Errorf("want ErrUnbalancedEntry, got %v", err)
	}
}

func TestGetOrCreateAccount_Idempotent(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := ledger.NewRepository(nil)
	a1, err := repo.GetOrCreateAccount(ctx, db, "carol", "BSC:BNB")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	a2, err := repo.GetOrCreateAccount(ctx, db, "carol", "BSC:BNB")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a1.ID != a2.ID {
		t.Errorf("same (user, asset) returned two accounts: %s vs %s", a1.ID, a2.ID)
	}
}

func TestAvailableBalance_SubtractsActiveHolds(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := ledger.NewRepository(nil)
	holds := hold.NewManager(nil)

	alice, _ := repo.GetOrCreateAccount(ctx, db, "alice", "BSC:USDT")
	funding, _ := repo.GetOrCreateAccount(ctx, db, "system:funding", "BSC:USDT")

	if err := repo.PostEntry(ctx, db, ledger.NewEntry(ledger.EntryTypeAdjustment, "seed:alice", []ledger.Line{
		{AccountID: funding.ID, AssetID: "BSC:USDT", Amount: dec("-100")},
		{AccountID: alice.ID, AssetID: "BSC:USDT", Amount: dec("100")},
	})); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h, err := holds.Create(ctx, db, alice.ID, "BSC:USDT", dec("30"))
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	avail, err := repo.AvailableBalance(ctx, db, alice.ID)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !avail.Equal(dec("70")) {
		t.Errorf("available = %s, want 70", avail)
	}

	posted, _ := repo.PostedBalance(ctx, db, alice.ID)
	if !posted.Equal(dec("100")) {
		t.Errorf("posted = %s, want 100 (holds must not touch posted balance)", posted)
	}

	// Releasing the hold restores availability.
	if _, err := holds.Release(ctx, db, h.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	avail, _ = repo.AvailableBalance(ctx, db, alice.ID)
	if !avail.Equal(dec("100")) {
		t.Errorf("available after release = %s, want 100", avail)
	}
}
