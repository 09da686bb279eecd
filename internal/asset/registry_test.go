package asset_test

import (
	"context"
	"errors"
	"testing"

	"CustodyLedger/internal/asset"
	"CustodyLedger/internal/testutil"
)

// ============================================================================
// Test: Registry (integration, reads the seeded catalog)
// ============================================================================

func TestLookup_SeededToken(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	r := asset.NewRegistry(db)
	a, err := r.Lookup(context.Background(), "BSC", "USDT")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a.Native() {
		t.Error("USDT must not be native")
	}
	if a.Contract == "" {
		t.Error("token must carry a contract address")
	}
	if a.ID() != "BSC:USDT" {
		t.Errorf("id = %s, want BSC:USDT", a.ID())
	}
}

func TestLookup_Unknown(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	r := asset.NewRegistry(db)
	if _, err := r.Lookup(context.Background(), "BSC", "DOGE"); !errors.Is(err, asset.ErrUnknownAsset) {
		t.Errorf("want ErrUnknownAsset, got %v", err)
	}
	if _, err := r.Lookup(context.Background(), "SOL", "USDT"); !errors.Is(err, asset.ErrUnknownAsset) {
		t.Errorf("unknown chain: want ErrUnknownAsset, got %v", err)
	}
}

func TestLookupID(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	r := asset.NewRegistry(db)
	a, err := r.LookupID(context.Background(), "BSC:USDT")
	if err != nil {
		t.Fatalf("lookup id: %v", err)
	}
	if a.Chain != "BSC" || a.Symbol != "USDT" {
		t.Errorf("resolved %s/%s, want BSC/USDT", a.Chain, a.Symbol)
	}

	for _, id := range []string{"BSC:DOGE", "USDT", ":USDT", "BSC:", ""} {
		if _, err := r.LookupID(context.Background(), id); !errors.Is(err, asset.ErrUnknownAsset) {
			t.Errorf("LookupID(%q): want ErrUnknownAsset, got %v", id, err)
		}
	}
}

func TestNative(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	r := asset.NewRegistry(db)
	a, err := r.Native(context.Background(), "BSC")
	if err != nil {
		t.Fatalf("native: %v", err)
	}
	if a.Symbol != "BNB" || !a.Native() {
		t.Errorf("native of BSC = %+v, want BNB", a)
	}

	if _, err := r.Native(context.Background(), "SOL"); !errors.Is(err, asset.ErrUnknownAsset) {
		t.Errorf("want ErrUnknownAsset, got %v", err)
	}
}

func TestTokens_ExcludesNative(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	r := asset.NewRegistry(db)
	tokens, err := r.Tokens(context.Background(), "BSC")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if len(tokens) == 0 {
		t.Fatal("expected seeded tokens on BSC")
	}
	for _, a := range tokens {
		if a.Native() {
			t.Errorf("token list contains native asset %s", a.Symbol)
		}
	}
}
